package provider

import (
	"fmt"
	"os"
	"strings"

	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/entity"
)

// SecretResolver turns a credential_ref into the secret it names
type SecretResolver interface {
	Resolve(ref string) (string, error)
}

// EnvFileResolver resolves "env:NAME" and "file:/path" references
type EnvFileResolver struct{}

// Resolve implements SecretResolver. An empty ref resolves to "".
func (EnvFileResolver) Resolve(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", nil
	}
	scheme, value, ok := strings.Cut(ref, ":")
	if !ok || value == "" {
		return "", fmt.Errorf("%w: credential_ref %q must be env:NAME or file:/path", entity.ErrInvalidArgument, ref)
	}
	switch scheme {
	case "env":
		secret, found := os.LookupEnv(value)
		if !found {
			return "", fmt.Errorf("%w: environment variable %s is not set", entity.ErrInvalidArgument, value)
		}
		return secret, nil
	case "file":
		b, err := os.ReadFile(value)
		if err != nil {
			return "", fmt.Errorf("%w: read credential file: %v", entity.ErrInvalidArgument, err)
		}
		return strings.TrimRight(string(b), "\r\n"), nil
	default:
		return "", fmt.Errorf("%w: unsupported credential scheme %q", entity.ErrInvalidArgument, scheme)
	}
}
