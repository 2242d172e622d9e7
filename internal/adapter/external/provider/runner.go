package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/entity"
)

// CommandRunner executes a packet-filter tool, locally or on a remote host
type CommandRunner interface {
	// Run executes name with args, feeding stdin when non-empty, and
	// returns stdout. A non-zero exit status is returned as *ExitError.
	Run(ctx context.Context, stdin string, name string, args ...string) (string, error)
	// Target names where commands run, for logs
	Target() string
}

// RunnerFactory builds the runner for one integration
type RunnerFactory func(cfg entity.IntegrationConfig, secret string) (CommandRunner, error)

// ExitError is a command that ran and exited non-zero
type ExitError struct {
	Command string
	Code    int
	Stderr  string
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("%s: exit status %d", e.Command, e.Code)
	}
	return fmt.Sprintf("%s: exit status %d: %s", e.Command, e.Code, msg)
}

// exitCode extracts the exit status of a failed command
func exitCode(err error) (int, bool) {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code, true
	}
	return 0, false
}

// DefaultRunnerFactory runs commands over SSH when ssh_host is set,
// locally otherwise. The resolved secret is the SSH private key; the
// ssh_key_path config key is the fallback.
func DefaultRunnerFactory(cfg entity.IntegrationConfig, secret string) (CommandRunner, error) {
	host := cfg.Get("ssh_host", "")
	if host == "" {
		return LocalRunner{}, nil
	}

	port, err := strconv.Atoi(cfg.Get("ssh_port", "22"))
	if err != nil || port <= 0 || port > 65535 {
		return nil, invalidConfig("ssh_port %q is not a valid port", cfg["ssh_port"])
	}

	key := []byte(secret)
	if len(key) == 0 {
		path := cfg.Get("ssh_key_path", "")
		if path == "" {
			return nil, invalidConfig("ssh_host requires credential_ref or ssh_key_path")
		}
		key, err = os.ReadFile(path)
		if err != nil {
			return nil, invalidConfig("read SSH key: %v", err)
		}
	}

	return NewSSHRunner(SSHConfig{
		Host:       host,
		Port:       port,
		User:       cfg.Get("ssh_user", "root"),
		PrivateKey: key,
		HostKey:    cfg.Get("ssh_host_key", ""),
	})
}

// LocalRunner executes commands on this host
type LocalRunner struct{}

// Target implements CommandRunner
func (LocalRunner) Target() string { return "local" }

// Run implements CommandRunner
func (LocalRunner) Run(ctx context.Context, stdin string, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.String(), nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", fmt.Errorf("%s: %w", name, ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.String(), &ExitError{Command: name, Code: exitErr.ExitCode(), Stderr: stderr.String()}
	}
	return "", fmt.Errorf("run %s: %w", name, err)
}

// SSHConfig holds remote runner settings
type SSHConfig struct {
	Host       string
	Port       int
	User       string
	PrivateKey []byte
	// HostKey pins the server key (authorized_keys format); empty skips
	// verification
	HostKey string
}

// SSHRunner executes commands on a remote host over SSH, one connection
// per command
type SSHRunner struct {
	addr   string
	config *ssh.ClientConfig
}

// NewSSHRunner validates the key material and builds a runner
func NewSSHRunner(cfg SSHConfig) (*SSHRunner, error) {
	signer, err := ssh.ParsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, invalidConfig("parse SSH key: %v", err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if cfg.HostKey != "" {
		pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(cfg.HostKey))
		if err != nil {
			return nil, invalidConfig("parse ssh_host_key: %v", err)
		}
		hostKeyCallback = ssh.FixedHostKey(pub)
	}

	return &SSHRunner{
		addr: net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		config: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeyCallback,
			Timeout:         10 * time.Second,
		},
	}, nil
}

// Target implements CommandRunner
func (r *SSHRunner) Target() string { return r.config.User + "@" + r.addr }

// Run implements CommandRunner. Cancelling ctx closes the connection.
func (r *SSHRunner) Run(ctx context.Context, stdin string, name string, args ...string) (string, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", r.addr)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", r.addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, r.addr, r.config)
	if err != nil {
		conn.Close()
		return "", fmt.Errorf("ssh handshake %s: %w", r.addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("ssh session: %w", err)
	}
	defer session.Close()

	if stdin != "" {
		session.Stdin = strings.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	command := shellJoin(name, args...)
	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		client.Close()
		return "", fmt.Errorf("%s: %w", name, ctx.Err())
	case err := <-done:
		if err == nil {
			return stdout.String(), nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), &ExitError{Command: name, Code: exitErr.ExitStatus(), Stderr: stderr.String()}
		}
		return "", fmt.Errorf("run %s on %s: %w", name, r.addr, err)
	}
}

// shellJoin quotes every argument for a POSIX shell
func shellJoin(name string, args ...string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellQuote(name))
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./:=@,", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
