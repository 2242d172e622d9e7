package modsec

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appendFile(t *testing.T, path, data string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestFileSource_ReadsCompleteLinesIncrementally(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modsec.log")
	appendFile(t, path, "one\ntwo\npart")

	src := NewFileSource(path)
	ctx := context.Background()

	chunk, err := src.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(chunk))

	chunk, err = src.Read(ctx)
	require.NoError(t, err)
	assert.Empty(t, chunk)

	appendFile(t, path, "ial\nthree\n")
	chunk, err = src.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "partial\nthree\n", string(chunk))
}

func TestFileSource_RestartsAfterRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modsec.log")
	appendFile(t, path, "old line one\nold line two\n")

	src := NewFileSource(path)
	_, err := src.Read(context.Background())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("new\n"), 0o600))
	chunk, err := src.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new\n", string(chunk))
}

func TestFileSource_MissingFile(t *testing.T) {
	_, err := NewFileSource(filepath.Join(t.TempDir(), "nope.log")).Read(context.Background())
	assert.Error(t, err)
}

// fakeRunner serves wc and tail against an in-memory file
type fakeRunner struct {
	content string
	cmds    []string
}

func (f *fakeRunner) Target() string { return "edge-1" }

func (f *fakeRunner) Run(_ context.Context, _ string, name string, args ...string) (string, error) {
	cmd := strings.Join(append([]string{name}, args...), " ")
	f.cmds = append(f.cmds, cmd)
	switch name {
	case "wc":
		return fmt.Sprintf("%d %s\n", len(f.content), args[1]), nil
	case "sh":
		var from, limit int
		var path string
		if _, err := fmt.Sscanf(args[1], "tail -c +%d %s | head -c %d", &from, &path, &limit); err != nil {
			return "", err
		}
		end := from - 1 + limit
		if end > len(f.content) {
			end = len(f.content)
		}
		return f.content[from-1 : end], nil
	}
	return "", fmt.Errorf("unexpected command %q", cmd)
}

func TestRemoteSource_TailsThroughRunner(t *testing.T) {
	runner := &fakeRunner{content: "a\nb\n"}
	src := NewRemoteSource(runner, "/var/log/modsec.log")
	assert.Equal(t, "edge-1:/var/log/modsec.log", src.Name())

	chunk, err := src.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a\nb\n", string(chunk))

	runner.content += "c\n"
	chunk, err = src.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "c\n", string(chunk))
	assert.Contains(t, runner.cmds, "sh -c tail -c +5 '/var/log/modsec.log' | head -c 2")
}
