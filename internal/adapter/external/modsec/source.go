package modsec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
)

// initialBacklog bounds how much of an existing log the first read
// returns
const initialBacklog = 1 << 20

// Source returns the complete lines appended to a log since the
// previous read
type Source interface {
	Name() string
	Read(ctx context.Context) ([]byte, error)
}

// Runner executes a command on the host holding the log
type Runner interface {
	Target() string
	Run(ctx context.Context, stdin string, name string, args ...string) (string, error)
}

// cursor tracks the consumed offset of a growing file
type cursor struct {
	mu      sync.Mutex
	offset  int64
	started bool
}

// start returns where the next read begins given the current file size.
// A file smaller than the offset was rotated and is read from the top.
func (c *cursor) start(size int64) int64 {
	if !c.started {
		c.started = true
		c.offset = size - initialBacklog
		if c.offset < 0 {
			c.offset = 0
		}
	}
	if size < c.offset {
		c.offset = 0
	}
	return c.offset
}

// consume keeps complete lines only and advances past them
func (c *cursor) consume(chunk []byte) []byte {
	end := bytes.LastIndexByte(chunk, '\n')
	if end < 0 {
		return nil
	}
	c.offset += int64(end + 1)
	return chunk[:end+1]
}

// FileSource tails a local log file
type FileSource struct {
	path string
	cur  cursor
}

// NewFileSource creates a local file source
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Name implements Source
func (s *FileSource) Name() string { return s.path }

// Read implements Source
func (s *FileSource) Read(_ context.Context) ([]byte, error) {
	s.cur.mu.Lock()
	defer s.cur.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open modsec log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat modsec log: %w", err)
	}
	from := s.cur.start(info.Size())
	if info.Size() == from {
		return nil, nil
	}

	if _, err := f.Seek(from, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek modsec log: %w", err)
	}
	chunk, err := io.ReadAll(io.LimitReader(f, info.Size()-from))
	if err != nil {
		return nil, fmt.Errorf("read modsec log: %w", err)
	}
	return s.cur.consume(chunk), nil
}

// RemoteSource tails a log on another host through a Runner, usually
// an SSH runner
type RemoteSource struct {
	runner Runner
	path   string
	cur    cursor
}

// NewRemoteSource creates a remote file source
func NewRemoteSource(runner Runner, path string) *RemoteSource {
	return &RemoteSource{runner: runner, path: path}
}

// Name implements Source
func (s *RemoteSource) Name() string {
	return s.runner.Target() + ":" + s.path
}

// Read implements Source
func (s *RemoteSource) Read(ctx context.Context) ([]byte, error) {
	s.cur.mu.Lock()
	defer s.cur.mu.Unlock()

	out, err := s.runner.Run(ctx, "", "wc", "-c", s.path)
	if err != nil {
		return nil, fmt.Errorf("size modsec log: %w", err)
	}
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return nil, fmt.Errorf("size modsec log: empty output")
	}
	size, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("size modsec log: %w", err)
	}

	from := s.cur.start(size)
	if size == from {
		return nil, nil
	}
	// tail -c +N is 1-based; head caps what a single read pulls
	chunk, err := s.runner.Run(ctx, "", "sh", "-c",
		fmt.Sprintf("tail -c +%d %s | head -c %d", from+1, shellQuote(s.path), size-from))
	if err != nil {
		return nil, fmt.Errorf("read modsec log: %w", err)
	}
	return s.cur.consume([]byte(chunk)), nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
