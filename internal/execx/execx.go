// Package execx runs external commands (git, wezterm, tmux, codex) with a
// bounded timeout and a bounded stdout capture. It never inherits the
// caller's stdin.
package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/janekbaraniewski/paneboard/internal/apierr"
)

const (
	DefaultTimeout        = 5 * time.Second
	DefaultMaxStdoutBytes = 20 << 20 // git patches on large repos can be huge
	maxStderrBytes        = 64 << 10
)

type Options struct {
	Timeout        time.Duration
	MaxStdoutBytes int64
	// AllowStdoutOnError treats a non-zero exit with non-empty stdout as
	// success: git status prints partial output even on certain failures.
	AllowStdoutOnError bool
	Dir                string
	Env                []string
}

type Result struct {
	Stdout    []byte
	Stderr    []byte
	ExitCode  int
	Truncated bool
}

var ErrTimeout = errors.New("command timed out")

// cappedBuffer keeps at most max bytes and discards the rest, remembering
// that it did.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int64
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	remaining := c.max - int64(c.buf.Len())
	if remaining <= 0 {
		c.truncated = true
		return len(p), nil
	}
	if int64(len(p)) > remaining {
		c.truncated = true
		_, err := c.buf.Write(p[:remaining])
		return len(p), err
	}
	return c.buf.Write(p)
}

// Run executes name with args and returns the captured output. The command's
// stdin is empty. On timeout the process is killed and ErrTimeout is
// returned wrapped in the result error.
func Run(ctx context.Context, name string, args []string, opts Options) (Result, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxStdoutBytes <= 0 {
		opts.MaxStdoutBytes = DefaultMaxStdoutBytes
	}

	runCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Dir = opts.Dir
	if opts.Env != nil {
		cmd.Env = opts.Env
	}

	stdout := &cappedBuffer{max: opts.MaxStdoutBytes}
	stderr := &cappedBuffer{max: maxStderrBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()

	res := Result{
		Stdout:    stdout.buf.Bytes(),
		Stderr:    stderr.buf.Bytes(),
		Truncated: stdout.truncated,
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return res, fmt.Errorf("%s: %w after %s", name, ErrTimeout, opts.Timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if opts.AllowStdoutOnError && len(res.Stdout) > 0 {
				return res, nil
			}
			return res, fmt.Errorf("%s exited %d: %s", name, res.ExitCode, firstStderrLine(res.Stderr))
		}
		// Launch failures (binary missing, permission) arrive here.
		return res, fmt.Errorf("starting %s: %w", name, err)
	}
	return res, nil
}

// IsNotFound reports whether err means the binary could not be launched at
// all, as opposed to running and failing.
func IsNotFound(err error) bool {
	return errors.Is(err, exec.ErrNotFound)
}

// TimeoutError converts a Run error into the taxonomy code the caller's
// transport demands.
func TimeoutError(err error, code apierr.Code) error {
	if errors.Is(err, ErrTimeout) {
		return apierr.Wrap(code, err, "command timed out")
	}
	return err
}

func firstStderrLine(stderr []byte) string {
	s := strings.TrimSpace(string(stderr))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return "(no stderr)"
	}
	return s
}
