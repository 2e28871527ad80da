// Package btrfs is a typed driver for the btrfs command line tools. It
// shells out to `btrfs` for every operation and parses the machine-oriented
// output forms, exposing pools and subvolumes as plain structs.
//
// All functions accept a Runner so tests can substitute canned command
// output for a live filesystem.
package btrfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/wardenfs/snapwarden/pkg/logging"
)

// Error describes a failed filesystem operation.
type Error struct {
	Op     string
	Path   string
	Stderr string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("btrfs %s %s: %v", e.Op, e.Path, e.Err)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// ExitCode extracts the process exit code from an error chain, or -1.
func ExitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// Runner executes external commands. The production implementation shells
// out; tests provide canned output.
type Runner interface {
	// Run executes the command and returns its stdout. On a non-zero
	// exit the error carries the exit code and captured stderr.
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
	// Stream starts the command with stdout piped for large transfers.
	// The caller must drain and Close the returned stream.
	Stream(ctx context.Context, name string, args ...string) (*Stream, error)
	// RunInput executes the command with stdin supplied from r.
	RunInput(ctx context.Context, r io.Reader, name string, args ...string) ([]byte, error)
}

// Stream is a running command's stdout. Close reaps the process and reports
// its exit status, so a stream is only complete once Close returns nil.
type Stream struct {
	rc     io.ReadCloser
	wait   func() error
	waited bool
	err    error
}

// NewStream wraps a reader as a Stream. wait, when non-nil, runs once on
// Close and supplies the close error. Command runners and test fakes use
// it to construct streams.
func NewStream(rc io.ReadCloser, wait func() error) *Stream {
	return &Stream{rc: rc, wait: wait}
}

// Read reads from the command's stdout.
func (s *Stream) Read(p []byte) (int, error) { return s.rc.Read(p) }

// Close reaps the process and returns its exit error, if any.
func (s *Stream) Close() error {
	if s.waited {
		return s.err
	}
	s.waited = true
	s.rc.Close()
	if s.wait != nil {
		s.err = s.wait()
	}
	return s.err
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

var _ Runner = (*ExecRunner)(nil)

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	logging.Debug().Str("cmd", name).Strs("args", args).Msg("Running command")

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// Stream implements Runner.
func (ExecRunner) Stream(ctx context.Context, name string, args ...string) (*Stream, error) {
	logging.Debug().Str("cmd", name).Strs("args", args).Msg("Starting streaming command")

	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("piping %s: %w", name, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", name, err)
	}
	wait := func() error {
		if err := cmd.Wait(); err != nil {
			return fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return nil
	}
	return NewStream(stdout, wait), nil
}

// RunInput implements Runner.
func (ExecRunner) RunInput(ctx context.Context, r io.Reader, name string, args ...string) ([]byte, error) {
	logging.Debug().Str("cmd", name).Strs("args", args).Msg("Running command with input")

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = r
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// Client wraps a Runner with the btrfs operations the daemon needs.
type Client struct {
	runner Runner
}

// New creates a Client on the given runner.
func New(runner Runner) *Client {
	return &Client{runner: runner}
}

// NewExec creates a Client that shells out to the real btrfs tools.
func NewExec() *Client {
	return New(ExecRunner{})
}

func (c *Client) wrapError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Path: path, Err: err}
}
