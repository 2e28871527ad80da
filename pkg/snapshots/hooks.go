package snapshots

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"golang.org/x/sys/unix"

	"github.com/wardenfs/snapwarden/pkg/logging"
)

// HookRunner executes dataset hook commands through the shell.
type HookRunner struct {
	// commandContext allows mocking os/exec for testing hooks.
	commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd
}

// NewHookRunner creates a HookRunner on the given command factory.
func NewHookRunner(commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd) *HookRunner {
	return &HookRunner{commandContext: commandContext}
}

// Run executes the commands in order, each bounded by timeout. With
// failFast the first failing command aborts the run; otherwise failures
// are logged and the remaining commands still execute.
func (r *HookRunner) Run(ctx context.Context, commands []string, timeout time.Duration, env []string, failFast bool) error {
	for _, command := range commands {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		logging.Debug().Str("command", command).Msg("Executing hook command")

		if err := r.runOne(ctx, command, timeout, env); err != nil {
			// cmd.Wait reports an opaque kill error when the context is
			// canceled; surface the cancellation instead.
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if failFast {
				return fmt.Errorf("command '%s' failed: %w", command, err)
			}
			logging.Warn().Str("command", command).Err(err).Msg("Hook command failed")
		}
	}
	return nil
}

func (r *HookRunner) runOne(ctx context.Context, command string, timeout time.Duration, env []string) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := r.commandContext(ctx, "/bin/sh", "-c", command)
	// Run the command as its own process group leader so a cancellation
	// can signal the whole group, including any children it spawned.
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.Env = append(cmd.Env, env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	return cmd.Run()
}
