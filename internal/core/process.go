package core

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// RunCommand executes argv with stdout and stderr written to out. extraEnv is
// appended to the parent environment. The command runs in its own process
// group so cancellation reaches every child.
//
// On cancellation the group gets SIGTERM, then SIGKILL once grace elapses.
// A zero grace kills immediately. Returns the exit code; a non-exit error
// (start failure, cancellation) is returned with exit code -1.
func RunCommand(ctx context.Context, argv []string, extraEnv []string, dir string, grace time.Duration, out io.Writer) (int, error) {
	return RunCommandInput(ctx, argv, extraEnv, dir, grace, nil, out)
}

// RunCommandInput is RunCommand with stdin connected to in.
func RunCommandInput(ctx context.Context, argv []string, extraEnv []string, dir string, grace time.Duration, in io.Reader, out io.Writer) (int, error) {
	if len(argv) == 0 {
		return -1, errors.New("empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = in
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if len(extraEnv) > 0 {
		cmd.Env = append(os.Environ(), extraEnv...)
	}

	if grace > 0 {
		cmd.Cancel = func() error {
			pgid := -cmd.Process.Pid
			if err := unix.Kill(pgid, unix.SIGTERM); err != nil {
				return unix.Kill(pgid, unix.SIGKILL)
			}
			go func() {
				time.Sleep(grace)
				// the group may already be gone
				_ = unix.Kill(pgid, unix.SIGKILL)
			}()
			return nil
		}
	} else {
		cmd.Cancel = func() error {
			return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		}
	}
	// children holding the output pipes open must not block Wait forever
	cmd.WaitDelay = grace + 2*time.Second

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	var exitError *exec.ExitError
	if errors.As(err, &exitError) {
		return exitError.ExitCode(), nil
	}
	return -1, err
}
