package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// Process is one running bridge child.
type Process interface {
	Pid() int
	Stdin() io.WriteCloser
	Stdout() io.ReadCloser
	Signal(sig os.Signal) error
	Kill() error
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
}

// Launcher starts bridge processes.
type Launcher interface {
	Launch(ctx context.Context, name string, args []string) (Process, error)
}

// ExecLauncher starts bridge processes with os/exec. The child outlives the
// launch context.
type ExecLauncher struct {
	Dir    string
	Env    []string
	Stderr io.Writer
}

// Launch starts name with args.
func (l ExecLauncher) Launch(ctx context.Context, name string, args []string) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(name, args...)
	cmd.Dir = l.Dir
	if len(l.Env) > 0 {
		cmd.Env = append(os.Environ(), l.Env...)
	}
	cmd.Stderr = l.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	// A plain pipe so reads see EOF on exit instead of racing cmd.Wait.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW

	if err := cmd.Start(); err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, fmt.Errorf("start %s %s: %w", name, strings.Join(args, " "), err)
	}
	_ = stdoutW.Close()

	p := &execProcess{cmd: cmd, stdin: stdin, stdout: stdoutR, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	done   chan struct{}
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }
func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.ReadCloser { return p.stdout }
func (p *execProcess) Done() <-chan struct{} { return p.done }
func (p *execProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }

func (p *execProcess) Kill() error {
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// ProcessChecker reports whether a pid still names a live process.
type ProcessChecker interface {
	Alive(ctx context.Context, pid int) (bool, error)
}

// SystemChecker asks the OS through gopsutil. Zombies count as dead.
type SystemChecker struct{}

// Alive reports whether pid is running.
func (SystemChecker) Alive(ctx context.Context, pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	exists, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil {
		return false, fmt.Errorf("check pid %d: %w", pid, err)
	}
	if !exists {
		return false, nil
	}
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return false, nil
		}
		return false, fmt.Errorf("inspect pid %d: %w", pid, err)
	}
	status, err := proc.StatusWithContext(ctx)
	if err != nil {
		// Status is unsupported on some platforms; existence is enough there.
		return true, nil
	}
	for _, s := range status {
		if s == process.Zombie {
			return false, nil
		}
	}
	return true, nil
}
