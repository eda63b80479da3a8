package proc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// Handle holds the running process information.
type Handle struct {
	PID       int
	StartedAt time.Time
	cmd       *exec.Cmd
	done      chan error
}

// Done is closed (with the exit error) once the process has been reaped.
func (h *Handle) Done() <-chan error { return h.done }

// Options specifies how to start the process.
type Options struct {
	Name    string
	Command string
	Args    []string
	Env     []string
	Dir     string
}

// Runner starts and stops native processes.
type Runner struct{}

func New() *Runner { return &Runner{} }

// Start launches the process and returns a handle. The process is placed in
// its own process group so that stop signals reach its children too. The
// context only bounds the spawn itself; the process outlives it.
func (r *Runner) Start(ctx context.Context, opts Options) (*Handle, error) {
	if opts.Command == "" {
		return nil, fmt.Errorf("empty command")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Env = append(os.Environ(), opts.Env...)
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Log capture pipes
	stdout, _ := cmd.StdoutPipe()
	stderr, _ := cmd.StderrPipe()
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	if stdout != nil {
		go streamLogs(opts.Name, "stdout", stdout)
	}
	if stderr != nil {
		go streamLogs(opts.Name, "stderr", stderr)
	}
	h := &Handle{PID: cmd.Process.Pid, StartedAt: time.Now(), cmd: cmd, done: make(chan error, 1)}
	go func() { h.done <- cmd.Wait() }()
	return h, nil
}

// Stop sends SIGTERM to the process group and waits, then SIGKILL on timeout.
func (r *Runner) Stop(ctx context.Context, h *Handle, timeout time.Duration) error {
	if h == nil || h.cmd == nil || h.cmd.Process == nil {
		return nil
	}
	pgid := -h.cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)
	select {
	case <-ctx.Done():
		_ = syscall.Kill(pgid, syscall.SIGKILL)
		return ctx.Err()
	case err := <-h.done:
		return err
	case <-time.After(timeout):
		_ = syscall.Kill(pgid, syscall.SIGKILL)
		return <-h.done
	}
}

// StopPID terminates a process by its remembered PID, for the case where the
// exec handle was lost (e.g. the orchestrator restarted underneath it).
// SIGTERM first, then SIGKILL once the grace period elapses.
func (r *Runner) StopPID(pid int, timeout time.Duration) error {
	if pid <= 0 {
		return nil
	}
	// Prefer the whole process group; fall back to the single PID.
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		_ = syscall.Kill(pid, syscall.SIGTERM)
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !IsRunning(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
	return nil
}

// IsRunning reports whether a process with the given PID exists.
func IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

func streamLogs(name, stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		log.Info().Str("agent", name).Str("stream", stream).Msg(scanner.Text())
	}
}
