package runner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync/atomic"
)

// ConverterPath is the location of the converter binary. It is a variable
// (not a const) so tests can point it at a fake executable.
var ConverterPath = "/usr/bin/virt-v2v"

// Direct runs the converter as a plain child process, redirecting its
// combined stdout+stderr into the text log file.
type Direct struct {
	Args    []string
	Environ Env
	LogPath string

	cmd        *exec.Cmd
	exited     atomic.Bool
	returnCode atomic.Int64 // valid only once exited is true; holds code+1, 0 means "not set"
}

// NewDirect constructs a Direct runner.
func NewDirect(args []string, env Env, logPath string) *Direct {
	return &Direct{Args: args, Environ: env, LogPath: logPath}
}

// Run starts the converter. stdin is /dev/null, matching spec.md §4.4.
func (d *Direct) Run(_ context.Context) error {
	logFile, err := os.Create(d.LogPath)
	if err != nil {
		return fmt.Errorf("failed to create v2v log %s: %w", d.LogPath, err)
	}

	devNull, err := os.Open(os.DevNull)
	if err != nil {
		logFile.Close()
		return fmt.Errorf("failed to open %s: %w", os.DevNull, err)
	}

	cmd := exec.Command(ConverterPath, d.Args...)
	cmd.Stdin = devNull
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = d.Environ.Strings()

	if err := cmd.Start(); err != nil {
		logFile.Close()
		devNull.Close()
		return fmt.Errorf("failed to start converter: %w", err)
	}
	d.cmd = cmd

	go func() {
		_ = cmd.Wait()
		d.returnCode.Store(int64(cmd.ProcessState.ExitCode()) + 1)
		d.exited.Store(true)
		logFile.Close()
		devNull.Close()
	}()

	return nil
}

// IsRunning reports whether the child process is still alive. It never
// touches cmd.ProcessState directly, since that field is written by the
// Wait goroutine started in Run; exited is the synchronization point.
func (d *Direct) IsRunning() bool {
	if d.cmd == nil || d.cmd.Process == nil {
		return false
	}
	return !d.exited.Load()
}

// Kill sends the process a kill signal, best-effort.
func (d *Direct) Kill() {
	if d.cmd != nil && d.cmd.Process != nil {
		_ = d.cmd.Process.Kill()
	}
}

// ReturnCode returns the exit code once the process has exited.
func (d *Direct) ReturnCode() *int {
	if !d.exited.Load() {
		return nil
	}
	code := int(d.returnCode.Load()) - 1
	return &code
}

// PID returns the child's process id.
func (d *Direct) PID() int {
	if d.cmd == nil || d.cmd.Process == nil {
		return 0
	}
	return d.cmd.Process.Pid
}
