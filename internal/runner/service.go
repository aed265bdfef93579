package runner

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// unitNameRE extracts the ephemeral transient unit name systemd-run prints
// on its stderr, e.g. "Running as unit: run-r4f3b2c1.service".
var unitNameRE = regexp.MustCompile(`\b(run-r?[0-9a-f]+\.service)\b`)

const unitPollInterval = 200 * time.Millisecond
const unitPollTimeout = 25 * time.Second

// Service runs the converter as a transient systemd unit, wrapped in
// cgexec so its egress traffic lands in the net_cls classifier cgroup
// the tc controller manages (spec.md §4.4, §4.5).
type Service struct {
	Args        []string
	Environ     Env
	LogPath     string
	UID, GID    int
	Description string
	Cgroup      string // net_cls:<cgroup>, e.g. "v2v-conversion/<tag>"

	mu       sync.Mutex
	unit     string
	pid      int
	done     bool
	exitCode int

	systemdRun     func(args ...string) ([]byte, []byte, error)
	systemctlShow  func(unit, property string) (string, error)
	systemctlIsUp  func(unit string) bool
	resetFailedRun func(unit string)
}

// NewService constructs a Service runner.
func NewService(args []string, env Env, logPath string, uid, gid int, description, cgroup string) *Service {
	s := &Service{
		Args:        args,
		Environ:     env,
		LogPath:     logPath,
		UID:         uid,
		GID:         gid,
		Description: description,
		Cgroup:      cgroup,
	}
	s.systemdRun = runSystemdRun
	s.systemctlShow = systemctlShowProperty
	s.systemctlIsUp = systemctlIsActive
	s.resetFailedRun = systemctlResetFailed
	return s
}

// Run launches the converter under systemd-run + cgexec and waits for the
// transient unit's main PID to appear.
func (s *Service) Run(ctx context.Context) error {
	args := []string{
		"--description", s.Description,
		"--uid", strconv.Itoa(s.UID),
		"--gid", strconv.Itoa(s.GID),
	}
	for _, e := range s.Environ {
		args = append(args, "--setenv", e.Key+"="+e.Value)
	}

	cgexecArgs := []string{"-g", "net_cls:" + s.Cgroup,
		"/bin/sh", "-c", `exec "$0" "$@" > "` + s.LogPath + `" 2>&1`,
		ConverterPath}
	cgexecArgs = append(cgexecArgs, s.Args...)
	args = append(args, "cgexec")
	args = append(args, cgexecArgs...)

	_, stderr, err := s.systemdRun(args...)
	if err != nil {
		return fmt.Errorf("failed to start converter via systemd-run: %w", err)
	}

	unit := unitNameRE.FindString(string(stderr))
	if unit == "" {
		return fmt.Errorf("could not determine transient unit name from systemd-run output: %s", stderr)
	}
	s.mu.Lock()
	s.unit = unit
	s.mu.Unlock()

	deadline := time.Now().Add(unitPollTimeout)
	for time.Now().Before(deadline) {
		if pidStr, err := s.systemctlShow(unit, "ExecMainPID"); err == nil {
			if pid, err := strconv.Atoi(strings.TrimSpace(pidStr)); err == nil && pid > 0 {
				s.mu.Lock()
				s.pid = pid
				s.mu.Unlock()
				return nil
			}
		}
		time.Sleep(unitPollInterval)
	}
	return fmt.Errorf("timed out waiting for unit %s to report a main PID", unit)
}

// IsRunning reports whether the transient unit is still active.
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	unit := s.unit
	s.mu.Unlock()
	if unit == "" {
		return false
	}
	return s.systemctlIsUp(unit)
}

// Kill stops the transient unit.
func (s *Service) Kill() {
	s.mu.Lock()
	unit := s.unit
	s.mu.Unlock()
	if unit == "" {
		return
	}
	_ = exec.Command("systemctl", "stop", unit).Run()
}

// ReturnCode reads ExecMainStatus once the unit has gone inactive, and
// resets the failed state so repeated runs don't accumulate failed units
// in systemctl's bookkeeping.
func (s *Service) ReturnCode() *int {
	s.mu.Lock()
	unit, done, code := s.unit, s.done, s.exitCode
	s.mu.Unlock()
	if unit == "" {
		return nil
	}
	if done {
		return &code
	}
	if s.systemctlIsUp(unit) {
		return nil
	}
	raw, err := s.systemctlShow(unit, "ExecMainStatus")
	if err != nil {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return nil
	}
	s.mu.Lock()
	s.done = true
	s.exitCode = n
	s.mu.Unlock()
	if n != 0 {
		s.resetFailedRun(unit)
	}
	return &n
}

// PID returns the converter's main PID inside the unit, once known.
func (s *Service) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

// SetCPUQuota live-adjusts the transient unit's CPU allowance (spec.md
// §4.5 throttling, CPU axis). A nil or "unlimited" quota clears the limit.
func (s *Service) SetCPUQuota(quota *string) error {
	s.mu.Lock()
	unit := s.unit
	s.mu.Unlock()
	if unit == "" {
		return fmt.Errorf("no unit to set CPU quota on")
	}
	value := ""
	if quota != nil && *quota != "unlimited" && *quota != "" {
		value = *quota
		if !strings.HasSuffix(value, "%") {
			value += "%"
		}
	}
	cmd := exec.Command("systemctl", "set-property", unit, "CPUQuota="+value)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to set CPUQuota on %s: %w\noutput: %s", unit, err, out)
	}
	return nil
}

func runSystemdRun(args ...string) (stdout, stderr []byte, err error) {
	cmd := exec.Command("systemd-run", args...)
	var outBuf, errBuf strings.Builder
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	err = cmd.Run()
	return []byte(outBuf.String()), []byte(errBuf.String()), err
}

func systemctlShowProperty(unit, property string) (string, error) {
	out, err := exec.Command("systemctl", "show", unit, "--property", property, "--value").Output()
	if err != nil {
		return "", fmt.Errorf("systemctl show %s --property %s failed: %w", unit, property, err)
	}
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	if scanner.Scan() {
		return scanner.Text(), nil
	}
	return "", fmt.Errorf("empty output from systemctl show %s --property %s", unit, property)
}

func systemctlIsActive(unit string) bool {
	return exec.Command("systemctl", "is-active", "--quiet", unit).Run() == nil
}

func systemctlResetFailed(unit string) {
	_ = exec.Command("systemctl", "reset-failed", unit).Run()
}
