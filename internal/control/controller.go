// Package control implements the Run Controller state machine (spec.md
// §4.7): the single driver thread that validates a request, materializes
// secrets, starts the converter, and monitors it to completion.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/jbweber/v2v-wrapper/internal/backend"
	"github.com/jbweber/v2v-wrapper/internal/logparser"
	"github.com/jbweber/v2v-wrapper/internal/request"
	"github.com/jbweber/v2v-wrapper/internal/runner"
	"github.com/jbweber/v2v-wrapper/internal/secrets"
	"github.com/jbweber/v2v-wrapper/internal/tc"
	"github.com/jbweber/v2v-wrapper/internal/wlog"
	"github.com/jbweber/v2v-wrapper/internal/wrapstate"
)

// Exit codes, per spec.md §6.
const (
	ExitSuccess          = 0
	ExitValidationFailed = 1
	ExitRunFailed        = 2
)

// stateDir is the well-known directory state/log/throttling files live
// under (spec.md §3 "Lifecycles"; virt_v2v_wrapper.py STATE_DIR).
var stateDir = "/tmp"

// monitorInterval is the Run Controller's polling period (spec.md §5).
const monitorInterval = 5 * time.Second

// StartupInfo is the single JSON object printed to standard output before
// daemonization (spec.md §6).
type StartupInfo struct {
	V2VLog         string `json:"v2v_log"`
	WrapperLog     string `json:"wrapper_log"`
	StateFile      string `json:"state_file"`
	ThrottlingFile string `json:"throttling_file"`
}

// Controller drives one conversion run from request parsing through
// cleanup (spec.md §4.7).
type Controller struct {
	stdout io.Writer
	logger *wlog.Logger

	tag                string
	v2vLog             string
	machineReadableLog string
	wrapperLog         string
	stateFile          string
	throttlingFile     string

	req   *request.Request
	be    backend.Backend
	store *wrapstate.Store
	mat   *secrets.Materializer
	tcc   *tc.Controller

	agent *sshAgent
}

// New constructs a Controller for one run. tag is the run's unique
// identifier (spec.md GLOSSARY: "YYYYMMDDThhmmss-<pid>").
func New(tag string, stdout io.Writer) *Controller {
	v2vLog := filepath.Join(stateDir, fmt.Sprintf("v2v-import-%s.log", tag))
	return &Controller{
		stdout:             stdout,
		tag:                tag,
		v2vLog:             v2vLog,
		machineReadableLog: v2vLog + ".machine-readable",
		wrapperLog:         filepath.Join(stateDir, fmt.Sprintf("v2v-wrapper-%s.log", tag)),
		stateFile:          filepath.Join(stateDir, fmt.Sprintf("v2v-import-%s.state", tag)),
		throttlingFile:     filepath.Join(stateDir, fmt.Sprintf("v2v-import-%s.throttle", tag)),
	}
}

// Run executes the full state machine and returns the process exit code
// (spec.md §6). stdin carries the JSON request.
func (c *Controller) Run(stdin io.Reader) int {
	logFile, err := os.OpenFile(c.wrapperLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open wrapper log %s: %v\n", c.wrapperLog, err)
		return ExitValidationFailed
	}
	defer logFile.Close()
	c.logger = wlog.New(logFile, c.tag)

	// INIT
	req, err := request.Parse(stdin)
	if err != nil {
		return c.validationFailure(err)
	}
	c.req = req
	c.be = backend.Detect(req, c.logger)

	// VALIDATED
	if err := req.Validate(); err != nil {
		return c.validationFailure(err)
	}
	if req.InstallDrivers {
		if err := c.be.CheckInstallDrivers(req); err != nil {
			return c.validationFailure(err)
		}
	}
	if err := c.be.Validate(req); err != nil {
		return c.validationFailure(err)
	}

	// SECRETS_WRITTEN
	secretDir, err := os.MkdirTemp("", "v2v-secrets-")
	if err != nil {
		return c.validationFailure(fmt.Errorf("failed to create secret directory: %w", err))
	}
	defer os.RemoveAll(secretDir)
	c.mat = secrets.New(secretDir)
	if err := c.writeSecrets(); err != nil {
		return c.validationFailure(err)
	}
	defer c.mat.RemoveAll()

	// STATE_CREATED
	c.store = wrapstate.New(c.stateFile)
	c.store.Mutate(func(s *wrapstate.Snapshot) {
		for _, d := range req.SourceDisks {
			s.Disks = append(s.Disks, wrapstate.Disk{Path: d})
		}
		s.DiskCount = len(req.SourceDisks)
		s.Internal.ThrottlingFile = c.throttlingFile
		s.Internal.StateFile = c.stateFile
		s.Internal.V2VLog = c.v2vLog
		s.Internal.MachineReadableLog = c.machineReadableLog
	})
	if err := c.store.Write(); err != nil {
		return c.validationFailure(err)
	}

	info := StartupInfo{
		V2VLog:         c.v2vLog,
		WrapperLog:     c.wrapperLog,
		StateFile:      c.stateFile,
		ThrottlingFile: c.throttlingFile,
	}
	if err := json.NewEncoder(c.stdout).Encode(info); err != nil {
		return c.validationFailure(err)
	}

	// DAEMONIZED|FOREGROUND: this implementation always stays in the
	// foreground and relies on the caller (cmd/v2v-wrapper) to decide
	// whether to background the whole process, since Go cannot safely
	// fork() a running multi-threaded runtime the way the original
	// double-fork does; see DESIGN.md for the rationale.
	c.logger.Printf("starting conversion for %s", req.VMName)

	return c.runConversion()
}

func (c *Controller) validationFailure(err error) int {
	if c.logger != nil {
		c.logger.Printf("validation error: %v", err)
	}
	fmt.Fprintln(os.Stderr, err)
	return ExitValidationFailed
}

func (c *Controller) writeSecrets() error {
	uid, gid := c.be.UID(), c.be.GID()
	if c.req.VMwarePassword != "" {
		f, err := c.mat.Write(c.req.VMwarePassword, uid, gid)
		if err != nil {
			return fmt.Errorf("failed to write VMware password: %w", err)
		}
		c.req.VMwarePasswordFile = f
	}
	if c.req.RHVPassword != "" {
		f, err := c.mat.Write(c.req.RHVPassword, uid, gid)
		if err != nil {
			return fmt.Errorf("failed to write RHV password: %w", err)
		}
		c.req.RHVPasswordFile = f
	}
	if c.req.SSHKey != "" {
		if err := validateSSHKey(c.req.SSHKey); err != nil {
			return fmt.Errorf("ssh_key is not a valid SSH private key: %w", err)
		}
		f, err := c.mat.Write(c.req.SSHKey, uid, gid)
		if err != nil {
			return fmt.Errorf("failed to write SSH key: %w", err)
		}
		c.req.SSHKeyFile = f
	}

	vaultPath := c.req.LUKSKeysVault
	if vaultPath == "" {
		vaultPath = filepath.Join(os.Getenv("HOME"), ".v2v_luks_keys_vault.json")
	}
	keys, err := secrets.MaterializeVault(c.mat, vaultPath, c.req.VMName, uid, gid)
	if err != nil {
		return fmt.Errorf("failed to materialize LUKS keys vault: %w", err)
	}
	for _, k := range keys {
		c.req.LUKSKeysFiles = append(c.req.LUKSKeysFiles, request.LUKSKeyFile{Device: k.Device, Filename: k.Filename})
	}
	return nil
}

// runConversion covers SSH_AGENT_READY? through DONE.
func (c *Controller) runConversion() int {
	baseArgs, baseEnv := c.buildBaseArgs()

	if c.req.TransportMethod == "ssh" {
		agent, err := startSSHAgent(c.be.UID(), c.be.GID(), c.req.SSHKeyFile, c.logger)
		if err != nil {
			c.surfaceError(fmt.Sprintf("failed to start SSH agent: %v", err))
			return c.finish(true)
		}
		c.agent = agent
		defer agent.Kill()
		baseEnv = baseEnv.Set("SSH_AUTH_SOCK", agent.sock)
	}

	args, env := c.be.BuildArgs(c.req, baseArgs, baseEnv)
	c.logger.Command(args, env.Strings())

	c.tcc = tc.New(c.tag, c.be.UID(), c.be.GID(), c.logger.Logger)
	defer c.tcc.Cleanup()

	rnr := c.be.CreateRunner(args, env, c.v2vLog, c.tcc.Cgroup())
	if err := rnr.Run(context.Background()); err != nil {
		c.surfaceError(fmt.Sprintf("failed to start converter: %v", err))
		c.store.Mutate(func(s *wrapstate.Snapshot) { s.Failed = true })
		c.store.Write()
		return c.finish(true)
	}

	c.store.Mutate(func(s *wrapstate.Snapshot) {
		s.PID = rnr.PID()
		s.Started = true
	})
	c.store.Write()

	if c.req.Throttling != nil {
		c.applyThrottling(rnr, *c.req.Throttling)
	}

	parser, err := logparser.New(c.v2vLog, c.machineReadableLog, false, c.surfaceError, c.logger.Logger)
	if err != nil {
		c.logger.Printf("failed to start log parser: %v", err)
	} else {
		defer parser.Close()
	}

	failed := c.monitor(rnr, parser)
	return c.finish(failed)
}

func (c *Controller) buildBaseArgs() ([]string, runner.Env) {
	args := []string{"-v", "-x", c.req.VMName, "--root", "first",
		"--machine-readable=file:" + c.machineReadableLog,
	}
	switch c.req.TransportMethod {
	case "vddk":
		args = append(args,
			"-i", "libvirt", "-ic", c.req.VMwareURI,
			"-it", "vddk",
			"-io", "vddk-libdir=/opt/vmware-vix-disklib-distrib",
			"-io", "vddk-thumbprint="+c.req.VMwareFingerprint,
			"--password-file", c.req.VMwarePasswordFile,
		)
	case "ssh":
		args = append(args, "-i", "vmx", "-it", "ssh")
	}
	for _, m := range c.req.NetworkMappings {
		args = append(args, "--bridge", m.Source+":"+m.Destination)
	}
	for _, l := range c.req.LUKSKeysFiles {
		args = append(args, "--key", l.Device+":file:"+l.Filename)
	}

	env := environFromProcess().Set("LANG", "C")
	if c.req.VirtioWin != "" {
		env = env.Set("VIRTIO_WIN", c.req.VirtioWin)
	}
	return args, env
}

// environFromProcess seeds the converter's environment from the
// supervisor's own, matching the original's `os.environ.copy()` (spec.md
// §4.4): the converter needs PATH/HOME and friends, not a bare LANG.
func environFromProcess() runner.Env {
	raw := os.Environ()
	env := make(runner.Env, 0, len(raw))
	for _, kv := range raw {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env = append(env, runner.EnvVar{Key: k, Value: v})
		}
	}
	return env
}

// monitor runs the 5s poll loop (spec.md §4.7 RUNNING/EXITED).
func (c *Controller) monitor(rnr runner.Runner, parser *logparser.Parser) (failed bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Printf("monitor loop panic: %v", r)
			rnr.Kill()
			failed = true
		}
	}()

	for rnr.IsRunning() {
		if parser != nil {
			if err := parser.Parse(c.store); err != nil {
				c.logger.Printf("error while parsing converter logs: %v", err)
			}
		}
		c.store.Write()
		c.be.UpdateProgress(c.store.Snapshot())
		c.consumeThrottlingDropFile(rnr)
		time.Sleep(monitorInterval)
	}

	if parser != nil {
		if err := parser.Parse(c.store); err != nil {
			c.logger.Printf("error while parsing converter logs: %v", err)
		}
	}

	code := rnr.ReturnCode()
	rc := -1
	if code != nil {
		rc = *code
	}
	c.logger.Printf("converter terminated with return code %d", rc)
	c.store.Mutate(func(s *wrapstate.Snapshot) {
		s.ReturnCode = rc
		s.Failed = rc != 0
	})
	return rc != 0
}

// finish covers FINALIZED|CLEANED through DONE.
func (c *Controller) finish(failed bool) int {
	snap := c.store.Snapshot()
	if !failed {
		if err := c.be.Finalize(c.req, &snap); err != nil {
			c.logger.Printf("finalize failed: %v", err)
			failed = true
		}
	} else {
		c.be.Cleanup(c.req, &snap)
	}
	c.store.Mutate(func(s *wrapstate.Snapshot) {
		s.Failed = failed
		s.VMID = snap.VMID
		s.Internal.Ports = snap.Internal.Ports
	})

	if err := c.mat.RemoveAll(); err != nil {
		c.logger.Printf("failed to remove one or more secret files: %v", err)
	}

	c.store.Mutate(func(s *wrapstate.Snapshot) { s.Finished = true })
	if err := c.store.Write(); err != nil {
		c.logger.Printf("failed to persist final state: %v", err)
	}

	if failed {
		return ExitRunFailed
	}
	return ExitSuccess
}

// surfaceError implements the Error Surface (spec.md §7 "Surfaced error").
func (c *Controller) surfaceError(message string) {
	c.logger.Printf("surfaced error: %s", message)
	c.store.Mutate(func(s *wrapstate.Snapshot) {
		s.LastMessage = &wrapstate.LastMessage{Message: message, Type: "error"}
	})
	c.store.Write()
}

// cpuLimitRE/networkLimitRE validate throttling drop-file values (spec.md §6).
var (
	cpuLimitRE     = regexp.MustCompile(`^[+0-9]+%?$`)
	networkLimitRE = regexp.MustCompile(`^[+0-9]+$`)
)

func (c *Controller) applyThrottling(rnr runner.Runner, t request.ThrottlingRequest) {
	if t.Network != nil {
		if !c.tcc.SetLimit(t.Network) {
			c.logger.Printf("failed to set initial network limit to %s", *t.Network)
		} else {
			c.store.Mutate(func(s *wrapstate.Snapshot) { s.Throttling.Network = t.Network })
		}
	}
	if t.CPU != nil {
		if svc, ok := rnr.(*runner.Service); ok {
			if err := svc.SetCPUQuota(t.CPU); err != nil {
				c.logger.Printf("failed to set initial CPU limit: %v", err)
			} else {
				c.store.Mutate(func(s *wrapstate.Snapshot) { s.Throttling.CPU = t.CPU })
			}
		} else {
			c.logger.Printf("not applying CPU throttling because the converter is not running under a service unit")
		}
	}
}

// consumeThrottlingDropFile reads-then-removes the throttling file each
// tick (spec.md §6).
func (c *Controller) consumeThrottlingDropFile(rnr runner.Runner) {
	data, err := os.ReadFile(c.throttlingFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.logger.Printf("failed to read throttling drop-file: %v", err)
		}
		return
	}
	os.Remove(c.throttlingFile)

	var raw map[string]*string
	if err := json.Unmarshal(data, &raw); err != nil {
		c.logger.Printf("failed to parse throttling drop-file: %v", err)
		return
	}

	for k, v := range raw {
		switch k {
		case "cpu":
			if v == nil || *v == "unlimited" || *v == "" {
				if svc, ok := rnr.(*runner.Service); ok {
					if err := svc.SetCPUQuota(nil); err == nil {
						c.store.Mutate(func(s *wrapstate.Snapshot) { s.Throttling.CPU = nil })
					}
				}
				continue
			}
			if !cpuLimitRE.MatchString(*v) {
				c.logger.Printf("failed to parse value for CPU limit: %s", *v)
				continue
			}
			if svc, ok := rnr.(*runner.Service); ok {
				if err := svc.SetCPUQuota(v); err != nil {
					c.logger.Printf("failed to set CPU limit to %s: %v", *v, err)
				} else {
					c.store.Mutate(func(s *wrapstate.Snapshot) { s.Throttling.CPU = v })
				}
			} else {
				c.logger.Printf("not applying CPU throttling because the converter is not running under a service unit")
			}
		case "network":
			if v != nil && *v != "unlimited" && *v != "" && !networkLimitRE.MatchString(*v) {
				c.logger.Printf("failed to parse value for network limit: %s", *v)
				continue
			}
			if c.tcc.SetLimit(v) {
				c.store.Mutate(func(s *wrapstate.Snapshot) { s.Throttling.Network = v })
			} else {
				c.logger.Printf("failed to set network limit")
			}
		default:
			c.logger.Printf("ignoring unknown throttling request key: %s", k)
		}
	}
}

// Tag computes the per-run identifier: YYYYMMDDThhmmss-<pid> (spec.md
// GLOSSARY).
func Tag(now time.Time, pid int) string {
	return fmt.Sprintf("%s-%d", now.Format("20060102T150405"), pid)
}

// validateSSHKey rejects a malformed ssh_key before it is ever written to
// disk or handed to ssh-add. A passphrase-protected key parses with a
// PassphraseMissingError, which is not a format error.
func validateSSHKey(key string) error {
	var passphraseErr *ssh.PassphraseMissingError
	_, err := ssh.ParsePrivateKey([]byte(key))
	if err != nil && !errors.As(err, &passphraseErr) {
		return err
	}
	return nil
}
