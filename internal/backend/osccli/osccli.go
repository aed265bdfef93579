// Package osccli is the opaque `openstack` CLI runner capability the
// OpenStack back-end uses (spec.md Design Notes §9: "an opaque
// run_cli(args) → bytes|null plus JSON decoders"), ported from
// hosts.py:_run_openstack. Non-zero exit or a spawn failure return a nil
// byte slice and a logged, sanitized error -- never an exception carrying
// raw CLI stderr, since that stderr may contain secrets (spec.md §7).
package osccli

import (
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/jbweber/v2v-wrapper/internal/wlog"
)

// Runner invokes the `openstack` CLI with a fixed environment prefix
// (--os-* flags derived from osp_environment) and an optional destination
// project override.
type Runner struct {
	Insecure           bool
	Environment        map[string]string
	DestinationProject string
	Logger             *wlog.Logger

	run func(args []string) ([]byte, error)
}

// New constructs a Runner.
func New(environment map[string]string, insecure bool, logger *wlog.Logger) *Runner {
	r := &Runner{Environment: environment, Insecure: insecure, Logger: logger}
	r.run = runCommand
	return r
}

// Run executes an `openstack` subcommand (cmd, e.g. []string{"volume",
// "show", "-f", "value", "-c", "status", id}). When destination is true the
// call is made against DestinationProject instead of the source project.
// Returns nil on CLI failure: callers check for nil, matching the
// original's "return None" propagation policy.
func (r *Runner) Run(cmd []string, destination bool) []byte {
	args := []string{"openstack"}
	if r.Insecure {
		args = append(args, "--insecure")
	}
	for k, v := range r.Environment {
		args = append(args, fmt.Sprintf("--%s=%s", osFlagName(k), v))
	}
	if destination && r.DestinationProject != "" {
		args = append(args, "--os-project-id="+r.DestinationProject)
	}
	args = append(args, cmd...)

	if r.Logger != nil {
		r.Logger.Command(args, nil)
	}

	out, err := r.run(args)
	if err != nil {
		if r.Logger != nil {
			r.Logger.Printf("openstack command exited with error, output redacted-length=%d: %v", len(out), err)
		}
		return nil
	}
	return out
}

// RunJSON runs cmd (which must be invoked with `-f json`-style flags by the
// caller) and decodes its output into v. Returns false on CLI failure or a
// decode error.
func (r *Runner) RunJSON(cmd []string, destination bool, v any) bool {
	out := r.Run(cmd, destination)
	if out == nil {
		return false
	}
	if err := json.Unmarshal(out, v); err != nil {
		if r.Logger != nil {
			r.Logger.Printf("failed to decode openstack JSON output: %v", err)
		}
		return false
	}
	return true
}

// osFlagName converts an osp_environment key (os_auth_url, OS_AUTH_URL) to
// the CLI's --os-auth-url flag name, matching
// "k.lower().replace('_', '-')" in hosts.py.
func osFlagName(key string) string {
	return strings.ReplaceAll(strings.ToLower(key), "_", "-")
}

func runCommand(args []string) ([]byte, error) {
	out, err := exec.Command(args[0], args[1:]...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("command %s failed: %w", args[0], err)
	}
	return out, nil
}
