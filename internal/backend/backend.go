// Package backend implements the Host Back-end strategy (spec.md §4.6):
// one concrete implementation per target platform (RHV/oVirt, OpenStack,
// in-pod), all satisfying the same Backend interface so the Run Controller
// never branches on target type itself.
package backend

import (
	"github.com/jbweber/v2v-wrapper/internal/request"
	"github.com/jbweber/v2v-wrapper/internal/runner"
	"github.com/jbweber/v2v-wrapper/internal/wlog"
	"github.com/jbweber/v2v-wrapper/internal/wrapstate"
)

// Backend is the capability surface every target-platform strategy
// implements (spec.md §4.6, Design Notes §9 "never use inheritance deeper
// than one level").
type Backend interface {
	// Validate fills defaults, enforces target-specific required keys and
	// may contact the target to infer them. It mutates req in place.
	Validate(req *request.Request) error

	// UID/GID are the identity the converter runs under.
	UID() int
	GID() int

	// BuildArgs appends target-specific flags/environment to the
	// generic arguments the Run Controller has already composed.
	BuildArgs(req *request.Request, baseArgs []string, baseEnv runner.Env) ([]string, runner.Env)

	// Finalize performs post-conversion target-side work. Called only if
	// the run did not fail.
	Finalize(req *request.Request, snap *wrapstate.Snapshot) error

	// Cleanup performs target-side rollback. Called only if the run failed.
	Cleanup(req *request.Request, snap *wrapstate.Snapshot)

	// UpdateProgress is called each monitor tick.
	UpdateProgress(snap wrapstate.Snapshot)

	// CreateRunner builds the Runner variant this back-end and request
	// combination requires: direct if daemonize is false, service-manager
	// otherwise (in-pod is always direct). cgroup is the net_cls
	// classifier cgroup the tc Controller is managing for this run, used
	// only by the service-manager variant.
	CreateRunner(args []string, env runner.Env, logPath, cgroup string) runner.Runner

	// CheckInstallDrivers resolves req.VirtioWin when driver installation
	// was requested. RHV-only; a no-op everywhere else.
	CheckInstallDrivers(req *request.Request) error
}

// serviceDescription is the systemd-run --description for a daemonized
// conversion, matching runners.py's constant.
const serviceDescription = "virt-v2v conversion"

// Detect picks the back-end by the presence of target-selector keys
// (spec.md §4.6 detect).
func Detect(req *request.Request, logger *wlog.Logger) Backend {
	switch {
	case req.ExportDomain != "" || req.RHVURL != "":
		return NewRHV(req, logger)
	case req.OSPEnvironment != nil:
		return NewOpenStack(req, logger)
	default:
		return NewInPod(logger)
	}
}
