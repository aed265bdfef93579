package main

import (
	"fmt"

	"github.com/jbweber/v2v-wrapper/internal/backend"
	"github.com/jbweber/v2v-wrapper/internal/request"
	"github.com/jbweber/v2v-wrapper/internal/wlog"
)

// checkFunc runs one named environment check, returning an error on
// failure (spec.md §6 `--check-<name>`).
type checkFunc func() error

// availableChecks mirrors checks.py's CHECKS table.
var availableChecks = map[string]checkFunc{
	"rhv-guest-tools": checkRHVGuestTools,
	"rhv-version":     checkRHVVersion,
}

// checkRHVGuestTools mirrors checks.py:check_rhv_guest_tools: it asks the
// RHV back-end to resolve virtio_win for a synthetic install-drivers
// request and passes iff a path was found.
func checkRHVGuestTools() error {
	logger := wlog.New(discard{}, "check-rhv-guest-tools")
	req := &request.Request{VMName: "check", InstallDrivers: true}
	rhv := backend.NewRHV(req, logger)
	if err := rhv.CheckInstallDrivers(req); err != nil {
		return fmt.Errorf("rhv-guest-tools: %w", err)
	}
	if req.VirtioWin == "" {
		return fmt.Errorf("rhv-guest-tools: no virtio-win ISO could be located")
	}
	fmt.Printf("rhv-guest-tools: OK (%s)\n", req.VirtioWin)
	return nil
}

// checkRHVVersion is a deliberate simplification: the original's
// check_rhv_version queries the installed VDSM/RHV package version via
// rpmUtils, which has no Go equivalent in the pack. This is kept as an
// always-informational check (documented in DESIGN.md).
func checkRHVVersion() error {
	fmt.Println("rhv-version: minimum supported oVirt/RHV version is 4.3")
	return nil
}

// discard is an io.Writer that drops everything, used to keep the check
// helpers' internal logging out of the check's own stdout report.
type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
