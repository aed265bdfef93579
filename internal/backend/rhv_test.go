package backend

import (
	"io"
	"testing"

	"github.com/jbweber/v2v-wrapper/internal/request"
	"github.com/jbweber/v2v-wrapper/internal/runner"
	"github.com/jbweber/v2v-wrapper/internal/wlog"
)

func TestRHVCreateRunnerDirectWhenNotDaemonized(t *testing.T) {
	no := false
	r := NewRHV(&request.Request{Daemonize: &no}, wlog.New(io.Discard, "test"))
	rnr := r.CreateRunner(nil, nil, "/tmp/v2v.log", "v2v-conversion/test")
	if _, ok := rnr.(*runner.Direct); !ok {
		t.Fatalf("expected *runner.Direct when not daemonized, got %T", rnr)
	}
}

func TestRHVCreateRunnerServiceWhenDaemonized(t *testing.T) {
	yes := true
	r := NewRHV(&request.Request{Daemonize: &yes}, wlog.New(io.Discard, "test"))
	rnr := r.CreateRunner(nil, nil, "/tmp/v2v.log", "v2v-conversion/test")
	if _, ok := rnr.(*runner.Service); !ok {
		t.Fatalf("expected *runner.Service when daemonized, got %T", rnr)
	}
}

func TestSelectBestISOPrefersHigherPriority(t *testing.T) {
	// isValidISO would reject these since they don't exist on disk; swap in
	// a permissive check for this pure ranking test.
	orig := isValidISOFunc
	isValidISOFunc = func(string) bool { return true }
	defer func() { isValidISOFunc = orig }()

	got := selectBestISO("/iso", []string{"a.iso", "virtio-win-123.iso", "b.iso"})
	if got != "virtio-win-123.iso" {
		t.Fatalf("expected virtio-win-123.iso, got %q", got)
	}
}

func TestSelectBestISOPrefersHigherVersion(t *testing.T) {
	orig := isValidISOFunc
	isValidISOFunc = func(string) bool { return true }
	defer func() { isValidISOFunc = orig }()

	got := selectBestISO("/iso", []string{"RHEV-toolsSetup_4.0_3.iso", "RHEV-toolsSetup_4.0_2.iso"})
	if got != "RHEV-toolsSetup_4.0_3.iso" {
		t.Fatalf("expected the higher version to win, got %q", got)
	}

	got = selectBestISO("/iso", []string{"RHEV-toolsSetup_4.0_3.iso", "RHEV-toolsSetup_4.1_3.iso"})
	if got != "RHEV-toolsSetup_4.1_3.iso" {
		t.Fatalf("expected the higher version to win, got %q", got)
	}
}
