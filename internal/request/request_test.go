package request

import (
	"strings"
	"testing"
)

func TestParseDecodesJSON(t *testing.T) {
	r, err := Parse(strings.NewReader(`{"vm_name":"vm1","transport_method":"ssh","ssh_host":"1.2.3.4"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.VMName != "vm1" {
		t.Fatalf("expected vm1, got %q", r.VMName)
	}
}

func TestValidateMissingVMName(t *testing.T) {
	r := &Request{TransportMethod: "ssh", SSHHost: "h"}
	if err := r.Validate(); err == nil {
		t.Fatalf("expected error for missing vm_name")
	}
}

func TestValidateUnknownTransport(t *testing.T) {
	r := &Request{VMName: "vm1", TransportMethod: "rdp", ExportDomain: "/exp"}
	if err := r.Validate(); err == nil {
		t.Fatalf("expected error for unknown transport method")
	}
}

func TestValidateVDDKRequiresSubKeys(t *testing.T) {
	r := &Request{VMName: "vm1", TransportMethod: "vddk", ExportDomain: "/exp"}
	if err := r.Validate(); err == nil {
		t.Fatalf("expected error for missing vddk sub-keys")
	}
}

func TestValidateNetworkMappingShape(t *testing.T) {
	r := &Request{
		VMName:          "vm1",
		TransportMethod: "ssh",
		SSHHost:         "h",
		ExportDomain:    "/exp",
		NetworkMappings: []NetworkMapping{{Source: "s1"}},
	}
	if err := r.Validate(); err == nil {
		t.Fatalf("expected error for incomplete network mapping")
	}
}

func TestValidateRequiresExactlyOneSelector(t *testing.T) {
	r := &Request{
		VMName:          "vm1",
		TransportMethod: "ssh",
		SSHHost:         "h",
		ExportDomain:    "/exp",
		OSPEnvironment:  map[string]string{"os-auth-url": "http://x"},
	}
	if err := r.Validate(); err == nil {
		t.Fatalf("expected error for two selectors present")
	}
}

func TestValidateOSPEnvironmentKeyPrefix(t *testing.T) {
	r := &Request{
		VMName:          "vm1",
		TransportMethod: "ssh",
		SSHHost:         "h",
		OSPEnvironment:  map[string]string{"auth_url": "http://x"},
	}
	if err := r.Validate(); err == nil {
		t.Fatalf("expected error for bad osp_environment key prefix")
	}
}

func TestValidateInPodFallback(t *testing.T) {
	no := false
	r := &Request{
		VMName:          "vm1",
		TransportMethod: "ssh",
		SSHHost:         "h",
		Daemonize:       &no,
	}
	if err := r.Validate(); err != nil {
		t.Fatalf("expected in-pod fallback to validate, got: %v", err)
	}
}

func TestWantsDaemonizeDefaultsTrue(t *testing.T) {
	r := &Request{}
	if !r.WantsDaemonize() {
		t.Fatalf("expected default daemonize=true")
	}
	no := false
	r.Daemonize = &no
	if r.WantsDaemonize() {
		t.Fatalf("expected daemonize=false to be honored")
	}
}
