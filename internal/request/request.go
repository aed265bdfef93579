// Package request holds the conversion Request data model (spec.md §3) and
// the generic validation every back-end shares before its own
// target-specific validation runs.
package request

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
)

// NetworkMapping maps one source network to a destination network, with
// optional identity pinning for the resulting NIC.
type NetworkMapping struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	MACAddress  string `json:"mac_address,omitempty"`
	IPAddress   string `json:"ip_address,omitempty"`
}

// LUKSKeyFile is one materialized LUKS key, recorded back onto the request
// after the Secret Materializer runs (spec.md §4.2).
type LUKSKeyFile struct {
	Device   string `json:"device"`
	Filename string `json:"filename"`
}

// Request is the JSON object read from standard input (spec.md §3, §6).
// Field names match the wire format the original wrapper and this
// implementation both use; fields outside a given transport/back-end
// combination are simply left zero-valued.
type Request struct {
	VMName string `json:"vm_name"`

	TransportMethod string `json:"transport_method"`

	// VDDK transport.
	VMwareURI         string `json:"vmware_uri,omitempty"`
	VMwareFingerprint string `json:"vmware_fingerprint,omitempty"`
	VMwarePassword    string `json:"vmware_password,omitempty"`
	VMwarePasswordFile string `json:"vmware_password_file,omitempty"`

	// SSH transport.
	SSHHost         string `json:"ssh_host,omitempty"`
	SSHKey          string `json:"ssh_key,omitempty"`
	SSHKeyFile      string `json:"ssh_key_file,omitempty"`

	// RHV/oVirt target selector.
	ExportDomain     string `json:"export_domain,omitempty"`
	RHVURL           string `json:"rhv_url,omitempty"`
	RHVCluster       string `json:"rhv_cluster,omitempty"`
	RHVStorage       string `json:"rhv_storage,omitempty"`
	RHVCAFile        string `json:"rhv_cafile,omitempty"`
	RHVPassword      string `json:"rhv_password,omitempty"`
	RHVPasswordFile  string `json:"rhv_password_file,omitempty"`
	InsecureConnection bool `json:"insecure_connection,omitempty"`

	// OpenStack target selector.
	OSPEnvironment map[string]string `json:"osp_environment,omitempty"`
	OSPServerID    string            `json:"osp_server_id,omitempty"`
	OSPFlavor      string            `json:"osp_flavor,omitempty"`
	OSPSecurityGroups []string       `json:"osp_security_groups,omitempty"`
	OSPDestinationProject string     `json:"osp_destination_project,omitempty"`
	OSPGuestID            string     `json:"osp_guest_id,omitempty"`

	// Shared.
	NetworkMappings []NetworkMapping `json:"network_mappings,omitempty"`
	OutputFormat    string           `json:"output_format,omitempty"`
	Allocation      string           `json:"allocation,omitempty"`
	InstallDrivers  bool             `json:"install_drivers,omitempty"`
	VirtioWin       string           `json:"virtio_win,omitempty"`
	Daemonize       *bool            `json:"daemonize,omitempty"`
	SourceDisks     []string         `json:"source_disks,omitempty"`
	LUKSKeysVault   string           `json:"luks_keys_vault,omitempty"`
	LUKSKeysFiles   []LUKSKeyFile    `json:"luks_keys_files,omitempty"`

	Throttling *ThrottlingRequest `json:"throttling,omitempty"`
}

// ThrottlingRequest is the optional initial throttling applied once at run
// start (spec.md §4.7 RUNNING).
type ThrottlingRequest struct {
	CPU     *string `json:"cpu,omitempty"`
	Network *string `json:"network,omitempty"`
}

// Parse decodes a Request from r (normally standard input).
func Parse(r io.Reader) (*Request, error) {
	var req Request
	dec := json.NewDecoder(r)
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("failed to decode request JSON: %w", err)
	}
	return &req, nil
}

// WantsDaemonize reports whether the request asks to daemonize, defaulting
// to true when the key is absent (spec.md §4.7: "if 'daemonize' not in
// data or data['daemonize']").
func (r *Request) WantsDaemonize() bool {
	return r.Daemonize == nil || *r.Daemonize
}

var osEnvKeyRE = regexp.MustCompile(`(?i)^os[-_]`)

// ValidationError marks a failure discovered before any side effect, per
// spec.md §7 ("raised before any side effects and before daemonization").
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

func validationErrorf(format string, args ...any) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// Validate performs the generic checks spec.md §4.7 VALIDATED lists, ahead
// of any back-end-specific validation: required vm_name, transport method
// and its sub-keys, and network_mappings shape.
func (r *Request) Validate() error {
	if r.VMName == "" {
		return validationErrorf("missing vm_name")
	}

	switch r.TransportMethod {
	case "vddk":
		if r.VMwareURI == "" || r.VMwareFingerprint == "" || r.VMwarePassword == "" {
			return validationErrorf("vddk transport requires vmware_uri, vmware_fingerprint and vmware_password")
		}
	case "ssh":
		if r.SSHHost == "" {
			return validationErrorf("ssh transport requires ssh_host")
		}
	case "":
		return validationErrorf("no transport method specified")
	default:
		return validationErrorf("unknown transport method: %s", r.TransportMethod)
	}

	for _, m := range r.NetworkMappings {
		if m.Source == "" || m.Destination == "" {
			return validationErrorf(`both "source" and "destination" must be provided in network mapping`)
		}
	}

	if r.OutputFormat != "" && r.OutputFormat != "raw" && r.OutputFormat != "qcow2" {
		return validationErrorf("invalid output_format: %s", r.OutputFormat)
	}
	if r.Allocation != "" && r.Allocation != "sparse" && r.Allocation != "preallocated" {
		return validationErrorf("invalid allocation: %s", r.Allocation)
	}

	if r.OSPEnvironment != nil {
		for k := range r.OSPEnvironment {
			if !osEnvKeyRE.MatchString(k) {
				return validationErrorf("osp_environment key %q must start with os- or os_", k)
			}
		}
	}

	selectors := 0
	if r.ExportDomain != "" || r.RHVURL != "" {
		selectors++
	}
	if r.OSPEnvironment != nil {
		selectors++
	}
	if selectors == 0 && !r.isInPod() {
		return validationErrorf("no target selector present and in-pod defaults do not apply (daemonize must be false for in-pod)")
	}
	if selectors > 1 {
		return validationErrorf("exactly one target selector must be present")
	}

	return nil
}

// isInPod reports whether the request falls back to the in-pod back-end:
// no RHV/OSP selector and daemonize explicitly false (spec.md §4.6 detect).
func (r *Request) isInPod() bool {
	return r.Daemonize != nil && !*r.Daemonize
}
