package backend

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/jbweber/v2v-wrapper/internal/backend/k8sapi"
	"github.com/jbweber/v2v-wrapper/internal/request"
	"github.com/jbweber/v2v-wrapper/internal/runner"
	"github.com/jbweber/v2v-wrapper/internal/wlog"
	"github.com/jbweber/v2v-wrapper/internal/wrapstate"
)

// vmMetadataPath is where the json output plugin (see BuildArgs, -os
// /data/vm) writes its VM description.
const vmMetadataPath = "/data/vm/vm.json"

// vmMetadataReader is overridden in tests to avoid touching the real
// filesystem path the converter would write to.
var vmMetadataReader = func() ([]byte, error) {
	data, err := os.ReadFile(vmMetadataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", vmMetadataPath, err)
	}
	return data, nil
}

// InPod is the in-cluster (Kubevirt) target back-end: no libvirt, no
// external target SDK, progress and VM metadata are published as
// annotations on the controlling pod (spec.md §4.6).
type InPod struct {
	logger *wlog.Logger
	k8s    *k8sapi.Client
}

// NewInPod constructs the in-pod back-end. A nil k8s client is tolerated
// (e.g. in tests) -- UpdateProgress and Finalize become no-ops in that case.
func NewInPod(logger *wlog.Logger) *InPod {
	client, err := k8sapi.NewFromEnvironment()
	if err != nil {
		logger.Printf("could not initialize in-cluster client, progress/metadata publishing disabled: %v", err)
		client = nil
	}
	return &InPod{logger: logger, k8s: client}
}

// UID/GID: in-pod always requires root (spec.md §4.6).
func (p *InPod) UID() int { return 0 }
func (p *InPod) GID() int { return 0 }

// Validate has nothing target-specific to enforce.
func (p *InPod) Validate(req *request.Request) error { return nil }

// BuildArgs appends the json output plugin flags (hosts.go KubevirtHost).
func (p *InPod) BuildArgs(req *request.Request, baseArgs []string, baseEnv runner.Env) ([]string, runner.Env) {
	args := append(append([]string{}, baseArgs...),
		"-o", "json",
		"-os", "/data/vm",
		"-oo", "json-disks-pattern=disk%{DiskNo}/disk.img",
	)
	return args, baseEnv
}

// Finalize reads the converter-produced VM JSON artifact and publishes it
// as a pod annotation (spec.md §4.6).
func (p *InPod) Finalize(req *request.Request, snap *wrapstate.Snapshot) error {
	if p.k8s == nil {
		return nil
	}
	metadata, err := readVMMetadataArtifact()
	if err != nil {
		return fmt.Errorf("failed to read VM metadata artifact: %w", err)
	}
	patch, err := ensureMetadataPatch(p.k8s, "/metadata/annotations/v2vConversionMetadata", metadata)
	if err != nil {
		return err
	}
	if status, err := p.k8s.HTTPPatch(p.k8s.PodURL(), patch); err != nil || status >= 300 {
		return fmt.Errorf("failed to patch pod annotation v2vConversionMetadata (status %d): %v", status, err)
	}
	return nil
}

// Cleanup is a no-op for in-pod (spec.md §4.6).
func (p *InPod) Cleanup(req *request.Request, snap *wrapstate.Snapshot) {}

// UpdateProgress computes the arithmetic mean of every disk's progress and
// patches it onto the controlling pod (spec.md §4.6).
func (p *InPod) UpdateProgress(snap wrapstate.Snapshot) {
	if p.k8s == nil {
		return
	}
	var progress float64
	if len(snap.Disks) > 0 {
		var sum float64
		for _, d := range snap.Disks {
			sum += d.Progress
		}
		progress = sum / float64(len(snap.Disks))
	}

	patch, err := ensureMetadataPatch(p.k8s, "/metadata/annotations/v2vConversionProgress", fmt.Sprintf("%v", progress))
	if err != nil {
		p.logger.Printf("failed to build progress patch: %v", err)
		return
	}
	if status, err := p.k8s.HTTPPatch(p.k8s.PodURL(), patch); err != nil || status >= 300 {
		p.logger.Printf("failed to patch pod annotation v2vConversionProgress (status %d): %v", status, err)
	}
}

// CreateRunner is always direct for in-pod (spec.md §4.6).
func (p *InPod) CreateRunner(args []string, env runner.Env, logPath, cgroup string) runner.Runner {
	return runner.NewDirect(args, env, logPath)
}

// CheckInstallDrivers is a no-op for in-pod.
func (p *InPod) CheckInstallDrivers(req *request.Request) error { return nil }

// ensureMetadataPatch builds the JSON-patch document needed to set value at
// path, creating /metadata and /metadata/annotations first if the live pod
// object doesn't have them yet (spec.md §4.6 update_progress).
func ensureMetadataPatch(k8s *k8sapi.Client, path string, value any) ([]k8sapi.JSONPatchOp, error) {
	body, err := k8s.HTTPGet(k8s.PodURL())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pod object: %w", err)
	}
	var pod struct {
		Metadata *struct {
			Annotations map[string]string `json:"annotations"`
		} `json:"metadata"`
	}
	if err := json.Unmarshal(body, &pod); err != nil {
		return nil, fmt.Errorf("failed to parse pod object: %w", err)
	}

	var patch []k8sapi.JSONPatchOp
	if pod.Metadata == nil {
		patch = append(patch, k8sapi.JSONPatchOp{Op: "add", Path: "/metadata", Value: map[string]any{}})
	}
	if pod.Metadata == nil || pod.Metadata.Annotations == nil {
		patch = append(patch, k8sapi.JSONPatchOp{Op: "add", Path: "/metadata/annotations", Value: map[string]any{}})
	}
	patch = append(patch, k8sapi.JSONPatchOp{Op: "add", Path: path, Value: value})
	return patch, nil
}

// readVMMetadataArtifact reads the converter's JSON output describing the
// created VM. The path is fixed by the json output plugin's -os argument
// in BuildArgs.
func readVMMetadataArtifact() (any, error) {
	data, err := vmMetadataReader()
	if err != nil {
		return nil, err
	}
	var metadata any
	if err := json.Unmarshal(data, &metadata); err != nil {
		return nil, fmt.Errorf("failed to parse VM metadata artifact: %w", err)
	}
	return metadata, nil
}
