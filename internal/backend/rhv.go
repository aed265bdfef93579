package backend

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/kdomanski/iso9660"

	"github.com/jbweber/v2v-wrapper/internal/backend/ovirtapi"
	"github.com/jbweber/v2v-wrapper/internal/request"
	"github.com/jbweber/v2v-wrapper/internal/runner"
	"github.com/jbweber/v2v-wrapper/internal/wlog"
	"github.com/jbweber/v2v-wrapper/internal/wrapstate"
)

// vdsmUID/vdsmGID are the well-known VDSM service identity (spec.md §4.6
// get_uid/get_gid; hosts.py VDSMHost.VDSM_UID/VDSM_GID).
const (
	vdsmUID = 36 // vdsm
	vdsmGID = 36 // kvm
)

const vdsmCA = "/etc/pki/vdsm/certs/cacert.pem"
const vdsmMounts = "/rhev/data-center/mnt"

// preallocatedStorageTypes mirrors hosts.py's PREALLOCATED_STORAGE_TYPES.
var preallocatedStorageTypes = map[string]bool{
	"CINDER":    true,
	"FCP":       true,
	"GLUSTERFS": true,
	"ISCSI":     true,
	"POSIXFS":   true,
}

// isoPattern is one entry of the ISO ranking table (spec.md §4.6).
type isoPattern struct {
	priority int
	re       *regexp.Regexp
}

// toolsPatterns ranks candidate ISO filenames; priority 7 highest. Ported
// from hosts.py VDSMHost.TOOLS_PATTERNS.
var toolsPatterns = []isoPattern{
	{7, regexp.MustCompile(`(?i)^RHV-toolsSetup_([0-9._]+)\.iso$`)},
	{6, regexp.MustCompile(`(?i)^rhv-tools-setup\.iso$`)},
	{5, regexp.MustCompile(`(?i)^RHEV-toolsSetup_([0-9._]+)\.iso$`)},
	{4, regexp.MustCompile(`(?i)^rhev-tools-setup\.iso$`)},
	{3, regexp.MustCompile(`(?i)^oVirt-toolsSetup_([a-z0-9._-]+)\.iso$`)},
	{2, regexp.MustCompile(`(?i)^ovirt-tools-setup\.iso$`)},
	{1, regexp.MustCompile(`(?i)^virtio-win-([0-9.]+)\.iso$`)},
	{0, regexp.MustCompile(`(?i)^virtio-win\.iso$`)},
}

// RHV is the oVirt/RHV target back-end.
type RHV struct {
	logger       *wlog.Logger
	exportDomain bool // forces uid=0 and the direct libguestfs backend
	daemonize    bool

	client *ovirtapi.Client
}

// NewRHV constructs the RHV back-end. The REST client is created lazily in
// Validate once rhv_url/credentials are known; export_domain targets never
// need one.
func NewRHV(req *request.Request, logger *wlog.Logger) *RHV {
	return &RHV{logger: logger, exportDomain: req.ExportDomain != "", daemonize: req.WantsDaemonize()}
}

// UID returns 0 when targeting an export domain (root is required to mount
// NFS), the well-known VDSM uid otherwise (spec.md §4.6, SUPPLEMENTED
// BEHAVIOR item 4).
func (r *RHV) UID() int {
	if r.exportDomain {
		return 0
	}
	return vdsmUID
}

// GID returns the well-known VDSM gid.
func (r *RHV) GID() int { return vdsmGID }

// Validate fills defaults and, for rhv-upload targets, infers the
// allocation type from the target storage domain (spec.md §4.6).
func (r *RHV) Validate(req *request.Request) error {
	if req.OutputFormat == "" {
		req.OutputFormat = "raw"
	}

	switch {
	case req.RHVURL != "":
		if req.RHVCluster == "" || (req.RHVPassword == "" && req.RHVPasswordFile == "") || req.RHVStorage == "" {
			return validationErrorf("rhv_url target requires rhv_cluster, rhv_password and rhv_storage")
		}
		if req.RHVCAFile == "" {
			r.logger.Printf("path to CA certificate not specified, trying VDSM default: %s", vdsmCA)
			req.RHVCAFile = vdsmCA
		}
	case req.ExportDomain != "":
		// no extra required keys
	default:
		return validationErrorf("no RHV target specified")
	}

	if req.InsecureConnection {
		r.logger.Printf("TLS verification is disabled for oVirt API connections")
	}

	if req.RHVURL != "" {
		r.client = ovirtapi.New(req.RHVURL, "admin@internal", req.RHVPassword, req.InsecureConnection)
	}

	if req.Allocation == "" && req.RHVURL != "" {
		domains, err := r.client.ListStorageDomains()
		if err != nil {
			return fmt.Errorf("failed to list storage domains: %w", err)
		}
		var matched *ovirtapi.StorageDomain
		for i := range domains {
			if domains[i].Name == req.RHVStorage {
				matched = &domains[i]
				break
			}
		}
		if matched == nil {
			return validationErrorf("found no storage domain matching %q", req.RHVStorage)
		}
		req.Allocation = "sparse"
		if preallocatedStorageTypes[matched.Storage.Type] {
			req.Allocation = "preallocated"
		}
		r.logger.Printf("storage domain %q is of type %q, selected allocation %q", req.RHVStorage, matched.Storage.Type, req.Allocation)
	}

	return nil
}

// BuildArgs appends the rhv-upload or export-domain output plugin flags
// (spec.md §4.6; hosts.py VDSMHost.prepare_command).
func (r *RHV) BuildArgs(req *request.Request, baseArgs []string, baseEnv runner.Env) ([]string, runner.Env) {
	args := append(append([]string{}, baseArgs...), "--bridge", "ovirtmgmt", "-of", req.OutputFormat)
	if req.Allocation != "" {
		args = append(args, "-oa", req.Allocation)
	}

	switch {
	case req.RHVURL != "":
		verifypeer := "true"
		if req.InsecureConnection {
			verifypeer = "false"
		}
		args = append(args,
			"-o", "rhv-upload",
			"-oc", req.RHVURL,
			"-os", req.RHVStorage,
			"-op", req.RHVPasswordFile,
			"-oo", "rhv-cluster="+req.RHVCluster,
			"-oo", "rhv-direct",
			"-oo", "rhv-verifypeer="+verifypeer,
		)
		if !req.InsecureConnection {
			args = append(args, "-oo", "rhv-cafile="+req.RHVCAFile)
		}
	case req.ExportDomain != "":
		args = append(args, "-o", "rhv", "-os", req.ExportDomain)
	}

	env := baseEnv
	if r.exportDomain {
		env = env.Set("LIBGUESTFS_BACKEND", "direct")
	}
	if r.UID() != 0 {
		if _, ok := env.Get("XDG_RUNTIME_DIR"); ok {
			r.logger.Printf("dropping XDG_RUNTIME_DIR from environment")
			env = env.Without("XDG_RUNTIME_DIR")
		}
	}
	return args, env
}

// Finalize is a no-op: the target VM is created by the converter itself and
// its uuid is harvested by the Log Parser (spec.md §4.6).
func (r *RHV) Finalize(req *request.Request, snap *wrapstate.Snapshot) error { return nil }

// Cleanup cancels outstanding transfers and removes orphaned disks,
// bounded by a 300s deadline (spec.md §4.6).
func (r *RHV) Cleanup(req *request.Request, snap *wrapstate.Snapshot) {
	if r.client == nil {
		return
	}
	diskIDs := make([]string, 0, len(snap.Internal.DiskIDs))
	for _, id := range snap.Internal.DiskIDs {
		diskIDs = append(diskIDs, id)
	}

	transfers, err := r.client.ListTransfers()
	if err != nil {
		r.logger.Printf("failed to list image transfers during cleanup: %v", err)
	} else {
		wanted := map[string]bool{}
		for _, id := range diskIDs {
			wanted[id] = true
		}
		for _, t := range transfers {
			if wanted[t.Image.ID] {
				if err := r.client.CancelTransfer(t.ID); err != nil {
					r.logger.Printf("failed to cancel transfer %s: %v", t.ID, err)
				}
			}
		}
	}

	deadline := deadlineFromNow(cleanupDeadlineSeconds)
	remaining := append([]string{}, diskIDs...)
	for len(remaining) > 0 && !deadline.passed() {
		var next []string
		for _, id := range remaining {
			disk, err := r.client.GetDisk(id)
			if err != nil {
				r.logger.Printf("disk %s not found (already removed?), skipping", id)
				continue
			}
			if disk.Status != "ok" {
				next = append(next, id)
				continue
			}
			if err := r.client.RemoveDisk(id); err != nil {
				r.logger.Printf("failed to remove disk %s: %v", id, err)
			}
		}
		remaining = next
		if len(remaining) > 0 {
			sleepOneSecond()
		}
	}
	if len(remaining) > 0 {
		r.logger.Printf("timed out waiting for disks to be removable: %v", remaining)
	}
}

// UpdateProgress is a no-op for RHV: nothing external to report progress to.
func (r *RHV) UpdateProgress(snap wrapstate.Snapshot) {}

// CreateRunner returns a direct runner if not daemonized, a service-manager
// runner otherwise (spec.md §4.6).
func (r *RHV) CreateRunner(args []string, env runner.Env, logPath, cgroup string) runner.Runner {
	if !r.daemonize {
		return runner.NewDirect(args, env, logPath)
	}
	return runner.NewService(args, env, logPath, r.UID(), r.GID(), serviceDescription, cgroup)
}

// CheckInstallDrivers resolves req.VirtioWin by ranking ISO candidates in
// the detected ISO domain (spec.md §4.6 check_install_drivers).
func (r *RHV) CheckInstallDrivers(req *request.Request) error {
	if !req.InstallDrivers {
		return nil
	}

	if req.VirtioWin != "" && filepath.IsAbs(req.VirtioWin) {
		if _, err := os.Stat(req.VirtioWin); err != nil {
			return validationErrorf("virtio_win must be a path or file name of an image in the ISO domain")
		}
		return nil
	}

	isoDomain, err := findISODomain()
	if err != nil || isoDomain == "" {
		r.logger.Printf("ISO domain not found (but install_drivers is true)")
		req.InstallDrivers = false
		return nil
	}

	entries, err := os.ReadDir(isoDomain)
	if err != nil {
		return fmt.Errorf("failed to list ISO domain %s: %w", isoDomain, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}

	best := selectBestISO(isoDomain, names)
	if best == "" {
		r.logger.Printf("could not find any ISO with drivers (but install_drivers is true)")
		req.InstallDrivers = false
		return nil
	}

	req.VirtioWin = filepath.Join(isoDomain, best)
	r.logger.Printf("virtio_win (re)defined as: %s", req.VirtioWin)
	return nil
}

// selectBestISO ranks names by (priority, version) and structurally
// sanity-checks the winner by opening it as an ISO 9660 image, falling
// back to the next-best candidate on a corrupt/truncated image.
func selectBestISO(isoDomain string, names []string) string {
	type candidate struct {
		name     string
		priority int
		version  string
	}
	var candidates []candidate
	for _, name := range names {
		for _, p := range toolsPatterns {
			m := p.re.FindStringSubmatch(name)
			if m == nil {
				continue
			}
			version := ""
			if len(m) > 1 {
				version = m[1]
			}
			candidates = append(candidates, candidate{name: name, priority: p.priority, version: version})
			break
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority > candidates[j].priority
		}
		return candidates[i].version > candidates[j].version
	})

	for _, c := range candidates {
		if isValidISOFunc(filepath.Join(isoDomain, c.name)) {
			return c.name
		}
	}
	return ""
}

// isValidISOFunc is a var so ranking-only tests can bypass the real
// filesystem/ISO-9660 check.
var isValidISOFunc = isValidISO

// isValidISO opens path as an ISO 9660 image and lists its root directory
// as a structural sanity check before it is accepted as virtio_win.
func isValidISO(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	img, err := iso9660.OpenImage(f)
	if err != nil {
		return false
	}
	root, err := img.RootDir()
	if err != nil {
		return false
	}
	_, err = root.GetChildren()
	return err == nil
}

// findISODomain walks the VDSM mount hierarchy looking for a domain whose
// metadata marks it as an ISO domain (hosts.py _find_iso_domain).
func findISODomain() (string, error) {
	if _, err := os.Stat(vdsmMounts); err != nil {
		return "", fmt.Errorf("cannot find RHV domains: %w", err)
	}

	var found string
	err := filepath.WalkDir(vdsmMounts, func(path string, d os.DirEntry, err error) error {
		if err != nil || found != "" {
			return nil
		}
		if d.IsDir() && filepath.Base(path) == "isodomain" {
			found = path
		}
		return nil
	})
	return found, err
}
