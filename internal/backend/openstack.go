package backend

import (
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/jbweber/v2v-wrapper/internal/backend/osccli"
	"github.com/jbweber/v2v-wrapper/internal/request"
	"github.com/jbweber/v2v-wrapper/internal/runner"
	"github.com/jbweber/v2v-wrapper/internal/wlog"
	"github.com/jbweber/v2v-wrapper/internal/wrapstate"
)

// volumeAvailableTimeoutSeconds bounds the "wait for volume to become
// available" poll in Finalize (hosts.py TIMEOUT).
const volumeAvailableTimeoutSeconds = 300

// OpenStack is the OpenStack/Cinder-Nova target back-end.
type OpenStack struct {
	logger    *wlog.Logger
	cli       *osccli.Runner
	daemonize bool
}

// NewOpenStack constructs the OpenStack back-end.
func NewOpenStack(req *request.Request, logger *wlog.Logger) *OpenStack {
	cli := osccli.New(req.OSPEnvironment, req.InsecureConnection, logger)
	cli.DestinationProject = req.OSPDestinationProject
	return &OpenStack{logger: logger, cli: cli, daemonize: req.WantsDaemonize()}
}

// UID/GID: OpenStack always requires root (spec.md §4.6).
func (o *OpenStack) UID() int { return 0 }
func (o *OpenStack) GID() int { return 0 }

// Validate enforces the OSP-specific required keys (osp_environment key
// prefix shape is checked generically in request.Validate already).
func (o *OpenStack) Validate(req *request.Request) error {
	if req.OutputFormat == "" {
		req.OutputFormat = "raw"
	}
	if len(req.OSPEnvironment) == 0 {
		return validationErrorf("osp_environment is required")
	}
	if req.OSPDestinationProject == "" {
		return validationErrorf("osp_destination_project is required")
	}
	if req.OSPGuestID == "" {
		req.OSPGuestID = uuid.NewString()
	}
	return nil
}

// BuildArgs appends the osp output plugin flags and exports every
// osp_environment key to the converter's environment under its upper-case,
// underscore-separated name (os-auth-url becomes OS_AUTH_URL).
func (o *OpenStack) BuildArgs(req *request.Request, baseArgs []string, baseEnv runner.Env) ([]string, runner.Env) {
	args := append(append([]string{}, baseArgs...), "-o", "openstack",
		"-os", req.OSPDestinationProject,
		"-oo", "guest-id="+req.OSPGuestID,
	)
	if req.OSPServerID != "" {
		args = append(args, "-oo", "server-id="+req.OSPServerID)
	}

	env := baseEnv
	for k, v := range req.OSPEnvironment {
		env = env.Set(strings.ToUpper(strings.ReplaceAll(k, "-", "_")), v)
	}
	if _, ok := env.Get("XDG_RUNTIME_DIR"); ok {
		env = env.Without("XDG_RUNTIME_DIR")
	}
	return args, env
}

// Finalize creates the destination server: sorts internal disk ids by
// integer key for volume order, transfers each volume to the destination
// project, creates ports for every network mapping, then creates the
// server (spec.md §4.6).
func (o *OpenStack) Finalize(req *request.Request, snap *wrapstate.Snapshot) error {
	vmName := req.VMName
	if snap.Internal.DisplayName != "" {
		vmName = snap.Internal.DisplayName
	}

	if o.cli.Run([]string{"token", "issue"}, false) == nil {
		return fmt.Errorf("failed to obtain OpenStack auth token")
	}

	keys := make([]string, 0, len(snap.Internal.DiskIDs))
	for k := range snap.Internal.DiskIDs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ni, erri := strconv.Atoi(keys[i])
		nj, errj := strconv.Atoi(keys[j])
		if erri == nil && errj == nil {
			return ni < nj
		}
		return keys[i] < keys[j]
	})
	volumes := make([]string, 0, len(keys))
	for _, k := range keys {
		volumes = append(volumes, snap.Internal.DiskIDs[k])
	}
	if len(volumes) == 0 {
		return fmt.Errorf("no volumes found")
	}

	for _, vol := range volumes {
		if err := o.transferVolume(vol); err != nil {
			return err
		}
	}

	ports, err := o.createPorts(vmName, req.NetworkMappings)
	if err != nil {
		return err
	}
	snap.Internal.Ports = ports

	return o.createServer(vmName, req, volumes, ports, snap)
}

func (o *OpenStack) transferVolume(vol string) error {
	deadline := deadlineFromNow(volumeAvailableTimeoutSeconds)
	for {
		out := o.cli.Run([]string{"volume", "show", "-f", "value", "-c", "status", vol}, false)
		if out == nil {
			return fmt.Errorf("unable to get volume state for %s", vol)
		}
		state := strings.TrimSpace(string(out))
		if state == "available" {
			break
		}
		if deadline.passed() {
			return fmt.Errorf("volume %s did not become available within %ds", vol, volumeAvailableTimeoutSeconds)
		}
		sleepOneSecond()
	}

	var transfer struct {
		ID      string `json:"id"`
		AuthKey string `json:"auth_key"`
	}
	if !o.cli.RunJSON([]string{"volume", "transfer", "request", "create", "--format", "json", vol}, false, &transfer) {
		return fmt.Errorf("failed to create transfer request for volume %s", vol)
	}
	if o.cli.Run([]string{"volume", "transfer", "request", "accept", "--auth-key", transfer.AuthKey, transfer.ID}, true) == nil {
		return fmt.Errorf("failed to accept transfer request for volume %s", vol)
	}
	return nil
}

func (o *OpenStack) createPorts(vmName string, mappings []request.NetworkMapping) ([]string, error) {
	var ports []string
	for _, nic := range mappings {
		portCmd := []string{
			"port", "create", "--format", "json",
			"--network", nic.Destination,
			"--enable",
		}
		if nic.MACAddress != "" {
			portCmd = append(portCmd, "--mac-address", nic.MACAddress)
		}
		if nic.IPAddress != "" && o.hasContainingSubnet(nic.Destination, nic.IPAddress) {
			portCmd = append(portCmd, "--fixed-ip", "ip-address="+nic.IPAddress)
		}
		portCmd = append(portCmd, fmt.Sprintf("%s_port_%d", vmName, len(ports)))

		var port struct {
			ID string `json:"id"`
		}
		if !o.cli.RunJSON(portCmd, true, &port) {
			return nil, fmt.Errorf("failed to create port")
		}
		ports = append(ports, port.ID)
	}
	return ports, nil
}

func (o *OpenStack) hasContainingSubnet(network, ipAddress string) bool {
	out := o.cli.Run([]string{"subnet", "list", "--network", network, "-f", "json"}, false)
	if out == nil {
		return false
	}
	var subnets []struct {
		Subnet string `json:"Subnet"`
	}
	if err := json.Unmarshal(out, &subnets); err != nil {
		return false
	}
	for _, s := range subnets {
		if CIDRContains(s.Subnet, ipAddress) {
			return true
		}
	}
	return false
}

func (o *OpenStack) createServer(vmName string, req *request.Request, volumes, ports []string, snap *wrapstate.Snapshot) error {
	cmd := []string{"server", "create", "--format", "json"}
	if req.OSPFlavor != "" {
		cmd = append(cmd, "--flavor", req.OSPFlavor)
	}
	for _, grp := range req.OSPSecurityGroups {
		cmd = append(cmd, "--security-group", grp)
	}
	cmd = append(cmd, "--volume", volumes[0])
	for i := 1; i < len(volumes); i++ {
		name, err := diskName(i + 1)
		if err != nil {
			return fmt.Errorf("failed to name volume %d: %w", i+1, err)
		}
		cmd = append(cmd, "--block-device-mapping", name+"="+volumes[i])
	}
	for _, p := range ports {
		cmd = append(cmd, "--nic", "port-id="+p)
	}
	cmd = append(cmd, vmName)

	var vm struct {
		ID string `json:"id"`
	}
	if !o.cli.RunJSON(cmd, true, &vm) {
		return fmt.Errorf("failed to create OpenStack server")
	}
	snap.VMID = vm.ID
	o.logger.Printf("created OpenStack instance with id=%s", vm.ID)
	return nil
}

// Cleanup detaches volumes, cancels transfers, deletes ports, and attempts
// to remove volumes from both projects (spec.md §4.6).
func (o *OpenStack) Cleanup(req *request.Request, snap *wrapstate.Snapshot) {
	volumes := make([]string, 0, len(snap.Internal.DiskIDs))
	for _, v := range snap.Internal.DiskIDs {
		volumes = append(volumes, v)
	}
	ports := snap.Internal.Ports

	for _, v := range volumes {
		if o.cli.Run([]string{"server", "remove", "volume", req.OSPServerID, v}, false) == nil {
			o.logger.Printf("failed to detach volume %s", v)
		}
	}

	var transfers []struct {
		ID     string `json:"ID"`
		Volume string `json:"Volume"`
	}
	if !o.cli.RunJSON([]string{"volume", "transfer", "request", "list", "--format", "json"}, false, &transfers) {
		o.logger.Printf("failed to list transfer requests during cleanup")
	} else {
		wanted := map[string]bool{}
		for _, v := range volumes {
			wanted[v] = true
		}
		var ids []string
		for _, t := range transfers {
			if wanted[t.Volume] {
				ids = append(ids, t.ID)
			}
		}
		if len(ids) > 0 {
			cmd := append([]string{"volume", "transfer", "request", "delete"}, ids...)
			if o.cli.Run(cmd, false) == nil {
				o.logger.Printf("failed to remove transfer(s)")
			}
		}
	}

	if len(ports) > 0 {
		cmd := append([]string{"port", "delete"}, ports...)
		if o.cli.Run(cmd, true) == nil {
			o.logger.Printf("failed to remove port(s)")
		}
	}

	if len(volumes) > 0 {
		cmd := append([]string{"volume", "delete"}, volumes...)
		if o.cli.Run(cmd, false) == nil {
			o.logger.Printf("failed to remove volume(s) from source project")
		}
		if o.cli.Run(cmd, true) == nil {
			o.logger.Printf("failed to remove volume(s) from destination project")
		}
	}
}

// UpdateProgress is a no-op: OpenStack has no external progress sink.
func (o *OpenStack) UpdateProgress(snap wrapstate.Snapshot) {}

// CreateRunner returns a direct runner if not daemonized, service-manager
// otherwise (spec.md §4.6).
func (o *OpenStack) CreateRunner(args []string, env runner.Env, logPath, cgroup string) runner.Runner {
	if !o.daemonize {
		return runner.NewDirect(args, env, logPath)
	}
	return runner.NewService(args, env, logPath, o.UID(), o.GID(), serviceDescription, cgroup)
}

// CheckInstallDrivers is a no-op for OpenStack.
func (o *OpenStack) CheckInstallDrivers(req *request.Request) error { return nil }

// diskName implements the OpenStack disk-naming function f from spec.md
// §8 property 6: f(1)="vda", f(26)="vdz", f(27)="vdaa", …, f(702)="vdzz".
func diskName(index int) (string, error) {
	if index < 1 || index > 702 {
		return "", fmt.Errorf("disk index %d out of range [1,702]", index)
	}
	index--
	one := index / 26
	two := index % 26
	letter := func(i int) byte { return byte('a' + i) }
	if one == 0 {
		return fmt.Sprintf("vd%c", letter(two)), nil
	}
	return fmt.Sprintf("vd%c%c", letter(one-1), letter(two)), nil
}

// CIDRContains reports whether ip lies within cidr, by bitwise-prefix
// comparison over the network's bit length (spec.md §8 property 7).
func CIDRContains(cidr, ip string) bool {
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return false
	}
	addr := net.ParseIP(ip)
	if addr == nil {
		return false
	}
	return network.Contains(addr)
}
