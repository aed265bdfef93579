// Package tc configures per-run traffic-control classes and the net_cls
// classifier cgroup used to throttle the converter's egress bandwidth
// (spec.md §4.5).
package tc

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// MaxRate is the 32-bit ceiling tc stores rates as; it is used to mean
// "unlimited".
const MaxRate uint64 = 0xffffffff

const rootHandle = "abc:"

// Controller owns the classifier cgroup and tc classes created for one run.
type Controller struct {
	cgroup     string
	classID    string
	interfaces []string
	uid, gid   int
	cgroupRoot string
	logger     *log.Logger
	runTC      func(args ...string) ([][]string, error)
}

// New constructs a Controller for the given run tag, owned by (uid, gid),
// and immediately prepares qdiscs/classes/filters and the classifier
// cgroup (spec.md §4.5). Failures to configure tc on a given interface only
// drop that interface from the managed set; they are not fatal.
func New(tag string, uid, gid int, logger *log.Logger) *Controller {
	c := &Controller{
		cgroup:     fmt.Sprintf("v2v-conversion/%s", tag),
		uid:        uid,
		gid:        gid,
		cgroupRoot: "/sys/fs/cgroup/net_cls",
		logger:     logger,
	}
	c.runTC = c.runTCCommand
	c.prepare()
	return c
}

// ClassID returns the allocated class id (e.g. "abc:1"), or "" if none
// could be allocated.
func (c *Controller) ClassID() string { return c.classID }

// Cgroup returns the classifier cgroup path relative to the net_cls
// hierarchy.
func (c *Controller) Cgroup() string { return c.cgroup }

// ClassIDToHex converts a class id of the form "<major>:<minor>" (hex) into
// the packed hex representation stored in net_cls.classid: upper 16 bits
// major, lower 16 bits minor. e.g. "1a:2b" -> "0x001a002b".
func ClassIDToHex(classID string) (string, error) {
	parts := strings.SplitN(classID, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid class id %q", classID)
	}
	major, err := strconv.ParseUint(parts[0], 16, 32)
	if err != nil {
		return "", fmt.Errorf("invalid major in class id %q: %w", classID, err)
	}
	minor, err := strconv.ParseUint(parts[1], 16, 32)
	if err != nil {
		return "", fmt.Errorf("invalid minor in class id %q: %w", classID, err)
	}
	return fmt.Sprintf("0x%04x%04x", major, minor), nil
}

// SetLimit issues a class-change on every managed interface. limit == nil
// or the string "unlimited" maps to the 32-bit ceiling.
func (c *Controller) SetLimit(limit *string) bool {
	rate := MaxRate
	if limit != nil && *limit != "unlimited" && *limit != "" {
		if v, err := strconv.ParseUint(*limit, 10, 64); err == nil {
			rate = v
		}
	}
	ok := true
	for _, iface := range c.interfaces {
		if _, err := c.runTC("class", "change", "dev", iface,
			"classid", c.classID, "htb", "rate", fmt.Sprintf("%dbps", rate)); err != nil {
			c.logger.Printf("failed to update tc class on %s: %v", iface, err)
			ok = false
		}
	}
	return ok
}

// Cleanup deletes every tc class this controller created and removes the
// classifier cgroup directory. Errors are logged, never returned, matching
// spec.md's atexit-cleanup semantics.
func (c *Controller) Cleanup() {
	for _, iface := range c.interfaces {
		if c.classID == "" {
			continue
		}
		if _, err := c.runTC("class", "del", "dev", iface, "classid", c.classID); err != nil {
			c.logger.Printf("failed to delete tc class on %s at exit: %v", iface, err)
		}
	}
	dir := filepath.Join(c.cgroupRoot, c.cgroup)
	if err := os.RemoveAll(dir); err != nil {
		c.logger.Printf("failed to remove classifier cgroup %s at exit: %v", dir, err)
	}
}

func (c *Controller) prepare() {
	c.logger.Printf("preparing tc")
	ifaces := c.createQdiscs()
	c.interfaces = ifaces[:0]
	for _, iface := range ifaces {
		if c.createFilter(iface) && c.createClass(iface) {
			c.interfaces = append(c.interfaces, iface)
		}
	}
	c.prepareCgroup()
}

func (c *Controller) prepareCgroup() {
	c.logger.Printf("preparing net_cls cgroup %s", c.cgroup)
	dir := filepath.Join(c.cgroupRoot, c.cgroup)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		c.logger.Printf("failed to create classifier cgroup %s: %v", dir, err)
		return
	}
	tasks := filepath.Join(dir, "tasks")
	if err := os.Chown(tasks, c.uid, c.gid); err != nil {
		c.logger.Printf("failed to chown %s: %v", tasks, err)
	}
	if c.classID == "" {
		c.logger.Printf("not assigning class ID to net_cls cgroup because of previous errors")
		return
	}
	hex, err := ClassIDToHex(c.classID)
	if err != nil {
		c.logger.Printf("failed to encode class id %s: %v", c.classID, err)
		return
	}
	if err := os.WriteFile(filepath.Join(dir, "net_cls.classid"), []byte(hex), 0o644); err != nil {
		c.logger.Printf("failed to write net_cls.classid: %v", err)
	}
}

// createQdiscs lists every root qdisc and tries to (re)point each at our
// hierarchical token bucket handle; interfaces that refuse are dropped.
func (c *Controller) createQdiscs() []string {
	rows, err := c.runTC("qdisc", "show")
	if err != nil {
		c.logger.Printf("failed to query existing qdiscs: %v", err)
		return nil
	}

	var ifaces []string
	for _, row := range rows {
		// tc qdisc show output: "qdisc <type> <handle> dev <iface> root ..."
		iface, qtype, handle, isRoot := parseQdiscRow(row)
		if !isRoot {
			continue
		}
		if qtype == "htb" && handle == rootHandle {
			ifaces = append(ifaces, iface)
			continue
		}
		if _, err := c.runTC("qdisc", "add", "dev", iface, "root", "handle", rootHandle, "htb"); err != nil {
			c.logger.Printf("failed to setup HTB qdisc on %s: %v", iface, err)
			continue
		}
		ifaces = append(ifaces, iface)
	}
	return ifaces
}

func parseQdiscRow(fields []string) (iface, qtype, handle string, isRoot bool) {
	// Expected shape: ["qdisc", <type>, <handle>, "dev", <iface>, "root", ...]
	if len(fields) < 6 {
		return "", "", "", false
	}
	qtype = fields[1]
	handle = fields[2]
	iface = fields[4]
	isRoot = fields[5] == "root"
	return
}

func (c *Controller) createFilter(iface string) bool {
	_, err := c.runTC("filter", "add", "dev", iface, "parent", rootHandle,
		"protocol", "ip", "prio", "10", "handle", "1:", "cgroup")
	return err == nil
}

func (c *Controller) createClass(iface string) bool {
	if c.classID == "" {
		rows, err := c.runTC("class", "show", "dev", iface, "parent", rootHandle)
		if err != nil {
			c.logger.Printf("failed to query existing classes for parent %s on %s: %v", rootHandle, iface, err)
			return false
		}
		existing := map[string]bool{}
		for _, row := range rows {
			if len(row) > 2 {
				existing[row[2]] = true
			}
		}
		found := ""
		for i := 1; i < 0x10000; i++ {
			candidate := fmt.Sprintf("%s%x", rootHandle, i)
			if !existing[candidate] {
				found = candidate
				break
			}
		}
		if found == "" {
			c.logger.Printf("could not find any free class ID on %s under %s", iface, rootHandle)
			return false
		}
		c.classID = found
	}

	if _, err := c.runTC("class", "add", "dev", iface, "parent", rootHandle,
		"classid", c.classID, "htb", "rate", fmt.Sprintf("%dbps", MaxRate)); err != nil {
		c.logger.Printf("failed to create tc class on %s: %v", iface, err)
		return false
	}
	return true
}

func (c *Controller) runTCCommand(args ...string) ([][]string, error) {
	out, err := exec.Command("tc", args...).Output()
	if err != nil {
		return nil, fmt.Errorf("tc %v failed: %w", args, err)
	}
	var rows [][]string
	for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
		if line == "" {
			continue
		}
		rows = append(rows, strings.Fields(line))
	}
	return rows, nil
}
