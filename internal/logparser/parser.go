// Package logparser tails the converter's two log streams and derives
// progress, disk-to-path binding and target-side object identifiers from
// them (spec.md §4.3).
package logparser

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jbweber/v2v-wrapper/internal/wrapstate"
)

var (
	copyDiskRE       = regexp.MustCompile(`Copying disk (\d+)/(\d+) to`)
	diskProgressRE   = regexp.MustCompile(`\((\d+\.\d+)/100%\)`)
	nbdkitDiskPathRE = regexp.MustCompile(`nbdkit: debug: Opening file (.*?) \(.*\)`)
	overlaySourceRE  = regexp.MustCompile(`overlay source qemu URI: json:.*"file\.path": ?"([^"]+)"`)
	overlaySource2RE = regexp.MustCompile(`libguestfs: parse_json:.*"backing-filename".*\\"file\.path\\": ?\\"([^"]+)\\"`)
	vmdkPathRE       = regexp.MustCompile(`/vmfs/volumes/(?P<store>[^/]*)/(?P<vm>[^/]*)/(?P<disk>.*?)(-flat)?\.vmdk$`)
	rhvDiskUUIDRE    = regexp.MustCompile(`disk\.id = '(?P<uuid>[a-fA-F0-9-]*)'`)
	rhvVMIDRE        = regexp.MustCompile(`<VirtualSystem ovf:id='(?P<uuid>[a-fA-F0-9-]*)'>`)
	ospVolumeIDRE    = regexp.MustCompile(`openstack .*'?volume'? '?show'?.* '?(?P<uuid>[a-fA-F0-9-]*)'?$`)
	ospVolumePropsRE = regexp.MustCompile(`openstack .*'?volume'? '?set.*'?--property'? 'virt_v2v_disk_index=(?P<volume>[0-9]+)/[0-9]+.* '?(?P<uuid>[a-fA-F0-9-]*)'?$`)
	sshGuestNameRE   = regexp.MustCompile(`^displayName = "(.*)"$`)
)

// ErrorSurfacer is called whenever the structured event log reports
// {"type": "error", ...}. It must not halt parsing.
type ErrorSurfacer func(message string)

// Parser tails the text log and the structured event log. A single
// instance is restartable: each Parse call consumes whatever is currently
// buffered and returns, resuming from the previous offset on the next call.
type Parser struct {
	textLog    *os.File
	textOff    int64
	eventLog   *os.File
	eventOff   int64
	duplicate  bool
	onError    ErrorSurfacer
	logger     *log.Logger

	currentDisk *int
	currentPath *string
}

// New waits for both log files to appear (up to ten seconds each, per
// spec.md §4.3; see waitForFile) and opens them for tailing.
func New(textLogPath, eventLogPath string, duplicate bool, onError ErrorSurfacer, logger *log.Logger) (*Parser, error) {
	if err := waitForFile(textLogPath); err != nil {
		return nil, err
	}
	if err := waitForFile(eventLogPath); err != nil {
		return nil, err
	}

	textLog, err := os.Open(textLogPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open v2v log %s: %w", textLogPath, err)
	}
	eventLog, err := os.Open(eventLogPath)
	if err != nil {
		textLog.Close()
		return nil, fmt.Errorf("failed to open machine-readable log %s: %w", eventLogPath, err)
	}

	return &Parser{
		textLog:   textLog,
		eventLog:  eventLog,
		duplicate: duplicate,
		onError:   onError,
		logger:    logger,
	}, nil
}

// waitForFile blocks until path exists or ten seconds elapse. It watches
// path's parent directory for creation events rather than polling, so it
// notices the converter's log file the moment virt-v2v creates it.
func waitForFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return waitForFileByPolling(path)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return waitForFileByPolling(path)
	}

	deadline := time.After(10 * time.Second)
	for {
		select {
		case event := <-watcher.Events:
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 && filepath.Clean(event.Name) == filepath.Clean(path) {
				return nil
			}
			if _, err := os.Stat(path); err == nil {
				return nil
			}
		case <-watcher.Errors:
			// Keep waiting; a watcher error doesn't necessarily mean the
			// file will never appear.
		case <-deadline:
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("log file %s did not appear within 10s: %w", path, err)
			}
			return nil
		}
	}
}

// waitForFileByPolling is the fallback used when the fsnotify watcher
// itself cannot be created (e.g. inotify instance limits exhausted).
func waitForFileByPolling(path string) error {
	for i := 0; i < 10; i++ {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		time.Sleep(time.Second)
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("log file %s did not appear within 10s: %w", path, err)
	}
	return nil
}

// Close releases the underlying file handles.
func (p *Parser) Close() error {
	err1 := p.textLog.Close()
	err2 := p.eventLog.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

type errorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Parse consumes whatever is newly available in both logs and applies it
// to the state store. Events within one call are applied in file order.
func (p *Parser) Parse(store *wrapstate.Store) error {
	if err := p.parseEvents(); err != nil {
		return err
	}
	return p.parseTextLog(store)
}

func (p *Parser) parseEvents() error {
	if _, err := p.eventLog.Seek(p.eventOff, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek machine-readable log: %w", err)
	}
	scanner := bufio.NewScanner(p.eventLog)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		p.eventOff += int64(len(line)) + 1
		var evt errorEvent
		if err := json.Unmarshal(line, &evt); err != nil {
			p.logger.Printf("failed to parse machine-readable log line: %v (offending line: %q)", err, line)
			continue
		}
		if evt.Type == "error" && p.onError != nil {
			p.onError(evt.Message)
		}
	}
	return scanner.Err()
}

func (p *Parser) parseTextLog(store *wrapstate.Store) error {
	if _, err := p.textLog.Seek(p.textOff, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek v2v log: %w", err)
	}
	scanner := bufio.NewScanner(p.textLog)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		p.textOff += int64(len(line)) + 1
		if p.duplicate {
			p.logger.Printf("%s", line)
		}
		p.parseLine(store, line)
	}
	return scanner.Err()
}

func (p *Parser) parseLine(store *wrapstate.Store, line []byte) {
	if m := copyDiskRE.FindSubmatch(line); m != nil {
		n, errN := strconv.Atoi(string(m[1]))
		total, errM := strconv.Atoi(string(m[2]))
		if errN != nil || errM != nil {
			if p.onError != nil {
				p.onError("Failed to decode disk number")
			}
			return
		}
		disk := n - 1
		p.currentDisk = &disk
		p.currentPath = nil
		store.Mutate(func(s *wrapstate.Snapshot) {
			s.DiskCount = total
			if total != len(s.Disks) {
				p.logger.Printf("number of supplied disk paths (%d) does not match number of disks in VM (%d)", len(s.Disks), total)
			}
		})
		return
	}

	if m := nbdkitDiskPathRE.FindSubmatch(line); m != nil {
		path := string(m[1])
		p.currentPath = &path
		p.locateDisk(store)
		return
	}

	if m := sshGuestNameRE.FindSubmatch(line); m != nil {
		name := string(m[1])
		store.Mutate(func(s *wrapstate.Snapshot) {
			s.Internal.DisplayName = name
		})
		return
	}

	if m := overlaySourceRE.FindSubmatch(line); m != nil {
		path := transformVMDKPath(m[1])
		p.currentPath = &path
		p.locateDisk(store)
		return
	}

	if m := overlaySource2RE.FindSubmatch(line); m != nil {
		path := transformVMDKPath(m[1])
		p.currentPath = &path
		p.locateDisk(store)
		return
	}

	if m := diskProgressRE.FindSubmatch(line); m != nil {
		if p.currentPath != nil && p.currentDisk != nil {
			progress, err := strconv.ParseFloat(string(m[1]), 64)
			if err != nil {
				if p.onError != nil {
					p.onError("Failed to decode progress")
				}
				return
			}
			disk := *p.currentDisk
			store.Mutate(func(s *wrapstate.Snapshot) {
				if disk >= 0 && disk < len(s.Disks) {
					s.Disks[disk].Progress = progress
				}
			})
		}
		return
	}

	if m := rhvDiskUUIDRE.FindSubmatch(line); m != nil {
		if p.currentDisk != nil {
			disk := *p.currentDisk
			uuid := string(m[1])
			store.Mutate(func(s *wrapstate.Snapshot) {
				if disk >= 0 && disk < len(s.Disks) {
					s.Internal.DiskIDs[s.Disks[disk].Path] = uuid
				}
			})
		}
		return
	}

	if m := ospVolumeIDRE.FindSubmatch(line); m != nil {
		uuid := string(m[1])
		store.Mutate(func(s *wrapstate.Snapshot) {
			next := len(s.Internal.DiskIDs) + 1
			s.Internal.DiskIDs[strconv.Itoa(next)] = uuid
		})
		return
	}

	if m := ospVolumePropsRE.FindSubmatch(line); m != nil {
		uuid := string(m[2])
		index := string(m[1])
		store.Mutate(func(s *wrapstate.Snapshot) {
			if existing, ok := s.Internal.DiskIDs[index]; ok && existing != uuid {
				p.logger.Printf("volume %q is NOT at index %s", uuid, index)
			}
		})
		return
	}

	if m := rhvVMIDRE.FindSubmatch(line); m != nil {
		uuid := string(m[1])
		store.Mutate(func(s *wrapstate.Snapshot) {
			s.VMID = uuid
		})
		return
	}
}

// transformVMDKPath rewrites /vmfs/volumes/<store>/<vm>/<disk>(-flat)?.vmdk
// into "[<store>] <vm>/<disk>.vmdk".
func transformVMDKPath(path []byte) string {
	if !vmdkPathRE.Match(path) {
		return string(path)
	}
	return string(vmdkPathRE.ReplaceAll(path, []byte(`[$store] $vm/$disk.vmdk`)))
}

// locateDisk implements the Locate Disk algorithm from spec.md §4.3.
// Precondition: p.currentDisk is set.
func (p *Parser) locateDisk(store *wrapstate.Store) {
	if p.currentDisk == nil {
		return
	}
	current := *p.currentDisk
	path := ""
	if p.currentPath != nil {
		path = *p.currentPath
	}

	store.Mutate(func(s *wrapstate.Snapshot) {
		for i := current; i < len(s.Disks); i++ {
			if s.Disks[i].Path == path {
				if i == current {
					return
				}
				d := s.Disks[i]
				s.Disks = append(s.Disks[:i], s.Disks[i+1:]...)
				s.Disks = insertDiskAt(s.Disks, current, d)
				return
			}
		}
		// Not found anywhere from current onward: insert a new entry.
		s.Disks = insertDiskAt(s.Disks, current, wrapstate.Disk{Path: path, Progress: 0})
	})
}

// insertDiskAt inserts d at idx, shifting everything from idx onward right
// by one. idx may equal len(disks), in which case this is a plain append.
func insertDiskAt(disks []wrapstate.Disk, idx int, d wrapstate.Disk) []wrapstate.Disk {
	disks = append(disks, wrapstate.Disk{})
	copy(disks[idx+1:], disks[idx:])
	disks[idx] = d
	return disks
}
