// Package secrets writes short-lived secret files for the converter and
// enforces the LUKS vault ownership/permission policy (spec.md §4.2).
package secrets

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Materializer writes plaintext secrets to files owned by the converter's
// uid/gid, mode 0600, and tracks them for later cleanup.
type Materializer struct {
	dir     string
	written []string
}

// New creates a Materializer that writes secret files under dir (a
// short-lived temp directory).
func New(dir string) *Materializer {
	return &Materializer{dir: dir}
}

// Write creates a new file with a ".v2v" suffix, owned by (uid, gid), mode
// 0600, containing plaintext's UTF-8 bytes, and returns its absolute path.
// The caller is responsible for eventually calling RemoveAll.
func (m *Materializer) Write(plaintext string, uid, gid int) (string, error) {
	name := filepath.Join(m.dir, fmt.Sprintf("%s.v2v", uuid.NewString()))

	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("failed to create secret file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(plaintext); err != nil {
		os.Remove(name)
		return "", fmt.Errorf("failed to write secret file: %w", err)
	}

	if err := f.Chown(uid, gid); err != nil {
		os.Remove(name)
		return "", fmt.Errorf("failed to chown secret file: %w", err)
	}

	m.written = append(m.written, name)
	return name, nil
}

// RemoveAll deletes every secret file written so far. Per-file failures are
// reported as one error carrying their count and the first failure, and
// deletion of the remaining files is still attempted (spec.md §7: "Secret-file removal error" never changes the
// final exit code, the caller just logs this).
func (m *Materializer) RemoveAll() error {
	var errs []error
	for _, name := range m.written {
		if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("failed to remove secret file %s: %w", name, err))
		}
	}
	m.written = nil
	if len(errs) > 0 {
		return fmt.Errorf("%d secret file(s) failed to remove: %w", len(errs), errs[0])
	}
	return nil
}

// VaultKey is one entry of a LUKS vault file: a key for a named device.
// The vault file itself is a JSON object keyed by vm_name, each value a
// list of these.
type VaultKey struct {
	Device string `json:"device"`
	Key    string `json:"key"`
}

// MaterializedKey records where a vault key ended up on disk so the
// converter can be told about it.
type MaterializedKey struct {
	Device   string `json:"device"`
	Filename string `json:"filename"`
}

// MaterializeVault enforces the LUKS vault ownership/permission policy and
// materializes every key tagged with vmName. converterUID/GID identify the
// user the vault file must be owned by.
func MaterializeVault(m *Materializer, vaultPath, vmName string, converterUID, converterGID int) ([]MaterializedKey, error) {
	info, err := os.Stat(vaultPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat LUKS vault %s: %w", vaultPath, err)
	}

	if err := checkVaultOwnership(info, converterUID, converterGID); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(vaultPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read LUKS vault %s: %w", vaultPath, err)
	}

	var vault map[string][]VaultKey
	if err := json.Unmarshal(raw, &vault); err != nil {
		return nil, fmt.Errorf("failed to parse LUKS vault %s as JSON: %w", vaultPath, err)
	}

	var out []MaterializedKey
	for _, e := range vault[vmName] {
		filename, err := m.Write(e.Key, converterUID, converterGID)
		if err != nil {
			return nil, fmt.Errorf("failed to materialize LUKS key for device %s: %w", e.Device, err)
		}
		out = append(out, MaterializedKey{Device: e.Device, Filename: filename})
	}
	return out, nil
}
