package secrets

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteSetsModeAndContent(t *testing.T) {
	dir := t.TempDir()
	m := New(dir)

	path, err := m.Write("s3cr3t", os.Getuid(), os.Getgid())
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected mode 0600, got %v", info.Mode().Perm())
	}
	if filepath.Ext(path) != ".v2v" {
		t.Fatalf("expected .v2v suffix, got %s", path)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(content) != "s3cr3t" {
		t.Fatalf("expected content 's3cr3t', got %q", content)
	}
}

func TestRemoveAllDeletesTrackedFiles(t *testing.T) {
	dir := t.TempDir()
	m := New(dir)

	p1, err := m.Write("a", os.Getuid(), os.Getgid())
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	p2, err := m.Write("b", os.Getuid(), os.Getgid())
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if err := m.RemoveAll(); err != nil {
		t.Fatalf("RemoveAll failed: %v", err)
	}

	for _, p := range []string{p1, p2} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("expected %s to be removed", p)
		}
	}
}

func TestRemoveAllIsIdempotentOnMissingFiles(t *testing.T) {
	dir := t.TempDir()
	m := New(dir)

	path, err := m.Write("a", os.Getuid(), os.Getgid())
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatalf("failed to pre-remove file: %v", err)
	}

	if err := m.RemoveAll(); err != nil {
		t.Fatalf("RemoveAll should tolerate already-removed files, got: %v", err)
	}
}

func TestMaterializeVaultMissingFileIsNotError(t *testing.T) {
	dir := t.TempDir()
	m := New(dir)

	keys, err := MaterializeVault(m, filepath.Join(dir, "missing-vault.json"), "myvm", os.Getuid(), os.Getgid())
	if err != nil {
		t.Fatalf("expected no error for missing vault, got: %v", err)
	}
	if keys != nil {
		t.Fatalf("expected nil keys for missing vault, got: %v", keys)
	}
}

func TestMaterializeVaultRejectsBadPermissions(t *testing.T) {
	dir := t.TempDir()
	m := New(dir)

	vaultPath := filepath.Join(dir, "vault.json")
	if err := os.WriteFile(vaultPath, []byte(`{}`), 0o644); err != nil {
		t.Fatalf("failed to write vault: %v", err)
	}

	_, err := MaterializeVault(m, vaultPath, "myvm", os.Getuid(), os.Getgid())
	if err == nil {
		t.Fatalf("expected error for world-readable vault")
	}
}

func TestMaterializeVaultFiltersAndMaterializesByVMName(t *testing.T) {
	dir := t.TempDir()
	m := New(dir)

	vault := map[string][]VaultKey{
		"myvm":    {{Device: "/dev/sda", Key: "key-a"}},
		"othervm": {{Device: "/dev/sdb", Key: "key-b"}},
	}
	raw, err := json.Marshal(vault)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	vaultPath := filepath.Join(dir, "vault.json")
	if err := os.WriteFile(vaultPath, raw, 0o600); err != nil {
		t.Fatalf("failed to write vault: %v", err)
	}

	keys, err := MaterializeVault(m, vaultPath, "myvm", os.Getuid(), os.Getgid())
	if err != nil {
		t.Fatalf("MaterializeVault failed: %v", err)
	}
	if len(keys) != 1 || keys[0].Device != "/dev/sda" {
		t.Fatalf("expected exactly one materialized key for /dev/sda, got: %v", keys)
	}

	content, err := os.ReadFile(keys[0].Filename)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(content) != "key-a" {
		t.Fatalf("expected materialized key content 'key-a', got %q", content)
	}
}
