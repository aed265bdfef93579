package secrets

import (
	"fmt"
	"io/fs"
	"syscall"
)

// checkVaultOwnership fails if the vault is not owned by the converter
// uid or has any group/other permission bits set (spec.md §4.2).
func checkVaultOwnership(info fs.FileInfo, converterUID, converterGID int) error {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return fmt.Errorf("cannot determine ownership of LUKS vault")
	}
	if int(stat.Uid) != converterUID {
		return fmt.Errorf("LUKS vault is not owned by the converter user (uid %d)", converterUID)
	}
	if info.Mode().Perm()&0o077 != 0 {
		return fmt.Errorf("LUKS vault has group or other permission bits set: %v", info.Mode().Perm())
	}
	return nil
}
