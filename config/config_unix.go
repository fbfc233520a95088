//go:build unix

package config

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// diskSpaceBytes returns the total and available capacity, in bytes,
// of the filesystem holding path.
func diskSpaceBytes(path string) (total, free int64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	total = int64(st.Blocks) * int64(st.Bsize)
	free = int64(st.Bavail) * int64(st.Bsize)
	return total, free, nil
}
