//go:build windows

package config

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// diskSpaceBytes returns the total and available capacity, in bytes,
// of the volume holding path.
func diskSpaceBytes(path string) (total, free int64, err error) {
	var freeAvail, totalBytes, totalFree uint64
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, 0, fmt.Errorf("resolve path %s: %w", path, err)
	}
	if err := windows.GetDiskFreeSpaceEx(p, &freeAvail, &totalBytes, &totalFree); err != nil {
		return 0, 0, fmt.Errorf("GetDiskFreeSpaceEx %s: %w", path, err)
	}
	return int64(totalBytes), int64(freeAvail), nil
}
