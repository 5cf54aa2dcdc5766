package devices

import (
	"github.com/shirou/gopsutil/v3/disk"
)

// FreeSpaceBytes returns the free bytes on the filesystem holding path, or
// -1 when the query fails. Used to sanity-check a restore destination and
// to show the fill level of an LTFS mount.
func FreeSpaceBytes(path string) int64 {
	usage, err := disk.Usage(path)
	if err != nil {
		return -1
	}
	return int64(usage.Free)
}

// UsedSpaceBytes returns the used bytes on the filesystem holding path, or
// -1 when the query fails.
func UsedSpaceBytes(path string) int64 {
	usage, err := disk.Usage(path)
	if err != nil {
		return -1
	}
	return int64(usage.Used)
}
