//go:build !windows

package monitor

import (
	"os"
	"syscall"
)

// actualFileSize returns allocated blocks rather than the logical size
func actualFileSize(_ string, info os.FileInfo) int64 {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return info.Size()
	}
	// st_blocks is always in 512-byte units
	return stat.Blocks * 512
}
