package monitor

import (
	"os"
	"path/filepath"
	"sync"
	"time"
)

// UsageCacheDuration bounds how often usage is recomputed
const UsageCacheDuration = 10 * time.Second

// UsageFunc reports current storage usage in bytes
type UsageFunc func() (int64, error)

// StorageMonitor tracks storage usage with caching to avoid expensive
// filesystem calls.
type StorageMonitor struct {
	usage         UsageFunc
	maxBytes      int64
	cachedUsage   int64
	lastCheck     time.Time
	cacheDuration time.Duration
	mu            sync.Mutex
}

// NewStorageMonitor measures the on-disk size of dataDir.
func NewStorageMonitor(dataDir string, maxBytes int64) *StorageMonitor {
	return NewUsageMonitor(func() (int64, error) {
		return calculateDirSize(dataDir)
	}, maxBytes)
}

// NewUsageMonitor measures usage through fn, e.g. a store's own size
// estimate when nothing lives on disk.
func NewUsageMonitor(fn UsageFunc, maxBytes int64) *StorageMonitor {
	return &StorageMonitor{
		usage:         fn,
		maxBytes:      maxBytes,
		cacheDuration: UsageCacheDuration,
	}
}

// GetUsage returns current storage usage in bytes (cached).
func (sm *StorageMonitor) GetUsage() (int64, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.lastCheck.IsZero() && time.Since(sm.lastCheck) < sm.cacheDuration {
		return sm.cachedUsage, nil
	}

	usage, err := sm.usage()
	if err != nil {
		return 0, err
	}
	sm.cachedUsage = usage
	sm.lastCheck = time.Now()
	return usage, nil
}

// GetLimit returns the configured storage limit in bytes.
func (sm *StorageMonitor) GetLimit() int64 {
	return sm.maxBytes
}

// calculateDirSize walks path and sums actual disk usage (not logical
// size) so sparse badger value logs are not overcounted.
func calculateDirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(filePath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += actualFileSize(filePath, info)
		}
		return nil
	})
	return size, err
}
