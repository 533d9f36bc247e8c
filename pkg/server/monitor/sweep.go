package monitor

import (
	"sync"
	"time"
)

// MaxConsecutiveFailures is how many sweeps in a row may fail before the
// monitor reports unhealthy
const MaxConsecutiveFailures = 3

// SweepMonitor tracks retention sweep health and failures.
type SweepMonitor struct {
	mu                sync.RWMutex
	staleAfter        time.Duration
	lastSuccess       time.Time
	lastAttempt       time.Time
	consecutiveErrors int
	lastError         string
	lastEvicted       int
	totalEvicted      int64
}

// NewSweepMonitor creates a monitor that reports unhealthy when no sweep
// has succeeded within staleAfter.
func NewSweepMonitor(staleAfter time.Duration) *SweepMonitor {
	if staleAfter <= 0 {
		staleAfter = time.Hour
	}
	return &SweepMonitor{staleAfter: staleAfter}
}

// RecordSuccess records a successful sweep that evicted n entries.
func (sm *SweepMonitor) RecordSuccess(n int) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	now := time.Now()
	sm.lastSuccess = now
	sm.lastAttempt = now
	sm.consecutiveErrors = 0
	sm.lastError = ""
	sm.lastEvicted = n
	sm.totalEvicted += int64(n)
}

// RecordFailure records a failed sweep.
func (sm *SweepMonitor) RecordFailure(err error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.lastAttempt = time.Now()
	sm.consecutiveErrors++
	if err != nil {
		sm.lastError = err.Error()
	}
}

// IsHealthy returns true if retention sweeps are keeping up.
// Unhealthy conditions:
//   - Never succeeded
//   - No success within staleAfter
//   - More than MaxConsecutiveFailures failures in a row
func (sm *SweepMonitor) IsHealthy() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.healthyLocked()
}

func (sm *SweepMonitor) healthyLocked() bool {
	if sm.lastSuccess.IsZero() {
		return false
	}
	if time.Since(sm.lastSuccess) > sm.staleAfter {
		return false
	}
	return sm.consecutiveErrors <= MaxConsecutiveFailures
}

// SweepStatus is the sweep section of the health check
type SweepStatus struct {
	Healthy           bool   `json:"healthy"`
	LastSuccess       string `json:"last_success,omitempty"`
	TimeSinceSuccess  string `json:"time_since_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	LastEvicted       int    `json:"last_evicted"`
	TotalEvicted      int64  `json:"total_evicted"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

// Status returns current sweep status for health checks.
func (sm *SweepMonitor) Status() SweepStatus {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	status := SweepStatus{
		Healthy:      sm.healthyLocked(),
		LastEvicted:  sm.lastEvicted,
		TotalEvicted: sm.totalEvicted,
	}
	if !sm.lastSuccess.IsZero() {
		status.LastSuccess = sm.lastSuccess.Format(time.RFC3339)
		status.TimeSinceSuccess = time.Since(sm.lastSuccess).Round(time.Second).String()
	}
	if !sm.lastAttempt.IsZero() {
		status.LastAttempt = sm.lastAttempt.Format(time.RFC3339)
	}
	if sm.consecutiveErrors > 0 {
		status.ConsecutiveErrors = sm.consecutiveErrors
		status.LastError = sm.lastError
	}
	return status
}
