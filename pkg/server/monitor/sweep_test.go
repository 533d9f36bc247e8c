package monitor

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSweepMonitor_RecordSuccess(t *testing.T) {
	sm := NewSweepMonitor(time.Minute)
	sm.RecordSuccess(3)
	sm.RecordSuccess(2)

	status := sm.Status()
	assert.True(t, status.Healthy)
	assert.Equal(t, 2, status.LastEvicted)
	assert.Equal(t, int64(5), status.TotalEvicted)
	assert.Zero(t, status.ConsecutiveErrors)
	assert.Empty(t, status.LastError)
	assert.NotEmpty(t, status.LastSuccess)
}

func TestSweepMonitor_RecordFailure(t *testing.T) {
	sm := NewSweepMonitor(time.Minute)
	sm.RecordFailure(errors.New("disk full"))

	status := sm.Status()
	assert.Equal(t, 1, status.ConsecutiveErrors)
	assert.Equal(t, "disk full", status.LastError)
	assert.NotEmpty(t, status.LastAttempt)
}

func TestSweepMonitor_IsHealthy(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(*SweepMonitor)
		expected bool
	}{
		{
			name:     "never succeeded",
			setup:    func(*SweepMonitor) {},
			expected: false,
		},
		{
			name:     "recent success",
			setup:    func(sm *SweepMonitor) { sm.RecordSuccess(0) },
			expected: true,
		},
		{
			name: "stale success",
			setup: func(sm *SweepMonitor) {
				sm.mu.Lock()
				sm.lastSuccess = time.Now().Add(-2 * time.Hour)
				sm.mu.Unlock()
			},
			expected: false,
		},
		{
			name: "failures within tolerance",
			setup: func(sm *SweepMonitor) {
				sm.RecordSuccess(0)
				for i := 0; i < MaxConsecutiveFailures; i++ {
					sm.RecordFailure(errors.New("boom"))
				}
			},
			expected: true,
		},
		{
			name: "too many consecutive errors",
			setup: func(sm *SweepMonitor) {
				sm.RecordSuccess(0)
				for i := 0; i <= MaxConsecutiveFailures; i++ {
					sm.RecordFailure(errors.New("boom"))
				}
			},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := NewSweepMonitor(time.Hour)
			tt.setup(sm)
			assert.Equal(t, tt.expected, sm.IsHealthy())
		})
	}
}
