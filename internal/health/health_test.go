package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecordSuccessMarksHealthy(t *testing.T) {
	tr := NewTracker(true)
	now := time.Now()
	tr.RecordFailure("u1", "boom", now)
	tr.RecordSuccess("u1", 20*time.Millisecond, now)

	h := tr.Get("u1")
	require.True(t, h.IsHealthy)
	require.Equal(t, 0, h.FailureCount)
	require.NotNil(t, h.LatencyMs)
}

func TestRecordFailureMarksUnhealthyAfterThreeConsecutive(t *testing.T) {
	tr := NewTracker(true)
	now := time.Now()
	for i := 0; i < 3; i++ {
		tr.RecordFailure("u1", "boom", now)
	}
	require.False(t, tr.IsHealthy("u1"))
}

func TestNonStrictModeAlwaysHealthy(t *testing.T) {
	tr := NewTracker(false)
	now := time.Now()
	for i := 0; i < 5; i++ {
		tr.RecordFailure("u1", "boom", now)
	}
	require.True(t, tr.IsHealthy("u1"))
}

func TestUnknownUpstreamDefaultsHealthy(t *testing.T) {
	tr := NewTracker(true)
	require.True(t, tr.IsHealthy("never-seen"))
}
