package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServerStatsUndetermined(t *testing.T) {
	s := New("mock-0")
	snap := s.Snapshot()
	assert.Equal(t, "mock-0", snap.Alias)
	assert.Equal(t, 0.0, snap.HealthScore)
	assert.Equal(t, StateUndetermined, snap.State)
	assert.False(t, snap.IsHealthy())
}

func TestRecordSuccessInvariantOne(t *testing.T) {
	s := New("mock-0")
	s.RecordSuccess(10*time.Millisecond, 0, false, 0)
	s.RecordSuccess(20*time.Millisecond, 1, false, 0)
	s.RecordFailure(OutcomeFailNetworkDown, false, "boom")
	s.RecordFailure(OutcomeFailBadRequest, false, "bad")
	s.RecordFailure(OutcomeFailOther, false, "io")

	snap := s.Snapshot()
	sum := snap.NSuccessFirstTry + snap.NSuccessAfterRetry + snap.NFailNetworkDown + snap.NFailBadRequest + snap.NFailOther
	require.Equal(t, snap.NRequests, sum, "invariant 1: n_requests must equal sum of outcome buckets")
	assert.EqualValues(t, 5, snap.NRequests)
}

func TestProbeTrafficDoesNotTouchCumulativeCounters(t *testing.T) {
	s := New("mock-0")
	s.RecordSuccess(5*time.Millisecond, 0, true, 0)
	s.RecordFailure(OutcomeFailNetworkDown, true, "probe failed")

	snap := s.Snapshot()
	assert.EqualValues(t, 0, snap.NRequests)
	assert.EqualValues(t, 1, snap.NProbeSuccess)
	assert.EqualValues(t, 1, snap.NProbeFail)
}

func TestHealthScoreCannotGoPositiveBeforeFirstSuccess(t *testing.T) {
	s := New("mock-0")
	s.RecordFailure(OutcomeFailNetworkDown, false, "down")
	snap := s.Snapshot()
	assert.LessOrEqual(t, snap.HealthScore, 0.0)
	assert.Equal(t, StateUndetermined, snap.State)
}

func TestBadRequestNeverAffectsHealth(t *testing.T) {
	s := New("mock-0")
	// Get healthy first via repeated success.
	for i := 0; i < 10; i++ {
		s.RecordSuccess(5*time.Millisecond, 0, false, 0)
	}
	before := s.HealthScore()
	s.RecordFailure(OutcomeFailBadRequest, false, "400")
	after := s.HealthScore()
	assert.Equal(t, before, after)
	assert.True(t, s.IsHealthy())
}

func TestHysteresisPreventsSingleSampleFlapping(t *testing.T) {
	s := New("mock-0")
	for i := 0; i < 20; i++ {
		s.RecordSuccess(1*time.Millisecond, 0, false, 0)
	}
	require.True(t, s.IsHealthy())

	// A single failure should not immediately flip back to unhealthy
	// unless the score actually crosses the unhealthy threshold.
	s.RecordFailure(OutcomeFailNetworkDown, false, "blip")
	// Whether still healthy depends on score, but the state machine must
	// never skip Undetermined -> Unhealthy without passing through Healthy.
	snap := s.Snapshot()
	assert.NotEqual(t, StateUndetermined, snap.State)
}

func TestConsecutiveFailuresAccelerateDecline(t *testing.T) {
	s := New("mock-0")
	s.RecordSuccess(1*time.Millisecond, 0, false, 0)

	s.RecordFailure(OutcomeFailNetworkDown, false, "e1")
	firstDrop := s.HealthScore()

	s.RecordFailure(OutcomeFailNetworkDown, false, "e2")
	secondDrop := firstDrop - s.HealthScore()

	s.RecordFailure(OutcomeFailNetworkDown, false, "e3")
	thirdDrop := (firstDrop - secondDrop) - s.HealthScore()

	assert.Greater(t, thirdDrop, secondDrop, "each consecutive failure should pull the score down harder")
	assert.Equal(t, 3, s.Snapshot().ConsecutiveFailures)
}

func TestClearResetsToUndetermined(t *testing.T) {
	s := New("mock-0")
	s.RecordSuccess(5*time.Millisecond, 0, false, 0)
	s.Clear()
	snap := s.Snapshot()
	assert.Equal(t, StateUndetermined, snap.State)
	assert.EqualValues(t, 0, snap.NRequests)
	assert.Equal(t, "mock-0", snap.Alias)
}

func TestMarkDrainingIsSticky(t *testing.T) {
	s := New("mock-0")
	s.RecordSuccess(5*time.Millisecond, 0, false, 0)
	s.MarkDraining()
	s.RecordSuccess(5*time.Millisecond, 0, false, 0)
	snap := s.Snapshot()
	assert.Equal(t, StateDraining, snap.State)
}
