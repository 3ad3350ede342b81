package mockserver

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultBehaviorIsHealthy(t *testing.T) {
	m := New("mock-0")
	defer m.Close()

	resp, err := http.Post(m.URL(), "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, m.Snapshot().RequestCount)
}

func TestSetBehaviorIncrementsChangeCounter(t *testing.T) {
	m := New("mock-0")
	defer m.Close()

	m.SetBehavior(BehaviorError500)
	resp, err := http.Post(m.URL(), "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, 1, m.Snapshot().BehaviorChanges)
}

func TestResetClearsRequestCountNotBehaviorChanges(t *testing.T) {
	m := New("mock-0")
	defer m.Close()
	m.SetBehavior(BehaviorNotExists)
	http.Post(m.URL(), "application/json", nil)

	m.Reset()
	snap := m.Snapshot()
	assert.Equal(t, 0, snap.RequestCount)
	assert.Equal(t, 1, snap.BehaviorChanges)
}

func TestRegistryGetOrCreateIsIdempotent(t *testing.T) {
	r := NewRegistry()
	defer r.CloseAll()
	a := r.GetOrCreate("mock-0")
	b := r.GetOrCreate("mock-0")
	assert.Same(t, a, b)
}
