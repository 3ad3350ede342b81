package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Count int
}

func TestDataUUIDStableAcrossIdenticalContent(t *testing.T) {
	tr := NewTracker[sample]("getLinks", "localnet")
	v1 := tr.Update(sample{Count: 1})
	v2 := tr.Update(sample{Count: 1})
	assert.Equal(t, v1.Header.DataUUID, v2.Header.DataUUID, "identical content must not bump data_uuid")
	assert.Equal(t, v1.Header.MethodUUID, v2.Header.MethodUUID)
}

func TestDataUUIDChangesOnContentChange(t *testing.T) {
	tr := NewTracker[sample]("getLinks", "localnet")
	v1 := tr.Update(sample{Count: 1})
	v2 := tr.Update(sample{Count: 2})
	assert.NotEqual(t, v1.Header.DataUUID, v2.Header.DataUUID)
}

func TestMatchesUUIDsRejectsStale(t *testing.T) {
	tr := NewTracker[sample]("getLinks", "localnet")
	v1 := tr.Update(sample{Count: 1})
	require.True(t, tr.MatchesUUIDs(v1.Header.MethodUUID, v1.Header.DataUUID))

	tr.Update(sample{Count: 2})
	assert.False(t, tr.MatchesUUIDs(v1.Header.MethodUUID, v1.Header.DataUUID))
	assert.True(t, tr.MatchesUUIDs("", ""))
}
