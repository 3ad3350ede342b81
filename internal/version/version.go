// Package version implements the header-plus-UUID envelope from spec.md
// §3/§4.6: every mutable object exposed over the control plane is wrapped
// in a Versioned[T] so pollers can cheaply detect "nothing changed" via
// data_uuid before fetching the full object.
package version

import (
	"reflect"

	"github.com/google/uuid"
)

// Header is the envelope metadata attached to every control-plane
// response (spec.md §4.6): method identifies the RPC, key disambiguates
// multiple objects of the same method (e.g. per-workdir), and the two
// UUIDs let a client skip re-fetching unchanged data.
type Header struct {
	Method     string `json:"method"`
	Key        string `json:"key,omitempty"`
	MethodUUID string `json:"method_uuid,omitempty"`
	DataUUID   string `json:"data_uuid,omitempty"`
}

// Versioned wraps a value T with its envelope. MethodUUID is minted once
// per Tracker (so it changes on every process start); DataUUID
// changes whenever the wrapped content changes by value.
type Versioned[T any] struct {
	Header Header `json:"header"`
	Data   T      `json:"data"`
}

// Tracker produces Versioned[T] values for one (method, key) pair,
// generating a fresh data_uuid only when the new content differs from the
// last content by deep equality — excluding the header itself, which is
// never part of the comparison.
type Tracker[T any] struct {
	method     string
	key        string
	methodUUID string

	have     bool
	lastData T
	dataUUID string
}

// NewTracker creates a Tracker for method/key, minting a stable
// method_uuid that only changes if the caller constructs a new Tracker
// (i.e. on a schema/code change, not a data change).
func NewTracker[T any](method, key string) *Tracker[T] {
	return &Tracker[T]{
		method:     method,
		key:        key,
		methodUUID: uuid.NewString(),
	}
}

// Update computes the Versioned[T] for the given data, bumping data_uuid
// only if data differs (by deep equality) from the previously observed
// value.
func (t *Tracker[T]) Update(data T) Versioned[T] {
	if !t.have || !reflect.DeepEqual(t.lastData, data) {
		t.lastData = data
		t.dataUUID = uuid.NewString()
		t.have = true
	}
	return Versioned[T]{
		Header: Header{
			Method:     t.method,
			Key:        t.key,
			MethodUUID: t.methodUUID,
			DataUUID:   t.dataUUID,
		},
		Data: data,
	}
}

// Current returns the last computed envelope without recomputing
// equality, for callers that only need the header (e.g. getVersions).
func (t *Tracker[T]) Current() Header {
	return Header{Method: t.method, Key: t.key, MethodUUID: t.methodUUID, DataUUID: t.dataUUID}
}

// MatchesUUIDs reports whether the client-supplied UUIDs match (are not
// stale versus) the tracker's current state. A request carrying a stale method_uuid or
// data_uuid should be rejected with OutdatedUUID (spec.md §4.6); empty
// strings from the client mean "no cached version, always serve".
func (t *Tracker[T]) MatchesUUIDs(methodUUID, dataUUID string) bool {
	if methodUUID != "" && methodUUID != t.methodUUID {
		return false
	}
	if dataUUID != "" && dataUUID != t.dataUUID {
		return false
	}
	return true
}
