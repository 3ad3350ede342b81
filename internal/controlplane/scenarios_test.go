package controlplane

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbsd-dev/sbsd-daemon/internal/linktable"
	"github.com/sbsd-dev/sbsd-daemon/internal/version"
	"github.com/sbsd-dev/sbsd-daemon/pkg/errdefs"
)

// Scenario 6: toggling an observable property bumps the owning method's
// data_uuid, a request that carries a stale data_uuid is rejected with
// OutdatedUUID, and an unrelated method's data_uuid is left untouched by a
// change that method never surfaces.
func TestScenarioUUIDTracksObservableChangesOnly(t *testing.T) {
	r, _, w := newTestRouter(t)

	decodeHeader := func(resp Response) version.Header {
		require.Nil(t, resp.Error)
		raw, err := json.Marshal(resp.Result)
		require.NoError(t, err)
		var env struct {
			Header version.Header `json:"header"`
		}
		require.NoError(t, json.Unmarshal(raw, &env))
		return env.Header
	}

	linksBefore := decodeHeader(doRPC(t, r, Request{Method: "getLinks", Workdir: "localnet"}))
	statusBefore := decodeHeader(doRPC(t, r, Request{Method: "getWorkdirStatus", Workdir: "localnet"}))

	// Toggling a link's selectable flag changes what getLinks serves (the
	// flag is part of every v1.LinkStats entry), but workdir status never
	// surfaces per-link selectability, so its data_uuid must be unaffected.
	w.Port.UpsertLink(linktable.LinkConfig{Alias: "mock-0", RPCURL: "http://localhost:9000", Selectable: false, Monitored: true})

	linksAfter := decodeHeader(doRPC(t, r, Request{Method: "getLinks", Workdir: "localnet"}))
	statusAfter := decodeHeader(doRPC(t, r, Request{Method: "getWorkdirStatus", Workdir: "localnet"}))

	assert.NotEqual(t, linksBefore.DataUUID, linksAfter.DataUUID, "toggling selectable must change getLinks' data_uuid")
	assert.Equal(t, statusBefore.DataUUID, statusAfter.DataUUID, "a change getWorkdirStatus never surfaces must not bump its data_uuid")

	// getLinks, unlike getWorkdirStatus, never rejects a stale data_uuid —
	// it always serves the current value — but the header it returns must
	// still reflect the fresh data_uuid so a poller can detect the change.
	stale := doRPC(t, r, Request{Method: "getLinks", Workdir: "localnet", DataUUID: linksBefore.DataUUID})
	require.Nil(t, stale.Error, "getLinks always serves fresh data regardless of the client's cached data_uuid")
	staleHeader := decodeHeader(stale)
	assert.Equal(t, linksAfter.DataUUID, staleHeader.DataUUID)

	// workdir status toggling something it does surface (proxy_enabled)
	// must bump its own data_uuid, and a request pinned to the prior
	// version must then be rejected as OutdatedUUID.
	w.Port.ProxyEnabled = !w.Port.ProxyEnabled
	statusChanged := decodeHeader(doRPC(t, r, Request{Method: "getWorkdirStatus", Workdir: "localnet"}))
	assert.NotEqual(t, statusAfter.DataUUID, statusChanged.DataUUID, "toggling proxy_enabled must change getWorkdirStatus' data_uuid")

	rejected := doRPC(t, r, Request{
		Method: "getWorkdirStatus", Workdir: "localnet",
		MethodUUID: statusAfter.MethodUUID, DataUUID: statusAfter.DataUUID,
	})
	require.NotNil(t, rejected.Error)
	assert.Equal(t, errdefs.OutdatedUUID, rejected.Error.Code)
}
