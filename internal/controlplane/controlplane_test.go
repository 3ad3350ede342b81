package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbsd-dev/sbsd-daemon/internal/admin"
	"github.com/sbsd-dev/sbsd-daemon/internal/linktable"
	"github.com/sbsd-dev/sbsd-daemon/internal/mockserver"
	"github.com/sbsd-dev/sbsd-daemon/internal/monitor"
	"github.com/sbsd-dev/sbsd-daemon/internal/stats"
	"github.com/sbsd-dev/sbsd-daemon/pkg/errdefs"
)

func newTestRouter(t *testing.T) (*gin.Engine, *Server, *admin.Workdir) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	port := linktable.NewInputPort(0, "localnet", 44340)
	port.UpsertLink(linktable.LinkConfig{Alias: "mock-0", RPCURL: "http://localhost:9000", Selectable: true, Monitored: true})
	port.ProxyEnabled = true

	bus := monitor.NewBus(port, 2, nil)
	w := admin.NewWorkdir(0, "localnet", admin.ConfigSources{}, port, bus, 2)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Run(ctx)

	srv := NewServer(mockserver.NewRegistry())
	srv.Bind(NewBinding(w))

	r := gin.New()
	r.POST("/rpc", srv.Handle)
	return r, srv, w
}

func doRPC(t *testing.T, r *gin.Engine, req Request) Response {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)

	httpReq := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httpReq)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestGetLinksReturnsSummaryAndLinks(t *testing.T) {
	r, _, _ := newTestRouter(t)
	resp := doRPC(t, r, Request{Method: "getLinks", Workdir: "localnet"})
	require.Nil(t, resp.Error)

	raw, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var decoded struct {
		Data struct {
			Links []struct {
				Alias  string `json:"alias"`
				Status string `json:"status"`
			} `json:"links"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Len(t, decoded.Data.Links, 1)
	assert.Equal(t, "mock-0", decoded.Data.Links[0].Alias)
	assert.Equal(t, "UNDETERMINED", decoded.Data.Links[0].Status)
}

func TestGetWorkdirStatusRejectsStaleUUID(t *testing.T) {
	r, _, _ := newTestRouter(t)
	first := doRPC(t, r, Request{Method: "getWorkdirStatus", Workdir: "localnet"})
	require.Nil(t, first.Error)

	stale := doRPC(t, r, Request{Method: "getWorkdirStatus", Workdir: "localnet", DataUUID: "not-a-real-uuid"})
	require.NotNil(t, stale.Error)
	assert.Equal(t, errdefs.OutdatedUUID, stale.Error.Code)
}

func TestUnknownWorkdirReturnsInvalidConfig(t *testing.T) {
	r, _, _ := newTestRouter(t)
	resp := doRPC(t, r, Request{Method: "getLinks", Workdir: "no-such-network"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, errdefs.InvalidConfig, resp.Error.Code)
}

func TestUnknownMethodReturnsInvalidParams(t *testing.T) {
	r, _, _ := newTestRouter(t)
	resp := doRPC(t, r, Request{Method: "doesNotExist"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, errdefs.InvalidParams, resp.Error.Code)
}

func TestWorkdirCommandRunsShell(t *testing.T) {
	r, _, _ := newTestRouter(t)
	params, _ := json.Marshal(map[string]string{"command": "true"})
	resp := doRPC(t, r, Request{Method: "workdirCommand", Workdir: "localnet", Params: params})
	assert.Nil(t, resp.Error)

	params, _ = json.Marshal(map[string]string{"command": "false"})
	resp = doRPC(t, r, Request{Method: "workdirCommand", Workdir: "localnet", Params: params})
	require.NotNil(t, resp.Error)
	assert.Equal(t, errdefs.InternalError, resp.Error.Code)
}

func TestMockServerControlAndStats(t *testing.T) {
	r, _, _ := newTestRouter(t)
	params, _ := json.Marshal(map[string]string{"alias": "mock-0", "behavior": "error500"})
	resp := doRPC(t, r, Request{Method: "mockServerControl", Params: params})
	require.Nil(t, resp.Error)

	params, _ = json.Marshal(map[string]string{"alias": "mock-0"})
	resp = doRPC(t, r, Request{Method: "mockServerStats", Params: params})
	require.Nil(t, resp.Error)

	raw, _ := json.Marshal(resp.Result)
	var stats struct {
		Behavior string `json:"behavior"`
	}
	require.NoError(t, json.Unmarshal(raw, &stats))
	assert.Equal(t, "error500", stats.Behavior)
}

func TestResetServerStatsClearsCounters(t *testing.T) {
	r, _, w := newTestRouter(t)
	ts, ok := w.Port.GetByAlias("mock-0")
	require.True(t, ok)
	ts.Stats.RecordFailure(stats.OutcomeFailNetworkDown, false, "boom")

	params, _ := json.Marshal(map[string]string{"alias": "mock-0"})
	resp := doRPC(t, r, Request{Method: "resetServerStats", Workdir: "localnet", Params: params})
	require.Nil(t, resp.Error)
	assert.Equal(t, 0, ts.Stats.Snapshot().ConsecutiveFailures)
}
