// Package controlplane implements the JSON-RPC 2.0 control surface from
// spec.md §4.6/§6: a single Gin POST handler dispatching by method name,
// every response wrapped in a version.Header envelope so pollers can
// detect "nothing changed" before fetching the full object. No JSON-RPC
// library exists anywhere in the retrieved example corpus, so the
// envelope and dispatch are hand-rolled directly over encoding/json and
// gin.Context (see DESIGN.md for this stdlib exception).
package controlplane

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/sbsd-dev/sbsd-daemon/api/v1"
	"github.com/sbsd-dev/sbsd-daemon/internal/admin"
	"github.com/sbsd-dev/sbsd-daemon/internal/linktable"
	"github.com/sbsd-dev/sbsd-daemon/internal/mockserver"
	"github.com/sbsd-dev/sbsd-daemon/internal/stats"
	"github.com/sbsd-dev/sbsd-daemon/internal/version"
	"github.com/sbsd-dev/sbsd-daemon/pkg/errdefs"
)

// Request is the envelope every control-plane call sends.
type Request struct {
	Method     string          `json:"method"`
	Workdir    string          `json:"workdir,omitempty"`
	MethodUUID string          `json:"method_uuid,omitempty"`
	DataUUID   string          `json:"data_uuid,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
}

// Response is the envelope every control-plane call returns.
type Response struct {
	Header version.Header    `json:"header"`
	Result any               `json:"result,omitempty"`
	Error  *errdefs.RPCError `json:"error,omitempty"`
}

// Binding associates one workdir's admin controller with the version
// trackers the control plane polls through.
type Binding struct {
	Workdir       *admin.Workdir
	linksTracker  *version.Tracker[v1.LinksResponse]
	statusTracker *version.Tracker[v1.WorkdirStatusResponse]
}

// NewBinding wraps a workdir controller for control-plane exposure.
func NewBinding(w *admin.Workdir) *Binding {
	return &Binding{
		Workdir:       w,
		linksTracker:  version.NewTracker[v1.LinksResponse]("getLinks", w.Name),
		statusTracker: version.NewTracker[v1.WorkdirStatusResponse]("getWorkdirStatus", w.Name),
	}
}

// Server dispatches control-plane requests across every bound workdir.
type Server struct {
	mu       sync.RWMutex
	bindings map[string]*Binding
	mocks    *mockserver.Registry

	activeWorkdir string
}

// NewServer creates an empty control-plane server.
func NewServer(mocks *mockserver.Registry) *Server {
	return &Server{bindings: make(map[string]*Binding), mocks: mocks}
}

// Bind registers a workdir for control-plane access.
func (s *Server) Bind(b *Binding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings[b.Workdir.Name] = b
	if s.activeWorkdir == "" {
		s.activeWorkdir = b.Workdir.Name
	}
}

func (s *Server) binding(name string) (*Binding, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bindings[name]
	return b, ok
}

// Healthz is the gin handler for the control-plane's liveness route
// (spec.md's control port also answers readiness probes for process
// supervision, which sits outside the §6 method surface but on the same
// listener). It never touches a workdir binding, so it stays up even
// before any workdir has finished its first reload.
func (s *Server) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, v1.DefaultHealthz)
}

// Handle is the gin handler for the control-plane POST endpoint.
func (s *Server) Handle(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, "", errdefs.New(errdefs.InvalidParams, "malformed request: %v", err))
		return
	}

	result, rpcErr := s.dispatch(req)
	if rpcErr != nil {
		writeError(c, req.Method, rpcErr)
		return
	}
	c.JSON(http.StatusOK, Response{Header: version.Header{Method: req.Method}, Result: result})
}

func writeError(c *gin.Context, method string, err *errdefs.RPCError) {
	c.JSON(http.StatusOK, Response{Header: version.Header{Method: method}, Error: err})
}

func (s *Server) dispatch(req Request) (any, *errdefs.RPCError) {
	switch req.Method {
	case "getLinks":
		return s.getLinks(req)
	case "getVersions":
		return s.getVersions(req)
	case "getWorkdirStatus":
		return s.getWorkdirStatus(req)
	case "fsChange":
		return s.fsChange(req)
	case "workdirCommand":
		return s.workdirCommand(req)
	case "setAsuiSelection":
		return s.setAsuiSelection(req)
	case "mockServerControl":
		return s.mockServerControl(req)
	case "mockServerStats":
		return s.mockServerStats(req)
	case "mockServerReset":
		return s.mockServerReset(req)
	case "resetServerStats":
		return s.resetServerStats(req)
	default:
		return nil, errdefs.New(errdefs.InvalidParams, "unknown method %q", req.Method)
	}
}

func (s *Server) requireBinding(workdir string) (*Binding, *errdefs.RPCError) {
	b, ok := s.binding(workdir)
	if !ok {
		return nil, errdefs.New(errdefs.InvalidConfig, "unknown workdir %q", workdir)
	}
	return b, nil
}

type getLinksParams struct {
	Summary bool `json:"summary"`
	Links   bool `json:"links"`
	Debug   bool `json:"debug"`
}

func (s *Server) getLinks(req Request) (any, *errdefs.RPCError) {
	b, rerr := s.requireBinding(req.Workdir)
	if rerr != nil {
		return nil, rerr
	}
	var p getLinksParams
	_ = json.Unmarshal(req.Params, &p)

	port := b.Workdir.Port
	sum := port.Summary()
	resp := v1.LinksResponse{
		Workdir: req.Workdir,
		Summary: v1.Summary{OK: sum.OK, Down: sum.Down, Undetermined: sum.Undetermined},
	}

	if p.Links || !p.Summary {
		resp.Links = buildLinkStats(port, p.Debug)
	}

	versioned := b.linksTracker.Update(resp)
	return versioned, nil
}

func buildLinkStats(port *linktable.InputPort, debug bool) []v1.LinkStats {
	servers := port.TargetServers()
	var totalRequests uint64
	for _, ts := range servers {
		totalRequests += ts.Stats.Snapshot().NRequests
	}

	out := make([]v1.LinkStats, 0, len(servers))
	for _, ts := range servers {
		snap := ts.Stats.Snapshot()
		status := "UNDETERMINED"
		switch {
		case snap.State == stats.StateHealthy:
			status = "OK"
		case snap.State == stats.StateUnhealthy || snap.State == stats.StateDraining:
			status = "DOWN"
		}

		loadPct := 0.0
		if totalRequests > 0 {
			loadPct = 100 * float64(snap.NRequests) / float64(totalRequests)
		}
		successPct := 0.0
		if snap.NRequests > 0 {
			successPct = 100 * float64(snap.NSuccessFirstTry+snap.NSuccessAfterRetry) / float64(snap.NRequests)
		}
		healthPct := (snap.HealthScore + 100) / 2 // map [-100,100] -> [0,100]

		ls := v1.LinkStats{
			Alias:         ts.Config.Alias,
			Status:        status,
			HealthPct:     v1.FormatPct(healthPct),
			HealthPctRaw:  healthPct,
			LoadPct:       v1.FormatPct(loadPct),
			LoadPctRaw:    loadPct,
			RespTime:      v1.FormatRespTime(snap.AvgLatencyMs),
			RespTimeRaw:   snap.AvgLatencyMs,
			SuccessPct:    v1.FormatPct(successPct),
			SuccessPctRaw: successPct,
			Selectable:    ts.Config.Selectable,
			Monitored:     ts.Config.Monitored,
		}
		qps, qpm, rlc := ts.Limit.QPS(), ts.Limit.QPM(), ts.Limit.RateLimitCount()
		ls.QPS, ls.QPM, ls.RateLimitCount = &qps, &qpm, &rlc
		if debug {
			ls.ErrorInfo = snap.ErrorInfo
			ls.MaxPerSecs = ts.Config.MaxPerSecs
			ls.MaxPerMin = ts.Config.MaxPerMin
		}
		out = append(out, ls)
	}
	return out
}

func (s *Server) getVersions(req Request) (any, *errdefs.RPCError) {
	b, rerr := s.requireBinding(req.Workdir)
	if rerr != nil {
		return nil, rerr
	}
	resp := v1.VersionsResponse{Workdir: req.Workdir}
	for _, h := range []version.Header{b.linksTracker.Current(), b.statusTracker.Current()} {
		resp.Versions = append(resp.Versions, v1.VersionHeader{
			Method: h.Method, Key: h.Key, MethodUUID: h.MethodUUID, DataUUID: h.DataUUID,
		})
	}
	return resp, nil
}

func (s *Server) getWorkdirStatus(req Request) (any, *errdefs.RPCError) {
	b, rerr := s.requireBinding(req.Workdir)
	if rerr != nil {
		return nil, rerr
	}
	if !b.statusTracker.MatchesUUIDs(req.MethodUUID, req.DataUUID) {
		return nil, errdefs.New(errdefs.OutdatedUUID, "stale version for getWorkdirStatus(%s)", req.Workdir)
	}

	port := b.Workdir.Port
	sum := port.Summary()
	resp := v1.WorkdirStatusResponse{
		Workdir:          req.Workdir,
		ProxyEnabled:     port.ProxyEnabled,
		UserRequestStart: port.UserRequestStart,
		PortNumber:       port.PortNumber,
		Summary:          v1.Summary{OK: sum.OK, Down: sum.Down, Undetermined: sum.Undetermined},
		Services:         []string{"proxy", "monitor", "probe", "admin"},
	}
	return b.statusTracker.Update(resp), nil
}

func (s *Server) fsChange(req Request) (any, *errdefs.RPCError) {
	b, rerr := s.requireBinding(req.Workdir)
	if rerr != nil {
		return nil, rerr
	}
	if err := b.Workdir.RequestReload(); err != nil {
		return nil, errdefs.New(errdefs.InternalError, "reload failed: %v", err)
	}
	return v1.InfoResponse{Message: "reloaded"}, nil
}

type commandParams struct {
	Command string `json:"command"`
}

func (s *Server) workdirCommand(req Request) (any, *errdefs.RPCError) {
	b, rerr := s.requireBinding(req.Workdir)
	if rerr != nil {
		return nil, rerr
	}
	var p commandParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, errdefs.New(errdefs.InvalidParams, "bad params: %v", err)
	}
	if err := b.Workdir.RequestCommand(p.Command); err != nil {
		return nil, errdefs.New(errdefs.InternalError, "command failed: %v", err)
	}
	return v1.InfoResponse{Message: "ok"}, nil
}

func (s *Server) setAsuiSelection(req Request) (any, *errdefs.RPCError) {
	if _, rerr := s.requireBinding(req.Workdir); rerr != nil {
		return nil, rerr
	}
	s.mu.Lock()
	s.activeWorkdir = req.Workdir
	s.mu.Unlock()
	return v1.InfoResponse{Message: fmt.Sprintf("active workdir set to %s", req.Workdir)}, nil
}

type mockAliasParams struct {
	Alias    string `json:"alias"`
	Behavior string `json:"behavior"`
}

func (s *Server) mockServerControl(req Request) (any, *errdefs.RPCError) {
	var p mockAliasParams
	if err := json.Unmarshal(req.Params, &p); err != nil || p.Alias == "" {
		return nil, errdefs.New(errdefs.InvalidParams, "alias and behavior required")
	}
	m := s.mocks.GetOrCreate(p.Alias)
	m.SetBehavior(mockserver.Behavior(p.Behavior))
	return v1.InfoResponse{Message: "behavior updated"}, nil
}

func (s *Server) mockServerStats(req Request) (any, *errdefs.RPCError) {
	var p mockAliasParams
	if err := json.Unmarshal(req.Params, &p); err != nil || p.Alias == "" {
		return nil, errdefs.New(errdefs.InvalidParams, "alias required")
	}
	m, ok := s.mocks.Get(p.Alias)
	if !ok {
		return nil, errdefs.New(errdefs.RemoteHostDoesNotExist, "no mock server for alias %q", p.Alias)
	}
	snap := m.Snapshot()
	return v1.MockServerStatsResponse{
		Alias: snap.Alias, Behavior: string(snap.Behavior),
		RequestCount: snap.RequestCount, BehaviorChanges: snap.BehaviorChanges,
	}, nil
}

func (s *Server) mockServerReset(req Request) (any, *errdefs.RPCError) {
	var p mockAliasParams
	if err := json.Unmarshal(req.Params, &p); err != nil || p.Alias == "" {
		return nil, errdefs.New(errdefs.InvalidParams, "alias required")
	}
	m, ok := s.mocks.Get(p.Alias)
	if !ok {
		return nil, errdefs.New(errdefs.RemoteHostDoesNotExist, "no mock server for alias %q", p.Alias)
	}
	m.Reset()
	return v1.InfoResponse{Message: "reset"}, nil
}

func (s *Server) resetServerStats(req Request) (any, *errdefs.RPCError) {
	b, rerr := s.requireBinding(req.Workdir)
	if rerr != nil {
		return nil, rerr
	}
	var p mockAliasParams
	if err := json.Unmarshal(req.Params, &p); err != nil || p.Alias == "" {
		return nil, errdefs.New(errdefs.InvalidParams, "alias required")
	}
	ts, ok := b.Workdir.Port.GetByAlias(p.Alias)
	if !ok {
		return nil, errdefs.New(errdefs.RemoteHostDoesNotExist, "no link with alias %q", p.Alias)
	}
	ts.Stats.Clear()
	return v1.InfoResponse{Message: "stats cleared"}, nil
}
