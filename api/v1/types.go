// Package v1 holds the wire-level response types served by the control
// plane (spec.md §6), each ultimately wrapped in version.Versioned[T].
package v1

import (
	"encoding/json"
	"fmt"
)

// LinkStats is one link's row in a getLinks response. Percent and
// latency fields are reported twice — a human-formatted string for
// display clients and a raw float for programmatic ones — following the
// dual formatted/raw field convention of the system this was distilled
// from, since API consumers in the wild read both forms.
type LinkStats struct {
	Alias  string `json:"alias"`
	Status string `json:"status"` // "OK", "DOWN", or "UNDETERMINED"

	HealthPct    string  `json:"health_pct"`
	HealthPctRaw float64 `json:"health_pct_raw"`

	LoadPct    string  `json:"load_pct"`
	LoadPctRaw float64 `json:"load_pct_raw"`

	RespTime    string  `json:"resp_time"`
	RespTimeRaw float64 `json:"resp_time_raw_ms"`

	SuccessPct    string  `json:"success_pct"`
	SuccessPctRaw float64 `json:"success_pct_raw"`

	Selectable bool `json:"selectable"`
	Monitored  bool `json:"monitored"`

	QPS            *uint32 `json:"qps,omitempty"`
	QPM            *uint32 `json:"qpm,omitempty"`
	RateLimitCount *uint64 `json:"rate_limit_count,omitempty"`

	// Debug-only fields, populated when getLinks is called with debug=true.
	ErrorInfo  string `json:"error_info,omitempty"`
	MaxPerSecs *int   `json:"max_per_secs,omitempty"`
	MaxPerMin  *int   `json:"max_per_min,omitempty"`
}

// FormatPct renders a [0,100] percentage with two decimal digits, the
// display convention getLinks uses for health_pct/load_pct/success_pct.
func FormatPct(v float64) string {
	return fmt.Sprintf("%.2f", v)
}

// FormatRespTime renders a millisecond latency with one decimal digit.
func FormatRespTime(ms float64) string {
	return fmt.Sprintf("%.1fms", ms)
}

// Summary buckets links by health for the multi-link status view,
// keeping "never determined" distinct from "down" (spec.md §3).
type Summary struct {
	OK           int `json:"ok"`
	Down         int `json:"down"`
	Undetermined int `json:"undetermined"`
}

// LinksResponse is the data payload of getLinks.
type LinksResponse struct {
	Workdir string      `json:"workdir"`
	Summary Summary     `json:"summary"`
	Links   []LinkStats `json:"links,omitempty"`
}

// VersionHeader is one entry of a getVersions response: the envelope
// header without its data, so a poller can cheaply scan for changes.
type VersionHeader struct {
	Method     string `json:"method"`
	Key        string `json:"key,omitempty"`
	MethodUUID string `json:"method_uuid"`
	DataUUID   string `json:"data_uuid"`
}

// VersionsResponse is the data payload of getVersions.
type VersionsResponse struct {
	Workdir  string          `json:"workdir"`
	Versions []VersionHeader `json:"versions"`
}

// WorkdirStatusResponse is the data payload of getWorkdirStatus.
type WorkdirStatusResponse struct {
	Workdir          string   `json:"workdir"`
	ProxyEnabled     bool     `json:"proxy_enabled"`
	UserRequestStart bool     `json:"user_request_start"`
	PortNumber       uint16   `json:"port_number"`
	Summary          Summary  `json:"summary"`
	Services         []string `json:"services"`
}

// InfoResponse is a generic acknowledgement payload (fsChange,
// workdirCommand, setAsuiSelection).
type InfoResponse struct {
	Message string `json:"message"`
}

// MockServerStatsResponse is the data payload of mockServerStats.
type MockServerStatsResponse struct {
	Alias           string `json:"alias"`
	Behavior        string `json:"behavior"`
	RequestCount    int    `json:"request_count"`
	BehaviorChanges int    `json:"behavior_changes"`
}

// Healthz is the liveness payload served at /healthz on the control-plane
// listener, independent of the `/rpc` envelope: process supervisors and
// the bundled client poll this route directly, without going through the
// JSON-RPC dispatch, to decide whether the daemon has finished starting.
type Healthz struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// DefaultHealthz is the exact payload a healthy daemon serves; clients
// compare their response byte-for-byte against this value rather than
// merely checking the HTTP status, catching a daemon that answers on the
// port but is still some unrelated service.
var DefaultHealthz = Healthz{Status: "ok", Version: "v1"}

// JSON returns the canonical encoding of h.
func (h Healthz) JSON() ([]byte, error) {
	return json.Marshal(h)
}
