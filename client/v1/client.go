// Package v1 is a thin HTTP client for the control plane's JSON-RPC
// surface (internal/controlplane), built the way the teacher's own
// client/v1 package builds its REST client: a functional-options Op,
// a default *http.Client built for each call, and one exported function per
// remote call.
package v1

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sbsd-dev/sbsd-daemon/api/v1"
	"github.com/sbsd-dev/sbsd-daemon/internal/controlplane"
	"github.com/sbsd-dev/sbsd-daemon/internal/probe"
	"github.com/sbsd-dev/sbsd-daemon/internal/version"
	"github.com/sbsd-dev/sbsd-daemon/pkg/errdefs"
)

// Op holds the per-call options assembled from OpOption values. The same
// Op backs both the JSON-RPC calls below and the liveness helpers in
// healthz.go. The JSON-RPC calls build a fresh default *http.Client per
// call; only the liveness helpers use httpClient.
type Op struct {
	timeout       time.Duration
	httpClient    *http.Client
	checkInterval time.Duration
	maxAttempts   int
}

// OpOption mutates an Op.
type OpOption func(*Op)

func (op *Op) applyOpts(opts []OpOption) {
	for _, opt := range opts {
		opt(op)
	}
	if op.timeout == 0 {
		op.timeout = 10 * time.Second
	}
	if op.httpClient == nil {
		op.httpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		}
	}
	// defaultCheckInterval/defaultMaxAttempts (healthz.go) mirror this
	// daemon's own probe cadence and shutdown drain window rather than
	// the arbitrary 1s/30-attempt pair the teacher's client hard-codes.
	if op.checkInterval == 0 {
		op.checkInterval = probe.UnhealthyInterval
	}
	if op.maxAttempts == 0 {
		op.maxAttempts = defaultMaxAttempts
	}
}

// WithTimeout overrides the default per-call timeout used by the JSON-RPC
// helpers below.
func WithTimeout(d time.Duration) OpOption {
	return func(op *Op) { op.timeout = d }
}

// WithHTTPClient overrides the HTTP client used by the liveness helpers in
// healthz.go (e.g. to point at a TLS-terminating reverse proxy in front of
// the control-plane listener).
func WithHTTPClient(cli *http.Client) OpOption {
	return func(op *Op) { op.httpClient = cli }
}

// WithCheckInterval overrides the polling interval BlockUntilServerReady
// uses between liveness attempts.
func WithCheckInterval(interval time.Duration) OpOption {
	return func(op *Op) { op.checkInterval = interval }
}

func createDefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

// call POSTs req to addr's control-plane endpoint and decodes the result
// payload into out (out may be nil when the caller doesn't need the
// result, e.g. a plain acknowledgement).
func call(ctx context.Context, addr string, req controlplane.Request, out any, opts ...OpOption) (version.Header, error) {
	op := &Op{}
	op.applyOpts(opts)

	body, err := json.Marshal(req)
	if err != nil {
		return version.Header{}, fmt.Errorf("client: encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, op.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/rpc", addr), bytes.NewReader(body))
	if err != nil {
		return version.Header{}, fmt.Errorf("client: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := createDefaultHTTPClient().Do(httpReq)
	if err != nil {
		return version.Header{}, fmt.Errorf("client: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return version.Header{}, fmt.Errorf("client: unexpected status %d", resp.StatusCode)
	}

	var cpResp controlplane.Response
	if err := json.NewDecoder(resp.Body).Decode(&cpResp); err != nil {
		return version.Header{}, fmt.Errorf("client: decode response: %w", err)
	}
	if cpResp.Error != nil {
		return cpResp.Header, &errdefs.RPCError{Code: cpResp.Error.Code, Message: cpResp.Error.Message}
	}
	if out == nil || cpResp.Result == nil {
		return cpResp.Header, nil
	}

	raw, err := json.Marshal(cpResp.Result)
	if err != nil {
		return cpResp.Header, fmt.Errorf("client: re-encode result: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return cpResp.Header, fmt.Errorf("client: decode result: %w", err)
	}
	return cpResp.Header, nil
}

// GetLinks fetches the getLinks view for workdir.
func GetLinks(ctx context.Context, addr, workdir string, opts ...OpOption) (v1.LinksResponse, error) {
	var out version.Versioned[v1.LinksResponse]
	_, err := call(ctx, addr, controlplane.Request{Method: "getLinks", Workdir: workdir}, &out, opts...)
	return out.Data, err
}

// GetVersions fetches the current version headers for workdir.
func GetVersions(ctx context.Context, addr, workdir string, opts ...OpOption) (v1.VersionsResponse, error) {
	var out v1.VersionsResponse
	_, err := call(ctx, addr, controlplane.Request{Method: "getVersions", Workdir: workdir}, &out, opts...)
	return out, err
}

// GetWorkdirStatus fetches workdir status, passing the last-seen version
// UUIDs so the caller can detect an OutdatedUUID rejection and re-poll
// getVersions.
func GetWorkdirStatus(ctx context.Context, addr, workdir, methodUUID, dataUUID string, opts ...OpOption) (v1.WorkdirStatusResponse, error) {
	var out version.Versioned[v1.WorkdirStatusResponse]
	_, err := call(ctx, addr, controlplane.Request{
		Method: "getWorkdirStatus", Workdir: workdir, MethodUUID: methodUUID, DataUUID: dataUUID,
	}, &out, opts...)
	return out.Data, err
}

// FsChange notifies the daemon that a workdir's configuration files
// changed, triggering a reload.
func FsChange(ctx context.Context, addr, workdir string, opts ...OpOption) error {
	_, err := call(ctx, addr, controlplane.Request{Method: "fsChange", Workdir: workdir}, nil, opts...)
	return err
}

// WorkdirCommand runs an administrative shell command against workdir.
func WorkdirCommand(ctx context.Context, addr, workdir, command string, opts ...OpOption) error {
	params, _ := json.Marshal(map[string]string{"command": command})
	_, err := call(ctx, addr, controlplane.Request{Method: "workdirCommand", Workdir: workdir, Params: params}, nil, opts...)
	return err
}

// SetAsuiSelection marks workdir as the active workdir for asui-style
// single-network tooling.
func SetAsuiSelection(ctx context.Context, addr, workdir string, opts ...OpOption) error {
	_, err := call(ctx, addr, controlplane.Request{Method: "setAsuiSelection", Workdir: workdir}, nil, opts...)
	return err
}

// MockServerControl scripts a mock upstream's behavior (test-only).
func MockServerControl(ctx context.Context, addr, alias, behavior string, opts ...OpOption) error {
	params, _ := json.Marshal(map[string]string{"alias": alias, "behavior": behavior})
	_, err := call(ctx, addr, controlplane.Request{Method: "mockServerControl", Params: params}, nil, opts...)
	return err
}

// MockServerStats fetches a mock upstream's traffic counters (test-only).
func MockServerStats(ctx context.Context, addr, alias string, opts ...OpOption) (v1.MockServerStatsResponse, error) {
	params, _ := json.Marshal(map[string]string{"alias": alias})
	var out v1.MockServerStatsResponse
	_, err := call(ctx, addr, controlplane.Request{Method: "mockServerStats", Params: params}, &out, opts...)
	return out, err
}

// MockServerReset clears a mock upstream's traffic counters (test-only).
func MockServerReset(ctx context.Context, addr, alias string, opts ...OpOption) error {
	params, _ := json.Marshal(map[string]string{"alias": alias})
	_, err := call(ctx, addr, controlplane.Request{Method: "mockServerReset", Params: params}, nil, opts...)
	return err
}

// ResetServerStats clears the accumulated health/latency stats for one
// link, without affecting its mock behavior script (test-only).
func ResetServerStats(ctx context.Context, addr, workdir, alias string, opts ...OpOption) error {
	params, _ := json.Marshal(map[string]string{"alias": alias})
	_, err := call(ctx, addr, controlplane.Request{Method: "resetServerStats", Workdir: workdir, Params: params}, nil, opts...)
	return err
}
