// Package proxy implements the forwarding request handler from spec.md
// §4.1: validate preconditions, pick an ordered candidate list, replay the
// body across up to MaxRetries attempts with rate-limiting and response
// classification, and report every attempt's outcome to the network
// monitor without ever taking a write lock itself.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sbsd-dev/sbsd-daemon/internal/linktable"
	"github.com/sbsd-dev/sbsd-daemon/internal/monitor"
	"github.com/sbsd-dev/sbsd-daemon/internal/stats"
	"github.com/sbsd-dev/sbsd-daemon/pkg/log"
)

// MaxRetries bounds the total number of upstream attempts per client
// request across all candidates (spec.md §4.1).
const MaxRetries = 4

// attemptTimeout bounds a single upstream call.
const attemptTimeout = 10 * time.Second

// retrySleep is the pause between a retryable notExists failure and the
// next candidate attempt.
const retrySleep = 1 * time.Second

// HeaderForceIdx pins candidate selection to a specific link index,
// bypassing the selection engine (still counted against that link).
const HeaderForceIdx = "X-SBSD-SERVER-IDX"

// HeaderHealthCheck marks a request as a controlled probe; its stats are
// routed to the probe counters instead of user traffic.
const HeaderHealthCheck = "X-SBSD-SERVER-HC"

// retryableMethods is the set of JSON-RPC methods whose `result.error.code
// == "notExists"` response is eligible for a same-request retry on a
// different link (spec.md §4.1 Retryable-notExists set).
var retryableMethods = map[string]bool{
	"suix_getDynamicFieldObject": true,
	"suix_getDynamicFields":      true,
	"suix_getOwnedObjects":       true,
	"sui_getObject":              true,
	"sui_tryGetPastObject":       true,
}

const methodGetEvents = "sui_getEvents"

// Handler is the per-network forwarding proxy.
type Handler struct {
	Port   *linktable.InputPort
	Bus    *monitor.Bus
	client *http.Client
}

// NewHandler creates a Handler for one network's InputPort.
func NewHandler(port *linktable.InputPort, bus *monitor.Bus) *Handler {
	return &Handler{
		Port: port,
		Bus:  bus,
		client: &http.Client{
			Timeout: attemptTimeout,
		},
	}
}

// classification is the precondition/terminal failure taxonomy of
// spec.md §7, reported in logs and (for the precondition cases) as the
// sole content of the error response body.
type classification string

const (
	classConfigDisabled     classification = "CONFIG_DISABLED"
	classNotStarted         classification = "NOT_STARTED"
	classBodyRead           classification = "BODY_READ"
	classNoServerAvailable  classification = "NO_SERVER_AVAILABLE"
	classNoServerResponding classification = "NO_SERVER_RESPONDING"
	classBadRequestHTTP     classification = "BAD_REQUEST_HTTP"
	classRespBytesRx        classification = "RESP_BYTES_RX"
)

func fail(c *gin.Context, status int, class classification) {
	c.JSON(status, gin.H{"error": string(class)})
}

// Handle is the gin handler registered for every method/path on the
// network's listener.
func (h *Handler) Handle(c *gin.Context) {
	if !h.Port.ProxyEnabled {
		fail(c, http.StatusServiceUnavailable, classConfigDisabled)
		return
	}
	if !h.Port.UserRequestStart {
		fail(c, http.StatusServiceUnavailable, classNotStarted)
		return
	}

	isProbe := c.GetHeader(HeaderHealthCheck) != ""

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		log.Logger.Warnw("proxy body read failed", "error", err)
		fail(c, http.StatusInternalServerError, classBodyRead)
		return
	}

	candidates := h.candidates(c)
	if len(candidates) == 0 {
		h.Bus.Post(monitor.ReportFailed(h.Port, string(classNoServerAvailable)))
		fail(c, http.StatusServiceUnavailable, classNoServerAvailable)
		return
	}

	method := requestMethod(body)
	headers := forwardHeaders(c.Request.Header)

	attempts := 0
	for i, idx := range candidates {
		if attempts >= MaxRetries {
			break
		}
		ts, ok := h.Port.Get(idx)
		if !ok {
			continue
		}
		attempts++
		retryCount := i

		if !ts.Limit.TryAcquire() {
			// Rate-limit denial never touches user-traffic stats or link
			// health (spec.md §4.1a, §8 boundary behavior); only the
			// limiter's own rejection counter, already bumped by TryAcquire.
			continue
		}

		hasMore := i+1 < len(candidates) && attempts < MaxRetries

		resp, latency, retryable, done := h.attempt(c.Request.Context(), ts, body, headers, method, isProbe, retryCount, hasMore)
		if done {
			writeResponse(c, resp)
			return
		}
		if retryable {
			time.Sleep(retrySleep)
		}
	}

	h.Bus.Post(monitor.ReportFailed(h.Port, string(classNoServerResponding)))
	fail(c, http.StatusBadGateway, classNoServerResponding)
}

// attemptResult is returned from an upstream call for the client.
type attemptResult struct {
	status int
	body   []byte
	header http.Header
}

// attempt issues one upstream call and classifies the outcome. done is
// true when the client response is final (success, bad-request terminal,
// or a non-retryable/exhausted error with injected data). retryable is
// true only when the caller should sleep and try the next candidate.
func (h *Handler) attempt(ctx context.Context, ts *linktable.TargetServer, body []byte, headers http.Header, method string, isProbe bool, retryCount int, hasMore bool) (result attemptResult, latency time.Duration, retryable bool, done bool) {
	reqCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, ts.Config.RPCURL, bytes.NewReader(body))
	if err != nil {
		h.Bus.Post(monitor.ReportErr(h.Port, ts.Index, stats.OutcomeFailOther, isProbe, err.Error(), true))
		return attemptResult{}, 0, false, false
	}
	req.Header = headers.Clone()

	start := time.Now()
	resp, err := h.client.Do(req)
	latency = time.Since(start)
	if err != nil {
		h.Bus.Post(monitor.ReportErr(h.Port, ts.Index, stats.OutcomeFailNetworkDown, isProbe, err.Error(), true))
		return attemptResult{}, latency, false, false
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusUnsupportedMediaType {
		respBody, _ := io.ReadAll(resp.Body)
		h.Bus.Post(monitor.ReportErr(h.Port, ts.Index, stats.OutcomeFailBadRequest, isProbe, fmt.Sprintf("http %d", resp.StatusCode), false))
		return attemptResult{status: resp.StatusCode, body: respBody, header: resp.Header}, latency, false, true
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		h.Bus.Post(monitor.ReportErr(h.Port, ts.Index, stats.OutcomeFailNetworkDown, isProbe, fmt.Sprintf("http %d", resp.StatusCode), true))
		return attemptResult{}, latency, false, false
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		h.Bus.Post(monitor.ReportErr(h.Port, ts.Index, stats.OutcomeFailOther, isProbe, err.Error(), false))
		return attemptResult{status: http.StatusInternalServerError, body: []byte(`{"error":"RESP_BYTES_RX"}`)}, latency, false, true
	}

	if !bytes.Contains(respBody, []byte(`"error":`)) {
		h.Bus.Post(monitor.ReportOK(h.Port, ts.Index, latency, retryCount, isProbe))
		return attemptResult{status: resp.StatusCode, body: respBody, header: resp.Header}, latency, false, true
	}

	if hasMore && isRetryableNotExists(respBody, method) {
		h.Bus.Post(monitor.ReportErr(h.Port, ts.Index, stats.OutcomeFailOther, isProbe, "retryable notExists", false))
		return attemptResult{}, latency, true, false
	}

	respBody = injectDataIfMissing(respBody, ts.Config.RPCURL, retryCount)
	h.Bus.Post(monitor.ReportOK(h.Port, ts.Index, latency, retryCount, isProbe))
	return attemptResult{status: resp.StatusCode, body: respBody, header: resp.Header}, latency, false, true
}

func writeResponse(c *gin.Context, r attemptResult) {
	for k, vv := range r.header {
		for _, v := range vv {
			c.Header(k, v)
		}
	}
	status := r.status
	if status == 0 {
		status = http.StatusOK
	}
	c.Data(status, "application/json", r.body)
}

// candidates resolves the ordered list of link indices to try: a forced
// pin from the request header, or the selection engine's current vectors.
func (h *Handler) candidates(c *gin.Context) []uint8 {
	if raw := c.GetHeader(HeaderForceIdx); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 8)
		if err != nil {
			return nil
		}
		if _, ok := h.Port.Get(uint8(n)); !ok {
			return nil
		}
		return []uint8{uint8(n)}
	}
	return h.Port.CandidateOrder()
}

// forwardHeaders copies the inbound headers minus Host and the two
// custom control headers this proxy consumes.
func forwardHeaders(in http.Header) http.Header {
	out := make(http.Header, len(in))
	for k, vv := range in {
		switch strings.ToLower(k) {
		case "host", strings.ToLower(HeaderForceIdx), strings.ToLower(HeaderHealthCheck):
			continue
		}
		out[k] = append([]string(nil), vv...)
	}
	return out
}

func requestMethod(body []byte) string {
	var req struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return ""
	}
	return req.Method
}

// isRetryableNotExists implements spec.md §4.1's retryable-notExists set.
func isRetryableNotExists(respBody []byte, method string) bool {
	var parsed struct {
		Error *struct {
			Message string          `json:"message"`
			Code    json.RawMessage `json:"code"`
		} `json:"error"`
		Result struct {
			Error *struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		} `json:"result"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return false
	}

	if retryableMethods[method] {
		if parsed.Result.Error != nil && parsed.Result.Error.Code == "notExists" {
			return true
		}
	}
	if method == methodGetEvents && parsed.Error != nil {
		msg := parsed.Error.Message
		if strings.Contains(msg, "not find") || strings.Contains(msg, "otExists") {
			return true
		}
	}
	return false
}

// injectDataIfMissing adds data = {origin, retry} to a JSON-RPC error
// object, top-level or nested under result, that lacks one (spec.md §4.1h,
// §6 Response annotation).
func injectDataIfMissing(respBody []byte, origin string, retryCount int) []byte {
	var generic map[string]any
	if err := json.Unmarshal(respBody, &generic); err != nil {
		return respBody
	}
	errObj, ok := generic["error"].(map[string]any)
	result, _ := generic["result"].(map[string]any)
	if !ok && result != nil {
		errObj, ok = result["error"].(map[string]any)
	}
	if !ok {
		return respBody
	}
	if _, hasData := errObj["data"]; hasData {
		return respBody
	}
	errObj["data"] = map[string]any{"origin": origin, "retry": retryCount}
	out, err := json.Marshal(generic)
	if err != nil {
		return respBody
	}
	return out
}
