package v1

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sbsd-dev/sbsd-daemon/api/v1"
)

// defaultMaxAttempts bounds BlockUntilServerReady's total wait to roughly
// cmd/sbsd-daemon/run.go's shutdownDrain (30s) at the default
// checkInterval (probe.UnhealthyInterval, 3s): a supervisor that hasn't
// seen the daemon come up within one drain window's worth of polling
// should stop waiting and treat the start as failed.
const defaultMaxAttempts = 10

// CheckHealthz makes a single liveness check against addr's control-plane
// listener, comparing the response byte-for-byte against
// v1.DefaultHealthz rather than only checking the HTTP status, so an
// unrelated service answering the same port is not mistaken for the
// daemon.
func CheckHealthz(ctx context.Context, addr string, opts ...OpOption) error {
	op := &Op{}
	op.applyOpts(opts)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/healthz", addr), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	exp, err := v1.DefaultHealthz.JSON()
	if err != nil {
		return fmt.Errorf("failed to marshal expected healthz response: %w", err)
	}

	return checkHealthz(op.httpClient, req, exp)
}

func checkHealthz(cli *http.Client, req *http.Request, exp []byte) error {
	resp, err := cli.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request to /healthz: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server not ready, response not 200")
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read healthz response: %w", err)
	}

	if !bytes.Equal(b, exp) {
		return fmt.Errorf("unexpected healthz response: %s", string(b))
	}

	return nil
}

// BlockUntilServerReady polls /healthz every checkInterval until it
// succeeds, ctx is canceled, or maxAttempts is exhausted. Used by the
// process supervisor right after spawning the daemon and by integration
// tests that need every selected network's listener up before sending
// traffic.
func BlockUntilServerReady(ctx context.Context, addr string, opts ...OpOption) error {
	op := &Op{}
	op.applyOpts(opts)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/healthz", addr), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	exp, err := v1.DefaultHealthz.JSON()
	if err != nil {
		return fmt.Errorf("failed to marshal expected healthz response: %w", err)
	}

	ticker := time.NewTicker(op.checkInterval)
	defer ticker.Stop()
	for i := 0; i < op.maxAttempts; i++ {
		select {
		case <-ticker.C:
			if err := checkHealthz(op.httpClient, req, exp); err == nil {
				return nil
			}
		case <-ctx.Done():
			return fmt.Errorf("context done: %w", ctx.Err())
		}
	}
	return errors.New("server not ready, timeout waiting")
}
