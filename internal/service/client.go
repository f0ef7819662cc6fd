package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/zwy923/mailsift/config"
	"github.com/zwy923/mailsift/pkg/circuitbreaker"
	"github.com/zwy923/mailsift/pkg/faults"
	"github.com/zwy923/mailsift/pkg/metrics"
	"github.com/zwy923/mailsift/pkg/trace"
)

// baseClient is the shared transport for the sidecar model services. Every
// call goes through a per-client circuit breaker so a dead service fails
// fast instead of stalling the whole run.
type baseClient struct {
	name       string
	baseURL    string
	httpClient *http.Client
	cb         *circuitbreaker.CircuitBreaker
}

func newBaseClient(name string, ep config.ServiceEndpoint) *baseClient {
	timeout := time.Duration(ep.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &baseClient{
		name:    name,
		baseURL: ep.URL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		cb: circuitbreaker.NewCircuitBreaker(circuitbreaker.Config{
			FailureThreshold:    3,
			SuccessThreshold:    2,
			Timeout:             30 * time.Second,
			HalfOpenMaxRequests: 2,
		}),
	}
}

// postJSON posts in, decodes the 200 response into out, and classifies
// failures: transport errors, 5xx, and an open breaker are transient;
// any other non-200 is permanent.
func (c *baseClient) postJSON(ctx context.Context, path string, in, out any) error {
	err := c.cb.Execute(func() error {
		start := time.Now()
		b, marshalErr := json.Marshal(in)
		if marshalErr != nil {
			return faults.Permanent(marshalErr)
		}

		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
		if reqErr != nil {
			return faults.Permanent(reqErr)
		}
		req.Header.Set("Content-Type", "application/json")
		if traceID := trace.FromContext(ctx); traceID != "" {
			req.Header.Set(trace.HeaderName(), traceID)
		}

		resp, doErr := c.httpClient.Do(req)
		latency := time.Since(start)
		if doErr != nil {
			metrics.RecordExternalCallLatency(c.name, "error", latency)
			return faults.Transient(doErr)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			metrics.RecordExternalCallLatency(c.name, "5xx", latency)
			return faults.Transientf("%s %s: status %d", c.name, path, resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			metrics.RecordExternalCallLatency(c.name, fmt.Sprintf("%d", resp.StatusCode), latency)
			return faults.Permanentf("%s %s: status %d", c.name, path, resp.StatusCode)
		}

		metrics.RecordExternalCallLatency(c.name, "success", latency)
		if out == nil {
			return nil
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(out); decodeErr != nil {
			return faults.Permanentf("%s %s: decode: %v", c.name, path, decodeErr)
		}
		return nil
	})
	if err == circuitbreaker.ErrCircuitBreakerOpen {
		return faults.Transient(err)
	}
	return err
}
