package upstream

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"openai-proxy-go/internal/metrics"
)

// ErrTransport marks failures to obtain any response from the upstream
// (connect, TLS, timeout, forward proxy refusal).
var ErrTransport = errors.New("upstream transport failure")

// Forwarder sends rewritten requests through the selected Client.
type Forwarder struct {
	client  Client
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewForwarder creates a Forwarder. The metrics parameter is optional; pass
// nil to disable upstream metrics recording.
func NewForwarder(c Client, logger *slog.Logger, m *metrics.Metrics) *Forwarder {
	return &Forwarder{
		client:  c,
		logger:  logger.With("component", "upstream"),
		metrics: m,
	}
}

// Client returns the client chosen at startup.
func (f *Forwarder) Client() Client { return f.client }

// Forward dispatches req and returns the raw upstream response. The caller
// is responsible for closing the response body. Transport failures are
// wrapped with ErrTransport.
func (f *Forwarder) Forward(req *http.Request) (*http.Response, error) {
	uri := req.URL.String()
	mode := f.client.Mode()

	var hc *http.Client
	switch c := f.client.(type) {
	case *Direct:
		hc = c.http
		f.logger.Debug("using upstream client", "mode", mode)
	case *ViaForwardProxy:
		hc = c.http
		f.logger.Debug("using upstream client", "mode", mode, "proxy", c.Proxy())
	default:
		return nil, fmt.Errorf("%w: unknown client %T", ErrTransport, c)
	}

	start := time.Now()
	resp, err := hc.Do(req) //nolint:bodyclose // body ownership transfers to caller
	elapsed := time.Since(start)

	method := metrics.NormalizeMethod(req.Method)
	if f.metrics != nil {
		f.metrics.UpstreamDuration.WithLabelValues(method, mode).Observe(elapsed.Seconds())
	}

	if err != nil {
		if f.metrics != nil {
			f.metrics.UpstreamFailures.WithLabelValues(mode).Inc()
		}
		f.logger.Warn("upstream request failed",
			"uri", uri,
			"duration_ms", elapsed.Milliseconds(),
			"err", err,
		)
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	if f.metrics != nil {
		f.metrics.UpstreamResponses.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
	}
	f.logger.Info("upstream request",
		"uri", uri,
		"status", resp.StatusCode,
		"duration_ms", elapsed.Milliseconds(),
	)
	return resp, nil
}
