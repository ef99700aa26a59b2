package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openai-proxy-go/internal/metrics"
)

func TestForwarder_Forward(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	m := metrics.New("/openai/")
	f := NewForwarder(NewDirect(srv.Client()), discardLogger(), m)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/echo", strings.NewReader(`{"a":1}`))
	require.NoError(t, err)

	resp, err := f.Forward(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(body))

	families, err := m.Registry.Gather()
	require.NoError(t, err)
	var found bool
	for _, fam := range families {
		if fam.GetName() == "openai_proxy_upstream_responses_total" {
			found = true
		}
	}
	assert.True(t, found, "expected openai_proxy_upstream_responses_total")
}

func TestForwarder_TransportFailure(t *testing.T) {
	m := metrics.New("/openai/")
	f := NewForwarder(NewDirect(&http.Client{Timeout: time.Second}), discardLogger(), m)

	req, err := http.NewRequest(http.MethodGet, "http://127.0.0.1:1/unreachable", http.NoBody)
	require.NoError(t, err)

	_, err = f.Forward(req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransport), "err = %v, want ErrTransport", err)

	families, err := m.Registry.Gather()
	require.NoError(t, err)
	var failures float64
	for _, fam := range families {
		if fam.GetName() == "openai_proxy_upstream_failures_total" {
			for _, metric := range fam.GetMetric() {
				failures += metric.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, float64(1), failures)
}

func TestForwarder_CanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	f := NewForwarder(NewDirect(srv.Client()), discardLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/slow", http.NoBody)
	require.NoError(t, err)

	_, err = f.Forward(req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled), "err = %v, want context.Canceled", err)
}

func TestForwarder_DurationLabelledByMode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	m := metrics.New("/openai/")
	proxyURL, err := url.Parse("http://proxy.internal:3128")
	require.NoError(t, err)

	clients := []Client{
		NewDirect(srv.Client()),
		NewViaForwardProxy(proxyURL, srv.Client()),
	}
	for _, c := range clients {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/chat/completions", http.NoBody)
		require.NoError(t, err)
		resp, err := NewForwarder(c, discardLogger(), m).Forward(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
	}

	families, err := m.Registry.Gather()
	require.NoError(t, err)
	samples := make(map[string]uint64)
	for _, fam := range families {
		if fam.GetName() != "openai_proxy_upstream_request_duration_seconds" {
			continue
		}
		for _, metric := range fam.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			samples[labels["method"]+" "+labels["mode"]] = metric.GetHistogram().GetSampleCount()
		}
	}
	assert.Equal(t, map[string]uint64{
		"POST " + ModeDirect:       1,
		"POST " + ModeForwardProxy: 1,
	}, samples)
}
