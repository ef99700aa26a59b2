// Package service implements the request forwarding pipeline: rewrite the
// accepted request, forward it, and buffer the upstream response.
package service

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"unicode/utf8"

	"github.com/dustin/go-humanize"

	"openai-proxy-go/internal/config"
	"openai-proxy-go/internal/metrics"
	"openai-proxy-go/internal/model"
	"openai-proxy-go/internal/upstream"
)

var (
	// ErrReadBody is returned when the caller's body cannot be read in full.
	ErrReadBody = errors.New("read request body")
	// ErrBodyNotUTF8 is returned when a body to be logged is not UTF-8 text
	// and binary bodies are not allowed.
	ErrBodyNotUTF8 = errors.New("body is not valid UTF-8")
	// ErrBuildURI is returned when the rewritten upstream URI does not parse.
	ErrBuildURI = errors.New("build upstream URI")
	// ErrDecode is returned when a Content-Encoding cannot be undone.
	ErrDecode = errors.New("decode response body")
	// ErrUnsupportedEncoding marks encodings the proxy cannot decode for logging.
	ErrUnsupportedEncoding = errors.New("unsupported content encoding")
	// ErrResponseTooLarge is returned when the upstream body exceeds
	// upstream.max_response_bytes.
	ErrResponseTooLarge = errors.New("upstream response too large")
)

// ProxyService runs accepted requests through the pipeline.
type ProxyService struct {
	forwarder    *upstream.Forwarder
	logger       *slog.Logger
	metrics      *metrics.Metrics
	baseURL      *url.URL
	prefix       string
	maxResponse  int64
	binaryBodies bool
}

// NewProxyService creates a ProxyService. The metrics parameter is optional.
func NewProxyService(f *upstream.Forwarder, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*ProxyService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	return &ProxyService{
		forwarder:    f,
		logger:       logger.With("component", "proxy_service"),
		metrics:      m,
		baseURL:      u,
		prefix:       cfg.Server.RoutePrefix,
		maxResponse:  cfg.Upstream.MaxResponseBytes,
		binaryBodies: cfg.Log.BinaryBodies,
	}, nil
}

// Forward rewrites pr for the upstream, sends it, and returns the fully
// buffered response. Every failure is returned as an error; nothing panics.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	upstreamURL, err := BuildUpstreamURL(s.baseURL, StripPrefix(pr.Path, s.prefix), pr.RawQuery)
	if err != nil {
		s.fail("build_uri")
		return nil, err
	}
	uri := upstreamURL.String()
	s.logger.Info("request to", "uri", uri, "method", pr.Method)

	var body []byte
	if pr.Body != nil {
		body, err = io.ReadAll(pr.Body)
		if err != nil {
			s.fail("read_request")
			return nil, fmt.Errorf("%w: %w", ErrReadBody, err)
		}
	}
	if err := s.logBody("request body", uri, body); err != nil {
		s.fail("log_request")
		return nil, err
	}

	// bytes.Reader gives the request an exact ContentLength and a GetBody
	// for replays.
	req, err := http.NewRequestWithContext(pr.Ctx, pr.Method, uri, bytes.NewReader(body))
	if err != nil {
		s.fail("build_uri")
		return nil, fmt.Errorf("%w: %w", ErrBuildURI, err)
	}
	req.Header = forwardHeaders(pr.Header)
	req.Host = s.baseURL.Host

	resp, err := s.forwarder.Forward(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	return s.rewriteResponse(uri, resp)
}

// rewriteResponse buffers the upstream body, logs it decoded, and fixes the
// framing headers for the buffered body.
func (s *ProxyService) rewriteResponse(uri string, resp *http.Response) (*model.ProxyResponse, error) {
	raw, err := readAllLimited(resp.Body, s.maxResponse)
	if err != nil {
		s.fail("read_response")
		if errors.Is(err, ErrResponseTooLarge) {
			return nil, fmt.Errorf("%w: limit %s", ErrResponseTooLarge, humanize.IBytes(uint64(s.maxResponse)))
		}
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	if enc := resp.Header.Get("Content-Encoding"); enc != "" {
		decoded, err := decodeBody(enc, raw)
		switch {
		case errors.Is(err, ErrUnsupportedEncoding):
			s.logger.Info("response",
				"uri", uri,
				"body", fmt.Sprintf("<%s-encoded %s>", enc, humanize.Bytes(uint64(len(raw)))),
			)
		case err != nil:
			s.fail("decode_response")
			s.logger.Warn("response decode failed", "uri", uri, "encoding", enc, "err", err)
			return nil, err
		default:
			if err := s.logBody("response", uri, decoded); err != nil {
				s.fail("log_response")
				return nil, err
			}
		}
	} else if err := s.logBody("response", uri, raw); err != nil {
		s.fail("log_response")
		return nil, err
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     finalizeHeaders(resp.Header, resp.StatusCode, len(raw)),
		Body:       raw,
	}, nil
}

// logBody logs body as text. Non-UTF-8 bodies are summarized when binary
// bodies are allowed and rejected otherwise.
func (s *ProxyService) logBody(msg, uri string, body []byte) error {
	size := humanize.Bytes(uint64(len(body)))
	if !utf8.Valid(body) {
		if !s.binaryBodies {
			s.logger.Warn(msg+" is not UTF-8", "uri", uri, "size", size)
			return fmt.Errorf("%w: %s", ErrBodyNotUTF8, msg)
		}
		s.logger.Info(msg, "uri", uri, "body", "<binary "+size+">")
		return nil
	}
	s.logger.Info(msg, "uri", uri, "size", size, "body", string(body))
	return nil
}

func (s *ProxyService) fail(stage string) {
	if s.metrics != nil {
		s.metrics.PipelineFailures.WithLabelValues(stage).Inc()
	}
}
