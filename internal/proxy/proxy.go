// Package proxy owns the upstream side of a chat request: one shared
// HTTP/2-capable client pool, request composition against a provider's base
// URL, streaming and buffered passthrough, and classification of every
// upstream outcome. It never returns a raw error to its caller — every
// attempt ends in a classified Result the dispatcher can act on.
package proxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultRequestTimeout    = 120 * time.Second
	defaultStreamIdleTimeout = 60 * time.Second

	// maxErrorBody caps how much of an upstream error body is read for
	// classification and passthrough.
	maxErrorBody = 64 << 10
)

// Config tunes the shared upstream client.
type Config struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int

	ConnectTimeout    time.Duration
	RequestTimeout    time.Duration
	StreamIdleTimeout time.Duration

	// MaxResponseBytes caps buffered (non-streaming) response bodies.
	// Default: 16 MiB.
	MaxResponseBytes int64

	// ModelMissingMarkers classify a 404/400 body as "the provider does not
	// actually serve this model".
	ModelMissingMarkers []string

	// QuotaMarkers classify a 4xx body as quota exhaustion.
	QuotaMarkers []string
}

func (c *Config) applyDefaults() {
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 256
	}
	if c.MaxIdleConnsPerHost <= 0 {
		c.MaxIdleConnsPerHost = 32
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.StreamIdleTimeout <= 0 {
		c.StreamIdleTimeout = defaultStreamIdleTimeout
	}
	if c.MaxResponseBytes <= 0 {
		c.MaxResponseBytes = 16 << 20
	}
	if len(c.ModelMissingMarkers) == 0 {
		c.ModelMissingMarkers = []string{"model_not_found", "model does not exist"}
	}
	if len(c.QuotaMarkers) == 0 {
		c.QuotaMarkers = []string{"insufficient_quota", "quota"}
	}
}

// Upstream is the slice of a registry provider the proxy needs.
type Upstream struct {
	ID         string
	BaseURL    string
	Credential string
}

// Client is the shared upstream HTTP client. Connections are pooled per
// (scheme, host) by the underlying transport; one Client serves the whole
// process.
type Client struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger
}

// New builds the shared Client. The transport is HTTP/2-enabled and sized
// from cfg.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	tr := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ExpectContinueTimeout: time.Second,
	}
	if err := http2.ConfigureTransport(tr); err != nil {
		return nil, fmt.Errorf("proxy: configure http2: %w", err)
	}

	return &Client{
		cfg:  cfg,
		http: &http.Client{Transport: tr},
		log:  logger,
	}, nil
}

// Do sends body to up's chat-completions endpoint and classifies the
// outcome. The caller's ctx bounds the whole attempt; client disconnects
// cancel the upstream request through it.
//
// For a streaming success the Result carries an open Stream the caller must
// drain and close; Duration then holds the time until response headers
// arrived, and the time to last byte is measured by the caller that drains
// the stream.
func (c *Client) Do(ctx context.Context, up Upstream, body []byte, stream bool) *Result {
	start := time.Now()

	url := strings.TrimRight(up.BaseURL, "/") + "/v1/chat/completions"

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		cancel()
		return &Result{
			Class:      ClassProviderFault,
			ProviderID: up.ID,
			ErrMessage: fmt.Sprintf("build request: %s", err),
			Duration:   time.Since(start),
		}
	}
	req.Header.Set("Authorization", "Bearer "+up.Credential)
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return c.classifyTransportError(up.ID, err, time.Since(start))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer cancel()
		defer resp.Body.Close()
		return c.classifyErrorResponse(up.ID, resp, time.Since(start))
	}

	if stream && isStreamingResponse(resp) {
		firstByte := time.Since(start)
		sb := &StreamBody{
			rc:          resp.Body,
			idleTimeout: c.cfg.StreamIdleTimeout,
			cancel:      cancel,
		}
		sb.armIdleTimer()
		return &Result{
			Class:       ClassSuccess,
			ProviderID:  up.ID,
			StatusCode:  resp.StatusCode,
			ContentType: resp.Header.Get("Content-Type"),
			Stream:      sb,
			FirstByte:   firstByte,
			Duration:    firstByte, // finalized by the caller at last byte
		}
	}

	defer cancel()
	defer resp.Body.Close()

	buf, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxResponseBytes+1))
	if err != nil {
		return c.classifyTransportError(up.ID, err, time.Since(start))
	}
	if int64(len(buf)) > c.cfg.MaxResponseBytes {
		return &Result{
			Class:      ClassProviderFault,
			ProviderID: up.ID,
			ErrMessage: "response exceeds buffered size limit",
			Duration:   time.Since(start),
		}
	}

	return &Result{
		Class:       ClassSuccess,
		ProviderID:  up.ID,
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        buf,
		Duration:    time.Since(start),
	}
}

// Probe issues a lightweight GET {base}/v1/models request, used by the
// circuit breaker's self-heal path and the health checker.
func (c *Client) Probe(ctx context.Context, up Upstream) error {
	url := strings.TrimRight(up.BaseURL, "/") + "/v1/models"

	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("proxy: probe %s: %w", up.ID, err)
	}
	req.Header.Set("Authorization", "Bearer "+up.Credential)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("proxy: probe %s: %w", up.ID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("proxy: probe %s: status %d", up.ID, resp.StatusCode)
	}
	return nil
}

func isStreamingResponse(resp *http.Response) bool {
	ct := resp.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "text/event-stream") {
		return true
	}
	for _, te := range resp.TransferEncoding {
		if te == "chunked" {
			return true
		}
	}
	return false
}

func (c *Client) classifyTransportError(providerID string, err error, dur time.Duration) *Result {
	class := ClassProviderFault
	if errors.Is(err, context.Canceled) {
		class = ClassCancelled
	}
	return &Result{
		Class:      class,
		ProviderID: providerID,
		ErrMessage: err.Error(),
		Duration:   dur,
	}
}

func (c *Client) classifyErrorResponse(providerID string, resp *http.Response, dur time.Duration) *Result {
	buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	lower := strings.ToLower(string(buf))

	res := &Result{
		ProviderID:  providerID,
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        buf,
		Duration:    dur,
	}

	switch {
	case (resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusBadRequest) &&
		containsAny(lower, c.cfg.ModelMissingMarkers):
		res.Class = ClassModelMissing

	case resp.StatusCode == http.StatusTooManyRequests:
		res.Class = ClassQuota

	case resp.StatusCode >= 400 && resp.StatusCode < 500 && containsAny(lower, c.cfg.QuotaMarkers):
		res.Class = ClassQuota

	case resp.StatusCode >= 500:
		res.Class = ClassProviderFault

	default:
		res.Class = ClassClientError
	}

	res.ErrMessage = fmt.Sprintf("upstream status %d", resp.StatusCode)
	return res
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if m != "" && strings.Contains(s, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

// StreamBody wraps an open upstream response body with an idle timeout:
// if no byte arrives for idleTimeout, the upstream request is cancelled and
// the next Read returns an error. Reads are otherwise passed through
// unbuffered, so downstream back-pressure propagates to the upstream
// connection.
type StreamBody struct {
	rc          io.ReadCloser
	idleTimeout time.Duration
	cancel      context.CancelFunc

	mu        sync.Mutex
	idleTimer *time.Timer
	closed    bool
}

func (s *StreamBody) armIdleTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = time.AfterFunc(s.idleTimeout, s.cancel)
}

func (s *StreamBody) Read(p []byte) (int, error) {
	n, err := s.rc.Read(p)
	if n > 0 {
		s.armIdleTimer()
	}
	return n, err
}

func (s *StreamBody) Close() error {
	s.mu.Lock()
	s.closed = true
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.mu.Unlock()
	s.cancel()
	return s.rc.Close()
}
