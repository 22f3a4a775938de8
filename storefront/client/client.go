// Package client provides the authenticated REST transport used by the storefront and
// admin clients. Every call re-fetches the bearer credential, and every failure is
// returned as a *ClassifiedError so callers can decide whether to retry.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/R3E-Network/storefront_transport/internal/metrics"
	"github.com/R3E-Network/storefront_transport/pkg/logger"
)

const (
	// DefaultTimeout bounds every request, including reading the response body.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxResponseBytes bounds how much of a response body is read.
	DefaultMaxResponseBytes = 8 << 20

	// RequestIDHeader carries a per-request ID for server-side correlation.
	RequestIDHeader = "X-Request-ID"
)

// Client is the storefront REST client.
type Client struct {
	baseURL          *url.URL
	credentials      CredentialProvider
	httpClient       *http.Client
	timeout          time.Duration
	userAgent        string
	maxResponseBytes int64
	limiter          *rate.Limiter
	onUnauthorized   func(*ClassifiedError)
	log              *logger.Logger
}

// Config holds client configuration.
type Config struct {
	// BaseURL is the REST endpoint, e.g. https://api.example.com/v1. Required.
	BaseURL string
	// Credentials supplies the bearer credential. Nil sends every request unauthenticated.
	Credentials CredentialProvider
	// HTTPClient overrides the underlying client.
	HTTPClient *http.Client
	// Timeout bounds each request. Defaults to DefaultTimeout.
	Timeout   time.Duration
	UserAgent string
	// MaxResponseBytes bounds the response body read. Defaults to DefaultMaxResponseBytes.
	MaxResponseBytes int64
	// RateLimit caps outbound requests per second. Zero disables limiting.
	RateLimit float64
	RateBurst int
	// OnUnauthorized is invoked after any request classified as Unauthorized. Advisory.
	OnUnauthorized func(*ClassifiedError)
	Logger         *logger.Logger
}

// New creates a new client.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	base, err := url.Parse(strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base URL must be http or https, got %q", cfg.BaseURL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	maxBytes := cfg.MaxResponseBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxResponseBytes
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("storefront-client")
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "storefront-transport/1"
	}

	return &Client{
		baseURL:          base,
		credentials:      cfg.Credentials,
		httpClient:       httpClient,
		timeout:          timeout,
		userAgent:        userAgent,
		maxResponseBytes: maxBytes,
		limiter:          limiter,
		onUnauthorized:   cfg.OnUnauthorized,
		log:              log,
	}, nil
}

// =============================================================================
// Requests & Responses
// =============================================================================

// Request describes one REST call. Body is JSON-encoded unless it is []byte or io.Reader.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
	Header http.Header
}

// Response is a received REST response.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
	RequestID  string
}

// JSON unmarshals the response body into v. A malformed body yields an Internal error.
func (r *Response) JSON(v any) error {
	if v == nil || len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return ClassifyInternal("malformed response body", err)
	}
	return nil
}

// Send issues req and returns the response or a *ClassifiedError. When the server
// answered with a failure status the response is returned alongside the error.
// Send never retries.
func (c *Client) Send(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	done := metrics.TrackInFlight()
	defer done()

	resp, cerr := c.send(ctx, req)

	kind := "ok"
	if cerr != nil {
		kind = string(cerr.Kind)
	}
	metrics.RecordRequest(req.Method, req.Path, kind, time.Since(start))

	if cerr == nil {
		c.log.WithContext(ctx).WithFields(map[string]interface{}{
			"method":     req.Method,
			"path":       req.Path,
			"status":     resp.StatusCode,
			"request_id": resp.RequestID,
		}).Debug("request completed")
		return resp, nil
	}

	entry := c.log.WithContext(ctx).WithError(cerr).WithFields(map[string]interface{}{
		"method":    req.Method,
		"path":      req.Path,
		"kind":      cerr.Kind,
		"retryable": cerr.Retryable,
	})
	if cerr.Kind == KindUnauthorized {
		entry.Info("request unauthorized")
		if c.onUnauthorized != nil {
			c.onUnauthorized(cerr)
		}
	} else {
		entry.Debug("request failed")
	}
	return resp, cerr
}

// Do sends req and decodes a successful JSON body into out.
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	resp, err := c.Send(ctx, req)
	if err != nil {
		return err
	}
	return resp.JSON(out)
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, path string, query url.Values, out any) error {
	return c.Do(ctx, Request{Method: http.MethodGet, Path: path, Query: query}, out)
}

// Post performs a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, Request{Method: http.MethodPost, Path: path, Body: body}, out)
}

// Put performs a PUT request with a JSON body.
func (c *Client) Put(ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, Request{Method: http.MethodPut, Path: path, Body: body}, out)
}

// Patch performs a PATCH request with a JSON body.
func (c *Client) Patch(ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, Request{Method: http.MethodPatch, Path: path, Body: body}, out)
}

// Delete performs a DELETE request.
func (c *Client) Delete(ctx context.Context, path string, out any) error {
	return c.Do(ctx, Request{Method: http.MethodDelete, Path: path}, out)
}

// =============================================================================
// Internal Methods
// =============================================================================

func (c *Client) send(ctx context.Context, req Request) (*Response, *ClassifiedError) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, ClassifyTransportError(fmt.Errorf("rate limit wait: %w", err))
		}
	}

	httpReq, requestID, cerr := c.newRequest(ctx, req)
	if cerr != nil {
		return nil, cerr
	}

	if token := c.credential(ctx); token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, ClassifyTransportError(fmt.Errorf("http request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponseBytes+1))
	if err != nil {
		if ctx.Err() != nil || isNetworkError(err) {
			return nil, ClassifyTransportError(fmt.Errorf("read response body: %w", err))
		}
		return nil, ClassifyInternal("read response body", err)
	}
	if int64(len(body)) > c.maxResponseBytes {
		return nil, ClassifyInternal(fmt.Sprintf("response body exceeds %d bytes", c.maxResponseBytes), nil)
	}

	out := &Response{
		StatusCode: resp.StatusCode,
		Body:       body,
		Headers:    resp.Header,
		RequestID:  requestID,
	}
	if cerr := ClassifyResponse(resp.StatusCode, body); cerr != nil {
		return out, cerr
	}
	return out, nil
}

func (c *Client) newRequest(ctx context.Context, req Request) (*http.Request, string, *ClassifiedError) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}

	reqURL := *c.baseURL
	reqURL.Path = strings.TrimSuffix(reqURL.Path, "/") + "/" + strings.TrimPrefix(req.Path, "/")
	if len(req.Query) > 0 {
		reqURL.RawQuery = req.Query.Encode()
	}

	body, hasBody, err := encodeBody(req.Body)
	if err != nil {
		return nil, "", ClassifyInternal("encode request body", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, reqURL.String(), body)
	if err != nil {
		return nil, "", ClassifyInternal("create request", err)
	}

	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}
	if hasBody && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("User-Agent", c.userAgent)

	requestID := httpReq.Header.Get(RequestIDHeader)
	if requestID == "" {
		requestID = uuid.New().String()
		httpReq.Header.Set(RequestIDHeader, requestID)
	}

	return httpReq, requestID, nil
}

// credential fetches the bearer credential. Failures are logged and the request
// proceeds unauthenticated; the server decides whether the endpoint is public.
func (c *Client) credential(ctx context.Context) string {
	if c.credentials == nil {
		return ""
	}
	token, err := c.credentials.FetchCredential(ctx)
	if err != nil {
		c.log.WithContext(ctx).WithError(err).Warn("credential fetch failed; sending request unauthenticated")
		return ""
	}
	return strings.TrimSpace(token)
}

// isNetworkError reports whether a body read failed in the connection rather than
// in the payload: a timeout, a cancelled context or a reset.
func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func encodeBody(body any) (io.Reader, bool, error) {
	switch b := body.(type) {
	case nil:
		return nil, false, nil
	case []byte:
		return bytes.NewReader(b), true, nil
	case io.Reader:
		return b, true, nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, false, err
		}
		return bytes.NewReader(data), true, nil
	}
}
