package pipedrive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/iamsamuelfraga/mcp-pipedrive-sub000/internal/singleflight"
)

const (
	// DefaultBaseURL is the public Pipedrive v1 API root.
	DefaultBaseURL = "https://api.pipedrive.com/v1"

	defaultTimeout = 30 * time.Second
	maxErrorBody   = 4 << 10
)

// Client is the request executor in front of the Pipedrive API. Every call
// passes through the response cache, the rate limiter and the retry policy;
// successful writes invalidate the cached reads of the resource they touch.
// It is safe for concurrent use.
type Client struct {
	baseURL        string
	apiToken       string
	userAgent      string
	httpClient     *http.Client
	timeout        time.Duration
	cache          Cache
	cacheTTL       time.Duration
	limiterConfig  RateLimiterConfig
	limiter        *RateLimiter
	retryConfig    RetryConfig
	retry          *RetryPolicy
	uploadRetries  bool
	circuitBreaker *CircuitBreaker
	middleware     []Middleware
	metrics        *MetricsCollector
	debug          *DebugConfig
	logger         Logger
	inflight       *singleflight.Group[response]

	quotaMu sync.Mutex
	quota   RateLimitInfo
}

type response struct {
	body   json.RawMessage
	status int
}

// request is one logical call; attempts replay its body from memory.
type request struct {
	method      string
	endpoint    string
	query       url.Values
	body        []byte
	contentType string
	requestID   string
	start       time.Time
}

// New constructs a Client using the provided functional options. The limiter
// is started here, so callers own the returned client and must Close it.
func New(options ...Option) (*Client, error) {
	client := &Client{
		baseURL:       DefaultBaseURL,
		userAgent:     UserAgent(),
		httpClient:    &http.Client{Timeout: defaultTimeout},
		timeout:       defaultTimeout,
		cache:         NewMemoryCache(defaultCacheTTL, defaultCacheMaxSize),
		limiterConfig: DefaultRateLimiterConfig(),
		retryConfig:   DefaultRetryConfig(),
		debug:         DefaultDebugConfig(),
		inflight:      singleflight.New[response](),
		quota:         RateLimitInfo{Limit: -1, Remaining: -1, Reset: -1},
	}

	for _, option := range options {
		option(client)
	}

	if err := client.ValidateConfiguration(); err != nil {
		return nil, err
	}
	if client.logger == nil {
		client.logger = NopLogger{}
	}
	if client.debug == nil {
		client.debug = &DebugConfig{}
	}

	client.retry = NewRetryPolicy(client.retryConfig)
	client.limiter = NewRateLimiter(client.limiterConfig)
	if client.metrics != nil {
		client.limiter.setObserver(client.metrics.RecordLimiterStages)
	}

	return client, nil
}

// Get fetches endpoint. With cache enabled a fresh hit skips the network,
// concurrent identical misses share one upstream call and the result is
// stored for cache.TTL (or the cache default). The shared call is detached
// from the cancellation of any single caller and bounded by the client's
// timeout budget instead; a caller whose ctx ends stops waiting on its own.
// Every caller receives its own copy of the body.
func (c *Client) Get(ctx context.Context, endpoint string, params Params, cache *CacheOptions) (json.RawMessage, error) {
	req := c.newRequest(http.MethodGet, endpoint, params.Values(), nil, "")
	c.metrics.RecordRequestStart(req.method, req.endpoint)
	defer c.metrics.RecordRequestEnd(req.method, req.endpoint)

	if cache == nil || !cache.Enabled {
		res, err := c.execute(ctx, req, c.retry)
		c.observe(req, res.status, err)
		return res.body, err
	}

	key := CacheKey(req.method, req.endpoint, req.query)
	cached, hit, err := c.cache.Get(ctx, key)
	if err != nil {
		cerr := c.newError(req, ErrorTypeCache, KindTerminal, "cache read failed", err)
		c.observe(req, 0, cerr)
		return nil, cerr
	}
	if hit {
		c.metrics.RecordCacheHit(req.endpoint)
		if c.debugOn(c.debug.LogCache) {
			c.logger.Debug("Cache hit", "requestID", req.requestID, "cacheKey", key)
		}
		c.observe(req, http.StatusOK, nil)
		return cached, nil
	}
	c.metrics.RecordCacheMiss(req.endpoint)
	if c.debugOn(c.debug.LogCache) {
		c.logger.Debug("Cache miss", "requestID", req.requestID, "cacheKey", key)
	}

	results, owner := c.inflight.DoChan(key, func() (response, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.sharedCallTimeout())
		defer cancel()

		res, err := c.execute(callCtx, req, c.retry)
		if err != nil {
			return res, err
		}
		ttl := cache.TTL
		if ttl <= 0 {
			ttl = c.cacheTTL
		}
		if err := c.cache.Set(callCtx, key, res.body, ttl); err != nil {
			return res, c.newError(req, ErrorTypeCache, KindTerminal, "cache write failed", err)
		}
		c.recordCacheSize(callCtx)
		if c.debugOn(c.debug.LogCache) {
			c.logger.Debug("Response cached", "requestID", req.requestID, "cacheKey", key, "ttl", ttl)
		}
		return res, nil
	})
	if !owner {
		c.metrics.RecordDeduplicationHit(req.endpoint)
		if c.debugOn(c.debug.LogCache) {
			c.logger.Debug("Deduplication hit", "requestID", req.requestID, "cacheKey", key)
		}
	}

	select {
	case r := <-results:
		res := r.Val
		if r.Shared {
			res.body = bytes.Clone(res.body)
		}
		c.observe(req, res.status, r.Err)
		return res.body, r.Err
	case <-ctx.Done():
		cerr := transportError(ctx.Err())
		c.fill(cerr, req)
		c.observe(req, 0, cerr)
		return nil, cerr
	}
}

// sharedCallTimeout bounds a coalesced GET: every attempt at the HTTP
// timeout plus the longest wait between them.
func (c *Client) sharedCallTimeout() time.Duration {
	attempts := time.Duration(c.retry.MaxAttempts())
	return attempts*c.timeout + (attempts-1)*c.retryConfig.MaxBackoff
}

// Post creates a resource. body is JSON encoded unless it already is raw bytes.
func (c *Client) Post(ctx context.Context, endpoint string, body any, params Params) (json.RawMessage, error) {
	return c.write(ctx, http.MethodPost, endpoint, body, params)
}

// Put replaces or updates a resource.
func (c *Client) Put(ctx context.Context, endpoint string, body any, params Params) (json.RawMessage, error) {
	return c.write(ctx, http.MethodPut, endpoint, body, params)
}

// Patch partially updates a resource.
func (c *Client) Patch(ctx context.Context, endpoint string, body any, params Params) (json.RawMessage, error) {
	return c.write(ctx, http.MethodPatch, endpoint, body, params)
}

// Delete removes a resource.
func (c *Client) Delete(ctx context.Context, endpoint string, params Params) (json.RawMessage, error) {
	return c.write(ctx, http.MethodDelete, endpoint, nil, params)
}

func (c *Client) write(ctx context.Context, method, endpoint string, body any, params Params) (json.RawMessage, error) {
	req := c.newRequest(method, endpoint, params.Values(), nil, "")
	c.metrics.RecordRequestStart(req.method, req.endpoint)
	defer c.metrics.RecordRequestEnd(req.method, req.endpoint)

	if body != nil {
		payload, err := encodeBody(body)
		if err != nil {
			verr := c.newError(req, ErrorTypeValidation, KindTerminal, "request body is not JSON encodable", err)
			c.observe(req, 0, verr)
			return nil, verr
		}
		req.body = payload
		req.contentType = "application/json"
	}

	return c.send(ctx, req, c.retry)
}

// send runs a mutating request and drops the cached reads it made stale.
func (c *Client) send(ctx context.Context, req *request, policy *RetryPolicy) (json.RawMessage, error) {
	res, err := c.execute(ctx, req, policy)
	if err == nil {
		err = c.invalidate(ctx, req)
	}
	c.observe(req, res.status, err)
	if err != nil {
		return nil, err
	}
	return res.body, nil
}

func (c *Client) invalidate(ctx context.Context, req *request) error {
	removed, err := c.cache.InvalidatePattern(ctx, ResourcePattern(req.endpoint))
	if err != nil {
		return c.newError(req, ErrorTypeCache, KindTerminal, "cache invalidation failed", err)
	}
	family := resourceFamily(req.endpoint)
	c.metrics.RecordCacheInvalidation(family, removed)
	c.recordCacheSize(ctx)
	if c.debugOn(c.debug.LogCache) {
		c.logger.Debug("Cache invalidated", "requestID", req.requestID, "resource", family, "removed", removed)
	}
	return nil
}

// execute drives the retry loop; every attempt waits for its own admission.
func (c *Client) execute(ctx context.Context, req *request, policy *RetryPolicy) (response, error) {
	return WithRetry(ctx, policy, func(ctx context.Context, attempt int) (response, error) {
		if attempt > 0 {
			c.metrics.RecordRetry(req.method, req.endpoint, attempt)
			if c.debugOn(c.debug.LogRetries) {
				c.logger.Info("Retry attempt", "requestID", req.requestID, "attempt", attempt, "maxRetries", policy.Config().MaxRetries, "endpoint", req.endpoint)
			}
		}

		// an open circuit fails before queueing, so it costs no slot or permit
		if c.circuitBreaker != nil && !c.circuitBreaker.Allow() {
			if c.debugOn(true) {
				c.logger.Warn("Circuit breaker open", "requestID", req.requestID, "endpoint", req.endpoint)
			}
			return response{}, c.newError(req, ErrorTypeCircuitOpen, KindTransient, "circuit breaker is open", nil)
		}

		res, err := Schedule(ctx, c.limiter, func(ctx context.Context) (response, error) {
			return c.roundTrip(ctx, req)
		})
		if err != nil {
			return res, c.scheduleError(req, err)
		}
		return res, nil
	})
}

// scheduleError gives limiter failures the request context. Errors from the
// round trip pass through untouched.
func (c *Client) scheduleError(req *request, err error) error {
	var clientErr *ClientError
	if errors.As(err, &clientErr) && clientErr != ErrLimiterClosed {
		return err
	}
	if errors.Is(err, ErrLimiterClosed) {
		return c.newError(req, ErrorTypeLimiterClosed, KindTerminal, "rate limiter closed", nil)
	}
	if c.debugOn(c.debug.LogRateLimit) {
		c.logger.Debug("Abandoned while queued", "requestID", req.requestID, "endpoint", req.endpoint, "error", err)
	}
	cerr := transportError(err)
	c.fill(cerr, req)
	return cerr
}

func (c *Client) roundTrip(ctx context.Context, req *request) (response, error) {
	httpReq, err := c.buildHTTPRequest(ctx, req)
	if err != nil {
		return response{}, c.newError(req, ErrorTypeValidation, KindTerminal, "invalid request", err)
	}

	if c.debugOn(c.debug.LogRequests) {
		c.logger.Debug("Starting request", "requestID", req.requestID, "method", req.method, "url", httpReq.URL.String())
	}

	resp, err := c.executeMiddleware(httpReq)
	if err != nil {
		cerr := transportError(err)
		c.fill(cerr, req)
		c.recordBreaker(cerr)
		return response{}, cerr
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		cerr := transportError(err)
		c.fill(cerr, req)
		c.recordBreaker(cerr)
		return response{status: resp.StatusCode}, cerr
	}

	c.recordQuota(req, resp.Header)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		cerr := c.statusError(req, resp, body)
		c.recordBreaker(cerr)
		return response{status: resp.StatusCode}, cerr
	}

	c.recordBreaker(nil)
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("null")
	}
	return response{body: body, status: resp.StatusCode}, nil
}

func (c *Client) buildHTTPRequest(ctx context.Context, req *request) (*http.Request, error) {
	var body io.Reader
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, c.resolve(req), body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiToken)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.userAgent)
	if req.contentType != "" {
		httpReq.Header.Set("Content-Type", req.contentType)
	}
	if req.requestID != "" {
		httpReq.Header.Set("X-Request-Id", req.requestID)
	}
	return httpReq, nil
}

func (c *Client) resolve(req *request) string {
	u := strings.TrimRight(c.baseURL, "/") + req.endpoint
	if len(req.query) > 0 {
		u += "?" + req.query.Encode()
	}
	return u
}

func (c *Client) executeMiddleware(req *http.Request) (*http.Response, error) {
	if len(c.middleware) == 0 {
		return c.httpClient.Do(req)
	}

	current := RoundTripperFunc(c.httpClient.Do)

	for i := len(c.middleware) - 1; i >= 0; i-- {
		middleware := c.middleware[i]
		next := current
		current = RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			return middleware(r, next)
		})
	}

	return current.RoundTrip(req)
}

// apiError is the error body shape of the Pipedrive API.
type apiError struct {
	Success   *bool  `json:"success"`
	Error     string `json:"error"`
	ErrorInfo string `json:"error_info"`
	Message   string `json:"message"`
}

func (c *Client) statusError(req *request, resp *http.Response, body []byte) *ClientError {
	errType, kind := statusErrorType(resp.StatusCode)
	cerr := c.newError(req, errType, kind, errorMessage(resp.StatusCode, body), nil)
	cerr.StatusCode = resp.StatusCode
	cerr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	cerr.Body = string(body)
	return cerr
}

func errorMessage(status int, body []byte) string {
	var parsed apiError
	if err := json.Unmarshal(body, &parsed); err == nil {
		switch {
		case parsed.Error != "" && parsed.ErrorInfo != "":
			return parsed.Error + ": " + parsed.ErrorInfo
		case parsed.Error != "":
			return parsed.Error
		case parsed.Message != "":
			return parsed.Message
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" && len(text) <= 512 {
		return text
	}
	if text := http.StatusText(status); text != "" {
		return text
	}
	return fmt.Sprintf("unexpected status %d", status)
}

func (c *Client) recordBreaker(err *ClientError) {
	if c.circuitBreaker == nil {
		return
	}
	switch {
	case err == nil:
		c.circuitBreaker.RecordSuccess()
	case err.Kind == KindTransient:
		c.circuitBreaker.RecordFailure()
	case err.StatusCode > 0:
		// the provider answered; a rejected request says nothing about its health
		c.circuitBreaker.RecordSuccess()
	default:
		return
	}
	c.metrics.RecordCircuitBreakerState(c.circuitBreaker.State())
}

func (c *Client) recordQuota(req *request, h http.Header) {
	info, ok := parseRateLimitHeaders(h)
	if !ok {
		return
	}
	c.quotaMu.Lock()
	c.quota = info
	c.quotaMu.Unlock()

	c.metrics.RecordProviderQuota(info)
	if c.debugOn(c.debug.LogRateLimit) {
		c.logger.Debug("Provider rate limit", "requestID", req.requestID, "limit", info.Limit, "remaining", info.Remaining, "reset", info.Reset)
	}
}

func (c *Client) recordCacheSize(ctx context.Context) {
	if c.metrics == nil {
		return
	}
	if size, err := c.cache.Size(ctx); err == nil {
		c.metrics.RecordCacheSize(size)
	}
}

// observe is the per-call metrics and logging side effect. It runs on every
// path, cache hits and failures included.
func (c *Client) observe(req *request, status int, err error) {
	duration := time.Since(req.start)
	if status == 0 {
		status = StatusCode(err)
	}
	c.metrics.RecordRequest(req.method, req.endpoint, status, duration, err)
	if err == nil {
		if c.debugOn(c.debug.LogRequests) {
			c.logger.Debug("Request completed", "requestID", req.requestID, "method", req.method, "endpoint", req.endpoint, "status", status, "duration", duration)
		}
		return
	}

	errType := "Unknown"
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		errType = clientErr.Type
		if clientErr.Duration == 0 {
			clientErr.Duration = duration
		}
	}
	c.metrics.RecordError(errType, req.method, req.endpoint)
	if c.debugOn(c.debug.LogRequests) {
		c.logger.Debug("Request failed", "requestID", req.requestID, "method", req.method, "endpoint", req.endpoint, "status", status, "duration", duration, "error", err.Error())
	}
}

func (c *Client) newRequest(method, endpoint string, query url.Values, body []byte, contentType string) *request {
	req := &request{
		method:      method,
		endpoint:    normalizeEndpoint(endpoint),
		query:       query,
		body:        body,
		contentType: contentType,
		start:       time.Now(),
	}
	if c.debug != nil && c.debug.Enabled && c.debug.RequestIDGen != nil {
		req.requestID = c.debug.RequestIDGen()
	}
	return req
}

func (c *Client) newError(req *request, errType string, kind ErrorKind, message string, cause error) *ClientError {
	cerr := &ClientError{Type: errType, Kind: kind, Message: message, Cause: cause}
	c.fill(cerr, req)
	return cerr
}

func (c *Client) fill(cerr *ClientError, req *request) {
	cerr.Method = req.method
	cerr.Endpoint = req.endpoint
	cerr.URL = c.resolve(req)
	cerr.RequestID = req.requestID
	cerr.Timestamp = time.Now()
	cerr.Duration = time.Since(req.start)
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case json.RawMessage:
		return b, nil
	case []byte:
		return b, nil
	default:
		return json.Marshal(body)
	}
}

// CacheStats reports the response cache size.
func (c *Client) CacheStats(ctx context.Context) (CacheStats, error) {
	size, err := c.cache.Size(ctx)
	if err != nil {
		return CacheStats{}, err
	}
	return CacheStats{Size: size}, nil
}

// RateLimiterStats returns a snapshot of the limiter's stage counters.
func (c *Client) RateLimiterStats() StageCounts {
	return c.limiter.Counts()
}

// ProviderRateLimit returns the quota reported by the latest response that
// carried x-ratelimit-* headers.
func (c *Client) ProviderRateLimit() RateLimitInfo {
	c.quotaMu.Lock()
	defer c.quotaMu.Unlock()
	return c.quota
}

// ClearCache drops every cached response.
func (c *Client) ClearCache(ctx context.Context) error {
	if err := c.cache.Clear(ctx); err != nil {
		return err
	}
	c.recordCacheSize(ctx)
	return nil
}

// Close stops the limiter's refill timer and fails calls still queued.
func (c *Client) Close() {
	c.limiter.Close()
}
