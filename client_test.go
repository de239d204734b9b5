package pipedrive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// apiStub counts requests per path and answers with the handler of the test.
type apiStub struct {
	*httptest.Server
	mu   sync.Mutex
	hits map[string]int
}

func newAPIStub(t *testing.T, handler http.HandlerFunc) *apiStub {
	t.Helper()
	stub := &apiStub{hits: make(map[string]int)}
	stub.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.mu.Lock()
		stub.hits[r.Method+" "+r.URL.Path]++
		stub.mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(stub.Close)
	return stub
}

func (s *apiStub) count(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[key]
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func okHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": map[string]any{"path": r.URL.Path}})
}

func fastRetry(maxRetries int) RetryConfig {
	return RetryConfig{
		MaxRetries:         maxRetries,
		RetryableStatuses:  DefaultRetryableStatuses,
		RetryNetworkErrors: true,
		InitialBackoff:     time.Millisecond,
		MaxBackoff:         5 * time.Millisecond,
		Multiplier:         2,
	}
}

func newStubClient(t *testing.T, stub *apiStub, options ...Option) *Client {
	t.Helper()
	base := []Option{
		WithBaseURL(stub.URL + "/v1"),
		WithRateLimiter(RateLimiterConfig{MaxConcurrent: 4}),
		WithRetryConfig(fastRetry(2)),
	}
	return newTestClient(t, append(base, options...)...)
}

var cached = &CacheOptions{Enabled: true}

func TestClientGetSendsHeadersAndQuery(t *testing.T) {
	var got *http.Request
	stub := newAPIStub(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		okHandler(w, r)
	})
	client := newStubClient(t, stub, WithUserAgent("tests/1.0"))

	body, err := client.Get(context.Background(), "deals", Params{"status": "open", "limit": 50, "archived": false, "skip": nil}, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"data":{"path":"/v1/deals"}}`, string(body))

	require.NotNil(t, got)
	assert.Equal(t, "/v1/deals", got.URL.Path)
	assert.Equal(t, "archived=false&limit=50&status=open", got.URL.RawQuery)
	assert.Equal(t, "Bearer test-token", got.Header.Get("Authorization"))
	assert.Equal(t, "application/json", got.Header.Get("Accept"))
	assert.Equal(t, "tests/1.0", got.Header.Get("User-Agent"))
}

func TestClientGetCacheHitSkipsNetwork(t *testing.T) {
	stub := newAPIStub(t, okHandler)
	client := newStubClient(t, stub)
	ctx := context.Background()

	first, err := client.Get(ctx, "/deals", nil, cached)
	require.NoError(t, err)
	second, err := client.Get(ctx, "/deals", nil, cached)
	require.NoError(t, err)

	assert.Equal(t, string(first), string(second))
	assert.Equal(t, 1, stub.count("GET /v1/deals"))

	stats, err := client.CacheStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Size)

	// without cache options every call goes out
	_, err = client.Get(ctx, "/deals", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, stub.count("GET /v1/deals"))
}

func TestClientGetCacheKeyIncludesParams(t *testing.T) {
	stub := newAPIStub(t, okHandler)
	client := newStubClient(t, stub)
	ctx := context.Background()

	_, _ = client.Get(ctx, "/deals", Params{"status": "open"}, cached)
	_, _ = client.Get(ctx, "/deals", Params{"status": "won"}, cached)
	_, _ = client.Get(ctx, "/deals", Params{"status": "open"}, cached)

	assert.Equal(t, 2, stub.count("GET /v1/deals"))
}

func TestClientGetCacheTTL(t *testing.T) {
	stub := newAPIStub(t, okHandler)
	cache, now := newTestCache(time.Hour, 10)
	client := newStubClient(t, stub, WithCustomCache(cache))
	ctx := context.Background()

	_, _ = client.Get(ctx, "/deals", nil, &CacheOptions{Enabled: true, TTL: time.Second})
	*now = now.Add(500 * time.Millisecond)
	_, _ = client.Get(ctx, "/deals", nil, cached)
	assert.Equal(t, 1, stub.count("GET /v1/deals"))

	*now = now.Add(time.Second)
	_, _ = client.Get(ctx, "/deals", nil, cached)
	assert.Equal(t, 2, stub.count("GET /v1/deals"))
}

func TestClientWriteInvalidatesResourceFamily(t *testing.T) {
	stub := newAPIStub(t, okHandler)
	client := newStubClient(t, stub)
	ctx := context.Background()

	_, err := client.Get(ctx, "/deals", nil, cached)
	require.NoError(t, err)
	_, err = client.Get(ctx, "/persons", nil, cached)
	require.NoError(t, err)

	_, err = client.Post(ctx, "/deals/5", map[string]any{"title": "Renewal"}, nil)
	require.NoError(t, err)

	_, err = client.Get(ctx, "/deals", nil, cached)
	require.NoError(t, err)
	assert.Equal(t, 2, stub.count("GET /v1/deals"), "cached deals should have been dropped")

	_, err = client.Get(ctx, "/persons", nil, cached)
	require.NoError(t, err)
	assert.Equal(t, 1, stub.count("GET /v1/persons"), "other families stay cached")
}

func TestClientEveryWriteVerbInvalidates(t *testing.T) {
	writes := map[string]func(c *Client, ctx context.Context) error{
		"PUT": func(c *Client, ctx context.Context) error {
			_, err := c.Put(ctx, "/deals/5", map[string]any{"value": 10}, nil)
			return err
		},
		"PATCH": func(c *Client, ctx context.Context) error {
			_, err := c.Patch(ctx, "/deals/5", map[string]any{"value": 10}, nil)
			return err
		},
		"DELETE": func(c *Client, ctx context.Context) error {
			_, err := c.Delete(ctx, "/deals/5", nil)
			return err
		},
	}

	for verb, write := range writes {
		t.Run(verb, func(t *testing.T) {
			stub := newAPIStub(t, okHandler)
			client := newStubClient(t, stub)
			ctx := context.Background()

			_, _ = client.Get(ctx, "/deals/5", nil, cached)
			require.NoError(t, write(client, ctx))
			assert.Equal(t, 1, stub.count(verb+" /v1/deals/5"))

			_, _ = client.Get(ctx, "/deals/5", nil, cached)
			assert.Equal(t, 2, stub.count("GET /v1/deals/5"))
		})
	}
}

func TestClientFailedWriteKeepsCache(t *testing.T) {
	stub := newAPIStub(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "title is required"})
			return
		}
		okHandler(w, r)
	})
	client := newStubClient(t, stub)
	ctx := context.Background()

	_, _ = client.Get(ctx, "/deals", nil, cached)
	_, err := client.Post(ctx, "/deals", map[string]any{}, nil)
	require.Error(t, err)

	_, _ = client.Get(ctx, "/deals", nil, cached)
	assert.Equal(t, 1, stub.count("GET /v1/deals"))
}

func TestClientPostSendsJSONBody(t *testing.T) {
	var received map[string]any
	var contentType string
	stub := newAPIStub(t, func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&received)
		writeJSON(w, http.StatusCreated, map[string]any{"success": true, "data": map[string]any{"id": 7}})
	})
	client := newStubClient(t, stub)

	body, err := client.Post(context.Background(), "/deals", map[string]any{"title": "New deal", "value": 250}, Params{"lang": "en"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"data":{"id":7}}`, string(body))
	assert.Equal(t, "application/json", contentType)
	assert.Equal(t, "New deal", received["title"])

	// raw JSON goes out untouched
	_, err = client.Post(context.Background(), "/notes", json.RawMessage(`{"content":"hi"}`), nil)
	require.NoError(t, err)
	assert.Equal(t, "hi", received["content"])
}

func TestClientEmptyBodyIsNull(t *testing.T) {
	stub := newAPIStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	client := newStubClient(t, stub)

	body, err := client.Delete(context.Background(), "/deals/5", nil)
	require.NoError(t, err)
	assert.Equal(t, "null", string(body))
}

func TestClientErrorResponse(t *testing.T) {
	stub := newAPIStub(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": "Deal not found", "error_info": "Please check developers.pipedrive.com"})
	})
	client := newStubClient(t, stub)

	_, err := client.Get(context.Background(), "/deals/99", nil, nil)
	require.Error(t, err)

	var clientErr *ClientError
	require.ErrorAs(t, err, &clientErr)
	assert.Equal(t, ErrorTypeClient, clientErr.Type)
	assert.Equal(t, KindTerminal, clientErr.Kind)
	assert.Equal(t, http.StatusNotFound, clientErr.StatusCode)
	assert.Equal(t, "GET", clientErr.Method)
	assert.Equal(t, "/deals/99", clientErr.Endpoint)
	assert.Equal(t, "Deal not found: Please check developers.pipedrive.com", clientErr.Message)
	assert.Contains(t, clientErr.Body, `"error":"Deal not found"`)
	assert.Equal(t, "the requested resource does not exist", clientErr.Hint())
	assert.Equal(t, 1, stub.count("GET /v1/deals/99"), "4xx must not be retried")
}

func TestClientErrorResponsePlainText(t *testing.T) {
	stub := newAPIStub(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	})
	client := newStubClient(t, stub, WithRetryConfig(fastRetry(0)))

	_, err := client.Get(context.Background(), "/deals", nil, nil)
	var clientErr *ClientError
	require.ErrorAs(t, err, &clientErr)
	assert.Equal(t, ErrorTypeServer, clientErr.Type)
	assert.Equal(t, "upstream unavailable", clientErr.Message)
	assert.True(t, IsTransient(err))
}

func TestClientRetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	stub := newAPIStub(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"success": false, "error": "try later"})
			return
		}
		okHandler(w, r)
	})
	client := newStubClient(t, stub)

	_, err := client.Get(context.Background(), "/deals", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, stub.count("GET /v1/deals"))

	// every attempt was admitted by the limiter on its own
	assert.Equal(t, StageCounts{Received: 3, Done: 3}, client.RateLimiterStats())
}

func TestClientRetryExhaustion(t *testing.T) {
	stub := newAPIStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"success": false, "error": "Rate limit exceeded"})
	})
	client := newStubClient(t, stub)

	start := time.Now()
	_, err := client.Get(context.Background(), "/deals", nil, nil)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second, "Retry-After is capped by MaxBackoff")

	var clientErr *ClientError
	require.ErrorAs(t, err, &clientErr)
	assert.Equal(t, ErrorTypeRateLimit, clientErr.Type)
	assert.Equal(t, 3, clientErr.Attempt)
	assert.Equal(t, time.Second, clientErr.RetryAfter)
	assert.Equal(t, 3, stub.count("GET /v1/deals"))
}

func TestClientNetworkErrorRetried(t *testing.T) {
	stub := newAPIStub(t, okHandler)
	client := newStubClient(t, stub)
	stub.Close()

	_, err := client.Get(context.Background(), "/deals", nil, nil)
	var clientErr *ClientError
	require.ErrorAs(t, err, &clientErr)
	assert.Equal(t, ErrorTypeNetwork, clientErr.Type)
	assert.Equal(t, 3, clientErr.Attempt)
}

func TestClientCancelledContext(t *testing.T) {
	stub := newAPIStub(t, okHandler)
	client := newStubClient(t, stub)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Get(ctx, "/deals", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, stub.count("GET /v1/deals"))
}

func TestClientDeduplicatesConcurrentCachedGets(t *testing.T) {
	release := make(chan struct{})
	stub := newAPIStub(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		okHandler(w, r)
	})
	client := newStubClient(t, stub)

	var wg sync.WaitGroup
	results := make([]string, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body, err := client.Get(context.Background(), "/deals", nil, cached)
			assert.NoError(t, err)
			results[i] = string(body)
		}(i)
	}

	require.Eventually(t, func() bool { return stub.count("GET /v1/deals") == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, stub.count("GET /v1/deals"))
	for _, r := range results {
		assert.Equal(t, results[0], r)
	}
}

func TestClientCachedBodyIsPrivateCopy(t *testing.T) {
	stub := newAPIStub(t, okHandler)
	client := newStubClient(t, stub)
	ctx := context.Background()

	first, err := client.Get(ctx, "/deals", nil, cached)
	require.NoError(t, err)
	want := string(first)
	for i := range first {
		first[i] = 'x'
	}

	second, err := client.Get(ctx, "/deals", nil, cached)
	require.NoError(t, err)
	assert.Equal(t, want, string(second))
	assert.Equal(t, 1, stub.count("GET /v1/deals"))
}

func TestClientCoalescedBodiesDoNotAlias(t *testing.T) {
	release := make(chan struct{})
	stub := newAPIStub(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		okHandler(w, r)
	})
	client := newStubClient(t, stub)

	bodies := make(chan []byte, 2)
	for i := 0; i < 2; i++ {
		go func() {
			body, err := client.Get(context.Background(), "/deals", nil, cached)
			assert.NoError(t, err)
			bodies <- body
		}()
	}
	require.Eventually(t, func() bool { return stub.count("GET /v1/deals") == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)

	a, b := <-bodies, <-bodies
	want := string(b)
	for i := range a {
		a[i] = 'x'
	}
	assert.Equal(t, want, string(b))
	assert.Equal(t, 1, stub.count("GET /v1/deals"))
}

func TestClientCoalescedGetSurvivesLeaderCancel(t *testing.T) {
	release := make(chan struct{})
	stub := newAPIStub(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		okHandler(w, r)
	})
	client := newStubClient(t, stub)

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := client.Get(leaderCtx, "/deals", nil, cached)
		leaderErr <- err
	}()
	require.Eventually(t, func() bool { return stub.count("GET /v1/deals") == 1 }, time.Second, time.Millisecond)

	follower := make(chan []byte, 1)
	go func() {
		body, err := client.Get(context.Background(), "/deals", nil, cached)
		assert.NoError(t, err)
		follower <- body
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	err := <-leaderErr
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, ErrorTypeNetwork, err.(*ClientError).Type)

	close(release)
	body := <-follower
	assert.Contains(t, string(body), `"path":"/v1/deals"`)

	// the shared call finished and filled the cache
	_, err = client.Get(context.Background(), "/deals", nil, cached)
	require.NoError(t, err)
	assert.Equal(t, 1, stub.count("GET /v1/deals"))
}

func TestClientProviderRateLimitHeaders(t *testing.T) {
	stub := newAPIStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Limit", "80")
		w.Header().Set("X-RateLimit-Remaining", "79")
		w.Header().Set("X-RateLimit-Reset", "2")
		okHandler(w, r)
	})
	client := newStubClient(t, stub)

	assert.Equal(t, RateLimitInfo{Limit: -1, Remaining: -1, Reset: -1}, client.ProviderRateLimit())

	_, err := client.Get(context.Background(), "/deals", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, RateLimitInfo{Limit: 80, Remaining: 79, Reset: 2 * time.Second}, client.ProviderRateLimit())
}

func TestClientCircuitBreakerFailsFast(t *testing.T) {
	stub := newAPIStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	client := newStubClient(t, stub,
		WithRetryConfig(fastRetry(0)),
		WithRateLimiter(RateLimiterConfig{Reservoir: 10, ReservoirRefreshAmount: 10, ReservoirRefreshInterval: time.Hour}),
		WithCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Hour, SuccessThreshold: 1}),
	)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := client.Get(ctx, "/deals", nil, nil)
		require.Equal(t, http.StatusInternalServerError, StatusCode(err))
	}
	assert.Equal(t, StateOpen, client.circuitBreaker.State())

	_, err := client.Get(ctx, "/deals", nil, nil)
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, stub.count("GET /v1/deals"))

	// the rejected call never entered the limiter
	remaining, ok := client.limiter.Reservoir()
	require.True(t, ok)
	assert.Equal(t, 8, remaining)
	assert.Equal(t, 2, client.RateLimiterStats().Received)
}

func TestClientCircuitBreakerIgnoresClientErrors(t *testing.T) {
	stub := newAPIStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	client := newStubClient(t, stub, WithCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1}))

	for i := 0; i < 3; i++ {
		_, _ = client.Get(context.Background(), "/deals/1", nil, nil)
	}
	assert.Equal(t, StateClosed, client.circuitBreaker.State())
}

func TestClientMiddleware(t *testing.T) {
	stub := newAPIStub(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"tag": r.Header.Get("X-Tag")})
	})
	var order []string
	tag := func(req *http.Request, next RoundTripper) (*http.Response, error) {
		order = append(order, "tag")
		req.Header.Set("X-Tag", "mcp")
		return next.RoundTrip(req)
	}
	trace := func(req *http.Request, next RoundTripper) (*http.Response, error) {
		order = append(order, "trace")
		return next.RoundTrip(req)
	}
	client := newStubClient(t, stub, WithMiddleware(tag, trace))

	body, err := client.Get(context.Background(), "/deals", nil, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"tag":"mcp"}`, string(body))
	assert.Equal(t, []string{"tag", "trace"}, order)
}

func TestClientClearCache(t *testing.T) {
	stub := newAPIStub(t, okHandler)
	client := newStubClient(t, stub)
	ctx := context.Background()

	_, _ = client.Get(ctx, "/deals", nil, cached)
	_, _ = client.Get(ctx, "/persons", nil, cached)
	require.NoError(t, client.ClearCache(ctx))

	stats, err := client.CacheStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Size)
}

type failingCache struct {
	*MemoryCache
	err error
}

func (f failingCache) Get(context.Context, string) ([]byte, bool, error) { return nil, false, f.err }
func (f failingCache) InvalidatePattern(context.Context, *regexp.Regexp) (int, error) {
	return 0, f.err
}

func TestClientCacheErrorsPropagate(t *testing.T) {
	stub := newAPIStub(t, okHandler)
	boom := errors.New("cache down")
	client := newStubClient(t, stub, WithCustomCache(failingCache{MemoryCache: NewMemoryCache(0, 0), err: boom}))
	ctx := context.Background()

	_, err := client.Get(ctx, "/deals", nil, cached)
	require.ErrorIs(t, err, boom)
	var clientErr *ClientError
	require.ErrorAs(t, err, &clientErr)
	assert.Equal(t, ErrorTypeCache, clientErr.Type)

	_, err = client.Post(ctx, "/deals", map[string]any{"title": "x"}, nil)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, stub.count("POST /v1/deals"))
}

func TestClientClosed(t *testing.T) {
	stub := newAPIStub(t, okHandler)
	client := newStubClient(t, stub)
	client.Close()

	_, err := client.Get(context.Background(), "/deals", nil, nil)
	require.ErrorIs(t, err, ErrLimiterClosed)
	var clientErr *ClientError
	require.ErrorAs(t, err, &clientErr)
	assert.Equal(t, "/deals", clientErr.Endpoint)
	assert.Zero(t, stub.count("GET /v1/deals"))
}

func TestClientRecordsMetricsOnEveryPath(t *testing.T) {
	stub := newAPIStub(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/deals/404" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		okHandler(w, r)
	})
	mc := NewMetricsCollectorWithRegistry(prometheus.NewRegistry())
	client := newStubClient(t, stub, WithMetricsCollector(mc))
	ctx := context.Background()

	_, _ = client.Get(ctx, "/deals", nil, cached)
	_, _ = client.Get(ctx, "/deals", nil, cached)
	_, _ = client.Get(ctx, "/deals/404", nil, nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(mc.requestsTotal.WithLabelValues("GET", "200", "/deals")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mc.requestsTotal.WithLabelValues("GET", "404", "/deals/:id")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mc.errorsTotal.WithLabelValues(ErrorTypeClient, "GET", "/deals/:id")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mc.cacheHits.WithLabelValues("/deals")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mc.cacheMisses.WithLabelValues("/deals")))
	assert.Equal(t, 0.0, testutil.ToFloat64(mc.requestsInFlight.WithLabelValues("GET", "/deals")))
	assert.Equal(t, 2.0, testutil.ToFloat64(mc.limiterTasks.WithLabelValues("done")))
}

func TestClientDebugLogging(t *testing.T) {
	stub := newAPIStub(t, okHandler)
	var buf bytes.Buffer
	client := newStubClient(t, stub,
		WithLogger(NewJSONLogger(&buf, "debug")),
		WithDebug(),
		WithRequestIDGenerator(func() string { return "req-42" }),
	)
	ctx := context.Background()

	_, _ = client.Get(ctx, "/deals", nil, cached)
	_, _ = client.Get(ctx, "/deals", nil, cached)

	logs := buf.String()
	assert.Contains(t, logs, `"message":"Cache miss"`)
	assert.Contains(t, logs, `"message":"Cache hit"`)
	assert.Contains(t, logs, `"requestID":"req-42"`)
}

func TestClientRequestIDHeader(t *testing.T) {
	var got string
	stub := newAPIStub(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Request-Id")
		okHandler(w, r)
	})
	client := newStubClient(t, stub, WithLogger(NopLogger{}), WithDebug(), WithRequestIDGenerator(func() string { return "req-7" }))

	_, err := client.Get(context.Background(), "/deals", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "req-7", got)
}

func TestTypedHelpers(t *testing.T) {
	stub := newAPIStub(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		switch r.URL.Path {
		case "/v1/broken":
			_, _ = w.Write([]byte(`{"data": "not an object"`))
		default:
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": map[string]any{"id": 5, "title": "Deal", "echo": string(body)}})
		}
	})
	client := newStubClient(t, stub)
	ctx := context.Background()

	type deal struct {
		ID    int    `json:"id"`
		Title string `json:"title"`
		Echo  string `json:"echo"`
	}
	type envelope struct {
		Success bool `json:"success"`
		Data    deal `json:"data"`
	}

	got, err := GetJSON[envelope](ctx, client, "/deals/5", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, got.Data.ID)

	created, err := PostJSON[envelope](ctx, client, "/deals", map[string]string{"title": "Deal"}, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"Deal"}`, created.Data.Echo)

	_, err = PutJSON[envelope](ctx, client, "/deals/5", map[string]string{}, nil)
	require.NoError(t, err)
	_, err = PatchJSON[envelope](ctx, client, "/deals/5", map[string]string{}, nil)
	require.NoError(t, err)
	_, err = DeleteJSON[envelope](ctx, client, "/deals/5", nil)
	require.NoError(t, err)

	_, err = GetJSON[envelope](ctx, client, "/broken", nil, nil)
	var clientErr *ClientError
	require.ErrorAs(t, err, &clientErr)
	assert.Equal(t, ErrorTypeDecode, clientErr.Type)
	assert.Equal(t, "/broken", clientErr.Endpoint)
}
