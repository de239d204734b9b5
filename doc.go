// Package pipedrive is the request governance layer in front of the Pipedrive
// REST API:
//
//   - Read-through response cache with TTL and insertion-order eviction
//   - Write invalidation of every cached GET in the touched resource family
//   - Rate limiter combining a concurrency cap, minimum dispatch spacing
//     and a periodically refilled request reservoir
//   - Bounded retries with exponential backoff + jitter, gated by status
//   - Sequential offset pagination over list endpoints
//   - Optional circuit breaker, Prometheus metrics and structured debug logging
//
// Every failure reaches the caller as a *ClientError carrying the status
// code, endpoint and raw detail, so the tool layer can turn it into guidance.
//
// Typical usage:
//
//	client, err := pipedrive.New(
//	    pipedrive.WithAPIToken(token),
//	    pipedrive.WithRateLimiter(pipedrive.DefaultRateLimiterConfig()),
//	    pipedrive.WithCache(5*time.Minute, 1000),
//	)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	deals, err := pipedrive.CreatePaginator[Deal](client, "/deals", nil,
//	    &pipedrive.CacheOptions{Enabled: true}).FetchAll(ctx, 100, 0)
//
// LoadConfig and NewFromConfig build the same client from PIPEDRIVE_*
// environment variables. The rediscache subpackage provides a shared cache,
// log/zaplog and log/logruslog adapt other logging stacks.
package pipedrive
