// Package securefetch provides an HTTP client for browser-style API access
// with composable reliability and session primitives:
//
//   - Encrypted token storage (AES-GCM with a PBKDF2-derived key) over any
//     key-value store: in memory, Redis or Valkey
//   - Bearer-token attachment with coalesced refresh and a refresh-once rule
//   - Response caching with exact LRU, otter-backed adaptive or durable storage
//   - Per-origin circuit breakers, rate limiters and retries with backoff
//   - Before, after and error hooks that fail open
//   - Request de-duplication for concurrent identical GETs
//   - Prometheus metrics, zerolog logging and optional OpenTelemetry tracing
//
// Ordinary HTTP and network failures are returned in Response.Err, never as
// the error result. Request returns an error only for configuration mistakes
// and terminal authentication failures, after credentials have been cleared.
//
// Typical usage:
//
//	tokens := securefetch.NewTokenStore(securefetch.NewMemoryStore())
//	if err := tokens.ConfigureKey(secret); err != nil {
//	    return err
//	}
//	client, err := securefetch.New(
//	    securefetch.WithBaseURL("https://api.example.com"),
//	    securefetch.WithCache(securefetch.DefaultCacheConfig()),
//	    securefetch.WithAuth(tokens, securefetch.AuthConfig{
//	        RefreshURL: "/auth/refresh",
//	        LoginURL:   "/login",
//	    }),
//	)
//	resp, err := client.Get(ctx, "/profile")
//
// Shared mutable state (breakers, retry counters, cache storage, in-flight
// requests) is owned by a Client or an explicit Registry. Call Sweep
// periodically to drop idle entries.
package securefetch
