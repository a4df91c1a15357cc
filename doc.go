// Package reqflow is the request orchestration layer of the Sparvi data
// quality dashboard. Every REST call to the backend goes through a Client,
// which provides:
//
//   - Bearer authentication with a single shared token refresh on 401
//   - Request deduplication (concurrent fetches of one key share one call)
//   - Supersession of pending calls by forced refreshes
//   - Per-family throttling and TTL caching of normalized responses
//   - Optimistic mutations with exact rollback on failure
//   - Parallel batches with per-slot results
//   - Prometheus metrics and opt-in structured debug logging
//
// Typical usage:
//
//	client := reqflow.New(
//	    reqflow.WithBaseURL("https://api.example.com/api"),
//	    reqflow.WithTokenProvider(tokens),
//	    reqflow.WithPolicy("connections", reqflow.Policy{TTL: 30 * time.Second}),
//	    reqflow.WithOnAuthExpired(func(error) { redirectToLogin() }),
//	)
//	defer client.Close()
//
//	res, err := client.Fetch(ctx, reqflow.Request{Path: "connections"})
//
// A Client belongs to one session. Close it on logout; that cancels pending
// calls and forgets cached data.
package reqflow
