// Package api provides the venue REST client.
//
// Every request goes through Fetch, which pre-empts requests the local rate
// window would reject, translates non-2xx responses into the retry error
// taxonomy and retries retryable failures through a retry.Executor:
//   - 429: *retry.RateLimitedError (Retry-After honored)
//   - 5xx: *retry.TransientError
//   - other 4xx: *retry.AuthorizationError, never retried
//
// Market and account data come from the POST /info endpoint, selected by the
// request body's "type" field.
package api
