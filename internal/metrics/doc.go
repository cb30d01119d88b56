// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Cache hit/miss/eviction/expiration counts and size
//   - Stream connection state, reconnects, message rates and heartbeat latency
//   - Retry attempts and exhaustions
//   - Rate limiter rejections and REST request outcomes
//   - Network quality and probe round-trip time
//   - Poller refresh outcomes and cycle time
//   - Writer throughput
package metrics
