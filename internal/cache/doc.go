// Package cache implements the in-process data cache.
//
// The Store:
//   - Holds typed values keyed by string with a per-entry TTL
//   - Evicts least-recently-used entries to stay under MaxSize
//   - Groups entries by tag for bulk invalidation
//   - Sweeps expired entries in the background
//
// An entry is expired once now - createdAt > ttl; expired entries are never
// returned. A miss is a normal return value, not an error.
package cache
