// Package model defines the venue payloads shared by the REST client, the
// stream bridge and the trade recorder.
//
// Conventions:
//   - Prices and sizes: decimal strings exactly as the venue sends them
//   - Venue timestamps: int64 milliseconds since Unix epoch
//   - Local receive timestamps: time.Time
package model
