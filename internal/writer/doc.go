// Package writer records streamed data into TimescaleDB.
//
// Writers:
//   - Trade writer (trades table)
//   - Mid writer (mids table)
//
// Each writer drains a buffer.Growable fed by the stream bridge, batches rows
// by size and interval, and inserts them with ON CONFLICT DO NOTHING. Tables
// are append-only. Timestamps are stored as microseconds since the epoch and
// prices as NUMERIC, exactly as the venue sent them.
package writer
