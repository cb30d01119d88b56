// Package database provides connection pool management for the TimescaleDB
// instance the trade recorder writes to.
//
// The recorder is a sink: nothing is read back into the cache on start.
package database
