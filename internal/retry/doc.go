// Package retry wraps request/response operations with exponential backoff,
// classifies errors into a retry taxonomy, and serializes attempts per
// operation id.
//
// An Executor consults a Connectivity source before each retry and stops
// while the network is offline; callers resume by re-invoking Execute once
// connectivity returns.
package retry
