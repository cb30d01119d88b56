// Package goroutine identifies the calling goroutine. Teardown paths use it
// to skip waiting on a callback they were invoked from.
package goroutine

import (
	"bytes"
	"runtime"
	"strconv"
)

// ID returns the current goroutine's id, parsed from the stack header
// "goroutine 42 [running]:". It returns 0 if the header cannot be parsed.
func ID() int64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
