// Package poller keeps REST-backed cache entries warm.
//
// Every interval the poller refreshes "mids" and "book:<coin>" for the
// configured coins through feed.Source, with bounded concurrency. While the
// stream is connected and an entry is still live, the stream owns it and the
// poller skips it.
package poller
