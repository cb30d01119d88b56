// Package feed keeps the cache in step with the venue.
//
// Bridge writes every stream data frame into the cache under deterministic
// keys:
//
//	allMids          -> "mids"                (tag market)
//	trades           -> "trades:<coin>"       (tags trades, coin:<coin>)
//	l2Book           -> "book:<coin>"         (tags book, coin:<coin>)
//	webData2         -> "account:<user>"      (tags account, user:<user>)
//	other user feeds -> "<channel>:<user>"    (tags account, user:<user>)
//
// REST account snapshots read through Source live under
// "clearinghouse:<user>" so they never collide with stream updates.
//
// Source is the read path: it serves live entries from the cache and loads
// misses through the REST client, sharing one fetch between concurrent
// callers of the same key.
package feed
