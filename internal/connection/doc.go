// Package connection manages the persistent stream connection.
//
// The Manager:
//   - Dials through a DialFunc (WebsocketDialer in production)
//   - Replays the subscription set after every successful connect, before
//     any data frame is dispatched
//   - Sends a ping every heartbeat interval and treats a missing pong for
//     twice that interval as a dead connection
//   - Reconnects with exponential backoff and gives up after a configured
//     number of consecutive failures
//   - Holds off dialing while the network monitor reports offline
//   - Dispatches data frames to handlers by channel, in arrival order
package connection
