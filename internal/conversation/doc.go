// Package conversation drives chat messages through the backend.
//
// # Overview
//
// The Driver sits between a chat transport and the backend spawner. Each
// conversation key (a Matrix room, for example) gets its own processing
// loop, started on demand and stopped when the key's queue drains:
//
//	d := conversation.New(conversation.Deps{
//		Queue:     queue.New(cfg.Queue.MaxDepth),
//		Sessions:  session.NewRegistry(store, logger),
//		Backend:   spawner,
//		Transport: matrixTransport,
//	}, opts, logger)
//
//	err := d.Submit(msg) // ErrQueueFull when the key is saturated
//
// # Exchange Flow
//
// For every dequeued message the loop:
//
//  1. Resolves the active session, creating one if none exists and
//     rotating it if it has been idle past Options.StaleAfter
//  2. Records the attempt on the session (the resume decision uses the
//     count from before the attempt)
//  3. Shows the typing indicator until the first text or the result arrives
//  4. Streams deltas into a delivery.Throttler
//  5. Finalizes the reply, stores the backend's conversation id and emits
//     a usage record
//
// # Expired Sessions
//
// When the backend reports that the session no longer exists, the driver
// rotates the session and retries the message exactly once. The retried
// reply is prefixed with Options.NewSessionMarker and keeps editing the
// message that was already streamed.
//
// # Failures
//
// Rate limits, timeouts and process errors produce one notice in the
// conversation. Cancelled exchanges are silent. A panic while handling a
// message is logged and the loop moves on to the next message.
package conversation
