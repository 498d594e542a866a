// Package queue implements the bounded per-conversation ingress queue.
//
// Messages for one conversation key are processed in enqueue order by at
// most one loop at a time. The loop that owns a key is the one whose Submit
// returned start=true; it keeps calling Next until Next reports the lane
// empty, at which point the gate is already released. Submit and Next do the
// enqueue-and-claim and dequeue-or-release steps under the lane lock, so a
// message can never land in a lane whose loop has just decided to exit.
//
// Enqueue, Dequeue, MarkActive and MarkIdle expose the same operations
// individually.
package queue
