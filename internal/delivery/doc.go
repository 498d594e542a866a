// Package delivery paces and formats outgoing messages.
//
// A Throttler owns one streamed message per exchange: the first flush sends
// it, later flushes edit it, and Finish replaces it with the final reply.
// Replies longer than the transport limit are split with Split; streamed
// previews are truncated instead, since they will be replaced.
package delivery
