// Package dedupe drops chat events that were already handled.
//
// Matrix may redeliver timeline events after a reconnect or an initial sync.
// A Window remembers recent event IDs so each message is submitted once.
package dedupe
