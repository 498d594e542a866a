// Package matrix is the Matrix transport for the relay.
//
// A Bridge logs in with an access token or a password, syncs, and turns
// m.room.message events into driver submissions keyed by room ID. Events
// from the bot itself, from rooms or users outside the allow lists, from
// before startup, and redeliveries are ignored. Voice messages go through
// an optional Transcriber.
//
// Outbound, the Bridge implements delivery.Transport: replies are sent with
// an org.matrix.custom.html body, streamed updates are m.replace edits of
// the first message, and typing notifications serve as the keep-alive.
//
// EnableEncryption attaches a mautrix cryptohelper backed by a per-user
// SQLite store so the bot works in encrypted rooms.
package matrix
