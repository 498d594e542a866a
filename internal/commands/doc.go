// Package commands implements the chat commands a user can type to manage
// the relay: starting and switching sessions, changing the model, checking
// status and cancelling a running reply.
//
// Text that starts with the configured prefix and names a known command is
// handled here. Everything else, including unknown commands, is sent to the
// backend so its own slash commands keep working.
package commands
