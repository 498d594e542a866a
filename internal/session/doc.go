// Package session provides the session lifecycle registry.
//
// A session binds the relay to one backend conversation id and a model.
// Create and Rotate start a fresh backend conversation; Switch resumes an
// existing one. Touch is called once per exchange attempt, before the outcome
// is known, so a failing resume never leaves the count at zero.
package session
