// Package channel owns the UDP socket of one worker process.
//
// Ownership boundary:
// - bind, receive, send-to, close
//
// - classification of receive failures into the closed signal and
//   transient errors
//
// Lifecycle order:
// - unbound -> bound -> closed
//
// - a closed channel is never re-bound; construct a new one.
//
// Channel does not spawn goroutines and does not interpret payloads.
package channel
