// Package dispatch pumps datagrams off one channel and runs one handler task
// per datagram.
//
// Ownership boundary:
// - receive loop and outcome classification
//
// - task spawning, panic and error capture, scoped cleanup
//
// - per-packet success and error notifications
//
// The loop never waits for a task before the next receive. It ends only when
// the channel reports the closed signal or the request budget is spent;
// in-flight tasks are never cancelled by the loop.
package dispatch
