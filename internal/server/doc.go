// Package server runs the process hierarchy of a udpctl server.
//
// The same binary plays every role. The master prints the banner, runs the
// master hooks and re-executes itself as the manager. The manager
// re-executes itself once per worker and task ordinal and supervises the
// children from a single signal loop. Each worker binds its own socket with
// SO_REUSEPORT and runs a dispatch loop; task processes run the worker hooks
// without a socket.
package server
