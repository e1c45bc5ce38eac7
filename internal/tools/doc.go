// Package tools provides host process helpers shared by the server roles.
//
// Ownership boundary:
// - starting re-executed child processes with a role environment
//
// - signalling, waiting on and releasing started children
package tools
