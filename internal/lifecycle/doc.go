// Package lifecycle holds the phase machines for master, manager and worker
// processes, role classification of child ordinals, and process titles.
//
// Phase order:
// - master: initializing -> manager_spawned -> running -> shutting_down -> terminated
//
// - manager: started -> supervising -> stopped
//
// - worker: created -> started -> running -> stopping -> stopped
//
// - worker: created|started -> failed when the socket cannot be bound or
//   the application cannot be built.
package lifecycle
