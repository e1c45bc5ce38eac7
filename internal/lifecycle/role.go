package lifecycle

import (
	"fmt"
	"strings"
)

// Role is the job of one OS process in the hierarchy.
type Role string

const (
	RoleMaster  Role = "master"
	RoleManager Role = "manager"
	RoleWorker  Role = "worker"
	RoleTask    Role = "task"
)

// ParseRole maps an environment value onto a role. Empty means master.
func ParseRole(raw string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case "", RoleMaster:
		return RoleMaster, nil
	case RoleManager:
		return RoleManager, nil
	case RoleWorker:
		return RoleWorker, nil
	case RoleTask:
		return RoleTask, nil
	default:
		return "", fmt.Errorf("lifecycle: unknown role %q", raw)
	}
}

// RoleFor classifies a child ordinal: ordinals below workerNum serve
// packets, the rest are task processes.
func RoleFor(id, workerNum int) Role {
	if id < workerNum {
		return RoleWorker
	}
	return RoleTask
}

// OwnsSocket reports whether processes of this role bind the UDP socket.
func (r Role) OwnsSocket() bool {
	return r == RoleWorker
}

// Title is the process title for a role; id is ignored for master/manager.
func Title(name string, role Role, id int) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "udpctl"
	}
	switch role {
	case RoleWorker, RoleTask:
		return fmt.Sprintf("%s: %s #%d", name, role, id)
	default:
		return fmt.Sprintf("%s: %s", name, role)
	}
}
