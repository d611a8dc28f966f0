package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	// RoleAdmin manages connection configurations and the health monitor.
	RoleAdmin = "admin"
	// RoleSupervisor watches calls and configurations but changes nothing.
	RoleSupervisor = "supervisor"
	// RoleAgent places and controls calls.
	RoleAgent = "agent"
)

// Roles lists every role an operator may hold.
func Roles() []string { return []string{RoleAdmin, RoleSupervisor, RoleAgent} }

func IsAdmin(role string) bool { return role == RoleAdmin }

func IsKnownRole(role string) bool {
	switch role {
	case RoleAdmin, RoleSupervisor, RoleAgent:
		return true
	}
	return false
}
