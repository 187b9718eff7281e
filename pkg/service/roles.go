package service

// Logger defines the logging interface for the goapprove services
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// RoleDirectory resolves a user identifier to its current roles. It is an
// external collaborator; the engine treats it as authoritative and does
// not cache results across calls.
type RoleDirectory interface {
	RolesOf(userID string) ([]string, error)
}

// StaticRoleDirectory is a fixed user-to-roles map, used for wiring the
// engine in tests and single-tenant deployments without a real directory.
type StaticRoleDirectory map[string][]string

func (d StaticRoleDirectory) RolesOf(userID string) ([]string, error) {
	return d[userID], nil
}

func rolesIntersect(have, required []string) bool {
	for _, h := range have {
		for _, r := range required {
			if h == r {
				return true
			}
		}
	}
	return false
}
