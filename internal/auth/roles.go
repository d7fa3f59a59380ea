package auth

// Role is an operator permission level.
type Role string

const (
	// RoleViewer reads fleet state, alerts and command history.
	RoleViewer Role = "viewer"
	// RoleOperator also dispatches commands, resolves alerts and runs collection days.
	RoleOperator Role = "operator"
	// RoleAdmin also archives devices and inspects dead letters.
	RoleAdmin Role = "admin"
)

var roleRanks = map[Role]int{
	RoleViewer:   1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// NormalizeRole validates a role string.
func NormalizeRole(value string) (Role, bool) {
	role := Role(value)
	if _, ok := roleRanks[role]; !ok {
		return "", false
	}
	return role, true
}

// RoleAtLeast returns true when role satisfies required role.
func RoleAtLeast(role Role, required Role) bool {
	return roleRanks[role] >= roleRanks[required] && roleRanks[role] > 0
}
