package rbac

import "strings"

// Role is the closed set of portal roles carried by an identity.
type Role string

// Portal roles.
const (
	RoleAdministrator  Role = "administrator"
	RoleFaculty        Role = "faculty"
	RoleStaff          Role = "staff"
	RoleStudent        Role = "student"
	RoleLibrarian      Role = "librarian"
	RoleFinanceOfficer Role = "finance-officer"
	RoleHROfficer      Role = "hr-officer"
)

// Status describes the lifecycle state of an account.
type Status string

// Account statuses.
const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusSuspended Status = "suspended"
	StatusGraduated Status = "graduated"
)

// Action is an operation verb checked against a resource domain.
type Action string

// Supported actions.
const (
	ActionCreate Action = "create"
	ActionRead   Action = "read"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionManage Action = "manage"
)

// WildcardDomain matches any resource domain inside a role entry.
const WildcardDomain = "*"

var (
	allRoles   = []Role{RoleAdministrator, RoleFaculty, RoleStaff, RoleStudent, RoleLibrarian, RoleFinanceOfficer, RoleHROfficer}
	allActions = []Action{ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionManage}
)

// AllRoles returns every role in display order.
func AllRoles() []Role {
	out := make([]Role, len(allRoles))
	copy(out, allRoles)
	return out
}

// AllActions returns every action in display order.
func AllActions() []Action {
	out := make([]Action, len(allActions))
	copy(out, allActions)
	return out
}

// ParseRole normalises raw into a known role.
func ParseRole(raw string) (Role, bool) {
	candidate := Role(strings.ToLower(strings.TrimSpace(raw)))
	for _, r := range allRoles {
		if r == candidate {
			return r, true
		}
	}
	return "", false
}

// ParseStatus normalises raw into a known status.
func ParseStatus(raw string) (Status, bool) {
	switch s := Status(strings.ToLower(strings.TrimSpace(raw))); s {
	case StatusActive, StatusInactive, StatusSuspended, StatusGraduated:
		return s, true
	default:
		return "", false
	}
}

// ParseAction normalises raw into a known action.
func ParseAction(raw string) (Action, bool) {
	candidate := Action(strings.ToLower(strings.TrimSpace(raw)))
	for _, a := range allActions {
		if a == candidate {
			return a, true
		}
	}
	return "", false
}

// Label returns a human readable role name.
func (r Role) Label() string {
	switch r {
	case RoleAdministrator:
		return "Administrator"
	case RoleFaculty:
		return "Faculty"
	case RoleStaff:
		return "Staff"
	case RoleStudent:
		return "Student"
	case RoleLibrarian:
		return "Librarian"
	case RoleFinanceOfficer:
		return "Finance Officer"
	case RoleHROfficer:
		return "HR Officer"
	default:
		return ""
	}
}

// Valid reports whether r belongs to the closed role set.
func (r Role) Valid() bool {
	for _, known := range allRoles {
		if r == known {
			return true
		}
	}
	return false
}
