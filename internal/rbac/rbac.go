// Package rbac maps token roles to the actions they may perform on controls.
package rbac

type Role string
type Action string

const (
	RoleViewer    Role = "viewer"
	RoleInspector Role = "inspector"
	RoleAdmin     Role = "admin"
)

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionDelete Action = "delete"
	ActionExport Action = "export"
	ActionAdmin  Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleInspector:
		return action == ActionRead || action == ActionWrite || action == ActionDelete || action == ActionExport
	case RoleViewer:
		return action == ActionRead || action == ActionExport
	default:
		return false
	}
}

// Normalize maps unknown roles to the least privileged one.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleInspector, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
