package rbac

type Role string
type Action string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

const (
	ActionRead          Action = "read"
	ActionPost          Action = "post"
	ActionReact         Action = "react"
	ActionManageChannel Action = "manage_channel"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleMember:
		return action == ActionRead || action == ActionPost || action == ActionReact
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleMember, RoleAdmin:
		return Role(role)
	default:
		return RoleMember
	}
}
