package rbac

// Role is the platform-wide role carried in the access token. Buyer and seller
// are not roles: they are derived from a transaction's participants.
type Role string

const (
	RoleUser       Role = "user"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "superadmin"
	// RoleSystem is used by the worker for timer and carrier signals.
	RoleSystem Role = "system"
)

// Permission constants
const (
	PermResolveDispute  = "resolve_dispute"
	PermEscalateDispute = "escalate_dispute"
	PermCancelAny       = "cancel_any_transaction"
	PermMessageDispute  = "message_any_dispute"
	PermConfirmDelivery = "confirm_delivery"
	PermAutoComplete    = "auto_complete"
)

// RolePermissions defines what each role can do regardless of participation.
var RolePermissions = map[Role][]string{
	RoleSuperAdmin: {
		PermResolveDispute, PermEscalateDispute, PermCancelAny, PermMessageDispute,
	},
	RoleAdmin: {
		PermResolveDispute, PermEscalateDispute, PermCancelAny, PermMessageDispute,
	},
	RoleSystem: {
		PermConfirmDelivery, PermAutoComplete,
	},
	RoleUser: {},
}

// HasPermission checks if a role has a specific permission.
func HasPermission(role Role, permission string) bool {
	perms, ok := RolePermissions[role]
	if !ok {
		return false
	}
	for _, p := range perms {
		if p == permission {
			return true
		}
	}
	return false
}

func IsAdmin(role Role) bool {
	return role == RoleAdmin || role == RoleSuperAdmin
}

func Parse(s string) (Role, bool) {
	r := Role(s)
	_, ok := RolePermissions[r]
	return r, ok
}
