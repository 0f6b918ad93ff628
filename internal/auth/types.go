package auth

import "errors"

// Role is an authorisation tier carried in the access token.
type Role string

const (
	// RoleViewer can read device state and subscribe to the event stream.
	RoleViewer Role = "viewer"

	// RoleOperator can additionally send commands to devices.
	RoleOperator Role = "operator"

	// RoleAdmin can additionally edit and remove devices and read the audit log.
	RoleAdmin Role = "admin"
)

// ValidRoles lists every role in ascending order of privilege.
var ValidRoles = []Role{RoleViewer, RoleOperator, RoleAdmin}

// IsValidRole returns true if r is a known role.
func IsValidRole(r Role) bool {
	for _, v := range ValidRoles {
		if r == v {
			return true
		}
	}
	return false
}

// Sentinel errors for auth operations.
var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrForbidden    = errors.New("insufficient permissions")
)
