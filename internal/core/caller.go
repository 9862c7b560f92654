package core

import "github.com/google/uuid"

// Role is the capability attached to a caller identity. Authorization is an
// explicit argument into each operation, not ambient state: the transport
// layer resolves identity and role, the engine only checks them.
type Role int32

const (
	RoleUser Role = iota
	RoleOperator
)

func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleOperator:
		return "operator"
	default:
		return "unknown"
	}
}

// Caller is the identity invoking an engine operation.
type Caller struct {
	ID   uuid.UUID
	Role Role
}

func (c Caller) IsOperator() bool {
	return c.Role == RoleOperator
}

// mayActFor reports whether the caller can mutate the given user's requests.
// Users act for themselves; operators act for anyone.
func (c Caller) mayActFor(user uuid.UUID) bool {
	return c.ID == user || c.IsOperator()
}
