package model

import "time"

// Role is the authorization tier assigned to an identity. Every identity
// holds exactly one role at a time; RoleNone is the unassigned default.
// The numeric values are part of the client interface and must not change.
type Role uint8

const (
	RoleNone Role = iota
	RolePhysician
	RoleExpert
	RoleAdmin
	RolePatient
)

// Valid reports whether r is an assignable role. RoleNone is not
// assignable; it only exists as the default for unknown identities.
func (r Role) Valid() bool {
	return r >= RolePhysician && r <= RolePatient
}

func (r Role) String() string {
	switch r {
	case RoleNone:
		return "none"
	case RolePhysician:
		return "physician"
	case RoleExpert:
		return "expert"
	case RoleAdmin:
		return "admin"
	case RolePatient:
		return "patient"
	}
	return "unknown"
}

// UserProfile is the ledger record backing a role assignment. Profiles are
// never deleted; deactivation flips IsActive and preserves history.
type UserProfile struct {
	ObjectType    string    `json:"objectType"` // "UserProfile"
	UserID        string    `json:"userId"`     // full client identity ID
	Role          Role      `json:"role"`
	ContentHash   string    `json:"contentHash"` // off-ledger profile reference
	IsActive      bool      `json:"isActive"`
	RegisteredAt  time.Time `json:"registeredAt"`
	LastUpdatedAt time.Time `json:"lastUpdatedAt"`
	AssignedBy    string    `json:"assignedBy"`
}
