package models

import (
	"database/sql/driver"
	"fmt"
)

// Role is used both as a user's global role and as a project-scoped role.
type Role string

const (
	RoleAdmin          Role = "admin"
	RoleProjectManager Role = "project_manager"
	RoleContributor    Role = "contributor"
)

// ParseRole validates a role string coming from API input or storage.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("invalid role %q, must be one of admin, project_manager, contributor", s)
	}
	return r, nil
}

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleProjectManager, RoleContributor:
		return true
	}
	return false
}

// IsManager reports whether the role may review and assign work.
func (r Role) IsManager() bool {
	return r == RoleAdmin || r == RoleProjectManager
}

// Assignable reports whether the role may be granted through membership
// management; project Admin is never handed out that way.
func (r Role) Assignable() bool {
	return r == RoleProjectManager || r == RoleContributor
}

func (r Role) String() string { return string(r) }

// Value implements driver.Valuer. Unknown roles never reach the database.
func (r Role) Value() (driver.Value, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("refusing to store invalid role %q", string(r))
	}
	return string(r), nil
}

// Scan implements sql.Scanner.
func (r *Role) Scan(src interface{}) error {
	var s string
	switch v := src.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	case nil:
		return fmt.Errorf("role column is NULL")
	default:
		return fmt.Errorf("cannot scan %T into Role", src)
	}
	parsed, err := ParseRole(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
