package types

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role is the authorization level of an account.
// Only the three declared roles are valid; the zero value is not a role.
type Role uint8

const (
	RoleSuperAdmin Role = iota + 1
	RoleAdmin
	RoleSalesman
)

// ErrInvalidRole is returned when a value does not name a known role.
var ErrInvalidRole = errors.New("invalid role")

var roleNames = map[Role]string{
	RoleSuperAdmin: "SUPER_ADMIN",
	RoleAdmin:      "ADMIN",
	RoleSalesman:   "SALESMAN",
}

// Roles lists every valid role.
func Roles() []Role {
	return []Role{RoleSuperAdmin, RoleAdmin, RoleSalesman}
}

// ParseRole maps the textual form of a role to a Role.
// The match is exact; "admin" is not ADMIN.
func ParseRole(s string) (Role, error) {
	for role, name := range roleNames {
		if s == name {
			return role, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidRole, s)
}

// Valid reports whether r is one of the declared roles.
func (r Role) Valid() bool {
	_, ok := roleNames[r]
	return ok
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Role(%d)", uint8(r))
}

func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, ErrInvalidRole
	}
	return []byte(roleNames[r]), nil
}

func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Scan implements sql.Scanner for the users.role column.
func (r *Role) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return r.UnmarshalText([]byte(v))
	case []byte:
		return r.UnmarshalText(v)
	default:
		return fmt.Errorf("%w: unsupported column type %T", ErrInvalidRole, src)
	}
}

// Value implements driver.Valuer.
func (r Role) Value() (driver.Value, error) {
	if !r.Valid() {
		return nil, ErrInvalidRole
	}
	return roleNames[r], nil
}

// User represents an account in the system.
// Every user holds exactly one role.
type User struct {
	// ID is the unique identifier of the user.
	ID int `json:"id" db:"id"`

	// Name is the user's display or full name.
	Name string `json:"name" db:"name"`

	// Email is the user's login address.
	Email string `json:"email" db:"email"`

	// Role decides which dashboard the user may enter.
	Role Role `json:"role" db:"role"`

	// PasswordHash stores the bcrypt hash of the user's password.
	// An empty hash means the account was never fully provisioned.
	// This field is never exposed in API responses.
	PasswordHash string `json:"-" db:"password_hash"`

	// LastLoginAt is the time of the most recent successful login.
	LastLoginAt *time.Time `json:"lastLogin" db:"last_login_at"`

	CreatedAt time.Time `json:"-" db:"created_at"`
	UpdatedAt time.Time `json:"-" db:"updated_at"`
}

// NormalizeEmail trims and lower-cases an address for lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
