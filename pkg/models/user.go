package models

import "time"

// UserRole marks account privileges.
type UserRole string

const (
	UserRoleUser  UserRole = "user"
	UserRoleAdmin UserRole = "admin"
)

// User is an account. The agent reads only ID and IsActive; everything else
// belongs to the account-management collaborator.
type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Role      UserRole  `json:"role"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}
