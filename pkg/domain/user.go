package domain

import (
	"github.com/google/uuid"
)

// Role values reported by the server.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User represents the profile returned by /auth/me.
type User struct {
	ID                 uuid.UUID `json:"id"`
	Email              string    `json:"email"`
	Username           *string   `json:"username,omitempty"`
	Name               *string   `json:"name,omitempty"`
	Image              *string   `json:"image,omitempty"`
	Role               string    `json:"role,omitempty"`
	OnboardingRequired bool      `json:"onboarding_required"`
}

// HasUsername returns true if a non-empty username is set.
func (u *User) HasUsername() bool {
	return u != nil && u.Username != nil && *u.Username != ""
}

// NeedsOnboarding reports whether the user must finish onboarding before
// reaching authenticated screens.
func (u *User) NeedsOnboarding() bool {
	return u != nil && u.OnboardingRequired
}

// Clone returns a copy that does not share pointer fields with u.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	c.Username = clonePtr(u.Username)
	c.Name = clonePtr(u.Name)
	c.Image = clonePtr(u.Image)
	return &c
}

func clonePtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
