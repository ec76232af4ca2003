package authstub

import (
	"fmt"
	"net/mail"
	"strings"
	"unicode"
)

const (
	maxEmailLength    = 254 // RFC 5321
	minUsernameLength = 3
	maxUsernameLength = 32
	maxNameLength     = 100
)

// PasswordPolicy defines password complexity requirements. The zero value
// accepts any non-empty password.
type PasswordPolicy struct {
	MinLength        int
	RequireUppercase bool
	RequireLowercase bool
	RequireNumber    bool
	RequireSpecial   bool
}

// Validate checks password against the policy.
func (p PasswordPolicy) Validate(password string) error {
	if p.MinLength > 0 && len(password) < p.MinLength {
		return fmt.Errorf("password must be at least %d characters long", p.MinLength)
	}
	if p.RequireUppercase && !containsRune(password, unicode.IsUpper) {
		return fmt.Errorf("password must contain at least one uppercase letter")
	}
	if p.RequireLowercase && !containsRune(password, unicode.IsLower) {
		return fmt.Errorf("password must contain at least one lowercase letter")
	}
	if p.RequireNumber && !containsRune(password, unicode.IsDigit) {
		return fmt.Errorf("password must contain at least one number")
	}
	if p.RequireSpecial && !containsRune(password, isSpecial) {
		return fmt.Errorf("password must contain at least one special character")
	}
	return nil
}

func containsRune(s string, pred func(rune) bool) bool {
	return strings.IndexFunc(s, pred) >= 0
}

func isSpecial(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.IsSpace(r)
}

// validateEmail checks format and length. Display names are rejected.
func validateEmail(email string) error {
	if email == "" {
		return fmt.Errorf("email address is required")
	}
	if len(email) > maxEmailLength {
		return fmt.Errorf("email address is too long (max %d characters)", maxEmailLength)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return fmt.Errorf("invalid email address format")
	}
	return nil
}

func validateUsername(username string) error {
	n := len(username)
	if n < minUsernameLength || n > maxUsernameLength {
		return fmt.Errorf("username must be %d to %d characters long", minUsernameLength, maxUsernameLength)
	}
	for _, r := range username {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '-' && r != '.' {
			return fmt.Errorf("username may only contain letters, digits, '.', '_' and '-'")
		}
	}
	return nil
}

// sanitizeName trims and drops control characters.
func sanitizeName(name string) (string, error) {
	cleaned := strings.TrimSpace(strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name))
	if len(cleaned) > maxNameLength {
		return "", fmt.Errorf("name must be at most %d characters long", maxNameLength)
	}
	return cleaned, nil
}
