package auth

import (
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	minUsernameLen = 3
	maxUsernameLen = 20
	minPasswordLen = 12
	maxPasswordLen = 128
)

var (
	ErrUsernameLength  = errors.New("username must be 3-20 characters")
	ErrUsernameCharset = errors.New("username contains invalid characters")
	ErrPasswordLength  = errors.New("password must be 12-128 characters")
	ErrSuspiciousInput = errors.New("input contains disallowed sequences")
)

// Usernames start and end alphanumeric; a limited symbol set is allowed
// in between.
var usernameRe = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9\-_%$#@!&]*[A-Za-z0-9])?$`)

// Common SQL/XSS/path-traversal signatures. Parameterized queries make the
// SQL ones moot, but rejecting them early keeps junk out of usernames.
var injectionSignatures = []string{
	"'", "\"", "--", ";", "/*", "*/",
	"<script", "</", "<img", "javascript:", "onerror=",
	"../", "..\\", "%2e%2e",
}

func hasInjectionSignature(s string) bool {
	lower := strings.ToLower(s)
	for _, sig := range injectionSignatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}

// ValidateUsername enforces the registration rules for usernames.
func ValidateUsername(username string) error {
	n := utf8.RuneCountInString(username)
	if n < minUsernameLen || n > maxUsernameLen {
		return ErrUsernameLength
	}
	if !usernameRe.MatchString(username) {
		return ErrUsernameCharset
	}
	if hasInjectionSignature(username) {
		return ErrSuspiciousInput
	}
	return nil
}

// ValidatePassword enforces the registration rules for passwords.
func ValidatePassword(password string) error {
	n := len(password)
	if n < minPasswordLen || n > maxPasswordLen {
		return ErrPasswordLength
	}
	if hasInjectionSignature(password) {
		return ErrSuspiciousInput
	}
	return nil
}
