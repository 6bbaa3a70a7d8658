package auth

import (
	"net/url"
	"regexp"
	"strings"
	"unicode"
)

// usernameRe matches 3-32 chars, alphanumeric plus underscore/hyphen.
var usernameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]{3,32}$`)

// emailRe is a deliberately loose RFC-5322-ish check; canonicalization (not
// validation) is what actually protects the email-uniqueness invariant.
var emailRe = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

var invitationCodeRe = regexp.MustCompile(`^[a-zA-Z0-9]{8}$`)

var ssoStateRe = regexp.MustCompile(`^[a-zA-Z0-9]{1,128}$`)

// reservedUsernames may never be registered; they are set aside for the
// platform's own operational tooling.
var reservedUsernames = map[string]bool{
	"admin": true, "root": true, "system": true, "superuser": true, "administrator": true,
}

// RegistrationInput is the raw payload handed to ValidateRegistration before
// it is trusted anywhere else in the orchestrator. State and Nonce are the
// SSO round-trip parameters: optional, shape-checked here, never
// otherwise inspected, and echoed back unchanged by the orchestrator.
type RegistrationInput struct {
	Email      string
	Username   string
	Password   string
	Role       string
	Invitation string
	State      string
	Nonce      string
}

// ValidateRegistration applies every per-field rule and returns the
// complete set of violations in one pass, so a client can fix all of them
// from a single response instead of one round trip per field. Each
// FieldError.Required marks a missing field or bad role enum as opposed to
// a merely malformed value, so validationErr can pick 400 vs 422 for the
// whole response.
func ValidateRegistration(in RegistrationInput) []FieldError {
	var errs []FieldError

	email := strings.TrimSpace(in.Email)
	switch {
	case email == "":
		errs = append(errs, FieldError{Field: "email", Message: "email is required", Required: true})
	case len(email) > 254 || !emailRe.MatchString(email):
		errs = append(errs, FieldError{Field: "email", Message: "email is not a valid address"})
	}

	username := strings.TrimSpace(in.Username)
	switch {
	case username == "":
		errs = append(errs, FieldError{Field: "username", Message: "username is required", Required: true})
	case !usernameRe.MatchString(username):
		errs = append(errs, FieldError{Field: "username", Message: "username must be 3-32 characters: letters, digits, '_' or '-'"})
	case reservedUsernames[strings.ToLower(username)]:
		errs = append(errs, FieldError{Field: "username", Message: "username is reserved"})
	}

	if in.Password == "" {
		errs = append(errs, FieldError{Field: "password", Message: "password is required", Required: true})
	} else if err := validatePasswordStrength(in.Password); err != "" {
		errs = append(errs, FieldError{Field: "password", Message: err})
	}

	switch in.Role {
	case "user", "admin", "":
	default:
		errs = append(errs, FieldError{Field: "role", Message: "role must be 'user' or 'admin'", Required: true})
	}

	if in.Role == "admin" {
		code := strings.TrimSpace(in.Invitation)
		if code == "" {
			errs = append(errs, FieldError{Field: "invitation_code", Message: "invitation_code is required to register as admin", Required: true})
		} else if !invitationCodeRe.MatchString(code) {
			errs = append(errs, FieldError{Field: "invitation_code", Message: "invitation_code must be 8 alphanumeric characters"})
		}
	}

	if in.State != "" && !ssoStateRe.MatchString(in.State) {
		errs = append(errs, FieldError{Field: "state", Message: "state must be alphanumeric, at most 128 characters"})
	}
	if len(in.Nonce) > 128 {
		errs = append(errs, FieldError{Field: "nonce", Message: "nonce must be at most 128 characters"})
	}

	return errs
}

// validatePasswordStrength enforces length and character-class diversity; it
// returns "" when the password passes.
func validatePasswordStrength(password string) string {
	switch {
	case len(password) == 0:
		return ""
	case len(password) < 8:
		return "password must be at least 8 characters"
	case len(password) > 128:
		return "password must be at most 128 characters"
	}
	if passwordEntropyClasses(password) < 3 {
		return "password must contain at least 3 of: uppercase, lowercase, digit, symbol"
	}
	return ""
}

func passwordEntropyClasses(password string) int {
	var hasUpper, hasLower, hasDigit, hasSymbol bool
	for _, r := range password {
		switch {
		case r >= 'A' && r <= 'Z':
			hasUpper = true
		case r >= 'a' && r <= 'z':
			hasLower = true
		case r >= '0' && r <= '9':
			hasDigit = true
		default:
			hasSymbol = true
		}
	}
	classes := 0
	for _, b := range []bool{hasUpper, hasLower, hasDigit, hasSymbol} {
		if b {
			classes++
		}
	}
	return classes
}

// ValidateNewPassword applies the change-password rules: the strength
// floor plus the "new != old" and "new == confirm" invariants. An empty
// new_password is reported as missing (400) rather than merely weak (422),
// so an omitted field never looks like a rejected-but-present one.
func ValidateNewPassword(newPassword, confirmPassword, oldPassword string) []FieldError {
	var errs []FieldError
	if newPassword == "" {
		errs = append(errs, FieldError{Field: "new_password", Message: "new_password is required", Required: true})
	} else if err := validatePasswordStrength(newPassword); err != "" {
		errs = append(errs, FieldError{Field: "new_password", Message: err})
	}
	if newPassword != confirmPassword {
		errs = append(errs, FieldError{Field: "confirm_new_password", Message: "confirm_new_password must match new_password"})
	}
	if newPassword != "" && newPassword == oldPassword {
		errs = append(errs, FieldError{Field: "new_password", Message: "new password must differ from current password"})
	}
	return errs
}

// ValidateSSOParams validates the state/nonce/redirect_uri triple of the
// SSO input surface. redirect_uri's allow-list membership is checked separately
// by SSOAllowList; this only enforces shape.
func ValidateSSOParams(state, nonce, redirectURI string) []FieldError {
	var errs []FieldError
	if state != "" && !ssoStateRe.MatchString(state) {
		errs = append(errs, FieldError{Field: "state", Message: "state must be alphanumeric, at most 128 characters"})
	}
	if len(nonce) > 128 {
		errs = append(errs, FieldError{Field: "nonce", Message: "nonce must be at most 128 characters"})
	}
	if redirectURI == "" {
		errs = append(errs, FieldError{Field: "redirect_uri", Message: "redirect_uri is required", Required: true})
		return errs
	}
	u, err := url.Parse(redirectURI)
	if err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, FieldError{Field: "redirect_uri", Message: "redirect_uri must be an absolute URL"})
		return errs
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		errs = append(errs, FieldError{Field: "redirect_uri", Message: "redirect_uri scheme must be http or https"})
	}
	if strings.ContainsAny(redirectURI, "<>\"'") || containsControlChar(redirectURI) {
		errs = append(errs, FieldError{Field: "redirect_uri", Message: "redirect_uri contains disallowed characters"})
	}
	return errs
}

func containsControlChar(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) {
			return true
		}
	}
	return false
}

// CanonicalizeEmail lowercases and trims an address so "Alice@X.io" and
// "alice@x.io" collide on the same uniqueness check.
func CanonicalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
