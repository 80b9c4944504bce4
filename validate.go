package tenantauth

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	mobilePattern    = regexp.MustCompile(`^\+[1-9][0-9]{7,14}$`)
	emailPattern     = regexp.MustCompile(`^[\w.+-]+@[\w-]+(\.[\w-]+)*\.[A-Za-z]{2,}$`)
	subdomainPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)
	usernamePattern  = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)
)

const (
	maxNameLength         = 150
	maxUsernameBaseLength = 30
)

// normalizeMobile strips spaces and dashes; the result must be E.164.
func normalizeMobile(mobile string) (string, error) {
	mobile = strings.TrimSpace(mobile)
	mobile = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(mobile)
	if !mobilePattern.MatchString(mobile) {
		return "", fieldError("mobile", "must be in +<country code><number> format")
	}
	return mobile, nil
}

func normalizeName(name string) (string, error) {
	name = strings.Join(strings.Fields(name), " ")
	if name == "" {
		return "", fieldError("full_name", "required")
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return "", fieldError("full_name", "too long")
	}
	return name, nil
}

// usernameBase lowercases name and joins its ASCII letter and digit runs
// with underscores. Names with none of those yield "user".
func usernameBase(name string) string {
	var b strings.Builder
	pending := false
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pending && b.Len() > 0 {
				b.WriteByte('_')
			}
			pending = false
			b.WriteRune(r)
			continue
		}
		pending = true
	}
	base := b.String()
	if len(base) > maxUsernameBaseLength {
		base = strings.TrimRight(base[:maxUsernameBaseLength], "_")
	}
	if base == "" {
		return "user"
	}
	return base
}

// normalizeUsername lowercases a login identifier; ok is false when it
// cannot be a username.
func normalizeUsername(username string) (string, bool) {
	username = strings.ToLower(strings.TrimSpace(username))
	return username, usernamePattern.MatchString(username)
}

func validateEmail(email string) (string, error) {
	email = normalizeEmail(email)
	if len(email) > 254 || !emailPattern.MatchString(email) {
		return "", fieldError("email", "invalid format")
	}
	return email, nil
}

func normalizeSubdomain(subdomain string) (string, error) {
	subdomain = strings.ToLower(strings.TrimSpace(subdomain))
	if !subdomainPattern.MatchString(subdomain) {
		return "", fieldError("subdomain", "must be a DNS label")
	}
	return subdomain, nil
}

// checkPasswordPolicy requires the configured length and at least one upper
// case letter, lower case letter, digit and symbol.
func (c PasswordConfig) checkPasswordPolicy(password string) error {
	n := utf8.RuneCountInString(password)
	if n < c.MinLength || n > c.MaxLength {
		return ErrPasswordPolicy
	}

	var upper, lower, digit, symbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			symbol = true
		}
	}
	if !upper || !lower || !digit || !symbol {
		return ErrPasswordPolicy
	}
	return nil
}

// isTOTPCode reports whether code looks like an authenticator code rather
// than a backup code.
func isTOTPCode(code string, digits int) bool {
	if len(code) != digits {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}
