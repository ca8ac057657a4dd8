package users

import (
	"strings"
	"unicode"

	"github.com/bookhaven/bookhaven/pkg/errcodes"
)

const (
	minPasswordLength = 8
	passwordSpecials  = `!@#$%^&*(),.?":{}|<>`
)

// CheckPasswordComplexity returns a 400 naming the first rule password
// breaks, or nil.
func CheckPasswordComplexity(password string) error {
	if len(password) < minPasswordLength {
		return errcodes.BadRequest("Password must be at least 8 characters long.")
	}

	var upper, lower, digit bool
	for _, r := range password {
		switch {
		case r >= 'A' && r <= 'Z':
			upper = true
		case r >= 'a' && r <= 'z':
			lower = true
		case unicode.IsDigit(r) && r < unicode.MaxASCII:
			digit = true
		}
	}
	switch {
	case !upper:
		return errcodes.BadRequest("Password must contain at least one uppercase letter.")
	case !lower:
		return errcodes.BadRequest("Password must contain at least one lowercase letter.")
	case !digit:
		return errcodes.BadRequest("Password must contain at least one number.")
	case !strings.ContainsAny(password, passwordSpecials):
		return errcodes.BadRequest("Password must contain at least one special character.")
	}
	return nil
}
