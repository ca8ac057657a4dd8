package binder

import (
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

const maxIdentifierLength = 512

// identifierValidator accepts resolved book identifiers: non-blank, bounded
// and free of control characters. Identifiers taken from package metadata
// may be URLs, so slashes are fine.
func identifierValidator(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if strings.TrimSpace(value) == "" || len(value) > maxIdentifierLength {
		return false
	}
	for _, r := range value {
		if unicode.IsControl(r) {
			return false
		}
	}
	return true
}
