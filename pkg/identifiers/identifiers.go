// Package identifiers derives the stable key every book is stored under.
package identifiers

import (
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
)

// Kind describes what an embedded identifier looks like.
type Kind string

const (
	KindURL     Kind = "url"
	KindUUID    Kind = "uuid"
	KindISBN10  Kind = "isbn_10"
	KindISBN13  Kind = "isbn_13"
	KindOther   Kind = "other"
	KindDerived Kind = "derived"
)

var (
	urlRegex      = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*://`)
	nonAlnumRegex = regexp.MustCompile(`[^a-zA-Z0-9]+`)
	uuidRegex     = regexp.MustCompile(`^(?:urn:uuid:)?[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
)

// Resolve returns the key a book is stored under. A non-blank embedded
// identifier wins; URL-shaped ones have every run of non-alphanumeric
// characters collapsed to a single hyphen. A blank identifier falls back to
// the file name without its extension. The result is never empty.
func Resolve(raw, relativePath string) string {
	raw = strings.TrimSpace(raw)
	if raw != "" {
		if urlRegex.MatchString(raw) {
			return nonAlnumRegex.ReplaceAllString(raw, "-")
		}
		return raw
	}
	return Fallback(relativePath)
}

// Fallback derives an identifier from a file's path alone.
func Fallback(relativePath string) string {
	base := path.Base(filepath.ToSlash(relativePath))
	stem := strings.TrimSpace(strings.TrimSuffix(base, path.Ext(base)))
	if stem == "" || stem == "." || stem == "/" {
		// Only reachable with a degenerate path such as ".epub".
		return strings.TrimSpace(filepath.ToSlash(relativePath))
	}
	return stem
}

// Classify reports the kind of a raw embedded identifier. Blank input is
// KindDerived since Resolve falls back to the file name for it.
func Classify(raw string) Kind {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return KindDerived
	case uuidRegex.MatchString(raw):
		return KindUUID
	case urlRegex.MatchString(raw):
		return KindURL
	}

	isbn := NormalizeISBN(raw)
	if len(isbn) == 13 && ValidateISBN13(isbn) {
		return KindISBN13
	}
	if len(isbn) == 10 && ValidateISBN10(isbn) {
		return KindISBN10
	}
	return KindOther
}

// NormalizeISBN removes hyphens, spaces and an "ISBN" or "urn:isbn:" prefix.
func NormalizeISBN(value string) string {
	value = strings.ToUpper(strings.TrimSpace(value))
	for _, prefix := range []string{"URN:ISBN:", "ISBN:", "ISBN"} {
		value = strings.TrimPrefix(value, prefix)
	}

	var result strings.Builder
	for _, r := range strings.TrimSpace(value) {
		switch {
		case unicode.IsDigit(r), r == 'X':
			result.WriteRune(r)
		case r == '-', unicode.IsSpace(r):
		default:
			// Anything else means this isn't an ISBN at all.
			return ""
		}
	}
	return result.String()
}

// ValidateISBN10 checks the mod 11 checksum with weights 10 down to 1.
func ValidateISBN10(isbn string) bool {
	if len(isbn) != 10 {
		return false
	}

	sum := 0
	for i, r := range isbn {
		digit := 0
		switch {
		case r == 'X' && i == 9:
			digit = 10
		case unicode.IsDigit(r):
			digit = int(r - '0')
		default:
			return false
		}
		sum += digit * (10 - i)
	}
	return sum%11 == 0
}

// ValidateISBN13 checks the mod 10 checksum with alternating weights 1 and 3.
func ValidateISBN13(isbn string) bool {
	if len(isbn) != 13 {
		return false
	}

	sum := 0
	for i, r := range isbn {
		if !unicode.IsDigit(r) {
			return false
		}
		weight := 1
		if i%2 == 1 {
			weight = 3
		}
		sum += int(r-'0') * weight
	}
	return sum%10 == 0
}
