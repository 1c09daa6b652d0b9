package types

import (
	"strings"
	"unicode"
)

// Kebab converts an identity such as "Tests\Foo" or "CountryCode" into
// "tests-foo" / "country-code".
func Kebab(s string) string {
	return delimit(s, '-')
}

// Snake converts an identity into snake_case.
func Snake(s string) string {
	return delimit(s, '_')
}

// delimit lowercases s, splitting words at case boundaries and replacing any
// run of non-alphanumeric characters with a single delimiter.
func delimit(s string, sep rune) string {
	runes := []rune(s)
	var b strings.Builder
	pending := false

	for i, r := range runes {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			pending = b.Len() > 0
			continue
		}
		if unicode.IsUpper(r) && i > 0 && b.Len() > 0 {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				pending = true
			}
		}
		if pending {
			b.WriteRune(sep)
			pending = false
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}
