// token.go - Syntactic validation of bearer tokens.
package access

import "regexp"

// tokenPattern matches the full token alphabet: letters, digits and
// dots, 8 to 64 characters. Anchored on both ends.
var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9.]{8,64}$`)

// maxTokenLength bounds input size before the pattern runs.
const maxTokenLength = 64

// ValidTokenFormat reports whether s is a well-formed token. Pure
// function, no I/O. The length check runs before the regexp so
// oversized input is rejected without any pattern work.
func ValidTokenFormat(s string) bool {
	if s == "" {
		return false
	}
	if len(s) > maxTokenLength {
		return false
	}
	return tokenPattern.MatchString(s)
}
