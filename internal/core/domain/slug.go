package domain

import "strings"

// =============================================================================
// Slug Generation
// =============================================================================

// Slugify converts a name or domain to a container-safe slug.
//
// The transformation rules are:
//   - Lowercase letters and digits are kept
//   - Uppercase letters are lowercased
//   - Spaces, dots, slashes, underscores and hyphens become a single hyphen
//   - All other characters are removed
//   - Leading and trailing hyphens are trimmed
//
// Example:
//
//	Slugify("Hello World")   // returns "hello-world"
//	Slugify("a.example.com") // returns "a-example-com"
//	Slugify("My App 2.0!")   // returns "my-app-2-0"
func Slugify(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	pendingHyphen := false
	for _, r := range name {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
		case r >= 'A' && r <= 'Z':
			r += 'a' - 'A'
		case r == ' ' || r == '.' || r == '_' || r == '-' || r == '/':
			pendingHyphen = b.Len() > 0
			continue
		default:
			continue
		}
		if pendingHyphen {
			b.WriteByte('-')
			pendingHyphen = false
		}
		b.WriteRune(r)
	}
	return b.String()
}
