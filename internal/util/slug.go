package util

import (
	"regexp"
	"strings"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// ValidSlug reports whether s is a URL-safe article slug.
func ValidSlug(s string) bool {
	return len(s) > 0 && len(s) <= 120 && slugPattern.MatchString(s)
}

var nonSlugChars = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify derives a slug from a free-form title.
func Slugify(title string) string {
	lowered := strings.ToLower(strings.TrimSpace(title))
	slug := nonSlugChars.ReplaceAllString(lowered, "-")
	return strings.Trim(slug, "-")
}
