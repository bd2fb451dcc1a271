package store

import (
	"strings"
	"unicode"
)

// toSnake translates the camelCase field names used by the core into the
// snake_case identifiers the store schema uses. Acronym runs collapse into
// one segment: "prUrl" -> "pr_url", "workItemId" -> "work_item_id".
func toSnake(name string) string {
	var b strings.Builder
	b.Grow(len(name) + 4)
	runes := []rune(name)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			prevLower := i > 0 && unicode.IsLower(runes[i-1])
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if i > 0 && (prevLower || nextLower) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
