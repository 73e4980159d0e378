package batchloader

import "strings"

// NormalizeID strips a known collection-name prefix (e.g. "customers:c1" or
// "customers_c1") from id, so keys coming from different callers collapse to
// the same cache/dedup key before hitting the Loader.
func NormalizeID(collection, id string) string {
	for _, sep := range []string{":", "_", "/"} {
		prefix := collection + sep
		if strings.HasPrefix(id, prefix) {
			return strings.TrimPrefix(id, prefix)
		}
	}
	return id
}

// Pluralize produces the collection-name form of a singular type name, used
// when a relationship descriptor only names the singular entity type.
func Pluralize(typeName string) string {
	switch {
	case strings.HasSuffix(typeName, "y") && !isVowel(lastRune(typeName, 1)):
		return typeName[:len(typeName)-1] + "ies"
	case strings.HasSuffix(typeName, "s"), strings.HasSuffix(typeName, "x"), strings.HasSuffix(typeName, "ch"):
		return typeName + "es"
	default:
		return typeName + "s"
	}
}

func lastRune(s string, skip int) rune {
	r := []rune(s)
	if len(r) < skip+1 {
		return 0
	}
	return r[len(r)-1-skip]
}

func isVowel(r rune) bool {
	switch r {
	case 'a', 'e', 'i', 'o', 'u':
		return true
	default:
		return false
	}
}
