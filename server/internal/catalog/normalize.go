package catalog

import (
	"path"
	"strings"
)

// minFuzzyPrefix is the shortest name prefix used for approximate matching.
const minFuzzyPrefix = 6

// Normalize maps an identifier to its catalog key. Only the last path
// element is considered. The result is "" for identifiers with no name.
func Normalize(raw string) string {
	base := path.Base(strings.ReplaceAll(raw, `\`, "/"))
	if base == "." || base == "/" {
		return ""
	}
	name, ext := base, ""
	if i := strings.LastIndexByte(base, '.'); i >= 0 {
		name, ext = base[:i], base[i+1:]
	}

	var b strings.Builder
	b.Grow(len(name) + len(ext) + 1)
	for _, r := range strings.ToLower(name) {
		if ('a' <= r && r <= 'z') || ('0' <= r && r <= '9') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return ""
	}
	if ext != "" {
		b.WriteByte('.')
		b.WriteString(strings.ToLower(ext))
	}
	return b.String()
}

// splitKey separates a normalized key into name and extension.
func splitKey(key string) (name, ext string) {
	if i := strings.LastIndexByte(key, '.'); i >= 0 {
		return key[:i], key[i+1:]
	}
	return key, ""
}

// fuzzyPrefix returns the prefix of name a candidate must contain, or ""
// when name is too short to match approximately.
func fuzzyPrefix(name string) string {
	if len(name) < minFuzzyPrefix {
		return ""
	}
	n := max(minFuzzyPrefix, len(name)*6/10)
	return name[:n]
}
