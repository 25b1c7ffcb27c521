package filesystem

import (
	"strings"
	"unicode/utf8"
)

const maxNameLength = 255

// Sanitize normalizes a computer-visible path: backslashes become slashes,
// leading slashes and illegal characters are removed, and "." and ".."
// elements are resolved. A path that climbs above the root fails with
// ErrInvalidPath. Wildcards ('*' and '?') are kept only if allowWildcards
// is set.
func Sanitize(p string, allowWildcards bool) (string, error) {
	p = strings.ReplaceAll(p, "\\", "/")

	var b strings.Builder
	b.Grow(len(p))
	for _, r := range p {
		switch {
		case r < 32:
		case r == '"', r == ':', r == '<', r == '>', r == '|':
		case (r == '*' || r == '?') && !allowWildcards:
		default:
			b.WriteRune(r)
		}
	}

	var parts []string
	for _, part := range strings.Split(b.String(), "/") {
		switch {
		case part == "", part == ".":
			continue
		case part == "..":
			if len(parts) == 0 {
				return "", newError("sanitize", strings.TrimLeft(p, "/"), ErrInvalidPath)
			}
			parts = parts[:len(parts)-1]
		case strings.Trim(part, ".") == "":
			// Three or more dots name nothing.
			continue
		default:
			if len(part) > maxNameLength {
				n := maxNameLength
				for n > 0 && !utf8.RuneStart(part[n]) {
					n--
				}
				part = part[:n]
			}
			parts = append(parts, part)
		}
	}
	return strings.Join(parts, "/"), nil
}

// Combine joins path elements and sanitizes the result, allowing wildcards.
func Combine(elem ...string) (string, error) {
	return Sanitize(strings.Join(elem, "/"), true)
}

// Name returns the last element of a sanitized path, or "root" for the root.
func Name(p string) string {
	if p == "" {
		return "root"
	}
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return p
}

// Dir returns the parent of a sanitized path. The parent of a top-level
// entry, and of the root itself, is the root.
func Dir(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[:i]
	}
	return ""
}

// join appends name to a sanitized directory path.
func join(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

// contains reports whether p is dir or lies below it.
func contains(dir, p string) bool {
	if dir == "" {
		return true
	}
	return p == dir || strings.HasPrefix(p, dir+"/")
}

// relative returns p relative to dir. p must be contained in dir.
func relative(dir, p string) string {
	switch {
	case p == dir:
		return ""
	case dir == "":
		return p
	default:
		return p[len(dir)+1:]
	}
}
