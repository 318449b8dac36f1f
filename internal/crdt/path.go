package crdt

import "strings"

// Path addresses a value in the document by a stable sequence of map keys.
type Path []string

const keySep = "\x1f"

// ParsePath splits a dotted path such as "records.expressions". The empty string is the root.
func ParsePath(s string) Path {
	if s == "" {
		return Path{}
	}
	return Path(strings.Split(s, "."))
}

// Child returns a new path extended by keys; p is never modified.
func (p Path) Child(keys ...string) Path {
	out := make(Path, 0, len(p)+len(keys))
	out = append(out, p...)
	return append(out, keys...)
}

// Parent splits p into its container path and final key.
func (p Path) Parent() (Path, string) {
	if len(p) == 0 {
		return Path{}, ""
	}
	return p[:len(p)-1], p[len(p)-1]
}

// HasPrefix reports whether q is an ancestor of, or equal to, p.
func (p Path) HasPrefix(q Path) bool {
	if len(q) > len(p) {
		return false
	}
	for i := range q {
		if p[i] != q[i] {
			return false
		}
	}
	return true
}

// Equal reports whether both paths address the same location.
func (p Path) Equal(q Path) bool {
	return len(p) == len(q) && p.HasPrefix(q)
}

func (p Path) String() string {
	return strings.Join(p, ".")
}

func (p Path) key() string {
	return strings.Join(p, keySep)
}
