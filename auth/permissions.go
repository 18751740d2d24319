package auth

import (
	"encoding/json"
	"slices"
	"strings"
)

// PermissionSet is an immutable, deduplicated, sorted set of permission
// strings. Comparison is case-sensitive. The zero value is the empty set.
type PermissionSet struct {
	items []string
}

// NewPermissionSet builds a set from the given permissions. Empty strings
// are dropped and duplicates removed.
func NewPermissionSet(perms ...string) PermissionSet {
	items := make([]string, 0, len(perms))
	for _, p := range perms {
		if p != "" {
			items = append(items, p)
		}
	}
	slices.Sort(items)
	return PermissionSet{items: slices.Compact(items)}
}

// ParseScope splits a space-delimited scope string into a set. Any run of
// whitespace separates entries; an empty string yields the empty set.
func ParseScope(scope string) PermissionSet {
	return NewPermissionSet(strings.Fields(scope)...)
}

// Has reports whether perm is a member of the set.
func (s PermissionSet) Has(perm string) bool {
	_, found := slices.BinarySearch(s.items, perm)
	return found
}

// Len returns the number of permissions in the set.
func (s PermissionSet) Len() int {
	return len(s.items)
}

// IsEmpty reports whether the set has no members.
func (s PermissionSet) IsEmpty() bool {
	return len(s.items) == 0
}

// Intersect returns the permissions present in both sets.
func (s PermissionSet) Intersect(other PermissionSet) PermissionSet {
	out := make([]string, 0, min(len(s.items), len(other.items)))
	i, j := 0, 0
	for i < len(s.items) && j < len(other.items) {
		switch strings.Compare(s.items[i], other.items[j]) {
		case 0:
			out = append(out, s.items[i])
			i++
			j++
		case -1:
			i++
		default:
			j++
		}
	}
	return PermissionSet{items: out}
}

// Equal reports whether both sets hold the same permissions.
func (s PermissionSet) Equal(other PermissionSet) bool {
	return slices.Equal(s.items, other.items)
}

// Slice returns a sorted copy of the members.
func (s PermissionSet) Slice() []string {
	return slices.Clone(s.items)
}

// String renders the set in scope wire form.
func (s PermissionSet) String() string {
	return strings.Join(s.items, " ")
}

// MarshalJSON encodes the set as a JSON array.
func (s PermissionSet) MarshalJSON() ([]byte, error) {
	if s.items == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s.items)
}
