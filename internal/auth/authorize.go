package auth

import "sort"

// PermissionSet is an interned set of permission ids.
type PermissionSet map[string]struct{}

// NewPermissionSet builds a set from ids, skipping blanks.
func NewPermissionSet(ids ...string) PermissionSet {
	set := make(PermissionSet, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		set[id] = struct{}{}
	}
	return set
}

// Has reports membership.
func (s PermissionSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the ids in lexical order.
func (s PermissionSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Principal represents a user with resolved roles and permissions.
type Principal struct {
	User        *User
	Permissions PermissionSet
}

// NewPrincipal constructs a principal from the union of its role grants.
func NewPrincipal(user *User, grants ...[]string) Principal {
	set := make(PermissionSet)
	for _, g := range grants {
		for _, id := range g {
			if id != "" {
				set[id] = struct{}{}
			}
		}
	}
	return Principal{User: user, Permissions: set}
}

// HasPermission reports whether the principal can execute the action identified by id.
func (p Principal) HasPermission(id string) bool {
	return p.Permissions.Has(id)
}
