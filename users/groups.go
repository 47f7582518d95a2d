package users

import (
	"os/user"
	"sort"
	"strings"
)

// UnixGroups returns the primary group and the sorted, comma-separated list
// of all groups for a login.  Unknown logins yield empty values; group ids
// with no name entry are skipped.
func UnixGroups(login string) (group string, groups string) {
	u, err := user.Lookup(login)
	if err != nil {
		return "", ""
	}
	if g, err := user.LookupGroupId(u.Gid); err == nil {
		group = g.Name
	}
	ids, err := u.GroupIds()
	if err != nil {
		return group, ""
	}
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		if g, err := user.LookupGroupId(id); err == nil {
			names = append(names, g.Name)
		}
	}
	sort.Strings(names)
	return group, strings.Join(names, ",")
}
