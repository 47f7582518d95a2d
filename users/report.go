package users

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

// WriteUnresolvedReport prints the usernames that ended the run without a
// team, grouped by their unix groups so the operator can classify whole
// groups at once in the override file.
func WriteUnresolvedReport(w io.Writer, unresolved []*User) {
	if len(unresolved) == 0 {
		return
	}
	byGroup := make(map[string][]string)
	for _, u := range unresolved {
		key := u.Groups
		if key == "" {
			key = "(no unix groups)"
		}
		byGroup[key] = append(byGroup[key], u.Login)
	}
	groups := make([]string, 0, len(byGroup))
	for g := range byGroup {
		groups = append(groups, g)
	}
	sort.Strings(groups)

	fmt.Fprintf(w, "%d user(s) not in any team; add them to the override file:\n", len(unresolved))
	for _, g := range groups {
		fmt.Fprintf(w, "  %s: %s\n", g, strings.Join(byGroup[g], ", "))
	}
}
