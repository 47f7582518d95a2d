package users

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/matthiasblum/embl-ebi-hpc-co2/common"
)

// Resolver is the shared username-to-team cache used by the aggregation
// workers.  Reads take the read lock; a miss that needs a directory lookup
// funnels through the write lock so that concurrent workers cannot race on
// the cache or issue duplicate lookups for the same login.
type Resolver struct {
	mu    sync.RWMutex
	users map[string]*User
	dir   *DirectoryClient // nil when lookups are disabled

	// Logins already tried against the directory this run, successful or not.
	tried map[string]bool
}

func NewResolver(known []*User, dir *DirectoryClient) *Resolver {
	users := make(map[string]*User, len(known))
	for _, u := range known {
		users[u.Login] = u
	}
	return &Resolver{
		users: users,
		dir:   dir,
		tried: make(map[string]bool),
	}
}

// Resolve maps a login to its team.  Never fails: a login nobody can place
// comes back attributed to the unknown team.
func (r *Resolver) Resolve(ctx context.Context, login string) Mapping {
	r.mu.RLock()
	u, found := r.users[login]
	if found && (len(u.Teams) > 0 || r.dir == nil || r.tried[login]) {
		m := u.Mapping()
		r.mu.RUnlock()
		return m
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Another worker may have raced us here.
	u, found = r.users[login]
	if !found {
		u = NewUser(login)
		u.Group, u.Groups = UnixGroups(login)
		r.users[login] = u
	}
	if len(u.Teams) > 0 || r.dir == nil || r.tried[login] {
		return u.Mapping()
	}

	r.tried[login] = true
	person, err := r.dir.Lookup(ctx, login)
	switch {
	case err == nil:
		if person.Name != "" {
			u.Name = person.Name
		}
		if person.Position != "" {
			u.Position = person.Position
		}
		if len(person.Teams) > 0 {
			u.Teams = person.Teams
			u.Provenance = Directory
		}
	case errors.Is(err, ErrNotFound):
		common.Log.Debugf("%s: no directory entry", login)
	default:
		// Logged by the client; the login stays unknown.
	}
	return u.Mapping()
}

// Users returns a snapshot of every known user, for writing back to the
// usage store at the end of a run.
func (r *Resolver) Users() []*User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := make([]*User, 0, len(r.users))
	for _, u := range r.users {
		all = append(all, u)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Login < all[j].Login })
	return all
}

// Unresolved returns the users with no team, sorted by login.
func (r *Resolver) Unresolved() []*User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var unresolved []*User
	for _, u := range r.users {
		if len(u.Teams) == 0 {
			unresolved = append(unresolved, u)
		}
	}
	sort.Slice(unresolved, func(i, j int) bool {
		return unresolved[i].Login < unresolved[j].Login
	})
	return unresolved
}
