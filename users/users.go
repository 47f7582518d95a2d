// Username-to-team resolution.
//
// Three sources feed the resolution, in decreasing priority: the operator's
// override file, the cached results of earlier directory lookups (the user
// table of the usage store), and live directory lookups when those are
// explicitly enabled.  A username none of them can place stays "unknown" and
// is attributed to the synthetic unknown team so that the energy and CO2e
// totals remain conserved.

package users

import (
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/matthiasblum/embl-ebi-hpc-co2/db"
)

// The synthetic team that keeps accounting conserved when attribution fails.
const UnknownTeam = "unknown"

type Provenance int

const (
	Unknown Provenance = iota
	Directory
	Override
)

func (p Provenance) String() string {
	switch p {
	case Directory:
		return "directory"
	case Override:
		return "override"
	default:
		return "unknown"
	}
}

// Mapping is the resolution for one username.  Team is the primary team used
// for attribution; Teams carries the full list for reporting.
type Mapping struct {
	Team       string
	Teams      []string
	Provenance Provenance
}

// User is the curated identity built from the stores and, possibly, the
// directory.
type User struct {
	db.UserRecord
	Provenance Provenance
}

func NewUser(login string) *User {
	return &User{
		UserRecord: db.UserRecord{
			Login: login,
			UUID:  strings.ReplaceAll(uuid.New().String(), "-", ""),
		},
	}
}

func (u *User) Mapping() Mapping {
	if len(u.Teams) == 0 {
		return Mapping{Team: UnknownTeam, Provenance: Unknown}
	}
	return Mapping{Team: u.Teams[0], Teams: slices.Clone(u.Teams), Provenance: u.Provenance}
}
