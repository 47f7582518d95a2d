package users

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/matthiasblum/embl-ebi-hpc-co2/common"
	"github.com/matthiasblum/embl-ebi-hpc-co2/errs"
)

// OverrideEntry is one operator-curated record in the override file.  Empty
// fields leave the corresponding user metadata alone; non-empty fields win
// over anything the directory says.
type OverrideEntry struct {
	Name     string   `json:"name" yaml:"name"`
	Position string   `json:"position" yaml:"position"`
	Teams    []string `json:"teams" yaml:"teams"`
	Sponsor  string   `json:"sponsor" yaml:"sponsor"`
}

// LoadOverrides reads the override file, keyed by login.  JSON is the
// historical format; .yaml/.yml files are accepted too.
func LoadOverrides(filename string) (map[string]*OverrideEntry, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot read override file %s: %v", errs.ConfigErr, filename, err)
	}
	overrides := make(map[string]*OverrideEntry)
	switch filepath.Ext(filename) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &overrides)
	default:
		err = json.Unmarshal(data, &overrides)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: cannot parse override file %s: %v", errs.ConfigErr, filename, err)
	}
	return overrides, nil
}

// Apply merges an override entry into a user, logging when the override
// disagrees with what was already known.  The override always wins.
func (o *OverrideEntry) Apply(u *User) {
	if o.Name != "" {
		if u.Name != "" && u.Name != o.Name {
			common.Log.Warningf("%s: %s ≠ %s (name)", u.Login, o.Name, u.Name)
		}
		u.Name = o.Name
	}
	if o.Position != "" {
		if u.Position != "" && u.Position != o.Position {
			common.Log.Warningf("%s: %s ≠ %s (position)", u.Login, o.Position, u.Position)
		}
		u.Position = o.Position
	}
	if len(o.Teams) > 0 {
		if len(u.Teams) > 0 && !equalTeams(u.Teams, o.Teams) {
			common.Log.Warningf("%s: %v ≠ %v (teams)", u.Login, o.Teams, u.Teams)
		}
		u.Teams = o.Teams
		u.Provenance = Override
	}
	if o.Sponsor != "" {
		if u.Sponsor != "" && u.Sponsor != o.Sponsor {
			common.Log.Warningf("%s: %s ≠ %s (sponsor)", u.Login, o.Sponsor, u.Sponsor)
		}
		u.Sponsor = o.Sponsor
	}
}

func equalTeams(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
