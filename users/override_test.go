package users

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/matthiasblum/embl-ebi-hpc-co2/errs"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	fn := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(fn, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return fn
}

func TestLoadOverridesJson(t *testing.T) {
	fn := writeFile(t, "users.json", `{
  "alice": {"name": "Alice A", "teams": ["Genomics"], "sponsor": "pi1"},
  "bob": {"teams": ["Proteomics", "Services"]}
}`)
	overrides, err := LoadOverrides(fn)
	if err != nil {
		t.Fatal(err)
	}
	if len(overrides) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(overrides))
	}
	if overrides["alice"].Name != "Alice A" || overrides["alice"].Sponsor != "pi1" {
		t.Errorf("alice: %+v", overrides["alice"])
	}
	if len(overrides["bob"].Teams) != 2 || overrides["bob"].Teams[0] != "Proteomics" {
		t.Errorf("bob: %+v", overrides["bob"])
	}
}

func TestLoadOverridesYaml(t *testing.T) {
	fn := writeFile(t, "users.yaml", `
alice:
  name: Alice A
  teams: [Genomics]
`)
	overrides, err := LoadOverrides(fn)
	if err != nil {
		t.Fatal(err)
	}
	if overrides["alice"].Teams[0] != "Genomics" {
		t.Errorf("alice: %+v", overrides["alice"])
	}
}

func TestLoadOverridesErrors(t *testing.T) {
	if _, err := LoadOverrides(filepath.Join(t.TempDir(), "absent.json")); !errors.Is(err, errs.ConfigErr) {
		t.Errorf("Missing file: expected ConfigErr, got %v", err)
	}
	fn := writeFile(t, "bad.json", "{not json")
	if _, err := LoadOverrides(fn); !errors.Is(err, errs.ConfigErr) {
		t.Errorf("Bad file: expected ConfigErr, got %v", err)
	}
}

func TestOverrideWinsOverDirectory(t *testing.T) {
	u := NewUser("alice")
	u.Name = "Alice from directory"
	u.Teams = []string{"WrongTeam"}
	u.Provenance = Directory

	o := &OverrideEntry{Name: "Alice A", Teams: []string{"Genomics"}}
	o.Apply(u)

	if u.Name != "Alice A" {
		t.Errorf("Name: %s", u.Name)
	}
	if len(u.Teams) != 1 || u.Teams[0] != "Genomics" {
		t.Errorf("Teams: %v", u.Teams)
	}
	if u.Provenance != Override {
		t.Errorf("Provenance: %v", u.Provenance)
	}
	m := u.Mapping()
	if m.Team != "Genomics" || m.Provenance != Override {
		t.Errorf("Mapping: %+v", m)
	}
}

func TestOverrideEmptyFieldsKeepExisting(t *testing.T) {
	u := NewUser("bob")
	u.Name = "Bob B"
	u.Teams = []string{"Proteomics"}
	u.Provenance = Directory

	(&OverrideEntry{Sponsor: "pi2"}).Apply(u)

	if u.Name != "Bob B" || u.Teams[0] != "Proteomics" || u.Provenance != Directory {
		t.Errorf("Untouched fields changed: %+v", u)
	}
	if u.Sponsor != "pi2" {
		t.Errorf("Sponsor: %s", u.Sponsor)
	}
}

func TestMappingUnknown(t *testing.T) {
	m := NewUser("ghost").Mapping()
	if m.Team != UnknownTeam || m.Provenance != Unknown {
		t.Fatalf("Unexpected mapping %+v", m)
	}
}
