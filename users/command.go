// The `users` verb: inspect the curated user table of a usage store.
//
// The -template flag prints a YAML skeleton for every user without a team
// assignment, ready to be completed by hand and fed back to `track -users`.

package users

import (
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/matthiasblum/embl-ebi-hpc-co2/cmd"
	"github.com/matthiasblum/embl-ebi-hpc-co2/db"
)

type UsersCommand struct {
	cmd.VerboseArgs
	cmd.SingleStoreArg
	Template bool
}

func (uc *UsersCommand) Summary() string {
	return "List the curated users of a usage store"
}

func (uc *UsersCommand) Add(fs *flag.FlagSet) {
	uc.VerboseArgs.Add(fs)
	fs.BoolVar(&uc.Template, "template", false,
		"Print a YAML override template for users without a team")
}

func (uc *UsersCommand) Validate() error {
	return nil
}

func (uc *UsersCommand) Perform(stdout, stderr io.Writer) error {
	store, err := db.OpenUsageStore(uc.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	known, err := store.Users()
	if err != nil {
		return err
	}
	sort.Slice(known, func(i, j int) bool { return known[i].Login < known[j].Login })

	if uc.Template {
		return writeOverrideTemplate(stdout, known)
	}

	tw := tabwriter.NewWriter(stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "LOGIN\tNAME\tTEAMS\tPOSITION\tGROUPS")
	for _, u := range known {
		teams := strings.Join(u.Teams, ",")
		if teams == "" {
			teams = UnknownTeam
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", u.Login, u.Name, teams, u.Position, u.Groups)
	}
	return tw.Flush()
}

func writeOverrideTemplate(w io.Writer, known []*db.UserRecord) error {
	template := make(map[string]*OverrideEntry)
	for _, u := range known {
		if len(u.Teams) > 0 {
			continue
		}
		template[u.Login] = &OverrideEntry{
			Name:  u.Name,
			Teams: []string{},
		}
	}
	if len(template) == 0 {
		return nil
	}
	enc := yaml.NewEncoder(w)
	defer enc.Close()
	return enc.Encode(template)
}
