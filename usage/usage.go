// The `usage` verb: report per-user or per-team daily usage from a usage
// store.
//
// Team figures are computed on read by joining the usage rows with the
// curated user table: a user's usage is split evenly across their teams, and
// users without any team land in the synthetic "unknown" team so the totals
// always add up.

package usage

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/matthiasblum/embl-ebi-hpc-co2/cmd"
	"github.com/matthiasblum/embl-ebi-hpc-co2/db"
	"github.com/matthiasblum/embl-ebi-hpc-co2/users"
)

type UsageCommand struct {
	cmd.VerboseArgs
	cmd.DateRangeArgs
	cmd.SingleStoreArg
	User  string
	Teams bool
	Json  bool
}

func (uc *UsageCommand) Summary() string {
	return "Report daily usage and footprint from a usage store"
}

func (uc *UsageCommand) Add(fs *flag.FlagSet) {
	uc.VerboseArgs.Add(fs)
	uc.DateRangeArgs.Add(fs)
	fs.StringVar(&uc.User, "user", "", "Report only this `login`")
	fs.BoolVar(&uc.Teams, "teams", false, "Aggregate usage by team instead of by user")
	fs.BoolVar(&uc.Json, "json", false, "Print records as JSON, one object per line")
}

func (uc *UsageCommand) Validate() error {
	return uc.DateRangeArgs.Validate()
}

func (uc *UsageCommand) Perform(stdout, stderr io.Writer) error {
	store, err := db.OpenUsageStore(uc.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	rows, err := store.Usage(uc.From, uc.To)
	if err != nil {
		return err
	}
	if uc.User != "" {
		filtered := rows[:0]
		for _, r := range rows {
			if r.User == uc.User {
				filtered = append(filtered, r)
			}
		}
		rows = filtered
	}

	if uc.Teams {
		known, err := store.Users()
		if err != nil {
			return err
		}
		return uc.printTeams(stdout, AggregateTeams(rows, known))
	}
	return uc.printUsers(stdout, rows)
}

func (uc *UsageCommand) printUsers(stdout io.Writer, rows []*db.UsageRecord) error {
	if uc.Json {
		enc := json.NewEncoder(stdout)
		for _, r := range rows {
			if err := enc.Encode(map[string]any{
				"date":     r.Date,
				"user":     r.User,
				"jobs":     r.Jobs,
				"cpu_time": r.CpuTime,
				"mem_time": r.MemTime,
				"energy":   r.EnergyKWh,
				"co2e":     r.CO2eKg,
				"cost":     r.Cost,
			}); err != nil {
				return err
			}
		}
		return nil
	}
	tw := tabwriter.NewWriter(stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "DATE\tUSER\tJOBS\tCPU_SEC\tGB_SEC\tKWH\tKG_CO2E\tCOST")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%.0f\t%.0f\t%.3f\t%.3f\t%.2f\n",
			r.Date, r.User, r.Jobs, r.CpuTime, r.MemTime, r.EnergyKWh, r.CO2eKg, r.Cost)
	}
	return tw.Flush()
}

func (uc *UsageCommand) printTeams(stdout io.Writer, rows []*TeamUsageRecord) error {
	if uc.Json {
		enc := json.NewEncoder(stdout)
		for _, r := range rows {
			if err := enc.Encode(map[string]any{
				"date":     r.Date,
				"team":     r.Team,
				"jobs":     r.Jobs,
				"cpu_time": r.CpuTime,
				"mem_time": r.MemTime,
				"energy":   r.EnergyKWh,
				"co2e":     r.CO2eKg,
				"cost":     r.Cost,
			}); err != nil {
				return err
			}
		}
		return nil
	}
	tw := tabwriter.NewWriter(stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "DATE\tTEAM\tJOBS\tCPU_SEC\tGB_SEC\tKWH\tKG_CO2E\tCOST")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%.1f\t%.0f\t%.0f\t%.3f\t%.3f\t%.2f\n",
			r.Date, r.Team, r.Jobs, r.CpuTime, r.MemTime, r.EnergyKWh, r.CO2eKg, r.Cost)
	}
	return tw.Flush()
}

// TeamUsageRecord is the per-team per-day aggregate.  Jobs is fractional: a
// job run by a user in two teams counts half toward each.
type TeamUsageRecord struct {
	Date      string
	Team      string
	Jobs      float64
	CpuTime   float64
	MemTime   float64
	EnergyKWh float64
	CO2eKg    float64
	Cost      float64
}

// AggregateTeams splits every usage row evenly across the teams of its user
// and sums per (date, team).  Results are ordered by date then team.
func AggregateTeams(rows []*db.UsageRecord, known []*db.UserRecord) []*TeamUsageRecord {
	teamsOf := make(map[string][]string, len(known))
	for _, u := range known {
		teamsOf[u.Login] = u.Teams
	}

	acc := make(map[string]*TeamUsageRecord)
	for _, r := range rows {
		teams := teamsOf[r.User]
		if len(teams) == 0 {
			teams = []string{users.UnknownTeam}
		}
		share := 1 / float64(len(teams))
		for _, team := range teams {
			key := r.Date + "\x00" + team
			t := acc[key]
			if t == nil {
				t = &TeamUsageRecord{Date: r.Date, Team: team}
				acc[key] = t
			}
			t.Jobs += float64(r.Jobs) * share
			t.CpuTime += r.CpuTime * share
			t.MemTime += r.MemTime * share
			t.EnergyKWh += r.EnergyKWh * share
			t.CO2eKg += r.CO2eKg * share
			t.Cost += r.Cost * share
		}
	}

	out := make([]*TeamUsageRecord, 0, len(acc))
	for _, t := range acc {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].Team < out[j].Team
	})
	return out
}
