// `co2track track` - the incremental usage tracker.
//
// Harvests the job store for the resolved date window, converts resource
// consumption into energy and CO2e with the configured power profile,
// attributes it per user and day, and commits the aggregates and the
// checkpoint to the usage store.  Re-running any window is safe: a date's
// rows are always recomputed from the job store and overwritten, never
// accumulated.

package track

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/matthiasblum/embl-ebi-hpc-co2/carbon"
	"github.com/matthiasblum/embl-ebi-hpc-co2/cmd"
	"github.com/matthiasblum/embl-ebi-hpc-co2/common"
	"github.com/matthiasblum/embl-ebi-hpc-co2/db"
	"github.com/matthiasblum/embl-ebi-hpc-co2/errs"
	"github.com/matthiasblum/embl-ebi-hpc-co2/users"
)

type TrackCommand struct {
	cmd.VerboseArgs
	cmd.JobsUsageStoreArgs

	fromStr      string
	toStr        string
	updateUsers  bool
	usersFile    string
	workersStr   string
	slackStr     string
	earliestStr  string
	profileFile  string
	intensityStr string

	from         FromSelector
	workers      int
	slackDays    int
	earliest     time.Time
	haveEarliest bool
	model        *carbon.Model
}

func (tc *TrackCommand) Summary() string {
	return "Track usage and estimate the carbon footprint of completed jobs"
}

func (tc *TrackCommand) Add(fs *flag.FlagSet) {
	tc.VerboseArgs.Add(fs)
	fs.StringVar(&tc.fromStr, "from", "auto",
		"Start of the window: auto, today, yesterday or YYYY-MM-DD")
	fs.StringVar(&tc.toStr, "to", "", "End `date` of the window, YYYY-MM-DD [default: today]")
	fs.BoolVar(&tc.updateUsers, "update-users", false,
		"Look up unknown usernames in the directory service")
	fs.StringVar(&tc.usersFile, "users", "", "Override `file` of curated user metadata (JSON or YAML)")
	fs.StringVar(&tc.workersStr, "workers", "", "Number of workers [default: 1]")
	fs.StringVar(&tc.slackStr, "slack", "",
		"Days re-processed behind the checkpoint with -from auto [default: 1]")
	fs.StringVar(&tc.earliestStr, "earliest", "",
		"First `date` to process when the usage store has no checkpoint")
	fs.StringVar(&tc.profileFile, "profile", "", "Power profile YAML `file`")
	fs.StringVar(&tc.intensityStr, "intensity", "", "Grid carbon intensity in gCO2e/kWh")
}

func (tc *TrackCommand) Validate() error {
	if err := tc.VerboseArgs.Validate(); err != nil {
		return err
	}

	var err error
	if tc.from, err = ParseFromSelector(tc.fromStr); err != nil {
		return err
	}
	if tc.toStr != "" {
		if _, err := common.ParseDate(tc.toStr); err != nil {
			return fmt.Errorf("%w: -to %q", errs.InvalidDateErr, tc.toStr)
		}
	}

	common.ApplyDefault(&tc.workersStr, common.TrackingWorkers)
	tc.workers = 1
	if tc.workersStr != "" {
		if tc.workers, err = strconv.Atoi(tc.workersStr); err != nil {
			return fmt.Errorf("%w: -workers %q", errs.ConfigErr, tc.workersStr)
		}
	}
	if tc.workers < 1 {
		tc.workers = 1
	}

	common.ApplyDefault(&tc.slackStr, common.TrackingSlackDays)
	tc.slackDays = 1
	if tc.slackStr != "" {
		if tc.slackDays, err = strconv.Atoi(tc.slackStr); err != nil || tc.slackDays < 0 {
			return fmt.Errorf("%w: -slack %q", errs.ConfigErr, tc.slackStr)
		}
	}

	common.ApplyDefault(&tc.earliestStr, common.TrackingEarliestDate)
	if tc.earliestStr != "" {
		if tc.earliest, err = common.ParseDate(tc.earliestStr); err != nil {
			return fmt.Errorf("%w: -earliest %q", errs.InvalidDateErr, tc.earliestStr)
		}
		tc.haveEarliest = true
	}

	common.ApplyDefault(&tc.profileFile, common.CarbonProfile)
	common.ApplyDefault(&tc.intensityStr, common.CarbonIntensity)
	if tc.model, err = carbon.ResolveModel(tc.profileFile, tc.intensityStr); err != nil {
		return fmt.Errorf("%w: %v", errs.ConfigErr, err)
	}
	return nil
}

func (tc *TrackCommand) Perform(stdout, stderr io.Writer) error {
	// An operator abort must leave the usage store at the last committed
	// date, so everything below runs under a cancelable context.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	jobStore, err := db.OpenJobStore(tc.JobStore)
	if err != nil {
		return err
	}
	defer jobStore.Close()
	usageStore, err := db.OpenUsageStore(tc.UsageStore)
	if err != nil {
		return err
	}
	defer usageStore.Close()

	common.Log.Infof("Loading users")
	resolver, err := tc.loadUsers(jobStore, usageStore)
	if err != nil {
		return err
	}

	checkpoint, haveCheckpoint, err := usageStore.Checkpoint()
	if err != nil {
		return err
	}
	window, err := ResolveWindow(WindowInput{
		From:           tc.from,
		ToStr:          tc.toStr,
		Checkpoint:     checkpoint,
		HaveCheckpoint: haveCheckpoint,
		SlackDays:      tc.slackDays,
		Earliest:       tc.earliest,
		HaveEarliest:   tc.haveEarliest,
		Now:            time.Now(),
	})
	if err != nil {
		return err
	}

	lastUpdate, err := jobStore.LatestUpdate()
	if err != nil {
		return err
	}

	common.Log.Infof("Processing jobs from %s to %s with %d worker(s)",
		common.FormatDate(window.From), common.FormatDate(window.To), tc.workers)
	ag := &Aggregator{
		Jobs:           jobStore,
		Usage:          usageStore,
		Resolver:       resolver,
		Model:          tc.model,
		Workers:        tc.workers,
		LastJobsUpdate: lastUpdate,
	}
	stats, runErr := ag.Run(ctx, window)

	// The remediation summary is printed success or failure: a partial run
	// has advanced the checkpoint partway and the operator needs to know
	// what is left to curate.
	if !lastUpdate.IsZero() && stats.Dates > 0 {
		if err := usageStore.BumpUpdateTimes(lastUpdate); err != nil {
			common.Log.Errorf("Failed to bump update times: %v", err)
		}
	}
	userList := resolver.Users()
	records := make([]*db.UserRecord, len(userList))
	for i, u := range userList {
		records[i] = &u.UserRecord
	}
	if err := usageStore.UpdateUsers(records); err != nil {
		common.Log.Errorf("Failed to update users: %v", err)
	}

	users.WriteUnresolvedReport(stderr, resolver.Unresolved())
	if stats.Skipped > 0 {
		fmt.Fprintf(stderr, "%d malformed job record(s) skipped\n", stats.Skipped)
	}
	fmt.Fprintf(stdout, "%d date(s) committed, %d job(s) processed\n", stats.Dates, stats.Jobs)
	return runErr
}

// loadUsers merges the three identity sources: unix users recorded by the
// collector, curated users from the usage store, and the override file.
func (tc *TrackCommand) loadUsers(jobStore db.JobStore, usageStore db.UsageStore) (*users.Resolver, error) {
	unixUsers, err := jobStore.UnixUsers()
	if err != nil {
		return nil, err
	}
	stored, err := usageStore.Users()
	if err != nil {
		return nil, err
	}

	byLogin := make(map[string]*users.User)
	for _, rec := range stored {
		u := &users.User{UserRecord: *rec}
		if len(u.Teams) > 0 {
			u.Provenance = users.Directory
		}
		if uu, found := unixUsers[u.Login]; found {
			u.Group = uu.Group
			u.Groups = uu.Groups
		}
		byLogin[u.Login] = u
	}
	for login, uu := range unixUsers {
		if _, found := byLogin[login]; !found {
			u := users.NewUser(login)
			u.Group = uu.Group
			u.Groups = uu.Groups
			byLogin[login] = u
		}
	}

	if tc.usersFile != "" {
		overrides, err := users.LoadOverrides(tc.usersFile)
		if err != nil {
			return nil, err
		}
		for login, entry := range overrides {
			u, found := byLogin[login]
			if !found {
				u = users.NewUser(login)
				u.Group, u.Groups = users.UnixGroups(login)
				byLogin[login] = u
			}
			entry.Apply(u)
		}
	}

	all := make([]*users.User, 0, len(byLogin))
	for _, u := range byLogin {
		all = append(all, u)
	}

	var dir *users.DirectoryClient
	if tc.updateUsers {
		var baseUrl, rateStr string
		common.ApplyDefault(&baseUrl, common.DirectoryUrl)
		common.ApplyDefault(&rateStr, common.DirectoryRateLimit)
		perSecond := float64(0)
		if rateStr != "" {
			perSecond, _ = strconv.ParseFloat(rateStr, 64)
		}
		dir = users.NewDirectoryClient(baseUrl, perSecond)
	}
	return users.NewResolver(all, dir), nil
}
