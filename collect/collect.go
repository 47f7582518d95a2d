// The `collect` verb: pull the current job state out of LSF and fold it into
// the job store.
//
// By default this runs `bjobs -u all -a -json` and parses its output; with
// -input it reads a previously captured payload from a file ("-" for stdin),
// and with -broker it consumes job payloads from a Kafka topic instead.
// Completed jobs are upserted by accession; jobs still pending or running
// replace the previous incomplete set wholesale, so a job that vanishes from
// the scheduler between runs simply disappears from the incomplete table.

package collect

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/matthiasblum/embl-ebi-hpc-co2/cmd"
	"github.com/matthiasblum/embl-ebi-hpc-co2/common"
	"github.com/matthiasblum/embl-ebi-hpc-co2/db"
	"github.com/matthiasblum/embl-ebi-hpc-co2/errs"
	"github.com/matthiasblum/embl-ebi-hpc-co2/users"
)

const (
	bjobsAttempts   = 5
	bjobsRetryDelay = 5 * time.Second
)

type CollectCommand struct {
	cmd.VerboseArgs
	cmd.SingleStoreArg
	Input  string
	Broker string
	Topic  string
}

func (cc *CollectCommand) Summary() string {
	return "Collect job accounting data from LSF into a job store"
}

func (cc *CollectCommand) Add(fs *flag.FlagSet) {
	cc.VerboseArgs.Add(fs)
	fs.StringVar(&cc.Input, "input", "",
		"Read `bjobs -json` output from this file instead of running bjobs (\"-\" for stdin)")
	fs.StringVar(&cc.Broker, "broker", "",
		"Consume job payloads from this Kafka broker instead of running bjobs")
	fs.StringVar(&cc.Topic, "topic", defaultTopic,
		"Kafka topic to consume (with -broker)")
}

func (cc *CollectCommand) Validate() error {
	if cc.Input != "" && cc.Broker != "" {
		return fmt.Errorf("%w: -input and -broker are mutually exclusive", errs.ConfigErr)
	}
	if cc.Topic != defaultTopic && cc.Broker == "" {
		return fmt.Errorf("%w: -topic requires -broker", errs.ConfigErr)
	}
	return nil
}

func (cc *CollectCommand) Perform(stdout, stderr io.Writer) error {
	store, err := db.OpenJobStore(cc.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	if cc.Broker != "" {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return consumeJobs(ctx, cc.Broker, cc.Topic, func(jobs []*db.JobRecord) error {
			return storeJobs(store, jobs)
		})
	}

	data, err := cc.readBjobs()
	if err != nil {
		return err
	}
	jobs, err := ParseBjobs(data, time.Now().UTC())
	if err != nil {
		return err
	}
	if err := storeJobs(store, jobs); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Collected %d job(s)\n", len(jobs))
	return nil
}

func (cc *CollectCommand) readBjobs() ([]byte, error) {
	switch cc.Input {
	case "":
		return runBjobs()
	case "-":
		return io.ReadAll(os.Stdin)
	default:
		return os.ReadFile(cc.Input)
	}
}

// runBjobs shells out to bjobs.  mbatchd refuses queries while it is
// reconfiguring, so transient failures are retried a few times.
func runBjobs() ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < bjobsAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(bjobsRetryDelay)
		}
		out, err := exec.Command(
			"bjobs", "-u", "all", "-a", "-json", "-o",
			"jobid jobindex job_name stat user queue slots memlimit max_mem "+
				"from_host exec_host submit_time start_time finish_time "+
				"cpu_efficiency mem_efficiency cpu_used",
		).Output()
		if err == nil {
			return out, nil
		}
		lastErr = err
		var ee *exec.ExitError
		if errors.As(err, &ee) && len(ee.Stderr) > 0 {
			common.Log.Warningf("bjobs failed (attempt %d): %s", attempt+1, string(ee.Stderr))
		} else {
			common.Log.Warningf("bjobs failed (attempt %d): %v", attempt+1, err)
		}
	}
	return nil, fmt.Errorf("%w: bjobs did not succeed after %d attempts\n%v",
		errs.StoreAccessErr, bjobsAttempts, lastErr)
}

// storeJobs splits a batch into completed and incomplete jobs and writes
// both, then refreshes the unix identities of every user seen.
func storeJobs(store db.JobStore, jobs []*db.JobRecord) error {
	var complete, incomplete []*db.JobRecord
	logins := make(map[string]bool)
	for _, j := range jobs {
		if j.FinishTime.IsZero() {
			incomplete = append(incomplete, j)
		} else {
			complete = append(complete, j)
		}
		logins[j.User] = true
	}
	if err := store.UpdateJobs(complete); err != nil {
		return err
	}
	if err := store.ReplaceIncomplete(incomplete); err != nil {
		return err
	}

	known, err := store.UnixUsers()
	if err != nil {
		return err
	}
	var added []*db.UnixUser
	for login := range logins {
		if _, found := known[login]; found {
			continue
		}
		group, groups := users.UnixGroups(login)
		added = append(added, &db.UnixUser{Login: login, Group: group, Groups: groups})
	}
	if err := store.UpdateUnixUsers(added); err != nil {
		return err
	}

	common.Log.Infof("Stored %d completed and %d incomplete job(s), %d new user(s)",
		len(complete), len(incomplete), len(added))
	return nil
}
