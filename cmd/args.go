package cmd

import (
	"flag"
	"fmt"
	"time"

	"github.com/matthiasblum/embl-ebi-hpc-co2/common"
	"github.com/matthiasblum/embl-ebi-hpc-co2/errs"
)

///////////////////////////////////////////////////////////////////////////////////////////////////
//
// -v / -verbose

type VerboseArgs struct {
	Verbose bool
}

func (va *VerboseArgs) Add(fs *flag.FlagSet) {
	fs.BoolVar(&va.Verbose, "v", false, "Print progress and diagnostics to stderr")
	fs.BoolVar(&va.Verbose, "verbose", false, "Alias for -v")
}

func (va *VerboseArgs) Validate() error {
	return nil
}

func (va *VerboseArgs) VerboseFlag() bool {
	return va.Verbose
}

///////////////////////////////////////////////////////////////////////////////////////////////////
//
// Explicit date range for the read-only verbs: -from/-to as plain dates with
// "last 30 days" as the default window.  The tracker has its own window
// logic, see the track package.

type DateRangeArgs struct {
	FromStr string
	ToStr   string

	From time.Time
	To   time.Time
}

func (da *DateRangeArgs) Add(fs *flag.FlagSet) {
	fs.StringVar(&da.FromStr, "from", "", "Start `date` of the window, YYYY-MM-DD [default: 30 days ago]")
	fs.StringVar(&da.ToStr, "to", "", "End `date` of the window, YYYY-MM-DD [default: today]")
}

func (da *DateRangeArgs) Validate() error {
	today := common.ThisDay(time.Now())
	var err error
	if da.FromStr == "" {
		da.From = today.AddDate(0, 0, -30)
	} else if da.From, err = common.ParseDate(da.FromStr); err != nil {
		return fmt.Errorf("%w: %v", errs.InvalidDateErr, err)
	}
	if da.ToStr == "" {
		da.To = today
	} else if da.To, err = common.ParseDate(da.ToStr); err != nil {
		return fmt.Errorf("%w: %v", errs.InvalidDateErr, err)
	}
	if da.From.After(da.To) {
		return fmt.Errorf("%w: -from %s is after -to %s", errs.InvalidDateErr,
			common.FormatDate(da.From), common.FormatDate(da.To))
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////////////////////////////
//
// Positional store arguments

// SingleStoreArg accepts exactly one positional argument, a store path or
// postgres URI.
type SingleStoreArg struct {
	Store string
}

func (sa *SingleStoreArg) SetRestArguments(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: expected exactly one store argument, got %d", errs.ConfigErr, len(args))
	}
	sa.Store = args[0]
	return nil
}

// JobsUsageStoreArgs accepts the jobs-store and usage-store positional
// arguments, in that order.
type JobsUsageStoreArgs struct {
	JobStore   string
	UsageStore string
}

func (ja *JobsUsageStoreArgs) SetRestArguments(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("%w: expected jobs-store and usage-store arguments, got %d argument(s)",
			errs.ConfigErr, len(args))
	}
	ja.JobStore = args[0]
	ja.UsageStore = args[1]
	return nil
}
