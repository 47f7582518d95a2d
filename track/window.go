// Resolution of the date window to process.
//
// The -from selector is a closed set: auto, today, yesterday, or an explicit
// date.  It is resolved exactly once, before any work starts; nothing
// downstream ever re-interprets the selector string.

package track

import (
	"fmt"
	"time"

	"github.com/matthiasblum/embl-ebi-hpc-co2/common"
	"github.com/matthiasblum/embl-ebi-hpc-co2/errs"
)

type fromKind int

const (
	fromAuto fromKind = iota
	fromToday
	fromYesterday
	fromExplicit
)

type FromSelector struct {
	kind fromKind
	date time.Time // fromExplicit only
}

func ParseFromSelector(s string) (FromSelector, error) {
	switch s {
	case "", "auto":
		return FromSelector{kind: fromAuto}, nil
	case "today":
		return FromSelector{kind: fromToday}, nil
	case "yesterday":
		return FromSelector{kind: fromYesterday}, nil
	}
	date, err := common.ParseDate(s)
	if err != nil {
		return FromSelector{}, fmt.Errorf("%w: -from %q (expected auto, today, yesterday or YYYY-MM-DD)",
			errs.InvalidDateErr, s)
	}
	return FromSelector{kind: fromExplicit, date: date}, nil
}

// Window is the inclusive [From, To] date range to process.
type Window struct {
	From time.Time
	To   time.Time
}

// WindowInput collects everything the resolution depends on, so that the
// resolution itself is a pure function.
type WindowInput struct {
	From  FromSelector
	ToStr string // explicit YYYY-MM-DD or empty for today

	Checkpoint     time.Time
	HaveCheckpoint bool

	// Days re-processed behind the checkpoint to absorb jobs that finished
	// after the previous run.
	SlackDays int

	// First date to process when there is no checkpoint yet.
	Earliest     time.Time
	HaveEarliest bool

	Now time.Time
}

// ResolveWindow computes the inclusive date range [from, to].  The range
// never extends into the future; a from-date beyond today (or beyond the
// to-date) is an error for an explicit selector and simply means "nothing to
// do" for auto, which the caller detects with Window.Empty.
func ResolveWindow(in WindowInput) (Window, error) {
	today := common.ThisDay(in.Now)

	var from time.Time
	switch in.From.kind {
	case fromAuto:
		switch {
		case in.HaveCheckpoint:
			from = common.ThisDay(in.Checkpoint).AddDate(0, 0, -in.SlackDays)
		case in.HaveEarliest:
			from = common.ThisDay(in.Earliest)
		default:
			return Window{}, fmt.Errorf(
				"%w: no checkpoint in the usage store and no earliest date configured; "+
					"set -earliest or an explicit -from", errs.ConfigErr)
		}
	case fromToday:
		from = today
	case fromYesterday:
		from = common.PrevDay(today)
	case fromExplicit:
		from = in.From.date
	}

	to := today
	if in.ToStr != "" {
		var err error
		to, err = common.ParseDate(in.ToStr)
		if err != nil {
			return Window{}, fmt.Errorf("%w: -to %q", errs.InvalidDateErr, in.ToStr)
		}
	}
	if to.After(today) {
		to = today
	}

	if from.After(to) {
		if in.From.kind == fromAuto {
			// The checkpoint is already at or past the end of the window.
			return Window{From: from, To: to}, nil
		}
		return Window{}, fmt.Errorf("%w: from %s is after to %s", errs.InvalidDateErr,
			common.FormatDate(from), common.FormatDate(to))
	}
	return Window{From: from, To: to}, nil
}

func (w Window) Empty() bool {
	return w.From.After(w.To)
}

// Days lists the dates of the window, oldest first.
func (w Window) Days() []time.Time {
	return common.Days(w.From, w.To)
}
