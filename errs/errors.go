// Shared error values for the co2track pipeline.
//
// Per-record and per-lookup problems are not represented here: they are
// absorbed where they occur with a warning and a counter.  These sentinels
// classify the failures that abort a date or the whole run.

package errs

import (
	"errors"
)

var (
	// MT: Constant after initialization; immutable
	ConfigErr            = errors.New("Bad or missing configuration")
	InvalidDateErr       = errors.New("Bad date or date range")
	StoreAccessErr       = errors.New("Store unreachable or corrupt")
	LookupUnavailableErr = errors.New("Directory service unavailable")
	CommitFailedErr      = errors.New("Usage store commit failed")
)
