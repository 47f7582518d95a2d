// Store access for the co2track tools.
//
// There are two stores.  The job store is the append-only table of job
// records maintained by the collector; everything else reads it.  The usage
// store holds the per-user per-day aggregates, the curated user table, the
// monthly reports, and the tracking checkpoint.
//
// Each store has two backends selected by the form of the store argument: a
// plain filesystem path opens a sqlite database (the normal, single-machine
// case), while a postgres:// or postgresql:// URI connects to a Postgres
// server carrying the same logical schema.  Callers never see the
// difference.

package db

import (
	"strings"
	"time"
)

type JobStore interface {
	// UpdateJobs upserts completed jobs by accession.
	UpdateJobs(jobs []*JobRecord) error

	// ReplaceIncomplete replaces the set of pending/running jobs wholesale.
	ReplaceIncomplete(jobs []*JobRecord) error

	// FindJobs returns all jobs whose [start, finish) interval overlaps the
	// half-open window [from, to), including still-running jobs started
	// before `to`.  `user` filters by username when nonempty.
	FindJobs(from, to time.Time, user string) ([]*JobRecord, error)

	// LatestUpdate is the update time of the most recently collected record.
	LatestUpdate() (time.Time, error)

	UnixUsers() (map[string]*UnixUser, error)
	UpdateUnixUsers(users []*UnixUser) error

	Close() error
}

type UsageStore interface {
	// Checkpoint returns the last fully processed date; ok is false when no
	// date has been committed yet.
	Checkpoint() (checkpoint time.Time, ok bool, err error)

	// CommitDay replaces every usage row for the given date and advances the
	// checkpoint to that date, in a single transaction.  The checkpoint never
	// moves backwards: re-running an old date rewrites its rows only.
	CommitDay(date time.Time, rows []*UsageRecord) error

	// Usage returns the rows for dates in the inclusive range [from, to].
	Usage(from, to time.Time) ([]*UsageRecord, error)

	Users() ([]*UserRecord, error)
	UpdateUsers(users []*UserRecord) error

	// UpdateReport upserts per-user JSON report payloads for a month on
	// YYYY-MM form.
	UpdateReport(month string, payloads map[string]string) error
	Reports(month string) (map[string]string, error)

	// BumpUpdateTimes records the job-store high-water mark this run saw and
	// stamps the usage store as updated now.
	BumpUpdateTimes(jobsUpdate time.Time) error

	Close() error
}

func isPostgres(store string) bool {
	return strings.HasPrefix(store, "postgres://") || strings.HasPrefix(store, "postgresql://")
}

func OpenJobStore(store string) (JobStore, error) {
	if isPostgres(store) {
		return openPgJobStore(store)
	}
	return openSqliteJobStore(store)
}

func OpenUsageStore(store string) (UsageStore, error) {
	if isPostgres(store) {
		return openPgUsageStore(store)
	}
	return openSqliteUsageStore(store)
}
