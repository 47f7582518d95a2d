// Record types shared by the job and usage stores.

package db

import (
	"errors"
	"fmt"
	"time"
)

// Timestamp layout used by the sqlite stores, second resolution.
const TimeLayout = "2006-01-02 15:04:05"

// JobRecord is one accounting line for a scheduler job, written by the
// collector and immutable afterwards.  A zero StartTime means the job has not
// started; a zero FinishTime means it is still running.  MemLimMB and
// MemMaxMB are in MiB with 0 meaning unknown; CpuTime is in core-seconds.
type JobRecord struct {
	Accession     string
	Scheduler     string
	ID            int64
	Index         int64
	Name          string
	Status        string
	User          string
	Queue         string
	Slots         int64
	CpuEfficiency float64 // percent
	CpuTime       float64 // core-seconds
	MemLimMB      int64
	MemMaxMB      int64
	MemEfficiency float64 // percent
	FromHost      string
	ExecHost      string
	SubmitTime    time.Time
	StartTime     time.Time
	FinishTime    time.Time
	UpdateTime    time.Time
}

// The accession is unique per job: array jobs share an ID but not an Index,
// and IDs recycled by the scheduler differ in submit time.
func (j *JobRecord) ComputeAccession() string {
	return fmt.Sprintf("%d-%s-%d-%d", j.SubmitTime.Unix(), j.Scheduler, j.ID, j.Index)
}

// Validate checks the invariants a record must satisfy to be aggregated.
// Violations mean the record is skipped, they never abort a date.
func (j *JobRecord) Validate() error {
	if j.User == "" {
		return errors.New("empty username")
	}
	if j.CpuTime < 0 {
		return fmt.Errorf("negative CPU time %v", j.CpuTime)
	}
	if !j.FinishTime.IsZero() && j.FinishTime.Before(j.StartTime) {
		return fmt.Errorf("finish time %s before start time %s",
			j.FinishTime.Format(TimeLayout), j.StartTime.Format(TimeLayout))
	}
	return nil
}

// Done is true for jobs that finished successfully.
func (j *JobRecord) Done() bool {
	return !j.FinishTime.IsZero() && j.Status == "DONE"
}

// UsageRecord is the aggregate for one user on one day.  CpuTime is in
// core-seconds, MemTime in GB-seconds.
type UsageRecord struct {
	Date      string // YYYY-MM-DD
	User      string
	Jobs      int64
	CpuTime   float64
	MemTime   float64
	EnergyKWh float64
	CO2eKg    float64
	Cost      float64
}

// UnixUser is the minimal user identity recorded by the collector: the login
// plus primary and secondary unix groups (the latter comma-separated).
type UnixUser struct {
	Login  string
	Group  string
	Groups string
}

// UserRecord is the curated identity kept in the usage store: unix identity
// enriched with directory or override metadata.
type UserRecord struct {
	Login    string
	Name     string
	UUID     string
	Teams    []string
	Position string
	Sponsor  string
	Group    string
	Groups   string
}
