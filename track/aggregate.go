// The aggregation engine.
//
// Dates are processed strictly oldest-first so that the checkpoint always
// names a contiguous processed prefix.  Within a date the job records are
// split into one contiguous chunk per worker; each worker resolves teams
// through the shared resolver and computes carbon figures independently,
// returning a partial per-user aggregate.  The orchestrator merges the
// partials by plain addition and commits the date in a single transaction,
// so a failure or cancellation anywhere leaves the usage store at the last
// fully committed date.

package track

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/matthiasblum/embl-ebi-hpc-co2/carbon"
	"github.com/matthiasblum/embl-ebi-hpc-co2/common"
	"github.com/matthiasblum/embl-ebi-hpc-co2/db"
	"github.com/matthiasblum/embl-ebi-hpc-co2/users"
)

type Aggregator struct {
	Jobs     db.JobStore
	Usage    db.UsageStore
	Resolver *users.Resolver
	Model    *carbon.Model
	Workers  int

	// High-water mark of the job store, used as the synthetic finish time of
	// still-running jobs.
	LastJobsUpdate time.Time
}

type Stats struct {
	Dates   int
	Jobs    int
	Skipped int
}

// Run processes every date of the window in order.  The returned stats cover
// the committed dates even when a later date fails.
func (ag *Aggregator) Run(ctx context.Context, w Window) (Stats, error) {
	var stats Stats
	if w.Empty() {
		common.Log.Infof("Checkpoint is up to date, nothing to process")
		return stats, nil
	}
	workers := ag.Workers
	if workers < 1 {
		workers = 1
	}
	for _, day := range w.Days() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		jobs, skipped, err := ag.processDay(ctx, day, workers)
		if err != nil {
			return stats, fmt.Errorf("%s: %w", common.FormatDate(day), err)
		}
		stats.Dates++
		stats.Jobs += jobs
		stats.Skipped += skipped
		common.Log.Infof("%s: %d jobs processed", common.FormatDate(day), jobs)
	}
	return stats, nil
}

// partialUsage is one worker's aggregate for one date.
type partialUsage struct {
	rows    map[string]*db.UsageRecord
	jobs    int
	skipped int
	err     error
}

func (ag *Aggregator) processDay(ctx context.Context, day time.Time, workers int) (int, int, error) {
	dayStart := common.ThisDay(day)
	dayEnd := dayStart.AddDate(0, 0, 1)

	records, err := ag.Jobs.FindJobs(dayStart, dayEnd, "")
	if err != nil {
		return 0, 0, err
	}

	// Contiguous chunks: balanced to within one record, and the partition
	// depends only on the input set and the worker count.
	results := make(chan partialUsage, workers)
	launched := 0
	chunk := (len(records) + workers - 1) / workers
	for i := 0; i < len(records); i += chunk {
		end := min(i+chunk, len(records))
		go ag.aggregateChunk(ctx, dayStart, dayEnd, records[i:end], results)
		launched++
	}

	merged := make(map[string]*db.UsageRecord)
	jobs, skipped := 0, 0
	var firstErr error
	for ; launched > 0; launched-- {
		p := <-results
		if p.err != nil {
			if firstErr == nil {
				firstErr = p.err
			}
			continue
		}
		jobs += p.jobs
		skipped += p.skipped
		for user, r := range p.rows {
			m, found := merged[user]
			if !found {
				merged[user] = r
				continue
			}
			m.Jobs += r.Jobs
			m.CpuTime += r.CpuTime
			m.MemTime += r.MemTime
			m.EnergyKWh += r.EnergyKWh
			m.CO2eKg += r.CO2eKg
			m.Cost += r.Cost
		}
	}
	if firstErr != nil {
		return 0, 0, firstErr
	}
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}

	rows := make([]*db.UsageRecord, 0, len(merged))
	for _, r := range merged {
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].User < rows[j].User })

	if err := ag.Usage.CommitDay(dayStart, rows); err != nil {
		return 0, 0, err
	}
	return jobs, skipped, nil
}

func (ag *Aggregator) aggregateChunk(
	ctx context.Context,
	dayStart, dayEnd time.Time,
	records []*db.JobRecord,
	results chan<- partialUsage,
) {
	p := partialUsage{rows: make(map[string]*db.UsageRecord)}
	date := common.FormatDate(dayStart)
	for _, j := range records {
		if err := ctx.Err(); err != nil {
			p.err = err
			break
		}
		if err := j.Validate(); err != nil {
			common.Log.Warningf("Skipping job %s: %v", j.Accession, err)
			p.skipped++
			continue
		}

		cpuSec, memSec, fp, overlaps := ag.contribution(j, dayStart, dayEnd)
		if !overlaps {
			continue
		}

		// Resolution goes through the shared cache even though the row is
		// keyed by user only: it feeds the user table write-back and the
		// unknown-user report at the end of the run.
		ag.Resolver.Resolve(ctx, j.User)

		r, found := p.rows[j.User]
		if !found {
			r = &db.UsageRecord{Date: date, User: j.User}
			p.rows[j.User] = r
		}
		r.Jobs++
		r.CpuTime += cpuSec
		r.MemTime += memSec
		r.EnergyKWh += fp.EnergyKWh
		r.CO2eKg += fp.CO2eKg
		r.Cost += fp.Cost
		p.jobs++
	}
	results <- p
}

// contribution computes a job's share of one day.  A job spanning midnight is
// prorated by the fraction of its runtime inside the day, which keeps the
// totals over all days equal to the whole-job figures.
func (ag *Aggregator) contribution(
	j *db.JobRecord,
	dayStart, dayEnd time.Time,
) (cpuSec, memSec float64, fp carbon.Footprint, overlaps bool) {
	start := j.StartTime
	if start.IsZero() {
		return
	}
	finish := j.FinishTime
	if finish.IsZero() {
		// Still running: charge it up to the collector's high-water mark.
		finish = ag.LastJobsUpdate
		if finish.After(dayEnd) {
			finish = dayEnd
		}
	} else if !finish.After(start) {
		// Sub-second accounting resolution; bill one minute.
		finish = start.Add(time.Minute)
	}
	runtime := finish.Sub(start).Seconds()
	if runtime <= 0 {
		return
	}

	overlapStart := maxTime(start, dayStart)
	overlapEnd := minTime(finish, dayEnd)
	overlap := overlapEnd.Sub(overlapStart).Seconds()
	if overlap <= 0 {
		return
	}
	frac := overlap / runtime

	// Actual CPU consumption when the scheduler reported it, otherwise an
	// estimate from the allocation and the observed efficiency.
	coreSeconds := j.CpuTime
	if coreSeconds == 0 && j.CpuEfficiency > 0 {
		coreSeconds = float64(j.Slots) * minFloat(j.CpuEfficiency, 100) / 100 * runtime
	}

	memGB := float64(j.MemLimMB)
	if memGB == 0 {
		memGB = float64(j.MemMaxMB)
	}
	memGB /= 1024

	var gpuSeconds float64
	if strings.Contains(j.Queue, "gpu") {
		// GPU count and efficiency are not accounted; assume one busy GPU.
		gpuSeconds = runtime
	}

	cpuSec = coreSeconds * frac
	memSec = memGB * runtime * frac
	fp = ag.Model.Compute(cpuSec, memSec, gpuSeconds*frac, overlap)
	return cpuSec, memSec, fp, true
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
