// The `report` verb: build the monthly per-user report consumed by the web
// dashboard.
//
// Unlike the daily usage table, the report keeps richer shape per user: job
// outcome counts, a memory-efficiency histogram, ranking by footprint.  Each
// user's entry is stored as one JSON payload keyed by (login, month) so the
// dashboard can fetch a month in one query.

package report

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/matthiasblum/embl-ebi-hpc-co2/carbon"
	"github.com/matthiasblum/embl-ebi-hpc-co2/cmd"
	"github.com/matthiasblum/embl-ebi-hpc-co2/common"
	"github.com/matthiasblum/embl-ebi-hpc-co2/db"
	"github.com/matthiasblum/embl-ebi-hpc-co2/errs"
)

// Memory-efficiency buckets are only meaningful for jobs that asked for a
// nontrivial amount of memory.
const minMemReqMB = 4096

// UserReport is the payload stored per (login, month).
type UserReport struct {
	Jobs struct {
		Total int64 `json:"total"`
		Done  int64 `json:"done"`
		Exit  int64 `json:"exit"`
	} `json:"jobs"`
	CO2e      float64    `json:"co2e"`
	Cost      float64    `json:"cost"`
	Memory    [100]int64 `json:"memory"`
	CpuTime   float64    `json:"cputime"`
	Rank      int        `json:"rank"`
	TotalCO2e float64    `json:"totalCo2e"`
}

type ReportCommand struct {
	cmd.VerboseArgs
	cmd.JobsUsageStoreArgs
	Month      string
	ProfileStr string
	Intensity  string

	from, to time.Time
	model    *carbon.Model
}

func (rc *ReportCommand) Summary() string {
	return "Build the monthly per-user report in a usage store"
}

func (rc *ReportCommand) Add(fs *flag.FlagSet) {
	rc.VerboseArgs.Add(fs)
	fs.StringVar(&rc.Month, "month", "previous",
		"Report `month`: current, previous, or YYYY-MM")
	fs.StringVar(&rc.ProfileStr, "profile", "", "Power profile `file` (YAML)")
	fs.StringVar(&rc.Intensity, "intensity", "", "Grid carbon intensity in `gCO2e/kWh`")
}

func (rc *ReportCommand) Validate() error {
	var err error
	if rc.from, rc.to, err = MonthWindow(rc.Month, time.Now().UTC()); err != nil {
		return err
	}
	common.ApplyDefault(&rc.ProfileStr, common.CarbonProfile)
	common.ApplyDefault(&rc.Intensity, common.CarbonIntensity)
	if rc.model, err = carbon.ResolveModel(rc.ProfileStr, rc.Intensity); err != nil {
		return fmt.Errorf("%w: %v", errs.ConfigErr, err)
	}
	return nil
}

// MonthWindow resolves a month selector into the half-open window
// [first-of-month, first-of-next-month).
func MonthWindow(selector string, now time.Time) (from, to time.Time, err error) {
	switch selector {
	case "current":
		from = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	case "previous":
		from = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -1, 0)
	default:
		if from, err = time.ParseInLocation("2006-01", selector, time.UTC); err != nil {
			return time.Time{}, time.Time{},
				fmt.Errorf("%w: bad month %q, expected current, previous or YYYY-MM",
					errs.InvalidDateErr, selector)
		}
	}
	return from, from.AddDate(0, 1, 0), nil
}

func (rc *ReportCommand) Perform(stdout, stderr io.Writer) error {
	jobStore, err := db.OpenJobStore(rc.JobStore)
	if err != nil {
		return err
	}
	defer jobStore.Close()
	usageStore, err := db.OpenUsageStore(rc.UsageStore)
	if err != nil {
		return err
	}
	defer usageStore.Close()

	lastUpdate, err := jobStore.LatestUpdate()
	if err != nil {
		return err
	}
	jobs, err := jobStore.FindJobs(rc.from, rc.to, "")
	if err != nil {
		return err
	}

	reports := BuildReports(jobs, rc.from, rc.to, lastUpdate, rc.model)

	month := rc.from.Format("2006-01")
	payloads := make(map[string]string, len(reports))
	for login, r := range reports {
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		payloads[login] = string(data)
	}
	if err := usageStore.UpdateReport(month, payloads); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Report for %s: %d job(s), %d user(s)\n", month, len(jobs), len(reports))
	return nil
}

// BuildReports aggregates one month of jobs into per-user reports.  Footprint
// figures are prorated to the part of each job's runtime that falls inside
// the window; outcome counts are not.
func BuildReports(
	jobs []*db.JobRecord,
	from, to, lastUpdate time.Time,
	model *carbon.Model,
) map[string]*UserReport {
	reports := make(map[string]*UserReport)
	for _, j := range jobs {
		if err := j.Validate(); err != nil {
			common.Log.Warningf("Skipping job %s: %v", j.Accession, err)
			continue
		}
		if j.StartTime.IsZero() {
			continue
		}

		start := j.StartTime
		finish := j.FinishTime
		if finish.IsZero() {
			finish = lastUpdate
			if to.Before(finish) {
				finish = to
			}
		} else if !finish.After(start) {
			finish = start.Add(time.Minute)
		}
		runtime := finish.Sub(start).Seconds()
		if runtime <= 0 {
			continue
		}
		overlap := overlapSeconds(start, finish, from, to)
		if overlap <= 0 {
			continue
		}
		frac := overlap / runtime

		r := reports[j.User]
		if r == nil {
			r = new(UserReport)
			reports[j.User] = r
		}
		r.Jobs.Total++
		if !j.FinishTime.IsZero() {
			if j.Done() {
				r.Jobs.Done++
				if j.MemLimMB >= minMemReqMB && j.MemEfficiency > 0 {
					bucket := int(math.Floor(j.MemEfficiency))
					if bucket > 99 {
						bucket = 99
					}
					r.Memory[bucket]++
				}
			} else {
				r.Jobs.Exit++
			}
		}

		coreSeconds := j.CpuTime
		if coreSeconds <= 0 {
			eff := j.CpuEfficiency
			if eff > 100 {
				eff = 100
			}
			coreSeconds = float64(j.Slots) * eff / 100 * runtime
		}
		memMB := j.MemLimMB
		if memMB == 0 {
			memMB = j.MemMaxMB
		}
		gpuSeconds := 0.0
		if strings.Contains(j.Queue, "gpu") {
			gpuSeconds = runtime
		}
		fp := model.Compute(
			coreSeconds*frac,
			float64(memMB)/1024*runtime*frac,
			gpuSeconds*frac,
			overlap,
		)
		r.CO2e += fp.CO2eKg
		r.Cost += fp.Cost
		r.CpuTime += j.CpuTime * frac
	}

	rank(reports)
	return reports
}

// rank orders users by descending footprint and stamps each entry with its
// rank and the grand total, so a single payload is enough to render "you are
// #12 of N, X% of the total".
func rank(reports map[string]*UserReport) {
	var total float64
	logins := make([]string, 0, len(reports))
	for login, r := range reports {
		total += r.CO2e
		logins = append(logins, login)
	}
	sort.Slice(logins, func(i, j int) bool {
		return reports[logins[i]].CO2e > reports[logins[j]].CO2e
	})
	for i, login := range logins {
		reports[login].Rank = i + 1
		reports[login].TotalCO2e = total
	}
}

func overlapSeconds(start, finish, from, to time.Time) float64 {
	if start.Before(from) {
		start = from
	}
	if finish.After(to) {
		finish = to
	}
	if !finish.After(start) {
		return 0
	}
	return finish.Sub(start).Seconds()
}
