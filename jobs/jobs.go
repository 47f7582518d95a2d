// The `jobs` verb: list job records from a job store.
//
// A reporting convenience, mostly used to sanity-check what the collector has
// gathered before `track` aggregates it.

package jobs

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/matthiasblum/embl-ebi-hpc-co2/cmd"
	"github.com/matthiasblum/embl-ebi-hpc-co2/common"
	"github.com/matthiasblum/embl-ebi-hpc-co2/db"
)

type JobsCommand struct {
	cmd.VerboseArgs
	cmd.DateRangeArgs
	cmd.SingleStoreArg
	User string
	Json bool
}

func (jc *JobsCommand) Summary() string {
	return "List job records from a job store"
}

func (jc *JobsCommand) Add(fs *flag.FlagSet) {
	jc.VerboseArgs.Add(fs)
	jc.DateRangeArgs.Add(fs)
	fs.StringVar(&jc.User, "user", "", "List only jobs belonging to this `login`")
	fs.BoolVar(&jc.Json, "json", false, "Print records as JSON, one object per line")
}

func (jc *JobsCommand) Validate() error {
	return jc.DateRangeArgs.Validate()
}

func (jc *JobsCommand) Perform(stdout, stderr io.Writer) error {
	store, err := db.OpenJobStore(jc.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	// The range arguments are inclusive dates, FindJobs wants a half-open
	// time window.
	jobs, err := store.FindJobs(jc.From, common.NextDay(jc.To), jc.User)
	if err != nil {
		return err
	}

	if jc.Json {
		enc := json.NewEncoder(stdout)
		for _, j := range jobs {
			if err := enc.Encode(jsonJob(j)); err != nil {
				return err
			}
		}
		return nil
	}

	tw := tabwriter.NewWriter(stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "ACCESSION\tUSER\tQUEUE\tSTAT\tSLOTS\tCPU_SEC\tMEM_MB\tSTART\tFINISH")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%.0f\t%d\t%s\t%s\n",
			j.Accession, j.User, j.Queue, j.Status, j.Slots, j.CpuTime,
			max(j.MemMaxMB, j.MemLimMB), stamp(j.StartTime), stamp(j.FinishTime))
	}
	return tw.Flush()
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(db.TimeLayout)
}

type jobJson struct {
	Accession     string  `json:"accession"`
	Scheduler     string  `json:"scheduler"`
	ID            int64   `json:"id"`
	Index         int64   `json:"index,omitempty"`
	Name          string  `json:"name,omitempty"`
	Status        string  `json:"status"`
	User          string  `json:"user"`
	Queue         string  `json:"queue"`
	Slots         int64   `json:"slots"`
	CpuEfficiency float64 `json:"cpu_efficiency"`
	CpuTime       float64 `json:"cpu_time"`
	MemLimMB      int64   `json:"mem_lim_mb,omitempty"`
	MemMaxMB      int64   `json:"mem_max_mb,omitempty"`
	MemEfficiency float64 `json:"mem_efficiency"`
	SubmitTime    string  `json:"submit_time"`
	StartTime     string  `json:"start_time,omitempty"`
	FinishTime    string  `json:"finish_time,omitempty"`
}

func jsonJob(j *db.JobRecord) *jobJson {
	out := &jobJson{
		Accession:     j.Accession,
		Scheduler:     j.Scheduler,
		ID:            j.ID,
		Index:         j.Index,
		Name:          j.Name,
		Status:        j.Status,
		User:          j.User,
		Queue:         j.Queue,
		Slots:         j.Slots,
		CpuEfficiency: j.CpuEfficiency,
		CpuTime:       j.CpuTime,
		MemLimMB:      j.MemLimMB,
		MemMaxMB:      j.MemMaxMB,
		MemEfficiency: j.MemEfficiency,
		SubmitTime:    j.SubmitTime.Format(db.TimeLayout),
	}
	if !j.StartTime.IsZero() {
		out.StartTime = j.StartTime.Format(db.TimeLayout)
	}
	if !j.FinishTime.IsZero() {
		out.FinishTime = j.FinishTime.Format(db.TimeLayout)
	}
	return out
}
