// Parsing of LSF `bjobs -json` output into job records.
//
// bjobs reports every value as a string and its timestamps carry no year, so
// there is more sniffing here than one would like: months wrap (a December
// date seen in January belongs to last year), memory comes as "512 Mbytes" /
// "4 Gbytes" / "1.5 Tbytes", and efficiencies as "87.00%".

package collect

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/matthiasblum/embl-ebi-hpc-co2/common"
	"github.com/matthiasblum/embl-ebi-hpc-co2/db"
)

var (
	memTRe    = regexp.MustCompile(`^(\d+(?:\.\d+)?) T(?:bytes)?$`)
	memGRe    = regexp.MustCompile(`^(\d+(?:\.\d+)?) G(?:bytes)?$`)
	memMRe    = regexp.MustCompile(`^(\d+) M(?:bytes)?$`)
	lsfDateRe = regexp.MustCompile(`^([A-Z][a-z]{2})\s{1,2}(\d{1,2}) (\d\d:\d\d)(?: [ELX])?$`)
	cpuUsedRe = regexp.MustCompile(`^(\d+(?:\.\d+)?) second`)
)

type bjobsOutput struct {
	Records []bjobsRecord `json:"RECORDS"`
}

type bjobsRecord struct {
	JobID         string `json:"JOBID"`
	JobIndex      string `json:"JOBINDEX"`
	JobName       string `json:"JOB_NAME"`
	Stat          string `json:"STAT"`
	User          string `json:"USER"`
	Queue         string `json:"QUEUE"`
	Slots         string `json:"SLOTS"`
	MemLimit      string `json:"MEMLIMIT"`
	MaxMem        string `json:"MAX_MEM"`
	FromHost      string `json:"FROM_HOST"`
	ExecHost      string `json:"EXEC_HOST"`
	SubmitTime    string `json:"SUBMIT_TIME"`
	StartTime     string `json:"START_TIME"`
	FinishTime    string `json:"FINISH_TIME"`
	CpuEfficiency string `json:"CPU_EFFICIENCY"`
	MemEfficiency string `json:"MEM_EFFICIENCY"`
	CpuUsed       string `json:"CPU_USED"`
}

// ParseBjobs converts one `bjobs -u all -a -json` payload into job records.
// Records that cannot be interpreted are dropped with a warning; they never
// fail the whole payload.
func ParseBjobs(data []byte, now time.Time) ([]*db.JobRecord, error) {
	var payload bjobsOutput
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("cannot parse bjobs output\n%w", err)
	}

	jobs := make([]*db.JobRecord, 0, len(payload.Records))
	for _, rec := range payload.Records {
		j, err := rec.toJobRecord(now)
		if err != nil {
			common.Log.Warningf("Dropping bjobs record %s[%s]: %v", rec.JobID, rec.JobIndex, err)
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (rec *bjobsRecord) toJobRecord(now time.Time) (*db.JobRecord, error) {
	id, err := strconv.ParseInt(rec.JobID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad JOBID %q", rec.JobID)
	}
	index := int64(0)
	if rec.JobIndex != "" {
		if index, err = strconv.ParseInt(rec.JobIndex, 10, 64); err != nil {
			return nil, fmt.Errorf("bad JOBINDEX %q", rec.JobIndex)
		}
	}
	slots := int64(1)
	if rec.Slots != "" {
		if slots, err = strconv.ParseInt(rec.Slots, 10, 64); err != nil {
			return nil, fmt.Errorf("bad SLOTS %q", rec.Slots)
		}
	}

	memLim, err := parseMemory(rec.MemLimit)
	if err != nil {
		return nil, err
	}
	memMax, err := parseMemory(rec.MaxMem)
	if err != nil {
		return nil, err
	}

	submit, err := parseLsfTime(rec.SubmitTime, now)
	if err != nil {
		return nil, err
	}
	if submit.IsZero() {
		return nil, fmt.Errorf("missing SUBMIT_TIME")
	}
	start, err := parseLsfTime(rec.StartTime, now)
	if err != nil {
		return nil, err
	}
	var finish time.Time
	// LSF reports a projected finish time for running jobs; only DONE and
	// EXIT jobs have really finished.
	if rec.Stat == "DONE" || rec.Stat == "EXIT" {
		if finish, err = parseLsfTime(rec.FinishTime, now); err != nil {
			return nil, err
		}
	}

	var cpuTime float64
	if m := cpuUsedRe.FindStringSubmatch(rec.CpuUsed); m != nil {
		cpuTime, _ = strconv.ParseFloat(m[1], 64)
	}

	j := &db.JobRecord{
		Scheduler:     "lsf",
		ID:            id,
		Index:         index,
		Name:          rec.JobName,
		Status:        rec.Stat,
		User:          rec.User,
		Queue:         rec.Queue,
		Slots:         slots,
		CpuEfficiency: parsePercent(rec.CpuEfficiency),
		CpuTime:       cpuTime,
		MemLimMB:      memLim,
		MemMaxMB:      memMax,
		MemEfficiency: parsePercent(rec.MemEfficiency),
		FromHost:      rec.FromHost,
		ExecHost:      rec.ExecHost,
		SubmitTime:    submit,
		StartTime:     start,
		FinishTime:    finish,
		UpdateTime:    now.UTC().Truncate(time.Second),
	}
	j.Accession = j.ComputeAccession()
	return j, nil
}

func parsePercent(s string) float64 {
	s = strings.TrimSpace(strings.ReplaceAll(s, "%", ""))
	if s == "" {
		return 0
	}
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

// parseMemory converts an LSF memory string into MiB; empty means unknown.
func parseMemory(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	if m := memTRe.FindStringSubmatch(s); m != nil {
		v, _ := strconv.ParseFloat(m[1], 64)
		return int64(v * 1024 * 1024), nil
	}
	if m := memGRe.FindStringSubmatch(s); m != nil {
		v, _ := strconv.ParseFloat(m[1], 64)
		return int64(v * 1024), nil
	}
	if m := memMRe.FindStringSubmatch(s); m != nil {
		v, _ := strconv.ParseInt(m[1], 10, 64)
		return v, nil
	}
	return 0, fmt.Errorf("bad memory value %q", s)
}

// parseLsfTime interprets "Mon DD HH:MM" with an optional E/L/X marker.
// There is no year: a timestamp in the future belongs to last year.
func parseLsfTime(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	m := lsfDateRe.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, fmt.Errorf("bad time value %q", s)
	}
	month, day, clock := m[1], m[2], m[3]
	if len(day) == 1 {
		day = "0" + day
	}
	stamp := fmt.Sprintf("%d %s %s %s", now.Year(), month, day, clock)
	t, err := time.ParseInLocation("2006 Jan 02 15:04", stamp, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad time value %q", s)
	}
	if t.After(now) {
		stamp = fmt.Sprintf("%d %s %s %s", now.Year()-1, month, day, clock)
		if t, err = time.ParseInLocation("2006 Jan 02 15:04", stamp, time.UTC); err != nil {
			return time.Time{}, fmt.Errorf("bad time value %q", s)
		}
	}
	return t, nil
}
