package report

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/matthiasblum/embl-ebi-hpc-co2/carbon"
	"github.com/matthiasblum/embl-ebi-hpc-co2/db"
	"github.com/matthiasblum/embl-ebi-hpc-co2/errs"
)

func TestMonthWindow(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

	from, to, err := MonthWindow("current", now)
	if err != nil {
		t.Fatal(err)
	}
	if from.Format("2006-01-02") != "2024-06-01" || to.Format("2006-01-02") != "2024-07-01" {
		t.Errorf("current: %v .. %v", from, to)
	}

	from, to, err = MonthWindow("previous", now)
	if err != nil {
		t.Fatal(err)
	}
	if from.Format("2006-01-02") != "2024-05-01" || to.Format("2006-01-02") != "2024-06-01" {
		t.Errorf("previous: %v .. %v", from, to)
	}

	// January wraps into last year.
	jan := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	from, _, err = MonthWindow("previous", jan)
	if err != nil {
		t.Fatal(err)
	}
	if from.Format("2006-01-02") != "2023-12-01" {
		t.Errorf("previous in January: %v", from)
	}

	from, to, err = MonthWindow("2023-12", now)
	if err != nil {
		t.Fatal(err)
	}
	if from.Format("2006-01-02") != "2023-12-01" || to.Format("2006-01-02") != "2024-01-01" {
		t.Errorf("explicit: %v .. %v", from, to)
	}

	if _, _, err := MonthWindow("June", now); !errors.Is(err, errs.InvalidDateErr) {
		t.Errorf("Expected InvalidDateErr, got %v", err)
	}
}

func monthJob(user string, id int64, start, finish time.Time, status string, cpuTime float64) *db.JobRecord {
	j := &db.JobRecord{
		Scheduler:  "lsf",
		ID:         id,
		Status:     status,
		User:       user,
		Queue:      "standard",
		Slots:      1,
		CpuTime:    cpuTime,
		SubmitTime: start,
		StartTime:  start,
		FinishTime: finish,
	}
	j.Accession = j.ComputeAccession()
	return j
}

func TestBuildReports(t *testing.T) {
	from := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)
	lastUpdate := time.Date(2024, 6, 20, 0, 0, 0, 0, time.UTC)
	model := &carbon.Model{
		Profile:   carbon.PowerProfile{WattsPerCore: 10},
		Intensity: 500,
	}

	jobs := []*db.JobRecord{
		monthJob("alice", 1,
			time.Date(2024, 6, 2, 8, 0, 0, 0, time.UTC),
			time.Date(2024, 6, 2, 9, 0, 0, 0, time.UTC), "DONE", 3600),
		monthJob("alice", 2,
			time.Date(2024, 6, 3, 8, 0, 0, 0, time.UTC),
			time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC), "EXIT", 3600),
		monthJob("bob", 3,
			time.Date(2024, 6, 4, 8, 0, 0, 0, time.UTC),
			time.Date(2024, 6, 4, 9, 0, 0, 0, time.UTC), "DONE", 36000),
	}

	reports := BuildReports(jobs, from, to, lastUpdate, model)
	if len(reports) != 2 {
		t.Fatalf("Expected 2 users, got %d", len(reports))
	}

	alice, bob := reports["alice"], reports["bob"]
	if alice.Jobs.Total != 2 || alice.Jobs.Done != 1 || alice.Jobs.Exit != 1 {
		t.Errorf("alice jobs: %+v", alice.Jobs)
	}
	if bob.Jobs.Total != 1 || bob.Jobs.Done != 1 {
		t.Errorf("bob jobs: %+v", bob.Jobs)
	}

	// Ranking by footprint, total shared by every entry.
	if bob.Rank != 1 || alice.Rank != 2 {
		t.Errorf("Ranks: bob %d, alice %d", bob.Rank, alice.Rank)
	}
	total := alice.CO2e + bob.CO2e
	if math.Abs(alice.TotalCO2e-total) > 1e-9 || math.Abs(bob.TotalCO2e-total) > 1e-9 {
		t.Errorf("TotalCO2e: alice %v, bob %v, sum %v", alice.TotalCO2e, bob.TotalCO2e, total)
	}
	if alice.CpuTime != 7200 || bob.CpuTime != 36000 {
		t.Errorf("CpuTime: alice %v, bob %v", alice.CpuTime, bob.CpuTime)
	}
}

func TestBuildReportsProratesAcrossMonths(t *testing.T) {
	from := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)
	model := &carbon.Model{Profile: carbon.PowerProfile{WattsPerCore: 10}}

	// Half of the runtime falls in May: only half the footprint is billed to
	// June, but the job still counts once.
	j := monthJob("alice", 1,
		time.Date(2024, 5, 31, 12, 0, 0, 0, time.UTC),
		time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC), "DONE", 7200)
	reports := BuildReports([]*db.JobRecord{j}, from, to, to, model)

	alice := reports["alice"]
	if alice == nil || alice.Jobs.Total != 1 {
		t.Fatalf("Unexpected reports %+v", reports)
	}
	if math.Abs(alice.CpuTime-3600) > 1e-9 {
		t.Errorf("CpuTime: %v", alice.CpuTime)
	}
}

func TestBuildReportsMemoryHistogram(t *testing.T) {
	from := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)
	model := carbon.DefaultModel()

	j := monthJob("alice", 1,
		time.Date(2024, 6, 2, 8, 0, 0, 0, time.UTC),
		time.Date(2024, 6, 2, 9, 0, 0, 0, time.UTC), "DONE", 3600)
	j.MemLimMB = 8192
	j.MemEfficiency = 73.4
	reports := BuildReports([]*db.JobRecord{j}, from, to, to, model)

	alice := reports["alice"]
	if alice.Memory[73] != 1 {
		t.Fatalf("Expected bucket 73, histogram %v", alice.Memory)
	}

	// Small allocations stay out of the histogram.
	j.MemLimMB = 512
	reports = BuildReports([]*db.JobRecord{j}, from, to, to, model)
	for i, n := range reports["alice"].Memory {
		if n != 0 {
			t.Fatalf("Bucket %d unexpectedly set", i)
		}
	}
}
