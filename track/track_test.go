package track

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/matthiasblum/embl-ebi-hpc-co2/common"
	"github.com/matthiasblum/embl-ebi-hpc-co2/db"
	"github.com/matthiasblum/embl-ebi-hpc-co2/users"
)

// End to end over real sqlite stores: collect-shaped records in, committed
// usage rows and an advanced checkpoint out.
func TestTrackEndToEnd(t *testing.T) {
	dir := t.TempDir()
	jobStore, err := db.OpenJobStore(filepath.Join(dir, "jobs.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer jobStore.Close()
	usageStore, err := db.OpenUsageStore(filepath.Join(dir, "usage.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer usageStore.Close()

	if err := jobStore.UpdateJobs([]*db.JobRecord{
		job(t, "alice", "2024-06-01 08:00:00", "2024-06-01 09:00:00", 1800),
		job(t, "alice", "2024-06-01 10:00:00", "2024-06-01 11:00:00", 1800),
		job(t, "bob", "2024-06-01 12:00:00", "2024-06-01 13:00:00", 3600),
	}); err != nil {
		t.Fatal(err)
	}
	lastUpdate, err := jobStore.LatestUpdate()
	if err != nil {
		t.Fatal(err)
	}

	ag := &Aggregator{
		Jobs:           jobStore,
		Usage:          usageStore,
		Resolver:       users.NewResolver(nil, nil),
		Model:          testModel(),
		Workers:        4,
		LastJobsUpdate: lastUpdate,
	}
	w := Window{From: date(t, "2024-06-01"), To: date(t, "2024-06-01")}
	stats, err := ag.Run(context.Background(), w)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Dates != 1 || stats.Jobs != 3 {
		t.Fatalf("Unexpected stats %+v", stats)
	}

	rows, err := usageStore.Usage(w.From, w.To)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("Expected 2 rows, got %d", len(rows))
	}
	alice, bob := rows[0], rows[1]
	if alice.User != "alice" || alice.Jobs != 2 || math.Abs(alice.CpuTime-3600) > 1e-9 {
		t.Errorf("alice: %+v", alice)
	}
	if bob.User != "bob" || bob.Jobs != 1 || math.Abs(bob.CpuTime-3600) > 1e-9 {
		t.Errorf("bob: %+v", bob)
	}
	if math.Abs(alice.EnergyKWh-0.01) > 1e-9 || math.Abs(bob.EnergyKWh-0.01) > 1e-9 {
		t.Errorf("Energy: alice %v, bob %v", alice.EnergyKWh, bob.EnergyKWh)
	}

	ckpt, ok, err := usageStore.Checkpoint()
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if got := common.FormatDate(ckpt); got != "2024-06-01" {
		t.Errorf("Checkpoint: %s", got)
	}

	// The next auto run resumes behind the checkpoint by the slack.
	w2, err := ResolveWindow(WindowInput{
		From:           sel(t, "auto"),
		Checkpoint:     ckpt,
		HaveCheckpoint: true,
		SlackDays:      1,
		Now:            date(t, "2024-06-02").Add(6 * time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := common.FormatDate(w2.From); got != "2024-05-31" {
		t.Errorf("Resume from: %s", got)
	}
}
