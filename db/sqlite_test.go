package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/matthiasblum/embl-ebi-hpc-co2/common"
)

func tempUsageStore(t *testing.T) *sqliteUsageStore {
	t.Helper()
	s, err := openSqliteUsageStore(filepath.Join(t.TempDir(), "usage.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func tempJobStore(t *testing.T) *sqliteJobStore {
	t.Helper()
	s, err := openSqliteJobStore(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func day(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := common.ParseDate(s)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestCheckpointRoundTrip(t *testing.T) {
	s := tempUsageStore(t)

	if _, ok, err := s.Checkpoint(); err != nil || ok {
		t.Fatalf("Fresh store must have no checkpoint: ok=%v err=%v", ok, err)
	}

	if err := s.CommitDay(day(t, "2024-06-10"), nil); err != nil {
		t.Fatal(err)
	}
	ckpt, ok, err := s.Checkpoint()
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if got := common.FormatDate(ckpt); got != "2024-06-10" {
		t.Fatalf("Checkpoint: %s", got)
	}
}

func TestCheckpointNeverRegresses(t *testing.T) {
	s := tempUsageStore(t)
	if err := s.CommitDay(day(t, "2024-06-10"), nil); err != nil {
		t.Fatal(err)
	}
	// Re-running an older date rewrites its rows but not the checkpoint.
	if err := s.CommitDay(day(t, "2024-06-01"), nil); err != nil {
		t.Fatal(err)
	}
	ckpt, _, err := s.Checkpoint()
	if err != nil {
		t.Fatal(err)
	}
	if got := common.FormatDate(ckpt); got != "2024-06-10" {
		t.Fatalf("Checkpoint regressed to %s", got)
	}
}

func TestCommitDayOverwrites(t *testing.T) {
	s := tempUsageStore(t)
	d := day(t, "2024-06-01")

	if err := s.CommitDay(d, []*UsageRecord{
		{Date: "2024-06-01", User: "alice", Jobs: 5, CpuTime: 100},
		{Date: "2024-06-01", User: "bob", Jobs: 1, CpuTime: 50},
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.CommitDay(d, []*UsageRecord{
		{Date: "2024-06-01", User: "alice", Jobs: 2, CpuTime: 60},
	}); err != nil {
		t.Fatal(err)
	}

	rows, err := s.Usage(d, d)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("Old rows must be gone, got %d rows", len(rows))
	}
	if rows[0].User != "alice" || rows[0].Jobs != 2 || rows[0].CpuTime != 60 {
		t.Fatalf("Unexpected row %+v", rows[0])
	}
}

func TestUsageRange(t *testing.T) {
	s := tempUsageStore(t)
	for _, d := range []string{"2024-06-01", "2024-06-02", "2024-06-03"} {
		if err := s.CommitDay(day(t, d), []*UsageRecord{
			{Date: d, User: "alice", Jobs: 1, CpuTime: 10},
		}); err != nil {
			t.Fatal(err)
		}
	}
	rows, err := s.Usage(day(t, "2024-06-02"), day(t, "2024-06-03"))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("Expected 2 rows, got %d", len(rows))
	}
	if rows[0].Date != "2024-06-02" || rows[1].Date != "2024-06-03" {
		t.Fatalf("Rows out of order: %s, %s", rows[0].Date, rows[1].Date)
	}
}

func TestUserRoundTrip(t *testing.T) {
	s := tempUsageStore(t)
	if err := s.UpdateUsers([]*UserRecord{
		{Login: "alice", Name: "Alice A", UUID: "u1", Teams: []string{"Genomics", "Services"},
			Position: "Research Fellow", Group: "grp", Groups: "grp,other"},
		{Login: "bob", UUID: "u2"},
	}); err != nil {
		t.Fatal(err)
	}

	users, err := s.Users()
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 2 {
		t.Fatalf("Expected 2 users, got %d", len(users))
	}
	byLogin := make(map[string]*UserRecord)
	for _, u := range users {
		byLogin[u.Login] = u
	}
	alice := byLogin["alice"]
	if alice == nil || len(alice.Teams) != 2 || alice.Teams[1] != "Services" {
		t.Fatalf("alice: %+v", alice)
	}
	if bob := byLogin["bob"]; bob == nil || len(bob.Teams) != 0 {
		t.Fatalf("bob: %+v", bob)
	}

	// Upsert replaces.
	alice.Teams = []string{"Proteomics"}
	if err := s.UpdateUsers([]*UserRecord{alice}); err != nil {
		t.Fatal(err)
	}
	users, _ = s.Users()
	for _, u := range users {
		if u.Login == "alice" && (len(u.Teams) != 1 || u.Teams[0] != "Proteomics") {
			t.Fatalf("alice after upsert: %+v", u)
		}
	}
}

func TestReportRoundTrip(t *testing.T) {
	s := tempUsageStore(t)
	if err := s.UpdateReport("2024-06", map[string]string{
		"alice": `{"rank":1}`,
		"bob":   `{"rank":2}`,
	}); err != nil {
		t.Fatal(err)
	}
	payloads, err := s.Reports("2024-06")
	if err != nil {
		t.Fatal(err)
	}
	if len(payloads) != 2 || payloads["alice"] != `{"rank":1}` {
		t.Fatalf("Unexpected payloads %v", payloads)
	}
	if other, _ := s.Reports("2024-07"); len(other) != 0 {
		t.Fatalf("Unexpected payloads for another month: %v", other)
	}
}

func testJob(user string, id int64, start, finish time.Time) *JobRecord {
	j := &JobRecord{
		Scheduler:  "lsf",
		ID:         id,
		Status:     "DONE",
		User:       user,
		Queue:      "standard",
		Slots:      1,
		CpuTime:    100,
		SubmitTime: start,
		StartTime:  start,
		FinishTime: finish,
		UpdateTime: finish,
	}
	if finish.IsZero() {
		j.Status = "RUN"
		j.UpdateTime = start
	}
	j.Accession = j.ComputeAccession()
	return j
}

func TestJobStoreRoundTrip(t *testing.T) {
	s := tempJobStore(t)
	base := day(t, "2024-06-01")

	j1 := testJob("alice", 1, base.Add(8*time.Hour), base.Add(9*time.Hour))
	j2 := testJob("bob", 2, base.Add(30*time.Hour), base.Add(31*time.Hour))
	if err := s.UpdateJobs([]*JobRecord{j1, j2}); err != nil {
		t.Fatal(err)
	}

	// Only jobs overlapping the first day.
	found, err := s.FindJobs(base, base.AddDate(0, 0, 1), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 1 || found[0].User != "alice" {
		t.Fatalf("Unexpected jobs %+v", found)
	}
	got := found[0]
	if got.Accession != j1.Accession || got.CpuTime != 100 || got.Slots != 1 {
		t.Fatalf("Round trip mangled the record: %+v", got)
	}
	if !got.StartTime.Equal(j1.StartTime) || !got.FinishTime.Equal(j1.FinishTime) {
		t.Fatalf("Times: %v %v", got.StartTime, got.FinishTime)
	}

	// The user filter.
	found, err = s.FindJobs(base, base.AddDate(0, 0, 2), "bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 1 || found[0].User != "bob" {
		t.Fatalf("Unexpected jobs %+v", found)
	}

	// Upsert by accession: a re-collected job does not duplicate.
	j1.CpuTime = 200
	if err := s.UpdateJobs([]*JobRecord{j1}); err != nil {
		t.Fatal(err)
	}
	found, _ = s.FindJobs(base, base.AddDate(0, 0, 1), "")
	if len(found) != 1 || found[0].CpuTime != 200 {
		t.Fatalf("Upsert failed: %+v", found)
	}

	if _, err := s.LatestUpdate(); err != nil {
		t.Fatal(err)
	}
}

func TestIncompleteJobs(t *testing.T) {
	s := tempJobStore(t)
	base := day(t, "2024-06-01")

	running := testJob("alice", 10, base.Add(6*time.Hour), time.Time{})
	if err := s.ReplaceIncomplete([]*JobRecord{running}); err != nil {
		t.Fatal(err)
	}

	// A running job started before the window end is found.
	found, err := s.FindJobs(base, base.AddDate(0, 0, 1), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 1 || !found[0].FinishTime.IsZero() {
		t.Fatalf("Unexpected jobs %+v", found)
	}

	// The next collection replaces the incomplete set wholesale.
	if err := s.ReplaceIncomplete(nil); err != nil {
		t.Fatal(err)
	}
	found, _ = s.FindJobs(base, base.AddDate(0, 0, 1), "")
	if len(found) != 0 {
		t.Fatalf("Stale incomplete job survived: %+v", found)
	}
}

func TestUnixUsers(t *testing.T) {
	s := tempJobStore(t)
	if err := s.UpdateUnixUsers([]*UnixUser{
		{Login: "alice", Group: "grp", Groups: "grp,other"},
	}); err != nil {
		t.Fatal(err)
	}
	known, err := s.UnixUsers()
	if err != nil {
		t.Fatal(err)
	}
	if u := known["alice"]; u == nil || u.Groups != "grp,other" {
		t.Fatalf("Unexpected users %+v", known)
	}
}

func TestOpenDispatch(t *testing.T) {
	if !isPostgres("postgres://host/db") || !isPostgres("postgresql://host/db") {
		t.Error("Postgres URIs not recognized")
	}
	if isPostgres("/var/lib/co2track/jobs.db") {
		t.Error("A path is not a postgres URI")
	}

	store, err := OpenUsageStore(filepath.Join(t.TempDir(), "u.db"))
	if err != nil {
		t.Fatal(err)
	}
	store.Close()
	if _, ok := store.(*sqliteUsageStore); !ok {
		t.Error("Expected the sqlite backend")
	}
}

func TestRecordValidate(t *testing.T) {
	base := day(t, "2024-06-01")
	good := testJob("alice", 1, base, base.Add(time.Hour))
	if err := good.Validate(); err != nil {
		t.Errorf("Unexpected error %v", err)
	}
	bad := testJob("", 2, base, base.Add(time.Hour))
	if err := bad.Validate(); err == nil {
		t.Error("Empty username must not validate")
	}
	inverted := testJob("alice", 3, base.Add(time.Hour), base)
	if err := inverted.Validate(); err == nil {
		t.Error("Inverted times must not validate")
	}
	negative := testJob("alice", 4, base, base.Add(time.Hour))
	negative.CpuTime = -1
	if err := negative.Validate(); err == nil {
		t.Error("Negative CPU time must not validate")
	}
}
