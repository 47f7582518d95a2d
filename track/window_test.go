package track

import (
	"errors"
	"testing"
	"time"

	"github.com/matthiasblum/embl-ebi-hpc-co2/common"
	"github.com/matthiasblum/embl-ebi-hpc-co2/errs"
)

func date(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := common.ParseDate(s)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func sel(t *testing.T, s string) FromSelector {
	t.Helper()
	f, err := ParseFromSelector(s)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestResolveWindowAuto(t *testing.T) {
	// Checkpoint 2024-06-10 with one slack day resumes at 2024-06-09.
	w, err := ResolveWindow(WindowInput{
		From:           sel(t, "auto"),
		Checkpoint:     date(t, "2024-06-10"),
		HaveCheckpoint: true,
		SlackDays:      1,
		Now:            date(t, "2024-06-15").Add(13 * time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := common.FormatDate(w.From); got != "2024-06-09" {
		t.Errorf("From: %s", got)
	}
	if got := common.FormatDate(w.To); got != "2024-06-15" {
		t.Errorf("To: %s", got)
	}
}

func TestResolveWindowAutoNoCheckpoint(t *testing.T) {
	// Fall back to the configured earliest date.
	w, err := ResolveWindow(WindowInput{
		From:         sel(t, ""),
		SlackDays:    1,
		Earliest:     date(t, "2024-01-01"),
		HaveEarliest: true,
		Now:          date(t, "2024-06-15"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := common.FormatDate(w.From); got != "2024-01-01" {
		t.Errorf("From: %s", got)
	}

	// Nothing to fall back to is a configuration error.
	_, err = ResolveWindow(WindowInput{
		From: sel(t, "auto"),
		Now:  date(t, "2024-06-15"),
	})
	if !errors.Is(err, errs.ConfigErr) {
		t.Fatalf("Expected ConfigErr, got %v", err)
	}
}

func TestResolveWindowAutoUpToDate(t *testing.T) {
	// Checkpoint at today with no slack: empty window, not an error.
	w, err := ResolveWindow(WindowInput{
		From:           sel(t, "auto"),
		Checkpoint:     date(t, "2024-06-15"),
		HaveCheckpoint: true,
		SlackDays:      0,
		ToStr:          "2024-06-14",
		Now:            date(t, "2024-06-15"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !w.Empty() {
		t.Fatalf("Expected empty window, got %v", w)
	}
}

func TestResolveWindowTodayYesterday(t *testing.T) {
	now := date(t, "2024-06-15").Add(9 * time.Hour)
	w, err := ResolveWindow(WindowInput{From: sel(t, "today"), Now: now})
	if err != nil {
		t.Fatal(err)
	}
	if common.FormatDate(w.From) != "2024-06-15" || common.FormatDate(w.To) != "2024-06-15" {
		t.Errorf("today: %v", w)
	}
	w, err = ResolveWindow(WindowInput{From: sel(t, "yesterday"), Now: now})
	if err != nil {
		t.Fatal(err)
	}
	if common.FormatDate(w.From) != "2024-06-14" || common.FormatDate(w.To) != "2024-06-15" {
		t.Errorf("yesterday: %v", w)
	}
}

func TestResolveWindowExplicit(t *testing.T) {
	w, err := ResolveWindow(WindowInput{
		From:  sel(t, "2024-06-01"),
		ToStr: "2024-06-10",
		Now:   date(t, "2024-06-15"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(w.Days()) != 10 {
		t.Fatalf("Expected 10 days, got %d", len(w.Days()))
	}

	// Future to-dates clamp to today.
	w, err = ResolveWindow(WindowInput{
		From:  sel(t, "2024-06-14"),
		ToStr: "2024-07-01",
		Now:   date(t, "2024-06-15"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := common.FormatDate(w.To); got != "2024-06-15" {
		t.Errorf("To not clamped: %s", got)
	}

	// Inverted explicit range is the user's error.
	_, err = ResolveWindow(WindowInput{
		From:  sel(t, "2024-06-10"),
		ToStr: "2024-06-01",
		Now:   date(t, "2024-06-15"),
	})
	if !errors.Is(err, errs.InvalidDateErr) {
		t.Fatalf("Expected InvalidDateErr, got %v", err)
	}
}

func TestParseFromSelectorBad(t *testing.T) {
	for _, bad := range []string{"2024-6-1", "last-week", "06/01/2024"} {
		if _, err := ParseFromSelector(bad); !errors.Is(err, errs.InvalidDateErr) {
			t.Errorf("%q: expected InvalidDateErr, got %v", bad, err)
		}
	}
}
