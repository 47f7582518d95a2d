package common

import (
	"testing"
	"time"
)

func TestParseDate(t *testing.T) {
	d, err := ParseDate("2024-06-10")
	if err != nil {
		t.Fatal(err)
	}
	if d.Year() != 2024 || d.Month() != time.June || d.Day() != 10 {
		t.Fatalf("Unexpected date %v", d)
	}
	if d.Hour() != 0 || d.Location() != time.UTC {
		t.Fatalf("Not UTC midnight: %v", d)
	}
	for _, bad := range []string{"", "2024-6-10", "10/06/2024", "2024-06-10 12:00", "yesterday"} {
		if _, err := ParseDate(bad); err == nil {
			t.Errorf("Expected error for %q", bad)
		}
	}
}

func TestFormatDate(t *testing.T) {
	d := time.Date(2024, 6, 10, 13, 37, 0, 0, time.UTC)
	if s := FormatDate(d); s != "2024-06-10" {
		t.Fatalf("Unexpected format %q", s)
	}
}

func TestDayArithmetic(t *testing.T) {
	d := time.Date(2024, 2, 29, 23, 59, 59, 0, time.UTC)
	if got := FormatDate(ThisDay(d)); got != "2024-02-29" {
		t.Errorf("ThisDay: %s", got)
	}
	if got := FormatDate(NextDay(d)); got != "2024-03-01" {
		t.Errorf("NextDay: %s", got)
	}
	if got := FormatDate(PrevDay(d)); got != "2024-02-28" {
		t.Errorf("PrevDay: %s", got)
	}
}

func TestDays(t *testing.T) {
	from, _ := ParseDate("2024-06-28")
	to, _ := ParseDate("2024-07-02")
	days := Days(from, to)
	want := []string{"2024-06-28", "2024-06-29", "2024-06-30", "2024-07-01", "2024-07-02"}
	if len(days) != len(want) {
		t.Fatalf("Expected %d days, got %d", len(want), len(days))
	}
	for i, d := range days {
		if FormatDate(d) != want[i] {
			t.Errorf("Day %d: expected %s, got %s", i, want[i], FormatDate(d))
		}
	}
	if got := Days(to, from); len(got) != 0 {
		t.Errorf("Inverted range should be empty, got %d days", len(got))
	}
	if got := Days(from, from); len(got) != 1 {
		t.Errorf("Single-day range should have one day, got %d", len(got))
	}
}
