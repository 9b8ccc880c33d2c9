package timeutil

import (
	"testing"
	"time"
)

func TestFormatParseRoundTrip(t *testing.T) {
	in := time.Date(2025, 10, 8, 13, 42, 17, 0, time.UTC)
	s := Format(in)
	if s != "2025-10-08T13:42:17+00:00" {
		t.Fatalf("unexpected format: %s", s)
	}

	out, err := Parse(s)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !out.Equal(in) {
		t.Fatalf("round trip mismatch: %v != %v", out, in)
	}
}

func TestParseRejectsNaive(t *testing.T) {
	cases := []string{
		"2025-10-08T13:42:17",
		"2025-10-08 13:42:17",
		"not-a-time",
	}
	for _, c := range cases {
		if _, err := Parse(c); err == nil {
			t.Errorf("Parse(%q) expected error, got nil", c)
		}
	}
}

func TestParseAcceptsZ(t *testing.T) {
	out, err := Parse("2025-10-08T13:42:17Z")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if out.Hour() != 13 {
		t.Fatalf("unexpected hour: %d", out.Hour())
	}
}

func TestDayWindowOrdinary(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Brussels")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	date := time.Date(2025, 6, 1, 0, 0, 0, 0, loc)
	start, end, dst, err := DayWindow(date, loc)
	if err != nil {
		t.Fatalf("DayWindow: %v", err)
	}
	if dst {
		t.Fatalf("expected non-DST day to report dst=false")
	}
	if end.Sub(start) != 24*time.Hour {
		t.Fatalf("expected 24h window, got %s", end.Sub(start))
	}
}

func TestDayWindowDSTFallBack(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Brussels")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	// 2025-10-26 is the DST fall-back date in Europe/Brussels: 25h local day.
	date := time.Date(2025, 10, 26, 0, 0, 0, 0, loc)
	start, end, dst, err := DayWindow(date, loc)
	if err != nil {
		t.Fatalf("DayWindow: %v", err)
	}
	if !dst {
		t.Fatalf("expected dst=true for fall-back day")
	}
	dur := end.Sub(start)
	if dur != 25*time.Hour {
		t.Fatalf("expected 25h window, got %s", dur)
	}
}

func TestWeekWindowMondayBased(t *testing.T) {
	// 2025-10-08 is a Wednesday.
	date := time.Date(2025, 10, 8, 12, 0, 0, 0, time.UTC)
	start, end, _, err := WeekWindow(date, time.UTC)
	if err != nil {
		t.Fatalf("WeekWindow: %v", err)
	}
	if start.Weekday() != time.Monday {
		t.Fatalf("expected window to start on Monday, got %s", start.Weekday())
	}
	if end.Sub(start) != 7*24*time.Hour {
		t.Fatalf("expected 168h window, got %s", end.Sub(start))
	}
}

func TestGenerateEntityIDCollision(t *testing.T) {
	created := time.Date(2025, 10, 8, 13, 42, 0, 0, time.UTC)
	existing := map[string]bool{
		"task-20251008-1342-review-q4-report": true,
	}
	id := GenerateEntityID("task", "Review Q4 Report", created, existing)
	if id != "task-20251008-1342-review-q4-report-2" {
		t.Fatalf("unexpected id on collision: %s", id)
	}
}

func TestGenerateEntityIDFormat(t *testing.T) {
	created := time.Date(2025, 10, 8, 13, 42, 0, 0, time.UTC)
	id := GenerateEntityID("task", "TODO: Review Q4 report!!", created, nil)
	if id != "task-20251008-1342-todo-review-q4-report" {
		t.Fatalf("unexpected id: %s", id)
	}
}
