// Package timeutil provides UTC-only instant parsing/formatting, DST-aware
// day/week windows, and deterministic entity-ID generation (spec §4.1).
package timeutil

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// UTCLayout is the canonical on-disk timestamp format: ISO-8601 with an
// explicit "+00:00" offset. time.RFC3339 renders a UTC time with a "Z"
// suffix instead, so this layout spells the offset out literally and every
// caller round-trips through the same constant.
const UTCLayout = "2006-01-02T15:04:05+00:00"

// Now returns the current instant in UTC, with monotonic reading stripped
// so formatted/parsed round-trips compare equal.
func Now() time.Time {
	return time.Now().UTC().Round(0)
}

// Format renders an instant as UTC ISO-8601 with an explicit "+00:00" offset.
func Format(t time.Time) string {
	return t.UTC().Round(0).Format(UTCLayout)
}

// Parse parses an ISO-8601 instant that must carry an explicit offset.
// Naive (offset-less) timestamps are rejected per the UTC-only storage
// invariant (spec §3.5).
func Parse(s string) (time.Time, error) {
	if offsetIsImplicitUTC(s) {
		return time.Time{}, fmt.Errorf("parse instant %q: missing explicit offset", s)
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		// Accept the canonical layout too, in case fractional seconds etc. differ.
		t, err = time.Parse(UTCLayout, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse instant %q: %w", s, err)
		}
	}
	return t.UTC(), nil
}

// offsetIsImplicitUTC reports whether s lacks any explicit offset marker
// ("Z", "+HH:MM", "-HH:MM"). time.Parse with RFC3339 requires one of these
// to be present syntactically, but we double check because some inputs
// arrive pre-normalized by upstream JSON decoders that strip zone info.
func offsetIsImplicitUTC(s string) bool {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "Z") {
		return false
	}
	if idx := strings.LastIndexAny(s, "+-"); idx > 10 {
		return false
	}
	return true
}

// DayWindow computes the [00:00, 24:00) interval for localDate in the named
// civil zone, expressed in UTC, along with a flag indicating the interval's
// duration differs from the nominal 24h (i.e. a DST transition occurred
// inside the day).
func DayWindow(localDate time.Time, zone *time.Location) (start, end time.Time, dstFlag bool, err error) {
	y, m, d := localDate.Date()
	start = time.Date(y, m, d, 0, 0, 0, 0, zone)
	end = time.Date(y, m, d+1, 0, 0, 0, 0, zone)
	dur := end.Sub(start)
	dstFlag = dur != 24*time.Hour
	return start.UTC(), end.UTC(), dstFlag, nil
}

// WeekWindow computes the Monday-based [00:00 Monday, 00:00 next Monday)
// interval containing localDate, in UTC, analogous to DayWindow.
func WeekWindow(localDate time.Time, zone *time.Location) (start, end time.Time, dstFlag bool, err error) {
	y, m, d := localDate.Date()
	civil := time.Date(y, m, d, 0, 0, 0, 0, zone)
	// time.Weekday: Sunday=0 ... Saturday=6. Monday-based offset back to Monday.
	offset := (int(civil.Weekday()) + 6) % 7
	monday := civil.AddDate(0, 0, -offset)
	y, m, d = monday.Date()
	start = time.Date(y, m, d, 0, 0, 0, 0, zone)
	end = time.Date(y, m, d+7, 0, 0, 0, 0, zone)
	dur := end.Sub(start)
	dstFlag = dur != 7*24*time.Hour
	return start.UTC(), end.UTC(), dstFlag, nil
}

var nonSlugRunes = regexp.MustCompile(`[^a-z0-9]+`)

const maxSlugLength = 40

// Slugify lowercases, strips punctuation, collapses whitespace to hyphens,
// and truncates a title for use inside an entity ID.
func Slugify(title string) string {
	lower := strings.ToLower(strings.TrimSpace(title))
	slug := nonSlugRunes.ReplaceAllString(lower, "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > maxSlugLength {
		slug = strings.Trim(slug[:maxSlugLength], "-")
	}
	if slug == "" {
		slug = "untitled"
	}
	return slug
}

// GenerateEntityID deterministically derives an id of the form
// "{kind}-{YYYYMMDD}-{HHMM}-{slug}", retrying with an incrementing numeric
// suffix on collision against existingIDs (spec §3.2, §4.1).
func GenerateEntityID(kind, title string, createdTS time.Time, existingIDs map[string]bool) string {
	stamp := createdTS.UTC().Format("20060102-1504")
	slug := Slugify(title)
	base := fmt.Sprintf("%s-%s-%s", kind, stamp, slug)

	id := base
	for n := 2; existingIDs[id]; n++ {
		id = fmt.Sprintf("%s-%d", base, n)
	}
	return id
}
