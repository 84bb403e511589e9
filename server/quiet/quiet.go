// Package quiet implements recurring weekly offline windows. While a window
// is active the gateway keeps recording messages but dispatches nothing;
// the poll loop asks this package which side of the boundary it is on.
package quiet

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

const minutesPerWeek = 7 * 24 * 60

var weekdays = map[string]int{
	"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6,
}

// window is a half-open [start, end) range in minutes-of-week, Sunday 00:00
// being zero. A window with end <= start wraps around the week boundary.
type window struct {
	start int
	end   int
}

func (w window) contains(mw int) bool {
	if w.start < w.end {
		return mw >= w.start && mw < w.end
	}
	return mw >= w.start || mw < w.end
}

// Schedule is a set of weekly quiet windows in a fixed timezone.
type Schedule struct {
	windows []window
	loc     *time.Location
}

// Parse reads a schedule like "Fri 18:30 - Sat 20:15; Sat 09:00 - Sat 12:00".
// An empty spec yields a schedule that is never quiet.
func Parse(spec string, loc *time.Location) (*Schedule, error) {
	s := &Schedule{loc: loc}
	for _, entry := range strings.Split(spec, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "-", 2)
		if len(parts) != 2 {
			return nil, errors.Errorf("quiet window %q: want \"Day HH:MM - Day HH:MM\"", entry)
		}
		start, err := parseMark(parts[0])
		if err != nil {
			return nil, errors.Wrapf(err, "quiet window %q", entry)
		}
		end, err := parseMark(parts[1])
		if err != nil {
			return nil, errors.Wrapf(err, "quiet window %q", entry)
		}
		if start == end {
			return nil, errors.Errorf("quiet window %q is empty", entry)
		}
		s.windows = append(s.windows, window{start: start, end: end})
	}
	return s, nil
}

// parseMark reads "Fri 18:30" into minutes-of-week.
func parseMark(raw string) (int, error) {
	fields := strings.Fields(strings.TrimSpace(raw))
	if len(fields) != 2 {
		return 0, errors.Errorf("bad time mark %q", raw)
	}
	day, ok := weekdays[strings.ToLower(fields[0])[:min(3, len(fields[0]))]]
	if !ok {
		return 0, errors.Errorf("unknown weekday %q", fields[0])
	}
	clock, err := time.Parse("15:04", fields[1])
	if err != nil {
		return 0, errors.Errorf("bad clock time %q", fields[1])
	}
	return day*24*60 + clock.Hour()*60 + clock.Minute(), nil
}

// minuteOfWeek converts t, in the schedule timezone, to minutes-of-week.
func (s *Schedule) minuteOfWeek(t time.Time) int {
	local := t.In(s.loc)
	return int(local.Weekday())*24*60 + local.Hour()*60 + local.Minute()
}

// IsQuiet reports whether t falls inside any quiet window.
func (s *Schedule) IsQuiet(t time.Time) bool {
	mw := s.minuteOfWeek(t)
	for _, w := range s.windows {
		if w.contains(mw) {
			return true
		}
	}
	return false
}

// NextTransition returns the next instant the quiet state flips, rounded to
// the minute. ok is false when the schedule has no windows.
func (s *Schedule) NextTransition(t time.Time) (time.Time, bool) {
	return s.nextBoundary(t, func(w window) []int { return []int{w.start, w.end} })
}

// NextQuietStart returns the next instant a quiet window begins.
func (s *Schedule) NextQuietStart(t time.Time) (time.Time, bool) {
	return s.nextBoundary(t, func(w window) []int { return []int{w.start} })
}

func (s *Schedule) nextBoundary(t time.Time, marks func(window) []int) (time.Time, bool) {
	if len(s.windows) == 0 {
		return time.Time{}, false
	}
	mw := s.minuteOfWeek(t)
	best := minutesPerWeek
	for _, w := range s.windows {
		for _, mark := range marks(w) {
			delta := (mark - mw + minutesPerWeek) % minutesPerWeek
			if delta == 0 {
				delta = minutesPerWeek
			}
			if delta < best {
				best = delta
			}
		}
	}
	base := t.In(s.loc).Truncate(time.Minute)
	return base.Add(time.Duration(best) * time.Minute), true
}
