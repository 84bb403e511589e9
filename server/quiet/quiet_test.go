package quiet

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// at builds a UTC time on a known week: 2026-08-23 is a Sunday.
func at(t *testing.T, weekday time.Weekday, clock string) time.Time {
	t.Helper()
	parsed, err := time.Parse("15:04", clock)
	require.NoError(t, err)
	base := time.Date(2026, 8, 23, parsed.Hour(), parsed.Minute(), 0, 0, time.UTC)
	return base.AddDate(0, 0, int(weekday))
}

func mustParse(t *testing.T, spec string) *Schedule {
	t.Helper()
	s, err := Parse(spec, time.UTC)
	require.NoError(t, err)
	return s
}

func TestParseErrors(t *testing.T) {
	for _, spec := range []string{
		"Fri 18:30",
		"Xyz 18:30 - Sat 20:15",
		"Fri 25:30 - Sat 20:15",
		"Fri 18:30 - Fri 18:30",
	} {
		_, err := Parse(spec, time.UTC)
		require.Error(t, err, "spec %q", spec)
	}
}

func TestEmptyScheduleNeverQuiet(t *testing.T) {
	s := mustParse(t, "")
	require.False(t, s.IsQuiet(at(t, time.Friday, "19:00")))
	_, ok := s.NextTransition(at(t, time.Friday, "19:00"))
	require.False(t, ok)
}

func TestIsQuietSingleWindow(t *testing.T) {
	s := mustParse(t, "Fri 18:30 - Sat 20:15")

	require.False(t, s.IsQuiet(at(t, time.Friday, "18:29")))
	require.True(t, s.IsQuiet(at(t, time.Friday, "18:30")))
	require.True(t, s.IsQuiet(at(t, time.Saturday, "03:00")))
	require.True(t, s.IsQuiet(at(t, time.Saturday, "20:14")))
	require.False(t, s.IsQuiet(at(t, time.Saturday, "20:15")))
	require.False(t, s.IsQuiet(at(t, time.Wednesday, "12:00")))
}

func TestIsQuietWrapsWeekBoundary(t *testing.T) {
	s := mustParse(t, "Sat 22:00 - Sun 06:00")

	require.True(t, s.IsQuiet(at(t, time.Saturday, "23:00")))
	require.True(t, s.IsQuiet(at(t, time.Sunday, "01:00")))
	require.False(t, s.IsQuiet(at(t, time.Sunday, "06:00")))
	require.False(t, s.IsQuiet(at(t, time.Saturday, "21:59")))
}

func TestMultipleWindows(t *testing.T) {
	s := mustParse(t, "Fri 18:30 - Sat 20:15; Sun 09:00 - Sun 12:00")

	require.True(t, s.IsQuiet(at(t, time.Friday, "20:00")))
	require.True(t, s.IsQuiet(at(t, time.Sunday, "10:00")))
	require.False(t, s.IsQuiet(at(t, time.Sunday, "12:30")))
}

func TestNextTransition(t *testing.T) {
	s := mustParse(t, "Fri 18:30 - Sat 20:15")

	next, ok := s.NextTransition(at(t, time.Friday, "10:00"))
	require.True(t, ok)
	require.Equal(t, at(t, time.Friday, "18:30"), next)

	next, ok = s.NextTransition(at(t, time.Friday, "19:00"))
	require.True(t, ok)
	require.Equal(t, at(t, time.Saturday, "20:15"), next)

	// Exactly on a boundary the state has already flipped; the next
	// transition is the other edge.
	next, ok = s.NextTransition(at(t, time.Friday, "18:30"))
	require.True(t, ok)
	require.Equal(t, at(t, time.Saturday, "20:15"), next)
}

func TestNextQuietStart(t *testing.T) {
	s := mustParse(t, "Fri 18:30 - Sat 20:15; Sun 09:00 - Sun 12:00")

	start, ok := s.NextQuietStart(at(t, time.Saturday, "21:00"))
	require.True(t, ok)
	require.Equal(t, at(t, time.Sunday, "09:00").AddDate(0, 0, 7), start)

	start, ok = s.NextQuietStart(at(t, time.Wednesday, "12:00"))
	require.True(t, ok)
	require.Equal(t, at(t, time.Friday, "18:30"), start)
}

func TestTimezoneRespected(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	s, err := Parse("Fri 18:30 - Sat 20:15", berlin)
	require.NoError(t, err)

	// 16:45 UTC in late August is 18:45 in Berlin, inside the window.
	require.True(t, s.IsQuiet(at(t, time.Friday, "16:45")))
	require.False(t, s.IsQuiet(at(t, time.Friday, "16:00")))
}

func TestAnnouncementText(t *testing.T) {
	start := at(t, time.Friday, "18:30")
	end := at(t, time.Saturday, "20:15")
	require.Equal(t, "Heads up, I'll be offline from Fri 18:30 until Sat 20:15.", announcement(start, end))
}

func TestNotifierStopsOnEmptySchedule(t *testing.T) {
	n := NewNotifier(mustParse(t, ""), time.Minute, func(ctx context.Context, text string) error {
		t.Fatal("unexpected announcement")
		return nil
	})
	done := make(chan struct{})
	go func() {
		n.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("notifier did not exit")
	}
}
