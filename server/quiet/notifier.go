package quiet

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// SendFunc delivers a notifier announcement, usually to the main group.
type SendFunc func(ctx context.Context, text string) error

// Notifier announces upcoming quiet windows ahead of time so the main group
// is not surprised by sudden silence.
type Notifier struct {
	schedule *Schedule
	lead     time.Duration
	send     SendFunc
}

// NewNotifier creates a notifier that announces lead before each window.
func NewNotifier(schedule *Schedule, lead time.Duration, send SendFunc) *Notifier {
	return &Notifier{schedule: schedule, lead: lead, send: send}
}

func announcement(start, end time.Time) string {
	return fmt.Sprintf("Heads up, I'll be offline from %s until %s.",
		start.Format("Mon 15:04"), end.Format("Mon 15:04"))
}

// Run announces each quiet window once, lead ahead of its start, until ctx
// is cancelled. Returns immediately when the schedule has no windows.
func (n *Notifier) Run(ctx context.Context) {
	for {
		now := time.Now()
		if n.schedule.IsQuiet(now) {
			wakeAt, ok := n.schedule.NextTransition(now)
			if !ok || !sleepUntil(ctx, wakeAt.Add(time.Second)) {
				return
			}
			continue
		}
		start, ok := n.schedule.NextQuietStart(now)
		if !ok {
			return
		}
		if notifyAt := start.Add(-n.lead); notifyAt.After(now) {
			if !sleepUntil(ctx, notifyAt) {
				return
			}
		}
		end, _ := n.schedule.NextTransition(start.Add(time.Minute))
		if err := n.send(ctx, announcement(start, end)); err != nil {
			slog.Warn("quiet: pre-quiet announcement failed", "error", err)
		}
		// Sleep past the window start so the same window is not announced
		// twice.
		if !sleepUntil(ctx, start.Add(time.Minute)) {
			return
		}
	}
}

// sleepUntil blocks until at or ctx cancellation. Returns false on cancel.
func sleepUntil(ctx context.Context, at time.Time) bool {
	d := time.Until(at)
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
