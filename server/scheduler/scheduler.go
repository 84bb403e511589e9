// Package scheduler fires persisted tasks at their due time. It only
// discovers and sequences work; the actual agent invocation is injected so
// task runs flow through the same per-group queue as chat messages.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"github.com/hrygo/microclaw/internal/pathsafe"
	"github.com/hrygo/microclaw/store"
)

// RunFunc executes one task run end to end and returns the agent's result
// text. It runs on the group's queue worker.
type RunFunc func(ctx context.Context, task *store.ScheduledTask) (string, error)

// Enqueuer is the queue surface the scheduler needs.
type Enqueuer interface {
	EnqueueTask(jid string, fn func(ctx context.Context)) bool
}

// Scheduler polls for due tasks and hands them to the queue.
type Scheduler struct {
	store    *store.Store
	queue    Enqueuer
	run      RunFunc
	loc      *time.Location
	isQuiet  func(time.Time) bool
	interval time.Duration
}

// New creates a scheduler. isQuiet gates dispatch; due tasks simply stay due
// until the quiet window ends.
func New(st *store.Store, q Enqueuer, run RunFunc, loc *time.Location, isQuiet func(time.Time) bool, interval time.Duration) *Scheduler {
	return &Scheduler{store: st, queue: q, run: run, loc: loc, isQuiet: isQuiet, interval: interval}
}

// NextAfter computes the next due instant for a task strictly after from,
// in unix milliseconds. One-shot tasks have no next run.
func (s *Scheduler) NextAfter(task *store.ScheduledTask, from time.Time) (*int64, error) {
	switch task.ScheduleType {
	case store.ScheduleOnce:
		return nil, nil
	case store.ScheduleInterval:
		d, err := time.ParseDuration(task.ScheduleValue)
		if err != nil || d <= 0 {
			return nil, errors.Errorf("bad interval %q", task.ScheduleValue)
		}
		ts := from.Add(d).UnixMilli()
		return &ts, nil
	case store.ScheduleCron:
		schedule, err := cron.ParseStandard(task.ScheduleValue)
		if err != nil {
			return nil, errors.Wrapf(err, "bad cron expression %q", task.ScheduleValue)
		}
		ts := schedule.Next(from.In(s.loc)).UnixMilli()
		return &ts, nil
	default:
		return nil, errors.Errorf("unknown schedule type %q", task.ScheduleType)
	}
}

// Start runs the discovery loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Tick(ctx); err != nil {
					slog.Warn("scheduler: tick failed", "error", err)
				}
			}
		}
	}()
}

// Tick dispatches every currently due task. Called once at boot to catch up
// on tasks that came due while the gateway was down, then periodically.
//
// The next-run timestamp is advanced before the task is enqueued. A crash
// between advance and run loses at most one firing; the reverse order would
// double-fire on every crash, which is worse for tasks with side effects.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := time.Now()
	if s.isQuiet != nil && s.isQuiet(now) {
		return nil
	}
	dueBefore := now.UnixMilli()
	due, err := s.store.ListScheduledTasks(ctx, &store.FindScheduledTask{
		Statuses:    []string{store.TaskStatusActive},
		DueBeforeTs: &dueBefore,
	})
	if err != nil {
		return errors.Wrap(err, "list due tasks")
	}
	for _, task := range due {
		if err := s.dispatch(ctx, task, now); err != nil {
			slog.Error("scheduler: dispatch failed", "task", task.ID, "error", err)
		}
	}
	return nil
}

func (s *Scheduler) dispatch(ctx context.Context, task *store.ScheduledTask, now time.Time) error {
	// The due query ran at the start of the tick; the task may have been
	// paused, completed or deleted since.
	current, err := s.store.GetScheduledTask(ctx, task.ID)
	if err != nil {
		return errors.Wrap(err, "reload task")
	}
	if current == nil || current.Status != store.TaskStatusActive {
		slog.Debug("scheduler: task no longer active, skipping", "task", task.ID)
		return nil
	}
	task = current

	if err := pathsafe.ValidateFolder(task.GroupFolder); err != nil {
		return s.quarantine(ctx, task, err)
	}
	next, err := s.NextAfter(task, now)
	if err != nil {
		return s.quarantine(ctx, task, err)
	}

	update := &store.UpdateScheduledTask{ID: task.ID}
	if next != nil {
		update.NextRunTs = next
	} else {
		update.SetNextRunNull = true
	}
	if err := s.store.UpdateScheduledTask(ctx, update); err != nil {
		return errors.Wrap(err, "advance next run")
	}

	if !s.queue.EnqueueTask(task.ChatJID, func(jobCtx context.Context) {
		s.execute(jobCtx, task)
	}) {
		slog.Warn("scheduler: queue rejected task, will retry when due again", "task", task.ID)
	}
	return nil
}

// quarantine pauses a task that can never run as stored and logs an error
// run, so the failure is visible in the run history instead of repeating
// every tick.
func (s *Scheduler) quarantine(ctx context.Context, task *store.ScheduledTask, cause error) error {
	slog.Error("scheduler: pausing broken task", "task", task.ID, "error", cause)
	paused := store.TaskStatusPaused
	if err := s.store.UpdateScheduledTask(ctx, &store.UpdateScheduledTask{
		ID:     task.ID,
		Status: &paused,
	}); err != nil {
		return errors.Wrap(err, "pause broken task")
	}
	return s.store.CreateTaskRun(ctx, &store.TaskRun{
		TaskID:    task.ID,
		StartedTs: time.Now().UnixMilli(),
		Status:    "error",
		Error:     cause.Error(),
	})
}

// execute runs the task on the queue worker and records the outcome.
func (s *Scheduler) execute(ctx context.Context, task *store.ScheduledTask) {
	started := time.Now()
	result, err := s.run(ctx, task)
	run := &store.TaskRun{
		TaskID:     task.ID,
		StartedTs:  started.UnixMilli(),
		DurationMs: time.Since(started).Milliseconds(),
	}
	if err != nil {
		run.Status = "error"
		run.Error = err.Error()
	} else {
		run.Status = "success"
		run.Result = result
	}
	if storeErr := s.store.CreateTaskRun(ctx, run); storeErr != nil {
		slog.Error("scheduler: task run not recorded", "task", task.ID, "error", storeErr)
	}

	if task.ScheduleType == store.ScheduleOnce {
		completed := store.TaskStatusCompleted
		if err := s.store.UpdateScheduledTask(ctx, &store.UpdateScheduledTask{
			ID:     task.ID,
			Status: &completed,
		}); err != nil {
			slog.Error("scheduler: one-shot task not completed", "task", task.ID, "error", err)
		}
	}
	slog.Info("scheduler: task finished", "task", task.ID, "status", run.Status,
		"duration", time.Since(started).Round(time.Millisecond))
}
