package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hrygo/microclaw/internal/profile"
	"github.com/hrygo/microclaw/store"
	"github.com/hrygo/microclaw/store/db/sqlite"
)

// inlineQueue runs jobs synchronously so tests see effects immediately.
type inlineQueue struct {
	reject bool
	jids   []string
}

func (q *inlineQueue) EnqueueTask(jid string, fn func(ctx context.Context)) bool {
	if q.reject {
		return false
	}
	q.jids = append(q.jids, jid)
	fn(context.Background())
	return true
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	p := &profile.Profile{
		Mode:   "dev",
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "test.db"),
	}
	driver, err := sqlite.NewDB(p)
	require.NoError(t, err)
	t.Cleanup(func() { _ = driver.Close() })
	s := store.New(driver, p)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func newScheduler(t *testing.T, st *store.Store, q Enqueuer, run RunFunc, isQuiet func(time.Time) bool) *Scheduler {
	t.Helper()
	return New(st, q, run, time.UTC, isQuiet, time.Minute)
}

func dueTask(t *testing.T, st *store.Store, scheduleType, scheduleValue string) *store.ScheduledTask {
	t.Helper()
	due := time.Now().Add(-time.Second).UnixMilli()
	task, err := st.CreateScheduledTask(context.Background(), &store.ScheduledTask{
		ID:            "task-" + scheduleType + "-" + scheduleValue,
		GroupFolder:   "family",
		ChatJID:       "g1@g.us",
		Prompt:        "do the thing",
		ScheduleType:  scheduleType,
		ScheduleValue: scheduleValue,
		ContextMode:   store.ContextIsolated,
		NextRunTs:     &due,
		Status:        store.TaskStatusActive,
	})
	require.NoError(t, err)
	return task
}

func TestNextAfter(t *testing.T) {
	s := newScheduler(t, newTestStore(t), &inlineQueue{}, nil, nil)
	from := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)

	next, err := s.NextAfter(&store.ScheduledTask{ScheduleType: store.ScheduleOnce}, from)
	require.NoError(t, err)
	require.Nil(t, next)

	next, err = s.NextAfter(&store.ScheduledTask{
		ScheduleType: store.ScheduleInterval, ScheduleValue: "90m",
	}, from)
	require.NoError(t, err)
	require.Equal(t, from.Add(90*time.Minute).UnixMilli(), *next)

	next, err = s.NextAfter(&store.ScheduledTask{
		ScheduleType: store.ScheduleCron, ScheduleValue: "0 9 * * 1",
	}, from)
	require.NoError(t, err)
	// Next Monday 09:00 UTC after Wednesday 2026-08-26.
	require.Equal(t, time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC).UnixMilli(), *next)

	for _, task := range []*store.ScheduledTask{
		{ScheduleType: store.ScheduleInterval, ScheduleValue: "not-a-duration"},
		{ScheduleType: store.ScheduleInterval, ScheduleValue: "-5m"},
		{ScheduleType: store.ScheduleCron, ScheduleValue: "99 99 * * *"},
		{ScheduleType: "weekly"},
	} {
		_, err := s.NextAfter(task, from)
		require.Error(t, err, "schedule %q %q", task.ScheduleType, task.ScheduleValue)
	}
}

func TestCronNextUsesSchedulerTimezone(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	s := New(newTestStore(t), &inlineQueue{}, nil, berlin, nil, time.Minute)

	from := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC) // 12:00 in Berlin
	next, err := s.NextAfter(&store.ScheduledTask{
		ScheduleType: store.ScheduleCron, ScheduleValue: "0 9 * * *",
	}, from)
	require.NoError(t, err)
	// 09:00 Berlin the next day is 07:00 UTC.
	require.Equal(t, time.Date(2026, 8, 27, 7, 0, 0, 0, time.UTC).UnixMilli(), *next)
}

func TestTickAdvancesBeforeRunning(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	task := dueTask(t, st, store.ScheduleInterval, "1h")

	var nextAtRunTime *int64
	s := newScheduler(t, st, &inlineQueue{}, func(ctx context.Context, run *store.ScheduledTask) (string, error) {
		stored, err := st.GetScheduledTask(ctx, run.ID)
		require.NoError(t, err)
		nextAtRunTime = stored.NextRunTs
		return "done", nil
	}, nil)

	require.NoError(t, s.Tick(ctx))

	require.NotNil(t, nextAtRunTime, "next run must be advanced before the task executes")
	require.Greater(t, *nextAtRunTime, time.Now().UnixMilli())

	// The task is no longer due, so a second tick is a no-op.
	calls := 0
	s.run = func(ctx context.Context, run *store.ScheduledTask) (string, error) {
		calls++
		return "", nil
	}
	require.NoError(t, s.Tick(ctx))
	require.Zero(t, calls)

	stored, err := st.GetScheduledTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskStatusActive, stored.Status)
}

func TestOneShotCompletesWithNullNextRun(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	task := dueTask(t, st, store.ScheduleOnce, "")

	s := newScheduler(t, st, &inlineQueue{}, func(ctx context.Context, run *store.ScheduledTask) (string, error) {
		return "finished", nil
	}, nil)
	require.NoError(t, s.Tick(ctx))

	stored, err := st.GetScheduledTask(ctx, task.ID)
	require.NoError(t, err)
	require.Nil(t, stored.NextRunTs)
	require.Equal(t, store.TaskStatusCompleted, stored.Status)
}

func TestQuietGateSkipsDispatch(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	dueTask(t, st, store.ScheduleOnce, "")

	calls := 0
	s := newScheduler(t, st, &inlineQueue{}, func(ctx context.Context, run *store.ScheduledTask) (string, error) {
		calls++
		return "", nil
	}, func(time.Time) bool { return true })

	require.NoError(t, s.Tick(ctx))
	require.Zero(t, calls)
}

func TestBrokenFolderQuarantinesTask(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	due := time.Now().Add(-time.Second).UnixMilli()
	task, err := st.CreateScheduledTask(ctx, &store.ScheduledTask{
		ID:           "task-escape",
		GroupFolder:  "../escape",
		ChatJID:      "g1@g.us",
		Prompt:       "nope",
		ScheduleType: store.ScheduleOnce,
		NextRunTs:    &due,
		Status:       store.TaskStatusActive,
	})
	require.NoError(t, err)

	q := &inlineQueue{}
	s := newScheduler(t, st, q, func(ctx context.Context, run *store.ScheduledTask) (string, error) {
		t.Fatal("broken task must not run")
		return "", nil
	}, nil)
	require.NoError(t, s.Tick(ctx))

	stored, err := st.GetScheduledTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskStatusPaused, stored.Status)
	require.Empty(t, q.jids)
}

func TestDispatchSkipsTaskPausedAfterDueQuery(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	task := dueTask(t, st, store.ScheduleInterval, "1h")

	// The snapshot in hand predates the pause, the way a task looks when it
	// is paused between the due query and its dispatch.
	paused := store.TaskStatusPaused
	require.NoError(t, st.UpdateScheduledTask(ctx, &store.UpdateScheduledTask{
		ID:     task.ID,
		Status: &paused,
	}))

	q := &inlineQueue{}
	s := newScheduler(t, st, q, func(ctx context.Context, run *store.ScheduledTask) (string, error) {
		t.Fatal("paused task must not run")
		return "", nil
	}, nil)
	require.NoError(t, s.dispatch(ctx, task, time.Now()))

	require.Empty(t, q.jids)
	stored, err := st.GetScheduledTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskStatusPaused, stored.Status)
	require.Equal(t, *task.NextRunTs, *stored.NextRunTs, "a skipped dispatch leaves next run untouched")
}

func TestRunErrorRecordedAndIntervalKeepsGoing(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	task := dueTask(t, st, store.ScheduleInterval, "30m")

	s := newScheduler(t, st, &inlineQueue{}, func(ctx context.Context, run *store.ScheduledTask) (string, error) {
		return "", context.DeadlineExceeded
	}, nil)
	require.NoError(t, s.Tick(ctx))

	stored, err := st.GetScheduledTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskStatusActive, stored.Status)
	require.NotNil(t, stored.NextRunTs)
}
