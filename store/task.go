package store

// Schedule types for scheduled tasks.
const (
	ScheduleOnce     = "once"
	ScheduleInterval = "interval"
	ScheduleCron     = "cron"
)

// Context modes controlling which agent session a task run resumes.
const (
	ContextIsolated = "isolated"
	ContextGroup    = "group"
)

// Task statuses.
const (
	TaskStatusActive    = "active"
	TaskStatusPaused    = "paused"
	TaskStatusCompleted = "completed"
	TaskStatusCancelled = "cancelled"
)

// ScheduledTask is a persisted cron/interval/one-shot agent invocation.
type ScheduledTask struct {
	ID            string
	GroupFolder   string
	ChatJID       string
	Prompt        string
	ScheduleType  string
	ScheduleValue string
	ContextMode   string
	// NextRunTs is the unix-millisecond due time; nil once a one-shot task
	// has fired.
	NextRunTs *int64
	Status    string
	CreatedTs int64
	UpdatedTs int64
}

// FindScheduledTask filters task listings.
type FindScheduledTask struct {
	ID          string
	GroupFolder string
	Statuses    []string
	// DueBeforeTs, when non-nil, restricts to active tasks with
	// next_run_ts <= the given unix-millisecond instant.
	DueBeforeTs *int64
}

// UpdateScheduledTask carries a partial task update. Nil fields are left
// unchanged; SetNextRunNull clears next_run_ts explicitly.
type UpdateScheduledTask struct {
	ID             string
	NextRunTs      *int64
	SetNextRunNull bool
	Status         *string
}

// TaskRun is one execution record in the task_run log.
type TaskRun struct {
	ID         int64
	TaskID     string
	StartedTs  int64
	DurationMs int64
	Status     string // "success" or "error"
	Result     string
	Error      string
}
