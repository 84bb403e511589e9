package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/microclaw/store"
)

func (d *DB) CreateScheduledTask(ctx context.Context, create *store.ScheduledTask) (*store.ScheduledTask, error) {
	now := time.Now().Unix()
	stmt := `
		INSERT INTO scheduled_task (id, group_folder, chat_jid, prompt, schedule_type, schedule_value, context_mode, next_run_ts, status, created_ts, updated_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	status := create.Status
	if status == "" {
		status = store.TaskStatusActive
	}
	contextMode := create.ContextMode
	if contextMode == "" {
		contextMode = store.ContextIsolated
	}
	_, err := d.db.ExecContext(ctx, stmt,
		create.ID,
		create.GroupFolder,
		create.ChatJID,
		create.Prompt,
		create.ScheduleType,
		create.ScheduleValue,
		contextMode,
		nullableInt64(create.NextRunTs),
		status,
		now,
		now,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create scheduled task")
	}
	return d.GetScheduledTask(ctx, create.ID)
}

func (d *DB) GetScheduledTask(ctx context.Context, id string) (*store.ScheduledTask, error) {
	tasks, err := d.ListScheduledTasks(ctx, &store.FindScheduledTask{ID: id})
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return tasks[0], nil
}

func (d *DB) ListScheduledTasks(ctx context.Context, find *store.FindScheduledTask) ([]*store.ScheduledTask, error) {
	where, args := []string{"1 = 1"}, []any{}
	if find.ID != "" {
		where = append(where, "id = ?")
		args = append(args, find.ID)
	}
	if find.GroupFolder != "" {
		where = append(where, "group_folder = ?")
		args = append(args, find.GroupFolder)
	}
	if len(find.Statuses) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(find.Statuses)), ",")
		where = append(where, "status IN ("+placeholders+")")
		for _, s := range find.Statuses {
			args = append(args, s)
		}
	}
	if find.DueBeforeTs != nil {
		where = append(where, "next_run_ts IS NOT NULL AND next_run_ts <= ?")
		args = append(args, *find.DueBeforeTs)
	}

	query := `
		SELECT id, group_folder, chat_jid, prompt, schedule_type, schedule_value, context_mode, next_run_ts, status, created_ts, updated_ts
		FROM scheduled_task
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY created_ts ASC
	`
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list scheduled tasks")
	}
	defer rows.Close()

	var list []*store.ScheduledTask
	for rows.Next() {
		var task store.ScheduledTask
		var nextRun sql.NullInt64
		if err := rows.Scan(
			&task.ID,
			&task.GroupFolder,
			&task.ChatJID,
			&task.Prompt,
			&task.ScheduleType,
			&task.ScheduleValue,
			&task.ContextMode,
			&nextRun,
			&task.Status,
			&task.CreatedTs,
			&task.UpdatedTs,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan scheduled task")
		}
		if nextRun.Valid {
			v := nextRun.Int64
			task.NextRunTs = &v
		}
		list = append(list, &task)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate scheduled tasks")
	}
	return list, nil
}

func (d *DB) UpdateScheduledTask(ctx context.Context, update *store.UpdateScheduledTask) error {
	set, args := []string{"updated_ts = ?"}, []any{time.Now().Unix()}
	if update.SetNextRunNull {
		set = append(set, "next_run_ts = NULL")
	} else if update.NextRunTs != nil {
		set = append(set, "next_run_ts = ?")
		args = append(args, *update.NextRunTs)
	}
	if update.Status != nil {
		set = append(set, "status = ?")
		args = append(args, *update.Status)
	}
	args = append(args, update.ID)

	stmt := "UPDATE scheduled_task SET " + strings.Join(set, ", ") + " WHERE id = ?"
	if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
		return errors.Wrap(err, "failed to update scheduled task")
	}
	return nil
}

func (d *DB) CreateTaskRun(ctx context.Context, create *store.TaskRun) error {
	stmt := `
		INSERT INTO task_run (task_id, started_ts, duration_ms, status, result, error)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := d.db.ExecContext(ctx, stmt,
		create.TaskID,
		create.StartedTs,
		create.DurationMs,
		create.Status,
		create.Result,
		create.Error,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create task run")
	}
	return nil
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
