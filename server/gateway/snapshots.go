package gateway

import (
	"context"
	"encoding/json"

	"github.com/hrygo/microclaw/store"
)

// Snapshots renders the context files the runner drops into a group folder
// before each run, so the agent sees task and group state without database
// access. Implements runner.SnapshotSource.
type Snapshots struct {
	store *store.Store
}

// NewSnapshots creates a snapshot source.
func NewSnapshots(st *store.Store) *Snapshots {
	return &Snapshots{store: st}
}

type taskSnapshot struct {
	ID            string `json:"id"`
	GroupFolder   string `json:"group_folder"`
	Prompt        string `json:"prompt"`
	ScheduleType  string `json:"schedule_type"`
	ScheduleValue string `json:"schedule_value,omitempty"`
	ContextMode   string `json:"context_mode"`
	NextRunTs     *int64 `json:"next_run_ts"`
	Status        string `json:"status"`
}

// TasksJSON renders the task list: the group's own tasks, or every task for
// the main group.
func (s *Snapshots) TasksJSON(ctx context.Context, groupFolder string, isMain bool) ([]byte, error) {
	find := &store.FindScheduledTask{
		Statuses: []string{store.TaskStatusActive, store.TaskStatusPaused},
	}
	if !isMain {
		find.GroupFolder = groupFolder
	}
	tasks, err := s.store.ListScheduledTasks(ctx, find)
	if err != nil {
		return nil, err
	}
	out := make([]taskSnapshot, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskSnapshot{
			ID:            t.ID,
			GroupFolder:   t.GroupFolder,
			Prompt:        t.Prompt,
			ScheduleType:  t.ScheduleType,
			ScheduleValue: t.ScheduleValue,
			ContextMode:   t.ContextMode,
			NextRunTs:     t.NextRunTs,
			Status:        t.Status,
		})
	}
	return json.MarshalIndent(out, "", "  ")
}

type groupSnapshot struct {
	JID    string `json:"jid"`
	Name   string `json:"name"`
	Folder string `json:"folder"`
}

// GroupsJSON renders the registered group list. Only written for the main
// group.
func (s *Snapshots) GroupsJSON(ctx context.Context) ([]byte, error) {
	groups, err := s.store.ListRegisteredGroups(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]groupSnapshot, 0, len(groups))
	for _, g := range groups {
		out = append(out, groupSnapshot{JID: g.JID, Name: g.Name, Folder: g.Folder})
	}
	return json.MarshalIndent(out, "", "  ")
}
