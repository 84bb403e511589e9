// Package store provides database access to all raw objects of the gateway:
// messages, registered groups, scheduled tasks, status records, sessions and
// the router cursors.
package store

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"github.com/hrygo/microclaw/internal/profile"
)

// Store provides database access to all raw objects.
type Store struct {
	profile *profile.Profile
	driver  Driver
}

// New creates a new instance of Store.
func New(driver Driver, profile *profile.Profile) *Store {
	return &Store{
		driver:  driver,
		profile: profile,
	}
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

func (s *Store) Close() error {
	return s.driver.Close()
}

// Message methods.

func (s *Store) CreateMessage(ctx context.Context, create *Message) error {
	return s.driver.CreateMessage(ctx, create)
}

// MessagesSince returns the messages of one chat strictly after cursor, in
// timestamp order. An empty cursor returns the full chat log.
func (s *Store) MessagesSince(ctx context.Context, chatJID, cursor string) ([]*Message, error) {
	return s.driver.ListMessages(ctx, &FindMessage{ChatJID: chatJID, AfterTimestamp: cursor})
}

// NewMessagesAcross returns all messages across the given chats strictly
// after the global cursor, in timestamp order.
func (s *Store) NewMessagesAcross(ctx context.Context, chatJIDs []string, globalCursor string) ([]*Message, error) {
	return s.driver.ListMessagesAcross(ctx, chatJIDs, globalCursor)
}

// RegisteredGroup methods.

func (s *Store) UpsertRegisteredGroup(ctx context.Context, upsert *RegisteredGroup) (*RegisteredGroup, error) {
	return s.driver.UpsertRegisteredGroup(ctx, upsert)
}

func (s *Store) GetRegisteredGroup(ctx context.Context, jid string) (*RegisteredGroup, error) {
	return s.driver.GetRegisteredGroup(ctx, jid)
}

func (s *Store) ListRegisteredGroups(ctx context.Context) ([]*RegisteredGroup, error) {
	return s.driver.ListRegisteredGroups(ctx)
}

func (s *Store) DeleteRegisteredGroup(ctx context.Context, jid string) error {
	return s.driver.DeleteRegisteredGroup(ctx, jid)
}

// ScheduledTask methods.

func (s *Store) CreateScheduledTask(ctx context.Context, create *ScheduledTask) (*ScheduledTask, error) {
	if create.ID == "" {
		create.ID = uuid.NewString()
	}
	return s.driver.CreateScheduledTask(ctx, create)
}

func (s *Store) GetScheduledTask(ctx context.Context, id string) (*ScheduledTask, error) {
	return s.driver.GetScheduledTask(ctx, id)
}

func (s *Store) ListScheduledTasks(ctx context.Context, find *FindScheduledTask) ([]*ScheduledTask, error) {
	return s.driver.ListScheduledTasks(ctx, find)
}

func (s *Store) UpdateScheduledTask(ctx context.Context, update *UpdateScheduledTask) error {
	return s.driver.UpdateScheduledTask(ctx, update)
}

func (s *Store) CreateTaskRun(ctx context.Context, create *TaskRun) error {
	return s.driver.CreateTaskRun(ctx, create)
}

// MessageStatus methods.

func (s *Store) CreateMessageStatus(ctx context.Context, create *MessageStatus) (bool, error) {
	return s.driver.CreateMessageStatus(ctx, create)
}

func (s *Store) ListMessageStatuses(ctx context.Context, find *FindMessageStatus) ([]*MessageStatus, error) {
	return s.driver.ListMessageStatuses(ctx, find)
}

func (s *Store) UpdateMessageStatusState(ctx context.Context, messageID, state string, allowedFrom []string) (bool, error) {
	return s.driver.UpdateMessageStatusState(ctx, messageID, state, allowedFrom)
}

// Router KV methods.

func (s *Store) GetKV(ctx context.Context, key string) (string, bool, error) {
	return s.driver.GetKV(ctx, key)
}

func (s *Store) SetKV(ctx context.Context, key, value string) error {
	return s.driver.SetKV(ctx, key, value)
}

// GetCursorMap loads a JSON map<jid,timestamp> KV value. Corrupted state is
// treated as empty with a warning so the router can always boot.
func (s *Store) GetCursorMap(ctx context.Context, key string) (map[string]string, error) {
	raw, ok, err := s.driver.GetKV(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok || raw == "" {
		return map[string]string{}, nil
	}
	out := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		slog.Warn("corrupted cursor map, treating as empty", "key", key, "error", err)
		return map[string]string{}, nil
	}
	return out, nil
}

// SetCursorMap persists a JSON map<jid,timestamp> KV value synchronously.
func (s *Store) SetCursorMap(ctx context.Context, key string, value map[string]string) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.driver.SetKV(ctx, key, string(raw))
}

// Session methods.

func (s *Store) GetSession(ctx context.Context, groupFolder string) (string, error) {
	return s.driver.GetSession(ctx, groupFolder)
}

func (s *Store) SetSession(ctx context.Context, groupFolder, sessionID string) error {
	return s.driver.SetSession(ctx, groupFolder, sessionID)
}
