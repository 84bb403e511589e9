package store

import (
	"context"
	"database/sql"
)

// Driver is an interface for database drivers.
type Driver interface {
	GetDB() *sql.DB
	Close() error
	Migrate(ctx context.Context) error

	// Message model related methods.
	CreateMessage(ctx context.Context, create *Message) error
	ListMessages(ctx context.Context, find *FindMessage) ([]*Message, error)
	ListMessagesAcross(ctx context.Context, chatJIDs []string, afterTimestamp string) ([]*Message, error)

	// RegisteredGroup model related methods.
	UpsertRegisteredGroup(ctx context.Context, upsert *RegisteredGroup) (*RegisteredGroup, error)
	GetRegisteredGroup(ctx context.Context, jid string) (*RegisteredGroup, error)
	ListRegisteredGroups(ctx context.Context) ([]*RegisteredGroup, error)
	DeleteRegisteredGroup(ctx context.Context, jid string) error

	// ScheduledTask model related methods.
	CreateScheduledTask(ctx context.Context, create *ScheduledTask) (*ScheduledTask, error)
	GetScheduledTask(ctx context.Context, id string) (*ScheduledTask, error)
	ListScheduledTasks(ctx context.Context, find *FindScheduledTask) ([]*ScheduledTask, error)
	UpdateScheduledTask(ctx context.Context, update *UpdateScheduledTask) error
	CreateTaskRun(ctx context.Context, create *TaskRun) error

	// MessageStatus model related methods.
	CreateMessageStatus(ctx context.Context, create *MessageStatus) (bool, error)
	ListMessageStatuses(ctx context.Context, find *FindMessageStatus) ([]*MessageStatus, error)
	UpdateMessageStatusState(ctx context.Context, messageID, state string, allowedFrom []string) (bool, error)

	// Router KV related methods.
	GetKV(ctx context.Context, key string) (string, bool, error)
	SetKV(ctx context.Context, key, value string) error

	// Session model related methods.
	GetSession(ctx context.Context, groupFolder string) (string, error)
	SetSession(ctx context.Context, groupFolder, sessionID string) error
}
