// internal/types/interfaces.go
package types

import (
	"context"
)

type ThreadStore interface {
	CreateThread(ctx context.Context, projectID ProjectID, title string) (*Thread, error)
	ActiveThreadByProject(ctx context.Context, projectID ProjectID) (*Thread, error)
	ThreadsByProject(ctx context.Context, projectID ProjectID) ([]*Thread, error)
	ArchiveThread(ctx context.Context, id ThreadID) error
}

// MessageLog is the append-only per-thread ordered message store.
// CreateMessage assigns the next sequence number and refreshes the owning
// thread's last-activity time atomically with the insert.
type MessageLog interface {
	CreateMessage(ctx context.Context, threadID ThreadID, msgType, content string, meta *MessageMetadata) (*Message, error)
	MessagesByThread(ctx context.Context, threadID ThreadID) ([]*Message, error)
	CountMessages(ctx context.Context, threadID ThreadID) (int64, error)
}

// Store combines both persistence contracts; the SQLite store satisfies it.
type Store interface {
	ThreadStore
	MessageLog
}
