// internal/types/ids.go
package types

import (
	"github.com/google/uuid"
)

type ProjectID string
type ThreadID string
type MessageID string

func NewThreadID() ThreadID {
	return ThreadID(uuid.New().String())
}

func NewMessageID() MessageID {
	return MessageID(uuid.New().String())
}
