package history

import (
	"context"
	"time"
)

// Role values for turn records.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// TurnRecord stores one side of a conversational turn.
type TurnRecord struct {
	ID        string    `json:"id"`
	Identity  string    `json:"identity"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists and retrieves conversation transcripts. The pipeline only
// needs these three operations; everything else about transcript storage is
// someone else's problem.
type Store interface {
	SaveTurn(ctx context.Context, record TurnRecord) error
	RecentContext(ctx context.Context, identity string, limit int) ([]TurnRecord, error)
	Close() error
}
