package history

import (
	"context"
	"fmt"
	"testing"
)

func TestInMemoryStoreSaveAndRecall(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := s.SaveTurn(ctx, TurnRecord{
			Identity:  "alice",
			SessionID: "s1",
			Role:      RoleUser,
			Content:   fmt.Sprintf("msg-%d", i),
		})
		if err != nil {
			t.Fatalf("SaveTurn() error = %v", err)
		}
	}

	got, err := s.RecentContext(ctx, "alice", 3)
	if err != nil {
		t.Fatalf("RecentContext() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	// Chronological order, most recent three.
	if got[0].Content != "msg-2" || got[2].Content != "msg-4" {
		t.Fatalf("unexpected window: %q .. %q", got[0].Content, got[2].Content)
	}
	for _, r := range got {
		if r.ID == "" || r.CreatedAt.IsZero() {
			t.Fatalf("record missing defaults: %+v", r)
		}
	}
}

func TestInMemoryStoreIsolatesIdentities(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	_ = s.SaveTurn(ctx, TurnRecord{Identity: "a", Role: RoleUser, Content: "hi"})
	got, err := s.RecentContext(ctx, "b", 10)
	if err != nil {
		t.Fatalf("RecentContext() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("identity b sees %d records, want 0", len(got))
	}
}
