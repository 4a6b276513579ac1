package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cqQingyan/speak-ai/internal/cache"
)

func sseServer(t *testing.T, calls *atomic.Int64, tokens []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			t.Errorf("missing bearer auth")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, tok := range tokens {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", tok)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func TestStreamDeliversTokensInOrder(t *testing.T) {
	var calls atomic.Int64
	srv := sseServer(t, &calls, []string{"你好", "！", "今天", "怎么样？"})
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, APIKey: "k", Model: "m"}, nil, nil, nil)
	var got []string
	err := c.Stream(context.Background(), []Message{{Role: "user", Content: "hi"}}, func(tok string) error {
		got = append(got, tok)
		return nil
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	want := []string{"你好", "！", "今天", "怎么样？"}
	if len(got) != len(want) {
		t.Fatalf("tokens = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("token %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestStreamCachesTokenSequence(t *testing.T) {
	var calls atomic.Int64
	srv := sseServer(t, &calls, []string{"a", "b"})
	defer srv.Close()

	store := cache.NewMemoryStore(8)
	c := NewClient(Config{BaseURL: srv.URL, APIKey: "k", Model: "m", CacheTTL: time.Minute}, store, nil, nil)
	msgs := []Message{{Role: "user", Content: "same question"}}

	for i := 0; i < 2; i++ {
		var got []string
		if err := c.Stream(context.Background(), msgs, func(tok string) error {
			got = append(got, tok)
			return nil
		}); err != nil {
			t.Fatalf("Stream() %d error = %v", i, err)
		}
		if len(got) != 2 || got[0] != "a" || got[1] != "b" {
			t.Fatalf("Stream() %d tokens = %q", i, got)
		}
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("upstream calls = %d, want 1 (second stream must be a cache hit)", n)
	}
}

func TestStreamDifferentHistoryMissesCache(t *testing.T) {
	var calls atomic.Int64
	srv := sseServer(t, &calls, []string{"x"})
	defer srv.Close()

	store := cache.NewMemoryStore(8)
	c := NewClient(Config{BaseURL: srv.URL, APIKey: "k", Model: "m"}, store, nil, nil)
	noop := func(string) error { return nil }

	_ = c.Stream(context.Background(), []Message{{Role: "user", Content: "q"}}, noop)
	_ = c.Stream(context.Background(), []Message{{Role: "assistant", Content: "prior"}, {Role: "user", Content: "q"}}, noop)
	if n := calls.Load(); n != 2 {
		t.Fatalf("upstream calls = %d, want 2 (history is part of the key)", n)
	}
}

func TestStreamUpstreamStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, APIKey: "k", Model: "m"}, nil, nil, nil)
	err := c.Stream(context.Background(), []Message{{Role: "user", Content: "hi"}}, func(string) error { return nil })

	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("error = %v, want *UpstreamError", err)
	}
	if ue.Status != http.StatusTooManyRequests || !ue.Retryable() {
		t.Fatalf("unexpected upstream error: %+v", ue)
	}
}

func TestStreamOnTokenErrorStopsAndSkipsCache(t *testing.T) {
	var calls atomic.Int64
	srv := sseServer(t, &calls, []string{"a", "b", "c"})
	defer srv.Close()

	store := cache.NewMemoryStore(8)
	c := NewClient(Config{BaseURL: srv.URL, APIKey: "k", Model: "m"}, store, nil, nil)
	msgs := []Message{{Role: "user", Content: "q"}}

	wantErr := errors.New("consumer gone")
	err := c.Stream(context.Background(), msgs, func(tok string) error {
		if tok == "b" {
			return wantErr
		}
		return nil
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("error = %v, want consumer error", err)
	}

	// The aborted sequence must not have been cached.
	_ = c.Stream(context.Background(), msgs, func(string) error { return nil })
	if n := calls.Load(); n != 2 {
		t.Fatalf("upstream calls = %d, want 2", n)
	}
}

func TestCompleteOneShot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":" 好的。 "}}]}`)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, APIKey: "k", Model: "m"}, nil, nil, nil)
	got, err := c.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if got != "好的。" {
		t.Fatalf("Complete() = %q, want 好的。", got)
	}
}
