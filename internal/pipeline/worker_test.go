package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cqQingyan/speak-ai/internal/asr"
	"github.com/cqQingyan/speak-ai/internal/history"
	"github.com/cqQingyan/speak-ai/internal/llm"
	"github.com/cqQingyan/speak-ai/internal/protocol"
	"github.com/cqQingyan/speak-ai/internal/session"
)

type fakeRecognizer struct {
	events []asr.Event
	err    error
}

func (f *fakeRecognizer) Stream(_ context.Context, audio <-chan []byte) (<-chan asr.Event, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(chan asr.Event, len(f.events)+1)
	go func() {
		defer close(out)
		for range audio {
		}
		for _, ev := range f.events {
			out <- ev
		}
	}()
	return out, nil
}

type fakeGenerator struct {
	tokens []string
	err    error
	calls  int
}

func (f *fakeGenerator) Stream(_ context.Context, _ []llm.Message, onToken func(string) error) error {
	f.calls++
	for _, tok := range f.tokens {
		if err := onToken(tok); err != nil {
			return err
		}
	}
	return f.err
}

type fakeSynthesizer struct {
	spoken []string
	fail   map[string]bool
}

func (f *fakeSynthesizer) Synthesize(_ context.Context, text string) (<-chan []byte, error) {
	if f.fail[text] {
		return nil, errors.New("synthesis down")
	}
	f.spoken = append(f.spoken, text)
	out := make(chan []byte, 1)
	out <- []byte("audio:" + text)
	close(out)
	return out, nil
}

// runOneTurn pushes chunks plus the end-of-turn marker, closes the stream,
// and collects everything the worker emitted.
func runOneTurn(t *testing.T, w *Worker, chunks ...[]byte) []any {
	t.Helper()
	audio := make(chan []byte, len(chunks)+1)
	for _, c := range chunks {
		audio <- c
	}
	audio <- nil
	close(audio)

	out := make(chan any, 64)
	done := make(chan error, 1)
	sess := &session.Session{ID: "s1", Identity: "alice"}
	go func() { done <- w.Run(context.Background(), sess, audio, out) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not finish")
	}
	close(out)

	var got []any
	for msg := range out {
		got = append(got, msg)
	}
	return got
}

func eventTypes(msgs []any) []string {
	var types []string
	for _, m := range msgs {
		switch v := m.(type) {
		case protocol.ASRPartial:
			types = append(types, "asr_partial")
		case protocol.ASRFinal:
			types = append(types, "asr_final")
		case protocol.LLMToken:
			types = append(types, "llm_token")
		case protocol.ErrorEvent:
			types = append(types, "error")
		case protocol.TurnEnd:
			types = append(types, "turn_end")
		case []byte:
			types = append(types, "audio")
		default:
			types = append(types, fmt.Sprintf("%T", v))
		}
	}
	return types
}

func TestRunHappyTurn(t *testing.T) {
	rec := &fakeRecognizer{events: []asr.Event{
		{Text: "你"},
		{Text: "你好"},
		{Text: "你好。", Final: true},
	}}
	gen := &fakeGenerator{tokens: []string{"很高兴", "见到你。"}}
	syn := &fakeSynthesizer{}
	store := history.NewInMemoryStore()
	w := NewWorker(rec, gen, syn, store, 8, "抱歉。", nil, nil)

	got := runOneTurn(t, w, []byte("pcm"))
	types := eventTypes(got)

	want := []string{"asr_partial", "asr_partial", "asr_final", "llm_token", "llm_token", "audio", "turn_end"}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event %d = %s, want %s (all: %v)", i, types[i], want[i], types)
		}
	}
	if len(syn.spoken) != 1 || syn.spoken[0] != "很高兴见到你。" {
		t.Fatalf("spoken = %v", syn.spoken)
	}

	recent, err := store.RecentContext(context.Background(), "alice", 10)
	if err != nil {
		t.Fatalf("RecentContext() error = %v", err)
	}
	if len(recent) != 2 || recent[0].Role != history.RoleUser || recent[1].Role != history.RoleAssistant {
		t.Fatalf("persisted turns = %+v", recent)
	}
	if recent[1].Content != "很高兴见到你。" {
		t.Fatalf("assistant content = %q", recent[1].Content)
	}
}

func TestRunEmptyTurnEmitsNothing(t *testing.T) {
	rec := &fakeRecognizer{}
	gen := &fakeGenerator{}
	syn := &fakeSynthesizer{}
	w := NewWorker(rec, gen, syn, nil, 8, "抱歉。", nil, nil)

	// finish_speaking arrives with no audio in front of it.
	got := runOneTurn(t, w)
	if len(got) != 0 {
		t.Fatalf("events = %v, want none", eventTypes(got))
	}
	if gen.calls != 0 {
		t.Fatalf("generator called %d times, want 0", gen.calls)
	}
}

func TestRunEmptyTranscriptSpeaksApology(t *testing.T) {
	rec := &fakeRecognizer{events: []asr.Event{{Text: "", Final: true}}}
	gen := &fakeGenerator{}
	syn := &fakeSynthesizer{}
	w := NewWorker(rec, gen, syn, nil, 8, "抱歉，我没有听清。", nil, nil)

	got := runOneTurn(t, w, []byte("static"))
	types := eventTypes(got)

	// The final transcript is relayed even when it is empty; the apology
	// audio follows it.
	want := []string{"asr_final", "audio", "turn_end"}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event %d = %s, want %s (all: %v)", i, types[i], want[i], types)
		}
	}
	final, ok := got[0].(protocol.ASRFinal)
	if !ok || final.Text != "" {
		t.Fatalf("final event = %+v, want empty transcript", got[0])
	}
	if len(syn.spoken) != 1 || syn.spoken[0] != "抱歉，我没有听清。" {
		t.Fatalf("spoken = %v", syn.spoken)
	}
	if gen.calls != 0 {
		t.Fatalf("generator called %d times, want 0", gen.calls)
	}
}

func TestRunGenerationFailureOrdering(t *testing.T) {
	rec := &fakeRecognizer{events: []asr.Event{{Text: "问题。", Final: true}}}
	gen := &fakeGenerator{tokens: []string{"半", "句"}, err: &llm.UpstreamError{Status: 503, Body: "down"}}
	syn := &fakeSynthesizer{}
	store := history.NewInMemoryStore()
	w := NewWorker(rec, gen, syn, store, 8, "抱歉。", nil, nil)

	got := runOneTurn(t, w, []byte("pcm"))
	types := eventTypes(got)

	want := []string{"asr_final", "llm_token", "llm_token", "error", "turn_end"}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event %d = %s, want %s (all: %v)", i, types[i], want[i], types)
		}
	}

	var errEv protocol.ErrorEvent
	for _, m := range got {
		if e, ok := m.(protocol.ErrorEvent); ok {
			errEv = e
		}
	}
	if errEv.Code != "generation_failed" || !errEv.Retryable {
		t.Fatalf("error event = %+v", errEv)
	}

	// The dangling fragment must not reach synthesis, and a failed turn
	// must not be persisted.
	if len(syn.spoken) != 0 {
		t.Fatalf("spoken = %v, want none", syn.spoken)
	}
	recent, _ := store.RecentContext(context.Background(), "alice", 10)
	if len(recent) != 0 {
		t.Fatalf("persisted turns = %+v, want none", recent)
	}
}

func TestRunRecognizerUnavailable(t *testing.T) {
	rec := &fakeRecognizer{err: errors.New("dial failed")}
	gen := &fakeGenerator{}
	syn := &fakeSynthesizer{}
	w := NewWorker(rec, gen, syn, nil, 8, "抱歉。", nil, nil)

	got := runOneTurn(t, w, []byte("pcm"))
	types := eventTypes(got)
	want := []string{"error", "turn_end"}
	if len(types) != len(want) || types[0] != "error" || types[1] != "turn_end" {
		t.Fatalf("events = %v, want %v", types, want)
	}
}

func TestRunSynthesisFailureLosesSentenceOnly(t *testing.T) {
	rec := &fakeRecognizer{events: []asr.Event{{Text: "问题。", Final: true}}}
	gen := &fakeGenerator{tokens: []string{"第一句。", "第二句。"}}
	syn := &fakeSynthesizer{fail: map[string]bool{"第一句。": true}}
	w := NewWorker(rec, gen, syn, nil, 8, "抱歉。", nil, nil)

	got := runOneTurn(t, w, []byte("pcm"))
	types := eventTypes(got)

	audioCount := 0
	sawError := false
	for _, ty := range types {
		if ty == "audio" {
			audioCount++
		}
		if ty == "error" {
			sawError = true
		}
	}
	if audioCount != 1 {
		t.Fatalf("audio chunks = %d, want 1 (all: %v)", audioCount, types)
	}
	if sawError {
		t.Fatalf("per-sentence synthesis failure must not raise an error event: %v", types)
	}
	if types[len(types)-1] != "turn_end" {
		t.Fatalf("last event = %s, want turn_end", types[len(types)-1])
	}
}

func TestRunMultipleTurns(t *testing.T) {
	rec := &fakeRecognizer{events: []asr.Event{{Text: "好。", Final: true}}}
	gen := &fakeGenerator{tokens: []string{"嗯。"}}
	syn := &fakeSynthesizer{}
	w := NewWorker(rec, gen, syn, nil, 8, "抱歉。", nil, nil)

	audio := make(chan []byte, 8)
	audio <- []byte("turn-1")
	audio <- nil
	audio <- []byte("turn-2")
	audio <- nil
	close(audio)

	out := make(chan any, 64)
	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background(), &session.Session{ID: "s1", Identity: "a"}, audio, out) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not finish")
	}
	close(out)

	turnEnds := 0
	for msg := range out {
		if _, ok := msg.(protocol.TurnEnd); ok {
			turnEnds++
		}
	}
	if turnEnds != 2 {
		t.Fatalf("turn_end events = %d, want 2", turnEnds)
	}
	if gen.calls != 2 {
		t.Fatalf("generator calls = %d, want 2", gen.calls)
	}
}
