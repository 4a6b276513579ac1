package segment

import (
	"strings"
	"testing"
)

func collect(t *testing.T, tokens []string) []string {
	t.Helper()
	seg := New()
	var out []string
	for _, tok := range tokens {
		if sentence, ok := seg.Push(tok); ok {
			out = append(out, sentence)
		}
	}
	if tail := seg.Flush(); tail != "" {
		out = append(out, tail)
	}
	return out
}

func TestPushEmitsOnTerminator(t *testing.T) {
	got := collect(t, []string{"你好", "，世界", "。"})
	want := []string{"你好，世界。"}
	if len(got) != 1 || got[0] != want[0] {
		t.Fatalf("sentences = %q, want %q", got, want)
	}
}

func TestPushSplitsMultipleSentences(t *testing.T) {
	got := collect(t, []string{"好。", "再", "见！"})
	if len(got) != 2 || got[0] != "好。" || got[1] != "再见！" {
		t.Fatalf("sentences = %q, want [好。 再见！]", got)
	}
}

func TestLongRunWithoutTerminatorIsNotFlushed(t *testing.T) {
	seg := New()
	// 60 runes, no terminator anywhere: the threshold alone must not flush.
	for i := 0; i < 60; i++ {
		if sentence, ok := seg.Push("啊"); ok {
			t.Fatalf("unexpected flush %q at rune %d", sentence, i)
		}
	}
	if tail := seg.Flush(); len([]rune(tail)) != 60 {
		t.Fatalf("tail runes = %d, want 60", len([]rune(tail)))
	}
}

func TestThresholdFlushNeedsTerminatorInNewToken(t *testing.T) {
	seg := New()
	long := strings.Repeat("字", 55)
	if _, ok := seg.Push(long); ok {
		t.Fatalf("flush without terminator")
	}
	// Terminator mid-token over the threshold: flush even though the buffer
	// does not end on it.
	sentence, ok := seg.Push("对。然后")
	if !ok {
		t.Fatalf("expected threshold flush")
	}
	if sentence != long+"对。然后" {
		t.Fatalf("sentence = %q", sentence)
	}
}

func TestShortBufferHoldsMidTokenTerminator(t *testing.T) {
	seg := New()
	// Under the threshold, a terminator that is not final must not flush.
	if sentence, ok := seg.Push("对。然后"); ok {
		t.Fatalf("unexpected flush %q", sentence)
	}
	if got := seg.Flush(); got != "对。然后" {
		t.Fatalf("tail = %q", got)
	}
}

func TestFlushDrainsTailWithoutPunctuation(t *testing.T) {
	got := collect(t, []string{"OK"})
	if len(got) != 1 || got[0] != "OK" {
		t.Fatalf("sentences = %q, want [OK]", got)
	}
}

func TestASCIITerminators(t *testing.T) {
	got := collect(t, []string{"Sure", ".", " Done", "!"})
	if len(got) != 2 || got[0] != "Sure." || got[1] != " Done!" {
		t.Fatalf("sentences = %q", got)
	}
}

func TestEmptyTokenIsIgnored(t *testing.T) {
	seg := New()
	if _, ok := seg.Push(""); ok {
		t.Fatalf("empty token must not flush")
	}
	if tail := seg.Flush(); tail != "" {
		t.Fatalf("tail = %q, want empty", tail)
	}
}
