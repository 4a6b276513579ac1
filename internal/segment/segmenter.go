// Package segment turns a live token stream into sentence-sized units for
// speech synthesis. Flushing on sentence boundaries keeps synthesis latency
// bounded without producing fragmentary one-word requests.
package segment

import (
	"strings"
	"unicode/utf8"
)

// maxBufferedRunes is the point past which a buffered run is flushed on the
// next terminator-carrying token even if the buffer does not end on one.
const maxBufferedRunes = 50

const terminators = "。！？；!?;."

// Segmenter accumulates generation tokens and emits complete sentences.
// It is stateful and not safe for concurrent use; each turn gets its own.
type Segmenter struct {
	buf strings.Builder
}

func New() *Segmenter {
	return &Segmenter{}
}

// Push appends one token and reports a completed sentence, if any.
// A sentence is complete when the buffer ends in a terminator, or when the
// buffer has grown past the length threshold and the newly appended token
// carries a terminator anywhere.
func (s *Segmenter) Push(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	s.buf.WriteString(token)

	text := s.buf.String()
	last, _ := utf8.DecodeLastRuneInString(text)
	if strings.ContainsRune(terminators, last) {
		s.buf.Reset()
		return text, true
	}
	if utf8.RuneCountInString(text) > maxBufferedRunes && strings.ContainsAny(token, terminators) {
		s.buf.Reset()
		return text, true
	}
	return "", false
}

// Flush drains whatever remains at end of stream, terminator or not.
func (s *Segmenter) Flush() string {
	text := s.buf.String()
	s.buf.Reset()
	return text
}
