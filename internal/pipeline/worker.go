// Package pipeline drives one conversation: inbound audio is transcribed
// incrementally, the final transcript prompts the generation backend, the
// token stream is cut into sentences, and each sentence is synthesized and
// streamed back while later sentences are still being generated.
package pipeline

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/cqQingyan/speak-ai/internal/asr"
	"github.com/cqQingyan/speak-ai/internal/history"
	"github.com/cqQingyan/speak-ai/internal/llm"
	"github.com/cqQingyan/speak-ai/internal/observability"
	"github.com/cqQingyan/speak-ai/internal/protocol"
	"github.com/cqQingyan/speak-ai/internal/segment"
	"github.com/cqQingyan/speak-ai/internal/session"
)

// Recognizer streams one spoken turn worth of audio and emits transcript
// events until the final one.
type Recognizer interface {
	Stream(ctx context.Context, audio <-chan []byte) (<-chan asr.Event, error)
}

// Generator produces the reply token stream for a message list.
type Generator interface {
	Stream(ctx context.Context, messages []llm.Message, onToken func(string) error) error
}

// Synthesizer converts one sentence into a finite stream of audio chunks.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (<-chan []byte, error)
}

type Worker struct {
	recognizer   Recognizer
	generator    Generator
	synthesizer  Synthesizer
	transcripts  history.Store
	metrics      *observability.Metrics
	logger       *zap.Logger
	historyLimit int
	apologyText  string
}

func NewWorker(recognizer Recognizer, generator Generator, synthesizer Synthesizer, transcripts history.Store, historyLimit int, apologyText string, metrics *observability.Metrics, logger *zap.Logger) *Worker {
	if historyLimit <= 0 {
		historyLimit = 8
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		recognizer:   recognizer,
		generator:    generator,
		synthesizer:  synthesizer,
		transcripts:  transcripts,
		metrics:      metrics,
		logger:       logger,
		historyLimit: historyLimit,
		apologyText:  apologyText,
	}
}

// Run consumes the session's audio stream until it closes. A nil element is
// the end-of-turn marker; everything between two markers is one spoken turn.
// Protocol events and synthesized audio chunks are written to out in order.
// Run never closes out; that is the connection writer's channel.
func (w *Worker) Run(ctx context.Context, sess *session.Session, audio <-chan []byte, out chan<- any) error {
	logger := w.logger.With(zap.String("session_id", sess.ID))

	for {
		first, sessionOver, empty := w.awaitFirstChunk(ctx, audio)
		if sessionOver || ctx.Err() != nil {
			return ctx.Err()
		}
		if empty {
			// A finish_speaking with no audio behind it. Nothing to do.
			continue
		}

		sessionOver = w.runTurn(ctx, sess, logger, first, audio, out)
		if sessionOver || ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// awaitFirstChunk blocks for the first audio chunk of the next turn.
func (w *Worker) awaitFirstChunk(ctx context.Context, audio <-chan []byte) (first []byte, sessionOver, empty bool) {
	for {
		select {
		case <-ctx.Done():
			return nil, true, false
		case chunk, ok := <-audio:
			if !ok {
				return nil, true, false
			}
			if chunk == nil {
				return nil, false, true
			}
			return chunk, false, false
		}
	}
}

// runTurn handles one spoken turn end to end and reports whether the audio
// stream closed while it ran.
func (w *Worker) runTurn(ctx context.Context, sess *session.Session, logger *zap.Logger, first []byte, audio <-chan []byte, out chan<- any) (sessionOver bool) {
	outcome := "completed"
	defer func() {
		w.send(ctx, out, protocol.NewTurnEnd())
		if w.metrics != nil {
			w.metrics.Turns.WithLabelValues(outcome).Inc()
		}
	}()

	turnAudio := make(chan []byte, 32)
	events, err := w.recognizer.Stream(ctx, turnAudio)
	if err != nil {
		logger.Error("recognition unavailable", zap.Error(err))
		w.send(ctx, out, protocol.NewError("asr_unavailable", "speech recognition is unavailable", true))
		outcome = "asr_unavailable"
		close(turnAudio)
		return w.discardTurn(ctx, audio)
	}

	over := make(chan bool, 1)
	go func() {
		defer close(turnAudio)
		turnAudio <- first
		for {
			select {
			case <-ctx.Done():
				over <- true
				return
			case chunk, ok := <-audio:
				if !ok {
					over <- true
					return
				}
				if chunk == nil {
					over <- false
					return
				}
				select {
				case turnAudio <- chunk:
				case <-ctx.Done():
					over <- true
					return
				}
			}
		}
	}()

	transcript, recErr := w.relayTranscripts(ctx, events, out)
	sessionOver = <-over

	if recErr != nil {
		logger.Warn("recognition failed mid-turn", zap.Error(recErr))
		w.send(ctx, out, protocol.NewError("asr_error", "speech recognition failed", true))
		outcome = "asr_error"
		return sessionOver
	}

	w.send(ctx, out, protocol.NewASRFinal(transcript))

	if transcript == "" {
		// Nothing recognizable was said; reply with the spoken apology.
		w.speak(ctx, logger, w.apologyText, out)
		outcome = "empty_transcript"
		return sessionOver
	}

	finalAt := time.Now()

	reply, genErr := w.respond(ctx, sess, logger, transcript, finalAt, out)
	if genErr != nil {
		logger.Error("reply generation failed", zap.Error(genErr))
		w.send(ctx, out, protocol.NewError("generation_failed", "reply generation failed", retryable(genErr)))
		outcome = "generation_failed"
		return sessionOver
	}

	w.saveTurn(sess, transcript, reply, logger)
	return sessionOver
}

// relayTranscripts forwards partial transcripts and returns the final one.
func (w *Worker) relayTranscripts(ctx context.Context, events <-chan asr.Event, out chan<- any) (string, error) {
	var transcript string
	var firstErr error
	for ev := range events {
		switch {
		case ev.Err != nil:
			if firstErr == nil {
				firstErr = ev.Err
			}
		case ev.Final:
			transcript = ev.Text
		default:
			w.send(ctx, out, protocol.NewASRPartial(ev.Text))
		}
	}
	return transcript, firstErr
}

// respond generates the reply, streams tokens to the client, and synthesizes
// sentences as they complete. Returns the full reply text.
func (w *Worker) respond(ctx context.Context, sess *session.Session, logger *zap.Logger, transcript string, finalAt time.Time, out chan<- any) (string, error) {
	messages := w.buildMessages(ctx, sess, transcript)

	sentences := make(chan string, 8)
	genDone := make(chan error, 1)
	var reply string

	go func() {
		defer close(sentences)
		seg := segment.New()
		err := w.generator.Stream(ctx, messages, func(tok string) error {
			w.send(ctx, out, protocol.NewLLMToken(tok))
			reply += tok
			if sentence, ok := seg.Push(tok); ok {
				select {
				case sentences <- sentence:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		})
		if err == nil {
			if tail := seg.Flush(); tail != "" {
				select {
				case sentences <- tail:
				case <-ctx.Done():
				}
			}
		}
		genDone <- err
	}()

	firstAudio := true
	for sentence := range sentences {
		emitted := w.speak(ctx, logger, sentence, out)
		if emitted && firstAudio {
			firstAudio = false
			if w.metrics != nil {
				w.metrics.ObserveFirstAudioLatency(time.Since(finalAt))
			}
		}
	}
	if err := <-genDone; err != nil {
		return "", err
	}
	return reply, nil
}

// speak synthesizes one sentence and streams its audio chunks to the client.
// Synthesis failures lose that sentence only.
func (w *Worker) speak(ctx context.Context, logger *zap.Logger, sentence string, out chan<- any) (emitted bool) {
	chunks, err := w.synthesizer.Synthesize(ctx, sentence)
	if err != nil {
		logger.Warn("sentence synthesis failed", zap.Error(err))
		return false
	}
	for chunk := range chunks {
		w.send(ctx, out, chunk)
		emitted = true
	}
	return emitted
}

func (w *Worker) buildMessages(ctx context.Context, sess *session.Session, transcript string) []llm.Message {
	messages := make([]llm.Message, 0, w.historyLimit+1)
	if w.transcripts != nil {
		recent, err := w.transcripts.RecentContext(ctx, sess.Identity, w.historyLimit)
		if err != nil {
			w.logger.Warn("history lookup failed", zap.Error(err))
		}
		for _, r := range recent {
			messages = append(messages, llm.Message{Role: r.Role, Content: r.Content})
		}
	}
	return append(messages, llm.Message{Role: "user", Content: transcript})
}

// saveTurn persists both sides of the exchange. Persistence is best effort;
// a storage hiccup must not break the conversation.
func (w *Worker) saveTurn(sess *session.Session, transcript, reply string, logger *zap.Logger) {
	if w.transcripts == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := w.transcripts.SaveTurn(ctx, history.TurnRecord{
		Identity:  sess.Identity,
		SessionID: sess.ID,
		Role:      history.RoleUser,
		Content:   transcript,
	}); err != nil {
		logger.Warn("persist user turn failed", zap.Error(err))
	}
	if reply == "" {
		return
	}
	if err := w.transcripts.SaveTurn(ctx, history.TurnRecord{
		Identity:  sess.Identity,
		SessionID: sess.ID,
		Role:      history.RoleAssistant,
		Content:   reply,
	}); err != nil {
		logger.Warn("persist assistant turn failed", zap.Error(err))
	}
}

// discardTurn consumes the rest of a turn whose processing already failed.
func (w *Worker) discardTurn(ctx context.Context, audio <-chan []byte) (sessionOver bool) {
	for {
		select {
		case <-ctx.Done():
			return true
		case chunk, ok := <-audio:
			if !ok {
				return true
			}
			if chunk == nil {
				return false
			}
		}
	}
}

func (w *Worker) send(ctx context.Context, out chan<- any, msg any) {
	select {
	case out <- msg:
	case <-ctx.Done():
	}
}

func retryable(err error) bool {
	var le *llm.UpstreamError
	if errors.As(err, &le) {
		return le.Retryable()
	}
	return true
}
