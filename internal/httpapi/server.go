// Package httpapi exposes the websocket chat endpoint plus health and
// metrics surfaces.
package httpapi

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cqQingyan/speak-ai/internal/auth"
	"github.com/cqQingyan/speak-ai/internal/config"
	"github.com/cqQingyan/speak-ai/internal/observability"
	"github.com/cqQingyan/speak-ai/internal/protocol"
	"github.com/cqQingyan/speak-ai/internal/ratelimit"
	"github.com/cqQingyan/speak-ai/internal/session"
)

// Close codes sent before dropping a connection the server will not serve.
const (
	CloseUnauthorized = 4001
	CloseRateLimited  = 4429
)

// Pipeline runs one connection's conversation loop. audio carries raw
// chunks, a nil element marks end of turn, closing it marks end of session.
type Pipeline interface {
	Run(ctx context.Context, sess *session.Session, audio <-chan []byte, out chan<- any) error
}

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	verifier *auth.Verifier
	limiter  *ratelimit.Limiter
	pipeline Pipeline
	metrics  *observability.Metrics
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, verifier *auth.Verifier, limiter *ratelimit.Limiter, pipeline Pipeline, metrics *observability.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		verifier: verifier,
		limiter:  limiter,
		pipeline: pipeline,
		metrics:  metrics,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/chat/ws", s.handleChatWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	identity, err := s.verifier.Identity(strings.TrimSpace(r.URL.Query().Get("token")))
	if err != nil {
		s.logger.Info("websocket auth rejected", zap.Error(err))
		closeWith(conn, CloseUnauthorized, "invalid token")
		return
	}

	if !s.admit(r.Context(), conn, identity) {
		return
	}

	sess := s.sessions.Create(identity)
	if s.metrics != nil {
		s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
		s.metrics.SessionEvents.WithLabelValues("created").Inc()
	}
	logger := s.logger.With(zap.String("session_id", sess.ID), zap.String("identity", identity))
	logger.Info("websocket session started")

	defer func() {
		final, err := s.sessions.End(sess.ID)
		if err != nil {
			return
		}
		if s.metrics != nil {
			s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
			s.metrics.SessionEvents.WithLabelValues("ended").Inc()
		}
		logger.Info("websocket session closed",
			zap.Int64("bytes_received", final.BytesReceived),
			zap.Int("turns_completed", final.TurnsCompleted))
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	audio := make(chan []byte, 256)
	outbound := make(chan any, 256)

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := s.pipeline.Run(ctx, sess, audio, outbound); err != nil && ctx.Err() == nil {
			logger.Error("conversation loop failed", zap.Error(err))
		}
	}()

	writerDone := make(chan struct{})
	go s.writeLoop(ctx, conn, sess, outbound, cancel, writerDone)

	s.readLoop(ctx, conn, sess, logger, audio, outbound)

	// End of inbound stream: let the pipeline finish the current turn and
	// flush its trailing events before tearing the writer down.
	close(audio)
	<-runDone
	close(outbound)
	<-writerDone
}

// admit applies the fixed-window limit before any session state exists.
// A broken counter store fails open so the conversation surface stays up.
func (s *Server) admit(ctx context.Context, conn *websocket.Conn, identity string) bool {
	if s.limiter == nil {
		return true
	}
	ok, err := s.limiter.Admit(ctx, identity)
	if err != nil {
		s.logger.Warn("rate limit check failed, admitting", zap.Error(err))
		return true
	}
	result := "allowed"
	if !ok {
		result = "denied"
	}
	if s.metrics != nil {
		s.metrics.RateLimitDecision.WithLabelValues(result).Inc()
	}
	if !ok {
		closeWith(conn, CloseRateLimited, "rate limit exceeded")
		return false
	}
	return true
}

// writeLoop is the only goroutine that writes to the connection. Raw byte
// slices go out as binary frames, everything else as JSON events.
func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session, outbound <-chan any, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-outbound:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if chunk, isAudio := msg.([]byte); isAudio {
				if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
					cancel()
					return
				}
				s.countOutbound("audio")
				continue
			}
			if _, turnDone := msg.(protocol.TurnEnd); turnDone {
				s.sessions.CompleteTurn(sess.ID)
			}
			if err := conn.WriteJSON(msg); err != nil {
				cancel()
				return
			}
			s.countOutbound(kindOf(msg))
		}
	}
}

// readLoop pumps client frames into the session's audio stream until the
// connection drops or the session byte cap is hit.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session, logger *zap.Logger, audio chan<- []byte, outbound chan<- any) {
	// The transport guard sits at the session cap; anything between the
	// per-chunk cap and this limit is dropped with a warning, not fatally.
	conn.SetReadLimit(s.cfg.SessionMaxBytes)
	conn.SetReadDeadline(time.Now().Add(s.cfg.SessionInactivityTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.SessionInactivityTimeout))
		s.sessions.Touch(sess.ID)
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.cfg.SessionInactivityTimeout))

		switch msgType {
		case websocket.BinaryMessage:
			s.countInbound("audio")
			if int64(len(data)) > s.cfg.SessionChunkBytes {
				logger.Warn("dropping oversized audio chunk", zap.Int("bytes", len(data)))
				if s.metrics != nil {
					s.metrics.DroppedChunks.Inc()
				}
				continue
			}
			total, err := s.sessions.AddBytes(sess.ID, int64(len(data)))
			if err != nil {
				return
			}
			if total > s.cfg.SessionMaxBytes {
				logger.Warn("session byte cap exceeded", zap.Int64("total", total))
				s.enqueue(ctx, outbound, protocol.NewError("session_limit", "session audio limit exceeded", false))
				return
			}
			select {
			case audio <- data:
			case <-ctx.Done():
				return
			}
		case websocket.TextMessage:
			s.countInbound("control")
			msg, err := protocol.ParseControl(data)
			if err != nil {
				logger.Warn("bad control message", zap.Error(err))
				s.enqueue(ctx, outbound, protocol.NewError("bad_control", "unrecognized control message", false))
				continue
			}
			if msg.Action == protocol.ActionFinishSpeaking {
				select {
				case audio <- nil:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (s *Server) enqueue(ctx context.Context, outbound chan<- any, msg any) {
	select {
	case outbound <- msg:
	case <-ctx.Done():
	}
}

func (s *Server) countInbound(kind string) {
	if s.metrics != nil {
		s.metrics.WSMessages.WithLabelValues("inbound", kind).Inc()
	}
}

func (s *Server) countOutbound(kind string) {
	if s.metrics != nil {
		s.metrics.WSMessages.WithLabelValues("outbound", kind).Inc()
	}
}

func kindOf(msg any) string {
	switch msg.(type) {
	case protocol.ASRPartial:
		return string(protocol.TypeASRPartial)
	case protocol.ASRFinal:
		return string(protocol.TypeASRFinal)
	case protocol.LLMToken:
		return string(protocol.TypeLLMToken)
	case protocol.ErrorEvent:
		return string(protocol.TypeError)
	case protocol.TurnEnd:
		return string(protocol.TypeTurnEnd)
	default:
		return "unknown"
	}
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(2 * time.Second)
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}
