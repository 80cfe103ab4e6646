package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/time/rate"

	"github.com/michaelbrown/runbox/internal/metrics"
	"github.com/michaelbrown/runbox/internal/session"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsIncoming is a message from the client.
type wsIncoming struct {
	Type     string `json:"type"`
	Language string `json:"language,omitempty"`
	Code     string `json:"code,omitempty"`
	Input    string `json:"input,omitempty"`
}

// wsSink serializes writes to one connection.
type wsSink struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	logger zerolog.Logger
}

func (s *wsSink) Send(e session.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(e); err != nil {
		s.logger.Debug().Err(err).Str("type", e.Type).Msg("websocket write failed")
	}
}

func (s *wsSink) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		writeJSON(w, http.StatusOK, map[string]string{"service": "runbox", "websocket": "/ws"})
		return
	}

	logger := *hlog.FromRequest(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sink := &wsSink{conn: conn, logger: logger}
	sess, err := s.manager.Open(sink)
	if err != nil {
		logger.Error().Err(err).Msg("opening session")
		return
	}
	defer s.manager.Close(sess.ID)

	logger = logger.With().Str("session", sess.ID).Logger()
	sink.logger = logger

	interval := s.cfg.Server.PingInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	pongWait := 2 * interval
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go s.keepalive(sink, interval, done)

	limiter := rate.NewLimiter(rate.Limit(s.cfg.Limits.RunsPerSecond), s.cfg.Limits.RunBurst)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				logger.Debug().Err(err).Msg("websocket read error")
			}
			return
		}
		s.dispatch(sess.ID, sink, limiter, data, logger)
	}
}

func (s *Server) keepalive(sink *wsSink, interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := sink.ping(); err != nil {
				return
			}
		}
	}
}

// dispatch handles one inbound frame. Failures are reported to the client and
// never end the connection.
func (s *Server) dispatch(id string, sink *wsSink, limiter *rate.Limiter, data []byte, logger zerolog.Logger) {
	var msg wsIncoming
	if err := json.Unmarshal(data, &msg); err != nil {
		metrics.ProtocolErrors.Inc()
		logger.Debug().Err(err).Msg("malformed message")
		sink.Send(session.ErrorMessage("Error processing your request"))
		return
	}

	switch msg.Type {
	case "run":
		if !limiter.Allow() {
			sink.Send(session.ErrorMessage("Too many run requests. Please wait a moment and try again."))
			return
		}
		if err := s.manager.Run(id, msg.Language, msg.Code); err != nil {
			sink.Send(session.ErrorMessage(session.Describe(err)))
		}

	case "input":
		if err := s.manager.Input(id, msg.Input); err != nil {
			sink.Send(session.ErrorMessage(session.Describe(err)))
			return
		}
		sink.Send(session.InputProcessed())

	case "stop":
		err := s.manager.Stop(id)
		switch {
		case errors.Is(err, session.ErrNoExecution):
			sink.Send(session.Event{Type: session.EventStopped, Message: "No active execution"})
		case err != nil:
			sink.Send(session.ErrorMessage(session.Describe(err)))
		}

	default:
		metrics.ProtocolErrors.Inc()
		sink.Send(session.ErrorMessage("Unknown message type: " + msg.Type))
	}
}
