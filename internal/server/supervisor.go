package server

import (
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/regmon/internal/observability"
	"github.com/danmuck/regmon/internal/protocol/frame"
	"github.com/danmuck/regmon/internal/protocol/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SessionInfo is the externally visible state of one live session.
type SessionInfo struct {
	ID      string        `json:"id"`
	Remote  string        `json:"remote"`
	Mode    Mode          `json:"mode"`
	Started time.Time     `json:"started"`
	State   string        `json:"state"`
	Stats   session.Stats `json:"stats"`
}

type tracked struct {
	id      string
	conn    net.Conn
	remote  string
	started time.Time
	sess    *session.Session
}

// Supervisor admits connections, runs each as an isolated session and tracks them
// until they end.
type Supervisor struct {
	mode   Mode
	max    int
	logger zerolog.Logger

	mu      sync.Mutex
	active  map[string]*tracked
	closing bool
	wg      sync.WaitGroup
}

func NewSupervisor(mode Mode, maxSessions int, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		mode:   mode,
		max:    maxSessions,
		logger: logger,
		active: make(map[string]*tracked),
	}
}

// Go admits conn and serves it on its own goroutine. When admission fails the caller
// still owns conn.
func (s *Supervisor) Go(conn net.Conn, h *session.Handler) error {
	t, err := s.admit(conn, h)
	if err != nil {
		return err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.run(t)
	}()
	return nil
}

// Run admits conn and serves it on the calling goroutine.
func (s *Supervisor) Run(conn net.Conn, h *session.Handler) error {
	t, err := s.admit(conn, h)
	if err != nil {
		return err
	}
	return s.run(t)
}

func (s *Supervisor) admit(conn net.Conn, h *session.Handler) (*tracked, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return nil, ErrShuttingDown
	}
	if s.max > 0 && len(s.active) >= s.max {
		return nil, fmt.Errorf("%w: active=%d max=%d", ErrSessionLimit, len(s.active), s.max)
	}
	t := &tracked{
		id:      uuid.NewString(),
		conn:    conn,
		remote:  remoteString(conn),
		started: time.Now(),
	}
	logger := s.logger.With().
		Str("session_id", t.id).
		Str("remote", t.remote).
		Str("mode", string(s.mode)).
		Logger()
	t.sess = h.NewSession(conn).WithLogger(logger)
	s.active[t.id] = t
	return t, nil
}

func (s *Supervisor) run(t *tracked) (err error) {
	observability.SessionOpened()
	logger := s.logger.With().Str("session_id", t.id).Str("remote", t.remote).Logger()
	logger.Info().Str("mode", string(s.mode)).Int("active", s.Active()).Msg("session started")

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrSessionPanic, r)
			logger.Error().Str("stack", string(debug.Stack())).Err(err).Msg("session panicked")
		}
		_ = t.conn.Close()
		s.release(t.id)

		outcome := sessionOutcome(err)
		observability.SessionClosed(string(s.mode), outcome)
		stats := t.sess.Stats()
		event := logger.Info()
		switch outcome {
		case "auth_failed", "protocol_error":
			event = logger.Warn()
		case "window_error", "panic":
			event = logger.Error()
		}
		if err != nil {
			event = event.Err(err)
		}
		event.
			Str("outcome", outcome).
			Uint64("frames", stats.Frames).
			Dur("duration", time.Since(t.started)).
			Msg("session ended")
	}()

	return t.sess.Run()
}

func (s *Supervisor) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, id)
}

// Active is the number of sessions currently tracked.
func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Snapshot lists live sessions, oldest first.
func (s *Supervisor) Snapshot() []SessionInfo {
	s.mu.Lock()
	out := make([]SessionInfo, 0, len(s.active))
	for _, t := range s.active {
		out = append(out, SessionInfo{
			ID:      t.id,
			Remote:  t.remote,
			Mode:    s.mode,
			Started: t.started,
			State:   t.sess.State().String(),
			Stats:   t.sess.Stats(),
		})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Started.Equal(out[j].Started) {
			return out[i].ID < out[j].ID
		}
		return out[i].Started.Before(out[j].Started)
	})
	return out
}

// closeAll closes every tracked connection and refuses further admissions. The
// closed sessions end with transport errors.
func (s *Supervisor) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closing = true
	for _, t := range s.active {
		_ = t.conn.Close()
	}
}

// Wait blocks until every session started with Go has returned.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

func sessionOutcome(err error) string {
	switch {
	case err == nil:
		return "clean"
	case errors.Is(err, ErrSessionPanic):
		return "panic"
	case errors.Is(err, session.ErrAuthFailed):
		return "auth_failed"
	case errors.Is(err, session.ErrUnknownCommand):
		return "protocol_error"
	case errors.Is(err, session.ErrWindow):
		return "window_error"
	case errors.Is(err, frame.ErrShortHeader), errors.Is(err, frame.ErrShortToken):
		return "disconnected"
	default:
		return "transport_error"
	}
}

func remoteString(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
