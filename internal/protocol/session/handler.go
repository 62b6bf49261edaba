package session

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/danmuck/regmon/internal/auth"
	"github.com/danmuck/regmon/internal/protocol/frame"
	"github.com/rs/zerolog"
)

var (
	ErrAuthFailed     = errors.New("session: authentication failed")
	ErrUnknownCommand = errors.New("session: unknown command, client out of sync")
	ErrShortWrite     = errors.New("session: short write")
	ErrWindow         = errors.New("session: register window unavailable")
)

// Window is the register access a session needs.
type Window interface {
	ReadWords(addr uint32, dst []uint32) error
	WriteWords(addr uint32, src []uint32) error
}

// Observer receives per-session measurements. Implementations must be safe for
// concurrent use by many sessions.
type Observer interface {
	ObserveAuth(ok bool)
	ObserveFrame(command string, words int, duration time.Duration)
}

// Stats counts what one session did.
type Stats struct {
	Frames       uint64 `json:"frames"`
	Reads        uint64 `json:"reads"`
	Writes       uint64 `json:"writes"`
	Heartbeats   uint64 `json:"heartbeats"`
	WordsRead    uint64 `json:"words_read"`
	WordsWritten uint64 `json:"words_written"`
}

// Handler builds sessions that share one window, token and config.
type Handler struct {
	win      Window
	token    auth.Token
	cfg      Config
	logger   zerolog.Logger
	observer Observer
}

type Option func(*Handler)

// WithToken enables the 32-byte handshake before the first header.
func WithToken(token auth.Token) Option {
	return func(h *Handler) { h.token = token }
}

func WithConfig(cfg Config) Option {
	return func(h *Handler) { h.cfg = cfg.WithDefaults() }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

func WithObserver(o Observer) Option {
	return func(h *Handler) { h.observer = o }
}

func NewHandler(win Window, opts ...Option) *Handler {
	h := &Handler{
		win:    win,
		cfg:    DefaultConfig(),
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Serve runs one session on conn to completion. A nil error means the client sent a
// close command.
func (h *Handler) Serve(conn io.ReadWriter) (Stats, error) {
	s := h.NewSession(conn)
	err := s.Run()
	return s.Stats(), err
}

// Session is one connection's protocol state. State and Stats may be read from other
// goroutines while Run is in progress.
type Session struct {
	h      *Handler
	conn   io.ReadWriter
	logger zerolog.Logger

	hdr   [frame.HeaderLen]byte
	buf   []byte
	words []uint32

	state        atomic.Int32
	frames       atomic.Uint64
	reads        atomic.Uint64
	writes       atomic.Uint64
	heartbeats   atomic.Uint64
	wordsRead    atomic.Uint64
	wordsWritten atomic.Uint64
}

func (h *Handler) NewSession(conn io.ReadWriter) *Session {
	s := &Session{
		h:      h,
		conn:   conn,
		logger: h.logger,
		buf:    make([]byte, frame.HeaderLen+frame.WordLen*h.cfg.MaxWords),
		words:  make([]uint32, h.cfg.MaxWords),
	}
	if h.token.IsZero() {
		s.setState(StateAwaitingHeader)
	} else {
		s.setState(StateAwaitingAuth)
	}
	return s
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) Stats() Stats {
	return Stats{
		Frames:       s.frames.Load(),
		Reads:        s.reads.Load(),
		Writes:       s.writes.Load(),
		Heartbeats:   s.heartbeats.Load(),
		WordsRead:    s.wordsRead.Load(),
		WordsWritten: s.wordsWritten.Load(),
	}
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Run drives the state machine until close or the first error.
func (s *Session) Run() error {
	defer s.setState(StateClosed)

	if s.State() == StateAwaitingAuth {
		if err := s.authenticate(); err != nil {
			return err
		}
		s.setState(StateAwaitingHeader)
	}

	for {
		s.armDeadline()
		hdr, err := frame.ReadHeader(s.conn, s.hdr[:])
		if err != nil {
			return fmt.Errorf("session: read header: %w", err)
		}
		start := time.Now()

		if hdr.Command == frame.CommandClose {
			s.logger.Debug().Msg("session close requested")
			return nil
		}
		// Zero-count headers are skipped whatever the command byte.
		n := hdr.Words(s.h.cfg.MaxWords)
		if n == 0 {
			s.heartbeats.Add(1)
			continue
		}
		if hdr.Command != frame.CommandRead && hdr.Command != frame.CommandWrite {
			return fmt.Errorf("%w: command=%#02x", ErrUnknownCommand, byte(hdr.Command))
		}

		if hdr.Command == frame.CommandRead {
			s.setState(StateReading)
			err = s.serveRead(hdr, n)
		} else {
			s.setState(StateWriting)
			err = s.serveWrite(hdr, n)
		}
		if err != nil {
			return err
		}
		s.frames.Add(1)
		s.observeFrame(hdr.Command, n, time.Since(start))
		s.logger.Trace().
			Str("command", hdr.Command.String()).
			Uint32("address", hdr.Address).
			Int("words", n).
			Msg("frame served")
		s.setState(StateAwaitingHeader)
	}
}

// authenticate runs the token handshake. On mismatch the configured token is sent
// back before the session ends; existing clients use it to report the expected value.
func (s *Session) authenticate() error {
	s.armDeadline()
	got, err := frame.ReadToken(s.conn)
	if err != nil {
		return fmt.Errorf("session: read token: %w", err)
	}
	if err := s.h.token.Validate(got[:]); err != nil {
		s.observeAuth(false)
		if werr := s.send(s.h.token.Bytes()); werr != nil {
			return fmt.Errorf("%w: %w", ErrAuthFailed, werr)
		}
		return fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}
	s.observeAuth(true)
	return s.send(frame.AckToken[:])
}

func (s *Session) serveRead(hdr frame.Header, n int) error {
	words := s.words[:n]
	if err := s.h.win.ReadWords(hdr.Address, words); err != nil {
		return fmt.Errorf("%w: %w", ErrWindow, err)
	}
	reply := frame.AppendReadReply(s.buf[:0], hdr, words)
	if err := s.send(reply); err != nil {
		return err
	}
	s.reads.Add(1)
	s.wordsRead.Add(uint64(n))
	return nil
}

func (s *Session) serveWrite(hdr frame.Header, n int) error {
	words := s.words[:n]
	s.armDeadline()
	if err := frame.ReadPayload(s.conn, words, s.buf); err != nil {
		return fmt.Errorf("session: read payload: %w", err)
	}
	if err := s.h.win.WriteWords(hdr.Address, words); err != nil {
		return fmt.Errorf("%w: %w", ErrWindow, err)
	}
	if err := s.send(frame.EncodeWriteAck(hdr)); err != nil {
		return err
	}
	s.writes.Add(1)
	s.wordsWritten.Add(uint64(n))
	return nil
}

// send writes b in full. Anything less is a transport failure.
func (s *Session) send(b []byte) error {
	n, err := s.conn.Write(b)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrShortWrite, err)
	}
	if n != len(b) {
		return fmt.Errorf("%w: wrote %d of %d bytes", ErrShortWrite, n, len(b))
	}
	return nil
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

func (s *Session) armDeadline() {
	if s.h.cfg.IdleTimeout <= 0 {
		return
	}
	if d, ok := s.conn.(readDeadliner); ok {
		_ = d.SetReadDeadline(time.Now().Add(s.h.cfg.IdleTimeout))
	}
}

func (s *Session) observeAuth(ok bool) {
	if s.h.observer != nil {
		s.h.observer.ObserveAuth(ok)
	}
}

func (s *Session) observeFrame(cmd frame.Command, words int, d time.Duration) {
	if s.h.observer != nil {
		s.h.observer.ObserveFrame(cmd.String(), words, d)
	}
}

// WithLogger returns s with a logger carrying session fields.
func (s *Session) WithLogger(logger zerolog.Logger) *Session {
	s.logger = logger
	return s
}
