package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/danmuck/regmon/internal/auth"
	"github.com/danmuck/regmon/internal/observability"
	"github.com/danmuck/regmon/internal/protocol/session"
	"github.com/danmuck/regmon/internal/window"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrInvalidMode   = errors.New("server: invalid mode")
	ErrTokenRequired = errors.New("server: multi mode requires a 32-byte token")
	ErrListenAddr    = errors.New("server: listen address required")
	ErrSessionLimit  = errors.New("server: session limit reached")
	ErrSessionPanic  = errors.New("server: session panicked")
	ErrWindowOpen    = errors.New("server: open register window")
	ErrMaxSessions   = errors.New("server: max sessions must not be negative")
	ErrShuttingDown  = errors.New("server: shutting down")
)

// Mode selects how the acceptor treats connections.
type Mode string

const (
	// ModeSingle serves exactly one unauthenticated connection, then stops.
	ModeSingle Mode = "single"
	// ModeMulti serves authenticated connections concurrently until shutdown.
	ModeMulti Mode = "multi"
)

// ServiceConfig configures the register server.
type ServiceConfig struct {
	ListenAddr string
	Mode       Mode
	// Token is the shared secret for multi mode. Single mode ignores it.
	Token string
	// MaxSessions bounds concurrent multi-mode sessions. Zero means unbounded.
	MaxSessions     int
	Session         session.Config
	Window          window.Config
	AdminListenAddr string
	CORSOrigins     []string
	ReusePort       bool
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ListenAddr:  ":2222",
		Mode:        ModeSingle,
		MaxSessions: 64,
		Session:     session.DefaultConfig(),
		Window:      window.DefaultConfig(),
	}
}

// ListenAddrForPort turns a bare port argument into a listen address on all
// interfaces.
func ListenAddrForPort(port string) string {
	port = strings.TrimSpace(port)
	if strings.Contains(port, ":") {
		return port
	}
	return ":" + port
}

// Service runs the listener, its sessions and the optional admin surface.
type Service struct {
	cfg    ServiceConfig
	token  auth.Token
	sup    *Supervisor
	logger zerolog.Logger

	started time.Time
	ready   atomic.Bool
	addrMu  sync.RWMutex
	addr    net.Addr
}

func NewService() *Service {
	return NewServiceWithConfig(DefaultServiceConfig())
}

func NewServiceWithConfig(cfg ServiceConfig) *Service {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = DefaultServiceConfig().ListenAddr
	}
	cfg.Mode = Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if cfg.Mode == "" {
		cfg.Mode = ModeSingle
	}
	cfg.Session = cfg.Session.WithDefaults()
	cfg.Window = cfg.Window.WithDefaults()
	logger := log.Logger.With().Str("component", "server").Logger()
	return &Service{
		cfg:     cfg,
		sup:     NewSupervisor(cfg.Mode, cfg.MaxSessions, logger),
		logger:  logger,
		started: time.Now(),
	}
}

func (s *Service) Config() ServiceConfig {
	return s.cfg
}

// Supervisor exposes the live session registry.
func (s *Service) Supervisor() *Supervisor {
	return s.sup
}

// Addr is the bound listener address once Run is listening, else nil.
func (s *Service) Addr() net.Addr {
	s.addrMu.RLock()
	defer s.addrMu.RUnlock()
	return s.addr
}

// Ready reports whether the window is open and the listener is accepting.
func (s *Service) Ready() bool {
	return s.ready.Load()
}

// Validate checks mode and token before anything is opened.
func (s *Service) Validate() error {
	switch s.cfg.Mode {
	case ModeSingle:
	case ModeMulti:
		if strings.TrimSpace(s.cfg.Token) == "" {
			return ErrTokenRequired
		}
		tok, err := auth.ParseToken(s.cfg.Token)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrTokenRequired, err)
		}
		s.token = tok
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMode, s.cfg.Mode)
	}
	if s.cfg.MaxSessions < 0 {
		return fmt.Errorf("%w: %d", ErrMaxSessions, s.cfg.MaxSessions)
	}
	if strings.TrimSpace(s.cfg.ListenAddr) == "" {
		return ErrListenAddr
	}
	return s.cfg.Window.Validate()
}

// Run blocks until a SIGINT/SIGTERM, or until the single-mode session ends.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.RunContext(ctx)
}

// RunContext opens the window, listens and serves until ctx ends. The window is
// closed after every session has returned.
func (s *Service) RunContext(ctx context.Context) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if s.cfg.Mode == ModeSingle && strings.TrimSpace(s.cfg.Token) != "" {
		s.logger.Warn().Msg("token ignored in single mode")
	}

	win, err := window.Open(s.cfg.Window)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWindowOpen, err)
	}
	defer func() {
		if err := win.Close(); err != nil {
			s.logger.Error().Err(err).Msg("window close failed")
		}
	}()
	s.logger.Info().
		Str("backend", s.cfg.Window.Backend).
		Str("device", s.cfg.Window.Device).
		Str("base", fmt.Sprintf("%#x", win.Base())).
		Int("size", win.Size()).
		Msg("register window mapped")

	ln, err := Listen(ctx, s.cfg.ListenAddr, s.cfg.ReusePort)
	if err != nil {
		return err
	}
	s.addrMu.Lock()
	s.addr = ln.Addr()
	s.addrMu.Unlock()
	s.logger.Info().Str("addr", ln.Addr().String()).Str("mode", string(s.cfg.Mode)).Msg("listening")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return s.Serve(gctx, ln, win)
	})
	if addr := strings.TrimSpace(s.cfg.AdminListenAddr); addr != "" {
		g.Go(func() error {
			return s.serveAdmin(gctx, addr)
		})
	}
	s.ready.Store(true)
	err = g.Wait()
	s.ready.Store(false)
	s.logger.Info().Msg("shutdown")
	return err
}

// Listen binds a TCP listener with SO_REUSEADDR set.
func Listen(ctx context.Context, addr string, reusePort bool) (net.Listener, error) {
	lc := net.ListenConfig{Control: listenControl(reusePort)}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("server: listen %s: %w", addr, err)
	}
	return ln, nil
}

// Serve runs the acceptor on an existing listener. In single mode it returns the
// session's error after one connection; in multi mode it returns when ctx ends or
// Accept fails.
func (s *Service) Serve(ctx context.Context, ln net.Listener, win session.Window) error {
	if err := s.Validate(); err != nil {
		return err
	}
	defer ln.Close()
	stop := context.AfterFunc(ctx, func() {
		s.sup.closeAll()
		_ = ln.Close()
	})
	defer stop()

	h := s.newHandler(win)
	if s.cfg.Mode == ModeSingle {
		return s.serveSingle(ctx, ln, h)
	}
	return s.serveMulti(ctx, ln, h)
}

func (s *Service) newHandler(win session.Window) *session.Handler {
	opts := []session.Option{
		session.WithConfig(s.cfg.Session),
		session.WithLogger(s.logger),
		session.WithObserver(observability.SessionMetrics{}),
	}
	if s.cfg.Mode == ModeMulti {
		opts = append(opts, session.WithToken(s.token))
	}
	return session.NewHandler(win, opts...)
}

func (s *Service) serveSingle(ctx context.Context, ln net.Listener, h *session.Handler) error {
	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
			return nil
		}
		return fmt.Errorf("server: accept: %w", err)
	}
	_ = ln.Close()
	err = s.sup.Run(conn, h)
	_ = conn.Close()
	if ctx.Err() != nil || errors.Is(err, ErrShuttingDown) {
		return nil
	}
	return err
}

func (s *Service) serveMulti(ctx context.Context, ln net.Listener, h *session.Handler) error {
	defer s.sup.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("server: accept: %w", err)
		}
		if err := s.sup.Go(conn, h); err != nil {
			if errors.Is(err, ErrShuttingDown) {
				_ = conn.Close()
				return nil
			}
			observability.SessionRejected()
			s.logger.Warn().Str("remote", remoteString(conn)).Err(err).Msg("session not started")
			_ = conn.Close()
			continue
		}
	}
}
