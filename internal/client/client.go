// Package client speaks the register protocol from the remote side: optional token
// handshake, word reads and writes with echo verification, and a clean close.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/regmon/internal/auth"
	"github.com/danmuck/regmon/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

var (
	ErrAddressRequired = errors.New("client: address required")
	ErrAuthRejected    = errors.New("client: token rejected by server")
	ErrDesync          = errors.New("client: reply header does not match request")
	ErrClosed          = errors.New("client: closed")
	ErrInvalidCount    = errors.New("client: word count must not be negative")
)

// AuthRejectedError carries the token the server disclosed on a failed handshake.
type AuthRejectedError struct {
	Disclosed string
}

func (e *AuthRejectedError) Error() string {
	return fmt.Sprintf("%v: server expects %q", ErrAuthRejected, e.Disclosed)
}

func (e *AuthRejectedError) Unwrap() error {
	return ErrAuthRejected
}

type Config struct {
	Address string
	// Token enables the handshake. Empty means a single-mode server.
	Token       string
	DialTimeout time.Duration
	// IOTimeout bounds each request/reply exchange when positive.
	IOTimeout time.Duration
	// MaxConnectAttempts bounds dial attempts and the tries per read or write.
	// <= 0 dials until ctx ends and allows DefaultRequestAttempts per request.
	MaxConnectAttempts int
	Backoff            BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		Address:            "127.0.0.1:2222",
		DialTimeout:        5 * time.Second,
		IOTimeout:          time.Second,
		MaxConnectAttempts: DefaultRequestAttempts,
		Backoff:            DefaultBackoffConfig(),
	}
}

func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	c.Address = strings.TrimSpace(c.Address)
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.IOTimeout < 0 {
		c.IOTimeout = 0
	}
	if c.Backoff == (BackoffConfig{}) {
		c.Backoff = d.Backoff
	}
	return c
}

func (c Config) requestAttempts() int {
	if c.MaxConnectAttempts <= 0 {
		return DefaultRequestAttempts
	}
	return c.MaxConnectAttempts
}

type Client struct {
	cfg   Config
	token auth.Token
	retry *retrier
	// redial is set for clients created by Dial. Clients wrapping a caller's
	// connection never reconnect.
	redial bool

	mu     sync.Mutex
	conn   net.Conn
	buf    []byte
	closed bool
}

// Dial connects to cfg.Address, retrying with backoff, and runs the handshake when a
// token is configured. A rejected token is not retried. The returned client
// reconnects the same way when a later exchange breaks.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	cfg = cfg.WithDefaults()
	if cfg.Address == "" {
		return nil, ErrAddressRequired
	}
	token, err := parseToken(cfg.Token)
	if err != nil {
		return nil, err
	}
	c := &Client{cfg: cfg, token: token, retry: newRetrier(cfg.Backoff), redial: true}

	for attempt := 1; ; attempt++ {
		err := c.connect(ctx)
		if err == nil {
			return c, nil
		}
		log.Warn().Int("attempt", attempt).Str("addr", cfg.Address).Err(err).Msg("client connect failed")
		if errors.Is(err, ErrAuthRejected) || !c.retry.allow(cfg.MaxConnectAttempts, attempt) {
			return nil, err
		}
		if err := c.retry.pause(ctx, attempt); err != nil {
			return nil, err
		}
	}
}

// New wraps an established connection. The handshake runs here when cfg.Token is set.
func New(conn net.Conn, cfg Config) (*Client, error) {
	cfg = cfg.WithDefaults()
	token, err := parseToken(cfg.Token)
	if err != nil {
		return nil, err
	}
	c := &Client{cfg: cfg, token: token, retry: newRetrier(cfg.Backoff), conn: conn}
	if !token.IsZero() {
		if err := c.handshake(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func parseToken(raw string) (auth.Token, error) {
	if raw == "" {
		return auth.Token{}, nil
	}
	return auth.ParseToken(raw)
}

// connect dials cfg.Address and runs the handshake. c.conn is nil on failure.
func (c *Client) connect(ctx context.Context) error {
	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Address)
	if err != nil {
		return fmt.Errorf("client: dial %s: %w", c.cfg.Address, err)
	}
	c.conn = conn
	if !c.token.IsZero() {
		if err := c.handshake(); err != nil {
			c.dropConn()
			return err
		}
	}
	return nil
}

func (c *Client) dropConn() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) handshake() error {
	c.armDeadline()
	if err := c.send(c.token.Bytes()); err != nil {
		return err
	}
	reply, err := frame.ReadToken(c.conn)
	if err != nil {
		return fmt.Errorf("client: handshake: %w", err)
	}
	if reply != frame.AckToken {
		return &AuthRejectedError{Disclosed: string(reply[:])}
	}
	return nil
}

// exchange runs op on a live connection. For dialed clients a failed exchange drops
// the connection, then reconnects with backoff and runs op again up to the request
// attempt limit. Auth rejection ends the retries. A later call starts from a fresh
// dial.
func (c *Client) exchange(op func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	limit := c.cfg.requestAttempts()
	for attempt := 1; ; attempt++ {
		var err error
		if c.conn == nil {
			err = c.connect(context.Background())
		}
		if err == nil {
			if err = op(); err == nil {
				return nil
			}
		}
		if !c.redial {
			return err
		}
		c.dropConn()
		if errors.Is(err, ErrAuthRejected) || !c.retry.allow(limit, attempt) {
			return err
		}
		log.Warn().Int("attempt", attempt).Str("addr", c.cfg.Address).Err(err).Msg("client exchange failed, reconnecting")
		if err := c.retry.pause(context.Background(), attempt); err != nil {
			return err
		}
	}
}

// ReadWords reads n consecutive words at addr. n above frame.MaxWords is clamped.
// n == 0 is sent as a heartbeat and returns an empty slice.
func (c *Client) ReadWords(addr uint32, n int) ([]uint32, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCount, n)
	}
	if n > frame.MaxWords {
		log.Warn().Int("requested", n).Int("max", frame.MaxWords).Msg("client read clamped")
		n = frame.MaxWords
	}
	var out []uint32
	err := c.exchange(func() error {
		var err error
		out, err = c.readOnce(addr, n)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) readOnce(addr uint32, n int) ([]uint32, error) {
	hdr := frame.NewHeader(frame.CommandRead, uint16(n), addr)
	raw := hdr.Raw()
	c.armDeadline()
	if err := c.send(raw[:]); err != nil {
		return nil, err
	}
	if n == 0 {
		return []uint32{}, nil
	}

	reply := c.scratch(frame.HeaderLen + n*frame.WordLen)
	if _, err := io.ReadFull(c.conn, reply); err != nil {
		return nil, fmt.Errorf("client: read reply: %w", err)
	}
	if !bytes.Equal(reply[:frame.HeaderLen], raw[:]) {
		c.drain()
		return nil, fmt.Errorf("%w: got %x want %x", ErrDesync, reply[:frame.HeaderLen], raw[:])
	}
	out := make([]uint32, n)
	frame.DecodeWords(reply[frame.HeaderLen:], out)
	return out, nil
}

// WriteWords writes words starting at addr and waits for the echoed header. Only the
// first frame.MaxWords words are sent.
func (c *Client) WriteWords(addr uint32, words []uint32) error {
	if len(words) > frame.MaxWords {
		log.Warn().Int("requested", len(words)).Int("max", frame.MaxWords).Msg("client write truncated")
		words = words[:frame.MaxWords]
	}
	return c.exchange(func() error {
		return c.writeOnce(addr, words)
	})
}

func (c *Client) writeOnce(addr uint32, words []uint32) error {
	hdr := frame.NewHeader(frame.CommandWrite, uint16(len(words)), addr)
	c.armDeadline()
	if err := c.send(frame.EncodeWriteRequest(hdr, words)); err != nil {
		return err
	}
	if len(words) == 0 {
		return nil
	}

	ack := c.scratch(frame.HeaderLen)
	if _, err := io.ReadFull(c.conn, ack); err != nil {
		return fmt.Errorf("client: read ack: %w", err)
	}
	raw := hdr.Raw()
	if !bytes.Equal(ack, raw[:]) {
		c.drain()
		return fmt.Errorf("%w: got %x want %x", ErrDesync, ack, raw[:])
	}
	return nil
}

// Heartbeat sends a zero-count read. The server does not reply.
func (c *Client) Heartbeat() error {
	_, err := c.ReadWords(0, 0)
	return err
}

// Close sends the close command and closes the connection. It is safe to call twice.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn == nil {
		return nil
	}
	raw := frame.NewHeader(frame.CommandClose, 0, 0).Raw()
	c.armDeadline()
	if err := c.send(raw[:]); err != nil {
		log.Debug().Err(err).Msg("client close command not delivered")
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// RemoteAddr is the peer of the current connection, or nil while disconnected.
func (c *Client) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.RemoteAddr()
}

func (c *Client) send(b []byte) error {
	n, err := c.conn.Write(b)
	if err != nil {
		return fmt.Errorf("client: send: %w", err)
	}
	if n != len(b) {
		return fmt.Errorf("client: send: wrote %d of %d bytes", n, len(b))
	}
	return nil
}

func (c *Client) scratch(n int) []byte {
	if cap(c.buf) < n {
		c.buf = make([]byte, n)
	}
	return c.buf[:n]
}

func (c *Client) armDeadline() {
	if c.cfg.IOTimeout > 0 {
		_ = c.conn.SetDeadline(time.Now().Add(c.cfg.IOTimeout))
	}
}

// drain discards whatever the server still has in flight after a desync.
func (c *Client) drain() {
	buf := make([]byte, 16384)
	for i := 0; i < 100; i++ {
		_ = c.conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		n, err := c.conn.Read(buf)
		if err != nil || n <= 0 {
			break
		}
		log.Debug().Int("bytes", n).Msg("client drained stale reply bytes")
	}
	_ = c.conn.SetReadDeadline(time.Time{})
}
