package session

import (
	"bytes"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/regmon/internal/auth"
	"github.com/danmuck/regmon/internal/protocol/frame"
	"github.com/danmuck/regmon/internal/testutil/testlog"
	"github.com/danmuck/regmon/internal/window"
)

const testToken = "abcdefghijklmnopqrstuvwxyz012345"

type serveResult struct {
	stats Stats
	err   error
}

func startSession(t *testing.T, h *Handler) (net.Conn, <-chan serveResult) {
	t.Helper()
	server, client := net.Pipe()
	done := make(chan serveResult, 1)
	go func() {
		stats, err := h.Serve(server)
		_ = server.Close()
		done <- serveResult{stats: stats, err: err}
	}()
	t.Cleanup(func() { _ = client.Close() })
	return client, done
}

func waitResult(t *testing.T, done <-chan serveResult) serveResult {
	t.Helper()
	select {
	case res := <-done:
		return res
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not finish")
		return serveResult{}
	}
}

func send(t *testing.T, c net.Conn, b []byte) {
	t.Helper()
	if _, err := c.Write(b); err != nil {
		t.Fatalf("client write: %v", err)
	}
}

func sendHeader(t *testing.T, c net.Conn, cmd frame.Command, count uint16, addr uint32) frame.Header {
	t.Helper()
	h := frame.NewHeader(cmd, count, addr)
	raw := h.Raw()
	send(t, c, raw[:])
	return h
}

func readN(t *testing.T, c net.Conn, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatalf("client read %d bytes: %v", n, err)
	}
	return buf
}

func expectEOF(t *testing.T, c net.Conn) {
	t.Helper()
	var b [1]byte
	n, err := c.Read(b[:])
	if n != 0 || !errors.Is(err, io.EOF) {
		t.Fatalf("expected no bytes then EOF, got n=%d err=%v", n, err)
	}
}

func writeWords(t *testing.T, c net.Conn, addr uint32, words []uint32) {
	t.Helper()
	h := frame.NewHeader(frame.CommandWrite, uint16(len(words)), addr)
	send(t, c, frame.EncodeWriteRequest(h, words))
	ack := readN(t, c, frame.HeaderLen)
	raw := h.Raw()
	if !bytes.Equal(ack, raw[:]) {
		t.Fatalf("write ack must echo header: got=%v want=%v", ack, raw)
	}
}

func readWords(t *testing.T, c net.Conn, addr uint32, n int) []uint32 {
	t.Helper()
	h := sendHeader(t, c, frame.CommandRead, uint16(n), addr)
	reply := readN(t, c, frame.HeaderLen+n*frame.WordLen)
	raw := h.Raw()
	if !bytes.Equal(reply[:frame.HeaderLen], raw[:]) {
		t.Fatalf("read reply must echo header")
	}
	out := make([]uint32, n)
	frame.DecodeWords(reply[frame.HeaderLen:], out)
	return out
}

func mustToken(t *testing.T) auth.Token {
	t.Helper()
	tok, err := auth.ParseToken(testToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	return tok
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	testlog.Start(t)
	win := window.NewMemory(1 << 20)
	for _, count := range []int{1, 2, 255, 4096, frame.MaxWords} {
		h := NewHandler(win)
		client, done := startSession(t, h)

		in := make([]uint32, count)
		for i := range in {
			in[i] = uint32(count)<<16 ^ uint32(i)
		}
		writeWords(t, client, 0x40000000, in)
		out := readWords(t, client, 0x40000000, count)
		for i := range in {
			if out[i] != in[i] {
				t.Fatalf("count=%d word %d: got=%#x want=%#x", count, i, out[i], in[i])
			}
		}
		sendHeader(t, client, frame.CommandClose, 0, 0)
		expectEOF(t, client)
		res := waitResult(t, done)
		if res.err != nil {
			t.Fatalf("count=%d: unexpected error: %v", count, res.err)
		}
		if res.stats.Reads != 1 || res.stats.Writes != 1 || res.stats.WordsRead != uint64(count) {
			t.Fatalf("unexpected stats: %+v", res.stats)
		}
	}
}

func TestZeroCountIsHeartbeat(t *testing.T) {
	testlog.Start(t)
	win := window.NewMemory(4096)
	if err := win.WriteWords(0x10, []uint32{42}); err != nil {
		t.Fatalf("prime window: %v", err)
	}
	client, done := startSession(t, NewHandler(win))

	sendHeader(t, client, frame.CommandRead, 0, 0x10)
	sendHeader(t, client, frame.CommandWrite, 0, 0x10)
	got := readWords(t, client, 0x10, 1)
	if got[0] != 42 {
		t.Fatalf("zero-count write must not touch the window, got %d", got[0])
	}
	sendHeader(t, client, frame.CommandClose, 0, 0)
	expectEOF(t, client)

	res := waitResult(t, done)
	if res.err != nil {
		t.Fatalf("unexpected error: %v", res.err)
	}
	if res.stats.Heartbeats != 2 || res.stats.Frames != 1 {
		t.Fatalf("unexpected stats: %+v", res.stats)
	}
}

func TestCountAboveMaxIsClamped(t *testing.T) {
	testlog.Start(t)
	win := window.NewMemory(4096)
	if err := win.WriteWords(0, []uint32{1, 2, 3, 4, 5, 6}); err != nil {
		t.Fatalf("prime window: %v", err)
	}
	h := NewHandler(win, WithConfig(Config{MaxWords: 4}))
	client, done := startSession(t, h)

	hdr := sendHeader(t, client, frame.CommandRead, 10, 0)
	reply := readN(t, client, frame.HeaderLen+4*frame.WordLen)
	raw := hdr.Raw()
	if !bytes.Equal(reply[:frame.HeaderLen], raw[:]) {
		t.Fatalf("reply must echo the unclamped header")
	}
	words := make([]uint32, 4)
	frame.DecodeWords(reply[frame.HeaderLen:], words)
	if words[3] != 4 {
		t.Fatalf("unexpected words: %v", words)
	}
	sendHeader(t, client, frame.CommandClose, 0, 0)
	expectEOF(t, client)
	if res := waitResult(t, done); res.err != nil {
		t.Fatalf("unexpected error: %v", res.err)
	}
}

func TestCloseSendsNothing(t *testing.T) {
	testlog.Start(t)
	client, done := startSession(t, NewHandler(window.NewMemory(4096)))
	sendHeader(t, client, frame.CommandClose, 1234, 0xffffffff)
	expectEOF(t, client)
	res := waitResult(t, done)
	if res.err != nil {
		t.Fatalf("close must end the session cleanly, got %v", res.err)
	}
}

func TestUnknownCommandTerminates(t *testing.T) {
	testlog.Start(t)
	for _, count := range []uint16{1, 7} {
		client, done := startSession(t, NewHandler(window.NewMemory(4096)))
		sendHeader(t, client, frame.Command('x'), count, 0)
		expectEOF(t, client)
		res := waitResult(t, done)
		if !errors.Is(res.err, ErrUnknownCommand) {
			t.Fatalf("count=%d: expected ErrUnknownCommand, got %v", count, res.err)
		}
	}
}

func TestUnknownCommandWithZeroCountIsHeartbeat(t *testing.T) {
	testlog.Start(t)
	client, done := startSession(t, NewHandler(window.NewMemory(4096)))
	sendHeader(t, client, frame.Command('x'), 0, 0)
	sendHeader(t, client, frame.CommandClose, 1, 0)
	expectEOF(t, client)
	res := waitResult(t, done)
	if res.err != nil {
		t.Fatalf("zero-count header must be skipped, got %v", res.err)
	}
	if res.stats.Heartbeats != 1 {
		t.Fatalf("expected 1 heartbeat, got %d", res.stats.Heartbeats)
	}
}

func TestShortHeaderIsFatal(t *testing.T) {
	testlog.Start(t)
	client, done := startSession(t, NewHandler(window.NewMemory(4096)))
	send(t, client, []byte{'r', 0, 1})
	_ = client.Close()
	res := waitResult(t, done)
	if !errors.Is(res.err, frame.ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader, got %v", res.err)
	}
}

func TestShortPayloadIsFatal(t *testing.T) {
	testlog.Start(t)
	var in bytes.Buffer
	raw := frame.EncodeHeader(frame.NewHeader(frame.CommandWrite, 2, 0))
	in.Write(raw[:])
	in.Write([]byte{1, 2, 3, 4, 5})
	var out bytes.Buffer
	_, err := NewHandler(window.NewMemory(64)).Serve(struct {
		io.Reader
		io.Writer
	}{&in, &out})
	if !errors.Is(err, frame.ErrShortPayload) {
		t.Fatalf("expected ErrShortPayload, got %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("expected no ack, got %d bytes", out.Len())
	}
}

type shortWriter struct{}

func (shortWriter) Write(b []byte) (int, error) {
	if len(b) > 4 {
		return 4, nil
	}
	return len(b), nil
}

func TestShortSendIsFatal(t *testing.T) {
	testlog.Start(t)
	raw := frame.EncodeHeader(frame.NewHeader(frame.CommandRead, 4, 0))
	_, err := NewHandler(window.NewMemory(64)).Serve(struct {
		io.Reader
		io.Writer
	}{bytes.NewReader(raw[:]), shortWriter{}})
	if !errors.Is(err, ErrShortWrite) {
		t.Fatalf("expected ErrShortWrite, got %v", err)
	}
}

func TestHandshakeRejectsWrongToken(t *testing.T) {
	testlog.Start(t)
	obs := &countingObserver{}
	h := NewHandler(window.NewMemory(4096), WithToken(mustToken(t)), WithObserver(obs))
	client, done := startSession(t, h)

	send(t, client, bytes.Repeat([]byte("0"), frame.TokenLen))
	reply := readN(t, client, frame.TokenLen)
	if string(reply) != testToken {
		t.Fatalf("expected configured token in reply, got %q", reply)
	}
	expectEOF(t, client)
	res := waitResult(t, done)
	if !errors.Is(res.err, ErrAuthFailed) || !errors.Is(res.err, auth.ErrUnauthorized) {
		t.Fatalf("expected ErrAuthFailed, got %v", res.err)
	}
	if obs.authFail != 1 || obs.authOK != 0 {
		t.Fatalf("unexpected auth observations: %+v", obs)
	}
}

func TestHandshakeAcceptsToken(t *testing.T) {
	testlog.Start(t)
	win := window.NewMemory(4096)
	obs := &countingObserver{}
	h := NewHandler(win, WithToken(mustToken(t)), WithObserver(obs))
	client, done := startSession(t, h)

	send(t, client, []byte(testToken))
	reply := readN(t, client, frame.TokenLen)
	if !bytes.Equal(reply, frame.AckToken[:]) {
		t.Fatalf("expected ack token, got %q", reply)
	}
	writeWords(t, client, 0x20, []uint32{7, 8})
	if got := readWords(t, client, 0x20, 2); got[0] != 7 || got[1] != 8 {
		t.Fatalf("unexpected words: %v", got)
	}
	sendHeader(t, client, frame.CommandClose, 0, 0)
	expectEOF(t, client)
	if res := waitResult(t, done); res.err != nil {
		t.Fatalf("unexpected error: %v", res.err)
	}
	if obs.authOK != 1 || obs.frames != 2 || obs.words != 4 {
		t.Fatalf("unexpected observations: %+v", obs)
	}
}

func TestShortTokenIsFatal(t *testing.T) {
	testlog.Start(t)
	client, done := startSession(t, NewHandler(window.NewMemory(64), WithToken(mustToken(t))))
	send(t, client, []byte("short"))
	_ = client.Close()
	res := waitResult(t, done)
	if !errors.Is(res.err, frame.ErrShortToken) {
		t.Fatalf("expected ErrShortToken, got %v", res.err)
	}
}

func TestReadAboveWindowWraps(t *testing.T) {
	testlog.Start(t)
	win := window.NewMemory(window.DefaultSize)
	client, done := startSession(t, NewHandler(win))
	writeWords(t, client, 0x100, []uint32{0x11, 0x22, 0x33})
	direct := readWords(t, client, 0x100, 3)
	wrapped := readWords(t, client, uint32(window.DefaultSize)+0x100, 3)
	for i := range direct {
		if direct[i] != wrapped[i] {
			t.Fatalf("word %d: direct=%#x wrapped=%#x", i, direct[i], wrapped[i])
		}
	}
	sendHeader(t, client, frame.CommandClose, 0, 0)
	if res := waitResult(t, done); res.err != nil {
		t.Fatalf("unexpected error: %v", res.err)
	}
}

func TestConcurrentSessionsGetOwnReplies(t *testing.T) {
	testlog.Start(t)
	win := window.NewMemory(window.DefaultSize)
	h := NewHandler(win, WithToken(mustToken(t)))

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for id := uint32(1); id <= 2; id++ {
		client, done := startSession(t, h)
		wg.Add(1)
		go func(id uint32, client net.Conn, done <-chan serveResult) {
			defer wg.Done()
			if _, err := client.Write([]byte(testToken)); err != nil {
				errs <- err
				return
			}
			ack := make([]byte, frame.TokenLen)
			if _, err := io.ReadFull(client, ack); err != nil {
				errs <- err
				return
			}
			base := id * 0x1000
			for i := uint32(0); i < 200; i++ {
				want := []uint32{id<<24 | i, ^(id<<24 | i)}
				hdr := frame.NewHeader(frame.CommandWrite, 2, base)
				if _, err := client.Write(frame.EncodeWriteRequest(hdr, want)); err != nil {
					errs <- err
					return
				}
				echo := make([]byte, frame.HeaderLen)
				if _, err := io.ReadFull(client, echo); err != nil {
					errs <- err
					return
				}
				raw := hdr.Raw()
				if !bytes.Equal(echo, raw[:]) {
					errs <- errors.New("write ack from another session")
					return
				}
				rh := frame.NewHeader(frame.CommandRead, 2, base)
				rraw := rh.Raw()
				if _, err := client.Write(rraw[:]); err != nil {
					errs <- err
					return
				}
				reply := make([]byte, frame.HeaderLen+2*frame.WordLen)
				if _, err := io.ReadFull(client, reply); err != nil {
					errs <- err
					return
				}
				got := make([]uint32, 2)
				frame.DecodeWords(reply[frame.HeaderLen:], got)
				if !bytes.Equal(reply[:frame.HeaderLen], rraw[:]) || got[0] != want[0] || got[1] != want[1] {
					errs <- errors.New("read reply mismatch")
					return
				}
			}
			cr := frame.NewHeader(frame.CommandClose, 0, 0).Raw()
			if _, err := client.Write(cr[:]); err != nil {
				errs <- err
				return
			}
			if res := <-done; res.err != nil {
				errs <- res.err
			}
		}(id, client, done)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("session failed: %v", err)
	}
}

func TestIdleTimeoutEndsSession(t *testing.T) {
	testlog.Start(t)
	h := NewHandler(window.NewMemory(64), WithConfig(Config{IdleTimeout: 20 * time.Millisecond}))
	_, done := startSession(t, h)
	res := waitResult(t, done)
	if !errors.Is(res.err, os.ErrDeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", res.err)
	}
}

func TestClosedWindowEndsSession(t *testing.T) {
	testlog.Start(t)
	win, err := window.Open(window.Config{Backend: window.BackendMemory, Size: 64, UnmapOnClose: true})
	if err != nil {
		t.Fatalf("open window: %v", err)
	}
	_ = win.Close()
	client, done := startSession(t, NewHandler(win))
	sendHeader(t, client, frame.CommandRead, 1, 0)
	res := waitResult(t, done)
	if !errors.Is(res.err, ErrWindow) || !errors.Is(res.err, window.ErrClosed) {
		t.Fatalf("expected ErrWindow, got %v", res.err)
	}
}

func TestSessionStateTransitions(t *testing.T) {
	testlog.Start(t)
	h := NewHandler(window.NewMemory(64), WithToken(mustToken(t)))
	server, client := net.Pipe()
	defer client.Close()
	s := h.NewSession(server)
	if s.State() != StateAwaitingAuth {
		t.Fatalf("unexpected initial state: %s", s.State())
	}
	done := make(chan error, 1)
	go func() {
		done <- s.Run()
		_ = server.Close()
	}()
	send(t, client, []byte(testToken))
	readN(t, client, frame.TokenLen)
	readWords(t, client, 0, 1)
	deadline := time.Now().Add(time.Second)
	for s.State() != StateAwaitingHeader {
		if time.Now().After(deadline) {
			t.Fatalf("expected awaiting_header, got %s", s.State())
		}
		time.Sleep(time.Millisecond)
	}
	sendHeader(t, client, frame.CommandClose, 0, 0)
	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.State() != StateClosed {
		t.Fatalf("expected closed, got %s", s.State())
	}
}

func TestConfigWithDefaults(t *testing.T) {
	testlog.Start(t)
	cfg := Config{MaxWords: 1 << 20, IdleTimeout: -time.Second}.WithDefaults()
	if cfg.MaxWords != frame.MaxWords || cfg.IdleTimeout != 0 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if got := (Config{MaxWords: 16}).WithDefaults().MaxWords; got != 16 {
		t.Fatalf("unexpected max words: %d", got)
	}
}

type countingObserver struct {
	mu       sync.Mutex
	authOK   int
	authFail int
	frames   int
	words    int
}

func (o *countingObserver) ObserveAuth(ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ok {
		o.authOK++
	} else {
		o.authFail++
	}
}

func (o *countingObserver) ObserveFrame(_ string, words int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.frames++
	o.words += words
}
