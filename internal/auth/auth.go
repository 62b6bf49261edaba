// Package auth holds the shared-secret token that gates multi-session servers.
//
// It intentionally avoids policy decisions and storage concerns.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/danmuck/regmon/internal/protocol/frame"
)

var (
	ErrUnauthorized = errors.New("auth: unauthorized")
	ErrTokenLength  = errors.New("auth: token must be 32 characters")
)

// Token is the fixed 32-byte shared secret. It is never mutated after parsing.
type Token struct {
	b   [frame.TokenLen]byte
	set bool
}

func ParseToken(s string) (Token, error) {
	if len(s) != frame.TokenLen {
		return Token{}, fmt.Errorf("%w: got %d", ErrTokenLength, len(s))
	}
	var t Token
	copy(t.b[:], s)
	t.set = true
	return t, nil
}

// IsZero reports whether no token was configured.
func (t Token) IsZero() bool {
	return !t.set
}

// Validate compares got to the token byte-exact, in constant time.
func (t Token) Validate(got []byte) error {
	if !t.set {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare(t.b[:], got) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// Bytes returns a copy of the raw token.
func (t Token) Bytes() []byte {
	out := make([]byte, frame.TokenLen)
	copy(out, t.b[:])
	return out
}

// String keeps the secret out of logs.
func (t Token) String() string {
	if !t.set {
		return "<unset>"
	}
	return fmt.Sprintf("<set>(%d)", frame.TokenLen)
}
