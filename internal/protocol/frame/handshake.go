package frame

import (
	"errors"
	"fmt"
	"io"
)

// TokenLen is the fixed size of the handshake token and of its reply.
const TokenLen = 32

var ErrShortToken = errors.New("frame: short token")

// AckToken is the handshake reply that admits a client.
var AckToken = [TokenLen]byte{
	'1', '1', '1', '1', '1', '1', '1', '1',
	'1', '1', '1', '1', '1', '1', '1', '1',
	'1', '1', '1', '1', '1', '1', '1', '1',
	'1', '1', '1', '1', '1', '1', '1', '1',
}

// ReadToken reads exactly TokenLen bytes.
func ReadToken(r io.Reader) ([TokenLen]byte, error) {
	var b [TokenLen]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return b, fmt.Errorf("%w: %w", ErrShortToken, err)
	}
	return b, nil
}
