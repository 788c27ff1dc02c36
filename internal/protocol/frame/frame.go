package frame

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

var (
	ErrTooLarge  = errors.New("frame: message too large")
	ErrMalformed = errors.New("frame: malformed stream item")
	ErrNotSealed = errors.New("frame: expected sealed byte string")
)

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxMessageBytes int
}

func DefaultLimits() Limits {
	return Limits{MaxMessageBytes: 2048}
}

var streamMode cbor.DecMode

func init() {
	var err error
	streamMode, err = cbor.DecOptions{MaxNestedLevels: 16}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("frame: cbor dec mode: %v", err))
	}
}

// sealOverhead bounds what sealing adds to a message on the wire: the byte
// string header, the IV and a block of padding.
const sealOverhead = 64

// budgetReader fails reads once the bytes allowed for the current message
// are spent, so a declared length never makes the decoder buffer more than
// one maximum-size message.
type budgetReader struct {
	r    io.Reader
	left int
}

func (b *budgetReader) Read(p []byte) (int, error) {
	if b.left <= 0 {
		return 0, ErrTooLarge
	}
	if len(p) > b.left {
		p = p[:b.left]
	}
	n, err := b.r.Read(p)
	b.left -= n
	return n, err
}

// Conn carries whole GRASP messages over a TCP stream. Plain messages are
// self-delimiting CBOR items; sealed messages travel as a CBOR byte string.
type Conn struct {
	net.Conn
	cipher *Cipher
	limits Limits
	budget *budgetReader
	dec    *cbor.Decoder

	writeMu sync.Mutex
}

// NewConn wraps c. A nil cipher is treated as disabled.
func NewConn(c net.Conn, cipher *Cipher, limits Limits) *Conn {
	if cipher == nil {
		cipher = &Cipher{}
	}
	if limits.MaxMessageBytes <= 0 {
		limits = DefaultLimits()
	}
	budget := &budgetReader{r: c}
	return &Conn{
		Conn:   c,
		cipher: cipher,
		limits: limits,
		budget: budget,
		dec:    streamMode.NewDecoder(budget),
	}
}

// ReadMessage returns the next plaintext message. A peer that closed the
// stream cleanly yields io.EOF. An item longer than the limit fails with
// ErrTooLarge once the limit has been read, whatever length it declares.
func (c *Conn) ReadMessage() ([]byte, error) {
	c.budget.left = c.limits.MaxMessageBytes
	if c.cipher.Enabled() {
		c.budget.left += sealOverhead
	}
	var raw cbor.RawMessage
	if err := c.dec.Decode(&raw); err != nil {
		var netErr net.Error
		switch {
		case errors.Is(err, ErrTooLarge):
			return nil, ErrTooLarge
		case errors.Is(err, io.EOF):
			return nil, io.EOF
		case errors.As(err, &netErr):
			return nil, err
		case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
			return nil, err
		default:
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	if !c.cipher.Enabled() {
		if len(raw) > c.limits.MaxMessageBytes {
			return nil, ErrTooLarge
		}
		return raw, nil
	}
	var sealed []byte
	if len(raw) == 0 || raw[0]>>5 != 2 {
		return nil, ErrNotSealed
	}
	if err := streamMode.Unmarshal(raw, &sealed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	msg, err := c.cipher.Open(sealed)
	if err != nil {
		return nil, err
	}
	if len(msg) > c.limits.MaxMessageBytes {
		return nil, ErrTooLarge
	}
	return msg, nil
}

// WriteMessage sends one encoded message.
func (c *Conn) WriteMessage(msg []byte) error {
	if len(msg) > c.limits.MaxMessageBytes {
		return ErrTooLarge
	}
	out := msg
	if c.cipher.Enabled() {
		sealed, err := c.cipher.Seal(msg)
		if err != nil {
			return err
		}
		if out, err = cbor.Marshal(sealed); err != nil {
			return err
		}
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.Conn.Write(out)
	return err
}
