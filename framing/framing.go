package framing

import (
	"bufio"
	"fmt"

	"github.com/pkg/errors"
)

// Message is one complete application message extracted from the stream.
type Message []byte

// Framer converts received bytes into zero or more complete messages.
//
// Framers are stateful and are not safe for concurrent use; a session
// feeds its Framer from at most one receive path at a time.
type Framer interface {
	// Reset discards any buffered partial message.
	Reset()
	// Feed appends chunk to the buffered bytes and returns every
	// complete message now available, in stream order. On error,
	// messages extracted before the malformed input are still returned.
	Feed(chunk []byte) ([]Message, error)
}

// Encoder is implemented by Framers able to produce the outbound
// encoding of a message for their framing.
type Encoder interface {
	Encode(msg []byte) ([]byte, error)
}

var (
	// ErrBufferFull indicates the buffered partial message exceeded the
	// configured maximum buffer size.
	ErrBufferFull = errors.New("framing buffer full")
	// ErrNoProgress indicates a split function returned a token without
	// consuming input.
	ErrNoProgress = errors.New("split function made no progress")
	// ErrBadAdvance indicates a split function returned an advance
	// outside the buffered input.
	ErrBadAdvance = errors.New("split function returned invalid advance")
)

// Error is a framing error, reported when the buffered bytes cannot be
// split into messages.
type Error struct {
	Message string
	Offset  int
	Err     error
}

func (e *Error) Error() string {
	msg := "bad framing"
	if e.Message != "" {
		msg = msg + ": " + e.Message
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Offset < 1 {
		return msg
	}
	return fmt.Sprintf("%s at buffer offset %d", msg, e.Offset)
}

// Unwrap returns the underlying split error, if any.
func (e *Error) Unwrap() error { return e.Err }

// Option is a constructor option for Framers returned by New.
type Option func(*splitFramer)

// WithMaxBuffer limits the number of partial message bytes a Framer
// retains between calls to Feed. Zero means no limit.
func WithMaxBuffer(n int) Option {
	return func(f *splitFramer) {
		if n < 0 {
			n = 0
		}
		f.maxBuffer = n
	}
}

// WithEncoder sets the function used by the Framer's Encode method.
func WithEncoder(fn func([]byte) ([]byte, error)) Option {
	return func(f *splitFramer) { f.encode = fn }
}

// New returns a Framer which extracts messages from its buffer using split.
//
// split is only ever called with atEOF false and a non-empty buffer. It
// returns a zero advance and nil token to ask for more data, a positive
// advance and non-nil token to emit a message, or a positive advance and
// nil token to skip input.
func New(split bufio.SplitFunc, opts ...Option) Framer {
	if split == nil {
		panic("framing.New: split must be non-nil")
	}
	f := &splitFramer{split: split}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

type splitFramer struct {
	split     bufio.SplitFunc
	encode    func([]byte) ([]byte, error)
	buf       []byte
	maxBuffer int
}

func (f *splitFramer) Reset() { f.buf = f.buf[:0] }

func (f *splitFramer) Feed(chunk []byte) (msgs []Message, err error) {
	f.buf = append(f.buf, chunk...)
	var off int
	for off < len(f.buf) {
		cur := f.buf[off:]
		advance, token, serr := f.split(cur, false)
		switch {
		case serr != nil:
			err = &Error{Offset: off, Err: serr}
		case advance < 0 || advance > len(cur):
			err = &Error{Offset: off, Err: ErrBadAdvance}
		case advance == 0 && token != nil:
			err = &Error{Offset: off, Err: ErrNoProgress}
		}
		if err != nil {
			f.Reset()
			return msgs, errors.WithStack(err)
		}
		if advance == 0 {
			break
		}
		if token != nil {
			m := make(Message, len(token))
			copy(m, token)
			msgs = append(msgs, m)
		}
		off += advance
	}
	f.buf = append(f.buf[:0], f.buf[off:]...)
	if f.maxBuffer > 0 && len(f.buf) > f.maxBuffer {
		n := len(f.buf)
		f.Reset()
		return msgs, errors.WithStack(&Error{
			Message: fmt.Sprintf("%d bytes buffered, limit %d", n, f.maxBuffer),
			Err:     ErrBufferFull,
		})
	}
	return msgs, nil
}

func (f *splitFramer) Encode(msg []byte) ([]byte, error) {
	if f.encode == nil {
		return append([]byte(nil), msg...), nil
	}
	return f.encode(msg)
}

// Passthrough returns a Framer treating each chunk as exactly one message.
func Passthrough() Framer { return passthrough{} }

type passthrough struct{}

func (passthrough) Reset() {}

func (passthrough) Feed(chunk []byte) ([]Message, error) {
	m := make(Message, len(chunk))
	copy(m, chunk)
	return []Message{m}, nil
}

func (passthrough) Encode(msg []byte) ([]byte, error) { return append([]byte(nil), msg...), nil }

// NewDelimited returns a Framer splitting messages on delim.
func NewDelimited(delim []byte, opts ...Option) Framer {
	d := append([]byte(nil), delim...)
	opts = append([]Option{WithEncoder(func(b []byte) ([]byte, error) { return EncodeDelimited(b, d), nil })}, opts...)
	return New(SplitDelimited(d), opts...)
}

// NewEOM returns a Framer for "]]>]]>" end-of-message delimited streams.
func NewEOM(opts ...Option) Framer { return NewDelimited(tokenEOM, opts...) }

// NewChunked returns a Framer for RFC6242 chunked framing, producing one
// message per end-of-chunks marker.
func NewChunked(opts ...Option) Framer {
	opts = append([]Option{WithEncoder(func(b []byte) ([]byte, error) { return EncodeChunked(b, 0) })}, opts...)
	return New(SplitChunked(), opts...)
}

// NewLengthPrefixed returns a Framer for messages carrying a big-endian
// length header of width bytes (1, 2 or 4).
func NewLengthPrefixed(width int, opts ...Option) Framer {
	if !validWidth(width) {
		panic(fmt.Sprintf("framing.NewLengthPrefixed: invalid width %d", width))
	}
	opts = append([]Option{WithEncoder(func(b []byte) ([]byte, error) { return EncodeLengthPrefixed(b, width) })}, opts...)
	return New(SplitLengthPrefixed(width), opts...)
}
