package framing

import (
	"strconv"

	"github.com/pkg/errors"
)

// ErrMessageTooLarge is returned when a message cannot be represented in
// the length header of its framing.
var ErrMessageTooLarge = errors.New("message too large for framing")

// EncodeDelimited returns msg followed by delim.
func EncodeDelimited(msg, delim []byte) []byte {
	out := make([]byte, 0, len(msg)+len(delim))
	out = append(out, msg...)
	return append(out, delim...)
}

// EncodeEOM returns msg followed by the "]]>]]>" end-of-message marker.
func EncodeEOM(msg []byte) []byte { return EncodeDelimited(msg, tokenEOM) }

// EncodeChunked returns the RFC6242 chunked encoding of msg, using chunks
// of at most maxChunk bytes (zero means the protocol maximum).
//
// Empty messages have no chunked encoding and return ErrZeroChunks.
func EncodeChunked(msg []byte, maxChunk int) ([]byte, error) {
	if len(msg) == 0 {
		return nil, errors.WithStack(ErrZeroChunks)
	}
	var limit int64 = maxChunkSize
	if maxChunk <= 0 || int64(maxChunk) > limit {
		maxChunk = len(msg)
		if int64(maxChunk) > limit {
			maxChunk = int(limit)
		}
	}
	out := make([]byte, 0, len(msg)+16)
	for n := 0; n < len(msg); {
		chunksize := len(msg) - n
		if chunksize > maxChunk {
			chunksize = maxChunk
		}
		// \n#<x>\n<x bytes data...>
		out = append(out, '\n', '#')
		out = strconv.AppendInt(out, int64(chunksize), 10)
		out = append(out, '\n')
		out = append(out, msg[n:n+chunksize]...)
		n += chunksize
	}
	return append(out, "\n##\n"...), nil
}

// EncodeLengthPrefixed returns msg preceded by its big-endian length in
// width bytes.
func EncodeLengthPrefixed(msg []byte, width int) ([]byte, error) {
	if !validWidth(width) {
		return nil, errors.Errorf("invalid length prefix width %d", width)
	}
	if uint64(len(msg)) > 1<<(8*uint(width))-1 {
		return nil, errors.Wrapf(ErrMessageTooLarge, "%d bytes with %d byte length prefix", len(msg), width)
	}
	out := make([]byte, width, width+len(msg))
	n := uint64(len(msg))
	for i := width - 1; i >= 0; i-- {
		out[i] = byte(n)
		n >>= 8
	}
	return append(out, msg...), nil
}
