package framing

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
)

const (
	maxChunkSize       = 4294967295
	maxChunkSizeLength = 10
)

var (
	// ErrZeroChunks is reported when the end-of-chunks marker is seen
	// before any chunk of the message.
	ErrZeroChunks = errors.New("end-of-chunks seen prior to chunk")
	// ErrChunkSizeInvalid is reported when a chunk header is seen but its
	// chunk-size cannot be decoded.
	ErrChunkSizeInvalid = errors.New("no valid chunk-size detected")
	// ErrChunkSizeTokenTooLong is reported when the chunk-size token is
	// longer than needed for the maximum chunk size.
	ErrChunkSizeTokenTooLong = errors.New("chunk-size token too long")
	// ErrChunkSizeTooLarge is reported when the chunk-size exceeds 4294967295.
	ErrChunkSizeTooLarge = errors.New("chunk size larger than maximum (4294967295)")
)

// tokenEOM is the end-of-message marker of delimited NETCONF-style streams
var tokenEOM = []byte("]]>]]>")

// SplitDelimited returns a split function emitting the bytes preceding
// each occurrence of delim as a message.
func SplitDelimited(delim []byte) bufio.SplitFunc {
	if len(delim) == 0 {
		panic("SplitDelimited: delim must be non-empty")
	}
	return func(b []byte, atEOF bool) (advance int, token []byte, err error) {
		idx := bytes.Index(b, delim)
		if idx < 0 {
			return 0, nil, nil
		}
		return idx + len(delim), b[:idx:idx], nil
	}
}

// SplitEOM returns a split function for "]]>]]>" delimited messages.
func SplitEOM() bufio.SplitFunc { return SplitDelimited(tokenEOM) }

// SplitChunked returns a split function for RFC6242 chunked framing.
// A message is the concatenated data of its chunks, terminated by
// the "\n##\n" end-of-chunks marker.
func SplitChunked() bufio.SplitFunc {
	return func(b []byte, atEOF bool) (advance int, token []byte, err error) {
		token = []byte{}
		var chunks int
		for pos := 0; ; {
			if pos == len(b) {
				return 0, nil, nil
			}
			action, adv, size, cherr := detectChunkHeader(b[pos:])
			switch {
			case cherr != nil:
				return 0, nil, cherr
			case action == chActionMoreData:
				return 0, nil, nil
			case action == chActionEndOfChunks:
				if chunks == 0 {
					return 0, nil, errors.WithStack(ErrZeroChunks)
				}
				return pos + adv, token, nil
			}
			end := uint64(pos+adv) + size
			if end > uint64(len(b)) {
				return 0, nil, nil
			}
			token = append(token, b[pos+adv:end]...)
			pos = int(end)
			chunks++
		}
	}
}

// SplitLengthPrefixed returns a split function for messages preceded by
// a big-endian unsigned length of width bytes (1, 2 or 4).
func SplitLengthPrefixed(width int) bufio.SplitFunc {
	if !validWidth(width) {
		panic(fmt.Sprintf("SplitLengthPrefixed: invalid width %d", width))
	}
	return func(b []byte, atEOF bool) (advance int, token []byte, err error) {
		if len(b) < width {
			return 0, nil, nil
		}
		var n uint64
		for _, c := range b[:width] {
			n = n<<8 | uint64(c)
		}
		if uint64(len(b)-width) < n {
			return 0, nil, nil
		}
		end := width + int(n)
		return end, b[width:end:end], nil
	}
}

func validWidth(width int) bool { return width == 1 || width == 2 || width == 4 }

type chunkHeaderAction int

const (
	chActionMoreData chunkHeaderAction = iota
	chActionEndOfChunks
	chActionChunk
)

func detectChunkHeader(b []byte) (action chunkHeaderAction, advance int, chunksize uint64, err error) {
	// short blocks are checked so far as they go; b is never empty.
	if len(b) < 3 {
		switch {
		case b[0] != '\n':
			err = errors.WithStack(chunkHeaderLexError{got: b[:1], want: []byte("\n")})
		case len(b) == 2 && b[1] != '#':
			err = errors.WithStack(chunkHeaderLexError{got: b[:2], want: []byte("\n#")})
		default:
			action = chActionMoreData
		}
		return
	}

	switch {
	case b[0] == '\n' && b[1] == '#':
		switch {
		case b[2] >= '1' && b[2] <= '9':
			action = chActionChunk
			bChunksize := b[2:]
			lenChunksize := bytes.IndexByte(bChunksize, '\n')
			switch {
			case lenChunksize == -1:
				if len(bChunksize) <= maxChunkSizeLength {
					action = chActionMoreData
				} else {
					err = errors.WithStack(ErrChunkSizeTokenTooLong)
				}
			case lenChunksize > maxChunkSizeLength:
				err = errors.WithStack(ErrChunkSizeTokenTooLong)
			default:
				chunksize, err = strconv.ParseUint(string(bChunksize[:lenChunksize]), 10, 64)
				switch {
				case err != nil:
					err = errors.WithStack(ErrChunkSizeInvalid)
				case chunksize > maxChunkSize:
					err = errors.WithStack(ErrChunkSizeTooLarge)
				}
				advance = 2 + lenChunksize + 1
			}
		case b[2] == '#':
			switch {
			case len(b) < 4:
				action = chActionMoreData
			case b[3] == '\n':
				action = chActionEndOfChunks
				advance = 4
			default:
				err = errors.WithStack(chunkHeaderLexError{got: b[:4], want: []byte("\n##\n")})
			}
		default:
			err = errors.WithStack(chunkHeaderLexError{got: b[2:3], wexplicit: []byte("DIGIT1 or HASH")})
		}
	default:
		got := b
		if len(got) > 8 {
			got = got[:8]
		}
		err = errors.WithStack(chunkHeaderLexError{got: got, want: []byte("\n#")})
	}
	return
}

type chunkHeaderLexError struct{ got, want, wexplicit []byte }

func (e chunkHeaderLexError) Error() string {
	if len(e.wexplicit) > 0 {
		return fmt.Sprintf("invalid chunk header; expected %s, saw %q", e.wexplicit, e.got)
	}
	return fmt.Sprintf("invalid chunk header; expected %q, saw %q", e.want, e.got)
}
