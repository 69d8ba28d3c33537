package connection

import (
	"encoding/binary"
	"fmt"
	"iter"

	"github.com/1ureka/steamcm/internal/protocol"
)

// Fragments unwraps the body of a Multi message. It yields each
// length-prefixed sub-message left to right and stops after the first error.
// A nonzero uncompressed size announces a compressed envelope, which is
// rejected as malformed.
func Fragments(body []byte) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		if len(body) < 4 {
			yield(nil, fmt.Errorf("%w: multi body is %d bytes", protocol.ErrMalformedMessage, len(body)))
			return
		}
		if size := binary.LittleEndian.Uint32(body[0:4]); size != 0 {
			yield(nil, fmt.Errorf("%w: compressed multi (uncompressed size %d) is not supported", protocol.ErrMalformedMessage, size))
			return
		}

		splitFragments(body[4:], yield)
	}
}

// ProtoFragments unwraps the body of a protobuf-framed Multi message.
func ProtoFragments(body []byte) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		var m protocol.Multi
		if err := m.Unmarshal(body); err != nil {
			yield(nil, err)
			return
		}
		if m.SizeUnzipped != 0 {
			yield(nil, fmt.Errorf("%w: compressed multi (uncompressed size %d) is not supported", protocol.ErrMalformedMessage, m.SizeUnzipped))
			return
		}
		splitFragments(m.Body, yield)
	}
}

func splitFragments(rest []byte, yield func([]byte, error) bool) {
	for len(rest) > 0 {
		if len(rest) < 4 {
			yield(nil, fmt.Errorf("%w: multi fragment length truncated (%d bytes left)", protocol.ErrMalformedMessage, len(rest)))
			return
		}
		n := binary.LittleEndian.Uint32(rest[0:4])
		if uint64(n) > uint64(len(rest)-4) {
			yield(nil, fmt.Errorf("%w: multi fragment declares %d bytes, %d left", protocol.ErrMalformedMessage, n, len(rest)-4))
			return
		}

		frag := make([]byte, n)
		copy(frag, rest[4:4+n])
		rest = rest[4+n:]

		if !yield(frag, nil) {
			return
		}
	}
}

// EncodeMulti builds an uncompressed Multi body from serialized messages.
func EncodeMulti(frags ...[]byte) []byte {
	size := 4
	for _, f := range frags {
		size += 4 + len(f)
	}

	buf := make([]byte, 4, size)
	for _, f := range frags {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(f)))
		buf = append(buf, f...)
	}
	return buf
}
