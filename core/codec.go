package core

// codec.go – canonical serialization and wire framing.
//
// Everything that is hashed or sent between nodes is RLP-encoded: RLP is
// deterministic, so digests are reproducible across implementations. Frames
// on a stream are length-prefixed and versioned.

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/rlp"
)

const (
	// WireVersion is bumped on incompatible frame layout changes.
	WireVersion uint8 = 1

	// MaxFrameBytes bounds a single frame: the largest chunk (4 MiB)
	// plus headroom for the envelope.
	MaxFrameBytes = 5 << 20
)

// EncodeCanonical serializes v deterministically.
func EncodeCanonical(v interface{}) ([]byte, error) {
	return rlp.EncodeToBytes(v)
}

// DecodeCanonical is the inverse of EncodeCanonical.
func DecodeCanonical(data []byte, v interface{}) error {
	return rlp.DecodeBytes(data, v)
}

// MustEncode panics on encoding failure. Reserved for structures whose
// encodability is guaranteed by construction (hashing paths).
func MustEncode(v interface{}) []byte {
	b, err := rlp.EncodeToBytes(v)
	if err != nil {
		panic(fmt.Errorf("canonical encode: %w", err))
	}
	return b
}

//---------------------------------------------------------------------
// Stream framing
//---------------------------------------------------------------------

// Frame layout: version(1) ‖ msgType(1) ‖ payloadLen(4, BE) ‖ payload.

// WriteFrame writes one framed message to w.
func WriteFrame(w io.Writer, msgType uint8, payload []byte) error {
	if len(payload) > MaxFrameBytes {
		return fmt.Errorf("frame payload %d exceeds limit %d", len(payload), MaxFrameBytes)
	}
	hdr := make([]byte, 6)
	hdr[0] = WireVersion
	hdr[1] = msgType
	binary.BigEndian.PutUint32(hdr[2:], uint32(len(payload)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one framed message from r, enforcing version and size.
func ReadFrame(r io.Reader) (msgType uint8, payload []byte, err error) {
	hdr := make([]byte, 6)
	if _, err = io.ReadFull(r, hdr); err != nil {
		return 0, nil, err
	}
	if hdr[0] != WireVersion {
		return 0, nil, fmt.Errorf("wire version %d, want %d", hdr[0], WireVersion)
	}
	n := binary.BigEndian.Uint32(hdr[2:])
	if n > MaxFrameBytes {
		return 0, nil, fmt.Errorf("frame payload %d exceeds limit %d", n, MaxFrameBytes)
	}
	payload = make([]byte, n)
	if _, err = io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return hdr[1], payload, nil
}

//---------------------------------------------------------------------
// Integer helpers shared by the hashing paths
//---------------------------------------------------------------------

func u64be(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func u32be(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}
