// Package wire implements the length-framed binary codec of spec.md §4.2.
//
// No library in the retrieved example pack offers a ready-made Go-native,
// forward-compatible binary struct codec: the protobuf toolchains present
// in jeeves-core/arkeep/teleport require a .proto compilation step this
// repo cannot run, and no msgpack/cbor equivalent is vendored anywhere in
// the pack. encoding/gob is the standard-library answer to exactly this
// need — self-describing, tolerant of unknown/missing fields on the same
// binary on both ends — so it is used here deliberately; see DESIGN.md.
package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/adred-codev/controlplane/internal/ctlerrors"
	"github.com/adred-codev/controlplane/internal/model"
)

// Encode serializes v into a length-prefixed binary frame: a 4-byte
// big-endian length followed by a gob-encoded payload. The same frame
// format is written whether the destination is a stream (the fallback
// transport) or a single message-bus publish (NATS already preserves
// message boundaries, but one frame format on both ends avoids a split
// codec per spec.md §4.2 "mixing codecs is a configuration error").
func Encode[T any](v T) ([]byte, error) {
	var payload bytes.Buffer
	if err := gob.NewEncoder(&payload).Encode(v); err != nil {
		return nil, fmt.Errorf("wire: encode: %w", err)
	}
	var frame bytes.Buffer
	if err := binary.Write(&frame, binary.BigEndian, uint32(payload.Len())); err != nil {
		return nil, fmt.Errorf("wire: write length prefix: %w", err)
	}
	frame.Write(payload.Bytes())
	return frame.Bytes(), nil
}

// Decode reads one length-framed value of type T out of data. Decode
// failures are always ctlerrors.ErrMalformedFrame so callers can log and
// discard without distinguishing truncation from type mismatch.
func Decode[T any](data []byte) (T, error) {
	var zero T
	r := bytes.NewReader(data)
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return zero, fmt.Errorf("%w: reading length prefix: %v", ctlerrors.ErrMalformedFrame, err)
	}
	if uint32(r.Len()) < length {
		return zero, fmt.Errorf("%w: frame truncated: have %d want %d", ctlerrors.ErrMalformedFrame, r.Len(), length)
	}
	if err := gob.NewDecoder(io.LimitReader(r, int64(length))).Decode(&zero); err != nil {
		return zero, fmt.Errorf("%w: %v", ctlerrors.ErrMalformedFrame, err)
	}
	return zero, nil
}

// EncodeTagged wraps v's encoded bytes with a Kind tag, so a single
// channel that carries more than one concrete payload type (spec.md
// §4.1: health:{id} carries either a Heartbeat or a HealthStatus) can be
// decoded without the subscriber guessing. Pair with DecodeTagged then
// Decode[T] on the inner Data once the Kind is known.
func EncodeTagged(kind model.Kind, v any) ([]byte, error) {
	inner, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return Encode(model.TaggedFrame{Kind: kind, Data: inner})
}

// DecodeTagged reads the outer Kind-tagged frame written by EncodeTagged.
func DecodeTagged(data []byte) (model.TaggedFrame, error) {
	return Decode[model.TaggedFrame](data)
}
