// Package codec implements the Task State Codec: encoding and decoding of
// the five task payload states into the opaque byte blobs stored in
// coordination-store task nodes. Per spec.md §4.2, each payload is
// `tag || separator || writer-identity-bytes` — one blob carries both the
// state and the identity of whoever produced the most recent transition, so
// a single watch event reveals who is acting.
package codec

import (
	"bytes"

	"github.com/walsplit/splitlog/pkg/errors"
	"github.com/walsplit/splitlog/pkg/types"
)

// separator sits between the tag byte and the writer-identity bytes. It is
// never itself a valid tag value, so classification never has to guess
// where the identity suffix starts.
const separator = byte(':')

// Payload is the decoded form of a task node's value.
type Payload struct {
	Tag    types.PayloadTag
	Writer string
}

// Encode produces the wire bytes for a payload: tag || separator || writer.
func Encode(tag types.PayloadTag, writer string) []byte {
	buf := make([]byte, 0, 2+len(writer))
	buf = append(buf, byte(tag), separator)
	buf = append(buf, writer...)
	return buf
}

// Decode parses wire bytes produced by Encode. It returns a structured
// error, never a panic, on malformed input — a corrupt or foreign blob in
// the coordination store must never crash the manager or worker.
func Decode(data []byte) (Payload, error) {
	if len(data) < 2 {
		return Payload{}, errors.NewError(errors.ErrCodeValidationFailed, "task payload too short").
			WithComponent("codec").
			WithDetail("length", len(data))
	}
	if data[1] != separator {
		return Payload{}, errors.NewError(errors.ErrCodeValidationFailed, "task payload missing separator").
			WithComponent("codec")
	}
	tag := types.PayloadTag(data[0])
	switch tag {
	case types.TagUnassigned, types.TagOwned, types.TagDone, types.TagError, types.TagResigned:
	default:
		return Payload{}, errors.NewError(errors.ErrCodeValidationFailed, "unknown task payload tag").
			WithComponent("codec").
			WithDetail("tag", int(data[0]))
	}
	return Payload{Tag: tag, Writer: string(data[2:])}, nil
}

// ClassifyTag reads only the tag byte, ignoring (and tolerating a missing)
// writer suffix. Comparison for state classification never needs the
// writer identity, per spec.md §4.2.
func ClassifyTag(data []byte) (types.PayloadTag, bool) {
	if len(data) == 0 {
		return 0, false
	}
	switch types.PayloadTag(data[0]) {
	case types.TagUnassigned, types.TagOwned, types.TagDone, types.TagError, types.TagResigned:
		return types.PayloadTag(data[0]), true
	default:
		return 0, false
	}
}

// WriterIdentity extracts the writer suffix after the known-length
// tag+separator prefix, without validating the tag.
func WriterIdentity(data []byte) string {
	if len(data) < 2 {
		return ""
	}
	return string(data[2:])
}

// Equal reports whether two payloads are byte-for-byte identical: same tag
// and same writer identity. Payloads that differ only in writer identity
// compare unequal.
func Equal(a, b []byte) bool {
	return bytes.Equal(a, b)
}
