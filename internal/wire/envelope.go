// Package wire implements the framed, versioned message envelope that
// every Brisby transport payload is serialized with (spec.md §4.D, §6).
package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// CurrentVersion is the only Envelope version this node speaks. A node
// rejects any other version with an ErrorResponse{VersionMismatch}.
const CurrentVersion = 1

// Kind identifies which body variant an Envelope carries.
type Kind uint8

const (
	KindSearchRequest Kind = iota + 1
	KindSearchResponse
	KindPublishRequest
	KindPublishResponse
	KindChunkRequest
	KindChunkResponse
	KindPingRequest
	KindPingResponse
	KindErrorResponse
)

// Envelope is the on-wire frame: a version, a requester-chosen request ID
// echoed back in responses, a body kind, and the CBOR-encoded body.
//
// CBOR (github.com/fxamacker/cbor/v2) gives the "unknown body variants are
// logged and ignored" forward-compatibility spec.md §4.D asks for: an
// unrecognized Kind can still be decoded as raw bytes and skipped, which a
// fixed-offset binary header (the teacher's chunk_sender.go approach)
// cannot do without a version bump.
type Envelope struct {
	Version   uint8  `cbor:"1,keyasint"`
	RequestID uint64 `cbor:"2,keyasint"`
	Kind      Kind   `cbor:"3,keyasint"`
	Body      []byte `cbor:"4,keyasint"`
}

// Encode serializes body under kind into a versioned Envelope frame.
func Encode(requestID uint64, kind Kind, body interface{}) ([]byte, error) {
	bodyBytes, err := cbor.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal body: %w", err)
	}
	env := Envelope{
		Version:   CurrentVersion,
		RequestID: requestID,
		Kind:      kind,
		Body:      bodyBytes,
	}
	frame, err := cbor.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal envelope: %w", err)
	}
	return frame, nil
}

// Decode parses a wire frame into its Envelope. It does not decode the
// body; call DecodeBody with the appropriate Go type once Kind is known.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := cbor.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("wire: unmarshal envelope: %w", err)
	}
	return env, nil
}

// DecodeBody unmarshals env.Body into out, which must be a pointer to the
// Go type matching env.Kind.
func DecodeBody(env Envelope, out interface{}) error {
	if err := cbor.Unmarshal(env.Body, out); err != nil {
		return fmt.Errorf("wire: unmarshal body: %w", err)
	}
	return nil
}
