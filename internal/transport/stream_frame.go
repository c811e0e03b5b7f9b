package transport

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// streamFrame is the small CBOR envelope QUICTransport puts on each
// stream, carrying the reply token alongside the caller's opaque
// payload bytes (themselves typically a wire.Envelope). Kept separate
// from internal/wire so that transport has no dependency on the
// message-codec package it serves.
type streamFrame struct {
	Token   string `cbor:"1,keyasint"`
	Payload []byte `cbor:"2,keyasint"`
	IsReply bool   `cbor:"3,keyasint"`
}

type decodedFrame struct {
	token   ReplyToken
	payload []byte
	isReply bool
}

func encodeStreamFrame(token ReplyToken, payload []byte, isReply bool) []byte {
	frame := streamFrame{Token: string(token), Payload: payload, IsReply: isReply}
	data, err := cbor.Marshal(frame)
	if err != nil {
		// streamFrame always marshals: fixed fields, no cyclic types.
		panic("transport: marshal stream frame: " + err.Error())
	}
	return data
}

func decodeStreamFrame(raw []byte) (decodedFrame, error) {
	var frame streamFrame
	if err := cbor.Unmarshal(raw, &frame); err != nil {
		return decodedFrame{}, err
	}
	return decodedFrame{
		token:   ReplyToken(frame.Token),
		payload: frame.Payload,
		isReply: frame.IsReply,
	}, nil
}

func newStreamToken() ReplyToken {
	return ReplyToken(uuid.NewString())
}
