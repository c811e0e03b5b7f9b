package wire

import (
	"testing"
)

func TestEncodeDecodeSearchRequest(t *testing.T) {
	req := SearchRequest{Query: "quarterly report", MaxResults: 20}
	frame, err := Encode(42, KindSearchRequest, req)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	env, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Version != CurrentVersion {
		t.Fatalf("Version = %d, want %d", env.Version, CurrentVersion)
	}
	if env.RequestID != 42 {
		t.Fatalf("RequestID = %d, want 42", env.RequestID)
	}
	if env.Kind != KindSearchRequest {
		t.Fatalf("Kind = %d, want %d", env.Kind, KindSearchRequest)
	}

	var got SearchRequest
	if err := DecodeBody(env, &got); err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if got != req {
		t.Fatalf("DecodeBody = %+v, want %+v", got, req)
	}
}

func TestEncodeDecodeChunkResponse(t *testing.T) {
	want := ChunkResponse{
		ContentHash: [32]byte{1, 2, 3},
		ChunkIndex:  7,
		Data:        []byte("chunk bytes"),
		ChunkHash:   [32]byte{4, 5, 6},
	}
	frame, err := Encode(1, KindChunkResponse, want)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	env, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	var got ChunkResponse
	if err := DecodeBody(env, &got); err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if got.ContentHash != want.ContentHash || got.ChunkIndex != want.ChunkIndex ||
		string(got.Data) != string(want.Data) || got.ChunkHash != want.ChunkHash {
		t.Fatalf("DecodeBody = %+v, want %+v", got, want)
	}
}

func TestEncodeDecodeErrorResponse(t *testing.T) {
	want := ErrorResponse{
		Code:             ErrCodeVersionMismatch,
		Message:          "unsupported version",
		SupportedVersion: CurrentVersion,
	}
	frame, err := Encode(9, KindErrorResponse, want)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	env, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Kind != KindErrorResponse {
		t.Fatalf("Kind = %d, want KindErrorResponse", env.Kind)
	}
	var got ErrorResponse
	if err := DecodeBody(env, &got); err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if got != want {
		t.Fatalf("DecodeBody = %+v, want %+v", got, want)
	}
}

func TestDecodeUnknownKindIsIgnorableNotFatal(t *testing.T) {
	// A future Kind this node doesn't recognize yet must still decode at
	// the envelope level; only interpreting the body is skipped.
	frame, err := Encode(3, Kind(200), PingRequest{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	env, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode of unknown kind should succeed: %v", err)
	}
	if env.Kind != Kind(200) {
		t.Fatalf("Kind = %d, want 200", env.Kind)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte{0xff, 0x00, 0x01}); err == nil {
		t.Fatal("Decode of garbage should fail")
	}
}
