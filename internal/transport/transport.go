// Package transport abstracts over the anonymizing mixnet Brisby runs on.
// The core (Seeder, Leecher, Index Client) depends only on the Transport
// interface below; QUIC and the in-process mock are its two
// implementations, wired in at construction time (spec.md §4.C,
// REDESIGN FLAGS "Dynamic dispatch for transport").
package transport

import (
	"context"
	"errors"
	"time"
)

// Address is a node's stable, anonymous receive address as handed out by
// a Transport implementation. Only the Transport constructs one; no
// other component should synthesize an Address.
type Address string

// ReplyToken is an opaque, single-use handle issued with a request that
// lets the peer answer without learning the requester's Address. A
// token is consumed by the first response that uses it; later uses are
// silently discarded by the Transport.
type ReplyToken string

// ErrorCode identifies why a Transport operation failed.
type ErrorCode int

const (
	ErrTimeout ErrorCode = iota + 1
	ErrConnectionLost
	ErrEncoding
	ErrUnroutable
)

// Error is the error type returned by Transport operations.
type Error struct {
	Code ErrorCode
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	switch e.Code {
	case ErrTimeout:
		return "transport: timeout"
	case ErrConnectionLost:
		return "transport: connection lost"
	case ErrEncoding:
		return "transport: encoding error"
	case ErrUnroutable:
		return "transport: destination unroutable"
	default:
		return "transport: unknown error"
	}
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code ErrorCode, err error) *Error {
	return &Error{Code: code, Err: err}
}

// IsTimeout reports whether err is (or wraps) a Transport timeout.
func IsTimeout(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Code == ErrTimeout
}

// Inbound is one message yielded by Recv. If ReplyToken is non-empty,
// the handler must use it (via Reply) to respond; responding any other
// way reaches no one.
type Inbound struct {
	Payload    []byte
	ReplyToken ReplyToken
}

// Transport is the core's capability interface over the mixnet. Every
// method is a suspension point: callers should expect to block on
// network or channel I/O and must pass a context for cancellation.
//
// Guarantees implementations must provide: origin privacy (a peer
// answering SendWithReply cannot learn the sender's LocalAddress),
// reply-token one-use, unreliable/high-latency/unordered delivery, and
// best-effort delivery (silent drops are possible; only a timeout
// distinguishes loss from slowness).
type Transport interface {
	// LocalAddress returns this node's stable, anonymous receive address.
	LocalAddress() Address

	// SendWithReply sends payload anonymously toward dest, supplying a
	// single-use reply token the peer can answer through, and waits for
	// exactly one matching reply or ctx/timeout expiry.
	SendWithReply(ctx context.Context, dest Address, payload []byte, timeout time.Duration) ([]byte, error)

	// SendOneway is unreliable fire-and-forget; delivery is not
	// confirmed and errors are only returned for local failures
	// (e.g. an unroutable destination known in advance).
	SendOneway(ctx context.Context, dest Address, payload []byte) error

	// Recv yields the next inbound message, blocking until one arrives
	// or ctx is cancelled. Reply, if the message carries a ReplyToken,
	// must be invoked at most once to answer it.
	Recv(ctx context.Context) (Inbound, error)

	// Reply answers an inbound message's reply token. The first call
	// wins; subsequent calls with the same token are discarded.
	Reply(ctx context.Context, token ReplyToken, payload []byte) error

	// Close releases any underlying connections or listeners.
	Close() error
}

// PeerDiscoverer is the extension point for the experimental DHT
// spec.md §1 names as out of scope: an interface the Leecher Engine
// *may* consult to supplement its candidate seeder list, never called
// by the core today, and with no implementation in this repo.
type PeerDiscoverer interface {
	// DiscoverPeers returns candidate addresses known to serve
	// contentHash, beyond whatever the caller already has from an
	// Index Service search.
	DiscoverPeers(ctx context.Context, contentHash [32]byte) ([]Address, error)
}
