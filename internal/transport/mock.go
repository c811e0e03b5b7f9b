package transport

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MockNetwork is a shared in-process rendezvous point for MockTransport
// nodes. Tests construct one network, attach several MockTransports to
// it, and get the same send/recv/reply contract a real mixnet provides,
// with optional injected latency and loss (spec.md §4.C: "A mock
// transport satisfying the same contract is required for tests"). The
// teacher repo has no equivalent — QuantaraX only ever talks to real
// QUIC sockets — so this is new code, shaped after the same capability
// interface as quic.go rather than grounded on an existing file.
type MockNetwork struct {
	mu       sync.Mutex
	nodes    map[Address]*MockTransport
	routes   map[ReplyToken]*mockRoute
	latency  time.Duration
	lossRate float64
	rng      *rand.Rand
	logger   zerolog.Logger
}

type mockRoute struct {
	mu   sync.Mutex
	used bool
	ch   chan []byte
}

// NewMockNetwork creates a network with the given fixed one-way latency
// and loss probability (0 disables loss).
func NewMockNetwork(latency time.Duration, lossRate float64) *MockNetwork {
	return &MockNetwork{
		nodes:    make(map[Address]*MockTransport),
		routes:   make(map[ReplyToken]*mockRoute),
		latency:  latency,
		lossRate: lossRate,
		rng:      rand.New(rand.NewSource(1)),
		logger:   zerolog.Nop(),
	}
}

// SetLogger attaches a logger for delivery/loss diagnostics.
func (n *MockNetwork) SetLogger(l zerolog.Logger) { n.logger = l }

// NewTransport attaches a new node to the network under addr and
// returns its Transport handle.
func (n *MockNetwork) NewTransport(addr Address) *MockTransport {
	t := &MockTransport{
		addr:    addr,
		network: n,
		inbox:   make(chan Inbound, 256),
		done:    make(chan struct{}),
	}
	n.mu.Lock()
	n.nodes[addr] = t
	n.mu.Unlock()
	return t
}

func (n *MockNetwork) shouldDrop() bool {
	if n.lossRate <= 0 {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.rng.Float64() < n.lossRate
}

func (n *MockNetwork) deliverAfterLatency(fn func()) {
	if n.latency <= 0 {
		fn()
		return
	}
	time.AfterFunc(n.latency, fn)
}

// MockTransport is one node's Transport handle on a MockNetwork.
type MockTransport struct {
	addr    Address
	network *MockNetwork
	inbox   chan Inbound
	mu      sync.Mutex
	closed  bool
	done    chan struct{}
}

var _ Transport = (*MockTransport)(nil)

func (t *MockTransport) LocalAddress() Address { return t.addr }

func (t *MockTransport) SendWithReply(ctx context.Context, dest Address, payload []byte, timeout time.Duration) ([]byte, error) {
	n := t.network
	n.mu.Lock()
	peer, ok := n.nodes[dest]
	n.mu.Unlock()
	if !ok {
		return nil, newError(ErrUnroutable, fmt.Errorf("mock transport: no node at %s", dest))
	}

	token := ReplyToken(uuid.NewString())
	route := &mockRoute{ch: make(chan []byte, 1)}
	n.mu.Lock()
	n.routes[token] = route
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.routes, token)
		n.mu.Unlock()
	}()

	if n.shouldDrop() {
		n.logger.Debug().Str("dest", string(dest)).Msg("mock transport: dropped request")
	} else {
		msg := Inbound{Payload: payload, ReplyToken: token}
		n.deliverAfterLatency(func() {
			select {
			case peer.inbox <- msg:
			case <-peer.done:
			}
		})
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-route.ch:
		return resp, nil
	case <-timer.C:
		return nil, newError(ErrTimeout, fmt.Errorf("mock transport: timed out waiting for reply from %s", dest))
	case <-ctx.Done():
		return nil, newError(ErrTimeout, ctx.Err())
	case <-t.done:
		return nil, newError(ErrConnectionLost, fmt.Errorf("mock transport: closed"))
	}
}

func (t *MockTransport) SendOneway(ctx context.Context, dest Address, payload []byte) error {
	n := t.network
	n.mu.Lock()
	peer, ok := n.nodes[dest]
	n.mu.Unlock()
	if !ok {
		return newError(ErrUnroutable, fmt.Errorf("mock transport: no node at %s", dest))
	}
	if n.shouldDrop() {
		return nil
	}
	msg := Inbound{Payload: payload}
	n.deliverAfterLatency(func() {
		select {
		case peer.inbox <- msg:
		case <-peer.done:
		}
	})
	return nil
}

func (t *MockTransport) Recv(ctx context.Context) (Inbound, error) {
	select {
	case msg := <-t.inbox:
		return msg, nil
	case <-ctx.Done():
		return Inbound{}, newError(ErrTimeout, ctx.Err())
	case <-t.done:
		return Inbound{}, newError(ErrConnectionLost, fmt.Errorf("mock transport: closed"))
	}
}

func (t *MockTransport) Reply(ctx context.Context, token ReplyToken, payload []byte) error {
	n := t.network
	n.mu.Lock()
	route, ok := n.routes[token]
	n.mu.Unlock()
	if !ok {
		// Stale or already-consumed token: per spec.md §4.C this reaches
		// no one and is not an error.
		return nil
	}
	route.mu.Lock()
	defer route.mu.Unlock()
	if route.used {
		return nil
	}
	route.used = true
	select {
	case route.ch <- payload:
	default:
	}
	return nil
}

func (t *MockTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.done)
	t.network.mu.Lock()
	delete(t.network.nodes, t.addr)
	t.network.mu.Unlock()
	return nil
}
