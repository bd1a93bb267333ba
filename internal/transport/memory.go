package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"termsync/internal/protocol"
)

// Compile-time interface check.
var _ Transport = (*MemoryEndpoint)(nil)

// MemoryNetwork is an in-process Transport fabric for tests. Messages are
// encoded and decoded on the way through so they see the same wire format
// as the relay.
type MemoryNetwork struct {
	mu        sync.Mutex
	endpoints map[string]*MemoryEndpoint
	links     map[string]string
	pending   atomic.Int64
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		endpoints: make(map[string]*MemoryEndpoint),
		links:     make(map[string]string),
	}
}

// Endpoint returns the transport for deviceID, creating it on first use.
func (n *MemoryNetwork) Endpoint(deviceID string) *MemoryEndpoint {
	n.mu.Lock()
	defer n.mu.Unlock()

	if ep, ok := n.endpoints[deviceID]; ok {
		return ep
	}
	ep := &MemoryEndpoint{
		net:      n,
		id:       deviceID,
		delegate: nopDelegate{},
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	n.endpoints[deviceID] = ep
	go ep.deliverLoop()
	return ep
}

// Connect links a and b and tells both delegates.
func (n *MemoryNetwork) Connect(a, b string) {
	epA, epB := n.Endpoint(a), n.Endpoint(b)

	n.mu.Lock()
	n.links[a] = b
	n.links[b] = a
	n.mu.Unlock()

	epA.enqueue(event{kind: eventConnected, peer: b})
	epB.enqueue(event{kind: eventConnected, peer: a})
}

// Disconnect removes the link between a and b and tells both delegates.
func (n *MemoryNetwork) Disconnect(a, b string) {
	n.mu.Lock()
	if n.links[a] != b {
		n.mu.Unlock()
		return
	}
	delete(n.links, a)
	delete(n.links, b)
	epA, epB := n.endpoints[a], n.endpoints[b]
	n.mu.Unlock()

	epA.enqueue(event{kind: eventDisconnected, peer: b})
	epB.enqueue(event{kind: eventDisconnected, peer: a})
}

// Quiesce waits until every queued delivery has been handled.
func (n *MemoryNetwork) Quiesce(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for n.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (n *MemoryNetwork) Close() {
	n.mu.Lock()
	eps := make([]*MemoryEndpoint, 0, len(n.endpoints))
	for _, ep := range n.endpoints {
		eps = append(eps, ep)
	}
	n.mu.Unlock()
	for _, ep := range eps {
		ep.Close()
	}
}

type eventKind int

const (
	eventMessage eventKind = iota
	eventConnected
	eventDisconnected
)

type event struct {
	kind eventKind
	peer string
	data []byte
}

type MemoryEndpoint struct {
	net *MemoryNetwork
	id  string

	mu       sync.Mutex
	delegate Delegate
	queue    []event
	closed   bool

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

func (e *MemoryEndpoint) DeviceID() string { return e.id }

func (e *MemoryEndpoint) SetDelegate(d Delegate) {
	if d == nil {
		d = nopDelegate{}
	}
	e.mu.Lock()
	e.delegate = d
	e.mu.Unlock()
}

func (e *MemoryEndpoint) Send(ctx context.Context, to string, msg protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}

	e.net.mu.Lock()
	peer, linked := e.net.links[e.id]
	target, known := e.net.endpoints[to]
	e.net.mu.Unlock()

	if !known {
		return ErrUnknownPeer
	}
	if !linked || peer != to {
		return ErrNotConnected
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	target.enqueue(event{kind: eventMessage, peer: e.id, data: data})
	return nil
}

func (e *MemoryEndpoint) Close() {
	e.once.Do(func() {
		e.mu.Lock()
		e.closed = true
		dropped := len(e.queue)
		e.queue = nil
		e.mu.Unlock()
		e.net.pending.Add(int64(-dropped))
		close(e.done)
	})
}

func (e *MemoryEndpoint) enqueue(ev event) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, ev)
	e.net.pending.Add(1)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *MemoryEndpoint) deliverLoop() {
	for {
		select {
		case <-e.wake:
		case <-e.done:
			return
		}
		for {
			e.mu.Lock()
			if len(e.queue) == 0 || e.closed {
				e.mu.Unlock()
				break
			}
			ev := e.queue[0]
			e.queue = e.queue[1:]
			d := e.delegate
			e.mu.Unlock()

			e.dispatch(d, ev)
			e.net.pending.Add(-1)
		}
	}
}

func (e *MemoryEndpoint) dispatch(d Delegate, ev event) {
	switch ev.kind {
	case eventConnected:
		d.PeerConnected(ev.peer)
	case eventDisconnected:
		d.PeerDisconnected(ev.peer)
	case eventMessage:
		msg, err := protocol.Decode(ev.data)
		if err != nil {
			return
		}
		d.HandleMessage(ev.peer, msg)
	}
}
