package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"termsync/internal/protocol"
)

// Compile-time interface check.
var _ Transport = (*RelayClient)(nil)

var (
	ErrRegistrationRejected = errors.New("transport: relay rejected registration")
	ErrSuperseded           = errors.New("transport: device registered elsewhere")
)

// PairingError reports a pairing_failed reply.
type PairingError struct {
	Reason string
}

func (e *PairingError) Error() string { return "transport: pairing failed: " + e.Reason }

const (
	relayWriteWait  = 10 * time.Second
	relayPongWait   = 60 * time.Second
	relayPingPeriod = (relayPongWait * 9) / 10
	relayQueueLen   = 256
)

type RelayOptions struct {
	URL      string
	DeviceID string
	Token    string
	Dialer   *websocket.Dialer
	// NewBackOff returns the reconnect policy. Defaults to an exponential
	// backoff that never gives up.
	NewBackOff func() backoff.BackOff
	// OnSignal observes every signal received from the relay.
	OnSignal func(protocol.Signal)
}

// RelayClient is a Transport over the signaling relay's WebSocket. Sync
// messages are wrapped in sync_data frames addressed to the paired peer.
type RelayClient struct {
	opts RelayOptions

	mu         sync.Mutex
	delegate   Delegate
	out        chan []byte
	peerID     string
	peerOnline bool
	waiters    []*waiter
	registered chan struct{}
}

type waiter struct {
	want map[protocol.SignalType]bool
	ch   chan protocol.Signal
}

func NewRelayClient(opts RelayOptions) *RelayClient {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		}
	}
	return &RelayClient{
		opts:       opts,
		delegate:   nopDelegate{},
		registered: make(chan struct{}),
	}
}

func (c *RelayClient) DeviceID() string { return c.opts.DeviceID }

func (c *RelayClient) SetDelegate(d Delegate) {
	if d == nil {
		d = nopDelegate{}
	}
	c.mu.Lock()
	c.delegate = d
	c.mu.Unlock()
}

// PeerID returns the paired peer and whether it is currently connected.
func (c *RelayClient) PeerID() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerID, c.peerOnline
}

// Registered is closed after the first successful registration.
func (c *RelayClient) Registered() <-chan struct{} { return c.registered }

func (c *RelayClient) Send(ctx context.Context, to string, msg protocol.Message) error {
	c.mu.Lock()
	out, peer, online := c.out, c.peerID, c.peerOnline
	c.mu.Unlock()

	if peer == "" || peer != to {
		return ErrUnknownPeer
	}
	if out == nil || !online {
		return ErrNotConnected
	}

	sd, err := protocol.WrapSyncData(msg)
	if err != nil {
		return err
	}
	return c.enqueue(ctx, out, sd)
}

// CreatePairingCode asks the relay for a code another device can redeem.
func (c *RelayClient) CreatePairingCode(ctx context.Context) (protocol.PairingCode, error) {
	reply, err := c.request(ctx, protocol.CreatePairingCode{}, protocol.SignalPairingCode, protocol.SignalError)
	if err != nil {
		return protocol.PairingCode{}, err
	}
	switch r := reply.(type) {
	case protocol.PairingCode:
		return r, nil
	case protocol.ErrorSignal:
		return protocol.PairingCode{}, fmt.Errorf("transport: relay error %s: %s", r.Code, r.Message)
	default:
		return protocol.PairingCode{}, fmt.Errorf("transport: unexpected reply %s", reply.SignalType())
	}
}

// UsePairingCode redeems code and returns the new peer's device id.
func (c *RelayClient) UsePairingCode(ctx context.Context, code string) (string, error) {
	reply, err := c.request(ctx, protocol.UsePairingCode{Code: code}, protocol.SignalPaired, protocol.SignalPairingFailed)
	if err != nil {
		return "", err
	}
	switch r := reply.(type) {
	case protocol.Paired:
		return r.PeerID, nil
	case protocol.PairingFailed:
		return "", &PairingError{Reason: r.Reason}
	default:
		return "", fmt.Errorf("transport: unexpected reply %s", reply.SignalType())
	}
}

func (c *RelayClient) Unpair(ctx context.Context) error {
	_, err := c.request(ctx, protocol.Unpair{}, protocol.SignalUnpaired)
	return err
}

func (c *RelayClient) request(ctx context.Context, sig protocol.Signal, want ...protocol.SignalType) (protocol.Signal, error) {
	c.mu.Lock()
	out := c.out
	w := &waiter{want: make(map[protocol.SignalType]bool, len(want)), ch: make(chan protocol.Signal, 1)}
	for _, t := range want {
		w.want[t] = true
	}
	if out != nil {
		c.waiters = append(c.waiters, w)
	}
	c.mu.Unlock()

	if out == nil {
		return nil, ErrNotConnected
	}
	defer c.dropWaiter(w)

	if err := c.enqueue(ctx, out, sig); err != nil {
		return nil, err
	}
	select {
	case reply, ok := <-w.ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *RelayClient) dropWaiter(w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, x := range c.waiters {
		if x == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

func (c *RelayClient) enqueue(ctx context.Context, out chan []byte, sig protocol.Signal) error {
	data, err := protocol.EncodeSignal(sig)
	if err != nil {
		return err
	}
	select {
	case out <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run keeps a relay session alive until ctx ends, reconnecting with
// backoff. It returns early if the relay rejects the device or another
// connection takes over its registration.
func (c *RelayClient) Run(ctx context.Context) error {
	b := c.opts.NewBackOff()
	for {
		registered, err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrRegistrationRejected) || errors.Is(err, ErrSuperseded) {
			return err
		}
		if registered {
			b.Reset()
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return err
		}
		slog.Warn("relay: connection lost", "device", c.opts.DeviceID, "retry_in", wait, "err", err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *RelayClient) session(ctx context.Context) (bool, error) {
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	reg, err := c.register(conn)
	if err != nil {
		return false, err
	}

	out := make(chan []byte, relayQueueLen)
	c.mu.Lock()
	c.out = out
	c.peerID = reg.PeerID
	c.peerOnline = false
	c.mu.Unlock()
	select {
	case <-c.registered:
	default:
		close(c.registered)
	}
	slog.Info("relay: registered", "device", reg.DeviceID, "peer", reg.PeerID)

	defer c.teardown()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.writePump(gctx, conn, out) })
	g.Go(func() error { return c.readLoop(conn) })
	g.Go(func() error {
		<-gctx.Done()
		_ = conn.Close()
		return nil
	})
	return true, g.Wait()
}

func (c *RelayClient) register(conn *websocket.Conn) (protocol.Registered, error) {
	data, err := protocol.EncodeSignal(protocol.Register{DeviceID: c.opts.DeviceID, Token: c.opts.Token})
	if err != nil {
		return protocol.Registered{}, err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(relayWriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return protocol.Registered{}, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(relayPongWait))
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return protocol.Registered{}, err
		}
		sig, err := protocol.DecodeSignal(raw)
		if err != nil {
			continue
		}
		switch s := sig.(type) {
		case protocol.Registered:
			return s, nil
		case protocol.ErrorSignal:
			return protocol.Registered{}, fmt.Errorf("%w: %s", ErrRegistrationRejected, s.Message)
		}
	}
}

// teardown forgets the session's queue, fails pending requests and reports
// the peer as gone if it was online.
func (c *RelayClient) teardown() {
	c.mu.Lock()
	c.out = nil
	waiters := c.waiters
	c.waiters = nil
	peer, online := c.peerID, c.peerOnline
	c.peerOnline = false
	d := c.delegate
	c.mu.Unlock()

	for _, w := range waiters {
		close(w.ch)
	}
	if online {
		d.PeerDisconnected(peer)
	}
}

func (c *RelayClient) writePump(ctx context.Context, conn *websocket.Conn, out <-chan []byte) error {
	ticker := time.NewTicker(relayPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(relayWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return err
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(relayWriteWait)); err != nil {
				return err
			}
		}
	}
}

func (c *RelayClient) readLoop(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(relayPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(relayPongWait))
	})
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(relayPongWait))

		sig, err := protocol.DecodeSignal(raw)
		if err != nil {
			slog.Warn("relay: dropping signal", "device", c.opts.DeviceID, "err", err)
			continue
		}
		if err := c.handleSignal(sig); err != nil {
			return err
		}
	}
}

func (c *RelayClient) handleSignal(sig protocol.Signal) error {
	c.mu.Lock()
	d := c.delegate
	c.mu.Unlock()

	switch s := sig.(type) {
	case protocol.SyncData:
		msg, err := protocol.Decode(s.Payload)
		if err != nil {
			slog.Warn("relay: dropping sync message", "from", s.From, "err", err)
			return nil
		}
		d.HandleMessage(s.From, msg)
	case protocol.PeerConnected:
		c.mu.Lock()
		c.peerID, c.peerOnline = s.PeerID, true
		c.mu.Unlock()
		d.PeerConnected(s.PeerID)
	case protocol.PeerDisconnected:
		c.mu.Lock()
		wasOnline := c.peerOnline && c.peerID == s.PeerID
		if wasOnline {
			c.peerOnline = false
		}
		c.mu.Unlock()
		if wasOnline {
			d.PeerDisconnected(s.PeerID)
		}
	case protocol.Paired:
		// A new pairing replaces the old peer. The relay only tells the
		// old peer, so the link to it is dropped here.
		c.mu.Lock()
		old, wasOnline := c.peerID, c.peerOnline
		lost := wasOnline && old != s.PeerID
		c.peerID = s.PeerID
		if lost {
			c.peerOnline = false
		}
		c.mu.Unlock()
		if lost {
			d.PeerDisconnected(old)
		}
	case protocol.Unpaired:
		c.mu.Lock()
		old, wasOnline := c.peerID, c.peerOnline
		c.peerID, c.peerOnline = "", false
		c.mu.Unlock()
		if wasOnline {
			d.PeerDisconnected(old)
		}
	case protocol.ErrorSignal:
		if s.Code == protocol.CodeSuperseded {
			c.resolve(sig)
			return ErrSuperseded
		}
		slog.Warn("relay: error from relay", "code", s.Code, "message", s.Message)
	case protocol.SignalPingMessage:
		c.mu.Lock()
		out := c.out
		c.mu.Unlock()
		if data, err := protocol.EncodeSignal(protocol.SignalPongMessage{}); err == nil && out != nil {
			select {
			case out <- data:
			default:
			}
		}
	case protocol.PairingCode, protocol.PairingFailed, protocol.Registered, protocol.SignalPongMessage:
	case protocol.Register, protocol.CreatePairingCode, protocol.UsePairingCode, protocol.Unpair:
		slog.Debug("relay: dropping device-only signal", "type", sig.SignalType())
	}

	if c.opts.OnSignal != nil {
		c.opts.OnSignal(sig)
	}
	c.resolve(sig)
	return nil
}

func (c *RelayClient) resolve(sig protocol.Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, w := range c.waiters {
		if w.want[sig.SignalType()] {
			w.ch <- sig
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}
