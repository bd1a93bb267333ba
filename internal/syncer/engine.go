// Package syncer keeps a device's synced entities and terminal grids
// consistent with its paired peer. An Engine owns the device's merged view
// of workspaces, sessions and command blocks; local edits and transport
// callbacks are both executed on the engine's actor goroutine, so the view
// is never touched concurrently.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"termsync/internal/actor"
	"termsync/internal/grid"
	"termsync/internal/model"
	"termsync/internal/protocol"
	"termsync/internal/transport"
)

// Compile-time interface check.
var _ transport.Delegate = (*Engine)(nil)

var (
	ErrNotFound  = errors.New("syncer: entity not found")
	ErrStaleGrid = errors.New("syncer: grid version did not advance")
)

const defaultSendTimeout = 5 * time.Second

// PeerState describes how far the handshake with a peer has progressed.
// Messages are accepted in every state; the state only reports progress.
type PeerState int

const (
	PeerDisconnected PeerState = iota
	PeerConnected
	PeerSyncing
	PeerStreaming
)

func (s PeerState) String() string {
	switch s {
	case PeerDisconnected:
		return "disconnected"
	case PeerConnected:
		return "connected"
	case PeerSyncing:
		return "syncing"
	case PeerStreaming:
		return "streaming"
	default:
		return fmt.Sprintf("peer_state(%d)", int(s))
	}
}

// ApplyFunc receives every entity whose merged state changed, local edits
// included. It runs on the engine goroutine and must not call the engine.
type ApplyFunc func(model.Entity)

type Options struct {
	Transport   transport.Transport
	DisplayName string
	AppVersion  string

	// Initial seeds the engine with previously persisted entities.
	Initial protocol.State
	Apply   ApplyFunc
	// OnGrid observes every remote grid the engine accepts.
	OnGrid func(grid.Snapshot)

	Now         func() time.Time
	NewID       func() string
	SendTimeout time.Duration
}

type peerInfo struct {
	state        PeerState
	hello        protocol.Hello
	incompatible bool
}

// Engine is the per-device sync actor. It implements transport.Delegate.
type Engine struct {
	a      *actor.Actor
	t      transport.Transport
	device string
	opts   Options

	workspaces map[string]model.Workspace
	sessions   map[string]model.Session
	blocks     map[string]model.CommandBlock

	localGrids    map[string]grid.Snapshot
	remoteGrids   map[string]grid.Snapshot
	gridRequested map[string]bool
	unacked       map[string]string
	peers         map[string]*peerInfo
}

// New builds an engine over opts.Transport and installs it as the
// transport's delegate.
func New(opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}

	e := &Engine{
		a:             actor.New("syncer", 256),
		t:             opts.Transport,
		device:        opts.Transport.DeviceID(),
		opts:          opts,
		workspaces:    make(map[string]model.Workspace),
		sessions:      make(map[string]model.Session),
		blocks:        make(map[string]model.CommandBlock),
		localGrids:    make(map[string]grid.Snapshot),
		remoteGrids:   make(map[string]grid.Snapshot),
		gridRequested: make(map[string]bool),
		unacked:       make(map[string]string),
		peers:         make(map[string]*peerInfo),
	}
	for _, w := range opts.Initial.Workspaces {
		e.workspaces[w.ID] = w
	}
	for _, s := range opts.Initial.Sessions {
		e.sessions[s.ID] = s
	}
	for _, b := range opts.Initial.CommandBlocks {
		e.blocks[b.ID] = b
	}
	opts.Transport.SetDelegate(e)
	return e
}

// DeviceID returns the id of the device the engine syncs for.
func (e *Engine) DeviceID() string { return e.device }

// Close stops the engine and detaches it from the transport.
func (e *Engine) Close() {
	e.t.SetDelegate(nil)
	e.a.Stop()
}

func (e *Engine) do(ctx context.Context, fn func() error) error {
	var err error
	if aerr := e.a.Do(ctx, func() { err = fn() }); aerr != nil {
		return aerr
	}
	return err
}

// PeerConnected starts the handshake by introducing this device.
func (e *Engine) PeerConnected(peerID string) {
	_ = e.a.Do(context.Background(), func() {
		p := e.peer(peerID)
		slog.Info("syncer: peer link up", "device", e.device, "peer", peerID)
		e.send(peerID, protocol.Hello{
			DeviceID:        e.device,
			DisplayName:     e.opts.DisplayName,
			AppVersion:      e.opts.AppVersion,
			ProtocolVersion: protocol.ProtocolVersion,
		})
		// The relay may deliver the peer's hello before reporting the link,
		// in which case the full-sync request sent then was dropped.
		if p.state >= PeerConnected && !p.incompatible {
			e.send(peerID, protocol.RequestFullSync{})
			p.state = PeerSyncing
			return
		}
		p.state = PeerDisconnected
		p.incompatible = false
	})
}

func (e *Engine) PeerDisconnected(peerID string) {
	_ = e.a.Do(context.Background(), func() {
		if p, ok := e.peers[peerID]; ok {
			p.state = PeerDisconnected
		}
		for id, to := range e.unacked {
			if to == peerID {
				delete(e.unacked, id)
			}
		}
		slog.Info("syncer: peer link down", "device", e.device, "peer", peerID)
	})
}

func (e *Engine) HandleMessage(from string, msg protocol.Message) {
	_ = e.a.Do(context.Background(), func() { e.handle(from, msg) })
}

// PeerState reports the handshake state of peerID.
func (e *Engine) PeerState(ctx context.Context, peerID string) (PeerState, error) {
	var st PeerState
	err := e.do(ctx, func() error {
		if p, ok := e.peers[peerID]; ok {
			st = p.state
		}
		return nil
	})
	return st, err
}

// Unacked returns how many messages sent to currently linked peers are
// still waiting for an ack.
func (e *Engine) Unacked(ctx context.Context) (int, error) {
	var n int
	err := e.do(ctx, func() error {
		n = len(e.unacked)
		return nil
	})
	return n, err
}

func (e *Engine) peer(id string) *peerInfo {
	p, ok := e.peers[id]
	if !ok {
		p = &peerInfo{}
		e.peers[id] = p
	}
	return p
}

// linkedPeers are the peers whose hello has been accepted.
func (e *Engine) linkedPeers() []string {
	var out []string
	for id, p := range e.peers {
		if p.state >= PeerConnected && !p.incompatible {
			out = append(out, id)
		}
	}
	return out
}

func (e *Engine) broadcast(msg protocol.Message) {
	for _, id := range e.linkedPeers() {
		e.send(id, msg)
	}
}

// send is best effort: the relay gives no delivery guarantee and a peer
// that misses a message catches up on its next full sync.
func (e *Engine) send(to string, msg protocol.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.SendTimeout)
	defer cancel()
	if err := e.t.Send(ctx, to, msg); err != nil {
		slog.Debug("syncer: send failed", "device", e.device, "peer", to, "type", msg.Type(), "err", err)
		return
	}
	if id := messageID(msg); id != "" {
		e.unacked[id] = to
	}
}

func messageID(msg protocol.Message) string {
	switch m := msg.(type) {
	case protocol.FullState:
		return m.MessageID
	case protocol.WorkspaceUpdate:
		return m.MessageID
	case protocol.SessionUpdate:
		return m.MessageID
	case protocol.CommandBlockUpdate:
		return m.MessageID
	case protocol.Delete:
		return m.MessageID
	case protocol.GridUpdate:
		return m.MessageID
	}
	return ""
}

func (e *Engine) apply(ent model.Entity) {
	if e.opts.Apply != nil {
		e.opts.Apply(ent)
	}
}

// state returns every known entity, tombstones included, so a peer that
// missed a deletion still learns about it.
func (e *Engine) state() protocol.State {
	return protocol.State{
		Workspaces:    sortedValues(e.workspaces),
		Sessions:      sortedValues(e.sessions),
		CommandBlocks: sortedValues(e.blocks),
	}
}

// State returns a copy of the engine's synced subset, tombstones included.
func (e *Engine) State(ctx context.Context) (protocol.State, error) {
	var st protocol.State
	err := e.do(ctx, func() error {
		st = e.state()
		return nil
	})
	return st, err
}
