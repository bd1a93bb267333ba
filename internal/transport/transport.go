// Package transport moves sync messages between paired devices.
//
// A Transport delivers protocol.Message values to one peer at a time and
// reports peer presence through a Delegate. Delivery is at most once and
// ordered per sender.
package transport

import (
	"context"
	"errors"

	"termsync/internal/protocol"
)

var (
	ErrNotConnected = errors.New("transport: peer not connected")
	ErrUnknownPeer  = errors.New("transport: unknown peer")
	ErrClosed       = errors.New("transport: closed")
)

// Delegate receives inbound traffic. Calls for one transport are made from
// a single goroutine, in arrival order.
type Delegate interface {
	HandleMessage(from string, msg protocol.Message)
	PeerConnected(peerID string)
	PeerDisconnected(peerID string)
}

type Transport interface {
	DeviceID() string
	Send(ctx context.Context, to string, msg protocol.Message) error
	SetDelegate(d Delegate)
}

type nopDelegate struct{}

func (nopDelegate) HandleMessage(string, protocol.Message) {}
func (nopDelegate) PeerConnected(string)                   {}
func (nopDelegate) PeerDisconnected(string)                {}
