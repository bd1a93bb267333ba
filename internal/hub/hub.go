// Package hub tracks which connection currently speaks for each device.
// The table is owned by an actor; writes to sockets happen outside it.
package hub

import (
	"context"

	"termsync/internal/actor"
)

type Writer interface {
	Write(message []byte) error
	Close() error
}

type Connection struct {
	ID     string
	Writer Writer
}

type Hub struct {
	a           *actor.Actor
	connections map[string]*Connection
}

func New() *Hub {
	return &Hub{
		a:           actor.New("hub", 64),
		connections: make(map[string]*Connection),
	}
}

// Register binds deviceID to conn and returns the connection it displaced,
// if any. The caller is responsible for notifying and closing it.
func (h *Hub) Register(ctx context.Context, deviceID string, conn *Connection) (*Connection, error) {
	var displaced *Connection
	err := h.a.Do(ctx, func() {
		if prev, ok := h.connections[deviceID]; ok && prev != conn {
			displaced = prev
		}
		h.connections[deviceID] = conn
	})
	return displaced, err
}

// Unregister removes deviceID only while it still maps to conn. It reports
// whether the entry was removed.
func (h *Hub) Unregister(ctx context.Context, deviceID string, conn *Connection) (bool, error) {
	removed := false
	err := h.a.Do(ctx, func() {
		if h.connections[deviceID] == conn {
			delete(h.connections, deviceID)
			removed = true
		}
	})
	return removed, err
}

func (h *Hub) Lookup(ctx context.Context, deviceID string) (*Connection, bool) {
	var (
		conn *Connection
		ok   bool
	)
	if err := h.a.Do(ctx, func() { conn, ok = h.connections[deviceID] }); err != nil {
		return nil, false
	}
	return conn, ok
}

// Send writes message to the device's current connection and reports
// whether it was handed over. A failed write closes that connection; its
// owner unregisters it when its read loop ends.
func (h *Hub) Send(ctx context.Context, deviceID string, message []byte) bool {
	conn, ok := h.Lookup(ctx, deviceID)
	if !ok {
		return false
	}
	if err := conn.Writer.Write(message); err != nil {
		_ = conn.Writer.Close()
		return false
	}
	return true
}

func (h *Hub) Len(ctx context.Context) int {
	n := 0
	_ = h.a.Do(ctx, func() { n = len(h.connections) })
	return n
}

// Close stops the table actor. Connections are left to their owners.
func (h *Hub) Close() {
	h.a.Stop()
}
