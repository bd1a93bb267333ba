package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"termsync/internal/auth"
	"termsync/internal/hub"
	"termsync/internal/middleware"
	"termsync/internal/pairing"
	"termsync/internal/protocol"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	readLimit    = 1 << 20
	sendQueueLen = 256
)

var (
	errWriterClosed = errors.New("connection closed")
	errQueueFull    = errors.New("send queue full")
)

// RelayHandler serves the signaling WebSocket. Each connection registers as
// a device, may pair with one other device, and relays opaque sync_data
// frames to its peer.
type RelayHandler struct {
	Hub               *hub.Hub
	Pairing           *pairing.Registry
	TokenConfig       auth.TokenConfig
	RequireDeviceAuth bool
	RedeemLimiter     *middleware.RateLimiter
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsWriter queues frames for a single writer goroutine so frames reach the
// socket in the order they were queued. A full queue fails the write.
type wsWriter struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newWSWriter(conn *websocket.Conn) *wsWriter {
	return &wsWriter{
		conn: conn,
		send: make(chan []byte, sendQueueLen),
		done: make(chan struct{}),
	}
}

func (w *wsWriter) Write(message []byte) error {
	select {
	case <-w.done:
		return errWriterClosed
	default:
	}
	select {
	case w.send <- message:
		return nil
	default:
		return errQueueFull
	}
}

// Close asks the pump to flush queued frames and close the socket.
func (w *wsWriter) Close() error {
	w.once.Do(func() { close(w.done) })
	return nil
}

func (w *wsWriter) pump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = w.conn.Close()
	}()

	for {
		select {
		case msg := <-w.send:
			if err := w.write(msg); err != nil {
				_ = w.Close()
				return
			}
		case <-ticker.C:
			if err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = w.Close()
				return
			}
		case <-w.done:
			w.flush()
			_ = w.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

func (w *wsWriter) flush() {
	for {
		select {
		case msg := <-w.send:
			if err := w.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (w *wsWriter) write(msg []byte) error {
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.TextMessage, msg)
}

func (h *RelayHandler) Serve(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	writer := newWSWriter(ws)
	go writer.pump()

	sess := &relaySession{
		h:    h,
		conn: &hub.Connection{ID: uuid.NewString(), Writer: writer},
	}
	defer func() {
		sess.close(context.Background())
		_ = writer.Close()
	}()

	ws.SetReadLimit(readLimit)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		sess.handle(context.Background(), data)
	}
}

// relaySession is the per-connection state. It is only touched by the
// connection's read loop.
type relaySession struct {
	h        *RelayHandler
	conn     *hub.Connection
	deviceID string
}

func (s *relaySession) handle(ctx context.Context, data []byte) {
	sig, err := protocol.DecodeSignal(data)
	if err != nil {
		slog.Warn("relay: dropping message", "conn", s.conn.ID, "device", s.deviceID, "err", err)
		return
	}

	if s.deviceID == "" {
		switch sig.(type) {
		case protocol.Register, protocol.SignalPingMessage:
		default:
			s.reply(protocol.ErrorSignal{Code: protocol.CodeNotRegistered, Message: "register first"})
			return
		}
	}

	switch m := sig.(type) {
	case protocol.Register:
		s.register(ctx, m)
	case protocol.CreatePairingCode:
		s.createPairingCode(ctx)
	case protocol.UsePairingCode:
		s.usePairingCode(ctx, m)
	case protocol.SyncData:
		s.forward(ctx, m)
	case protocol.Unpair:
		s.unpair(ctx)
	case protocol.SignalPingMessage:
		s.reply(protocol.SignalPongMessage{})
	case protocol.SignalPongMessage:
	case protocol.Registered, protocol.PairingCode, protocol.Paired, protocol.PairingFailed,
		protocol.PeerConnected, protocol.PeerDisconnected, protocol.Unpaired, protocol.ErrorSignal:
		slog.Debug("relay: dropping server-only message", "device", s.deviceID, "type", sig.SignalType())
	default:
		slog.Warn("relay: unhandled message", "device", s.deviceID, "type", sig.SignalType())
	}
}

func (s *relaySession) register(ctx context.Context, m protocol.Register) {
	if _, err := uuid.Parse(m.DeviceID); err != nil {
		s.reply(protocol.ErrorSignal{Code: protocol.CodeRegistrationRejected, Message: "device_id must be a UUID"})
		return
	}
	if s.deviceID != "" && s.deviceID != m.DeviceID {
		s.reply(protocol.ErrorSignal{Code: protocol.CodeRegistrationRejected, Message: "connection already registered"})
		return
	}
	if s.h.RequireDeviceAuth {
		if err := auth.VerifyDeviceToken(m.Token, m.DeviceID, s.h.TokenConfig); err != nil {
			s.reply(protocol.ErrorSignal{Code: protocol.CodeRegistrationRejected, Message: "invalid device token"})
			return
		}
	}

	displaced, err := s.h.Hub.Register(ctx, m.DeviceID, s.conn)
	if err != nil {
		s.reply(protocol.ErrorSignal{Code: protocol.CodeInternal})
		return
	}
	s.deviceID = m.DeviceID
	if displaced != nil {
		slog.Info("relay: connection superseded", "device", m.DeviceID, "old", displaced.ID, "new", s.conn.ID)
		_ = writeSignal(displaced.Writer, protocol.ErrorSignal{Code: protocol.CodeSuperseded, Message: "device registered on another connection"})
		_ = displaced.Writer.Close()
	}

	peer, paired := s.h.Pairing.PeerOf(ctx, m.DeviceID)
	s.reply(protocol.Registered{DeviceID: m.DeviceID, PeerID: peer})
	slog.Info("relay: device registered", "device", m.DeviceID, "conn", s.conn.ID, "peer", peer)

	if paired && sendSignal(ctx, s.h.Hub, peer, protocol.PeerConnected{PeerID: m.DeviceID}) {
		s.reply(protocol.PeerConnected{PeerID: peer})
	}
}

func (s *relaySession) createPairingCode(ctx context.Context) {
	code, err := s.h.Pairing.CreateCode(ctx, s.deviceID)
	if err != nil {
		slog.Error("relay: pairing code allocation failed", "device", s.deviceID, "err", err)
		s.reply(protocol.ErrorSignal{Code: protocol.CodeInternal, Message: "could not allocate pairing code"})
		return
	}
	s.reply(protocol.PairingCode{Code: code.Value, ExpiresAt: code.ExpiresAt.UTC()})
}

func (s *relaySession) usePairingCode(ctx context.Context, m protocol.UsePairingCode) {
	if s.h.RedeemLimiter != nil && !s.h.RedeemLimiter.Allow("redeem:"+s.deviceID) {
		s.reply(protocol.PairingFailed{Reason: protocol.ReasonRateLimited})
		return
	}

	red, err := s.h.Pairing.Redeem(ctx, m.Code, s.deviceID)
	if err != nil {
		s.reply(protocol.PairingFailed{Reason: failureReason(err)})
		return
	}

	for _, d := range red.Displaced {
		sendSignal(ctx, s.h.Hub, d.DeviceID, protocol.Unpaired{PeerID: d.FormerPeer})
	}
	slog.Info("relay: devices paired", "creator", red.Creator, "redeemer", s.deviceID)

	s.reply(protocol.Paired{PeerID: red.Creator})
	if sendSignal(ctx, s.h.Hub, red.Creator, protocol.Paired{PeerID: s.deviceID}) {
		sendSignal(ctx, s.h.Hub, red.Creator, protocol.PeerConnected{PeerID: s.deviceID})
		s.reply(protocol.PeerConnected{PeerID: red.Creator})
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, pairing.ErrInvalidCode):
		return protocol.ReasonInvalidCode
	case errors.Is(err, pairing.ErrExpiredCode):
		return protocol.ReasonExpiredCode
	case errors.Is(err, pairing.ErrSelfPairing):
		return protocol.ReasonSelfPairing
	default:
		return protocol.ReasonUnavailable
	}
}

func (s *relaySession) forward(ctx context.Context, m protocol.SyncData) {
	peer, ok := s.h.Pairing.PeerOf(ctx, s.deviceID)
	if !ok {
		return
	}
	frame, err := protocol.EncodeForward(s.deviceID, m.Payload)
	if err != nil {
		slog.Warn("relay: dropping sync_data", "device", s.deviceID, "err", err)
		return
	}
	s.h.Hub.Send(ctx, peer, frame)
}

func (s *relaySession) unpair(ctx context.Context) {
	peer, err := s.h.Pairing.Unpair(ctx, s.deviceID)
	if errors.Is(err, pairing.ErrNotPaired) {
		s.reply(protocol.Unpaired{})
		return
	}
	if err != nil {
		s.reply(protocol.ErrorSignal{Code: protocol.CodeInternal})
		return
	}
	notifyUnpaired(ctx, s.h.Hub, s.deviceID, peer)
}

// close releases the device's connection slot. The peer hears about the
// disconnect only when this connection was still the registered one.
func (s *relaySession) close(ctx context.Context) {
	if s.deviceID == "" {
		return
	}
	removed, err := s.h.Hub.Unregister(ctx, s.deviceID, s.conn)
	if err != nil || !removed {
		return
	}
	slog.Info("relay: device disconnected", "device", s.deviceID, "conn", s.conn.ID)
	if peer, ok := s.h.Pairing.PeerOf(ctx, s.deviceID); ok {
		sendSignal(ctx, s.h.Hub, peer, protocol.PeerDisconnected{PeerID: s.deviceID})
	}
}

func (s *relaySession) reply(sig protocol.Signal) {
	if err := writeSignal(s.conn.Writer, sig); err != nil {
		slog.Warn("relay: reply failed", "conn", s.conn.ID, "type", sig.SignalType(), "err", err)
		_ = s.conn.Writer.Close()
	}
}

func writeSignal(w hub.Writer, sig protocol.Signal) error {
	data, err := protocol.EncodeSignal(sig)
	if err != nil {
		return err
	}
	return w.Write(data)
}

func sendSignal(ctx context.Context, h *hub.Hub, deviceID string, sig protocol.Signal) bool {
	data, err := protocol.EncodeSignal(sig)
	if err != nil {
		slog.Error("relay: encode failed", "type", sig.SignalType(), "err", err)
		return false
	}
	return h.Send(ctx, deviceID, data)
}

func notifyUnpaired(ctx context.Context, h *hub.Hub, a, b string) {
	sendSignal(ctx, h, a, protocol.Unpaired{PeerID: b})
	sendSignal(ctx, h, b, protocol.Unpaired{PeerID: a})
}
