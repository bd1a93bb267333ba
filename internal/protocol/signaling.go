package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

type SignalType string

const (
	SignalRegister          SignalType = "register"
	SignalRegistered        SignalType = "registered"
	SignalCreatePairingCode SignalType = "create_pairing_code"
	SignalPairingCode       SignalType = "pairing_code"
	SignalUsePairingCode    SignalType = "use_pairing_code"
	SignalPaired            SignalType = "paired"
	SignalPairingFailed     SignalType = "pairing_failed"
	SignalSyncData          SignalType = "sync_data"
	SignalPeerConnected     SignalType = "peer_connected"
	SignalPeerDisconnected  SignalType = "peer_disconnected"
	SignalUnpair            SignalType = "unpair"
	SignalUnpaired          SignalType = "unpaired"
	SignalError             SignalType = "error"
	SignalPing              SignalType = "ping"
	SignalPong              SignalType = "pong"
)

// Error codes carried by ErrorSignal.
const (
	CodeNotRegistered        = "not_registered"
	CodeRegistrationRejected = "registration_rejected"
	CodeSuperseded           = "superseded"
	CodeInvalidMessage       = "invalid_message"
	CodeRateLimited          = "rate_limited"
	CodeInternal             = "internal"
)

// Pairing failure reasons carried by PairingFailed.
const (
	ReasonInvalidCode = "invalid_code"
	ReasonExpiredCode = "expired_code"
	ReasonSelfPairing = "self_pairing"
	ReasonRateLimited = "rate_limited"
	ReasonUnavailable = "unavailable"
)

// Signal is a message between a device and the signaling relay.
type Signal interface {
	SignalType() SignalType
	isSignal()
}

// Register binds the connection to a device id. Token is a device token
// issued by the relay and is required when the relay enforces device auth.
type Register struct {
	DeviceID string `json:"device_id"`
	Token    string `json:"token,omitempty"`
}

type Registered struct {
	DeviceID string `json:"device_id"`
	PeerID   string `json:"peer_id,omitempty"`
}

type CreatePairingCode struct{}

type PairingCode struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

type UsePairingCode struct {
	Code string `json:"code"`
}

type Paired struct {
	PeerID string `json:"peer_id"`
}

type PairingFailed struct {
	Reason string `json:"reason"`
}

// SyncData carries an opaque sync message. The relay never decodes
// Payload; it fills in From when forwarding.
type SyncData struct {
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

type PeerConnected struct {
	PeerID string `json:"peer_id"`
}

type PeerDisconnected struct {
	PeerID string `json:"peer_id"`
}

type Unpair struct{}

type Unpaired struct {
	PeerID string `json:"peer_id"`
}

type ErrorSignal struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

type SignalPingMessage struct{}

type SignalPongMessage struct{}

func (Register) SignalType() SignalType          { return SignalRegister }
func (Registered) SignalType() SignalType        { return SignalRegistered }
func (CreatePairingCode) SignalType() SignalType { return SignalCreatePairingCode }
func (PairingCode) SignalType() SignalType       { return SignalPairingCode }
func (UsePairingCode) SignalType() SignalType    { return SignalUsePairingCode }
func (Paired) SignalType() SignalType            { return SignalPaired }
func (PairingFailed) SignalType() SignalType     { return SignalPairingFailed }
func (SyncData) SignalType() SignalType          { return SignalSyncData }
func (PeerConnected) SignalType() SignalType     { return SignalPeerConnected }
func (PeerDisconnected) SignalType() SignalType  { return SignalPeerDisconnected }
func (Unpair) SignalType() SignalType            { return SignalUnpair }
func (Unpaired) SignalType() SignalType          { return SignalUnpaired }
func (ErrorSignal) SignalType() SignalType       { return SignalError }
func (SignalPingMessage) SignalType() SignalType { return SignalPing }
func (SignalPongMessage) SignalType() SignalType { return SignalPong }

func (Register) isSignal()          {}
func (Registered) isSignal()        {}
func (CreatePairingCode) isSignal() {}
func (PairingCode) isSignal()       {}
func (UsePairingCode) isSignal()    {}
func (Paired) isSignal()            {}
func (PairingFailed) isSignal()     {}
func (SyncData) isSignal()          {}
func (PeerConnected) isSignal()     {}
func (PeerDisconnected) isSignal()  {}
func (Unpair) isSignal()            {}
func (Unpaired) isSignal()          {}
func (ErrorSignal) isSignal()       {}
func (SignalPingMessage) isSignal() {}
func (SignalPongMessage) isSignal() {}

// EncodeSignal renders s as a JSON object with its type discriminator.
func EncodeSignal(s Signal) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: nil signal", ErrMalformed)
	}
	return encodeTagged(string(s.SignalType()), s)
}

// DecodeSignal parses a signaling message.
func DecodeSignal(data []byte) (Signal, error) {
	typ, err := peekType(data)
	if err != nil {
		return nil, err
	}

	var s Signal
	switch SignalType(typ) {
	case SignalRegister:
		s, err = decodeInto[Register](data)
	case SignalRegistered:
		s, err = decodeInto[Registered](data)
	case SignalCreatePairingCode:
		s = CreatePairingCode{}
	case SignalPairingCode:
		s, err = decodeInto[PairingCode](data)
	case SignalUsePairingCode:
		s, err = decodeInto[UsePairingCode](data)
	case SignalPaired:
		s, err = decodeInto[Paired](data)
	case SignalPairingFailed:
		s, err = decodeInto[PairingFailed](data)
	case SignalSyncData:
		s, err = decodeInto[SyncData](data)
	case SignalPeerConnected:
		s, err = decodeInto[PeerConnected](data)
	case SignalPeerDisconnected:
		s, err = decodeInto[PeerDisconnected](data)
	case SignalUnpair:
		s = Unpair{}
	case SignalUnpaired:
		s, err = decodeInto[Unpaired](data)
	case SignalError:
		s, err = decodeInto[ErrorSignal](data)
	case SignalPing:
		s = SignalPingMessage{}
	case SignalPong:
		s = SignalPongMessage{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// WrapSyncData encodes msg as the payload of a sync_data signal.
func WrapSyncData(msg Message) (SyncData, error) {
	payload, err := Encode(msg)
	if err != nil {
		return SyncData{}, err
	}
	return SyncData{Payload: payload}, nil
}

// EncodeForward renders the sync_data frame the relay delivers to a peer.
// The payload bytes are copied as received; encoding/json would re-compact
// and HTML-escape them.
func EncodeForward(from string, payload json.RawMessage) ([]byte, error) {
	if !json.Valid(payload) {
		return nil, fmt.Errorf("%w: invalid sync_data payload", ErrMalformed)
	}
	fromJSON, err := json.Marshal(from)
	if err != nil {
		return nil, err
	}
	var b bytes.Buffer
	b.Grow(len(payload) + len(fromJSON) + 40)
	b.WriteString(`{"type":"sync_data","from":`)
	b.Write(fromJSON)
	b.WriteString(`,"payload":`)
	b.Write(payload)
	b.WriteByte('}')
	return b.Bytes(), nil
}
