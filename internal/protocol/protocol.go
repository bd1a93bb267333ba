// Package protocol defines the JSON wire messages exchanged between paired
// devices (sync messages) and between a device and the signaling relay
// (signals). Both are closed sets: every variant is a struct in this
// package, encoded as a JSON object with a "type" discriminator.
//
// Decoding ignores unknown fields so newer peers can add fields freely.
// An unknown discriminator yields ErrUnknownType; callers log and drop
// such messages and keep the connection.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"termsync/internal/model"
	"termsync/internal/vclock"
)

// ProtocolVersion is the sync protocol version spoken by this build.
const ProtocolVersion = 1

// CompatibleVersion reports whether a peer speaking v can be synced with.
// Versions within one of ours are accepted.
func CompatibleVersion(v int) bool {
	if v <= 0 {
		return false
	}
	diff := v - ProtocolVersion
	return diff >= -1 && diff <= 1
}

var (
	ErrUnknownType = errors.New("protocol: unknown message type")
	ErrMalformed   = errors.New("protocol: malformed message")
)

type MessageType string

const (
	TypeHello               MessageType = "hello"
	TypeRequestFullSync     MessageType = "request_full_sync"
	TypeFullState           MessageType = "full_state"
	TypeWorkspaceUpdate     MessageType = "workspace_update"
	TypeSessionUpdate       MessageType = "session_update"
	TypeCommandBlockUpdate  MessageType = "command_block_update"
	TypeDelete              MessageType = "delete"
	TypeAck                 MessageType = "ack"
	TypePing                MessageType = "ping"
	TypePong                MessageType = "pong"
	TypeGridUpdate          MessageType = "grid_update"
	TypeRequestGridSnapshot MessageType = "request_grid_snapshot"
)

// Message is a sync message exchanged between paired devices.
type Message interface {
	Type() MessageType
	isMessage()
}

type Hello struct {
	DeviceID        string `json:"device_id"`
	DisplayName     string `json:"display_name"`
	AppVersion      string `json:"app_version"`
	ProtocolVersion int    `json:"protocol_version"`
}

type RequestFullSync struct{}

// State is the synced subset of a device's entities.
type State struct {
	Workspaces    []model.Workspace    `json:"workspaces"`
	Sessions      []model.Session      `json:"sessions"`
	CommandBlocks []model.CommandBlock `json:"command_blocks"`
}

type FullState struct {
	MessageID string `json:"message_id,omitempty"`
	State     State  `json:"state"`
}

type WorkspaceUpdate struct {
	MessageID string          `json:"message_id,omitempty"`
	Workspace model.Workspace `json:"entity"`
}

type SessionUpdate struct {
	MessageID string        `json:"message_id,omitempty"`
	Session   model.Session `json:"entity"`
}

type CommandBlockUpdate struct {
	MessageID    string             `json:"message_id,omitempty"`
	CommandBlock model.CommandBlock `json:"entity"`
}

// Delete is equivalent to an update whose metadata is tombstoned. Version
// is required: a deletion without one cannot be ordered against edits.
type Delete struct {
	MessageID  string           `json:"message_id,omitempty"`
	EntityType model.EntityType `json:"entity_type"`
	EntityID   string           `json:"entity_id"`
	DeletedBy  string           `json:"deleted_by"`
	DeletedAt  time.Time        `json:"deleted_at"`
	Version    vclock.Vector    `json:"version"`
}

// Tombstone converts d into the deletion record the merge rules consume.
func (d Delete) Tombstone() model.Tombstone {
	return model.Tombstone{Type: d.EntityType, ID: d.EntityID, DeletedBy: d.DeletedBy, DeletedAt: d.DeletedAt, Version: d.Version}
}

type Ack struct {
	MessageID string `json:"message_id"`
}

type Ping struct{}

type Pong struct{}

// GridUpdate carries an encoded grid frame (snapshot or delta) for a
// session.
type GridUpdate struct {
	MessageID string `json:"message_id,omitempty"`
	SessionID string `json:"session_id"`
	Frame     []byte `json:"frame"`
}

// RequestGridSnapshot asks the session owner for a fresh snapshot after a
// delta could not be applied.
type RequestGridSnapshot struct {
	SessionID string `json:"session_id"`
}

func (Hello) Type() MessageType               { return TypeHello }
func (RequestFullSync) Type() MessageType     { return TypeRequestFullSync }
func (FullState) Type() MessageType           { return TypeFullState }
func (WorkspaceUpdate) Type() MessageType     { return TypeWorkspaceUpdate }
func (SessionUpdate) Type() MessageType       { return TypeSessionUpdate }
func (CommandBlockUpdate) Type() MessageType  { return TypeCommandBlockUpdate }
func (Delete) Type() MessageType              { return TypeDelete }
func (Ack) Type() MessageType                 { return TypeAck }
func (Ping) Type() MessageType                { return TypePing }
func (Pong) Type() MessageType                { return TypePong }
func (GridUpdate) Type() MessageType          { return TypeGridUpdate }
func (RequestGridSnapshot) Type() MessageType { return TypeRequestGridSnapshot }

func (Hello) isMessage()               {}
func (RequestFullSync) isMessage()     {}
func (FullState) isMessage()           {}
func (WorkspaceUpdate) isMessage()     {}
func (SessionUpdate) isMessage()       {}
func (CommandBlockUpdate) isMessage()  {}
func (Delete) isMessage()              {}
func (Ack) isMessage()                 {}
func (Ping) isMessage()                {}
func (Pong) isMessage()                {}
func (GridUpdate) isMessage()          {}
func (RequestGridSnapshot) isMessage() {}

// Encode renders msg as a JSON object with its type discriminator.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", ErrMalformed)
	}
	return encodeTagged(string(msg.Type()), msg)
}

// Decode parses a sync message.
func Decode(data []byte) (Message, error) {
	typ, err := peekType(data)
	if err != nil {
		return nil, err
	}

	var msg Message
	switch MessageType(typ) {
	case TypeHello:
		msg, err = decodeInto[Hello](data)
	case TypeRequestFullSync:
		msg = RequestFullSync{}
	case TypeFullState:
		msg, err = decodeInto[FullState](data)
	case TypeWorkspaceUpdate:
		msg, err = decodeInto[WorkspaceUpdate](data)
	case TypeSessionUpdate:
		msg, err = decodeInto[SessionUpdate](data)
	case TypeCommandBlockUpdate:
		msg, err = decodeInto[CommandBlockUpdate](data)
	case TypeDelete:
		var d Delete
		if d, err = decodeInto[Delete](data); err == nil && len(d.Version) == 0 {
			err = fmt.Errorf("%w: delete of %s %q has no version", ErrMalformed, d.EntityType, d.EntityID)
		}
		msg = d
	case TypeAck:
		msg, err = decodeInto[Ack](data)
	case TypePing:
		msg = Ping{}
	case TypePong:
		msg = Pong{}
	case TypeGridUpdate:
		msg, err = decodeInto[GridUpdate](data)
	case TypeRequestGridSnapshot:
		msg, err = decodeInto[RequestGridSnapshot](data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func encodeTagged(typ string, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	tag, err := json.Marshal(typ)
	if err != nil {
		return nil, err
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("%w: %T does not encode as an object", ErrMalformed, v)
	}

	var b bytes.Buffer
	b.Grow(len(body) + len(tag) + 9)
	b.WriteString(`{"type":`)
	b.Write(tag)
	if rest := body[1:]; len(rest) > 1 {
		b.WriteByte(',')
		b.Write(rest)
	} else {
		b.WriteByte('}')
	}
	return b.Bytes(), nil
}

func peekType(data []byte) (string, error) {
	var head struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if head.Type == nil {
		return "", fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return *head.Type, nil
}

func decodeInto[T any](data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return v, nil
}
