package protocol

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"termsync/internal/model"
	"termsync/internal/vclock"
)

func TestEncode_TypeDiscriminator(t *testing.T) {
	data, err := Encode(RequestFullSync{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if string(data) != `{"type":"request_full_sync"}` {
		t.Fatalf("unexpected encoding %s", data)
	}

	data, err = Encode(Ack{MessageID: "m1"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if string(data) != `{"type":"ack","message_id":"m1"}` {
		t.Fatalf("unexpected encoding %s", data)
	}
}

func TestDecode_AllVariants(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	ws := model.Workspace{ID: "w1", Name: "proj", Meta: model.NewMetadata("A", now)}
	msgs := []Message{
		Hello{DeviceID: "A", DisplayName: "laptop", AppVersion: "1.2.0", ProtocolVersion: ProtocolVersion},
		RequestFullSync{},
		FullState{MessageID: "m", State: State{Workspaces: []model.Workspace{ws}}},
		WorkspaceUpdate{MessageID: "m2", Workspace: ws},
		SessionUpdate{Session: model.Session{ID: "s1", WorkspaceID: "w1", Kind: model.SessionPTY, Meta: model.NewMetadata("A", now)}},
		CommandBlockUpdate{CommandBlock: model.CommandBlock{ID: "c1", Command: "ls", StartedAt: now, Meta: model.NewMetadata("A", now)}},
		Delete{EntityType: model.EntitySession, EntityID: "s1", DeletedBy: "A", DeletedAt: now, Version: vclock.Vector{"A": 3}},
		Ack{MessageID: "m2"},
		Ping{},
		Pong{},
		GridUpdate{SessionID: "s1", Frame: []byte{1, 2, 3}},
		RequestGridSnapshot{SessionID: "s1"},
	}
	for _, msg := range msgs {
		data, err := Encode(msg)
		if err != nil {
			t.Fatalf("Encode(%s): %v", msg.Type(), err)
		}
		got, err := Decode(data)
		if err != nil {
			t.Fatalf("Decode(%s): %v", msg.Type(), err)
		}
		if got.Type() != msg.Type() {
			t.Fatalf("expected %s, got %s", msg.Type(), got.Type())
		}
		a, _ := json.Marshal(msg)
		b, _ := json.Marshal(got)
		if string(a) != string(b) {
			t.Fatalf("%s changed in transit:\n%s\n%s", msg.Type(), a, b)
		}
	}
}

func TestDecode_UnknownFieldsIgnored(t *testing.T) {
	data := []byte(`{"type":"hello","device_id":"A","protocol_version":2,"capabilities":["grid-v2"]}`)
	msg, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	hello, ok := msg.(Hello)
	if !ok || hello.DeviceID != "A" || hello.ProtocolVersion != 2 {
		t.Fatalf("unexpected message %#v", msg)
	}
}

func TestDecode_Errors(t *testing.T) {
	if _, err := Decode([]byte(`{"type":"teleport"}`)); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
	if _, err := Decode([]byte(`{not json`)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if _, err := Decode([]byte(`{"device_id":"A"}`)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for missing type, got %v", err)
	}
	if _, err := Decode([]byte(`{"type":"delete","entity_type":"workspace","entity_id":"w1","deleted_by":"A"}`)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for a versionless delete, got %v", err)
	}
	if _, err := Decode([]byte(`{"type":"ack","message_id":7}`)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for bad field, got %v", err)
	}
}

func TestCompatibleVersion(t *testing.T) {
	cases := map[int]bool{0: false, -1: false, ProtocolVersion: true, ProtocolVersion + 1: true, ProtocolVersion + 2: false}
	for v, want := range cases {
		if got := CompatibleVersion(v); got != want {
			t.Fatalf("CompatibleVersion(%d) = %v, want %v", v, got, want)
		}
	}
}

func TestDelete_Tombstone(t *testing.T) {
	d := Delete{EntityType: model.EntityWorkspace, EntityID: "w", DeletedBy: "B", Version: vclock.Vector{"B": 2}}
	ts := d.Tombstone()
	if ts.Type != model.EntityWorkspace || ts.ID != "w" || !ts.Metadata().Tombstone {
		t.Fatalf("unexpected tombstone %+v", ts)
	}
}

func TestSignals_RoundTrip(t *testing.T) {
	expires := time.Date(2026, 3, 1, 9, 35, 0, 0, time.UTC)
	signals := []Signal{
		Register{DeviceID: "d", Token: "tok"},
		Registered{DeviceID: "d", PeerID: "p"},
		CreatePairingCode{},
		PairingCode{Code: "X7K9M2", ExpiresAt: expires},
		UsePairingCode{Code: "x7k9m2"},
		Paired{PeerID: "p"},
		PairingFailed{Reason: ReasonExpiredCode},
		SyncData{From: "d", Payload: json.RawMessage(`{"type":"ping"}`)},
		PeerConnected{PeerID: "p"},
		PeerDisconnected{PeerID: "p"},
		Unpair{},
		Unpaired{PeerID: "p"},
		ErrorSignal{Code: CodeSuperseded, Message: "replaced"},
		SignalPingMessage{},
		SignalPongMessage{},
	}
	for _, s := range signals {
		data, err := EncodeSignal(s)
		if err != nil {
			t.Fatalf("EncodeSignal(%s): %v", s.SignalType(), err)
		}
		got, err := DecodeSignal(data)
		if err != nil {
			t.Fatalf("DecodeSignal(%s): %v", s.SignalType(), err)
		}
		if !reflect.DeepEqual(got, s) {
			t.Fatalf("%s changed in transit: %#v vs %#v", s.SignalType(), got, s)
		}
	}
}

func TestSyncData_PayloadVerbatim(t *testing.T) {
	payload := `{"type":"workspace_update","entity":{"id":"w","name":"proj"},"future_field":{"x":1}}`
	raw := []byte(`{"type":"sync_data","payload":` + payload + `}`)
	s, err := DecodeSignal(raw)
	if err != nil {
		t.Fatalf("DecodeSignal: %v", err)
	}
	sd := s.(SyncData)
	if string(sd.Payload) != payload {
		t.Fatalf("payload altered: %s", sd.Payload)
	}
}

func TestWrapSyncData(t *testing.T) {
	sd, err := WrapSyncData(Ping{})
	if err != nil {
		t.Fatalf("WrapSyncData: %v", err)
	}
	msg, err := Decode(sd.Payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if _, ok := msg.(Ping); !ok {
		t.Fatalf("expected ping, got %#v", msg)
	}
}

func TestEncodeForward_KeepsPayloadBytes(t *testing.T) {
	payload := json.RawMessage(`{ "type" : "ping", "note":"<b>&" }`)
	data, err := EncodeForward("dev-a", payload)
	if err != nil {
		t.Fatalf("EncodeForward: %v", err)
	}
	want := `{"type":"sync_data","from":"dev-a","payload":{ "type" : "ping", "note":"<b>&" }}`
	if string(data) != want {
		t.Fatalf("unexpected frame %s", data)
	}
	s, err := DecodeSignal(data)
	if err != nil {
		t.Fatalf("DecodeSignal: %v", err)
	}
	if sd := s.(SyncData); sd.From != "dev-a" || string(sd.Payload) != string(payload) {
		t.Fatalf("unexpected signal %#v", sd)
	}

	if _, err := EncodeForward("dev-a", json.RawMessage(`{broken`)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}
