package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestStore_BindDevice(t *testing.T) {
	s := New()
	d, created, err := s.BindDevice("dev-1", "pk", 1000)
	if err != nil || !created {
		t.Fatalf("BindDevice: created=%v err=%v", created, err)
	}
	if d.PublicKey != "pk" {
		t.Fatalf("unexpected device %+v", d)
	}

	_, created, err = s.BindDevice("dev-1", "pk", 2000)
	if err != nil || created {
		t.Fatalf("expected existing binding, created=%v err=%v", created, err)
	}

	_, _, err = s.BindDevice("dev-1", "other", 3000)
	if !errors.Is(err, ErrDeviceKeyMismatch) {
		t.Fatalf("expected ErrDeviceKeyMismatch, got %v", err)
	}

	if _, ok := s.GetDevice("dev-2"); ok {
		t.Fatalf("expected unknown device")
	}
}

func TestNewPairing_Canonical(t *testing.T) {
	a := NewPairing("b", "a", 1)
	b := NewPairing("a", "b", 1)
	if a != b || a.DeviceID != "a" {
		t.Fatalf("expected canonical order, got %+v %+v", a, b)
	}
}

func TestStore_PairingsPersistence_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	stateFile := filepath.Join(dir, "state", "pairings.json")

	s1 := NewWithOptions(Options{PairingsStateFile: stateFile})
	if got := s1.LoadedPairings(); len(got) != 0 {
		t.Fatalf("expected no pairings, got %d", len(got))
	}
	s1.SavePairings(1, []Pairing{NewPairing("d2", "d1", 1000), NewPairing("d3", "d4", 1001)})

	info, err := os.Stat(stateFile)
	if err != nil {
		t.Fatalf("expected state file written: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected state file mode 0600, got %o", info.Mode().Perm())
	}

	s2 := NewWithOptions(Options{PairingsStateFile: stateFile})
	got := s2.LoadedPairings()
	if len(got) != 2 {
		t.Fatalf("expected 2 pairings, got %d", len(got))
	}
	if got[0].DeviceID != "d1" || got[0].PeerID != "d2" || got[0].PairedAt != 1000 {
		t.Fatalf("unexpected pairing loaded: %+v", got[0])
	}
}

func TestStore_PairingsPersistence_SkipsStaleGeneration(t *testing.T) {
	dir := t.TempDir()
	stateFile := filepath.Join(dir, "pairings.json")

	s1 := NewWithOptions(Options{PairingsStateFile: stateFile})
	s1.SavePairings(2, []Pairing{NewPairing("a", "b", 1)})
	s1.SavePairings(1, nil)

	s2 := NewWithOptions(Options{PairingsStateFile: stateFile})
	if got := s2.LoadedPairings(); len(got) != 1 {
		t.Fatalf("stale snapshot overwrote newer one: %+v", got)
	}
}

func TestStore_PairingsPersistence_IgnoresBadFile(t *testing.T) {
	dir := t.TempDir()
	stateFile := filepath.Join(dir, "pairings.json")
	if err := os.WriteFile(stateFile, []byte(`{"version":9}`), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	s := NewWithOptions(Options{PairingsStateFile: stateFile})
	if got := s.LoadedPairings(); len(got) != 0 {
		t.Fatalf("expected no pairings from unsupported file, got %d", len(got))
	}
}
