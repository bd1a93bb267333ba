package store

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

var ErrDeviceKeyMismatch = errors.New("device is bound to a different public key")

// Device is a device identity known to the relay: the public key it
// authenticated with the first time it asked for a token.
type Device struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"`
	CreatedAt int64  `json:"createdAt"`
}

// Pairing is a durable pairing between two devices. DeviceID sorts before
// PeerID so each pair has a single record.
type Pairing struct {
	DeviceID string `json:"deviceId"`
	PeerID   string `json:"peerId"`
	PairedAt int64  `json:"pairedAt"`
}

// NewPairing returns the canonical record for a and b.
func NewPairing(a, b string, pairedAt int64) Pairing {
	if b < a {
		a, b = b, a
	}
	return Pairing{DeviceID: a, PeerID: b, PairedAt: pairedAt}
}

type Store struct {
	mu sync.RWMutex

	devicesByID map[string]Device

	pairingsStateFile string
	persistMu         sync.Mutex
	savedGeneration   uint64
	loadedPairings    []Pairing
}

type Options struct {
	PairingsStateFile string
}

func New() *Store {
	return NewWithOptions(Options{})
}

func NewWithOptions(opts Options) *Store {
	s := &Store{
		devicesByID:       make(map[string]Device),
		pairingsStateFile: opts.PairingsStateFile,
	}

	if s.pairingsStateFile != "" {
		if err := s.loadPairingsFromFile(s.pairingsStateFile); err != nil {
			slog.Error("pairings persistence: load failed", "file", s.pairingsStateFile, "err", err)
		}
	}

	return s
}

type persistedPairingsFile struct {
	Version  int       `json:"version"`
	Pairings []Pairing `json:"pairings"`
	SavedAt  int64     `json:"savedAt"`
}

func (s *Store) loadPairingsFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}

	var file persistedPairingsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}
	if file.Version != 1 {
		return errors.New("unsupported pairings state version")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range file.Pairings {
		if p.DeviceID == "" || p.PeerID == "" || p.DeviceID == p.PeerID {
			continue
		}
		s.loadedPairings = append(s.loadedPairings, NewPairing(p.DeviceID, p.PeerID, p.PairedAt))
	}
	return nil
}

// LoadedPairings returns the pairings read from the state file at startup.
func (s *Store) LoadedPairings() []Pairing {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Pairing(nil), s.loadedPairings...)
}

// SavePairings writes a snapshot of all pairings. generation must grow
// with every change; a snapshot older than one already written is
// skipped, so concurrent savers cannot regress the file.
func (s *Store) SavePairings(generation uint64, pairings []Pairing) {
	path := s.pairingsStateFile
	if path == "" {
		return
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	if generation <= s.savedGeneration {
		return
	}

	sorted := append([]Pairing(nil), pairings...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].DeviceID != sorted[j].DeviceID {
			return sorted[i].DeviceID < sorted[j].DeviceID
		}
		return sorted[i].PeerID < sorted[j].PeerID
	})

	if err := writeFileAtomic(path, persistedPairingsFile{Version: 1, Pairings: sorted, SavedAt: time.Now().UnixMilli()}); err != nil {
		slog.Error("pairings persistence: write failed", "file", path, "err", err)
		return
	}
	s.savedGeneration = generation
}

func writeFileAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// BindDevice records publicKey for deviceID on first use and verifies it
// on every later call.
func (s *Store) BindDevice(deviceID, publicKey string, nowMillis int64) (Device, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.devicesByID[deviceID]; ok {
		if existing.PublicKey != publicKey {
			return Device{}, false, ErrDeviceKeyMismatch
		}
		return existing, false, nil
	}

	d := Device{ID: deviceID, PublicKey: publicKey, CreatedAt: nowMillis}
	s.devicesByID[deviceID] = d
	return d, true, nil
}

func (s *Store) GetDevice(deviceID string) (Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.devicesByID[deviceID]
	return d, ok
}
