// Package localstore persists a device's merged entities and its identity
// in a single bbolt file.
package localstore

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
	"termsync/internal/model"
	"termsync/internal/protocol"
)

var ErrUnknownEntity = errors.New("localstore: unknown entity type")

var (
	bucketIdentity = []byte("identity")

	entityBuckets = map[model.EntityType][]byte{
		model.EntityWorkspace:    []byte("workspaces"),
		model.EntitySession:      []byte("sessions"),
		model.EntityCommandBlock: []byte("command_blocks"),
	}

	keyDeviceID   = []byte("device_id")
	keyPrivateKey = []byte("private_key")
)

// Identity is the stable identity of this install.
type Identity struct {
	DeviceID   string
	PrivateKey ed25519.PrivateKey
}

type Store struct {
	db *bolt.DB
}

// Open opens or creates the store at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("localstore: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketIdentity); err != nil {
			return err
		}
		for _, name := range entityBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("localstore: init buckets: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Identity returns the stored device identity, creating one on first use.
func (s *Store) Identity() (Identity, error) {
	var id Identity
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIdentity)
		if dev, key := b.Get(keyDeviceID), b.Get(keyPrivateKey); dev != nil && len(key) == ed25519.PrivateKeySize {
			id.DeviceID = string(dev)
			id.PrivateKey = append(ed25519.PrivateKey(nil), key...)
			return nil
		}

		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return err
		}
		id = Identity{DeviceID: uuid.NewString(), PrivateKey: priv}
		if err := b.Put(keyDeviceID, []byte(id.DeviceID)); err != nil {
			return err
		}
		return b.Put(keyPrivateKey, priv)
	})
	if err != nil {
		return Identity{}, fmt.Errorf("localstore: identity: %w", err)
	}
	return id, nil
}

// Put stores the merged state of an entity, replacing what was there.
func (s *Store) Put(ent model.Entity) error {
	name, ok := entityBuckets[ent.EntityType()]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEntity, ent.EntityType())
	}
	data, err := json.Marshal(ent)
	if err != nil {
		return fmt.Errorf("localstore: encode %s %s: %w", ent.EntityType(), ent.EntityID(), err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(name).Put([]byte(ent.EntityID()), data)
	})
}

// Apply is a syncer apply callback. Write failures are logged; the next
// merge of the entity writes it again.
func (s *Store) Apply(ent model.Entity) {
	if err := s.Put(ent); err != nil {
		slog.Error("localstore: persist failed", "type", ent.EntityType(), "id", ent.EntityID(), "err", err)
	}
}

// Load returns every stored entity, tombstones included.
func (s *Store) Load() (protocol.State, error) {
	var st protocol.State
	err := s.db.View(func(tx *bolt.Tx) error {
		if err := loadBucket(tx, model.EntityWorkspace, &st.Workspaces); err != nil {
			return err
		}
		if err := loadBucket(tx, model.EntitySession, &st.Sessions); err != nil {
			return err
		}
		return loadBucket(tx, model.EntityCommandBlock, &st.CommandBlocks)
	})
	if err != nil {
		return protocol.State{}, fmt.Errorf("localstore: load: %w", err)
	}
	return st, nil
}

func loadBucket[T any](tx *bolt.Tx, typ model.EntityType, out *[]T) error {
	return tx.Bucket(entityBuckets[typ]).ForEach(func(k, v []byte) error {
		var ent T
		if err := json.Unmarshal(v, &ent); err != nil {
			return fmt.Errorf("%s %s: %w", typ, k, err)
		}
		*out = append(*out, ent)
		return nil
	})
}
