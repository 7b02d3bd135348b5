package collab

// BoltStore is a go.etcd.io/bbolt-backed SessionStore: a bucket-per-
// concern layout with JSON-encoded records and ACID Update/View
// transactions, grounded on IAmSoThirsty-Project-AI's storage.DB
// (octoreflex/internal/storage/bolt.go), generalized from that
// package's baseline/ledger buckets to a sessions/vehicles layout.

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/ocppfleet/simulator/internal/session"
	"github.com/ocppfleet/simulator/internal/vehicle"
)

const (
	bucketSessions = "sessions"
	bucketVehicles = "vehicles"
	bucketMeta     = "meta"

	schemaVersion = "1"
)

// BoltStore persists Session records, and the read-only vehicle
// catalogue seeded via PutVehicle, to a single BoltDB file.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (or creates) the database at path and ensures
// its bucket layout and schema version.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	s := &BoltStore{db: db}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketSessions, bucketVehicles, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			return meta.Put([]byte("schema_version"), []byte(schemaVersion))
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialise bolt store: %w", err)
	}
	return s, nil
}

// Close closes the underlying BoltDB file.
func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) LoadAll() ([]*session.Session, error) {
	var out []*session.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketSessions))
		return b.ForEach(func(_, v []byte) error {
			var rec session.Session
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, &rec)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) Save(rec *session.Session) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session %q: %w", rec.ID, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketSessions))
		return b.Put([]byte(rec.ID), data)
	})
}

func (s *BoltStore) Delete(sessionID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketSessions))
		return b.Delete([]byte(sessionID))
	})
}

// PutVehicle seeds (or updates) one vehicle catalogue entry.
func (s *BoltStore) PutVehicle(v *vehicle.Profile) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal vehicle %q: %w", v.ID, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketVehicles))
		return b.Put([]byte(v.ID), data)
	})
}

func (s *BoltStore) LoadVehicle(vehicleID string) (*vehicle.Profile, error) {
	var v vehicle.Profile
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketVehicles))
		data := b.Get([]byte(vehicleID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &v)
	})
	if err != nil {
		return nil, fmt.Errorf("load vehicle %q: %w", vehicleID, err)
	}
	if !found {
		return nil, fmt.Errorf("unknown vehicle id %q", vehicleID)
	}
	return &v, nil
}
