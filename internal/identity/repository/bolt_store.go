package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	identitydomain "github.com/smallbiznis/usageledger/internal/identity/domain"
	bolt "go.etcd.io/bbolt"
)

var (
	snapshotBucket = []byte("identity_snapshots")
	latestKey      = []byte("latest")
)

type storedSnapshot struct {
	Version  string                           `json:"version"`
	Source   string                           `json:"source"`
	LoadedAt time.Time                        `json:"loaded_at"`
	Mappings []identitydomain.IdentityMapping `json:"mappings"`
}

// BoltStore keeps the last good identity snapshot in a local bbolt file so a
// run can proceed when the mapping source is down.
type BoltStore struct {
	db *bolt.DB
}

func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open identity snapshot store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(snapshotBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Save(_ context.Context, snapshot *identitydomain.Snapshot) error {
	payload, err := json.Marshal(storedSnapshot{
		Version:  snapshot.Version,
		Source:   snapshot.Source,
		LoadedAt: snapshot.LoadedAt,
		Mappings: snapshot.Mappings(),
	})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotBucket).Put(latestKey, payload)
	})
}

func (s *BoltStore) Latest(_ context.Context) (*identitydomain.Snapshot, error) {
	var stored storedSnapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(snapshotBucket).Get(latestKey)
		if raw == nil {
			return identitydomain.ErrSnapshotNotFound
		}
		return json.Unmarshal(raw, &stored)
	})
	if err != nil {
		return nil, err
	}
	snapshot := identitydomain.NewSnapshot(stored.Source, stored.LoadedAt, stored.Mappings)
	snapshot.RowsRead = len(stored.Mappings)
	return snapshot, nil
}
