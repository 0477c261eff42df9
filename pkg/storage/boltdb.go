package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketJoinTokens = []byte("join_tokens")
	bucketMembers    = []byte("members")
)

// joinTokenRecord is the persisted form of an issued join token.
type joinTokenRecord struct {
	ExpiresAt int64 `json:"expires_at"`
}

// BoltStore implements Store on top of go.etcd.io/bbolt, using a
// bucket-per-entity, JSON-marshaled-value layout.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) the metadata database
// under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "sessiond.db")

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketJoinTokens, bucketMembers} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("storage: create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// IssueJoinToken persists token with an expiry ttlSeconds from now.
func (s *BoltStore) IssueJoinToken(token string, ttlSeconds int64) error {
	rec := joinTokenRecord{ExpiresAt: time.Now().Add(time.Duration(ttlSeconds) * time.Second).Unix()}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJoinTokens).Put([]byte(token), data)
	})
}

// ConsumeJoinToken reports whether token is valid and unexpired, and
// deletes it so it cannot be redeemed again.
func (s *BoltStore) ConsumeJoinToken(token string) (bool, error) {
	var valid bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJoinTokens)
		data := b.Get([]byte(token))
		if data == nil {
			return nil
		}
		var rec joinTokenRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		if err := b.Delete([]byte(token)); err != nil {
			return err
		}
		valid = time.Now().Unix() <= rec.ExpiresAt
		return nil
	})
	return valid, err
}

// SaveMember upserts a cluster member record.
func (s *BoltStore) SaveMember(m Member) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMembers).Put([]byte(m.NodeID), data)
	})
}

// ListMembers returns every known cluster member.
func (s *BoltStore) ListMembers() ([]Member, error) {
	var members []Member
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMembers).ForEach(func(k, v []byte) error {
			var m Member
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			members = append(members, m)
			return nil
		})
	})
	return members, err
}

// DeleteMember removes a cluster member record.
func (s *BoltStore) DeleteMember(nodeID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMembers).Delete([]byte(nodeID))
	})
}
