package suppression

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketEntries       = []byte("suppressions")
	bucketGlobalBounces = []byte("global_bounces")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates the suppression buckets in db if needed
func NewBoltStore(db *bolt.DB) (*BoltStore, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketEntries, bucketGlobalBounces} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

// entryKey is tenant \x00 email so a tenant's entries share a prefix
func entryKey(tenantID, email string) []byte {
	return []byte(tenantID + "\x00" + email)
}

// FindEntries returns entries matching q, newest first
func (s *BoltStore) FindEntries(ctx context.Context, q EntryQuery) ([]*Entry, error) {
	var entries []*Entry

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketEntries)

		if q.TenantID != "" && len(q.Emails) > 0 {
			for _, addr := range q.Emails {
				data := bucket.Get(entryKey(q.TenantID, addr))
				if data == nil {
					continue
				}
				var e Entry
				if err := json.Unmarshal(data, &e); err != nil {
					return fmt.Errorf("failed to unmarshal entry: %w", err)
				}
				entries = append(entries, &e)
			}
			return nil
		}

		c := bucket.Cursor()
		var k, v []byte
		var prefix []byte
		if q.TenantID != "" {
			prefix = []byte(q.TenantID + "\x00")
			k, v = c.Seek(prefix)
		} else {
			k, v = c.First()
		}

		emails := make(map[string]bool, len(q.Emails))
		for _, addr := range q.Emails {
			emails[addr] = true
		}

		for ; k != nil; k, v = c.Next() {
			if prefix != nil && !bytes.HasPrefix(k, prefix) {
				break
			}
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				continue // Skip invalid entries
			}
			if len(emails) > 0 && !emails[e.Email] {
				continue
			}
			entries = append(entries, &e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	entries = filterReason(entries, q.Reason)
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	return paginate(entries, q.Offset, q.Limit), nil
}

// UpsertEntry stores e, replacing any entry for the same tenant and email
func (s *BoltStore) UpsertEntry(ctx context.Context, e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).Put(entryKey(e.TenantID, e.Email), data)
	})
}

// DeleteEntry removes a tenant entry and reports whether it existed
func (s *BoltStore) DeleteEntry(ctx context.Context, tenantID, email string) (bool, error) {
	var existed bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketEntries)
		key := entryKey(tenantID, email)
		if bucket.Get(key) == nil {
			return nil
		}
		existed = true
		return bucket.Delete(key)
	})
	return existed, err
}

// FindGlobalBounces returns global bounce records for the given emails
func (s *BoltStore) FindGlobalBounces(ctx context.Context, emails []string) ([]*GlobalBounce, error) {
	var bounces []*GlobalBounce
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketGlobalBounces)
		for _, addr := range emails {
			data := bucket.Get([]byte(addr))
			if data == nil {
				continue
			}
			var b GlobalBounce
			if err := json.Unmarshal(data, &b); err != nil {
				return fmt.Errorf("failed to unmarshal global bounce: %w", err)
			}
			bounces = append(bounces, &b)
		}
		return nil
	})
	return bounces, err
}

// RecordGlobalBounce increments the bounce counter for email
func (s *BoltStore) RecordGlobalBounce(ctx context.Context, email, reason string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketGlobalBounces)

		b := GlobalBounce{Email: email}
		if data := bucket.Get([]byte(email)); data != nil {
			if err := json.Unmarshal(data, &b); err != nil {
				return fmt.Errorf("failed to unmarshal global bounce: %w", err)
			}
		}
		b.BounceCount++
		b.LastBounceAt = at
		if reason != "" {
			b.Reason = reason
		}

		data, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("failed to marshal global bounce: %w", err)
		}
		return bucket.Put([]byte(email), data)
	})
}

func filterReason(entries []*Entry, reason Reason) []*Entry {
	if reason == "" {
		return entries
	}
	out := entries[:0]
	for _, e := range entries {
		if e.Reason == reason {
			out = append(out, e)
		}
	}
	return out
}

func paginate(entries []*Entry, offset, limit int) []*Entry {
	if offset > 0 {
		if offset >= len(entries) {
			return nil
		}
		entries = entries[offset:]
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}
