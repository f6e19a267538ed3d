package health

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Store persists domain health records
type Store interface {
	Get(ctx context.Context, id string) (*Domain, error)
	Put(ctx context.Context, d *Domain) error
	List(ctx context.Context) ([]*Domain, error)
	Increment(ctx context.Context, id string, c Counters) error
	// ResetDaily zeroes daily counters kept for a day other than now's UTC day
	ResetDaily(ctx context.Context, now time.Time) (int, error)
	SetSuspended(ctx context.Context, id string, suspended bool, reason string, at time.Time) error
	SetVerification(ctx context.Context, id string, v Verification) error
}

var bucketDomains = []byte("domain_health")

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBoltStore creates the domain bucket in db if needed
func NewBoltStore(db *bolt.DB) (*BoltStore, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDomains)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}
	return &BoltStore{db: db, now: time.Now}, nil
}

// Get returns the domain with the given id
func (s *BoltStore) Get(ctx context.Context, id string) (*Domain, error) {
	var d Domain
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDomains).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &d)
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// Put creates or replaces a domain record
func (s *BoltStore) Put(ctx context.Context, d *Domain) error {
	if d.ID == "" {
		return fmt.Errorf("domain id is required")
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now().UTC()
	}
	d.UpdatedAt = s.now().UTC()
	if d.EmailsSentToday != 0 && d.SentTodayDate == "" {
		d.SentTodayDate = Day(d.UpdatedAt)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return putDomain(tx.Bucket(bucketDomains), d)
	})
}

// List returns all domains ordered by name
func (s *BoltStore) List(ctx context.Context) ([]*Domain, error) {
	var domains []*Domain
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDomains).ForEach(func(k, v []byte) error {
			var d Domain
			if err := json.Unmarshal(v, &d); err != nil {
				return nil // Skip invalid entries
			}
			domains = append(domains, &d)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(domains, func(i, j int) bool { return domains[i].Name < domains[j].Name })
	return domains, nil
}

// Increment adds c to the domain's counters in one transaction
func (s *BoltStore) Increment(ctx context.Context, id string, c Counters) error {
	return s.modify(id, func(d *Domain) { d.apply(c, s.now()) })
}

// ResetDaily zeroes EmailsSentToday on every domain whose counter belongs
// to an earlier day and returns how many changed
func (s *BoltStore) ResetDaily(ctx context.Context, now time.Time) (int, error) {
	today := Day(now)
	var reset int
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketDomains)
		var changed []*Domain
		err := bucket.ForEach(func(k, v []byte) error {
			var d Domain
			if err := json.Unmarshal(v, &d); err != nil {
				return nil
			}
			if d.EmailsSentToday != 0 && d.staleDay(today) {
				d.EmailsSentToday = 0
				d.SentTodayDate = today
				d.UpdatedAt = s.now().UTC()
				changed = append(changed, &d)
			}
			return nil
		})
		if err != nil {
			return err
		}
		// No Put inside ForEach
		for _, d := range changed {
			if err := putDomain(bucket, d); err != nil {
				return err
			}
		}
		reset = len(changed)
		return nil
	})
	return reset, err
}

// SetSuspended updates the suspension flag
func (s *BoltStore) SetSuspended(ctx context.Context, id string, suspended bool, reason string, at time.Time) error {
	return s.modify(id, func(d *Domain) {
		d.IsSuspended = suspended
		if suspended {
			t := at.UTC()
			d.SuspendReason = reason
			d.SuspendedAt = &t
		} else {
			d.SuspendReason = ""
			d.SuspendedAt = nil
		}
	})
}

// SetVerification stores DNS verification results
func (s *BoltStore) SetVerification(ctx context.Context, id string, v Verification) error {
	return s.modify(id, func(d *Domain) { d.applyVerification(v) })
}

func (s *BoltStore) modify(id string, fn func(d *Domain)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketDomains)
		data := bucket.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var d Domain
		if err := json.Unmarshal(data, &d); err != nil {
			return fmt.Errorf("failed to unmarshal domain: %w", err)
		}
		fn(&d)
		d.UpdatedAt = s.now().UTC()
		return putDomain(bucket, &d)
	})
}

func putDomain(bucket *bolt.Bucket, d *Domain) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal domain: %w", err)
	}
	return bucket.Put([]byte(d.ID), data)
}
