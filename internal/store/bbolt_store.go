package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

const bucketLicenses = "licenses"

type BBoltStore struct {
	db *bbolt.DB
}

func OpenBBolt(path string) (*BBoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	st := &BBoltStore{db: db}
	if err := st.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketLicenses))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *BBoltStore) Close() error { return s.db.Close() }

func (s *BBoltStore) Get(_ context.Context, key string) (License, error) {
	var lic License
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		lic, err = getLicense(tx, key)
		return err
	})
	if err != nil {
		return License{}, err
	}
	return lic, nil
}

func (s *BBoltStore) Insert(_ context.Context, lic License) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketLicenses))
		if b.Get([]byte(lic.Key)) != nil {
			return ErrExists
		}
		return putLicense(tx, lic)
	})
}

// Update runs the condition check and the write inside one bbolt write
// transaction, which bbolt serialises across the whole database.
func (s *BBoltStore) Update(_ context.Context, key string, cond Condition, upd Update) (License, error) {
	var updated License
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		lic, err := getLicense(tx, key)
		if err != nil {
			return err
		}
		if !cond.holds(lic) {
			return ErrConditionFailed
		}
		upd.apply(&lic)
		updated = lic
		return putLicense(tx, lic)
	}); err != nil {
		return License{}, err
	}
	return updated, nil
}

func (s *BBoltStore) List(_ context.Context) ([]License, error) {
	var out []License
	if err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketLicenses))
		return b.ForEach(func(_, v []byte) error {
			var lic License
			if err := json.Unmarshal(v, &lic); err != nil {
				return err
			}
			out = append(out, lic)
			return nil
		})
	}); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func getLicense(tx *bbolt.Tx, key string) (License, error) {
	b := tx.Bucket([]byte(bucketLicenses))
	v := b.Get([]byte(key))
	if v == nil {
		return License{}, ErrNotFound
	}
	var lic License
	if err := json.Unmarshal(v, &lic); err != nil {
		return License{}, err
	}
	return lic, nil
}

func putLicense(tx *bbolt.Tx, lic License) error {
	b := tx.Bucket([]byte(bucketLicenses))
	buf, err := json.Marshal(lic)
	if err != nil {
		return err
	}
	return b.Put([]byte(lic.Key), buf)
}
