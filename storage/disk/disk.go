// Package disk implements storage.Storage on a local bbolt database file. It
// suits single instance deployments that need state to survive restarts.
package disk

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pardot/ssoidc/storage"
	bolt "go.etcd.io/bbolt"
)

type record struct {
	Version int64      `json:"v"`
	Data    []byte     `json:"d"`
	Expires *time.Time `json:"e,omitempty"`
}

func (r *record) expired(now time.Time) bool {
	return r.Expires != nil && !r.Expires.After(now)
}

func decodeRecord(data []byte) (*record, error) {
	r := &record{}
	if err := storage.Unmarshal(data, r); err != nil {
		return nil, err
	}
	return r, nil
}

type Storage struct {
	db  *bolt.DB
	Now func() time.Time
}

var _ storage.Storage = (*Storage)(nil)
var _ storage.Collector = (*Storage)(nil)

func New(path string, mode os.FileMode) (*Storage, error) {
	db, err := bolt.Open(path, mode, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return &Storage{db: db, Now: time.Now}, nil
}

// Close releases the database file lock.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) Get(_ context.Context, keyspace, key string, into interface{}) (version int64, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(keyspace))
		if b == nil {
			return &storage.NotFoundError{Keyspace: keyspace, Key: key}
		}
		o := b.Get([]byte(key))
		if o == nil {
			return &storage.NotFoundError{Keyspace: keyspace, Key: key}
		}
		r, err := decodeRecord(o)
		if err != nil {
			return err
		}
		if r.expired(s.Now()) {
			return &storage.NotFoundError{Keyspace: keyspace, Key: key}
		}
		version = r.Version
		return storage.Unmarshal(r.Data, into)
	})

	return version, err
}

func (s *Storage) Put(ctx context.Context, keyspace, key string, version int64, obj interface{}) (newVersion int64, err error) {
	return s.putWithOptionalExpiry(ctx, keyspace, key, version, obj, nil)
}

func (s *Storage) PutWithExpiry(ctx context.Context, keyspace, key string, version int64, obj interface{}, expires time.Time) (newVersion int64, err error) {
	return s.putWithOptionalExpiry(ctx, keyspace, key, version, obj, &expires)
}

func (s *Storage) putWithOptionalExpiry(_ context.Context, keyspace, key string, version int64, obj interface{}, expires *time.Time) (newVersion int64, err error) {
	data, err := storage.Marshal(obj)
	if err != nil {
		return 0, err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(keyspace))
		if err != nil {
			return err
		}

		// don't count expired objects
		if o := b.Get([]byte(key)); o != nil {
			r, err := decodeRecord(o)
			if err != nil {
				return err
			}
			if !r.expired(s.Now()) && r.Version != version {
				return &storage.ConflictError{Keyspace: keyspace, Key: key}
			}
		}

		newVersion = version + 1
		rb, err := storage.Marshal(&record{
			Version: newVersion,
			Data:    data,
			Expires: expires,
		})
		if err != nil {
			return err
		}

		return b.Put([]byte(key), rb)
	})
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}

func (s *Storage) List(_ context.Context, keyspace string) ([]string, error) {
	keys := []string{}

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(keyspace))
		if b == nil {
			return nil
		}
		now := s.Now()
		return b.ForEach(func(k, v []byte) error {
			r, err := decodeRecord(v)
			if err != nil {
				return err
			}
			if !r.expired(now) {
				keys = append(keys, string(k))
			}
			return nil
		})
	})

	return keys, err
}

func (s *Storage) Delete(_ context.Context, keyspace, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(keyspace))
		if b == nil {
			return &storage.NotFoundError{Keyspace: keyspace, Key: key}
		}
		o := b.Get([]byte(key))
		if o == nil {
			return &storage.NotFoundError{Keyspace: keyspace, Key: key}
		}
		r, err := decodeRecord(o)
		if err != nil {
			return err
		}
		if err := b.Delete([]byte(key)); err != nil {
			return err
		}
		if r.expired(s.Now()) {
			return &storage.NotFoundError{Keyspace: keyspace, Key: key}
		}
		return nil
	})
}

// Take runs inside a single read-write transaction. bbolt allows one writer
// at a time, which serializes concurrent takers.
func (s *Storage) Take(_ context.Context, keyspace, key string, into interface{}) error {
	var r *record
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(keyspace))
		if b == nil {
			return &storage.NotFoundError{Keyspace: keyspace, Key: key}
		}
		o := b.Get([]byte(key))
		if o == nil {
			return &storage.NotFoundError{Keyspace: keyspace, Key: key}
		}
		var err error
		r, err = decodeRecord(o)
		if err != nil {
			return err
		}
		return b.Delete([]byte(key))
	})
	if err != nil {
		return err
	}
	if r.expired(s.Now()) {
		return &storage.NotFoundError{Keyspace: keyspace, Key: key}
	}
	return storage.Unmarshal(r.Data, into)
}

func (s *Storage) GarbageCollect(_ context.Context, now time.Time) (removed int, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.ForEach(func(_ []byte, b *bolt.Bucket) error {
			var expired [][]byte
			if err := b.ForEach(func(k, v []byte) error {
				r, err := decodeRecord(v)
				if err != nil {
					return err
				}
				if r.expired(now) {
					expired = append(expired, append([]byte(nil), k...))
				}
				return nil
			}); err != nil {
				return err
			}
			for _, k := range expired {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
			removed += len(expired)
			return nil
		})
	})
	return removed, err
}
