package memory

import (
	"context"
	"sync"
	"time"

	"github.com/pardot/ssoidc/storage"
)

// Storage is an in-memory implementation of storage.Storage. It should only be
// used for testing or single instance deployments. All data will be lost when
// the process ends.
type Storage struct {
	sync.Mutex
	m map[string]map[string]*record

	now func() time.Time
}

var _ storage.Storage = (*Storage)(nil)
var _ storage.Collector = (*Storage)(nil)

type record struct {
	Version int64
	Data    []byte
	Expires *time.Time
}

func (r *record) expired(now time.Time) bool {
	return r.Expires != nil && now.After(*r.Expires)
}

func New() *Storage {
	return &Storage{
		m:   make(map[string]map[string]*record),
		now: time.Now,
	}
}

func (s *Storage) Get(_ context.Context, keyspace, key string, into interface{}) (version int64, err error) {
	s.Lock()
	defer s.Unlock()

	r, ok := s.m[keyspace][key]
	if !ok || r.expired(s.now()) {
		return 0, &storage.NotFoundError{Keyspace: keyspace, Key: key}
	}

	if err := storage.Unmarshal(r.Data, into); err != nil {
		return 0, err
	}

	return r.Version, nil
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

	s.Lock()
	defer s.Unlock()

	mm, ok := s.m[keyspace]
	if !ok {
		mm = make(map[string]*record)
		s.m[keyspace] = mm
	}

	if r, ok := mm[key]; ok && !r.expired(s.now()) && r.Version != version {
		return 0, &storage.ConflictError{Keyspace: keyspace, Key: key}
	}

	r := &record{
		Version: version + 1,
		Data:    data,
		Expires: expires,
	}
	mm[key] = r

	return r.Version, nil
}

func (s *Storage) List(_ context.Context, keyspace string) (keys []string, err error) {
	s.Lock()
	defer s.Unlock()

	now := s.now()
	keys = []string{}
	for k, r := range s.m[keyspace] {
		if r.expired(now) {
			continue
		}
		keys = append(keys, k)
	}

	return keys, nil
}

func (s *Storage) Delete(_ context.Context, keyspace, key string) error {
	s.Lock()
	defer s.Unlock()

	r, ok := s.m[keyspace][key]
	if !ok || r.expired(s.now()) {
		return &storage.NotFoundError{Keyspace: keyspace, Key: key}
	}

	delete(s.m[keyspace], key)
	return nil
}

func (s *Storage) Take(_ context.Context, keyspace, key string, into interface{}) error {
	s.Lock()
	defer s.Unlock()

	r, ok := s.m[keyspace][key]
	if !ok {
		return &storage.NotFoundError{Keyspace: keyspace, Key: key}
	}
	delete(s.m[keyspace], key)

	if r.expired(s.now()) {
		return &storage.NotFoundError{Keyspace: keyspace, Key: key}
	}

	return storage.Unmarshal(r.Data, into)
}

func (s *Storage) GarbageCollect(_ context.Context, now time.Time) (removed int, err error) {
	s.Lock()
	defer s.Unlock()

	for _, mm := range s.m {
		for k, r := range mm {
			if r.expired(now) {
				delete(mm, k)
				removed++
			}
		}
	}

	return removed, nil
}
