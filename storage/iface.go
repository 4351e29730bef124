package storage

import (
	"context"
	"errors"
	"time"
)

// Storage is an interface used by the service to maintain state. Values are
// arbitrary Go structs, serialized with the package codec.
type Storage interface {
	// Get returns the given item. If the item doesn't exist, an IsNotFoundErr
	// will be returned. The returned version should be submitted with any
	// updates to the returned object
	Get(ctx context.Context, keyspace, key string, into interface{}) (version int64, err error)
	// Put stores the provided item. If this is an update to an existing object
	// it's version should be included, for new objects the version should be
	// 0. If the update fails because of a version conflict, an IsConflictErr
	// will be returned
	Put(ctx context.Context, keyspace, key string, version int64, obj interface{}) (newVersion int64, err error)
	// PutWithExpiry is a Put, with a time that the item should no longer
	// be accessible. This doesn't guarantee that the data will be deleted at
	// the time, but Get should not return it.
	PutWithExpiry(ctx context.Context, keyspace, key string, version int64, obj interface{}, expires time.Time) (newVersion int64, err error)
	// List retrieves all keys in the given keyspace.
	List(ctx context.Context, keyspace string) (keys []string, err error)
	// Delete removes the item. If the item doesn't exist, an IsNotFoundErr will
	// be returned.
	Delete(ctx context.Context, keyspace, key string) error
	// Take reads the item into into and removes it in one atomic step. Of any
	// number of concurrent callers for the same key, at most one succeeds; the
	// rest get an IsNotFoundErr.
	Take(ctx context.Context, keyspace, key string, into interface{}) error
}

// Collector is implemented by backends that need expired items removed
// explicitly. Backends with native expiry don't implement it.
type Collector interface {
	// GarbageCollect removes items that expired before now, returning how
	// many were removed.
	GarbageCollect(ctx context.Context, now time.Time) (removed int, err error)
}

type errNotFound interface {
	NotFoundErr()
}

// IsNotFoundErr checks to see if the passed error is because the item was not
// found, as opposed to an actual error state. Errors comply to this if they
// have an `NotFoundErr()` method.
func IsNotFoundErr(err error) bool {
	var nf errNotFound
	return errors.As(err, &nf)
}

type errConflict interface {
	ConflictErr()
}

// IsConflictErr checks to see if the passed error occured because of a version
// conflict. Errors comply to this if they have a `ConflictErr()` method
func IsConflictErr(err error) bool {
	var c errConflict
	return errors.As(err, &c)
}

// NotFoundError is a ready made error satisfying IsNotFoundErr, for backends
// to return.
type NotFoundError struct {
	Keyspace string
	Key      string
}

func (e *NotFoundError) Error() string {
	return e.Keyspace + "/" + e.Key + " not found"
}

func (*NotFoundError) NotFoundErr() {}

// ConflictError is a ready made error satisfying IsConflictErr, for backends
// to return.
type ConflictError struct {
	Keyspace string
	Key      string
}

func (e *ConflictError) Error() string {
	return e.Keyspace + "/" + e.Key + " version conflict"
}

func (*ConflictError) ConflictErr() {}
