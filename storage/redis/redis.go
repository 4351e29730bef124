// Package redis implements storage.Storage on Redis. Each item is a hash with
// a version field and a data field. Expiry uses native key expiry, so the
// backend does not need garbage collection.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pardot/ssoidc/storage"
)

const (
	fieldVersion = "v"
	fieldData    = "d"
)

// putScript writes the item if the stored version matches, or nothing is
// stored. Returns 0 on a version conflict.
//
// KEYS[1] item key
// ARGV[1] expected version, ARGV[2] new version, ARGV[3] data,
// ARGV[4] expiry in unix millis, 0 for none
var putScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'v')
if cur and tonumber(cur) ~= tonumber(ARGV[1]) then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'v', ARGV[2], 'd', ARGV[3])
if tonumber(ARGV[4]) > 0 then
  redis.call('PEXPIREAT', KEYS[1], ARGV[4])
end
return 1
`)

// takeScript returns the data field and deletes the item.
var takeScript = redis.NewScript(`
local d = redis.call('HGET', KEYS[1], 'd')
if not d then
  return false
end
redis.call('DEL', KEYS[1])
return d
`)

type Storage struct {
	client redis.UniversalClient
	prefix string
}

var _ storage.Storage = (*Storage)(nil)

// New returns a Storage using client. All keys are namespaced under prefix.
func New(client redis.UniversalClient, prefix string) *Storage {
	return &Storage{
		client: client,
		prefix: prefix,
	}
}

// Open connects to the redis server described by opts.
func Open(ctx context.Context, opts *redis.Options, prefix string) (*Storage, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", opts.Addr, err)
	}
	return New(client, prefix), nil
}

// Close closes the underlying client.
func (s *Storage) Close() error {
	return s.client.Close()
}

func (s *Storage) Get(ctx context.Context, keyspace, key string, into interface{}) (int64, error) {
	vals, err := s.client.HMGet(ctx, s.key(keyspace, key), fieldVersion, fieldData).Result()
	if err != nil {
		return 0, fmt.Errorf("getting %s/%s: %w", keyspace, key, err)
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return 0, &storage.NotFoundError{Keyspace: keyspace, Key: key}
	}

	vs, _ := vals[0].(string)
	version, err := strconv.ParseInt(vs, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing version of %s/%s: %w", keyspace, key, err)
	}
	data, _ := vals[1].(string)

	if err := storage.Unmarshal([]byte(data), into); err != nil {
		return 0, err
	}
	return version, nil
}

func (s *Storage) Put(ctx context.Context, keyspace, key string, version int64, obj interface{}) (int64, error) {
	return s.put(ctx, keyspace, key, version, obj, 0)
}

func (s *Storage) PutWithExpiry(ctx context.Context, keyspace, key string, version int64, obj interface{}, expires time.Time) (int64, error) {
	ms := expires.UnixMilli()
	if ms <= 0 {
		// anything at or before the epoch is long gone
		ms = 1
	}
	return s.put(ctx, keyspace, key, version, obj, ms)
}

func (s *Storage) put(ctx context.Context, keyspace, key string, version int64, obj interface{}, expiresMillis int64) (int64, error) {
	data, err := storage.Marshal(obj)
	if err != nil {
		return 0, err
	}

	newVersion := version + 1
	ok, err := putScript.Run(ctx, s.client,
		[]string{s.key(keyspace, key)},
		version, newVersion, data, expiresMillis,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("putting %s/%s: %w", keyspace, key, err)
	}
	if ok == 0 {
		return 0, &storage.ConflictError{Keyspace: keyspace, Key: key}
	}
	return newVersion, nil
}

func (s *Storage) List(ctx context.Context, keyspace string) ([]string, error) {
	prefix := s.key(keyspace, "")
	keys := []string{}

	iter := s.client.Scan(ctx, 0, escapeGlob(prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("listing %s: %w", keyspace, err)
	}
	return keys, nil
}

func (s *Storage) Delete(ctx context.Context, keyspace, key string) error {
	n, err := s.client.Del(ctx, s.key(keyspace, key)).Result()
	if err != nil {
		return fmt.Errorf("deleting %s/%s: %w", keyspace, key, err)
	}
	if n == 0 {
		return &storage.NotFoundError{Keyspace: keyspace, Key: key}
	}
	return nil
}

func (s *Storage) Take(ctx context.Context, keyspace, key string, into interface{}) error {
	data, err := takeScript.Run(ctx, s.client, []string{s.key(keyspace, key)}).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return &storage.NotFoundError{Keyspace: keyspace, Key: key}
		}
		return fmt.Errorf("taking %s/%s: %w", keyspace, key, err)
	}
	return storage.Unmarshal([]byte(data), into)
}

func (s *Storage) key(keyspace, key string) string {
	return s.prefix + keyspace + ":" + key
}

// escapeGlob quotes the characters SCAN MATCH treats as patterns.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
