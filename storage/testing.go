package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// testRecord is the value type stored by the conformance tests.
type testRecord struct {
	Name    string    `json:"name"`
	Count   int       `json:"count"`
	Tags    []string  `json:"tags"`
	Created time.Time `json:"created"`
}

// Test runs the conformance suite against s. Every backend should pass it.
func Test(ctx context.Context, t *testing.T, s Storage) {
	// Subtests must either clean up after themselves or use a unique keyspace
	t.Run("testNonexistingGet", func(t *testing.T) { testNonexistingGet(ctx, t, s) })
	t.Run("testSetGetDelete", func(t *testing.T) { testSetGetDelete(ctx, t, s) })
	t.Run("testVersioning", func(t *testing.T) { testVersioning(ctx, t, s) })
	t.Run("testExpiry", func(t *testing.T) { testExpiry(ctx, t, s) })
	t.Run("testList", func(t *testing.T) { testList(ctx, t, s) })
	t.Run("testDeleteMissing", func(t *testing.T) { testDeleteMissing(ctx, t, s) })
	t.Run("testTake", func(t *testing.T) { testTake(ctx, t, s) })
	t.Run("testConcurrentTake", func(t *testing.T) { testConcurrentTake(ctx, t, s) })
	if c, ok := s.(Collector); ok {
		t.Run("testGarbageCollect", func(t *testing.T) { testGarbageCollect(ctx, t, s, c) })
	}
}

func testNonexistingGet(ctx context.Context, t *testing.T, s Storage) {
	_, err := s.Get(ctx, "testNonexistingGet", "nothing", &testRecord{})
	if !IsNotFoundErr(err) {
		t.Errorf("Want: not found error, got %v", err)
	}
}

func testSetGetDelete(ctx context.Context, t *testing.T, s Storage) {
	want := testRecord{
		Name:    "hello world",
		Count:   3,
		Tags:    []string{"a", "b"},
		Created: time.Now().UTC().Truncate(time.Second),
	}

	if _, err := s.Put(ctx, "testSetGetDelete", "setget", 0, &want); err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}

	got := testRecord{}
	if _, err := s.Get(ctx, "testSetGetDelete", "setget", &got); err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}
	if got.Name != want.Name || got.Count != want.Count || len(got.Tags) != 2 || !got.Created.Equal(want.Created) {
		t.Errorf("want: %+v got: %+v", want, got)
	}

	if err := s.Delete(ctx, "testSetGetDelete", "setget"); err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}

	_, err := s.Get(ctx, "testSetGetDelete", "setget", &got)
	if !IsNotFoundErr(err) {
		t.Fatalf("Want: NotFoundError, got %v", err)
	}
}

func testVersioning(ctx context.Context, t *testing.T, s Storage) {
	_, err := s.Put(ctx, "testVersioning", "vers", 0, &testRecord{Name: "version1"})
	if err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}

	msg := new(testRecord)
	vers, err := s.Get(ctx, "testVersioning", "vers", msg)
	if err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}

	_, err = s.Put(ctx, "testVersioning", "vers", vers+10, &testRecord{Name: "version2"})
	if !IsConflictErr(err) {
		t.Errorf("Want: conflict error, got %v", err)
	}

	_, err = s.Put(ctx, "testVersioning", "vers", vers, &testRecord{Name: "version2"})
	if err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}

	_, err = s.Get(ctx, "testVersioning", "vers", msg)
	if err != nil {
		t.Fatalf("Want: no error, got %v", err)
	} else if msg.Name != "version2" {
		t.Fatalf("Want: %s, got %s", "version2", msg.Name)
	}
}

func testExpiry(ctx context.Context, t *testing.T, s Storage) {
	_, err := s.PutWithExpiry(ctx, "testExpiry", "live", 0, &testRecord{}, time.Now().Add(1*time.Hour))
	if err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}
	_, err = s.PutWithExpiry(ctx, "testExpiry", "dead", 0, &testRecord{}, time.Now().Add(-1*time.Second))
	if err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}

	if _, err := s.Get(ctx, "testExpiry", "live", new(testRecord)); err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}

	if _, err := s.Get(ctx, "testExpiry", "dead", new(testRecord)); !IsNotFoundErr(err) {
		t.Errorf("Want: not found error, got %v", err)
	}

	if err := s.Take(ctx, "testExpiry", "dead", new(testRecord)); !IsNotFoundErr(err) {
		t.Errorf("Want: not found error taking expired item, got %v", err)
	}

	keys, err := s.List(ctx, "testExpiry")
	if err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}
	if len(keys) != 1 || keys[0] != "live" {
		t.Errorf("Want: only the live key listed, got %v", keys)
	}

	// an expired item doesn't block a fresh put with version 0
	if _, err := s.Put(ctx, "testExpiry", "dead", 0, &testRecord{}); err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}
}

func testList(ctx context.Context, t *testing.T, s Storage) {
	for i := 0; i < 10; i++ {
		if _, err := s.Put(ctx, "testList", fmt.Sprintf("item-%d", i), 0, &testRecord{Count: i}); err != nil {
			t.Fatal(err)
		}
	}

	keys, err := s.List(ctx, "testList")
	if err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}

	if len(keys) != 10 {
		t.Errorf("Want: 10 keys, got %d", len(keys))
	}

	keys, err = s.List(ctx, "testListEmpty")
	if err != nil {
		t.Fatalf("Want: no error listing empty keyspace, got %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("Want: no keys, got %v", keys)
	}
}

func testDeleteMissing(ctx context.Context, t *testing.T, s Storage) {
	if err := s.Delete(ctx, "testDeleteMissing", "item"); !IsNotFoundErr(err) {
		t.Fatalf("Want: not found error, got %v", err)
	}
}

func testTake(ctx context.Context, t *testing.T, s Storage) {
	if _, err := s.PutWithExpiry(ctx, "testTake", "once", 0, &testRecord{Name: "once"}, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}

	got := testRecord{}
	if err := s.Take(ctx, "testTake", "once", &got); err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}
	if got.Name != "once" {
		t.Errorf("Want: name once, got %q", got.Name)
	}

	if err := s.Take(ctx, "testTake", "once", &got); !IsNotFoundErr(err) {
		t.Errorf("Want: not found on second take, got %v", err)
	}

	if _, err := s.Get(ctx, "testTake", "once", &got); !IsNotFoundErr(err) {
		t.Errorf("Want: not found on get after take, got %v", err)
	}
}

func testConcurrentTake(ctx context.Context, t *testing.T, s Storage) {
	const takers = 8

	if _, err := s.Put(ctx, "testConcurrentTake", "contended", 0, &testRecord{Name: "contended"}); err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		failures []error
	)
	start := make(chan struct{})
	for i := 0; i < takers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := s.Take(ctx, "testConcurrentTake", "contended", new(testRecord))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case !IsNotFoundErr(err):
				failures = append(failures, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if len(failures) > 0 {
		t.Fatalf("Want: only not found errors from losing takers, got %v", failures)
	}
	if wins != 1 {
		t.Errorf("Want: exactly one successful take, got %d", wins)
	}
}

func testGarbageCollect(ctx context.Context, t *testing.T, s Storage, c Collector) {
	if _, err := s.PutWithExpiry(ctx, "testGarbageCollect", "old", 0, &testRecord{}, time.Now().Add(-1*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.PutWithExpiry(ctx, "testGarbageCollect", "new", 0, &testRecord{}, time.Now().Add(1*time.Hour)); err != nil {
		t.Fatal(err)
	}

	removed, err := c.GarbageCollect(ctx, time.Now())
	if err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}
	if removed < 1 {
		t.Errorf("Want: at least one removed item, got %d", removed)
	}

	if _, err := s.Get(ctx, "testGarbageCollect", "new", new(testRecord)); err != nil {
		t.Errorf("Want: unexpired item to survive collection, got %v", err)
	}
}
