package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestMemoryStorePutIfAbsent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	const writers = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.PutIfAbsent(ctx, "idempotency/f00d.json", []byte{byte(i)}, "application/json")
			switch {
			case err == nil:
				mu.Lock()
				accepted++
				mu.Unlock()
			case !errors.Is(err, ErrPreconditionFailed):
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if accepted != 1 {
		t.Fatalf("accepted %d writes, want 1", accepted)
	}
	if err := s.Put(ctx, "idempotency/f00d.json", []byte("x"), "application/json"); err != nil {
		t.Fatalf("plain Put must still overwrite: %v", err)
	}
}

func TestMemoryStorePutIfAbsentHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewMemoryStore()
	if err := s.PutIfAbsent(ctx, "k", []byte("v"), ""); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if keys := s.Keys(""); len(keys) != 0 {
		t.Fatalf("nothing should be stored, got %v", keys)
	}
}
