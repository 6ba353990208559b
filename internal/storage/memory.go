package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an ObjectStore kept in process memory. It backs tests and
// local runs without a bucket. Hooks allow tests to inject failures.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte

	// FailGet, FailPut and FailDelete, when set, are consulted before the
	// operation; a non-nil return aborts it with that error.
	FailGet    func(key string) error
	FailPut    func(key string) error
	FailDelete func(key string) error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (s *MemoryStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.FailPut != nil {
		if err := s.FailPut(key); err != nil {
			return err
		}
	}
	buf := make([]byte, len(data))
	copy(buf, data)

	s.mu.Lock()
	s.objects[key] = buf
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) PutIfAbsent(ctx context.Context, key string, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.FailPut != nil {
		if err := s.FailPut(key); err != nil {
			return err
		}
	}
	buf := make([]byte, len(data))
	copy(buf, data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; ok {
		return fmt.Errorf("put %s: %w", key, ErrPreconditionFailed)
	}
	s.objects[key] = buf
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.FailGet != nil {
		if err := s.FailGet(key); err != nil {
			return nil, err
		}
	}

	s.mu.RLock()
	data, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("get %s: %w", key, ErrNotFound)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return buf, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.FailDelete != nil {
		if err := s.FailDelete(key); err != nil {
			return err
		}
	}

	s.mu.Lock()
	delete(s.objects, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	var out []ObjectInfo
	for key, data := range s.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, ObjectInfo{Key: key, Size: int64(len(data))})
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Keys returns every stored key under prefix, sorted.
func (s *MemoryStore) Keys(prefix string) []string {
	infos, _ := s.List(context.Background(), prefix)
	keys := make([]string, 0, len(infos))
	for _, info := range infos {
		keys = append(keys, info.Key)
	}
	return keys
}
