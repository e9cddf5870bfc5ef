package lending

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// KeyedMutex is a lock table: one mutual-exclusion slot per key, created on
// demand and dropped when nobody holds or waits for it. Operations on
// different keys never contend.
type KeyedMutex[K comparable] struct {
	mu    sync.Mutex
	slots map[K]*slot
}

type slot struct {
	sem  *semaphore.Weighted
	refs int
}

func NewKeyedMutex[K comparable]() *KeyedMutex[K] {
	return &KeyedMutex[K]{slots: make(map[K]*slot)}
}

// Lock blocks until key is free or ctx is done. On success the returned
// func releases the key and must be called exactly once.
func (km *KeyedMutex[K]) Lock(ctx context.Context, key K) (func(), error) {
	km.mu.Lock()
	s, ok := km.slots[key]
	if !ok {
		s = &slot{sem: semaphore.NewWeighted(1)}
		km.slots[key] = s
	}
	s.refs++
	km.mu.Unlock()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		km.release(key, s, false)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() { km.release(key, s, true) })
	}, nil
}

func (km *KeyedMutex[K]) release(key K, s *slot, held bool) {
	if held {
		s.sem.Release(1)
	}
	km.mu.Lock()
	s.refs--
	if s.refs == 0 {
		delete(km.slots, key)
	}
	km.mu.Unlock()
}

// Len reports how many keys are currently held or awaited.
func (km *KeyedMutex[K]) Len() int {
	km.mu.Lock()
	defer km.mu.Unlock()
	return len(km.slots)
}
