package utils

import (
	"fmt"
	"sync"
)

// MutexMap hands out one mutex per key and drops it once nobody holds or waits
// on it. maxSize bounds the number of keys that can be live at once.
type MutexMap[K comparable] struct {
	edit    sync.Mutex
	waiters map[K]int
	mutexes map[K]*sync.Mutex
	maxSize int
}

func NewMutexMap[K comparable](maxSize int) *MutexMap[K] {
	return &MutexMap[K]{
		waiters: make(map[K]int),
		mutexes: make(map[K]*sync.Mutex),
		maxSize: maxSize,
	}
}

func (m *MutexMap[K]) Lock(key K) error {
	m.edit.Lock()

	mu := m.mutexes[key]
	if mu == nil {
		if len(m.mutexes) >= m.maxSize {
			m.edit.Unlock()
			return fmt.Errorf("too many concurrent keys (max %d)", m.maxSize)
		}
		mu = &sync.Mutex{}
		m.mutexes[key] = mu
	}
	m.waiters[key]++
	m.edit.Unlock()

	mu.Lock()
	return nil
}

func (m *MutexMap[K]) Unlock(key K) {
	m.edit.Lock()
	defer m.edit.Unlock()

	mu := m.mutexes[key]
	if mu == nil {
		panic(fmt.Sprintf("unlock of unlocked key %v", key))
	}
	mu.Unlock()

	m.waiters[key]--
	if m.waiters[key] == 0 {
		delete(m.mutexes, key)
		delete(m.waiters, key)
	}
}

func (m *MutexMap[K]) Len() int {
	m.edit.Lock()
	defer m.edit.Unlock()
	return len(m.mutexes)
}
