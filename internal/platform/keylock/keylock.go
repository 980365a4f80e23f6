// Package keylock provides named advisory locks. Every mutating sequence that
// spans more than one store operation runs under the smallest sufficient key:
// "tx-<id>" for scan init / attestation publish / reward send,
// "voucher-<code>" for voucher mutations, the device identity for address
// assignment, and the singleton "donations" key for the donation batcher.
//
// Locks are mutual-exclusion and non-reentrant. Callers must release on every
// exit path; Do wraps that discipline in a closure.
package keylock

import "sync"

// Map is a set of named mutexes. Idle entries are reclaimed when their last
// holder releases, so the map stays bounded by the number of in-flight keys.
type Map struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu      sync.Mutex
	waiters int
}

func New() *Map {
	return &Map{locks: make(map[string]*entry)}
}

// Lock acquires the named lock, blocking until it is free.
func (m *Map) Lock(key string) {
	m.mu.Lock()
	e, ok := m.locks[key]
	if !ok {
		e = &entry{}
		m.locks[key] = e
	}
	e.waiters++
	m.mu.Unlock()

	e.mu.Lock()
}

// Unlock releases the named lock. Unlocking a key that is not held panics,
// same as sync.Mutex.
func (m *Map) Unlock(key string) {
	m.mu.Lock()
	e, ok := m.locks[key]
	if !ok {
		m.mu.Unlock()
		panic("keylock: unlock of unheld key " + key)
	}
	e.waiters--
	if e.waiters == 0 {
		delete(m.locks, key)
	}
	m.mu.Unlock()

	e.mu.Unlock()
}

// Do runs fn while holding the named lock. The lock is released on every
// exit path, including panics.
func (m *Map) Do(key string, fn func() error) error {
	m.Lock(key)
	defer m.Unlock(key)
	return fn()
}
