// Package lock provides keyed locking for session state and decision writes.
// A session key is held exclusively by phase transitions and shared by decision
// writes, which in turn serialize on their own (session, user, round) key.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrLockTimeout is returned when a key stays held past the caller's timeout.
var ErrLockTimeout = errors.New("timed out waiting for lock")

// keyMutex wraps a read-write mutex with reference counting for cleanup. A mutex
// whose count drops to zero is retired and removed from the map.
type keyMutex struct {
	mu       sync.RWMutex
	refCount int
	retired  bool
	refMu    sync.Mutex
}

func (m *keyMutex) acquire() bool {
	m.refMu.Lock()
	defer m.refMu.Unlock()
	if m.retired {
		return false
	}
	m.refCount++
	return true
}

// KeyLock provides independent locks per string key.
type KeyLock struct {
	locks sync.Map // map[string]*keyMutex
}

// NewKeyLock creates a new KeyLock instance.
func NewKeyLock() *KeyLock {
	return &KeyLock{}
}

// SessionKey is the lock key guarding a session's phase and version.
func SessionKey(sessionID string) string {
	return "session:" + sessionID
}

// DecisionKey is the lock key guarding one participant's entry for one round.
func DecisionKey(sessionID, userID string, round int) string {
	return fmt.Sprintf("decision:%s:%s:%d", sessionID, userID, round)
}

// getLock returns the mutex for key with a reference taken on it.
func (kl *KeyLock) getLock(key string) *keyMutex {
	for {
		v, ok := kl.locks.Load(key)
		if !ok {
			v, _ = kl.locks.LoadOrStore(key, &keyMutex{})
		}
		m := v.(*keyMutex)
		if m.acquire() {
			return m
		}
		// Retired between Load and acquire; its entry is already gone.
	}
}

// release drops a reference and removes the entry once nobody holds or waits on it.
func (kl *KeyLock) release(key string, m *keyMutex) {
	m.refMu.Lock()
	defer m.refMu.Unlock()
	m.refCount--
	if m.refCount == 0 {
		m.retired = true
		kl.locks.CompareAndDelete(key, m)
	}
}

// Lock acquires the exclusive lock for key.
func (kl *KeyLock) Lock(key string) {
	kl.getLock(key).mu.Lock()
}

// Unlock releases the exclusive lock for key.
func (kl *KeyLock) Unlock(key string) {
	if v, ok := kl.locks.Load(key); ok {
		m := v.(*keyMutex)
		m.mu.Unlock()
		kl.release(key, m)
	}
}

// RLock acquires the shared lock for key.
func (kl *KeyLock) RLock(key string) {
	kl.getLock(key).mu.RLock()
}

// RUnlock releases the shared lock for key.
func (kl *KeyLock) RUnlock(key string) {
	if v, ok := kl.locks.Load(key); ok {
		m := v.(*keyMutex)
		m.mu.RUnlock()
		kl.release(key, m)
	}
}

// LockWithTimeout attempts to acquire the exclusive lock before timeout or ctx expires.
func (kl *KeyLock) LockWithTimeout(ctx context.Context, key string, timeout time.Duration) bool {
	m := kl.getLock(key)

	done := make(chan struct{})
	go func() {
		m.mu.Lock()
		close(done)
	}()

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case <-done:
		return true
	case <-timeoutCtx.Done():
		// The waiter still acquires eventually; hand the lock straight back.
		go func() {
			<-done
			m.mu.Unlock()
			kl.release(key, m)
		}()
		return false
	}
}

// WithLockContext executes fn while holding the exclusive lock, giving up after timeout.
func (kl *KeyLock) WithLockContext(ctx context.Context, key string, timeout time.Duration, fn func() error) error {
	if !kl.LockWithTimeout(ctx, key, timeout) {
		return ErrLockTimeout
	}
	defer kl.Unlock(key)

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}
