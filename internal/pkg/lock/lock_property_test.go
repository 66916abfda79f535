package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// tryLock reports whether key can be taken exclusively within a short wait.
func tryLock(kl *KeyLock, key string, wait time.Duration) bool {
	return kl.LockWithTimeout(context.Background(), key, wait)
}

func entries(kl *KeyLock) int {
	n := 0
	kl.locks.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// TestConcurrentWritesSerializedProperty checks that exclusive holders of one key
// never interleave their read-modify-write sequences.
func TestConcurrentWritesSerializedProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		numOps := rapid.IntRange(2, 20).Draw(t, "numOps")
		amounts := make([]int64, numOps)
		var expected int64
		for i := range amounts {
			amounts[i] = rapid.Int64Range(-500, 500).Draw(t, "amount")
			expected += amounts[i]
		}
		key := SessionKey(rapid.StringMatching(`[a-z0-9]{1,12}`).Draw(t, "sessionID"))

		kl := NewKeyLock()
		var total int64

		var wg sync.WaitGroup
		wg.Add(numOps)
		for _, amount := range amounts {
			go func(amount int64) {
				defer wg.Done()
				kl.Lock(key)
				defer kl.Unlock(key)
				total += amount
			}(amount)
		}
		wg.Wait()

		if total != expected {
			t.Fatalf("total mismatch with locking: expected %d, got %d", expected, total)
		}
	})
}

// TestDistinctDecisionKeysIndependentProperty checks that holding one participant's
// decision key never blocks another participant's key in the same round.
func TestDistinctDecisionKeysIndependentProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		numUsers := rapid.IntRange(2, 10).Draw(t, "numUsers")
		round := rapid.IntRange(1, 50).Draw(t, "round")

		kl := NewKeyLock()
		held := DecisionKey("s1", "user-0", round)
		kl.Lock(held)
		defer kl.Unlock(held)

		for i := 1; i < numUsers; i++ {
			key := DecisionKey("s1", "user-"+string(rune('a'+i)), round)
			if !tryLock(kl, key, time.Second) {
				t.Fatalf("key %s blocked by unrelated holder", key)
			}
			kl.Unlock(key)
		}
	})
}

// TestSharedHoldersBlockExclusiveProperty checks that readers of a session key run
// together while excluding a writer.
func TestSharedHoldersBlockExclusiveProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		readers := rapid.IntRange(1, 10).Draw(t, "readers")
		key := SessionKey("shared")
		kl := NewKeyLock()

		for i := 0; i < readers; i++ {
			kl.RLock(key)
		}
		if tryLock(kl, key, 10*time.Millisecond) {
			t.Fatal("exclusive lock acquired while shared holders remain")
		}
		for i := 0; i < readers; i++ {
			kl.RUnlock(key)
		}
		if !tryLock(kl, key, time.Second) {
			t.Fatal("exclusive lock should be available after readers release")
		}
		kl.Unlock(key)
	})
}

// TestEntriesReleasedProperty checks that once every holder of every key has
// released, no per-key state is left behind.
func TestEntriesReleasedProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		numKeys := rapid.IntRange(1, 8).Draw(t, "numKeys")
		holders := rapid.IntRange(1, 16).Draw(t, "holders")
		kl := NewKeyLock()

		var wg sync.WaitGroup
		wg.Add(holders)
		for i := 0; i < holders; i++ {
			key := SessionKey(string(rune('a' + rapid.IntRange(0, numKeys-1).Draw(t, "key"))))
			shared := rapid.Bool().Draw(t, "shared")
			go func() {
				defer wg.Done()
				if shared {
					kl.RLock(key)
					kl.RUnlock(key)
					return
				}
				kl.Lock(key)
				kl.Unlock(key)
			}()
		}
		wg.Wait()

		if n := entries(kl); n != 0 {
			t.Fatalf("%d lock entries left after all holders released", n)
		}
	})
}

func TestDecisionKeysCleanedUp(t *testing.T) {
	kl := NewKeyLock()

	var wg sync.WaitGroup
	for i := 0; i < 1000; i++ {
		key := DecisionKey("s1", "user", i+1)
		kl.Lock(key)
		assert.Equal(t, 1, entries(kl))
		kl.Unlock(key)

		wg.Add(1)
		go func() {
			defer wg.Done()
			kl.RLock(key)
			kl.RUnlock(key)
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, entries(kl))
}

func TestTimedOutWaiterReleasesEntry(t *testing.T) {
	kl := NewKeyLock()
	key := SessionKey("slow")
	kl.Lock(key)

	require.False(t, tryLock(kl, key, 10*time.Millisecond))
	kl.Unlock(key)

	assert.Eventually(t, func() bool { return entries(kl) == 0 }, time.Second, 5*time.Millisecond)
}

func TestLockWithTimeout(t *testing.T) {
	kl := NewKeyLock()
	key := SessionKey("slow")
	kl.Lock(key)

	err := kl.WithLockContext(context.Background(), key, 20*time.Millisecond, func() error { return nil })
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	kl.Unlock(key)

	called := false
	err = kl.WithLockContext(context.Background(), key, time.Second, func() error {
		called = true
		return nil
	})
	if err != nil || !called {
		t.Fatalf("expected lock to be acquired after release, err=%v called=%v", err, called)
	}
}
