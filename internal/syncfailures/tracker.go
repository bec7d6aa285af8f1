// Package syncfailures counts consecutive sync failures per (wallet, secondary) pair.
// Counters live in memory only and start at zero after a restart.
package syncfailures

import (
	"strings"
	"sync"
	"sync/atomic"
)

const keySeparator = "|"

// Key builds the tracker key for a wallet and a secondary endpoint.
func Key(wallet, secondaryEndpoint string) string {
	return strings.ToLower(strings.TrimSpace(wallet)) + keySeparator + strings.TrimRight(strings.TrimSpace(secondaryEndpoint), "/")
}

// Tracker holds one atomic counter per key. Operations on different keys never block
// each other and increments on one key never lose updates.
type Tracker struct {
	counters sync.Map
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// RecordFailure increments the key's counter and returns the new value.
func (tracker *Tracker) RecordFailure(key string) int64 {
	return tracker.counter(key).Add(1)
}

// RecordSuccess clears the key's counter.
func (tracker *Tracker) RecordSuccess(key string) {
	tracker.Reset(key)
}

// FailureCount returns the key's current count, 0 when never recorded.
func (tracker *Tracker) FailureCount(key string) int64 {
	value, ok := tracker.counters.Load(key)
	if !ok {
		return 0
	}
	return value.(*atomic.Int64).Load()
}

// Reset zeroes the key's counter in place. The counter stays in the map so an increment
// racing with the reset lands on the same counter and is never dropped.
func (tracker *Tracker) Reset(key string) {
	if value, ok := tracker.counters.Load(key); ok {
		value.(*atomic.Int64).Store(0)
	}
}

// Snapshot copies every non-zero counter.
func (tracker *Tracker) Snapshot() map[string]int64 {
	snapshot := map[string]int64{}
	tracker.counters.Range(func(key, value any) bool {
		if count := value.(*atomic.Int64).Load(); count > 0 {
			snapshot[key.(string)] = count
		}
		return true
	})
	return snapshot
}

func (tracker *Tracker) counter(key string) *atomic.Int64 {
	if value, ok := tracker.counters.Load(key); ok {
		return value.(*atomic.Int64)
	}
	value, _ := tracker.counters.LoadOrStore(key, new(atomic.Int64))
	return value.(*atomic.Int64)
}
