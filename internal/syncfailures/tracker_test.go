package syncfailures

import (
	"sync"
	"testing"
)

func TestRecordFailureCountsAndSuccessResets(t *testing.T) {
	tracker := NewTracker()
	key := Key("0xAA", "http://secondary-1/")

	for expected := int64(1); expected <= 3; expected++ {
		if count := tracker.RecordFailure(key); count != expected {
			t.Fatalf("expected count %d, got %d", expected, count)
		}
	}
	if count := tracker.FailureCount(key); count != 3 {
		t.Fatalf("expected failure count 3, got %d", count)
	}

	tracker.RecordSuccess(key)
	if count := tracker.FailureCount(key); count != 0 {
		t.Fatalf("expected reset after success, got %d", count)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	tracker := NewTracker()
	first := Key("0xaa", "http://secondary-1")
	second := Key("0xaa", "http://secondary-2")

	tracker.RecordFailure(first)
	tracker.RecordFailure(first)
	tracker.RecordFailure(second)
	tracker.Reset(first)

	if count := tracker.FailureCount(first); count != 0 {
		t.Fatalf("expected first key reset, got %d", count)
	}
	if count := tracker.FailureCount(second); count != 1 {
		t.Fatalf("expected second key untouched, got %d", count)
	}
	if snapshot := tracker.Snapshot(); len(snapshot) != 1 || snapshot[second] != 1 {
		t.Fatalf("unexpected snapshot %v", snapshot)
	}
}

func TestKeyNormalizesWalletAndEndpoint(t *testing.T) {
	if Key(" 0xAB ", "http://node/") != Key("0xab", "http://node") {
		t.Fatalf("expected normalized keys to match")
	}
}

func TestConcurrentFailuresAreNotLost(t *testing.T) {
	tracker := NewTracker()
	key := Key("0xaa", "http://secondary-1")
	const workers = 16
	const perWorker = 250

	var wg sync.WaitGroup
	for worker := 0; worker < workers; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := 0; index < perWorker; index++ {
				tracker.RecordFailure(key)
			}
		}()
	}
	wg.Wait()

	if count := tracker.FailureCount(key); count != workers*perWorker {
		t.Fatalf("expected %d failures, got %d", workers*perWorker, count)
	}
}

func TestResetKeepsCounterForInFlightIncrements(t *testing.T) {
	tracker := NewTracker()
	key := Key("0xaa", "http://secondary-1")
	tracker.RecordFailure(key)
	tracker.RecordFailure(key)

	// An increment that loaded the counter before the reset must still be counted after it.
	inFlight := tracker.counter(key)
	tracker.Reset(key)
	inFlight.Add(1)

	if count := tracker.FailureCount(key); count != 1 {
		t.Fatalf("expected the in-flight increment to survive the reset, got %d", count)
	}
	if next := tracker.RecordFailure(key); next != 2 {
		t.Fatalf("expected the counter to continue from the in-flight increment, got %d", next)
	}
}

func TestResetOfUnknownKeyStaysEmpty(t *testing.T) {
	tracker := NewTracker()
	tracker.Reset(Key("0xaa", "http://secondary-1"))
	if snapshot := tracker.Snapshot(); len(snapshot) != 0 {
		t.Fatalf("expected empty snapshot, got %v", snapshot)
	}
}
