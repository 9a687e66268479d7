package status

import (
	"sync"
	"testing"
	"time"
)

func TestBus_SubscriberGetsCurrentSnapshotImmediately(t *testing.T) {
	bus := NewBus()
	bus.Publish(Snapshot{PendingCount: 7})

	var got []Snapshot
	bus.OnChange(func(s Snapshot) { got = append(got, s) })

	if len(got) != 1 {
		t.Fatalf("expected immediate callback, got %d calls", len(got))
	}
	if got[0].PendingCount != 7 {
		t.Errorf("expected current snapshot, got %+v", got[0])
	}
}

func TestBus_PublishNotifiesAllListeners(t *testing.T) {
	bus := NewBus()

	var a, b int
	bus.OnChange(func(Snapshot) { a++ })
	bus.OnChange(func(Snapshot) { b++ })

	bus.Publish(Snapshot{IsSyncing: true})
	bus.Publish(Snapshot{IsSyncing: false})

	if a != 3 || b != 3 { // 1 immediate + 2 published each
		t.Errorf("expected 3 calls each, got %d and %d", a, b)
	}
	if bus.Current().IsSyncing {
		t.Error("expected last published snapshot as current")
	}
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()

	calls := 0
	unsubscribe := bus.OnChange(func(Snapshot) { calls++ })

	bus.Publish(Snapshot{})
	unsubscribe()
	unsubscribe() // safe to call twice
	bus.Publish(Snapshot{})

	if calls != 2 { // immediate + first publish
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestBus_ListenerMayUnsubscribeDuringCallback(t *testing.T) {
	bus := NewBus()

	var unsubscribe func()
	calls := 0
	unsubscribe = bus.OnChange(func(s Snapshot) {
		calls++
		if s.ErrorCount > 0 {
			unsubscribe()
		}
	})

	bus.Publish(Snapshot{ErrorCount: 1})
	bus.Publish(Snapshot{ErrorCount: 2})

	if calls != 2 { // immediate + first publish; second publish after unsubscribe
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestBus_ConcurrentPublishAndSubscribe(t *testing.T) {
	bus := NewBus()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			bus.Publish(Snapshot{LastSyncAt: time.Now()})
		}()
		go func() {
			defer wg.Done()
			stop := bus.OnChange(func(Snapshot) {})
			stop()
		}()
	}
	wg.Wait()
}
