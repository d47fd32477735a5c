package streamcache

import (
	"sync"
	"testing"
)

func TestStreamFreshnessAfterSingleUpdate(t *testing.T) {
	c := New()
	key := Key{Container: "web", Session: "main"}

	c.Register(key)
	c.Update(key, Snapshot{Buffer: "hello", CursorX: 5, CursorY: 0, PaneWidth: 80, PaneHeight: 24})

	got, ok := c.Get(key)
	if !ok {
		t.Fatalf("expected snapshot to exist")
	}
	if got.Buffer != "hello" || got.CursorX != 5 || got.PaneWidth != 80 {
		t.Fatalf("got %+v", got)
	}
}

func TestUpdateNeverMergesAlwaysSupersedes(t *testing.T) {
	c := New()
	key := Key{Container: "web", Session: "main"}

	c.Update(key, Snapshot{Buffer: "first", CursorX: 1})
	c.Update(key, Snapshot{Buffer: "second"})

	got, _ := c.Get(key)
	if got.Buffer != "second" || got.CursorX != 0 {
		t.Fatalf("expected second snapshot to fully replace the first, got %+v", got)
	}
}

func TestSubscriberReceivesUpdateAfterRegisterThenData(t *testing.T) {
	c := New()
	key := Key{Container: "web", Session: "main"}

	var mu sync.Mutex
	var got Snapshot
	calls := 0
	unsub := c.Subscribe(key, SubscriberFunc(func(k Key, snap Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		got = snap
		calls++
	}))
	defer unsub()

	c.Register(key)
	c.Update(key, Snapshot{Buffer: "hello"})

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected exactly one delivery, got %d", calls)
	}
	if got.Buffer != "hello" {
		t.Fatalf("got buffer %q, want hello", got.Buffer)
	}
}

func TestSubscribeUnsubscribeRoundTrip(t *testing.T) {
	c := New()
	key := Key{Container: "web", Session: "main"}

	sub := SubscriberFunc(func(Key, Snapshot) {})
	unsub := c.Subscribe(key, sub)
	if len(c.subs[key]) != 1 {
		t.Fatalf("expected one subscriber registered")
	}
	unsub()
	if _, exists := c.subs[key]; exists {
		t.Fatalf("expected subscriber map entry removed after unsubscribe")
	}
}

func TestSubscriberPanicDoesNotBlockOthers(t *testing.T) {
	c := New()
	key := Key{Container: "web", Session: "main"}

	var mu sync.Mutex
	otherCalled := false

	c.Subscribe(key, SubscriberFunc(func(Key, Snapshot) {
		panic("boom")
	}))
	c.Subscribe(key, SubscriberFunc(func(Key, Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		otherCalled = true
	}))

	c.Update(key, Snapshot{Buffer: "x"})

	mu.Lock()
	defer mu.Unlock()
	if !otherCalled {
		t.Fatalf("expected the second subscriber to still be invoked despite the first panicking")
	}
}

func TestKeysListsEveryRegisteredSession(t *testing.T) {
	c := New()
	c.Update(Key{Container: "web", Session: "main"}, Snapshot{Buffer: "a"})
	c.Update(Key{Container: "web", Session: "logs"}, Snapshot{Buffer: "b"})

	keys := c.Keys()
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %v", keys)
	}
}

func TestPurgeContainerRemovesAllSessionsAndSubscribers(t *testing.T) {
	c := New()
	k1 := Key{Container: "web", Session: "main"}
	k2 := Key{Container: "web", Session: "logs"}
	other := Key{Container: "api", Session: "main"}

	c.Update(k1, Snapshot{Buffer: "a"})
	c.Update(k2, Snapshot{Buffer: "b"})
	c.Update(other, Snapshot{Buffer: "c"})
	c.Subscribe(k1, SubscriberFunc(func(Key, Snapshot) {}))
	c.Subscribe(k2, SubscriberFunc(func(Key, Snapshot) {}))

	c.PurgeContainer("web")

	if _, ok := c.Get(k1); ok {
		t.Fatalf("expected web/main purged")
	}
	if _, ok := c.Get(k2); ok {
		t.Fatalf("expected web/logs purged")
	}
	if _, ok := c.Get(other); !ok {
		t.Fatalf("expected api/main to survive purging web")
	}
	if len(c.subs[k1]) != 0 || len(c.subs[k2]) != 0 {
		t.Fatalf("expected web subscribers purged")
	}
}
