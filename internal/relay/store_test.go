package relay

import (
	"sort"
	"testing"
)

func TestInMemoryStore_sessions(t *testing.T) {
	store := NewInMemoryStore()

	if _, ok := store.GetSession("s1"); ok {
		t.Error("expected not found for empty store")
	}

	s1 := &Session{ID: "s1"}
	store.SetSession(s1)
	got, ok := store.GetSession("s1")
	if !ok || got != s1 {
		t.Errorf("GetSession: ok=%v, got %p want %p", ok, got, s1)
	}

	replacement := &Session{ID: "s1"}
	store.SetSession(replacement)
	if got, _ := store.GetSession("s1"); got != replacement {
		t.Error("SetSession should replace")
	}

	store.SetSession(&Session{ID: "s2"})
	ids := store.ListSessionIDs()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) != 2 || ids[0] != "s1" || ids[1] != "s2" {
		t.Errorf("ListSessionIDs = %v", ids)
	}

	store.DeleteSession("s1")
	if _, ok := store.GetSession("s1"); ok {
		t.Error("DeleteSession should remove s1")
	}
}

func TestInMemoryStore_queues_and_index(t *testing.T) {
	store := NewInMemoryStore()

	store.SetQueue(&SubscriberQueue{ConsumerID: "drv1", SessionID: "s1"})
	if q, ok := store.GetQueue("drv1"); !ok || q.SessionID != "s1" {
		t.Errorf("GetQueue: ok=%v q=%+v", ok, q)
	}
	if ids := store.ListQueueIDs(); len(ids) != 1 || ids[0] != "drv1" {
		t.Errorf("ListQueueIDs = %v", ids)
	}
	store.DeleteQueue("drv1")
	if _, ok := store.GetQueue("drv1"); ok {
		t.Error("DeleteQueue should remove drv1")
	}

	store.SetIndex(&IndexEntry{ChannelKey: "tourA", SessionID: "s1"})
	if e, ok := store.GetIndex("tourA"); !ok || e.SessionID != "s1" {
		t.Errorf("GetIndex: ok=%v e=%+v", ok, e)
	}
	if keys := store.ListIndexKeys(); len(keys) != 1 || keys[0] != "tourA" {
		t.Errorf("ListIndexKeys = %v", keys)
	}
	store.DeleteIndex("tourA")
	if _, ok := store.GetIndex("tourA"); ok {
		t.Error("DeleteIndex should remove tourA")
	}
}

func TestNewInMemoryRepositoryWithStore(t *testing.T) {
	// The repository writes through to an injected store.
	store := NewInMemoryStore()
	repo := NewInMemoryRepositoryWithStore(store, 4, 4)

	repo.StartSession("s1", "tourA", "adm1", "drv1", newFakeClock().Now())

	if _, ok := store.GetSession("s1"); !ok {
		t.Error("injected store should hold the session")
	}
	if q, ok := store.GetQueue("drv1"); !ok || q.SessionID != "s1" {
		t.Error("injected store should hold the consumer queue")
	}
	if e, ok := store.GetIndex("tourA"); !ok || e.SessionID != "s1" {
		t.Error("injected store should hold the index entry")
	}
}
