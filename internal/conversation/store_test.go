package conversation

import (
	"sync"
	"testing"
	"time"
)

func newTestStore(ttl time.Duration) (*Store, *time.Time) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := NewStore(ttl)
	s.now = func() time.Time { return now }
	return s, &now
}

func TestStoreSetGetDelete(t *testing.T) {
	s, _ := newTestStore(time.Minute)

	if got := s.Get(1); got != Idle {
		t.Fatalf("unknown user state %s, want idle", got)
	}
	s.Set(1, AwaitingAddDomain)
	if got := s.Get(1); got != AwaitingAddDomain {
		t.Fatalf("state %s", got)
	}
	// A new flow overwrites rather than stacks.
	s.Set(1, AwaitingRebootConfirm)
	if got := s.Get(1); got != AwaitingRebootConfirm {
		t.Fatalf("state %s", got)
	}
	if s.Len() != 1 {
		t.Fatalf("len %d", s.Len())
	}
	s.Delete(1)
	if _, ok := s.Lookup(1); ok {
		t.Fatal("session still present after delete")
	}
}

func TestStoreSetIdleRemovesEntry(t *testing.T) {
	s, _ := newTestStore(time.Minute)
	s.Set(7, AwaitingDeleteDomain)
	s.Set(7, Idle)
	if s.Len() != 0 {
		t.Fatalf("idle user kept an entry")
	}
}

func TestStoreExpiry(t *testing.T) {
	s, now := newTestStore(10 * time.Minute)
	s.Set(1, AwaitingAddDomain)
	s.Set(2, AwaitingDeleteDomain)

	*now = now.Add(5 * time.Minute)
	s.Set(3, AwaitingRebootConfirm)

	*now = now.Add(6 * time.Minute)
	if got := s.Get(1); got != Idle {
		t.Errorf("expired session read as %s", got)
	}
	if _, ok := s.Lookup(1); ok {
		t.Error("expired session not removed by Get")
	}

	if n := s.Sweep(); n != 1 {
		t.Errorf("Sweep removed %d, want 1", n)
	}
	if got := s.Get(3); got != AwaitingRebootConfirm {
		t.Errorf("fresh session lost: %s", got)
	}
}

func TestStoreZeroTTLNeverExpires(t *testing.T) {
	s, now := newTestStore(0)
	s.Set(1, AwaitingAddDomain)
	*now = now.Add(24 * time.Hour)
	if n := s.Sweep(); n != 0 {
		t.Errorf("Sweep removed %d with TTL disabled", n)
	}
	if got := s.Get(1); got != AwaitingAddDomain {
		t.Errorf("state %s", got)
	}
}

func TestStoreConcurrentAccess(t *testing.T) {
	s := NewStore(time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.Set(id, AwaitingAddDomain)
				s.Get(id)
				s.Sweep()
				s.Delete(id)
			}
		}(int64(i))
	}
	wg.Wait()
	if s.Len() != 0 {
		t.Fatalf("len %d after all deletes", s.Len())
	}
}
