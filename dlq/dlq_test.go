package dlq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rbaliyan/pubsub"
)

func newTestEntry(name string, reason string) *Entry {
	ev := &pubsub.OutboxEvent{
		ID:                 42,
		EventID:            pubsub.NewID(),
		EventName:          name,
		DomainModelVersion: pubsub.NewVersion(1, 0, 3),
		JSONPayload:        []byte(`{"id":"order-1"}`),
		RetryCount:         3,
		CreatedAt:          time.Now().UTC().Add(-time.Minute),
	}
	return NewEntry("orders", ev, errors.New(reason))
}

func TestNewEntry(t *testing.T) {
	e := newTestEntry("order.created", "processing failed")
	if e.ID == "" {
		t.Error("expected generated ID")
	}
	if e.Reason != "processing failed" {
		t.Errorf("expected reason, got %s", e.Reason)
	}
	if e.RetryCount != 3 {
		t.Errorf("expected retry count 3, got %d", e.RetryCount)
	}
	if e.DeadLetteredAt.IsZero() {
		t.Error("expected dead-lettered time")
	}
}

func TestFilterMatches(t *testing.T) {
	e := newTestEntry("order.created", "listener timeout")
	now := time.Now()
	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty", Filter{}, true},
		{"event name", Filter{EventName: "order.created"}, true},
		{"other event", Filter{EventName: "order.paid"}, false},
		{"start before", Filter{StartTime: now.Add(-time.Hour)}, true},
		{"start after", Filter{StartTime: now.Add(time.Hour)}, false},
		{"end before", Filter{EndTime: now.Add(-time.Hour)}, false},
		{"reason", Filter{Reason: "timeout"}, true},
		{"other reason", Filter{Reason: "malformed"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(e); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()

	t.Run("Add and Get", func(t *testing.T) {
		store := NewMemoryStore()
		entry := newTestEntry("order.created", "processing failed")

		if err := store.Add(ctx, entry); err != nil {
			t.Fatalf("Add failed: %v", err)
		}

		retrieved, err := store.Get(ctx, entry.ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if diff := cmp.Diff(entry, retrieved); diff != "" {
			t.Errorf("entry mismatch (-want +got):\n%s", diff)
		}

		retrieved.Event.JSONPayload[0] = 'x'
		again, _ := store.Get(ctx, entry.ID)
		if string(again.Event.JSONPayload) != `{"id":"order-1"}` {
			t.Error("store must return copies")
		}
	})

	t.Run("Get non-existent returns error", func(t *testing.T) {
		store := NewMemoryStore()
		if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("List oldest first with filter and pagination", func(t *testing.T) {
		store := NewMemoryStore()
		var ids []string
		for i := 0; i < 5; i++ {
			name := "order.created"
			if i%2 == 1 {
				name = "order.paid"
			}
			e := newTestEntry(name, fmt.Sprintf("failure %d", i))
			ids = append(ids, e.ID)
			_ = store.Add(ctx, e)
		}

		all, err := store.List(ctx, Filter{})
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(all) != 5 {
			t.Fatalf("expected 5 entries, got %d", len(all))
		}
		for i, e := range all {
			if e.ID != ids[i] {
				t.Errorf("expected entry %d to be %s, got %s", i, ids[i], e.ID)
			}
		}

		created, _ := store.List(ctx, Filter{EventName: "order.created"})
		if len(created) != 3 {
			t.Errorf("expected 3 order.created entries, got %d", len(created))
		}

		page, _ := store.List(ctx, Filter{Offset: 1, Limit: 2})
		if len(page) != 2 || page[0].ID != ids[1] || page[1].ID != ids[2] {
			t.Errorf("unexpected page: %v", page)
		}

		if empty, _ := store.List(ctx, Filter{Offset: 10}); len(empty) != 0 {
			t.Errorf("expected empty page, got %d", len(empty))
		}

		n, _ := store.Count(ctx, Filter{EventName: "order.paid", Limit: 1})
		if n != 2 {
			t.Errorf("expected count 2, got %d", n)
		}
	})

	t.Run("DeleteOlderThan", func(t *testing.T) {
		store := NewMemoryStore()
		old := newTestEntry("a", "x")
		old.DeadLetteredAt = time.Now().Add(-48 * time.Hour)
		_ = store.Add(ctx, old)
		_ = store.Add(ctx, newTestEntry("b", "y"))

		deleted, err := store.DeleteOlderThan(ctx, 24*time.Hour)
		if err != nil {
			t.Fatalf("DeleteOlderThan failed: %v", err)
		}
		if deleted != 1 {
			t.Errorf("expected 1 deleted, got %d", deleted)
		}
		if store.Len() != 1 {
			t.Errorf("expected 1 remaining, got %d", store.Len())
		}
	})

	t.Run("Concurrent access", func(t *testing.T) {
		store := NewMemoryStore()
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = store.Add(ctx, newTestEntry("e", "r"))
				_, _ = store.List(ctx, Filter{})
			}()
		}
		wg.Wait()
		if store.Len() != 50 {
			t.Errorf("expected 50 entries, got %d", store.Len())
		}
	})
}
