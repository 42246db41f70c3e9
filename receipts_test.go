package nexa

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"
)

type recordedFlush struct {
	chatID string
	ids    []string
}

// flushRecorder captures batched acknowledgement requests.
type flushRecorder struct {
	mu      sync.Mutex
	flushes []recordedFlush
}

func (r *flushRecorder) send(ctx context.Context, chatID string, ids []string) error {
	sort.Strings(ids)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushes = append(r.flushes, recordedFlush{chatID: chatID, ids: ids})
	return nil
}

func (r *flushRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.flushes)
}

func (r *flushRecorder) last() recordedFlush {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushes[len(r.flushes)-1]
}

func newReceiptFixture(delay time.Duration) (*Cache, *flushRecorder, *ReadReceiptBatcher) {
	cache := NewCache()
	cache.UpsertChat(&Chat{ID: "chat-1"})
	rec := &flushRecorder{}
	b := newReadReceiptBatcher(cache, "me", delay, rec.send, nil)
	return cache, rec, b
}

func TestReceiptsDebounceCollapsesTriggers(t *testing.T) {
	cache, rec, b := newReceiptFixture(40 * time.Millisecond)
	for i, id := range []string{"srv-1", "srv-2", "srv-3"} {
		cache.Prepend(confirmedMsg("chat-1", id, "alice", "m", time.Now().Add(time.Duration(i)*time.Second)))
	}

	b.Mark("chat-1", "srv-1")
	b.Mark("chat-1", "srv-2")
	b.Mark("chat-1", "srv-3")

	if got := b.Pending("chat-1"); got != 3 {
		t.Fatalf("pending = %d, want 3", got)
	}

	waitFor(t, time.Second, func() bool { return rec.count() > 0 })
	if rec.count() != 1 {
		t.Fatalf("got %d flushes, want 1", rec.count())
	}
	got := rec.last()
	want := []string{"srv-1", "srv-2", "srv-3"}
	if got.chatID != "chat-1" || len(got.ids) != len(want) {
		t.Fatalf("flush = %+v, want ids %v", got, want)
	}
	for i, id := range want {
		if got.ids[i] != id {
			t.Fatalf("flush ids = %v, want %v", got.ids, want)
		}
	}
	if b.Pending("chat-1") != 0 {
		t.Fatal("pending set not drained")
	}
}

func TestReceiptsOptimisticApply(t *testing.T) {
	cache, _, b := newReceiptFixture(time.Minute)
	cache.Prepend(confirmedMsg("chat-1", "srv-1", "alice", "m", time.Now()))

	b.Mark("chat-1", "srv-1")

	// The receipt is visible locally before any flush happens.
	m, _ := cache.FindByServerID("chat-1", "srv-1")
	if !m.ReadByUser("me") {
		t.Fatal("receipt not applied optimistically")
	}
}

func TestReceiptsQualifyFilter(t *testing.T) {
	cache, _, b := newReceiptFixture(time.Minute)
	cache.Prepend(confirmedMsg("chat-1", "srv-own", "me", "mine", time.Now()))
	already := confirmedMsg("chat-1", "srv-read", "alice", "seen", time.Now())
	already.ReadBy = []ReadReceipt{{UserID: "me", ReadAt: time.Now()}}
	cache.Prepend(already)
	cache.Prepend(confirmedMsg("chat-1", "srv-new", "alice", "unseen", time.Now()))

	b.Mark("chat-1", "srv-own", "srv-read", "srv-new", "srv-unloaded")
	// Repeat of an already-queued id is also filtered.
	b.Mark("chat-1", "srv-new")

	if got := b.Pending("chat-1"); got != 1 {
		t.Fatalf("pending = %d, want 1 (only the unread foreign message)", got)
	}
}

func TestReceiptsFlushSynchronous(t *testing.T) {
	cache, rec, b := newReceiptFixture(time.Hour)
	cache.UpsertChat(&Chat{ID: "chat-2"})
	cache.Prepend(confirmedMsg("chat-1", "srv-1", "alice", "m", time.Now()))
	cache.Prepend(confirmedMsg("chat-2", "srv-2", "bob", "m", time.Now()))

	b.Mark("chat-1", "srv-1")
	b.Mark("chat-2", "srv-2")

	b.Flush(context.Background())
	if rec.count() != 2 {
		t.Fatalf("got %d flushes, want one per chat", rec.count())
	}
	if b.Pending("chat-1") != 0 || b.Pending("chat-2") != 0 {
		t.Fatal("pending sets not drained")
	}
}

func TestReceiptsClose(t *testing.T) {
	cache, rec, b := newReceiptFixture(time.Hour)
	cache.Prepend(confirmedMsg("chat-1", "srv-1", "alice", "m", time.Now()))

	b.Mark("chat-1", "srv-1")
	b.Close(context.Background())

	if rec.count() != 1 {
		t.Fatalf("close must flush pending receipts, got %d flushes", rec.count())
	}

	// Marks after close are dropped.
	cache.Prepend(confirmedMsg("chat-1", "srv-2", "alice", "late", time.Now()))
	b.Mark("chat-1", "srv-2")
	if b.Pending("chat-1") != 0 {
		t.Fatal("marks after close must be ignored")
	}
}
