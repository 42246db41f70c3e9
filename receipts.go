package nexa

import (
	"context"
	"sync"
	"time"
)

// ============================================================================
// Read-Receipt Batcher
// ============================================================================

// DefaultReadFlushDelay is the debounce window for read acknowledgements.
const DefaultReadFlushDelay = 1 * time.Second

// readSender issues the batched acknowledgement request.
type readSender func(ctx context.Context, chatID string, messageIDs []string) error

// ReadReceiptBatcher coalesces read acknowledgements so rapid successive
// mark-as-read triggers collapse into one request per chat. Qualifying
// identifiers are applied optimistically to the cache immediately; the
// network request is debounced until a quiet period elapses.
type ReadReceiptBatcher struct {
	cache  *Cache
	userID string
	delay  time.Duration
	send   readSender
	logf   func(format string, args ...interface{})

	mu      sync.Mutex
	pending map[string]map[string]struct{}
	timers  map[string]*time.Timer
	closed  bool
}

func newReadReceiptBatcher(cache *Cache, userID string, delay time.Duration, send readSender, logf func(string, ...interface{})) *ReadReceiptBatcher {
	if delay == 0 {
		delay = DefaultReadFlushDelay
	}
	return &ReadReceiptBatcher{
		cache:   cache,
		userID:  userID,
		delay:   delay,
		send:    send,
		logf:    logf,
		pending: make(map[string]map[string]struct{}),
		timers:  make(map[string]*time.Timer),
	}
}

// Mark queues message identifiers for acknowledgement. Identifiers are
// skipped when the message is not loaded, was sent by the current user, or
// is already marked read by the current user. Each call restarts the chat's
// debounce timer, so triggers within the window collapse into one request.
func (b *ReadReceiptBatcher) Mark(chatID string, messageIDs ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	added := false
	for _, id := range messageIDs {
		if !b.qualify(chatID, id) {
			continue
		}
		b.cache.Update(chatID, id, func(m *Message) {
			m.ReadBy = append(m.ReadBy, ReadReceipt{UserID: b.userID, ReadAt: time.Now()})
		})
		set := b.pending[chatID]
		if set == nil {
			set = make(map[string]struct{})
			b.pending[chatID] = set
		}
		set[id] = struct{}{}
		added = true
	}
	if !added {
		return
	}

	if t, ok := b.timers[chatID]; ok {
		t.Stop()
	}
	b.timers[chatID] = time.AfterFunc(b.delay, func() {
		b.flushChat(context.Background(), chatID)
	})
}

// qualify applies the mark-as-read filter. Caller holds b.mu.
func (b *ReadReceiptBatcher) qualify(chatID, messageID string) bool {
	if set, ok := b.pending[chatID]; ok {
		if _, dup := set[messageID]; dup {
			return false
		}
	}
	m, ok := b.cache.Find(chatID, messageID)
	if !ok {
		return false
	}
	if m.SenderID == b.userID {
		return false
	}
	return !m.ReadByUser(b.userID)
}

// Pending returns the number of identifiers queued for a chat.
func (b *ReadReceiptBatcher) Pending(chatID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[chatID])
}

func (b *ReadReceiptBatcher) flushChat(ctx context.Context, chatID string) {
	b.mu.Lock()
	if t, ok := b.timers[chatID]; ok {
		t.Stop()
		delete(b.timers, chatID)
	}
	set := b.pending[chatID]
	delete(b.pending, chatID)
	b.mu.Unlock()

	if len(set) == 0 {
		return
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	if err := b.send(ctx, chatID, ids); err != nil && b.logf != nil {
		b.logf("read receipt flush for chat %s: %v", chatID, err)
	}
}

// Flush sends all pending acknowledgements synchronously, best effort. Used
// on teardown, e.g. when leaving the chat view.
func (b *ReadReceiptBatcher) Flush(ctx context.Context) {
	b.mu.Lock()
	chats := make([]string, 0, len(b.pending))
	for chatID := range b.pending {
		chats = append(chats, chatID)
	}
	b.mu.Unlock()

	for _, chatID := range chats {
		b.flushChat(ctx, chatID)
	}
}

// Close flushes pending acknowledgements and stops all timers.
func (b *ReadReceiptBatcher) Close(ctx context.Context) {
	b.mu.Lock()
	b.closed = true
	for chatID, t := range b.timers {
		t.Stop()
		delete(b.timers, chatID)
	}
	b.mu.Unlock()
	b.Flush(ctx)
}
