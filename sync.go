package nexa

import (
	"context"
	"sync"
	"time"
)

// ============================================================================
// SyncManager
// ============================================================================

// DefaultMatchWindow is the creation-time tolerance used to reconcile a push
// event against a speculative entry when the event carries no client id.
const DefaultMatchWindow = 10 * time.Second

// SyncConfig configures the synchronization engine.
type SyncConfig struct {
	// UserID is the identity of the current user, used for soft deletions,
	// read receipts and reaction ownership.
	UserID string
	// MatchWindow overrides DefaultMatchWindow.
	MatchWindow time.Duration
	// TypingTTL overrides DefaultTypingTTL.
	TypingTTL time.Duration
	// ReadFlushDelay overrides DefaultReadFlushDelay.
	ReadFlushDelay time.Duration
	// Logf receives diagnostics for reconciliation conflicts and flush
	// failures. Reconciliation conflicts are never surfaced to the user.
	Logf func(format string, args ...interface{})
}

// SyncManager keeps the local cache consistent with the chat service. It
// merges server-pushed events into the paginated cache, deduplicating
// against speculative entries, and hosts the optimistic mutation operations
// (see mutate.go), the presence tracker and the read-receipt batcher.
type SyncManager struct {
	client   *Client
	rt       *RealtimeClient
	cache    *Cache
	presence *PresenceTracker
	receipts *ReadReceiptBatcher

	userID string
	window time.Duration
	logf   func(format string, args ...interface{})

	opMu      sync.Mutex
	pendingOp map[string]struct{}

	bindOnce sync.Once
}

// NewSyncManager creates the synchronization engine for one user session.
// Call Bind to attach it to the realtime client's push events.
func NewSyncManager(client *Client, rt *RealtimeClient, cfg *SyncConfig) *SyncManager {
	c := SyncConfig{}
	if cfg != nil {
		c = *cfg
	}
	if c.MatchWindow == 0 {
		c.MatchWindow = DefaultMatchWindow
	}

	s := &SyncManager{
		client:    client,
		rt:        rt,
		cache:     NewCache(),
		presence:  NewPresenceTracker(c.TypingTTL),
		userID:    c.UserID,
		window:    c.MatchWindow,
		logf:      c.Logf,
		pendingOp: make(map[string]struct{}),
	}
	s.receipts = newReadReceiptBatcher(s.cache, c.UserID, c.ReadFlushDelay,
		func(ctx context.Context, chatID string, ids []string) error {
			return client.Messages.MarkRead(ctx, chatID, ids)
		}, c.Logf)
	return s
}

// Cache returns the paginated local cache serving the UI's windowed view.
func (s *SyncManager) Cache() *Cache { return s.cache }

// Presence returns the ephemeral presence and typing tracker.
func (s *SyncManager) Presence() *PresenceTracker { return s.presence }

// Receipts returns the read-receipt batcher.
func (s *SyncManager) Receipts() *ReadReceiptBatcher { return s.receipts }

// Bind registers the engine's handlers on the realtime client. The handlers
// are registered once and survive channel replacements; calling Bind again
// is a no-op, so reconnects never duplicate handling.
func (s *SyncManager) Bind() {
	s.bindOnce.Do(s.bind)
}

func (s *SyncManager) bind() {
	s.rt.OnMessageReceived(s.mergeReceived)
	s.rt.OnMessageEdited(s.mergeAuthoritative)
	s.rt.OnMessageReaction(s.mergeAuthoritative)
	s.rt.OnMessageDeleted(s.mergeDeleted)
	s.rt.OnMessagePinned(s.mergePinned)

	s.rt.OnChatCreated(func(chat Chat) {
		c := chat
		s.cache.UpsertChat(&c)
	})
	s.rt.OnChatUpdated(func(chat Chat) {
		c := chat
		s.cache.UpsertChat(&c)
	})
	s.rt.OnChatDeleted(func(p ChatDeletedPayload) {
		s.cache.RemoveChat(p.ChatID)
	})
	s.rt.OnRemovedFromChat(func(p ChatDeletedPayload) {
		s.cache.RemoveChat(p.ChatID)
	})

	s.rt.OnTyping(func(p TypingPayload, start bool) {
		if start {
			s.presence.StartTyping(p.ChatID, p.UserID)
		} else {
			s.presence.StopTyping(p.ChatID, p.UserID)
		}
	})
	s.rt.OnPresence(func(p PresencePayload, online bool) {
		if online {
			s.presence.SetOnline(p.UserID)
		} else {
			s.presence.SetOffline(p.UserID)
		}
	})
	s.rt.OnOnlineList(func(p OnlineListPayload) {
		s.presence.SetRoster(p.UserIDs)
	})
}

// Close tears the engine down: receipts are flushed best effort and all
// owned timers are cancelled.
func (s *SyncManager) Close(ctx context.Context) {
	s.receipts.Close(ctx)
	s.presence.Close()
}

// --------------------------------------------------------------------------
// Event ingestion
// --------------------------------------------------------------------------

// mergeReceived merges a message:received event into the loaded pages.
//
// Order of resolution:
//  1. An entry with the same authoritative id already exists: duplicate
//     delivery, discard.
//  2. The event carries the originating client id and a matching entry
//     exists: the push raced ahead of the request's own response; confirm
//     the speculative entry in place.
//  3. A still-speculative entry matches on chat, sender, content and a
//     creation-time window: same race, but the server did not echo the
//     client id; replace in place.
//  4. Otherwise prepend to the newest loaded page and advance the owning
//     chat's last-message pointer.
func (s *SyncManager) mergeReceived(msg Message) {
	m := msg
	if m.Status == "" {
		m.Status = StatusSent
	}

	if _, ok := s.cache.FindByServerID(m.ChatID, m.Server); ok {
		return
	}

	if m.Client != "" {
		if _, ok := s.cache.FindByClientID(m.ChatID, m.Client); ok {
			s.cache.Replace(&m)
			return
		}
	}

	if spec, ok := s.cache.MatchSpeculative(m.ChatID, m.SenderID, m.Content, m.CreatedAt, s.window); ok {
		s.logDiag("reconciled push %s against speculative %s by content match", m.Server, spec.Client)
		m.Client = spec.Client
		s.cache.Replace(&m)
		return
	}

	s.cache.Prepend(&m)
}

// mergeAuthoritative replaces the matching cached entry wholesale. Used for
// message:edited and message:reaction events, which carry the full entity.
func (s *SyncManager) mergeAuthoritative(msg Message) {
	m := msg
	if m.Status == "" {
		m.Status = StatusSent
	}
	if !s.cache.Replace(&m) {
		s.logDiag("event for unloaded message %s dropped", m.Server)
	}
}

func (s *SyncManager) mergeDeleted(p MessageDeletedPayload) {
	if p.ForEveryone {
		s.cache.Remove(p.ChatID, p.MessageID)
		return
	}
	// A for-me deletion by another participant does not affect this view,
	// but our own deletion echoed back must be recorded idempotently.
	s.cache.Update(p.ChatID, p.MessageID, func(m *Message) {
		if !m.DeletedForUser(s.userID) {
			m.DeletedFor = append(m.DeletedFor, Deletion{UserID: s.userID, DeletedAt: time.Now()})
		}
	})
}

func (s *SyncManager) mergePinned(p PinPayload, pinned bool) {
	s.cache.Update(p.ChatID, p.MessageID, func(m *Message) {
		m.Pinned = pinned
	})
}

func (s *SyncManager) logDiag(format string, args ...interface{}) {
	if s.logf != nil {
		s.logf(format, args...)
	}
}

// --------------------------------------------------------------------------
// History loading
// --------------------------------------------------------------------------

// LoadHistory fetches the next older page of a chat and appends it to the
// loaded window. The first call loads the newest page.
func (s *SyncManager) LoadHistory(ctx context.Context, chatID string, limit int) ([]*Message, error) {
	opts := &PageOptions{Limit: limit}
	if oldest := s.oldestLoaded(chatID); oldest != "" {
		opts.Before = oldest
	}
	msgs, err := s.client.Messages.History(ctx, chatID, opts)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		if m.Status == "" {
			m.Status = StatusSent
		}
	}
	s.cache.LoadPage(chatID, msgs)
	return msgs, nil
}

func (s *SyncManager) oldestLoaded(chatID string) string {
	msgs := s.cache.Messages(chatID, "")
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Confirmed() {
			return msgs[i].Server
		}
	}
	return ""
}

// --------------------------------------------------------------------------
// Pending-operation markers
// --------------------------------------------------------------------------

// beginOp sets the dedup marker for one in-flight operation. It returns
// false when the same logical operation is already in flight, making the
// second invocation a no-op.
func (s *SyncManager) beginOp(key string) bool {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if _, ok := s.pendingOp[key]; ok {
		return false
	}
	s.pendingOp[key] = struct{}{}
	return true
}

func (s *SyncManager) endOp(key string) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	delete(s.pendingOp, key)
}
