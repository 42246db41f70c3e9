package nexa

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

func newTestEngine(t *testing.T, userID string) *SyncManager {
	t.Helper()
	client := NewClient("test-token")
	rt := NewRealtimeClient(client, nil)
	s := NewSyncManager(client, rt, &SyncConfig{UserID: userID})
	s.Bind()
	return s
}

func pushEnv(t *testing.T, event string, payload interface{}) PushEnvelope {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return PushEnvelope{Event: event, Payload: data}
}

// ============================================================================
// message:received merging
// ============================================================================

func TestMergeReceivedDuplicateDelivery(t *testing.T) {
	s := newTestEngine(t, "me")
	s.cache.UpsertChat(&Chat{ID: "chat-1"})

	m := Message{
		Ident:     Ident{Server: "srv-1"},
		ChatID:    "chat-1",
		SenderID:  "alice",
		Content:   "hi",
		CreatedAt: time.Now(),
	}
	s.mergeReceived(m)
	s.mergeReceived(m)

	if got := len(s.cache.Messages("chat-1", "")); got != 1 {
		t.Fatalf("replaying the same event must be idempotent, got %d rows", got)
	}
}

func TestMergeReceivedConfirmsByClientID(t *testing.T) {
	s := newTestEngine(t, "me")
	s.cache.UpsertChat(&Chat{ID: "chat-1"})
	s.cache.Prepend(speculativeMsg("chat-1", "c-1", "me", "hello", time.Now()))

	// The push event races ahead of the send response and echoes the
	// originating client id.
	s.mergeReceived(Message{
		Ident:     Ident{Client: "c-1", Server: "srv-1"},
		ChatID:    "chat-1",
		SenderID:  "me",
		Content:   "hello",
		CreatedAt: time.Now(),
	})

	msgs := s.cache.Messages("chat-1", "")
	if len(msgs) != 1 {
		t.Fatalf("got %d rows, want 1", len(msgs))
	}
	if msgs[0].Server != "srv-1" || msgs[0].Status != StatusSent {
		t.Fatalf("speculative entry not confirmed in place: %+v", msgs[0].Ident)
	}
}

func TestMergeReceivedConfirmsByContentWindow(t *testing.T) {
	s := newTestEngine(t, "me")
	s.cache.UpsertChat(&Chat{ID: "chat-1"})
	now := time.Now()
	s.cache.Prepend(speculativeMsg("chat-1", "c-1", "me", "hello", now))

	// Same race, but the server did not echo the client id: fall back to
	// the chat/sender/content/time-window heuristic.
	s.mergeReceived(Message{
		Ident:     Ident{Server: "srv-1"},
		ChatID:    "chat-1",
		SenderID:  "me",
		Content:   "hello",
		CreatedAt: now.Add(2 * time.Second),
	})

	msgs := s.cache.Messages("chat-1", "")
	if len(msgs) != 1 {
		t.Fatalf("got %d rows, want 1", len(msgs))
	}
	if !msgs[0].Confirmed() {
		t.Fatal("speculative entry was not reconciled")
	}
}

func TestMergeReceivedUnrelatedPrepends(t *testing.T) {
	s := newTestEngine(t, "me")
	s.cache.UpsertChat(&Chat{ID: "chat-1"})
	s.cache.Prepend(speculativeMsg("chat-1", "c-1", "me", "mine", time.Now()))

	s.mergeReceived(Message{
		Ident:     Ident{Server: "srv-1"},
		ChatID:    "chat-1",
		SenderID:  "alice",
		Content:   "theirs",
		CreatedAt: time.Now(),
	})

	msgs := s.cache.Messages("chat-1", "")
	if len(msgs) != 2 {
		t.Fatalf("got %d rows, want 2", len(msgs))
	}
	if msgs[0].Server != "srv-1" {
		t.Fatal("incoming message should be prepended to the newest page")
	}

	chat, _ := s.cache.Chat("chat-1")
	if chat.LastMessage == nil || chat.LastMessage.Server != "srv-1" {
		t.Fatal("last-message pointer not updated")
	}
}

// ============================================================================
// Other event merges
// ============================================================================

func TestMergeEditedReplacesWholesale(t *testing.T) {
	s := newTestEngine(t, "me")
	s.cache.UpsertChat(&Chat{ID: "chat-1"})
	s.cache.Prepend(confirmedMsg("chat-1", "srv-1", "alice", "original", time.Now()))

	now := time.Now()
	s.mergeAuthoritative(Message{
		Ident:     Ident{Server: "srv-1"},
		ChatID:    "chat-1",
		SenderID:  "alice",
		Content:   "edited",
		Edited:    true,
		EditedAt:  &now,
		CreatedAt: now.Add(-time.Minute),
	})

	m, ok := s.cache.FindByServerID("chat-1", "srv-1")
	if !ok {
		t.Fatal("message lost")
	}
	if m.Content != "edited" || !m.Edited {
		t.Fatalf("edit not applied: %q", m.Content)
	}
}

func TestMergeDeletedInOlderPage(t *testing.T) {
	s := newTestEngine(t, "me")
	s.cache.UpsertChat(&Chat{ID: "chat-1"})

	now := time.Now()
	newer := make([]*Message, 0, 10)
	older := make([]*Message, 0, 10)
	for i := 19; i >= 10; i-- {
		newer = append(newer, confirmedMsg("chat-1", msgID(i), "alice", "m", now.Add(time.Duration(i)*time.Second)))
	}
	for i := 9; i >= 0; i-- {
		older = append(older, confirmedMsg("chat-1", msgID(i), "alice", "m", now.Add(time.Duration(i)*time.Second)))
	}
	s.cache.LoadPage("chat-1", newer)
	s.cache.LoadPage("chat-1", older)

	s.mergeDeleted(MessageDeletedPayload{ChatID: "chat-1", MessageID: msgID(5), ForEveryone: true})

	if got := len(s.cache.Messages("chat-1", "")); got != 19 {
		t.Fatalf("got %d rows, want 19", got)
	}
	if _, ok := s.cache.FindByServerID("chat-1", msgID(5)); ok {
		t.Fatal("deleted message still cached")
	}
}

func msgID(i int) string {
	return fmt.Sprintf("srv-%d", i)
}

func TestMergeDeletedClearsLastMessage(t *testing.T) {
	s := newTestEngine(t, "me")
	s.cache.UpsertChat(&Chat{ID: "chat-1"})
	s.cache.Prepend(confirmedMsg("chat-1", "srv-1", "alice", "only", time.Now()))

	s.mergeDeleted(MessageDeletedPayload{ChatID: "chat-1", MessageID: "srv-1", ForEveryone: true})

	chat, _ := s.cache.Chat("chat-1")
	if chat.LastMessage != nil {
		t.Fatal("last-message pointer should fall back to nil")
	}
}

func TestMergePinnedTogglesFlag(t *testing.T) {
	s := newTestEngine(t, "me")
	s.cache.UpsertChat(&Chat{ID: "chat-1"})
	s.cache.Prepend(confirmedMsg("chat-1", "srv-1", "alice", "pin me", time.Now()))
	s.cache.Prepend(confirmedMsg("chat-1", "srv-2", "alice", "later", time.Now().Add(time.Second)))

	s.mergePinned(PinPayload{ChatID: "chat-1", MessageID: "srv-1"}, true)

	msgs := s.cache.Messages("chat-1", "")
	if msgs[1].Server != "srv-1" || !msgs[1].Pinned {
		t.Fatal("pin must toggle the flag without altering ordering")
	}

	s.mergePinned(PinPayload{ChatID: "chat-1", MessageID: "srv-1"}, false)
	if m, _ := s.cache.FindByServerID("chat-1", "srv-1"); m.Pinned {
		t.Fatal("unpin not applied")
	}
}

func TestChatEvents(t *testing.T) {
	s := newTestEngine(t, "me")

	t.Run("created and updated", func(t *testing.T) {
		s.rt.dispatcher.dispatch(pushEnv(t, EventChatCreated, Chat{ID: "chat-1", Title: "old"}))
		s.rt.dispatcher.dispatch(pushEnv(t, EventChatUpdated, Chat{ID: "chat-1", Title: "new"}))
		chat, ok := s.cache.Chat("chat-1")
		if !ok || chat.Title != "new" {
			t.Fatalf("chat not upserted: %+v", chat)
		}
	})

	t.Run("removed from chat", func(t *testing.T) {
		s.rt.dispatcher.dispatch(pushEnv(t, EventChatRemoved, ChatDeletedPayload{ChatID: "chat-1"}))
		if _, ok := s.cache.Chat("chat-1"); ok {
			t.Fatal("chat should be dropped")
		}
	})
}

// ============================================================================
// Presence and typing routed through Bind
// ============================================================================

func TestBindRoutesPresenceAndTyping(t *testing.T) {
	s := newTestEngine(t, "me")

	s.rt.dispatcher.dispatch(pushEnv(t, EventUserOnlineList, OnlineListPayload{UserIDs: []string{"alice", "bob"}}))
	if !s.presence.IsOnline("alice") || !s.presence.IsOnline("bob") {
		t.Fatal("roster snapshot not applied")
	}

	s.rt.dispatcher.dispatch(pushEnv(t, EventUserOffline, PresencePayload{UserID: "bob"}))
	if s.presence.IsOnline("bob") {
		t.Fatal("offline event not applied")
	}

	s.rt.dispatcher.dispatch(pushEnv(t, EventTypingStart, TypingPayload{ChatID: "chat-1", UserID: "alice"}))
	if got := s.presence.TypingIn("chat-1"); len(got) != 1 || got[0] != "alice" {
		t.Fatalf("typing not tracked: %v", got)
	}

	s.rt.dispatcher.dispatch(pushEnv(t, EventTypingStop, TypingPayload{ChatID: "chat-1", UserID: "alice"}))
	if got := s.presence.TypingIn("chat-1"); len(got) != 0 {
		t.Fatalf("typing stop not applied: %v", got)
	}
}

func TestBindIsIdempotent(t *testing.T) {
	s := newTestEngine(t, "me")
	s.Bind()
	s.Bind()
	s.cache.UpsertChat(&Chat{ID: "chat-1"})

	s.rt.dispatcher.dispatch(pushEnv(t, EventMessageReceived, Message{
		Ident:     Ident{Server: "srv-1"},
		ChatID:    "chat-1",
		SenderID:  "alice",
		Content:   "hi",
		CreatedAt: time.Now(),
	}))

	if got := len(s.cache.Messages("chat-1", "")); got != 1 {
		t.Fatalf("handlers registered more than once: %d rows", got)
	}
}
