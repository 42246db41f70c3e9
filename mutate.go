package nexa

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Optimistic Mutation Coordinator
//
// User-initiated message operations mutate the local cache speculatively
// before the authoritative round trip completes, then reconcile against the
// response. Validation failures are rejected before any speculative entry is
// created. Every operation on an existing entity is gated by a
// per-operation-per-entity pending marker so rapid repeated input cannot
// submit twice; the second invocation is a no-op.
// ============================================================================

var (
	// ErrEmptyMessage rejects a send or edit with no content and no
	// attachments.
	ErrEmptyMessage = errors.New("nexa: message has no content or attachments")
	// ErrNoChat rejects an operation without a chat context.
	ErrNoChat = errors.New("nexa: missing chat id")
	// ErrNotFound reports that the target message is not in the loaded
	// window.
	ErrNotFound = errors.New("nexa: message not loaded")
	// ErrNotRetryable reports a retry on a message that has not failed.
	ErrNotRetryable = errors.New("nexa: message is not in failed state")
)

// SendOptions carries the optional parts of a send.
type SendOptions struct {
	ReplyTo     string
	Attachments []Attachment
}

// SendMessage creates a speculative message in the cache and issues the
// authoritative create request. On success the speculative entry is replaced
// in place by the authoritative one; if a push event raced ahead and already
// confirmed or removed the entry, the response is discarded instead of
// duplicating. On failure the entry is marked failed, its attachments are
// marked failed, and the original payload is retained for retry.
func (s *SyncManager) SendMessage(ctx context.Context, chatID, content string, opts *SendOptions) (*Message, error) {
	if chatID == "" {
		return nil, ErrNoChat
	}
	var replyTo string
	var attachments []Attachment
	if opts != nil {
		replyTo = opts.ReplyTo
		attachments = opts.Attachments
	}
	if strings.TrimSpace(content) == "" && len(attachments) == 0 {
		return nil, ErrEmptyMessage
	}

	msg := &Message{
		Ident:       Ident{Client: uuid.NewString()},
		ChatID:      chatID,
		SenderID:    s.userID,
		Content:     content,
		Status:      StatusSending,
		ReplyTo:     replyTo,
		Attachments: attachments,
		CreatedAt:   time.Now(),
	}
	s.cache.Prepend(msg)

	return s.submitSend(ctx, chatID, msg.Client, content, replyTo, attachments)
}

// RetryMessage re-submits a failed send using the same client identifier so
// reconciliation still keys to the original slot. Only messages in the
// failed state are retryable.
func (s *SyncManager) RetryMessage(ctx context.Context, chatID, clientID string) (*Message, error) {
	opKey := "retry-" + clientID
	if !s.beginOp(opKey) {
		return nil, nil
	}
	defer s.endOp(opKey)

	msg, ok := s.cache.FindByClientID(chatID, clientID)
	if !ok {
		return nil, ErrNotFound
	}
	if msg.Status != StatusFailed {
		return nil, ErrNotRetryable
	}

	content, replyTo := msg.Content, msg.ReplyTo
	attachments := append([]Attachment(nil), msg.Attachments...)
	s.cache.Update(chatID, clientID, func(m *Message) {
		m.Status = StatusSending
	})

	return s.submitSend(ctx, chatID, clientID, content, replyTo, attachments)
}

func (s *SyncManager) submitSend(ctx context.Context, chatID, clientID, content, replyTo string, attachments []Attachment) (*Message, error) {
	req := &SendMessageRequest{
		ClientID:    clientID,
		Content:     content,
		ReplyTo:     replyTo,
		Attachments: attachments,
	}
	auth, err := s.client.Messages.Create(ctx, chatID, req)
	if err != nil {
		s.cache.Update(chatID, clientID, func(m *Message) {
			m.Status = StatusFailed
			for i := range m.Attachments {
				m.Attachments[i].Status = AttachmentFailed
			}
		})
		return nil, err
	}

	confirmed := *auth
	confirmed.Client = clientID
	confirmed.ChatID = chatID
	if confirmed.Status == "" {
		confirmed.Status = StatusSent
	}
	if !s.cache.Replace(&confirmed) {
		// The slot is gone: a racing push event already confirmed and a
		// deletion removed it. Discard rather than resurrect.
		s.logDiag("send response for %s discarded, slot already reconciled away", clientID)
	}
	return &confirmed, nil
}

// EditMessage optimistically rewrites the content and marks the message
// edited with status sending. On success the entry is replaced by the
// authoritative message including the server-computed edit history; on
// failure the entry is marked failed.
func (s *SyncManager) EditMessage(ctx context.Context, chatID, messageID, content string) (*Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyMessage
	}
	opKey := "edit-" + messageID
	if !s.beginOp(opKey) {
		return nil, nil
	}
	defer s.endOp(opKey)

	now := time.Now()
	found := s.cache.Update(chatID, messageID, func(m *Message) {
		m.EditHistory = append(m.EditHistory, EditEntry{Content: m.Content, EditedAt: now})
		m.Content = content
		m.Edited = true
		m.EditedAt = &now
		m.Status = StatusSending
	})
	if !found {
		return nil, ErrNotFound
	}

	auth, err := s.client.Messages.Edit(ctx, chatID, messageID, content)
	if err != nil {
		s.cache.Update(chatID, messageID, func(m *Message) {
			m.Status = StatusFailed
		})
		return nil, err
	}
	if auth.Status == "" {
		auth.Status = StatusSent
	}
	auth.ChatID = chatID
	s.cache.Replace(auth)
	return auth, nil
}

// DeleteMessage removes a message, either for the current user only or for
// everyone. The entry is optimistically marked deleting; on success it is
// removed (for everyone) or recorded as a per-user soft deletion (for me);
// on failure the status reverts to sent. A speculative or failed message
// that never reached the server is removed locally without a request.
func (s *SyncManager) DeleteMessage(ctx context.Context, chatID, messageID string, forEveryone bool) error {
	opKey := "delete-" + messageID
	if !s.beginOp(opKey) {
		return nil
	}
	defer s.endOp(opKey)

	msg, ok := s.cache.Find(chatID, messageID)
	if !ok {
		return ErrNotFound
	}
	if !msg.Confirmed() {
		s.cache.Remove(chatID, messageID)
		return nil
	}

	s.cache.Update(chatID, messageID, func(m *Message) {
		m.Status = StatusDeleting
	})

	if err := s.client.Messages.Delete(ctx, chatID, messageID, forEveryone); err != nil {
		s.cache.Update(chatID, messageID, func(m *Message) {
			m.Status = StatusSent
		})
		return err
	}

	if forEveryone {
		s.cache.Remove(chatID, messageID)
		return nil
	}
	s.cache.Update(chatID, messageID, func(m *Message) {
		m.Status = StatusSent
		if !m.DeletedForUser(s.userID) {
			m.DeletedFor = append(m.DeletedFor, Deletion{UserID: s.userID, DeletedAt: time.Now()})
		}
	})
	return nil
}

// ToggleReaction toggles the current user's (emoji) reaction on a message
// locally before the round trip. On failure the reaction set is rolled back
// to the exact pre-mutation snapshot, not a recomputed one, so concurrent
// reaction events cannot compound the error.
func (s *SyncManager) ToggleReaction(ctx context.Context, chatID, messageID, emoji string) error {
	opKey := fmt.Sprintf("react-%s-%s", messageID, emoji)
	if !s.beginOp(opKey) {
		return nil
	}
	defer s.endOp(opKey)

	var snapshot []Reaction
	found := s.cache.Update(chatID, messageID, func(m *Message) {
		snapshot = append([]Reaction(nil), m.Reactions...)
		m.Reactions = toggleReaction(m.Reactions, s.userID, emoji)
	})
	if !found {
		return ErrNotFound
	}

	auth, err := s.client.Messages.React(ctx, chatID, messageID, emoji)
	if err != nil {
		s.cache.Update(chatID, messageID, func(m *Message) {
			m.Reactions = snapshot
		})
		return err
	}
	if auth.Status == "" {
		auth.Status = StatusSent
	}
	auth.ChatID = chatID
	s.cache.Replace(auth)
	return nil
}

// toggleReaction removes an existing identical reaction or appends a new
// one.
func toggleReaction(reactions []Reaction, userID, emoji string) []Reaction {
	for i, r := range reactions {
		if r.UserID == userID && r.Emoji == emoji {
			return append(reactions[:i:i], reactions[i+1:]...)
		}
	}
	return append(reactions, Reaction{UserID: userID, Emoji: emoji, CreatedAt: time.Now()})
}

// MarkRead queues messages for a debounced read acknowledgement and applies
// the receipts optimistically. See ReadReceiptBatcher.
func (s *SyncManager) MarkRead(chatID string, messageIDs ...string) {
	s.receipts.Mark(chatID, messageIDs...)
}
