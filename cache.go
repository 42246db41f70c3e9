package nexa

import (
	"sort"
	"sync"
	"time"
)

// ============================================================================
// Cache
// ============================================================================

// page is one loaded window of a chat's message stream, newest first.
type page struct {
	messages []*Message
}

// Cache is the paginated local view of chats and messages that absorbs both
// optimistic mutations and push-delivered events. Pages are ordered newest
// first; loading history appends older pages at the end. Merges only ever
// touch already-loaded pages.
//
// All mutations are synchronous with respect to each other: every operation
// holds the cache lock for its full duration, so no two merges interleave
// mid-mutation.
type Cache struct {
	mu    sync.Mutex
	chats map[string]*Chat
	pages map[string][]*page
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{
		chats: make(map[string]*Chat),
		pages: make(map[string][]*page),
	}
}

// --------------------------------------------------------------------------
// Chats
// --------------------------------------------------------------------------

// UpsertChat inserts or replaces a chat, preserving the locally maintained
// last-message pointer when the incoming chat does not carry one.
func (c *Cache) UpsertChat(chat *Chat) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.chats[chat.ID]; ok && chat.LastMessage == nil {
		chat.LastMessage = existing.LastMessage
	}
	c.chats[chat.ID] = chat
}

// Chat returns the chat with the given id.
func (c *Cache) Chat(chatID string) (*Chat, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	chat, ok := c.chats[chatID]
	return chat, ok
}

// RemoveChat drops a chat and all its loaded pages.
func (c *Cache) RemoveChat(chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.chats, chatID)
	delete(c.pages, chatID)
}

// Chats returns all cached chats, most recently active first.
func (c *Cache) Chats() []*Chat {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Chat, 0, len(c.chats))
	for _, chat := range c.chats {
		out = append(out, chat)
	}
	sort.Slice(out, func(i, j int) bool {
		return chatActivity(out[i]).After(chatActivity(out[j]))
	})
	return out
}

func chatActivity(chat *Chat) time.Time {
	if chat.LastMessage != nil {
		return chat.LastMessage.CreatedAt
	}
	return chat.CreatedAt
}

// --------------------------------------------------------------------------
// Pages
// --------------------------------------------------------------------------

// LoadPage appends a fetched history page as the oldest loaded window of the
// chat. Messages within the page are expected newest first, as returned by
// the history endpoint.
func (c *Cache) LoadPage(chatID string, msgs []*Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pages[chatID] = append(c.pages[chatID], &page{messages: msgs})
}

// PageCount returns the number of loaded pages for a chat.
func (c *Cache) PageCount(chatID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pages[chatID])
}

// Messages returns the flattened loaded window of a chat, newest first,
// with messages soft-deleted for the viewer filtered out.
func (c *Cache) Messages(chatID, viewerID string) []*Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Message
	for _, p := range c.pages[chatID] {
		for _, m := range p.messages {
			if viewerID != "" && m.DeletedForUser(viewerID) {
				continue
			}
			out = append(out, m)
		}
	}
	return out
}

// --------------------------------------------------------------------------
// Message lookup and mutation
// --------------------------------------------------------------------------

// Find returns the cached message with the given key (server id once
// confirmed, client id while speculative), scanning only loaded pages.
func (c *Cache) Find(chatID, key string) (*Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.locate(chatID, key)
	return m, m != nil
}

// FindByServerID scans the chat's loaded pages for an authoritative id.
func (c *Cache) FindByServerID(chatID, serverID string) (*Message, bool) {
	if serverID == "" {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.pages[chatID] {
		for _, m := range p.messages {
			if m.Server == serverID {
				return m, true
			}
		}
	}
	return nil, false
}

// FindByClientID scans the chat's loaded pages for a client id.
func (c *Cache) FindByClientID(chatID, clientID string) (*Message, bool) {
	if clientID == "" {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.pages[chatID] {
		for _, m := range p.messages {
			if m.Client == clientID {
				return m, true
			}
		}
	}
	return nil, false
}

func (c *Cache) locate(chatID, key string) *Message {
	for _, p := range c.pages[chatID] {
		for _, m := range p.messages {
			if m.Key() == key || (m.Server != "" && m.Server == key) || (m.Client != "" && m.Client == key) {
				return m
			}
		}
	}
	return nil
}

// Prepend inserts a message at the front of the chat's newest page, creating
// the page if none is loaded, and updates the chat's last-message pointer.
// An event for a message whose page has not been fetched yet still lands in
// the newest page; it never triggers a fetch of older pages.
func (c *Cache) Prepend(m *Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pages := c.pages[m.ChatID]
	if len(pages) == 0 {
		pages = []*page{{}}
		c.pages[m.ChatID] = pages
	}
	first := pages[0]
	first.messages = append([]*Message{m}, first.messages...)
	c.bumpLastMessage(m)
}

// Replace swaps the cached entry for the same logical message in place,
// preserving its slot. Returns false when no entry matches either
// identifier.
func (c *Cache) Replace(m *Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.pages[m.ChatID] {
		for i, existing := range p.messages {
			if existing.Matches(m.Ident) {
				// Keep the client identifier so a racing response can still
				// recognize the slot.
				if m.Client == "" {
					m.Client = existing.Client
				}
				p.messages[i] = m
				c.refreshLastMessage(m)
				return true
			}
		}
	}
	return false
}

// Remove deletes the entry with the given key from the chat's loaded pages.
// If the removed message was the chat's last message, the pointer falls back
// to the newest remaining message or nil.
func (c *Cache) Remove(chatID, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.pages[chatID] {
		for i, m := range p.messages {
			if m.Key() == key || m.Server == key || (m.Client != "" && m.Client == key) {
				p.messages = append(p.messages[:i], p.messages[i+1:]...)
				if chat, ok := c.chats[chatID]; ok && chat.LastMessage != nil && chat.LastMessage.Matches(m.Ident) {
					chat.LastMessage = c.newest(chatID)
				}
				return true
			}
		}
	}
	return false
}

// Update runs fn on the cached entry with the given key while holding the
// cache lock, so in-place status or reaction edits cannot interleave with a
// concurrent merge. Returns false when no entry matches.
func (c *Cache) Update(chatID, key string, fn func(*Message)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.locate(chatID, key)
	if m == nil {
		return false
	}
	fn(m)
	return true
}

// MatchSpeculative looks for a still-speculative entry with the same chat,
// sender and content whose creation time lies within the tolerance window of
// the given timestamp. Used to reconcile a push event that races ahead of
// its own request's response.
func (c *Cache) MatchSpeculative(chatID, senderID, content string, at time.Time, window time.Duration) (*Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.pages[chatID] {
		for _, m := range p.messages {
			if m.Confirmed() {
				continue
			}
			if m.SenderID != senderID || m.Content != content {
				continue
			}
			d := at.Sub(m.CreatedAt)
			if d < 0 {
				d = -d
			}
			if d <= window {
				return m, true
			}
		}
	}
	return nil, false
}

// newest returns the first non-deleting message of the newest page.
func (c *Cache) newest(chatID string) *Message {
	for _, p := range c.pages[chatID] {
		for _, m := range p.messages {
			return m
		}
	}
	return nil
}

// bumpLastMessage advances the chat's last-message pointer if the message is
// newer than the current one.
func (c *Cache) bumpLastMessage(m *Message) {
	chat, ok := c.chats[m.ChatID]
	if !ok {
		return
	}
	if chat.LastMessage == nil || !m.CreatedAt.Before(chat.LastMessage.CreatedAt) {
		chat.LastMessage = m
	}
}

// refreshLastMessage re-points the denormalized pointer when the entry it
// referenced was replaced in place.
func (c *Cache) refreshLastMessage(m *Message) {
	chat, ok := c.chats[m.ChatID]
	if !ok {
		return
	}
	if chat.LastMessage != nil && chat.LastMessage.Matches(m.Ident) {
		chat.LastMessage = m
	}
}
