package nexa

import (
	"sort"
	"sync"
	"time"
)

// ============================================================================
// Presence & Typing Tracker
// ============================================================================

// DefaultTypingTTL is how long a typing entry survives without a refresh.
const DefaultTypingTTL = 5 * time.Second

type typingKey struct {
	ChatID string
	UserID string
}

// PresenceTracker maintains ephemeral, non-persisted state: who is online
// and who is typing where. Typing entries expire after a TTL even when the
// stop event is lost; presence entries only change on explicit events or a
// wholesale roster replacement on (re)connect.
type PresenceTracker struct {
	ttl time.Duration

	mu     sync.Mutex
	online map[string]struct{}
	typing map[typingKey]*time.Timer
	closed bool
}

// NewPresenceTracker creates a tracker with the given typing TTL.
// A zero ttl uses DefaultTypingTTL.
func NewPresenceTracker(ttl time.Duration) *PresenceTracker {
	if ttl == 0 {
		ttl = DefaultTypingTTL
	}
	return &PresenceTracker{
		ttl:    ttl,
		online: make(map[string]struct{}),
		typing: make(map[typingKey]*time.Timer),
	}
}

// StartTyping records that a user is typing in a chat and schedules the TTL
// removal. A fresher typing event for the same pair resets the timer.
func (p *PresenceTracker) StartTyping(chatID, userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	key := typingKey{ChatID: chatID, UserID: userID}
	if t, ok := p.typing[key]; ok {
		t.Stop()
	}
	p.typing[key] = time.AfterFunc(p.ttl, func() {
		p.expire(key)
	})
}

// StopTyping removes a typing entry ahead of its TTL.
func (p *PresenceTracker) StopTyping(chatID, userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := typingKey{ChatID: chatID, UserID: userID}
	if t, ok := p.typing[key]; ok {
		t.Stop()
		delete(p.typing, key)
	}
}

func (p *PresenceTracker) expire(key typingKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.typing, key)
}

// TypingIn returns the users currently typing in a chat, sorted for
// deterministic rendering.
func (p *PresenceTracker) TypingIn(chatID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for key := range p.typing {
		if key.ChatID == chatID {
			out = append(out, key.UserID)
		}
	}
	sort.Strings(out)
	return out
}

// SetRoster replaces the online roster wholesale, as on (re)connect.
func (p *PresenceTracker) SetRoster(userIDs []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online = make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		p.online[id] = struct{}{}
	}
}

// SetOnline marks a single user online.
func (p *PresenceTracker) SetOnline(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[userID] = struct{}{}
}

// SetOffline marks a single user offline.
func (p *PresenceTracker) SetOffline(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.online, userID)
}

// IsOnline reports whether the user is currently online.
func (p *PresenceTracker) IsOnline(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.online[userID]
	return ok
}

// Online returns the current roster, sorted.
func (p *PresenceTracker) Online() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.online))
	for id := range p.online {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Close cancels all owned typing timers. The tracker must not be reused.
func (p *PresenceTracker) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for key, t := range p.typing {
		t.Stop()
		delete(p.typing, key)
	}
}
