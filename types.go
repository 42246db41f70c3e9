package nexa

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API-level error returned inside an envelope.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// RequestError is returned when the server answers with a non-success
// envelope or a non-2xx status on the request/response path.
type RequestError struct {
	StatusCode int
	Message    string
}

func (e *RequestError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "request failed"
}

// Envelope is the uniform response wrapper of the chat API.
type Envelope struct {
	StatusCode int             `json:"statusCode"`
	Success    bool            `json:"success"`
	Message    string          `json:"message,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (e *Envelope) Decode(v interface{}) error {
	if e.Data == nil {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// Err converts a non-success envelope into a *RequestError.
func (e *Envelope) Err() error {
	if e.Success {
		return nil
	}
	return &RequestError{StatusCode: e.StatusCode, Message: e.Message}
}

// ============================================================================
// Message Identity
// ============================================================================

// Ident is the dual identity of a message. Client is generated locally when
// the message is created speculatively; Server is assigned by the chat
// service once the message is confirmed. A message is speculative while
// Server is empty.
type Ident struct {
	Client string `json:"clientId,omitempty"`
	Server string `json:"id,omitempty"`
}

// Confirmed reports whether the authoritative identifier is known.
func (id Ident) Confirmed() bool { return id.Server != "" }

// Key returns the cache key for this identity: the server identifier once
// confirmed, otherwise the client identifier. Exactly one cache slot exists
// per key.
func (id Ident) Key() string {
	if id.Server != "" {
		return id.Server
	}
	return id.Client
}

// Matches reports whether the other identity refers to the same logical
// message through either identifier.
func (id Ident) Matches(other Ident) bool {
	if id.Server != "" && id.Server == other.Server {
		return true
	}
	return id.Client != "" && id.Client == other.Client
}

// ============================================================================
// Message
// ============================================================================

// MessageStatus is the local delivery status of a message.
type MessageStatus string

const (
	StatusSending  MessageStatus = "sending"
	StatusSent     MessageStatus = "sent"
	StatusFailed   MessageStatus = "failed"
	StatusDeleting MessageStatus = "deleting"
)

// Reaction is a single (user, emoji) reaction on a message.
type Reaction struct {
	UserID    string    `json:"userId"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"createdAt"`
}

// ReadReceipt records that a user has read a message.
type ReadReceipt struct {
	UserID string    `json:"userId"`
	ReadAt time.Time `json:"readAt"`
}

// Deletion records a per-user soft deletion ("delete for me").
type Deletion struct {
	UserID    string    `json:"userId"`
	DeletedAt time.Time `json:"deletedAt"`
}

// EditEntry is one entry of a message's edit history.
type EditEntry struct {
	Content  string    `json:"content"`
	EditedAt time.Time `json:"editedAt"`
}

// AttachmentStatus is the upload state of an attachment.
type AttachmentStatus string

const (
	AttachmentUploading AttachmentStatus = "uploading"
	AttachmentUploaded  AttachmentStatus = "uploaded"
	AttachmentFailed    AttachmentStatus = "failed"
)

// Attachment is a file attached to a message. Uploading the bytes is the
// blob store's concern; the engine only tracks the handle and its status.
type Attachment struct {
	ID     string           `json:"id"`
	URL    string           `json:"url,omitempty"`
	Type   string           `json:"type,omitempty"`
	Size   int64            `json:"size,omitempty"`
	Status AttachmentStatus `json:"status"`
}

// Message is the central entity of the synchronization engine.
type Message struct {
	Ident
	ChatID      string        `json:"chatId"`
	SenderID    string        `json:"senderId"`
	Content     string        `json:"content"`
	Status      MessageStatus `json:"status,omitempty"`
	Edited      bool          `json:"edited,omitempty"`
	EditedAt    *time.Time    `json:"editedAt,omitempty"`
	EditHistory []EditEntry   `json:"editHistory,omitempty"`
	Reactions   []Reaction    `json:"reactions,omitempty"`
	ReadBy      []ReadReceipt `json:"readBy,omitempty"`
	DeletedFor  []Deletion    `json:"deletedFor,omitempty"`
	ReplyTo     string        `json:"replyTo,omitempty"`
	Pinned      bool          `json:"pinned,omitempty"`
	Attachments []Attachment  `json:"attachments,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt,omitempty"`
}

// DeletedForUser reports whether the message is soft-deleted for the user.
func (m *Message) DeletedForUser(userID string) bool {
	for _, d := range m.DeletedFor {
		if d.UserID == userID {
			return true
		}
	}
	return false
}

// ReadByUser reports whether the user has a read receipt on the message.
func (m *Message) ReadByUser(userID string) bool {
	for _, r := range m.ReadBy {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

// HasReaction reports whether the user has reacted with the given emoji.
func (m *Message) HasReaction(userID, emoji string) bool {
	for _, r := range m.Reactions {
		if r.UserID == userID && r.Emoji == emoji {
			return true
		}
	}
	return false
}

// ============================================================================
// Chat
// ============================================================================

// Chat is a container of participants and an ordered message stream. The
// LastMessage pointer is denormalized and kept in sync with both optimistic
// sends and push-delivered events.
type Chat struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Title       string    `json:"title,omitempty"`
	Members     []string  `json:"members,omitempty"`
	LastMessage *Message  `json:"lastMessage,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt,omitempty"`
}

// ============================================================================
// Request Types
// ============================================================================

// SendMessageRequest is the payload of the authoritative create-message call.
// It is retained on a failed optimistic entry so a retry can resubmit without
// re-entering the content.
type SendMessageRequest struct {
	ClientID    string       `json:"clientId"`
	Content     string       `json:"content"`
	ReplyTo     string       `json:"replyTo,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// CreateChatRequest is the payload for creating a chat.
type CreateChatRequest struct {
	Type    string   `json:"type"`
	Title   string   `json:"title,omitempty"`
	Members []string `json:"members"`
}

// PageOptions controls history pagination.
type PageOptions struct {
	Limit  int
	Before string // server message id to page backwards from
}
