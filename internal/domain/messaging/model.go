// Package messaging maintains the client-side projection of all message
// threads for the current user: thread summaries, the open thread's message
// log, unread counters, and the reconciliation rules that merge REST pages
// with pushed realtime events. The projection is a cache; the server is
// always the source of truth.
package messaging

import (
	"time"
)

// Role identifies which side of a thread a party is on.
type Role string

const (
	RolePatient Role = "PATIENT"
	RoleDoctor  Role = "DOCTOR"
)

// MessageType distinguishes text messages from pure-attachment ones.
type MessageType string

const (
	MessageText  MessageType = "TEXT"
	MessageImage MessageType = "IMAGE"
	MessageFile  MessageType = "FILE"
)

// Frame types pushed on the duplex channel.
const (
	FrameNewMessage  = "new_message"
	FrameMessageRead = "message_read"
)

// Attachment is an opaque reference to uploaded content.
type Attachment struct {
	ID        string `json:"id"`
	FileName  string `json:"file_name"`
	URL       string `json:"url,omitempty"`
	MimeType  string `json:"mime_type,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

// Thread is a private channel between exactly two parties. CanSendMessage is
// false while the care relationship is still pending approval; such threads
// are read-only placeholders.
type Thread struct {
	ID                 string    `json:"id"`
	CounterpartID      string    `json:"counterpart_id"`
	CounterpartName    string    `json:"counterpart_name"`
	CounterpartRole    Role      `json:"counterpart_role"`
	CanSendMessage     bool      `json:"can_send_message"`
	LastMessagePreview string    `json:"last_message_preview"`
	LastMessageAt      time.Time `json:"last_message_at"`
	UnreadCount        int       `json:"unread_count"`
	CreatedAt          time.Time `json:"created_at"`
}

// Message belongs to exactly one thread. Content is nil for pure-attachment
// messages. LocalID, Pending and Failed exist only on this client: they track
// the optimistic copy of an outgoing message until the server confirms it.
type Message struct {
	ID          string       `json:"id"`
	ThreadID    string       `json:"thread_id"`
	SenderID    string       `json:"sender_id"`
	SenderRole  Role         `json:"sender_role"`
	Content     *string      `json:"content"`
	Type        MessageType  `json:"type"`
	Attachments []Attachment `json:"attachments,omitempty"`
	IsRead      bool         `json:"is_read"`
	ReadAt      *time.Time   `json:"read_at,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`

	LocalID string `json:"-"`
	Pending bool   `json:"-"`
	Failed  bool   `json:"-"`
}

// Preview returns the text shown in a thread summary row.
func (m *Message) Preview() string {
	if m.Content != nil && *m.Content != "" {
		return *m.Content
	}
	switch m.Type {
	case MessageImage:
		return "[image]"
	case MessageFile:
		return "[file]"
	default:
		return ""
	}
}

// readReceipt is the payload of a message_read push frame.
type readReceipt struct {
	ThreadID   string `json:"thread_id"`
	ReaderType Role   `json:"reader_type"`
}
