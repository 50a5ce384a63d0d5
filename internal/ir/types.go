package ir

import "time"

// ConversationKind distinguishes one-to-one chats from groups.
type ConversationKind string

const (
	// KindDirect is a conversation between exactly two participants.
	KindDirect ConversationKind = "direct"
	// KindGroup is a conversation between three or more participants.
	KindGroup ConversationKind = "group"
)

// Conversation is an ordered message log shared by a fixed participant set.
type Conversation struct {
	ID           string           `json:"id"`
	Kind         ConversationKind `json:"kind"`
	Participants []string         `json:"participants"` // Sorted, NFC-normalized
	CreatedAt    time.Time        `json:"created_at"`
	LastActivity time.Time        `json:"last_activity"` // CreatedAt of the newest message
	LatestSeq    int64            `json:"latest_seq"`
}

// HasParticipant reports whether id is a member of the conversation.
func (c Conversation) HasParticipant(id string) bool {
	for _, p := range c.Participants {
		if p == id {
			return true
		}
	}
	return false
}

// Others returns every participant except id, preserving order.
func (c Conversation) Others(id string) []string {
	out := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p != id {
			out = append(out, p)
		}
	}
	return out
}

// MessageKind is the content type of a message.
type MessageKind string

const (
	MessageText     MessageKind = "text"
	MessageImage    MessageKind = "image"
	MessageVideo    MessageKind = "video"
	MessageVoice    MessageKind = "voice"
	MessageDocument MessageKind = "document"
)

// ValidMessageKinds defines allowed message kinds.
var ValidMessageKinds = map[MessageKind]bool{
	MessageText:     true,
	MessageImage:    true,
	MessageVideo:    true,
	MessageVoice:    true,
	MessageDocument: true,
}

// MediaRef points at a blob held by the media store.
type MediaRef struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	Name     string `json:"name,omitempty"`
	Bytes    int64  `json:"bytes"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	Duration int64  `json:"duration_ms,omitempty"`
}

// Content is the body of a message.
type Content struct {
	Kind  MessageKind `json:"kind"`
	Text  string      `json:"text,omitempty"`
	Media []MediaRef  `json:"media,omitempty"`
}

// Message is one entry in a conversation log.
//
// Seq is assigned by the sequence allocator and is the only ordering key.
// CreatedAt is server time and exists for display only.
type Message struct {
	ID             string    `json:"id"`
	ClientID       string    `json:"client_id,omitempty"` // Client idempotency key
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Seq            int64     `json:"seq"`
	CreatedAt      time.Time `json:"created_at"`
	Content        Content   `json:"content"`
	ReplyTo        string    `json:"reply_to,omitempty"`
	Status         Status    `json:"status,omitempty"` // Derived, never stored
}

// Draft is a message before the allocator has stamped it.
type Draft struct {
	ClientID       string
	ConversationID string
	SenderID       string
	Content        Content
	ReplyTo        string
}

// Status is the user-visible lifecycle state of a message.
type Status string

const (
	// StatusSending is a client-side optimistic state before the server acknowledges.
	StatusSending Status = "sending"
	// StatusSent means the message is durably stored with a sequence.
	StatusSent Status = "sent"
	// StatusDelivered means at least one other participant received it.
	StatusDelivered Status = "delivered"
	// StatusRead means every other participant has read it.
	StatusRead Status = "read"
	// StatusFailed is a client-side state for a submission that was rejected.
	StatusFailed Status = "failed"
)

// CursorKind selects which participant cursor an acknowledgement moves.
type CursorKind string

const (
	CursorDelivered CursorKind = "delivered"
	CursorRead      CursorKind = "read"
)

// Cursor is one participant's progress through a conversation.
type Cursor struct {
	ConversationID string `json:"conversation_id"`
	ParticipantID  string `json:"participant_id"`
	Delivered      int64  `json:"delivered"`
	Read           int64  `json:"read"`
}

// Watermarks summarize how far other participants have progressed through
// one sender's messages.
type Watermarks struct {
	ConversationID   string `json:"conversation_id"`
	SenderID         string `json:"sender_id"`
	DeliveredThrough int64  `json:"delivered_through"`
	ReadThrough      int64  `json:"read_through"`
}

// Summary is one row of a participant's conversation list.
type Summary struct {
	ConversationID string           `json:"conversation_id"`
	Kind           ConversationKind `json:"kind"`
	Participants   []string         `json:"participants"`
	LatestSeq      int64            `json:"latest_seq"`
	ReadSeq        int64            `json:"read_seq"`
	Unread         int64            `json:"unread"`
	LastMessage    *Message         `json:"last_message,omitempty"`
	LastActivity   time.Time        `json:"last_activity"`
	Preview        string           `json:"preview"`
}

// Presence reports whether a participant holds an open connection.
// LastSeen is set once their last connection has closed.
type Presence struct {
	Participant string     `json:"participant"`
	Online      bool       `json:"online"`
	LastSeen    *time.Time `json:"last_seen,omitempty"`
}
