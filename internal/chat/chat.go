package chat

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// AttachmentType classifies the optional file carried by a message.
type AttachmentType string

const (
	AttachmentNone     AttachmentType = "none"
	AttachmentPhoto    AttachmentType = "photo"
	AttachmentDocument AttachmentType = "document"
	AttachmentVideo    AttachmentType = "video"
)

// ParseAttachmentType maps a wire value onto a known attachment type.
func ParseAttachmentType(raw string) (AttachmentType, error) {
	switch AttachmentType(strings.ToLower(strings.TrimSpace(raw))) {
	case "", AttachmentNone:
		return AttachmentNone, nil
	case AttachmentPhoto:
		return AttachmentPhoto, nil
	case AttachmentDocument:
		return AttachmentDocument, nil
	case AttachmentVideo:
		return AttachmentVideo, nil
	default:
		return AttachmentNone, fmt.Errorf("%w: unknown attachment type %q", ErrInvalidArgument, raw)
	}
}

// Extension returns the file extension used when storing attachment bytes.
func (t AttachmentType) Extension() (string, error) {
	switch t {
	case AttachmentPhoto:
		return "jpg", nil
	case AttachmentDocument:
		return "pdf", nil
	case AttachmentVideo:
		return "mp4", nil
	default:
		return "", fmt.Errorf("%w: attachment type %q has no storage extension", ErrInvalidArgument, t)
	}
}

// MessageFlag names one of the mutable booleans on a message.
type MessageFlag string

const (
	FlagRead    MessageFlag = "read"
	FlagEdited  MessageFlag = "edited"
	FlagDeleted MessageFlag = "deleted"
)

// Message is a single chat message inside a conversation.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	SenderID       string         `json:"sender_id"`
	ReceiverID     string         `json:"receiver_id"`
	Content        string         `json:"content"`
	AttachmentURL  string         `json:"attachment_url,omitempty"`
	AttachmentType AttachmentType `json:"attachment_type"`
	Timestamp      time.Time      `json:"timestamp"`
	IsRead         bool           `json:"is_read"`
	IsEdited       bool           `json:"is_edited"`
	IsDeleted      bool           `json:"is_deleted"`
}

// Conversation joins exactly two participants and caches the last-message
// summary used by list views. The summary is not authoritative: the message
// records are.
type Conversation struct {
	ID                   string    `json:"id"`
	Participant1ID       string    `json:"participant1_id"`
	Participant2ID       string    `json:"participant2_id"`
	LastMessage          string    `json:"last_message"`
	LastMessageTimestamp time.Time `json:"last_message_timestamp"`
	UnreadCount1         int       `json:"unread_count1"`
	UnreadCount2         int       `json:"unread_count2"`
}

// ParticipantSlot identifies which side of a conversation a user occupies.
type ParticipantSlot int

const (
	SlotParticipant1 ParticipantSlot = 1
	SlotParticipant2 ParticipantSlot = 2
)

// SlotOf reports the slot userID occupies, if any.
func (c *Conversation) SlotOf(userID string) (ParticipantSlot, bool) {
	switch userID {
	case c.Participant1ID:
		return SlotParticipant1, true
	case c.Participant2ID:
		return SlotParticipant2, true
	default:
		return 0, false
	}
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID string) bool {
	_, ok := c.SlotOf(userID)
	return ok
}

// UnreadFor returns the unread counter for the given slot.
func (c *Conversation) UnreadFor(slot ParticipantSlot) int {
	if slot == SlotParticipant2 {
		return c.UnreadCount2
	}
	return c.UnreadCount1
}

// SortMessages orders messages ascending by timestamp. Two messages sharing a
// timestamp order by message id, so the result is stable across stores.
func SortMessages(messages []Message) {
	sort.Slice(messages, func(i, j int) bool {
		if messages[i].Timestamp.Equal(messages[j].Timestamp) {
			return messages[i].ID < messages[j].ID
		}
		return messages[i].Timestamp.Before(messages[j].Timestamp)
	})
}

// SortConversations orders conversations by most recent activity first.
func SortConversations(conversations []Conversation) {
	sort.Slice(conversations, func(i, j int) bool {
		if conversations[i].LastMessageTimestamp.Equal(conversations[j].LastMessageTimestamp) {
			return conversations[i].ID < conversations[j].ID
		}
		return conversations[i].LastMessageTimestamp.After(conversations[j].LastMessageTimestamp)
	})
}

// TrimSnippet bounds the denormalized last-message copy stored on a
// conversation.
func TrimSnippet(text string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= max {
		return string(runes)
	}
	return string(runes[:max])
}
