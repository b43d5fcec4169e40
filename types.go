package zele

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Enumerations
// ============================================================================

// ConversationKind tags a conversation as personal (two users) or group.
type ConversationKind string

const (
	KindPersonal ConversationKind = "personal"
	KindGroup    ConversationKind = "group"
)

// MessageType is the payload kind of a message.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageVideo MessageType = "video"
	MessageFile  MessageType = "file"
	MessageVoice MessageType = "voice"
)

// MessageStatus is the delivery status of a message. Sending and failed are
// local-only states of an optimistic entry.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusSeen      MessageStatus = "seen"
	StatusFailed    MessageStatus = "failed"
)

// Role is a member's role inside a group.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
	RoleMember    Role = "member"
)

// ============================================================================
// Messages
// ============================================================================

// Message is a single chat message.
type Message struct {
	ID             string        `json:"id"`
	ClientID       string        `json:"clientId,omitempty"`
	ConversationID string        `json:"conversationId"`
	GroupID        string        `json:"groupId,omitempty"`
	SenderID       string        `json:"senderId"`
	ReceiverID     string        `json:"receiverId,omitempty"`
	Type           MessageType   `json:"type"`
	Content        string        `json:"content"`
	FileName       string        `json:"fileName,omitempty"`
	Timestamp      time.Time     `json:"timestamp"`
	Status         MessageStatus `json:"status"`
	Revoked        bool          `json:"revoked"`
}

func (m *Message) clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	return &c
}

// revoke marks the message revoked and drops its payload.
func (m *Message) revoke() {
	m.Revoked = true
	m.Content = ""
	m.FileName = ""
}

// Summary returns the denormalized form stored as a conversation's last message.
func (m *Message) Summary() *MessageSummary {
	s := &MessageSummary{
		ID:        m.ID,
		SenderID:  m.SenderID,
		Type:      m.Type,
		Timestamp: m.Timestamp,
		Revoked:   m.Revoked,
	}
	if !m.Revoked {
		s.Preview = previewOf(m)
	}
	return s
}

func previewOf(m *Message) string {
	switch m.Type {
	case MessageImage:
		return "[image]"
	case MessageVideo:
		return "[video]"
	case MessageVoice:
		return "[voice]"
	case MessageFile:
		if m.FileName != "" {
			return "[file] " + m.FileName
		}
		return "[file]"
	}
	const max = 120
	if r := []rune(m.Content); len(r) > max {
		return string(r[:max])
	}
	return m.Content
}

// MessageSummary is the last-message preview carried by a conversation.
type MessageSummary struct {
	ID        string      `json:"id"`
	SenderID  string      `json:"senderId,omitempty"`
	Type      MessageType `json:"type"`
	Preview   string      `json:"preview"`
	Timestamp time.Time   `json:"timestamp"`
	Revoked   bool        `json:"revoked"`
}

// ============================================================================
// Conversations and groups
// ============================================================================

// Participant is a member of a conversation. Role is only meaningful for
// group conversations.
type Participant struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarRef   string `json:"avatarRef,omitempty"`
	Role        Role   `json:"role,omitempty"`
}

// Conversation is a personal or group conversation.
type Conversation struct {
	ID           string           `json:"id"`
	Kind         ConversationKind `json:"kind"`
	GroupID      string           `json:"groupId,omitempty"`
	Name         string           `json:"name,omitempty"`
	AvatarRef    string           `json:"avatarRef,omitempty"`
	Participants []Participant    `json:"participants"`
	LastMessage  *MessageSummary  `json:"lastMessage,omitempty"`
	UpdatedAt    time.Time        `json:"updatedAt"`
}

func (c *Conversation) clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Participants = append([]Participant(nil), c.Participants...)
	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}
	return &out
}

// HasParticipant reports whether userID takes part in the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// GroupMember is a user's membership entry in a group.
type GroupMember struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarRef   string `json:"avatarRef,omitempty"`
	Role        Role   `json:"role"`
}

// Group is the metadata of a group conversation.
type Group struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId,omitempty"`
	Name           string        `json:"name"`
	AvatarRef      string        `json:"avatarRef,omitempty"`
	CreatorID      string        `json:"creatorId"`
	Members        []GroupMember `json:"members"`
	InviteLink     string        `json:"inviteLink,omitempty"`
}

func (g *Group) clone() *Group {
	if g == nil {
		return nil
	}
	out := *g
	out.Members = append([]GroupMember(nil), g.Members...)
	return &out
}

// Admins returns the user ids holding the admin role.
func (g *Group) Admins() []string {
	var ids []string
	for _, m := range g.Members {
		if m.Role == RoleAdmin {
			ids = append(ids, m.UserID)
		}
	}
	return ids
}

func participantsFromMembers(members []GroupMember) []Participant {
	out := make([]Participant, 0, len(members))
	for _, m := range members {
		out = append(out, Participant{
			UserID:      m.UserID,
			DisplayName: m.DisplayName,
			AvatarRef:   m.AvatarRef,
			Role:        m.Role,
		})
	}
	return out
}

// ============================================================================
// REST envelope
// ============================================================================

// Result is the generic response envelope of the chat backend.
type Result struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
	Code    string          `json:"code,omitempty"`
}

// Decode unmarshals the Data field into the provided value.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// SendMessageRequest is the body of a message send.
type SendMessageRequest struct {
	ConversationID string      `json:"conversationId,omitempty"`
	ReceiverID     string      `json:"receiverId,omitempty"`
	GroupID        string      `json:"groupId,omitempty"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type"`
	ClientID       string      `json:"clientId"`
}

// CreateGroupRequest is the body of a group creation.
type CreateGroupRequest struct {
	Name      string   `json:"name"`
	MemberIDs []string `json:"members"`
	AvatarRef string   `json:"avatar,omitempty"`
}

// UpdateGroupRequest carries the editable group fields; empty fields are left unchanged.
type UpdateGroupRequest struct {
	Name      string `json:"name,omitempty"`
	AvatarRef string `json:"avatar,omitempty"`
}
