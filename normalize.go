package zele

import (
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/TrunderHunter/fe-appchat-zele-sub000/internal/metrics"
)

// ============================================================================
// Realtime event names
// ============================================================================

// Inbound event names.
const (
	EventReceiveMessage         = "receiveMessage"
	EventReceiveGroupMessage    = "receiveGroupMessage"
	EventNewConversation        = "newConversation"
	EventUpdateLastMessage      = "updateLastMessage"
	EventMessageRevoked         = "messageRevoked"
	EventMemberAddedToGroup     = "memberAddedToGroup"
	EventMemberRemovedFromGroup = "memberRemovedFromGroup"
	EventMemberRoleChanged      = "memberRoleChanged"
	EventGroupInfoUpdated       = "groupInfoUpdated"
	EventGroupDeleted           = "groupDeleted"
	EventAddedToGroup           = "addedToGroup"
	EventRemovedFromGroup       = "removedFromGroup"
	EventError                  = "error"
)

// Outbound event names.
const (
	EmitRegisterUser          = "registerUser"
	EmitHeartbeat             = "heartbeat"
	EmitSendFriendRequest     = "sendFriendRequest"
	EmitRespondFriendRequest  = "respondToFriendRequest"
	EmitRevokeMessage         = "revokeMessage"
	EmitAddMembersToGroup     = "addMembersToGroup"
	EmitRemoveMemberFromGroup = "removeMemberFromGroup"
	EmitChangeMemberRole      = "changeRoleMember"
)

// ============================================================================
// Canonical event records
// ============================================================================

// EventKind is the canonical category of a normalized event.
type EventKind string

const (
	KindNewMessage      EventKind = "message.new"
	KindRevocation      EventKind = "message.revoked"
	KindLastMessage     EventKind = "conversation.last_message"
	KindNewConversation EventKind = "conversation.new"
	KindMembership      EventKind = "group.membership"
	KindRoleChange      EventKind = "group.role"
	KindGroupInfo       EventKind = "group.info"
	KindGroupCreated    EventKind = "group.created"
	KindGroupRemoved    EventKind = "group.removed"
	KindServerError     EventKind = "server.error"
)

// Event is the canonical record every inbound realtime payload is converted to.
// Payload holds one of the payload types below, selected by Kind.
type Event struct {
	Kind           EventKind
	Name           string
	ConversationID string
	Payload        interface{}
}

// MembershipChange carries the full new member roster of a group.
type MembershipChange struct {
	GroupID        string
	ConversationID string
	Members        []GroupMember
	Added          []string
	Removed        []string
}

// RoleChange updates one member's role; Members is set when the server sent the full roster.
type RoleChange struct {
	GroupID string
	UserID  string
	Role    Role
	Members []GroupMember
}

// GroupInfo carries edited group metadata; empty fields are unchanged.
type GroupInfo struct {
	GroupID    string
	Name       string
	AvatarRef  string
	InviteLink string
}

// LastMessageUpdate replaces a conversation's last-message summary.
type LastMessageUpdate struct {
	ConversationID string
	Message        *Message
}

// Revocation marks one message revoked.
type Revocation struct {
	MessageID      string
	ConversationID string
}

// GroupCreated announces a group the session user now belongs to.
type GroupCreated struct {
	Group        *Group
	Conversation *Conversation
}

// GroupRemoval evicts a group locally, either because it was deleted or
// because the session user was removed from it.
type GroupRemoval struct {
	GroupID        string
	ConversationID string
	Deleted        bool
	By             string
}

// ServerError is the payload of the server's error event.
type ServerError struct {
	Message string
	Code    string
}

// ============================================================================
// Normalizer
// ============================================================================

// NormalizeFunc maps a raw payload to a canonical event, or nil if malformed.
type NormalizeFunc func(data []byte) *Event

var normalizers = map[string]NormalizeFunc{
	EventReceiveMessage:         NormalizeNewMessage,
	EventReceiveGroupMessage:    NormalizeGroupMessage,
	EventNewConversation:        NormalizeNewConversation,
	EventUpdateLastMessage:      NormalizeLastMessage,
	EventMessageRevoked:         NormalizeRevocation,
	EventMemberAddedToGroup:     NormalizeMembershipChange,
	EventMemberRemovedFromGroup: NormalizeMembershipChange,
	EventMemberRoleChanged:      NormalizeRoleChange,
	EventGroupInfoUpdated:       NormalizeGroupInfo,
	EventGroupDeleted:           NormalizeGroupDeleted,
	EventAddedToGroup:           NormalizeGroupCreated,
	EventRemovedFromGroup:       NormalizeRemovedFromGroup,
	EventError:                  NormalizeServerError,
}

// InboundEvents lists every event name the normalizer understands.
func InboundEvents() []string {
	names := make([]string, 0, len(normalizers))
	for name := range normalizers {
		names = append(names, name)
	}
	return names
}

// Normalizer routes raw realtime payloads to their normalize function and logs drops.
type Normalizer struct {
	log *zap.Logger
}

// NewNormalizer creates a normalizer. A nil logger discards output.
func NewNormalizer(log *zap.Logger) *Normalizer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Normalizer{log: log}
}

// Normalize converts a raw payload received under the given event name.
// Unknown event names and malformed payloads yield nil.
func (n *Normalizer) Normalize(name string, data []byte) *Event {
	metrics.EventsReceived.WithLabelValues(name).Inc()
	fn, ok := normalizers[name]
	if !ok {
		n.log.Debug("unhandled realtime event", zap.String("event", name))
		metrics.EventsDropped.WithLabelValues(name, "unknown").Inc()
		return nil
	}
	if !gjson.ValidBytes(data) {
		n.log.Warn("dropping realtime event with invalid json", zap.String("event", name))
		metrics.EventsDropped.WithLabelValues(name, "invalid_json").Inc()
		return nil
	}
	ev := fn(data)
	if ev == nil {
		n.log.Warn("dropping malformed realtime event",
			zap.String("event", name), zap.ByteString("payload", truncate(data, 512)))
		metrics.EventsDropped.WithLabelValues(name, "malformed").Inc()
		return nil
	}
	ev.Name = name
	return ev
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}

// ============================================================================
// Normalize functions
// ============================================================================

// NormalizeNewMessage handles receiveMessage. Payloads may wrap the message
// under "message" and must carry a message id, a sender, and either a
// conversation id or a receiver.
func NormalizeNewMessage(data []byte) *Event {
	root := gjson.ParseBytes(data)
	msg, ok := ParseMessage(unwrap(root, "message"))
	if !ok {
		return nil
	}
	if msg.ConversationID == "" {
		msg.ConversationID = idOf(root.Get("conversationId"))
	}
	if msg.ConversationID == "" && msg.ReceiverID == "" && msg.GroupID == "" {
		return nil
	}
	return &Event{Kind: KindNewMessage, ConversationID: msg.ConversationID, Payload: msg}
}

// NormalizeGroupMessage handles receiveGroupMessage; the group id may sit next
// to the message instead of inside it.
func NormalizeGroupMessage(data []byte) *Event {
	root := gjson.ParseBytes(data)
	msg, ok := ParseMessage(unwrap(root, "message"))
	if !ok {
		return nil
	}
	if msg.GroupID == "" {
		msg.GroupID = idOf(firstOf(root, "groupId", "group"))
	}
	if msg.ConversationID == "" {
		msg.ConversationID = idOf(root.Get("conversationId"))
	}
	if msg.ConversationID == "" && msg.GroupID == "" {
		return nil
	}
	return &Event{Kind: KindNewMessage, ConversationID: msg.ConversationID, Payload: msg}
}

// NormalizeMembershipChange handles memberAddedToGroup and memberRemovedFromGroup.
// The full roster is required.
func NormalizeMembershipChange(data []byte) *Event {
	root := gjson.ParseBytes(data)
	groupID := idOf(firstOf(root, "groupId", "group"))
	members := firstOf(root, "members", "group.members")
	if groupID == "" || !members.IsArray() {
		return nil
	}
	change := &MembershipChange{
		GroupID:        groupID,
		ConversationID: idOf(firstOf(root, "conversationId", "group.conversationId", "group.conversation")),
		Members:        parseMembers(members),
		Added:          idList(firstOf(root, "addedMembers", "newMembers", "addedMemberIds")),
	}
	if removed := idOf(firstOf(root, "removedMemberId", "removedMember", "memberId")); removed != "" {
		change.Removed = []string{removed}
	}
	return &Event{Kind: KindMembership, ConversationID: change.ConversationID, Payload: change}
}

// NormalizeRoleChange handles memberRoleChanged.
func NormalizeRoleChange(data []byte) *Event {
	root := gjson.ParseBytes(data)
	groupID := idOf(firstOf(root, "groupId", "group"))
	userID := idOf(firstOf(root, "userId", "memberId", "member"))
	role, ok := parseRole(firstOf(root, "role", "newRole").String())
	if groupID == "" || userID == "" || !ok {
		return nil
	}
	change := &RoleChange{GroupID: groupID, UserID: userID, Role: role}
	if members := firstOf(root, "members", "group.members"); members.IsArray() {
		change.Members = parseMembers(members)
	}
	return &Event{Kind: KindRoleChange, Payload: change}
}

// NormalizeGroupInfo handles groupInfoUpdated.
func NormalizeGroupInfo(data []byte) *Event {
	root := gjson.ParseBytes(data)
	g := unwrap(root, "group")
	groupID := idOf(firstOf(g, "_id", "id", "groupId"))
	if groupID == "" {
		groupID = idOf(root.Get("groupId"))
	}
	if groupID == "" {
		return nil
	}
	info := &GroupInfo{
		GroupID:    groupID,
		Name:       g.Get("name").String(),
		AvatarRef:  firstOf(g, "avatarRef", "avatar").String(),
		InviteLink: g.Get("inviteLink").String(),
	}
	return &Event{
		Kind:           KindGroupInfo,
		ConversationID: idOf(firstOf(g, "conversationId", "conversation")),
		Payload:        info,
	}
}

// NormalizeLastMessage handles updateLastMessage.
func NormalizeLastMessage(data []byte) *Event {
	root := gjson.ParseBytes(data)
	convID := idOf(firstOf(root, "conversationId", "conversation"))
	msg, ok := ParseMessage(firstOf(root, "lastMessage", "message"))
	if convID == "" || !ok {
		return nil
	}
	if msg.ConversationID == "" {
		msg.ConversationID = convID
	}
	return &Event{
		Kind:           KindLastMessage,
		ConversationID: convID,
		Payload:        &LastMessageUpdate{ConversationID: convID, Message: msg},
	}
}

// NormalizeRevocation handles messageRevoked.
func NormalizeRevocation(data []byte) *Event {
	root := gjson.ParseBytes(data)
	msgID := idOf(firstOf(root, "messageId", "message", "_id", "id"))
	if msgID == "" {
		return nil
	}
	convID := idOf(firstOf(root, "conversationId", "message.conversationId"))
	return &Event{
		Kind:           KindRevocation,
		ConversationID: convID,
		Payload:        &Revocation{MessageID: msgID, ConversationID: convID},
	}
}

// NormalizeNewConversation handles newConversation.
func NormalizeNewConversation(data []byte) *Event {
	conv, ok := ParseConversation(unwrap(gjson.ParseBytes(data), "conversation"))
	if !ok {
		return nil
	}
	return &Event{Kind: KindNewConversation, ConversationID: conv.ID, Payload: conv}
}

// NormalizeGroupCreated handles addedToGroup. When no conversation accompanies
// the group, one is derived from the group itself.
func NormalizeGroupCreated(data []byte) *Event {
	root := gjson.ParseBytes(data)
	group, ok := ParseGroup(unwrap(root, "group"))
	if !ok {
		return nil
	}
	created := &GroupCreated{Group: group}
	if c := root.Get("conversation"); c.IsObject() {
		if conv, ok := ParseConversation(c); ok {
			conv.Kind = KindGroup
			conv.GroupID = group.ID
			created.Conversation = conv
			group.ConversationID = conv.ID
		}
	}
	if created.Conversation == nil && group.ConversationID != "" {
		created.Conversation = conversationForGroup(group)
	}
	convID := group.ConversationID
	return &Event{Kind: KindGroupCreated, ConversationID: convID, Payload: created}
}

// NormalizeGroupDeleted handles groupDeleted.
func NormalizeGroupDeleted(data []byte) *Event {
	return normalizeRemoval(data, true)
}

// NormalizeRemovedFromGroup handles removedFromGroup.
func NormalizeRemovedFromGroup(data []byte) *Event {
	return normalizeRemoval(data, false)
}

func normalizeRemoval(data []byte, deleted bool) *Event {
	root := gjson.ParseBytes(data)
	groupID := idOf(firstOf(root, "groupId", "group"))
	if groupID == "" {
		return nil
	}
	r := &GroupRemoval{
		GroupID:        groupID,
		ConversationID: idOf(firstOf(root, "conversationId", "group.conversationId")),
		Deleted:        deleted,
		By:             idOf(firstOf(root, "removedBy", "deletedBy", "by")),
	}
	return &Event{Kind: KindGroupRemoved, ConversationID: r.ConversationID, Payload: r}
}

// NormalizeServerError handles the server's error event.
func NormalizeServerError(data []byte) *Event {
	root := gjson.ParseBytes(data)
	var msg string
	if root.Type == gjson.String {
		msg = root.String()
	} else {
		msg = firstOf(root, "message", "error", "msg").String()
	}
	if msg == "" {
		return nil
	}
	return &Event{Kind: KindServerError, Payload: &ServerError{Message: msg, Code: root.Get("code").String()}}
}

// ============================================================================
// DTO parsing (shared with the REST client)
// ============================================================================

// ParseMessage decodes a message object. It requires an id and a sender.
func ParseMessage(r gjson.Result) (*Message, bool) {
	if !r.IsObject() {
		return nil, false
	}
	id := idOf(firstOf(r, "_id", "id", "messageId"))
	sender := idOf(firstOf(r, "senderId", "sender"))
	if id == "" || sender == "" {
		return nil, false
	}
	m := &Message{
		ID:             id,
		ClientID:       firstOf(r, "clientId", "tempId").String(),
		ConversationID: idOf(firstOf(r, "conversationId", "conversation")),
		GroupID:        idOf(firstOf(r, "groupId", "group")),
		SenderID:       sender,
		ReceiverID:     idOf(firstOf(r, "receiverId", "receiver")),
		Type:           parseMessageType(r.Get("type").String()),
		Content:        r.Get("content").String(),
		FileName:       firstOf(r, "fileName", "file.name").String(),
		Timestamp:      timeOf(firstOf(r, "createdAt", "timestamp", "sentAt")),
		Status:         parseStatus(r.Get("status").String()),
		Revoked:        firstOf(r, "isRevoked", "revoked").Bool(),
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	if m.Revoked {
		m.revoke()
	}
	return m, true
}

// ParseConversation decodes a conversation object. It requires an id.
func ParseConversation(r gjson.Result) (*Conversation, bool) {
	if !r.IsObject() {
		return nil, false
	}
	id := idOf(firstOf(r, "_id", "id", "conversationId"))
	if id == "" {
		return nil, false
	}
	c := &Conversation{
		ID:        id,
		Kind:      KindPersonal,
		GroupID:   idOf(firstOf(r, "groupId", "group")),
		Name:      firstOf(r, "name", "group.name").String(),
		AvatarRef: firstOf(r, "avatarRef", "avatar", "group.avatar").String(),
		UpdatedAt: timeOf(firstOf(r, "updatedAt", "lastActivity", "createdAt")),
	}
	if strings.EqualFold(firstOf(r, "type", "kind").String(), string(KindGroup)) || c.GroupID != "" {
		c.Kind = KindGroup
	}
	if ps := firstOf(r, "participants", "members"); ps.IsArray() {
		for _, p := range ps.Array() {
			if part, ok := parseParticipant(p); ok {
				c.Participants = append(c.Participants, part)
			}
		}
	}
	if lm, ok := ParseMessage(r.Get("lastMessage")); ok {
		c.LastMessage = lm.Summary()
		if c.UpdatedAt.Before(lm.Timestamp) {
			c.UpdatedAt = lm.Timestamp
		}
	}
	return c, true
}

// ParseGroup decodes a group object. It requires an id.
func ParseGroup(r gjson.Result) (*Group, bool) {
	if !r.IsObject() {
		return nil, false
	}
	id := idOf(firstOf(r, "_id", "id", "groupId"))
	if id == "" {
		return nil, false
	}
	g := &Group{
		ID:             id,
		ConversationID: idOf(firstOf(r, "conversationId", "conversation")),
		Name:           r.Get("name").String(),
		AvatarRef:      firstOf(r, "avatarRef", "avatar").String(),
		CreatorID:      idOf(firstOf(r, "creatorId", "createdBy", "creator")),
		InviteLink:     r.Get("inviteLink").String(),
	}
	if ms := r.Get("members"); ms.IsArray() {
		g.Members = parseMembers(ms)
	}
	return g, true
}

func conversationForGroup(g *Group) *Conversation {
	return &Conversation{
		ID:           g.ConversationID,
		Kind:         KindGroup,
		GroupID:      g.ID,
		Name:         g.Name,
		AvatarRef:    g.AvatarRef,
		Participants: participantsFromMembers(g.Members),
		UpdatedAt:    time.Now().UTC(),
	}
}

func parseParticipant(r gjson.Result) (Participant, bool) {
	if !r.IsObject() {
		id := r.String()
		return Participant{UserID: id}, id != ""
	}
	uid := idOf(firstOf(r, "userId", "user", "_id", "id"))
	if uid == "" {
		return Participant{}, false
	}
	role, _ := parseRole(r.Get("role").String())
	return Participant{
		UserID:      uid,
		DisplayName: firstOf(r, "displayName", "name", "fullname", "user.name", "user.fullname").String(),
		AvatarRef:   firstOf(r, "avatarRef", "avatar", "user.avatar").String(),
		Role:        role,
	}, true
}

func parseMembers(r gjson.Result) []GroupMember {
	members := make([]GroupMember, 0)
	for _, m := range r.Array() {
		p, ok := parseParticipant(m)
		if !ok {
			continue
		}
		if p.Role == "" {
			p.Role = RoleMember
		}
		members = append(members, GroupMember{
			UserID:      p.UserID,
			DisplayName: p.DisplayName,
			AvatarRef:   p.AvatarRef,
			Role:        p.Role,
		})
	}
	return members
}

// ============================================================================
// gjson helpers
// ============================================================================

// unwrap returns root.key when it is an object, else root.
func unwrap(root gjson.Result, key string) gjson.Result {
	if inner := root.Get(key); inner.IsObject() {
		return inner
	}
	return root
}

func firstOf(r gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() && v.Type != gjson.Null {
			return v
		}
	}
	return gjson.Result{}
}

// idOf accepts a bare id (string or number) or an embedded object carrying _id or id.
func idOf(r gjson.Result) string {
	switch {
	case !r.Exists() || r.Type == gjson.Null:
		return ""
	case r.IsObject():
		return firstOf(r, "_id", "id", "userId").String()
	case r.IsArray():
		return ""
	}
	return r.String()
}

func idList(r gjson.Result) []string {
	if !r.IsArray() {
		if id := idOf(r); id != "" {
			return []string{id}
		}
		return nil
	}
	var ids []string
	for _, v := range r.Array() {
		if id := idOf(v); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func timeOf(r gjson.Result) time.Time {
	switch r.Type {
	case gjson.Number:
		return time.UnixMilli(r.Int()).UTC()
	case gjson.String:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
			if t, err := time.Parse(layout, r.String()); err == nil {
				return t.UTC()
			}
		}
	}
	return time.Time{}
}

func parseRole(s string) (Role, bool) {
	switch Role(strings.ToLower(s)) {
	case RoleAdmin:
		return RoleAdmin, true
	case RoleModerator:
		return RoleModerator, true
	case RoleMember:
		return RoleMember, true
	}
	return "", false
}

func parseMessageType(s string) MessageType {
	switch t := MessageType(strings.ToLower(s)); t {
	case MessageImage, MessageVideo, MessageFile, MessageVoice:
		return t
	}
	return MessageText
}

func parseStatus(s string) MessageStatus {
	switch st := MessageStatus(strings.ToLower(s)); st {
	case StatusDelivered, StatusSeen:
		return st
	}
	return StatusSent
}
