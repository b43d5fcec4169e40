package zele

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// SyncConfig configures a Synchronizer.
type SyncConfig struct {
	UserID string
	// Connection configures the realtime channel; Token defaults to the REST client's.
	Connection *ConnectionConfig
	// Storage, when set, restores the store on Start and receives Persist snapshots.
	Storage  Storage
	Notifier Notifier
	PageSize int
	// GuardWait bounds how long concurrent creations of one conversation wait on each other.
	GuardWait time.Duration
	// LookupTimeout bounds background conversation lookups for unknown messages.
	LookupTimeout time.Duration
	Logger        *zap.Logger
}

func (c *SyncConfig) defaults() {
	if c.Connection == nil {
		c.Connection = &ConnectionConfig{}
	}
	if c.Notifier == nil {
		c.Notifier = NotifierFunc(func(Notice) {})
	}
	if c.LookupTimeout == 0 {
		c.LookupTimeout = 15 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Synchronizer wires the realtime connection, normalizer, store, guard and
// notification dispatcher together, and exposes the local user actions.
type Synchronizer struct {
	client  *Client
	conn    *ConnectionManager
	norm    *Normalizer
	store   *Store
	guard   *Guard
	notices *Dispatcher
	storage Storage
	userID  string
	timeout time.Duration
	log     *zap.Logger

	mu        sync.Mutex
	attached  *Session
	offs      []func()
	connected bool
	wasUp     bool
	stopped   bool
	lookups   sync.WaitGroup
}

// NewSynchronizer creates a synchronizer for config.UserID using client for REST.
func NewSynchronizer(client *Client, config *SyncConfig) *Synchronizer {
	if config == nil {
		config = &SyncConfig{}
	}
	cfg := *config
	cfg.defaults()
	connCfg := *cfg.Connection
	if connCfg.Token == "" {
		connCfg.Token = client.Token()
	}
	if connCfg.Logger == nil {
		connCfg.Logger = cfg.Logger
	}

	s := &Synchronizer{
		client:  client,
		conn:    NewConnectionManager(client.BaseURL(), &connCfg),
		norm:    NewNormalizer(cfg.Logger),
		guard:   NewGuard(&GuardConfig{Wait: cfg.GuardWait, Logger: cfg.Logger}),
		storage: cfg.Storage,
		userID:  cfg.UserID,
		timeout: cfg.LookupTimeout,
		log:     cfg.Logger.Named("sync"),
	}
	s.store = NewStore(&StoreConfig{
		SelfID:   cfg.UserID,
		PageSize: cfg.PageSize,
		Fetcher:  client.Messages,
		Logger:   cfg.Logger,
	})
	s.notices = NewDispatcher(cfg.Notifier, &DispatcherConfig{
		ActiveConversation: s.store.CurrentConversationID,
		Guard:              s.guard,
		Logger:             cfg.Logger,
	})
	return s
}

// Store returns the reconciliation store.
func (s *Synchronizer) Store() *Store { return s.store }

// Connection returns the realtime connection manager.
func (s *Synchronizer) Connection() *ConnectionManager { return s.conn }

// Notices returns the notification dispatcher.
func (s *Synchronizer) Notices() *Dispatcher { return s.notices }

// ============================================================================
// Lifecycle
// ============================================================================

// Start restores any persisted snapshot, connects the realtime channel and
// loads the conversation list. A failed initial connection is retried in the
// background and is not returned as an error.
func (s *Synchronizer) Start(ctx context.Context) error {
	if s.userID == "" {
		return fmt.Errorf("start: user id is required")
	}
	if s.storage != nil {
		snap, err := s.storage.Load(s.userID)
		switch {
		case err == nil:
			s.store.Restore(snap)
			s.log.Info("restored snapshot", zap.Int("conversations", len(snap.Conversations)), zap.Time("saved_at", snap.SavedAt))
		case !errors.Is(err, ErrNotFound):
			s.log.Warn("load snapshot", zap.Error(err))
		}
	}

	s.mu.Lock()
	if s.offs == nil {
		s.offs = append(s.offs,
			s.store.Subscribe(s.notices.Observe),
			s.conn.OnConnectionChange(s.onConnectionChange),
		)
	}
	s.mu.Unlock()

	session, err := s.conn.Initialize(ctx, s.userID)
	if err != nil {
		s.log.Warn("realtime unavailable, retrying in background", zap.Error(err))
		session = s.conn.Session()
	}
	if session != nil {
		s.attach(session)
	}
	return s.LoadConversations(ctx)
}

// Stop detaches handlers, persists a snapshot, disconnects and drains notices.
// A stopped synchronizer cannot be restarted.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	offs := s.offs
	s.offs = nil
	s.attached = nil
	s.stopped = true
	s.mu.Unlock()
	for _, off := range offs {
		off()
	}

	s.conn.Disconnect()
	s.lookups.Wait()
	if err := s.Persist(); err != nil {
		s.log.Warn("persist on stop", zap.Error(err))
	}
	s.notices.Close()
}

// Persist saves the store snapshot to the configured storage.
func (s *Synchronizer) Persist() error {
	if s.storage == nil {
		return nil
	}
	if err := s.storage.Save(s.store.Snapshot()); err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}
	return nil
}

// Connected reports the last observed connection state.
func (s *Synchronizer) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Synchronizer) attach(session *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached == session {
		return
	}
	s.attached = session
	for _, name := range InboundEvents() {
		event := name
		s.offs = append(s.offs, session.On(event, func(data json.RawMessage) {
			s.handle(event, data)
		}))
	}
}

// onConnectionChange refreshes the conversation list after a reconnect so
// pushes missed while offline are picked up.
func (s *Synchronizer) onConnectionChange(up bool) {
	s.mu.Lock()
	s.connected = up
	resync := up && s.wasUp
	if up {
		s.wasUp = true
	}
	s.mu.Unlock()

	if up {
		if session := s.conn.Session(); session != nil {
			s.attach(session)
		}
	}
	if resync {
		s.background(func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
			defer cancel()
			if err := s.LoadConversations(ctx); err != nil {
				s.log.Warn("resync after reconnect", zap.Error(err))
			}
		})
	}
}

// background runs fn on its own goroutine unless the synchronizer is stopped.
// Stop waits for every fn started this way.
func (s *Synchronizer) background(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.lookups.Add(1)
	go func() {
		defer s.lookups.Done()
		fn()
	}()
	return true
}

// ============================================================================
// Inbound events
// ============================================================================

// handle runs on the realtime read goroutine. Anything needing the network
// is moved to a background lookup.
func (s *Synchronizer) handle(name string, data []byte) {
	ev := s.norm.Normalize(name, data)
	if ev == nil {
		return
	}
	switch p := ev.Payload.(type) {
	case *Message:
		s.applyMessage(p)
	case *Revocation:
		s.store.ApplyRevocation(p.MessageID, p.ConversationID)
	case *LastMessageUpdate:
		if !s.store.ApplyLastMessage(p) {
			s.lookup(p.Message, "conversation:"+p.ConversationID, func() bool {
				return s.store.ApplyLastMessage(p)
			})
		}
	case *Conversation:
		s.store.UpsertConversation(p)
	case *MembershipChange:
		s.store.ApplyMembershipChange(p)
	case *RoleChange:
		s.store.ApplyRoleChange(p)
	case *GroupInfo:
		s.store.ApplyGroupInfo(p)
	case *GroupCreated:
		s.store.UpsertGroup(p.Group)
		if p.Conversation != nil {
			s.store.UpsertConversation(p.Conversation)
		}
	case *GroupRemoval:
		reason := "removed"
		if p.Deleted {
			reason = "deleted"
		}
		s.store.RemoveGroup(p.GroupID, p.ConversationID, reason)
	case *ServerError:
		s.notices.ReportServerError(p)
	}
}

func (s *Synchronizer) applyMessage(m *Message) {
	outcome, _ := s.store.ApplyNewMessage(m)
	if outcome != UnknownConversation {
		return
	}
	s.lookup(m, s.lookupKey(m), func() bool {
		outcome, _ := s.store.ApplyNewMessage(m)
		return outcome != UnknownConversation
	})
}

func (s *Synchronizer) lookupKey(m *Message) string {
	switch {
	case m.ConversationID != "":
		return "conversation:" + m.ConversationID
	case m.GroupID != "":
		return "group:" + m.GroupID
	}
	return PersonalKey(s.userID, s.peerOf(m))
}

func (s *Synchronizer) peerOf(m *Message) string {
	if m.SenderID == s.userID {
		return m.ReceiverID
	}
	return m.SenderID
}

// lookup resolves the conversation of m over REST in the background and then
// calls apply again. Concurrent lookups for the same key share one request.
func (s *Synchronizer) lookup(m *Message, key string, apply func() bool) {
	started := s.background(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		_, _, err := s.guard.Do(ctx, key, func(ctx context.Context) (interface{}, error) {
			return s.resolveRemote(ctx, m)
		})
		if err != nil {
			s.log.Debug("conversation lookup failed", zap.String("key", key), zap.Error(err))
			s.notices.Report(err, true)
			return
		}
		if !apply() {
			s.log.Warn("message still has no conversation after lookup",
				zap.String("message", m.ID), zap.String("key", key))
		}
	})
	if !started {
		s.log.Debug("dropping lookup after stop", zap.String("message", m.ID))
	}
}

func (s *Synchronizer) resolveRemote(ctx context.Context, m *Message) (*Conversation, error) {
	var (
		conv *Conversation
		err  error
	)
	switch {
	case m.ConversationID != "":
		conv, err = s.client.Conversations.Get(ctx, m.ConversationID)
	case m.GroupID != "":
		var g *Group
		g, err = s.client.Groups.Get(ctx, m.GroupID)
		if err == nil {
			s.store.UpsertGroup(g)
			if cid, ok := s.store.ConversationForGroup(g.ID); ok {
				if c, ok := s.store.Conversation(cid); ok {
					return c, nil
				}
			}
			return nil, fmt.Errorf("group %s: conversation %w", g.ID, ErrNotFound)
		}
	default:
		conv, err = s.client.Conversations.FindPersonal(ctx, s.peerOf(m))
	}
	if err != nil {
		return nil, err
	}
	s.store.UpsertConversation(conv)
	return conv, nil
}

// ============================================================================
// Conversations
// ============================================================================

// LoadConversations fetches the conversation and group lists and merges them.
func (s *Synchronizer) LoadConversations(ctx context.Context) error {
	convs, err := s.client.Conversations.List(ctx)
	if err != nil {
		return err
	}
	groups, err := s.client.Groups.List(ctx)
	if err != nil {
		return err
	}
	for _, g := range groups {
		s.store.UpsertGroup(g)
	}
	for _, c := range convs {
		if c.LastMessage != nil {
			s.guard.MarkSeen(c.LastMessage.ID)
		}
	}
	s.store.SetConversations(convs)
	return nil
}

// OpenConversation makes a conversation active and loads its latest page.
func (s *Synchronizer) OpenConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	conv, ok := s.store.Conversation(conversationID)
	if !ok {
		var err error
		conv, err = s.client.Conversations.Get(ctx, conversationID)
		if err != nil {
			return nil, err
		}
	}
	if err := s.store.SetCurrentConversation(ctx, conv); err != nil {
		return conv, err
	}
	for _, m := range s.store.Messages() {
		s.guard.MarkSeen(m.ID)
	}
	return conv, nil
}

// OpenPersonalConversation opens the personal conversation with peerID,
// creating it when none exists. Concurrent calls for the same pair create at
// most one conversation, within the guard's wait bound.
func (s *Synchronizer) OpenPersonalConversation(ctx context.Context, peerID string) (*Conversation, error) {
	conv, ok := s.store.FindPersonal(s.userID, peerID)
	if !ok {
		v, _, err := s.guard.Do(ctx, PersonalKey(s.userID, peerID), func(ctx context.Context) (interface{}, error) {
			if c, ok := s.store.FindPersonal(s.userID, peerID); ok {
				return c, nil
			}
			c, err := s.client.Conversations.FindPersonal(ctx, peerID)
			if errors.Is(err, ErrNotFound) {
				s.notices.Report(err, true)
				c, err = s.client.Conversations.CreatePersonal(ctx, peerID)
			}
			if err != nil {
				return nil, err
			}
			s.store.UpsertConversation(c)
			return c, nil
		})
		if err != nil {
			s.notices.Report(err, false)
			return nil, err
		}
		conv = v.(*Conversation)
	}
	if err := s.store.SetCurrentConversation(ctx, conv); err != nil {
		return conv, err
	}
	return conv, nil
}

// LoadOlderMessages prepends the previous page of the active conversation.
func (s *Synchronizer) LoadOlderMessages(ctx context.Context) (int, error) {
	return s.store.LoadOlderMessages(ctx)
}

// ============================================================================
// Messages
// ============================================================================

func (s *Synchronizer) addressOf(conversationID string) (receiverID, groupID string, err error) {
	conv, ok := s.store.Conversation(conversationID)
	if !ok {
		return "", "", fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	if conv.Kind == KindGroup {
		return "", conv.GroupID, nil
	}
	for _, p := range conv.Participants {
		if p.UserID != s.userID {
			return p.UserID, "", nil
		}
	}
	return "", "", nil
}

// SendMessage sends a text message optimistically. On failure the local
// entry is marked failed and kept.
func (s *Synchronizer) SendMessage(ctx context.Context, conversationID, content string) (*Message, error) {
	receiverID, groupID, err := s.addressOf(conversationID)
	if err != nil {
		return nil, err
	}
	req := &SendMessageRequest{
		ConversationID: conversationID,
		ReceiverID:     receiverID,
		GroupID:        groupID,
		Content:        content,
		Type:           MessageText,
		ClientID:       uuid.NewString(),
	}
	pending := s.store.ApplyOptimisticSend(&Message{
		ClientID:       req.ClientID,
		ConversationID: conversationID,
		GroupID:        groupID,
		SenderID:       s.userID,
		ReceiverID:     receiverID,
		Type:           MessageText,
		Content:        content,
	})

	msg, err := s.client.Messages.Send(ctx, req)
	if err != nil {
		pending.Fail()
		s.notices.Report(err, false)
		return nil, err
	}
	s.guard.MarkSeen(msg.ID)
	pending.Confirm(msg)
	return msg, nil
}

// SendFile sends a file attachment optimistically.
func (s *Synchronizer) SendFile(ctx context.Context, conversationID, fileName string, data []byte) (*Message, error) {
	receiverID, groupID, err := s.addressOf(conversationID)
	if err != nil {
		return nil, err
	}
	req := &SendFileRequest{
		ConversationID: conversationID,
		ReceiverID:     receiverID,
		GroupID:        groupID,
		ClientID:       uuid.NewString(),
		FileName:       fileName,
		Data:           data,
	}
	pending := s.store.ApplyOptimisticSend(&Message{
		ClientID:       req.ClientID,
		ConversationID: conversationID,
		GroupID:        groupID,
		SenderID:       s.userID,
		ReceiverID:     receiverID,
		Type:           messageTypeFor(guessMimeType(fileName)),
		FileName:       fileName,
	})

	msg, err := s.client.Messages.SendFile(ctx, req)
	if err != nil {
		pending.Fail()
		s.notices.Report(err, false)
		return nil, err
	}
	s.guard.MarkSeen(msg.ID)
	pending.Confirm(msg)
	return msg, nil
}

// RetryMessage discards a failed text message and sends its content again.
func (s *Synchronizer) RetryMessage(ctx context.Context, clientID string) (*Message, error) {
	failed, ok := s.store.DiscardFailed(clientID)
	if !ok {
		return nil, fmt.Errorf("retry %s: %w", clientID, ErrNotFound)
	}
	if failed.Type != MessageText {
		return nil, fmt.Errorf("retry %s: only text messages can be resent", clientID)
	}
	return s.SendMessage(ctx, failed.ConversationID, failed.Content)
}

// RevokeMessage asks the server to revoke a message and marks it revoked once acknowledged.
func (s *Synchronizer) RevokeMessage(ctx context.Context, conversationID, messageID string) error {
	_, err := s.emitAction(ctx, EmitRevokeMessage, map[string]string{
		"messageId":      messageID,
		"conversationId": conversationID,
	})
	if err != nil {
		return err
	}
	s.store.ApplyRevocation(messageID, conversationID)
	return nil
}

// ============================================================================
// Groups
// ============================================================================

// CreateGroup creates a group and applies it to the store. Repeated calls
// with the same name and members while one is in flight share its result.
func (s *Synchronizer) CreateGroup(ctx context.Context, name string, memberIDs []string) (*Group, error) {
	members := append([]string(nil), memberIDs...)
	sort.Strings(members)
	key := "create-group:" + name + ":" + strings.Join(members, ",")

	v, _, err := s.guard.Do(ctx, key, func(ctx context.Context) (interface{}, error) {
		g, conv, err := s.client.Groups.Create(ctx, &CreateGroupRequest{Name: name, MemberIDs: memberIDs})
		if err != nil {
			return nil, err
		}
		s.store.UpsertGroup(g)
		if conv != nil {
			s.store.UpsertConversation(conv)
		}
		return g, nil
	})
	if err != nil {
		s.notices.Report(err, false)
		return nil, err
	}
	return v.(*Group).clone(), nil
}

// UpdateGroup edits a group's name or avatar.
func (s *Synchronizer) UpdateGroup(ctx context.Context, groupID string, req *UpdateGroupRequest) (*Group, error) {
	g, err := s.client.Groups.Update(ctx, groupID, req)
	if err != nil {
		s.notices.Report(err, false)
		return nil, err
	}
	s.store.ApplyGroupInfo(&GroupInfo{GroupID: groupID, Name: g.Name, AvatarRef: g.AvatarRef, InviteLink: g.InviteLink})
	return g, nil
}

// DeleteGroup deletes a group and removes it locally.
func (s *Synchronizer) DeleteGroup(ctx context.Context, groupID string) error {
	if err := s.client.Groups.Delete(ctx, groupID); err != nil {
		s.notices.Report(err, false)
		return err
	}
	s.store.RemoveGroup(groupID, "", "deleted")
	return nil
}

// AddMembers adds users to a group.
func (s *Synchronizer) AddMembers(ctx context.Context, groupID string, userIDs []string) error {
	ack, err := s.emitAction(ctx, EmitAddMembersToGroup, map[string]interface{}{
		"groupId":   groupID,
		"memberIds": userIDs,
	})
	if err != nil {
		return err
	}
	s.applyRosterAck(groupID, ack)
	return nil
}

// RemoveMember removes a user from a group. The creator cannot be removed.
func (s *Synchronizer) RemoveMember(ctx context.Context, groupID, userID string) error {
	if g, ok := s.store.Group(groupID); ok && g.CreatorID == userID {
		return fmt.Errorf("remove %s from %s: %w", userID, groupID, ErrCreatorRemoval)
	}
	ack, err := s.emitAction(ctx, EmitRemoveMemberFromGroup, map[string]string{
		"groupId":  groupID,
		"memberId": userID,
	})
	if err != nil {
		return err
	}
	s.applyRosterAck(groupID, ack)
	return nil
}

// ChangeRole sets a member's role.
func (s *Synchronizer) ChangeRole(ctx context.Context, groupID, userID string, role Role) error {
	if _, ok := parseRole(string(role)); !ok {
		return fmt.Errorf("change role: invalid role %q", role)
	}
	ack, err := s.emitAction(ctx, EmitChangeMemberRole, map[string]string{
		"groupId":  groupID,
		"memberId": userID,
		"role":     string(role),
	})
	if err != nil {
		return err
	}
	rc := &RoleChange{GroupID: groupID, UserID: userID, Role: role}
	if members := firstOf(ack, "members", "group.members"); members.IsArray() {
		rc.Members = parseMembers(members)
	}
	s.store.ApplyRoleChange(rc)
	return nil
}

// applyRosterAck applies the member list carried by an acknowledgement, if any.
func (s *Synchronizer) applyRosterAck(groupID string, ack gjson.Result) {
	members := firstOf(ack, "members", "group.members")
	if !members.IsArray() {
		return
	}
	s.store.ApplyMembershipChange(&MembershipChange{
		GroupID:        groupID,
		ConversationID: idOf(firstOf(ack, "conversationId", "group.conversationId")),
		Members:        parseMembers(members),
	})
}

// ============================================================================
// Friend requests
// ============================================================================

// SendFriendRequest sends a friend request. A duplicate request is reported
// once through the dispatcher and returned as an error matching ErrConflict.
func (s *Synchronizer) SendFriendRequest(ctx context.Context, receiverID, message string) error {
	_, err := s.emitAction(ctx, EmitSendFriendRequest, map[string]string{
		"receiverId": receiverID,
		"message":    message,
	})
	return err
}

// RespondToFriendRequest accepts or rejects a friend request. An accepted
// request may come back with the new personal conversation.
func (s *Synchronizer) RespondToFriendRequest(ctx context.Context, requestID string, accept bool) error {
	status := "rejected"
	if accept {
		status = "accepted"
	}
	ack, err := s.emitAction(ctx, EmitRespondFriendRequest, map[string]string{
		"requestId": requestID,
		"status":    status,
	})
	if err != nil {
		return err
	}
	if conv, ok := ParseConversation(ack.Get("conversation")); ok {
		s.store.UpsertConversation(conv)
	}
	return nil
}

// emitAction emits event and waits for its paired <event>Success or
// <event>Error reply. Errors are reported to the dispatcher.
func (s *Synchronizer) emitAction(ctx context.Context, event string, payload interface{}) (gjson.Result, error) {
	session := s.conn.Session()
	if session == nil {
		err := fmt.Errorf("%s: %w", event, ErrNotConnected)
		s.notices.Report(err, false)
		return gjson.Result{}, err
	}
	data, err := session.EmitWithAck(ctx, event, payload, event+"Success", event+"Error")
	if err != nil {
		s.notices.Report(err, false)
		return gjson.Result{}, err
	}
	return gjson.ParseBytes(data), nil
}
