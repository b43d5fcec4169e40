package zele

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/TrunderHunter/fe-appchat-zele-sub000/internal/metrics"
)

// DefaultPageSize is the number of messages requested per history page.
const DefaultPageSize = 20

// MessageFetcher loads a page of a conversation's messages, oldest first.
// An empty before cursor requests the most recent page.
type MessageFetcher interface {
	FetchMessages(ctx context.Context, conversationID, before string, limit int) ([]*Message, error)
}

// StoreConfig configures a Store.
type StoreConfig struct {
	// SelfID is the session user; it resolves personal conversations of
	// messages that carry only a receiver.
	SelfID   string
	PageSize int
	Fetcher  MessageFetcher
	Logger   *zap.Logger
}

func (c *StoreConfig) defaults() {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// ============================================================================
// Change feed
// ============================================================================

// ChangeKind classifies a store change.
type ChangeKind string

const (
	ChangeConversation        ChangeKind = "conversation.updated"
	ChangeConversationRemoved ChangeKind = "conversation.removed"
	ChangeActive              ChangeKind = "conversation.active"
	ChangeMessageAdded        ChangeKind = "message.added"
	ChangeMessageUpdated      ChangeKind = "message.updated"
	ChangeMessagesLoaded      ChangeKind = "messages.loaded"
	ChangeGroup               ChangeKind = "group.updated"
	ChangeGroupRemoved        ChangeKind = "group.removed"
)

// Change describes one applied mutation. Message is a copy.
type Change struct {
	Kind           ChangeKind
	ConversationID string
	GroupID        string
	Message        *Message
	// Incoming is set on ChangeMessageAdded when another user sent the message.
	Incoming bool
	// Reason is "deleted" or "removed" on ChangeGroupRemoved.
	Reason string
}

// ApplyOutcome is the result of applying an inbound message.
type ApplyOutcome int

const (
	Applied ApplyOutcome = iota
	Duplicate
	UnknownConversation
)

func (o ApplyOutcome) String() string {
	switch o {
	case Duplicate:
		return "duplicate"
	case UnknownConversation:
		return "unknown_conversation"
	}
	return "applied"
}

// ============================================================================
// Store
// ============================================================================

// Store is the authoritative client-side snapshot of conversations, the
// active conversation's messages, and group rosters. All mutations are
// serialized by one mutex; subscribers are notified after it is released.
type Store struct {
	mu       sync.Mutex
	log      *zap.Logger
	selfID   string
	pageSize int
	fetcher  MessageFetcher

	conversations map[string]*Conversation
	pairs         map[string]string // PersonalKey -> conversation id
	groups        map[string]*Group
	groupConv     map[string]string // group id -> conversation id
	revoked       map[string]struct{}

	currentID  string
	generation uint64
	active     []*Message
	byID       map[string]*Message
	byClient   map[string]*Message
	hasMore    bool
	loading    bool

	subs listeners[func(Change)]
}

// NewStore creates an empty store.
func NewStore(config *StoreConfig) *Store {
	if config == nil {
		config = &StoreConfig{}
	}
	cfg := *config
	cfg.defaults()
	return &Store{
		log:           cfg.Logger.Named("store"),
		selfID:        cfg.SelfID,
		pageSize:      cfg.PageSize,
		fetcher:       cfg.Fetcher,
		conversations: make(map[string]*Conversation),
		pairs:         make(map[string]string),
		groups:        make(map[string]*Group),
		groupConv:     make(map[string]string),
		revoked:       make(map[string]struct{}),
		byID:          make(map[string]*Message),
		byClient:      make(map[string]*Message),
	}
}

// SetFetcher replaces the message fetcher.
func (s *Store) SetFetcher(f MessageFetcher) {
	s.mu.Lock()
	s.fetcher = f
	s.mu.Unlock()
}

// SetSelfID sets the session user.
func (s *Store) SetSelfID(id string) {
	s.mu.Lock()
	s.selfID = id
	s.mu.Unlock()
}

// Subscribe registers a change observer. Observers run synchronously after
// each mutation and must not call back into mutating store methods.
func (s *Store) Subscribe(fn func(Change)) func() {
	return s.subs.add(fn)
}

func (s *Store) emit(op string, changes []Change) {
	metrics.StoreApplies.WithLabelValues(op).Inc()
	for _, c := range changes {
		for _, fn := range s.subs.snapshot() {
			func() {
				defer func() {
					if r := recover(); r != nil {
						s.log.Error("store subscriber panicked", zap.String("change", string(c.Kind)), zap.Any("panic", r))
					}
				}()
				fn(c)
			}()
		}
	}
}

// ============================================================================
// Reads
// ============================================================================

// Conversations returns copies of all conversations, most recently updated first.
func (s *Store) Conversations() []*Conversation {
	s.mu.Lock()
	out := make([]*Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, c.clone())
	}
	s.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Conversation returns a copy of one conversation.
func (s *Store) Conversation(id string) (*Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	return c.clone(), ok
}

// FindPersonal returns the personal conversation between two users.
func (s *Store) FindPersonal(a, b string) (*Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[s.pairs[PersonalKey(a, b)]]
	return c.clone(), ok
}

// ConversationForGroup returns the conversation id of a group.
func (s *Store) ConversationForGroup(groupID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.groupConv[groupID]
	return id, ok
}

// Group returns a copy of one group.
func (s *Store) Group(id string) (*Group, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	return g.clone(), ok
}

// Groups returns copies of all groups sorted by name.
func (s *Store) Groups() []*Group {
	s.mu.Lock()
	out := make([]*Group, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g.clone())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CurrentConversationID returns the active conversation id, or "".
func (s *Store) CurrentConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentID
}

// Messages returns copies of the active conversation's messages in list order.
func (s *Store) Messages() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Message, len(s.active))
	for i, m := range s.active {
		out[i] = m.clone()
	}
	return out
}

// HasMoreMessages reports whether older messages may exist. It is true only
// when the latest page fetch returned a full page, so a conversation holding
// exactly a multiple of the page size reports true until a short page arrives.
func (s *Store) HasMoreMessages() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

// Loading reports whether the active conversation's first page is being fetched.
func (s *Store) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// IsRevoked reports whether a message id has been revoked.
func (s *Store) IsRevoked(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.revoked[id]
	return ok
}

// ============================================================================
// Inbound messages
// ============================================================================

// ResolveConversation returns the conversation a message belongs to: its
// explicit id, its group's conversation, or the personal conversation of its
// sender/receiver pair.
func (s *Store) ResolveConversation(m *Message) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveLocked(m)
}

func (s *Store) resolveLocked(m *Message) string {
	if m.ConversationID != "" {
		return m.ConversationID
	}
	if m.GroupID != "" {
		return s.groupConv[m.GroupID]
	}
	peer := m.ReceiverID
	if peer == "" || peer == m.SenderID {
		peer = s.selfID
	}
	if m.SenderID == "" || peer == "" {
		return ""
	}
	return s.pairs[PersonalKey(m.SenderID, peer)]
}

// ApplyNewMessage merges an inbound message. A message id already in the
// active list is a no-op. New messages of the active conversation are
// appended in arrival order; a message echoing a pending optimistic send
// (same client id) replaces it in place. The owning conversation's last
// message is updated whenever the conversation is known.
func (s *Store) ApplyNewMessage(m *Message) (ApplyOutcome, string) {
	if m == nil || m.ID == "" {
		return Duplicate, ""
	}
	s.mu.Lock()
	cid := s.resolveLocked(m)
	msg := m.clone()
	msg.ConversationID = cid
	if msg.Status == "" || msg.Status == StatusSending {
		msg.Status = StatusSent
	}
	if _, ok := s.revoked[msg.ID]; ok {
		msg.revoke()
	}

	conv := s.conversations[cid]
	if cid == "" || (conv == nil && cid != s.currentID) {
		s.mu.Unlock()
		return UnknownConversation, cid
	}

	var changes []Change
	if cid == s.currentID {
		if existing, ok := s.byID[msg.ID]; ok {
			if msg.Revoked && !existing.Revoked {
				existing.revoke()
				changes = append(changes, Change{Kind: ChangeMessageUpdated, ConversationID: cid, Message: existing.clone()})
			}
			s.mu.Unlock()
			s.emit("new_message", changes)
			return Duplicate, cid
		}
		if temp, ok := s.byClient[msg.ClientID]; ok && msg.ClientID != "" {
			s.replaceLocked(temp, msg)
			changes = append(changes, Change{Kind: ChangeMessageUpdated, ConversationID: cid, Message: msg.clone()})
		} else {
			s.appendLocked(msg)
			changes = append(changes, Change{
				Kind:           ChangeMessageAdded,
				ConversationID: cid,
				Message:        msg.clone(),
				Incoming:       msg.SenderID != s.selfID,
			})
		}
	} else if conv.LastMessage != nil && conv.LastMessage.ID == msg.ID {
		s.mu.Unlock()
		return Duplicate, cid
	} else {
		changes = append(changes, Change{
			Kind:           ChangeMessageAdded,
			ConversationID: cid,
			Message:        msg.clone(),
			Incoming:       msg.SenderID != s.selfID,
		})
	}

	if conv != nil {
		s.setLastMessageLocked(conv, msg)
		changes = append(changes, Change{Kind: ChangeConversation, ConversationID: cid})
	}
	s.mu.Unlock()
	s.emit("new_message", changes)
	return Applied, cid
}

// ApplyLastMessage replaces a conversation's last-message summary. It reports
// false when the conversation is not known locally.
func (s *Store) ApplyLastMessage(u *LastMessageUpdate) bool {
	s.mu.Lock()
	conv := s.conversations[u.ConversationID]
	if conv == nil {
		s.mu.Unlock()
		return false
	}
	msg := u.Message.clone()
	if _, ok := s.revoked[msg.ID]; ok {
		msg.revoke()
	}
	s.setLastMessageLocked(conv, msg)
	s.mu.Unlock()
	s.emit("last_message", []Change{{Kind: ChangeConversation, ConversationID: u.ConversationID}})
	return true
}

func (s *Store) setLastMessageLocked(conv *Conversation, msg *Message) {
	conv.LastMessage = msg.Summary()
	if msg.Timestamp.After(conv.UpdatedAt) {
		conv.UpdatedAt = msg.Timestamp
	}
}

func (s *Store) appendLocked(m *Message) {
	s.active = append(s.active, m)
	s.byID[m.ID] = m
	if m.ClientID != "" {
		s.byClient[m.ClientID] = m
	}
}

// replaceLocked swaps old for m at the same list position.
func (s *Store) replaceLocked(old, m *Message) {
	for i, e := range s.active {
		if e == old {
			s.active[i] = m
			break
		}
	}
	delete(s.byID, old.ID)
	if old.ClientID != "" {
		delete(s.byClient, old.ClientID)
	}
	s.byID[m.ID] = m
	if m.ClientID != "" {
		s.byClient[m.ClientID] = m
	}
}

func (s *Store) removeLocked(old *Message) {
	for i, e := range s.active {
		if e == old {
			s.active = append(s.active[:i:i], s.active[i+1:]...)
			break
		}
	}
	if s.byID[old.ID] == old {
		delete(s.byID, old.ID)
	}
	if old.ClientID != "" && s.byClient[old.ClientID] == old {
		delete(s.byClient, old.ClientID)
	}
}

func (s *Store) resetActiveLocked() {
	s.active = nil
	s.byID = make(map[string]*Message)
	s.byClient = make(map[string]*Message)
	s.hasMore = false
	s.loading = false
}

// ============================================================================
// Optimistic sends
// ============================================================================

// PendingSend is the handle of an optimistic message awaiting confirmation.
type PendingSend struct {
	store          *Store
	clientID       string
	tempID         string
	conversationID string
}

// ClientID returns the correlation id sent with the request.
func (p *PendingSend) ClientID() string { return p.clientID }

// TempID returns the temporary id of the optimistic entry.
func (p *PendingSend) TempID() string { return p.tempID }

// ConversationID returns the conversation the message was sent to.
func (p *PendingSend) ConversationID() string { return p.conversationID }

// ApplyOptimisticSend appends a local message with a temporary id and status
// sending. A missing ClientID is generated.
func (s *Store) ApplyOptimisticSend(m *Message) *PendingSend {
	msg := m.clone()
	if msg.ClientID == "" {
		msg.ClientID = uuid.NewString()
	}
	msg.ID = "tmp-" + msg.ClientID
	msg.Status = StatusSending
	msg.Revoked = false
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	if msg.SenderID == "" {
		msg.SenderID = s.selfID
	}
	msg.ConversationID = s.resolveLocked(msg)
	var changes []Change
	if msg.ConversationID != "" && msg.ConversationID == s.currentID {
		s.appendLocked(msg)
		changes = append(changes, Change{Kind: ChangeMessageAdded, ConversationID: msg.ConversationID, Message: msg.clone()})
	}
	s.mu.Unlock()

	metrics.OptimisticSends.WithLabelValues("pending").Inc()
	s.emit("optimistic_send", changes)
	return &PendingSend{store: s, clientID: msg.ClientID, tempID: msg.ID, conversationID: msg.ConversationID}
}

// Confirm replaces the optimistic entry in place with the server's message.
// If the server message already arrived through the realtime channel the
// optimistic entry is dropped instead.
func (p *PendingSend) Confirm(server *Message) {
	s := p.store
	msg := server.clone()
	msg.ClientID = p.clientID
	if msg.ConversationID == "" {
		msg.ConversationID = p.conversationID
	}
	if msg.Status == "" || msg.Status == StatusSending {
		msg.Status = StatusSent
	}

	s.mu.Lock()
	if _, ok := s.revoked[msg.ID]; ok {
		msg.revoke()
	}
	var changes []Change
	temp := s.byClient[p.clientID]
	existing := s.byID[msg.ID]
	switch {
	case existing != nil && existing != temp:
		if temp != nil {
			s.removeLocked(temp)
		}
		changes = append(changes, Change{Kind: ChangeMessageUpdated, ConversationID: msg.ConversationID, Message: existing.clone()})
	case temp != nil:
		s.replaceLocked(temp, msg)
		changes = append(changes, Change{Kind: ChangeMessageUpdated, ConversationID: msg.ConversationID, Message: msg.clone()})
	case msg.ConversationID == s.currentID && s.currentID != "":
		s.appendLocked(msg)
		changes = append(changes, Change{Kind: ChangeMessageAdded, ConversationID: msg.ConversationID, Message: msg.clone()})
	}
	if conv := s.conversations[msg.ConversationID]; conv != nil {
		if conv.LastMessage == nil || conv.LastMessage.ID != msg.ID || msg.Revoked {
			s.setLastMessageLocked(conv, msg)
			changes = append(changes, Change{Kind: ChangeConversation, ConversationID: conv.ID})
		}
	}
	s.mu.Unlock()

	metrics.OptimisticSends.WithLabelValues("confirmed").Inc()
	s.emit("confirm_send", changes)
}

// Fail marks the optimistic entry failed. It is kept in the list; retrying
// or discarding it is up to the caller.
func (p *PendingSend) Fail() {
	s := p.store
	s.mu.Lock()
	var changes []Change
	if temp := s.byClient[p.clientID]; temp != nil && temp.Status == StatusSending {
		temp.Status = StatusFailed
		changes = append(changes, Change{Kind: ChangeMessageUpdated, ConversationID: temp.ConversationID, Message: temp.clone()})
	}
	s.mu.Unlock()

	metrics.OptimisticSends.WithLabelValues("failed").Inc()
	s.emit("fail_send", changes)
}

// DiscardFailed removes a failed optimistic entry and returns it.
func (s *Store) DiscardFailed(clientID string) (*Message, bool) {
	s.mu.Lock()
	temp := s.byClient[clientID]
	if temp == nil || temp.Status != StatusFailed {
		s.mu.Unlock()
		return nil, false
	}
	s.removeLocked(temp)
	out := temp.clone()
	s.mu.Unlock()
	s.emit("discard_failed", []Change{{Kind: ChangeMessageUpdated, ConversationID: out.ConversationID, Message: out}})
	return out, true
}

// ============================================================================
// Revocation
// ============================================================================

// ApplyRevocation marks a message revoked wherever it is held. Revocation is
// terminal: the id is remembered and re-applied to later copies of the message.
func (s *Store) ApplyRevocation(messageID, conversationID string) {
	s.mu.Lock()
	s.revoked[messageID] = struct{}{}
	var changes []Change
	if m, ok := s.byID[messageID]; ok && !m.Revoked {
		m.revoke()
		changes = append(changes, Change{Kind: ChangeMessageUpdated, ConversationID: m.ConversationID, Message: m.clone()})
	}
	for id, conv := range s.conversations {
		if conversationID != "" && id != conversationID {
			continue
		}
		if lm := conv.LastMessage; lm != nil && lm.ID == messageID && !lm.Revoked {
			lm.Revoked = true
			lm.Preview = ""
			changes = append(changes, Change{Kind: ChangeConversation, ConversationID: id})
		}
	}
	s.mu.Unlock()
	s.emit("revocation", changes)
}

// ============================================================================
// Conversations
// ============================================================================

// UpsertConversation inserts or merges a conversation. A known last message is
// kept unless the incoming one is at least as recent. A personal conversation
// for a participant pair that already maps to a different id replaces it.
func (s *Store) UpsertConversation(c *Conversation) {
	if c == nil || c.ID == "" {
		return
	}
	s.mu.Lock()
	changes := s.upsertConversationLocked(c)
	s.mu.Unlock()
	s.emit("upsert_conversation", changes)
}

// SetConversations merges a fetched conversation list.
func (s *Store) SetConversations(list []*Conversation) {
	s.mu.Lock()
	var changes []Change
	for _, c := range list {
		if c != nil && c.ID != "" {
			changes = append(changes, s.upsertConversationLocked(c)...)
		}
	}
	s.mu.Unlock()
	s.emit("set_conversations", changes)
}

func (s *Store) upsertConversationLocked(c *Conversation) []Change {
	var changes []Change
	in := c.clone()
	if in.LastMessage != nil {
		if _, ok := s.revoked[in.LastMessage.ID]; ok {
			in.LastMessage.Revoked = true
			in.LastMessage.Preview = ""
		}
	}

	if in.Kind == KindPersonal && len(in.Participants) == 2 {
		key := PersonalKey(in.Participants[0].UserID, in.Participants[1].UserID)
		if prev, ok := s.pairs[key]; ok && prev != in.ID {
			s.log.Warn("replacing duplicate personal conversation",
				zap.String("previous", prev), zap.String("conversation", in.ID))
			changes = append(changes, s.removeConversationLocked(prev)...)
		}
		s.pairs[key] = in.ID
	}
	if in.GroupID != "" {
		s.groupConv[in.GroupID] = in.ID
		if g := s.groups[in.GroupID]; g != nil {
			g.ConversationID = in.ID
			if len(g.Members) > 0 {
				in.Participants = participantsFromMembers(g.Members)
			}
		}
	}

	if cur, ok := s.conversations[in.ID]; ok {
		if in.LastMessage == nil || (cur.LastMessage != nil && cur.LastMessage.Timestamp.After(in.LastMessage.Timestamp)) {
			in.LastMessage = cur.LastMessage
		}
		if cur.LastMessage != nil && in.LastMessage != nil && cur.LastMessage.ID == in.LastMessage.ID && cur.LastMessage.Revoked {
			in.LastMessage.Revoked = true
			in.LastMessage.Preview = ""
		}
		if len(in.Participants) == 0 {
			in.Participants = cur.Participants
		}
		if in.UpdatedAt.Before(cur.UpdatedAt) {
			in.UpdatedAt = cur.UpdatedAt
		}
		if in.Name == "" {
			in.Name = cur.Name
		}
		if in.AvatarRef == "" {
			in.AvatarRef = cur.AvatarRef
		}
	}
	s.conversations[in.ID] = in
	return append(changes, Change{Kind: ChangeConversation, ConversationID: in.ID, GroupID: in.GroupID})
}

// RemoveConversation evicts a conversation. If it was active, the active
// conversation and its message list are cleared.
func (s *Store) RemoveConversation(id string) {
	s.mu.Lock()
	changes := s.removeConversationLocked(id)
	s.mu.Unlock()
	s.emit("remove_conversation", changes)
}

func (s *Store) removeConversationLocked(id string) []Change {
	conv, ok := s.conversations[id]
	if !ok && s.currentID != id {
		return nil
	}
	delete(s.conversations, id)
	for k, v := range s.pairs {
		if v == id {
			delete(s.pairs, k)
		}
	}
	for g, v := range s.groupConv {
		if v == id {
			delete(s.groupConv, g)
		}
	}
	changes := []Change{{Kind: ChangeConversationRemoved, ConversationID: id}}
	if conv != nil {
		changes[0].GroupID = conv.GroupID
	}
	if s.currentID == id {
		s.currentID = ""
		s.generation++
		s.resetActiveLocked()
		changes = append(changes, Change{Kind: ChangeActive})
	}
	return changes
}

// ============================================================================
// Active conversation
// ============================================================================

// SetCurrentConversation makes conv active, clears the message list, and
// fetches the most recent page. A nil conv deselects. If the active
// conversation changes while the fetch is in flight, its result is discarded.
func (s *Store) SetCurrentConversation(ctx context.Context, conv *Conversation) error {
	s.mu.Lock()
	var changes []Change
	if conv == nil {
		s.currentID = ""
		s.generation++
		s.resetActiveLocked()
		s.mu.Unlock()
		s.emit("set_current", []Change{{Kind: ChangeActive}})
		return nil
	}
	if _, ok := s.conversations[conv.ID]; !ok {
		changes = s.upsertConversationLocked(conv)
	}
	s.currentID = conv.ID
	s.generation++
	gen := s.generation
	s.resetActiveLocked()
	fetcher := s.fetcher
	s.loading = fetcher != nil
	limit := s.pageSize
	s.mu.Unlock()
	s.emit("set_current", append(changes, Change{Kind: ChangeActive, ConversationID: conv.ID}))

	if fetcher == nil {
		return nil
	}
	msgs, err := fetcher.FetchMessages(ctx, conv.ID, "", limit)

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		s.log.Debug("discarding stale message page", zap.String("conversation", conv.ID))
		return nil
	}
	s.loading = false
	if err != nil {
		s.mu.Unlock()
		return err
	}
	arrived := s.active
	s.active = nil
	s.byID = make(map[string]*Message)
	s.byClient = make(map[string]*Message)
	s.mergePageLocked(conv.ID, msgs)
	for _, m := range arrived {
		if _, dup := s.byID[m.ID]; !dup {
			s.appendLocked(m)
		}
	}
	s.hasMore = len(msgs) >= limit
	s.mu.Unlock()
	s.emit("fetch_page", []Change{{Kind: ChangeMessagesLoaded, ConversationID: conv.ID}})
	return nil
}

// LoadOlderMessages fetches the page preceding the oldest loaded message and
// prepends it. It reports the number of messages added.
func (s *Store) LoadOlderMessages(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.currentID == "" || s.fetcher == nil || !s.hasMore {
		s.mu.Unlock()
		return 0, nil
	}
	id, gen, fetcher, limit := s.currentID, s.generation, s.fetcher, s.pageSize
	var before string
	for _, m := range s.active {
		if m.Status != StatusSending && m.Status != StatusFailed {
			before = m.ID
			break
		}
	}
	s.mu.Unlock()

	msgs, err := fetcher.FetchMessages(ctx, id, before, limit)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return 0, nil
	}
	rest := s.active
	s.active = nil
	n := s.mergePageLocked(id, msgs)
	s.active = append(s.active, rest...)
	s.hasMore = len(msgs) >= limit
	s.mu.Unlock()
	s.emit("fetch_older", []Change{{Kind: ChangeMessagesLoaded, ConversationID: id}})
	return n, nil
}

// mergePageLocked appends fetched messages not already held.
func (s *Store) mergePageLocked(convID string, msgs []*Message) int {
	n := 0
	for _, m := range msgs {
		if m == nil || m.ID == "" {
			continue
		}
		if _, dup := s.byID[m.ID]; dup {
			continue
		}
		msg := m.clone()
		msg.ConversationID = convID
		if _, ok := s.revoked[msg.ID]; ok || msg.Revoked {
			msg.revoke()
		}
		if msg.Status == "" {
			msg.Status = StatusSent
		}
		s.appendLocked(msg)
		n++
	}
	return n
}

// ============================================================================
// Groups
// ============================================================================

// UpsertGroup inserts or replaces a group and mirrors its roster onto the
// group's conversation, creating the conversation if needed.
func (s *Store) UpsertGroup(g *Group) {
	if g == nil || g.ID == "" {
		return
	}
	s.mu.Lock()
	in := g.clone()
	if in.ConversationID == "" {
		in.ConversationID = s.groupConv[in.ID]
	}
	s.groups[in.ID] = in
	changes := []Change{{Kind: ChangeGroup, GroupID: in.ID, ConversationID: in.ConversationID}}
	if in.ConversationID != "" {
		s.groupConv[in.ID] = in.ConversationID
		conv := s.conversations[in.ConversationID]
		if conv == nil {
			changes = append(changes, s.upsertConversationLocked(conversationForGroup(in))...)
		} else {
			conv.Kind = KindGroup
			conv.GroupID = in.ID
			conv.Name = in.Name
			conv.AvatarRef = in.AvatarRef
			conv.Participants = participantsFromMembers(in.Members)
			changes = append(changes, Change{Kind: ChangeConversation, ConversationID: conv.ID, GroupID: in.ID})
		}
	}
	s.mu.Unlock()
	s.emit("upsert_group", changes)
}

// ApplyMembershipChange replaces the group's roster and its conversation's
// participants with the full member list of the event.
func (s *Store) ApplyMembershipChange(ch *MembershipChange) {
	s.mu.Lock()
	changes := s.replaceMembersLocked(ch.GroupID, ch.ConversationID, ch.Members)
	s.mu.Unlock()
	s.emit("membership", changes)
}

func (s *Store) replaceMembersLocked(groupID, convID string, members []GroupMember) []Change {
	if convID == "" {
		convID = s.groupConv[groupID]
	}
	var changes []Change
	if g := s.groups[groupID]; g != nil {
		g.Members = append([]GroupMember(nil), members...)
		if g.ConversationID == "" {
			g.ConversationID = convID
		}
		changes = append(changes, Change{Kind: ChangeGroup, GroupID: groupID, ConversationID: convID})
	}
	if convID != "" {
		s.groupConv[groupID] = convID
		if conv := s.conversations[convID]; conv != nil {
			conv.Participants = participantsFromMembers(members)
			changes = append(changes, Change{Kind: ChangeConversation, ConversationID: convID, GroupID: groupID})
		}
	}
	return changes
}

// ApplyRoleChange sets one member's role, or replaces the roster when the
// event carries it.
func (s *Store) ApplyRoleChange(rc *RoleChange) {
	s.mu.Lock()
	var changes []Change
	if rc.Members != nil {
		changes = s.replaceMembersLocked(rc.GroupID, "", rc.Members)
	} else {
		convID := s.groupConv[rc.GroupID]
		if g := s.groups[rc.GroupID]; g != nil {
			for i := range g.Members {
				if g.Members[i].UserID == rc.UserID {
					g.Members[i].Role = rc.Role
				}
			}
			changes = append(changes, Change{Kind: ChangeGroup, GroupID: rc.GroupID, ConversationID: convID})
		}
		if conv := s.conversations[convID]; conv != nil {
			for i := range conv.Participants {
				if conv.Participants[i].UserID == rc.UserID {
					conv.Participants[i].Role = rc.Role
				}
			}
			changes = append(changes, Change{Kind: ChangeConversation, ConversationID: convID, GroupID: rc.GroupID})
		}
	}
	s.mu.Unlock()
	s.emit("role_change", changes)
}

// ApplyGroupInfo patches group metadata; empty fields are left unchanged.
func (s *Store) ApplyGroupInfo(info *GroupInfo) {
	s.mu.Lock()
	var changes []Change
	convID := s.groupConv[info.GroupID]
	if g := s.groups[info.GroupID]; g != nil {
		if info.Name != "" {
			g.Name = info.Name
		}
		if info.AvatarRef != "" {
			g.AvatarRef = info.AvatarRef
		}
		if info.InviteLink != "" {
			g.InviteLink = info.InviteLink
		}
		changes = append(changes, Change{Kind: ChangeGroup, GroupID: info.GroupID, ConversationID: convID})
	}
	if conv := s.conversations[convID]; conv != nil {
		if info.Name != "" {
			conv.Name = info.Name
		}
		if info.AvatarRef != "" {
			conv.AvatarRef = info.AvatarRef
		}
		changes = append(changes, Change{Kind: ChangeConversation, ConversationID: convID, GroupID: info.GroupID})
	}
	s.mu.Unlock()
	s.emit("group_info", changes)
}

// RemoveGroup evicts a group and cascades to its conversation.
func (s *Store) RemoveGroup(groupID, conversationID, reason string) {
	s.mu.Lock()
	if conversationID == "" {
		conversationID = s.groupConv[groupID]
	}
	if g := s.groups[groupID]; g != nil && conversationID == "" {
		conversationID = g.ConversationID
	}
	delete(s.groups, groupID)
	delete(s.groupConv, groupID)
	changes := []Change{{Kind: ChangeGroupRemoved, GroupID: groupID, ConversationID: conversationID, Reason: reason}}
	if conversationID != "" {
		changes = append(changes, s.removeConversationLocked(conversationID)...)
	}
	s.mu.Unlock()
	s.emit("remove_group", changes)
}

// ============================================================================
// Snapshots
// ============================================================================

// Snapshot is the persisted form of the store.
type Snapshot struct {
	UserID        string          `json:"userId"`
	Conversations []*Conversation `json:"conversations"`
	Groups        []*Group        `json:"groups"`
	Revoked       []string        `json:"revoked,omitempty"`
	SavedAt       time.Time       `json:"savedAt"`
}

// Snapshot captures conversations, groups and revoked ids.
func (s *Store) Snapshot() *Snapshot {
	snap := &Snapshot{
		Conversations: s.Conversations(),
		Groups:        s.Groups(),
		SavedAt:       time.Now().UTC(),
	}
	s.mu.Lock()
	snap.UserID = s.selfID
	for id := range s.revoked {
		snap.Revoked = append(snap.Revoked, id)
	}
	s.mu.Unlock()
	sort.Strings(snap.Revoked)
	return snap
}

// Restore merges a snapshot into the store.
func (s *Store) Restore(snap *Snapshot) {
	if snap == nil {
		return
	}
	s.mu.Lock()
	for _, id := range snap.Revoked {
		s.revoked[id] = struct{}{}
	}
	s.mu.Unlock()
	s.SetConversations(snap.Conversations)
	for _, g := range snap.Groups {
		s.UpsertGroup(g)
	}
}
