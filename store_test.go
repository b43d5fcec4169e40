package zele

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeFetcher serves pages from an in-memory history, oldest first.
type fakeFetcher struct {
	mu      sync.Mutex
	history map[string][]*Message
	calls   []string
	block   map[string]chan struct{}
	err     error
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{history: make(map[string][]*Message), block: make(map[string]chan struct{})}
}

func (f *fakeFetcher) add(convID string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	base := time.Unix(1_700_000_000, 0).UTC()
	for i := 0; i < n; i++ {
		f.history[convID] = append(f.history[convID], &Message{
			ID:             fmt.Sprintf("%s-m%02d", convID, i),
			ConversationID: convID,
			SenderID:       "u2",
			Content:        fmt.Sprintf("message %d", i),
			Timestamp:      base.Add(time.Duration(i) * time.Minute),
		})
	}
}

func (f *fakeFetcher) FetchMessages(ctx context.Context, convID, before string, limit int) ([]*Message, error) {
	f.mu.Lock()
	f.calls = append(f.calls, convID+"|"+before)
	gate := f.block[convID]
	err := f.err
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.history[convID]
	end := len(all)
	if before != "" {
		for i, m := range all {
			if m.ID == before {
				end = i
				break
			}
		}
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	out := make([]*Message, 0, end-start)
	for _, m := range all[start:end] {
		out = append(out, m.clone())
	}
	return out, nil
}

func personalConv(id, a, b string) *Conversation {
	return &Conversation{
		ID:           id,
		Kind:         KindPersonal,
		Participants: []Participant{{UserID: a}, {UserID: b}},
		UpdatedAt:    time.Unix(1_700_000_000, 0).UTC(),
	}
}

func newTestStore(t *testing.T, f MessageFetcher) *Store {
	t.Helper()
	s := NewStore(&StoreConfig{SelfID: "u1", PageSize: 5, Fetcher: f})
	s.UpsertConversation(personalConv("c1", "u1", "u2"))
	s.UpsertConversation(personalConv("c2", "u1", "u3"))
	return s
}

func messageIDs(msgs []*Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestApplyNewMessageIdempotent(t *testing.T) {
	s := newTestStore(t, nil)
	if err := s.SetCurrentConversation(context.Background(), personalConv("c1", "u1", "u2")); err != nil {
		t.Fatal(err)
	}

	m := &Message{ID: "m1", ConversationID: "c1", SenderID: "u2", Content: "hi", Timestamp: time.Now()}
	if out, _ := s.ApplyNewMessage(m); out != Applied {
		t.Fatalf("first apply = %s", out)
	}
	if out, _ := s.ApplyNewMessage(m); out != Duplicate {
		t.Fatalf("second apply = %s", out)
	}
	if got := messageIDs(s.Messages()); !equalIDs(got, []string{"m1"}) {
		t.Fatalf("active list = %v, want [m1]", got)
	}
}

func TestApplyNewMessageResolvesPersonalPair(t *testing.T) {
	s := newTestStore(t, nil)
	out, cid := s.ApplyNewMessage(&Message{ID: "m1", SenderID: "u3", ReceiverID: "u1", Content: "yo", Timestamp: time.Now()})
	if out != Applied || cid != "c2" {
		t.Fatalf("apply = (%s, %q), want applied to c2", out, cid)
	}
	c, _ := s.Conversation("c2")
	if c.LastMessage == nil || c.LastMessage.ID != "m1" {
		t.Fatalf("last message = %+v", c.LastMessage)
	}

	// Same message again for an inactive conversation is still a duplicate.
	if out, _ := s.ApplyNewMessage(&Message{ID: "m1", SenderID: "u3", ReceiverID: "u1"}); out != Duplicate {
		t.Fatalf("repeat apply = %s", out)
	}
}

func TestApplyNewMessageUnknownConversation(t *testing.T) {
	s := newTestStore(t, nil)
	out, _ := s.ApplyNewMessage(&Message{ID: "m1", SenderID: "u9", ReceiverID: "u1"})
	if out != UnknownConversation {
		t.Fatalf("apply = %s, want unknown", out)
	}
	out, _ = s.ApplyNewMessage(&Message{ID: "m2", ConversationID: "nope", SenderID: "u9"})
	if out != UnknownConversation {
		t.Fatalf("apply = %s, want unknown", out)
	}
}

func TestOptimisticSendConfirmReplacesInPlace(t *testing.T) {
	s := newTestStore(t, nil)
	if err := s.SetCurrentConversation(context.Background(), personalConv("c1", "u1", "u2")); err != nil {
		t.Fatal(err)
	}
	s.ApplyNewMessage(&Message{ID: "m0", ConversationID: "c1", SenderID: "u2", Timestamp: time.Now()})

	p := s.ApplyOptimisticSend(&Message{ClientID: "1", ConversationID: "c1", Content: "hello"})
	if p.TempID() != "tmp-1" {
		t.Fatalf("temp id = %q", p.TempID())
	}
	s.ApplyNewMessage(&Message{ID: "m2", ConversationID: "c1", SenderID: "u2", Timestamp: time.Now()})

	msgs := s.Messages()
	if got := messageIDs(msgs); !equalIDs(got, []string{"m0", "tmp-1", "m2"}) {
		t.Fatalf("before confirm = %v", got)
	}
	if msgs[1].Status != StatusSending || msgs[1].SenderID != "u1" {
		t.Fatalf("optimistic entry = %+v", msgs[1])
	}

	p.Confirm(&Message{ID: "srv-9", ConversationID: "c1", SenderID: "u1", Content: "hello", Timestamp: time.Now()})
	msgs = s.Messages()
	if got := messageIDs(msgs); !equalIDs(got, []string{"m0", "srv-9", "m2"}) {
		t.Fatalf("after confirm = %v", got)
	}
	if msgs[1].Status != StatusSent {
		t.Errorf("confirmed status = %s", msgs[1].Status)
	}
	c, _ := s.Conversation("c1")
	if c.LastMessage.ID != "srv-9" {
		t.Errorf("last message = %s", c.LastMessage.ID)
	}
}

func TestEchoBeforeConfirmDoesNotDuplicate(t *testing.T) {
	s := newTestStore(t, nil)
	if err := s.SetCurrentConversation(context.Background(), personalConv("c1", "u1", "u2")); err != nil {
		t.Fatal(err)
	}
	p := s.ApplyOptimisticSend(&Message{ClientID: "abc", ConversationID: "c1", Content: "hello"})

	// Realtime echo carrying the client id arrives before the REST response.
	if out, _ := s.ApplyNewMessage(&Message{ID: "srv-1", ClientID: "abc", ConversationID: "c1", SenderID: "u1", Timestamp: time.Now()}); out != Applied {
		t.Fatalf("echo apply = %s", out)
	}
	p.Confirm(&Message{ID: "srv-1", ConversationID: "c1", SenderID: "u1"})

	if got := messageIDs(s.Messages()); !equalIDs(got, []string{"srv-1"}) {
		t.Fatalf("active list = %v, want [srv-1]", got)
	}
}

func TestEchoWithoutClientIDBeforeConfirm(t *testing.T) {
	s := newTestStore(t, nil)
	if err := s.SetCurrentConversation(context.Background(), personalConv("c1", "u1", "u2")); err != nil {
		t.Fatal(err)
	}
	p := s.ApplyOptimisticSend(&Message{ClientID: "abc", ConversationID: "c1", Content: "hello"})
	s.ApplyNewMessage(&Message{ID: "srv-1", ConversationID: "c1", SenderID: "u1", Timestamp: time.Now()})
	p.Confirm(&Message{ID: "srv-1", ConversationID: "c1", SenderID: "u1"})

	if got := messageIDs(s.Messages()); !equalIDs(got, []string{"srv-1"}) {
		t.Fatalf("active list = %v, want [srv-1]", got)
	}
}

func TestFailedSendIsKeptAndDiscardable(t *testing.T) {
	s := newTestStore(t, nil)
	if err := s.SetCurrentConversation(context.Background(), personalConv("c1", "u1", "u2")); err != nil {
		t.Fatal(err)
	}
	p := s.ApplyOptimisticSend(&Message{ClientID: "x", ConversationID: "c1", Content: "oops"})
	p.Fail()

	msgs := s.Messages()
	if len(msgs) != 1 || msgs[0].Status != StatusFailed {
		t.Fatalf("failed entry = %+v", msgs)
	}
	m, ok := s.DiscardFailed("x")
	if !ok || m.Content != "oops" {
		t.Fatalf("DiscardFailed = (%+v, %v)", m, ok)
	}
	if len(s.Messages()) != 0 {
		t.Fatal("discarded entry still listed")
	}
	if _, ok := s.DiscardFailed("x"); ok {
		t.Fatal("second discard should fail")
	}
}

func TestRevocationIsMonotonic(t *testing.T) {
	s := newTestStore(t, nil)
	if err := s.SetCurrentConversation(context.Background(), personalConv("c1", "u1", "u2")); err != nil {
		t.Fatal(err)
	}
	m := &Message{ID: "m1", ConversationID: "c1", SenderID: "u2", Content: "secret", Timestamp: time.Now()}
	s.ApplyNewMessage(m)
	s.ApplyRevocation("m1", "c1")

	// Re-applying the original, unrevoked message does not clear the flag.
	s.ApplyNewMessage(m)
	msgs := s.Messages()
	if !msgs[0].Revoked || msgs[0].Content != "" {
		t.Fatalf("message after re-apply = %+v", msgs[0])
	}

	// A later conversation fetch carrying the old summary stays revoked.
	c := personalConv("c1", "u1", "u2")
	c.LastMessage = &MessageSummary{ID: "m1", Preview: "secret", Timestamp: time.Now().Add(time.Minute)}
	s.UpsertConversation(c)
	got, _ := s.Conversation("c1")
	if !got.LastMessage.Revoked || got.LastMessage.Preview != "" {
		t.Fatalf("last message = %+v", got.LastMessage)
	}

	// Revocation survives switching away and reloading the page.
	f := newFakeFetcher()
	f.history["c1"] = []*Message{m.clone()}
	s.SetFetcher(f)
	if err := s.SetCurrentConversation(context.Background(), personalConv("c1", "u1", "u2")); err != nil {
		t.Fatal(err)
	}
	if msgs := s.Messages(); len(msgs) != 1 || !msgs[0].Revoked {
		t.Fatalf("reloaded = %+v", msgs)
	}
	if !s.IsRevoked("m1") {
		t.Fatal("IsRevoked(m1) = false")
	}
}

func TestActiveConversationRaceDiscardsStalePage(t *testing.T) {
	f := newFakeFetcher()
	f.add("c1", 3)
	f.add("c2", 2)
	gate := make(chan struct{})
	f.block["c1"] = gate
	s := newTestStore(t, f)

	done := make(chan error, 1)
	go func() {
		done <- s.SetCurrentConversation(context.Background(), personalConv("c1", "u1", "u2"))
	}()

	// Wait until the c1 fetch is in flight.
	for {
		f.mu.Lock()
		n := len(f.calls)
		f.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if err := s.SetCurrentConversation(context.Background(), personalConv("c2", "u1", "u3")); err != nil {
		t.Fatal(err)
	}
	close(gate)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	if s.CurrentConversationID() != "c2" {
		t.Fatalf("current = %q", s.CurrentConversationID())
	}
	if got := messageIDs(s.Messages()); !equalIDs(got, []string{"c2-m00", "c2-m01"}) {
		t.Fatalf("active list = %v, want c2 page", got)
	}
}

func TestMessagesArrivingDuringLoadAreKept(t *testing.T) {
	f := newFakeFetcher()
	f.add("c1", 2)
	gate := make(chan struct{})
	f.block["c1"] = gate
	s := newTestStore(t, f)

	done := make(chan error, 1)
	go func() {
		done <- s.SetCurrentConversation(context.Background(), personalConv("c1", "u1", "u2"))
	}()
	for !s.Loading() {
		time.Sleep(time.Millisecond)
	}
	s.ApplyNewMessage(&Message{ID: "live", ConversationID: "c1", SenderID: "u2", Timestamp: time.Now()})
	s.ApplyNewMessage(&Message{ID: "c1-m01", ConversationID: "c1", SenderID: "u2", Timestamp: time.Now()})
	close(gate)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if got := messageIDs(s.Messages()); !equalIDs(got, []string{"c1-m00", "c1-m01", "live"}) {
		t.Fatalf("active list = %v", got)
	}
}

func TestPaginationHeuristic(t *testing.T) {
	f := newFakeFetcher()
	f.add("c1", 12)
	s := newTestStore(t, f)

	ctx := context.Background()
	if err := s.SetCurrentConversation(ctx, personalConv("c1", "u1", "u2")); err != nil {
		t.Fatal(err)
	}
	if len(s.Messages()) != 5 || !s.HasMoreMessages() {
		t.Fatalf("first page: %d messages, hasMore=%v", len(s.Messages()), s.HasMoreMessages())
	}
	n, err := s.LoadOlderMessages(ctx)
	if err != nil || n != 5 {
		t.Fatalf("LoadOlderMessages = (%d, %v)", n, err)
	}
	n, err = s.LoadOlderMessages(ctx)
	if err != nil || n != 2 {
		t.Fatalf("LoadOlderMessages = (%d, %v)", n, err)
	}
	if s.HasMoreMessages() {
		t.Fatal("short page should end pagination")
	}
	msgs := s.Messages()
	if len(msgs) != 12 || msgs[0].ID != "c1-m00" || msgs[11].ID != "c1-m11" {
		t.Fatalf("order = %v", messageIDs(msgs))
	}
	if n, _ := s.LoadOlderMessages(ctx); n != 0 {
		t.Fatalf("load after end returned %d", n)
	}
}

func TestPaginationExactMultipleReportsMore(t *testing.T) {
	f := newFakeFetcher()
	f.add("c1", 5)
	s := newTestStore(t, f)
	ctx := context.Background()
	if err := s.SetCurrentConversation(ctx, personalConv("c1", "u1", "u2")); err != nil {
		t.Fatal(err)
	}
	if !s.HasMoreMessages() {
		t.Fatal("a full page reports more until a short page arrives")
	}
	if n, err := s.LoadOlderMessages(ctx); err != nil || n != 0 {
		t.Fatalf("LoadOlderMessages = (%d, %v)", n, err)
	}
	if s.HasMoreMessages() {
		t.Fatal("empty page should end pagination")
	}
}

func TestSetCurrentConversationFetchError(t *testing.T) {
	f := newFakeFetcher()
	f.err = errors.New("boom")
	s := newTestStore(t, f)
	err := s.SetCurrentConversation(context.Background(), personalConv("c1", "u1", "u2"))
	if err == nil {
		t.Fatal("expected fetch error")
	}
	if s.Loading() {
		t.Fatal("loading should be cleared after an error")
	}
	if s.CurrentConversationID() != "c1" {
		t.Fatal("conversation stays active after a failed fetch")
	}
}

func TestMembershipFullReplace(t *testing.T) {
	s := newTestStore(t, nil)
	s.UpsertGroup(&Group{
		ID: "g1", ConversationID: "gc1", Name: "Team", CreatorID: "u1",
		Members: []GroupMember{{UserID: "u1", Role: RoleAdmin}},
	})

	s.ApplyMembershipChange(&MembershipChange{GroupID: "g1", Members: []GroupMember{{UserID: "u1", Role: RoleAdmin}, {UserID: "u2", Role: RoleMember}}})
	s.ApplyMembershipChange(&MembershipChange{GroupID: "g1", Members: []GroupMember{{UserID: "u1", Role: RoleAdmin}, {UserID: "u3", Role: RoleMember}}})

	c, ok := s.Conversation("gc1")
	if !ok {
		t.Fatal("group conversation missing")
	}
	var ids []string
	for _, p := range c.Participants {
		ids = append(ids, p.UserID)
	}
	if !equalIDs(ids, []string{"u1", "u3"}) {
		t.Fatalf("participants = %v, want [u1 u3]", ids)
	}
	g, _ := s.Group("g1")
	if len(g.Members) != 2 || g.Members[1].UserID != "u3" {
		t.Fatalf("group roster = %+v", g.Members)
	}
}

func TestRoleChangeAndGroupInfo(t *testing.T) {
	s := newTestStore(t, nil)
	s.UpsertGroup(&Group{
		ID: "g1", ConversationID: "gc1", Name: "Team",
		Members: []GroupMember{{UserID: "u1", Role: RoleAdmin}, {UserID: "u2", Role: RoleMember}},
	})
	s.ApplyRoleChange(&RoleChange{GroupID: "g1", UserID: "u2", Role: RoleModerator})
	s.ApplyGroupInfo(&GroupInfo{GroupID: "g1", Name: "Renamed"})

	g, _ := s.Group("g1")
	if g.Members[1].Role != RoleModerator || g.Name != "Renamed" {
		t.Fatalf("group = %+v", g)
	}
	c, _ := s.Conversation("gc1")
	if c.Participants[1].Role != RoleModerator || c.Name != "Renamed" {
		t.Fatalf("conversation = %+v", c)
	}
	if admins := g.Admins(); len(admins) != 1 || admins[0] != "u1" {
		t.Fatalf("admins = %v", admins)
	}
}

func TestRemovingActiveConversationClearsState(t *testing.T) {
	f := newFakeFetcher()
	f.add("c1", 3)
	s := newTestStore(t, f)
	if err := s.SetCurrentConversation(context.Background(), personalConv("c1", "u1", "u2")); err != nil {
		t.Fatal(err)
	}

	s.RemoveConversation("c1")
	if s.CurrentConversationID() != "" {
		t.Fatalf("current = %q", s.CurrentConversationID())
	}
	if len(s.Messages()) != 0 {
		t.Fatalf("messages = %v", messageIDs(s.Messages()))
	}
	if _, ok := s.Conversation("c1"); ok {
		t.Fatal("conversation still present")
	}
	if _, ok := s.FindPersonal("u1", "u2"); ok {
		t.Fatal("pair index still points at the removed conversation")
	}
}

func TestRemoveGroupCascades(t *testing.T) {
	s := newTestStore(t, nil)
	s.UpsertGroup(&Group{ID: "g1", ConversationID: "gc1", Name: "Team"})
	if err := s.SetCurrentConversation(context.Background(), &Conversation{ID: "gc1", Kind: KindGroup, GroupID: "g1"}); err != nil {
		t.Fatal(err)
	}

	var changes []Change
	s.Subscribe(func(c Change) { changes = append(changes, c) })
	s.RemoveGroup("g1", "", "deleted")

	if _, ok := s.Group("g1"); ok {
		t.Fatal("group still present")
	}
	if _, ok := s.Conversation("gc1"); ok {
		t.Fatal("conversation still present")
	}
	if s.CurrentConversationID() != "" {
		t.Fatal("active conversation not cleared")
	}
	if len(changes) == 0 || changes[0].Kind != ChangeGroupRemoved || changes[0].Reason != "deleted" || changes[0].ConversationID != "gc1" {
		t.Fatalf("changes = %+v", changes)
	}
}

func TestDuplicatePersonalConversationReplaced(t *testing.T) {
	s := newTestStore(t, nil)
	s.UpsertConversation(personalConv("c1b", "u2", "u1"))

	if _, ok := s.Conversation("c1"); ok {
		t.Fatal("older duplicate should be evicted")
	}
	c, ok := s.FindPersonal("u1", "u2")
	if !ok || c.ID != "c1b" {
		t.Fatalf("FindPersonal = %+v", c)
	}
}

func TestUpsertKeepsNewerLastMessage(t *testing.T) {
	s := newTestStore(t, nil)
	now := time.Now().UTC()
	s.ApplyNewMessage(&Message{ID: "m2", ConversationID: "c1", SenderID: "u2", Content: "new", Timestamp: now})

	stale := personalConv("c1", "u1", "u2")
	stale.LastMessage = &MessageSummary{ID: "m1", Preview: "old", Timestamp: now.Add(-time.Hour)}
	s.UpsertConversation(stale)

	c, _ := s.Conversation("c1")
	if c.LastMessage.ID != "m2" {
		t.Fatalf("last message regressed to %s", c.LastMessage.ID)
	}
}

func TestConversationsOrderedByActivity(t *testing.T) {
	s := newTestStore(t, nil)
	s.ApplyNewMessage(&Message{ID: "m1", ConversationID: "c2", SenderID: "u3", Timestamp: time.Now()})
	convs := s.Conversations()
	if len(convs) != 2 || convs[0].ID != "c2" {
		t.Fatalf("order = %v", []string{convs[0].ID, convs[1].ID})
	}
}

func TestChangesForInactiveIncomingMessage(t *testing.T) {
	s := newTestStore(t, nil)
	var got []Change
	s.Subscribe(func(c Change) { got = append(got, c) })

	s.ApplyNewMessage(&Message{ID: "m1", ConversationID: "c2", SenderID: "u3", Timestamp: time.Now()})
	if len(got) != 2 || got[0].Kind != ChangeMessageAdded || !got[0].Incoming || got[1].Kind != ChangeConversation {
		t.Fatalf("changes = %+v", got)
	}
}

func TestSubscriberPanicIsContained(t *testing.T) {
	s := newTestStore(t, nil)
	s.Subscribe(func(Change) { panic("boom") })
	calls := 0
	s.Subscribe(func(Change) { calls++ })

	s.ApplyNewMessage(&Message{ID: "m1", ConversationID: "c1", SenderID: "u2", Timestamp: time.Now()})
	if calls == 0 {
		t.Fatal("second subscriber not called")
	}
}

func TestSnapshotRestore(t *testing.T) {
	s := newTestStore(t, nil)
	s.UpsertGroup(&Group{ID: "g1", ConversationID: "gc1", Name: "Team", Members: []GroupMember{{UserID: "u1", Role: RoleAdmin}}})
	s.ApplyNewMessage(&Message{ID: "m1", ConversationID: "c1", SenderID: "u2", Content: "x", Timestamp: time.Now()})
	s.ApplyRevocation("m1", "c1")

	snap := s.Snapshot()
	if snap.UserID != "u1" || len(snap.Conversations) != 3 || len(snap.Groups) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}

	r := NewStore(&StoreConfig{SelfID: "u1"})
	r.Restore(snap)
	if len(r.Conversations()) != 3 {
		t.Fatalf("restored %d conversations", len(r.Conversations()))
	}
	if !r.IsRevoked("m1") {
		t.Fatal("revoked ids not restored")
	}
	if cid, ok := r.ConversationForGroup("g1"); !ok || cid != "gc1" {
		t.Fatalf("group index = %q", cid)
	}
	if c, ok := r.FindPersonal("u2", "u1"); !ok || c.ID != "c1" {
		t.Fatal("pair index not restored")
	}
}
