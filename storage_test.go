package zele

import (
	"errors"
	"testing"
	"time"
)

func sampleSnapshot(user string) *Snapshot {
	now := time.Unix(1_700_000_000, 0).UTC()
	return &Snapshot{
		UserID: user,
		Conversations: []*Conversation{
			{ID: "gc1", Kind: KindGroup, GroupID: "g1", Name: "Team", UpdatedAt: now.Add(time.Minute),
				LastMessage: &MessageSummary{ID: "m1", SenderID: "u2", Type: MessageText, Preview: "hi", Timestamp: now.Add(time.Minute)}},
			{ID: "c1", Kind: KindPersonal, Participants: []Participant{{UserID: user}, {UserID: "u2"}}, UpdatedAt: now},
		},
		Groups:  []*Group{{ID: "g1", ConversationID: "gc1", Name: "Team", CreatorID: user, Members: []GroupMember{{UserID: user, Role: RoleAdmin}}}},
		Revoked: []string{"m0"},
		SavedAt: now,
	}
}

func testStorage(t *testing.T, st Storage) {
	t.Helper()

	if _, err := st.Load("u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load of missing user: err = %v, want ErrNotFound", err)
	}

	if err := st.Save(sampleSnapshot("u1")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := st.Save(sampleSnapshot("u10")); err != nil {
		t.Fatalf("Save u10: %v", err)
	}

	got, err := st.Load("u1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.Conversations) != 2 || got.Conversations[0].ID != "gc1" {
		t.Fatalf("conversations = %+v", got.Conversations)
	}
	if got.Conversations[0].LastMessage == nil || got.Conversations[0].LastMessage.Preview != "hi" {
		t.Errorf("last message = %+v", got.Conversations[0].LastMessage)
	}
	if len(got.Groups) != 1 || got.Groups[0].Members[0].Role != RoleAdmin {
		t.Errorf("groups = %+v", got.Groups)
	}
	if len(got.Revoked) != 1 || got.Revoked[0] != "m0" {
		t.Errorf("revoked = %v", got.Revoked)
	}

	// Saving a smaller snapshot replaces the previous one entirely.
	smaller := sampleSnapshot("u1")
	smaller.Conversations = smaller.Conversations[1:]
	smaller.Groups = nil
	if err := st.Save(smaller); err != nil {
		t.Fatalf("Save smaller: %v", err)
	}
	got, err = st.Load("u1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.Conversations) != 1 || len(got.Groups) != 0 {
		t.Fatalf("stale entries survived: %d conversations, %d groups", len(got.Conversations), len(got.Groups))
	}

	if err := st.Delete("u1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := st.Load("u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load after delete: err = %v", err)
	}

	// Users sharing a key prefix are isolated.
	other, err := st.Load("u10")
	if err != nil {
		t.Fatalf("Load u10: %v", err)
	}
	if other.UserID != "u10" || len(other.Conversations) != 2 {
		t.Fatalf("u10 snapshot = %+v", other)
	}

	// Separators inside user ids do not widen a user's key range.
	for _, user := range []string{"a", "a/b"} {
		if err := st.Save(sampleSnapshot(user)); err != nil {
			t.Fatalf("Save %s: %v", user, err)
		}
	}
	replaced := sampleSnapshot("a")
	replaced.Conversations = nil
	if err := st.Save(replaced); err != nil {
		t.Fatalf("Save a: %v", err)
	}
	if err := st.Delete("a"); err != nil {
		t.Fatalf("Delete a: %v", err)
	}
	nested, err := st.Load("a/b")
	if err != nil {
		t.Fatalf("Load a/b: %v", err)
	}
	if nested.UserID != "a/b" || len(nested.Conversations) != 2 || len(nested.Groups) != 1 {
		t.Fatalf("a/b snapshot = %+v", nested)
	}
}

func TestMemoryStorage(t *testing.T) {
	st := NewMemoryStorage()
	defer st.Close()
	testStorage(t, st)
}

func TestPebbleStorage(t *testing.T) {
	st, err := OpenPebbleStorage(t.TempDir())
	if err != nil {
		t.Fatalf("OpenPebbleStorage: %v", err)
	}
	defer st.Close()
	testStorage(t, st)
}

func TestPebbleStoragePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	st, err := OpenPebbleStorage(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Save(sampleSnapshot("u1")); err != nil {
		t.Fatal(err)
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	st, err = OpenPebbleStorage(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	got, err := st.Load("u1")
	if err != nil {
		t.Fatalf("Load after reopen: %v", err)
	}
	if len(got.Conversations) != 2 {
		t.Fatalf("conversations = %d", len(got.Conversations))
	}
}
