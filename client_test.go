package zele

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"
)

func newTestClient(b *fakeBackend) *Client {
	return NewClient("tok", WithBaseURL(b.URL()+"/"))
}

func TestClientAuthAndEnvelope(t *testing.T) {
	b := newFakeBackend(t)
	var auth string
	b.route("GET", "/api/conversations", func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		fmt.Fprint(w, `{"success":true,"data":[
			{"_id":"c1","participants":[{"_id":"u1","fullname":"Ann"},"u2"],"updatedAt":"2024-05-01T10:00:00Z"},
			{"_id":"c2","type":"group","groupId":"g1","name":"Team","members":[]},
			{"participants":[]}
		]}`)
	})

	c := newTestClient(b)
	if c.BaseURL() != b.URL() {
		t.Fatalf("BaseURL() = %q, want trailing slash trimmed", c.BaseURL())
	}
	convs, err := c.Conversations.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if auth != "Bearer tok" {
		t.Errorf("Authorization = %q", auth)
	}
	if len(convs) != 2 {
		t.Fatalf("got %d conversations, want 2 (entry without id dropped)", len(convs))
	}
	if convs[0].Kind != KindPersonal || len(convs[0].Participants) != 2 || convs[0].Participants[0].DisplayName != "Ann" {
		t.Errorf("c1 = %+v", convs[0])
	}
	if convs[1].Kind != KindGroup || convs[1].GroupID != "g1" {
		t.Errorf("c2 = %+v", convs[1])
	}
}

func TestClientUnwrappedBody(t *testing.T) {
	b := newFakeBackend(t)
	b.reply("GET", "/api/groups", 200, `{"groups":[{"_id":"g1","name":"Team","createdBy":{"_id":"u1"},"members":[{"user":{"_id":"u1"},"role":"admin"},{"userId":"u2"}]}]}`)

	groups, err := newTestClient(b).Groups.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 {
		t.Fatalf("got %d groups", len(groups))
	}
	g := groups[0]
	if g.CreatorID != "u1" || len(g.Members) != 2 || g.Members[0].Role != RoleAdmin || g.Members[1].Role != RoleMember {
		t.Fatalf("group = %+v", g)
	}
	if admins := g.Admins(); len(admins) != 1 || admins[0] != "u1" {
		t.Errorf("Admins() = %v", admins)
	}
}

func TestClientAPIErrors(t *testing.T) {
	b := newFakeBackend(t)
	b.reply("GET", "/api/groups/missing", 404, `{"success":false,"message":"group not found"}`)
	b.reply("POST", "/api/groups", 409, `{"success":false,"message":"name taken","code":"duplicate"}`)
	b.reply("DELETE", "/api/groups/g1", 200, `{"success":false,"message":"not an admin"}`)
	b.reply("PUT", "/api/groups/g1", 500, `oops`)
	c := newTestClient(b)
	ctx := context.Background()

	_, err := c.Groups.Get(ctx, "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != 404 || apiErr.Message != "group not found" {
		t.Fatalf("Get err = %v", err)
	}
	if !errors.Is(err, ErrNotFound) || Classify(err) != ClassNotFound {
		t.Errorf("404 should match ErrNotFound")
	}

	_, _, err = c.Groups.Create(ctx, &CreateGroupRequest{Name: "x"})
	if !errors.Is(err, ErrConflict) || !errors.As(err, &apiErr) || apiErr.Code != "duplicate" {
		t.Errorf("Create err = %v", err)
	}

	err = c.Groups.Delete(ctx, "g1")
	if !errors.As(err, &apiErr) || apiErr.Message != "not an admin" || Classify(err) != ClassFatal {
		t.Errorf("Delete err = %v", err)
	}

	_, err = c.Groups.Update(ctx, "g1", &UpdateGroupRequest{Name: "y"})
	if !errors.As(err, &apiErr) || apiErr.Status != 500 || apiErr.Message != http.StatusText(500) {
		t.Errorf("Update err = %v", err)
	}
}

func TestFindPersonal(t *testing.T) {
	b := newFakeBackend(t)
	b.reply("GET", "/api/conversations/personal/u2", 200, `{"success":true,"data":{"conversation":{"_id":"c1","participants":["u1","u2"]}}}`)
	b.reply("GET", "/api/conversations/personal/u3", 200, `{"success":true,"data":null}`)
	c := newTestClient(b)

	conv, err := c.Conversations.FindPersonal(context.Background(), "u2")
	if err != nil || conv.ID != "c1" || !conv.HasParticipant("u2") {
		t.Fatalf("FindPersonal(u2) = (%+v, %v)", conv, err)
	}
	_, err = c.Conversations.FindPersonal(context.Background(), "u3")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("FindPersonal(u3) err = %v, want ErrNotFound", err)
	}
}

func TestCreatePersonal(t *testing.T) {
	b := newFakeBackend(t)
	var body map[string]string
	b.route("POST", "/api/conversations/personal", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %q", r.Header.Get("Content-Type"))
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		fmt.Fprint(w, `{"success":true,"data":{"_id":"c9","participants":["u1","u2"]}}`)
	})

	conv, err := newTestClient(b).Conversations.CreatePersonal(context.Background(), "u2")
	if err != nil {
		t.Fatal(err)
	}
	if body["receiverId"] != "u2" || conv.ID != "c9" {
		t.Fatalf("body = %v, conv = %+v", body, conv)
	}
}

func TestMessagesList(t *testing.T) {
	b := newFakeBackend(t)
	var query string
	b.route("GET", "/api/messages/c1", func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		fmt.Fprint(w, `{"success":true,"data":{"messages":[
			{"_id":"m1","senderId":{"_id":"u2"},"content":"hi","createdAt":"2024-05-01T10:00:00Z"},
			{"_id":"m2","senderId":"u1","content":"secret","isRevoked":true},
			{"content":"no id"}
		]}}`)
	})

	msgs, err := newTestClient(b).Messages.List(context.Background(), "c1", "m9", 20)
	if err != nil {
		t.Fatal(err)
	}
	if query != "before=m9&limit=20" {
		t.Errorf("query = %q", query)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].SenderID != "u2" || msgs[0].ConversationID != "c1" || msgs[0].Timestamp.Year() != 2024 {
		t.Errorf("m1 = %+v", msgs[0])
	}
	if !msgs[1].Revoked || msgs[1].Content != "" {
		t.Errorf("revoked message kept its content: %+v", msgs[1])
	}
}

func TestSendFile(t *testing.T) {
	b := newFakeBackend(t)
	fields := map[string]string{}
	var fileName, fileBody string
	b.route("POST", "/api/messages/file", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
			return
		}
		for k, v := range r.MultipartForm.Value {
			fields[k] = v[0]
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		fileName, fileBody = hdr.Filename, string(data)
		fmt.Fprint(w, `{"success":true,"data":{"message":{"_id":"m1","senderId":"u1","type":"image","clientId":"tmp-1"}}}`)
	})

	msg, err := newTestClient(b).Messages.SendFile(context.Background(), &SendFileRequest{
		ConversationID: "c1",
		ClientID:       "tmp-1",
		FileName:       "cat.png",
		Data:           []byte("PNG"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if fields["conversationId"] != "c1" || fields["clientId"] != "tmp-1" || fields["type"] != "image" {
		t.Errorf("fields = %v", fields)
	}
	if _, ok := fields["groupId"]; ok {
		t.Error("empty fields should be omitted")
	}
	if fileName != "cat.png" || fileBody != "PNG" {
		t.Errorf("file = %q %q", fileName, fileBody)
	}
	if msg.ID != "m1" || msg.FileName != "cat.png" || msg.ClientID != "tmp-1" {
		t.Errorf("message = %+v", msg)
	}
}

func TestSendFileValidation(t *testing.T) {
	c := NewClient("tok", WithBaseURL("http://127.0.0.1:1"))
	if _, err := c.Messages.SendFile(context.Background(), &SendFileRequest{}); err == nil {
		t.Error("missing file name accepted")
	}
	big := &SendFileRequest{FileName: "a.bin", Data: make([]byte, maxFileSize+1)}
	if _, err := c.Messages.SendFile(context.Background(), big); err == nil {
		t.Error("oversized file accepted")
	}
}

func TestGuessMimeType(t *testing.T) {
	tests := []struct {
		name string
		want string
		kind MessageType
	}{
		{"photo.PNG", "image/png", MessageImage},
		{"clip.webm", "video/webm", MessageVideo},
		{"note.m4a", "audio/mp4", MessageVoice},
		{"song.mp3", "audio/mpeg", MessageVoice},
		{"README", "application/octet-stream", MessageFile},
		{"data.unknownext", "application/octet-stream", MessageFile},
	}
	for _, tt := range tests {
		got := guessMimeType(tt.name)
		if got != tt.want {
			t.Errorf("guessMimeType(%q) = %q, want %q", tt.name, got, tt.want)
		}
		if k := messageTypeFor(got); k != tt.kind {
			t.Errorf("messageTypeFor(%q) = %q, want %q", got, k, tt.kind)
		}
	}
}

func TestGroupsCreate(t *testing.T) {
	b := newFakeBackend(t)
	b.reply("POST", "/api/groups", 201, `{"success":true,"data":{
		"group":{"_id":"g1","name":"Team","creatorId":"u1","members":[{"userId":"u1","role":"admin"},{"userId":"u2"}]},
		"conversation":{"_id":"gc1"}
	}}`)

	grp, conv, err := newTestClient(b).Groups.Create(context.Background(), &CreateGroupRequest{Name: "Team", MemberIDs: []string{"u2"}})
	if err != nil {
		t.Fatal(err)
	}
	if grp.ConversationID != "gc1" {
		t.Errorf("group conversation = %q", grp.ConversationID)
	}
	if conv == nil || conv.Kind != KindGroup || conv.GroupID != "g1" {
		t.Fatalf("conversation = %+v", conv)
	}
}

func TestGroupsCreateWithoutConversation(t *testing.T) {
	b := newFakeBackend(t)
	b.reply("POST", "/api/groups", 201, `{"success":true,"data":{"_id":"g1","name":"Team","members":[]}}`)

	grp, conv, err := newTestClient(b).Groups.Create(context.Background(), &CreateGroupRequest{Name: "Team"})
	if err != nil {
		t.Fatal(err)
	}
	if grp.ID != "g1" || conv != nil {
		t.Fatalf("got (%+v, %+v)", grp, conv)
	}
}

func TestClientMalformedJSON(t *testing.T) {
	b := newFakeBackend(t)
	b.reply("GET", "/api/conversations/c1", 200, `{not json`)
	if _, err := newTestClient(b).Conversations.Get(context.Background(), "c1"); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}
