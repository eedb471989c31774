package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"github.com/vadim/pulsefeed/internal/domain/direct/entity"
	"github.com/vadim/pulsefeed/internal/notice"
)

type fakeDirectPolicy struct {
	opened     []string
	closed     bool
	olderErr   error
	sendResult *entity.Message
	sendErr    error
	sendToUser string
	unsent     []string
	typing     int
	typingUser string
	online     []string
	hasMore    map[string]bool
}

func (f *fakeDirectPolicy) Open(ctx context.Context, conversationID string) error {
	f.opened = append(f.opened, conversationID)
	return nil
}

func (f *fakeDirectPolicy) CloseConversation() { f.closed = true }

func (f *fakeDirectPolicy) LoadOlder(ctx context.Context) error { return f.olderErr }

func (f *fakeDirectPolicy) Send(ctx context.Context, text string) (*entity.Message, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return f.sendResult, nil
}

func (f *fakeDirectPolicy) SendToUser(ctx context.Context, receiverID, text string) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	return f.sendToUser, nil
}

func (f *fakeDirectPolicy) Unsend(ctx context.Context, messageID string) error {
	f.unsent = append(f.unsent, messageID)
	return nil
}

func (f *fakeDirectPolicy) Typing() { f.typing++ }

func (f *fakeDirectPolicy) TypingUserID() string { return f.typingUser }

func (f *fakeDirectPolicy) OnlineUserIDs() []string { return f.online }

func (f *fakeDirectPolicy) HasMoreHistory(conversationID string) bool {
	return f.hasMore[conversationID]
}

type fakeDirectReader struct {
	convs   []entity.Conversation
	msgs    map[string][]entity.Message
	focused string
	unread  int
}

func (f *fakeDirectReader) Conversations() []entity.Conversation { return f.convs }

func (f *fakeDirectReader) Search(query string) []entity.Conversation {
	out := make([]entity.Conversation, 0, len(f.convs))
	for _, c := range f.convs {
		for _, p := range c.Participants {
			if strings.Contains(p.Username, query) {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

func (f *fakeDirectReader) Conversation(conversationID string) *entity.Conversation {
	for i := range f.convs {
		if f.convs[i].ID == conversationID {
			return &f.convs[i]
		}
	}
	return nil
}

func (f *fakeDirectReader) Messages(conversationID string) []entity.Message {
	return f.msgs[conversationID]
}

func (f *fakeDirectReader) Focused() string { return f.focused }

func (f *fakeDirectReader) UnreadTotal() int { return f.unread }

func newDirectServer(t *testing.T, p *fakeDirectPolicy, rd *fakeDirectReader) (*httptest.Server, *notice.Board) {
	t.Helper()
	if p.hasMore == nil {
		p.hasMore = map[string]bool{}
	}
	if rd.msgs == nil {
		rd.msgs = map[string][]entity.Message{}
	}
	board := notice.NewBoard()
	r := chi.NewRouter()
	NewDirectHandler(p, rd, board).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, board
}

func getJSON(t *testing.T, url string, out interface{}) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding %s: %v", url, err)
		}
	}
	return resp
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestListConversations(t *testing.T) {
	rd := &fakeDirectReader{
		convs: []entity.Conversation{
			{ID: "c1", Participants: []entity.Participant{{ID: "alice", Username: "alice"}}},
			{ID: "c2", Participants: []entity.Participant{{ID: "bob", Username: "bob"}}},
		},
		focused: "c1",
		unread:  5,
	}
	srv, _ := newDirectServer(t, &fakeDirectPolicy{}, rd)

	var out ListConversationsResponse
	getJSON(t, srv.URL+"/conversations/", &out)
	if len(out.Conversations) != 2 || out.UnreadTotal != 5 || out.FocusedID != "c1" {
		t.Fatalf("response = %+v", out)
	}

	getJSON(t, srv.URL+"/conversations/?q=ali", &out)
	if len(out.Conversations) != 1 || out.Conversations[0].ID != "c1" {
		t.Fatalf("search response = %+v", out)
	}
}

func TestGetMessages(t *testing.T) {
	rd := &fakeDirectReader{
		convs:   []entity.Conversation{{ID: "c1"}},
		msgs:    map[string][]entity.Message{"c1": {{ID: "m1", Text: "hi", CreatedAt: time.Now()}}},
		focused: "c1",
	}
	p := &fakeDirectPolicy{typingUser: "peer", hasMore: map[string]bool{"c1": true}}
	srv, _ := newDirectServer(t, p, rd)

	var out GetMessagesResponse
	resp := getJSON(t, srv.URL+"/conversations/c1/messages", &out)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(out.Messages) != 1 || !out.HasMore || out.TypingUserID != "peer" {
		t.Fatalf("response = %+v", out)
	}

	resp = getJSON(t, srv.URL+"/conversations/nope/messages", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown conversation status = %d", resp.StatusCode)
	}
}

func TestOpenConversation(t *testing.T) {
	rd := &fakeDirectReader{convs: []entity.Conversation{{ID: "c1"}}}
	p := &fakeDirectPolicy{}
	srv, _ := newDirectServer(t, p, rd)

	resp := postJSON(t, srv.URL+"/conversations/c1/open", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(p.opened) != 1 || p.opened[0] != "c1" {
		t.Fatalf("opened = %v", p.opened)
	}
}

func TestSendMessageToFocusedConversation(t *testing.T) {
	rd := &fakeDirectReader{focused: "c1"}
	p := &fakeDirectPolicy{sendResult: &entity.Message{ID: "m1", ConversationID: "c1", Text: "hi"}}
	srv, _ := newDirectServer(t, p, rd)

	resp := postJSON(t, srv.URL+"/messages", `{"text":"hi"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out SendMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ConversationID != "c1" || out.Message == nil || out.Message.ID != "m1" {
		t.Fatalf("response = %+v", out)
	}
}

func TestSendMessageValidationErrors(t *testing.T) {
	p := &fakeDirectPolicy{sendErr: entity.ErrNoConversationOpen}
	srv, _ := newDirectServer(t, p, &fakeDirectReader{})

	resp := postJSON(t, srv.URL+"/messages", `{"text":"hi"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("no open conversation status = %d", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/messages", `{bad json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad body status = %d", resp.StatusCode)
	}
}

func TestSendMessageToNewPeer(t *testing.T) {
	p := &fakeDirectPolicy{sendToUser: "c9"}
	srv, _ := newDirectServer(t, p, &fakeDirectReader{})

	resp := postJSON(t, srv.URL+"/messages", `{"receiver_id":"peer","text":"hello"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out SendMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ConversationID != "c9" {
		t.Fatalf("conversation = %q", out.ConversationID)
	}
}

func TestTypingRequiresFocus(t *testing.T) {
	p := &fakeDirectPolicy{}
	srv, _ := newDirectServer(t, p, &fakeDirectReader{focused: "c1"})

	resp := postJSON(t, srv.URL+"/conversations/c1/typing", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if p.typing != 1 {
		t.Fatalf("typing calls = %d", p.typing)
	}

	resp = postJSON(t, srv.URL+"/conversations/c2/typing", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unfocused typing status = %d", resp.StatusCode)
	}
	if p.typing != 1 {
		t.Fatalf("typing leaked to unfocused conversation: %d", p.typing)
	}
}

func TestUnsendMessage(t *testing.T) {
	p := &fakeDirectPolicy{}
	srv, _ := newDirectServer(t, p, &fakeDirectReader{})

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/messages/m1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(p.unsent) != 1 || p.unsent[0] != "m1" {
		t.Fatalf("unsent = %v", p.unsent)
	}
}

func TestGetPresence(t *testing.T) {
	p := &fakeDirectPolicy{online: []string{"alice", "bob"}}
	srv, _ := newDirectServer(t, p, &fakeDirectReader{})

	var out GetPresenceResponse
	getJSON(t, srv.URL+"/presence", &out)
	if len(out.OnlineUserIDs) != 2 || out.OnlineUserIDs[0] != "alice" {
		t.Fatalf("presence = %v", out.OnlineUserIDs)
	}
}

func TestNoticesLifecycle(t *testing.T) {
	srv, board := newDirectServer(t, &fakeDirectPolicy{}, &fakeDirectReader{})
	id := board.Errorf("failed to send message")

	var out struct {
		Notices []notice.Notice `json:"notices"`
	}
	getJSON(t, srv.URL+"/notices", &out)
	if len(out.Notices) != 1 || out.Notices[0].ID != id {
		t.Fatalf("notices = %+v", out.Notices)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/notices/1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("dismiss status = %d", resp.StatusCode)
	}
	if len(board.Active()) != 0 {
		t.Fatal("notice not dismissed")
	}
}
