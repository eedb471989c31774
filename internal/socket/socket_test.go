package socket

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	direct "github.com/vadim/pulsefeed/internal/domain/direct/entity"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func env(t *testing.T, event, data string) envelope {
	t.Helper()
	return envelope{Event: event, Data: json.RawMessage(data)}
}

type recorded struct {
	mu       sync.Mutex
	messages []direct.Message
	reads    []string
	deleted  []string
	typing   []string
	online   []string
	offline  []string
}

func recordingHandlers(r *recorded) Handlers {
	return Handlers{
		OnMessage: func(conversationID string, msg direct.Message) {
			r.mu.Lock()
			r.messages = append(r.messages, msg)
			r.mu.Unlock()
		},
		OnMessageRead: func(conversationID string) {
			r.mu.Lock()
			r.reads = append(r.reads, conversationID)
			r.mu.Unlock()
		},
		OnMessageDeleted: func(messageID string) {
			r.mu.Lock()
			r.deleted = append(r.deleted, messageID)
			r.mu.Unlock()
		},
		OnTypingStart: func(conversationID, fromUserID string) {
			r.mu.Lock()
			r.typing = append(r.typing, conversationID+"/"+fromUserID)
			r.mu.Unlock()
		},
		OnUserOnline: func(userID string) {
			r.mu.Lock()
			r.online = append(r.online, userID)
			r.mu.Unlock()
		},
		OnUserOffline: func(userID string) {
			r.mu.Lock()
			r.offline = append(r.offline, userID)
			r.mu.Unlock()
		},
	}
}

func TestDispatchMessageEvent(t *testing.T) {
	s := New("http://localhost", "tok")
	rec := &recorded{}
	s.SetHandlers(recordingHandlers(rec))

	s.dispatch(env(t, eventMessage,
		`{"conversationId":"c1","message":{"_id":"m1","sender":{"_id":"u1","username":"alice"},"text":"hi","createdAt":"2026-03-01T10:00:00Z"}}`))

	if len(rec.messages) != 1 {
		t.Fatalf("messages delivered = %d", len(rec.messages))
	}
	m := rec.messages[0]
	if m.ID != "m1" || m.SenderID != "u1" || m.Text != "hi" {
		t.Fatalf("message = %+v", m)
	}
	// The envelope's conversation id backfills a message without one.
	if m.ConversationID != "c1" {
		t.Fatalf("conversation id = %q", m.ConversationID)
	}
}

func TestDispatchPresenceEvents(t *testing.T) {
	s := New("http://localhost", "tok")
	rec := &recorded{}
	s.SetHandlers(recordingHandlers(rec))

	s.dispatch(env(t, eventUserOnline, `"u1"`))
	s.dispatch(env(t, eventUserOffline, `"u2"`))

	if len(rec.online) != 1 || rec.online[0] != "u1" {
		t.Fatalf("online = %v", rec.online)
	}
	if len(rec.offline) != 1 || rec.offline[0] != "u2" {
		t.Fatalf("offline = %v", rec.offline)
	}
}

func TestDispatchDropsMalformedAndUnknown(t *testing.T) {
	s := New("http://localhost", "tok")
	rec := &recorded{}
	s.SetHandlers(recordingHandlers(rec))

	s.dispatch(env(t, eventMessage, `{"conversationId":42}`))
	s.dispatch(env(t, eventUserOnline, `{"not":"a string"}`))
	s.dispatch(env(t, "story_boost", `{}`))

	if len(rec.messages) != 0 || len(rec.online) != 0 {
		t.Fatal("malformed payloads reached handlers")
	}
}

func TestDispatchOtherEvents(t *testing.T) {
	s := New("http://localhost", "tok")
	rec := &recorded{}
	s.SetHandlers(recordingHandlers(rec))

	s.dispatch(env(t, eventMessageRead, `{"conversationId":"c1"}`))
	s.dispatch(env(t, eventMessageDeleted, `{"messageId":"m1"}`))
	s.dispatch(env(t, eventTypingStart, `{"conversationId":"c1","fromUserId":"u1"}`))

	if len(rec.reads) != 1 || rec.reads[0] != "c1" {
		t.Fatalf("reads = %v", rec.reads)
	}
	if len(rec.deleted) != 1 || rec.deleted[0] != "m1" {
		t.Fatalf("deleted = %v", rec.deleted)
	}
	if len(rec.typing) != 1 || rec.typing[0] != "c1/u1" {
		t.Fatalf("typing = %v", rec.typing)
	}
}

func TestBuildURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"http://localhost:5000", "ws://localhost:5000/socket"},
		{"https://api.example.com/", "wss://api.example.com/socket"},
		{"https://api.example.com/socket", "wss://api.example.com/socket"},
	}
	for _, tc := range cases {
		s := New(tc.in, "tok")
		got, err := s.buildURL()
		if err != nil {
			t.Fatalf("buildURL(%s): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("buildURL(%s) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestEmitDuringPings(t *testing.T) {
	upgrader := websocket.Upgrader{}
	const emits = 100
	got := make(chan int, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		// Ping frames are consumed by the read loop; only data
		// frames count.
		n := 0
		for n < emits {
			var in envelope
			if err := conn.ReadJSON(&in); err != nil {
				break
			}
			n++
		}
		got <- n
	}))
	defer srv.Close()

	s := New(srv.URL, "tok", WithLogger(discardLogger()), WithPingPeriod(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Close()

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < emits/4; i++ {
				if err := s.EmitTypingStart("c1", "peer"); err != nil {
					t.Errorf("EmitTypingStart: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	select {
	case n := <-got:
		if n != emits {
			t.Fatalf("server received %d of %d emits", n, emits)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server never received all emits")
	}
}

func TestConnectReceivesAndEmits(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan envelope, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("authorization = %q", got)
		}
		if r.URL.Path != "/socket" {
			t.Errorf("path = %s", r.URL.Path)
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		// Push one event to the client.
		payload := json.RawMessage(`{"conversationId":"c1"}`)
		if err := conn.WriteJSON(envelope{Event: eventMessageRead, Data: payload}); err != nil {
			t.Errorf("write: %v", err)
			return
		}

		// Then read what the client emits.
		var in envelope
		if err := conn.ReadJSON(&in); err != nil {
			return
		}
		received <- in
	}))
	defer srv.Close()

	s := New(srv.URL, "tok", WithLogger(discardLogger()))
	reads := make(chan string, 1)
	s.SetHandlers(Handlers{OnMessageRead: func(conversationID string) { reads <- conversationID }})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Close()

	select {
	case got := <-reads:
		if got != "c1" {
			t.Fatalf("read event for %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event never delivered")
	}

	if err := s.EmitTypingStart("c1", "peer"); err != nil {
		t.Fatalf("EmitTypingStart: %v", err)
	}

	select {
	case in := <-received:
		if in.Event != eventTypingStart {
			t.Fatalf("emitted event = %q", in.Event)
		}
		var payload map[string]string
		if err := json.Unmarshal(in.Data, &payload); err != nil {
			t.Fatalf("decode emitted payload: %v", err)
		}
		if payload["conversationId"] != "c1" || payload["toUserId"] != "peer" {
			t.Fatalf("payload = %v", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("emit never reached the server")
	}
}
