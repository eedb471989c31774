// Package sync reconciles three independent input streams into the
// conversation store: paginated REST fetches, push events from the
// socket channel, and locally originated optimistic sends. It is the
// single writer of messaging state and the single owner of the socket
// subscriptions.
package sync

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vadim/pulsefeed/internal/domain/direct/entity"
	"github.com/vadim/pulsefeed/internal/domain/direct/store"
	"github.com/vadim/pulsefeed/internal/notice"
	"github.com/vadim/pulsefeed/internal/socket"
)

const (
	defaultPageSize    = 20
	defaultTypingQuiet = time.Second

	// Deadline for background reconciliation work triggered by socket
	// events, which arrive without a caller context.
	backgroundTimeout = 15 * time.Second
)

// Upstream is the REST surface the engine consumes
type Upstream interface {
	GetConversations(ctx context.Context) ([]entity.Conversation, error)
	GetMessages(ctx context.Context, conversationID string, page int) ([]entity.Message, error)
	SendMessage(ctx context.Context, receiverID, text string) (*entity.Message, error)
	MarkConversationRead(ctx context.Context, conversationID string) error
	GetUnreadCounts(ctx context.Context) (map[string]int, error)
	GetUnreadTotal(ctx context.Context) (int, error)
	UnsendMessage(ctx context.Context, messageID string) error
}

// Emitter sends typing signals to the peer over the push channel
type Emitter interface {
	EmitTypingStart(conversationID, toUserID string) error
	EmitTypingStop(conversationID, toUserID string) error
}

// Engine merges fetches, push events and optimistic sends into the store
type Engine struct {
	store   *store.Store
	up      Upstream
	emit    Emitter
	notices *notice.Board
	logger  *slog.Logger

	selfID      string
	pageSize    int
	typingQuiet time.Duration

	// onPeerMessage is invoked for a peer message landing in a
	// non-focused conversation, so the notification cache can record it
	onPeerMessage func(entity.Message)

	mu sync.Mutex
	// epoch increments on every Open; a fetch whose epoch no longer
	// matches was superseded and its results are discarded
	epoch       int
	loadingConv string
	buffered    []entity.Message
	pages       map[string]int
	hasMore     map[string]bool

	// ephemeral presence and typing state, never persisted
	online      map[string]struct{}
	typingFrom  string
	typingClear *time.Timer
	localStop   *time.Timer
}

// Option configures the Engine
type Option func(*Engine)

// WithPageSize overrides the history page size
func WithPageSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.pageSize = n
		}
	}
}

// WithTypingQuiet overrides the typing debounce interval
func WithTypingQuiet(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.typingQuiet = d
		}
	}
}

// WithPeerMessageHook registers the callback for peer messages arriving
// in non-focused conversations
func WithPeerMessageHook(fn func(entity.Message)) Option {
	return func(e *Engine) { e.onPeerMessage = fn }
}

// New creates a sync engine writing into st on behalf of selfID
func New(st *store.Store, up Upstream, emit Emitter, selfID string, notices *notice.Board, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:       st,
		up:          up,
		emit:        emit,
		notices:     notices,
		logger:      logger,
		selfID:      selfID,
		pageSize:    defaultPageSize,
		typingQuiet: defaultTypingQuiet,
		pages:       make(map[string]int),
		hasMore:     make(map[string]bool),
		online:      make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Attach registers the engine as the single subscriber of the socket's
// push events. Subscription lifecycle is centralized here: attach once,
// detach via Close.
func (e *Engine) Attach(s *socket.Socket) {
	s.SetHandlers(socket.Handlers{
		OnMessage:        e.HandleIncomingMessage,
		OnMessageRead:    e.HandlePeerRead,
		OnMessageDeleted: e.HandleMessageDeleted,
		OnTypingStart:    e.HandleTypingStart,
		OnTypingStop:     e.HandleTypingStop,
		OnUserOnline:     e.HandleUserOnline,
		OnUserOffline:    e.HandleUserOffline,
		OnReconnect:      e.HandleReconnect,
	})
}

// Bootstrap loads the conversation list and unread counters, the first
// thing the messaging surface needs
func (e *Engine) Bootstrap(ctx context.Context) error {
	convs, err := e.up.GetConversations(ctx)
	if err != nil {
		e.notices.Errorf("failed to load conversations")
		return err
	}

	counts, err := e.up.GetUnreadCounts(ctx)
	if err != nil {
		// The list is still usable without counters
		e.logger.Warn("failed to load unread counts", "error", err)
		counts = nil
	}

	for _, conv := range convs {
		if n, ok := counts[conv.ID]; ok {
			conv.UnreadCount = n
		}
		e.store.UpsertConversation(conv)
	}
	return nil
}

// Open focuses a conversation and loads its first history page. Push
// events for the conversation arriving while the fetch is in flight are
// buffered and replayed after the page is applied, so nothing is lost or
// duplicated. A newer Open supersedes an older in-flight one: the stale
// fetch's results and its buffer are discarded.
func (e *Engine) Open(ctx context.Context, conversationID string) error {
	e.mu.Lock()
	e.epoch++
	myEpoch := e.epoch
	e.loadingConv = conversationID
	e.buffered = nil
	e.typingFrom = ""
	e.mu.Unlock()

	e.store.SetFocused(conversationID)

	msgs, err := e.up.GetMessages(ctx, conversationID, 1)

	e.mu.Lock()
	if e.epoch != myEpoch {
		// Superseded while in flight; a newer Open owns the state now
		e.mu.Unlock()
		return nil
	}
	e.loadingConv = ""
	buffered := e.buffered
	e.buffered = nil
	if err != nil {
		e.mu.Unlock()
		e.notices.Errorf("failed to load messages")
		return err
	}
	e.pages[conversationID] = 1
	e.hasMore[conversationID] = len(msgs) == e.pageSize
	e.mu.Unlock()

	// History first, then the buffered live events, filtered for ids
	// the page already contains by the store's dedup. The page is merged
	// rather than installed wholesale: a push dispatched between the
	// buffer cutover above and this point has already landed in the
	// store and must survive.
	if !e.store.Has(conversationID) {
		e.store.UpsertConversation(entity.Conversation{ID: conversationID})
	}
	e.store.PrependHistory(conversationID, msgs)
	for _, m := range buffered {
		e.applyIncoming(conversationID, m, true)
	}

	e.store.MarkConversationRead(conversationID)
	go e.markReadUpstream(conversationID)

	return nil
}

// CloseConversation drops focus without opening another one
func (e *Engine) CloseConversation() {
	e.mu.Lock()
	e.epoch++
	e.loadingConv = ""
	e.buffered = nil
	e.typingFrom = ""
	e.mu.Unlock()
	e.store.SetFocused("")
}

// LoadOlder fetches the next page backward for the focused conversation
func (e *Engine) LoadOlder(ctx context.Context) error {
	conversationID := e.store.Focused()
	if conversationID == "" {
		return entity.ErrNoConversationOpen
	}

	e.mu.Lock()
	if !e.hasMore[conversationID] {
		e.mu.Unlock()
		return entity.ErrNoMoreHistory
	}
	next := e.pages[conversationID] + 1
	myEpoch := e.epoch
	e.mu.Unlock()

	msgs, err := e.up.GetMessages(ctx, conversationID, next)

	e.mu.Lock()
	if e.epoch != myEpoch {
		e.mu.Unlock()
		return nil
	}
	if err != nil {
		e.mu.Unlock()
		e.notices.Errorf("failed to load older messages")
		return err
	}
	e.pages[conversationID] = next
	e.hasMore[conversationID] = len(msgs) == e.pageSize
	e.mu.Unlock()

	e.store.PrependHistory(conversationID, msgs)
	return nil
}

// Send delivers a message to the focused conversation's peer. The
// message appears immediately under a client-generated id and is
// reconciled with the server copy on confirmation; on failure the
// provisional message is rolled back and a notice posted.
func (e *Engine) Send(ctx context.Context, text string) (*entity.Message, error) {
	if err := entity.ValidateMessageText(text); err != nil {
		return nil, err
	}

	conversationID := e.store.Focused()
	if conversationID == "" {
		return nil, entity.ErrNoConversationOpen
	}
	conv := e.store.Conversation(conversationID)
	if conv == nil {
		return nil, entity.ErrConversationNotFound
	}
	peer := conv.Peer(e.selfID)
	if peer == nil {
		return nil, entity.ErrInvalidRecipient
	}

	temp := entity.Message{
		ID:             "tmp_" + uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       e.selfID,
		Text:           text,
		Pending:        true,
		CreatedAt:      time.Now().UTC(),
	}
	e.store.AppendMessage(conversationID, temp)

	confirmed, err := e.up.SendMessage(ctx, peer.ID, text)
	if err != nil {
		e.store.RemoveMessage(conversationID, temp.ID)
		e.notices.Errorf("failed to send message")
		return nil, err
	}

	e.store.ReplaceTemporaryMessage(conversationID, temp.ID, *confirmed)
	e.stopTyping(conversationID, peer.ID)

	result := *confirmed
	return &result, nil
}

// SendToUser starts a conversation with a peer the user has no thread
// with yet: the first message creates it server-side, after which the
// engine refreshes the list and focuses the new conversation.
func (e *Engine) SendToUser(ctx context.Context, receiverID, text string) (string, error) {
	if err := entity.ValidateMessageText(text); err != nil {
		return "", err
	}
	if receiverID == "" || receiverID == e.selfID {
		return "", entity.ErrInvalidRecipient
	}

	if existing := e.store.FindByPeer(receiverID); existing != "" {
		if err := e.Open(ctx, existing); err != nil {
			return "", err
		}
		if _, err := e.Send(ctx, text); err != nil {
			return "", err
		}
		return existing, nil
	}

	confirmed, err := e.up.SendMessage(ctx, receiverID, text)
	if err != nil {
		e.notices.Errorf("failed to send message")
		return "", err
	}

	if err := e.Bootstrap(ctx); err != nil {
		return "", err
	}

	conversationID := confirmed.ConversationID
	if conversationID == "" {
		conversationID = e.store.FindByPeer(receiverID)
	}
	if conversationID == "" {
		e.logger.Warn("sent first message but conversation not found after refresh", "receiver_id", receiverID)
		return "", entity.ErrConversationNotFound
	}

	if err := e.Open(ctx, conversationID); err != nil {
		return conversationID, err
	}
	return conversationID, nil
}

// Unsend retracts one of the user's own messages. The message stays in
// the list as a deleted stub; the peer learns about it via the
// message_deleted push the server broadcasts.
func (e *Engine) Unsend(ctx context.Context, messageID string) error {
	if err := e.up.UnsendMessage(ctx, messageID); err != nil {
		e.notices.Errorf("failed to unsend message")
		return err
	}
	e.store.ApplyDeleted(messageID)
	return nil
}

// Typing reports a local keystroke batch: a typing_start goes out
// immediately and a typing_stop is (re)scheduled one quiet interval out,
// superseding any previously scheduled stop. Debounce, not throttle.
func (e *Engine) Typing() {
	conversationID := e.store.Focused()
	if conversationID == "" {
		return
	}
	conv := e.store.Conversation(conversationID)
	if conv == nil {
		return
	}
	peer := conv.Peer(e.selfID)
	if peer == nil {
		return
	}

	if err := e.emit.EmitTypingStart(conversationID, peer.ID); err != nil {
		e.logger.Warn("failed to emit typing_start", "error", err)
	}

	e.mu.Lock()
	if e.localStop != nil {
		e.localStop.Stop()
	}
	peerID := peer.ID
	e.localStop = time.AfterFunc(e.typingQuiet, func() {
		if err := e.emit.EmitTypingStop(conversationID, peerID); err != nil {
			e.logger.Warn("failed to emit typing_stop", "error", err)
		}
	})
	e.mu.Unlock()
}

// stopTyping cancels a scheduled stop and emits it immediately
func (e *Engine) stopTyping(conversationID, peerID string) {
	e.mu.Lock()
	if e.localStop != nil {
		e.localStop.Stop()
		e.localStop = nil
	}
	e.mu.Unlock()

	if err := e.emit.EmitTypingStop(conversationID, peerID); err != nil {
		e.logger.Warn("failed to emit typing_stop", "error", err)
	}
}

// HandleIncomingMessage applies one pushed message. While the focused
// conversation's initial fetch is in flight its events are buffered;
// everything else applies immediately. Duplicate delivery is a no-op.
func (e *Engine) HandleIncomingMessage(conversationID string, msg entity.Message) {
	if conversationID == "" || msg.ID == "" {
		e.logger.Warn("dropping push message with missing id", "conversation_id", conversationID)
		return
	}

	e.mu.Lock()
	if e.loadingConv == conversationID {
		e.buffered = append(e.buffered, msg)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	e.applyIncoming(conversationID, msg, e.store.Focused() == conversationID)
}

func (e *Engine) applyIncoming(conversationID string, msg entity.Message, focused bool) {
	if !e.store.Has(conversationID) {
		// First sign of a conversation started by the peer: placeholder
		// now, full participant data via an async list refresh.
		e.store.UpsertConversation(entity.Conversation{
			ID: conversationID,
			Participants: []entity.Participant{
				{ID: e.selfID},
				{ID: msg.SenderID, Username: "user_" + msg.SenderID},
			},
			CreatedAt: msg.CreatedAt,
		})
		go e.refreshConversations()
	}

	appended := e.store.AppendMessage(conversationID, msg)
	if !appended || msg.SenderID == e.selfID {
		return
	}

	if focused {
		e.store.MarkConversationRead(conversationID)
		go e.markReadUpstream(conversationID)
		return
	}

	if e.onPeerMessage != nil {
		e.onPeerMessage(msg)
	}
}

// HandlePeerRead applies a message_read push: the peer has read the
// thread, so everything in it is seen
func (e *Engine) HandlePeerRead(conversationID string) {
	e.store.ApplyPeerRead(conversationID)
}

// HandleMessageDeleted soft-deletes the message wherever it resides
func (e *Engine) HandleMessageDeleted(messageID string) {
	e.store.ApplyDeleted(messageID)
}

// HandleTypingStart records the peer typing in the focused conversation.
// The indicator clears after one quiet interval even if no typing_stop
// ever arrives (the wire does not guarantee one after a disconnect).
func (e *Engine) HandleTypingStart(conversationID, fromUserID string) {
	if fromUserID == e.selfID || e.store.Focused() != conversationID {
		return
	}

	e.mu.Lock()
	e.typingFrom = fromUserID
	if e.typingClear != nil {
		e.typingClear.Stop()
	}
	e.typingClear = time.AfterFunc(e.typingQuiet, func() {
		e.mu.Lock()
		if e.typingFrom == fromUserID {
			e.typingFrom = ""
		}
		e.mu.Unlock()
	})
	e.mu.Unlock()
}

// HandleTypingStop clears the typing indicator; a stop with no active
// typer is a no-op
func (e *Engine) HandleTypingStop(conversationID string) {
	e.mu.Lock()
	if e.typingFrom != "" && e.store.Focused() == conversationID {
		e.typingFrom = ""
		if e.typingClear != nil {
			e.typingClear.Stop()
			e.typingClear = nil
		}
	}
	e.mu.Unlock()
}

// HandleUserOnline adds a user to the presence set; idempotent
func (e *Engine) HandleUserOnline(userID string) {
	if userID == "" {
		return
	}
	e.mu.Lock()
	e.online[userID] = struct{}{}
	e.mu.Unlock()
}

// HandleUserOffline removes a user from the presence set; unknown users
// are a no-op
func (e *Engine) HandleUserOffline(userID string) {
	e.mu.Lock()
	delete(e.online, userID)
	e.mu.Unlock()
}

// HandleReconnect reconciles the gap after a socket reconnect: the
// server does not replay missed events, so the focused conversation's
// latest page is re-fetched and the unread counters of everything else
// are swept. When the server's unread total matches the local one the
// sweep is skipped. Message lists of non-focused conversations are not
// backfilled; that is a documented limitation.
func (e *Engine) HandleReconnect() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
		defer cancel()

		if focused := e.store.Focused(); focused != "" {
			msgs, err := e.up.GetMessages(ctx, focused, 1)
			if err != nil {
				e.logger.Warn("reconnect refetch failed", "conversation_id", focused, "error", err)
				e.notices.Errorf("connection restored but messages may be missing")
			} else {
				e.store.PrependHistory(focused, msgs)
				e.store.MarkConversationRead(focused)
			}
		}

		// Cheap total first; the per-conversation sweep only runs when
		// the counters actually drifted while offline.
		if total, err := e.up.GetUnreadTotal(ctx); err == nil && total == e.store.UnreadTotal() {
			return
		}

		counts, err := e.up.GetUnreadCounts(ctx)
		if err != nil {
			e.logger.Warn("reconnect unread sweep failed", "error", err)
			return
		}
		focused := e.store.Focused()
		for id, n := range counts {
			if id == focused {
				continue
			}
			e.store.SetUnreadCount(id, n)
		}
	}()
}

// TypingUserID returns the peer currently typing in the focused
// conversation, or ""
func (e *Engine) TypingUserID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.typingFrom
}

// IsOnline reports presence for one user
func (e *Engine) IsOnline(userID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.online[userID]
	return ok
}

// OnlineUserIDs returns the presence set, sorted for stable output
func (e *Engine) OnlineUserIDs() []string {
	e.mu.Lock()
	ids := make([]string, 0, len(e.online))
	for id := range e.online {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// HasMoreHistory reports whether older pages remain for a conversation
func (e *Engine) HasMoreHistory(conversationID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasMore[conversationID]
}

// Close stops the engine's timers
func (e *Engine) Close() {
	e.mu.Lock()
	if e.typingClear != nil {
		e.typingClear.Stop()
	}
	if e.localStop != nil {
		e.localStop.Stop()
	}
	e.mu.Unlock()
}

func (e *Engine) markReadUpstream(conversationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
	defer cancel()

	if err := e.up.MarkConversationRead(ctx, conversationID); err != nil {
		e.logger.Warn("failed to mark conversation read upstream", "conversation_id", conversationID, "error", err)
	}
}

func (e *Engine) refreshConversations() {
	ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
	defer cancel()

	if err := e.Bootstrap(ctx); err != nil {
		e.logger.Warn("conversation list refresh failed", "error", err)
	}
}
