// Package session composes the chat core for one room and one local user.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"chatcore/config"
	"chatcore/internal/api"
	"chatcore/internal/clock"
	"chatcore/internal/domain"
	"chatcore/internal/envelope"
	"chatcore/internal/inactivity"
	"chatcore/internal/outbox"
	"chatcore/internal/presence"
	"chatcore/internal/receipts"
	"chatcore/internal/reconnect"
	"chatcore/internal/rooms"
	"chatcore/internal/transport"
	"chatcore/internal/typing"
	chat_errors "chatcore/pkg/errors"
	"chatcore/pkg/logger"
)

// API is the HTTP side of the chat: authoritative rooms and history pages.
type API interface {
	FetchRoom(ctx context.Context, roomID string) (domain.Room, error)
	FetchMessages(ctx context.Context, roomID string, cursor int64, limit int) (api.Page, error)
}

// Deps are the collaborators a session is built from. Presence and Cursors
// are application-wide and may be shared between sessions.
type Deps struct {
	Adapter  transport.Adapter
	API      API
	Rooms    *rooms.Store
	Presence *presence.Tracker
	Cursors  receipts.CursorStore
	Clock    clock.Clock
	Logger   *logger.Logger
}

type Options struct {
	SelfID int64
	RoomID string
	Chat   config.ChatConfig
}

// Hooks notify the surrounding application. All are optional.
type Hooks struct {
	OnMessagesChanged   func(roomID string, messages []domain.ChatMessage)
	OnStateChange       func(reconnect.State)
	OnTyping            func(roomID string, userID int64, typing bool)
	OnPresence          func(presence.Activity)
	OnRoomUpdate        func(room domain.Room)
	OnReconnectFailed   func(attempts int)
	OnInactivityTimeout func()
}

type Session struct {
	opts     Options
	deps     Deps
	hooks    Hooks
	clock    clock.Clock
	logger   *logger.Logger
	adapter  transport.Adapter
	ctrl     *reconnect.Controller
	router   *envelope.Router
	typing   *typing.Engine
	receipts *receipts.Pipeline
	outbox   *outbox.Pipeline
	idle     *inactivity.Timer
	runner   *outbox.Runner

	// ownsPresence is set when the tracker was created here rather than
	// shared by the application.
	ownsPresence bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	roomID   string
	joined   string
	messages []domain.ChatMessage
	cursor   int64
	hasMore  bool
	loaded   bool
	unsubs   []func()
	closed   bool
}

// New builds a session for opts.RoomID. Nothing connects until Open.
func New(deps Deps, opts Options, hooks Hooks) (*Session, error) {
	if deps.Adapter == nil {
		return nil, fmt.Errorf("adapter: %w", chat_errors.ErrInvalidInput)
	}
	if opts.SelfID == 0 || opts.RoomID == "" {
		return nil, fmt.Errorf("self id and room id are required: %w", chat_errors.ErrInvalidInput)
	}
	if deps.Rooms == nil {
		deps.Rooms = rooms.NewStore()
	}
	if deps.Cursors == nil {
		deps.Cursors = receipts.NewMemoryCursorStore()
	}
	if opts.Chat.PageSize <= 0 {
		opts.Chat.PageSize = config.DefaultChatConfig().PageSize
	}
	cc := opts.Chat
	clk := clock.OrReal(deps.Clock)
	log := logger.OrNop(deps.Logger).With(zap.Int64("user_id", opts.SelfID))
	ownsPresence := deps.Presence == nil
	if ownsPresence {
		deps.Presence = presence.NewTracker(presence.Options{
			SelfID:   opts.SelfID,
			Window:   cc.ActiveWindow,
			Throttle: cc.ActiveThrottle,
			Clock:    clk,
			Logger:   log,
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		opts:         opts,
		deps:         deps,
		hooks:        hooks,
		clock:        clk,
		logger:       log.Named("session"),
		adapter:      deps.Adapter,
		ownsPresence: ownsPresence,
		ctx:          ctx,
		cancel:       cancel,
		roomID:       opts.RoomID,
		hasMore:      true,
	}

	s.typing = typing.New(typing.Options{
		SelfID:   opts.SelfID,
		Throttle: cc.TypingThrottle,
		IdleStop: cc.TypingIdleStop,
		Decay:    cc.TypingDecay,
		Clock:    clk,
		Logger:   log,
	}, s.emit)
	s.typing.OnChange(s.typingChanged)

	s.receipts = receipts.NewPipeline(receipts.Options{
		SelfID:          opts.SelfID,
		Cooldown:        cc.AckCooldown,
		RequiresVisible: cc.AckRequiresVisible,
		Clock:           clk,
		Logger:          log,
	}, deps.Cursors, s.emit)

	s.outbox = outbox.NewPipeline(outbox.Options{
		SelfID:      opts.SelfID,
		SendTimeout: cc.SendTimeout,
		FailedCap:   cc.FailedQueueCap,
		Clock:       clk,
		Logger:      log,
	}, s.emit, deps.Rooms)
	s.outbox.OnChange(s.outboundChanged)

	s.router = envelope.NewRouter(envelope.Handlers{
		OnChatMessage: s.handleChatMessage,
		OnTyping:      s.handleTyping,
		OnReadReceipt: s.handleReadReceipt,
		OnDeliveryAck: s.handleDeliveryAck,
		OnRoomUpdate:  s.handleRoomUpdate,
		OnPresence:    s.handlePresence,
	}, deps.API, deps.Rooms, cc.FetchTimeout, log)

	s.ctrl = reconnect.NewController(deps.Adapter, reconnect.Options{
		AutoReconnect: cc.AutoReconnect,
		BaseInterval:  cc.ReconnectBaseInterval,
		MaxAttempts:   cc.MaxReconnectAttempts,
		Clock:         clk,
		Logger:        log,
	}, reconnect.Hooks{
		OnStateChange:     s.stateChanged,
		OnConnected:       s.connected,
		OnReconnected:     s.reconnected,
		OnReconnectFailed: s.reconnectFailed,
		OnMessage:         s.inbound,
	})

	s.idle = inactivity.New(inactivity.Options{
		Timeout:  cc.InactivityTimeout,
		Disabled: cc.InactivityDisabled,
		Clock:    clk,
		Logger:   log,
	}, deps.Adapter.Connected, s.inactive)

	s.runner = outbox.NewRunner(s.outbox, cc.RetryInterval, deps.Adapter.Connected, log)

	if hooks.OnPresence != nil {
		deps.Presence.OnChange(hooks.OnPresence)
	}
	return s, nil
}

// Open connects, joins the room and loads the newest history page. A failed
// dial is returned, but reconnection keeps trying in the background.
func (s *Session) Open(ctx context.Context) error {
	if s.isClosed() {
		return chat_errors.ErrClosed
	}
	s.runner.Start(s.ctx)
	if err := s.ctrl.Connect(ctx); err != nil {
		return err
	}
	if err := s.ensureJoined(ctx); err != nil {
		return err
	}
	s.syncLatest(ctx)
	return nil
}

// SwitchRoom leaves the current room and joins roomID.
func (s *Session) SwitchRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room id: %w", chat_errors.ErrInvalidInput)
	}
	if s.isClosed() {
		return chat_errors.ErrClosed
	}
	_ = s.typing.Stop(ctx)

	s.mu.Lock()
	prev := s.roomID
	if prev == roomID {
		s.mu.Unlock()
		return nil
	}
	wasJoined := s.joined == prev
	s.roomID = roomID
	s.joined = ""
	s.messages = nil
	s.cursor = 0
	s.hasMore = true
	s.loaded = false
	s.mu.Unlock()

	s.typing.ClearRoom(prev)
	s.receipts.LeaveRoom(prev)
	if wasJoined && s.adapter.RequiresManualJoin() && s.adapter.Connected() {
		if err := s.adapter.Leave(ctx, prev); err != nil {
			s.logger.Logger.Debug("leave failed", zap.String("room_id", prev), zap.Error(err))
		}
	}
	s.notifyMessages()
	if !s.adapter.Connected() {
		return nil
	}
	if err := s.ensureJoined(ctx); err != nil {
		return err
	}
	s.syncLatest(ctx)
	return nil
}

// RoomID returns the current room.
func (s *Session) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// ensureJoined joins the current room once per connection.
func (s *Session) ensureJoined(ctx context.Context) error {
	if !s.adapter.RequiresManualJoin() {
		return nil
	}
	s.mu.Lock()
	room := s.roomID
	if s.joined == room || s.closed {
		s.mu.Unlock()
		return nil
	}
	s.joined = room
	s.mu.Unlock()

	if err := s.adapter.Join(ctx, room); err != nil {
		s.mu.Lock()
		if s.joined == room {
			s.joined = ""
		}
		s.mu.Unlock()
		return fmt.Errorf("join %s: %w", room, err)
	}
	return nil
}

// syncLatest merges the newest history page into the timeline.
func (s *Session) syncLatest(ctx context.Context) {
	if s.deps.API == nil {
		return
	}
	room := s.RoomID()
	page, err := s.deps.API.FetchMessages(ctx, room, 0, s.opts.Chat.PageSize)
	if err != nil {
		s.logger.Logger.Warn("history sync failed", zap.String("room_id", room), zap.Error(err))
		return
	}
	if page.TimedOut {
		return
	}

	s.mu.Lock()
	if s.roomID != room {
		s.mu.Unlock()
		return
	}
	for _, m := range page.Messages {
		if s.indexLocked(m) < 0 {
			s.insertBySeqLocked(m)
		}
	}
	if !s.loaded {
		s.loaded = true
		s.cursor = page.NextCursor
		s.hasMore = page.HasMore
	}
	s.mu.Unlock()
	s.notifyMessages()
}

// LoadOlder fetches the page before the pagination cursor over HTTP and
// prepends it. A timed-out fetch adds nothing and leaves the cursor alone.
func (s *Session) LoadOlder(ctx context.Context) (int, error) {
	if s.deps.API == nil {
		return 0, fmt.Errorf("history: %w", chat_errors.ErrServiceUnavailable)
	}
	s.mu.Lock()
	room, cursor, more, loaded := s.roomID, s.cursor, s.hasMore, s.loaded
	s.mu.Unlock()
	if loaded && !more {
		return 0, nil
	}

	page, err := s.deps.API.FetchMessages(ctx, room, cursor, s.opts.Chat.PageSize)
	if err != nil {
		return 0, err
	}
	if page.TimedOut {
		return 0, nil
	}

	s.mu.Lock()
	if s.roomID != room {
		s.mu.Unlock()
		return 0, nil
	}
	var older []domain.ChatMessage
	for _, m := range page.Messages {
		if s.indexLocked(m) < 0 {
			older = append(older, m)
		}
	}
	s.messages = append(older, s.messages...)
	s.cursor = page.NextCursor
	s.hasMore = page.HasMore
	s.loaded = true
	s.mu.Unlock()

	s.notifyMessages()
	return len(older), nil
}

// Cursor returns the history pagination cursor, 0 before the first page.
func (s *Session) Cursor() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// HasMore reports whether older history may still be loaded.
func (s *Session) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

// SendMessage sends content to the current room.
func (s *Session) SendMessage(ctx context.Context, id string, content json.RawMessage) (domain.ChatMessage, error) {
	if s.isClosed() {
		return domain.ChatMessage{}, chat_errors.ErrClosed
	}
	_ = s.typing.Stop(ctx)
	return s.outbox.Send(ctx, outbox.Payload{ID: id, RoomID: s.RoomID(), Content: content})
}

// ResendMessage retries a failed message by id.
func (s *Session) ResendMessage(ctx context.Context, id string) (domain.ChatMessage, error) {
	return s.outbox.Resend(ctx, id)
}

// FlushPending retries every failed message and returns how many went out.
func (s *Session) FlushPending(ctx context.Context) (int, error) {
	return s.outbox.FlushPending(ctx)
}

// FailedMessages returns the failed queue, oldest first.
func (s *Session) FailedMessages() []domain.ChatMessage {
	return s.outbox.Failed()
}

// SendReadReceipt tells the room the local user has read up to
// lastMessageAt. An empty roomID means the current room.
func (s *Session) SendReadReceipt(ctx context.Context, roomID string, lastMessageAt time.Time) error {
	if roomID == "" {
		roomID = s.RoomID()
	}
	return s.receipts.SendReadReceipt(ctx, roomID, lastMessageAt)
}

// SendTyping starts or stops the local typing state in the current room.
func (s *Session) SendTyping(ctx context.Context, isTyping bool) error {
	if isTyping {
		return s.typing.Start(ctx, s.RoomID())
	}
	return s.typing.Stop(ctx)
}

// SendRoomUpdate broadcasts a room-level update. Receivers reload the room
// instead of trusting the payload.
func (s *Session) SendRoomUpdate(ctx context.Context, event string, update any) error {
	if event == "" {
		event = envelope.EventChatUpdate
	}
	frame, err := envelope.NewFrame(event, s.RoomID(), update)
	if err != nil {
		return fmt.Errorf("encode update: %w", err)
	}
	frame.Sender = &envelope.Sender{ID: s.opts.SelfID}
	return s.emit(ctx, frame)
}

// IsPartnerTyping reports whether any peer is typing in the current room.
func (s *Session) IsPartnerTyping() bool {
	return s.typing.IsPartnerTyping(s.RoomID())
}

// IsPeerActive reports recent traffic from userID.
func (s *Session) IsPeerActive(userID int64) bool {
	return s.deps.Presence.IsActive(userID)
}

// IsPeerOnline reports the last presence signal seen for userID.
func (s *Session) IsPeerOnline(userID int64) bool {
	return s.deps.Presence.IsOnline(userID)
}

// Peer returns the other participant of the current room when it is known.
func (s *Session) Peer() (int64, bool) {
	room, ok := s.deps.Rooms.Get(s.RoomID())
	if !ok {
		return 0, false
	}
	return room.PeerOf(s.opts.SelfID)
}

// Messages returns a copy of the current room's timeline, oldest first.
func (s *Session) Messages() []domain.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ChatMessage(nil), s.messages...)
}

// ReadCursor returns how far peerID has read in the current room.
func (s *Session) ReadCursor(ctx context.Context, peerID int64) (time.Time, bool, error) {
	return s.receipts.ReadCursor(ctx, s.RoomID(), peerID)
}

// Resume is the visibility or focus regained signal.
func (s *Session) Resume(ctx context.Context) {
	if s.isClosed() {
		return
	}
	s.ctrl.Resume(ctx)
}

// SetVisible records whether the conversation is on screen.
func (s *Session) SetVisible(visible bool) {
	s.receipts.SetVisible(visible)
}

// Subscribe receives frames the router does not understand.
func (s *Session) Subscribe(fn func(envelope.UnknownEvent)) (unsubscribe func()) {
	unsub := s.router.Subscribe(fn)
	s.mu.Lock()
	s.unsubs = append(s.unsubs, unsub)
	s.mu.Unlock()
	return unsub
}

// State returns the connection state.
func (s *Session) State() reconnect.State {
	return s.ctrl.State()
}

// ForgetRoom tears down everything kept for roomID, read cursors included.
// The current room cannot be forgotten.
func (s *Session) ForgetRoom(ctx context.Context, roomID string) error {
	if roomID == "" || roomID == s.RoomID() {
		return fmt.Errorf("room id: %w", chat_errors.ErrInvalidInput)
	}
	s.typing.ClearRoom(roomID)
	return s.receipts.ResetRoom(ctx, roomID)
}

// Close tears down the connection, every timer and every subscription.
// Calling it again is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	// Best effort while the socket is still up.
	_ = s.typing.Stop(context.Background())

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.idle.Close()
	s.typing.Close()
	s.receipts.Close()
	if s.ownsPresence {
		s.deps.Presence.Close()
	}
	for _, unsub := range unsubs {
		unsub()
	}
	err := s.ctrl.Close()
	s.runner.Wait()
	s.wg.Wait()
	return err
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// emit sends a frame and counts it as activity for the inactivity timer.
func (s *Session) emit(ctx context.Context, frame envelope.Frame) error {
	if err := s.adapter.Emit(ctx, frame); err != nil {
		return err
	}
	s.idle.Reset()
	return nil
}
