package nexa

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Push Channel Events
// ============================================================================

// Server-pushed event names.
const (
	EventMessageReceived = "message:received"
	EventMessageEdited   = "message:edited"
	EventMessageDeleted  = "message:deleted"
	EventMessageReaction = "message:reaction"
	EventMessagePinned   = "message:pinned"
	EventMessageUnpinned = "message:unpinned"
	EventChatCreated     = "chat:created"
	EventChatUpdated     = "chat:updated"
	EventChatDeleted     = "chat:deleted"
	EventChatRemoved     = "chat:removed"
	EventUserOnline      = "user:online"
	EventUserOffline     = "user:offline"
	EventUserOnlineList  = "user:online-list"
	EventTypingStart     = "typing:start"
	EventTypingStop      = "typing:stop"
	EventConnectionError = "connection:error"
	eventPong            = "pong"
)

// Client-emitted command names.
const (
	cmdJoinChat         = "join-chat"
	cmdLeaveChat        = "leave-chat"
	cmdTypingStart      = "typing:start"
	cmdTypingStop       = "typing:stop"
	cmdPresenceAnnounce = "presence:announce"
	cmdPing             = "ping"
)

// PushEnvelope is the wire format for all push channel traffic.
type PushEnvelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PushCommand is a client-to-server command on the push channel.
type PushCommand struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
}

// MessageDeletedPayload is carried by message:deleted events.
type MessageDeletedPayload struct {
	ChatID      string `json:"chatId"`
	MessageID   string `json:"messageId"`
	ForEveryone bool   `json:"forEveryone"`
}

// PinPayload is carried by message:pinned and message:unpinned events.
type PinPayload struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
}

// ChatDeletedPayload is carried by chat:deleted and chat:removed events.
type ChatDeletedPayload struct {
	ChatID string `json:"chatId"`
}

// TypingPayload is carried by typing:start and typing:stop events.
type TypingPayload struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

// PresencePayload is carried by user:online and user:offline events.
type PresencePayload struct {
	UserID string `json:"userId"`
}

// OnlineListPayload is the full roster snapshot sent on (re)connect.
type OnlineListPayload struct {
	UserIDs []string `json:"userIds"`
}

// ConnectionErrorPayload is carried by connection:error events.
type ConnectionErrorPayload struct {
	Message string `json:"message"`
}

type pingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the push channel.
type RealtimeConfig struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HealthInterval       time.Duration
	HealthTimeout        time.Duration
	Logf                 func(format string, args ...interface{})
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HealthInterval == 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.HealthTimeout == 0 {
		c.HealthTimeout = 5 * time.Second
	}
}

// ConnState represents the connection state of the push channel.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	StateFailed       ConnState = "failed"
)

// ============================================================================
// Event Dispatcher
//
// Handlers are invoked synchronously in delivery order, so cache merges never
// interleave. One dispatcher outlives all channel generations: handlers are
// registered once and survive reconnects without duplicate registration.
// ============================================================================

// EventHandler is the generic event callback type.
type EventHandler func(event string, payload json.RawMessage)

type eventDispatcher struct {
	mu             sync.RWMutex
	generic        map[string][]EventHandler
	onMessage      []func(Message)
	onEdited       []func(Message)
	onReaction     []func(Message)
	onDeleted      []func(MessageDeletedPayload)
	onPinned       []func(PinPayload, bool)
	onChatCreated  []func(Chat)
	onChatUpdated  []func(Chat)
	onChatDeleted  []func(ChatDeletedPayload)
	onChatRemoved  []func(ChatDeletedPayload)
	onTyping       []func(TypingPayload, bool)
	onPresence     []func(PresencePayload, bool)
	onOnlineList   []func(OnlineListPayload)
	onConnError    []func(ConnectionErrorPayload)
	onConnected    []func()
	onDisconnected []func(reason string)
	onReconnecting []func(attempt int, delay time.Duration)
	onStateChange  []func(ConnState)
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{
		generic: make(map[string][]EventHandler),
	}
}

func (d *eventDispatcher) dispatch(env PushEnvelope) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	switch env.Event {
	case EventMessageReceived:
		var m Message
		if json.Unmarshal(env.Payload, &m) == nil {
			for _, h := range d.onMessage {
				h(m)
			}
		}
	case EventMessageEdited:
		var m Message
		if json.Unmarshal(env.Payload, &m) == nil {
			for _, h := range d.onEdited {
				h(m)
			}
		}
	case EventMessageReaction:
		var m Message
		if json.Unmarshal(env.Payload, &m) == nil {
			for _, h := range d.onReaction {
				h(m)
			}
		}
	case EventMessageDeleted:
		var p MessageDeletedPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onDeleted {
				h(p)
			}
		}
	case EventMessagePinned, EventMessageUnpinned:
		var p PinPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onPinned {
				h(p, env.Event == EventMessagePinned)
			}
		}
	case EventChatCreated:
		var c Chat
		if json.Unmarshal(env.Payload, &c) == nil {
			for _, h := range d.onChatCreated {
				h(c)
			}
		}
	case EventChatUpdated:
		var c Chat
		if json.Unmarshal(env.Payload, &c) == nil {
			for _, h := range d.onChatUpdated {
				h(c)
			}
		}
	case EventChatDeleted:
		var p ChatDeletedPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onChatDeleted {
				h(p)
			}
		}
	case EventChatRemoved:
		var p ChatDeletedPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onChatRemoved {
				h(p)
			}
		}
	case EventTypingStart, EventTypingStop:
		var p TypingPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onTyping {
				h(p, env.Event == EventTypingStart)
			}
		}
	case EventUserOnline, EventUserOffline:
		var p PresencePayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onPresence {
				h(p, env.Event == EventUserOnline)
			}
		}
	case EventUserOnlineList:
		var p OnlineListPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onOnlineList {
				h(p)
			}
		}
	case EventConnectionError:
		var p ConnectionErrorPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onConnError {
				h(p)
			}
		}
	}

	for _, h := range d.generic[env.Event] {
		h(env.Event, env.Payload)
	}
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

func (d *eventDispatcher) emitDisconnected(reason string) {
	d.mu.RLock()
	handlers := append([]func(string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(reason)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(attempt, delay)
	}
}

func (d *eventDispatcher) emitStateChange(s ConnState) {
	d.mu.RLock()
	handlers := append([]func(ConnState){}, d.onStateChange...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(s)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) exhausted() bool {
	return r.maxAttempts > 0 && r.attempt >= r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	// A connection that held for a minute resets the backoff.
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient owns the single long-lived push channel to the chat
// service. Only the RealtimeClient creates, replaces, or tears down the
// channel handle; all other components attach handlers through it.
type RealtimeClient struct {
	baseURL string
	config  *RealtimeConfig

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnState
	token            string
	intentionalClose bool
	cancelFn         context.CancelFunc

	dispatcher *eventDispatcher
	recon      *reconnector

	pendingMu    sync.Mutex
	pendingPongs map[int64]chan struct{}
}

// NewRealtimeClient creates a push channel client for the given API client.
// Call Initialize to establish the connection.
func NewRealtimeClient(client *Client, config *RealtimeConfig) *RealtimeClient {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &RealtimeClient{
		baseURL:      client.baseURL,
		config:       &cfg,
		state:        StateDisconnected,
		dispatcher:   newEventDispatcher(),
		recon:        newReconnector(&cfg),
		pendingPongs: make(map[int64]chan struct{}),
	}
}

// --------------------------------------------------------------------------
// Handler registration
// --------------------------------------------------------------------------

// OnMessageReceived registers a handler for incoming messages.
func (rt *RealtimeClient) OnMessageReceived(h func(Message)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onMessage = append(rt.dispatcher.onMessage, h)
	rt.dispatcher.mu.Unlock()
}

// OnMessageEdited registers a handler for message edits.
func (rt *RealtimeClient) OnMessageEdited(h func(Message)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onEdited = append(rt.dispatcher.onEdited, h)
	rt.dispatcher.mu.Unlock()
}

// OnMessageReaction registers a handler for reaction updates.
func (rt *RealtimeClient) OnMessageReaction(h func(Message)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onReaction = append(rt.dispatcher.onReaction, h)
	rt.dispatcher.mu.Unlock()
}

// OnMessageDeleted registers a handler for message deletions.
func (rt *RealtimeClient) OnMessageDeleted(h func(MessageDeletedPayload)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onDeleted = append(rt.dispatcher.onDeleted, h)
	rt.dispatcher.mu.Unlock()
}

// OnMessagePinned registers a handler for pin and unpin events.
func (rt *RealtimeClient) OnMessagePinned(h func(PinPayload, bool)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onPinned = append(rt.dispatcher.onPinned, h)
	rt.dispatcher.mu.Unlock()
}

// OnChatCreated registers a handler for new chats.
func (rt *RealtimeClient) OnChatCreated(h func(Chat)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onChatCreated = append(rt.dispatcher.onChatCreated, h)
	rt.dispatcher.mu.Unlock()
}

// OnChatUpdated registers a handler for chat updates.
func (rt *RealtimeClient) OnChatUpdated(h func(Chat)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onChatUpdated = append(rt.dispatcher.onChatUpdated, h)
	rt.dispatcher.mu.Unlock()
}

// OnChatDeleted registers a handler for chat deletions.
func (rt *RealtimeClient) OnChatDeleted(h func(ChatDeletedPayload)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onChatDeleted = append(rt.dispatcher.onChatDeleted, h)
	rt.dispatcher.mu.Unlock()
}

// OnRemovedFromChat registers a handler for removed-from-chat events.
func (rt *RealtimeClient) OnRemovedFromChat(h func(ChatDeletedPayload)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onChatRemoved = append(rt.dispatcher.onChatRemoved, h)
	rt.dispatcher.mu.Unlock()
}

// OnTyping registers a handler for typing start/stop events.
func (rt *RealtimeClient) OnTyping(h func(TypingPayload, bool)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onTyping = append(rt.dispatcher.onTyping, h)
	rt.dispatcher.mu.Unlock()
}

// OnPresence registers a handler for online/offline events.
func (rt *RealtimeClient) OnPresence(h func(PresencePayload, bool)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onPresence = append(rt.dispatcher.onPresence, h)
	rt.dispatcher.mu.Unlock()
}

// OnOnlineList registers a handler for the roster snapshot.
func (rt *RealtimeClient) OnOnlineList(h func(OnlineListPayload)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onOnlineList = append(rt.dispatcher.onOnlineList, h)
	rt.dispatcher.mu.Unlock()
}

// OnConnectionError registers a handler for server-side channel errors.
func (rt *RealtimeClient) OnConnectionError(h func(ConnectionErrorPayload)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onConnError = append(rt.dispatcher.onConnError, h)
	rt.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (rt *RealtimeClient) OnConnected(h func()) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onConnected = append(rt.dispatcher.onConnected, h)
	rt.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (rt *RealtimeClient) OnDisconnected(h func(reason string)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onDisconnected = append(rt.dispatcher.onDisconnected, h)
	rt.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (rt *RealtimeClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onReconnecting = append(rt.dispatcher.onReconnecting, h)
	rt.dispatcher.mu.Unlock()
}

// OnStateChange registers a handler invoked on every state transition.
func (rt *RealtimeClient) OnStateChange(h func(ConnState)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onStateChange = append(rt.dispatcher.onStateChange, h)
	rt.dispatcher.mu.Unlock()
}

// On registers a generic event handler.
func (rt *RealtimeClient) On(event string, h EventHandler) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.generic[event] = append(rt.dispatcher.generic[event], h)
	rt.dispatcher.mu.Unlock()
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// State returns the current connection state.
func (rt *RealtimeClient) State() ConnState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

func (rt *RealtimeClient) setState(s ConnState) {
	rt.mu.Lock()
	if rt.state == s {
		rt.mu.Unlock()
		return
	}
	rt.state = s
	rt.mu.Unlock()
	rt.dispatcher.emitStateChange(s)
}

func (rt *RealtimeClient) logf(format string, args ...interface{}) {
	if rt.config.Logf != nil {
		rt.config.Logf(format, args...)
	}
}

// Initialize opens the push channel authenticated by the given bearer token.
// It is idempotent: if a channel is already connected or connecting it
// returns without creating a second one. Any stale channel is torn down
// before the new one is dialed.
func (rt *RealtimeClient) Initialize(ctx context.Context, token string) error {
	rt.mu.Lock()
	if rt.state == StateConnected || rt.state == StateConnecting {
		rt.mu.Unlock()
		return nil
	}
	// Claim the connecting state inside the same critical section as the
	// check, so a concurrent Initialize cannot also pass it and dial a
	// second channel.
	rt.state = StateConnecting
	// Tear down a stale generation before opening a new one: cancel its
	// read/health goroutines first so no handler fires twice across the
	// replacement.
	if rt.cancelFn != nil {
		rt.cancelFn()
		rt.cancelFn = nil
	}
	stale := rt.conn
	rt.conn = nil
	rt.token = token
	rt.intentionalClose = false
	rt.mu.Unlock()

	rt.dispatcher.emitStateChange(StateConnecting)
	if stale != nil {
		stale.Close(websocket.StatusNormalClosure, "replaced")
	}
	rt.clearPendingPongs()

	conn, err := rt.dial(ctx)
	if err != nil {
		rt.setState(StateDisconnected)
		return err
	}
	rt.attach(ctx, conn)
	return nil
}

func (rt *RealtimeClient) dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL := strings.Replace(rt.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + rt.token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return conn, nil
}

// attach installs a freshly dialed connection as the current generation and
// starts its read and health goroutines.
func (rt *RealtimeClient) attach(ctx context.Context, conn *websocket.Conn) {
	connCtx, cancel := context.WithCancel(ctx)

	rt.mu.Lock()
	// The previous generation's read and health goroutines must stop before
	// the replacement is installed; on the auto-reconnect path they are
	// still running here.
	if rt.cancelFn != nil {
		rt.cancelFn()
	}
	rt.conn = conn
	rt.cancelFn = cancel
	rt.mu.Unlock()

	rt.recon.markConnected()
	rt.setState(StateConnected)
	rt.dispatcher.emitConnected()

	// Announce presence so the server replies with the roster snapshot.
	_ = rt.send(connCtx, &PushCommand{Event: cmdPresenceAnnounce})

	go rt.readLoop(connCtx, conn)
	go rt.healthLoop(connCtx)
}

// Terminate tears down the channel and transitions to disconnected. Safe to
// call multiple times.
func (rt *RealtimeClient) Terminate() error {
	rt.mu.Lock()
	rt.intentionalClose = true
	if rt.cancelFn != nil {
		rt.cancelFn()
		rt.cancelFn = nil
	}
	conn := rt.conn
	rt.conn = nil
	rt.mu.Unlock()

	rt.clearPendingPongs()
	rt.setState(StateDisconnected)

	if conn != nil {
		err := conn.Close(websocket.StatusNormalClosure, "client terminate")
		rt.dispatcher.emitDisconnected("client terminate")
		return err
	}
	return nil
}

// ForceReconnect tears the channel down and re-initializes it. Used when a
// health check fails while the transport still self-reports connected, and
// to leave the failed state after reconnection attempts were exhausted.
func (rt *RealtimeClient) ForceReconnect(ctx context.Context) error {
	rt.mu.Lock()
	token := rt.token
	rt.mu.Unlock()

	if err := rt.Terminate(); err != nil {
		rt.logf("force reconnect: teardown: %v", err)
	}
	rt.recon.reset()
	return rt.Initialize(ctx, token)
}

// HealthCheck sends a timestamped ping over the channel and waits for the
// echoing pong. It returns false when there is no channel or the pong does
// not arrive within the configured timeout, which distinguishes a live
// channel from one that is connected at the transport layer but unresponsive
// at the application layer.
func (rt *RealtimeClient) HealthCheck(ctx context.Context) bool {
	rt.mu.Lock()
	conn := rt.conn
	rt.mu.Unlock()
	if conn == nil {
		return false
	}

	ts := time.Now().UnixNano()
	ch := make(chan struct{}, 1)
	rt.pendingMu.Lock()
	rt.pendingPongs[ts] = ch
	rt.pendingMu.Unlock()

	cleanup := func() {
		rt.pendingMu.Lock()
		delete(rt.pendingPongs, ts)
		rt.pendingMu.Unlock()
	}

	if err := rt.send(ctx, &PushCommand{Event: cmdPing, Payload: pingPayload{Timestamp: ts}}); err != nil {
		cleanup()
		return false
	}

	timer := time.NewTimer(rt.config.HealthTimeout)
	defer timer.Stop()
	select {
	case _, ok := <-ch:
		// A closed channel means the generation was torn down mid-probe.
		return ok
	case <-timer.C:
		cleanup()
		return false
	case <-ctx.Done():
		cleanup()
		return false
	}
}

// --------------------------------------------------------------------------
// Commands
// --------------------------------------------------------------------------

// JoinChat subscribes the channel to a chat's events.
func (rt *RealtimeClient) JoinChat(ctx context.Context, chatID string) error {
	return rt.send(ctx, &PushCommand{Event: cmdJoinChat, Payload: map[string]string{"chatId": chatID}})
}

// LeaveChat unsubscribes the channel from a chat's events.
func (rt *RealtimeClient) LeaveChat(ctx context.Context, chatID string) error {
	return rt.send(ctx, &PushCommand{Event: cmdLeaveChat, Payload: map[string]string{"chatId": chatID}})
}

// StartTyping announces that the current user is typing in a chat.
func (rt *RealtimeClient) StartTyping(ctx context.Context, chatID string) error {
	return rt.send(ctx, &PushCommand{Event: cmdTypingStart, Payload: map[string]string{"chatId": chatID}})
}

// StopTyping announces that the current user stopped typing in a chat.
func (rt *RealtimeClient) StopTyping(ctx context.Context, chatID string) error {
	return rt.send(ctx, &PushCommand{Event: cmdTypingStop, Payload: map[string]string{"chatId": chatID}})
}

func (rt *RealtimeClient) send(ctx context.Context, cmd *PushCommand) error {
	rt.mu.Lock()
	conn := rt.conn
	rt.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// --------------------------------------------------------------------------
// Loops
// --------------------------------------------------------------------------

func (rt *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rt.mu.Lock()
			intentional := rt.intentionalClose
			current := rt.conn == conn
			if current {
				rt.conn = nil
			}
			rt.mu.Unlock()

			if intentional || !current {
				return
			}

			rt.dispatcher.emitDisconnected(err.Error())
			if rt.config.AutoReconnect {
				rt.runReconnect()
			} else {
				rt.setState(StateDisconnected)
			}
			return
		}

		var env PushEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		if env.Event == eventPong {
			var p pingPayload
			if json.Unmarshal(env.Payload, &p) == nil {
				rt.resolvePong(p.Timestamp)
			}
			continue
		}

		rt.dispatcher.dispatch(env)
	}
}

// healthLoop periodically probes the channel and forces a reconnect when a
// probe fails while the transport still reports connected.
func (rt *RealtimeClient) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(rt.config.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if rt.State() != StateConnected {
				return
			}
			if !rt.HealthCheck(ctx) {
				rt.logf("health check failed, forcing reconnect")
				go func() {
					if err := rt.ForceReconnect(context.Background()); err != nil {
						rt.logf("forced reconnect: %v", err)
						// A failed redial enters the backoff loop rather
						// than parking silently in disconnected.
						if rt.config.AutoReconnect {
							rt.runReconnect()
						}
					}
				}()
				return
			}
		}
	}
}

// runReconnect retries the connection with increasing delay until it
// succeeds or the attempt budget is exhausted, which parks the client in the
// failed state until ForceReconnect is called.
func (rt *RealtimeClient) runReconnect() {
	rt.setState(StateReconnecting)

	for {
		if rt.recon.exhausted() {
			rt.logf("reconnect attempts exhausted")
			rt.setState(StateFailed)
			return
		}

		delay := rt.recon.nextDelay()
		rt.dispatcher.emitReconnecting(rt.recon.attempt, delay)
		time.Sleep(delay)

		rt.mu.Lock()
		abort := rt.intentionalClose || rt.state != StateReconnecting
		rt.mu.Unlock()
		if abort {
			// Terminate or a fresh Initialize took over the channel.
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
		conn, err := rt.dial(ctx)
		cancel()
		if err != nil {
			rt.logf("reconnect attempt %d: %v", rt.recon.attempt, err)
			continue
		}
		rt.attach(context.Background(), conn)
		return
	}
}

func (rt *RealtimeClient) resolvePong(ts int64) {
	rt.pendingMu.Lock()
	ch, ok := rt.pendingPongs[ts]
	if ok {
		delete(rt.pendingPongs, ts)
	}
	rt.pendingMu.Unlock()
	if ok {
		ch <- struct{}{}
	}
}

func (rt *RealtimeClient) clearPendingPongs() {
	rt.pendingMu.Lock()
	for k, ch := range rt.pendingPongs {
		close(ch)
		delete(rt.pendingPongs, k)
	}
	rt.pendingMu.Unlock()
}
