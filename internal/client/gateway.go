// Package client – Gateway
//
// The Gateway owns one WebSocket channel to the backend. It authenticates the
// dial, distinguishes voluntary closes (no retry) from involuntary ones
// (exponential backoff with a bounded attempt budget), re-joins the desired
// room after every reconnect, and runs the periodic timers: membership
// reconciliation, the fallback message pull, and a coarse health probe.
// Everything it learns flows into the Timeline and TypingTracker.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/consultio/chat-backend/internal/domain"
	"github.com/consultio/chat-backend/internal/window"
	"github.com/consultio/chat-backend/internal/ws"
)

// Reconnect and timer defaults.
const (
	defaultReconnectInitial  = time.Second
	defaultReconnectMax      = 30 * time.Second
	defaultReconnectAttempts = 5
	reconnectMultiplier      = 1.5

	defaultMembershipInterval = 5 * time.Second
	defaultPullInterval       = 10 * time.Second
	defaultHealthInterval     = 5 * time.Minute
)

// ErrEmptyContent rejects a blank send locally, before transmission.
var ErrEmptyContent = errors.New("message content is empty")

// ErrGatewayClosed is returned from operations after Close.
var ErrGatewayClosed = errors.New("gateway is closed")

// ErrNotConnected is returned when the channel is down and cannot carry the
// operation right now.
var ErrNotConnected = errors.New("gateway is not connected")

// State describes the channel's lifecycle.
type State int

const (
	// StateConnected means the socket is up.
	StateConnected State = iota
	// StateReconnecting means the socket dropped and retries are running.
	StateReconnecting
	// StateDown means the retry budget is exhausted; a user-visible
	// connection-lost condition.
	StateDown
	// StateClosed means Close was called; the channel will not return.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDown:
		return "down"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Fetcher is the request/response surface the Gateway falls back to: the
// periodic pull that guarantees convergence when a broadcast is missed, the
// window probe that scopes that pull, and the coarse backend-health probe.
type Fetcher interface {
	MessagesSince(ctx context.Context, conversationID string, since time.Time) ([]domain.Message, error)
	Window(ctx context.Context, conversationID string) (window.Verdict, error)
	Health(ctx context.Context) error
}

// Hooks are optional observation points. All callbacks run on the gateway's
// internal goroutines and must not block.
type Hooks struct {
	// OnMessage fires for every message newly added to the timeline.
	OnMessage func(domain.Message)
	// OnPresence fires for user_joined / user_left / user_disconnected.
	OnPresence func(event, userID, role string)
	// OnState fires on every channel state transition.
	OnState func(State)
	// OnSendRejected fires when the server rejects a send; the optimistic
	// entry has already been rolled back.
	OnSendRejected func(tempID, code, message string)
}

// Options configures a Gateway.
type Options struct {
	// URL is the ws:// or wss:// endpoint.
	URL string
	// Token is the bearer token presented on the handshake.
	Token string
	// UserID and Role identify this client; used to stamp optimistic drafts.
	UserID string
	Role   string

	// Fetcher backs the fallback pull and health probe. Optional.
	Fetcher Fetcher
	// Hooks are optional observation callbacks.
	Hooks Hooks

	// Reconnect policy. Zero values take the defaults above.
	ReconnectInitial  time.Duration
	ReconnectMax      time.Duration
	ReconnectAttempts uint64

	// Timer intervals. Zero values take the defaults above.
	MembershipInterval time.Duration
	PullInterval       time.Duration
	HealthInterval     time.Duration
}

func (o *Options) fill() {
	if o.ReconnectInitial <= 0 {
		o.ReconnectInitial = defaultReconnectInitial
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = defaultReconnectMax
	}
	if o.ReconnectAttempts == 0 {
		o.ReconnectAttempts = defaultReconnectAttempts
	}
	if o.MembershipInterval <= 0 {
		o.MembershipInterval = defaultMembershipInterval
	}
	if o.PullInterval <= 0 {
		o.PullInterval = defaultPullInterval
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = defaultHealthInterval
	}
}

// Gateway is one client channel: a socket, its reconnect loop, and the timers
// scoped to it. Safe for concurrent use.
type Gateway struct {
	opts Options
	log  zerolog.Logger

	timeline *Timeline
	typing   *TypingTracker

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	conn    *websocket.Conn
	state   State
	desired string // room we want to be in
	joined  bool   // confirmed for the current socket
	closed  bool

	writeMu sync.Mutex
}

// Dial connects, authenticates, and starts the channel's task. The first
// connection failure is returned synchronously; later drops are recovered by
// the reconnect loop.
func Dial(ctx context.Context, opts Options, log zerolog.Logger) (*Gateway, error) {
	opts.fill()
	g := &Gateway{
		opts:     opts,
		log:      log,
		timeline: NewTimeline(),
		typing:   NewTypingTracker(),
		state:    StateConnected,
	}

	conn, err := g.dialOnce(ctx)
	if err != nil {
		return nil, err
	}
	g.conn = conn

	runCtx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	g.wg.Add(2)
	go g.readLoop(runCtx)
	go g.timerLoop(runCtx)
	return g, nil
}

// Timeline returns the merged ordered message view.
func (g *Gateway) Timeline() *Timeline { return g.timeline }

// TypingPeers returns the peers currently considered typing.
func (g *Gateway) TypingPeers() []string { return g.typing.Active(time.Now()) }

// State returns the channel state.
func (g *Gateway) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Join switches the desired room. The timeline resets: the view belongs to
// exactly one conversation.
func (g *Gateway) Join(conversationID string) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrGatewayClosed
	}
	g.desired = conversationID
	g.joined = false
	g.mu.Unlock()

	g.timeline.Reset()
	g.typing.Reset()
	return g.writeEvent(ws.EventJoinChat, ws.JoinPayload{ConversationID: conversationID})
}

// Leave exits the current room voluntarily.
func (g *Gateway) Leave() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrGatewayClosed
	}
	room := g.desired
	g.desired = ""
	g.joined = false
	g.mu.Unlock()

	g.typing.Reset()
	if room == "" {
		return nil
	}
	return g.writeEvent(ws.EventLeaveChat, ws.JoinPayload{ConversationID: room})
}

// Send submits a message: an optimistic draft enters the timeline at once,
// tagged with the returned correlation handle, and the wire send follows.
// Blank content is rejected locally.
func (g *Gateway) Send(content string) (tempID string, err error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrEmptyContent
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return "", ErrGatewayClosed
	}
	room := g.desired
	g.mu.Unlock()
	if room == "" {
		return "", ErrNotConnected
	}

	tempID = uuid.NewString()
	g.timeline.ApplyOptimistic(tempID, domain.Message{
		ConversationID: room,
		SenderID:       g.opts.UserID,
		SenderRole:     g.opts.Role,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	})

	if err := g.writeEvent(ws.EventSendMessage, ws.SendPayload{
		ConversationID: room,
		Content:        content,
		TempID:         tempID,
	}); err != nil {
		// The draft stays: the fallback pull cannot recover a frame that
		// never reached the server, but the caller can retry with the
		// handle; roll back so a retry does not double-render.
		g.timeline.RemoveOptimistic(tempID)
		return "", err
	}
	return tempID, nil
}

// Typing signals composing activity to the room.
func (g *Gateway) Typing() error {
	return g.signalTyping(ws.EventTyping)
}

// StopTyping signals the end of composing.
func (g *Gateway) StopTyping() error {
	return g.signalTyping(ws.EventStopTyping)
}

func (g *Gateway) signalTyping(event string) error {
	g.mu.Lock()
	room := g.desired
	closed := g.closed
	g.mu.Unlock()
	if closed {
		return ErrGatewayClosed
	}
	if room == "" {
		return ErrNotConnected
	}
	return g.writeEvent(event, ws.TypingPayload{ConversationID: room})
}

// Close shuts the channel down voluntarily: timers stop, the socket closes
// cleanly, and no reconnect is attempted.
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	conn := g.conn
	g.mu.Unlock()

	g.setState(StateClosed)
	if g.cancel != nil {
		g.cancel()
	}
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
	g.wg.Wait()
	return nil
}

// --- internals ---

func (g *Gateway) dialOnce(ctx context.Context) (*websocket.Conn, error) {
	url := g.opts.URL
	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}
	// The handshake carries the credential and the declared role; the server
	// rejects the pair when they disagree.
	url += sep + "token=" + g.opts.Token + "&role=" + g.opts.Role
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	return conn, err
}

func (g *Gateway) currentConn() *websocket.Conn {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conn
}

func (g *Gateway) writeEvent(event string, data any) error {
	conn := g.currentConn()
	if conn == nil {
		return ErrNotConnected
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	return conn.WriteJSON(ws.Envelope{Event: event, Data: raw})
}

func (g *Gateway) setState(s State) {
	g.mu.Lock()
	if g.state == s {
		g.mu.Unlock()
		return
	}
	g.state = s
	g.mu.Unlock()
	if g.opts.Hooks.OnState != nil {
		g.opts.Hooks.OnState(s)
	}
}

// readLoop consumes server frames and drives reconnects on involuntary drops.
func (g *Gateway) readLoop(ctx context.Context) {
	defer g.wg.Done()
	for {
		conn := g.currentConn()
		if conn == nil {
			return
		}

		var env ws.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			g.mu.Lock()
			voluntary := g.closed
			g.mu.Unlock()
			if voluntary || ctx.Err() != nil {
				return
			}
			if !g.reconnect(ctx) {
				return
			}
			continue
		}
		g.handleEvent(env)
	}
}

func (g *Gateway) handleEvent(env ws.Envelope) {
	switch env.Event {
	case ws.EventRoomJoined:
		var p ws.RoomJoinedPayload
		if json.Unmarshal(env.Data, &p) == nil {
			// Membership is confirmed by the server's room list, not the
			// echoed id alone.
			if slices.Contains(p.CurrentRooms, p.ConversationID) {
				g.mu.Lock()
				if g.desired == p.ConversationID {
					g.joined = true
				}
				g.mu.Unlock()
			}
		}

	case ws.EventNewMessage:
		var m domain.Message
		if json.Unmarshal(env.Data, &m) != nil {
			return
		}
		if g.timeline.ApplyIncoming(m) && g.opts.Hooks.OnMessage != nil {
			g.opts.Hooks.OnMessage(m)
		}
		g.typing.Stopped(m.SenderID) // a delivered message ends its typing state

	case ws.EventMessageSent:
		var p ws.MessageSentPayload
		if json.Unmarshal(env.Data, &p) != nil {
			return
		}
		g.timeline.Confirm(p.TempID, p.Message)

	case ws.EventTyping:
		var n ws.TypingNotice
		if json.Unmarshal(env.Data, &n) == nil {
			g.typing.Started(n.UserID, time.Now())
		}

	case ws.EventStopTyping:
		var n ws.TypingNotice
		if json.Unmarshal(env.Data, &n) == nil {
			g.typing.Stopped(n.UserID)
		}

	case ws.EventUserJoined, ws.EventUserLeft, ws.EventUserDisconnected:
		var p ws.PresencePayload
		if json.Unmarshal(env.Data, &p) != nil {
			return
		}
		if env.Event != ws.EventUserJoined {
			g.typing.Stopped(p.UserID)
		}
		if g.opts.Hooks.OnPresence != nil {
			g.opts.Hooks.OnPresence(env.Event, p.UserID, p.Role)
		}

	case ws.EventError:
		var e ws.ErrorPayload
		if json.Unmarshal(env.Data, &e) != nil {
			return
		}
		if e.TempID != "" {
			g.timeline.RemoveOptimistic(e.TempID)
			if g.opts.Hooks.OnSendRejected != nil {
				g.opts.Hooks.OnSendRejected(e.TempID, e.Code, e.Message)
			}
			return
		}
		g.log.Warn().Str("code", e.Code).Str("message", e.Message).Msg("client: server error event")
	}
}

// reconnect retries the dial with exponential backoff. Returns false when the
// attempt budget is exhausted (the channel goes Down) or the context ends.
func (g *Gateway) reconnect(ctx context.Context) bool {
	g.setState(StateReconnecting)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.opts.ReconnectInitial
	bo.Multiplier = reconnectMultiplier
	bo.MaxInterval = g.opts.ReconnectMax
	bo.MaxElapsedTime = 0 // bounded by attempt count, not wall time

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, g.opts.ReconnectAttempts-1), ctx)
	err := backoff.Retry(func() error {
		conn, err := g.dialOnce(ctx)
		if err != nil {
			g.log.Debug().Err(err).Msg("client: reconnect attempt failed")
			return err
		}
		g.mu.Lock()
		g.conn = conn
		g.joined = false
		room := g.desired
		g.mu.Unlock()
		if room != "" {
			// Re-enter the room on the fresh socket.
			_ = g.writeEvent(ws.EventJoinChat, ws.JoinPayload{ConversationID: room})
		}
		return nil
	}, policy)
	if err != nil {
		g.log.Error().Err(err).Msg("client: reconnect budget exhausted")
		g.setState(StateDown)
		return false
	}
	g.setState(StateConnected)
	return true
}

// timerLoop runs the periodic tasks scoped to this channel: membership
// reconciliation, the fallback pull, and the health probe. All stop when the
// channel closes.
func (g *Gateway) timerLoop(ctx context.Context) {
	defer g.wg.Done()

	membership := time.NewTicker(g.opts.MembershipInterval)
	pull := time.NewTicker(g.opts.PullInterval)
	health := time.NewTicker(g.opts.HealthInterval)
	defer membership.Stop()
	defer pull.Stop()
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-membership.C:
			g.reconcileMembership()

		case <-pull.C:
			g.fallbackPull(ctx)

		case <-health.C:
			if g.opts.Fetcher == nil {
				continue
			}
			probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := g.opts.Fetcher.Health(probeCtx); err != nil {
				g.log.Warn().Err(err).Msg("client: health probe failed")
			}
			cancel()
		}
	}
}

// reconcileMembership re-sends the join when membership is believed but not
// confirmed, correcting application-level staleness that transport keep-alive
// cannot see.
func (g *Gateway) reconcileMembership() {
	g.mu.Lock()
	room := g.desired
	joined := g.joined
	state := g.state
	g.mu.Unlock()
	if room == "" || joined || state != StateConnected {
		return
	}
	_ = g.writeEvent(ws.EventJoinChat, ws.JoinPayload{ConversationID: room})
}

// fallbackPull re-fetches messages newer than the latest confirmed timestamp
// and merges them, recovering anything a dropped connection swallowed. The
// pull only runs while the access window is open; outside it nothing new can
// have been written, so polling would be noise.
func (g *Gateway) fallbackPull(ctx context.Context) {
	if g.opts.Fetcher == nil {
		return
	}
	g.mu.Lock()
	room := g.desired
	g.mu.Unlock()
	if room == "" {
		return
	}

	pullCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	// A failed probe does not block the pull: recovery wins over the
	// optimization.
	if v, err := g.opts.Fetcher.Window(pullCtx, room); err == nil && !v.Writable {
		return
	}
	msgs, err := g.opts.Fetcher.MessagesSince(pullCtx, room, g.timeline.LatestConfirmed())
	if err != nil {
		g.log.Warn().Err(err).Str("conversation_id", room).Msg("client: fallback pull failed")
		return
	}
	for _, m := range g.timeline.ApplyBatch(msgs) {
		if g.opts.Hooks.OnMessage != nil {
			g.opts.Hooks.OnMessage(m)
		}
	}
}
