// Package claw implements the client side of the framed WebSocket protocol
// spoken by the OpenClaw agent runtime.
//
// The runtime answers a connect handshake (challenge nonce, protocol version
// negotiation) and then accepts chat.send requests whose replies arrive as
// asynchronous chat events rather than response frames. The client keeps a
// pending-request table so a single socket reader can complete many
// outstanding sends, each with its own delta accumulator.
//
// A Client is a process-lifetime object: it connects lazily on the first
// Send, reconnects with bounded backoff after a dropped connection, and is
// retired with Disconnect when configuration replaces it.
package claw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/lensgate/pkg/types"
)

// State names the connection lifecycle phase.
type State string

const (
	StateDisconnected      State = "disconnected"
	StateConnecting        State = "connecting"
	StateAwaitingChallenge State = "awaiting-challenge"
	StateAwaitingHelloOk   State = "awaiting-hello-ok"
	StateReady             State = "ready"
	StateDraining          State = "draining"
	StateFailed            State = "failed"
)

const (
	defaultChallengeWait    = 500 * time.Millisecond
	defaultHandshakeTimeout = 10 * time.Second
	defaultBackoffInitial   = 250 * time.Millisecond
	defaultBackoffMax       = 5 * time.Second
	defaultMaxAttempts      = 5
)

// errDraining marks sends against a client already retired by Disconnect.
var errDraining = errors.New("claw: client is draining")

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithLogger replaces the default slog logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// WithScopes sets the scopes requested in the connect handshake.
func WithScopes(scopes []string) Option {
	return func(c *Client) { c.scopes = scopes }
}

// WithChallengeWait sets how long the handshake waits for a connect.challenge
// event before proceeding without a nonce. Defaults to 500 ms.
func WithChallengeWait(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.challengeWait = d
		}
	}
}

// WithHandshakeTimeout bounds the whole dial + handshake exchange. This is
// deliberately a separate knob from per-send timeouts. Defaults to 10 s.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.handshakeTimeout = d
		}
	}
}

// WithBackoff tunes the reconnect schedule: initial delay, ceiling, and the
// number of connection attempts before a send fails with OPENCLAW_UNAVAILABLE.
func WithBackoff(initial, max time.Duration, attempts int) Option {
	return func(c *Client) {
		if initial > 0 {
			c.backoffInitial = initial
		}
		if max > 0 {
			c.backoffMax = max
		}
		if attempts > 0 {
			c.maxAttempts = attempts
		}
	}
}

// ── Client ─────────────────────────────────────────────────────────────────────

// Client is a long-lived agent-runtime connection. Safe for concurrent use;
// writes to the socket are serialized, sends complete independently.
type Client struct {
	url              string
	token            string
	scopes           []string
	challengeWait    time.Duration
	handshakeTimeout time.Duration
	backoffInitial   time.Duration
	backoffMax       time.Duration
	maxAttempts      int
	log              *slog.Logger

	mu    sync.Mutex
	state State
	conn  *wsConn
}

// New creates a Client for the runtime at url authenticating with token. The
// connection is established lazily on the first Send.
func New(url, token string, opts ...Option) *Client {
	c := &Client{
		url:              url,
		token:            token,
		scopes:           []string{"chat"},
		challengeWait:    defaultChallengeWait,
		handshakeTimeout: defaultHandshakeTimeout,
		backoffInitial:   defaultBackoffInitial,
		backoffMax:       defaultBackoffMax,
		maxAttempts:      defaultMaxAttempts,
		log:              slog.Default(),
		state:            StateDisconnected,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// State returns the current lifecycle phase.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Ready reports whether a handshaken connection is live right now. A false
// result does not mean sends will fail: Send connects lazily.
func (c *Client) Ready() bool {
	return c.State() == StateReady
}

// Send dispatches text into the runtime session identified by sessionKey and
// blocks until the streamed chat events reach a terminal state. timeout
// bounds the wait for the terminal event and is also forwarded to the runtime
// as the chat.send timeoutMs parameter.
func (c *Client) Send(ctx context.Context, sessionKey types.SessionKey, text string, timeout time.Duration) (string, error) {
	cc, err := c.ensureConnected(ctx)
	if err != nil {
		return "", err
	}

	call := &chatCall{sessionKey: sessionKey.String(), done: make(chan callResult, 1)}
	cc.addUnbound(call)
	defer cc.removeCall(call)

	id := uuid.NewString()
	resCh := cc.addPending(id, call)
	defer cc.removePending(id)

	params, err := json.Marshal(ChatSendParams{
		SessionKey:     sessionKey.String(),
		Message:        text,
		IdempotencyKey: uuid.NewString(),
		TimeoutMs:      timeout.Milliseconds(),
	})
	if err != nil {
		return "", fmt.Errorf("claw: marshal chat.send params: %w", err)
	}
	if err := cc.writeFrame(&Frame{Type: FrameReq, ID: id, Method: MethodChatSend, Params: params}); err != nil {
		return "", types.WrapOperator(types.CodeOpenClawUnavailable, "agent runtime unreachable", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// The chat.send response and the terminal chat event race freely; the
	// reader already consumed the runId binding from the response, so only a
	// rejection matters here.
	for {
		select {
		case res, ok := <-resCh:
			resCh = nil
			if !ok {
				// Connection failed; the call completes through done.
				continue
			}
			if !res.OK {
				detail := "chat.send rejected"
				if res.Error != nil {
					detail = res.Error.Code + ": " + res.Error.Message
				}
				return "", types.OperatorErr(types.CodeOpenClawSessionError, "agent run failed", detail)
			}
		case out := <-call.done:
			return out.text, out.err
		case <-timer.C:
			return "", types.UserErr(types.CodeOpenClawTimeout, "agent response timed out")
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// Disconnect retires the client: further sends are rejected, the socket is
// closed, and pending sends fail with OPENCLAW_UNAVAILABLE.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cc := c.conn
	c.conn = nil
	c.state = StateDraining
	c.mu.Unlock()

	if cc != nil {
		cc.fail(types.OperatorErr(types.CodeOpenClawUnavailable, "agent runtime unreachable", "client disconnected"))
		cc.close(websocket.StatusNormalClosure, "draining")
	}
	c.log.Debug("agent client disconnected", "url", c.url)
}

// ── Connection establishment ───────────────────────────────────────────────────

// ensureConnected returns a ready connection, performing the handshake with
// bounded exponential backoff when necessary.
func (c *Client) ensureConnected(ctx context.Context) (*wsConn, error) {
	var lastErr error
	backoff := c.backoffInitial
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		cc, err := c.connect(ctx)
		if err == nil {
			return cc, nil
		}
		if errors.Is(err, errDraining) {
			return nil, types.OperatorErr(types.CodeOpenClawUnavailable,
				"agent runtime unreachable", "client is draining")
		}
		lastErr = err
		if attempt == c.maxAttempts {
			break
		}
		c.log.Warn("agent connect failed", "attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.backoffMax {
			backoff = c.backoffMax
		}
	}
	if e := types.As(lastErr); e != nil {
		return nil, lastErr
	}
	return nil, types.WrapOperator(types.CodeOpenClawUnavailable, "agent runtime unreachable", lastErr)
}

// connect performs one dial + handshake attempt. Serialized by c.mu so
// concurrent first sends share a single handshake.
func (c *Client) connect(ctx context.Context) (*wsConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateDraining {
		return nil, errDraining
	}
	if c.state == StateReady && c.conn != nil && !c.conn.isFailed() {
		return c.conn, nil
	}
	c.state = StateConnecting

	hsCtx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()

	ws, _, err := websocket.Dial(hsCtx, c.url, nil)
	if err != nil {
		c.state = StateFailed
		return nil, fmt.Errorf("claw: dial %s: %w", c.url, err)
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	cc := &wsConn{
		ws:          ws,
		ctx:         connCtx,
		cancel:      connCancel,
		pending:     make(map[string]*pendingReq),
		calls:       make(map[string]*chatCall),
		challengeCh: make(chan string, 1),
	}
	go c.readLoop(cc)

	// Challenge nonce, with a fallback when the runtime does not issue one.
	c.state = StateAwaitingChallenge
	var nonce string
	select {
	case nonce = <-cc.challengeCh:
	case <-time.After(c.challengeWait):
	case <-hsCtx.Done():
		cc.fail(mapCloseErr(hsCtx.Err()))
		cc.close(websocket.StatusNormalClosure, "handshake aborted")
		c.state = StateFailed
		return nil, fmt.Errorf("claw: handshake: %w", hsCtx.Err())
	}

	c.state = StateAwaitingHelloOk
	id := uuid.NewString()
	resCh := cc.addPending(id, nil)
	params, err := json.Marshal(ConnectParams{
		MinProtocol: ProtocolVersion,
		MaxProtocol: ProtocolVersion,
		Nonce:       nonce,
		Client:      ClientInfo{ID: "gateway-client", Mode: "backend"},
		Caps:        []string{},
		Role:        "operator",
		Scopes:      c.scopes,
		Auth:        ConnectAuth{Token: c.token},
	})
	if err != nil {
		cc.close(websocket.StatusInternalError, "handshake failed")
		c.state = StateFailed
		return nil, fmt.Errorf("claw: marshal connect params: %w", err)
	}
	if err := cc.writeFrame(&Frame{Type: FrameReq, ID: id, Method: MethodConnect, Params: params}); err != nil {
		cc.close(websocket.StatusInternalError, "handshake failed")
		c.state = StateFailed
		return nil, types.WrapOperator(types.CodeOpenClawUnavailable, "agent runtime unreachable", err)
	}

	select {
	case res, ok := <-resCh:
		if !ok {
			c.state = StateFailed
			return nil, cc.failure()
		}
		if !res.OK {
			detail := "connect rejected"
			if res.Error != nil {
				detail = res.Error.Code + ": " + res.Error.Message
			}
			cc.close(websocket.StatusNormalClosure, "connect rejected")
			c.state = StateFailed
			return nil, types.OperatorErr(types.CodeOpenClawUnavailable, "agent runtime unreachable", detail)
		}
	case <-hsCtx.Done():
		cc.fail(mapCloseErr(hsCtx.Err()))
		cc.close(websocket.StatusNormalClosure, "handshake aborted")
		c.state = StateFailed
		return nil, types.WrapOperator(types.CodeOpenClawUnavailable, "agent runtime unreachable", hsCtx.Err())
	}

	c.conn = cc
	c.state = StateReady
	c.log.Info("agent runtime connected", "url", c.url)
	return cc, nil
}

// connLost resets the client after the reader of cc exits. A replacement
// connection is established lazily by the next Send.
func (c *Client) connLost(cc *wsConn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == cc {
		c.conn = nil
		if c.state != StateDraining {
			c.state = StateDisconnected
		}
	}
}

// ── Socket reader ──────────────────────────────────────────────────────────────

// readLoop is the single reader of cc. It dispatches response frames to the
// pending table and chat events to their calls; on any read error it fails
// every outstanding send and retires the connection.
func (c *Client) readLoop(cc *wsConn) {
	for {
		_, data, err := cc.ws.Read(cc.ctx)
		if err != nil {
			cc.fail(mapCloseErr(err))
			c.connLost(cc)
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Warn("agent frame not parseable", "error", err)
			continue
		}

		switch f.Type {
		case FrameRes:
			cc.deliverRes(&f)
		case FrameEvent:
			c.handleEvent(cc, &f)
		}
	}
}

func (c *Client) handleEvent(cc *wsConn, f *Frame) {
	switch f.Event {
	case EventChallenge:
		var p ChallengePayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			c.log.Warn("connect.challenge payload not parseable", "error", err)
			return
		}
		select {
		case cc.challengeCh <- p.Nonce:
		default:
		}
	case EventChat:
		var p ChatEventPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			c.log.Warn("chat event payload not parseable", "error", err)
			return
		}
		cc.handleChat(&p)
	}
}

// mapCloseErr converts a socket read failure into the taxonomy. Close code
// 1008 means the runtime rejected a frame as protocol misuse.
func mapCloseErr(err error) error {
	if websocket.CloseStatus(err) == websocket.StatusPolicyViolation {
		return types.OperatorErr(types.CodeOpenClawUnavailable,
			"agent runtime unreachable", "invalid request frame")
	}
	return types.WrapOperator(types.CodeOpenClawUnavailable, "agent runtime connection lost", err)
}

// ── Connection state ───────────────────────────────────────────────────────────

// wsConn is one established connection generation: the socket, the pending
// response table, and the chat-call correlation state.
type wsConn struct {
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu          sync.Mutex
	pending     map[string]*pendingReq
	calls       map[string]*chatCall
	unbound     []*chatCall
	challengeCh chan string
	failed      bool
	failErr     error
}

// pendingReq is one outstanding request frame awaiting its response. For
// chat.send requests, call lets the reader bind the runId from the response
// before dispatching any later event.
type pendingReq struct {
	ch   chan *Frame
	call *chatCall
}

// callResult is the terminal outcome of one chat call.
type callResult struct {
	text string
	err  error
}

// chatCall is one outstanding chat.send: a delta accumulator plus a one-shot
// completion channel.
type chatCall struct {
	sessionKey string
	done       chan callResult

	mu   sync.Mutex
	buf  strings.Builder
	once sync.Once
}

func (call *chatCall) appendDelta(text string) {
	call.mu.Lock()
	call.buf.WriteString(text)
	call.mu.Unlock()
}

func (call *chatCall) accumulated() string {
	call.mu.Lock()
	defer call.mu.Unlock()
	return call.buf.String()
}

func (call *chatCall) complete(text string, err error) {
	call.once.Do(func() {
		call.done <- callResult{text: text, err: err}
	})
}

// writeFrame marshals f and writes it as a single text message. Writes are
// serialized; reads never take writeMu.
func (cc *wsConn) writeFrame(f *Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("claw: marshal frame: %w", err)
	}
	cc.writeMu.Lock()
	defer cc.writeMu.Unlock()
	return cc.ws.Write(cc.ctx, websocket.MessageText, data)
}

func (cc *wsConn) close(code websocket.StatusCode, reason string) {
	cc.ws.Close(code, reason)
	cc.cancel()
}

func (cc *wsConn) isFailed() bool {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.failed
}

func (cc *wsConn) failure() error {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.failErr
}

// fail marks the connection dead exactly once: pending response channels are
// closed and every outstanding chat call completes with err.
func (cc *wsConn) fail(err error) {
	cc.mu.Lock()
	if cc.failed {
		cc.mu.Unlock()
		return
	}
	cc.failed = true
	cc.failErr = err
	pending := cc.pending
	cc.pending = make(map[string]*pendingReq)
	calls := make([]*chatCall, 0, len(cc.calls)+len(cc.unbound))
	for _, call := range cc.calls {
		calls = append(calls, call)
	}
	calls = append(calls, cc.unbound...)
	cc.calls = make(map[string]*chatCall)
	cc.unbound = nil
	cc.mu.Unlock()

	for _, pr := range pending {
		close(pr.ch)
	}
	for _, call := range calls {
		call.complete("", err)
	}
	cc.cancel()
}

func (cc *wsConn) addPending(id string, call *chatCall) chan *Frame {
	ch := make(chan *Frame, 1)
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.failed {
		close(ch)
		return ch
	}
	cc.pending[id] = &pendingReq{ch: ch, call: call}
	return ch
}

func (cc *wsConn) removePending(id string) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	delete(cc.pending, id)
}

// deliverRes completes a pending request. When the response names a runId,
// the binding happens here, on the reader goroutine, so it is ordered before
// every subsequent event on the socket.
func (cc *wsConn) deliverRes(f *Frame) {
	cc.mu.Lock()
	pr := cc.pending[f.ID]
	delete(cc.pending, f.ID)
	cc.mu.Unlock()
	if pr == nil {
		return
	}
	if pr.call != nil && f.OK && f.Result != nil {
		var r ChatSendResult
		if json.Unmarshal(f.Result, &r) == nil && r.RunID != "" {
			cc.bind(pr.call, r.RunID)
		}
	}
	pr.ch <- f
}

func (cc *wsConn) addUnbound(call *chatCall) {
	cc.mu.Lock()
	if cc.failed {
		err := cc.failErr
		cc.mu.Unlock()
		call.complete("", err)
		return
	}
	cc.unbound = append(cc.unbound, call)
	cc.mu.Unlock()
}

// bind associates call with runID once the chat.send response names it. A
// no-op when a chat event already performed the binding.
func (cc *wsConn) bind(call *chatCall, runID string) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	for i, u := range cc.unbound {
		if u == call {
			cc.unbound = append(cc.unbound[:i], cc.unbound[i+1:]...)
			break
		}
	}
	if _, taken := cc.calls[runID]; !taken {
		cc.calls[runID] = call
	}
}

func (cc *wsConn) removeCall(call *chatCall) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	for id, cl := range cc.calls {
		if cl == call {
			delete(cc.calls, id)
		}
	}
	for i, u := range cc.unbound {
		if u == call {
			cc.unbound = append(cc.unbound[:i], cc.unbound[i+1:]...)
			break
		}
	}
}

// handleChat routes one chat event to its call. Events can outrun the
// chat.send response, in which case the oldest outstanding send on the same
// session claims the runId.
func (cc *wsConn) handleChat(p *ChatEventPayload) {
	cc.mu.Lock()
	var call *chatCall
	if p.RunID != "" {
		call = cc.calls[p.RunID]
	}
	if call == nil {
		for i, u := range cc.unbound {
			if u.sessionKey == p.SessionKey {
				call = u
				// Without a runId the call stays unbound so later
				// events on the session can still reach it.
				if p.RunID != "" {
					cc.unbound = append(cc.unbound[:i], cc.unbound[i+1:]...)
					cc.calls[p.RunID] = call
				}
				break
			}
		}
	}
	cc.mu.Unlock()
	if call == nil {
		return
	}

	switch p.State {
	case ChatStateDelta:
		call.appendDelta(p.Message.Text())
	case ChatStateFinal:
		text := p.Message.Text()
		if text == "" {
			text = call.accumulated()
		}
		call.complete(text, nil)
	case ChatStateError:
		detail := "agent reported an error"
		if p.Error != nil {
			detail = p.Error.Code + ": " + p.Error.Message
		}
		call.complete("", types.OperatorErr(types.CodeOpenClawSessionError, "agent run failed", detail))
	case ChatStateAborted:
		call.complete("", types.OperatorErr(types.CodeOpenClawSessionError, "agent run failed", "run aborted"))
	}
}
