package claw_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/lensgate/pkg/claw"
	"github.com/MrWong99/lensgate/pkg/types"
)

const sessionKey = types.SessionKey("glasses:main")

// serverConn wraps the runtime side of one accepted connection.
type serverConn struct {
	t   *testing.T
	ws  *websocket.Conn
	ctx context.Context
}

func (s *serverConn) read() *claw.Frame {
	_, data, err := s.ws.Read(s.ctx)
	if err != nil {
		return nil
	}
	var f claw.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		s.t.Errorf("server received unparseable frame: %v", err)
		return nil
	}
	return &f
}

func (s *serverConn) write(f claw.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		s.t.Errorf("server marshal: %v", err)
		return
	}
	if err := s.ws.Write(s.ctx, websocket.MessageText, data); err != nil {
		s.t.Logf("server write: %v", err)
	}
}

func (s *serverConn) event(name string, payload any) {
	raw, _ := json.Marshal(payload)
	s.write(claw.Frame{Type: claw.FrameEvent, Event: name, Payload: raw})
}

func (s *serverConn) respond(id string, ok bool, result any, ferr *claw.FrameError) {
	f := claw.Frame{Type: claw.FrameRes, ID: id, OK: ok, Error: ferr}
	if result != nil {
		raw, _ := json.Marshal(result)
		f.Result = raw
	}
	s.write(f)
}

// handshake drives the server side of the connect exchange. With a non-empty
// nonce it issues a challenge first and verifies the echo.
func (s *serverConn) handshake(nonce string) bool {
	if nonce != "" {
		s.event(claw.EventChallenge, claw.ChallengePayload{Nonce: nonce})
	}
	f := s.read()
	if f == nil {
		return false
	}
	if f.Type != claw.FrameReq || f.Method != claw.MethodConnect {
		s.t.Errorf("expected connect request, got %+v", f)
		return false
	}
	var p claw.ConnectParams
	if err := json.Unmarshal(f.Params, &p); err != nil {
		s.t.Errorf("connect params: %v", err)
		return false
	}
	if p.MinProtocol != 3 || p.MaxProtocol != 3 {
		s.t.Errorf("protocol bounds = %d..%d, want 3..3", p.MinProtocol, p.MaxProtocol)
	}
	if p.Client.ID != "gateway-client" || p.Client.Mode != "backend" || p.Role != "operator" {
		s.t.Errorf("client identity = %+v role %q", p.Client, p.Role)
	}
	if nonce != "" && p.Nonce != nonce {
		s.ws.Close(websocket.StatusPolicyViolation, "missing nonce")
		return false
	}
	s.respond(f.ID, true, map[string]int{"protocol": 3}, nil)
	return true
}

// readChatSend reads the next frame and asserts it is a chat.send request.
func (s *serverConn) readChatSend() (*claw.Frame, *claw.ChatSendParams) {
	f := s.read()
	if f == nil {
		return nil, nil
	}
	if f.Type != claw.FrameReq || f.Method != claw.MethodChatSend {
		s.t.Errorf("expected chat.send, got %+v", f)
		return nil, nil
	}
	var p claw.ChatSendParams
	if err := json.Unmarshal(f.Params, &p); err != nil {
		s.t.Errorf("chat.send params: %v", err)
		return nil, nil
	}
	if p.IdempotencyKey == "" {
		s.t.Error("chat.send without idempotencyKey")
	}
	return f, &p
}

func runtimeServer(t *testing.T, script func(s *serverConn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer ws.CloseNow()
		script(&serverConn{t: t, ws: ws, ctx: r.Context()})
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func newClient(url string, opts ...claw.Option) *claw.Client {
	base := []claw.Option{
		claw.WithChallengeWait(50 * time.Millisecond),
		claw.WithBackoff(5*time.Millisecond, 20*time.Millisecond, 2),
	}
	return claw.New(url, "test-token", append(base, opts...)...)
}

func finalPayload(runID, text string) claw.ChatEventPayload {
	return claw.ChatEventPayload{
		RunID:      runID,
		SessionKey: sessionKey.String(),
		State:      claw.ChatStateFinal,
		Message: &claw.ChatMessage{Content: []claw.ContentItem{
			{Type: "text", Text: text},
		}},
	}
}

func TestHandshakeEchoesNonce(t *testing.T) {
	t.Parallel()
	url := runtimeServer(t, func(s *serverConn) {
		if !s.handshake("abc") {
			return
		}
		f, _ := s.readChatSend()
		if f == nil {
			return
		}
		s.respond(f.ID, true, claw.ChatSendResult{RunID: "run-1"}, nil)
		s.event(claw.EventChat, finalPayload("run-1", "Hi there."))
		<-s.ctx.Done()
	})

	c := newClient(url)
	defer c.Disconnect()

	got, err := c.Send(context.Background(), sessionKey, "hello", 2*time.Second)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got != "Hi there." {
		t.Errorf("Send = %q", got)
	}
	if !c.Ready() {
		t.Error("client not ready after successful send")
	}
}

func TestHandshakeWithoutChallenge(t *testing.T) {
	t.Parallel()
	url := runtimeServer(t, func(s *serverConn) {
		// No challenge: the client must proceed with an absent nonce.
		if !s.handshake("") {
			return
		}
		f, _ := s.readChatSend()
		if f == nil {
			return
		}
		s.respond(f.ID, true, claw.ChatSendResult{RunID: "run-1"}, nil)
		s.event(claw.EventChat, finalPayload("run-1", "ok"))
	})

	c := newClient(url, claw.WithChallengeWait(10*time.Millisecond))
	defer c.Disconnect()

	got, err := c.Send(context.Background(), sessionKey, "hello", 2*time.Second)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got != "ok" {
		t.Errorf("Send = %q", got)
	}
}

func TestDeltaAssembly(t *testing.T) {
	t.Parallel()
	url := runtimeServer(t, func(s *serverConn) {
		if !s.handshake("n1") {
			return
		}
		f, _ := s.readChatSend()
		if f == nil {
			return
		}
		s.respond(f.ID, true, claw.ChatSendResult{RunID: "run-1"}, nil)
		for _, chunk := range []string{"Hel", "lo ", "glasses"} {
			s.event(claw.EventChat, claw.ChatEventPayload{
				RunID: "run-1", SessionKey: sessionKey.String(), State: claw.ChatStateDelta,
				Message: &claw.ChatMessage{Content: []claw.ContentItem{{Type: "text", Text: chunk}}},
			})
		}
		// Final without content: the accumulated deltas are the reply.
		s.event(claw.EventChat, claw.ChatEventPayload{
			RunID: "run-1", SessionKey: sessionKey.String(), State: claw.ChatStateFinal,
		})
	})

	c := newClient(url)
	defer c.Disconnect()

	got, err := c.Send(context.Background(), sessionKey, "hi", 2*time.Second)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got != "Hello glasses" {
		t.Errorf("Send = %q", got)
	}
}

func TestEventBeforeResponse(t *testing.T) {
	t.Parallel()
	url := runtimeServer(t, func(s *serverConn) {
		if !s.handshake("n1") {
			return
		}
		f, _ := s.readChatSend()
		if f == nil {
			return
		}
		// The terminal event outruns the chat.send response; the client must
		// correlate through the session key.
		s.event(claw.EventChat, finalPayload("run-9", "early bird"))
		s.respond(f.ID, true, claw.ChatSendResult{RunID: "run-9"}, nil)
	})

	c := newClient(url)
	defer c.Disconnect()

	got, err := c.Send(context.Background(), sessionKey, "hi", 2*time.Second)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got != "early bird" {
		t.Errorf("Send = %q", got)
	}
}

func TestChatErrorState(t *testing.T) {
	t.Parallel()
	url := runtimeServer(t, func(s *serverConn) {
		if !s.handshake("n1") {
			return
		}
		f, _ := s.readChatSend()
		if f == nil {
			return
		}
		s.respond(f.ID, true, claw.ChatSendResult{RunID: "run-1"}, nil)
		s.event(claw.EventChat, claw.ChatEventPayload{
			RunID: "run-1", SessionKey: sessionKey.String(), State: claw.ChatStateError,
			Error: &claw.FrameError{Code: "agent_crash", Message: "boom"},
		})
	})

	c := newClient(url)
	defer c.Disconnect()

	_, err := c.Send(context.Background(), sessionKey, "hi", 2*time.Second)
	if types.CodeOf(err) != types.CodeOpenClawSessionError {
		t.Fatalf("want OPENCLAW_SESSION_ERROR, got %v", err)
	}
	if types.KindOf(err) != types.KindOperator {
		t.Errorf("chat error must be operator-kind, got %q", types.KindOf(err))
	}
}

func TestChatAbortedState(t *testing.T) {
	t.Parallel()
	url := runtimeServer(t, func(s *serverConn) {
		if !s.handshake("n1") {
			return
		}
		f, _ := s.readChatSend()
		if f == nil {
			return
		}
		s.respond(f.ID, true, claw.ChatSendResult{RunID: "run-1"}, nil)
		s.event(claw.EventChat, claw.ChatEventPayload{
			RunID: "run-1", SessionKey: sessionKey.String(), State: claw.ChatStateAborted,
		})
	})

	c := newClient(url)
	defer c.Disconnect()

	_, err := c.Send(context.Background(), sessionKey, "hi", 2*time.Second)
	if types.CodeOf(err) != types.CodeOpenClawSessionError {
		t.Fatalf("want OPENCLAW_SESSION_ERROR, got %v", err)
	}
}

func TestSendTimeout(t *testing.T) {
	t.Parallel()
	url := runtimeServer(t, func(s *serverConn) {
		if !s.handshake("n1") {
			return
		}
		f, _ := s.readChatSend()
		if f == nil {
			return
		}
		s.respond(f.ID, true, claw.ChatSendResult{RunID: "run-1"}, nil)
		// Never send a terminal event.
		<-s.ctx.Done()
	})

	c := newClient(url)
	defer c.Disconnect()

	_, err := c.Send(context.Background(), sessionKey, "hi", 50*time.Millisecond)
	if types.CodeOf(err) != types.CodeOpenClawTimeout {
		t.Fatalf("want OPENCLAW_TIMEOUT, got %v", err)
	}
	if types.KindOf(err) != types.KindUser {
		t.Errorf("timeout must be user-kind, got %q", types.KindOf(err))
	}
}

func TestConnectRetriesExhausted(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // nothing listens here anymore

	c := newClient(srv.URL)
	start := time.Now()
	_, err := c.Send(context.Background(), sessionKey, "hi", time.Second)
	if types.CodeOf(err) != types.CodeOpenClawUnavailable {
		t.Fatalf("want OPENCLAW_UNAVAILABLE, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("backoff not bounded, took %v", elapsed)
	}
}

func TestConcurrentSends(t *testing.T) {
	t.Parallel()
	url := runtimeServer(t, func(s *serverConn) {
		if !s.handshake("n1") {
			return
		}
		type run struct {
			runID   string
			message string
		}
		var runs []run
		for i := 0; i < 2; i++ {
			f, p := s.readChatSend()
			if f == nil {
				return
			}
			r := run{runID: p.IdempotencyKey, message: p.Message}
			runs = append(runs, r)
			s.respond(f.ID, true, claw.ChatSendResult{RunID: r.runID}, nil)
		}
		// Complete in reverse arrival order.
		for i := len(runs) - 1; i >= 0; i-- {
			s.event(claw.EventChat, finalPayload(runs[i].runID, "echo:"+runs[i].message))
		}
	})

	c := newClient(url)
	defer c.Disconnect()

	var wg sync.WaitGroup
	for _, msg := range []string{"first", "second"} {
		wg.Add(1)
		go func(msg string) {
			defer wg.Done()
			got, err := c.Send(context.Background(), sessionKey, msg, 2*time.Second)
			if err != nil {
				t.Errorf("Send(%q): %v", msg, err)
				return
			}
			if got != "echo:"+msg {
				t.Errorf("Send(%q) = %q", msg, got)
			}
		}(msg)
	}
	wg.Wait()
}

func TestServerCloseFailsPending(t *testing.T) {
	t.Parallel()
	url := runtimeServer(t, func(s *serverConn) {
		if !s.handshake("n1") {
			return
		}
		f, _ := s.readChatSend()
		if f == nil {
			return
		}
		s.ws.Close(websocket.StatusPolicyViolation, "bad frame")
	})

	c := newClient(url)
	_, err := c.Send(context.Background(), sessionKey, "hi", 2*time.Second)
	if types.CodeOf(err) != types.CodeOpenClawUnavailable {
		t.Fatalf("want OPENCLAW_UNAVAILABLE, got %v", err)
	}
}

func TestDisconnectFailsPendingAndRejectsSends(t *testing.T) {
	t.Parallel()
	gotReq := make(chan struct{})
	url := runtimeServer(t, func(s *serverConn) {
		if !s.handshake("n1") {
			return
		}
		f, _ := s.readChatSend()
		if f == nil {
			return
		}
		close(gotReq)
		<-s.ctx.Done()
	})

	c := newClient(url)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), sessionKey, "hi", 5*time.Second)
		errCh <- err
	}()

	select {
	case <-gotReq:
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the chat.send")
	}
	c.Disconnect()

	select {
	case err := <-errCh:
		if types.CodeOf(err) != types.CodeOpenClawUnavailable {
			t.Fatalf("pending send: want OPENCLAW_UNAVAILABLE, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending send not failed by Disconnect")
	}

	if _, err := c.Send(context.Background(), sessionKey, "again", time.Second); types.CodeOf(err) != types.CodeOpenClawUnavailable {
		t.Fatalf("send after Disconnect: want OPENCLAW_UNAVAILABLE, got %v", err)
	}
	if got := c.State(); got != claw.StateDraining {
		t.Errorf("State after Disconnect = %q", got)
	}
}

func TestCallerCancellation(t *testing.T) {
	t.Parallel()
	url := runtimeServer(t, func(s *serverConn) {
		if !s.handshake("n1") {
			return
		}
		f, _ := s.readChatSend()
		if f == nil {
			return
		}
		s.respond(f.ID, true, claw.ChatSendResult{RunID: "run-1"}, nil)
		<-s.ctx.Done()
	})

	c := newClient(url)
	defer c.Disconnect()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Send(ctx, sessionKey, "hi", 5*time.Second)
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("want context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Send did not observe cancellation")
	}
}
