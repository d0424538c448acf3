package claw

import "encoding/json"

// Frame type tags. Every frame on the wire is a single JSON object carrying
// exactly one of these in its "type" field.
const (
	FrameReq   = "req"
	FrameRes   = "res"
	FrameEvent = "event"
)

// Event names emitted by the runtime.
const (
	EventChallenge = "connect.challenge"
	EventChat      = "chat"
)

// Request methods sent by the client.
const (
	MethodConnect  = "connect"
	MethodChatSend = "chat.send"
)

// Chat event terminal and streaming states.
const (
	ChatStateDelta   = "delta"
	ChatStateFinal   = "final"
	ChatStateError   = "error"
	ChatStateAborted = "aborted"
)

// Protocol version spoken by this client. The connect params advertise it as
// both minimum and maximum.
const ProtocolVersion = 3

// Frame is the wire envelope. Request, response, and event fields are
// populated according to Type; the rest stay empty.
type Frame struct {
	Type string `json:"type"`

	// Request / response correlation.
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// Response body.
	OK     bool            `json:"ok,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *FrameError     `json:"error,omitempty"`

	// Event body.
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// FrameError is the error object inside a failed response frame.
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ConnectParams is the params object of the initial connect request. The
// field values are part of the wire contract: protocol 3 on both bounds, the
// echoed challenge nonce, and the fixed client identity.
type ConnectParams struct {
	MinProtocol int         `json:"minProtocol"`
	MaxProtocol int         `json:"maxProtocol"`
	Nonce       string      `json:"nonce,omitempty"`
	Client      ClientInfo  `json:"client"`
	Caps        []string    `json:"caps"`
	Role        string      `json:"role"`
	Scopes      []string    `json:"scopes"`
	Auth        ConnectAuth `json:"auth"`
}

// ClientInfo identifies this gateway to the runtime.
type ClientInfo struct {
	ID   string `json:"id"`
	Mode string `json:"mode"`
}

// ConnectAuth carries the bearer token inside the connect params.
type ConnectAuth struct {
	Token string `json:"token"`
}

// ChallengePayload is the payload of a connect.challenge event.
type ChallengePayload struct {
	Nonce string `json:"nonce"`
}

// ChatSendParams is the params object of a chat.send request.
type ChatSendParams struct {
	SessionKey     string `json:"sessionKey"`
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotencyKey"`
	TimeoutMs      int64  `json:"timeoutMs,omitempty"`
}

// ChatSendResult is the result object of a successful chat.send response.
// The runId binds the streamed chat events to the originating request.
type ChatSendResult struct {
	RunID string `json:"runId"`
}

// ChatEventPayload is the payload of a chat event. State is one of the
// ChatState constants; Message is present on delta and final events.
type ChatEventPayload struct {
	RunID      string       `json:"runId"`
	SessionKey string       `json:"sessionKey"`
	State      string       `json:"state"`
	Message    *ChatMessage `json:"message,omitempty"`
	Error      *FrameError  `json:"error,omitempty"`
}

// ChatMessage is the structured assistant message inside a chat event.
type ChatMessage struct {
	Content []ContentItem `json:"content"`
}

// ContentItem is one entry of a chat message's content array.
type ContentItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Text concatenates the content entries whose type is "text".
func (m *ChatMessage) Text() string {
	if m == nil {
		return ""
	}
	var out string
	for _, item := range m.Content {
		if item.Type == "text" {
			out += item.Text
		}
	}
	return out
}
