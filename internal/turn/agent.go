package turn

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/MrWong99/lensgate/pkg/types"
)

// AgentClient is the slice of the agent-runtime client the orchestrator and
// the rebuilder need. *claw.Client satisfies it.
type AgentClient interface {
	// Send dispatches one chat turn and blocks until the terminal event,
	// the timeout, or ctx cancellation.
	Send(ctx context.Context, sessionKey types.SessionKey, text string, timeout time.Duration) (string, error)

	// Ready reports whether the connection has completed its handshake.
	Ready() bool

	// Disconnect drains the client: pending sends fail, further sends are
	// rejected, and the socket is closed.
	Disconnect()
}

// Holder is an atomically swappable reference to the current [AgentClient].
// Hot-reload replaces the client identity without interrupting turns that
// already captured the previous instance; shutdown reads through the holder
// so it always disconnects the client actually in use.
type Holder struct {
	current atomic.Pointer[agentSlot]
}

// agentSlot exists because atomic.Pointer needs a concrete type to point at.
type agentSlot struct {
	client AgentClient
}

// NewHolder creates a Holder seeded with client, which may be nil.
func NewHolder(client AgentClient) *Holder {
	h := &Holder{}
	h.current.Store(&agentSlot{client: client})
	return h
}

// Get returns the current client, or nil when none is set.
func (h *Holder) Get() AgentClient {
	return h.current.Load().client
}

// Swap publishes next and returns the previous client so the caller can
// drain it. Publish-then-drain ordering matters: a turn starting during the
// swap must land on the new client, never on one about to disconnect.
func (h *Holder) Swap(next AgentClient) AgentClient {
	prev := h.current.Swap(&agentSlot{client: next})
	return prev.client
}
