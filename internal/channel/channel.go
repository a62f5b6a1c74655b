// Package channel connects one user's dashboard socket to their agent
// loops: it fans run events out to the live connection and resolves
// tool-approval proposals with a timeout.
package channel

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"dyno/internal/agent/ports"
	"dyno/internal/logging"
)

// Conn is the transport the channel writes to. gorilla's *websocket.Conn
// satisfies it.
type Conn interface {
	WriteJSON(v any) error
}

// DefaultApprovalTimeout bounds how long a proposal stays pending.
const DefaultApprovalTimeout = 60 * time.Second

type pendingApproval struct {
	seq      int
	proposal ports.Event
	decision chan ports.ApprovalResponse
	timer    *time.Timer
}

// Channel implements ports.EventListener and ports.Approver for one
// user. The loop blocks on the pending decision, never on the connection
// object, so the socket can be swapped under a live run.
type Channel struct {
	timeout time.Duration
	logger  logging.Logger

	mu      sync.Mutex
	conn    Conn
	pending map[string]*pendingApproval
	nextSeq int
}

// New builds a channel with the given approval timeout (0 means the
// default 60s).
func New(timeout time.Duration, logger logging.Logger) *Channel {
	if timeout <= 0 {
		timeout = DefaultApprovalTimeout
	}
	return &Channel{
		timeout: timeout,
		logger:  logging.OrNop(logger),
		pending: make(map[string]*pendingApproval),
	}
}

// Swap installs a new connection and re-delivers every still-pending
// proposal verbatim so the new client can re-render and resolve them.
// Passing nil detaches the connection; pending approvals are left to
// their timeouts.
func (c *Channel) Swap(conn Conn) {
	c.mu.Lock()
	c.conn = conn
	var redeliver []*pendingApproval
	for _, p := range c.pending {
		redeliver = append(redeliver, p)
	}
	c.mu.Unlock()

	if conn == nil {
		return
	}
	sort.Slice(redeliver, func(i, j int) bool { return redeliver[i].seq < redeliver[j].seq })
	for _, p := range redeliver {
		c.write(p.proposal)
	}
}

// OnEvent implements ports.EventListener.
func (c *Channel) OnEvent(event ports.Event) {
	c.write(event)
}

func (c *Channel) write(v any) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.WriteJSON(v); err != nil {
		c.logger.Warn("channel write failed: %v", err)
	}
}

// RequestApproval implements ports.Approver. It sends a proposal event
// and blocks until an approve/deny arrives, the timeout fires (denied),
// or ctx is cancelled. Connection loss does not resolve the approval.
func (c *Channel) RequestApproval(ctx context.Context, req *ports.ApprovalRequest) (*ports.ApprovalResponse, error) {
	proposal := ports.NewEvent("proposal", req.SessionID, map[string]any{
		"id":           req.ToolCallID,
		"tool":         req.ToolName,
		"input":        req.Arguments,
		"displayTitle": displayTitle(req),
	})

	p := &pendingApproval{
		proposal: proposal,
		decision: make(chan ports.ApprovalResponse, 1),
		timer:    time.NewTimer(c.timeout),
	}

	c.mu.Lock()
	if _, exists := c.pending[req.ToolCallID]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("duplicate proposal id: %s", req.ToolCallID)
	}
	p.seq = c.nextSeq
	c.nextSeq++
	c.pending[req.ToolCallID] = p
	c.mu.Unlock()

	c.write(proposal)

	defer func() {
		p.timer.Stop()
		c.mu.Lock()
		delete(c.pending, req.ToolCallID)
		c.mu.Unlock()
	}()

	select {
	case decision := <-p.decision:
		return &decision, nil
	case <-p.timer.C:
		c.logger.Info("proposal %s (%s) timed out, denying", req.ToolCallID, req.ToolName)
		return &ports.ApprovalResponse{Approved: false, Reason: "timeout"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resolve delivers the user's decision for one proposal. Unknown or
// already-resolved ids are ignored.
func (c *Channel) Resolve(proposalID string, approved bool, editedInput map[string]any) {
	c.mu.Lock()
	p, ok := c.pending[proposalID]
	if ok {
		delete(c.pending, proposalID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	p.timer.Stop()
	p.decision <- ports.ApprovalResponse{Approved: approved, EditedInput: editedInput}
}

// DenyAll resolves every pending proposal as denied. Used on cancel.
func (c *Channel) DenyAll() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingApproval)
	c.mu.Unlock()

	for _, p := range pending {
		p.timer.Stop()
		p.decision <- ports.ApprovalResponse{Approved: false}
	}
}

// PendingCount reports how many proposals are awaiting a decision.
func (c *Channel) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func displayTitle(req *ports.ApprovalRequest) string {
	if name, ok := req.Arguments["filename"].(string); ok && name != "" {
		return fmt.Sprintf("%s: %s", req.ToolName, name)
	}
	if name, ok := req.Arguments["endpoint_name"].(string); ok && name != "" {
		return fmt.Sprintf("%s: %s", req.ToolName, name)
	}
	if key, ok := req.Arguments["key"].(string); ok && key != "" {
		return fmt.Sprintf("%s: %s", req.ToolName, key)
	}
	return req.ToolName
}

var (
	_ ports.EventListener = (*Channel)(nil)
	_ ports.Approver      = (*Channel)(nil)
)
