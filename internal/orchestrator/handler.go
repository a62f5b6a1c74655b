// Package orchestrator manages child agent sessions spawned by a user's
// primary session. Each child runs its own loop as an independent
// goroutine with an auto-approving tool policy.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"dyno/internal/agent"
	"dyno/internal/agent/ports"
	"dyno/internal/logging"
)

// Status is a child session's lifecycle state. terminated is absorbing:
// the session is removed from the handler and cannot be reused.
type Status string

const (
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	StatusTerminated Status = "terminated"
)

const (
	resultLimit  = 2000
	promptPeek   = 120
	EventCreated = "session_created"
	EventStatus  = "session_status"
	EventEnded   = "session_ended"
)

// ActivitySink receives one record per timed child tool execution.
type ActivitySink interface {
	ToolExecuted(sessionID, tool string, duration time.Duration, success bool)
}

type logSink struct{ logger logging.Logger }

func (s logSink) ToolExecuted(sessionID, tool string, duration time.Duration, success bool) {
	s.logger.Info("child %s tool %s finished in %s (success=%t)", sessionID, tool, duration.Round(time.Millisecond), success)
}

// ChildSession is one spawned child. All fields are guarded by the
// handler's mutex.
type ChildSession struct {
	ID        string
	Prompt    string
	Model     string
	Status    Status
	Result    string
	TokensIn  int
	TokensOut int
	CreatedAt time.Time
	UpdatedAt time.Time

	engine  *agent.Engine
	history []ports.Message
}

// Snapshot is a copied view of a child safe to use outside the lock.
type Snapshot struct {
	ID        string    `json:"sessionId"`
	Prompt    string    `json:"prompt"`
	Model     string    `json:"model"`
	Status    Status    `json:"status"`
	Result    string    `json:"result,omitempty"`
	TokensIn  int       `json:"tokensIn"`
	TokensOut int       `json:"tokensOut"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Config parameterizes a handler. One handler serves one user session.
type Config struct {
	LLM        ports.LLMClient
	ChildTools ports.ToolRegistry
	Listener   ports.EventListener
	Sink       ActivitySink
	Metrics    *Metrics
	Logger     logging.Logger

	UserID            string
	APIKey            string
	DefaultModel      string
	ChildSystemPrompt string
	ChildToolAppendix string

	// MaxIterations bounds low-capability child models; ChildMaxIterations
	// bounds everything else.
	MaxIterations      int
	ChildMaxIterations int

	UsageSink func(tokensIn, tokensOut int)
}

// Handler owns the child-session map for one user.
type Handler struct {
	cfg     Config
	logger  logging.Logger
	metrics *Metrics
	sink    ActivitySink
	tools   ports.ToolRegistry

	mu       sync.Mutex
	children map[string]*ChildSession
	wg       sync.WaitGroup
}

// NewHandler builds a handler. ChildTools must already exclude spawn
// capability and parent-only dashboard actions.
func NewHandler(cfg Config) *Handler {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 15
	}
	if cfg.ChildMaxIterations <= 0 {
		cfg.ChildMaxIterations = 100
	}
	if cfg.Metrics == nil {
		cfg.Metrics = defaultMetrics()
	}
	logger := logging.OrNop(cfg.Logger)
	h := &Handler{
		cfg:      cfg,
		logger:   logger,
		metrics:  cfg.Metrics,
		children: make(map[string]*ChildSession),
	}
	if cfg.Sink != nil {
		h.sink = cfg.Sink
	} else {
		h.sink = logSink{logger: logger}
	}
	h.tools = &timedRegistry{inner: cfg.ChildTools, h: h}
	return h
}

// Spawn registers a child in running status and starts its loop in the
// background. It returns the new session id immediately.
func (h *Handler) Spawn(prompt, model string) string {
	if model == "" {
		model = h.cfg.DefaultModel
	}
	id := "child-" + uuid.NewString()[:8]
	now := time.Now()

	child := &ChildSession{
		ID:        id,
		Prompt:    prompt,
		Model:     model,
		Status:    StatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}

	h.mu.Lock()
	h.children[id] = child
	h.mu.Unlock()

	h.metrics.ChildSpawned(model)
	h.emit(EventCreated, id, map[string]any{
		"model":  model,
		"prompt": peek(prompt),
	})

	h.wg.Add(1)
	go h.runChild(child, prompt)
	return id
}

// Continue sends a follow-up message to a completed child, re-entering
// the running state.
func (h *Handler) Continue(sessionID, message string) error {
	h.mu.Lock()
	child, ok := h.children[sessionID]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("unknown session %s", sessionID)
	}
	if child.Status != StatusCompleted {
		status := child.Status
		h.mu.Unlock()
		return fmt.Errorf("session %s is %s, not completed", sessionID, status)
	}
	child.Status = StatusRunning
	child.UpdatedAt = time.Now()
	h.mu.Unlock()

	h.metrics.ChildResumed()
	h.emit(EventStatus, sessionID, map[string]any{"status": string(StatusRunning)})

	h.wg.Add(1)
	go h.runChild(child, message)
	return nil
}

// Terminate cancels a child and removes it from the handler. The session
// cannot be targeted again afterwards.
func (h *Handler) Terminate(sessionID string) error {
	h.mu.Lock()
	child, ok := h.children[sessionID]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("unknown session %s", sessionID)
	}
	wasRunning := child.Status == StatusRunning
	child.Status = StatusTerminated
	child.UpdatedAt = time.Now()
	if child.engine != nil {
		child.engine.Cancel()
	}
	delete(h.children, sessionID)
	h.mu.Unlock()

	if !wasRunning {
		// the loop goroutine already reported its terminal status
		h.emit(EventEnded, sessionID, map[string]any{"status": string(StatusTerminated)})
	}
	return nil
}

// TerminateAll cancels every child and waits for their loops to return.
func (h *Handler) TerminateAll() {
	h.mu.Lock()
	for id, child := range h.children {
		child.Status = StatusTerminated
		if child.engine != nil {
			child.engine.Cancel()
		}
		delete(h.children, id)
	}
	h.mu.Unlock()
	h.wg.Wait()
}

// List returns snapshots of children matching the status filter ("" or
// "all" matches everything), ordered by creation time.
func (h *Handler) List(statusFilter string) []Snapshot {
	h.mu.Lock()
	out := make([]Snapshot, 0, len(h.children))
	for _, child := range h.children {
		if statusFilter != "" && statusFilter != "all" && string(child.Status) != statusFilter {
			continue
		}
		out = append(out, snapshot(child))
	}
	h.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Get returns a snapshot of one child.
func (h *Handler) Get(sessionID string) (Snapshot, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	child, ok := h.children[sessionID]
	if !ok {
		return Snapshot{}, false
	}
	return snapshot(child), true
}

// Cancel requests cooperative cancellation of a running child without
// removing it.
func (h *Handler) Cancel(sessionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	child, ok := h.children[sessionID]
	if !ok || child.engine == nil {
		return false
	}
	child.engine.Cancel()
	return true
}

// ActiveCount reports how many children are currently running.
func (h *Handler) ActiveCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, child := range h.children {
		if child.Status == StatusRunning {
			n++
		}
	}
	return n
}

func snapshot(c *ChildSession) Snapshot {
	return Snapshot{
		ID:        c.ID,
		Prompt:    c.Prompt,
		Model:     c.Model,
		Status:    c.Status,
		Result:    c.Result,
		TokensIn:  c.TokensIn,
		TokensOut: c.TokensOut,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

// SetAPIKey swaps the credential used for subsequent child completions.
// Keys arrive with each user message, not at session construction.
func (h *Handler) SetAPIKey(key string) {
	h.mu.Lock()
	h.cfg.APIKey = key
	h.mu.Unlock()
}

func (h *Handler) apiKey() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cfg.APIKey
}

// iterationBound gives higher-capability models a much larger bound since
// they are expected to do more autonomous work per invocation.
func (h *Handler) iterationBound(model string) int {
	if strings.Contains(model, "haiku") {
		return h.cfg.MaxIterations
	}
	return h.cfg.ChildMaxIterations
}

// autoModes forces every child tool into auto mode: there is no human in
// the loop inside a child session.
func (h *Handler) autoModes() map[string]string {
	modes := make(map[string]string)
	for _, def := range h.tools.List() {
		modes[def.Name] = string(ports.ModeAuto)
	}
	return modes
}

// runChild executes one loop traversal for the child and records its
// terminal state. The context is independent of the parent's connection.
func (h *Handler) runChild(child *ChildSession, prompt string) {
	defer h.wg.Done()

	rec := &childRecorder{forward: h.cfg.Listener}
	eng := agent.NewEngine(h.cfg.LLM, h.tools, autoApprover{}, rec, agent.Config{
		SessionID:           child.ID,
		UserID:              h.cfg.UserID,
		APIKey:              h.apiKey(),
		Model:               child.Model,
		MaxIterations:       h.iterationBound(child.Model),
		SystemPrompt:        h.cfg.ChildSystemPrompt,
		ToolAppendix:        h.cfg.ChildToolAppendix,
		PermissionOverrides: h.autoModes(),
		UsageSink:           h.cfg.UsageSink,
		Logger:              h.logger,
	})

	h.mu.Lock()
	child.engine = eng
	history := append([]ports.Message(nil), child.history...)
	h.mu.Unlock()

	eng.RunBuild(context.Background(), prompt, history)
	in, out := eng.TotalTokens()

	h.mu.Lock()
	child.TokensIn += in
	child.TokensOut += out
	child.UpdatedAt = time.Now()

	status := StatusCompleted
	result := rec.result()
	switch {
	case child.Status == StatusTerminated:
		status = StatusTerminated
	case rec.failed():
		status = StatusError
		result = rec.errorMessage()
	case result == "":
		result = "Build complete."
	}
	child.Status = status
	child.Result = truncate(result, resultLimit)
	// retain a condensed transcript so follow-ups carry prior context
	if status == StatusCompleted {
		child.history = append(child.history,
			ports.Message{Role: "user", Content: prompt},
			ports.Message{Role: "assistant", Content: child.Result},
		)
	}
	h.mu.Unlock()

	h.metrics.ChildFinished(string(status))
	h.emit(EventEnded, child.ID, map[string]any{
		"status":    string(status),
		"tokensIn":  in,
		"tokensOut": out,
	})
	h.logger.Info("child %s finished with status %s (%d in / %d out)", child.ID, status, in, out)
}

func (h *Handler) emit(eventType, sessionID string, payload map[string]any) {
	if h.cfg.Listener != nil {
		h.cfg.Listener.OnEvent(ports.NewEvent(eventType, sessionID, payload))
	}
}

// childRecorder forwards child events to the live connection while
// capturing the final text and any terminal error.
type childRecorder struct {
	forward ports.EventListener

	mu       sync.Mutex
	lastText string
	errMsg   string
}

func (r *childRecorder) OnEvent(ev ports.Event) {
	switch ev.Type {
	case agent.EventThinking:
		if text, ok := ev.Payload["text"].(string); ok {
			r.mu.Lock()
			r.lastText = text
			r.mu.Unlock()
		}
	case agent.EventError:
		if msg, ok := ev.Payload["message"].(string); ok {
			r.mu.Lock()
			r.errMsg = msg
			r.mu.Unlock()
		}
	}
	if r.forward != nil {
		r.forward.OnEvent(ev)
	}
}

func (r *childRecorder) result() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastText
}

func (r *childRecorder) failed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errMsg != ""
}

func (r *childRecorder) errorMessage() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errMsg
}

// autoApprover approves everything. Per-call denial for tools outside a
// child's set never reaches here: those tools are simply absent from the
// child registry.
type autoApprover struct{}

func (autoApprover) RequestApproval(context.Context, *ports.ApprovalRequest) (*ports.ApprovalResponse, error) {
	return &ports.ApprovalResponse{Approved: true}, nil
}

// timedRegistry wraps the child tool registry so every execution is timed
// and reported to the activity sink and metrics.
type timedRegistry struct {
	inner ports.ToolRegistry
	h     *Handler
}

func (r *timedRegistry) Register(tool ports.ToolExecutor) error { return r.inner.Register(tool) }
func (r *timedRegistry) List() []ports.ToolDefinition           { return r.inner.List() }

func (r *timedRegistry) Get(name string) (ports.ToolExecutor, error) {
	tool, err := r.inner.Get(name)
	if err != nil {
		return nil, err
	}
	return &timedExecutor{inner: tool, h: r.h}, nil
}

type timedExecutor struct {
	inner ports.ToolExecutor
	h     *Handler
}

func (e *timedExecutor) Definition() ports.ToolDefinition { return e.inner.Definition() }

func (e *timedExecutor) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	start := time.Now()
	res, err := e.inner.Execute(ctx, call)
	elapsed := time.Since(start)

	success := err == nil && (res == nil || !res.IsError)
	e.h.sink.ToolExecuted(call.SessionID, call.Name, elapsed, success)
	e.h.metrics.ObserveToolCall(call.Name, success, elapsed)
	return res, err
}

func peek(s string) string { return truncate(s, promptPeek) }

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
