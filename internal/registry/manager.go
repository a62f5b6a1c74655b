// Package registry owns the per-user session map: creation coalescing,
// idle sweeping, prompt fan-out, and the secret fast path.
package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"dyno/internal/agent"
	"dyno/internal/agent/ports"
	"dyno/internal/channel"
	"dyno/internal/layout"
	"dyno/internal/logging"
	"dyno/internal/orchestrator"
	"dyno/internal/store"
)

const (
	defaultIdleTTL       = 30 * time.Minute
	defaultSweepInterval = 5 * time.Minute
)

// ContextSource provides the two context documents fetched during
// session creation: the base system prompt and the tool appendix.
type ContextSource interface {
	SystemPrompt(ctx context.Context) (string, error)
	ToolDescriptions(ctx context.Context) (string, error)
}

// StaticContext is a ContextSource over fixed strings.
type StaticContext struct {
	Prompt string
	Tools  string
}

func (s StaticContext) SystemPrompt(context.Context) (string, error)     { return s.Prompt, nil }
func (s StaticContext) ToolDescriptions(context.Context) (string, error) { return s.Tools, nil }

// childOrchestrationTools are the orchestrator queries a child may run.
// Spawning and termination stay with the parent.
var childOrchestrationTools = map[string]bool{
	"list_children":      true,
	"get_session_status": true,
	"get_child_details":  true,
}

// Config wires a Manager.
type Config struct {
	Store     *store.Store
	LLM       ports.LLMClient
	Layout    *layout.Store
	BaseTools ports.ToolRegistry
	Context   ContextSource
	Secrets   *Secrets

	WorkspaceRoot   string
	ApprovalTimeout time.Duration

	Model              string
	ChildModel         string
	MaxTokens          int
	MaxIterations      int
	ChildMaxIterations int

	PermissionOverrides map[string]string
	InputPricePerMTok   float64
	OutputPricePerMTok  float64

	IdleTTL       time.Duration
	SweepInterval time.Duration

	ChildMetrics *orchestrator.Metrics
	Logger       logging.Logger
}

// Manager owns the session map. All map writes happen here; sessions
// are handed out by pointer and stay valid until the sweep removes
// them.
type Manager struct {
	cfg    Config
	logger logging.Logger
	group  singleflight.Group

	mu       sync.RWMutex
	sessions map[string]*Session
	prompt   string
	appendix string
	closed   bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager builds a manager and starts the idle sweeper.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil || cfg.LLM == nil || cfg.Layout == nil || cfg.BaseTools == nil {
		return nil, errors.New("registry: store, llm, layout, and base tools are required")
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = defaultIdleTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.Context == nil {
		cfg.Context = StaticContext{}
	}
	if cfg.Secrets == nil {
		cfg.Secrets = NewSecrets(cfg.Store, cfg.Logger)
	}

	m := &Manager{
		cfg:      cfg,
		logger:   logging.OrNop(cfg.Logger),
		sessions: make(map[string]*Session),
		stop:     make(chan struct{}),
	}
	m.wg.Add(1)
	go m.sweepLoop()
	return m, nil
}

// Get returns the live session for a user without creating one.
func (m *Manager) Get(userID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[userID]
	return s, ok
}

// GetOrCreate returns the user's session, creating and registering it
// on first use. Concurrent calls for the same uninitialized user
// coalesce onto one creation; the in-flight marker clears once creation
// settles, success or failure.
func (m *Manager) GetOrCreate(ctx context.Context, userID string) (*Session, error) {
	if userID == "" {
		return nil, errors.New("registry: empty user id")
	}
	if s, ok := m.Get(userID); ok {
		s.Touch()
		return s, nil
	}

	v, err, _ := m.group.Do(userID, func() (any, error) {
		if s, ok := m.Get(userID); ok {
			return s, nil
		}
		return m.create(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	s := v.(*Session)
	s.Touch()
	return s, nil
}

func (m *Manager) create(ctx context.Context, userID string) (*Session, error) {
	workspace := filepath.Join(m.cfg.WorkspaceRoot, userID)

	// Workspace provisioning and default seeding are independent; run
	// them in parallel before the session is assembled.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := os.MkdirAll(workspace, 0o755); err != nil {
			return fmt.Errorf("provision workspace: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return m.seedLayout(gctx, userID)
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("registry: create session for %s: %w", userID, err)
	}

	prompt, appendix, err := m.contextDocs(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: context docs for %s: %w", userID, err)
	}

	ch := channel.New(m.cfg.ApprovalTimeout, m.logger)
	parentTools := newOverlay(m.cfg.BaseTools)
	childTools := newOverlay(m.cfg.BaseTools)

	apiKey, _ := m.cfg.Secrets.APIKey(ctx, userID)
	children := orchestrator.NewHandler(orchestrator.Config{
		LLM:                m.cfg.LLM,
		ChildTools:         childTools,
		Listener:           ch,
		Metrics:            m.cfg.ChildMetrics,
		UserID:             userID,
		APIKey:             apiKey,
		DefaultModel:       m.cfg.ChildModel,
		ChildSystemPrompt:  prompt,
		ChildToolAppendix:  appendix,
		MaxIterations:      m.cfg.MaxIterations,
		ChildMaxIterations: m.cfg.ChildMaxIterations,
		UsageSink: func(in, out int) {
			m.recordUsage(userID, "children", in, out)
		},
		Logger: m.logger,
	})

	for _, t := range children.Tools() {
		if err := parentTools.Register(t); err != nil {
			return nil, fmt.Errorf("registry: register %s: %w", t.Definition().Name, err)
		}
		if childOrchestrationTools[t.Definition().Name] {
			if err := childTools.Register(t); err != nil {
				return nil, fmt.Errorf("registry: register child %s: %w", t.Definition().Name, err)
			}
		}
	}
	dashboardTools := []ports.ToolExecutor{
		&layout.GetLayoutTool{Store: m.cfg.Layout},
		&layout.UIActionTool{Store: m.cfg.Layout},
	}
	for _, t := range dashboardTools {
		if err := parentTools.Register(t); err != nil {
			return nil, fmt.Errorf("registry: register %s: %w", t.Definition().Name, err)
		}
	}
	childDashboard := []ports.ToolExecutor{
		&layout.GetLayoutTool{Store: m.cfg.Layout},
		&layout.UIActionTool{Store: m.cfg.Layout, ChildSafe: true},
	}
	for _, t := range childDashboard {
		if err := childTools.Register(t); err != nil {
			return nil, fmt.Errorf("registry: register child %s: %w", t.Definition().Name, err)
		}
	}

	s := &Session{
		UserID:    userID,
		Workspace: workspace,
		Channel:   ch,
		Children:  children,
		Tools:     parentTools,
		CreatedAt: time.Now(),

		llm:    m.cfg.LLM,
		logger: m.logger,
		agentCfg: agent.Config{
			Model:               m.cfg.Model,
			MaxIterations:       m.cfg.MaxIterations,
			MaxTokens:           m.cfg.MaxTokens,
			PermissionOverrides: m.cfg.PermissionOverrides,
			InputPricePerMTok:   m.cfg.InputPricePerMTok,
			OutputPricePerMTok:  m.cfg.OutputPricePerMTok,
		},
		rememberKey: m.cfg.Secrets.Remember,
		recordUsage: m.recordUsage,

		lastActive:   time.Now(),
		systemPrompt: prompt,
		toolAppendix: appendix,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		children.TerminateAll()
		return nil, errors.New("registry: manager closed")
	}
	m.sessions[userID] = s
	m.mu.Unlock()

	m.logger.Info("registry: created session for %s (workspace %s)", userID, workspace)
	return s, nil
}

// contextDocs resolves the base prompt and tool appendix. Fan-out
// overrides installed via SetSystemPrompt/SetToolDescriptions take
// precedence over the context source.
func (m *Manager) contextDocs(ctx context.Context) (string, string, error) {
	m.mu.RLock()
	prompt, appendix := m.prompt, m.appendix
	m.mu.RUnlock()

	if prompt == "" {
		p, err := m.cfg.Context.SystemPrompt(ctx)
		if err != nil {
			return "", "", fmt.Errorf("system prompt: %w", err)
		}
		prompt = p
	}
	if appendix == "" {
		a, err := m.cfg.Context.ToolDescriptions(ctx)
		if err != nil {
			return "", "", fmt.Errorf("tool descriptions: %w", err)
		}
		appendix = a
	}
	return prompt, appendix, nil
}

// seedLayout persists the default dashboard for a first-time user so
// the client renders something before the first mutation.
func (m *Manager) seedLayout(ctx context.Context, userID string) error {
	_, err := m.cfg.Store.GetLayout(ctx, userID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("seed layout: %w", err)
	}
	l := layout.Default()
	data, err := l.Marshal()
	if err != nil {
		return fmt.Errorf("seed layout: %w", err)
	}
	if err := m.cfg.Store.SaveLayout(ctx, userID, data); err != nil {
		return fmt.Errorf("seed layout: %w", err)
	}
	return nil
}

// SetSystemPrompt replaces the base prompt for new sessions and fans
// the change out to every live session synchronously.
func (m *Manager) SetSystemPrompt(prompt string) {
	m.mu.Lock()
	m.prompt = prompt
	sessions := m.snapshotLocked()
	m.mu.Unlock()
	for _, s := range sessions {
		s.SetSystemPrompt(prompt)
	}
}

// SetToolDescriptions replaces the tool appendix for new sessions and
// fans the change out to every live session synchronously.
func (m *Manager) SetToolDescriptions(appendix string) {
	m.mu.Lock()
	m.appendix = appendix
	sessions := m.snapshotLocked()
	m.mu.Unlock()
	for _, s := range sessions {
		s.SetToolDescriptions(appendix)
	}
}

func (m *Manager) snapshotLocked() []*Session {
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// NotifyLayout forwards a committed layout mutation to the user's live
// connection as a ui_mutation event. Wired as the layout store's
// notify hook.
func (m *Manager) NotifyLayout(userID, action string, l layout.Layout) {
	s, ok := m.Get(userID)
	if !ok {
		return
	}
	s.Channel.OnEvent(ports.NewEvent("ui_mutation", "master", map[string]any{
		"action": action,
		"layout": l,
	}))
}

// Listener returns the user's live event listener, nil when the user
// has no session. Used by the webhook waker.
func (m *Manager) Listener(userID string) ports.EventListener {
	s, ok := m.Get(userID)
	if !ok {
		return nil
	}
	return s.Channel
}

// ActiveCount reports the number of live sessions.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) recordUsage(userID, sessionID string, tokensIn, tokensOut int) {
	if err := m.cfg.Store.RecordTokenUsage(context.Background(), userID, sessionID, tokensIn, tokensOut); err != nil {
		m.logger.Warn("registry: record usage for %s: %v", userID, err)
	}
}

// sweepLoop removes sessions idle past the TTL. Removal is a pure map
// deletion; nothing is sent to the client.
func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep(time.Now())
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) sweep(now time.Time) {
	cutoff := now.Add(-m.cfg.IdleTTL)
	m.mu.Lock()
	var removed []string
	for userID, s := range m.sessions {
		if s.LastActive().Before(cutoff) {
			delete(m.sessions, userID)
			removed = append(removed, userID)
		}
	}
	m.mu.Unlock()
	for _, userID := range removed {
		m.logger.Info("registry: swept idle session for %s", userID)
	}
}

// Close stops the sweeper and terminates every session's children.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()

	m.mu.Lock()
	m.closed = true
	sessions := m.snapshotLocked()
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Cancel()
		s.Children.TerminateAll()
	}
}
