package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"dyno/internal/agent"
	"dyno/internal/agent/ports"
	"dyno/internal/channel"
	"dyno/internal/logging"
	"dyno/internal/orchestrator"
)

// Session is one user's long-lived agent context: their approval
// channel, tool registry, child orchestrator, and workspace. Traversals
// (chat/build/plan) are transient; the session outlives them until the
// idle sweep removes it.
type Session struct {
	UserID    string
	Workspace string
	Channel   *channel.Channel
	Children  *orchestrator.Handler
	Tools     ports.ToolRegistry
	CreatedAt time.Time

	llm         ports.LLMClient
	logger      logging.Logger
	agentCfg    agent.Config
	rememberKey func(ctx context.Context, userID, apiKey string)
	recordUsage func(userID, sessionID string, tokensIn, tokensOut int)

	mu           sync.Mutex
	lastActive   time.Time
	systemPrompt string
	toolAppendix string
	engine       *agent.Engine
}

// Touch refreshes the idle clock.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// LastActive returns the most recent activity timestamp.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// SetSystemPrompt replaces the base prompt for subsequent traversals.
func (s *Session) SetSystemPrompt(prompt string) {
	s.mu.Lock()
	s.systemPrompt = prompt
	s.mu.Unlock()
}

// SetToolDescriptions replaces the tool appendix for subsequent
// traversals.
func (s *Session) SetToolDescriptions(appendix string) {
	s.mu.Lock()
	s.toolAppendix = appendix
	s.mu.Unlock()
}

// newEngine builds the engine for one primary traversal. The engine is
// retained so Cancel can reach the in-flight loop.
func (s *Session) newEngine(apiKey string) *agent.Engine {
	s.mu.Lock()
	cfg := s.agentCfg
	cfg.SystemPrompt = s.systemPrompt
	cfg.ToolAppendix = s.toolAppendix
	s.mu.Unlock()

	cfg.SessionID = "master"
	cfg.UserID = s.UserID
	cfg.APIKey = apiKey
	cfg.UsageSink = func(in, out int) {
		if s.recordUsage != nil {
			s.recordUsage(s.UserID, "master", in, out)
		}
	}
	cfg.Logger = s.logger

	eng := agent.NewEngine(s.llm, s.Tools, s.Channel, s.Channel, cfg)
	s.mu.Lock()
	s.engine = eng
	s.mu.Unlock()
	return eng
}

func (s *Session) adoptKey(ctx context.Context, apiKey string) {
	if apiKey == "" {
		return
	}
	s.Children.SetAPIKey(apiKey)
	if s.rememberKey != nil {
		s.rememberKey(ctx, s.UserID, apiKey)
	}
}

// RunChat runs one two-phase chat traversal. Blocks until terminal; the
// caller runs it on the connection's goroutine or its own.
func (s *Session) RunChat(ctx context.Context, prompt, apiKey string, opts agent.ChatOptions) {
	s.Touch()
	s.adoptKey(ctx, apiKey)
	s.newEngine(apiKey).RunChat(ctx, prompt, opts)
	s.Touch()
}

// RunBuild runs one full-loop traversal. Attachment references are
// appended to the prompt under an attached-context heading.
func (s *Session) RunBuild(ctx context.Context, prompt, apiKey string, attachments []string) {
	s.Touch()
	s.adoptKey(ctx, apiKey)
	s.newEngine(apiKey).RunBuild(ctx, withAttachments(prompt, attachments), nil)
	s.Touch()
}

// RunPlan asks for a structured build plan without entering the loop.
func (s *Session) RunPlan(ctx context.Context, prompt, apiKey string) {
	s.Touch()
	s.adoptKey(ctx, apiKey)
	s.newEngine(apiKey).RunPlan(ctx, prompt)
	s.Touch()
}

// Cancel flags the primary traversal and denies every pending approval
// so the loop unblocks at the next boundary.
func (s *Session) Cancel() {
	s.mu.Lock()
	eng := s.engine
	s.mu.Unlock()
	if eng != nil {
		eng.Cancel()
	}
	s.Channel.DenyAll()
}

func withAttachments(prompt string, attachments []string) string {
	if len(attachments) == 0 {
		return prompt
	}
	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\n## Attached Context\nThe user attached these files and links for this task:\n")
	for _, a := range attachments {
		fmt.Fprintf(&b, "- %s\n", a)
	}
	return b.String()
}
