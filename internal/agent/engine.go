// Package agent implements the per-session agent loop: the two-phase
// chat entry, the full build loop with gated tool approval, and the plan
// analyzer.
package agent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"dyno/internal/agent/ports"
	"dyno/internal/logging"
	"dyno/internal/tools"
)

const (
	// EventThinking through EventPlanResult are the outbound wire types.
	EventThinking        = "thinking"
	EventToolCall        = "tool_call"
	EventToolResult      = "tool_result"
	EventExecutionResult = "execution_result"
	EventTokenUsage      = "token_usage"
	EventDone            = "done"
	EventChatResponse    = "chat_response"
	EventPlanResult      = "plan_result"
	EventError           = "error"

	deniedMessage      = "User denied this action. Do not retry it."
	resultDisplayLimit = 2000
	summaryLimit       = 200
)

// Config parameterizes one engine instance. An engine serves a single
// session; it is not reused across sessions.
type Config struct {
	SessionID     string
	UserID        string
	APIKey        string
	Model         string
	MaxIterations int
	MaxTokens     int

	// SystemPrompt is the base prompt. ToolAppendix is the tool
	// descriptions block added for the full loop; the pair is kept
	// byte-stable across iterations so upstream prompt caching hits.
	SystemPrompt string
	ToolAppendix string

	// PermissionOverrides forces tools into auto or manual mode.
	PermissionOverrides map[string]string

	// UsageSink, when set, receives every completion's token delta.
	UsageSink func(tokensIn, tokensOut int)

	InputPricePerMTok  float64
	OutputPricePerMTok float64

	Logger logging.Logger
}

// Engine drives the agent loop for one session.
type Engine struct {
	llm      ports.LLMClient
	registry ports.ToolRegistry
	approver ports.Approver
	listener ports.EventListener
	cfg      Config
	logger   logging.Logger

	cancelled atomic.Bool

	mu       sync.Mutex
	totalIn  int
	totalOut int
}

// NewEngine builds an engine. listener and approver must not be nil for
// build/chat runs; plan runs only need the listener.
func NewEngine(llm ports.LLMClient, registry ports.ToolRegistry, approver ports.Approver, listener ports.EventListener, cfg Config) *Engine {
	if cfg.SessionID == "" {
		cfg.SessionID = "master"
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 15
	}
	return &Engine{
		llm:      llm,
		registry: registry,
		approver: approver,
		listener: listener,
		cfg:      cfg,
		logger:   logging.OrNop(cfg.Logger),
	}
}

// Cancel requests cooperative cancellation. The loop observes the flag at
// the next iteration boundary; an in-flight completion or tool call is
// never interrupted.
func (e *Engine) Cancel() {
	e.cancelled.Store(true)
}

// Cancelled reports whether Cancel was called.
func (e *Engine) Cancelled() bool {
	return e.cancelled.Load()
}

// TotalTokens returns cumulative usage for this engine.
func (e *Engine) TotalTokens() (in, out int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalIn, e.totalOut
}

func (e *Engine) emit(eventType string, payload map[string]any) {
	if e.cancelled.Load() && eventType != EventDone && eventType != EventChatResponse {
		return
	}
	if e.listener != nil {
		e.listener.OnEvent(ports.NewEvent(eventType, e.cfg.SessionID, payload))
	}
}

func (e *Engine) recordUsage(usage ports.TokenUsage, iteration int) {
	e.mu.Lock()
	e.totalIn += usage.InputTokens
	e.totalOut += usage.OutputTokens
	totalIn, totalOut := e.totalIn, e.totalOut
	e.mu.Unlock()

	if e.cfg.UsageSink != nil {
		e.cfg.UsageSink(usage.InputTokens, usage.OutputTokens)
	}
	e.emit(EventTokenUsage, map[string]any{
		"deltaIn":   usage.InputTokens,
		"deltaOut":  usage.OutputTokens,
		"totalIn":   totalIn,
		"totalOut":  totalOut,
		"iteration": iteration,
	})
}

// fullSystemPrompt is the phase 2 / build system: base prompt, user id
// line, then the tool appendix. Byte-stable across iterations.
func (e *Engine) fullSystemPrompt() string {
	system := e.chatSystemPrompt()
	if e.cfg.ToolAppendix == "" {
		return system
	}
	if system == "" {
		return e.cfg.ToolAppendix
	}
	return system + "\n\n" + e.cfg.ToolAppendix
}

// RunBuild executes the full agent loop starting from prompt, with
// optional prior history. Terminal states: done, cancelled (a done
// variant), max iterations (also done), or an error event.
func (e *Engine) RunBuild(ctx context.Context, prompt string, history []ports.Message) {
	e.runLoop(ctx, prompt, history, e.fullSystemPrompt(), false, 0, 0)
}

func (e *Engine) runLoop(ctx context.Context, prompt string, history []ports.Message, system string, doneAsChatResponse bool, carryIn, carryOut int) {
	messages := make([]ports.Message, 0, len(history)+1)
	messages = append(messages, history...)
	messages = append(messages, ports.Message{Role: "user", Content: prompt})

	toolDefs := e.registry.List()

	finish := func(summary string) {
		in, out := e.TotalTokens()
		if doneAsChatResponse {
			e.emit(EventChatResponse, map[string]any{
				"response":  summary,
				"tokensIn":  in + carryIn,
				"tokensOut": out + carryOut,
			})
			return
		}
		e.emit(EventDone, map[string]any{
			"summary":   truncate(summary, summaryLimit),
			"tokensIn":  in,
			"tokensOut": out,
		})
	}

	for iteration := 1; iteration <= e.cfg.MaxIterations; iteration++ {
		if e.cancelled.Load() {
			finish("Cancelled.")
			return
		}

		resp, err := e.llm.Complete(ctx, ports.CompletionRequest{
			System:    system,
			Messages:  messages,
			Tools:     toolDefs,
			Model:     e.cfg.Model,
			MaxTokens: e.cfg.MaxTokens,
			APIKey:    e.cfg.APIKey,
		})
		if err != nil {
			e.logger.Warn("session %s iteration %d: completion failed: %v", e.cfg.SessionID, iteration, err)
			e.emit(EventError, map[string]any{"message": fmt.Sprintf("API error: %v", err)})
			return
		}

		e.recordUsage(resp.Usage, iteration)

		if resp.Content != "" {
			e.emit(EventThinking, map[string]any{"text": resp.Content})
		}

		if resp.StopReason != "tool_use" {
			summary := resp.Content
			if summary == "" {
				summary = "Build complete."
			}
			finish(summary)
			return
		}

		results := e.executeToolCalls(ctx, resp.ToolCalls)

		assistantTurn := ports.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls}
		userTurn := ports.Message{Role: "user", ToolResults: results}
		messages = append(messages, assistantTurn, userTurn)
	}

	finish(fmt.Sprintf("Reached maximum iterations (%d).", e.cfg.MaxIterations))
}

// executeToolCalls partitions calls into auto and manual, runs auto calls
// concurrently and manual calls strictly in arrival order, and returns
// results ordered auto-then-manual with original call order within each
// group.
func (e *Engine) executeToolCalls(ctx context.Context, calls []ports.ToolCall) []ports.ToolResult {
	var autoCalls, manualCalls []ports.ToolCall
	for _, call := range calls {
		if e.isAuto(call.Name) {
			autoCalls = append(autoCalls, call)
		} else {
			manualCalls = append(manualCalls, call)
		}
	}

	autoResults := make([]ports.ToolResult, len(autoCalls))
	if len(autoCalls) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		for i, call := range autoCalls {
			g.Go(func() error {
				e.emit(EventToolCall, map[string]any{"id": call.ID, "tool": call.Name, "input": call.Arguments})
				result := e.executeTool(gctx, call)
				e.emit(EventToolResult, map[string]any{
					"id":     call.ID,
					"tool":   call.Name,
					"result": truncate(result.Content, resultDisplayLimit),
				})
				autoResults[i] = result
				return nil
			})
		}
		_ = g.Wait()
	}

	manualResults := make([]ports.ToolResult, 0, len(manualCalls))
	for _, call := range manualCalls {
		e.emit(EventToolCall, map[string]any{"id": call.ID, "tool": call.Name, "input": call.Arguments})
		manualResults = append(manualResults, e.runManualCall(ctx, call))
	}

	return append(autoResults, manualResults...)
}

func (e *Engine) runManualCall(ctx context.Context, call ports.ToolCall) ports.ToolResult {
	denied := ports.ToolResult{CallID: call.ID, Content: deniedMessage, IsError: true}

	if e.cancelled.Load() || e.approver == nil {
		e.emit(EventExecutionResult, map[string]any{"id": call.ID, "status": "denied", "error": deniedMessage})
		return denied
	}

	decision, err := e.approver.RequestApproval(ctx, &ports.ApprovalRequest{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Arguments:  call.Arguments,
		SessionID:  e.cfg.SessionID,
	})
	if err != nil || decision == nil || !decision.Approved {
		// A denial reason from the approver, when present, reaches the
		// model verbatim so it knows the tool is unavailable rather
		// than user-denied.
		message := deniedMessage
		if decision != nil && decision.Reason != "" {
			message = decision.Reason
		}
		e.emit(EventExecutionResult, map[string]any{"id": call.ID, "status": "denied", "error": message})
		return ports.ToolResult{CallID: call.ID, Content: message, IsError: true}
	}

	if decision.EditedInput != nil {
		call.Arguments = decision.EditedInput
	}
	result := e.executeTool(ctx, call)
	e.emit(EventExecutionResult, map[string]any{
		"id":     call.ID,
		"status": "completed",
		"result": truncate(result.Content, resultDisplayLimit),
	})
	return result
}

// executeTool resolves and runs one call. Failures come back as error
// results for the model, never as loop-ending errors.
func (e *Engine) executeTool(ctx context.Context, call ports.ToolCall) ports.ToolResult {
	call.SessionID = e.cfg.SessionID
	call.UserID = e.cfg.UserID

	tool, err := e.registry.Get(call.Name)
	if err != nil {
		return ports.ToolResult{CallID: call.ID, Content: fmt.Sprintf("Error: Unknown tool: %s", call.Name), IsError: true}
	}
	result, err := tool.Execute(ctx, call)
	if err != nil {
		return ports.ToolResult{CallID: call.ID, Content: fmt.Sprintf("Error executing %s: %v", call.Name, err), IsError: true}
	}
	if result == nil {
		return ports.ToolResult{CallID: call.ID, Content: ""}
	}
	result.CallID = call.ID
	return *result
}

func (e *Engine) isAuto(toolName string) bool {
	tool, err := e.registry.Get(toolName)
	if err != nil {
		return false
	}
	return tools.ResolveMode(tool.Definition(), e.cfg.PermissionOverrides) == ports.ModeAuto
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
