package agent

import (
	"context"
	"fmt"

	"dyno/internal/agent/ports"
)

const chatPhaseMaxTokens = 4096

// activateToolsDef is the single gate tool offered in phase 1. The model
// calls it to request the full toolkit; plain text ends the exchange.
var activateToolsDef = ports.ToolDefinition{
	Name: "activate_tools",
	Description: "Call this tool when you need to perform actions such as reading/writing files, " +
		"fetching URLs, or managing memories and webhooks. " +
		"This activates your full toolkit for the current task. " +
		"Do NOT call this for simple conversation, questions, or explanations - " +
		"only when the user's request requires you to interact with the filesystem or external resources.",
	Parameters: ports.ParameterSchema{
		Type: "object",
		Properties: map[string]ports.Property{
			"reason": {Type: "string", Description: "Brief reason why tools are needed for this task"},
		},
		Required: []string{"reason"},
	},
}

// ChatOptions carries the optional chat inputs.
type ChatOptions struct {
	History []ports.Message
	// MemoryContext is prepended to the prompt under a memories heading.
	MemoryContext string
}

// RunChat runs the two-phase exchange. Phase 1 offers only the gate tool;
// a plain-text answer short-circuits to a chat_response. A gate call
// escalates to the full loop, whose terminal event is a chat_response
// that folds in phase 1 token usage. The gate turn itself is not replayed
// into phase 2 history.
func (e *Engine) RunChat(ctx context.Context, prompt string, opts ChatOptions) {
	if opts.MemoryContext != "" {
		prompt = fmt.Sprintf("## User's Selected Memories\n%s\n\n---\n\n%s", opts.MemoryContext, prompt)
	}

	system := e.chatSystemPrompt()
	messages := make([]ports.Message, 0, len(opts.History)+1)
	messages = append(messages, opts.History...)
	messages = append(messages, ports.Message{Role: "user", Content: prompt})

	resp, err := e.llm.Complete(ctx, ports.CompletionRequest{
		System:    system,
		Messages:  messages,
		Tools:     []ports.ToolDefinition{activateToolsDef},
		Model:     e.cfg.Model,
		MaxTokens: chatPhaseMaxTokens,
		APIKey:    e.cfg.APIKey,
	})
	if err != nil {
		e.emit(EventError, map[string]any{"message": err.Error()})
		return
	}

	phase1In, phase1Out := resp.Usage.InputTokens, resp.Usage.OutputTokens
	if e.cfg.UsageSink != nil {
		e.cfg.UsageSink(phase1In, phase1Out)
	}

	var gate *ports.ToolCall
	for i := range resp.ToolCalls {
		if resp.ToolCalls[i].Name == activateToolsDef.Name {
			gate = &resp.ToolCalls[i]
			break
		}
	}

	if gate == nil {
		text := resp.Content
		if text == "" {
			text = "No response."
		}
		e.emit(EventChatResponse, map[string]any{
			"response":  text,
			"tokensIn":  phase1In,
			"tokensOut": phase1Out,
		})
		return
	}

	reason, _ := gate.Arguments["reason"].(string)
	e.logger.Info("session %s: tools activated: %s", e.cfg.SessionID, reason)
	e.emit(EventThinking, map[string]any{"text": "Activating tools: " + reason})

	e.runLoop(ctx, prompt, opts.History, e.fullSystemPrompt(), true, phase1In, phase1Out)
}

// chatSystemPrompt is the phase 1 system: base prompt plus the user id
// line, without the tool appendix.
func (e *Engine) chatSystemPrompt() string {
	system := e.cfg.SystemPrompt
	if e.cfg.UserID != "" {
		system += "\n\nThe current user's ID is: " + e.cfg.UserID
	}
	return system
}
