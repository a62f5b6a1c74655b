package agent

import (
	"context"
	"encoding/json"
	"math"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"dyno/internal/agent/ports"
)

const planMaxTokens = 1024

const planSystemPrompt = `You are a build planner for an AI agent that works inside a user workspace.

The agent has access to these tools:
- read_file: read a workspace file (auto, no approval needed)
- list_files: list workspace files (auto, no approval needed)
- fetch_url: fetch content from a URL (auto, no approval needed)
- recall_memories, list_webhooks, poll_webhooks: read-only lookups (auto)
- write_file: create/overwrite a workspace file (requires user approval)
- modify_file: replace a string in a workspace file (requires user approval)
- save_memory, delete_memory, register_webhook, delete_webhook (require user approval)

Given a user's build request, analyze it and return a JSON build plan.

Respond with ONLY valid JSON matching this schema:
{
  "summary": "One-sentence description of what will be built",
  "steps": [
    {"tool": "tool_name", "target": "filename or resource", "description": "what this step does"}
  ],
  "files": ["list of files that will be created or modified"],
  "estimatedIterations": <number of agent loop iterations needed>,
  "estimatedInputTokens": <total input tokens across all iterations, accounting for growing context>,
  "estimatedOutputTokens": <total output tokens across all iterations>,
  "complexity": "trivial | simple | moderate | complex | ambitious",
  "reasoning": "Brief explanation of why this complexity level and token estimate"
}

Be accurate with token estimates. Consider:
- System prompt + tool definitions = ~800 tokens overhead per call
- Each iteration resends the full conversation history (growing context)
- write_file for a typical code file = ~300-800 output tokens
- A simple single-file task = 2-3 iterations, ~3k-6k total tokens
- A moderate multi-file task = 4-7 iterations, ~10k-25k total tokens
- A complex task = 8-15 iterations, ~30k-60k total tokens`

var fencedJSONPattern = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// RunPlan asks the model for a structured build plan and emits a
// plan_result with cost estimates. It never escalates to the tool loop.
func (e *Engine) RunPlan(ctx context.Context, prompt string) {
	resp, err := e.llm.Complete(ctx, ports.CompletionRequest{
		System:    planSystemPrompt,
		Messages:  []ports.Message{{Role: "user", Content: prompt}},
		Model:     e.cfg.Model,
		MaxTokens: planMaxTokens,
		APIKey:    e.cfg.APIKey,
	})
	if err != nil {
		e.emit(EventError, map[string]any{"message": err.Error()})
		return
	}

	planIn, planOut := resp.Usage.InputTokens, resp.Usage.OutputTokens
	if e.cfg.UsageSink != nil {
		e.cfg.UsageSink(planIn, planOut)
	}

	plan := e.parsePlan(strings.TrimSpace(resp.Content))

	estIn := asInt(plan["estimatedInputTokens"])
	estOut := asInt(plan["estimatedOutputTokens"])
	plan["estimatedCost"] = roundCost(e.cost(estIn, estOut))

	e.emit(EventPlanResult, map[string]any{
		"plan":          plan,
		"planTokensIn":  planIn,
		"planTokensOut": planOut,
		"planCost":      roundCost(e.cost(planIn, planOut)),
	})
}

// parsePlan decodes the model's JSON, trying in order: direct parse,
// fenced code block extraction, jsonrepair.
func (e *Engine) parsePlan(text string) map[string]any {
	var plan map[string]any
	if err := json.Unmarshal([]byte(text), &plan); err == nil {
		return plan
	}
	if m := fencedJSONPattern.FindStringSubmatch(text); m != nil {
		if err := json.Unmarshal([]byte(m[1]), &plan); err == nil {
			return plan
		}
	}
	if repaired, err := jsonrepair.JSONRepair(text); err == nil {
		if err := json.Unmarshal([]byte(repaired), &plan); err == nil {
			return plan
		}
	}
	e.logger.Warn("session %s: unparseable plan response", e.cfg.SessionID)
	return map[string]any{"error": "Failed to parse plan", "raw": truncate(text, 500)}
}

func (e *Engine) cost(tokensIn, tokensOut int) float64 {
	return float64(tokensIn)*e.cfg.InputPricePerMTok/1e6 + float64(tokensOut)*e.cfg.OutputPricePerMTok/1e6
}

func roundCost(c float64) float64 {
	return math.Round(c*1e5) / 1e5
}

func asInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case string:
		var f float64
		if err := json.Unmarshal([]byte(n), &f); err == nil {
			return int(f)
		}
	}
	return 0
}
