// Package mocks provides function-field test doubles for the ports
// interfaces. Unset fields fall back to harmless defaults.
package mocks

import (
	"context"

	"dyno/internal/agent/ports"
)

type MockLLMClient struct {
	CompleteFunc func(ctx context.Context, req ports.CompletionRequest) (*ports.CompletionResponse, error)
	ModelFunc    func() string

	// Requests records every call in order. Not synchronized; use from a
	// single goroutine or behind CompleteFunc.
	Requests []ports.CompletionRequest
}

func (m *MockLLMClient) Complete(ctx context.Context, req ports.CompletionRequest) (*ports.CompletionResponse, error) {
	m.Requests = append(m.Requests, req)
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, req)
	}
	return &ports.CompletionResponse{
		Content:    "ok",
		StopReason: "end_turn",
		Usage:      ports.TokenUsage{InputTokens: 10, OutputTokens: 5},
	}, nil
}

func (m *MockLLMClient) Model() string {
	if m.ModelFunc != nil {
		return m.ModelFunc()
	}
	return "mock-model"
}

// ScriptedLLM returns a client that replays the given responses in order,
// repeating the last one when the script runs out.
func ScriptedLLM(responses ...*ports.CompletionResponse) *MockLLMClient {
	i := 0
	return &MockLLMClient{
		CompleteFunc: func(ctx context.Context, req ports.CompletionRequest) (*ports.CompletionResponse, error) {
			if i >= len(responses) {
				return responses[len(responses)-1], nil
			}
			resp := responses[i]
			i++
			return resp, nil
		},
	}
}
