package mocks

import (
	"context"
	"fmt"
	"sync"

	"dyno/internal/agent/ports"
)

type MockToolExecutor struct {
	ExecuteFunc    func(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error)
	DefinitionFunc func() ports.ToolDefinition
}

func (m *MockToolExecutor) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	if m.ExecuteFunc != nil {
		return m.ExecuteFunc(ctx, call)
	}
	return &ports.ToolResult{CallID: call.ID, Content: "done"}, nil
}

func (m *MockToolExecutor) Definition() ports.ToolDefinition {
	if m.DefinitionFunc != nil {
		return m.DefinitionFunc()
	}
	return ports.ToolDefinition{Name: "mock_tool", Parameters: ports.ParameterSchema{Type: "object"}}
}

type MockToolRegistry struct {
	RegisterFunc func(tool ports.ToolExecutor) error
	GetFunc      func(name string) (ports.ToolExecutor, error)
	ListFunc     func() []ports.ToolDefinition
}

func (m *MockToolRegistry) Register(tool ports.ToolExecutor) error {
	if m.RegisterFunc != nil {
		return m.RegisterFunc(tool)
	}
	return nil
}

func (m *MockToolRegistry) Get(name string) (ports.ToolExecutor, error) {
	if m.GetFunc != nil {
		return m.GetFunc(name)
	}
	return nil, fmt.Errorf("tool not found: %s", name)
}

func (m *MockToolRegistry) List() []ports.ToolDefinition {
	if m.ListFunc != nil {
		return m.ListFunc()
	}
	return nil
}

type MockApprover struct {
	RequestApprovalFunc func(ctx context.Context, request *ports.ApprovalRequest) (*ports.ApprovalResponse, error)
}

func (m *MockApprover) RequestApproval(ctx context.Context, request *ports.ApprovalRequest) (*ports.ApprovalResponse, error) {
	if m.RequestApprovalFunc != nil {
		return m.RequestApprovalFunc(ctx, request)
	}
	return &ports.ApprovalResponse{Approved: true}, nil
}

// RecordingListener captures events for assertions.
type RecordingListener struct {
	mu     sync.Mutex
	events []ports.Event
}

func (l *RecordingListener) OnEvent(event ports.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

// Events returns a snapshot of everything captured so far.
func (l *RecordingListener) Events() []ports.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ports.Event, len(l.events))
	copy(out, l.events)
	return out
}

// ByType returns captured events of one type, in emission order.
func (l *RecordingListener) ByType(eventType string) []ports.Event {
	var out []ports.Event
	for _, e := range l.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
