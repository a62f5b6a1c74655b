package ports

import "context"

// ApprovalRequest asks the user to approve one proposed tool call.
type ApprovalRequest struct {
	ToolCallID string
	ToolName   string
	Arguments  map[string]any
	SessionID  string
}

// ApprovalResponse is the user's decision. EditedInput, when non-nil,
// replaces the proposed arguments on execution.
type ApprovalResponse struct {
	Approved    bool
	EditedInput map[string]any
	Reason      string
}

// Approver resolves approval requests for manual-mode tools. A request
// blocks until the user decides, the timeout fires, or ctx is cancelled.
type Approver interface {
	RequestApproval(ctx context.Context, request *ApprovalRequest) (*ApprovalResponse, error)
}
