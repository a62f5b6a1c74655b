package tools

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"dyno/internal/agent/ports"
	"dyno/internal/store"
)

type registerWebhookTool struct{ store *store.Store }

func (t *registerWebhookTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	name := strings.TrimSpace(stringArg(call.Arguments, "endpoint_name"))
	if name == "" {
		return errResult(call.ID, "endpoint_name is required"), nil
	}
	if call.UserID == "" {
		return errResult(call.ID, "no user bound to this call"), nil
	}
	provider := stringArg(call.Arguments, "provider")
	if provider == "" {
		provider = "generic"
	}
	mode := stringArg(call.Arguments, "mode")
	if mode == "" {
		mode = "wake"
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return errResult(call.ID, "generate secret: %v", err), nil
	}
	secret := hex.EncodeToString(buf)

	err := t.store.UpsertWebhookEndpoint(ctx, store.WebhookEndpoint{
		UserID: call.UserID, Name: name, Secret: secret, Provider: provider,
		Mode: mode, Instructions: stringArg(call.Arguments, "instructions"), Enabled: true,
	})
	if err != nil {
		return errResult(call.ID, "register webhook: %v", err), nil
	}
	return &ports.ToolResult{
		CallID: call.ID,
		Content: fmt.Sprintf(
			"Webhook endpoint '%s' registered.\nURL: /webhook/%s/%s\nSecret: %s\n\n"+
				"Callers must include the header:\n"+
				"  X-Webhook-Signature: sha256=<HMAC-SHA256 hex digest of the request body using the secret>",
			name, call.UserID, name, secret),
	}, nil
}

func (t *registerWebhookTool) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name: "register_webhook",
		Description: "Register (or rotate the secret of) an inbound webhook endpoint. " +
			"Returns the URL and the shared secret callers must sign payloads with.",
		DefaultMode: ports.ModeManual,
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"endpoint_name": {Type: "string", Description: "Short name for the endpoint, e.g. 'github'"},
				"provider":      {Type: "string", Description: "Signature scheme: generic, github, or stripe", Enum: []any{"generic", "github", "stripe"}},
				"mode":          {Type: "string", Description: "wake runs the agent on each delivery; direct only queues payloads for polling", Enum: []any{"wake", "direct"}},
				"instructions":  {Type: "string", Description: "What the agent should do when this webhook fires (wake mode)"},
			},
			Required: []string{"endpoint_name"},
		},
	}
}

type listWebhooksTool struct{ store *store.Store }

func (t *listWebhooksTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	if call.UserID == "" {
		return errResult(call.ID, "no user bound to this call"), nil
	}
	endpoints, err := t.store.ListWebhookEndpoints(ctx, call.UserID)
	if err != nil {
		return errResult(call.ID, "list webhooks: %v", err), nil
	}
	if len(endpoints) == 0 {
		return &ports.ToolResult{CallID: call.ID, Content: "No webhook endpoints registered."}, nil
	}
	var b strings.Builder
	b.WriteString("Registered webhooks:\n")
	for _, ep := range endpoints {
		status := "enabled"
		if !ep.Enabled {
			status = "disabled"
		}
		fmt.Fprintf(&b, "  %s (%s, %s, %s mode)\n    URL: /webhook/%s/%s\n",
			ep.Name, status, ep.Provider, ep.Mode, ep.UserID, ep.Name)
	}
	return &ports.ToolResult{CallID: call.ID, Content: strings.TrimRight(b.String(), "\n")}, nil
}

func (t *listWebhooksTool) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "list_webhooks",
		Description: "List the user's registered webhook endpoints.",
		DefaultMode: ports.ModeAuto,
		Parameters:  ports.ParameterSchema{Type: "object", Properties: map[string]ports.Property{}},
	}
}

type pollWebhooksTool struct{ store *store.Store }

func (t *pollWebhooksTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	if call.UserID == "" {
		return errResult(call.ID, "no user bound to this call"), nil
	}
	endpoint := stringArg(call.Arguments, "endpoint_name")
	var deliveries []store.WebhookDelivery
	var err error
	if boolArg(call.Arguments, "peek") {
		// Peek shows recent deliveries, processed or not, without claiming them.
		deliveries, err = t.store.ListDeliveries(ctx, call.UserID, endpoint, time.Now().Add(-24*time.Hour), 20)
	} else {
		deliveries, err = t.store.ClaimUnprocessedDeliveries(ctx, call.UserID, endpoint)
	}
	if err != nil {
		return errResult(call.ID, "poll webhooks: %v", err), nil
	}
	if len(deliveries) == 0 {
		return &ports.ToolResult{CallID: call.ID, Content: "No unprocessed webhooks."}, nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d webhook(s) received:\n\n", len(deliveries))
	for _, d := range deliveries {
		fmt.Fprintf(&b, "--- [%s] received at %s ---\n%s\n\n",
			d.Endpoint, d.ReceivedAt.UTC().Format(time.RFC3339), string(d.Body))
	}
	return &ports.ToolResult{CallID: call.ID, Content: strings.TrimRight(b.String(), "\n")}, nil
}

func (t *pollWebhooksTool) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "poll_webhooks",
		Description: "Fetch unprocessed inbound webhook payloads and mark them processed. Optionally filter by endpoint_name.",
		DefaultMode: ports.ModeAuto,
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"endpoint_name": {Type: "string", Description: "Filter to a specific endpoint (optional)"},
				"peek":          {Type: "boolean", Description: "List the last 24h of deliveries without marking them processed"},
			},
		},
	}
}

type getWebhookConfigTool struct{ store *store.Store }

func (t *getWebhookConfigTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	if call.UserID == "" {
		return errResult(call.ID, "no user bound to this call"), nil
	}
	cfg, err := t.store.GetWebhookConfig(ctx, call.UserID)
	if err != nil {
		return errResult(call.ID, "get webhook config: %v", err), nil
	}
	capStr := "unlimited"
	if cfg.HourlyTokenCap != nil {
		capStr = fmt.Sprintf("%d tokens", *cfg.HourlyTokenCap)
	}
	return &ports.ToolResult{
		CallID: call.ID,
		Content: fmt.Sprintf("Webhook config:\n  Hourly token cap: %s\n  Rate limit: %d webhooks/hour",
			capStr, cfg.RateLimitPerHour),
	}, nil
}

func (t *getWebhookConfigTool) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "get_webhook_config",
		Description: "Get the user's webhook security config (hourly token cap, rate limit).",
		DefaultMode: ports.ModeAuto,
		Parameters:  ports.ParameterSchema{Type: "object", Properties: map[string]ports.Property{}},
	}
}

type setWebhookConfigTool struct{ store *store.Store }

func (t *setWebhookConfigTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	if call.UserID == "" {
		return errResult(call.ID, "no user bound to this call"), nil
	}
	cfg, err := t.store.GetWebhookConfig(ctx, call.UserID)
	if err != nil {
		return errResult(call.ID, "get webhook config: %v", err), nil
	}

	var changes []string
	if raw, ok := call.Arguments["hourly_token_cap"]; ok {
		if raw == nil {
			cfg.HourlyTokenCap = nil
			changes = append(changes, "hourly token cap -> unlimited")
		} else if n, ok := raw.(float64); ok {
			v := int(n)
			cfg.HourlyTokenCap = &v
			changes = append(changes, fmt.Sprintf("hourly token cap -> %d", v))
		}
	}
	if n, ok := call.Arguments["rate_limit_per_hour"].(float64); ok {
		rate := int(n)
		if rate < 1 || rate > 10000 {
			return errResult(call.ID, "rate_limit_per_hour must be between 1 and 10000"), nil
		}
		cfg.RateLimitPerHour = rate
		changes = append(changes, fmt.Sprintf("rate limit -> %d/hour", rate))
	}
	if len(changes) == 0 {
		return errResult(call.ID, "nothing to change: pass hourly_token_cap and/or rate_limit_per_hour"), nil
	}

	if err := t.store.SetWebhookConfig(ctx, call.UserID, cfg); err != nil {
		return errResult(call.ID, "set webhook config: %v", err), nil
	}
	return &ports.ToolResult{CallID: call.ID, Content: "Webhook config updated: " + strings.Join(changes, ", ")}, nil
}

func (t *setWebhookConfigTool) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name: "set_webhook_config",
		Description: "Configure webhook security settings. Set hourly_token_cap to limit how many tokens " +
			"headless webhook processing can use per hour (null = unlimited). Set rate_limit_per_hour to " +
			"limit inbound webhooks per hour. When the token cap is hit, webhooks are queued but the agent " +
			"is NOT triggered; they are processed on the user's next interaction.",
		DefaultMode: ports.ModeManual,
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"hourly_token_cap":    {Type: "integer", Description: "Max total tokens per hour for headless processing; null for unlimited"},
				"rate_limit_per_hour": {Type: "integer", Description: "Max inbound webhooks accepted per hour (1-10000)"},
			},
		},
	}
}

type deleteWebhookTool struct{ store *store.Store }

func (t *deleteWebhookTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	name := strings.TrimSpace(stringArg(call.Arguments, "endpoint_name"))
	if name == "" {
		return errResult(call.ID, "endpoint_name is required"), nil
	}
	if call.UserID == "" {
		return errResult(call.ID, "no user bound to this call"), nil
	}
	if err := t.store.DeleteWebhookEndpoint(ctx, call.UserID, name); err != nil {
		return errResult(call.ID, "delete webhook: %v", err), nil
	}
	return &ports.ToolResult{CallID: call.ID, Content: fmt.Sprintf("Webhook endpoint '%s' deleted.", name)}, nil
}

func (t *deleteWebhookTool) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "delete_webhook",
		Description: "Delete a webhook endpoint. Inbound calls to it will 404 afterwards.",
		DefaultMode: ports.ModeManual,
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"endpoint_name": {Type: "string", Description: "The endpoint name to delete"},
			},
			Required: []string{"endpoint_name"},
		},
	}
}
