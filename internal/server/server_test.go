package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dyno/internal/agent/ports"
	"dyno/internal/agent/ports/mocks"
	"dyno/internal/layout"
	"dyno/internal/registry"
	"dyno/internal/store"
	"dyno/internal/tools"
	"dyno/internal/webhook"
)

type testGateway struct {
	server *Server
	http   *httptest.Server
	store  *store.Store
	llm    *mocks.MockLLMClient
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "data"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	base, err := tools.NewRegistry(tools.Config{
		WorkspaceRoot: filepath.Join(dir, "workspaces"),
		Store:         st,
	})
	require.NoError(t, err)

	ls := layout.NewStore(st, nil, nil)
	t.Cleanup(ls.Close)

	llm := &mocks.MockLLMClient{}
	mgr, err := registry.NewManager(registry.Config{
		Store:         st,
		LLM:           llm,
		Layout:        ls,
		BaseTools:     base,
		Context:       registry.StaticContext{Prompt: "Base prompt.", Tools: "Tool appendix."},
		WorkspaceRoot: filepath.Join(dir, "workspaces"),
	})
	require.NoError(t, err)
	t.Cleanup(mgr.Close)

	reg := prometheus.NewRegistry()
	metrics := webhook.MustNewMetrics(reg)
	waker := webhook.NewWaker(webhook.WakeConfig{
		Store: st,
		LLM:   llm,
		Tools: base,
		APIKey: func(ctx context.Context, userID string) (string, error) {
			return st.GetAPIKey(ctx, userID)
		},
		Listener: mgr.Listener,
		Model:    "test-model",
		Metrics:  metrics,
	})
	admission := webhook.NewAdmission(st, nil, metrics, nil)

	srv := New(Config{
		Addr:          ":0",
		InternalToken: "internal-secret",
		Manager:       mgr,
		Admission:     admission,
		Waker:         waker,
		BaseTools:     base,
		SystemPrompt:  "Base prompt.",
		ToolAppendix:  "Tool appendix.",
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testGateway{server: srv, http: ts, store: st, llm: llm}
}

func (g *testGateway) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(g.http.URL, "http") + "/ws?userId=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn, eventType string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	require.NoError(t, conn.SetReadDeadline(deadline))
	for {
		var event map[string]any
		require.NoError(t, conn.ReadJSON(&event), "waiting for %s", eventType)
		if event["type"] == eventType {
			return event
		}
	}
}

func TestHealthReportsToolsAndOverhead(t *testing.T) {
	g := newTestGateway(t)

	resp, err := http.Get(g.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health struct {
		Status         string `json:"status"`
		ActiveSessions int    `json:"activeSessions"`
		Uptime         string `json:"uptime"`
		PromptOverhead struct {
			SystemChars          int `json:"systemChars"`
			SystemWithToolsChars int `json:"systemWithToolsChars"`
			SystemTokens         int `json:"systemTokens"`
		} `json:"promptOverhead"`
		Tools []struct {
			Name string `json:"name"`
			Mode string `json:"mode"`
		} `json:"tools"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))

	assert.Equal(t, "ok", health.Status)
	assert.NotEmpty(t, health.Uptime)
	assert.Greater(t, health.PromptOverhead.SystemWithToolsChars, health.PromptOverhead.SystemChars)
	assert.Greater(t, health.PromptOverhead.SystemTokens, 0)

	modes := make(map[string]string)
	for _, tool := range health.Tools {
		modes[tool.Name] = tool.Mode
	}
	assert.Equal(t, "auto", modes["read_file"])
	assert.Equal(t, "manual", modes["write_file"])
	assert.Equal(t, "auto", modes["recall_memories"])
}

func TestWebhookIngestion(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	require.NoError(t, g.store.UpsertWebhookEndpoint(ctx, store.WebhookEndpoint{
		UserID: "u1", Name: "github", Secret: "shh", Mode: "direct", Enabled: true,
	}))

	body := []byte(`{"ref":"refs/heads/main"}`)
	p := webhook.ProviderByName("generic")
	req, err := http.NewRequest(http.MethodPost, g.http.URL+"/webhook/u1/github", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(p.SignatureHeader, p.Sign("", body, "shh"))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Unsigned request is rejected.
	resp, err = http.Post(g.http.URL+"/webhook/u1/github", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Post(g.http.URL+"/webhook/u1/nope", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebhookNotifyRequiresBearerToken(t *testing.T) {
	g := newTestGateway(t)
	payload := []byte(`{"userId":"u1","endpointName":"github"}`)

	req, _ := http.NewRequest(http.MethodPost, g.http.URL+"/internal/webhook-notify", bytes.NewReader(payload))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ = http.NewRequest(http.MethodPost, g.http.URL+"/internal/webhook-notify", bytes.NewReader(payload))
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ = http.NewRequest(http.MethodPost, g.http.URL+"/internal/webhook-notify", bytes.NewReader(payload))
	req.Header.Set("Authorization", "Bearer internal-secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebSocketPingPong(t *testing.T) {
	g := newTestGateway(t)
	conn := g.dial(t, "u1")

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "ping"}))
	pong := readEvent(t, conn, "pong")
	assert.NotEmpty(t, pong["uptime"])
	assert.EqualValues(t, 1, pong["activeSessions"])
}

func TestWebSocketChatYieldsChatResponse(t *testing.T) {
	g := newTestGateway(t)
	g.llm.CompleteFunc = func(_ context.Context, req ports.CompletionRequest) (*ports.CompletionResponse, error) {
		return &ports.CompletionResponse{
			Content:    "Four.",
			StopReason: "end_turn",
			Usage:      ports.TokenUsage{InputTokens: 20, OutputTokens: 5},
		}, nil
	}
	conn := g.dial(t, "u1")

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":   "chat",
		"prompt": "What's 2+2?",
		"apiKey": "sk-test",
	}))
	event := readEvent(t, conn, "chat_response")
	assert.Equal(t, "Four.", event["response"])
	assert.Equal(t, "master", event["sessionId"])
}

func TestWebSocketUnknownTypeReturnsError(t *testing.T) {
	g := newTestGateway(t)
	conn := g.dial(t, "u1")

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "teleport"}))
	event := readEvent(t, conn, "error")
	assert.Contains(t, event["message"], "unknown message type")
}

func TestWebSocketChildChatUnknownSession(t *testing.T) {
	g := newTestGateway(t)
	conn := g.dial(t, "u1")

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":      "child_chat",
		"sessionId": "child-missing",
		"message":   "hello?",
	}))
	event := readEvent(t, conn, "error")
	assert.Contains(t, event["message"], "child-missing")
}
