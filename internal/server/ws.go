package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"dyno/internal/agent"
	"dyno/internal/agent/ports"
	"dyno/internal/registry"
)

// wsConn serializes writes to one websocket. gorilla conns allow only
// one concurrent writer; the channel, traversal goroutines, and the
// read loop all write.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// inboundMessage is the union of every client message shape.
type inboundMessage struct {
	Type string `json:"type"`

	Prompt         string          `json:"prompt,omitempty"`
	APIKey         string          `json:"apiKey,omitempty"`
	History        []ports.Message `json:"history,omitempty"`
	MemoryContext  string          `json:"memoryContext,omitempty"`
	ScreenshotURLs []string        `json:"screenshotUrls,omitempty"`
	Attachments    []string        `json:"attachments,omitempty"`

	ID          string         `json:"id,omitempty"`
	EditedInput map[string]any `json:"editedInput,omitempty"`

	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message,omitempty"`
}

func (s *Server) handleWebSocket(c *gin.Context) {
	userID := c.Query("userId")
	if userID == "" {
		userID = "default"
	}

	sess, err := s.cfg.Manager.GetOrCreate(c.Request.Context(), userID)
	if err != nil {
		s.logger.Error("server: session for %s: %v", userID, err)
		c.String(http.StatusInternalServerError, "session unavailable")
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("server: upgrade for %s: %v", userID, err)
		return
	}
	ws := &wsConn{conn: conn}

	s.connMu.Lock()
	s.conns[userID] = ws
	s.connMu.Unlock()

	// Hot-swap: pending proposals re-deliver to the new socket, any
	// in-flight loop is untouched.
	sess.Channel.Swap(ws)
	s.logger.Info("server: %s connected", userID)

	defer func() {
		conn.Close()
		s.connMu.Lock()
		current := s.conns[userID] == ws
		if current {
			delete(s.conns, userID)
		}
		s.connMu.Unlock()
		// Detach only if no newer socket replaced this one; pending
		// approvals are left to their timeouts.
		if current {
			sess.Channel.Swap(nil)
		}
		s.logger.Info("server: %s disconnected", userID)
	}()

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		s.dispatch(sess, ws, msg)
	}
}

// dispatch handles one inbound message. Traversals run on their own
// goroutines so the read loop stays free for approve/deny/cancel.
func (s *Server) dispatch(sess *registry.Session, ws *wsConn, msg inboundMessage) {
	switch msg.Type {
	case "ping":
		s.writeEvent(ws, ports.NewEvent("pong", "master", map[string]any{
			"uptime":         time.Since(s.started).Round(time.Second).String(),
			"activeSessions": s.cfg.Manager.ActiveCount(),
		}))

	case "chat":
		prompt := withScreenshots(msg.Prompt, msg.ScreenshotURLs)
		go sess.RunChat(context.Background(), prompt, msg.APIKey, agent.ChatOptions{
			History:       msg.History,
			MemoryContext: msg.MemoryContext,
		})

	case "start":
		go sess.RunBuild(context.Background(), msg.Prompt, msg.APIKey, msg.Attachments)

	case "plan":
		go sess.RunPlan(context.Background(), msg.Prompt, msg.APIKey)

	case "approve":
		sess.Channel.Resolve(msg.ID, true, msg.EditedInput)

	case "deny":
		sess.Channel.Resolve(msg.ID, false, nil)

	case "cancel":
		if msg.SessionID == "" || msg.SessionID == "master" {
			sess.Cancel()
		} else if !sess.Children.Cancel(msg.SessionID) {
			s.writeError(ws, msg.SessionID, "unknown session: "+msg.SessionID)
		}

	case "child_chat":
		if msg.APIKey != "" {
			sess.Children.SetAPIKey(msg.APIKey)
		}
		if err := sess.Children.Continue(msg.SessionID, msg.Message); err != nil {
			s.writeError(ws, msg.SessionID, err.Error())
		}

	case "cancel_session":
		if !sess.Children.Cancel(msg.SessionID) {
			s.writeError(ws, msg.SessionID, "unknown session: "+msg.SessionID)
		}

	default:
		s.writeError(ws, "master", "unknown message type: "+msg.Type)
	}
}

func (s *Server) writeEvent(ws *wsConn, event ports.Event) {
	if err := ws.WriteJSON(event); err != nil {
		s.logger.Warn("server: write %s event: %v", event.Type, err)
	}
}

func (s *Server) writeError(ws *wsConn, sessionID, message string) {
	s.writeEvent(ws, ports.NewEvent("error", sessionID, map[string]any{"message": message}))
}

func withScreenshots(prompt string, urls []string) string {
	if len(urls) == 0 {
		return prompt
	}
	out := prompt + "\n\n## Attached Screenshots\n"
	for _, u := range urls {
		out += "- " + u + "\n"
	}
	return out
}
