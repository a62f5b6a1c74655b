// Package server exposes the gateway over HTTP: the duplex websocket,
// webhook ingestion, the internal wake endpoint, health, and metrics.
package server

import (
	"context"
	"crypto/subtle"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dyno/internal/agent/ports"
	"dyno/internal/logging"
	"dyno/internal/registry"
	"dyno/internal/shared/token"
	"dyno/internal/tools"
	"dyno/internal/webhook"
)

// Config wires the Server.
type Config struct {
	Addr           string
	AllowedOrigins []string

	// InternalToken authenticates POST /internal/webhook-notify. Empty
	// disables the endpoint.
	InternalToken string

	Manager   *registry.Manager
	Admission *webhook.Admission
	Waker     *webhook.Waker
	BaseTools ports.ToolRegistry

	// SystemPrompt and ToolAppendix feed the health endpoint's prompt
	// overhead report.
	SystemPrompt        string
	ToolAppendix        string
	PermissionOverrides map[string]string

	MaxBodyBytes int64
	Logger       logging.Logger
}

// Server is the gateway's HTTP front.
type Server struct {
	cfg        Config
	logger     logging.Logger
	engine     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader
	started    time.Time

	connMu sync.Mutex
	conns  map[string]*wsConn
}

// New builds the server and installs its routes.
func New(cfg Config) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = webhook.DefaultMaxBodyBytes
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*" {
		corsConfig.AllowAllOrigins = true
	} else if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.AllowWebSockets = true
	engine.Use(cors.New(corsConfig))

	s := &Server{
		cfg:    cfg,
		logger: logging.OrNop(cfg.Logger),
		engine: engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		started: time.Now(),
		conns:   make(map[string]*wsConn),
	}
	s.httpServer = &http.Server{Addr: cfg.Addr, Handler: engine}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/ws", s.handleWebSocket)
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.engine.POST("/webhook/:userId/:endpointName", s.handleWebhook)
	s.engine.POST("/internal/webhook-notify", s.handleWebhookNotify)
}

// Run blocks serving until Shutdown or a listener error.
func (s *Server) Run() error {
	s.logger.Info("server: listening on %s", s.cfg.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for httptest.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) handleHealth(c *gin.Context) {
	system := s.cfg.SystemPrompt
	withTools := system
	if s.cfg.ToolAppendix != "" {
		withTools = system + "\n\n" + s.cfg.ToolAppendix
	}

	type toolInfo struct {
		Name string `json:"name"`
		Mode string `json:"mode"`
	}
	var toolList []toolInfo
	if s.cfg.BaseTools != nil {
		for _, def := range s.cfg.BaseTools.List() {
			toolList = append(toolList, toolInfo{
				Name: def.Name,
				Mode: string(tools.ResolveMode(def, s.cfg.PermissionOverrides)),
			})
		}
	}

	active := 0
	if s.cfg.Manager != nil {
		active = s.cfg.Manager.ActiveCount()
	}

	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"uptime":         time.Since(s.started).Round(time.Second).String(),
		"activeSessions": active,
		"promptOverhead": gin.H{
			"systemChars":           len(system),
			"systemWithToolsChars":  len(withTools),
			"toolDefsChars":         len(s.cfg.ToolAppendix),
			"systemTokens":          tokenutil.Count(system),
			"systemWithToolsTokens": tokenutil.Count(withTools),
			"toolDefsTokens":        tokenutil.Count(s.cfg.ToolAppendix),
		},
		"tools": toolList,
	})
}

func (s *Server) handleWebhook(c *gin.Context) {
	userID := c.Param("userId")
	endpointName := c.Param("endpointName")

	// Read one byte past the cap so admission can tell oversized from
	// exactly-at-cap.
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, s.cfg.MaxBodyBytes+1))
	if err != nil {
		c.String(http.StatusBadRequest, "unreadable body")
		return
	}

	status, msg := s.cfg.Admission.Admit(c.Request.Context(), userID, endpointName, c.Request.Header, body)
	c.String(status, msg)
}

// handleWebhookNotify accepts the fire-and-forget wake ping. It always
// answers immediately; the wake itself runs on its own goroutine.
func (s *Server) handleWebhookNotify(c *gin.Context) {
	if s.cfg.InternalToken == "" {
		c.String(http.StatusServiceUnavailable, "internal endpoint disabled")
		return
	}
	auth := c.GetHeader("Authorization")
	want := "Bearer " + s.cfg.InternalToken
	if subtle.ConstantTimeCompare([]byte(auth), []byte(want)) != 1 {
		c.String(http.StatusUnauthorized, "bad token")
		return
	}

	var req struct {
		UserID       string `json:"userId"`
		EndpointName string `json:"endpointName"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" || req.EndpointName == "" {
		c.String(http.StatusBadRequest, "userId and endpointName required")
		return
	}

	go func() {
		if err := s.cfg.Waker.Wake(context.Background(), req.UserID, req.EndpointName); err != nil {
			s.logger.Error("server: wake %s/%s: %v", req.UserID, req.EndpointName, err)
		}
	}()
	c.String(http.StatusOK, "ok")
}

// NotifyLocal wires admission's wake notify to the in-process waker,
// bypassing the HTTP hop when admission and wake share a process.
func (s *Server) NotifyLocal(userID, endpointName string) {
	if err := s.cfg.Waker.Wake(context.Background(), userID, endpointName); err != nil {
		s.logger.Error("server: wake %s/%s: %v", userID, endpointName, err)
	}
}
