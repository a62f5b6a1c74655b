package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"dyno/internal/agent/ports"
	"dyno/internal/config"
	"dyno/internal/layout"
	"dyno/internal/llm"
	"dyno/internal/logging"
	"dyno/internal/registry"
	"dyno/internal/server"
	"dyno/internal/store"
	"dyno/internal/tools"
	"dyno/internal/webhook"
)

const baseSystemPrompt = `You are Dyno, an agent that lives inside a user's personal dashboard.

You can read and write files in the user's workspace, fetch URLs, manage
long-term memories, register and poll webhooks, rearrange the dashboard
layout, and spawn child agents for larger autonomous tasks.

Be concise. Prefer doing over explaining. When an action needs approval,
propose it and wait; if the user denies it, move on without retrying.`

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}
}

func runServe(cfg *config.Config) error {
	logger := logging.NewComponentLogger("dyno")

	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	workspaceRoot := cfg.Tools.WorkspaceRoot
	if workspaceRoot == "" {
		workspaceRoot = filepath.Join(cfg.Store.DataDir, "workspaces")
	}

	baseTools, err := tools.NewRegistry(tools.Config{
		WorkspaceRoot: workspaceRoot,
		FetchTimeout:  cfg.Tools.FetchTimeout,
		Store:         st,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("build tools: %w", err)
	}

	llmClient := llm.NewAnthropicClient(llm.Config{
		BaseURL:   cfg.LLM.BaseURL,
		Model:     cfg.LLM.Model,
		MaxTokens: cfg.LLM.MaxTokens,
	}, logger)

	// The layout store is built before the manager; the notify hook
	// resolves through this variable once the manager exists.
	var mgr *registry.Manager
	layoutStore := layout.NewStore(st, func(userID, action string, l layout.Layout) {
		if mgr != nil {
			mgr.NotifyLayout(userID, action, l)
		}
	}, logger)
	defer layoutStore.Close()

	toolAppendix := buildToolAppendix(baseTools, cfg.Agent.PermissionOverrides)

	mgr, err = registry.NewManager(registry.Config{
		Store:     st,
		LLM:       llmClient,
		Layout:    layoutStore,
		BaseTools: baseTools,
		Context:   registry.StaticContext{Prompt: baseSystemPrompt, Tools: toolAppendix},
		Secrets:   registry.NewSecrets(st, logger),

		WorkspaceRoot:   workspaceRoot,
		ApprovalTimeout: cfg.Agent.ApprovalTimeout,

		Model:              cfg.LLM.Model,
		ChildModel:         cfg.LLM.ChildModel,
		MaxTokens:          cfg.LLM.MaxTokens,
		MaxIterations:      cfg.Agent.MaxIterations,
		ChildMaxIterations: cfg.Agent.ChildMaxIterations,

		PermissionOverrides: cfg.Agent.PermissionOverrides,
		InputPricePerMTok:   cfg.LLM.InputPricePerMTok,
		OutputPricePerMTok:  cfg.LLM.OutputPricePerMTok,

		IdleTTL:       cfg.Agent.SessionIdleTTL,
		SweepInterval: cfg.Agent.SweepInterval,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("build registry: %w", err)
	}
	defer mgr.Close()

	internalToken := cfg.Server.InternalToken
	if internalToken == "" {
		internalToken = randomToken()
		logger.Info("serve: generated ephemeral internal token")
	}

	waker := webhook.NewWaker(webhook.WakeConfig{
		Store: st,
		LLM:   llmClient,
		Tools: baseTools,
		APIKey: func(ctx context.Context, userID string) (string, error) {
			return st.GetAPIKey(ctx, userID)
		},
		Listener: func(userID string) ports.EventListener {
			return mgr.Listener(userID)
		},
		Model:           cfg.LLM.Model,
		SystemPrompt:    baseSystemPrompt,
		DefaultTokenCap: cfg.Webhook.HourlyTokenCap,
		Timeout:         cfg.Webhook.WakeTimeout,
		Metrics:         webhook.DefaultMetrics(),
		Logger:          logger,
	})

	// Admission notifies the wake endpoint over HTTP even in-process,
	// so a split deployment needs no code change.
	notify := wakeNotifier(cfg.Server.Addr, internalToken, logger)
	admission := webhook.NewAdmission(st, notify, webhook.DefaultMetrics(), logger,
		webhook.WithMaxBodyBytes(int(cfg.Webhook.MaxBodyBytes)),
		webhook.WithReplayWindow(cfg.Webhook.ReplayWindow),
		webhook.WithDefaultHourlyLimit(cfg.Webhook.HourlyLimit),
	)

	pruneStop := make(chan struct{})
	defer close(pruneStop)
	go pruneDeliveries(st, pruneStop, logger)

	srv := server.New(server.Config{
		Addr:           cfg.Server.Addr,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		InternalToken:  internalToken,
		Manager:        mgr,
		Admission:      admission,
		Waker:          waker,
		BaseTools:      baseTools,

		SystemPrompt:        baseSystemPrompt,
		ToolAppendix:        toolAppendix,
		PermissionOverrides: cfg.Agent.PermissionOverrides,

		MaxBodyBytes: cfg.Webhook.MaxBodyBytes,
		Logger:       logger,
	})

	fmt.Println(bold(green("dyno")) + gray(" gateway"))
	fmt.Println(gray("  listen   ") + cyan(cfg.Server.Addr))
	fmt.Println(gray("  model    ") + cyan(cfg.LLM.Model))
	fmt.Println(gray("  data     ") + cyan(cfg.Store.DataDir))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("serve: received %s, shutting down", sig)
		fmt.Println(gray("shutting down..."))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// buildToolAppendix renders the tool list block appended to the full
// loop's system prompt. Kept byte-stable for upstream prompt caching.
func buildToolAppendix(reg ports.ToolRegistry, overrides map[string]string) string {
	var b strings.Builder
	b.WriteString("## Available Tools\n")
	for _, def := range reg.List() {
		mode := tools.ResolveMode(def, overrides)
		suffix := "requires user approval"
		if mode == ports.ModeAuto {
			suffix = "auto"
		}
		desc := def.Description
		if i := strings.IndexByte(desc, '.'); i > 0 {
			desc = desc[:i+1]
		}
		fmt.Fprintf(&b, "- %s (%s): %s\n", def.Name, suffix, desc)
	}
	return b.String()
}

// pruneDeliveries drops webhook delivery rows older than a week, once
// an hour. Processed or not, week-old payloads are stale.
func pruneDeliveries(st *store.Store, stop <-chan struct{}, logger logging.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := st.PruneDeliveries(context.Background(), time.Now().Add(-7*24*time.Hour)); err != nil {
				logger.Warn("serve: prune deliveries: %v", err)
			}
		}
	}
}

// wakeNotifier posts the fire-and-forget wake ping back to this
// gateway's internal endpoint.
func wakeNotifier(addr, token string, logger logging.Logger) webhook.Notifier {
	host := addr
	if strings.HasPrefix(host, ":") {
		host = "127.0.0.1" + host
	}
	url := "http://" + host + "/internal/webhook-notify"
	client := &http.Client{Timeout: 10 * time.Second}

	return func(userID, endpointName string) {
		body, _ := json.Marshal(map[string]string{
			"userId":       userID,
			"endpointName": endpointName,
		})
		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			logger.Warn("wake notify %s/%s: %v", userID, endpointName, err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := client.Do(req)
		if err != nil {
			logger.Warn("wake notify %s/%s: %v", userID, endpointName, err)
			return
		}
		resp.Body.Close()
	}
}

func randomToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
