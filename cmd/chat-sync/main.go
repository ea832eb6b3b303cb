package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/api"
	"github.com/alexjbarnes/chat-sync/internal/auth"
	"github.com/alexjbarnes/chat-sync/internal/chat"
	"github.com/alexjbarnes/chat-sync/internal/config"
	"github.com/alexjbarnes/chat-sync/internal/live"
	"github.com/alexjbarnes/chat-sync/internal/logging"
	"github.com/alexjbarnes/chat-sync/internal/mcpserver"
	chatserver "github.com/alexjbarnes/chat-sync/internal/server"
	"github.com/alexjbarnes/chat-sync/internal/session"
	"github.com/alexjbarnes/chat-sync/internal/state"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	// Handle subcommands before starting any front end.
	if len(os.Args) > 1 && os.Args[1] == "register" {
		if err := register(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}

		return
	}

	if len(os.Args) > 1 && os.Args[1] == "gen-key" {
		key, err := auth.GenerateAPIKey()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}

		fmt.Println(key)

		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// app is the wired client.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	state    *state.State
	sessions *session.Store
	live     *live.Manager
	svc      *chat.Service
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	appState, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	// The transport reads the token from the session, which needs the
	// client to exist first.
	transport := &api.AuthTransport{}
	client := api.NewClient(cfg.ServerURL, &http.Client{
		Transport: transport,
		Timeout:   cfg.RequestTimeout,
	})

	sessions := session.NewStore(client, appState, logger)
	transport.Tokens = sessions

	mgr := live.NewManager(live.Config{
		ServerURL:      cfg.ServerURL,
		ReconnectDelay: cfg.ReconnectDelay,
		PingInterval:   cfg.PingInterval,
	}, logger)

	svc := chat.NewService(sessions, client, mgr, logger)
	mgr.OnMessage(svc.HandleInbound)
	mgr.OnOpen(svc.HandleOpen)

	return &app{
		cfg:      cfg,
		logger:   logger,
		state:    appState,
		sessions: sessions,
		live:     mgr,
		svc:      svc,
	}, nil
}

func (a *app) Close() {
	if err := a.live.Close(); err != nil {
		a.logger.Warn("closing live connection", slog.String("error", err.Error()))
	}

	if err := a.state.Close(); err != nil {
		a.logger.Warn("closing state", slog.String("error", err.Error()))
	}
}

// Authenticated, LiveState and RetryCount report health for /healthz.
func (a *app) Authenticated() bool { return a.sessions.Authenticated() }

func (a *app) LiveState() string { return a.live.State().String() }

func (a *app) RetryCount() int { return a.live.RetryCount() }

// authenticate resumes the persisted session, or logs in with the
// configured account when there is none.
func (a *app) authenticate(ctx context.Context) error {
	if err := a.sessions.Initialize(ctx); err != nil {
		return fmt.Errorf("restoring session: %w", err)
	}

	if a.svc.Resume() {
		user, _ := a.svc.CurrentUser()
		a.logger.Info("resumed session", slog.String("username", user.Username))

		return nil
	}

	if !a.cfg.HasCredentials() {
		a.logger.Info("no session, log in with /login")
		return nil
	}

	a.logger.Info("logging in", slog.String("username", a.cfg.Username))

	user, err := a.svc.Login(ctx, a.cfg.Username, a.cfg.Password)
	if err != nil {
		return fmt.Errorf("logging in: %w", err)
	}

	a.logger.Info("logged in", slog.String("username", user.Username), slog.Uint64("id", uint64(user.ID)))

	return nil
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("chat-sync starting",
		slog.String("version", Version),
		slog.String("server", cfg.ServerURL),
		slog.Bool("terminal", cfg.EnableTerminal),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.authenticate(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.EnableTerminal {
		g.Go(func() error {
			t := newTerminal(a.svc, os.Stdin, os.Stdout, logger)
			err := t.Run(gctx)
			// Leaving the terminal ends the process.
			stop()

			return err
		})
	}

	if cfg.EnableMCP {
		g.Go(func() error {
			return runMCP(gctx, a)
		})
	}

	return g.Wait()
}

// runMCP serves the chat tools over streamable HTTP.
func runMCP(ctx context.Context, a *app) error {
	mcpLogger := a.logger.With(slog.String("service", "mcp"))

	apiKeys, err := a.cfg.ParseMCPAPIKeys()
	if err != nil {
		return fmt.Errorf("parsing MCP_API_KEYS: %w", err)
	}

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "chat-sync-mcp", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, a.svc)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	server := &http.Server{
		Addr: a.cfg.MCPListenAddr,
		Handler: chatserver.NewMux(chatserver.MuxConfig{
			MCPHandler: mcpHandler,
			APIKeys:    auth.NewKeys(apiKeys),
			Health:     a,
			Logger:     mcpLogger,
		}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	mcpLogger.Info("starting MCP server",
		slog.String("listen", a.cfg.MCPListenAddr),
		slog.Int("api_keys", len(apiKeys)),
	)

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		mcpLogger.Info("shutting down MCP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}

// register creates an account on the backend. It does not log in.
func register() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	scanner := bufio.NewScanner(os.Stdin)

	fmt.Fprint(os.Stderr, "Username: ")
	if !scanner.Scan() {
		return errors.New("no input")
	}
	username := strings.TrimSpace(scanner.Text())

	fmt.Fprint(os.Stderr, "Password: ")
	if !scanner.Scan() {
		return errors.New("no input")
	}
	password := scanner.Text()

	if username == "" || password == "" {
		return errors.New("username and password are required")
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	if err := registerAccount(context.Background(), cfg, logger, username, password); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "registered %s, log in to start chatting\n", username)

	return nil
}

// registerAccount creates the account over REST only. It never touches
// the persisted token, so the state file is not opened and a running
// instance keeps its lock.
func registerAccount(ctx context.Context, cfg *config.Config, logger *slog.Logger, username, password string) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	defer cancel()

	client := api.NewClient(cfg.ServerURL, &http.Client{Timeout: cfg.RequestTimeout})
	sessions := session.NewStore(client, nil, logger)

	if err := sessions.Register(ctx, username, password); err != nil {
		return fmt.Errorf("registering %q: %w", username, err)
	}

	return nil
}
