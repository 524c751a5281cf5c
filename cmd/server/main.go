package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"controlbar-mcp-server/internal/browser"
	"controlbar-mcp-server/internal/config"
	"controlbar-mcp-server/internal/controller"
	"controlbar-mcp-server/internal/logging"
	"controlbar-mcp-server/internal/mangle"
	mcpserver "controlbar-mcp-server/internal/mcp"
	"controlbar-mcp-server/internal/recorder"
	"controlbar-mcp-server/internal/settings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type options struct {
	configPath   string
	ssePort      int
	workspaceDir string
	noWorkspace  bool
	initDir      string
	renderPath   string
	outPath      string
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "Path to the ControlBar config file (layered over .controlbar/config.yaml)")
	flag.IntVar(&opts.ssePort, "sse-port", 0, "Optional SSE port override (falls back to config)")
	flag.StringVar(&opts.workspaceDir, "workspace-dir", "", "Use this directory as workspace root instead of searching upward")
	flag.BoolVar(&opts.noWorkspace, "no-workspace", false, "Skip .controlbar workspace discovery")
	flag.StringVar(&opts.initDir, "init", "", "Create a .controlbar workspace in this directory and exit")
	flag.StringVar(&opts.renderPath, "render", "", "Reconcile a saved HTML page offline and print the result")
	flag.StringVar(&opts.outPath, "out", "", "Output file for -render (default stdout)")
	flag.Parse()

	if opts.initDir != "" {
		if err := config.InitWorkspace(opts.initDir); err != nil {
			log.Fatalf("init workspace: %v", err)
		}
		fmt.Fprintf(os.Stderr, "created %s/%s\n", opts.initDir, config.WorkspaceDirName)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, _, err := config.LoadWithWorkspace(opts.configPath, config.WorkspaceOptions{
		Disable:     opts.noWorkspace,
		ExplicitDir: opts.workspaceDir,
	})
	if err != nil {
		// Before the logger exists, stderr is the last resort.
		log.Fatalf("failed to load config: %v", err)
	}
	if opts.ssePort != 0 {
		cfg.MCP.SSEPort = opts.ssePort
	}

	if opts.renderPath != "" {
		if err := renderFile(ctx, cfg, opts.renderPath, opts.outPath); err != nil {
			log.Fatalf("render: %v", err)
		}
		return
	}

	logger, err := logging.New(logging.Options{
		Level: cfg.Server.LogLevel,
		File:  cfg.Server.LogFile,
		Stdio: cfg.MCP.SSEPort == 0,
	})
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error("server exited with error", zap.Error(err))
		log.Fatalf("server exited with error: %v", err)
	}
}

// serve wires the long-running components and blocks until ctx is done.
func serve(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	store := settings.NewStore(cfg.Layout.SettingsPath, cfg.Layout.GetPersistDebounce(), logger.Named("settings"))
	if err := store.Load(); err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	defer func() {
		if err := store.Flush(); err != nil {
			logger.Warn("settings flush failed", zap.Error(err))
		}
	}()
	svc := settings.NewService(store, cfg.Layout.ExtensionKey, cfg.Layout.DefaultRank)
	svc.Load()

	engine, err := mangle.NewEngine(cfg.Mangle, logger.Named("mangle"))
	if err != nil {
		return fmt.Errorf("initialize mangle engine: %w", err)
	}

	deps := controller.Deps{
		Config:   cfg,
		Settings: svc,
		Logger:   logger.Named("controller"),
	}
	if cfg.Mangle.Enable {
		deps.Facts = engine
	}

	var rec *recorder.Recorder
	if cfg.Server.TraceDir != "" {
		rec, err = recorder.NewRecorder(cfg.Server.TraceDir)
		if err != nil {
			return fmt.Errorf("initialize pass recorder: %w", err)
		}
		if err := rec.Start("serve"); err != nil {
			logger.Warn("pass trace file unavailable, keeping traces in memory", zap.Error(err))
		}
		defer rec.Close()
		deps.Recorder = rec
	}

	hub := controller.NewHub(deps)
	defer hub.StopAll()

	sessions := browser.NewSessionManager(cfg.Browser, logger.Named("browser"))
	defer func() {
		shutdownCtx := context.Background()
		if err := sessions.Shutdown(shutdownCtx); err != nil {
			logger.Warn("browser shutdown failed", zap.Error(err))
		}
	}()

	server, err := mcpserver.NewServer(cfg, sessions, hub, mcpserver.Options{
		Engine:   engine,
		Recorder: rec,
		Logger:   logger.Named("mcp"),
	})
	if err != nil {
		return fmt.Errorf("initialize MCP server: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		// The client closing stdio ends the whole process.
		defer cancel()
		if cfg.MCP.SSEPort > 0 {
			logger.Info("starting ControlBar MCP SSE server", zap.Int("port", cfg.MCP.SSEPort))
			return server.StartSSE(gctx, cfg.MCP.SSEPort)
		}
		logger.Info("starting ControlBar MCP stdio server")
		return server.Start(gctx)
	})

	if cfg.Layout.WatchSettings {
		g.Go(func() error {
			return store.Watch(gctx, func() { hub.ReloadSettings(gctx) })
		})
	}

	if cfg.Browser.AutoStart {
		g.Go(func() error {
			if err := autoStart(gctx, cfg, sessions, hub, logger); err != nil {
				// The MCP tools can still launch or attach later.
				logger.Error("browser auto-start failed", zap.Error(err))
			}
			return nil
		})
	} else {
		logger.Info("browser auto-start disabled; use MCP tools to launch/attach later")
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// autoStart connects to Chrome and puts the chat page under control. An open
// chat tab is preferred over opening a new one.
func autoStart(ctx context.Context, cfg config.Config, sessions *browser.SessionManager, hub *controller.Hub, logger *zap.Logger) error {
	if err := sessions.Start(ctx); err != nil {
		return fmt.Errorf("start browser: %w", err)
	}

	sess, err := sessions.Attach(ctx, "")
	if err != nil {
		logger.Info("no open chat tab, opening one", zap.String("url", cfg.Browser.ChatURL), zap.Error(err))
		sess, err = sessions.OpenChat(ctx, cfg.Browser.ChatURL)
		if err != nil {
			return fmt.Errorf("open chat: %w", err)
		}
	}

	tree, err := sessions.Tree(sess.ID)
	if err != nil {
		return err
	}
	if _, err := hub.StartTree(ctx, sess.ID, tree); err != nil {
		return fmt.Errorf("start controller: %w", err)
	}
	logger.Info("chat page under control", zap.String("session", sess.ID), zap.String("url", sess.URL))
	return nil
}

// renderFile reconciles a saved page with the stored ranks. Discovered ranks
// are not written back.
func renderFile(ctx context.Context, cfg config.Config, inPath, outPath string) error {
	store := settings.NewStore(cfg.Layout.SettingsPath, 0, nil)
	if err := store.Load(); err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	svc := settings.NewService(store, cfg.Layout.ExtensionKey, cfg.Layout.DefaultRank)
	svc.Load()

	in, err := os.Open(inPath)
	if err != nil {
		return err
	}
	defer in.Close()

	var out io.Writer = os.Stdout
	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	res, err := controller.Render(ctx, cfg, svc, in, out, zap.NewNop())
	if err != nil {
		return err
	}
	if res.Skipped {
		fmt.Fprintln(os.Stderr, "no chat form found; page left unchanged")
	}
	return nil
}
