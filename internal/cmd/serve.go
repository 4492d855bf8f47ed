package cmd

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vultuk/agentrix/internal/codex"
	"github.com/vultuk/agentrix/internal/config"
	"github.com/vultuk/agentrix/internal/events"
	"github.com/vultuk/agentrix/internal/git"
	"github.com/vultuk/agentrix/internal/launch"
	"github.com/vultuk/agentrix/internal/session"
	"github.com/vultuk/agentrix/internal/sessionlog"
	"github.com/vultuk/agentrix/internal/state"
	"github.com/vultuk/agentrix/internal/task"
	"github.com/vultuk/agentrix/internal/tmux"
	"github.com/vultuk/agentrix/internal/tunnel"
	"github.com/vultuk/agentrix/internal/ws"
)

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the workbench server",
	Long:  "Starts the terminal session engine, rehydrates tmux-backed sessions from\nthe last snapshot and serves the WebSocket boundary.",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (overrides config)")
}

// runServe wires the components in dependency order: bus, persistence,
// engine, rehydration, trackers, boundary. Teardown runs in reverse.
func runServe(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.EnsureFile(path)
	if err != nil {
		slog.Warn("[serve] config load failed, continuing with defaults", "path", path, "error", err)
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}

	bus := events.NewBus()
	feed := sessionlog.NewFeed(bus, 0)
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	base := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(feed.Handler(base)))

	store := state.NewStore(state.DefaultPath())
	defer store.Close()

	tmuxCtl := tmux.NewController(cfg.TmuxPrefix)
	workspace := git.NewWorkspace(cfg.Workdir)

	engine := session.NewEngine(session.Config{
		Workdir:   cfg.Workdir,
		Shell:     cfg.Shell,
		Mode:      session.Mode(cfg.SessionMode),
		Tmux:      tmuxCtl,
		Bus:       bus,
		Persister: store,
		ResolveWorktree: func(_ string, org, repo, branch string) (string, error) {
			return workspace.Resolve(org, repo, branch)
		},
		IdleAfter: cfg.IdleThreshold(),
		KillDelay: cfg.KillDelay(),
	})

	if summaries, lerr := state.Load(store.Path()); lerr != nil {
		slog.Warn("[serve] session snapshot load failed", "path", store.Path(), "error", lerr)
	} else if n := engine.Rehydrate(summaries); n > 0 {
		slog.Info("[serve] rehydrated tmux-backed sessions", "count", n)
	}

	tracker := task.NewTracker(task.DefaultPath(cfg.Workdir), bus, task.Options{})
	defer tracker.Close()

	launcher := launch.NewLauncher(engine, tmuxCtl, cfg.PlanKeepPerBranch)
	codexMgr := codex.NewManager(codex.Config{
		Resolve: workspace.Resolve,
		Command: cfg.Codex.Command,
		Model:   cfg.Codex.Model,
	})
	tunnels := tunnel.NewManager(cfg.NgrokAuthToken)
	defer tunnels.CloseAll()

	srv := ws.NewServer(ws.Options{
		Addr:     cfg.ListenAddr,
		Engine:   engine,
		Bus:      bus,
		Tasks:    tracker,
		Launcher: launcher,
		Tunnels:  tunnels,
		Codex:    codexMgr,
		CreateWorktree: func(org, repo, branch, base string) task.Task {
			return git.CreateWorktreeTask(tracker, workspace, org, repo, branch, base)
		},
		GenerateBranch: func(org, repo, description string) task.Task {
			return git.GenerateBranchTask(tracker, workspace, cfg.LLMCommand, org, repo, description)
		},
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		return err
	}

	// Config edits are picked up live; consumers holding startup-time values
	// (engine tunables, listen address) keep them until restart.
	if werr := config.Watch(ctx, path, func(next config.Config) {
		bus.Emit("config:update", next)
	}); werr != nil {
		slog.Warn("[serve] config watch unavailable", "path", path, "error", werr)
	}

	slog.Info("[serve] ready", "listen", srv.URL(), "workdir", cfg.Workdir, "mode", cfg.SessionMode)
	<-ctx.Done()

	slog.Info("[serve] shutting down")
	if serr := srv.Stop(); serr != nil {
		slog.Warn("[serve] boundary stop failed", "error", serr)
	}
	engine.DisposeAll()
	return nil
}
