package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container

	"github.com/exfm/bob/internal/adapter/driven/chat"
	githubadapter "github.com/exfm/bob/internal/adapter/driven/github"
	sqliteadapter "github.com/exfm/bob/internal/adapter/driven/sqlite"
	sshadapter "github.com/exfm/bob/internal/adapter/driven/ssh"
	"github.com/exfm/bob/internal/adapter/driving/console"
	httphandler "github.com/exfm/bob/internal/adapter/driving/http"
	"github.com/exfm/bob/internal/adapter/driving/router"
	"github.com/exfm/bob/internal/application"
	"github.com/exfm/bob/internal/config"
	"github.com/exfm/bob/internal/domain/model"
)

const (
	deliveryRetention = 7 * 24 * time.Hour
	pruneInterval     = time.Hour
)

var (
	configFile string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:   "bob",
	Short: "Chat-operated repository automation bot",
	Long: `bob watches GitHub repositories, relays their events to a chat channel and
runs commands sent from chat or the local console, such as deploying a
repository to a host over SSH.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().StringVar(&configFile, "config", "config.json", "config file")
	rootCmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded into the environment")
	config.RegisterFlags(rootCmd.Flags())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	// 1. Load configuration (fail fast on invalid values).
	cfg, err := config.Load(config.LoadOptions{
		FilePath: configFile,
		EnvFile:  envFile,
		Flags:    cmd.Flags(),
	})
	if err != nil {
		return err
	}
	setupLogger(cfg.LogLevel)
	slog.Info("config loaded",
		"config_file", cfg.FilePath,
		"listen_addr", cfg.ListenAddr,
		"hook_url", cfg.HookURL(),
		"github_username", cfg.GitHubUsername,
		"repos", len(cfg.Repos),
	)

	// 2. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Open database and run migrations.
	db, err := sqliteadapter.NewDB(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()
	version, err := sqliteadapter.RunMigrations(db.Writer)
	if err != nil {
		return err
	}
	slog.Info("database ready", "path", cfg.DBPath, "schema_version", version)

	orders := sqliteadapter.NewOrderRepo(db)
	deliveries := sqliteadapter.NewDeliveryRepo(db)
	repoList := config.NewStore(cfg.FilePath, cfg.Repos)

	// 4. Wire driven adapters.
	notifier := chat.NewNotifier(cfg.PostURL, nil)
	if cfg.PostURL == "" {
		slog.Warn("post_url not set, chat replies and event relay are disabled")
	}
	reconciler := application.NewHookReconciler(githubadapter.NewClient(cfg.Token), application.ReconcilerConfig{
		Attempts:    cfg.ReconcileAttempts,
		Concurrency: cfg.ReconcileConcurrency,
	})

	var deployer *application.Deployer
	executor, err := sshadapter.NewExecutor(sshadapter.Config{
		User:           cfg.DeployUser,
		KeyPath:        cfg.SSHKeyPath,
		KnownHostsPath: cfg.SSHKnownHosts,
	})
	if err != nil {
		slog.Warn("deploy disabled", "error", err)
	} else {
		defer func() { _ = executor.Close() }()
		deployer = application.NewDeployer(executor, application.DeployConfig{
			Owner:   cfg.GitHubUsername,
			AppsDir: cfg.DeployAppsDir,
			Timeout: cfg.DeployTimeout,
		})
	}

	// 5. Event ingestion: log every batch and relay it to chat.
	ingestor := application.NewEventIngestor(cfg.CoalesceWindow)
	ingestor.OnEvent(application.AllRepos, logEvents)
	if cfg.PostURL != "" {
		ingestor.OnEvent(application.AllRepos, relayEvents(notifier))
	}
	watcher := application.NewWatcher(reconciler, ingestor, cfg.HookURL())

	// 6. Commands.
	commands := application.NewCommandService(ctx, application.CommandDeps{
		Repos:    repoList,
		Orders:   orders,
		Deployer: deployer,
		Watcher:  watcher,
		Username: cfg.GitHubUsername,
	})

	// 7. Reconcile hooks and subscribe every repository that has one.
	watcher.Start(ctx, repoList.Repos())

	// 8. Internal listeners.
	eventSrv := newServer(httphandler.NewEventMux(
		httphandler.NewEventHandler(ingestor, deliveries, slog.Default()),
		cfg.EventPath,
		slog.Default(),
	))
	commandSrv := newServer(httphandler.NewCommandMux(
		httphandler.NewCommandHandler(commands, application.NewChatResponder(notifier), cfg.EnvelopeCommandIndex, slog.Default()),
		slog.Default(),
	))
	eventLn, err := net.Listen("tcp", cfg.EventAddr)
	if err != nil {
		return fmt.Errorf("event listener: %w", err)
	}
	commandLn, err := net.Listen("tcp", cfg.CommandAddr)
	if err != nil {
		_ = eventLn.Close()
		return fmt.Errorf("command listener: %w", err)
	}
	go serve(eventSrv, eventLn, "event")
	go serve(commandSrv, commandLn, "command")

	// 9. Front door.
	front := router.New(router.Config{
		EventPath:   cfg.EventPath,
		EventAddr:   eventLn.Addr().String(),
		CommandAddr: commandLn.Addr().String(),
	}, slog.Default())
	frontErr := make(chan error, 1)
	go func() { frontErr <- front.ListenAndServe(ctx, cfg.ListenAddr) }()

	// 10. Housekeeping and console.
	go pruneDeliveries(ctx, deliveries)
	if cfg.Console {
		go func() {
			if err := console.New(os.Stdin, os.Stdout, commands).Run(ctx); err != nil {
				slog.Error("console stopped", "error", err)
			}
		}()
	}

	slog.Info("bob started",
		"listen_addr", cfg.ListenAddr,
		"event_path", cfg.EventPath,
		"watching", ingestor.Watched(),
	)

	// 11. Wait for shutdown signal or a front door failure.
	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-frontErr:
		stop()
	}
	slog.Info("shutting down")

	// 12. Graceful shutdown.
	_ = front.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for name, srv := range map[string]*http.Server{"event": eventSrv, "command": commandSrv} {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", "listener", name, "error", err)
		}
	}
	commands.Close()
	if err := ingestor.Close(); err != nil {
		slog.Error("closing event ingestor", "error", err)
	}

	slog.Info("shutdown complete")
	return runErr
}

func setupLogger(level string) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

func newServer(handler http.Handler) *http.Server {
	return &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func serve(srv *http.Server, ln net.Listener, name string) {
	slog.Info("http server starting", "listener", name, "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", "listener", name, "error", err)
	}
}

func logEvents(_ context.Context, repo string, events []model.Event) {
	for _, e := range events {
		slog.Info("repository event",
			"repo", repo,
			"event", e.Kind,
			"action", e.Action,
			"sender", e.Sender,
			"delivery_id", e.DeliveryID,
		)
	}
}

func relayEvents(notifier *chat.Notifier) application.EventHandler {
	return func(ctx context.Context, repo string, events []model.Event) {
		lines := make([]string, 0, len(events))
		for _, e := range events {
			lines = append(lines, e.Summary())
		}
		if err := notifier.Notify(ctx, strings.Join(lines, "\n")); err != nil {
			slog.Warn("event relay failed", "repo", repo, "events", len(events), "error", err)
		}
	}
}

func pruneDeliveries(ctx context.Context, deliveries *sqliteadapter.DeliveryRepo) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := deliveries.Prune(ctx, time.Now().Add(-deliveryRetention))
			if err != nil {
				slog.Error("pruning deliveries failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Debug("pruned deliveries", "count", n)
			}
		}
	}
}
