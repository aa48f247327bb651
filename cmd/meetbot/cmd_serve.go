package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/user/meetbot/internal/api"
	"github.com/user/meetbot/internal/config"
	"github.com/user/meetbot/internal/notify"
	"github.com/user/meetbot/internal/orchestrator"
	"github.com/user/meetbot/internal/registry"
	"github.com/user/meetbot/internal/retry"
	"github.com/user/meetbot/internal/runtime"
	"github.com/user/meetbot/internal/sweeper"
	"github.com/user/meetbot/internal/transcript"
	"github.com/user/meetbot/internal/types"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the meetbot daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

const pidFileName = "meetbot.pid"

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, pidFileName)
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

// buildNotifier registers the configured targets. It returns nil when no
// target is configured.
func buildNotifier(cfg *config.Config) (*notify.Dispatcher, error) {
	targets := notify.NewRegistry()
	if cfg.Notify.Telegram.Token != "" {
		tg, err := notify.NewTelegram(cfg.Notify.Telegram.Token, cfg.Notify.Telegram.ChatID)
		if err != nil {
			return nil, fmt.Errorf("create telegram notifier: %w", err)
		}
		targets.Register("telegram", tg)
	}
	if cfg.Notify.WebhookURL != "" {
		targets.Register("webhook", notify.NewWebhook(cfg.Notify.WebhookURL))
	}
	if targets.Len() == 0 {
		return nil, nil
	}
	return notify.NewDispatcher(targets, retry.Default(), int64(cfg.Notify.MaxConcurrent)), nil
}

// releaseWorkers runs at shutdown and restart. Process workers are children
// of the daemon and would be killed or orphaned, so their sessions are
// stopped and recorded as such. Container workers keep running and are
// adopted by the next daemon.
func releaseWorkers(ctx context.Context, orch *orchestrator.Orchestrator, rt runtime.Runtime) {
	if rt.Persistent() {
		if n := len(orch.ListSessions(types.StatusActive)); n > 0 {
			slog.Info("leaving workers running", "count", n)
		}
		return
	}
	orch.StopAll(ctx)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	// Session registry
	reg := registry.New(registry.SnapshotPath(cfg.DataDir))
	if err := reg.Load(); err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}

	// Worker runtime
	rt, err := runtime.Open(runtime.Options{
		Driver:        cfg.Runtime.Driver,
		Image:         cfg.Runtime.Image,
		Network:       cfg.Runtime.Network,
		AutoRemove:    cfg.Runtime.AutoRemove,
		Command:       cfg.Runtime.Command,
		Args:          cfg.Runtime.Args,
		WorkDir:       cfg.DataDir,
		MaxConcurrent: cfg.Worker.MaxConcurrent,
		StopGrace:     cfg.StopGrace(),
	})
	if err != nil {
		return fmt.Errorf("open runtime: %w", err)
	}
	defer rt.Close()

	// Transcripts
	var gwOpts []transcript.Option
	if cfg.Transcripts.CountTokens {
		tk, err := transcript.NewTiktoken()
		if err != nil {
			slog.Warn("token counting disabled", "error", err)
		} else {
			gwOpts = append(gwOpts, transcript.WithTokenCounter(tk))
		}
	}
	transcripts := transcript.NewGateway(transcript.NewStore(cfg.DataDir), gwOpts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Notifications
	var orchOpts []orchestrator.Option
	dispatcher, err := buildNotifier(cfg)
	if err != nil {
		return err
	}
	if dispatcher != nil {
		dispatcher.Start(ctx)
		defer dispatcher.Stop()
		orchOpts = append(orchOpts, orchestrator.WithNotifier(dispatcher))
	} else {
		slog.Info("notifications disabled (no telegram or webhook configured)")
	}

	orch := orchestrator.New(reg, rt, transcripts, orchestrator.Config{
		DefaultBotName:  cfg.Worker.DefaultBotName,
		DefaultLanguage: cfg.Worker.DefaultLanguage,
		StartTimeout:    cfg.StartTimeout(),
		StopTimeout:     cfg.StopGrace() + 20*time.Second,
		PublicURL:       cfg.HTTP.PublicURL,
		WorkerEnv:       cfg.Worker.Env,
	}, orchOpts...)

	orch.Recover(ctx)

	sw := sweeper.New(orch, cfg.Sweeper.Schedule, cfg.Retention())
	if err := sw.Start(); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}
	defer sw.Stop()

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           api.NewServer(orch, transcripts),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	slog.Info("meetbot started",
		"data_dir", cfg.DataDir,
		"listen", cfg.HTTP.Listen,
		"driver", cfg.Runtime.Driver,
		"max_concurrent", cfg.Worker.MaxConcurrent,
		"sweep_schedule", cfg.Sweeper.Schedule,
		"sessions", len(reg.List()),
		"pid_file", pidPath,
	)

	shutdown := func() {
		sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer scancel()
		if err := httpServer.Shutdown(sctx); err != nil {
			slog.Warn("http shutdown", "error", err)
		}
		sw.Stop()
		releaseWorkers(ctx, orch, rt)
		if dispatcher != nil && !dispatcher.WaitIdle(5*time.Second) {
			slog.Warn("pending notifications dropped at shutdown")
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case err := <-serveErr:
			return fmt.Errorf("http server: %w", err)
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				slog.Info("received SIGHUP, restarting")
				execPath, err := os.Executable()
				if err != nil {
					slog.Error("failed to get executable path", "error", err)
					continue
				}
				shutdown()
				os.Remove(pidPath)
				if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
					return fmt.Errorf("re-exec: %w", err)
				}
			}
			slog.Info("shutting down", "signal", sig)
			shutdown()
			return nil
		}
	}
}
