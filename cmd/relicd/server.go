package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/relicapp/relicd/internal/api"
	"github.com/relicapp/relicd/internal/config"
	"github.com/relicapp/relicd/internal/connectivity"
	"github.com/relicapp/relicd/internal/gateway"
	"github.com/relicapp/relicd/internal/lifecycle"
	"github.com/relicapp/relicd/internal/remote"
	"github.com/relicapp/relicd/internal/replay"
	"github.com/relicapp/relicd/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the relicd gateway (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running relicd gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show relicd status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "relicd.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "relicd version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Ensure the management API token exists.
	token, err := config.GetAPIToken(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}

	// Write PID file, refusing to start when another instance answers on
	// the health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/relicd/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("relicd is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("relicd is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	upstream, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return fmt.Errorf("parsing upstream URL: %w", err)
	}

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Lifecycle: install the configured generation, keep serving any
	// previous one until activation.
	prevVersion, err := lifecycle.DetectPreviousVersion(store, cfg.Cache.Version)
	if err != nil {
		return fmt.Errorf("detecting previous cache version: %w", err)
	}
	ctrl := lifecycle.New(lifecycle.Options{
		Upstream:        upstream,
		Store:           store,
		Version:         cfg.Cache.Version,
		PreviousVersion: prevVersion,
		Manifest:        cfg.Cache.StaticManifest,
		SettleDelay:     cfg.Cache.SettleDelay,
		NetworkTimeout:  cfg.Upstream.NetworkTimeout,
	})

	// Connectivity monitor probing the upstream.
	prober := &connectivity.HTTPProber{
		URL:     cfg.Upstream.BaseURL + cfg.Upstream.ProbePath,
		Timeout: cfg.Monitor.ProbeTimeout,
	}
	monitor := connectivity.New(prober, cfg.Monitor.ProbeInterval, cfg.Monitor.OfflineNoticeWindow, nil)

	// Queue processor replaying deferred operations against the AI
	// service, results landing in the API cache partition.
	remoteClient := remote.NewClient(cfg.Remote.BaseURL, cfg.Remote.Timeout)
	sink := replay.NewCacheSink(store, ctrl.ServingVersion)
	processor := replay.New(store, remoteClient, sink, monitor, cfg.Queue.MaxRetries, nil)
	monitor.Subscribe(processor.OnConnectivityChange)

	// Gateway engine serving the active generation.
	engine := gateway.New(gateway.Options{
		Upstream:       upstream,
		Store:          store,
		ActiveVersion:  ctrl.ServingVersion,
		NetworkTimeout: cfg.Upstream.NetworkTimeout,
		APIPrefix:      cfg.Cache.APIPrefix,
		AppShell:       cfg.Cache.AppShell,
		OfflinePage:    cfg.Cache.OfflinePage,
	})

	// Management API under /relicd, everything else through the gateway.
	router := chi.NewRouter()
	router.Mount("/relicd", api.NewHandler(api.Deps{
		Store:     store,
		Processor: processor,
		Monitor:   monitor,
		Lifecycle: ctrl,
		Token:     token,
	}))
	router.Handle("/*", engine)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go monitor.Run(ctx)
	go func() {
		if err := ctrl.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("lifecycle run failed; previous generation keeps serving", "error", err)
		}
	}()

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "relicd listening on %s (upstream %s)\n", addr, cfg.Upstream.BaseURL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("relicd is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop relicd (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to relicd (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		printError("%v", err)
		return nil
	}

	resp, err := client.get(ctx, "/status")
	if err != nil {
		printStatus("Server", "stopped")
		printStatus("Upstream", "%s", cfg.Upstream.BaseURL)
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	}

	var status struct {
		Connectivity struct {
			Online     bool `json:"online"`
			WasOffline bool `json:"was_offline"`
		} `json:"connectivity"`
		Lifecycle    string `json:"lifecycle"`
		CacheVersion string `json:"cache_version"`
		Partitions   []struct {
			Name      string `json:"name"`
			Entries   int    `json:"entries"`
			BodyBytes int64  `json:"body_bytes"`
		} `json:"partitions"`
		QueueLength int  `json:"queue_length"`
		Processing  bool `json:"processing"`
	}
	if err := decodeJSON(resp, &status); err != nil {
		printError("reading status: %v", err)
		return nil
	}

	printStatus("Server", "running on port %d", cfg.Server.Port)
	if status.Connectivity.Online {
		printStatus("Upstream", "online (%s)", cfg.Upstream.BaseURL)
	} else {
		printStatus("Upstream", "OFFLINE (%s)", cfg.Upstream.BaseURL)
	}
	printStatus("Lifecycle", "%s (cache %s)", status.Lifecycle, status.CacheVersion)
	for _, p := range status.Partitions {
		printStatus("Partition", "%s: %d entries, %d bytes", p.Name, p.Entries, p.BodyBytes)
	}
	printStatus("Queue", "%d pending", status.QueueLength)
	if status.Processing {
		printStatus("Processor", "draining")
	}
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
