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
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/kalambet/streamdl/internal/api"
	"github.com/kalambet/streamdl/internal/config"
	"github.com/kalambet/streamdl/internal/extract"
	"github.com/kalambet/streamdl/internal/logging"
	"github.com/kalambet/streamdl/internal/progress"
	"github.com/kalambet/streamdl/internal/storage"
	"github.com/kalambet/streamdl/internal/ytdlp"
)

const shutdownTimeout = 5 * time.Second

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the streamdl server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running streamdl server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show streamdl server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath() string {
	return filepath.Join(filepath.Dir(config.Path()), "streamdl.pid")
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

func newToolchain(cfg config.Config) *ytdlp.Client {
	return ytdlp.New(ytdlp.Options{
		Binary:         cfg.Toolchain.YtDlpPath,
		FFmpegLocation: cfg.Toolchain.FFmpegPath,
		AudioFormat:    cfg.Extract.AudioFormat,
		AudioQuality:   cfg.Extract.AudioQuality,
	}, nil)
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format}, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	logger.Info("streamdl starting", "version", version)

	// Check whether a server is already answering on the configured address.
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get("http://" + cfg.Addr() + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidFilePath()); pidErr == nil {
			printWarning("streamdl is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("streamdl is already running on %s", cfg.Addr())
		return fmt.Errorf("server already running on %s", cfg.Addr())
	}

	root, err := storage.Open(cfg.Storage.DownloadsDir, logger)
	if err != nil {
		return err
	}
	if err := root.Lock(); err != nil {
		return fmt.Errorf("%s: %w", root.Dir(), err)
	}
	defer root.Unlock()

	if res := root.CleanStale(cfg.Storage.StaleAfter); len(res.Removed) > 0 || len(res.Errors) > 0 {
		logger.Info("stale downloads swept", "removed", len(res.Removed), "errors", len(res.Errors))
	}

	toolchain := newToolchain(cfg)
	for _, st := range ytdlp.CheckBinaries(ytdlp.Requirements(ytdlp.Options{
		Binary:         cfg.Toolchain.YtDlpPath,
		FFmpegLocation: cfg.Toolchain.FFmpegPath,
	})) {
		if st.Available {
			logger.Info("toolchain binary found", "name", st.Name, "path", st.Path)
		} else {
			logger.Warn("toolchain binary missing, downloads will fail", "name", st.Name, "detail", st.Detail)
		}
	}

	pidPath := pidFilePath()
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := progress.NewRegistry(progress.DefaultQueueSize, logger)
	defer registry.Close()

	runner := &extract.Runner{
		Toolchain: toolchain,
		Root:      root,
		Logger:    logger,
	}
	if cfg.Jobs.MaxConcurrent > 0 {
		runner.Sem = semaphore.NewWeighted(int64(cfg.Jobs.MaxConcurrent))
	}

	handler := api.NewHandler(api.Deps{
		Registry:       registry,
		Runner:         runner,
		Root:           root,
		JobContext:     ctx,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Version:        version,
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("streamdl listening", "addr", srv.Addr, "downloads_dir", root.Dir())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func stopServer() error {
	pidPath := pidFilePath()
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("streamdl is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop streamdl (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to streamdl (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	reportStatus(context.Background(), client)

	printStatus("Address", "%s", cfg.Addr())
	printStatus("Downloads", "%s", cfg.Storage.DownloadsDir)
	if pid, err := readPIDFile(pidFilePath()); err == nil {
		printStatus("PID", "%d", pid)
	}
	return nil
}

// reportStatus prints whether the server answers and which version it runs.
// It returns true when the server is healthy.
func reportStatus(ctx context.Context, client *apiClient) bool {
	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
		return false
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		return false
	}

	var info struct {
		Version string `json:"version"`
	}
	if resp, err := client.get(ctx, "/"); err == nil && decodeJSON(resp, &info) == nil && info.Version != "" {
		printStatus("Server", "running (version %s)", info.Version)
	} else {
		printStatus("Server", "running")
	}
	return true
}
