// ============================================================================
// SceneScape CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for the SceneScape job orchestrator
//
// Command Structure:
//   scenescape                     # Root command
//   ├── serve                      # Start controller + HTTP API
//   ├── scan <dir>                 # Run one scan job locally and print the result
//   │   └── --recursive           # Override media.recursive
//   ├── enqueue                    # Submit task requests to a running server
//   │   ├── --file, -f            # JSON array of task requests
//   │   └── --addr                # Server base URL
//   ├── status                     # Show stats of a running server
//   │   └── --addr                # Server base URL
//   ├── --config, -c              # Config file (default: configs/default.yaml)
//   └── --version
//
// Configuration Management:
//   YAML config file, see config.go. A missing default file falls back to
//   built-in defaults; an explicitly given path must exist.
//
// serve Command:
//   1. Load config and build logger
//   2. Open history archive (if configured)
//   3. Create and start Controller
//   4. Serve HTTP API until SIGINT / SIGTERM
//   5. Shutdown in reverse order: HTTP → Controller → archive
//
//   Examples:
//     ./scenescape serve
//     ./scenescape serve -c custom-config.yaml
//
// scan Command:
//   Runs the scan task in-process with one worker. Prints the final job as
//   JSON and exits non-zero unless the job completed. Ctrl+C cancels it.
//
//   Examples:
//     ./scenescape scan ~/Movies
//     ./scenescape scan ~/Movies --recursive=false
//
// enqueue Command:
//   JSON format:
//   [
//     {"kind": "scan", "params": {"path": "/media/movies"}},
//     {"kind": "images", "params": {"kind": "poster", "paths": ["/abc.jpg"]}}
//   ]
//
//   Examples:
//     ./scenescape enqueue -f tasks.json
//
// ============================================================================

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/scenescape/internal/controller"
	"github.com/ChuLiYu/scenescape/internal/history"
	"github.com/ChuLiYu/scenescape/internal/metrics"
	"github.com/ChuLiYu/scenescape/internal/server"
	"github.com/ChuLiYu/scenescape/internal/tasks"
	"github.com/ChuLiYu/scenescape/pkg/types"
)

var configFile string

// ErrScanFailed scan 任務沒有以 completed 結束
var ErrScanFailed = errors.New("scan did not complete")

var httpClient = &http.Client{Timeout: 10 * time.Second}

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "scenescape",
		Short: "SceneScape: background job orchestrator for media libraries",
		Long: `SceneScape runs media library tasks in the background:
- Bounded worker pool with progress tracking and cancellation
- REST API and WebSocket updates
- Retention sweeps with optional history archive
- Prometheus metrics`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", DefaultConfigPath, "config file path")

	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildScanCommand())
	rootCmd.AddCommand(buildEnqueueCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// setup 載入配置並建立 Logger（輸出到 stderr）
func setup(cmd *cobra.Command) (*Config, *logrus.Logger, error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// ============================================================================
// serve
// ============================================================================

func buildServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the SceneScape API server",
		Long:  "Start the job controller and serve the REST API, WebSocket updates and metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, logger)
		},
	}
}

func runServe(ctx context.Context, cfg *Config, logger *logrus.Logger) error {
	if logger.GetLevel() < logrus.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	store, err := history.Open(cfg.History)
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}
	if store != nil {
		defer store.Close()
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(nil)
	}

	ctrl, err := controller.NewController(cfg.Tasks, controller.Options{
		Logger:  logger,
		Metrics: collector,
		History: store,
	})
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	if err := ctrl.Start(); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}
	defer ctrl.Stop()

	catalog := tasks.NewDefaultCatalog(
		tasks.NewScanner(cfg.Media, logger),
		tasks.NewMetadataEnricher(cfg.Metadata, logger),
		tasks.NewImageFetcher(cfg.Images, logger),
	)
	srv := server.NewServer(ctrl, catalog, server.Options{
		Metrics:  collector,
		ImageDir: cfg.Images.CacheDir,
		Logger:   logger,
	})

	logger.WithFields(logrus.Fields{
		"addr":        cfg.Addr(),
		"workers":     cfg.Tasks.MaxConcurrentTasks,
		"history":     cfg.History.Driver,
		"metrics":     cfg.Metrics.Enabled,
		"max_history": cfg.Tasks.MaxHistory,
	}).Info("SceneScape starting")

	if err := srv.Run(ctx, cfg.Addr(), cfg.Tasks.ShutdownTimeout); err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	logger.Info("Received shutdown signal, stopping gracefully")
	return nil
}

// ============================================================================
// scan
// ============================================================================

func buildScanCommand() *cobra.Command {
	var recursive bool

	cmd := &cobra.Command{
		Use:   "scan <dir>",
		Short: "Scan a media directory in-process",
		Long:  "Run a single scan job locally with one worker and print the finished job as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			params := tasks.ScanParams{Path: args[0]}
			if cmd.Flags().Changed("recursive") {
				params.Recursive = &recursive
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runScan(ctx, cmd.OutOrStdout(), cfg, logger, params)
		},
	}

	cmd.Flags().BoolVar(&recursive, "recursive", true, "descend into subdirectories (default from config)")
	return cmd
}

func runScan(ctx context.Context, out io.Writer, cfg *Config, logger logrus.FieldLogger, params tasks.ScanParams) error {
	taskCfg := cfg.Tasks
	taskCfg.MaxConcurrentTasks = 1

	ctrl, err := controller.NewController(taskCfg, controller.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	if err := ctrl.Start(); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}
	defer ctrl.Stop()

	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}

	// 先訂閱再提交，避免錯過終止通知
	id := types.JobID(uuid.NewString())
	done := make(chan types.Job, 1)
	unsubscribe := ctrl.Subscribe(func(job types.Job) {
		if job.ID == id && job.Status.IsTerminal() {
			select {
			case done <- job:
			default:
			}
		}
	})
	defer unsubscribe()

	catalog := tasks.NewCatalog()
	catalog.Register(tasks.ScanKind(tasks.NewScanner(cfg.Media, logger)))
	if _, err := catalog.Submit(ctrl, tasks.Request{
		Kind:   tasks.KindScan,
		ID:     string(id),
		Params: raw,
	}); err != nil {
		return err
	}

	var job types.Job
	select {
	case job = <-done:
	case <-ctx.Done():
		ctrl.Cancel(id)
		job = <-done
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(job); err != nil {
		return err
	}

	if job.Status != types.StatusCompleted {
		if job.Error != "" {
			return fmt.Errorf("%w: %s: %s", ErrScanFailed, job.Status, job.Error)
		}
		return fmt.Errorf("%w: %s", ErrScanFailed, job.Status)
	}
	return nil
}

// ============================================================================
// enqueue
// ============================================================================

func buildEnqueueCommand() *cobra.Command {
	var jobFile string
	var addr string

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue tasks from a JSON file",
		Long:  "Read task requests from a JSON file and submit them to a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if jobFile == "" {
				return fmt.Errorf("job file is required (use --file or -f)")
			}
			base, err := resolveAddr(addr)
			if err != nil {
				return err
			}
			return enqueueTasks(cmd.OutOrStdout(), jobFile, base)
		},
	}

	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "JSON file containing task requests")
	cmd.Flags().StringVar(&addr, "addr", "", "server base URL (default from config)")
	cmd.MarkFlagRequired("file")

	return cmd
}

func enqueueTasks(out io.Writer, filePath, baseURL string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read job file: %w", err)
	}

	var requests []tasks.Request
	if err := json.Unmarshal(data, &requests); err != nil {
		return fmt.Errorf("failed to parse job file: %w", err)
	}

	successCount := 0
	for i, req := range requests {
		id, err := postTask(baseURL, req)
		if err != nil {
			fmt.Fprintf(out, "✗ #%d %s: %v\n", i, req.Kind, err)
			continue
		}
		fmt.Fprintf(out, "✓ #%d %s → %s\n", i, req.Kind, id)
		successCount++
	}

	fmt.Fprintf(out, "Submitted %d/%d tasks to %s\n", successCount, len(requests), baseURL)
	if successCount < len(requests) {
		return fmt.Errorf("%d tasks rejected", len(requests)-successCount)
	}
	return nil
}

func postTask(baseURL string, req tasks.Request) (types.JobID, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	resp, err := httpClient.Post(baseURL+"/api/tasks", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var payload struct {
		ID    types.JobID `json:"id"`
		Error string      `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("HTTP %d: %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("HTTP %d: %s", resp.StatusCode, payload.Error)
	}
	return payload.ID, nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show server status",
		Long:  "Display job statistics of a running SceneScape server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := resolveAddr(addr)
			if err != nil {
				return err
			}
			return showStatus(cmd.OutOrStdout(), base)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "server base URL (default from config)")
	return cmd
}

func showStatus(out io.Writer, baseURL string) error {
	resp, err := httpClient.Get(baseURL + "/api/tasks/stats")
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to fetch stats: HTTP %d", resp.StatusCode)
	}

	var stats types.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode stats: %w", err)
	}

	fmt.Fprintln(out, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║           SceneScape Status                               ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	workers := "⚠️  stopped"
	if stats.Running {
		workers = "✅ running"
	}
	fmt.Fprintln(out, "⚙️  Workers:")
	fmt.Fprintf(out, "  ├─ Server:          %s\n", baseURL)
	fmt.Fprintf(out, "  ├─ State:           %s\n", workers)
	fmt.Fprintf(out, "  ├─ Max Concurrent:  %d\n", stats.MaxConcurrent)
	fmt.Fprintf(out, "  ├─ Running Tasks:   %d\n", stats.InFlight)
	fmt.Fprintf(out, "  └─ Queue Size:      %d\n", stats.QueueDepth)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📊 Jobs:")
	fmt.Fprintf(out, "  ├─ Total:           %d\n", stats.TotalJobs)
	statuses := types.AllStatuses
	for i, st := range statuses {
		branch := "├─"
		if i == len(statuses)-1 {
			branch = "└─"
		}
		fmt.Fprintf(out, "  %s %-16s %d\n", branch, string(st)+":", stats.StatusCounts[st])
	}
	fmt.Fprintln(out)

	finished := stats.StatusCounts[types.StatusCompleted] + stats.StatusCounts[types.StatusFailed]
	if finished > 0 {
		successRate := float64(stats.StatusCounts[types.StatusCompleted]) / float64(finished) * 100
		fmt.Fprintf(out, "📈 Success Rate: %.1f%%\n\n", successRate)
	}

	fmt.Fprintln(out, "═══════════════════════════════════════════════════════════")
	return nil
}

// resolveAddr 返回 --addr；未指定時由配置組出 http://host:port
func resolveAddr(addr string) (string, error) {
	if addr == "" {
		cfg, err := loadConfig(configFile)
		if err != nil {
			return "", fmt.Errorf("failed to load config: %w", err)
		}
		addr = "http://" + cfg.Addr()
	}
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/"), nil
}
