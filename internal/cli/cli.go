// ============================================================================
// Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for the cluster binaries.
//
// Command structure:
//   asc                          # root
//   ├── controller               # run a controller node until SIGINT/SIGTERM
//   ├── worker                   # run a worker node until SIGINT/SIGTERM
//   ├── submit -f jobs.json      # publish job definitions on the submit channel
//   ├── status                   # one-shot cluster snapshot
//   └── --config, -c             # config file (default configs/default.yaml)
//
// Signal handling:
//   controller and worker trap SIGINT and SIGTERM and shut down gracefully:
//   loops stop at their next checkpoint, a mid-flight job is requeued, and
//   the process exits 0. Startup failures (bad config, unreachable store)
//   surface as errors so main exits non-zero.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/adaptivescrape/asc/internal/controller"
	"github.com/adaptivescrape/asc/internal/dispatch"
	"github.com/adaptivescrape/asc/internal/governor"
	"github.com/adaptivescrape/asc/internal/metrics"
	"github.com/adaptivescrape/asc/internal/parser"
	"github.com/adaptivescrape/asc/internal/proxy"
	"github.com/adaptivescrape/asc/internal/store"
	"github.com/adaptivescrape/asc/internal/useragent"
	"github.com/adaptivescrape/asc/internal/worker"
	"github.com/adaptivescrape/asc/pkg/types"
)

// startupTimeout bounds the store checks a node makes before declaring
// itself healthy.
const startupTimeout = 10 * time.Second

var configFile string

// BuildCLI assembles the asc command tree.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "asc",
		Short: "asc: an adaptive distributed scraping cluster",
		Long: `asc coordinates a fleet of scraping workers through a shared store:
- priority job queues with pub/sub submission
- per-host adaptive politeness (backoff on blocks, cooldown on success)
- rotating proxies and user agents with shared health counters
- worker heartbeats with controller-side reaping`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildControllerCommand())
	rootCmd.AddCommand(buildWorkerCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildControllerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "controller",
		Short: "Run a controller node",
		Long:  "Accept job submissions, feed the priority queues and reap dead workers until SIGINT/SIGTERM.",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runController()
		},
	}
}

func buildWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run a worker node",
		Long:  "Drain the priority queues and publish result records until SIGINT/SIGTERM.",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runWorker()
		},
	}
}

// openStore connects the Redis-backed store for the configured cluster.
func openStore(cfg *Config) (store.Store, store.Keys) {
	s := store.NewRedis(store.RedisConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	return s, store.NewKeys(cfg.Redis.KeyPrefix)
}

// maybeStartMetrics spins up the Prometheus endpoint when enabled and
// returns the collector (nil when disabled).
func maybeStartMetrics(cfg *Config) *metrics.Collector {
	if !cfg.Metrics.Enabled {
		return nil
	}
	collector := metrics.NewCollector()
	go func() {
		slog.Info("Starting metrics server", "port", cfg.Metrics.Port)
		if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
			slog.Error("Metrics server failed", "error", err)
		}
	}()
	return collector
}

func runController() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	setupLogger(cfg)

	st, keys := openStore(cfg)
	defer st.Close()

	collector := maybeStartMetrics(cfg)
	ctrl, err := controller.New(st, keys, collector, controller.Config{
		WorkerTimeout:   time.Duration(cfg.Controller.WorkerTimeout) * time.Second,
		MetricsInterval: time.Duration(cfg.Controller.MetricsUpdateInterval) * time.Second,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	err = ctrl.Start(ctx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}

	waitForShutdownSignal()
	ctrl.Stop()
	return nil
}

func runWorker() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	setupLogger(cfg)

	st, keys := openStore(cfg)
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()
	if err := st.Ping(ctx); err != nil {
		return fmt.Errorf("coordination store unreachable: %w", err)
	}

	collector := maybeStartMetrics(cfg)

	gov := governor.New(st, keys, cfg.governorConfig())
	proxies := proxy.NewManager(st, keys, cfg.Proxies)
	proxies.Initialize(ctx)
	agents := useragent.New(cfg.UserAgents)
	reporter := dispatch.NewReporter(2, 256)
	defer reporter.Close()
	dispatcher := dispatch.New(gov, proxies, agents, reporter, collector)

	w := worker.New(st, keys, dispatcher, parser.NewRegistry(), collector, worker.Config{
		Concurrency:   cfg.Worker.Concurrency,
		WorkerTimeout: time.Duration(cfg.Controller.WorkerTimeout) * time.Second,
	})
	if err := w.Start(); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}

	waitForShutdownSignal()
	w.Stop()
	return nil
}

// waitForShutdownSignal blocks until SIGINT or SIGTERM arrives.
func waitForShutdownSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("Received shutdown signal", "signal", sig.String())
}

// ============================================================================
// submit command
// ============================================================================

func buildSubmitCommand() *cobra.Command {
	var jobFile string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Publish jobs from a JSON file",
		Long:  "Read a JSON array of job definitions and publish each one on the submit channel.",
		RunE: func(_ *cobra.Command, _ []string) error {
			return submitJobs(jobFile)
		},
	}
	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "JSON file containing an array of job definitions")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func submitJobs(path string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	setupLogger(cfg)

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("cannot read job file: %w", err)
	}
	var jobs []json.RawMessage
	if err := json.Unmarshal(data, &jobs); err != nil {
		return fmt.Errorf("job file must be a JSON array of job objects: %w", err)
	}

	st, keys := openStore(cfg)
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	published := 0
	for i, raw := range jobs {
		if err := st.Publish(ctx, keys.SubmitChannel(), string(raw)); err != nil {
			pterm.Error.Printfln("job %d: publish failed: %v", i, err)
			continue
		}
		published++
	}
	pterm.Success.Printfln("Published %d/%d jobs to %s", published, len(jobs), keys.SubmitChannel())
	if published < len(jobs) {
		return fmt.Errorf("%d of %d jobs failed to publish", len(jobs)-published, len(jobs))
	}
	return nil
}

// ============================================================================
// status command
// ============================================================================

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show a cluster snapshot",
		Long:  "Read the queues, workers, counters and proxy stats once and render them.",
		RunE: func(_ *cobra.Command, _ []string) error {
			return showStatus()
		},
	}
}

func showStatus() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	setupLogger(cfg)

	st, keys := openStore(cfg)
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()
	if err := st.Ping(ctx); err != nil {
		return fmt.Errorf("coordination store unreachable: %w", err)
	}

	// Queues.
	queueData := pterm.TableData{{"Priority", "Pending"}}
	var pending int64
	for p := types.MaxPriority; p >= types.MinPriority; p-- {
		n, err := st.LLen(ctx, keys.Queue(p))
		if err != nil {
			return err
		}
		pending += n
		if n > 0 {
			queueData = append(queueData, []string{fmt.Sprintf("p%d", p), fmt.Sprintf("%d", n)})
		}
	}
	processing, err := st.SCard(ctx, keys.Processing())
	if err != nil {
		return err
	}

	// Workers.
	workers, err := st.HGetAll(ctx, keys.WorkersActive())
	if err != nil {
		return err
	}
	workerData := pterm.TableData{{"Worker", "Status", "Current Job", "Last Heartbeat"}}
	for id, raw := range workers {
		var rec types.WorkerRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			workerData = append(workerData, []string{id, "unreadable", "-", "-"})
			continue
		}
		jobID := string(rec.CurrentJobID)
		if jobID == "" {
			jobID = "-"
		}
		workerData = append(workerData, []string{
			id, rec.Status, jobID,
			time.UnixMilli(rec.Timestamp).Format(time.RFC3339),
		})
	}

	// Counters.
	counters, err := st.MGet(ctx, keys.StatsCompleted(), keys.StatsFailed())
	if err != nil {
		return err
	}

	pterm.DefaultHeader.Println("Cluster status")
	summary := pterm.TableData{
		{"Metric", "Value"},
		{"Active workers", fmt.Sprintf("%d", len(workers))},
		{"Pending jobs", fmt.Sprintf("%d", pending)},
		{"Processing jobs", fmt.Sprintf("%d", processing)},
		{"Completed jobs", counterString(counters[0])},
		{"Failed jobs", counterString(counters[1])},
	}
	if err := renderTable(summary); err != nil {
		return err
	}
	if len(queueData) > 1 {
		if err := renderTable(queueData); err != nil {
			return err
		}
	}
	if len(workerData) > 1 {
		if err := renderTable(workerData); err != nil {
			return err
		}
	}

	// Proxy health, when proxies are configured.
	if len(cfg.Proxies) > 0 {
		statKeys := make([]string, len(cfg.Proxies))
		for i, p := range cfg.Proxies {
			statKeys[i] = keys.ProxyStats(p)
		}
		vals, err := st.MGet(ctx, statKeys...)
		if err != nil {
			return err
		}
		proxyData := pterm.TableData{{"Proxy", "Successes", "Failures"}}
		for i, raw := range vals {
			var stats types.ProxyStats
			if raw != nil {
				_ = json.Unmarshal([]byte(*raw), &stats)
			}
			proxyData = append(proxyData, []string{
				cfg.Proxies[i],
				fmt.Sprintf("%d", stats.SuccessCount),
				fmt.Sprintf("%d", stats.FailureCount),
			})
		}
		if err := renderTable(proxyData); err != nil {
			return err
		}
	}
	return nil
}

func renderTable(data pterm.TableData) error {
	out, err := pterm.DefaultTable.WithHasHeader().WithBoxed().WithData(data).Srender()
	if err != nil {
		return err
	}
	pterm.Println(out)
	return nil
}

func counterString(raw *string) string {
	if raw == nil {
		return "0"
	}
	return *raw
}
