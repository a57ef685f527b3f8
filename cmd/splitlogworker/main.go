// Command splitlogworker is the Split-Log Worker entrypoint: it races
// peers to claim task nodes under the coordination store's task parent,
// splits the claimed WAL file, and publishes its terminal outcome.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/walsplit/splitlog/internal/config"
	"github.com/walsplit/splitlog/internal/filestore"
	"github.com/walsplit/splitlog/internal/metrics"
	"github.com/walsplit/splitlog/internal/worker"
	"github.com/walsplit/splitlog/internal/zkclient"
	"github.com/walsplit/splitlog/pkg/health"
	"github.com/walsplit/splitlog/pkg/retry"
	"github.com/walsplit/splitlog/pkg/types"
	"github.com/walsplit/splitlog/pkg/utils"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	basePath := flag.String("base-path", "/hbase", "coordination-store base path")
	identity := flag.String("identity", hostnameOrDefault(), "this worker's writer identity")
	recoveredDir := flag.String("recovered-edits-dir", "/hbase/recovered-edits", "root directory for recovered-edits output")
	debugSession := flag.String("debug-session", "", "if set, trace claim/split events under this debug session ID")
	flag.Parse()

	cfg := config.NewDefault()
	if *configPath != "" {
		if err := cfg.LoadFromFile(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "splitlogworker: %v\n", err)
			os.Exit(1)
		}
	}
	_ = cfg.LoadFromEnv()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "splitlogworker: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	level, err := utils.ParseLogLevel(cfg.Global.LogLevel)
	if err != nil {
		level = utils.INFO
	}
	loggerCfg := utils.DefaultStructuredLoggerConfig()
	loggerCfg.Level = level
	logger, err := utils.NewStructuredLogger(loggerCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "splitlogworker: failed to init logger: %v\n", err)
		os.Exit(1)
	}

	zkConf := zkclient.DefaultConfig()
	zkConf.Servers = cfg.SplitLog.ZK.Servers
	zkConf.SessionTimeout = cfg.SplitLog.ZK.SessionTimeout
	zkConf.DefaultRetries = cfg.SplitLog.ZK.Retries
	zkConf.Logger = logger

	var store *zkclient.Client
	bootstrapCtx, bootstrapCancel := context.WithTimeout(context.Background(), 30*time.Second)
	dialErr := retry.RetryWithBackoff(bootstrapCtx, 5, func() error {
		var err error
		store, err = zkclient.New(zkConf)
		return err
	})
	bootstrapCancel()
	if dialErr != nil {
		logger.Fatal("failed to connect to coordination store", map[string]interface{}{"error": dialErr.Error()})
		os.Exit(1)
	}
	defer store.Close()

	var sink types.MetricsSink = types.NoopMetricsSink{}
	if cfg.Monitoring.Metrics.Enabled {
		collector, err := metrics.NewCollector(&metrics.Config{
			Enabled:   true,
			Port:      cfg.Monitoring.Metrics.Port,
			Path:      "/metrics",
			Namespace: "splitlog",
			Subsystem: "worker",
		})
		if err != nil {
			logger.Fatal("failed to init metrics", map[string]interface{}{"error": err.Error()})
			os.Exit(1)
		}
		ctx := context.Background()
		_ = collector.Start(ctx)
		defer collector.Stop(ctx)
		sink = collector
	}

	files := filestore.NewLocalLogStore()
	splitter := worker.NewFileSplitter(files, *recoveredDir)

	wcfg := worker.DefaultConfig()
	wcfg.BasePath = *basePath
	wcfg.SelfIdentity = *identity

	w := worker.New(wcfg, store, splitter, sink, logger)

	healthTracker := health.NewTracker(health.DefaultConfig())
	healthMonitor := health.NewMonitor(healthTracker)
	healthMonitor.Register(w)
	healthMonitor.Register(store)

	baseCtx := context.Background()
	if *debugSession != "" {
		utils.GetDebugManager().SetLogger(logger)
		utils.GetDebugManager().StartSession(*debugSession, []string{"worker"}, 0)
		baseCtx = utils.WithContext(baseCtx, *debugSession)
	}

	ctx, cancel := context.WithCancel(baseCtx)
	go healthMonitor.Run(ctx)
	go func() {
		if err := w.Run(ctx); err != nil {
			logger.Error("worker run loop exited with error", map[string]interface{}{"error": err.Error()})
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("splitlogworker shutting down", nil)
	w.Stop()
	cancel()
}

func hostnameOrDefault() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "splitlogworker"
	}
	return h
}
