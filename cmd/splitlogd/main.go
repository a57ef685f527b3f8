// Command splitlogd is the Split-Log Manager entrypoint: it loads
// configuration, dials the coordination store, and runs until signaled to
// stop, driving log-split batches submitted via SplitDistributed.
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
	"github.com/walsplit/splitlog/internal/manager"
	"github.com/walsplit/splitlog/internal/membership"
	"github.com/walsplit/splitlog/internal/metrics"
	"github.com/walsplit/splitlog/internal/zkclient"
	"github.com/walsplit/splitlog/pkg/health"
	"github.com/walsplit/splitlog/pkg/retry"
	"github.com/walsplit/splitlog/pkg/types"
	"github.com/walsplit/splitlog/pkg/utils"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	basePath := flag.String("base-path", "/hbase", "coordination-store base path")
	identity := flag.String("identity", hostnameOrDefault(), "this master's writer identity")
	recovery := flag.Bool("recovery", false, "start in master-recovery mode (skip the timeout monitor)")
	debugSession := flag.String("debug-session", "", "if set, trace enqueue events under this debug session ID")
	flag.Parse()

	cfg := config.NewDefault()
	if *configPath != "" {
		if err := cfg.LoadFromFile(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "splitlogd: %v\n", err)
			os.Exit(1)
		}
	}
	_ = cfg.LoadFromEnv()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "splitlogd: invalid configuration: %v\n", err)
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
		fmt.Fprintf(os.Stderr, "splitlogd: failed to init logger: %v\n", err)
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
			Subsystem: "manager",
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

	memberTracker := membership.New(membership.DefaultConfig())

	mgrCfg := manager.DefaultConfig()
	mgrCfg.BasePath = *basePath
	mgrCfg.SelfIdentity = *identity
	mgrCfg.Retries = cfg.SplitLog.ZK.Retries
	mgrCfg.MaxResubmit = cfg.SplitLog.MaxResubmit
	mgrCfg.ManagerTimeout = cfg.SplitLog.ManagerTimeout
	mgrCfg.ManagerUnassignedTimeout = cfg.SplitLog.ManagerUnassignedTimeout
	mgrCfg.TimeoutMonitorPeriod = cfg.SplitLog.TimeoutMonitorPeriod

	mgr := manager.New(mgrCfg, store, filestore.NewLocalLogStore(), nil, memberTracker, sink, logger)

	healthTracker := health.NewTracker(health.DefaultConfig())
	healthMonitor := health.NewMonitor(healthTracker)
	healthMonitor.Register(mgr)
	healthMonitor.Register(store)

	baseCtx := context.Background()
	if *debugSession != "" {
		utils.GetDebugManager().SetLogger(logger)
		utils.GetDebugManager().StartSession(*debugSession, []string{"manager", "worker", "zkclient"}, 0)
		baseCtx = utils.WithContext(baseCtx, *debugSession)
	}

	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()
	go healthMonitor.Run(ctx)

	if err := mgr.FinishInitialization(ctx, *recovery); err != nil {
		logger.Fatal("failed to initialize manager", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("splitlogd shutting down", nil)
	mgr.Stop()
}

func hostnameOrDefault() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "splitlogd"
	}
	return h
}
