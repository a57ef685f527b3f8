package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/walsplit/splitlog/pkg/types"
)

// Collector implements types.MetricsSink on top of a Prometheus registry,
// and serves it over HTTP. The Manager and Worker each hold one, observing
// every task-lifecycle transition they produce.
type Collector struct {
	config *Config

	registry *prometheus.Registry

	tasksEnqueued    prometheus.Counter
	tasksResubmitted *prometheus.CounterVec
	tasksDone        *prometheus.CounterVec
	taskDuration     prometheus.Histogram
	tasksClaimed     prometheus.Counter
	heartbeats       prometheus.Counter
	batchRemaining   prometheus.Gauge

	server *http.Server
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Port:      9090,
			Path:      "/metrics",
			Namespace: "splitlog",
		}
	}

	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	registry := prometheus.NewRegistry()

	collector := &Collector{
		config:   config,
		registry: registry,
	}

	collector.initMetrics()
	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return collector, nil
}

func (c *Collector) initMetrics() {
	c.tasksEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: c.config.Namespace,
		Subsystem: c.config.Subsystem,
		Name:      "tasks_enqueued_total",
		Help:      "Total number of split tasks enqueued by the manager",
	})

	c.tasksResubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "tasks_resubmitted_total",
			Help:      "Total number of task resubmissions by directive",
		},
		[]string{"directive"},
	)

	c.tasksDone = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "tasks_done_total",
			Help:      "Total number of tasks that reached a terminal state, by outcome",
		},
		[]string{"outcome"},
	)

	c.taskDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: c.config.Namespace,
		Subsystem: c.config.Subsystem,
		Name:      "task_duration_seconds",
		Help:      "Time from task enqueue to terminal state",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 16), // 100ms to ~54m
	})

	c.tasksClaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: c.config.Namespace,
		Subsystem: c.config.Subsystem,
		Name:      "tasks_claimed_total",
		Help:      "Total number of tasks this worker won the ownership race for",
	})

	c.heartbeats = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: c.config.Namespace,
		Subsystem: c.config.Subsystem,
		Name:      "heartbeats_total",
		Help:      "Total number of heartbeat CAS updates a worker has published",
	})

	c.batchRemaining = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: c.config.Namespace,
		Subsystem: c.config.Subsystem,
		Name:      "batch_tasks_remaining",
		Help:      "Tasks in the most recently completed batch that had not reached a terminal state",
	})
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.tasksEnqueued,
		c.tasksResubmitted,
		c.tasksDone,
		c.taskDuration,
		c.tasksClaimed,
		c.heartbeats,
		c.batchRemaining,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}

	return nil
}

// Start starts the metrics collection server
func (c *Collector) Start(_ context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", c.healthHandler)

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}

// Stop stops the metrics collection server
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// TaskEnqueued implements types.MetricsSink.
func (c *Collector) TaskEnqueued() {
	if !c.config.Enabled {
		return
	}
	c.tasksEnqueued.Inc()
}

// TaskResubmitted implements types.MetricsSink.
func (c *Collector) TaskResubmitted(directive types.ResubmitDirective) {
	if !c.config.Enabled {
		return
	}
	c.tasksResubmitted.With(prometheus.Labels{"directive": directive.String()}).Inc()
}

// TaskTerminal implements types.MetricsSink.
func (c *Collector) TaskTerminal(status types.TaskStatus) {
	if !c.config.Enabled {
		return
	}
	c.tasksDone.With(prometheus.Labels{"outcome": status.String()}).Inc()
}

// TaskClaimed implements types.MetricsSink.
func (c *Collector) TaskClaimed() {
	if !c.config.Enabled {
		return
	}
	c.tasksClaimed.Inc()
}

// Heartbeat implements types.MetricsSink.
func (c *Collector) Heartbeat() {
	if !c.config.Enabled {
		return
	}
	c.heartbeats.Inc()
}

// BatchCompleted implements types.MetricsSink, recording how many tasks in
// the batch never reached a terminal state.
func (c *Collector) BatchCompleted(snapshot types.BatchSnapshot) {
	if !c.config.Enabled {
		return
	}
	c.batchRemaining.Set(float64(snapshot.Remaining()))
}

// RecordTaskDuration observes the time between a task's enqueue and its
// terminal state against task_duration_seconds. The Manager calls this
// directly since types.MetricsSink has no per-task timing hook.
func (c *Collector) RecordTaskDuration(d time.Duration) {
	if !c.config.Enabled {
		return
	}
	c.taskDuration.Observe(d.Seconds())
}

func (c *Collector) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"splitlog-metrics"}`))
}

var _ types.MetricsSink = (*Collector)(nil)
