/*
Package metrics implements types.MetricsSink with a Prometheus registry,
exposed over HTTP for scraping.

# Metrics

	tasks_enqueued_total           counter
	tasks_resubmitted_total        counter, labeled by directive (CHECK/FORCE)
	tasks_done_total               counter, labeled by outcome (success/failure/deleted)
	task_duration_seconds          histogram, enqueue to terminal state
	tasks_claimed_total            counter, worker-side ownership-race wins
	heartbeats_total               counter, worker-side heartbeat CAS updates
	batch_tasks_remaining          gauge, set on each BatchCompleted observation

# Usage

	collector, err := metrics.NewCollector(&metrics.Config{Enabled: true, Port: 9090})
	if err != nil {
		log.Fatal(err)
	}
	if err := collector.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer collector.Stop(context.Background())

	mgr := manager.New(cfg, zkClient, files, finisher, tracker, collector, logger)

A disabled collector (Config.Enabled == false) answers every MetricsSink
method as a no-op, so callers never need a nil check.
*/
package metrics
