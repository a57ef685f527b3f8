/*
Package config provides YAML and environment-variable driven configuration
for the manager and worker processes.

Configuration sources, lowest to highest precedence: compiled-in defaults
(NewDefault), a YAML file (LoadFromFile), then environment variables
(LoadFromEnv).

# Configuration file format

	global:
	  log_level: INFO
	  metrics_port: 8080
	  health_port: 8081

	splitlog:
	  zk:
	    servers: ["zk1:2181", "zk2:2181"]
	    session_timeout: 10s
	    retries: 3
	  max_resubmit: 3
	  manager_timeout: 5m
	  manager_unassigned_timeout: 3m
	  timeoutmonitor_period: 30s

	monitoring:
	  metrics:
	    enabled: true
	    port: 9090

Call Validate after loading to catch an empty ZK server list, a non-positive
timeout, or clashing metrics/health ports before the process starts serving.
*/
package config
