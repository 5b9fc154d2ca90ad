/*
Package log provides structured logging for invgraph using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging with
component-specific loggers, configurable log levels, and helper functions for
common logging patterns. All logs include timestamps and support filtering by
severity level for production debugging.

# Architecture

invgraph's logging system provides structured JSON logging with minimal overhead:

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout, file, or custom writer   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Component Loggers                   │          │
	│  │  - WithComponent("syncengine")               │          │
	│  │  - WithNodeID("aws:123:us-east-1:...")      │          │
	│  │  - WithSnapshotID("snap-abc123")             │          │
	│  │  - WithChangeRequestID("cr-def456")          │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │                                              │          │
	│  │  JSON Format:                               │          │
	│  │  {                                           │          │
	│  │    "level": "info",                         │          │
	│  │    "component": "syncengine",               │          │
	│  │    "time": "2026-07-31T10:30:00Z",         │          │
	│  │    "message": "sync completed"               │          │
	│  │  }                                           │          │
	│  │                                              │          │
	│  │  Console Format:                            │          │
	│  │  2026-07-31T10:30:00Z INF sync completed component=syncengine │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from all invgraph packages
  - Thread-safe concurrent writes

Log Levels:
  - Debug: Detailed debugging information
  - Info: General informational messages
  - Warn: Warning messages (potential issues)
  - Error: Error messages (operation failed)

Configuration:
  - Level: Filter messages below threshold
  - JSONOutput: JSON vs human-readable console
  - Output: io.Writer for log destination (stdout, file)

Context Loggers:
  - WithComponent: Add component name to all logs
  - WithNodeID: Add graph node ID context
  - WithSnapshotID: Add temporal snapshot ID context
  - WithChangeRequestID: Add change request ID context

# Log Levels

Debug Level:
  - Purpose: Detailed debugging information
  - Usage: Development and troubleshooting
  - Performance: Verbose, may impact production
  - Example: "Evaluating policy rule: prod-delete-deny"

Info Level:
  - Purpose: General informational messages
  - Usage: Default production level
  - Performance: Moderate volume
  - Example: "Sync completed: 42 created, 7 updated, 1 disappeared"

Warn Level:
  - Purpose: Potential issues or unexpected conditions
  - Usage: Situations that may require attention
  - Performance: Low volume
  - Example: "Policy service call failed, failing open"

Error Level:
  - Purpose: Operation failures that need investigation
  - Usage: Failed operations, exceptions
  - Performance: Low volume
  - Example: "Failed to persist snapshot: disk full"

# Usage

Initializing the Logger:

	import "github.com/invgraph/invgraph/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

	// Custom output (file)
	file, _ := os.OpenFile("/var/log/invgraph.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     file,
	})

Simple Logging:

	log.Info("graph store opened")
	log.Debug("checking node for drift")
	log.Warn("anomaly detector skipped: insufficient history")
	log.Error("failed to evaluate policy")

Structured Logging:

	log.Logger.Info().
		Str("change_request_id", "cr-123").
		Int("violations", 1).
		Msg("change request evaluated")

	log.Logger.Error().
		Err(err).
		Str("node_id", "aws:123:us-east-1:ec2-instance:i-1").
		Msg("node upsert failed")

Component Loggers:

	// Create component-specific logger
	syncLog := log.WithComponent("syncengine")
	syncLog.Info().Msg("starting sync cycle")
	syncLog.Debug().Str("source", "aws-discovery").Msg("discovering resources")

	// Multiple context fields
	driftLog := log.WithComponent("drift").
		With().Str("node_id", "node-abc").
		Str("field", "tags").Logger()
	driftLog.Info().Msg("drift classified")
	driftLog.Error().Err(err).Msg("drift detection failed")

Context Logger Helpers:

	// Node-specific logs
	nodeLog := log.WithNodeID("aws:123:us-east-1:ec2-instance:i-1")
	nodeLog.Info().Msg("node upserted")

	// Snapshot-specific logs
	snapLog := log.WithSnapshotID("snap-abc123")
	snapLog.Info().Msg("snapshot created")

	// Change-request-specific logs
	crLog := log.WithChangeRequestID("cr-def456")
	crLog.Info().Msg("change request transitioned")

Complete Example:

	package main

	import (
		"errors"
		"os"
		"github.com/invgraph/invgraph/pkg/log"
	)

	func main() {
		// Initialize logger
		log.Init(log.Config{
			Level:      log.InfoLevel,
			JSONOutput: true,
			Output:     os.Stdout,
		})

		log.Info("invgraph starting")

		// Component-specific logging
		syncLog := log.WithComponent("syncengine")
		syncLog.Info().
			Str("node_id", "node-1").
			Int("sources", 3).
			Msg("sync cycle starting")

		// Error logging
		err := errors.New("connection refused")
		log.Logger.Error().
			Err(err).
			Str("component", "discovery").
			Msg("failed to reach cloud provider API")

		log.Info("invgraph stopped")
	}

# Integration Points

This package integrates with:

  - pkg/syncengine: Logs sync cycle completion and per-source failures
  - pkg/temporal: Logs snapshot creation
  - pkg/drift: Logs drift classification results
  - pkg/governance: Logs change request state transitions
  - pkg/graph: Logs Raft shutdown errors
  - pkg/policy: Logs remote policy call failures

# Log Output Examples

JSON Format (Production):

	{"level":"info","component":"syncengine","time":"2026-07-31T10:30:00Z","message":"sync cycle completed"}
	{"level":"info","component":"temporal","snapshot_id":"snap-123","time":"2026-07-31T10:30:01Z","message":"snapshot created"}
	{"level":"error","component":"governance","change_request_id":"cr-abc","error":"policy denied","time":"2026-07-31T10:30:02Z","message":"change request rejected"}

Console Format (Development):

	2026-07-31T10:30:00Z INF sync cycle completed component=syncengine
	2026-07-31T10:30:01Z INF snapshot created component=temporal snapshot_id=snap-123
	2026-07-31T10:30:02Z ERR change request rejected component=governance change_request_id=cr-abc error="policy denied"

# Design Patterns

Global Logger Pattern:
  - Single package-level Logger instance
  - Initialized once at application start
  - Accessible from all packages without passing
  - Simplifies logging in deeply nested calls

Context Logger Pattern:
  - Create child loggers with context fields
  - Pass context loggers to functions
  - Automatically includes context in all logs
  - Avoids repetitive field specification

Structured Logging Pattern:
  - Use typed fields (.Str, .Int, .Err)
  - Enables log aggregation and querying
  - Better than string concatenation
  - Parseable by log analysis tools

Error Logging Pattern:
  - Always use .Err(err) for error objects
  - Records the error message in the "error" field
  - Enables error tracking and alerting
  - Consistent error format across codebase

# Performance Characteristics

Logging Overhead:
  - Disabled level: 0ns (compile-time optimization)
  - JSON encode: ~500ns per log line
  - Console format: ~1µs per log line
  - String field: +50ns per field
  - Int field: +30ns per field

Memory Allocation:
  - Zero allocation for disabled levels
  - ~100 bytes per log line (JSON)
  - ~200 bytes per log line (console)
  - Amortized by buffer pooling

Throughput:
  - JSON: ~2M log lines per second
  - Console: ~1M log lines per second
  - Bottleneck: I/O write speed
  - Async writes recommended for high volume

Log Level Impact:
  - Debug: High volume, use in development only
  - Info: Moderate volume, suitable for production
  - Warn/Error: Low volume, minimal impact
  - Recommendation: Info level in production

# Troubleshooting

Common Issues:

No Log Output:
  - Symptom: No logs appearing
  - Check: log.Init() called before logging
  - Check: Log level set appropriately (Debug < Info < Warn < Error)
  - Solution: Initialize logger in main() before any logging

Excessive Log Volume:
  - Symptom: Disk space fills quickly
  - Cause: Debug level in production
  - Check: Log level configuration
  - Solution: Use Info level in production, rotate logs

Missing Context Fields:
  - Symptom: Logs missing component or ID fields
  - Cause: Using global Logger instead of context logger
  - Solution: Use WithComponent() or create child loggers

Log Parsing Fails:
  - Symptom: Cannot parse JSON logs
  - Cause: Invalid JSON in message field
  - Check: Embedded quotes or control characters
  - Solution: Use .Str() instead of string interpolation

Performance Degradation:
  - Symptom: Slow application performance
  - Cause: Excessive logging in hot path
  - Check: Log statements in tight loops
  - Solution: Reduce log frequency, use sampling

# Log Rotation

File-Based Logging:

invgraph doesn't include built-in log rotation. Use external tools:

Logrotate (Linux):
	# /etc/logrotate.d/invgraph
	/var/log/invgraph/*.log {
	    daily
	    rotate 7
	    compress
	    delaycompress
	    missingok
	    notifempty
	    copytruncate
	}

Systemd Journal:
	# Automatic rotation by systemd
	journalctl -u invgraph -f

Docker/Kubernetes:
	# Use container runtime log drivers
	# JSON logs to stdout (already implemented)

# Log Aggregation

Recommended Tools:

Elasticsearch + Filebeat:
  - Filebeat ships logs to Elasticsearch
  - Kibana for visualization and search
  - Query: component:"syncengine" AND level:"error"

Loki + Promtail:
  - Lightweight log aggregation
  - Grafana integration
  - Query: {component="governance"} |= "rejected"

CloudWatch Logs:
  - AWS native log aggregation
  - Metric filters for alerting
  - Query: fields @message | filter component = "syncengine"

Datadog:
  - Full-stack observability
  - APM and log correlation
  - Query: service:invgraph component:drift status:error

# Monitoring

Log-Based Alerts:

High Error Rate:
  - Query: rate(log entries with level="error"[5m]) > 10
  - Description: More than 10 errors per second
  - Action: Check recent errors, investigate root cause

No Logs:
  - Query: absent(log entries[1m])
  - Description: No logs received in 1 minute
  - Action: Check invgraph process, log pipeline

Specific Error Pattern:
  - Query: log entries containing "policy service unreachable"
  - Description: Remote policy evaluator connectivity issues
  - Action: Check policy service status, network path

# Security

Log Content:
  - Never log secrets or sensitive data
  - Redact tokens, passwords, API keys (see pkg/governance redaction)
  - Use log scrubbing for compliance (GDPR, PCI)
  - Review logs before sharing externally

Log Access:
  - Restrict log file permissions (0640)
  - Limit log aggregation access (RBAC)
  - Audit log access in production
  - Encrypt logs at rest and in transit

Log Injection:
  - Use structured logging (prevents injection)
  - Never concatenate user input into log messages
  - Use typed fields (.Str, .Int) for user data
  - Validate/sanitize before logging if necessary

# Best Practices

Do:
  - Use Info level for production
  - Use structured fields for queryable data
  - Create component-specific loggers
  - Log errors with .Err() so they land in the "error" field
  - Include context (node ID, snapshot ID, change request ID)

Don't:
  - Log sensitive data (secrets, passwords)
  - Use Debug level in production
  - Log in tight loops (use sampling)
  - Concatenate strings (use .Str, .Int)
  - Block on log writes (use buffered output)

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
  - Structured logging: https://www.thoughtworks.com/radar/techniques/structured-logging
  - 12-Factor App Logs: https://12factor.net/logs
  - Log aggregation: https://www.elastic.co/what-is/log-aggregation
*/
package log
