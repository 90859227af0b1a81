// Package telemetry provides comprehensive observability instrumentation for Groundcrew.
//
// The telemetry package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing into a unified system
// for monitoring and debugging deployment sessions.
//
// # Architecture
//
// The telemetry system is built on four pillars:
//
//  1. Structured Logging - Context-aware logging with zerolog
//  2. Distributed Tracing - OpenTelemetry traces with multiple exporters
//  3. Metrics Collection - Prometheus metrics for operational insights
//  4. Event Publishing - Async event system for front-end subscriptions and audit
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceName = "groundcrew"
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	// Start metrics server
//	if err := tel.StartMetricsServer(); err != nil {
//	    log.Fatal(err)
//	}
//
// Add telemetry to context:
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// The logger provides component-specific logging with automatic context propagation:
//
//	logger := tel.Logger.NewComponentLogger("orchestrator")
//	logger = logger.WithTenant("acme").WithSessionID("3fa2...")
//	logger.Info("Session validated")
//	logger.WithError(err).Error("Plan execution failed")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Distributed Tracing
//
// Tracing provides visibility into session flow and execution latency:
//
//	ctx, span := tel.Tracer.StartSessionSpan(ctx, "plan", tenantID, sessionID)
//	defer span.End()
//
//	if err != nil {
//	    telemetry.RecordError(span, err)
//	}
//
// Supported exporters: OTLP/gRPC (production), Stdout (development)
//
// # Metrics
//
// Prometheus metrics track engine behavior:
//
//	tel.Metrics.RecordSessionStarted("gcp")
//	tel.Metrics.RecordSessionFinished("applied", lifetime)
//	tel.Metrics.RecordExecution("apply", "succeeded", duration)
//	tel.Metrics.RecordPolicyViolation("budget")
//	tel.Metrics.SetVaultEntries(float64(vault.Len()))
//
// Metrics are exposed via HTTP at /metrics (default: :9090/metrics). Key series:
//
//   - groundcrew_sessions_started_total{provider}
//   - groundcrew_sessions_finished_total{state}
//   - groundcrew_executions_total{operation,status}
//   - groundcrew_execution_duration_seconds{operation}
//   - groundcrew_policy_violations_total{check}
//   - groundcrew_vault_entries
//   - groundcrew_capsule_redemptions_total{outcome}
//   - groundcrew_sweep_removed_total{task}
//   - groundcrew_active_applies
//
// # Event Publishing
//
// The event system provides async publishing with buffering and filtering. Front
// ends subscribe to follow session lifecycle and live apply progress:
//
//	tel.Events.Subscribe(func(event telemetry.Event) {
//	    fmt.Printf("Event: %s - %s\n", event.Type, event.Message)
//	}, telemetry.FilterBySessionID(sessionID))
//
//	tel.Events.PublishStateChanged(tenantID, sessionID, "Planning", "PlanReady")
//	tel.Events.PublishProgress(tenantID, sessionID, 2, 3, "db.main: Creating")
//
// Event filters: FilterByLevel, FilterByType, FilterByTenant, FilterBySessionID
//
// # Security Considerations
//
//   - Never log secret payloads or raw project references; log digests only
//   - Capsule redemption failures are recorded without any failure detail
//   - Use secure connections (TLS) for trace exporters in production
//   - Limit metrics endpoint access via network policies
package telemetry
