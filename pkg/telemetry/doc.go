// Package telemetry provides observability instrumentation for devloop.
//
// The telemetry package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing into a unified system
// for monitoring workflows, validation runs and merge decisions.
//
// # Architecture
//
// The telemetry system is built on four pillars:
//
//  1. Structured Logging - zerolog with configurable level and sink
//  2. Distributed Tracing - OpenTelemetry traces with OTLP or stdout exporters
//  3. Metrics Collection - Prometheus metrics in a private registry
//  4. Event Publishing - Async event fan-out that implements engine.Notifier
//
// # Usage
//
// Initialize telemetry at process startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// # Structured Logging
//
// Logger builds the process zerolog.Logger from LoggingConfig. Core
// components take a plain zerolog.Logger and add their own fields:
//
//	logger := tel.Logger.Zerolog().With().Str("component", "controller").Logger()
//	logger.Info().Str("workflow_id", id).Msg("Validation started")
//
// # Distributed Tracing
//
// The controller opens one span per workflow iteration and the validation
// pipeline one span per run, with an event per phase. A nil *Tracer falls
// back to the global OpenTelemetry provider, which is a no-op unless
// NewTracer installed one.
//
// # Metrics
//
// Key metrics exposed (namespace "devloop"):
//
//  - devloop_workflows_started_total{project}
//  - devloop_workflows_finished_total{state}
//  - devloop_workflow_duration_seconds{state}
//  - devloop_state_transitions_total{from,to}
//  - devloop_state_timeouts_total{state}
//  - devloop_active_workflows
//  - devloop_agent_runs_total{phase,status}
//  - devloop_validation_runs_total{status}
//  - devloop_validation_phase_duration_seconds{phase}
//  - devloop_merge_decisions_total{decision,executed}
//  - devloop_errors_total{class,source}
//
// All Record* methods are safe on a nil *Metrics.
//
// # Event Publishing
//
// EventPublisher.Emit is the notification sink handed to the workflow core.
// It never blocks: when the buffer is full the event is dropped and counted.
//
//	tel.Events.Subscribe(func(event telemetry.Event) {
//	    fmt.Printf("%s %s\n", event.Type, event.Message)
//	}, telemetry.FilterByWorkflowID(id))
//
// # Graceful Shutdown
//
// Shutdown flushes buffered events, exports pending spans and stops the
// metrics server.
package telemetry
