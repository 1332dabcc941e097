package telemetry

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitSynchronousDelivery(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 4})
	require.NoError(t, err)

	var got []Event
	ep.Subscribe(func(e Event) { got = append(got, e) }, nil)

	ep.Emit("state_transition", map[string]interface{}{
		"workflow_id": "wf-1",
		"project_id":  "shop",
		"from_state":  "idle",
	})

	require.Len(t, got, 1)
	assert.Equal(t, "wf-1", got[0].WorkflowID)
	assert.Equal(t, "shop", got[0].ProjectID)
	assert.Equal(t, "state transition", got[0].Message)
	assert.Equal(t, EventLevelInfo, got[0].Level)
	assert.NotEmpty(t, got[0].ID)
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestEmitLevels(t *testing.T) {
	assert.Equal(t, EventLevelError, levelFor("workflow_failed"))
	assert.Equal(t, EventLevelWarning, levelFor("workflow_cancelled"))
	assert.Equal(t, EventLevelWarning, levelFor("merge_retry_scheduled"))
	assert.Equal(t, EventLevelInfo, levelFor("workflow_completed"))
}

func TestSubscriberPanicDoesNotStopDelivery(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 4})
	require.NoError(t, err)

	delivered := 0
	ep.Subscribe(func(Event) { panic("boom") }, nil)
	ep.Subscribe(func(Event) { delivered++ }, nil)

	ep.Emit("workflow_started", nil)
	assert.Equal(t, 1, delivered)
}

func TestGlobalFilter(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 4})
	require.NoError(t, err)

	var types []string
	ep.AddFilter(FilterByLevel(EventLevelWarning))
	ep.Subscribe(func(e Event) { types = append(types, e.Type) }, nil)

	ep.Emit("workflow_started", nil)
	ep.Emit("workflow_failed", nil)
	ep.Emit("workflow_cancelled", nil)

	assert.Equal(t, []string{"workflow_failed", "workflow_cancelled"}, types)
}

func TestAsyncPublisherFlushesPartialBatch(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{
		Enabled:       true,
		BufferSize:    16,
		MaxBatchSize:  100,
		FlushInterval: time.Hour,
		EnableAsync:   true,
	})
	require.NoError(t, err)
	defer ep.Shutdown(context.Background())

	var mu sync.Mutex
	count := 0
	ep.Subscribe(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}, FilterByType("validation_progress"))

	ep.Emit("validation_progress", nil)
	ep.Emit("validation_progress", nil)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 2
	}, time.Second, 5*time.Millisecond)
}

func TestAsyncPublisherDropsWhenFull(t *testing.T) {
	ep := &EventPublisher{
		config: EventsConfig{Enabled: true, BufferSize: 1, EnableAsync: true},
		buffer: make(chan Event, 1),
	}
	ep.ctx, ep.cancel = context.WithCancel(context.Background())
	defer ep.cancel()

	require.NoError(t, ep.Publish(Event{Type: "a"}))
	assert.Error(t, ep.Publish(Event{Type: "b"}))
	assert.Equal(t, uint64(1), ep.Dropped())
}

func TestDisabledPublisherIsNoop(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: false})
	require.NoError(t, err)
	ep.Emit("workflow_started", nil)
	assert.NoError(t, ep.Shutdown(context.Background()))

	var nilPublisher *EventPublisher
	assert.NoError(t, nilPublisher.Publish(Event{}))
	assert.Zero(t, nilPublisher.Dropped())
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.RecordWorkflowStarted("shop")
	m.RecordWorkflowFinished("completed", time.Second)
	m.RecordMergeDecision("auto_merge", true)
	assert.Nil(t, m.Registry())
	assert.NoError(t, m.Shutdown(context.Background()))
}

func TestMetricsRecordWorkflowLifecycle(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	require.NoError(t, err)

	m.RecordWorkflowStarted("shop")
	m.RecordWorkflowStarted("shop")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.activeWorkflows))

	m.RecordWorkflowFinished("completed", time.Minute)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeWorkflows))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.workflowsFinished.WithLabelValues("completed")))

	m.RecordMergeDecision("reject", false)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.mergeDecisions.WithLabelValues("reject", "false")))

	m.RecordStateTimeout("coding")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stateTimeouts.WithLabelValues("coding")))
}

func TestNewLoggerWritesAtConfiguredLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devloop.log")
	logger, err := NewLogger(LoggingConfig{Level: "warn", Format: "json", Output: path})
	require.NoError(t, err)

	zl := logger.Zerolog()
	zl.Info().Msg("dropped")
	zl.Warn().Str("workflow_id", "wf-1").Msg("kept")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "dropped")
	assert.Contains(t, string(data), `"workflow_id":"wf-1"`)
	assert.Contains(t, string(data), `"message":"kept"`)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Logging.Level = "loud"
	assert.Error(t, cfg.Validate())
}
