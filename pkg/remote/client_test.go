package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/devloop/pkg/engine"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := New(Config{
		BaseURL:      server.URL + "/gateway/",
		Token:        "secret-token",
		Timeout:      5 * time.Second,
		MaxRetries:   2,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 5 * time.Millisecond,
	}, zerolog.Nop())
	require.NoError(t, err)
	return client
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNew(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "missing url", cfg: Config{}},
		{name: "bad scheme", cfg: Config{BaseURL: "ftp://gateway"}},
		{name: "negative retries", cfg: Config{BaseURL: "https://gateway", MaxRetries: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, zerolog.Nop())
			assert.Error(t, err)
		})
	}
}

func TestCreateAgentRun(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gateway/v1/projects/shop/agent-runs", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req createRunRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Build a checkout page", req.Prompt)
		assert.Equal(t, "wf-1", req.Context.WorkflowID)
		assert.Equal(t, "planning", req.Context.Phase)

		writeJSON(w, http.StatusCreated, createRunResponse{RunID: "run-42"})
	})
	client := newTestClient(t, mux)

	runID, err := client.CreateAgentRun(context.Background(), "shop", "Build a checkout page", engine.AgentRunContext{
		WorkflowID: "wf-1",
		Phase:      "planning",
	})
	require.NoError(t, err)
	assert.Equal(t, "run-42", runID)
}

func TestCreateAgentRun_Errors(t *testing.T) {
	t.Run("empty project", func(t *testing.T) {
		client := newTestClient(t, http.NewServeMux())
		_, err := client.CreateAgentRun(context.Background(), "", "p", engine.AgentRunContext{})
		assert.True(t, engine.IsPermanent(err))
	})

	t.Run("missing run id", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/gateway/v1/projects/shop/agent-runs", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{})
		})
		client := newTestClient(t, mux)

		_, err := client.CreateAgentRun(context.Background(), "shop", "p", engine.AgentRunContext{})
		assert.True(t, engine.IsPermanent(err))
	})

	t.Run("unauthorized", func(t *testing.T) {
		var calls int32
		mux := http.NewServeMux()
		mux.HandleFunc("/gateway/v1/projects/shop/agent-runs", func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "bad token"})
		})
		client := newTestClient(t, mux)

		_, err := client.CreateAgentRun(context.Background(), "shop", "p", engine.AgentRunContext{})
		require.Error(t, err)
		assert.True(t, engine.IsPermanent(err))
		assert.Contains(t, err.Error(), "bad token")
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})
}

func TestGetAgentRunStatus(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/gateway/v1/agent-runs/run-42", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "warming up"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":           "completed",
			"response_type":    "pr",
			"response_content": "Opened PR",
			"pr_number":        7,
			"pr_url":           "https://github.com/acme/shop/pull/7",
		})
	})
	client := newTestClient(t, mux)

	status, err := client.GetAgentRunStatus(context.Background(), "run-42")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, "run-42", status.RunID)
	assert.Equal(t, engine.AgentRunCompleted, status.Status)
	assert.Equal(t, engine.ResponsePR, status.ResponseType)
	assert.Equal(t, 7, status.PRNumber)
}

func TestGetAgentRunStatus_Errors(t *testing.T) {
	t.Run("retries exhausted", func(t *testing.T) {
		var calls int32
		mux := http.NewServeMux()
		mux.HandleFunc("/gateway/v1/agent-runs/run-42", func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			writeJSON(w, http.StatusBadGateway, map[string]string{"message": "upstream down"})
		})
		client := newTestClient(t, mux)

		_, err := client.GetAgentRunStatus(context.Background(), "run-42")
		require.Error(t, err)
		assert.True(t, engine.IsTransient(err))
		assert.True(t, engine.IsRetryable(err))
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})

	t.Run("throttled", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/gateway/v1/agent-runs/run-42", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "0")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "slow down"})
		})
		client := newTestClient(t, mux)

		_, err := client.GetAgentRunStatus(context.Background(), "run-42")
		assert.True(t, engine.IsThrottled(err))
	})

	t.Run("unknown status", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/gateway/v1/agent-runs/run-42", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "exploded"})
		})
		client := newTestClient(t, mux)

		_, err := client.GetAgentRunStatus(context.Background(), "run-42")
		require.Error(t, err)
		assert.True(t, engine.IsPermanent(err))
	})

	t.Run("not found", func(t *testing.T) {
		client := newTestClient(t, http.NewServeMux())

		_, err := client.GetAgentRunStatus(context.Background(), "run-missing")
		assert.True(t, engine.IsNotFound(err))
	})

	t.Run("cancelled", func(t *testing.T) {
		client := newTestClient(t, http.NewServeMux())
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := client.GetAgentRunStatus(ctx, "run-42")
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, engine.IsRetryable(err))
	})
}

func TestAnalyzeDeployment(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gateway/v1/analysis/deployment", func(w http.ResponseWriter, r *http.Request) {
		var req deploymentAnalysisRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 7, req.Request.PRNumber)
		require.Len(t, req.Results, 1)
		assert.Equal(t, "npm test", req.Results[0].Command)

		writeJSON(w, http.StatusOK, engine.Analysis{
			Success:    true,
			Confidence: 0.92,
			Summary:    "all good",
			Issues:     []engine.Issue{{Severity: engine.SeverityWarning, Message: "slow test"}},
		})
	})
	client := newTestClient(t, mux)

	analysis, err := client.AnalyzeDeployment(context.Background(),
		[]engine.DeploymentResult{{Command: "npm test", Success: true}},
		engine.AnalysisRequest{ProjectName: "shop", PRNumber: 7})
	require.NoError(t, err)
	assert.True(t, analysis.Success)
	assert.InDelta(t, 0.92, analysis.Confidence, 1e-9)
	assert.Len(t, analysis.Issues, 1)
}

func TestAnalyzeWebEval(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gateway/v1/analysis/web-eval", func(w http.ResponseWriter, r *http.Request) {
		var req webEvalAnalysisRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotNil(t, req.Result)
		assert.Equal(t, 3, req.Result.TestsRun)

		writeJSON(w, http.StatusOK, engine.Analysis{Success: false, Confidence: 1.7})
	})
	client := newTestClient(t, mux)

	_, err := client.AnalyzeWebEval(context.Background(), nil, engine.AnalysisRequest{})
	assert.True(t, engine.IsPermanent(err))

	_, err = client.AnalyzeWebEval(context.Background(), &engine.WebEvalResult{TestsRun: 3}, engine.AnalysisRequest{})
	require.Error(t, err, "confidence outside [0, 1] must be rejected")
	assert.True(t, engine.IsPermanent(err))
}

func TestWebEvalRun(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gateway/v1/web-eval", func(w http.ResponseWriter, r *http.Request) {
		var req webEvalRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "snap-1", req.SnapshotID)
		assert.Equal(t, "https://pr-7.preview.example.com", req.TargetURL)

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":      true,
			"tests_run":    4,
			"tests_passed": 4,
		})
	})
	client := newTestClient(t, mux)

	var progress []string
	result, err := client.Run(context.Background(),
		&engine.Snapshot{ID: "snap-1", Project: "shop", PRNumber: 7},
		"https://pr-7.preview.example.com",
		func(msg string) { progress = append(progress, msg) })
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "https://pr-7.preview.example.com", result.TargetURL)
	assert.Equal(t, []string{
		"Starting web evaluation of https://pr-7.preview.example.com",
		"Web evaluation finished: 4/4 passed",
	}, progress)

	_, err = client.Run(context.Background(), nil, "", nil)
	assert.True(t, engine.IsPermanent(err))
}

func TestDo_SuccessBodyIsDecoded(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gateway/v1/echo", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"error": "", "value": "kept"})
	})
	mux.HandleFunc("/gateway/v1/empty", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	client := newTestClient(t, mux)

	var out struct {
		Value string `json:"value"`
	}
	require.NoError(t, client.do(context.Background(), http.MethodGet, "/v1/echo", nil, &out))
	assert.Equal(t, "kept", out.Value)

	require.NoError(t, client.do(context.Background(), http.MethodPost, "/v1/empty", map[string]int{"n": 1}, nil))
}
