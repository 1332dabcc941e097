package merge

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/devloop/pkg/engine"
)

// mockSCM records calls made against source control.
type mockSCM struct {
	mu       sync.Mutex
	merged   []int
	comments []string
	closed   []int

	mergeErr   error
	commentErr error
	closeErr   error
	notMerged  bool
	lastOpts   engine.MergeOptions
}

func (m *mockSCM) GetPullRequest(ctx context.Context, repo string, number int) (*engine.PullRequest, error) {
	return &engine.PullRequest{Repository: repo, Number: number, State: "open"}, nil
}

func (m *mockSCM) MergePullRequest(ctx context.Context, repo string, number int, opts engine.MergeOptions) (*engine.MergeOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastOpts = opts
	if m.mergeErr != nil {
		return nil, m.mergeErr
	}
	if m.notMerged {
		return &engine.MergeOutcome{Merged: false, Message: "head branch was modified"}, nil
	}
	m.merged = append(m.merged, number)
	return &engine.MergeOutcome{SHA: "abc123", Merged: true}, nil
}

func (m *mockSCM) AddComment(ctx context.Context, repo string, number int, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commentErr != nil {
		return m.commentErr
	}
	m.comments = append(m.comments, body)
	return nil
}

func (m *mockSCM) ClosePullRequest(ctx context.Context, repo string, number int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closeErr != nil {
		return m.closeErr
	}
	m.closed = append(m.closed, number)
	return nil
}

type recordedEvent struct {
	eventType string
	payload   map[string]interface{}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (n *recordingNotifier) Emit(eventType string, payload map[string]interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, recordedEvent{eventType, payload})
}

func TestExecuteAutoMerge(t *testing.T) {
	scm := &mockSCM{}
	exec := NewExecutor(scm, WithMergeMethod(engine.MergeMethodRebase))

	c := perfectContext()
	c.HeadSHA = "deadbeef"
	decision := EvaluateMergeDecision(c)
	require.Equal(t, AutoMerge, decision)

	result := exec.ExecuteMergeDecision(context.Background(), c, decision)
	assert.True(t, result.Success)
	assert.Equal(t, PRStatusMerged, result.PRStatus)
	assert.Equal(t, "abc123", result.MergeSHA)
	assert.Equal(t, []int{42}, scm.merged)
	assert.Equal(t, engine.MergeMethodRebase, scm.lastOpts.Method)
	assert.Equal(t, "deadbeef", scm.lastOpts.SHA)
}

func TestExecuteAutoMergeFailureDoesNotRaise(t *testing.T) {
	scm := &mockSCM{mergeErr: errors.New("merge conflict")}
	exec := NewExecutor(scm)

	result := exec.ExecuteMergeDecision(context.Background(), perfectContext(), AutoMerge)
	assert.False(t, result.Success)
	assert.Equal(t, PRStatusOpen, result.PRStatus)
	assert.Contains(t, result.Error, "merge conflict")
}

func TestExecuteAutoMergeNotMerged(t *testing.T) {
	exec := NewExecutor(&mockSCM{notMerged: true})

	result := exec.ExecuteMergeDecision(context.Background(), perfectContext(), AutoMerge)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "head branch was modified")
}

func TestExecuteManualReview(t *testing.T) {
	scm := &mockSCM{}
	exec := NewExecutor(scm)

	c := perfectContext()
	c.ValidationConfidence = 0.6
	c.Summary = "login page renders slowly"

	result := exec.ExecuteMergeDecision(context.Background(), c, ManualReview)
	assert.True(t, result.Success)
	assert.Equal(t, PRStatusReviewRequested, result.PRStatus)
	require.Len(t, scm.comments, 1)
	assert.Contains(t, scm.comments[0], "Manual review requested")
	assert.Contains(t, scm.comments[0], "login page renders slowly")
	assert.Empty(t, scm.merged)
}

func TestExecuteManualReviewUsesOverrideReason(t *testing.T) {
	scm := &mockSCM{}
	exec := NewExecutor(scm)

	c := perfectContext()
	c.Reason = "merge policy: critical issue CVE-1 blocks merge"

	result := exec.ExecuteMergeDecision(context.Background(), c, ManualReview)
	assert.True(t, result.Success)
	assert.Equal(t, "manual review requested for pull request #42: merge policy: critical issue CVE-1 blocks merge", result.Message)
	require.Len(t, scm.comments, 1)
	assert.Contains(t, scm.comments[0], "critical issue CVE-1 blocks merge")
	assert.NotContains(t, scm.comments[0], "all validation checks passed")
}

func TestExecuteReject(t *testing.T) {
	scm := &mockSCM{}
	exec := NewExecutor(scm)

	c := perfectContext()
	c.DeploymentSuccess = false

	result := exec.ExecuteMergeDecision(context.Background(), c, Reject)
	assert.True(t, result.Success)
	assert.Equal(t, PRStatusClosed, result.PRStatus)
	assert.Len(t, scm.comments, 1)
	assert.Equal(t, []int{42}, scm.closed)
}

func TestExecuteRejectCloseFailure(t *testing.T) {
	scm := &mockSCM{closeErr: errors.New("forbidden")}
	exec := NewExecutor(scm)

	result := exec.ExecuteMergeDecision(context.Background(), perfectContext(), Reject)
	assert.False(t, result.Success)
	assert.Equal(t, "forbidden", result.Error)
}

func TestExecuteRetry(t *testing.T) {
	notifier := &recordingNotifier{}
	exec := NewExecutor(&mockSCM{}, WithNotifier(notifier))

	c := perfectContext()
	c.ValidationSuccess = false
	c.RetryCount = 1

	result := exec.ExecuteMergeDecision(context.Background(), c, Retry)
	assert.True(t, result.Success)
	assert.Equal(t, PRStatusRetryScheduled, result.PRStatus)
	assert.Equal(t, 2, result.RetryCount)

	require.Len(t, notifier.events, 1)
	assert.Equal(t, engine.EventMergeRetryScheduled, notifier.events[0].eventType)
	assert.Equal(t, 2, notifier.events[0].payload["retry_count"])
}

func TestExecuteWithoutSourceControl(t *testing.T) {
	exec := NewExecutor(nil)

	for _, d := range []Decision{AutoMerge, ManualReview, Reject} {
		result := exec.ExecuteMergeDecision(context.Background(), perfectContext(), d)
		assert.False(t, result.Success, d)
	}
}

func TestExecuteUnknownDecision(t *testing.T) {
	result := NewExecutor(&mockSCM{}).ExecuteMergeDecision(context.Background(), perfectContext(), Decision("ship_it"))
	assert.False(t, result.Success)
}
