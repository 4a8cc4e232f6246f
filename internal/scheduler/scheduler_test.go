package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reprise-dev/reprise/internal/engine"
	"github.com/reprise-dev/reprise/internal/store"
	"github.com/reprise-dev/reprise/pkg/schema"
)

type recordingSubmitter struct {
	mu      sync.Mutex
	subs    []map[string]any
	failFor map[string]bool // workflow names whose submission errors
}

func (r *recordingSubmitter) Submit(ctx context.Context, def *schema.WorkflowDefinition, initial map[string]any, opts engine.SubmitOptions) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failFor[def.Name] {
		return "", schema.NewError(schema.ErrCodeStore, "database is locked")
	}
	r.subs = append(r.subs, initial)
	return "run-1", nil
}

func (r *recordingSubmitter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

func seedJob(t *testing.T, st store.Store, id string, nextRunAt *time.Time, enabled bool) {
	t.Helper()
	err := st.CreateScheduledJob(context.Background(), &store.ScheduledJob{
		ID:             id,
		Name:           "nightly-" + id,
		CronExpression: "0 3 * * *",
		Definition: schema.WorkflowDefinition{
			Name:  "nightly-" + id,
			Steps: []schema.StepDefinition{{Name: "report", Tool: "echo"}},
		},
		Params:    map[string]any{"source": id},
		Enabled:   enabled,
		NextRunAt: nextRunAt,
	})
	require.NoError(t, err)
}

func newTestScheduler(t *testing.T) (*Scheduler, store.Store, *recordingSubmitter) {
	t.Helper()
	st := store.NewMemoryStore()
	sub := &recordingSubmitter{failFor: map[string]bool{}}
	s := New(st, sub, Options{Interval: time.Hour})
	return s, st, sub
}

func TestTick_RunsDueJobs(t *testing.T) {
	s, st, sub := newTestScheduler(t)

	past := time.Now().UTC().Add(-time.Minute)
	future := time.Now().UTC().Add(time.Hour)
	seedJob(t, st, "due", &past, true)
	seedJob(t, st, "never-scheduled", nil, true)
	seedJob(t, st, "future", &future, true)
	seedJob(t, st, "disabled", &past, false)

	s.tick(context.Background())

	// Due and never-scheduled jobs run; future and disabled do not.
	assert.Equal(t, 2, sub.count())

	job, err := st.GetScheduledJob(context.Background(), "due")
	require.NoError(t, err)
	assert.Equal(t, "success", job.LastRunStatus)
	require.NotNil(t, job.LastRunAt)
	require.NotNil(t, job.NextRunAt)
	assert.True(t, job.NextRunAt.After(time.Now().UTC()))

	untouched, err := st.GetScheduledJob(context.Background(), "future")
	require.NoError(t, err)
	assert.Empty(t, untouched.LastRunStatus)
}

func TestTick_JobParamsReachSubmitter(t *testing.T) {
	s, st, sub := newTestScheduler(t)
	past := time.Now().UTC().Add(-time.Minute)
	seedJob(t, st, "due", &past, true)

	s.tick(context.Background())

	require.Equal(t, 1, sub.count())
	assert.Equal(t, "due", sub.subs[0]["source"])
}

func TestTick_SubmissionErrorRecordsStatus(t *testing.T) {
	s, st, sub := newTestScheduler(t)
	past := time.Now().UTC().Add(-time.Minute)
	seedJob(t, st, "broken", &past, true)
	sub.failFor["nightly-broken"] = true

	s.tick(context.Background())

	job, err := st.GetScheduledJob(context.Background(), "broken")
	require.NoError(t, err)
	assert.Equal(t, "error", job.LastRunStatus)
	// The job is still rescheduled so a transient failure self-heals.
	require.NotNil(t, job.NextRunAt)
	assert.True(t, job.NextRunAt.After(time.Now().UTC()))
}

func TestTick_InflightJobNotDoubleRun(t *testing.T) {
	s, st, sub := newTestScheduler(t)
	past := time.Now().UTC().Add(-time.Minute)
	seedJob(t, st, "due", &past, true)

	require.True(t, s.tryAcquire("due"))
	s.tick(context.Background())
	assert.Equal(t, 0, sub.count())

	s.release("due")
	s.tick(context.Background())
	assert.Equal(t, 1, sub.count())
}

func TestCalculateNextRun(t *testing.T) {
	s, _, _ := newTestScheduler(t)

	from := time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC)
	next, err := s.CalculateNextRun("0 3 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC), next)

	_, err = s.CalculateNextRun("not a cron", from)
	assert.Error(t, err)
}

func TestRecoverMissed(t *testing.T) {
	s, st, sub := newTestScheduler(t)
	missed := time.Now().UTC().Add(-24 * time.Hour)
	seedJob(t, st, "missed", &missed, true)

	require.NoError(t, s.RecoverMissed(context.Background()))
	assert.Equal(t, 1, sub.count())

	job, err := st.GetScheduledJob(context.Background(), "missed")
	require.NoError(t, err)
	require.NotNil(t, job.NextRunAt)
	assert.True(t, job.NextRunAt.After(time.Now().UTC()))
}

func TestStartStop(t *testing.T) {
	s, st, sub := newTestScheduler(t)
	past := time.Now().UTC().Add(-time.Minute)
	seedJob(t, st, "due", &past, true)

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))

	assert.Eventually(t, func() bool { return sub.count() >= 1 },
		time.Second, 10*time.Millisecond)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop()) // idempotent
}
