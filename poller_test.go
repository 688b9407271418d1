package caseselect_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chararch/caseselect"
	"github.com/chararch/caseselect/adapters/catalog"
	"github.com/chararch/caseselect/adapters/memory"
)

func waitTerminal(t *testing.T, engine caseselect.Engine, jobId int64) *caseselect.SelectJob {
	t.Helper()
	var job *caseselect.SelectJob
	require.Eventually(t, func() bool {
		current, err := engine.Job(context.Background(), jobId)
		if err != nil {
			return false
		}
		job = current
		return current.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

func TestPollerDrivesJobToCompletion(t *testing.T) {
	repo, engine, _ := newTestEngine(t, 10)
	ctx := context.Background()

	job, err := engine.StartJob(ctx, "release-1")
	require.NoError(t, err)

	poller := caseselect.NewPoller(engine, 10*time.Millisecond, 50*time.Millisecond)
	poller.Start()
	defer poller.Stop()

	final := waitTerminal(t, engine, job.JobId)
	assert.Equal(t, caseselect.SUCCEEDED, final.Status)
	assert.Equal(t, 100, final.PercentDone)
	assert.Empty(t, final.TodoQueue)

	release, rerr := repo.FindRelease("release-1")
	require.NoError(t, rerr)
	assert.Len(t, release.SelectedSpecimens, 10)
}

func TestPollerObservesCancellation(t *testing.T) {
	repo, engine, _ := newTestEngine(t, 10)
	ctx := context.Background()

	job, err := engine.StartJob(ctx, "release-1")
	require.NoError(t, err)
	require.NoError(t, engine.RequestCancellation(ctx, job.JobId))

	poller := caseselect.NewPoller(engine, 10*time.Millisecond, 50*time.Millisecond)
	poller.Start()
	defer poller.Stop()

	final := waitTerminal(t, engine, job.JobId)
	assert.Equal(t, caseselect.CANCELLED, final.Status)

	release, rerr := repo.FindRelease("release-1")
	require.NoError(t, rerr)
	assert.Empty(t, release.SelectedSpecimens)
}

func TestPollerFailsJobOnInvariantViolation(t *testing.T) {
	repo := memory.New()
	seedRelease(t, repo, "release-1")
	// the catalog knows 3 cases but the queue references a fourth, so
	// materialization comes up short and the job must fail, not hang
	engine := caseselect.NewEngine(repo, catalog.NewMemory(buildCases(3)...), &faultyEvaluator{})

	refs := []caseselect.CaseRef{"case-00", "case-01", "case-02", "case-zz"}
	job, err := repo.CreateJob("release-1", refs)
	require.NoError(t, err)

	poller := caseselect.NewPoller(engine, 10*time.Millisecond, 50*time.Millisecond)
	poller.Start()
	defer poller.Stop()

	final := waitTerminal(t, engine, job.JobId)
	assert.Equal(t, caseselect.FAILED, final.Status)

	// the reason must land on the job's message log, not just the process log
	require.NotEmpty(t, final.Messages)
	last := final.Messages[len(final.Messages)-1]
	assert.Contains(t, last, "Failed: ")
	assert.Contains(t, last, "materialized")

	release, rerr := repo.FindRelease("release-1")
	require.NoError(t, rerr)
	assert.Empty(t, release.SelectedSpecimens)
}

func TestPollerRunsDistinctJobsConcurrently(t *testing.T) {
	repo := memory.New()
	seedRelease(t, repo, "release-1")
	metadata := caseselect.NewApplicationMetadata()
	metadata.Set("use_codes", []string{"GRU"})
	require.NoError(t, repo.SaveRelease(&caseselect.Release{
		Id:                  "release-2",
		DatasetUris:         []string{testDataset},
		ApplicationMetadata: metadata,
	}))

	engine := caseselect.NewEngine(repo, catalog.NewMemory(buildCases(5)...), &faultyEvaluator{})
	ctx := context.Background()

	job1, err := engine.StartJob(ctx, "release-1")
	require.NoError(t, err)
	job2, err := engine.StartJob(ctx, "release-2")
	require.NoError(t, err)

	poller := caseselect.NewPoller(engine, 10*time.Millisecond, 50*time.Millisecond)
	poller.Start()
	defer poller.Stop()

	final1 := waitTerminal(t, engine, job1.JobId)
	final2 := waitTerminal(t, engine, job2.JobId)
	assert.Equal(t, caseselect.SUCCEEDED, final1.Status)
	assert.Equal(t, caseselect.SUCCEEDED, final2.Status)
}
