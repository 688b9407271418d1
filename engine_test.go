package caseselect_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chararch/caseselect"
	"github.com/chararch/caseselect/adapters/catalog"
	"github.com/chararch/caseselect/adapters/memory"
)

const testDataset = "dataset://cohort-a"

func buildCases(n int) []*caseselect.Case {
	cases := make([]*caseselect.Case, 0, n)
	for i := 0; i < n; i++ {
		caseId := caseselect.CaseRef(fmt.Sprintf("case-%02d", i))
		patientId := fmt.Sprintf("patient-%02d", i)
		cases = append(cases, &caseselect.Case{
			Id:         caseId,
			DatasetUri: testDataset,
			Patients: []*caseselect.Patient{{
				Id:     patientId,
				CaseId: caseId,
				Specimens: []*caseselect.Specimen{{
					Id:           caseselect.SpecimenRef(fmt.Sprintf("specimen-%02d", i)),
					PatientId:    patientId,
					Type:         "blood",
					ConsentCodes: []string{"GRU"},
				}},
			}},
		})
	}
	return cases
}

func seedRelease(t *testing.T, repo caseselect.Repository, releaseId string) {
	t.Helper()
	metadata := caseselect.NewApplicationMetadata()
	metadata.Set("use_codes", []string{"GRU"})
	err := repo.SaveRelease(&caseselect.Release{
		Id:                  releaseId,
		DatasetUris:         []string{testDataset},
		ApplicationMetadata: metadata,
	})
	require.NoError(t, err)
}

// faultyEvaluator selects everything but can be told to fail on given cases
type faultyEvaluator struct {
	mu     sync.Mutex
	failOn map[caseselect.CaseRef]bool
}

func (f *faultyEvaluator) IsSelectable(_ caseselect.ApplicationMetadata, c *caseselect.Case, _ *caseselect.Patient, _ *caseselect.Specimen) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn[c.Id] {
		return false, errors.Errorf("consent lookup unavailable for case %v", c.Id)
	}
	return true, nil
}

func (f *faultyEvaluator) setFault(caseId caseselect.CaseRef, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn == nil {
		f.failOn = map[caseselect.CaseRef]bool{}
	}
	f.failOn[caseId] = fail
}

func newTestEngine(t *testing.T, numCases int) (caseselect.Repository, caseselect.Engine, *faultyEvaluator) {
	t.Helper()
	repo := memory.New()
	seedRelease(t, repo, "release-1")
	evaluator := &faultyEvaluator{}
	engine := caseselect.NewEngine(repo, catalog.NewMemory(buildCases(numCases)...), evaluator)
	return repo, engine, evaluator
}

func TestStartJobSnapshotsQueue(t *testing.T) {
	_, engine, _ := newTestEngine(t, 10)
	ctx := context.Background()

	job, err := engine.StartJob(ctx, "release-1")
	require.NoError(t, err)
	assert.Equal(t, caseselect.RUNNING, job.Status)
	assert.Equal(t, 10, job.InitialTodoCount)
	assert.Len(t, job.TodoQueue, 10)
	assert.Empty(t, job.SelectedSpecimens)
	assert.Equal(t, 0, job.PercentDone)
	assert.Equal(t, []string{"Created"}, job.Messages)
	assert.False(t, job.RequestedCancellation)
	assert.False(t, job.StartTime.IsZero())
	assert.True(t, job.EndTime.IsZero())
}

func TestStartJobUnknownReleaseNotFound(t *testing.T) {
	_, engine, _ := newTestEngine(t, 1)

	_, err := engine.StartJob(context.Background(), "release-nope")
	require.Error(t, err)
	assert.Equal(t, caseselect.ErrCodeNotFound, caseselect.ErrorCode(err))
}

func TestStartJobConflict(t *testing.T) {
	_, engine, _ := newTestEngine(t, 10)
	ctx := context.Background()

	first, err := engine.StartJob(ctx, "release-1")
	require.NoError(t, err)

	_, err = engine.StartJob(ctx, "release-1")
	require.Error(t, err)
	conflict, ok := err.(*caseselect.ConflictError)
	require.True(t, ok, "expected *ConflictError, got %T", err)
	assert.Equal(t, "release-1", conflict.ReleaseId)
	assert.Equal(t, []int64{first.JobId}, conflict.JobIds)

	// the existing job is untouched
	unchanged, ferr := engine.Job(ctx, first.JobId)
	require.NoError(t, ferr)
	assert.Equal(t, caseselect.RUNNING, unchanged.Status)
	assert.Len(t, unchanged.TodoQueue, 10)
}

// scenario: 10 cases, evaluator selects everything, batch size 1
func TestRunBatchesWalksQueue(t *testing.T) {
	repo, engine, _ := newTestEngine(t, 10)
	ctx := context.Background()

	job, err := engine.StartJob(ctx, "release-1")
	require.NoError(t, err)

	lastPercent := 0
	for i := 1; i <= 10; i++ {
		processed, err := engine.RunBatches(ctx, job.JobId, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, processed)

		current, err := engine.Job(ctx, job.JobId)
		require.NoError(t, err)
		assert.Len(t, current.TodoQueue, 10-i)
		assert.Len(t, current.SelectedSpecimens, i)
		assert.Equal(t, current.InitialTodoCount, len(current.TodoQueue)+current.ProcessedCount())
		assert.Equal(t, caseselect.CompletionPercent(10, 10-i), current.PercentDone)
		assert.GreaterOrEqual(t, current.PercentDone, lastPercent)
		assert.Less(t, current.PercentDone, 100)
		lastPercent = current.PercentDone

		if i == 5 {
			assert.Equal(t, 49, current.PercentDone)
		}
	}

	// queue drained, further invocations are no-ops
	processed, err := engine.RunBatches(ctx, job.JobId, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, processed)

	require.NoError(t, engine.Finalize(ctx, job.JobId, true, false))

	final, err := engine.Job(ctx, job.JobId)
	require.NoError(t, err)
	assert.Equal(t, caseselect.SUCCEEDED, final.Status)
	assert.Equal(t, 100, final.PercentDone)
	assert.False(t, final.EndTime.IsZero())
	assert.Len(t, final.SelectedSpecimens, 10)

	release, rerr := repo.FindRelease("release-1")
	require.NoError(t, rerr)
	assert.Len(t, release.SelectedSpecimens, 10)

	// terminal transition happens exactly once
	err = engine.Finalize(ctx, job.JobId, true, false)
	require.Error(t, err)
}

// scenario: cancellation after 3 of 10 batches, results discarded from the
// release but kept on the job for audit
func TestCancellationKeepsAccumulatedResultsOutOfRelease(t *testing.T) {
	repo, engine, _ := newTestEngine(t, 10)
	ctx := context.Background()

	job, err := engine.StartJob(ctx, "release-1")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := engine.RunBatches(ctx, job.JobId, 0)
		require.NoError(t, err)
	}

	require.NoError(t, engine.RequestCancellation(ctx, job.JobId))
	// idempotent
	require.NoError(t, engine.RequestCancellation(ctx, job.JobId))

	flagged, err := engine.Job(ctx, job.JobId)
	require.NoError(t, err)
	assert.True(t, flagged.RequestedCancellation)
	assert.Len(t, flagged.TodoQueue, 7)

	// the poller observes the flag and finalizes with cancelled=true
	require.NoError(t, engine.Finalize(ctx, job.JobId, false, true))

	release, rerr := repo.FindRelease("release-1")
	require.NoError(t, rerr)
	assert.Empty(t, release.SelectedSpecimens)

	previous, perr := engine.PreviousJobs(ctx, "release-1")
	require.NoError(t, perr)
	require.Len(t, previous, 1)
	assert.Equal(t, caseselect.CANCELLED, previous[0].Status)
	assert.Equal(t, 100, previous[0].PercentDone)
	assert.Len(t, previous[0].SelectedSpecimens, 3)
}

// scenario: evaluator faults on the 4th case, the batch is not applied and a
// retry reprocesses it without double counting
func TestEvaluatorFaultLeavesBatchRetryable(t *testing.T) {
	repo, engine, evaluator := newTestEngine(t, 10)
	ctx := context.Background()

	job, err := engine.StartJob(ctx, "release-1")
	require.NoError(t, err)

	evaluator.setFault("case-03", true)

	processed, err := engine.RunBatches(ctx, job.JobId, 10*time.Second)
	require.Error(t, err)
	assert.Equal(t, caseselect.ErrCodeEvaluator, caseselect.ErrorCode(err))
	assert.True(t, caseselect.Retryable(err))
	assert.Equal(t, 3, processed)

	// the faulted batch left the job untouched
	current, ferr := engine.Job(ctx, job.JobId)
	require.NoError(t, ferr)
	assert.Len(t, current.TodoQueue, 7)
	assert.Contains(t, current.TodoQueue, caseselect.CaseRef("case-03"))
	assert.Len(t, current.SelectedSpecimens, 3)

	evaluator.setFault("case-03", false)

	processed, err = engine.RunBatches(ctx, job.JobId, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 7, processed)

	require.NoError(t, engine.Finalize(ctx, job.JobId, true, false))
	release, rerr := repo.FindRelease("release-1")
	require.NoError(t, rerr)
	assert.Len(t, release.SelectedSpecimens, 10)
}

func TestRequestCancellationNotFound(t *testing.T) {
	_, engine, _ := newTestEngine(t, 1)
	ctx := context.Background()

	err := engine.RequestCancellation(ctx, 12345)
	require.Error(t, err)
	assert.Equal(t, caseselect.ErrCodeNotFound, caseselect.ErrorCode(err))

	job, serr := engine.StartJob(ctx, "release-1")
	require.NoError(t, serr)
	_, err2 := engine.RunBatches(ctx, job.JobId, 0)
	require.NoError(t, err2)
	require.NoError(t, engine.Finalize(ctx, job.JobId, true, false))

	// terminal jobs no longer accept the flag
	err = engine.RequestCancellation(ctx, job.JobId)
	require.Error(t, err)
	assert.Equal(t, caseselect.ErrCodeNotFound, caseselect.ErrorCode(err))
}

func TestEmptyReleaseSucceedsImmediately(t *testing.T) {
	repo := memory.New()
	seedRelease(t, repo, "release-1")
	engine := caseselect.NewEngine(repo, catalog.NewMemory(), &faultyEvaluator{})
	ctx := context.Background()

	job, err := engine.StartJob(ctx, "release-1")
	require.NoError(t, err)
	assert.Equal(t, 0, job.InitialTodoCount)
	assert.Equal(t, 0, job.PercentDone)

	processed, err := engine.RunBatches(ctx, job.JobId, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, processed)

	require.NoError(t, engine.Finalize(ctx, job.JobId, true, false))
	final, ferr := engine.Job(ctx, job.JobId)
	require.NoError(t, ferr)
	assert.Equal(t, caseselect.SUCCEEDED, final.Status)
	assert.Equal(t, 100, final.PercentDone)
}

func TestFinalizeMergeIsIdempotentUnion(t *testing.T) {
	repo, engine, _ := newTestEngine(t, 10)
	ctx := context.Background()

	runToCompletion := func() {
		job, err := engine.StartJob(ctx, "release-1")
		require.NoError(t, err)
		for {
			processed, err := engine.RunBatches(ctx, job.JobId, 0)
			require.NoError(t, err)
			if processed == 0 {
				break
			}
		}
		require.NoError(t, engine.Finalize(ctx, job.JobId, true, false))
	}

	runToCompletion()
	// a second job over the same cases merges the same specimens again
	runToCompletion()

	release, err := repo.FindRelease("release-1")
	require.NoError(t, err)
	assert.Len(t, release.SelectedSpecimens, 10)

	previous, perr := engine.PreviousJobs(ctx, "release-1")
	require.NoError(t, perr)
	assert.Len(t, previous, 2)
}

func TestRunBatchesUnknownJobNotFound(t *testing.T) {
	_, engine, _ := newTestEngine(t, 1)

	_, err := engine.RunBatches(context.Background(), 999, 0)
	require.Error(t, err)
	assert.Equal(t, caseselect.ErrCodeNotFound, caseselect.ErrorCode(err))
}
