package caseselect

import (
	"context"
	"time"
)

// Engine drives selection jobs: lifecycle operations plus the batch worker
// loop. Callers must serialize RunBatches invocations per job id; distinct
// jobs may run concurrently.
type Engine interface {
	// StartJob create a running job for the release, with the full case set
	// of the release's datasets as its queue. Fails with *ConflictError while
	// another job is running for the same release.
	StartJob(ctx context.Context, releaseId string) (*SelectJob, BatchError)
	// RequestCancellation cooperative, idempotent stop signal. The poller
	// observes the flag and finalizes with cancelled=true.
	RequestCancellation(ctx context.Context, jobId int64) BatchError
	// RunBatches process batches until the budget elapses, the queue empties
	// or a batch claims zero cases. Returns the number of cases committed.
	RunBatches(ctx context.Context, jobId int64, budget time.Duration) (int, BatchError)
	// Finalize transition the running job to its terminal status. Selected
	// specimens are merged into the release only when succeeded and not
	// cancelled; a cancelled job keeps its accumulated set for audit but the
	// release is left untouched.
	Finalize(ctx context.Context, jobId int64, succeeded bool, cancelled bool) BatchError
	// Fail finalize the running job as failed, recording the reason on the
	// job's message log so the audit trail shows why
	Fail(ctx context.Context, jobId int64, reason string) BatchError
	Job(ctx context.Context, jobId int64) (*SelectJob, BatchError)
	RunningJobs(ctx context.Context) ([]*SelectJob, BatchError)
	// PreviousJobs terminal jobs of the release, for audit display
	PreviousJobs(ctx context.Context, releaseId string) ([]*SelectJob, BatchError)
}

// NewEngine assemble an engine from its collaborators
func NewEngine(repository Repository, catalog WorkCatalog, evaluator EligibilityEvaluator) Engine {
	return &engine{
		repository: repository,
		catalog:    catalog,
		evaluator:  evaluator,
	}
}

type engine struct {
	repository Repository
	catalog    WorkCatalog
	evaluator  EligibilityEvaluator
}

func (e *engine) StartJob(ctx context.Context, releaseId string) (*SelectJob, BatchError) {
	release, err := e.repository.FindRelease(releaseId)
	if err != nil {
		DefaultLogger.Error(ctx, "find release error, releaseId:%v, err:%v", releaseId, err)
		return nil, err
	}
	todo, err := e.catalog.AllCasesForDatasets(release.DatasetUris)
	if err != nil {
		DefaultLogger.Error(ctx, "snapshot case set error, releaseId:%v, datasets:%v, err:%v", releaseId, release.DatasetUris, err)
		return nil, err
	}
	job, err := e.repository.CreateJob(releaseId, todo)
	if err != nil {
		DefaultLogger.Error(ctx, "create job error, releaseId:%v, err:%v", releaseId, err)
		return nil, err
	}
	jobsStartedTotal.Inc()
	runningJobsGauge.Inc()
	DefaultLogger.Info(ctx, "selection job started, releaseId:%v, jobId:%v, cases:%v", releaseId, job.JobId, job.InitialTodoCount)
	return job, nil
}

func (e *engine) RequestCancellation(ctx context.Context, jobId int64) BatchError {
	if err := e.repository.RequestCancellation(jobId); err != nil {
		DefaultLogger.Error(ctx, "request cancellation error, jobId:%v, err:%v", jobId, err)
		return err
	}
	DefaultLogger.Info(ctx, "cancellation requested, jobId:%v", jobId)
	return nil
}

func (e *engine) Finalize(ctx context.Context, jobId int64, succeeded bool, cancelled bool) BatchError {
	status := FAILED
	message := "Failed"
	switch {
	case cancelled:
		status = CANCELLED
		message = "Cancelled"
	case succeeded:
		status = SUCCEEDED
		message = "Succeeded"
	}
	return e.finalize(ctx, jobId, status, message)
}

func (e *engine) Fail(ctx context.Context, jobId int64, reason string) BatchError {
	message := "Failed"
	if reason != "" {
		message = "Failed: " + reason
	}
	return e.finalize(ctx, jobId, FAILED, message)
}

func (e *engine) finalize(ctx context.Context, jobId int64, status JobStatus, message string) BatchError {
	if err := e.repository.FinalizeJob(jobId, status, message); err != nil {
		DefaultLogger.Error(ctx, "finalize job error, jobId:%v, status:%v, err:%v", jobId, status, err)
		return err
	}
	jobsFinalizedTotal.WithLabelValues(string(status)).Inc()
	runningJobsGauge.Dec()
	DefaultLogger.Info(ctx, "job finalized, jobId:%v, status:%v", jobId, status)
	return nil
}

func (e *engine) Job(ctx context.Context, jobId int64) (*SelectJob, BatchError) {
	return e.repository.FindJob(jobId)
}

func (e *engine) RunningJobs(ctx context.Context) ([]*SelectJob, BatchError) {
	return e.repository.FindRunningJobs()
}

func (e *engine) PreviousJobs(ctx context.Context, releaseId string) ([]*SelectJob, BatchError) {
	return e.repository.FindPreviousJobs(releaseId)
}
