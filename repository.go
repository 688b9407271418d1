package caseselect

// Repository durable store for releases and selection jobs, the single source
// of truth for job progress. Compound operations are atomic: they either
// apply fully or leave the store untouched, so a crash between batches never
// breaks the invariant |TodoQueue| + processed == InitialTodoCount.
type Repository interface {
	// SaveRelease create or update the release row. Does not touch the
	// release's selected specimens, those are written only by FinalizeJob.
	SaveRelease(release *Release) BatchError
	FindRelease(releaseId string) (*Release, BatchError)

	// CreateJob atomically verify no running job exists for the release and
	// create one with status RUNNING and the given case snapshot as queue.
	// Returns *ConflictError carrying the running job id(s) on violation.
	CreateJob(releaseId string, todo []CaseRef) (*SelectJob, BatchError)
	FindJob(jobId int64) (*SelectJob, BatchError)
	FindRunningJobs() ([]*SelectJob, BatchError)
	// FindPreviousJobs all terminal jobs of the release, oldest first
	FindPreviousJobs(releaseId string) ([]*SelectJob, BatchError)

	// RequestCancellation set the cooperative cancellation flag on a running
	// job. Idempotent. ErrCodeNotFound if no running job matches.
	RequestCancellation(jobId int64) BatchError

	// ClaimCases return up to limit cases still queued, without mutating the
	// queue. Order is arbitrary but never includes already-removed cases.
	ClaimCases(jobId int64, limit int) ([]CaseRef, BatchError)

	// CommitBatch atomically remove the claimed cases from the queue, add the
	// selected specimens to the job's accumulated set, recompute PercentDone
	// and append the progress message. ErrCodeRetry if any claimed case is no
	// longer queued.
	CommitBatch(jobId int64, claimed []CaseRef, selected []SpecimenRef, message string) BatchError

	// FinalizeJob atomically transition a running job to the given terminal
	// status, set PercentDone=100 and EndTime, and, only when status is
	// SUCCEEDED, merge the job's selected specimens into the release (set
	// union). The only writer of Release.SelectedSpecimens.
	FinalizeJob(jobId int64, status JobStatus, message string) BatchError
}
