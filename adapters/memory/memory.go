// Package memory provides an in-process Repository for tests and local
// development. It enforces the same contract as the durable adapters:
// conflict-checked creation, all-or-nothing batch commits and exactly-once
// finalization.
package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/chararch/caseselect"
)

// New create an empty in-memory job record store
func New() caseselect.Repository {
	return &memoryRepository{
		releases: map[string]*caseselect.Release{},
		jobs:     map[int64]*caseselect.SelectJob{},
	}
}

type memoryRepository struct {
	mu        sync.Mutex
	releases  map[string]*caseselect.Release
	jobs      map[int64]*caseselect.SelectJob
	nextJobId int64
}

func (r *memoryRepository) SaveRelease(release *caseselect.Release) caseselect.BatchError {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	stored, ok := r.releases[release.Id]
	if !ok {
		stored = &caseselect.Release{Id: release.Id, CreateTime: now}
		r.releases[release.Id] = stored
	}
	stored.DatasetUris = append([]string(nil), release.DatasetUris...)
	stored.ApplicationMetadata = release.ApplicationMetadata
	stored.LastUpdated = now
	return nil
}

func (r *memoryRepository) FindRelease(releaseId string) (*caseselect.Release, caseselect.BatchError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	release, ok := r.releases[releaseId]
	if !ok {
		return nil, caseselect.NewBatchError(caseselect.ErrCodeNotFound, "release:%v not found", releaseId)
	}
	return copyRelease(release), nil
}

func (r *memoryRepository) CreateJob(releaseId string, todo []caseselect.CaseRef) (*caseselect.SelectJob, caseselect.BatchError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.releases[releaseId]; !ok {
		return nil, caseselect.NewBatchError(caseselect.ErrCodeNotFound, "release:%v not found", releaseId)
	}
	running := make([]int64, 0)
	for _, job := range r.jobs {
		if job.ReleaseId == releaseId && job.Status == caseselect.RUNNING {
			running = append(running, job.JobId)
		}
	}
	if len(running) > 0 {
		return nil, &caseselect.ConflictError{ReleaseId: releaseId, JobIds: running}
	}
	r.nextJobId++
	now := time.Now()
	job := &caseselect.SelectJob{
		JobId:            r.nextJobId,
		ReleaseId:        releaseId,
		Status:           caseselect.RUNNING,
		InitialTodoCount: len(todo),
		TodoQueue:        append([]caseselect.CaseRef(nil), todo...),
		Messages:         []string{"Created"},
		CreateTime:       now,
		StartTime:        now,
		LastUpdated:      now,
		Version:          1,
	}
	r.jobs[job.JobId] = job
	return copyJob(job), nil
}

func (r *memoryRepository) FindJob(jobId int64) (*caseselect.SelectJob, caseselect.BatchError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobId]
	if !ok {
		return nil, caseselect.NewBatchError(caseselect.ErrCodeNotFound, "job:%v not found", jobId)
	}
	return copyJob(job), nil
}

func (r *memoryRepository) FindRunningJobs() ([]*caseselect.SelectJob, caseselect.BatchError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	jobs := make([]*caseselect.SelectJob, 0)
	for _, job := range r.jobs {
		if job.Status == caseselect.RUNNING {
			jobs = append(jobs, copyJob(job))
		}
	}
	sortJobs(jobs)
	return jobs, nil
}

func (r *memoryRepository) FindPreviousJobs(releaseId string) ([]*caseselect.SelectJob, caseselect.BatchError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	jobs := make([]*caseselect.SelectJob, 0)
	for _, job := range r.jobs {
		if job.ReleaseId == releaseId && job.Status != caseselect.RUNNING {
			jobs = append(jobs, copyJob(job))
		}
	}
	sortJobs(jobs)
	return jobs, nil
}

func (r *memoryRepository) RequestCancellation(jobId int64) caseselect.BatchError {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobId]
	if !ok || job.Status != caseselect.RUNNING {
		return caseselect.NewBatchError(caseselect.ErrCodeNotFound, "no running job:%v", jobId)
	}
	if job.RequestedCancellation {
		return nil
	}
	job.RequestedCancellation = true
	job.Messages = append(job.Messages, "Cancellation requested")
	job.LastUpdated = time.Now()
	return nil
}

func (r *memoryRepository) ClaimCases(jobId int64, limit int) ([]caseselect.CaseRef, caseselect.BatchError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobId]
	if !ok {
		return nil, caseselect.NewBatchError(caseselect.ErrCodeNotFound, "job:%v not found", jobId)
	}
	if limit > len(job.TodoQueue) {
		limit = len(job.TodoQueue)
	}
	return append([]caseselect.CaseRef(nil), job.TodoQueue[:limit]...), nil
}

func (r *memoryRepository) CommitBatch(jobId int64, claimed []caseselect.CaseRef, selected []caseselect.SpecimenRef, message string) caseselect.BatchError {
	if len(claimed) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobId]
	if !ok {
		return caseselect.NewBatchError(caseselect.ErrCodeNotFound, "job:%v not found", jobId)
	}
	if job.Status != caseselect.RUNNING {
		return caseselect.NewBatchError(caseselect.ErrCodeGeneral, "job:%v is not running, status:%v", jobId, job.Status)
	}
	queued := lo.SliceToMap(job.TodoQueue, func(c caseselect.CaseRef) (caseselect.CaseRef, struct{}) {
		return c, struct{}{}
	})
	for _, caseId := range claimed {
		if _, ok := queued[caseId]; !ok {
			return caseselect.NewBatchError(caseselect.ErrCodeRetry, "job:%v case:%v no longer queued", jobId, caseId)
		}
	}

	remove := lo.SliceToMap(claimed, func(c caseselect.CaseRef) (caseselect.CaseRef, struct{}) {
		return c, struct{}{}
	})
	job.TodoQueue = lo.Filter(job.TodoQueue, func(c caseselect.CaseRef, _ int) bool {
		_, drop := remove[c]
		return !drop
	})
	job.SelectedSpecimens = lo.Uniq(append(job.SelectedSpecimens, selected...))
	job.PercentDone = caseselect.CompletionPercent(job.InitialTodoCount, len(job.TodoQueue))
	if message != "" {
		job.Messages = append(job.Messages, message)
	}
	job.LastUpdated = time.Now()
	job.Version++
	return nil
}

func (r *memoryRepository) FinalizeJob(jobId int64, status caseselect.JobStatus, message string) caseselect.BatchError {
	if !status.Terminal() {
		return caseselect.NewBatchError(caseselect.ErrCodeGeneral, "finalize status must be terminal, got:%v", status)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobId]
	if !ok {
		return caseselect.NewBatchError(caseselect.ErrCodeNotFound, "job:%v not found", jobId)
	}
	if job.Status != caseselect.RUNNING {
		return caseselect.NewBatchError(caseselect.ErrCodeGeneral, "job:%v already terminal, status:%v", jobId, job.Status)
	}
	if status == caseselect.SUCCEEDED {
		release := r.releases[job.ReleaseId]
		release.SelectedSpecimens = lo.Uniq(append(release.SelectedSpecimens, job.SelectedSpecimens...))
		release.LastUpdated = time.Now()
	}
	job.Status = status
	job.PercentDone = 100
	job.EndTime = time.Now()
	job.LastUpdated = job.EndTime
	if message != "" {
		job.Messages = append(job.Messages, message)
	}
	job.Version++
	return nil
}

func copyRelease(release *caseselect.Release) *caseselect.Release {
	copied := *release
	copied.DatasetUris = append([]string(nil), release.DatasetUris...)
	copied.SelectedSpecimens = append([]caseselect.SpecimenRef(nil), release.SelectedSpecimens...)
	return &copied
}

func copyJob(job *caseselect.SelectJob) *caseselect.SelectJob {
	copied := *job
	copied.TodoQueue = append([]caseselect.CaseRef(nil), job.TodoQueue...)
	copied.SelectedSpecimens = append([]caseselect.SpecimenRef(nil), job.SelectedSpecimens...)
	copied.Messages = append([]string(nil), job.Messages...)
	return &copied
}

func sortJobs(jobs []*caseselect.SelectJob) {
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].JobId < jobs[j].JobId })
}
