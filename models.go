package caseselect

import (
	"math"
	"time"
)

// JobStatus status of a selection job
type JobStatus string

const (
	RUNNING   JobStatus = "RUNNING"
	SUCCEEDED JobStatus = "SUCCEEDED"
	FAILED    JobStatus = "FAILED"
	CANCELLED JobStatus = "CANCELLED"
)

// Terminal reports whether the status is final
func (s JobStatus) Terminal() bool {
	return s == SUCCEEDED || s == FAILED || s == CANCELLED
}

// CaseRef stable identity of a case
type CaseRef string

// SpecimenRef stable identity of a specimen
type SpecimenRef string

// Release the authorization boundary whose SelectedSpecimens defines what is
// shared with a researcher. SelectedSpecimens is written only by job
// finalization, never directly.
type Release struct {
	Id                  string
	DatasetUris         []string
	ApplicationMetadata ApplicationMetadata
	SelectedSpecimens   []SpecimenRef
	CreateTime          time.Time
	LastUpdated         time.Time
}

// SelectJob one execution attempt of the case walk over a release's datasets.
// Mutated only through Repository.CommitBatch, RequestCancellation and
// FinalizeJob; terminal jobs are immutable and retained as history.
type SelectJob struct {
	JobId                 int64
	ReleaseId             string
	Status                JobStatus
	RequestedCancellation bool
	// PercentDone 0-100, non-decreasing while running, 100 only at finalize
	PercentDone int
	// InitialTodoCount queue size at creation, denominator for progress
	InitialTodoCount int
	TodoQueue         []CaseRef
	SelectedSpecimens []SpecimenRef
	// Messages append-only progress log
	Messages   []string
	CreateTime time.Time
	StartTime  time.Time
	// EndTime zero until the job is terminal
	EndTime     time.Time
	LastUpdated time.Time
	// Version optimistic concurrency token, bumped on every commit
	Version int64
}

// ProcessedCount number of cases already committed
func (j *SelectJob) ProcessedCount() int {
	return j.InitialTodoCount - len(j.TodoQueue)
}

// Case a family unit grouping one or more patients
type Case struct {
	Id         CaseRef
	DatasetUri string
	Patients   []*Patient
}

// Patient an individual within a case
type Patient struct {
	Id        string
	CaseId    CaseRef
	Specimens []*Specimen
}

// Specimen a biological sample, the unit included in or excluded from a release
type Specimen struct {
	Id           SpecimenRef
	PatientId    string
	Type         string
	ConsentCodes []string
}

// CompletionPercent progress of a running job: floor(99.99 * done / initial).
// The ceiling of 99.99 reserves the value 100 for finalization, so a running
// job never reports full completion.
func CompletionPercent(initialCount, remainingCount int) int {
	if initialCount <= 0 {
		return 0
	}
	done := initialCount - remainingCount
	return int(math.Floor(99.99 * float64(done) / float64(initialCount)))
}
