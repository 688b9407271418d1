package caseselect

import (
	"context"
	"fmt"
	"time"
)

// RunBatches the batch worker loop. Each iteration claims a bounded batch
// from the queue, evaluates every specimen of every patient in the claimed
// cases and commits the batch as one atomic unit: queue shrink, result
// growth, progress and message together. The loop is only ever interrupted
// between batches, never mid-batch, so a crash loses at most one in-flight
// batch. Cancellation is not checked here; that is the poller's concern.
func (e *engine) RunBatches(ctx context.Context, jobId int64, budget time.Duration) (int, BatchError) {
	deadline := time.Now().Add(budget)

	job, err := e.repository.FindJob(jobId)
	if err != nil {
		return 0, err
	}
	if job.Status != RUNNING {
		return 0, NewBatchError(ErrCodeGeneral, "job:%v is not running, status:%v", jobId, job.Status)
	}
	release, err := e.repository.FindRelease(job.ReleaseId)
	if err != nil {
		return 0, err
	}

	processed := 0
	for {
		claimed, err := e.repository.ClaimCases(jobId, batchSize)
		if err != nil {
			return processed, err
		}
		if len(claimed) == 0 {
			break
		}
		if err := e.processBatch(ctx, job, release, claimed); err != nil {
			return processed, err
		}
		processed += len(claimed)
		if !time.Now().Before(deadline) {
			break
		}
	}
	DefaultLogger.Debug(ctx, "run batches done, jobId:%v, processed:%v", jobId, processed)
	return processed, nil
}

// processBatch evaluate one claimed batch and commit its effect atomically.
// An evaluator fault returns before any mutation, leaving the claimed cases
// queued so the next invocation retries them.
func (e *engine) processBatch(ctx context.Context, job *SelectJob, release *Release, claimed []CaseRef) BatchError {
	cases, err := e.catalog.Materialize(claimed)
	if err != nil {
		return err
	}
	if len(cases) != len(claimed) {
		return NewBatchError(ErrCodeInvariant, "job:%v claimed %v case(s) but materialized %v", job.JobId, len(claimed), len(cases))
	}

	selected := make([]SpecimenRef, 0)
	for _, c := range cases {
		for _, p := range c.Patients {
			for _, s := range p.Specimens {
				ok, evalErr := e.evaluator.IsSelectable(release.ApplicationMetadata, c, p, s)
				if evalErr != nil {
					return NewBatchError(ErrCodeEvaluator, "evaluate specimen:%v of case:%v error", s.Id, c.Id, evalErr)
				}
				if ok {
					selected = append(selected, s.Id)
				}
			}
		}
	}

	message := fmt.Sprintf("Processed %d case(s), selected %d specimen(s)", len(cases), len(selected))
	if err := e.repository.CommitBatch(job.JobId, claimed, selected, message); err != nil {
		return err
	}
	batchesCommittedTotal.Inc()
	casesProcessedTotal.Add(float64(len(claimed)))
	specimensSelectedTotal.Add(float64(len(selected)))
	return nil
}
