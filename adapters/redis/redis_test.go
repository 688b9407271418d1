package redis

import (
	"testing"

	"github.com/alicebob/miniredis"
	goredis "github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chararch/caseselect"
)

func withRepository(t *testing.T, action func(repo caseselect.Repository)) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()
	action(New(client))
}

func seedRelease(t *testing.T, repo caseselect.Repository, id string) {
	metadata := caseselect.NewApplicationMetadata()
	metadata.Set("use_codes", []string{"GRU"})
	err := repo.SaveRelease(&caseselect.Release{
		Id:                  id,
		DatasetUris:         []string{"dataset://cohort-a"},
		ApplicationMetadata: metadata,
	})
	require.Nil(t, err)
}

func refs(ids ...string) []caseselect.CaseRef {
	out := make([]caseselect.CaseRef, 0, len(ids))
	for _, id := range ids {
		out = append(out, caseselect.CaseRef(id))
	}
	return out
}

func TestSaveAndFindRelease(t *testing.T) {
	withRepository(t, func(repo caseselect.Repository) {
		seedRelease(t, repo, "release-1")

		release, err := repo.FindRelease("release-1")
		require.Nil(t, err)
		assert.Equal(t, "release-1", release.Id)
		assert.Equal(t, []string{"dataset://cohort-a"}, release.DatasetUris)
		assert.Equal(t, []string{"GRU"}, release.ApplicationMetadata.UseCodes())
		assert.Empty(t, release.SelectedSpecimens)

		_, err = repo.FindRelease("release-missing")
		require.NotNil(t, err)
		assert.Equal(t, caseselect.ErrCodeNotFound, caseselect.ErrorCode(err))
	})
}

func TestCreateJobSnapshotsQueue(t *testing.T) {
	withRepository(t, func(repo caseselect.Repository) {
		seedRelease(t, repo, "release-1")

		job, err := repo.CreateJob("release-1", refs("case-02", "case-01"))
		require.Nil(t, err)
		assert.Equal(t, caseselect.RUNNING, job.Status)
		assert.Equal(t, 2, job.InitialTodoCount)
		assert.Equal(t, refs("case-01", "case-02"), job.TodoQueue)
		assert.Equal(t, 0, job.PercentDone)
		assert.Equal(t, []string{"Created"}, job.Messages)

		running, err := repo.FindRunningJobs()
		require.Nil(t, err)
		require.Len(t, running, 1)
		assert.Equal(t, job.JobId, running[0].JobId)
	})
}

func TestCreateJobUnknownReleaseNotFound(t *testing.T) {
	withRepository(t, func(repo caseselect.Repository) {
		_, err := repo.CreateJob("release-missing", refs("case-01"))
		require.NotNil(t, err)
		assert.Equal(t, caseselect.ErrCodeNotFound, caseselect.ErrorCode(err))
	})
}

func TestCreateJobRejectsConcurrentJobForRelease(t *testing.T) {
	withRepository(t, func(repo caseselect.Repository) {
		seedRelease(t, repo, "release-1")

		first, err := repo.CreateJob("release-1", refs("case-01"))
		require.Nil(t, err)

		_, err = repo.CreateJob("release-1", refs("case-01"))
		require.NotNil(t, err)
		conflict, ok := err.(*caseselect.ConflictError)
		require.True(t, ok)
		assert.Equal(t, "release-1", conflict.ReleaseId)
		assert.Equal(t, []int64{first.JobId}, conflict.JobIds)

		// A different release is unaffected.
		seedRelease(t, repo, "release-2")
		_, err = repo.CreateJob("release-2", refs("case-01"))
		require.Nil(t, err)
	})
}

func TestClaimAndCommitBatchDrainsQueue(t *testing.T) {
	withRepository(t, func(repo caseselect.Repository) {
		seedRelease(t, repo, "release-1")
		job, err := repo.CreateJob("release-1", refs("case-01", "case-02", "case-03", "case-04"))
		require.Nil(t, err)

		claimed, err := repo.ClaimCases(job.JobId, 2)
		require.Nil(t, err)
		assert.Equal(t, refs("case-01", "case-02"), claimed)

		err = repo.CommitBatch(job.JobId, claimed, []caseselect.SpecimenRef{"specimen-01"}, "Processed 2 case(s), selected 1 specimen(s)")
		require.Nil(t, err)

		job, err = repo.FindJob(job.JobId)
		require.Nil(t, err)
		assert.Equal(t, refs("case-03", "case-04"), job.TodoQueue)
		assert.Equal(t, []caseselect.SpecimenRef{"specimen-01"}, job.SelectedSpecimens)
		assert.Equal(t, caseselect.CompletionPercent(4, 2), job.PercentDone)
		assert.Equal(t, 2, job.ProcessedCount())

		claimed, err = repo.ClaimCases(job.JobId, 10)
		require.Nil(t, err)
		err = repo.CommitBatch(job.JobId, claimed, nil, "Processed 2 case(s), selected 0 specimen(s)")
		require.Nil(t, err)

		job, err = repo.FindJob(job.JobId)
		require.Nil(t, err)
		assert.Empty(t, job.TodoQueue)
		assert.Equal(t, 99, job.PercentDone)
		assert.Equal(t, caseselect.RUNNING, job.Status)
	})
}

func TestCommitBatchStaleClaimIsRetryable(t *testing.T) {
	withRepository(t, func(repo caseselect.Repository) {
		seedRelease(t, repo, "release-1")
		job, err := repo.CreateJob("release-1", refs("case-01", "case-02"))
		require.Nil(t, err)

		claimed, err := repo.ClaimCases(job.JobId, 1)
		require.Nil(t, err)
		require.Nil(t, repo.CommitBatch(job.JobId, claimed, nil, ""))

		// Re-committing the same claim must fail without touching the queue.
		err = repo.CommitBatch(job.JobId, claimed, []caseselect.SpecimenRef{"specimen-01"}, "")
		require.NotNil(t, err)
		assert.Equal(t, caseselect.ErrCodeRetry, caseselect.ErrorCode(err))
		assert.True(t, caseselect.Retryable(err))

		job, err = repo.FindJob(job.JobId)
		require.Nil(t, err)
		assert.Equal(t, refs("case-02"), job.TodoQueue)
		assert.Empty(t, job.SelectedSpecimens)
	})
}

func TestRequestCancellationIdempotent(t *testing.T) {
	withRepository(t, func(repo caseselect.Repository) {
		seedRelease(t, repo, "release-1")
		job, err := repo.CreateJob("release-1", refs("case-01"))
		require.Nil(t, err)

		require.Nil(t, repo.RequestCancellation(job.JobId))
		require.Nil(t, repo.RequestCancellation(job.JobId))

		job, err = repo.FindJob(job.JobId)
		require.Nil(t, err)
		assert.True(t, job.RequestedCancellation)
		assert.Equal(t, caseselect.RUNNING, job.Status)

		err = repo.RequestCancellation(999)
		require.NotNil(t, err)
		assert.Equal(t, caseselect.ErrCodeNotFound, caseselect.ErrorCode(err))
	})
}

func TestRequestCancellationOfTerminalJobRejected(t *testing.T) {
	withRepository(t, func(repo caseselect.Repository) {
		seedRelease(t, repo, "release-1")
		job, err := repo.CreateJob("release-1", refs("case-01"))
		require.Nil(t, err)
		require.Nil(t, repo.FinalizeJob(job.JobId, caseselect.FAILED, "Failed"))

		err = repo.RequestCancellation(job.JobId)
		require.NotNil(t, err)
		assert.Equal(t, caseselect.ErrCodeNotFound, caseselect.ErrorCode(err))

		// a terminal job is immutable: no flag, no appended message
		job, ferr := repo.FindJob(job.JobId)
		require.Nil(t, ferr)
		assert.False(t, job.RequestedCancellation)
		assert.Equal(t, []string{"Created", "Failed"}, job.Messages)
	})
}

func TestFinalizeSucceededMergesIntoRelease(t *testing.T) {
	withRepository(t, func(repo caseselect.Repository) {
		seedRelease(t, repo, "release-1")
		job, err := repo.CreateJob("release-1", refs("case-01"))
		require.Nil(t, err)

		claimed, err := repo.ClaimCases(job.JobId, 1)
		require.Nil(t, err)
		require.Nil(t, repo.CommitBatch(job.JobId, claimed, []caseselect.SpecimenRef{"specimen-01"}, ""))

		require.Nil(t, repo.FinalizeJob(job.JobId, caseselect.SUCCEEDED, "Succeeded"))

		job, err = repo.FindJob(job.JobId)
		require.Nil(t, err)
		assert.Equal(t, caseselect.SUCCEEDED, job.Status)
		assert.Equal(t, 100, job.PercentDone)
		assert.False(t, job.EndTime.IsZero())

		release, err := repo.FindRelease("release-1")
		require.Nil(t, err)
		assert.Equal(t, []caseselect.SpecimenRef{"specimen-01"}, release.SelectedSpecimens)

		running, err := repo.FindRunningJobs()
		require.Nil(t, err)
		assert.Empty(t, running)

		previous, err := repo.FindPreviousJobs("release-1")
		require.Nil(t, err)
		require.Len(t, previous, 1)
		assert.Equal(t, job.JobId, previous[0].JobId)

		// A terminal job cannot be finalized again.
		err = repo.FinalizeJob(job.JobId, caseselect.FAILED, "Failed")
		require.NotNil(t, err)
	})
}

func TestFinalizeCancelledKeepsReleaseUntouched(t *testing.T) {
	withRepository(t, func(repo caseselect.Repository) {
		seedRelease(t, repo, "release-1")
		job, err := repo.CreateJob("release-1", refs("case-01", "case-02"))
		require.Nil(t, err)

		claimed, err := repo.ClaimCases(job.JobId, 1)
		require.Nil(t, err)
		require.Nil(t, repo.CommitBatch(job.JobId, claimed, []caseselect.SpecimenRef{"specimen-01"}, ""))
		require.Nil(t, repo.RequestCancellation(job.JobId))
		require.Nil(t, repo.FinalizeJob(job.JobId, caseselect.CANCELLED, "Cancelled"))

		job, err = repo.FindJob(job.JobId)
		require.Nil(t, err)
		assert.Equal(t, caseselect.CANCELLED, job.Status)
		assert.Equal(t, []caseselect.SpecimenRef{"specimen-01"}, job.SelectedSpecimens)

		release, err := repo.FindRelease("release-1")
		require.Nil(t, err)
		assert.Empty(t, release.SelectedSpecimens)

		// The release is free for a new job once the old one is terminal.
		_, err = repo.CreateJob("release-1", refs("case-02"))
		require.Nil(t, err)
	})
}

func TestFinalizeRejectsNonTerminalStatus(t *testing.T) {
	withRepository(t, func(repo caseselect.Repository) {
		seedRelease(t, repo, "release-1")
		job, err := repo.CreateJob("release-1", refs("case-01"))
		require.Nil(t, err)

		err = repo.FinalizeJob(job.JobId, caseselect.RUNNING, "")
		require.NotNil(t, err)
		assert.Equal(t, caseselect.ErrCodeGeneral, caseselect.ErrorCode(err))
	})
}
