// Package redis implements the job record store on Redis. Every compound
// operation runs as a watched MULTI/EXEC transaction, so racing writers
// surface as retryable conflicts instead of partial state.
package redis

import (
	"encoding/json"
	"sort"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis"

	"github.com/chararch/caseselect"
)

const (
	jobObjectPrefix       = "SelectJob:"
	jobTodoPrefix         = "SelectJob:Todo:"
	jobSelectedPrefix     = "SelectJob:Selected:"
	jobMessagesPrefix     = "SelectJob:Messages:"
	jobReleaseIndexPrefix = "SelectJob:Release:"
	runningJobsKey        = "SelectJob:Running"
	jobIdCounterKey       = "SelectJob:IdCounter"
	releaseObjectPrefix   = "Release:"
	releaseSelectedPrefix = "Release:Selected:"
)

type jobRecord struct {
	JobId                 int64                `json:"jobId"`
	ReleaseId             string               `json:"releaseId"`
	Status                caseselect.JobStatus `json:"status"`
	RequestedCancellation bool                 `json:"requestedCancellation"`
	PercentDone           int                  `json:"percentDone"`
	InitialTodoCount      int                  `json:"initialTodoCount"`
	CreateTime            time.Time            `json:"createTime"`
	StartTime             time.Time            `json:"startTime"`
	EndTime               time.Time            `json:"endTime"`
	LastUpdated           time.Time            `json:"lastUpdated"`
	Version               int64                `json:"version"`
}

type releaseRecord struct {
	Id                  string                         `json:"id"`
	DatasetUris         []string                       `json:"datasetUris"`
	ApplicationMetadata caseselect.ApplicationMetadata `json:"applicationMetadata"`
	CreateTime          time.Time                      `json:"createTime"`
	LastUpdated         time.Time                      `json:"lastUpdated"`
}

// New create a Redis-backed job record store
func New(db *goredis.Client) caseselect.Repository {
	return &redisRepository{db: db}
}

type redisRepository struct {
	db *goredis.Client
}

func (r *redisRepository) SaveRelease(release *caseselect.Release) caseselect.BatchError {
	now := time.Now()
	record := releaseRecord{
		Id:                  release.Id,
		DatasetUris:         release.DatasetUris,
		ApplicationMetadata: release.ApplicationMetadata,
		CreateTime:          now,
		LastUpdated:         now,
	}
	if existing, err := r.db.Get(releaseObjectPrefix + release.Id).Bytes(); err == nil {
		old := releaseRecord{}
		if err := json.Unmarshal(existing, &old); err == nil {
			record.CreateTime = old.CreateTime
		}
	}
	data, err := json.Marshal(&record)
	if err != nil {
		return caseselect.NewBatchError(caseselect.ErrCodeGeneral, "marshal release:%v error", release.Id, err)
	}
	if err := r.db.Set(releaseObjectPrefix+release.Id, data, 0).Err(); err != nil {
		return caseselect.NewBatchError(caseselect.ErrCodeDbFail, "save release:%v error", release.Id, err)
	}
	return nil
}

func (r *redisRepository) FindRelease(releaseId string) (*caseselect.Release, caseselect.BatchError) {
	data, err := r.db.Get(releaseObjectPrefix + releaseId).Bytes()
	if err == goredis.Nil {
		return nil, caseselect.NewBatchError(caseselect.ErrCodeNotFound, "release:%v not found", releaseId)
	}
	if err != nil {
		return nil, caseselect.NewBatchError(caseselect.ErrCodeDbFail, "get release:%v error", releaseId, err)
	}
	record := releaseRecord{}
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, caseselect.NewBatchError(caseselect.ErrCodeGeneral, "unmarshal release:%v error", releaseId, err)
	}
	selected, err := r.db.SMembers(releaseSelectedPrefix + releaseId).Result()
	if err != nil {
		return nil, caseselect.NewBatchError(caseselect.ErrCodeDbFail, "get selected specimens of release:%v error", releaseId, err)
	}
	release := &caseselect.Release{
		Id:                  record.Id,
		DatasetUris:         record.DatasetUris,
		ApplicationMetadata: record.ApplicationMetadata,
		CreateTime:          record.CreateTime,
		LastUpdated:         record.LastUpdated,
	}
	for _, id := range selected {
		release.SelectedSpecimens = append(release.SelectedSpecimens, caseselect.SpecimenRef(id))
	}
	return release, nil
}

func (r *redisRepository) CreateJob(releaseId string, todo []caseselect.CaseRef) (*caseselect.SelectJob, caseselect.BatchError) {
	if err := r.db.Get(releaseObjectPrefix + releaseId).Err(); err == goredis.Nil {
		return nil, caseselect.NewBatchError(caseselect.ErrCodeNotFound, "release:%v not found", releaseId)
	} else if err != nil {
		return nil, caseselect.NewBatchError(caseselect.ErrCodeDbFail, "get release:%v error", releaseId, err)
	}

	jobId, err := r.db.Incr(jobIdCounterKey).Result()
	if err != nil {
		return nil, caseselect.NewBatchError(caseselect.ErrCodeDbFail, "allocate job id error", err)
	}

	now := time.Now()
	record := jobRecord{
		JobId:            jobId,
		ReleaseId:        releaseId,
		Status:           caseselect.RUNNING,
		InitialTodoCount: len(todo),
		CreateTime:       now,
		StartTime:        now,
		LastUpdated:      now,
		Version:          1,
	}
	data, err := json.Marshal(&record)
	if err != nil {
		return nil, caseselect.NewBatchError(caseselect.ErrCodeGeneral, "marshal job:%v error", jobId, err)
	}

	var conflict caseselect.BatchError
	err = r.db.Watch(func(tx *goredis.Tx) error {
		existing, err := tx.HGet(runningJobsKey, releaseId).Result()
		if err != nil && err != goredis.Nil {
			return err
		}
		if err == nil {
			runningId, _ := strconv.ParseInt(existing, 10, 64)
			conflict = &caseselect.ConflictError{ReleaseId: releaseId, JobIds: []int64{runningId}}
			return nil
		}
		_, err = tx.Pipelined(func(pipe goredis.Pipeliner) error {
			pipe.HSet(runningJobsKey, releaseId, jobId)
			pipe.Set(jobObjectPrefix+itoa(jobId), data, 0)
			if len(todo) > 0 {
				pipe.SAdd(jobTodoPrefix+itoa(jobId), caseMembers(todo)...)
			}
			pipe.SAdd(jobReleaseIndexPrefix+releaseId, jobId)
			pipe.RPush(jobMessagesPrefix+itoa(jobId), "Created")
			return nil
		})
		return err
	}, runningJobsKey)
	if err != nil {
		return nil, wrapTxError("create job for release:"+releaseId, err)
	}
	if conflict != nil {
		return nil, conflict
	}

	return r.FindJob(jobId)
}

func (r *redisRepository) FindJob(jobId int64) (*caseselect.SelectJob, caseselect.BatchError) {
	record, berr := r.getJobRecord(jobId)
	if berr != nil {
		return nil, berr
	}
	return r.assembleJob(record)
}

func (r *redisRepository) FindRunningJobs() ([]*caseselect.SelectJob, caseselect.BatchError) {
	entries, err := r.db.HGetAll(runningJobsKey).Result()
	if err != nil {
		return nil, caseselect.NewBatchError(caseselect.ErrCodeDbFail, "list running jobs error", err)
	}
	jobs := make([]*caseselect.SelectJob, 0, len(entries))
	for _, raw := range entries {
		jobId, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, caseselect.NewBatchError(caseselect.ErrCodeGeneral, "bad running job id:%v", raw, err)
		}
		job, berr := r.FindJob(jobId)
		if berr != nil {
			return nil, berr
		}
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].JobId < jobs[j].JobId })
	return jobs, nil
}

func (r *redisRepository) FindPreviousJobs(releaseId string) ([]*caseselect.SelectJob, caseselect.BatchError) {
	ids, err := r.db.SMembers(jobReleaseIndexPrefix + releaseId).Result()
	if err != nil {
		return nil, caseselect.NewBatchError(caseselect.ErrCodeDbFail, "list jobs of release:%v error", releaseId, err)
	}
	jobs := make([]*caseselect.SelectJob, 0, len(ids))
	for _, raw := range ids {
		jobId, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, caseselect.NewBatchError(caseselect.ErrCodeGeneral, "bad job id:%v in release index", raw, err)
		}
		job, berr := r.FindJob(jobId)
		if berr != nil {
			return nil, berr
		}
		if job.Status != caseselect.RUNNING {
			jobs = append(jobs, job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].JobId < jobs[j].JobId })
	return jobs, nil
}

func (r *redisRepository) RequestCancellation(jobId int64) caseselect.BatchError {
	jobKey := jobObjectPrefix + itoa(jobId)
	var berr caseselect.BatchError
	err := r.db.Watch(func(tx *goredis.Tx) error {
		record, er := getJobRecordTx(tx, jobId)
		if er != nil {
			berr = er
			return nil
		}
		if record.Status != caseselect.RUNNING {
			berr = caseselect.NewBatchError(caseselect.ErrCodeNotFound, "job:%v is not running, status:%v", jobId, record.Status)
			return nil
		}
		if record.RequestedCancellation {
			return nil
		}
		record.RequestedCancellation = true
		record.LastUpdated = time.Now()
		record.Version++
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		_, err = tx.Pipelined(func(pipe goredis.Pipeliner) error {
			pipe.Set(jobKey, data, 0)
			pipe.RPush(jobMessagesPrefix+itoa(jobId), "Cancellation requested")
			return nil
		})
		return err
	}, jobKey)
	if err != nil {
		return wrapTxError("request cancellation of job:"+itoa(jobId), err)
	}
	return berr
}

func (r *redisRepository) ClaimCases(jobId int64, limit int) ([]caseselect.CaseRef, caseselect.BatchError) {
	if _, berr := r.getJobRecord(jobId); berr != nil {
		return nil, berr
	}
	members, err := r.db.SMembers(jobTodoPrefix + itoa(jobId)).Result()
	if err != nil {
		return nil, caseselect.NewBatchError(caseselect.ErrCodeDbFail, "claim cases of job:%v error", jobId, err)
	}
	sort.Strings(members)
	if limit > len(members) {
		limit = len(members)
	}
	claimed := make([]caseselect.CaseRef, 0, limit)
	for _, member := range members[:limit] {
		claimed = append(claimed, caseselect.CaseRef(member))
	}
	return claimed, nil
}

func (r *redisRepository) CommitBatch(jobId int64, claimed []caseselect.CaseRef, selected []caseselect.SpecimenRef, message string) caseselect.BatchError {
	if len(claimed) == 0 {
		return nil
	}
	jobKey := jobObjectPrefix + itoa(jobId)
	todoKey := jobTodoPrefix + itoa(jobId)
	var berr caseselect.BatchError
	err := r.db.Watch(func(tx *goredis.Tx) error {
		record, er := getJobRecordTx(tx, jobId)
		if er != nil {
			berr = er
			return nil
		}
		if record.Status != caseselect.RUNNING {
			berr = caseselect.NewBatchError(caseselect.ErrCodeGeneral, "job:%v is not running, status:%v", jobId, record.Status)
			return nil
		}
		for _, caseId := range claimed {
			queued, err := tx.SIsMember(todoKey, string(caseId)).Result()
			if err != nil {
				return err
			}
			if !queued {
				berr = caseselect.NewBatchError(caseselect.ErrCodeRetry, "job:%v case:%v no longer queued", jobId, caseId)
				return nil
			}
		}
		size, err := tx.SCard(todoKey).Result()
		if err != nil {
			return err
		}
		remaining := int(size) - len(claimed)
		record.PercentDone = caseselect.CompletionPercent(record.InitialTodoCount, remaining)
		record.LastUpdated = time.Now()
		record.Version++
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		_, err = tx.Pipelined(func(pipe goredis.Pipeliner) error {
			pipe.SRem(todoKey, caseMembers(claimed)...)
			if len(selected) > 0 {
				pipe.SAdd(jobSelectedPrefix+itoa(jobId), specimenMembers(selected)...)
			}
			pipe.Set(jobKey, data, 0)
			if message != "" {
				pipe.RPush(jobMessagesPrefix+itoa(jobId), message)
			}
			return nil
		})
		return err
	}, jobKey, todoKey)
	if err != nil {
		return wrapTxError("commit batch of job:"+itoa(jobId), err)
	}
	return berr
}

func (r *redisRepository) FinalizeJob(jobId int64, status caseselect.JobStatus, message string) caseselect.BatchError {
	if !status.Terminal() {
		return caseselect.NewBatchError(caseselect.ErrCodeGeneral, "finalize status must be terminal, got:%v", status)
	}
	jobKey := jobObjectPrefix + itoa(jobId)
	var berr caseselect.BatchError
	err := r.db.Watch(func(tx *goredis.Tx) error {
		record, er := getJobRecordTx(tx, jobId)
		if er != nil {
			berr = er
			return nil
		}
		if record.Status != caseselect.RUNNING {
			berr = caseselect.NewBatchError(caseselect.ErrCodeGeneral, "job:%v already terminal, status:%v", jobId, record.Status)
			return nil
		}
		var merged []string
		if status == caseselect.SUCCEEDED {
			var err error
			merged, err = tx.SMembers(jobSelectedPrefix + itoa(jobId)).Result()
			if err != nil {
				return err
			}
		}
		now := time.Now()
		record.Status = status
		record.PercentDone = 100
		record.EndTime = now
		record.LastUpdated = now
		record.Version++
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		_, err = tx.Pipelined(func(pipe goredis.Pipeliner) error {
			if len(merged) > 0 {
				members := make([]interface{}, 0, len(merged))
				for _, id := range merged {
					members = append(members, id)
				}
				pipe.SAdd(releaseSelectedPrefix+record.ReleaseId, members...)
			}
			pipe.Set(jobKey, data, 0)
			pipe.HDel(runningJobsKey, record.ReleaseId)
			if message != "" {
				pipe.RPush(jobMessagesPrefix+itoa(jobId), message)
			}
			return nil
		})
		return err
	}, jobKey)
	if err != nil {
		return wrapTxError("finalize job:"+itoa(jobId), err)
	}
	return berr
}

func (r *redisRepository) getJobRecord(jobId int64) (*jobRecord, caseselect.BatchError) {
	data, err := r.db.Get(jobObjectPrefix + itoa(jobId)).Bytes()
	if err == goredis.Nil {
		return nil, caseselect.NewBatchError(caseselect.ErrCodeNotFound, "job:%v not found", jobId)
	}
	if err != nil {
		return nil, caseselect.NewBatchError(caseselect.ErrCodeDbFail, "get job:%v error", jobId, err)
	}
	record := &jobRecord{}
	if err := json.Unmarshal(data, record); err != nil {
		return nil, caseselect.NewBatchError(caseselect.ErrCodeGeneral, "unmarshal job:%v error", jobId, err)
	}
	return record, nil
}

func getJobRecordTx(tx *goredis.Tx, jobId int64) (*jobRecord, caseselect.BatchError) {
	data, err := tx.Get(jobObjectPrefix + itoa(jobId)).Bytes()
	if err == goredis.Nil {
		return nil, caseselect.NewBatchError(caseselect.ErrCodeNotFound, "job:%v not found", jobId)
	}
	if err != nil {
		return nil, caseselect.NewBatchError(caseselect.ErrCodeDbFail, "get job:%v error", jobId, err)
	}
	record := &jobRecord{}
	if err := json.Unmarshal(data, record); err != nil {
		return nil, caseselect.NewBatchError(caseselect.ErrCodeGeneral, "unmarshal job:%v error", jobId, err)
	}
	return record, nil
}

func (r *redisRepository) assembleJob(record *jobRecord) (*caseselect.SelectJob, caseselect.BatchError) {
	todo, err := r.db.SMembers(jobTodoPrefix + itoa(record.JobId)).Result()
	if err != nil {
		return nil, caseselect.NewBatchError(caseselect.ErrCodeDbFail, "get queue of job:%v error", record.JobId, err)
	}
	selected, err := r.db.SMembers(jobSelectedPrefix + itoa(record.JobId)).Result()
	if err != nil {
		return nil, caseselect.NewBatchError(caseselect.ErrCodeDbFail, "get specimens of job:%v error", record.JobId, err)
	}
	messages, err := r.db.LRange(jobMessagesPrefix+itoa(record.JobId), 0, -1).Result()
	if err != nil {
		return nil, caseselect.NewBatchError(caseselect.ErrCodeDbFail, "get messages of job:%v error", record.JobId, err)
	}

	job := &caseselect.SelectJob{
		JobId:                 record.JobId,
		ReleaseId:             record.ReleaseId,
		Status:                record.Status,
		RequestedCancellation: record.RequestedCancellation,
		PercentDone:           record.PercentDone,
		InitialTodoCount:      record.InitialTodoCount,
		Messages:              messages,
		CreateTime:            record.CreateTime,
		StartTime:             record.StartTime,
		EndTime:               record.EndTime,
		LastUpdated:           record.LastUpdated,
		Version:               record.Version,
	}
	sort.Strings(todo)
	for _, id := range todo {
		job.TodoQueue = append(job.TodoQueue, caseselect.CaseRef(id))
	}
	sort.Strings(selected)
	for _, id := range selected {
		job.SelectedSpecimens = append(job.SelectedSpecimens, caseselect.SpecimenRef(id))
	}
	return job, nil
}

func caseMembers(refs []caseselect.CaseRef) []interface{} {
	members := make([]interface{}, 0, len(refs))
	for _, ref := range refs {
		members = append(members, string(ref))
	}
	return members
}

func specimenMembers(refs []caseselect.SpecimenRef) []interface{} {
	members := make([]interface{}, 0, len(refs))
	for _, ref := range refs {
		members = append(members, string(ref))
	}
	return members
}

func wrapTxError(op string, err error) caseselect.BatchError {
	if err == goredis.TxFailedErr {
		return caseselect.NewBatchError(caseselect.ErrCodeRetry, "%v: transaction conflict", op, err)
	}
	return caseselect.NewBatchError(caseselect.ErrCodeDbFail, "%v failed", op, err)
}

func itoa(jobId int64) string {
	return strconv.FormatInt(jobId, 10)
}
