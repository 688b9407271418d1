package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/chararch/caseselect"
	"github.com/chararch/caseselect/adapters/txn"
)

// insertChunkSize rows per multi-row insert when populating large queues
const insertChunkSize = 500

// New create a MySQL-backed job record store
func New(db *sql.DB, logger caseselect.Logger) caseselect.Repository {
	return &mysqlRepository{
		db:     db,
		txnMgr: txn.NewTransactionManager(db),
		logger: logger,
	}
}

type mysqlRepository struct {
	db     *sql.DB
	txnMgr caseselect.TransactionManager
	logger caseselect.Logger
}

func (r *mysqlRepository) SaveRelease(release *caseselect.Release) caseselect.BatchError {
	uris, err := json.Marshal(release.DatasetUris)
	if err != nil {
		return caseselect.NewBatchError(caseselect.ErrCodeGeneral, "marshal dataset uris of release:%v error", release.Id, err)
	}
	now := time.Now()
	_, err = r.db.Exec(
		"INSERT INTO sel_release(release_id, dataset_uris, application_metadata, create_time, last_updated) VALUES (?, ?, ?, ?, ?) "+
			"ON DUPLICATE KEY UPDATE dataset_uris = VALUES(dataset_uris), application_metadata = VALUES(application_metadata), last_updated = VALUES(last_updated)",
		release.Id, string(uris), release.ApplicationMetadata.ToString(), now, now)
	if err != nil {
		return caseselect.NewBatchError(caseselect.ErrCodeDbFail, "save release:%v error", release.Id, err)
	}
	return nil
}

func (r *mysqlRepository) FindRelease(releaseId string) (*caseselect.Release, caseselect.BatchError) {
	model := releaseDBModel{}
	err := r.db.QueryRow(
		"SELECT release_id, dataset_uris, application_metadata, create_time, last_updated FROM sel_release WHERE release_id = ?",
		releaseId).Scan(&model.ReleaseId, &model.DatasetUris, &model.ApplicationMetadata, &model.CreateTime, &model.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, caseselect.NewBatchError(caseselect.ErrCodeNotFound, "release:%v not found", releaseId)
	}
	if err != nil {
		return nil, caseselect.NewBatchError(caseselect.ErrCodeDbFail, "query release:%v error", releaseId, err)
	}
	release := &caseselect.Release{
		Id:                  model.ReleaseId,
		ApplicationMetadata: caseselect.NewApplicationMetadata(),
		CreateTime:          model.CreateTime,
		LastUpdated:         model.LastUpdated,
	}
	if err := json.Unmarshal([]byte(model.DatasetUris), &release.DatasetUris); err != nil {
		return nil, caseselect.NewBatchError(caseselect.ErrCodeGeneral, "unmarshal dataset uris of release:%v error", releaseId, err)
	}
	if err := release.ApplicationMetadata.FromString(model.ApplicationMetadata); err != nil {
		return nil, caseselect.NewBatchError(caseselect.ErrCodeGeneral, "unmarshal metadata of release:%v error", releaseId, err)
	}
	specimens, berr := r.querySpecimenRefs("SELECT specimen_id FROM sel_release_specimen WHERE release_id = ?", releaseId)
	if berr != nil {
		return nil, berr
	}
	release.SelectedSpecimens = specimens
	return release, nil
}

func (r *mysqlRepository) CreateJob(releaseId string, todo []caseselect.CaseRef) (*caseselect.SelectJob, caseselect.BatchError) {
	var jobId int64
	now := time.Now()
	berr := txn.RunInTx(r.txnMgr, func(tx *sql.Tx) caseselect.BatchError {
		// lock the release row so concurrent job creation for the same release
		// serializes on the running-job check
		var lockedId string
		err := tx.QueryRow("SELECT release_id FROM sel_release WHERE release_id = ? FOR UPDATE", releaseId).Scan(&lockedId)
		if err == sql.ErrNoRows {
			return caseselect.NewBatchError(caseselect.ErrCodeNotFound, "release:%v not found", releaseId)
		}
		if err != nil {
			return caseselect.NewBatchError(caseselect.ErrCodeDbFail, "lock release:%v error", releaseId, err)
		}

		rows, err := tx.Query("SELECT job_id FROM sel_job WHERE release_id = ? AND status = ? FOR UPDATE", releaseId, string(caseselect.RUNNING))
		if err != nil {
			return caseselect.NewBatchError(caseselect.ErrCodeDbFail, "query running jobs of release:%v error", releaseId, err)
		}
		running := make([]int64, 0)
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return caseselect.NewBatchError(caseselect.ErrCodeDbFail, "scan running job of release:%v error", releaseId, err)
			}
			running = append(running, id)
		}
		rows.Close()
		if len(running) > 0 {
			return &caseselect.ConflictError{ReleaseId: releaseId, JobIds: running}
		}

		result, err := tx.Exec(
			"INSERT INTO sel_job(release_id, status, requested_cancellation, percent_done, initial_todo_count, create_time, start_time, last_updated, version) "+
				"VALUES (?, ?, 0, 0, ?, ?, ?, ?, 1)",
			releaseId, string(caseselect.RUNNING), len(todo), now, now, now)
		if err != nil {
			return caseselect.NewBatchError(caseselect.ErrCodeDbFail, "insert job for release:%v error", releaseId, err)
		}
		jobId, err = result.LastInsertId()
		if err != nil {
			return caseselect.NewBatchError(caseselect.ErrCodeDbFail, "read job id for release:%v error", releaseId, err)
		}

		for _, chunk := range lo.Chunk(todo, insertChunkSize) {
			stmt := strings.Builder{}
			stmt.WriteString("INSERT INTO sel_job_todo(job_id, case_id) VALUES ")
			args := make([]interface{}, 0, len(chunk)*2)
			for i, caseId := range chunk {
				if i > 0 {
					stmt.WriteString(", ")
				}
				stmt.WriteString("(?, ?)")
				args = append(args, jobId, string(caseId))
			}
			if _, err := tx.Exec(stmt.String(), args...); err != nil {
				return caseselect.NewBatchError(caseselect.ErrCodeDbFail, "populate queue of job:%v error", jobId, err)
			}
		}

		if _, err := tx.Exec("INSERT INTO sel_job_message(job_id, message, create_time) VALUES (?, ?, ?)", jobId, "Created", now); err != nil {
			return caseselect.NewBatchError(caseselect.ErrCodeDbFail, "insert message of job:%v error", jobId, err)
		}
		return nil
	})
	if berr != nil {
		return nil, berr
	}

	return &caseselect.SelectJob{
		JobId:            jobId,
		ReleaseId:        releaseId,
		Status:           caseselect.RUNNING,
		InitialTodoCount: len(todo),
		TodoQueue:        append([]caseselect.CaseRef(nil), todo...),
		Messages:         []string{"Created"},
		CreateTime:       now,
		StartTime:        now,
		LastUpdated:      now,
		Version:          1,
	}, nil
}

func (r *mysqlRepository) FindJob(jobId int64) (*caseselect.SelectJob, caseselect.BatchError) {
	model := selectJobDBModel{}
	err := r.db.QueryRow(
		"SELECT job_id, release_id, status, requested_cancellation, percent_done, initial_todo_count, create_time, start_time, end_time, last_updated, version "+
			"FROM sel_job WHERE job_id = ?", jobId).
		Scan(&model.JobId, &model.ReleaseId, &model.Status, &model.RequestedCancellation, &model.PercentDone, &model.InitialTodoCount,
			&model.CreateTime, &model.StartTime, &model.EndTime, &model.LastUpdated, &model.Version)
	if err == sql.ErrNoRows {
		return nil, caseselect.NewBatchError(caseselect.ErrCodeNotFound, "job:%v not found", jobId)
	}
	if err != nil {
		return nil, caseselect.NewBatchError(caseselect.ErrCodeDbFail, "query job:%v error", jobId, err)
	}
	return r.assembleJob(&model)
}

func (r *mysqlRepository) FindRunningJobs() ([]*caseselect.SelectJob, caseselect.BatchError) {
	return r.queryJobs("SELECT job_id, release_id, status, requested_cancellation, percent_done, initial_todo_count, create_time, start_time, end_time, last_updated, version "+
		"FROM sel_job WHERE status = ? ORDER BY job_id", string(caseselect.RUNNING))
}

func (r *mysqlRepository) FindPreviousJobs(releaseId string) ([]*caseselect.SelectJob, caseselect.BatchError) {
	return r.queryJobs("SELECT job_id, release_id, status, requested_cancellation, percent_done, initial_todo_count, create_time, start_time, end_time, last_updated, version "+
		"FROM sel_job WHERE release_id = ? AND status <> ? ORDER BY job_id", releaseId, string(caseselect.RUNNING))
}

func (r *mysqlRepository) RequestCancellation(jobId int64) caseselect.BatchError {
	return txn.RunInTx(r.txnMgr, func(tx *sql.Tx) caseselect.BatchError {
		var status string
		var flagged bool
		err := tx.QueryRow("SELECT status, requested_cancellation FROM sel_job WHERE job_id = ? FOR UPDATE", jobId).Scan(&status, &flagged)
		if err == sql.ErrNoRows {
			return caseselect.NewBatchError(caseselect.ErrCodeNotFound, "job:%v not found", jobId)
		}
		if err != nil {
			return caseselect.NewBatchError(caseselect.ErrCodeDbFail, "lock job:%v error", jobId, err)
		}
		if caseselect.JobStatus(status) != caseselect.RUNNING {
			return caseselect.NewBatchError(caseselect.ErrCodeNotFound, "job:%v is not running, status:%v", jobId, status)
		}
		if flagged {
			return nil
		}
		now := time.Now()
		if _, err := tx.Exec("UPDATE sel_job SET requested_cancellation = 1, last_updated = ? WHERE job_id = ?", now, jobId); err != nil {
			return caseselect.NewBatchError(caseselect.ErrCodeDbFail, "flag cancellation of job:%v error", jobId, err)
		}
		if _, err := tx.Exec("INSERT INTO sel_job_message(job_id, message, create_time) VALUES (?, ?, ?)", jobId, "Cancellation requested", now); err != nil {
			return caseselect.NewBatchError(caseselect.ErrCodeDbFail, "insert message of job:%v error", jobId, err)
		}
		return nil
	})
}

func (r *mysqlRepository) ClaimCases(jobId int64, limit int) ([]caseselect.CaseRef, caseselect.BatchError) {
	rows, err := r.db.Query("SELECT case_id FROM sel_job_todo WHERE job_id = ? LIMIT ?", jobId, limit)
	if err != nil {
		return nil, caseselect.NewBatchError(caseselect.ErrCodeDbFail, "claim cases of job:%v error", jobId, err)
	}
	defer rows.Close()
	claimed := make([]caseselect.CaseRef, 0, limit)
	for rows.Next() {
		var caseId string
		if err := rows.Scan(&caseId); err != nil {
			return nil, caseselect.NewBatchError(caseselect.ErrCodeDbFail, "scan claimed case of job:%v error", jobId, err)
		}
		claimed = append(claimed, caseselect.CaseRef(caseId))
	}
	return claimed, nil
}

func (r *mysqlRepository) CommitBatch(jobId int64, claimed []caseselect.CaseRef, selected []caseselect.SpecimenRef, message string) caseselect.BatchError {
	if len(claimed) == 0 {
		return nil
	}
	return txn.RunInTx(r.txnMgr, func(tx *sql.Tx) caseselect.BatchError {
		model := selectJobDBModel{}
		err := tx.QueryRow("SELECT status, initial_todo_count, version FROM sel_job WHERE job_id = ? FOR UPDATE", jobId).
			Scan(&model.Status, &model.InitialTodoCount, &model.Version)
		if err == sql.ErrNoRows {
			return caseselect.NewBatchError(caseselect.ErrCodeNotFound, "job:%v not found", jobId)
		}
		if err != nil {
			return caseselect.NewBatchError(caseselect.ErrCodeDbFail, "lock job:%v error", jobId, err)
		}
		if caseselect.JobStatus(model.Status) != caseselect.RUNNING {
			return caseselect.NewBatchError(caseselect.ErrCodeGeneral, "job:%v is not running, status:%v", jobId, model.Status)
		}

		args := make([]interface{}, 0, len(claimed)+1)
		args = append(args, jobId)
		for _, caseId := range claimed {
			args = append(args, string(caseId))
		}
		result, err := tx.Exec(fmt.Sprintf("DELETE FROM sel_job_todo WHERE job_id = ? AND case_id IN (%v)", placeholders(len(claimed))), args...)
		if err != nil {
			return caseselect.NewBatchError(caseselect.ErrCodeDbFail, "dequeue cases of job:%v error", jobId, err)
		}
		removed, err := result.RowsAffected()
		if err != nil {
			return caseselect.NewBatchError(caseselect.ErrCodeDbFail, "read dequeue count of job:%v error", jobId, err)
		}
		if int(removed) != len(claimed) {
			// another commit already consumed part of this claim, retry with a
			// fresh claim
			return caseselect.NewBatchError(caseselect.ErrCodeRetry, "job:%v claimed %v case(s) but only %v still queued", jobId, len(claimed), removed)
		}

		if len(selected) > 0 {
			stmt := strings.Builder{}
			stmt.WriteString("INSERT IGNORE INTO sel_job_specimen(job_id, specimen_id) VALUES ")
			args = args[:0]
			for i, specimenId := range selected {
				if i > 0 {
					stmt.WriteString(", ")
				}
				stmt.WriteString("(?, ?)")
				args = append(args, jobId, string(specimenId))
			}
			if _, err := tx.Exec(stmt.String(), args...); err != nil {
				return caseselect.NewBatchError(caseselect.ErrCodeDbFail, "record specimens of job:%v error", jobId, err)
			}
		}

		var remaining int
		if err := tx.QueryRow("SELECT COUNT(*) FROM sel_job_todo WHERE job_id = ?", jobId).Scan(&remaining); err != nil {
			return caseselect.NewBatchError(caseselect.ErrCodeDbFail, "count queue of job:%v error", jobId, err)
		}
		percent := caseselect.CompletionPercent(model.InitialTodoCount, remaining)

		now := time.Now()
		result, err = tx.Exec("UPDATE sel_job SET percent_done = ?, last_updated = ?, version = version + 1 WHERE job_id = ? AND version = ?",
			percent, now, jobId, model.Version)
		if err != nil {
			return caseselect.NewBatchError(caseselect.ErrCodeDbFail, "update progress of job:%v error", jobId, err)
		}
		updated, err := result.RowsAffected()
		if err != nil || updated != 1 {
			return caseselect.NewBatchError(caseselect.ErrCodeInvariant, "job:%v version moved under lock", jobId, err)
		}

		if message != "" {
			if _, err := tx.Exec("INSERT INTO sel_job_message(job_id, message, create_time) VALUES (?, ?, ?)", jobId, message, now); err != nil {
				return caseselect.NewBatchError(caseselect.ErrCodeDbFail, "insert message of job:%v error", jobId, err)
			}
		}
		return nil
	})
}

func (r *mysqlRepository) FinalizeJob(jobId int64, status caseselect.JobStatus, message string) caseselect.BatchError {
	if !status.Terminal() {
		return caseselect.NewBatchError(caseselect.ErrCodeGeneral, "finalize status must be terminal, got:%v", status)
	}
	return txn.RunInTx(r.txnMgr, func(tx *sql.Tx) caseselect.BatchError {
		var releaseId, current string
		err := tx.QueryRow("SELECT release_id, status FROM sel_job WHERE job_id = ? FOR UPDATE", jobId).Scan(&releaseId, &current)
		if err == sql.ErrNoRows {
			return caseselect.NewBatchError(caseselect.ErrCodeNotFound, "job:%v not found", jobId)
		}
		if err != nil {
			return caseselect.NewBatchError(caseselect.ErrCodeDbFail, "lock job:%v error", jobId, err)
		}
		if caseselect.JobStatus(current) != caseselect.RUNNING {
			return caseselect.NewBatchError(caseselect.ErrCodeGeneral, "job:%v already terminal, status:%v", jobId, current)
		}

		if status == caseselect.SUCCEEDED {
			if _, err := tx.Exec(
				"INSERT IGNORE INTO sel_release_specimen(release_id, specimen_id) SELECT ?, specimen_id FROM sel_job_specimen WHERE job_id = ?",
				releaseId, jobId); err != nil {
				return caseselect.NewBatchError(caseselect.ErrCodeDbFail, "merge specimens of job:%v into release:%v error", jobId, releaseId, err)
			}
		}

		now := time.Now()
		if _, err := tx.Exec("UPDATE sel_job SET status = ?, percent_done = 100, end_time = ?, last_updated = ?, version = version + 1 WHERE job_id = ?",
			string(status), now, now, jobId); err != nil {
			return caseselect.NewBatchError(caseselect.ErrCodeDbFail, "finalize job:%v error", jobId, err)
		}
		if message != "" {
			if _, err := tx.Exec("INSERT INTO sel_job_message(job_id, message, create_time) VALUES (?, ?, ?)", jobId, message, now); err != nil {
				return caseselect.NewBatchError(caseselect.ErrCodeDbFail, "insert message of job:%v error", jobId, err)
			}
		}
		return nil
	})
}

func (r *mysqlRepository) queryJobs(query string, args ...interface{}) ([]*caseselect.SelectJob, caseselect.BatchError) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, caseselect.NewBatchError(caseselect.ErrCodeDbFail, "query jobs error", err)
	}
	models := make([]*selectJobDBModel, 0)
	for rows.Next() {
		model := selectJobDBModel{}
		if err := rows.Scan(&model.JobId, &model.ReleaseId, &model.Status, &model.RequestedCancellation, &model.PercentDone, &model.InitialTodoCount,
			&model.CreateTime, &model.StartTime, &model.EndTime, &model.LastUpdated, &model.Version); err != nil {
			rows.Close()
			return nil, caseselect.NewBatchError(caseselect.ErrCodeDbFail, "scan job error", err)
		}
		models = append(models, &model)
	}
	rows.Close()

	jobs := make([]*caseselect.SelectJob, 0, len(models))
	for _, model := range models {
		job, berr := r.assembleJob(model)
		if berr != nil {
			return nil, berr
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (r *mysqlRepository) assembleJob(model *selectJobDBModel) (*caseselect.SelectJob, caseselect.BatchError) {
	job := &caseselect.SelectJob{
		JobId:                 model.JobId,
		ReleaseId:             model.ReleaseId,
		Status:                caseselect.JobStatus(model.Status),
		RequestedCancellation: model.RequestedCancellation,
		PercentDone:           model.PercentDone,
		InitialTodoCount:      model.InitialTodoCount,
		CreateTime:            model.CreateTime,
		StartTime:             model.StartTime,
		LastUpdated:           model.LastUpdated,
		Version:               model.Version,
	}
	if model.EndTime.Valid {
		job.EndTime = model.EndTime.Time
	}

	rows, err := r.db.Query("SELECT case_id FROM sel_job_todo WHERE job_id = ?", model.JobId)
	if err != nil {
		return nil, caseselect.NewBatchError(caseselect.ErrCodeDbFail, "query queue of job:%v error", model.JobId, err)
	}
	for rows.Next() {
		var caseId string
		if err := rows.Scan(&caseId); err != nil {
			rows.Close()
			return nil, caseselect.NewBatchError(caseselect.ErrCodeDbFail, "scan queue of job:%v error", model.JobId, err)
		}
		job.TodoQueue = append(job.TodoQueue, caseselect.CaseRef(caseId))
	}
	rows.Close()

	specimens, berr := r.querySpecimenRefs("SELECT specimen_id FROM sel_job_specimen WHERE job_id = ?", model.JobId)
	if berr != nil {
		return nil, berr
	}
	job.SelectedSpecimens = specimens

	rows, err = r.db.Query("SELECT message FROM sel_job_message WHERE job_id = ? ORDER BY message_id", model.JobId)
	if err != nil {
		return nil, caseselect.NewBatchError(caseselect.ErrCodeDbFail, "query messages of job:%v error", model.JobId, err)
	}
	for rows.Next() {
		var message string
		if err := rows.Scan(&message); err != nil {
			rows.Close()
			return nil, caseselect.NewBatchError(caseselect.ErrCodeDbFail, "scan messages of job:%v error", model.JobId, err)
		}
		job.Messages = append(job.Messages, message)
	}
	rows.Close()

	return job, nil
}

func (r *mysqlRepository) querySpecimenRefs(query string, args ...interface{}) ([]caseselect.SpecimenRef, caseselect.BatchError) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, caseselect.NewBatchError(caseselect.ErrCodeDbFail, "query specimens error", err)
	}
	defer rows.Close()
	refs := make([]caseselect.SpecimenRef, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, caseselect.NewBatchError(caseselect.ErrCodeDbFail, "scan specimen error", err)
		}
		refs = append(refs, caseselect.SpecimenRef(id))
	}
	return refs, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
