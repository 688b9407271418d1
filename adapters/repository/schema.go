package repository

import (
	"database/sql"

	"github.com/chararch/caseselect"
)

// Schema DDL for the job record store (MySQL)
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS sel_release (
		release_id           VARCHAR(64)  NOT NULL,
		dataset_uris         TEXT         NOT NULL,
		application_metadata TEXT         NOT NULL,
		create_time          DATETIME(3)  NOT NULL,
		last_updated         DATETIME(3)  NOT NULL,
		PRIMARY KEY (release_id)
	)`,
	`CREATE TABLE IF NOT EXISTS sel_release_specimen (
		release_id  VARCHAR(64)  NOT NULL,
		specimen_id VARCHAR(64)  NOT NULL,
		PRIMARY KEY (release_id, specimen_id)
	)`,
	`CREATE TABLE IF NOT EXISTS sel_job (
		job_id                 BIGINT       NOT NULL AUTO_INCREMENT,
		release_id             VARCHAR(64)  NOT NULL,
		status                 VARCHAR(16)  NOT NULL,
		requested_cancellation TINYINT(1)   NOT NULL DEFAULT 0,
		percent_done           INT          NOT NULL DEFAULT 0,
		initial_todo_count     INT          NOT NULL,
		create_time            DATETIME(3)  NOT NULL,
		start_time             DATETIME(3)  NOT NULL,
		end_time               DATETIME(3)  NULL,
		last_updated           DATETIME(3)  NOT NULL,
		version                BIGINT       NOT NULL DEFAULT 1,
		PRIMARY KEY (job_id),
		KEY idx_sel_job_release_status (release_id, status)
	)`,
	`CREATE TABLE IF NOT EXISTS sel_job_todo (
		job_id  BIGINT      NOT NULL,
		case_id VARCHAR(64) NOT NULL,
		PRIMARY KEY (job_id, case_id)
	)`,
	`CREATE TABLE IF NOT EXISTS sel_job_specimen (
		job_id      BIGINT      NOT NULL,
		specimen_id VARCHAR(64) NOT NULL,
		PRIMARY KEY (job_id, specimen_id)
	)`,
	`CREATE TABLE IF NOT EXISTS sel_job_message (
		message_id  BIGINT      NOT NULL AUTO_INCREMENT,
		job_id      BIGINT      NOT NULL,
		message     TEXT        NOT NULL,
		create_time DATETIME(3) NOT NULL,
		PRIMARY KEY (message_id),
		KEY idx_sel_job_message_job (job_id)
	)`,
}

// EnsureSchema create the store tables if absent
func EnsureSchema(db *sql.DB) caseselect.BatchError {
	for _, ddl := range Schema {
		if _, err := db.Exec(ddl); err != nil {
			return caseselect.NewBatchError(caseselect.ErrCodeDbFail, "create schema failed", err)
		}
	}
	return nil
}
