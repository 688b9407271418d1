// Package catalog provides WorkCatalog implementations over the clinical
// case/patient/specimen hierarchy. The catalog is read-only; queue ownership
// stays with the job record store.
package catalog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chararch/caseselect"
)

// Schema DDL for the clinical hierarchy tables (MySQL)
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS sel_case (
		case_id     VARCHAR(64)  NOT NULL,
		dataset_uri VARCHAR(255) NOT NULL,
		PRIMARY KEY (case_id),
		KEY idx_sel_case_dataset (dataset_uri)
	)`,
	`CREATE TABLE IF NOT EXISTS sel_patient (
		patient_id VARCHAR(64) NOT NULL,
		case_id    VARCHAR(64) NOT NULL,
		PRIMARY KEY (patient_id),
		KEY idx_sel_patient_case (case_id)
	)`,
	`CREATE TABLE IF NOT EXISTS sel_specimen (
		specimen_id   VARCHAR(64)  NOT NULL,
		patient_id    VARCHAR(64)  NOT NULL,
		specimen_type VARCHAR(64)  NOT NULL DEFAULT '',
		consent_codes TEXT         NOT NULL,
		PRIMARY KEY (specimen_id),
		KEY idx_sel_specimen_patient (patient_id)
	)`,
}

// EnsureSchema create the catalog tables if absent
func EnsureSchema(db *sql.DB) caseselect.BatchError {
	for _, ddl := range Schema {
		if _, err := db.Exec(ddl); err != nil {
			return caseselect.NewBatchError(caseselect.ErrCodeDbFail, "create catalog schema failed", err)
		}
	}
	return nil
}

// NewSQL create a WorkCatalog over the clinical database
func NewSQL(db *sql.DB, logger caseselect.Logger) caseselect.WorkCatalog {
	return &sqlCatalog{db: db, logger: logger}
}

type sqlCatalog struct {
	db     *sql.DB
	logger caseselect.Logger
}

func (c *sqlCatalog) AllCasesForDatasets(datasetUris []string) ([]caseselect.CaseRef, caseselect.BatchError) {
	if len(datasetUris) == 0 {
		return []caseselect.CaseRef{}, nil
	}
	args := make([]interface{}, 0, len(datasetUris))
	for _, uri := range datasetUris {
		args = append(args, uri)
	}
	rows, err := c.db.Query(fmt.Sprintf("SELECT case_id FROM sel_case WHERE dataset_uri IN (%v)", placeholders(len(datasetUris))), args...)
	if err != nil {
		return nil, caseselect.NewBatchError(caseselect.ErrCodeDbFail, "query cases for datasets:%v error", datasetUris, err)
	}
	defer rows.Close()
	refs := make([]caseselect.CaseRef, 0)
	for rows.Next() {
		var caseId string
		if err := rows.Scan(&caseId); err != nil {
			return nil, caseselect.NewBatchError(caseselect.ErrCodeDbFail, "scan case error", err)
		}
		refs = append(refs, caseselect.CaseRef(caseId))
	}
	return refs, nil
}

func (c *sqlCatalog) Materialize(refs []caseselect.CaseRef) ([]*caseselect.Case, caseselect.BatchError) {
	if len(refs) == 0 {
		return []*caseselect.Case{}, nil
	}
	args := make([]interface{}, 0, len(refs))
	for _, ref := range refs {
		args = append(args, string(ref))
	}

	rows, err := c.db.Query(fmt.Sprintf("SELECT case_id, dataset_uri FROM sel_case WHERE case_id IN (%v)", placeholders(len(refs))), args...)
	if err != nil {
		return nil, caseselect.NewBatchError(caseselect.ErrCodeDbFail, "query cases error", err)
	}
	cases := make([]*caseselect.Case, 0, len(refs))
	byCase := map[caseselect.CaseRef]*caseselect.Case{}
	for rows.Next() {
		c := &caseselect.Case{}
		if err := rows.Scan(&c.Id, &c.DatasetUri); err != nil {
			rows.Close()
			return nil, caseselect.NewBatchError(caseselect.ErrCodeDbFail, "scan case error", err)
		}
		cases = append(cases, c)
		byCase[c.Id] = c
	}
	rows.Close()

	rows, err = c.db.Query(fmt.Sprintf("SELECT patient_id, case_id FROM sel_patient WHERE case_id IN (%v)", placeholders(len(refs))), args...)
	if err != nil {
		return nil, caseselect.NewBatchError(caseselect.ErrCodeDbFail, "query patients error", err)
	}
	patientArgs := make([]interface{}, 0)
	byPatient := map[string]*caseselect.Patient{}
	for rows.Next() {
		p := &caseselect.Patient{}
		if err := rows.Scan(&p.Id, &p.CaseId); err != nil {
			rows.Close()
			return nil, caseselect.NewBatchError(caseselect.ErrCodeDbFail, "scan patient error", err)
		}
		if parent, ok := byCase[p.CaseId]; ok {
			parent.Patients = append(parent.Patients, p)
			byPatient[p.Id] = p
			patientArgs = append(patientArgs, p.Id)
		}
	}
	rows.Close()

	if len(patientArgs) == 0 {
		return cases, nil
	}

	rows, err = c.db.Query(fmt.Sprintf("SELECT specimen_id, patient_id, specimen_type, consent_codes FROM sel_specimen WHERE patient_id IN (%v)",
		placeholders(len(patientArgs))), patientArgs...)
	if err != nil {
		return nil, caseselect.NewBatchError(caseselect.ErrCodeDbFail, "query specimens error", err)
	}
	defer rows.Close()
	for rows.Next() {
		s := &caseselect.Specimen{}
		var codes string
		if err := rows.Scan(&s.Id, &s.PatientId, &s.Type, &codes); err != nil {
			return nil, caseselect.NewBatchError(caseselect.ErrCodeDbFail, "scan specimen error", err)
		}
		if err := json.Unmarshal([]byte(codes), &s.ConsentCodes); err != nil {
			return nil, caseselect.NewBatchError(caseselect.ErrCodeGeneral, "unmarshal consent codes of specimen:%v error", s.Id, err)
		}
		if parent, ok := byPatient[s.PatientId]; ok {
			parent.Specimens = append(parent.Specimens, s)
		}
	}
	return cases, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
