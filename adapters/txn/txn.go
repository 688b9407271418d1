// Package txn provides the SQL-backed TransactionManager used by the store
// adapters, plus a scope helper that pairs every begin with exactly one
// commit or rollback.
package txn

import (
	"context"
	"database/sql"

	"github.com/chararch/caseselect"
)

// DefaultTxManager default TransactionManager implementation over *sql.DB
type DefaultTxManager struct {
	db *sql.DB
}

// NewTransactionManager create a TransactionManager instance
func NewTransactionManager(db *sql.DB) caseselect.TransactionManager {
	return &DefaultTxManager{
		db: db,
	}
}

// BeginTx begin a transaction
func (tm *DefaultTxManager) BeginTx() (interface{}, caseselect.BatchError) {
	tx, err := tm.db.Begin()
	if err != nil {
		return nil, caseselect.NewBatchError(caseselect.ErrCodeDbFail, "start transaction failed", err)
	}
	return tx, nil
}

// Commit commit a transaction
func (tm *DefaultTxManager) Commit(tx interface{}) caseselect.BatchError {
	tx1 := tx.(*sql.Tx)
	err := tx1.Commit()
	if err != nil {
		return caseselect.NewBatchError(caseselect.ErrCodeDbFail, "transaction commit failed", err)
	}
	return nil
}

// Rollback rollback a transaction
func (tm *DefaultTxManager) Rollback(tx interface{}) caseselect.BatchError {
	tx1 := tx.(*sql.Tx)
	err := tx1.Rollback()
	if err != nil {
		return caseselect.NewBatchError(caseselect.ErrCodeDbFail, "transaction rollback failed", err)
	}
	return nil
}

// RunInTx run fn inside a transaction. The transaction commits when fn
// returns nil and rolls back otherwise; fn must not commit or roll back
// itself.
func RunInTx(tm caseselect.TransactionManager, fn func(tx *sql.Tx) caseselect.BatchError) caseselect.BatchError {
	tx, berr := tm.BeginTx()
	if berr != nil {
		return berr
	}
	if berr := fn(tx.(*sql.Tx)); berr != nil {
		if rberr := tm.Rollback(tx); rberr != nil {
			caseselect.DefaultLogger.Error(context.Background(), "rollback error:%v", rberr)
		}
		return berr
	}
	return tm.Commit(tx)
}
