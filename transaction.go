package caseselect

// TransactionManager used by SQL-backed repositories to execute each batch
// commit and lifecycle operation in a single transaction.
type TransactionManager interface {
	BeginTx() (tx interface{}, err BatchError)
	Commit(tx interface{}) BatchError
	Rollback(tx interface{}) BatchError
}
