package caseselect

// WorkCatalog read-only view over the case/patient/specimen hierarchy of the
// datasets a release draws from. Supplies the initial queue population and
// per-batch case materialization. No side effects.
type WorkCatalog interface {
	// AllCasesForDatasets the full case set belonging to the given datasets
	AllCasesForDatasets(datasetUris []string) ([]CaseRef, BatchError)
	// Materialize load the cases with nested patients and specimens
	Materialize(refs []CaseRef) ([]*Case, BatchError)
}
