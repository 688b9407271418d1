package catalog

import (
	"sort"

	"github.com/chararch/caseselect"
)

// NewMemory create a WorkCatalog over a fixed in-process case set, for tests
// and local development
func NewMemory(cases ...*caseselect.Case) caseselect.WorkCatalog {
	byId := make(map[caseselect.CaseRef]*caseselect.Case, len(cases))
	for _, c := range cases {
		byId[c.Id] = c
	}
	return &memoryCatalog{byId: byId}
}

type memoryCatalog struct {
	byId map[caseselect.CaseRef]*caseselect.Case
}

func (c *memoryCatalog) AllCasesForDatasets(datasetUris []string) ([]caseselect.CaseRef, caseselect.BatchError) {
	uris := make(map[string]struct{}, len(datasetUris))
	for _, uri := range datasetUris {
		uris[uri] = struct{}{}
	}
	refs := make([]caseselect.CaseRef, 0)
	for id, kase := range c.byId {
		if _, ok := uris[kase.DatasetUri]; ok {
			refs = append(refs, id)
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i] < refs[j] })
	return refs, nil
}

func (c *memoryCatalog) Materialize(refs []caseselect.CaseRef) ([]*caseselect.Case, caseselect.BatchError) {
	cases := make([]*caseselect.Case, 0, len(refs))
	for _, ref := range refs {
		if kase, ok := c.byId[ref]; ok {
			cases = append(cases, kase)
		}
	}
	return cases, nil
}
