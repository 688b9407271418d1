package caseselect

import (
	"github.com/samber/lo"
)

// EligibilityEvaluator decides whether one specimen may be included in a
// release, given the release's application metadata and the specimen's
// clinical context. Implementations must be pure: no shared-state mutation,
// an error aborts the whole batch commit untouched.
type EligibilityEvaluator interface {
	IsSelectable(metadata ApplicationMetadata, c *Case, p *Patient, s *Specimen) (bool, error)
}

// CodeMatchEvaluator reference policy: a specimen is selectable when its
// consent codes intersect the release's approved use codes.
type CodeMatchEvaluator struct{}

func (CodeMatchEvaluator) IsSelectable(metadata ApplicationMetadata, _ *Case, _ *Patient, s *Specimen) (bool, error) {
	useCodes := metadata.UseCodes()
	if len(useCodes) == 0 {
		return false, nil
	}
	return len(lo.Intersect(useCodes, s.ConsentCodes)) > 0, nil
}

// EvaluatorFunc adapt a plain function to the EligibilityEvaluator interface
type EvaluatorFunc func(metadata ApplicationMetadata, c *Case, p *Patient, s *Specimen) (bool, error)

func (f EvaluatorFunc) IsSelectable(metadata ApplicationMetadata, c *Case, p *Patient, s *Specimen) (bool, error) {
	return f(metadata, c, p, s)
}
