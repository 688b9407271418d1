package caseselect

import (
	"crypto/md5"
	"encoding/json"
	"fmt"

	"github.com/karlseguin/typed"
)

// ApplicationMetadata the coded data-use terms attached to a release's
// application, passed to the eligibility evaluator for every specimen.
type ApplicationMetadata struct {
	typed.Typed
}

// NewApplicationMetadata create an empty metadata map
func NewApplicationMetadata() ApplicationMetadata {
	return ApplicationMetadata{Typed: typed.Typed{}}
}

func (m *ApplicationMetadata) Set(k string, v any) *ApplicationMetadata {
	m.Typed[k] = v
	return m
}

func (m ApplicationMetadata) ToString() string {
	bs, err := json.Marshal(m)
	if err != nil {
		panic(err)
	}
	return string(bs)
}

func (m *ApplicationMetadata) FromString(str string) error {
	return json.Unmarshal([]byte(str), m)
}

func (m *ApplicationMetadata) UnmarshalJSON(bytes []byte) error {
	if m.Typed == nil {
		m.Typed = typed.Typed{}
	}
	return json.Unmarshal(bytes, &m.Typed)
}

func (m ApplicationMetadata) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Typed)
}

// Footprint stable digest of the metadata, used to detect term changes
// between a job's creation and its finalization.
func (m ApplicationMetadata) Footprint() string {
	bytes, err := json.Marshal(m)
	if err != nil {
		panic(err)
	}
	b := md5.Sum(bytes)
	return fmt.Sprintf("%x", b)
}

// UseCodes the consent codes the application is approved for
func (m ApplicationMetadata) UseCodes() []string {
	return m.Strings("use_codes")
}
