// Package files exports release selection manifests to file drops shared
// with downstream delivery systems.
package files

import (
	"context"
	"encoding/csv"
	"sort"

	"github.com/chararch/caseselect"
)

// NewManifestExporter create an exporter writing to the given store
func NewManifestExporter(store FileStore) *ManifestExporter {
	return &ManifestExporter{store: store}
}

// ManifestExporter writes the selected specimen set of a release, or the
// accumulated (possibly unmerged) set of a terminal job, as a CSV manifest.
type ManifestExporter struct {
	store FileStore
}

// ExportRelease write the release's authoritative selection
func (e *ManifestExporter) ExportRelease(release *caseselect.Release, fileName string) caseselect.BatchError {
	return e.export(release.SelectedSpecimens, fileName)
}

// ExportJob write a job's accumulated selection, useful for auditing
// cancelled jobs whose results never reached the release
func (e *ManifestExporter) ExportJob(job *caseselect.SelectJob, fileName string) caseselect.BatchError {
	if !job.Status.Terminal() {
		return caseselect.NewBatchError(caseselect.ErrCodeGeneral, "job:%v is still running, refusing to export", job.JobId)
	}
	return e.export(job.SelectedSpecimens, fileName)
}

func (e *ManifestExporter) export(specimens []caseselect.SpecimenRef, fileName string) caseselect.BatchError {
	file, err := e.store.Create(fileName)
	if err != nil {
		return caseselect.NewBatchError(caseselect.ErrCodeGeneral, "create manifest file:%v error", fileName, err)
	}

	ids := make([]string, 0, len(specimens))
	for _, specimen := range specimens {
		ids = append(ids, string(specimen))
	}
	sort.Strings(ids)

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"specimen_id"}); err != nil {
		e.closeQuiet(file, fileName)
		return caseselect.NewBatchError(caseselect.ErrCodeGeneral, "write manifest header of:%v error", fileName, err)
	}
	for _, id := range ids {
		if err := writer.Write([]string{id}); err != nil {
			e.closeQuiet(file, fileName)
			return caseselect.NewBatchError(caseselect.ErrCodeGeneral, "write manifest row of:%v error", fileName, err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		e.closeQuiet(file, fileName)
		return caseselect.NewBatchError(caseselect.ErrCodeGeneral, "flush manifest:%v error", fileName, err)
	}
	if err := file.Close(); err != nil {
		return caseselect.NewBatchError(caseselect.ErrCodeGeneral, "close manifest:%v error", fileName, err)
	}
	return nil
}

func (e *ManifestExporter) closeQuiet(file interface{ Close() error }, fileName string) {
	if err := file.Close(); err != nil {
		caseselect.DefaultLogger.Error(context.Background(), "close manifest file:%v error:%v", fileName, err)
	}
}
