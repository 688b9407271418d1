package files

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chararch/caseselect"
)

func TestExportReleaseWritesSortedManifest(t *testing.T) {
	dir := t.TempDir()
	exporter := NewManifestExporter(&LocalFileStore{Dir: dir})

	release := &caseselect.Release{
		Id:                "release-1",
		SelectedSpecimens: []caseselect.SpecimenRef{"specimen-02", "specimen-01", "specimen-03"},
	}
	err := exporter.ExportRelease(release, "release-1.csv")
	require.Nil(t, err)

	content, readErr := os.ReadFile(filepath.Join(dir, "release-1.csv"))
	require.NoError(t, readErr)
	assert.Equal(t, "specimen_id\nspecimen-01\nspecimen-02\nspecimen-03\n", string(content))
}

func TestExportReleaseEmptySelection(t *testing.T) {
	dir := t.TempDir()
	exporter := NewManifestExporter(&LocalFileStore{Dir: dir})

	err := exporter.ExportRelease(&caseselect.Release{Id: "release-1"}, "empty.csv")
	require.Nil(t, err)

	content, readErr := os.ReadFile(filepath.Join(dir, "empty.csv"))
	require.NoError(t, readErr)
	assert.Equal(t, "specimen_id\n", string(content))
}

func TestExportJobRefusesRunningJob(t *testing.T) {
	exporter := NewManifestExporter(&LocalFileStore{Dir: t.TempDir()})

	err := exporter.ExportJob(&caseselect.SelectJob{JobId: 1, Status: caseselect.RUNNING}, "job-1.csv")
	require.NotNil(t, err)
	assert.Equal(t, caseselect.ErrCodeGeneral, caseselect.ErrorCode(err))
}

func TestExportJobWritesCancelledSelection(t *testing.T) {
	dir := t.TempDir()
	exporter := NewManifestExporter(&LocalFileStore{Dir: dir})

	job := &caseselect.SelectJob{
		JobId:             7,
		Status:            caseselect.CANCELLED,
		SelectedSpecimens: []caseselect.SpecimenRef{"specimen-09"},
	}
	err := exporter.ExportJob(job, "job-7.csv")
	require.Nil(t, err)

	content, readErr := os.ReadFile(filepath.Join(dir, "job-7.csv"))
	require.NoError(t, readErr)
	assert.Equal(t, "specimen_id\nspecimen-09\n", string(content))
}
