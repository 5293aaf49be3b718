package scrape

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SkyGlancer/CivicAtlas/pkg/models"
	"github.com/SkyGlancer/CivicAtlas/pkg/utils"
)

func testLog() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func sampleWard(number, name string) models.Ward {
	return models.Ward{
		Number:        number,
		Name:          name,
		UrbanBodyName: "Panaji Municipal Corporation",
		UrbanBodyType: models.BodyTypeMunicipalCorporation,
		District:      "North Goa",
		State:         "Goa",
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	records, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
	require.NoError(t, err)
	return records
}

func TestCSVWriter_HeaderWrittenOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wards.csv")
	w, err := NewCSVWriter(testLog(), path, false)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	records := readCSV(t, path)
	require.Len(t, records, 1)
	assert.Equal(t, []string{
		"Ward Number", "Ward Name", "Urban Local Body Name",
		"Urban Local Body Type", "District", "State",
	}, records[0])
}

func TestCSVWriter_RowsOnDiskBeforeClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wards.csv")
	w, err := NewCSVWriter(testLog(), path, false)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	require.NoError(t, w.Write(sampleWard("1", "Azad Nagar Ward")))
	require.NoError(t, w.Write(sampleWard("2", "St. Inez Ward")))

	// Each Write flushes, so the rows are readable while the writer is
	// still open
	records := readCSV(t, path)
	require.Len(t, records, 3)
	assert.Equal(t, []string{"1", "Azad Nagar Ward", "Panaji Municipal Corporation",
		"Municipal Corporation", "North Goa", "Goa"}, records[1])
	assert.Equal(t, "2", records[2][0])
	assert.Equal(t, int64(2), w.Rows())
}

func TestCSVWriter_QuotesEmbeddedCommas(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wards.csv")
	w, err := NewCSVWriter(testLog(), path, false)
	require.NoError(t, err)

	ward := sampleWard("7", "Gandhi Nagar, East")
	require.NoError(t, w.Write(ward))
	require.NoError(t, w.Close())

	records := readCSV(t, path)
	require.Len(t, records, 2)
	assert.Equal(t, "Gandhi Nagar, East", records[1][1])
}

func TestCSVWriter_ResumeAppendsWithoutDuplicateHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wards.csv")

	w1, err := NewCSVWriter(testLog(), path, false)
	require.NoError(t, err)
	require.NoError(t, w1.Write(sampleWard("1", "Azad Nagar Ward")))
	require.NoError(t, w1.Close())

	w2, err := NewCSVWriter(testLog(), path, true)
	require.NoError(t, err)
	require.NoError(t, w2.Write(sampleWard("2", "St. Inez Ward")))
	require.NoError(t, w2.Close())

	records := readCSV(t, path)
	require.Len(t, records, 3)
	assert.Equal(t, "Ward Number", records[0][0])
	assert.Equal(t, "1", records[1][0])
	assert.Equal(t, "2", records[2][0])
}

func TestCSVWriter_ResumeIntoMissingFileWritesHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wards.csv")
	w, err := NewCSVWriter(testLog(), path, true)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	records := readCSV(t, path)
	require.Len(t, records, 1)
	assert.Equal(t, "Ward Number", records[0][0])
}

func TestCSVWriter_FreshRunTruncatesOldOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wards.csv")
	require.NoError(t, os.WriteFile(path, []byte("stale,data\nfrom,before\n"), 0644))

	w, err := NewCSVWriter(testLog(), path, false)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	records := readCSV(t, path)
	require.Len(t, records, 1)
	assert.Equal(t, "Ward Number", records[0][0])
}

func TestCSVWriter_WriteAfterCloseFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wards.csv")
	w, err := NewCSVWriter(testLog(), path, false)
	require.NoError(t, err)
	require.NoError(t, w.Write(sampleWard("1", "Azad Nagar Ward")))
	require.NoError(t, w.Close())

	err = w.Write(sampleWard("2", "St. Inez Ward"))
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrFilesystem)

	// Double close stays a no-op
	assert.NoError(t, w.Close())
}

func TestCSVWriter_RowsSurviveWriteFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wards.csv")
	w, err := NewCSVWriter(testLog(), path, false)
	require.NoError(t, err)
	require.NoError(t, w.Write(sampleWard("1", "Azad Nagar Ward")))

	// Pull the file out from under the writer to force a write error
	require.NoError(t, w.file.Close())

	err = w.Write(sampleWard("2", "St. Inez Ward"))
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrFilesystem)

	// Close after the failure must not disturb what was already written
	_ = w.Close()

	records := readCSV(t, path)
	require.Len(t, records, 2)
	assert.Equal(t, "1", records[1][0])
	assert.Equal(t, "Azad Nagar Ward", records[1][1])
}

func TestCSVWriter_OpenFailure(t *testing.T) {
	_, err := NewCSVWriter(testLog(), "/nonexistent/dir/wards.csv", false)
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrFilesystem)
}
