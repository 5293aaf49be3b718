package scrape

import (
	"encoding/csv"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/SkyGlancer/CivicAtlas/pkg/models"
	"github.com/SkyGlancer/CivicAtlas/pkg/utils"
)

// csvHeader is the fixed output column order. Downstream consumers key on
// these exact names, so the order and spelling are part of the contract.
var csvHeader = []string{
	"Ward Number",
	"Ward Name",
	"Urban Local Body Name",
	"Urban Local Body Type",
	"District",
	"State",
}

// WardSink receives validated ward records as they are produced. The
// traversal only writes; opening and closing belong to whoever owns the run.
type WardSink interface {
	Write(ward models.Ward) error
}

// CSVWriter streams ward records to a CSV file, one flushed row per record,
// so an interrupted run keeps everything written so far.
type CSVWriter struct {
	log  *logrus.Entry
	path string

	mu     sync.Mutex
	file   *os.File
	csv    *csv.Writer
	rows   int64
	closed bool
}

// NewCSVWriter opens (or appends to, in resume mode) the output file at path
// and writes the header row when the file is empty. Unlike most failures in
// a run, not being able to open the output file is fatal to the caller.
func NewCSVWriter(log *logrus.Entry, path string, resume bool) (*CSVWriter, error) {
	openFlags := os.O_CREATE | os.O_WRONLY
	if resume {
		log.Infof("Resume mode: Appending to output file: %s", path)
		openFlags |= os.O_APPEND
	} else {
		log.Infof("Non-resume mode: Truncating output file: %s", path)
		openFlags |= os.O_TRUNC
	}
	file, err := os.OpenFile(path, openFlags, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: opening output file '%s': %w", utils.ErrFilesystem, path, err)
	}

	w := &CSVWriter{
		log:  log,
		path: path,
		file: file,
		csv:  csv.NewWriter(file),
	}

	// The header goes in exactly once per file. In resume mode a non-empty
	// file already has it.
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: stat output file '%s': %w", utils.ErrFilesystem, path, err)
	}
	if info.Size() == 0 {
		w.csv.Write(csvHeader)
		w.csv.Flush()
		if err := w.csv.Error(); err != nil {
			file.Close()
			return nil, fmt.Errorf("%w: writing CSV header to '%s': %w", utils.ErrFilesystem, path, err)
		}
		log.Debugf("Wrote CSV header to %s", path)
	}

	return w, nil
}

// Write appends one ward record and flushes it to the OS immediately.
func (w *CSVWriter) Write(ward models.Ward) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed || w.file == nil {
		return fmt.Errorf("%w: write to closed output file '%s'", utils.ErrFilesystem, w.path)
	}

	record := []string{
		ward.Number,
		ward.Name,
		ward.UrbanBodyName,
		string(ward.UrbanBodyType),
		ward.District,
		ward.State,
	}
	w.csv.Write(record)
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		return fmt.Errorf("%w: writing ward record to '%s': %w", utils.ErrFilesystem, w.path, err)
	}
	w.rows++
	return nil
}

// Rows returns the number of data rows written by this writer (the header is
// not counted).
func (w *CSVWriter) Rows() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rows
}

// Path returns the output file path.
func (w *CSVWriter) Path() string {
	return w.path
}

// Close flushes, syncs and closes the output file. Safe to call more than
// once; later calls are no-ops.
func (w *CSVWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed || w.file == nil {
		return nil
	}
	w.closed = true

	w.log.Infof("Syncing and closing output file: %s (%d rows)", w.path, w.rows)
	w.csv.Flush()
	firstErr := w.csv.Error()
	if err := w.file.Sync(); err != nil {
		w.log.Errorf("Error syncing output file '%s': %v", w.path, err)
		if firstErr == nil {
			firstErr = err
		}
	}
	if err := w.file.Close(); err != nil {
		w.log.Errorf("Error closing output file '%s': %v", w.path, err)
		if firstErr == nil {
			firstErr = err
		}
	}
	w.file = nil
	if firstErr != nil {
		return fmt.Errorf("%w: closing output file '%s': %w", utils.ErrFilesystem, w.path, firstErr)
	}
	return nil
}
