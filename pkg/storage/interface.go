package storage

import (
	"context"
	"time"

	"github.com/SkyGlancer/CivicAtlas/pkg/models"
)

// BodyStore tracks per-urban-body scrape outcomes so an interrupted run can
// resume without refetching ward listings it already has.
type BodyStore interface {
	// CheckBodyStatus retrieves the journaled outcome for an urban body URL
	// Returns status (BodyStatusSuccess, BodyStatusFailure, BodyStatusNotFound, BodyStatusDBError),
	// the BodyDBEntry if found and parsed, and any error
	CheckBodyStatus(normalizedURL string) (status models.BodyStatus, entry *models.BodyDBEntry, err error)

	// UpdateBodyStatus records the outcome for an urban body URL
	UpdateBodyStatus(normalizedURL string, entry *models.BodyDBEntry) error
}

// StoreAdmin handles lifecycle and administrative operations
type StoreAdmin interface {
	// GetBodyCount returns the number of journaled urban bodies
	GetBodyCount() (int, error)

	// DumpJournal writes one "status<TAB>url" line per journal entry to the
	// specified file path
	DumpJournal(filePath string) error

	// RunGC runs periodic garbage collection. Should be run in a goroutine
	RunGC(ctx context.Context, interval time.Duration)

	// Close cleanly closes the database connection
	Close() error
}

// Journal combines both store interfaces for components that need full access
type Journal interface {
	BodyStore
	StoreAdmin
}
