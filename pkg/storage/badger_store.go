package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/SkyGlancer/CivicAtlas/pkg/log"
	"github.com/SkyGlancer/CivicAtlas/pkg/models"
	"github.com/SkyGlancer/CivicAtlas/pkg/utils"
)

const (
	bodyKeyPrefix = "body:"      // Prefix for urban body URL keys in DB
	journalDBDir  = "journal_db" // Subdirectory name within stateDir for Badger DB files
)

// BadgerJournal implements the Journal interface using BadgerDB
type BadgerJournal struct {
	db       *badger.DB
	log      *logrus.Entry
	ctx      context.Context // Parent context
	keyCount atomic.Int64    // Cached key count for O(1) GetBodyCount
}

// NewBadgerJournal initializes and returns a new BadgerJournal rooted under
// stateDir. When resume is false any previous journal is wiped first.
func NewBadgerJournal(ctx context.Context, stateDir string, resume bool, logger *logrus.Entry) (*BadgerJournal, error) {
	journal := &BadgerJournal{
		log: logger,
		ctx: ctx,
	}

	dbPath := filepath.Join(stateDir, journalDBDir)

	if !resume {
		logger.Warnf("Resume flag is false. REMOVING existing journal directory: %s", dbPath)
		if err := os.RemoveAll(dbPath); err != nil {
			// Log error but attempt to continue; Badger might recover or create new files
			logger.Errorf("Failed to remove existing journal directory %s: %v", dbPath, err)
		}
	}

	logger.Infof("Initializing body journal at: %s (Resume: %v)", dbPath, resume)

	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("cannot create journal directory %s: %w", dbPath, err)
	}

	badgerLogger := log.NewBadgerLogrusAdapter(logger.WithField("component", "badgerdb"))
	opts := badger.DefaultOptions(dbPath).
		WithLogger(badgerLogger). // Use custom logrus adapter
		WithNumVersionsToKeep(1)  // Only the latest outcome per body matters

	var err error
	journal.db, err = badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database at %s: %w", dbPath, err)
	}

	// Initialize key count from existing data (matters for resume mode)
	if resume {
		count, err := journal.countKeys()
		if err != nil {
			logger.Warnf("Failed to count existing journal entries on resume: %v", err)
		} else {
			journal.keyCount.Store(int64(count))
			logger.Infof("Loaded existing journal entry count on resume: %d", count)
		}
	}

	logger.Info("Body journal initialized successfully.")
	return journal, nil
}

// countKeys performs a one-time full key scan (used only during initialization on resume).
func (j *BadgerJournal) countKeys() (int, error) {
	count := 0
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

const maxConflictRetries = 10

// dbUpdate wraps db.Update with a retry loop for BadgerDB transaction conflicts.
// Concurrent MVCC transactions on overlapping keys can return badger.ErrConflict;
// these resolve in microseconds, so a tight retry loop is sufficient.
func (j *BadgerJournal) dbUpdate(fn func(txn *badger.Txn) error) error {
	for i := range maxConflictRetries {
		err := j.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		j.log.Debugf("BadgerDB transaction conflict (attempt %d/%d), retrying", i+1, maxConflictRetries)
	}
	return fmt.Errorf("%w: transaction conflict not resolved after %d retries", utils.ErrDatabase, maxConflictRetries)
}

// CheckBodyStatus implements the Journal interface
func (j *BadgerJournal) CheckBodyStatus(normalizedURL string) (models.BodyStatus, *models.BodyDBEntry, error) {
	status := models.BodyStatusNotFound
	var entry *models.BodyDBEntry = nil
	key := []byte(bodyKeyPrefix + normalizedURL)

	errView := j.db.View(func(txn *badger.Txn) error {
		item, errGet := txn.Get(key)
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			status = models.BodyStatusNotFound // Explicitly set status
			return nil                         // Key not found is not an error for this function's purpose
		}
		if errGet != nil {
			return fmt.Errorf("%w: failed getting body key '%s': %w", utils.ErrDatabase, string(key), errGet)
		}

		// Key found, now get the value
		return item.Value(func(val []byte) error {
			// The journal only ever stores full entries
			if len(val) == 0 {
				j.log.Warnf("Body key '%s' found with empty value, invalid state. Treating as 'not_found'.", string(key))
				status = models.BodyStatusNotFound
				return nil
			}

			var decodedEntry models.BodyDBEntry
			if errJson := json.Unmarshal(val, &decodedEntry); errJson != nil {
				j.log.Warnf("Failed to unmarshal BodyDBEntry for key '%s': %v. Treating as 'not_found'.", string(key), errJson)
				status = models.BodyStatusNotFound // Corrupt entry gets reprocessed
				return nil
			}

			entry = &decodedEntry
			status = decodedEntry.Status
			j.log.Debugf("Body key '%s' found, decoded status: %s", string(key), status)
			return nil
		})
	})

	if errView != nil {
		j.log.Errorf("DB View error in CheckBodyStatus for key '%s': %v", string(key), errView)
		status = models.BodyStatusDBError // Set status to indicate DB error
		return status, nil, errView       // Return the DB error
	}

	return status, entry, nil
}

// UpdateBodyStatus implements the Journal interface
func (j *BadgerJournal) UpdateBodyStatus(normalizedURL string, entry *models.BodyDBEntry) error {
	if j.db == nil {
		return errors.New("journal not initialized")
	}
	key := []byte(bodyKeyPrefix + normalizedURL)

	entryBytes, errJson := json.Marshal(entry)
	if errJson != nil {
		wrappedErr := fmt.Errorf("%w: failed to marshal BodyDBEntry for key '%s': %w", utils.ErrParsing, string(key), errJson)
		j.log.Error(wrappedErr)
		return wrappedErr
	}

	isNew := false
	err := j.dbUpdate(func(txn *badger.Txn) error {
		_, errGet := txn.Get(key)
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			isNew = true
		}
		e := badger.NewEntry(key, entryBytes)
		return txn.SetEntry(e)
	})

	if err != nil {
		j.log.WithField("key", string(key)).Errorf("DB Update error in UpdateBodyStatus: %v", err)
		return fmt.Errorf("%w: failed setting body status for key '%s': %w", utils.ErrDatabase, string(key), err)
	}
	if isNew {
		j.keyCount.Add(1)
	}

	j.log.Debugf("Journaled body '%s' as '%s'", string(key), entry.Status)
	return nil
}

// GetBodyCount implements the Journal interface.
// Returns the cached key count (O(1)) maintained by atomic increments on writes.
func (j *BadgerJournal) GetBodyCount() (int, error) {
	return int(j.keyCount.Load()), nil
}

// RunGC runs BadgerDB's garbage collection periodically
func (j *BadgerJournal) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute // Default interval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.log.Info("BadgerDB GC goroutine started.")

	for {
		select {
		case <-ticker.C:
			if j.db == nil || j.db.IsClosed() {
				j.log.Info("DB GC: Database is nil or closed, skipping GC cycle.")
				continue
			}

			j.log.Debug("Running BadgerDB value log garbage collection...")
			var err error
			// Loop GC until it returns ErrNoRewrite or another error
			for {
				// Run GC if log is at least 50% reclaimable space
				err = j.db.RunValueLogGC(0.5)
				if err != nil {
					break
				}
			}

			if errors.Is(err, badger.ErrNoRewrite) {
				j.log.Debug("BadgerDB GC finished (no rewrite needed).")
			} else {
				j.log.Errorf("BadgerDB GC error: %v", err)
			}

		case <-ctx.Done(): // Check if stop signal received via context cancellation
			j.log.Infof("Stopping BadgerDB garbage collection goroutine due to context cancellation: %v", ctx.Err())
			return
		}
	}
}

// DumpJournal implements the Journal interface. It writes one
// "status<TAB>url" line per journaled body, mainly for inspecting what a
// resumed run will skip.
func (j *BadgerJournal) DumpJournal(filePath string) error {
	j.log.Info("Dumping journal entries to file...")
	file, err := os.Create(filePath)
	if err != nil {
		j.log.Errorf("Failed to create journal dump '%s': %v", filePath, err)
		return fmt.Errorf("create journal dump '%s': %w", filePath, err)
	}
	defer file.Close() // Ensure file is closed

	writer := bufio.NewWriter(file)
	var dumpErr error
	writtenCount := 0

	iterErr := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true // Need values for the status column
		it := txn.NewIterator(opts)
		defer it.Close()
		prefixBytes := []byte(bodyKeyPrefix)

		for it.Seek(prefixBytes); it.ValidForPrefix(prefixBytes); it.Next() {
			// Check context cancellation within the loop
			select {
			case <-j.ctx.Done():
				j.log.Warnf("Journal dump interrupted by context cancellation: %v", j.ctx.Err())
				return j.ctx.Err() // Stop iteration
			default:
			}

			item := it.Item()
			keyBytesWithPrefix := item.KeyCopy(nil)
			if !bytes.HasPrefix(keyBytesWithPrefix, prefixBytes) {
				continue
			}
			bodyURL := string(keyBytesWithPrefix[len(prefixBytes):])

			status := string(models.BodyStatusNotFound)
			errVal := item.Value(func(val []byte) error {
				var entry models.BodyDBEntry
				if errJson := json.Unmarshal(val, &entry); errJson == nil {
					status = string(entry.Status)
				}
				return nil
			})
			if errVal != nil {
				j.log.Errorf("Journal dump: error reading value for '%s': %v", bodyURL, errVal)
				continue
			}

			if _, writeErr := writer.WriteString(status + "\t" + bodyURL + "\n"); writeErr != nil {
				if dumpErr == nil { // Store first write error
					dumpErr = writeErr
				}
				j.log.Errorf("Error writing journal dump line for '%s': %v", bodyURL, writeErr)
				continue
			}
			writtenCount++
			if writtenCount%1000 == 0 {
				if flushErr := writer.Flush(); flushErr != nil {
					if dumpErr == nil {
						dumpErr = flushErr
					}
					j.log.Errorf("Error flushing journal dump writer: %v", flushErr)
				}
			}
		}
		return nil
	})

	if iterErr != nil && !errors.Is(iterErr, context.Canceled) && !errors.Is(iterErr, context.DeadlineExceeded) {
		j.log.Errorf("Error during journal iteration for dump: %v", iterErr)
		if dumpErr == nil {
			dumpErr = iterErr
		}
	}

	if flushErr := writer.Flush(); flushErr != nil {
		j.log.Errorf("Failed final flush for journal dump '%s': %v", filePath, flushErr)
		if dumpErr == nil {
			dumpErr = flushErr
		}
	}
	if syncErr := file.Sync(); syncErr != nil {
		j.log.Errorf("Failed to sync journal dump '%s': %v", filePath, syncErr)
		if dumpErr == nil {
			dumpErr = syncErr
		}
	}

	if iterErr == nil && dumpErr == nil {
		j.log.Infof("Finished writing %d journal entries to: %s", writtenCount, filePath)
	} else {
		j.log.Warnf("Finished journal dump with errors. Wrote ~%d entries to %s", writtenCount, filePath)
	}

	// Return context error if iteration was cancelled, otherwise the first IO/DB error
	if errors.Is(iterErr, context.Canceled) || errors.Is(iterErr, context.DeadlineExceeded) {
		return iterErr
	}
	return dumpErr
}

// Close implements the Journal interface
func (j *BadgerJournal) Close() error {
	if j.db != nil && !j.db.IsClosed() {
		j.log.Info("Closing body journal...")
		err := j.db.Close()
		if err != nil {
			j.log.Errorf("Error closing body journal: %v", err)
			return err
		}
		j.log.Info("Body journal closed.")
		return nil
	}
	j.log.Info("Body journal already closed or was not initialized.")
	return nil
}
