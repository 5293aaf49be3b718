// Package scrape walks the site hierarchy (state listing, district pages,
// urban local body ward tables) and streams the flattened ward records to
// the output file, journaling per-body outcomes for resumable runs.
package scrape

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/SkyGlancer/CivicAtlas/pkg/config"
	"github.com/SkyGlancer/CivicAtlas/pkg/fetch"
	"github.com/SkyGlancer/CivicAtlas/pkg/models"
	"github.com/SkyGlancer/CivicAtlas/pkg/parse"
	"github.com/SkyGlancer/CivicAtlas/pkg/storage"
	"github.com/SkyGlancer/CivicAtlas/pkg/utils"
)

// Scraper ties the fetch, parse, journal and output components together for
// one run. Bodies within a state may be scraped concurrently; the rate
// limiter inside the fetcher, the journal and the sink are the only shared
// state and each is safe for concurrent use.
type Scraper struct {
	log     *logrus.Entry
	cfg     *config.AppConfig
	fetcher *fetch.Fetcher
	robots  *fetch.RobotsHandler
	parser  parse.Parser
	journal storage.BodyStore
	sink    WardSink
	stats   *models.RunStats
	runID   string
}

// NewScraper assembles a Scraper around already-constructed components.
// The robots handler may be nil when robots checking is disabled.
func NewScraper(cfg *config.AppConfig, fetcher *fetch.Fetcher, robots *fetch.RobotsHandler, parser parse.Parser, journal storage.BodyStore, sink WardSink, logger *logrus.Logger) *Scraper {
	runID := uuid.NewString()
	return &Scraper{
		log:     logger.WithField("run_id", runID),
		cfg:     cfg,
		fetcher: fetcher,
		robots:  robots,
		parser:  parser,
		journal: journal,
		sink:    sink,
		stats:   &models.RunStats{},
		runID:   runID,
	}
}

// Stats exposes the run counters, mainly so callers can inspect them after
// Run returns.
func (s *Scraper) Stats() *models.RunStats {
	return s.stats
}

// RunID identifies this run in journal entries and logs.
func (s *Scraper) RunID() string {
	return s.runID
}

// Run scrapes the given states in order, one state at a time, and logs a
// summary when done. It returns nil when the run completes (per-state and
// per-body failures are recorded in stats, not returned), the context error
// when interrupted, and the write error when the output file fails.
func (s *Scraper) Run(ctx context.Context, regions []models.Region) error {
	startTime := time.Now()
	s.log.Infof("Scrape starting: %d state(s), %d worker(s)", len(regions), s.cfg.NumWorkers)

	var runErr error
	for i, region := range regions {
		if ctx.Err() != nil {
			s.log.Warnf("Stopping before '%s': %v", region.Name, ctx.Err())
			runErr = ctx.Err()
			break
		}
		s.log.Infof("Processing state %d/%d: %s", i+1, len(regions), region.Name)
		s.stats.RegionsAttempted.Add(1)
		if err := s.ProcessRegion(ctx, region); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				s.log.Warnf("Interrupted while processing '%s': %v", region.Name, err)
			} else {
				s.log.Errorf("Unrecoverable failure while processing '%s': %v", region.Name, err)
			}
			runErr = err
			break
		}
	}

	s.logSummary(time.Since(startTime))
	return runErr
}

func (s *Scraper) logSummary(elapsed time.Duration) {
	regionsAttempted := s.stats.RegionsAttempted.Load()
	regionsDone := s.stats.RegionsProcessed.Load()
	bodiesAttempted := s.stats.BodiesAttempted.Load()
	bodiesDone := s.stats.BodiesProcessed.Load()

	s.log.Info("============================================")
	s.log.Info("SCRAPE SUMMARY")
	s.log.Info("============================================")
	s.log.Infof("Duration:             %s", utils.FormatDuration(elapsed))
	s.log.Infof("States:               %d attempted, %d completed, %d failed",
		regionsAttempted, regionsDone, regionsAttempted-regionsDone)
	s.log.Infof("Urban local bodies:   %d attempted, %d completed, %d failed, %d already done",
		bodiesAttempted, bodiesDone, bodiesAttempted-bodiesDone, s.stats.BodiesAlreadyDone.Load())
	s.log.Infof("Bodies without wards: %d", s.stats.BodiesWithoutWards.Load())
	s.log.Infof("Wards written:        %d (%d rows dropped)",
		s.stats.WardsWritten.Load(), s.stats.WardsDropped.Load())

	errCounts := s.stats.ErrorsByType()
	if len(errCounts) > 0 {
		categories := make([]string, 0, len(errCounts))
		for cat := range errCounts {
			categories = append(categories, cat)
		}
		sort.Strings(categories)
		s.log.Info("Errors by category:")
		for _, cat := range categories {
			s.log.Infof("  %-26s %d", cat, errCounts[cat])
		}
	}
	s.log.Info("============================================")
}
