package scrape

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/SkyGlancer/CivicAtlas/pkg/models"
	"github.com/SkyGlancer/CivicAtlas/pkg/parse"
	"github.com/SkyGlancer/CivicAtlas/pkg/utils"
)

// ProcessRegion scrapes one state: the listing page, any district pages it
// points at, and every urban local body discovered. Fetch and parse failures
// are counted in stats and logged, never returned; the error return is
// reserved for context cancellation and output-file failures, both of which
// must stop the run.
func (s *Scraper) ProcessRegion(ctx context.Context, region models.Region) error {
	regionLog := s.log.WithField("state", region.Name)
	pageURL := RegionURL(s.cfg.BaseURL, region)

	regionLog.Infof("Fetching urban local body list: %s", pageURL)
	pageData, err := s.fetcher.FetchPage(ctx, pageURL)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		regionLog.Errorf("Failed to fetch state listing: %v", err)
		s.stats.RegionFetchErrors.Add(1)
		s.stats.CountError(utils.CategorizeError(err))
		return nil
	}

	listing, err := s.parser.UrbanBodyList(pageURL, pageData, "")
	if err != nil {
		regionLog.Errorf("Failed to parse state listing: %v", err)
		s.stats.RegionParseErrors.Add(1)
		s.stats.CountError(utils.CategorizeError(err))
		return nil
	}

	bodies := listing.UrbanBodies
	if len(listing.DistrictPages) > 0 {
		regionLog.Infof("State lists bodies district-wise across %d district pages", len(listing.DistrictPages))
		bodies = s.collectDistrictBodies(ctx, regionLog, listing.DistrictPages)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	bodies = dedupeBodies(bodies)
	if len(bodies) == 0 {
		regionLog.Warn("No urban local bodies found for state")
		s.stats.RegionsProcessed.Add(1)
		return nil
	}
	regionLog.Infof("Discovered %d urban local bodies", len(bodies))

	workers := s.cfg.NumWorkers
	if workers < 1 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, ub := range bodies {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return s.processUrbanBody(gctx, region, ub)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.stats.RegionsProcessed.Add(1)
	return nil
}

// collectDistrictBodies fetches and parses each district page, passing the
// district name down so rows that don't repeat it still get attributed.
// A failed district page costs that district's bodies, not the state's.
func (s *Scraper) collectDistrictBodies(ctx context.Context, regionLog *logrus.Entry, districts []models.DistrictPage) []models.UrbanBody {
	var bodies []models.UrbanBody
	for _, d := range districts {
		if ctx.Err() != nil {
			return bodies
		}
		pageData, err := s.fetcher.FetchPage(ctx, d.URL)
		if err != nil {
			if ctx.Err() != nil {
				return bodies
			}
			regionLog.Errorf("Failed to fetch district page '%s': %v", d.Name, err)
			s.stats.RegionFetchErrors.Add(1)
			s.stats.CountError(utils.CategorizeError(err))
			continue
		}
		sub, err := s.parser.UrbanBodyList(d.URL, pageData, d.Name)
		if err != nil {
			regionLog.Errorf("Failed to parse district page '%s': %v", d.Name, err)
			s.stats.RegionParseErrors.Add(1)
			s.stats.CountError(utils.CategorizeError(err))
			continue
		}
		bodies = append(bodies, sub.UrbanBodies...)
	}
	return bodies
}

// dedupeBodies drops repeat listings of the same body URL. State pages
// sometimes list a body both on the main page and under its district.
func dedupeBodies(bodies []models.UrbanBody) []models.UrbanBody {
	seen := make(map[string]bool, len(bodies))
	out := make([]models.UrbanBody, 0, len(bodies))
	for _, b := range bodies {
		key, _, err := parse.ParseAndNormalize(b.URL)
		if err != nil {
			key = b.URL
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, b)
	}
	return out
}

// processUrbanBody runs the per-body pipeline: resume check, robots policy,
// fetch, parse, flatten, write. The deferred block journals the final status
// so a body is recorded exactly once however the pipeline exits.
func (s *Scraper) processUrbanBody(ctx context.Context, region models.Region, ub models.UrbanBody) error {
	taskLog := s.log.WithFields(logrus.Fields{
		"state": region.Name,
		"body":  ub.Name,
		"url":   ub.URL,
	})
	startTime := time.Now()

	normalizedURL, parsedURL, err := parse.ParseAndNormalize(ub.URL)
	if err != nil {
		taskLog.Warnf("Unusable body URL, skipping: %v", err)
		s.stats.BodiesAttempted.Add(1)
		s.stats.BodyParseErrors.Add(1)
		s.stats.CountError(utils.CategorizeError(err))
		return nil
	}

	// Fresh runs start with an empty journal, so this only ever skips work
	// journaled by an earlier resumed run or a duplicate listing this run
	status, prev, dbErr := s.journal.CheckBodyStatus(normalizedURL)
	if dbErr != nil {
		taskLog.Errorf("Journal lookup failed, reprocessing: %v", dbErr)
	} else if status == models.BodyStatusSuccess {
		taskLog.Debugf("Already scraped (run %s, %d wards), skipping", prev.RunID, prev.Wards)
		s.stats.BodiesAlreadyDone.Add(1)
		return nil
	}

	s.stats.BodiesAttempted.Add(1)

	var taskErr error // First pipeline error, decides the journaled status
	wardsWritten := 0

	defer func() {
		entry := &models.BodyDBEntry{
			Status:      models.BodyStatusSuccess,
			ErrorType:   "None",
			Wards:       wardsWritten,
			RunID:       s.runID,
			LastAttempt: time.Now().UTC(),
		}
		logFields := logrus.Fields{"duration": utils.FormatDuration(time.Since(startTime))}
		if taskErr != nil {
			entry.Status = models.BodyStatusFailure
			entry.ErrorType = utils.CategorizeError(taskErr)
			logFields["category"] = entry.ErrorType
			taskLog.WithFields(logFields).Warnf("Body failed: %v", taskErr)
			s.stats.CountError(entry.ErrorType)
		} else {
			logFields["wards"] = wardsWritten
			taskLog.WithFields(logFields).Info("Body completed")
		}
		if updErr := s.journal.UpdateBodyStatus(normalizedURL, entry); updErr != nil {
			taskLog.Errorf("Failed to journal status '%s' for '%s': %v", entry.Status, normalizedURL, updErr)
		}
	}()

	if s.robots != nil && s.cfg.RobotsEnabled() {
		if !s.robots.Allowed(ctx, parsedURL, s.cfg.UserAgent) {
			taskErr = utils.WrapErrorf(utils.ErrRobotsDisallowed, "ward page %s", normalizedURL)
			return nil
		}
	}

	pageData, err := s.fetcher.FetchPage(ctx, ub.URL)
	if err != nil {
		taskErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.stats.BodyFetchErrors.Add(1)
		return nil
	}

	rows, err := s.parser.WardList(ub.URL, pageData)
	if err != nil {
		taskErr = err
		s.stats.BodyParseErrors.Add(1)
		return nil
	}

	if len(rows) == 0 {
		taskLog.Info("No ward table on page")
		s.stats.BodiesWithoutWards.Add(1)
	}

	for _, row := range rows {
		ward := models.Ward{
			Number:        row.Number,
			Name:          row.Name,
			UrbanBodyName: ub.Name,
			UrbanBodyType: ub.Type,
			District:      ub.District,
			State:         region.Name,
		}
		if err := ward.Validate(); err != nil {
			taskLog.Debugf("Dropping ward row (number=%q, name=%q): %v", row.Number, row.Name, err)
			s.stats.WardsDropped.Add(1)
			s.stats.CountError(utils.CategorizeError(err))
			continue
		}
		if err := s.sink.Write(ward); err != nil {
			taskErr = err
			return err
		}
		wardsWritten++
		s.stats.WardsWritten.Add(1)
	}

	s.stats.BodiesProcessed.Add(1)
	return nil
}
