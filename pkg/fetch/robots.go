package fetch

import (
	"context"
	"net/url"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/temoto/robotstxt"
)

// RobotsHandler fetches, parses, and caches robots.txt data and answers
// allow/deny checks against it. Any failure to obtain or parse the file is
// treated as "allowed": politeness must not turn an unreachable robots.txt
// into a dead run
type RobotsHandler struct {
	fetcher       *Fetcher
	robotsCache   map[string]*robotstxt.RobotsData // host -> parsed data (nil = fetch/parse failed)
	robotsCacheMu sync.Mutex
	log           *logrus.Logger
}

// NewRobotsHandler creates a RobotsHandler
func NewRobotsHandler(fetcher *Fetcher, log *logrus.Logger) *RobotsHandler {
	return &RobotsHandler{
		fetcher:     fetcher,
		robotsCache: make(map[string]*robotstxt.RobotsData),
		log:         log,
	}
}

// getRobotsData retrieves robots.txt data for the targetURL's host, using the
// cache or fetching on a miss. Returns nil on any fetch or parse failure; the
// nil result is cached too so a broken robots.txt is requested only once
func (rh *RobotsHandler) getRobotsData(ctx context.Context, targetURL *url.URL) *robotstxt.RobotsData {
	// Host keeps the port so distinct local listeners don't share an entry
	host := targetURL.Host
	hostLog := rh.log.WithField("host", host)

	rh.robotsCacheMu.Lock()
	robotsData, found := rh.robotsCache[host]
	rh.robotsCacheMu.Unlock()
	if found {
		return robotsData // Cached data, possibly nil
	}

	robotsURL := &url.URL{Scheme: targetURL.Scheme, Host: host, Path: "/robots.txt"}
	if targetURL.Scheme != "http" && targetURL.Scheme != "https" {
		hostLog.Warnf("Invalid scheme '%s', defaulting to https for robots.txt", targetURL.Scheme)
		robotsURL.Scheme = "https"
	}
	robotsLog := hostLog.WithField("robots_url", robotsURL.String())
	robotsLog.Info("Fetching robots.txt...") // Log only on cache miss

	// FetchPage applies the shared rate limit and retry policy, so the
	// robots lookup is throttled like every other request
	body, err := rh.fetcher.FetchPage(ctx, robotsURL.String())
	if err != nil {
		robotsLog.Warnf("Fetching robots.txt failed, assuming allowed: %v", err)
		rh.robotsCacheMu.Lock()
		rh.robotsCache[host] = nil
		rh.robotsCacheMu.Unlock()
		return nil
	}

	data, err := robotstxt.FromBytes(body)
	if err != nil {
		robotsLog.Warnf("Parsing robots.txt failed, assuming allowed: %v", err)
		rh.robotsCacheMu.Lock()
		rh.robotsCache[host] = nil
		rh.robotsCacheMu.Unlock()
		return nil
	}

	robotsLog.Info("Successfully fetched and parsed robots.txt")
	rh.robotsCacheMu.Lock()
	rh.robotsCache[host] = data
	rh.robotsCacheMu.Unlock()

	return data
}

// Allowed reports whether userAgent may fetch targetURL under the host's
// robots.txt rules. Returns true when the rules cannot be obtained
func (rh *RobotsHandler) Allowed(ctx context.Context, targetURL *url.URL, userAgent string) bool {
	robotsData := rh.getRobotsData(ctx, targetURL)
	if robotsData == nil {
		return true
	}
	return robotsData.TestAgent(targetURL.RequestURI(), userAgent)
}
