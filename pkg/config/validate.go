package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/SkyGlancer/CivicAtlas/pkg/utils"
)

// Validate checks AppConfig fields and applies the documented defaults.
// Returns collected warnings and any fatal error.
// Modifies receiver in place to apply defaults.
func (c *AppConfig) Validate() (warnings []string, err error) {
	// BaseURL: empty means the documented default, anything else must be an
	// absolute http(s) URL
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	base, parseErr := url.Parse(c.BaseURL)
	if parseErr != nil || base.Host == "" || (base.Scheme != "http" && base.Scheme != "https") {
		return warnings, fmt.Errorf("%w: base_url %q is not an absolute http(s) URL", utils.ErrConfigValidation, c.BaseURL)
	}

	// File and directory defaults
	if c.OutputFile == "" {
		c.OutputFile = DefaultOutputFile
	}
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir
	}
	if c.LogFile == "" {
		c.LogFile = DefaultLogFile
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}

	// RequestInterval
	if c.RequestInterval < 0 {
		warnings = append(warnings, fmt.Sprintf(
			"request_interval cannot be negative (%v), defaulting to 1s", c.RequestInterval))
		c.RequestInterval = 0
	}
	if c.RequestInterval == 0 {
		c.RequestInterval = 1 * time.Second
	}

	// MaxRetries counts total attempts, so at least one is always made
	if c.MaxRetries < 0 {
		warnings = append(warnings, "max_retries cannot be negative, defaulting to 3")
		c.MaxRetries = 0
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}

	// Retry delays
	if c.InitialRetryDelay <= 0 {
		c.InitialRetryDelay = 1 * time.Second
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 30 * time.Second
	}

	// InitialRetryDelay > MaxRetryDelay check
	if c.InitialRetryDelay > c.MaxRetryDelay && c.MaxRetryDelay > 0 {
		warnings = append(warnings, fmt.Sprintf(
			"initial_retry_delay (%v) > max_retry_delay (%v), using max_retry_delay for initial",
			c.InitialRetryDelay, c.MaxRetryDelay))
		c.InitialRetryDelay = c.MaxRetryDelay
	}

	// NumWorkers: 1 keeps ward rows in discovery order, more trades order
	// for speed
	if c.NumWorkers <= 0 {
		c.NumWorkers = 1
	}
	if c.NumWorkers > 1 {
		warnings = append(warnings, fmt.Sprintf(
			"num_workers is %d, ward row order will not match discovery order", c.NumWorkers))
	}

	// GlobalTimeout
	if c.GlobalTimeout < 0 {
		warnings = append(warnings, "global_timeout cannot be negative, disabling timeout")
		c.GlobalTimeout = 0
	}

	// HTTPClientSettings defaults
	c.validateHTTPClientSettings()

	// States override entries must be fully specified
	for i, region := range c.States {
		if region.Name == "" || region.Slug == "" {
			return warnings, fmt.Errorf("%w: states[%d] needs both name and slug", utils.ErrConfigValidation, i)
		}
		if region.Code <= 0 {
			return warnings, fmt.Errorf("%w: states[%d] (%s) needs a positive code", utils.ErrConfigValidation, i, region.Name)
		}
	}

	return warnings, nil
}

// validateHTTPClientSettings applies defaults to HTTP client settings.
func (c *AppConfig) validateHTTPClientSettings() {
	h := &c.HTTPClientSettings
	if h.Timeout <= 0 {
		h.Timeout = 30 * time.Second
	}
	if h.MaxIdleConns <= 0 {
		h.MaxIdleConns = 100
	}
	if h.MaxIdleConnsPerHost <= 0 {
		h.MaxIdleConnsPerHost = 2
	}
	if h.IdleConnTimeout <= 0 {
		h.IdleConnTimeout = 90 * time.Second
	}
	if h.TLSHandshakeTimeout <= 0 {
		h.TLSHandshakeTimeout = 10 * time.Second
	}
	if h.ExpectContinueTimeout <= 0 {
		h.ExpectContinueTimeout = 1 * time.Second
	}
	if h.DialerTimeout <= 0 {
		h.DialerTimeout = 15 * time.Second
	}
	if h.DialerKeepAlive <= 0 {
		h.DialerKeepAlive = 30 * time.Second
	}
}
