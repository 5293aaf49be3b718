package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/SkyGlancer/CivicAtlas/pkg/models"
	"github.com/SkyGlancer/CivicAtlas/pkg/utils"
)

// Defaults applied by Validate. The scraper is designed to run with no config
// file at all.
const (
	DefaultBaseURL    = "https://www.civicatlas.in"
	DefaultOutputFile = "civicatlas_urban_bodies_wards.csv"
	DefaultStateDir   = "./scraper_state"
	DefaultLogFile    = "civicatlas_scraper.log"
	DefaultUserAgent  = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// AppConfig holds the complete scraper configuration
type AppConfig struct {
	BaseURL           string        `yaml:"base_url,omitempty"`
	OutputFile        string        `yaml:"output_file,omitempty"`
	StateDir          string        `yaml:"state_dir,omitempty"`
	LogFile           string        `yaml:"log_file,omitempty"`
	UserAgent         string        `yaml:"user_agent,omitempty"`
	RequestInterval   time.Duration `yaml:"request_interval,omitempty"`    // Min delay between consecutive outbound requests
	MaxRetries        int           `yaml:"max_retries,omitempty"`         // Total attempts per request (first try included)
	InitialRetryDelay time.Duration `yaml:"initial_retry_delay,omitempty"` // Backoff base, doubled per attempt
	MaxRetryDelay     time.Duration `yaml:"max_retry_delay,omitempty"`     // Backoff cap
	NumWorkers        int           `yaml:"num_workers,omitempty"`         // Bodies processed in parallel within a state
	RespectRobots     *bool         `yaml:"respect_robots,omitempty"`      // nil = true
	GlobalTimeout     time.Duration `yaml:"global_timeout,omitempty"`      // Whole-run deadline (0 = none)

	HTTPClientSettings HTTPClientConfig `yaml:"http_client_settings,omitempty"`

	// States overrides the built-in state/UT table when set. Mostly useful
	// for pointing the scraper at a subset or at renumbered listing pages.
	States []models.Region `yaml:"states,omitempty"`
}

// HTTPClientConfig holds settings for the shared HTTP client
type HTTPClientConfig struct {
	Timeout               time.Duration `yaml:"timeout,omitempty"`                 // Overall request timeout
	MaxIdleConns          int           `yaml:"max_idle_conns,omitempty"`          // Max total idle connections
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host,omitempty"` // Max idle connections per host
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout,omitempty"`       // Timeout for idle connections
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout,omitempty"`   // Timeout for TLS handshake
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout,omitempty"` // Timeout for 100-continue
	ForceAttemptHTTP2     *bool         `yaml:"force_attempt_http2,omitempty"`     // Explicitly enable/disable HTTP/2 attempt (use pointer for tri-state: nil=default, true=force, false=disable)
	DialerTimeout         time.Duration `yaml:"dialer_timeout,omitempty"`          // Connection dial timeout
	DialerKeepAlive       time.Duration `yaml:"dialer_keep_alive,omitempty"`       // TCP keep-alive interval
}

// RobotsEnabled resolves the tri-state respect_robots setting (nil = true).
func (c *AppConfig) RobotsEnabled() bool {
	return c.RespectRobots == nil || *c.RespectRobots
}

// Load reads and parses the YAML config file at path. The returned config is
// not yet validated; callers run Validate next. A missing file surfaces as a
// wrapped os.ErrNotExist so callers can fall back to defaults.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %q: %w", path, err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing %q: %v", utils.ErrConfigValidation, path, err)
	}
	return &cfg, nil
}
