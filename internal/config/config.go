package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultRedisURL          = "redis://localhost:6379/0"
	DefaultSessionPath       = "session.yml"
	DefaultStatusAddr        = ":8080"
	DefaultInterval          = 30 * time.Second
	DefaultUnexpectedBackoff = 120 * time.Second
	DefaultFeedPollInterval  = 30 * time.Second
	DefaultAuthorityTimeout  = 15 * time.Second
	DefaultCredentialTTL     = 2 * time.Minute
	MinInterval              = 10 * time.Second
	MaxInterval              = 3600 * time.Second
	minFeedPollInterval      = time.Second
)

// MaxInstanceNameLength keeps instance names DNS-compatible.
const MaxInstanceNameLength = 63

// instanceNamePattern: lowercase alphanumeric, hyphens allowed but not at start/end
var instanceNamePattern = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

// ValidateInstanceName checks that an instance name is usable as a Redis key
// segment and a DNS label.
func ValidateInstanceName(name string) error {
	if name == "" {
		return fmt.Errorf("instance is required")
	}
	if len(name) > MaxInstanceNameLength {
		return fmt.Errorf("instance name too long: %d characters (max: %d)", len(name), MaxInstanceNameLength)
	}
	if !instanceNamePattern.MatchString(name) {
		return fmt.Errorf("invalid instance name '%s': must be lowercase alphanumeric with hyphens (not at start/end)", name)
	}
	return nil
}

// MuralConfig represents the top-level mural.yml configuration
type MuralConfig struct {
	Version   string          `yaml:"version"`
	Instance  string          `yaml:"instance"`
	RedisURL  string          `yaml:"redis_url,omitempty"`
	Session   string          `yaml:"session,omitempty"` // session file, relative to mural.yml
	Authority AuthorityConfig `yaml:"authority"`
	Reconcile ReconcileConfig `yaml:"reconcile,omitempty"`
	Feed      FeedConfig      `yaml:"feed,omitempty"`
	Status    StatusConfig    `yaml:"status,omitempty"`
}

// AuthorityConfig describes the remote canvas endpoints and credentials
type AuthorityConfig struct {
	BaseURL       string        `yaml:"base_url"`
	TilesURL      string        `yaml:"tiles_url,omitempty"`
	Token         string        `yaml:"token,omitempty"`
	TokenCommand  []string      `yaml:"token_command,omitempty"` // prints a token on stdout
	SessionCookie string        `yaml:"session_cookie,omitempty"`
	CredentialTTL time.Duration `yaml:"credential_ttl,omitempty"`
	Timeout       time.Duration `yaml:"timeout,omitempty"`
}

// ReconcileConfig controls the reconciliation loop
type ReconcileConfig struct {
	Autonomous         bool          `yaml:"autonomous,omitempty"`
	Interval           time.Duration `yaml:"interval,omitempty"`
	FailureThreshold   int           `yaml:"failure_threshold,omitempty"`    // 0 = 3 manual / 5 autonomous
	HardFailureBackoff time.Duration `yaml:"hard_failure_backoff,omitempty"` // 0 = 60s manual / 120s autonomous
	UnexpectedBackoff  time.Duration `yaml:"unexpected_backoff,omitempty"`
	UnknownAsDamage    bool          `yaml:"unknown_as_damage,omitempty"`
	ProgressRows       int           `yaml:"progress_rows,omitempty"`
}

// FeedConfig controls the tile poller
type FeedConfig struct {
	Enabled      bool          `yaml:"enabled,omitempty"`
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`
}

// StatusConfig controls the status HTTP server
type StatusConfig struct {
	Addr string `yaml:"addr,omitempty"`
}

// Validate performs strict validation on the configuration and applies defaults
func (c *MuralConfig) Validate() error {
	// Required: version
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	// Required: instance
	if err := ValidateInstanceName(c.Instance); err != nil {
		return err
	}

	if c.RedisURL == "" {
		c.RedisURL = DefaultRedisURL
	}
	if c.Session == "" {
		c.Session = DefaultSessionPath
	}

	if err := c.Authority.Validate(c.Feed.Enabled); err != nil {
		return err
	}
	if err := c.Reconcile.Validate(); err != nil {
		return err
	}

	if c.Feed.PollInterval == 0 {
		c.Feed.PollInterval = DefaultFeedPollInterval
	}
	if c.Feed.PollInterval < minFeedPollInterval {
		return fmt.Errorf("feed.poll_interval must be >= %s, got %s", minFeedPollInterval, c.Feed.PollInterval)
	}

	if c.Status.Addr == "" {
		c.Status.Addr = DefaultStatusAddr
	}

	return nil
}

// Validate checks the authority section. tilesRequired is set when the
// tile poller is enabled.
func (a *AuthorityConfig) Validate(tilesRequired bool) error {
	if err := checkURL("authority.base_url", a.BaseURL); err != nil {
		return err
	}
	if a.TilesURL != "" {
		if err := checkURL("authority.tiles_url", a.TilesURL); err != nil {
			return err
		}
	} else if tilesRequired {
		return fmt.Errorf("authority.tiles_url is required when feed is enabled")
	}

	// Exactly one credential source
	hasToken := a.Token != ""
	hasCommand := len(a.TokenCommand) > 0
	if hasToken == hasCommand {
		return fmt.Errorf("exactly one of authority.token or authority.token_command must be provided")
	}

	if a.CredentialTTL == 0 {
		a.CredentialTTL = DefaultCredentialTTL
	}
	if a.Timeout == 0 {
		a.Timeout = DefaultAuthorityTimeout
	}
	if a.CredentialTTL < 0 || a.Timeout < 0 {
		return fmt.Errorf("authority.credential_ttl and authority.timeout must be positive")
	}
	return nil
}

// Validate checks the reconcile section and applies the interval default
func (r *ReconcileConfig) Validate() error {
	if r.Interval == 0 {
		r.Interval = DefaultInterval
	}
	if r.Interval < MinInterval || r.Interval > MaxInterval {
		return fmt.Errorf("reconcile.interval must be between %s and %s, got %s", MinInterval, MaxInterval, r.Interval)
	}
	if r.FailureThreshold < 0 {
		return fmt.Errorf("reconcile.failure_threshold must be >= 0 (0 = default), got %d", r.FailureThreshold)
	}
	if r.HardFailureBackoff < 0 {
		return fmt.Errorf("reconcile.hard_failure_backoff must be >= 0, got %s", r.HardFailureBackoff)
	}
	if r.UnexpectedBackoff == 0 {
		r.UnexpectedBackoff = DefaultUnexpectedBackoff
	}
	if r.UnexpectedBackoff < 0 {
		return fmt.Errorf("reconcile.unexpected_backoff must be >= 0, got %s", r.UnexpectedBackoff)
	}
	if r.ProgressRows < 0 {
		return fmt.Errorf("reconcile.progress_rows must be >= 0, got %d", r.ProgressRows)
	}
	return nil
}

func checkURL(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an http(s) URL, got %q", field, raw)
	}
	return nil
}

// Load reads and validates mural.yml from the specified path
func Load(path string) (*MuralConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config MuralConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}
