package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// EnvPrefix is the prefix for environment variable overrides.
	EnvPrefix = "TRACEKEEPER"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultListen is the default HTTP listen address.
	DefaultListen = ":8080"

	// DefaultDatabaseDriver is the default database driver.
	DefaultDatabaseDriver = "sqlite"

	// DefaultSQLitePath is the default SQLite database location.
	DefaultSQLitePath = "./data/tracekeeper.db"

	// DefaultAttachmentDir is the default local attachment root.
	DefaultAttachmentDir = "./attachments"

	// DefaultMaxBodySize is the default ingestion request body limit.
	DefaultMaxBodySize = "64MB"

	// DefaultCacheTTL is how long a resolved API key stays cached.
	DefaultCacheTTL = 5 * time.Minute

	// DefaultCacheSweepInterval is how often expired cache entries are evicted.
	DefaultCacheSweepInterval = time.Minute

	// DefaultRollupInterval is how often the hourly statistics are refreshed.
	DefaultRollupInterval = 10 * time.Minute
)

// Event names produced by the part-name grammar.
const (
	EventPost       = "post"
	EventPatch      = "patch"
	EventField      = "field"
	EventFeedback   = "feedback"
	EventAttachment = "attachment"
)

// DefaultOutOfBandFields are the run columns writable through a single-field part.
var DefaultOutOfBandFields = []string{
	"inputs", "outputs", "events", "error", "extra", "serialized",
}

// DefaultFeedbackRequiredFields must be present and non-empty on feedback payloads.
var DefaultFeedbackRequiredFields = []string{"trace_id"}

// DefaultPartPatterns is the part-name grammar in priority order.
func DefaultPartPatterns() []PartPattern {
	return []PartPattern{
		{
			Kind:     "run_create",
			Event:    EventPost,
			Pattern:  `^post\.([^.]+)$`,
			Captures: PartCaptures{RunID: 1},
		},
		{
			Kind:     "run_update",
			Event:    EventPatch,
			Pattern:  `^patch\.([^.]+)$`,
			Captures: PartCaptures{RunID: 1},
		},
		{
			Kind:     "run_field",
			Pattern:  `^(post|patch|field)\.([^.]+)\.([^.]+)$`,
			Captures: PartCaptures{Event: 1, RunID: 2, Field: 3},
		},
		{
			Kind:     "feedback",
			Event:    EventFeedback,
			Pattern:  `^feedback\.([^.]+)$`,
			Captures: PartCaptures{RunID: 1},
		},
		{
			Kind:     "attachment",
			Event:    EventAttachment,
			Pattern:  `^attachment\.([^.]+)\.(.+)$`,
			Captures: PartCaptures{RunID: 1, Filename: 2},
		},
	}
}

// Config is the root configuration for tracekeeper.
type Config struct {
	Global   GlobalConfig   `yaml:"global" mapstructure:"global"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Admin    AdminConfig    `yaml:"admin" mapstructure:"admin"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
	Storage  StorageConfig  `yaml:"storage" mapstructure:"storage"`
	Ingest   IngestConfig   `yaml:"ingest" mapstructure:"ingest"`
	Cache    CacheConfig    `yaml:"cache" mapstructure:"cache"`
	Rollup   RollupConfig   `yaml:"rollup" mapstructure:"rollup"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// CacheConfig tunes the API key resolution cache.
type CacheConfig struct {
	TTL           time.Duration `yaml:"ttl" mapstructure:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`
}

// RollupConfig controls the background hourly statistics job.
type RollupConfig struct {
	Enabled  bool          `yaml:"enabled" mapstructure:"enabled"`
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`
}

// IngestConfig holds the multipart ingestion protocol settings.
type IngestConfig struct {
	MaxBodySize            string        `yaml:"max_body_size" mapstructure:"max_body_size"`
	OutOfBandFields        []string      `yaml:"out_of_band_fields" mapstructure:"out_of_band_fields"`
	FeedbackRequiredFields []string      `yaml:"feedback_required_fields" mapstructure:"feedback_required_fields"`
	PartPatterns           []PartPattern `yaml:"part_patterns,omitempty" mapstructure:"part_patterns"`
}

// PartPattern is one entry of the part-name grammar table.
type PartPattern struct {
	Kind     string       `yaml:"kind" mapstructure:"kind"`
	Event    string       `yaml:"event,omitempty" mapstructure:"event"`
	Pattern  string       `yaml:"pattern" mapstructure:"pattern"`
	Captures PartCaptures `yaml:"captures" mapstructure:"captures"`
}

// PartCaptures maps descriptor fields to regular expression capture
// groups. Zero means the field is not captured.
type PartCaptures struct {
	Event    int `yaml:"event,omitempty" mapstructure:"event"`
	RunID    int `yaml:"run_id" mapstructure:"run_id"`
	Field    int `yaml:"field,omitempty" mapstructure:"field"`
	Filename int `yaml:"filename,omitempty" mapstructure:"filename"`
}

// MaxBodyBytes returns the parsed ingestion body limit.
func (c *IngestConfig) MaxBodyBytes() (int64, error) {
	n, err := units.RAMInBytes(c.MaxBodySize)
	if err != nil {
		return 0, fmt.Errorf("parsing ingest.max_body_size %q: %w", c.MaxBodySize, err)
	}

	return n, nil
}

// Load reads configuration from the given YAML files (later files are
// merged over earlier ones), applies TRACEKEEPER_* environment overrides
// and fills in defaults. With no paths only defaults and environment
// variables are used.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setViperDefaults(v)

	for i, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if i == 0 {
			err = v.ReadConfig(bytes.NewReader(data))
		} else {
			err = v.MergeConfig(bytes.NewReader(data))
		}

		if err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// setViperDefaults registers scalar keys so that environment overrides
// apply even when the key is absent from every config file.
func setViperDefaults(v *viper.Viper) {
	v.SetDefault("global.log_level", DefaultLogLevel)
	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.rate_limit.enabled", false)
	v.SetDefault("server.rate_limit.ingest.requests_per_minute", 600)
	v.SetDefault("admin.key_hash", "")
	v.SetDefault("database.driver", DefaultDatabaseDriver)
	v.SetDefault("database.sqlite.path", DefaultSQLitePath)
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "tracekeeper")
	v.SetDefault("database.postgres.ssl_mode", "disable")
	v.SetDefault("storage.local.enabled", false)
	v.SetDefault("storage.local.dir", DefaultAttachmentDir)
	v.SetDefault("storage.local.owner", "")
	v.SetDefault("storage.s3.enabled", false)
	v.SetDefault("storage.s3.endpoint_url", "")
	v.SetDefault("storage.s3.region", "")
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.access_key_id", "")
	v.SetDefault("storage.s3.secret_access_key", "")
	v.SetDefault("storage.s3.force_path_style", false)
	v.SetDefault("storage.s3.prefix", "")
	v.SetDefault("ingest.max_body_size", DefaultMaxBodySize)
	v.SetDefault("cache.ttl", DefaultCacheTTL)
	v.SetDefault("cache.sweep_interval", DefaultCacheSweepInterval)
	v.SetDefault("rollup.enabled", true)
	v.SetDefault("rollup.interval", DefaultRollupInterval)
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDatabaseDriver
	}

	if c.Database.Driver == "sqlite" && c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = DefaultSQLitePath
	}

	// Fall back to a local attachment root when no backend is enabled.
	if !c.Storage.S3.Enabled && !c.Storage.Local.Enabled {
		c.Storage.Local.Enabled = true
	}

	if c.Storage.Local.Dir == "" {
		c.Storage.Local.Dir = DefaultAttachmentDir
	}

	if c.Ingest.MaxBodySize == "" {
		c.Ingest.MaxBodySize = DefaultMaxBodySize
	}

	if len(c.Ingest.OutOfBandFields) == 0 {
		c.Ingest.OutOfBandFields = append([]string(nil), DefaultOutOfBandFields...)
	}

	if len(c.Ingest.FeedbackRequiredFields) == 0 {
		c.Ingest.FeedbackRequiredFields = append(
			[]string(nil), DefaultFeedbackRequiredFields...,
		)
	}

	if len(c.Ingest.PartPatterns) == 0 {
		c.Ingest.PartPatterns = DefaultPartPatterns()
	}

	for i := range c.Ingest.PartPatterns {
		if c.Ingest.PartPatterns[i].Captures.RunID == 0 {
			c.Ingest.PartPatterns[i].Captures.RunID = 1
		}
	}

	if c.Cache.TTL <= 0 {
		c.Cache.TTL = DefaultCacheTTL
	}

	if c.Cache.SweepInterval <= 0 {
		c.Cache.SweepInterval = DefaultCacheSweepInterval
	}

	if c.Rollup.Interval <= 0 {
		c.Rollup.Interval = DefaultRollupInterval
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	if err := c.Ingest.Validate(); err != nil {
		return fmt.Errorf("ingest: %w", err)
	}

	if c.Server.RateLimit.Enabled &&
		c.Server.RateLimit.Ingest.RequestsPerMinute <= 0 {
		return errors.New(
			"server: rate_limit.ingest.requests_per_minute must be positive",
		)
	}

	return nil
}

// Validate checks the ingestion protocol settings.
func (c *IngestConfig) Validate() error {
	if _, err := c.MaxBodyBytes(); err != nil {
		return err
	}

	if len(c.OutOfBandFields) == 0 {
		return errors.New("out_of_band_fields must not be empty")
	}

	for _, f := range c.OutOfBandFields {
		if !isRunPayloadColumn(f) {
			return fmt.Errorf("out_of_band_fields: %q is not a run payload column", f)
		}
	}

	if len(c.PartPatterns) == 0 {
		return errors.New("part_patterns must not be empty")
	}

	for i, p := range c.PartPatterns {
		if p.Pattern == "" {
			return fmt.Errorf("part_patterns[%d]: pattern is required", i)
		}

		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return fmt.Errorf("part_patterns[%d]: %w", i, err)
		}

		groups := re.NumSubexp()
		for _, idx := range []int{
			p.Captures.Event, p.Captures.RunID,
			p.Captures.Field, p.Captures.Filename,
		} {
			if idx < 0 || idx > groups {
				return fmt.Errorf(
					"part_patterns[%d]: capture index %d out of range (pattern has %d groups)",
					i, idx, groups,
				)
			}
		}

		if p.Captures.Event == 0 && !isValidEvent(p.Event) {
			return fmt.Errorf(
				"part_patterns[%d]: event %q is not a supported event", i, p.Event,
			)
		}
	}

	return nil
}

// runPayloadColumns are the JSON-text columns of a run.
var runPayloadColumns = map[string]struct{}{
	"inputs":     {},
	"outputs":    {},
	"events":     {},
	"error":      {},
	"extra":      {},
	"serialized": {},
}

func isRunPayloadColumn(name string) bool {
	_, ok := runPayloadColumns[name]

	return ok
}

var validEvents = map[string]struct{}{
	EventPost:       {},
	EventPatch:      {},
	EventField:      {},
	EventFeedback:   {},
	EventAttachment: {},
}

func isValidEvent(event string) bool {
	_, ok := validEvents[event]

	return ok
}

// YAML renders the effective configuration. Secrets are masked.
func (c *Config) YAML() ([]byte, error) {
	masked := *c
	if masked.Database.Postgres.Password != "" {
		masked.Database.Postgres.Password = "********"
	}

	if masked.Storage.S3.SecretAccessKey != "" {
		masked.Storage.S3.SecretAccessKey = "********"
	}

	out, err := yaml.Marshal(&masked)
	if err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}

	return out, nil
}
