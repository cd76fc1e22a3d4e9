// Package config loads sync settings from defaults, a YAML file, STRICT_SYNC_*
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/yuya-takeyama/strict-sync/internal/checksum"
	"github.com/yuya-takeyama/strict-sync/internal/pipeline"
	"github.com/yuya-takeyama/strict-sync/internal/stall"
	"github.com/yuya-takeyama/strict-sync/internal/syncerr"
	"github.com/yuya-takeyama/strict-sync/internal/transfer"
	"github.com/yuya-takeyama/strict-sync/pkg/lister"
	"github.com/yuya-takeyama/strict-sync/pkg/storage"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv.
const EnvPrefix = "STRICT_SYNC_"

// Config defines configuration for a sync run.
type Config struct {
	Concurrency int  `yaml:"concurrency"`
	QueueSize   int  `yaml:"queue_size"`
	Delete      bool `yaml:"delete"`
	DryRun      bool `yaml:"dry_run"`

	CheckETag               bool   `yaml:"check_etag"`
	CheckAdditionalChecksum string `yaml:"check_additional_checksum"`

	AutoChunksize      bool  `yaml:"auto_chunksize"`
	ChunkSize          int64 `yaml:"chunksize"`
	ChunkGranularity   int64 `yaml:"chunk_granularity"`
	MultipartThreshold int64 `yaml:"multipart_threshold"`
	MaxPartCount       int   `yaml:"max_part_count"`
	PartConcurrency    int   `yaml:"part_concurrency"`

	StalledStream      StalledStreamConfig `yaml:"stalled_stream"`
	MaxChunkRetries    int                 `yaml:"max_chunk_retries"`
	MaxChecksumRetries int                 `yaml:"max_checksum_retries"`

	StorageClass string   `yaml:"storage_class"`
	FailureMode  string   `yaml:"failure_mode"`
	Excludes     []string `yaml:"excludes"`
	Includes     []string `yaml:"includes"`

	Source storage.ClientConfig `yaml:"source"`
	Target storage.ClientConfig `yaml:"target"`
}

// StalledStreamConfig defines stalled stream protection.
type StalledStreamConfig struct {
	Disabled bool `yaml:"-"`
	// MinThroughput is in bytes per second.
	MinThroughput int64         `yaml:"min_throughput"`
	Grace         time.Duration `yaml:"grace"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	st := stall.DefaultConfig()
	return Config{
		Concurrency:        pipeline.DefaultConcurrency,
		QueueSize:          pipeline.DefaultQueueSize,
		ChunkSize:          transfer.DefaultChunkSize,
		ChunkGranularity:   transfer.DefaultChunkGranularity,
		MultipartThreshold: transfer.DefaultMultipartThreshold,
		MaxPartCount:       transfer.DefaultMaxPartCount,
		PartConcurrency:    transfer.DefaultPartConcurrency,
		StalledStream: StalledStreamConfig{
			MinThroughput: st.MinThroughput,
			Grace:         st.Grace,
		},
		MaxChunkRetries:    transfer.DefaultMaxChunkRetries,
		MaxChecksumRetries: transfer.DefaultMaxChecksumRetries,
		FailureMode:        pipeline.FailFast.String(),
	}
}

// yamlConfig is used for YAML unmarshaling with string sizes and durations.
type yamlConfig struct {
	Concurrency int   `yaml:"concurrency"`
	QueueSize   int   `yaml:"queue_size"`
	Delete      *bool `yaml:"delete"`
	DryRun      *bool `yaml:"dry_run"`

	CheckETag               *bool  `yaml:"check_etag"`
	CheckAdditionalChecksum string `yaml:"check_additional_checksum"`

	AutoChunksize      *bool  `yaml:"auto_chunksize"`
	ChunkSize          string `yaml:"chunksize"`
	ChunkGranularity   string `yaml:"chunk_granularity"`
	MultipartThreshold string `yaml:"multipart_threshold"`
	MaxPartCount       int    `yaml:"max_part_count"`
	PartConcurrency    int    `yaml:"part_concurrency"`

	StalledStream      yamlStalledStream `yaml:"stalled_stream"`
	MaxChunkRetries    *int              `yaml:"max_chunk_retries"`
	MaxChecksumRetries *int              `yaml:"max_checksum_retries"`

	StorageClass string   `yaml:"storage_class"`
	FailureMode  string   `yaml:"failure_mode"`
	Excludes     []string `yaml:"excludes"`
	Includes     []string `yaml:"includes"`

	Source storage.ClientConfig `yaml:"source"`
	Target storage.ClientConfig `yaml:"target"`
}

type yamlStalledStream struct {
	Enabled       *bool  `yaml:"enabled"`
	MinThroughput string `yaml:"min_throughput"`
	Grace         string `yaml:"grace"`
}

// LoadFromFile loads configuration from a YAML file on top of Default.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, syncerr.New(syncerr.KindConfig, "read config file", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, syncerr.New(syncerr.KindConfig, "parse config file", err)
	}

	cfg := Default()
	if err := cfg.applyYAML(yc); err != nil {
		return Config{}, syncerr.New(syncerr.KindConfig, "parse config file", err)
	}
	return cfg, nil
}

func (c *Config) applyYAML(yc yamlConfig) error {
	if yc.Concurrency != 0 {
		c.Concurrency = yc.Concurrency
	}
	if yc.QueueSize != 0 {
		c.QueueSize = yc.QueueSize
	}
	setBool(&c.Delete, yc.Delete)
	setBool(&c.DryRun, yc.DryRun)
	setBool(&c.CheckETag, yc.CheckETag)
	if yc.CheckAdditionalChecksum != "" {
		c.CheckAdditionalChecksum = yc.CheckAdditionalChecksum
	}
	setBool(&c.AutoChunksize, yc.AutoChunksize)

	sizes := []struct {
		name string
		in   string
		out  *int64
	}{
		{"chunksize", yc.ChunkSize, &c.ChunkSize},
		{"chunk_granularity", yc.ChunkGranularity, &c.ChunkGranularity},
		{"multipart_threshold", yc.MultipartThreshold, &c.MultipartThreshold},
		{"stalled_stream.min_throughput", yc.StalledStream.MinThroughput, &c.StalledStream.MinThroughput},
	}
	for _, s := range sizes {
		if s.in == "" {
			continue
		}
		n, err := ParseBytes(s.in)
		if err != nil {
			return fmt.Errorf("parse %s: %w", s.name, err)
		}
		*s.out = n
	}

	if yc.MaxPartCount != 0 {
		c.MaxPartCount = yc.MaxPartCount
	}
	if yc.PartConcurrency != 0 {
		c.PartConcurrency = yc.PartConcurrency
	}
	if yc.StalledStream.Enabled != nil {
		c.StalledStream.Disabled = !*yc.StalledStream.Enabled
	}
	if yc.StalledStream.Grace != "" {
		d, err := time.ParseDuration(yc.StalledStream.Grace)
		if err != nil {
			return fmt.Errorf("parse stalled_stream.grace: %w", err)
		}
		c.StalledStream.Grace = d
	}
	if yc.MaxChunkRetries != nil {
		c.MaxChunkRetries = *yc.MaxChunkRetries
	}
	if yc.MaxChecksumRetries != nil {
		c.MaxChecksumRetries = *yc.MaxChecksumRetries
	}
	if yc.StorageClass != "" {
		c.StorageClass = yc.StorageClass
	}
	if yc.FailureMode != "" {
		c.FailureMode = yc.FailureMode
	}
	if len(yc.Excludes) > 0 {
		c.Excludes = yc.Excludes
	}
	if len(yc.Includes) > 0 {
		c.Includes = yc.Includes
	}
	c.Source = mergeClient(c.Source, yc.Source)
	c.Target = mergeClient(c.Target, yc.Target)
	return nil
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

// ParseBytes parses a byte size such as "8MiB", "16MB" or "1048576".
func ParseBytes(s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	if n > 1<<62 {
		return 0, fmt.Errorf("size %q is too large", s)
	}
	return int64(n), nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the STRICT_SYNC_ prefix.
func (c *Config) LoadFromEnv() error {
	e := envReader{}
	e.int("CONCURRENCY", &c.Concurrency)
	e.int("QUEUE_SIZE", &c.QueueSize)
	e.bool("DELETE", &c.Delete)
	e.bool("DRY_RUN", &c.DryRun)
	e.bool("CHECK_ETAG", &c.CheckETag)
	e.string("CHECK_ADDITIONAL_CHECKSUM", &c.CheckAdditionalChecksum)
	e.bool("AUTO_CHUNKSIZE", &c.AutoChunksize)
	e.bytes("CHUNKSIZE", &c.ChunkSize)
	e.bytes("CHUNK_GRANULARITY", &c.ChunkGranularity)
	e.bytes("MULTIPART_THRESHOLD", &c.MultipartThreshold)
	e.int("MAX_PART_COUNT", &c.MaxPartCount)
	e.int("PART_CONCURRENCY", &c.PartConcurrency)

	enabled := !c.StalledStream.Disabled
	e.bool("STALLED_STREAM_ENABLED", &enabled)
	c.StalledStream.Disabled = !enabled
	e.bytes("STALLED_STREAM_MIN_THROUGHPUT", &c.StalledStream.MinThroughput)
	e.duration("STALLED_STREAM_GRACE", &c.StalledStream.Grace)

	e.int("MAX_CHUNK_RETRIES", &c.MaxChunkRetries)
	e.int("MAX_CHECKSUM_RETRIES", &c.MaxChecksumRetries)
	e.string("STORAGE_CLASS", &c.StorageClass)
	e.string("FAILURE_MODE", &c.FailureMode)
	e.list("EXCLUDES", &c.Excludes)
	e.list("INCLUDES", &c.Includes)

	for _, side := range []struct {
		name string
		cc   *storage.ClientConfig
	}{{"SOURCE", &c.Source}, {"TARGET", &c.Target}} {
		e.string(side.name+"_PROFILE", &side.cc.Profile)
		e.string(side.name+"_REGION", &side.cc.Region)
		e.string(side.name+"_ENDPOINT_URL", &side.cc.EndpointURL)
		e.bool(side.name+"_FORCE_PATH_STYLE", &side.cc.ForcePathStyle)
		e.string(side.name+"_PROXY_URL", &side.cc.ProxyURL)
	}

	if e.err != nil {
		return syncerr.New(syncerr.KindConfig, "environment", e.err)
	}
	return nil
}

// envReader reads STRICT_SYNC_ variables, keeping the first parse error.
type envReader struct {
	err error
}

func (e *envReader) lookup(name string) (string, bool) {
	if e.err != nil {
		return "", false
	}
	v := os.Getenv(EnvPrefix + name)
	return v, v != ""
}

func (e *envReader) fail(name string, err error) {
	e.err = fmt.Errorf("parse %s%s: %w", EnvPrefix, name, err)
}

func (e *envReader) string(name string, dst *string) {
	if v, ok := e.lookup(name); ok {
		*dst = v
	}
}

func (e *envReader) int(name string, dst *int) {
	if v, ok := e.lookup(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) bool(name string, dst *bool) {
	if v, ok := e.lookup(name); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) bytes(name string, dst *int64) {
	if v, ok := e.lookup(name); ok {
		n, err := ParseBytes(v)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) duration(name string, dst *time.Duration) {
	if v, ok := e.lookup(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = d
	}
}

func (e *envReader) list(name string, dst *[]string) {
	if v, ok := e.lookup(name); ok {
		var items []string
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		*dst = items
	}
}

// Merge merges override values into c, returning a new Config.
// Zero values in override are ignored; booleans can only be switched on,
// and stalled stream protection can only be switched off.
func (c Config) Merge(override Config) Config {
	if override.Concurrency != 0 {
		c.Concurrency = override.Concurrency
	}
	if override.QueueSize != 0 {
		c.QueueSize = override.QueueSize
	}
	c.Delete = c.Delete || override.Delete
	c.DryRun = c.DryRun || override.DryRun
	c.CheckETag = c.CheckETag || override.CheckETag
	if override.CheckAdditionalChecksum != "" {
		c.CheckAdditionalChecksum = override.CheckAdditionalChecksum
	}
	c.AutoChunksize = c.AutoChunksize || override.AutoChunksize
	if override.ChunkSize != 0 {
		c.ChunkSize = override.ChunkSize
	}
	if override.ChunkGranularity != 0 {
		c.ChunkGranularity = override.ChunkGranularity
	}
	if override.MultipartThreshold != 0 {
		c.MultipartThreshold = override.MultipartThreshold
	}
	if override.MaxPartCount != 0 {
		c.MaxPartCount = override.MaxPartCount
	}
	if override.PartConcurrency != 0 {
		c.PartConcurrency = override.PartConcurrency
	}
	c.StalledStream.Disabled = c.StalledStream.Disabled || override.StalledStream.Disabled
	if override.StalledStream.MinThroughput != 0 {
		c.StalledStream.MinThroughput = override.StalledStream.MinThroughput
	}
	if override.StalledStream.Grace != 0 {
		c.StalledStream.Grace = override.StalledStream.Grace
	}
	if override.MaxChunkRetries != 0 {
		c.MaxChunkRetries = override.MaxChunkRetries
	}
	if override.MaxChecksumRetries != 0 {
		c.MaxChecksumRetries = override.MaxChecksumRetries
	}
	if override.StorageClass != "" {
		c.StorageClass = override.StorageClass
	}
	if override.FailureMode != "" {
		c.FailureMode = override.FailureMode
	}
	if len(override.Excludes) > 0 {
		c.Excludes = override.Excludes
	}
	if len(override.Includes) > 0 {
		c.Includes = override.Includes
	}
	c.Source = mergeClient(c.Source, override.Source)
	c.Target = mergeClient(c.Target, override.Target)
	return c
}

func mergeClient(c, override storage.ClientConfig) storage.ClientConfig {
	if override.Profile != "" {
		c.Profile = override.Profile
	}
	if override.Region != "" {
		c.Region = override.Region
	}
	if override.EndpointURL != "" {
		c.EndpointURL = override.EndpointURL
	}
	c.ForcePathStyle = c.ForcePathStyle || override.ForcePathStyle
	if override.ProxyURL != "" {
		c.ProxyURL = override.ProxyURL
	}
	return c
}

// Validate checks the configuration and reports problems as ConfigError.
func (c Config) Validate() error {
	_, err := c.Pipeline()
	return err
}

// Pipeline converts the configuration into the settings of a run.
func (c Config) Pipeline() (pipeline.Config, error) {
	if c.Concurrency <= 0 {
		return pipeline.Config{}, syncerr.Configf("concurrency must be positive, got %d", c.Concurrency)
	}
	if c.QueueSize <= 0 {
		return pipeline.Config{}, syncerr.Configf("queue_size must be positive, got %d", c.QueueSize)
	}
	alg, err := checksum.ParseAlgorithm(c.CheckAdditionalChecksum)
	if err != nil {
		return pipeline.Config{}, syncerr.New(syncerr.KindConfig, "check_additional_checksum", err)
	}
	mode, err := pipeline.ParseFailureMode(c.FailureMode)
	if err != nil {
		return pipeline.Config{}, syncerr.New(syncerr.KindConfig, "failure_mode", err)
	}
	if err := lister.ValidatePatterns(c.Excludes); err != nil {
		return pipeline.Config{}, syncerr.New(syncerr.KindConfig, "excludes", err)
	}
	if err := lister.ValidatePatterns(c.Includes); err != nil {
		return pipeline.Config{}, syncerr.New(syncerr.KindConfig, "includes", err)
	}

	topts := transfer.Options{
		AutoChunksize:      c.AutoChunksize,
		ChunkSize:          c.ChunkSize,
		ChunkGranularity:   c.ChunkGranularity,
		MultipartThreshold: c.MultipartThreshold,
		MaxPartCount:       c.MaxPartCount,
		PartConcurrency:    c.PartConcurrency,
		Checksum:           alg,
		Stall: stall.Config{
			Enabled:       !c.StalledStream.Disabled,
			MinThroughput: c.StalledStream.MinThroughput,
			Grace:         c.StalledStream.Grace,
		},
		MaxChunkRetries:    c.MaxChunkRetries,
		MaxChecksumRetries: c.MaxChecksumRetries,
		StorageClass:       c.StorageClass,
	}
	if err := topts.Validate(); err != nil {
		return pipeline.Config{}, err
	}

	return pipeline.Config{
		Concurrency: c.Concurrency,
		QueueSize:   c.QueueSize,
		FailureMode: mode,
		Delete:      c.Delete,
		DryRun:      c.DryRun,
		CheckETag:   c.CheckETag,
		Excludes:    c.Excludes,
		Includes:    c.Includes,
		Transfer:    topts,
	}, nil
}
