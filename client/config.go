package client

import (
	"fmt"
	"strconv"
	"time"

	"github.com/bitrise-io/go-steputils/v2/stepconf"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/docker/go-units"

	"github.com/bitrise-io/go-s3stream/dispatch"
	"github.com/bitrise-io/go-s3stream/signer"
)

const (
	// DefaultRetryWaitMin is the first transport retry backoff.
	DefaultRetryWaitMin = time.Second
	// DefaultRetryWaitMax caps the transport retry backoff.
	DefaultRetryWaitMax = 30 * time.Second
)

// Config is the client configuration. Every field can be read from the
// environment with ConfigFromEnv; sizes and durations are human-readable
// strings ("8MiB", "1500ms").
type Config struct {
	Endpoint string `env:"S3_ENDPOINT,required"`
	Region   string `env:"S3_REGION"`

	// Static credentials. When AccessKeyID is empty the default AWS
	// credential chain is used.
	AccessKeyID     string          `env:"S3_ACCESS_KEY_ID"`
	SecretAccessKey stepconf.Secret `env:"S3_SECRET_ACCESS_KEY"`
	SessionToken    stepconf.Secret `env:"S3_SESSION_TOKEN"`

	ChunkSize   string `env:"S3_CHUNK_SIZE"`
	Concurrency int    `env:"S3_CONCURRENCY"`

	MaxRetries     string `env:"S3_MAX_RETRIES"`
	RetryWaitMin   string `env:"S3_RETRY_WAIT_MIN"`
	RetryWaitMax   string `env:"S3_RETRY_WAIT_MAX"`
	AttemptTimeout string `env:"S3_ATTEMPT_TIMEOUT"`

	// DiscoverRegion locates buckets missing from the region cache with a
	// HeadBucket call before the first request.
	DiscoverRegion bool `env:"S3_DISCOVER_REGION"`
	Verbose        bool `env:"S3_VERBOSE"`
}

// settings are the parsed, defaulted values of a Config.
type settings struct {
	region         string
	chunkSize      int64
	concurrency    int
	maxRetries     int
	retryWaitMin   time.Duration
	retryWaitMax   time.Duration
	attemptTimeout time.Duration
}

// ConfigFromEnv reads a Config from envRepo and validates it.
func ConfigFromEnv(envRepo env.Repository) (Config, error) {
	var cfg Config
	if err := stepconf.NewInputParser(envRepo).Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that every field parses.
func (c Config) Validate() error {
	_, err := c.settings()
	return err
}

func (c Config) settings() (settings, error) {
	s := settings{
		region:       c.Region,
		concurrency:  c.Concurrency,
		maxRetries:   dispatch.DefaultMaxRetries,
		retryWaitMin: DefaultRetryWaitMin,
		retryWaitMax: DefaultRetryWaitMax,
	}

	if c.Endpoint == "" {
		return settings{}, fmt.Errorf("endpoint must not be empty")
	}
	if s.region == "" {
		s.region = signer.DefaultRegion
	}
	if c.AccessKeyID != "" && c.SecretAccessKey == "" {
		return settings{}, fmt.Errorf("secret access key must not be empty when an access key ID is set")
	}
	if c.Concurrency < 0 {
		return settings{}, fmt.Errorf("concurrency must not be negative: %d", c.Concurrency)
	}

	if c.ChunkSize != "" {
		size, err := units.RAMInBytes(c.ChunkSize)
		if err != nil {
			return settings{}, fmt.Errorf("parse chunk size: %w", err)
		}
		if size <= 0 {
			return settings{}, fmt.Errorf("chunk size must be positive: %s", c.ChunkSize)
		}
		s.chunkSize = size
	}

	if c.MaxRetries != "" {
		n, err := strconv.Atoi(c.MaxRetries)
		if err != nil {
			return settings{}, fmt.Errorf("parse max retries: %w", err)
		}
		if n < 0 {
			return settings{}, fmt.Errorf("max retries must not be negative: %d", n)
		}
		s.maxRetries = n
	}

	durations := []struct {
		name  string
		value string
		dest  *time.Duration
	}{
		{"retry wait min", c.RetryWaitMin, &s.retryWaitMin},
		{"retry wait max", c.RetryWaitMax, &s.retryWaitMax},
		{"attempt timeout", c.AttemptTimeout, &s.attemptTimeout},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return settings{}, fmt.Errorf("parse %s: %w", d.name, err)
		}
		if v < 0 {
			return settings{}, fmt.Errorf("%s must not be negative: %s", d.name, d.value)
		}
		*d.dest = v
	}
	if s.retryWaitMax < s.retryWaitMin {
		return settings{}, fmt.Errorf("retry wait max (%s) is less than retry wait min (%s)", s.retryWaitMax, s.retryWaitMin)
	}

	return s, nil
}
