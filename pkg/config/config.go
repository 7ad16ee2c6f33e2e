// Package config loads the settings for a deploy run. Sources, lowest
// precedence first: built-in defaults, the YAML file, .env and
// DEPLOYSYNC_* environment variables. Command-line flags are applied by
// the caller on top.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tqbf/deploysync/pkg/manifest"
	"github.com/tqbf/deploysync/pkg/paths"
	"github.com/tqbf/deploysync/pkg/retry"
)

const DefaultFile = "deploysync.yaml"

type Config struct {
	API   string `yaml:"api"`
	Token string `yaml:"token,omitempty"`
	Site  string `yaml:"site"`
	// Dir is the publish directory.
	Dir     string   `yaml:"dir"`
	Exclude []string `yaml:"exclude,omitempty"`

	Hash     HashConfig     `yaml:"hash"`
	Upload   UploadConfig   `yaml:"upload"`
	Deploy   DeployConfig   `yaml:"deploy"`
	Progress ProgressConfig `yaml:"progress"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type HashConfig struct {
	Concurrency int    `yaml:"concurrency"`
	Algorithm   string `yaml:"algorithm"`
}

type UploadConfig struct {
	Concurrency int `yaml:"concurrency"`
	// MaxAttempts counts the first try.
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     string        `yaml:"backoff"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Jitter      float64       `yaml:"jitter"`
	// RetryClientErrors retries every 4xx, not only 408/425/429.
	RetryClientErrors bool `yaml:"retry_client_errors"`
	// AttemptTimeout bounds each blob PUT; zero disables it.
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

type DeployConfig struct {
	// SyncLimit is the largest manifest diffed synchronously.
	SyncLimit    int           `yaml:"sync_limit"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Timeout      time.Duration `yaml:"timeout"`
	Draft        bool          `yaml:"draft"`
	Title        string        `yaml:"title,omitempty"`
}

type ProgressConfig struct {
	WebSocketURL string `yaml:"websocket_url,omitempty"`
}

type MetricsConfig struct {
	PushgatewayURL string `yaml:"pushgateway_url,omitempty"`
	Job            string `yaml:"job"`
}

func Default() Config {
	return Config{
		API: "https://api.deploysync.dev",
		Dir: ".",
		Hash: HashConfig{
			Concurrency: manifest.DefaultConcurrency,
			Algorithm:   string(manifest.DefaultAlgorithm),
		},
		Upload: UploadConfig{
			Concurrency: 10,
			MaxAttempts: 5,
			Backoff:     string(retry.ModeFibonacci),
			BaseDelay:   5 * time.Second,
			MaxDelay:    90 * time.Second,
			Jitter:      0.5,

			AttemptTimeout: 10 * time.Minute,
		},
		Deploy: DeployConfig{
			SyncLimit:    100,
			PollInterval: time.Second,
			Timeout:      20 * time.Minute,
		},
		Metrics: MetricsConfig{Job: "deploysync"},
	}
}

// Load reads the YAML file at path over the defaults. A missing file
// is not an error when optional is set. ${VAR} references in the file
// are expanded from the process environment.
func Load(path string, optional bool) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := cfg.decode(data); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	expanded := os.ExpandEnv(string(data))
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return nil
}

// Write renders c as YAML, leaving out the token.
func (c Config) Write(w io.Writer) error {
	c.Token = ""
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return enc.Close()
}

func (c Config) Validate() error {
	var errs []error
	if c.API == "" {
		errs = append(errs, errors.New("api: must be set"))
	}
	if c.Hash.Concurrency <= 0 {
		errs = append(errs, errors.New("hash.concurrency: must be >0"))
	}
	if _, err := manifest.ParseAlgorithm(c.Hash.Algorithm); err != nil {
		errs = append(errs, fmt.Errorf("hash.algorithm: %w", err))
	}
	if c.Upload.Concurrency <= 0 {
		errs = append(errs, errors.New("upload.concurrency: must be >0"))
	}
	if err := c.RetryPolicy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("upload: %w", err))
	}
	if _, err := retry.ParseMode(c.Upload.Backoff); err != nil {
		errs = append(errs, fmt.Errorf("upload.backoff: %w", err))
	}
	if c.Upload.AttemptTimeout < 0 {
		errs = append(errs, errors.New("upload.attempt_timeout: must be >=0"))
	}
	if c.Deploy.SyncLimit <= 0 {
		errs = append(errs, errors.New("deploy.sync_limit: must be >0"))
	}
	if c.Deploy.PollInterval <= 0 {
		errs = append(errs, errors.New("deploy.poll_interval: must be >0"))
	}
	if c.Deploy.Timeout <= 0 {
		errs = append(errs, errors.New("deploy.timeout: must be >0"))
	}
	if _, err := paths.NewExcludeMatcher(c.Exclude); err != nil {
		errs = append(errs, fmt.Errorf("exclude: %w", err))
	}
	return errors.Join(errs...)
}

func (c Config) Algorithm() manifest.Algorithm {
	alg, err := manifest.ParseAlgorithm(c.Hash.Algorithm)
	if err != nil {
		return manifest.DefaultAlgorithm
	}
	return alg
}

func (c Config) RetryPolicy() retry.Policy {
	mode, _ := retry.ParseMode(c.Upload.Backoff)
	return retry.Policy{
		Mode:        mode,
		Initial:     c.Upload.BaseDelay,
		Max:         c.Upload.MaxDelay,
		MaxAttempts: c.Upload.MaxAttempts,
		Jitter:      c.Upload.Jitter,
	}
}

// Filter combines the built-in filter with the exclude patterns.
func (c Config) Filter() (paths.Filter, error) {
	m, err := paths.NewExcludeMatcher(c.Exclude)
	if err != nil {
		return nil, err
	}
	return paths.All(paths.DefaultFilter, m.Filter()), nil
}
