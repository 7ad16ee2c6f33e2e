package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const EnvPrefix = "DEPLOYSYNC_"

// Environ returns the DEPLOYSYNC_* variables from envFile overlaid by
// the process environment. A missing envFile is ignored.
func Environ(envFile string) (map[string]string, error) {
	env := make(map[string]string)
	if envFile != "" {
		vals, err := godotenv.Read(envFile)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", envFile, err)
		}
		for k, v := range vals {
			if strings.HasPrefix(k, EnvPrefix) {
				env[k] = v
			}
		}
	}
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if ok && strings.HasPrefix(k, EnvPrefix) {
			env[k] = v
		}
	}
	return env, nil
}

// ApplyEnv overrides c with any recognized variables in env.
func (c *Config) ApplyEnv(env map[string]string) error {
	str := func(name string, dst *string) {
		if v, ok := env[EnvPrefix+name]; ok {
			*dst = v
		}
	}
	var errs []error
	num := func(name string, dst *int) {
		if v, ok := env[EnvPrefix+name]; ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := env[EnvPrefix+name]; ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	flag := func(name string, dst *bool) {
		if v, ok := env[EnvPrefix+name]; ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}

	str("API", &c.API)
	str("TOKEN", &c.Token)
	str("SITE", &c.Site)
	str("DIR", &c.Dir)
	if v, ok := env[EnvPrefix+"EXCLUDE"]; ok {
		c.Exclude = nil
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				c.Exclude = append(c.Exclude, p)
			}
		}
	}
	num("HASH_CONCURRENCY", &c.Hash.Concurrency)
	str("ALGORITHM", &c.Hash.Algorithm)
	num("UPLOAD_CONCURRENCY", &c.Upload.Concurrency)
	num("MAX_ATTEMPTS", &c.Upload.MaxAttempts)
	str("BACKOFF", &c.Upload.Backoff)
	dur("RETRY_BASE_DELAY", &c.Upload.BaseDelay)
	dur("RETRY_MAX_DELAY", &c.Upload.MaxDelay)
	flag("RETRY_CLIENT_ERRORS", &c.Upload.RetryClientErrors)
	dur("UPLOAD_ATTEMPT_TIMEOUT", &c.Upload.AttemptTimeout)
	num("SYNC_LIMIT", &c.Deploy.SyncLimit)
	dur("POLL_INTERVAL", &c.Deploy.PollInterval)
	dur("TIMEOUT", &c.Deploy.Timeout)
	flag("DRAFT", &c.Deploy.Draft)
	str("PROGRESS_URL", &c.Progress.WebSocketURL)
	str("PUSHGATEWAY_URL", &c.Metrics.PushgatewayURL)
	return errors.Join(errs...)
}
