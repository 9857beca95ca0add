package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/keypool/internal/core/domain"
)

// DefaultResultRetention applies when pool.result_retention is omitted.
const DefaultResultRetention = 10 * time.Minute

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	p := &cfg.Pool
	if p.Workers == 0 {
		p.Workers = 3
	}
	if p.AttemptTimeout == 0 {
		p.AttemptTimeout = 60 * time.Second
	}
	if p.RequestTimeout == 0 {
		p.RequestTimeout = 5 * time.Minute
	}
	if p.GraceWait == 0 {
		p.GraceWait = 2 * time.Second
	}
	if p.RateLimitCooldown == 0 {
		p.RateLimitCooldown = 60 * time.Second
	}
	if p.ErrorCooldown == 0 {
		p.ErrorCooldown = 30 * time.Second
	}
	if p.PollInterval == 0 {
		p.PollInterval = 100 * time.Millisecond
	}
	if p.ResultRetention == nil {
		retention := DefaultResultRetention
		p.ResultRetention = &retention
	}
}

// Validate checks the settings a pool cannot start without.
func (c *AppConfig) Validate() error {
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format=%q: want text or json", c.Logging.Format)
	}
	if c.Pool.ResultRetention != nil && *c.Pool.ResultRetention < 0 {
		return fmt.Errorf("pool.result_retention=%s: must not be negative", *c.Pool.ResultRetention)
	}
	if c.Pool.Workers < 1 {
		return fmt.Errorf("pool.workers=%d: %w", c.Pool.Workers, domain.ErrInvalidWorkerCount)
	}
	if len(c.Credentials) == 0 {
		return domain.ErrNoCredentials
	}

	seen := make(map[string]struct{}, len(c.Credentials))
	var errs []error
	for i, cred := range c.Credentials {
		if cred.ID == "" {
			errs = append(errs, fmt.Errorf("credentials[%d]: missing id", i))
			continue
		}
		if _, dup := seen[cred.ID]; dup {
			errs = append(errs, fmt.Errorf("credentials[%d] %s: %w", i, cred.ID, domain.ErrDuplicateCredential))
		}
		seen[cred.ID] = struct{}{}
		if cred.APIKey == "" {
			errs = append(errs, fmt.Errorf("credentials[%d] %s: missing api_key", i, cred.ID))
		}
	}
	return errors.Join(errs...)
}
