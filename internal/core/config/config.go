package config

import (
	"time"

	"github.com/vietddude/keypool/internal/core/domain"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server      ServerConfig       `yaml:"server"`
	Logging     LoggingConfig      `yaml:"logging"`
	Pool        PoolConfig         `yaml:"pool"`
	Upstream    UpstreamConfig     `yaml:"upstream"`
	Credentials []CredentialConfig `yaml:"credentials"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// PoolConfig tunes the credential pool and its workers.
type PoolConfig struct {
	Workers           int            `yaml:"workers"`
	AttemptTimeout    time.Duration  `yaml:"attempt_timeout"`
	RequestTimeout    time.Duration  `yaml:"request_timeout"`
	GraceWait         time.Duration  `yaml:"grace_wait"`
	RateLimitCooldown time.Duration  `yaml:"rate_limit_cooldown"`
	ErrorCooldown     time.Duration  `yaml:"error_cooldown"`
	PollInterval      time.Duration  `yaml:"poll_interval"`
	ResultRetention   *time.Duration `yaml:"result_retention"` // unset = 10m, 0 = keep forever
}

// Retention returns how long finished results are kept. 0 disables pruning.
func (p PoolConfig) Retention() time.Duration {
	if p.ResultRetention == nil {
		return DefaultResultRetention
	}
	return *p.ResultRetention
}

// UpstreamConfig points at an OpenAI-compatible API.
type UpstreamConfig struct {
	BaseURL        string `yaml:"base_url"`
	Model          string `yaml:"model"`
	EmbeddingModel string `yaml:"embedding_model"`
}

// CredentialConfig is one API key in the pool.
type CredentialConfig struct {
	ID     string `yaml:"id"`
	APIKey string `yaml:"api_key"`
}

// CredentialIDs returns the configured ids in file order.
func (c *AppConfig) CredentialIDs() []domain.CredentialID {
	ids := make([]domain.CredentialID, len(c.Credentials))
	for i, cred := range c.Credentials {
		ids[i] = domain.CredentialID(cred.ID)
	}
	return ids
}

// APIKeys returns the key for each credential id.
func (c *AppConfig) APIKeys() map[domain.CredentialID]string {
	keys := make(map[domain.CredentialID]string, len(c.Credentials))
	for _, cred := range c.Credentials {
		keys[domain.CredentialID(cred.ID)] = cred.APIKey
	}
	return keys
}
