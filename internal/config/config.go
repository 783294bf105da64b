package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/Boomchakalala/prooflocker-sub000/internal/scoring"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Auth     AuthConfig     `toml:"auth"`
	Scoring  ScoringConfig  `toml:"scoring"`
	Audit    AuditConfig    `toml:"audit"`
	Observe  ObserveConfig  `toml:"observability"`
	Instance InstanceConfig `toml:"instance"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
	// RateLimitPerMin caps write requests per client IP. 0 disables the limiter.
	RateLimitPerMin int `toml:"rate_limit_per_min"`
}

type DatabaseConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string `toml:"driver"`
	Path   string `toml:"path"`
	// Trace routes statements through the sqlite-trace driver.
	Trace bool `toml:"trace"`
}

type AuthConfig struct {
	JWTSecret      string `toml:"jwt_secret"`
	TokenExpiryMin int    `toml:"token_expiry_min"`
}

type ScoringConfig struct {
	LockBonus           int      `toml:"lock_bonus"`
	ClaimBonus          int      `toml:"claim_bonus"`
	CorrectBase         int      `toml:"correct_base"`
	IncorrectPenalty    int      `toml:"incorrect_penalty"`
	RiskBonus           int      `toml:"risk_bonus"`
	StreakBonusPerLevel int      `toml:"streak_bonus_per_level"`
	MasteryThreshold    int      `toml:"mastery_threshold"`
	MasteryBonus        int      `toml:"mastery_bonus"`
	HighRiskCategories  []string `toml:"high_risk_categories"`
	FloorAtZero         bool     `toml:"floor_at_zero"`
	MaxRetries          int      `toml:"max_retries"`
}

type AuditConfig struct {
	Enabled bool `toml:"enabled"`
}

// ObserveConfig enables the separate observability database: request
// metrics, heartbeats and, with database.trace, persisted SQL traces.
type ObserveConfig struct {
	Enabled      bool   `toml:"enabled"`
	Path         string `toml:"path"`
	HeartbeatSec int    `toml:"heartbeat_sec"`
}

type InstanceConfig struct {
	ID   string `toml:"id"`
	Name string `toml:"name"`
}

func DefaultConfig() *Config {
	r := scoring.DefaultRules()
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			RateLimitPerMin: 60,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "data/scores.db",
		},
		Auth: AuthConfig{
			JWTSecret:      "change-me-in-production",
			TokenExpiryMin: 1440, // 24h
		},
		Scoring: ScoringConfig{
			LockBonus:           r.LockBonus,
			ClaimBonus:          r.ClaimBonus,
			CorrectBase:         r.CorrectBase,
			IncorrectPenalty:    r.IncorrectPenalty,
			RiskBonus:           r.RiskBonus,
			StreakBonusPerLevel: r.StreakBonusPerLevel,
			MasteryThreshold:    r.MasteryThreshold,
			MasteryBonus:        r.MasteryBonus,
			HighRiskCategories:  r.HighRiskCategories,
			FloorAtZero:         r.FloorAtZero,
			MaxRetries:          r.MaxRetries,
		},
		Audit: AuditConfig{
			Enabled: true,
		},
		Observe: ObserveConfig{
			Path:         "data/observability.db",
			HeartbeatSec: 15,
		},
		Instance: InstanceConfig{
			ID:   "local",
			Name: "prooflocker-local",
		},
	}
}

func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Rules converts the [scoring] section.
func (c *Config) Rules() scoring.Rules {
	s := c.Scoring
	return scoring.Rules{
		LockBonus:           s.LockBonus,
		ClaimBonus:          s.ClaimBonus,
		CorrectBase:         s.CorrectBase,
		IncorrectPenalty:    s.IncorrectPenalty,
		RiskBonus:           s.RiskBonus,
		StreakBonusPerLevel: s.StreakBonusPerLevel,
		MasteryThreshold:    s.MasteryThreshold,
		MasteryBonus:        s.MasteryBonus,
		HighRiskCategories:  s.HighRiskCategories,
		FloorAtZero:         s.FloorAtZero,
		MaxRetries:          s.MaxRetries,
	}
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			errs = append(errs, errors.New("database.path is required for the sqlite driver"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q: want sqlite or memory", c.Database.Driver))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret must not be empty"))
	}
	if c.Observe.Enabled {
		if c.Observe.Path == "" {
			errs = append(errs, errors.New("observability.path is required when enabled"))
		} else if c.Observe.Path == c.Database.Path {
			errs = append(errs, errors.New("observability.path must differ from database.path"))
		}
	}
	if c.Server.RateLimitPerMin < 0 {
		errs = append(errs, errors.New("server.rate_limit_per_min must not be negative"))
	}
	if err := c.Rules().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("scoring: %w", err))
	}
	return errors.Join(errs...)
}
