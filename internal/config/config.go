package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/vitos/position_guard/internal/domain"
)

// Config is the full application configuration, loaded once at startup.
type Config struct {
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Protection ProtectionConfig `yaml:"protection"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Database   DatabaseConfig   `yaml:"database"`
}

type ExchangeConfig struct {
	Name         string `yaml:"name"`
	RESTEndpoint string `yaml:"rest_endpoint"`
	WSEndpoint   string `yaml:"ws_endpoint"`
	// Secrets come from the environment (.env), never from YAML.
	APIKey    string `yaml:"-"`
	APISecret string `yaml:"-"`
}

type MonitorConfig struct {
	SweepIntervalMs     int `yaml:"sweep_interval_ms"`
	ReconcileIntervalS  int `yaml:"reconcile_interval_s"`
	IdleCheckIntervalS  int `yaml:"idle_check_interval_s"`
	PriceStalenessMs    int `yaml:"price_staleness_ms"`
	ExchangeTimeoutMs   int `yaml:"exchange_timeout_ms"`
	ExecutorMaxAttempts int `yaml:"executor_max_attempts"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
	// AuthToken guards the manual-close and override endpoints.
	AuthToken string `yaml:"-"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// TrailingLevel locks in StopAtPct once the peak return has reached
// TriggerPct. Levels are ordered by strictly increasing trigger.
type TrailingLevel struct {
	TriggerPct float64 `yaml:"trigger_pct"`
	StopAtPct  float64 `yaml:"stop_at_pct"`
}

// TakeProfitStage closes ClosePct percent of the current quantity when the
// return first reaches TriggerPct. Each stage fires at most once.
type TakeProfitStage struct {
	TriggerPct float64 `yaml:"trigger_pct"`
	ClosePct   float64 `yaml:"close_pct"`
}

// StopLossBrackets maps leverage ranges to hard stop-loss thresholds,
// expressed as negative leveraged returns.
type StopLossBrackets struct {
	LowPct  float64 `yaml:"low_pct"`  // leverage <= 5
	MidPct  float64 `yaml:"mid_pct"`  // leverage 6-10
	HighPct float64 `yaml:"high_pct"` // leverage >= 11
}

// ProtectionConfig is immutable after Load. A reload requires a restart; the
// engine never observes a half-applied rule set.
type ProtectionConfig struct {
	StopLoss               StopLossBrackets  `yaml:"stop_loss"`
	TrailingLevels         []TrailingLevel   `yaml:"trailing_levels"`
	TakeProfitStages       []TakeProfitStage `yaml:"take_profit_stages"`
	PeakDrawdownPct        float64           `yaml:"peak_drawdown_pct"`
	MaxIdleHours           float64           `yaml:"max_idle_hours"`
	EnableCodeLevelProtect bool              `yaml:"enable_code_level_protection"`
	AllowAIOverrideProtect bool              `yaml:"allow_ai_override_protection"`
}

// StopLossFor returns the hard stop threshold for a leverage bracket.
func (p *ProtectionConfig) StopLossFor(leverage int) float64 {
	switch {
	case leverage <= 5:
		return p.StopLoss.LowPct
	case leverage <= 10:
		return p.StopLoss.MidPct
	default:
		return p.StopLoss.HighPct
	}
}

// Validate checks the load-time invariants. Any violation fails the process
// closed: protection is explicitly disabled rather than silently partial.
func (p *ProtectionConfig) Validate() error {
	if p.StopLoss.LowPct >= 0 || p.StopLoss.MidPct >= 0 || p.StopLoss.HighPct >= 0 {
		return &domain.ConfigError{Field: "stop_loss", Reason: "bracket thresholds must be negative"}
	}
	for i, lvl := range p.TrailingLevels {
		if lvl.TriggerPct <= 0 {
			return &domain.ConfigError{Field: "trailing_levels", Reason: fmt.Sprintf("level %d: trigger must be positive", i)}
		}
		if lvl.StopAtPct >= lvl.TriggerPct {
			return &domain.ConfigError{Field: "trailing_levels", Reason: fmt.Sprintf("level %d: stop_at must be below trigger", i)}
		}
		if i > 0 && lvl.TriggerPct <= p.TrailingLevels[i-1].TriggerPct {
			return &domain.ConfigError{Field: "trailing_levels", Reason: "triggers must be strictly increasing"}
		}
		if i > 0 && lvl.StopAtPct < p.TrailingLevels[i-1].StopAtPct {
			return &domain.ConfigError{Field: "trailing_levels", Reason: "floors must not loosen across levels"}
		}
	}
	cumulative := 0.0
	for i, st := range p.TakeProfitStages {
		if st.TriggerPct <= 0 {
			return &domain.ConfigError{Field: "take_profit_stages", Reason: fmt.Sprintf("stage %d: trigger must be positive", i)}
		}
		if st.ClosePct <= 0 || st.ClosePct > 100 {
			return &domain.ConfigError{Field: "take_profit_stages", Reason: fmt.Sprintf("stage %d: close_pct must be in (0, 100]", i)}
		}
		if i > 0 && st.TriggerPct <= p.TakeProfitStages[i-1].TriggerPct {
			return &domain.ConfigError{Field: "take_profit_stages", Reason: "triggers must be strictly increasing"}
		}
		cumulative += st.ClosePct
	}
	if cumulative > 100 {
		return &domain.ConfigError{Field: "take_profit_stages", Reason: fmt.Sprintf("cumulative close_pct %.2f exceeds 100", cumulative)}
	}
	if p.PeakDrawdownPct <= 0 {
		return &domain.ConfigError{Field: "peak_drawdown_pct", Reason: "must be positive"}
	}
	if p.MaxIdleHours <= 0 {
		return &domain.ConfigError{Field: "max_idle_hours", Reason: "must be positive"}
	}
	return nil
}

// Load reads the YAML config, overlays secrets from the environment and
// validates the protection rules.
func Load(path string) (*Config, error) {
	// .env is optional; plain environment variables work the same way.
	_ = godotenv.Load()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg := defaults()
	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Exchange.APIKey = os.Getenv("EXCHANGE_API_KEY")
	cfg.Exchange.APISecret = os.Getenv("EXCHANGE_API_SECRET")
	cfg.Server.AuthToken = os.Getenv("GUARD_AUTH_TOKEN")

	if err := cfg.Protection.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Monitor: MonitorConfig{
			SweepIntervalMs:     1000,
			ReconcileIntervalS:  60,
			IdleCheckIntervalS:  300,
			PriceStalenessMs:    5000,
			ExchangeTimeoutMs:   10000,
			ExecutorMaxAttempts: 4,
		},
		Server:   ServerConfig{Port: 8080},
		Logging:  LoggingConfig{Level: "info"},
		Database: DatabaseConfig{Path: "guard.db"},
	}
}
