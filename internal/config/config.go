package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/vitos/crypto_autotrader/internal/domain"
	"github.com/vitos/crypto_autotrader/internal/infrastructure/exchange"
	"github.com/vitos/crypto_autotrader/internal/usecase"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPath = "config/config.yaml"

	ModeLive  = "live"
	ModePaper = "paper"

	PriceSourceREST   = "rest"
	PriceSourceStream = "stream"

	EnvAPIKey    = "BYBIT_API_KEY"
	EnvAPISecret = "BYBIT_API_SECRET"
)

// Config is the complete autotrader configuration.
type Config struct {
	Exchange ExchangeConfig     `yaml:"exchange"`
	Trading  usecase.LoopConfig `yaml:"trading"`
	Storage  StorageConfig      `yaml:"storage"`
	Logging  LoggingConfig      `yaml:"logging"`
	Server   ServerConfig       `yaml:"server"`
}

type ExchangeConfig struct {
	Name              string  `yaml:"name"`
	Mode              string  `yaml:"mode"` // live or paper
	APIKey            string  `yaml:"api_key,omitempty"`
	APISecret         string  `yaml:"api_secret,omitempty"`
	RESTEndpoint      string  `yaml:"rest_endpoint"`
	WSEndpoint        string  `yaml:"ws_endpoint"`
	PriceSource       string  `yaml:"price_source"` // rest or stream
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	PaperBalance      float64 `yaml:"paper_balance"`
}

type StorageConfig struct {
	DBPath      string `yaml:"db_path"`
	AuditBuffer int    `yaml:"audit_buffer"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type ServerConfig struct {
	Port int `yaml:"port"` // 0 disables the control server
}

// Default returns a paper-trading configuration with conservative limits.
func Default() *Config {
	return &Config{
		Exchange: ExchangeConfig{
			Name:              "bybit",
			Mode:              ModePaper,
			RESTEndpoint:      exchange.BybitBaseURL,
			WSEndpoint:        exchange.BybitWSURL,
			PriceSource:       PriceSourceREST,
			RequestsPerSecond: 10,
			PaperBalance:      1000,
		},
		Trading: usecase.DefaultLoopConfig(),
		Storage: StorageConfig{
			DBPath:      "data/autotrader.db",
			AuditBuffer: 256,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "logs/autotrader.log",
		},
		Server: ServerConfig{
			Port: 8090,
		},
	}
}

// Load reads the YAML file at path on top of Default, loads a .env file next
// to the working directory if present, applies credential environment
// variables and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults without touching the environment.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: parse yaml: %v", domain.ErrInvalidConfig, err)
	}
	cfg.Trading = cfg.Trading.WithDefaults()
	return cfg, nil
}

// ApplyEnv overrides credentials from BYBIT_API_KEY / BYBIT_API_SECRET.
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvAPIKey)); v != "" {
		c.Exchange.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvAPISecret)); v != "" {
		c.Exchange.APISecret = v
	}
}

// Live reports whether orders go to the real exchange.
func (c *Config) Live() bool { return c.Exchange.Mode == ModeLive }

// LoopConfig returns the trading section with mode and credentials attached.
func (c *Config) LoopConfig() usecase.LoopConfig {
	lc := c.Trading
	lc.LiveTrading = c.Live()
	lc.Credentials = usecase.Credentials{APIKey: c.Exchange.APIKey, APISecret: c.Exchange.APISecret}
	return lc
}

// Validate checks the outer sections, then the trading section.
func (c *Config) Validate() error {
	var problems []string
	switch c.Exchange.Mode {
	case ModeLive, ModePaper:
	default:
		problems = append(problems, fmt.Sprintf("exchange.mode must be %q or %q, got %q", ModeLive, ModePaper, c.Exchange.Mode))
	}
	switch c.Exchange.PriceSource {
	case PriceSourceREST, PriceSourceStream:
	default:
		problems = append(problems, fmt.Sprintf("exchange.price_source must be %q or %q", PriceSourceREST, PriceSourceStream))
	}
	if c.Exchange.RequestsPerSecond <= 0 {
		problems = append(problems, "exchange.requests_per_second must be positive")
	}
	if c.Exchange.Mode == ModePaper && c.Exchange.PaperBalance <= 0 {
		problems = append(problems, "exchange.paper_balance must be positive in paper mode")
	}
	if c.Storage.DBPath == "" {
		problems = append(problems, "storage.db_path is required")
	}
	if c.Storage.AuditBuffer < 0 {
		problems = append(problems, "storage.audit_buffer must not be negative")
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		problems = append(problems, fmt.Sprintf("logging.level %q is not a level", c.Logging.Level))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		problems = append(problems, "server.port must be in [0,65535]")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrInvalidConfig, strings.Join(problems, "; "))
	}

	return c.LoopConfig().Validate()
}

// SaveToFile writes the configuration as YAML, creating parent directories.
// Credentials are never written.
func (c *Config) SaveToFile(path string) error {
	out := *c
	out.Exchange.APIKey = ""
	out.Exchange.APISecret = ""

	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
