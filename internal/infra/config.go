package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"vpin_mm/internal/domain"

	"gopkg.in/yaml.v3"
)

const (
	// MaxOrderIDPrefixLen leaves room for the 22-char token in a 36-char clOrdID.
	MaxOrderIDPrefixLen = 13

	// DefaultConfigPath is used when VPIN_CONFIG is not set.
	DefaultConfigPath = "configs/config.yaml"
)

// Config는 애플리케이션의 모든 설정을 담습니다.
// LoadConfig로 로드된 후에 환경 변수를 통해 민감 내용을 덮어씁니다.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	BitMEX struct {
		RestURL       string   `yaml:"rest_url"`
		WSURL         string   `yaml:"ws_url"`
		Symbol        string   `yaml:"symbol"`
		APIKey        string   `yaml:"api_key"`
		APISecret     string   `yaml:"api_secret"`
		OrderIDPrefix string   `yaml:"order_id_prefix"`
		Contracts     []string `yaml:"contracts"`
		WSAuth        bool     `yaml:"ws_auth"`
		Leverage      float64  `yaml:"leverage"`
	} `yaml:"bitmex"`

	Chart struct {
		Units       float64 `yaml:"units"`
		LongWindow  int     `yaml:"long_window"`
		ShortWindow int     `yaml:"short_window"`
		WarmStart   bool    `yaml:"warm_start"`
		BinSize     string  `yaml:"bin_size"`
	} `yaml:"chart"`

	Stream struct {
		MaxTableLen       int `yaml:"max_table_len"`
		InboxSize         int `yaml:"inbox_size"`
		ConnectTimeoutSec int `yaml:"connect_timeout_sec"`
		PingIntervalSec   int `yaml:"ping_interval_sec"`
		ReadTimeoutSec    int `yaml:"read_timeout_sec"`
	} `yaml:"stream"`

	Risk struct {
		MinPosition  float64 `yaml:"min_position"`
		MaxPosition  float64 `yaml:"max_position"`
		MinContracts float64 `yaml:"min_contracts"`
	} `yaml:"risk"`

	Retry struct {
		RateLimitBackoffMS   int `yaml:"rate_limit_backoff_ms"`
		UnavailableBackoffMS int `yaml:"unavailable_backoff_ms"`
		ConnectionBackoffMS  int `yaml:"connection_backoff_ms"`
		MaxRetries           int `yaml:"max_retries"`
		RequestTimeoutSec    int `yaml:"request_timeout_sec"`
	} `yaml:"retry"`

	Loop struct {
		IntervalSec         int `yaml:"interval_sec"`
		APIRestIntervalSec  int `yaml:"api_rest_interval_sec"`
		APIErrorIntervalSec int `yaml:"api_error_interval_sec"`
	} `yaml:"loop"`

	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
		Name  string `yaml:"name"`
	} `yaml:"logging"`

	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`

	NATS struct {
		URL           string `yaml:"url"`
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"nats"`

	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`
}

// LoadConfig는 설정 파일을 읽고 파싱합니다.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrConfigNotFound, path)
		}
		return nil, err
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML, applies defaults and env overrides, then validates.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// 보안 우선 - 환경 변수 오버라이드 지원
	overrideWithEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns the settings the client runs with when a key is absent.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.App.Name = "vpin-mm"
	cfg.App.Version = "dev"

	cfg.BitMEX.RestURL = "https://testnet.bitmex.com/api/v1"
	cfg.BitMEX.WSURL = "wss://testnet.bitmex.com/realtime"
	cfg.BitMEX.Symbol = "XBTUSD"
	cfg.BitMEX.OrderIDPrefix = "mm_bitmex_"
	cfg.BitMEX.Contracts = []string{"XBTUSD"}
	cfg.BitMEX.WSAuth = true

	cfg.Chart.Units = 1_000_000
	cfg.Chart.LongWindow = 30
	cfg.Chart.ShortWindow = 5
	cfg.Chart.BinSize = "1m"

	cfg.Stream.MaxTableLen = 200
	cfg.Stream.InboxSize = 1024
	cfg.Stream.ConnectTimeoutSec = 5
	cfg.Stream.PingIntervalSec = 5
	cfg.Stream.ReadTimeoutSec = 30

	cfg.Risk.MinPosition = -5000
	cfg.Risk.MaxPosition = 5000
	cfg.Risk.MinContracts = 5000

	cfg.Retry.RateLimitBackoffMS = 1000
	cfg.Retry.UnavailableBackoffMS = 1000
	cfg.Retry.ConnectionBackoffMS = 1000
	cfg.Retry.MaxRetries = 20
	cfg.Retry.RequestTimeoutSec = 3

	cfg.Loop.IntervalSec = 5
	cfg.Loop.APIRestIntervalSec = 1
	cfg.Loop.APIErrorIntervalSec = 10

	cfg.Logging.Level = "info"
	cfg.Logging.Dir = "logs"
	cfg.Logging.Name = "vpin"

	cfg.NATS.SubjectPrefix = "vpin.bar"
	cfg.Metrics.Addr = "localhost:6060"
	return cfg
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.BitMEX.WSURL, "ws://") && !strings.HasPrefix(c.BitMEX.WSURL, "wss://") {
		return &domain.ConfigError{Field: "bitmex.ws_url", Err: fmt.Errorf("invalid websocket URL %q", c.BitMEX.WSURL)}
	}
	if !strings.HasPrefix(c.BitMEX.RestURL, "http://") && !strings.HasPrefix(c.BitMEX.RestURL, "https://") {
		return &domain.ConfigError{Field: "bitmex.rest_url", Err: fmt.Errorf("invalid REST URL %q", c.BitMEX.RestURL)}
	}
	if c.BitMEX.Symbol == "" {
		return &domain.ConfigError{Field: "bitmex.symbol", Err: domain.ErrInvalidSymbol}
	}
	if len(c.BitMEX.OrderIDPrefix) > MaxOrderIDPrefixLen {
		return &domain.ConfigError{Field: "bitmex.order_id_prefix", Err: fmt.Errorf("must be at most %d characters long", MaxOrderIDPrefixLen)}
	}
	if c.BitMEX.WSAuth && (c.BitMEX.APIKey == "" || c.BitMEX.APISecret == "") {
		return &domain.ConfigError{Field: "bitmex.ws_auth", Err: errors.New("authenticated stream needs api_key and api_secret")}
	}

	if c.Chart.Units <= 0 {
		return &domain.ConfigError{Field: "chart.units", Err: errors.New("must be positive")}
	}
	if c.Chart.LongWindow <= 0 || c.Chart.ShortWindow <= 0 {
		return &domain.ConfigError{Field: "chart.window", Err: errors.New("window sizes must be positive")}
	}

	if c.Stream.MaxTableLen < 2 {
		return &domain.ConfigError{Field: "stream.max_table_len", Err: errors.New("must be at least 2")}
	}
	if c.Risk.MinPosition > c.Risk.MaxPosition {
		return &domain.ConfigError{Field: "risk", Err: errors.New("min_position exceeds max_position")}
	}
	if c.Retry.MaxRetries <= 0 {
		return &domain.ConfigError{Field: "retry.max_retries", Err: errors.New("must be positive")}
	}

	return nil
}

// overrideWithEnv는 환경 변수가 존재할 경우 설정 값을 덮어씁니다.
func overrideWithEnv(cfg *Config) {
	if key := os.Getenv("VPIN_BITMEX_KEY"); key != "" {
		cfg.BitMEX.APIKey = key
	}
	if secret := os.Getenv("VPIN_BITMEX_SECRET"); secret != "" {
		cfg.BitMEX.APISecret = secret
	}
	if url := os.Getenv("VPIN_NATS_URL"); url != "" {
		cfg.NATS.URL = url
	}
}

// ConfigPath returns the config file location, honouring VPIN_CONFIG.
func ConfigPath() string {
	if p := os.Getenv("VPIN_CONFIG"); p != "" {
		return p
	}
	return DefaultConfigPath
}

// Durations derived from the integer settings.

func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Stream.ConnectTimeoutSec) * time.Second
}

func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.Stream.PingIntervalSec) * time.Second
}

func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.Stream.ReadTimeoutSec) * time.Second
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Retry.RequestTimeoutSec) * time.Second
}

func (c *Config) LoopInterval() time.Duration {
	return time.Duration(c.Loop.IntervalSec) * time.Second
}

func (c *Config) APIRestInterval() time.Duration {
	return time.Duration(c.Loop.APIRestIntervalSec) * time.Second
}

func (c *Config) APIErrorInterval() time.Duration {
	return time.Duration(c.Loop.APIErrorIntervalSec) * time.Second
}
