package config

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Mode string

const (
	ModePaper   Mode = "paper"
	ModeTestnet Mode = "testnet"
	ModeLive    Mode = "live"
)

const (
	EnvClientID     = "DERIBIT_CLIENT_ID"
	EnvClientSecret = "DERIBIT_CLIENT_SECRET"
	EnvBotToken     = "TELEGRAM_BOT_TOKEN"
)

type Config struct {
	Mode           Mode                 `yaml:"mode"`
	Server         ServerConfig         `yaml:"server"`
	Exchange       ExchangeConfig       `yaml:"exchange"`
	Commands       CommandsConfig       `yaml:"commands"`
	State          StateConfig          `yaml:"state"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Alerts         AlertsConfig         `yaml:"alerts"`
	Log            LogConfig            `yaml:"log"`
}

type ServerConfig struct {
	Listen          string `yaml:"listen"`
	ReadTimeoutSec  int64  `yaml:"read_timeout_sec"`
	PingIntervalSec int64  `yaml:"ping_interval_sec"`
	WriteTimeoutSec int64  `yaml:"write_timeout_sec"`
	MaxMessageBytes int64  `yaml:"max_message_bytes"`
}

type ExchangeConfig struct {
	ClientID       string `yaml:"client_id"`
	ClientSecret   string `yaml:"client_secret"`
	RestBaseURL    string `yaml:"rest_base_url"`
	HTTPTimeoutSec int64  `yaml:"http_timeout_sec"`
	Label          string `yaml:"label"`
}

type CommandsConfig struct {
	Strict   bool            `yaml:"strict"`
	Defaults CommandDefaults `yaml:"defaults"`
}

// CommandDefaults fill in trading parameters a client leaves out.
type CommandDefaults struct {
	Symbol         string   `yaml:"symbol"`
	Price          *Decimal `yaml:"price"`
	Quantity       int64    `yaml:"quantity"`
	ModifyPrice    *Decimal `yaml:"modify_price"`
	ModifyQuantity int64    `yaml:"modify_quantity"`
	Depth          int      `yaml:"depth"`
	InstrumentType string   `yaml:"instrument_type"`
}

const (
	JournalJSONL  = "jsonl"
	JournalSQLite = "sqlite"
)

type StateConfig struct {
	Dir     string `yaml:"dir"`
	Journal *bool  `yaml:"journal"`
	// JournalBackend is "jsonl" (daily files) or "sqlite" (one journal.db).
	JournalBackend string `yaml:"journal_backend"`
	LockTakeover   *bool  `yaml:"lock_takeover"`
	LockStaleSec   int64  `yaml:"lock_stale_sec"`
	HeartbeatSec   int64  `yaml:"heartbeat_sec"`
}

type CircuitBreakerConfig struct {
	Enabled           bool  `yaml:"enabled"`
	MaxPlaceFailures  int   `yaml:"max_place_failures"`
	MaxCancelFailures int   `yaml:"max_cancel_failures"`
	MaxModifyFailures int   `yaml:"max_modify_failures"`
	CooldownSec       int64 `yaml:"cooldown_sec"`
}

type AlertsConfig struct {
	Telegram      TelegramConfig `yaml:"telegram"`
	DropReportSec int64          `yaml:"drop_report_sec"`
}

type TelegramConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BotToken   string `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	APIBaseURL string `yaml:"api_base_url"`
	TimeoutSec int64  `yaml:"timeout_sec"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

var instrumentTypes = map[string]bool{
	"future":       true,
	"option":       true,
	"spot":         true,
	"future_combo": true,
	"option_combo": true,
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(data)
}

// Parse decodes a single YAML document, then applies env overrides,
// normalization, defaults and validation in that order.
func Parse(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("config must contain a single YAML document")
		}
		return Config{}, err
	}
	cfg.applyEnv(os.Getenv)
	cfg.normalize()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := strings.TrimSpace(getenv(EnvClientID)); v != "" {
		c.Exchange.ClientID = v
	}
	if v := strings.TrimSpace(getenv(EnvClientSecret)); v != "" {
		c.Exchange.ClientSecret = v
	}
	if v := strings.TrimSpace(getenv(EnvBotToken)); v != "" {
		c.Alerts.Telegram.BotToken = v
	}
}

func (c *Config) normalize() {
	c.Mode = Mode(strings.ToLower(strings.TrimSpace(string(c.Mode))))
	c.Server.Listen = strings.TrimSpace(c.Server.Listen)
	c.Exchange.ClientID = strings.TrimSpace(c.Exchange.ClientID)
	c.Exchange.ClientSecret = strings.TrimSpace(c.Exchange.ClientSecret)
	c.Exchange.RestBaseURL = strings.TrimSpace(c.Exchange.RestBaseURL)
	c.Exchange.Label = strings.TrimSpace(c.Exchange.Label)
	c.Commands.Defaults.Symbol = strings.ToUpper(strings.TrimSpace(c.Commands.Defaults.Symbol))
	c.Commands.Defaults.InstrumentType = strings.ToLower(strings.TrimSpace(c.Commands.Defaults.InstrumentType))
	c.State.Dir = strings.TrimSpace(c.State.Dir)
	c.State.JournalBackend = strings.ToLower(strings.TrimSpace(c.State.JournalBackend))
	c.Alerts.Telegram.BotToken = strings.TrimSpace(c.Alerts.Telegram.BotToken)
	c.Alerts.Telegram.ChatID = strings.TrimSpace(c.Alerts.Telegram.ChatID)
	c.Alerts.Telegram.APIBaseURL = strings.TrimSpace(c.Alerts.Telegram.APIBaseURL)
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModePaper
	}
	if c.Server.Listen == "" {
		c.Server.Listen = ":9002"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 60
	}
	if c.Server.PingIntervalSec == 0 {
		c.Server.PingIntervalSec = 30
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 10
	}
	if c.Server.MaxMessageBytes == 0 {
		c.Server.MaxMessageBytes = 4096
	}
	if c.Exchange.HTTPTimeoutSec == 0 {
		c.Exchange.HTTPTimeoutSec = 15
	}
	if c.Exchange.Label == "" {
		c.Exchange.Label = "trade-desk"
	}
	if c.Exchange.RestBaseURL == "" {
		switch c.Mode {
		case ModeTestnet:
			c.Exchange.RestBaseURL = "https://test.deribit.com"
		case ModeLive:
			c.Exchange.RestBaseURL = "https://www.deribit.com"
		}
	}
	d := &c.Commands.Defaults
	if d.Symbol == "" {
		d.Symbol = "ETH-PERPETUAL"
	}
	if d.Price == nil {
		d.Price = NewDecimal(400)
	}
	if d.Quantity == 0 {
		d.Quantity = 1
	}
	if d.ModifyPrice == nil {
		d.ModifyPrice = NewDecimal(450)
	}
	if d.ModifyQuantity == 0 {
		d.ModifyQuantity = 2
	}
	if d.Depth == 0 {
		d.Depth = 5
	}
	if d.InstrumentType == "" {
		d.InstrumentType = "future"
	}
	if c.State.Dir == "" {
		c.State.Dir = "state"
	}
	if c.State.Journal == nil {
		enabled := true
		c.State.Journal = &enabled
	}
	if c.State.JournalBackend == "" {
		c.State.JournalBackend = JournalJSONL
	}
	if c.State.LockTakeover == nil {
		enabled := true
		c.State.LockTakeover = &enabled
	}
	if c.State.LockStaleSec == 0 {
		c.State.LockStaleSec = 600
	}
	if c.State.HeartbeatSec == 0 {
		c.State.HeartbeatSec = 30
	}
	if c.Alerts.Telegram.APIBaseURL == "" {
		c.Alerts.Telegram.APIBaseURL = "https://api.telegram.org"
	}
	if c.Alerts.Telegram.TimeoutSec == 0 {
		c.Alerts.Telegram.TimeoutSec = 10
	}
	if c.Alerts.DropReportSec == 0 {
		c.Alerts.DropReportSec = 60
	}
	if c.CircuitBreaker.MaxPlaceFailures == 0 {
		c.CircuitBreaker.MaxPlaceFailures = 5
	}
	if c.CircuitBreaker.MaxCancelFailures == 0 {
		c.CircuitBreaker.MaxCancelFailures = 5
	}
	if c.CircuitBreaker.MaxModifyFailures == 0 {
		c.CircuitBreaker.MaxModifyFailures = 5
	}
	if c.CircuitBreaker.CooldownSec == 0 {
		c.CircuitBreaker.CooldownSec = 30
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModePaper, ModeTestnet, ModeLive:
	default:
		return fmt.Errorf("mode must be paper, testnet, or live")
	}
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.Server.ReadTimeoutSec < 1 || c.Server.ReadTimeoutSec > 3600 {
		return fmt.Errorf("server.read_timeout_sec must be between 1 and 3600")
	}
	if c.Server.PingIntervalSec < 1 || c.Server.PingIntervalSec >= c.Server.ReadTimeoutSec {
		return fmt.Errorf("server.ping_interval_sec must be >= 1 and below read_timeout_sec")
	}
	if c.Server.WriteTimeoutSec < 1 || c.Server.WriteTimeoutSec > 120 {
		return fmt.Errorf("server.write_timeout_sec must be between 1 and 120")
	}
	if c.Server.MaxMessageBytes < 64 || c.Server.MaxMessageBytes > 1<<20 {
		return fmt.Errorf("server.max_message_bytes must be between 64 and 1048576")
	}
	d := c.Commands.Defaults
	if !isValidSymbol(d.Symbol) {
		return fmt.Errorf("commands.defaults.symbol must match [A-Z0-9_-], length 3..64")
	}
	if d.Price.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("commands.defaults.price must be > 0")
	}
	if d.Quantity < 1 {
		return fmt.Errorf("commands.defaults.quantity must be >= 1")
	}
	if d.ModifyPrice.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("commands.defaults.modify_price must be > 0")
	}
	if d.ModifyQuantity < 1 {
		return fmt.Errorf("commands.defaults.modify_quantity must be >= 1")
	}
	if d.Depth < 1 || d.Depth > 10000 {
		return fmt.Errorf("commands.defaults.depth must be between 1 and 10000")
	}
	if !instrumentTypes[d.InstrumentType] {
		return fmt.Errorf("commands.defaults.instrument_type must be future, option, spot, future_combo, or option_combo")
	}
	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.MaxPlaceFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_place_failures must be >= 1")
		}
		if c.CircuitBreaker.MaxCancelFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_cancel_failures must be >= 1")
		}
		if c.CircuitBreaker.MaxModifyFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_modify_failures must be >= 1")
		}
		if c.CircuitBreaker.CooldownSec < 1 || c.CircuitBreaker.CooldownSec > 3600 {
			return fmt.Errorf("circuit_breaker.cooldown_sec must be between 1 and 3600")
		}
	}
	switch c.State.JournalBackend {
	case JournalJSONL, JournalSQLite:
	default:
		return fmt.Errorf("state.journal_backend must be %s or %s", JournalJSONL, JournalSQLite)
	}
	if c.State.LockStaleSec < 0 || c.State.LockStaleSec > 86400 {
		return fmt.Errorf("state.lock_stale_sec must be between 0 and 86400")
	}
	if c.State.HeartbeatSec < 0 || c.State.HeartbeatSec > 3600 {
		return fmt.Errorf("state.heartbeat_sec must be between 0 and 3600")
	}
	if c.Alerts.DropReportSec < 0 || c.Alerts.DropReportSec > 3600 {
		return fmt.Errorf("alerts.drop_report_sec must be between 0 and 3600")
	}
	if tg := c.Alerts.Telegram; tg.Enabled {
		if tg.BotToken == "" {
			return fmt.Errorf("alerts.telegram.bot_token is required when telegram enabled (or set %s)", EnvBotToken)
		}
		if tg.ChatID == "" {
			return fmt.Errorf("alerts.telegram.chat_id is required when telegram enabled")
		}
		if tg.TimeoutSec < 1 || tg.TimeoutSec > 120 {
			return fmt.Errorf("alerts.telegram.timeout_sec must be between 1 and 120")
		}
		if err := validateURL(tg.APIBaseURL, "http", "https"); err != nil {
			return fmt.Errorf("alerts.telegram.api_base_url %v", err)
		}
	}
	switch c.Log.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be trace, debug, info, warn, or error")
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be console or json")
	}
	if c.Mode != ModePaper {
		if c.Exchange.ClientID == "" || c.Exchange.ClientSecret == "" {
			return fmt.Errorf("exchange client_id/client_secret are required for %s mode (or set %s/%s)", c.Mode, EnvClientID, EnvClientSecret)
		}
		if c.Exchange.HTTPTimeoutSec < 1 || c.Exchange.HTTPTimeoutSec > 120 {
			return fmt.Errorf("exchange http_timeout_sec must be between 1 and 120")
		}
		if err := validateURL(c.Exchange.RestBaseURL, "http", "https"); err != nil {
			return fmt.Errorf("exchange rest_base_url %v", err)
		}
	}
	return nil
}

// JournalEnabled reports whether ledger transitions are appended to disk.
func (c Config) JournalEnabled() bool {
	return c.State.Journal == nil || *c.State.Journal
}

func isValidSymbol(v string) bool {
	if len(v) < 3 || len(v) > 64 {
		return false
	}
	for _, r := range v {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("must include scheme and host")
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be %s", strings.Join(schemes, " or "))
}
