package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Database   DatabaseConfig         `yaml:"database"`
	Trading    TradingConfig          `yaml:"trading"`
	Simulation SimulationConfig       `yaml:"simulation"`
	Sync       SyncConfig             `yaml:"sync"`
	Market     MarketConfig           `yaml:"market"`
	Universe   []Instrument           `yaml:"universe"`
	Models     map[string]ModelConfig `yaml:"models"`
	Agents     []AgentConfig          `yaml:"agents"`
	Alpaca     AlpacaConfig           `yaml:"alpaca"`
	Tinkoff    TinkoffConfig          `yaml:"tinkoff"`
	Telegram   TelegramConfig         `yaml:"telegram"`
	Web        WebConfig              `yaml:"web"`
	Logging    LoggingConfig          `yaml:"logging"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type TradingConfig struct {
	Schedule        string  `yaml:"schedule"`
	MarketHoursOnly bool    `yaml:"market_hours_only"`
	ToolCallBudget  int     `yaml:"tool_call_budget"`
	DecisionTimeout string  `yaml:"decision_timeout"`
	BrokerTimeout   string  `yaml:"broker_timeout"`
	MaxPositions    int     `yaml:"max_positions"`
	MaxTradeUSD     float64 `yaml:"max_trade_usd"`
	MinConfidence   int     `yaml:"min_confidence"`
	Concurrency     int     `yaml:"concurrency"`
	StartingCash    float64 `yaml:"starting_cash"`

	// Adverse fill allowance for cash checks, in percent of the reference
	// price. Defaults to simulation.max_slippage_pct.
	SlippageAllowancePct float64 `yaml:"slippage_allowance_pct"`
}

type SimulationConfig struct {
	MinSlippagePct float64 `yaml:"min_slippage_pct"`
	MaxSlippagePct float64 `yaml:"max_slippage_pct"`
	MinDelay       string  `yaml:"min_delay"`
	MaxDelay       string  `yaml:"max_delay"`
	MinFillRatio   float64 `yaml:"min_fill_ratio"`
	MaxFillRatio   float64 `yaml:"max_fill_ratio"`
	Seed           int64   `yaml:"seed"`
	Sleep          bool    `yaml:"sleep"`
}

type SyncConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Interval string `yaml:"interval"`
}

type MarketConfig struct {
	Provider           string `yaml:"provider"` // yahoo or moex
	CacheTTL           string `yaml:"cache_ttl"`
	IndicatorTTL       string `yaml:"indicator_ttl"`
	HistoryDays        int    `yaml:"history_days"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
}

type Instrument struct {
	Symbol     string `yaml:"symbol"`
	Name       string `yaml:"name"`
	AssetClass string `yaml:"asset_class"` // stock, etf, crypto
}

type ModelConfig struct {
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Temperature float32 `yaml:"temperature"`
}

type AgentConfig struct {
	ID           string  `yaml:"id"`
	Name         string  `yaml:"name"`
	Model        string  `yaml:"model"`
	Color        string  `yaml:"color"`
	Broker       string  `yaml:"broker"`
	StartingCash float64 `yaml:"starting_cash"`
}

type AlpacaConfig struct {
	BaseURL            string                   `yaml:"base_url"`
	FillTimeout        string                   `yaml:"fill_timeout"`
	PollInterval       string                   `yaml:"poll_interval"`
	RateLimitPerMinute int                      `yaml:"rate_limit_per_minute"`
	Accounts           map[string]AlpacaAccount `yaml:"accounts"` // agent id -> keys
}

type AlpacaAccount struct {
	KeyID     string `yaml:"key_id"`
	SecretKey string `yaml:"secret_key"`
}

type TinkoffConfig struct {
	Token        string            `yaml:"token"`
	Sandbox      bool              `yaml:"sandbox"`
	FillTimeout  string            `yaml:"fill_timeout"`
	PollInterval string            `yaml:"poll_interval"`
	Accounts     map[string]string `yaml:"accounts"` // agent id -> account id
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

type WebConfig struct {
	Port int `yaml:"port"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load reads a YAML config. A .env file next to the working directory is
// loaded first and ${VAR} references in the YAML are expanded from the environment.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	setDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

var defaultUniverse = []Instrument{
	{Symbol: "AAPL", Name: "Apple Inc.", AssetClass: "stock"},
	{Symbol: "MSFT", Name: "Microsoft Corp.", AssetClass: "stock"},
	{Symbol: "NVDA", Name: "NVIDIA Corp.", AssetClass: "stock"},
	{Symbol: "TSLA", Name: "Tesla Inc.", AssetClass: "stock"},
	{Symbol: "AMZN", Name: "Amazon.com Inc.", AssetClass: "stock"},
	{Symbol: "GOOGL", Name: "Alphabet Inc.", AssetClass: "stock"},
	{Symbol: "META", Name: "Meta Platforms Inc.", AssetClass: "stock"},
	{Symbol: "SPY", Name: "SPDR S&P 500 ETF", AssetClass: "etf"},
	{Symbol: "QQQ", Name: "Invesco QQQ Trust", AssetClass: "etf"},
	{Symbol: "BTC-USD", Name: "Bitcoin", AssetClass: "crypto"},
	{Symbol: "ETH-USD", Name: "Ethereum", AssetClass: "crypto"},
}

func setDefaults(cfg *Config) {
	if cfg.Database.Path == "" {
		cfg.Database.Path = "data/arena.db"
	}
	if cfg.Trading.Schedule == "" {
		cfg.Trading.Schedule = "*/15 * * * *"
	}
	if cfg.Trading.ToolCallBudget == 0 {
		cfg.Trading.ToolCallBudget = 15
	}
	if cfg.Trading.DecisionTimeout == "" {
		cfg.Trading.DecisionTimeout = "120s"
	}
	if cfg.Trading.BrokerTimeout == "" {
		cfg.Trading.BrokerTimeout = "30s"
	}
	if cfg.Trading.MaxPositions == 0 {
		cfg.Trading.MaxPositions = 10
	}
	if cfg.Trading.MaxTradeUSD == 0 {
		cfg.Trading.MaxTradeUSD = 5000
	}
	if cfg.Trading.Concurrency == 0 {
		cfg.Trading.Concurrency = 4
	}
	if cfg.Trading.StartingCash == 0 {
		cfg.Trading.StartingCash = 10000
	}
	if cfg.Simulation.MaxSlippagePct == 0 {
		cfg.Simulation.MaxSlippagePct = 0.2
	}
	if cfg.Trading.SlippageAllowancePct == 0 {
		cfg.Trading.SlippageAllowancePct = cfg.Simulation.MaxSlippagePct
	}
	if cfg.Simulation.MinDelay == "" {
		cfg.Simulation.MinDelay = "1s"
	}
	if cfg.Simulation.MaxDelay == "" {
		cfg.Simulation.MaxDelay = "3s"
	}
	if cfg.Simulation.MinFillRatio == 0 {
		cfg.Simulation.MinFillRatio = 0.9
	}
	if cfg.Simulation.MaxFillRatio == 0 {
		cfg.Simulation.MaxFillRatio = 1.0
	}
	if cfg.Sync.Interval == "" {
		cfg.Sync.Interval = "5m"
	}
	if cfg.Market.Provider == "" {
		cfg.Market.Provider = "yahoo"
	}
	if cfg.Market.CacheTTL == "" {
		cfg.Market.CacheTTL = "1m"
	}
	if cfg.Market.IndicatorTTL == "" {
		cfg.Market.IndicatorTTL = "1h"
	}
	if cfg.Market.HistoryDays == 0 {
		cfg.Market.HistoryDays = 90
	}
	if cfg.Market.RateLimitPerMinute == 0 {
		cfg.Market.RateLimitPerMinute = 120
	}
	if len(cfg.Universe) == 0 {
		cfg.Universe = append([]Instrument(nil), defaultUniverse...)
	}
	for i := range cfg.Universe {
		if cfg.Universe[i].AssetClass == "" {
			cfg.Universe[i].AssetClass = "stock"
		}
		if cfg.Universe[i].Name == "" {
			cfg.Universe[i].Name = cfg.Universe[i].Symbol
		}
	}
	for i := range cfg.Agents {
		if cfg.Agents[i].Broker == "" {
			cfg.Agents[i].Broker = "simulation"
		}
		if cfg.Agents[i].StartingCash == 0 {
			cfg.Agents[i].StartingCash = cfg.Trading.StartingCash
		}
		if cfg.Agents[i].Name == "" {
			cfg.Agents[i].Name = cfg.Agents[i].ID
		}
	}
	if cfg.Alpaca.BaseURL == "" {
		cfg.Alpaca.BaseURL = "https://paper-api.alpaca.markets"
	}
	if cfg.Alpaca.FillTimeout == "" {
		cfg.Alpaca.FillTimeout = "20s"
	}
	if cfg.Alpaca.PollInterval == "" {
		cfg.Alpaca.PollInterval = "1s"
	}
	if cfg.Alpaca.RateLimitPerMinute == 0 {
		cfg.Alpaca.RateLimitPerMinute = 180
	}
	if cfg.Tinkoff.FillTimeout == "" {
		cfg.Tinkoff.FillTimeout = "20s"
	}
	if cfg.Tinkoff.PollInterval == "" {
		cfg.Tinkoff.PollInterval = "1s"
	}
	if cfg.Web.Port == 0 {
		cfg.Web.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func (c *Config) Validate() error {
	durations := map[string]string{
		"trading.decision_timeout": c.Trading.DecisionTimeout,
		"trading.broker_timeout":   c.Trading.BrokerTimeout,
		"simulation.min_delay":     c.Simulation.MinDelay,
		"simulation.max_delay":     c.Simulation.MaxDelay,
		"sync.interval":            c.Sync.Interval,
		"market.cache_ttl":         c.Market.CacheTTL,
		"market.indicator_ttl":     c.Market.IndicatorTTL,
		"alpaca.fill_timeout":      c.Alpaca.FillTimeout,
		"alpaca.poll_interval":     c.Alpaca.PollInterval,
		"tinkoff.fill_timeout":     c.Tinkoff.FillTimeout,
		"tinkoff.poll_interval":    c.Tinkoff.PollInterval,
	}
	for name, v := range durations {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, v, err)
		}
	}
	if c.SimulationMinDelay() > c.SimulationMaxDelay() {
		return fmt.Errorf("simulation.min_delay must not exceed simulation.max_delay")
	}
	if c.Simulation.MinSlippagePct < 0 || c.Simulation.MinSlippagePct > c.Simulation.MaxSlippagePct {
		return fmt.Errorf("invalid slippage range [%.4f, %.4f]", c.Simulation.MinSlippagePct, c.Simulation.MaxSlippagePct)
	}
	if c.Trading.SlippageAllowancePct < 0 {
		return fmt.Errorf("trading.slippage_allowance_pct must not be negative")
	}
	if c.Simulation.MinFillRatio <= 0 || c.Simulation.MaxFillRatio > 1 || c.Simulation.MinFillRatio > c.Simulation.MaxFillRatio {
		return fmt.Errorf("invalid fill ratio range [%.2f, %.2f]", c.Simulation.MinFillRatio, c.Simulation.MaxFillRatio)
	}
	switch c.Market.Provider {
	case "yahoo", "moex":
	default:
		return fmt.Errorf("unknown market.provider %q", c.Market.Provider)
	}
	for _, inst := range c.Universe {
		switch inst.AssetClass {
		case "stock", "etf", "crypto":
		default:
			return fmt.Errorf("universe %s: unknown asset_class %q", inst.Symbol, inst.AssetClass)
		}
	}

	seen := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agents: id is required")
		}
		if seen[a.ID] {
			return fmt.Errorf("agents: duplicate id %q", a.ID)
		}
		seen[a.ID] = true
		if _, ok := c.Models[a.Model]; !ok {
			return fmt.Errorf("agent %s: model %q is not configured", a.ID, a.Model)
		}
		switch a.Broker {
		case "simulation":
		case "alpaca":
			if _, ok := c.Alpaca.Accounts[a.ID]; !ok {
				return fmt.Errorf("agent %s: alpaca.accounts entry is required", a.ID)
			}
		case "tinkoff":
			if c.Tinkoff.Token == "" {
				return fmt.Errorf("agent %s: tinkoff.token is required", a.ID)
			}
		default:
			return fmt.Errorf("agent %s: unknown broker %q", a.ID, a.Broker)
		}
	}
	for name, m := range c.Models {
		if m.Model == "" {
			return fmt.Errorf("models.%s.model is required", name)
		}
	}

	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == 0 {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}
	return nil
}

func (c *Config) Instrument(symbol string) (Instrument, bool) {
	symbol = strings.ToUpper(symbol)
	for _, inst := range c.Universe {
		if strings.ToUpper(inst.Symbol) == symbol {
			return inst, true
		}
	}
	return Instrument{}, false
}

func (c *Config) Symbols() []string {
	out := make([]string, len(c.Universe))
	for i, inst := range c.Universe {
		out[i] = inst.Symbol
	}
	return out
}

func (c *Config) DecisionTimeout() time.Duration     { return mustDuration(c.Trading.DecisionTimeout) }
func (c *Config) BrokerTimeout() time.Duration       { return mustDuration(c.Trading.BrokerTimeout) }
func (c *Config) SimulationMinDelay() time.Duration  { return mustDuration(c.Simulation.MinDelay) }
func (c *Config) SimulationMaxDelay() time.Duration  { return mustDuration(c.Simulation.MaxDelay) }
func (c *Config) SyncInterval() time.Duration        { return mustDuration(c.Sync.Interval) }
func (c *Config) CacheTTL() time.Duration            { return mustDuration(c.Market.CacheTTL) }
func (c *Config) IndicatorTTL() time.Duration        { return mustDuration(c.Market.IndicatorTTL) }
func (c *Config) AlpacaFillTimeout() time.Duration   { return mustDuration(c.Alpaca.FillTimeout) }
func (c *Config) AlpacaPollInterval() time.Duration  { return mustDuration(c.Alpaca.PollInterval) }
func (c *Config) TinkoffFillTimeout() time.Duration  { return mustDuration(c.Tinkoff.FillTimeout) }
func (c *Config) TinkoffPollInterval() time.Duration { return mustDuration(c.Tinkoff.PollInterval) }

func mustDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}
