package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	REST      RESTConfig      `yaml:"rest"`
	WS        WSConfig        `yaml:"ws"`
	State     StateConfig     `yaml:"state"`
	Strategy  StrategyConfig  `yaml:"strategy"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Timescale TimescaleConfig `yaml:"timescale"`
	Report    ReportConfig    `yaml:"report"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type RESTConfig struct {
	BaseURL           string        `yaml:"base_url"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
}

type WSConfig struct {
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

const (
	VariantMaker       = "maker"
	VariantOffsetMaker = "offset_maker"
	VariantImbalance   = "imbalance"
)

type StrategyConfig struct {
	Variant         string        `yaml:"variant"`
	Symbol          string        `yaml:"symbol"`
	TradeAmount     float64       `yaml:"trade_amount"`
	LossLimit       float64       `yaml:"loss_limit"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	PriceTick       float64       `yaml:"price_tick"`
	PriceTolerance  float64       `yaml:"price_tolerance"`
	BidOffset       float64       `yaml:"bid_offset"`
	AskOffset       float64       `yaml:"ask_offset"`

	// Depth-aware maker.
	DepthLevels    int     `yaml:"depth_levels"`
	DepthSkipRatio float64 `yaml:"depth_skip_ratio"`
	DepthExitRatio float64 `yaml:"depth_exit_ratio"`

	// Depth-imbalance momentum.
	MinDepthQty      float64 `yaml:"min_depth_qty"`
	ImbalanceRatio   float64 `yaml:"imbalance_ratio"`
	CloseRatio       float64 `yaml:"close_ratio"`
	MaxEntryAttempts int     `yaml:"max_entry_attempts"`
	MinEntryFraction float64 `yaml:"min_entry_fraction"`

	MaxCloseSlippage float64       `yaml:"max_close_slippage_pct"`
	MarketSlippage   float64       `yaml:"market_slippage"`
	LimitTif         string        `yaml:"limit_tif"`
	LockTimeout      time.Duration `yaml:"lock_timeout"`
	MaxLogEntries    int           `yaml:"max_log_entries"`
	CancelOnShutdown *bool         `yaml:"cancel_on_shutdown"`
	CandleInterval   string        `yaml:"candle_interval"`
}

func (s StrategyConfig) CancelOnShutdownValue() bool {
	return s.CancelOnShutdown == nil || *s.CancelOnShutdown
}

type RateLimitConfig struct {
	PauseDuration    time.Duration `yaml:"pause_duration"`
	RecoveryDuration time.Duration `yaml:"recovery_duration"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	return m.Enabled != nil && *m.Enabled
}

type TimescaleConfig struct {
	Enabled          bool          `yaml:"enabled"`
	DSN              string        `yaml:"dsn"`
	Schema           string        `yaml:"schema"`
	MaxOpenConns     int           `yaml:"max_open_conns"`
	MaxIdleConns     int           `yaml:"max_idle_conns"`
	ConnMaxLifetime  time.Duration `yaml:"conn_max_lifetime"`
	QueueSize        int           `yaml:"queue_size"`
	PositionInterval time.Duration `yaml:"position_interval"`
}

type ReportConfig struct {
	Interval time.Duration `yaml:"interval"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.File != "" {
		if cfg.Log.MaxSizeMB == 0 {
			cfg.Log.MaxSizeMB = 100
		}
		if cfg.Log.MaxBackups == 0 {
			cfg.Log.MaxBackups = 5
		}
		if cfg.Log.MaxAgeDays == 0 {
			cfg.Log.MaxAgeDays = 14
		}
	}
	if cfg.REST.BaseURL == "" {
		cfg.REST.BaseURL = "https://api.hyperliquid.xyz"
	}
	if cfg.REST.Timeout == 0 {
		cfg.REST.Timeout = 10 * time.Second
	}
	if cfg.REST.RequestsPerSecond == 0 {
		cfg.REST.RequestsPerSecond = 10
	}
	if cfg.REST.Burst == 0 {
		cfg.REST.Burst = 20
	}
	if cfg.WS.URL == "" {
		cfg.WS.URL = wsURLFromREST(cfg.REST.BaseURL)
	}
	if cfg.WS.ReconnectDelay == 0 {
		cfg.WS.ReconnectDelay = 3 * time.Second
	}
	if cfg.WS.PingInterval == 0 {
		cfg.WS.PingInterval = 30 * time.Second
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/hl-maker-bot.db"
	}
	applyStrategyDefaults(&cfg.Strategy)
	if cfg.RateLimit.PauseDuration == 0 {
		cfg.RateLimit.PauseDuration = 30 * time.Second
	}
	if cfg.RateLimit.RecoveryDuration == 0 {
		cfg.RateLimit.RecoveryDuration = 60 * time.Second
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9001"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Timescale.QueueSize == 0 {
		cfg.Timescale.QueueSize = 256
	}
	if cfg.Timescale.PositionInterval == 0 {
		cfg.Timescale.PositionInterval = time.Minute
	}
	if cfg.Report.Interval == 0 {
		cfg.Report.Interval = 5 * time.Minute
	}
}

func applyStrategyDefaults(s *StrategyConfig) {
	if s.Variant == "" {
		s.Variant = VariantMaker
	}
	s.Symbol = strings.ToUpper(strings.TrimSpace(s.Symbol))
	if s.RefreshInterval == 0 {
		s.RefreshInterval = 500 * time.Millisecond
	}
	if s.PriceTolerance == 0 && s.PriceTick > 0 {
		s.PriceTolerance = s.PriceTick / 2
	}
	if s.DepthLevels == 0 {
		s.DepthLevels = 10
	}
	if s.DepthSkipRatio == 0 {
		s.DepthSkipRatio = 3
	}
	if s.DepthExitRatio == 0 {
		s.DepthExitRatio = 6
	}
	if s.ImbalanceRatio == 0 {
		s.ImbalanceRatio = 6
	}
	if s.CloseRatio == 0 {
		s.CloseRatio = 0.5
	}
	if s.MaxEntryAttempts == 0 {
		s.MaxEntryAttempts = 10
	}
	if s.MinEntryFraction == 0 {
		s.MinEntryFraction = 1.0 / 128
	}
	if s.MaxCloseSlippage == 0 {
		s.MaxCloseSlippage = 0.05
	}
	if s.MarketSlippage == 0 {
		s.MarketSlippage = 0.05
	}
	s.LimitTif = canonicalTif(s.LimitTif)
	if s.LockTimeout == 0 {
		s.LockTimeout = 3 * time.Second
	}
	if s.MaxLogEntries == 0 {
		s.MaxLogEntries = 200
	}
	if s.CandleInterval == "" {
		s.CandleInterval = "1m"
	}
}

func applyEnvOverrides(cfg *Config) {
	if token := strings.TrimSpace(os.Getenv("HL_TELEGRAM_TOKEN")); token != "" {
		cfg.Telegram.Token = token
	}
	if chatID := strings.TrimSpace(os.Getenv("HL_TELEGRAM_CHAT_ID")); chatID != "" {
		cfg.Telegram.ChatID = chatID
	}
	if dsn := strings.TrimSpace(os.Getenv("HL_TIMESCALE_DSN")); dsn != "" {
		cfg.Timescale.DSN = dsn
	}
}

func validate(cfg *Config) error {
	s := cfg.Strategy
	switch s.Variant {
	case VariantMaker, VariantOffsetMaker, VariantImbalance:
	default:
		return fmt.Errorf("strategy.variant %q is not supported", s.Variant)
	}
	if s.Symbol == "" {
		return errors.New("strategy.symbol is required")
	}
	if s.TradeAmount <= 0 {
		return errors.New("strategy.trade_amount must be > 0")
	}
	if s.LossLimit <= 0 {
		return errors.New("strategy.loss_limit must be > 0")
	}
	if s.PriceTick <= 0 {
		return errors.New("strategy.price_tick must be > 0")
	}
	if s.RefreshInterval < 0 || s.LockTimeout < 0 {
		return errors.New("strategy intervals must be >= 0")
	}
	if s.BidOffset < 0 || s.AskOffset < 0 || s.PriceTolerance < 0 {
		return errors.New("strategy offsets and tolerance must be >= 0")
	}
	if s.DepthLevels < 0 || s.DepthSkipRatio < 0 || s.DepthExitRatio < 0 {
		return errors.New("strategy depth settings must be >= 0")
	}
	if s.Variant == VariantImbalance && (s.MinDepthQty <= 0 || s.ImbalanceRatio < 1) {
		return errors.New("imbalance variant requires min_depth_qty > 0 and imbalance_ratio >= 1")
	}
	if s.CloseRatio < 0 || s.MinEntryFraction < 0 || s.MinEntryFraction > 1 || s.MaxEntryAttempts < 0 {
		return errors.New("strategy entry settings out of range")
	}
	if s.MaxCloseSlippage < 0 || s.MaxCloseSlippage >= 1 || s.MarketSlippage < 0 || s.MarketSlippage >= 1 {
		return errors.New("strategy slippage settings must be in [0, 1)")
	}
	switch s.LimitTif {
	case "Alo", "Gtc", "Ioc":
	default:
		return fmt.Errorf("strategy.limit_tif %q is not supported", s.LimitTif)
	}
	if cfg.RateLimit.PauseDuration < 0 || cfg.RateLimit.RecoveryDuration < 0 {
		return errors.New("rate_limit durations must be >= 0")
	}
	if cfg.REST.RequestsPerSecond < 0 || cfg.REST.Burst < 0 {
		return errors.New("rest rate settings must be >= 0")
	}
	if !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}
	if cfg.Telegram.Enabled && (cfg.Telegram.Token == "" || cfg.Telegram.ChatID == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	if cfg.Timescale.Enabled && strings.TrimSpace(cfg.Timescale.DSN) == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	return nil
}

func wsURLFromREST(baseURL string) string {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/ws"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/ws"
	default:
		return "wss://api.hyperliquid.xyz/ws"
	}
}

// canonicalTif maps a tif name in any case to the exchange spelling. Unknown
// names are returned trimmed for validate to reject.
func canonicalTif(tif string) string {
	tif = strings.TrimSpace(tif)
	switch strings.ToLower(tif) {
	case "", "alo":
		return "Alo"
	case "gtc":
		return "Gtc"
	case "ioc":
		return "Ioc"
	}
	return tif
}
