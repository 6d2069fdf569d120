package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"trailguard/internal/types"
)

// RuleLevel is one configured profit threshold and the stop rule it enables.
// Exactly one of TrailingStopOffset or BookFraction should be set.
type RuleLevel struct {
	MinProfitPct       float64  `yaml:"min_profit_pct"`
	TrailingStopOffset *float64 `yaml:"trailing_stop_offset,omitempty"`
	BookFraction       *float64 `yaml:"book_fraction,omitempty"`
}

// Kind returns the rule kind this level activates.
func (l RuleLevel) Kind() types.RuleKind {
	if l.TrailingStopOffset != nil {
		return types.RuleDynamic
	}
	return types.RulePartialBooking
}

// Trailing is the process-lifetime trailing-stop configuration.
// Loaded once at startup and immutable thereafter.
type Trailing struct {
	StartTrailingProfitPct float64     `yaml:"start_trailing_profit_pct"`
	FixedStopLossPct       float64     `yaml:"fixed_stop_loss_pct"`
	Levels                 []RuleLevel `yaml:"levels"`
}

// SelectLevel returns the maximum-threshold level whose MinProfitPct is at or
// below profitPct, or nil when none qualifies. Levels are sorted ascending at
// load time, so the last qualifying level is the highest threshold.
func (t Trailing) SelectLevel(profitPct float64) *RuleLevel {
	var applicable *RuleLevel
	for i := range t.Levels {
		if profitPct >= t.Levels[i].MinProfitPct {
			applicable = &t.Levels[i]
		}
	}
	return applicable
}

// Config holds the full application configuration.
type Config struct {
	// Exchange
	APIKey     string
	SecretKey  string
	Symbol     string // instrument the engine manages, e.g. BTCUSD
	FeedSymbol string // reference instrument for the live price stream
	ProductID  int    // exchange product identifier for bracket calls
	OrderQty   float64

	// Static entry risk offsets, absolute price units (not volatility derived).
	EntryOffset  float64
	StopOffset   float64
	TargetOffset float64

	// Redis signal source
	RedisAddr     string
	RedisDB       int
	SignalKey     string
	ClosedSideKey string

	// Loop timing
	CheckInterval      time.Duration // trailing evaluation tick
	PositionFetchEvery time.Duration // bound on gateway position reloads
	SignalPollInterval time.Duration
	SettleDelay        time.Duration // blocking wait after cancel/close actions
	PriceGracePeriod   time.Duration // max wait for the first live price

	// Notifications
	WebhookURL string

	// Observability / logging
	MetricsAddr string
	LogLevel    string
	LogFile     string

	Trailing Trailing
}

// Load builds the configuration from environment variables, pulling rule
// levels from TRAILING_CONFIG_FILE when set and falling back to built-in
// defaults otherwise.
func Load() (*Config, error) {
	cfg := &Config{
		APIKey:             os.Getenv("API_KEY"),
		SecretKey:          os.Getenv("SECRET_KEY"),
		Symbol:             envStr("SYMBOL", "BTCUSD"),
		FeedSymbol:         envStr("FEED_SYMBOL", "BTCUSDT"),
		ProductID:          envInt("PRODUCT_ID", 27),
		OrderQty:           envFloat("ORDER_QTY", 1),
		EntryOffset:        envFloat("ENTRY_OFFSET", 50),
		StopOffset:         envFloat("STOP_OFFSET", 500),
		TargetOffset:       envFloat("TARGET_OFFSET", 3000),
		RedisAddr:          envStr("REDIS_ADDR", "127.0.0.1:6379"),
		RedisDB:            envInt("REDIS_DB", 0),
		SignalKey:          envStr("SIGNAL_KEY", "signal"),
		ClosedSideKey:      envStr("CLOSED_SIDE_KEY", "last_sl_closed_side"),
		CheckInterval:      envDuration("CHECK_INTERVAL", time.Second),
		PositionFetchEvery: envDuration("POSITION_FETCH_INTERVAL", 5*time.Second),
		SignalPollInterval: envDuration("SIGNAL_POLL_INTERVAL", 5*time.Second),
		SettleDelay:        envDuration("SETTLE_DELAY", 2*time.Second),
		PriceGracePeriod:   envDuration("PRICE_GRACE_PERIOD", 30*time.Second),
		WebhookURL:         os.Getenv("ALERT_WEBHOOK_URL"),
		MetricsAddr:        envStr("METRICS_ADDR", ":9090"),
		LogLevel:           envStr("LOG_LEVEL", "info"),
		LogFile:            os.Getenv("LOG_FILE"),
	}

	trailing, err := loadTrailing(os.Getenv("TRAILING_CONFIG_FILE"))
	if err != nil {
		return nil, err
	}
	cfg.Trailing = *trailing

	return cfg, nil
}

// loadTrailing reads the trailing rule configuration from a YAML file, or
// returns the built-in defaults when path is empty.
func loadTrailing(path string) (*Trailing, error) {
	t := defaultTrailing()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read trailing config: %w", err)
		}
		t = &Trailing{}
		if err := yaml.Unmarshal(data, t); err != nil {
			return nil, fmt.Errorf("parse trailing config: %w", err)
		}
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func defaultTrailing() *Trailing {
	offset1 := 0.005
	offset2 := 0.015
	fraction := 0.5
	return &Trailing{
		StartTrailingProfitPct: 0.01,
		FixedStopLossPct:       0.005,
		Levels: []RuleLevel{
			{MinProfitPct: 0.02, TrailingStopOffset: &offset1},
			{MinProfitPct: 0.04, TrailingStopOffset: &offset2},
			{MinProfitPct: 0.06, BookFraction: &fraction},
		},
	}
}

// validate checks the rule levels and sorts them ascending by threshold so
// level selection is by maximum qualifying threshold, not file order.
func (t *Trailing) validate() error {
	if t.FixedStopLossPct <= 0 {
		return fmt.Errorf("fixed_stop_loss_pct must be positive, got %v", t.FixedStopLossPct)
	}
	for i, l := range t.Levels {
		if l.TrailingStopOffset == nil && l.BookFraction == nil {
			return fmt.Errorf("level %d: needs trailing_stop_offset or book_fraction", i)
		}
		if l.TrailingStopOffset != nil && l.BookFraction != nil {
			return fmt.Errorf("level %d: trailing_stop_offset and book_fraction are mutually exclusive", i)
		}
	}
	sort.SliceStable(t.Levels, func(i, j int) bool {
		return t.Levels[i].MinProfitPct < t.Levels[j].MinProfitPct
	})
	return nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}
