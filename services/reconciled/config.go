package reconciled

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"chainsettle/services/reconciled/notifier"
	"chainsettle/services/reconciled/registry"
	"chainsettle/services/reconciled/sweeper"
	"chainsettle/services/reconciled/watcher"
)

// Duration wraps time.Duration so configs can use "30s" style strings in YAML
// and TOML alike.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText implements encoding.TextUnmarshaler for the TOML decoder.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config is the reconciled runtime configuration.
type Config struct {
	Listen     string           `yaml:"listen" toml:"listen"`
	Env        string           `yaml:"env" toml:"env"`
	Database   DatabaseConfig   `yaml:"database" toml:"database"`
	Networks   []NetworkConfig  `yaml:"networks" toml:"networks"`
	Pipeline   PipelineConfig   `yaml:"pipeline" toml:"pipeline"`
	Settlement SettlementConfig `yaml:"settlement" toml:"settlement"`
	Sweeper    SweeperConfig    `yaml:"sweeper" toml:"sweeper"`
	Watcher    WatcherConfig    `yaml:"watcher" toml:"watcher"`
	Notifier   NotifierConfig   `yaml:"notifier" toml:"notifier"`
	Operator   OperatorConfig   `yaml:"operator" toml:"operator"`
	Webhook    WebhookConfig    `yaml:"webhook" toml:"webhook"`
	Offramp    OfframpConfig    `yaml:"offramp" toml:"offramp"`
	Reports    ReportsConfig    `yaml:"reports" toml:"reports"`
	Log        LogConfig        `yaml:"log" toml:"log"`
}

// DatabaseConfig selects the gorm driver.
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
}

// NetworkConfig is the file form of a registry entry.
type NetworkConfig struct {
	ID               string        `yaml:"id" toml:"id"`
	ChainID          uint64        `yaml:"chain_id" toml:"chain_id"`
	RPCEndpoints     []string      `yaml:"rpc_endpoints" toml:"rpc_endpoints"`
	EscrowAddress    string        `yaml:"escrow_address" toml:"escrow_address"`
	MinConfirmations uint64        `yaml:"min_confirmations" toml:"min_confirmations"`
	StartBlock       uint64        `yaml:"start_block" toml:"start_block"`
	Tokens           []TokenConfig `yaml:"tokens" toml:"tokens"`
}

// TokenConfig describes one accepted token.
type TokenConfig struct {
	Symbol   string `yaml:"symbol" toml:"symbol"`
	Address  string `yaml:"address" toml:"address"`
	Decimals uint8  `yaml:"decimals" toml:"decimals"`
}

// PipelineConfig sizes the persistence/apply worker pool.
type PipelineConfig struct {
	QueueCapacity int `yaml:"queue_capacity" toml:"queue_capacity"`
	Workers       int `yaml:"workers" toml:"workers"`
}

// SettlementConfig tunes the applier.
type SettlementConfig struct {
	ApplyTimeout Duration `yaml:"apply_timeout" toml:"apply_timeout"`
	StaleAfter   Duration `yaml:"stale_after" toml:"stale_after"`
	// MilestoneHeuristic enables title-in-description milestone matching. Nil means enabled.
	MilestoneHeuristic *bool `yaml:"milestone_heuristic" toml:"milestone_heuristic"`
}

// SweeperConfig tunes the reconciliation sweep.
type SweeperConfig struct {
	Interval    Duration `yaml:"interval" toml:"interval"`
	BatchSize   int      `yaml:"batch_size" toml:"batch_size"`
	MaxAttempts int      `yaml:"max_attempts" toml:"max_attempts"`
}

// WatcherConfig tunes every chain watcher.
type WatcherConfig struct {
	PollInterval     Duration `yaml:"poll_interval" toml:"poll_interval"`
	MaxBlockRange    uint64   `yaml:"max_block_range" toml:"max_block_range"`
	BackoffInitial   Duration `yaml:"backoff_initial" toml:"backoff_initial"`
	BackoffMax       Duration `yaml:"backoff_max" toml:"backoff_max"`
	RangeTimeout     Duration `yaml:"range_timeout" toml:"range_timeout"`
	DegradedAfter    Duration `yaml:"degraded_after" toml:"degraded_after"`
	RPCRatePerSecond float64  `yaml:"rpc_rate_per_second" toml:"rpc_rate_per_second"`
}

// NotifierConfig configures settlement notifications.
type NotifierConfig struct {
	WebhookURL    string   `yaml:"webhook_url" toml:"webhook_url"`
	Secret        string   `yaml:"secret" toml:"secret"`
	QueueCapacity int      `yaml:"queue_capacity" toml:"queue_capacity"`
	TTL           Duration `yaml:"ttl" toml:"ttl"`
	MaxRetries    uint64   `yaml:"max_retries" toml:"max_retries"`
	RatePerSecond float64  `yaml:"rate_per_second" toml:"rate_per_second"`
}

// OperatorConfig secures the operator API.
type OperatorConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
	Issuer    string `yaml:"issuer" toml:"issuer"`
	Audience  string `yaml:"audience" toml:"audience"`
}

// WebhookConfig secures the provider log push intake.
type WebhookConfig struct {
	Secret string `yaml:"secret" toml:"secret"`
}

// OfframpConfig secures the off-ramp settlement intake.
type OfframpConfig struct {
	Secret      string `yaml:"secret" toml:"secret"`
	DeliveryLog string `yaml:"delivery_log" toml:"delivery_log"`
}

// ReportsConfig sets where exception reports are written.
type ReportsConfig struct {
	OutputDir string `yaml:"output_dir" toml:"output_dir"`
}

// LogConfig optionally mirrors logs into a rotated file.
type LogConfig struct {
	File string `yaml:"file" toml:"file"`
}

// LoadConfig reads configuration from path. Files ending in .toml are decoded
// as TOML, everything else as YAML. Secrets may be supplied through the
// environment instead of the file.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	} else {
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	overrides := map[string]*string{
		"RECONCILED_DATABASE_URL":        &cfg.Database.DSN,
		"RECONCILED_OPERATOR_JWT_SECRET": &cfg.Operator.JWTSecret,
		"RECONCILED_WEBHOOK_SECRET":      &cfg.Webhook.Secret,
		"RECONCILED_OFFRAMP_SECRET":      &cfg.Offramp.Secret,
		"RECONCILED_NOTIFIER_SECRET":     &cfg.Notifier.Secret,
		"RECONCILED_ENV":                 &cfg.Env,
	}
	for key, target := range overrides {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			*target = value
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Listen == "" {
		cfg.Listen = ":8095"
	}
	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Pipeline.QueueCapacity <= 0 {
		cfg.Pipeline.QueueCapacity = 256
	}
	if cfg.Pipeline.Workers <= 0 {
		cfg.Pipeline.Workers = 4
	}
	if cfg.Settlement.ApplyTimeout.Duration <= 0 {
		cfg.Settlement.ApplyTimeout.Duration = 15 * time.Second
	}
	if cfg.Settlement.StaleAfter.Duration <= 0 {
		cfg.Settlement.StaleAfter.Duration = 2 * time.Minute
	}
	if cfg.Settlement.MilestoneHeuristic == nil {
		enabled := true
		cfg.Settlement.MilestoneHeuristic = &enabled
	}
	if cfg.Sweeper.Interval.Duration <= 0 {
		cfg.Sweeper.Interval.Duration = time.Minute
	}
	if cfg.Sweeper.BatchSize <= 0 {
		cfg.Sweeper.BatchSize = 100
	}
	if cfg.Sweeper.MaxAttempts <= 0 {
		cfg.Sweeper.MaxAttempts = 5
	}
	if cfg.Watcher.PollInterval.Duration <= 0 {
		cfg.Watcher.PollInterval.Duration = 5 * time.Second
	}
	if cfg.Watcher.MaxBlockRange == 0 {
		cfg.Watcher.MaxBlockRange = 2000
	}
	if cfg.Watcher.BackoffInitial.Duration <= 0 {
		cfg.Watcher.BackoffInitial.Duration = time.Second
	}
	if cfg.Watcher.BackoffMax.Duration <= 0 {
		cfg.Watcher.BackoffMax.Duration = time.Minute
	}
	if cfg.Watcher.RangeTimeout.Duration <= 0 {
		cfg.Watcher.RangeTimeout.Duration = 30 * time.Second
	}
	if cfg.Watcher.DegradedAfter.Duration <= 0 {
		cfg.Watcher.DegradedAfter.Duration = 5 * time.Minute
	}
	if cfg.Notifier.QueueCapacity <= 0 {
		cfg.Notifier.QueueCapacity = 1024
	}
	if cfg.Notifier.TTL.Duration <= 0 {
		cfg.Notifier.TTL.Duration = 24 * time.Hour
	}
	if cfg.Notifier.MaxRetries == 0 {
		cfg.Notifier.MaxRetries = 5
	}
	if cfg.Offramp.DeliveryLog == "" {
		cfg.Offramp.DeliveryLog = "reconciled-offramp.db"
	}
	if cfg.Reports.OutputDir == "" {
		cfg.Reports.OutputDir = "reports"
	}
}

func validateConfig(cfg Config) error {
	switch cfg.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database driver %q not supported", cfg.Database.Driver)
	}
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return fmt.Errorf("database dsn must be configured")
	}
	if len(cfg.Networks) == 0 {
		return fmt.Errorf("at least one network must be configured")
	}
	if strings.TrimSpace(cfg.Operator.JWTSecret) == "" {
		return fmt.Errorf("operator jwt_secret must be configured")
	}
	if cfg.Notifier.WebhookURL != "" && strings.TrimSpace(cfg.Notifier.Secret) == "" {
		return fmt.Errorf("notifier secret required when webhook_url is set")
	}
	if cfg.Watcher.DegradedAfter.Duration <= cfg.Watcher.PollInterval.Duration {
		return fmt.Errorf("watcher degraded_after must exceed poll_interval")
	}
	if cfg.Settlement.StaleAfter.Duration <= cfg.Settlement.ApplyTimeout.Duration {
		return fmt.Errorf("settlement stale_after must exceed apply_timeout")
	}
	if _, err := cfg.Registry(); err != nil {
		return err
	}
	return nil
}

// Registry builds the validated network registry.
func (c Config) Registry() (*registry.Registry, error) {
	networks := make([]registry.NetworkConfig, 0, len(c.Networks))
	for _, n := range c.Networks {
		if !common.IsHexAddress(n.EscrowAddress) {
			return nil, fmt.Errorf("%w: network %q escrow_address %q is not an address", registry.ErrInvalidNetwork, n.ID, n.EscrowAddress)
		}
		tokens := make(map[string]registry.Token, len(n.Tokens))
		for _, tok := range n.Tokens {
			if !common.IsHexAddress(tok.Address) {
				return nil, fmt.Errorf("%w: network %q token %s address %q is not an address", registry.ErrInvalidNetwork, n.ID, tok.Symbol, tok.Address)
			}
			symbol := strings.ToUpper(strings.TrimSpace(tok.Symbol))
			tokens[symbol] = registry.Token{Symbol: symbol, Address: common.HexToAddress(tok.Address), Decimals: tok.Decimals}
		}
		networks = append(networks, registry.NetworkConfig{
			ID:               n.ID,
			ChainID:          n.ChainID,
			RPCEndpoints:     n.RPCEndpoints,
			EscrowAddress:    common.HexToAddress(n.EscrowAddress),
			Tokens:           tokens,
			MinConfirmations: n.MinConfirmations,
			StartBlock:       n.StartBlock,
		})
	}
	return registry.New(networks)
}

func (c Config) watcherConfig() watcher.Config {
	return watcher.Config{
		PollInterval:   c.Watcher.PollInterval.Duration,
		MaxBlockRange:  c.Watcher.MaxBlockRange,
		BackoffInitial: c.Watcher.BackoffInitial.Duration,
		BackoffMax:     c.Watcher.BackoffMax.Duration,
		RangeTimeout:   c.Watcher.RangeTimeout.Duration,
		RatePerSecond:  c.Watcher.RPCRatePerSecond,
	}
}

func (c Config) sweeperConfig() sweeper.Config {
	return sweeper.Config{
		Interval:    c.Sweeper.Interval.Duration,
		BatchSize:   c.Sweeper.BatchSize,
		MaxAttempts: c.Sweeper.MaxAttempts,
		StaleAfter:  c.Settlement.StaleAfter.Duration,
	}
}

func (c Config) queueOptions() []notifier.QueueOption {
	return []notifier.QueueOption{
		notifier.WithCapacity(c.Notifier.QueueCapacity),
		notifier.WithTTL(c.Notifier.TTL.Duration),
		notifier.WithRetries(c.Notifier.MaxRetries, time.Second),
	}
}
