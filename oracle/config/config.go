package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/GPTx-global/flightsurety-oracle/oracle/log"
	"github.com/GPTx-global/flightsurety-oracle/oracle/types"
)

const (
	KindEVM       = "evm"
	KindSimulated = "simulated"

	FileName  = "config.toml"
	EnvPrefix = "ORACLED"
)

// Flag names bound to config keys.
const (
	FlagHome           = "home"
	FlagLedgerKind     = "ledger.kind"
	FlagLedgerEndpoint = "ledger.endpoint"
	FlagLedgerContract = "ledger.contract"
	FlagServerListen   = "server.listen"
	FlagLogLevel       = "log.level"
)

var (
	globalConfig = DefaultConfig()
	home         = defaultHome()
	mu           sync.RWMutex

	v = viper.New()
)

type Config struct {
	Ledger    LedgerConfig    `toml:"ledger" mapstructure:"ledger"`
	Pool      PoolConfig      `toml:"pool" mapstructure:"pool"`
	Responder ResponderConfig `toml:"responder" mapstructure:"responder"`
	Server    ServerConfig    `toml:"server" mapstructure:"server"`
	Log       LogConfig       `toml:"log" mapstructure:"log"`
	Simulator SimulatorConfig `toml:"simulator" mapstructure:"simulator"`
}

type LedgerConfig struct {
	Kind            string `toml:"kind" mapstructure:"kind"`
	Endpoint        string `toml:"endpoint" mapstructure:"endpoint"`
	Contract        string `toml:"contract" mapstructure:"contract"`
	FromBlock       uint64 `toml:"from_block" mapstructure:"from_block"`
	GasLimit        uint64 `toml:"gas_limit" mapstructure:"gas_limit"`
	ReceiptTimeout  string `toml:"receipt_timeout" mapstructure:"receipt_timeout"`
	IndexCategories uint8  `toml:"index_categories" mapstructure:"index_categories"`
}

type PoolConfig struct {
	Size          int `toml:"size" mapstructure:"size"`
	AccountOffset int `toml:"account_offset" mapstructure:"account_offset"`
	Parallelism   int `toml:"parallelism" mapstructure:"parallelism"`
}

type ResponderConfig struct {
	Seed        int64  `toml:"seed" mapstructure:"seed"`
	FixedStatus string `toml:"fixed_status" mapstructure:"fixed_status"`
	MaxInflight int64  `toml:"max_inflight" mapstructure:"max_inflight"`
	FeedURL     string `toml:"feed_url" mapstructure:"feed_url"`
	FeedPath    string `toml:"feed_path" mapstructure:"feed_path"`
	FeedTimeout string `toml:"feed_timeout" mapstructure:"feed_timeout"`
}

type ServerConfig struct {
	Listen         string   `toml:"listen" mapstructure:"listen"`
	AllowedOrigins []string `toml:"allowed_origins" mapstructure:"allowed_origins"`
}

type LogConfig struct {
	Level string `toml:"level" mapstructure:"level"`
	File  bool   `toml:"file" mapstructure:"file"`
}

type SimulatorConfig struct {
	Enabled  bool     `toml:"enabled" mapstructure:"enabled"`
	Flights  []string `toml:"flights" mapstructure:"flights"`
	Interval string   `toml:"interval" mapstructure:"interval"`
}

func DefaultConfig() Config {
	return Config{
		Ledger: LedgerConfig{
			Kind:            KindEVM,
			Endpoint:        "ws://localhost:8545",
			Contract:        "",
			FromBlock:       0,
			GasLimit:        1_000_000,
			ReceiptTimeout:  "2m",
			IndexCategories: types.DefaultIndexCategories,
		},
		Pool: PoolConfig{
			Size:          21,
			AccountOffset: 19,
			Parallelism:   1,
		},
		Responder: ResponderConfig{
			Seed:        0,
			FixedStatus: "",
			MaxInflight: 0,
			FeedURL:     "",
			FeedPath:    "status",
			FeedTimeout: "5s",
		},
		Server: ServerConfig{
			Listen:         ":3000",
			AllowedOrigins: []string{"*"},
		},
		Log: LogConfig{
			Level: "info",
			File:  false,
		},
		Simulator: SimulatorConfig{
			Enabled:  false,
			Flights:  []string{"ND1309", "ND1310", "ND1311"},
			Interval: "10s",
		},
	}
}

func defaultHome() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		return ".oracled"
	}
	return filepath.Join(dir, ".oracled")
}

// BindFlags registers the --home flag and the config overrides on flags.
func BindFlags(flags *pflag.FlagSet) error {
	flags.StringVar(&home, FlagHome, home, "oracle daemon home directory")
	flags.String(FlagLedgerKind, "", "ledger kind: evm or simulated")
	flags.String(FlagLedgerEndpoint, "", "ledger node websocket endpoint")
	flags.String(FlagLedgerContract, "", "flight surety app contract address")
	flags.String(FlagServerListen, "", "HTTP listen address")
	flags.String(FlagLogLevel, "", "log level")

	for _, name := range []string{FlagLedgerKind, FlagLedgerEndpoint, FlagLedgerContract, FlagServerListen, FlagLogLevel} {
		if err := v.BindPFlag(name, flags.Lookup(name)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}

	return nil
}

// Load reads <home>/config.toml, creating it with defaults on first run, applies ORACLED_*
// environment overrides and bound flags, and validates the result.
func Load() error {
	path := Path()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := WriteDefault(path); err != nil {
			return fmt.Errorf("failed to create default config: %w", err)
		}
		log.Infof("Created default config at %s", path)
	}

	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// defaults go in first so that every key is known to viper and can be overridden from env
	defaults, err := toml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to marshal defaults: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return fmt.Errorf("failed to load defaults: %w", err)
	}

	v.SetConfigFile(path)
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validateConfig(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	mu.Lock()
	globalConfig = cfg
	mu.Unlock()

	log.Infof("Loaded config from %s", path)
	return nil
}

// WriteDefault writes the default config to path.
func WriteDefault(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	data, err := toml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to marshal TOML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func validateConfig(cfg Config) error {
	switch cfg.Ledger.Kind {
	case KindEVM:
		if cfg.Ledger.Endpoint == "" {
			return fmt.Errorf("ledger endpoint is required")
		}
		if !common.IsHexAddress(cfg.Ledger.Contract) {
			return fmt.Errorf("invalid contract address %q", cfg.Ledger.Contract)
		}
	case KindSimulated:
	default:
		return fmt.Errorf("unknown ledger kind %q", cfg.Ledger.Kind)
	}

	if cfg.Ledger.GasLimit == 0 {
		return fmt.Errorf("gas limit is required")
	}

	if _, err := time.ParseDuration(cfg.Ledger.ReceiptTimeout); err != nil {
		return fmt.Errorf("invalid receipt timeout: %w", err)
	}

	if cfg.Ledger.IndexCategories < types.IndexSetSize {
		return fmt.Errorf("index categories must be at least %d", types.IndexSetSize)
	}

	if cfg.Pool.Size <= 0 {
		return fmt.Errorf("pool size must be positive")
	}

	if cfg.Pool.AccountOffset < 0 {
		return fmt.Errorf("account offset must not be negative")
	}

	if cfg.Pool.Parallelism < 1 {
		return fmt.Errorf("registration parallelism must be at least 1")
	}

	if cfg.Responder.FixedStatus != "" {
		if _, err := types.ParseStatusCode(cfg.Responder.FixedStatus); err != nil {
			return err
		}
	}

	if cfg.Responder.MaxInflight < 0 {
		return fmt.Errorf("max inflight must not be negative")
	}

	if cfg.Responder.FeedURL != "" {
		if cfg.Responder.FeedPath == "" {
			return fmt.Errorf("feed path is required with a feed url")
		}
		timeout, err := time.ParseDuration(cfg.Responder.FeedTimeout)
		if err != nil {
			return fmt.Errorf("invalid feed timeout: %w", err)
		}
		if timeout <= 0 {
			return fmt.Errorf("feed timeout must be positive")
		}
	}

	if _, err := zerolog.ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("invalid log level %q", cfg.Log.Level)
	}

	if cfg.Simulator.Enabled {
		if len(cfg.Simulator.Flights) == 0 {
			return fmt.Errorf("simulator needs at least one flight")
		}
		interval, err := time.ParseDuration(cfg.Simulator.Interval)
		if err != nil {
			return fmt.Errorf("invalid simulator interval: %w", err)
		}
		if interval <= 0 {
			return fmt.Errorf("simulator interval must be positive")
		}
	}

	return nil
}

func Print() {
	cfg := Get()

	log.Infof("%-16s: %s", "Home", Home())
	log.Infof("%-16s: %s", "Ledger Kind", cfg.Ledger.Kind)
	log.Infof("%-16s: %s", "Ledger Endpoint", cfg.Ledger.Endpoint)
	log.Infof("%-16s: %s", "Contract", cfg.Ledger.Contract)
	log.Infof("%-16s: %d", "From Block", cfg.Ledger.FromBlock)
	log.Infof("%-16s: %d", "Gas Limit", cfg.Ledger.GasLimit)
	log.Infof("%-16s: %d..%d", "Oracle Accounts", cfg.Pool.AccountOffset, cfg.Pool.AccountOffset+cfg.Pool.Size)
	log.Infof("%-16s: %s", "Listen", cfg.Server.Listen)
}

func Home() string {
	mu.RLock()
	defer mu.RUnlock()

	return home
}

// SetHome overrides the home directory. Used by tests and the init command.
func SetHome(dir string) {
	mu.Lock()
	defer mu.Unlock()

	home = dir
}

func Path() string {
	return filepath.Join(Home(), FileName)
}

// Get returns a copy of the loaded config.
func Get() Config {
	mu.RLock()
	defer mu.RUnlock()

	cfg := globalConfig
	cfg.Server.AllowedOrigins = append([]string(nil), globalConfig.Server.AllowedOrigins...)
	cfg.Simulator.Flights = append([]string(nil), globalConfig.Simulator.Flights...)
	return cfg
}

func (c Config) ContractAddress() common.Address {
	return common.HexToAddress(c.Ledger.Contract)
}

// ReceiptTimeout returns the receipt wait, or zero when it does not parse.
func (c Config) ReceiptTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Ledger.ReceiptTimeout)
	return d
}

// FixedStatus returns the status every responder reports, if one is configured.
func (c Config) FixedStatus() (types.StatusCode, bool) {
	if c.Responder.FixedStatus == "" {
		return 0, false
	}
	code, err := types.ParseStatusCode(c.Responder.FixedStatus)
	if err != nil {
		return 0, false
	}
	return code, true
}

func (c Config) FeedTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Responder.FeedTimeout)
	return d
}

func (c Config) SimulatorInterval() time.Duration {
	d, _ := time.ParseDuration(c.Simulator.Interval)
	return d
}

func SetForTesting(cfg Config) {
	mu.Lock()
	defer mu.Unlock()

	globalConfig = cfg
}

func ResetForTesting() {
	mu.Lock()
	defer mu.Unlock()

	globalConfig = DefaultConfig()
	v = viper.New()
}
