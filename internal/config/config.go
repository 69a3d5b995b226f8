package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/1inch/swap-coordinator/internal/retry"
)

const (
	StoreBadger   = "badger"
	StorePostgres = "postgres"
)

// Config holds all configuration for the coordinator
type Config struct {
	Log         Log
	Store       Store
	Database    Database
	Ethereum    Ethereum
	Sui         Sui
	API         API
	Coordinator Coordinator
	Conversion  Conversion
}

// Log configuration
type Log struct {
	Level  string
	Format string // text or json
}

// Store selects the registry backend
type Store struct {
	Backend string
	Datadir string // empty keeps the badger store in memory
}

// Database configuration
type Database struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// Ethereum configuration
type Ethereum struct {
	ChainName                 string // chain name used in swap intents
	HTTPUrl                   string
	PrivateKey                string
	Address                   string   // Derived from private key or explicit
	AccountKeys               []string // further accounts driven on this chain
	ChainID                   int64
	HTLCAddress               string
	LimitOrderProtocolAddress string
	GasLimit                  uint64
	GasPrice                  int64  // in gwei, 0 means use network price
	FinalityDepth             uint64 // Blocks to wait for finality
	FinalityTimeout           time.Duration
	PollInterval              time.Duration
}

// Sui configuration
type Sui struct {
	ChainName        string
	RPCUrl           string
	PrivateKey       string
	Address          string   // Derived from private key or explicit
	AccountKeys      []string // further accounts driven on this chain
	PackageID        string
	RegistryObjectID string // shared LockRegistry object
	ClockObjectID    string
	GasBudget        uint64
	FinalityDepth    uint64 // Checkpoints to wait for finality
	FinalityTimeout  time.Duration
	PollInterval     time.Duration
}

// API configuration
type API struct {
	Enabled         bool
	Port            int
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Coordinator configuration
type Coordinator struct {
	InstanceID           string
	LeaseTTL             time.Duration
	ClaimSafetyMargin    time.Duration
	MinLockWindow        time.Duration
	MinTimelockGap       time.Duration
	SweepInterval        time.Duration
	SweepStepTimeout     time.Duration // bound on one swap's run within a sweep
	MaxConcurrentSwaps   int
	ConfirmRevealOnChain bool

	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	RetryMaxAttempts     int

	FillRetryInitialInterval time.Duration
	FillRetryMaxInterval     time.Duration
	FillRetryMaxAttempts     int

	SecretKey        string // hex encoded 32 byte sealing key
	SecretPassphrase string
	SecretSalt       string
}

// Conversion configuration
type Conversion struct {
	DefaultSlippage decimal.Decimal
}

// Load reads .env (when present) and the environment
func Load() (*Config, error) {
	return LoadFile(".env")
}

// LoadFile reads the given dotenv file (when present) and the environment.
// Variables already set in the environment win over the file.
func LoadFile(path string) (*Config, error) {
	if path != "" {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	slippage, err := decimal.NewFromString(v.GetString("CONVERSION_DEFAULT_SLIPPAGE"))
	if err != nil {
		return nil, fmt.Errorf("invalid CONVERSION_DEFAULT_SLIPPAGE: %w", err)
	}

	cfg := &Config{
		Log: Log{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
		},
		Store: Store{
			Backend: strings.ToLower(v.GetString("STORE_BACKEND")),
			Datadir: v.GetString("STORE_DATADIR"),
		},
		Database: Database{
			Host:     v.GetString("DB_HOST"),
			Port:     v.GetInt("DB_PORT"),
			User:     v.GetString("DB_USER"),
			Password: v.GetString("DB_PASSWORD"),
			DBName:   v.GetString("DB_NAME"),
			SSLMode:  v.GetString("DB_SSL_MODE"),
		},
		Ethereum: Ethereum{
			ChainName:                 v.GetString("ETH_CHAIN_NAME"),
			HTTPUrl:                   v.GetString("ETH_HTTP_URL"),
			PrivateKey:                v.GetString("ETH_PRIVATE_KEY"),
			Address:                   v.GetString("ETH_ADDRESS"),
			AccountKeys:               splitList(v.GetString("ETH_ACCOUNT_KEYS")),
			ChainID:                   v.GetInt64("ETH_CHAIN_ID"),
			HTLCAddress:               v.GetString("ETH_HTLC_ADDRESS"),
			LimitOrderProtocolAddress: v.GetString("ETH_LIMIT_ORDER_PROTOCOL_ADDRESS"),
			GasLimit:                  v.GetUint64("ETH_GAS_LIMIT"),
			GasPrice:                  v.GetInt64("ETH_GAS_PRICE"),
			FinalityDepth:             v.GetUint64("ETH_FINALITY_DEPTH"),
			FinalityTimeout:           v.GetDuration("ETH_FINALITY_TIMEOUT"),
			PollInterval:              v.GetDuration("ETH_POLL_INTERVAL"),
		},
		Sui: Sui{
			ChainName:        v.GetString("SUI_CHAIN_NAME"),
			RPCUrl:           v.GetString("SUI_RPC_URL"),
			PrivateKey:       v.GetString("SUI_PRIVATE_KEY"),
			Address:          v.GetString("SUI_ADDRESS"),
			AccountKeys:      splitList(v.GetString("SUI_ACCOUNT_KEYS")),
			PackageID:        v.GetString("SUI_PACKAGE_ID"),
			RegistryObjectID: v.GetString("SUI_REGISTRY_OBJECT_ID"),
			ClockObjectID:    v.GetString("SUI_CLOCK_OBJECT_ID"),
			GasBudget:        v.GetUint64("SUI_GAS_BUDGET"),
			FinalityDepth:    v.GetUint64("SUI_FINALITY_DEPTH"),
			FinalityTimeout:  v.GetDuration("SUI_FINALITY_TIMEOUT"),
			PollInterval:     v.GetDuration("SUI_POLL_INTERVAL"),
		},
		API: API{
			Enabled:         v.GetBool("API_ENABLED"),
			Port:            v.GetInt("API_PORT"),
			Host:            v.GetString("API_HOST"),
			ReadTimeout:     v.GetDuration("API_READ_TIMEOUT"),
			WriteTimeout:    v.GetDuration("API_WRITE_TIMEOUT"),
			ShutdownTimeout: v.GetDuration("API_SHUTDOWN_TIMEOUT"),
		},
		Coordinator: Coordinator{
			InstanceID:               v.GetString("COORDINATOR_INSTANCE_ID"),
			LeaseTTL:                 v.GetDuration("COORDINATOR_LEASE_TTL"),
			ClaimSafetyMargin:        v.GetDuration("COORDINATOR_CLAIM_SAFETY_MARGIN"),
			MinLockWindow:            v.GetDuration("COORDINATOR_MIN_LOCK_WINDOW"),
			MinTimelockGap:           v.GetDuration("COORDINATOR_MIN_TIMELOCK_GAP"),
			SweepInterval:            v.GetDuration("COORDINATOR_SWEEP_INTERVAL"),
			SweepStepTimeout:         v.GetDuration("COORDINATOR_SWEEP_STEP_TIMEOUT"),
			MaxConcurrentSwaps:       v.GetInt("COORDINATOR_MAX_CONCURRENT_SWAPS"),
			ConfirmRevealOnChain:     v.GetBool("COORDINATOR_CONFIRM_REVEAL_ON_CHAIN"),
			RetryInitialInterval:     v.GetDuration("COORDINATOR_RETRY_INITIAL_INTERVAL"),
			RetryMaxInterval:         v.GetDuration("COORDINATOR_RETRY_MAX_INTERVAL"),
			RetryMaxAttempts:         v.GetInt("COORDINATOR_RETRY_MAX_ATTEMPTS"),
			FillRetryInitialInterval: v.GetDuration("COORDINATOR_FILL_RETRY_INITIAL_INTERVAL"),
			FillRetryMaxInterval:     v.GetDuration("COORDINATOR_FILL_RETRY_MAX_INTERVAL"),
			FillRetryMaxAttempts:     v.GetInt("COORDINATOR_FILL_RETRY_MAX_ATTEMPTS"),
			SecretKey:                v.GetString("SWAP_SECRET_KEY"),
			SecretPassphrase:         v.GetString("SWAP_SECRET_PASSPHRASE"),
			SecretSalt:               v.GetString("SWAP_SECRET_SALT"),
		},
		Conversion: Conversion{
			DefaultSlippage: slippage,
		},
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")

	v.SetDefault("STORE_BACKEND", StoreBadger)
	v.SetDefault("STORE_DATADIR", "data")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "swap_coordinator")
	v.SetDefault("DB_NAME", "swap_coordinator")
	v.SetDefault("DB_SSL_MODE", "disable")

	v.SetDefault("ETH_CHAIN_NAME", "ethereum")
	v.SetDefault("ETH_CHAIN_ID", 31337)
	v.SetDefault("ETH_GAS_LIMIT", 500000)
	v.SetDefault("ETH_GAS_PRICE", 0)
	v.SetDefault("ETH_FINALITY_DEPTH", 1) // 1 for forks, 6+ for mainnet
	v.SetDefault("ETH_POLL_INTERVAL", time.Second)
	v.SetDefault("ETH_FINALITY_TIMEOUT", 5*time.Minute)

	v.SetDefault("SUI_CHAIN_NAME", "sui")
	v.SetDefault("SUI_CLOCK_OBJECT_ID", "0x6")
	v.SetDefault("SUI_GAS_BUDGET", 100000000)
	v.SetDefault("SUI_FINALITY_DEPTH", 1)
	v.SetDefault("SUI_POLL_INTERVAL", 2*time.Second)
	v.SetDefault("SUI_FINALITY_TIMEOUT", 2*time.Minute)

	v.SetDefault("API_ENABLED", true)
	v.SetDefault("API_PORT", 8080)
	v.SetDefault("API_HOST", "localhost")
	v.SetDefault("API_READ_TIMEOUT", 10*time.Second)
	v.SetDefault("API_WRITE_TIMEOUT", 10*time.Second)
	v.SetDefault("API_SHUTDOWN_TIMEOUT", 5*time.Second)

	v.SetDefault("COORDINATOR_LEASE_TTL", 2*time.Minute)
	v.SetDefault("COORDINATOR_CLAIM_SAFETY_MARGIN", 10*time.Minute)
	v.SetDefault("COORDINATOR_MIN_LOCK_WINDOW", 15*time.Minute)
	v.SetDefault("COORDINATOR_MIN_TIMELOCK_GAP", 30*time.Minute)
	v.SetDefault("COORDINATOR_SWEEP_INTERVAL", 30*time.Second)
	v.SetDefault("COORDINATOR_SWEEP_STEP_TIMEOUT", 10*time.Minute)
	v.SetDefault("COORDINATOR_MAX_CONCURRENT_SWAPS", 16)
	v.SetDefault("COORDINATOR_CONFIRM_REVEAL_ON_CHAIN", true)
	v.SetDefault("COORDINATOR_RETRY_INITIAL_INTERVAL", 500*time.Millisecond)
	v.SetDefault("COORDINATOR_RETRY_MAX_INTERVAL", 30*time.Second)
	v.SetDefault("COORDINATOR_RETRY_MAX_ATTEMPTS", 5)
	v.SetDefault("COORDINATOR_FILL_RETRY_INITIAL_INTERVAL", 200*time.Millisecond)
	v.SetDefault("COORDINATOR_FILL_RETRY_MAX_INTERVAL", 5*time.Second)
	v.SetDefault("COORDINATOR_FILL_RETRY_MAX_ATTEMPTS", 12)

	v.SetDefault("CONVERSION_DEFAULT_SLIPPAGE", "0.005")
}

// Validate checks the values the daemon cannot run without
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case StoreBadger:
	case StorePostgres:
		if c.Database.Password == "" {
			return fmt.Errorf("DB_PASSWORD is required for the postgres store")
		}
	default:
		return fmt.Errorf("unsupported store backend: %s", c.Store.Backend)
	}

	if c.Coordinator.SecretKey == "" && c.Coordinator.SecretPassphrase == "" {
		return fmt.Errorf("one of SWAP_SECRET_KEY or SWAP_SECRET_PASSPHRASE is required")
	}
	if c.Coordinator.SecretPassphrase != "" && c.Coordinator.SecretSalt == "" {
		return fmt.Errorf("SWAP_SECRET_SALT is required with SWAP_SECRET_PASSPHRASE")
	}
	if c.Coordinator.LeaseTTL <= 0 {
		return fmt.Errorf("COORDINATOR_LEASE_TTL must be positive")
	}
	if c.Coordinator.RetryMaxAttempts < 1 || c.Coordinator.FillRetryMaxAttempts < 1 {
		return fmt.Errorf("retry attempts must be at least 1")
	}
	if c.Conversion.DefaultSlippage.IsNegative() || c.Conversion.DefaultSlippage.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("CONVERSION_DEFAULT_SLIPPAGE must be in [0, 1)")
	}

	if c.Ethereum.Enabled() {
		if err := requireAll(map[string]string{
			"ETH_PRIVATE_KEY":  c.Ethereum.PrivateKey,
			"ETH_HTLC_ADDRESS": c.Ethereum.HTLCAddress,
		}); err != nil {
			return err
		}
	}
	if c.Sui.Enabled() {
		if err := requireAll(map[string]string{
			"SUI_PRIVATE_KEY":        c.Sui.PrivateKey,
			"SUI_PACKAGE_ID":         c.Sui.PackageID,
			"SUI_REGISTRY_OBJECT_ID": c.Sui.RegistryObjectID,
		}); err != nil {
			return err
		}
	}
	if !c.Ethereum.Enabled() && !c.Sui.Enabled() {
		return fmt.Errorf("no chain configured: set ETH_HTTP_URL and/or SUI_RPC_URL")
	}
	return nil
}

func requireAll(values map[string]string) error {
	var missing []string
	for key, value := range values {
		if value == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("required environment variables not set: %s", strings.Join(missing, ", "))
	}
	return nil
}

// splitList parses a comma separated variable, dropping empty entries
func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Enabled reports whether an Ethereum endpoint is configured
func (e Ethereum) Enabled() bool { return e.HTTPUrl != "" }

// Enabled reports whether a Sui endpoint is configured
func (s Sui) Enabled() bool { return s.RPCUrl != "" }

// DSN returns the lib/pq connection string
func (d Database) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// RetryPolicy builds the policy used for lock, claim and refund transactions
func (c Coordinator) RetryPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.InitialInterval = c.RetryInitialInterval
	p.MaxInterval = c.RetryMaxInterval
	p.MaxAttempts = uint64(c.RetryMaxAttempts)
	return p
}

// FillRetryPolicy builds the aggressive policy used to fill conversion orders
func (c Coordinator) FillRetryPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.InitialInterval = c.FillRetryInitialInterval
	p.MaxInterval = c.FillRetryMaxInterval
	p.MaxAttempts = uint64(c.FillRetryMaxAttempts)
	p.Multiplier = 1.5
	return p
}
