package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestLoadFile_Defaults(t *testing.T) {
	cfg, err := LoadFile("")
	require.NoError(t, err)

	require.Equal(t, StoreBadger, cfg.Store.Backend)
	require.Equal(t, 5432, cfg.Database.Port)
	require.Equal(t, "ethereum", cfg.Ethereum.ChainName)
	require.Equal(t, "0x6", cfg.Sui.ClockObjectID)
	require.Equal(t, 2*time.Minute, cfg.Coordinator.LeaseTTL)
	require.Equal(t, 10*time.Minute, cfg.Coordinator.ClaimSafetyMargin)
	require.Equal(t, 10*time.Minute, cfg.Coordinator.SweepStepTimeout)
	require.Equal(t, 5*time.Minute, cfg.Ethereum.FinalityTimeout)
	require.Equal(t, 2*time.Minute, cfg.Sui.FinalityTimeout)
	require.Equal(t, "0.005", cfg.Conversion.DefaultSlippage.String())
	require.False(t, cfg.Ethereum.Enabled())
	require.False(t, cfg.Sui.Enabled())
}

func TestLoadFile_Environment(t *testing.T) {
	t.Setenv("STORE_BACKEND", "Postgres")
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("ETH_HTTP_URL", "http://localhost:8545")
	t.Setenv("ETH_PRIVATE_KEY", "0xkey")
	t.Setenv("ETH_HTLC_ADDRESS", "0xhtlc")
	t.Setenv("COORDINATOR_CLAIM_SAFETY_MARGIN", "90s")
	t.Setenv("COORDINATOR_RETRY_MAX_ATTEMPTS", "7")
	t.Setenv("SWAP_SECRET_KEY", "00")
	t.Setenv("ETH_ACCOUNT_KEYS", "0xaa, 0xbb,,")

	cfg, err := LoadFile("")
	require.NoError(t, err)
	require.Equal(t, []string{"0xaa", "0xbb"}, cfg.Ethereum.AccountKeys)
	require.Empty(t, cfg.Sui.AccountKeys)
	require.Equal(t, StorePostgres, cfg.Store.Backend)
	require.Equal(t, 90*time.Second, cfg.Coordinator.ClaimSafetyMargin)
	require.Equal(t, uint64(7), cfg.Coordinator.RetryPolicy().MaxAttempts)
	require.True(t, cfg.Ethereum.Enabled())
	require.Contains(t, cfg.Database.DSN(), "password=secret")
	require.NoError(t, cfg.Validate())
}

func TestLoadFile_DotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("SUI_RPC_URL=http://127.0.0.1:9000\nSUI_PACKAGE_ID=0xpkg\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("SUI_RPC_URL")
		os.Unsetenv("SUI_PACKAGE_ID")
	})

	// environment wins over the file
	t.Setenv("SUI_PACKAGE_ID", "0xfromenv")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, "http://127.0.0.1:9000", cfg.Sui.RPCUrl)
	require.Equal(t, "0xfromenv", cfg.Sui.PackageID)
}

func TestLoadFile_MissingFileIsIgnored(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
}

func TestValidate(t *testing.T) {
	base := func(t *testing.T) *Config {
		cfg, err := LoadFile("")
		require.NoError(t, err)
		cfg.Coordinator.SecretKey = "00"
		cfg.Sui.RPCUrl = "http://127.0.0.1:9000"
		cfg.Sui.PrivateKey = "suiprivkey"
		cfg.Sui.PackageID = "0xpkg"
		cfg.Sui.RegistryObjectID = "0xreg"
		return cfg
	}

	require.NoError(t, base(t).Validate())

	cases := map[string]func(c *Config){
		"unknown store":           func(c *Config) { c.Store.Backend = "sqlite" },
		"postgres needs password": func(c *Config) { c.Store.Backend = StorePostgres },
		"no secret key":           func(c *Config) { c.Coordinator.SecretKey = "" },
		"passphrase without salt": func(c *Config) { c.Coordinator.SecretKey = ""; c.Coordinator.SecretPassphrase = "pw" },
		"no chain":                func(c *Config) { c.Sui.RPCUrl = "" },
		"sui missing registry":    func(c *Config) { c.Sui.RegistryObjectID = "" },
		"eth missing htlc":        func(c *Config) { c.Ethereum.HTTPUrl = "http://x"; c.Ethereum.PrivateKey = "k" },
		"zero lease ttl":          func(c *Config) { c.Coordinator.LeaseTTL = 0 },
		"zero retry attempts":     func(c *Config) { c.Coordinator.RetryMaxAttempts = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base(t)
			mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestLogSetup(t *testing.T) {
	defer log.SetLevel(log.GetLevel())

	require.NoError(t, Log{Level: "debug", Format: "json"}.Setup())
	require.Equal(t, log.DebugLevel, log.GetLevel())

	require.Error(t, Log{Level: "loud"}.Setup())
	require.Error(t, Log{Level: "info", Format: "xml"}.Setup())
	require.NoError(t, Log{Level: "info", Format: "text"}.Setup())
}
