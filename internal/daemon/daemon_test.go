package daemon

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/1inch/swap-coordinator/internal/config"
)

const (
	ethKey     = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	ethAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	ethKey2    = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFile("")
	require.NoError(t, err)

	cfg.Store.Datadir = ""
	cfg.API.Enabled = false
	cfg.Coordinator.SecretKey = strings.Repeat("07", 32)

	cfg.Ethereum.HTTPUrl = "http://127.0.0.1:1"
	cfg.Ethereum.PrivateKey = ethKey
	cfg.Ethereum.AccountKeys = []string{ethKey2}
	cfg.Ethereum.HTLCAddress = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	cfg.Ethereum.LimitOrderProtocolAddress = "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"

	cfg.Sui.RPCUrl = "http://127.0.0.1:1"
	cfg.Sui.PrivateKey = strings.Repeat("01", 32)
	cfg.Sui.PackageID = "0x2a"
	cfg.Sui.RegistryObjectID = "0x2b"
	return cfg
}

func TestNewAdapters(t *testing.T) {
	cfg := testConfig(t)

	set, converters, err := NewAdapters(cfg, nil)
	require.NoError(t, err)
	require.Len(t, set.All(), 3)

	a, err := set.For("ethereum", ethAddress)
	require.NoError(t, err)
	require.Equal(t, ethAddress, a.Address())

	conv, err := converters.For("ethereum")
	require.NoError(t, err)
	require.Equal(t, "ethereum", conv.ChainID())

	_, err = converters.For("sui")
	require.Error(t, err)
}

func TestNewAdapters_BadKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ethereum.AccountKeys = []string{"not-a-key"}

	_, _, err := NewAdapters(cfg, nil)
	require.ErrorContains(t, err, "Ethereum adapter 1")
}

func TestNewSealer(t *testing.T) {
	s, err := NewSealer(config.Coordinator{SecretKey: strings.Repeat("07", 32)})
	require.NoError(t, err)
	require.NotNil(t, s)

	s, err = NewSealer(config.Coordinator{SecretPassphrase: "correct horse", SecretSalt: "battery"})
	require.NoError(t, err)
	require.NotNil(t, s)

	_, err = NewSealer(config.Coordinator{})
	require.Error(t, err)
}

func TestNew_BootFailsWithoutNodes(t *testing.T) {
	d, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)
	defer d.Close()

	require.NotNil(t, d.Coordinator())
	require.Nil(t, d.apiServer)

	err = d.Boot(context.Background())
	require.ErrorContains(t, err, "failed to connect")
}
