package daemon

import (
	"context"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/1inch/swap-coordinator/internal/adapters"
	"github.com/1inch/swap-coordinator/internal/api"
	"github.com/1inch/swap-coordinator/internal/config"
	"github.com/1inch/swap-coordinator/internal/coordinator"
	"github.com/1inch/swap-coordinator/internal/metrics"
	"github.com/1inch/swap-coordinator/internal/registry"
	"github.com/1inch/swap-coordinator/internal/scheduler"
	"github.com/1inch/swap-coordinator/internal/secret"
)

// Daemon orchestrates all components of the swap coordinator
type Daemon struct {
	config *config.Config

	// Storage
	registry registry.Registry

	// Blockchain adapters
	adapters   *adapters.Set
	converters *adapters.Converters

	// Core services
	metrics     *metrics.Metrics
	coordinator *coordinator.Coordinator
	scheduler   *scheduler.Scheduler
	apiServer   *api.Server

	// Lifecycle management
	stopFunc context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a daemon with adapters for every configured chain account
func New(ctx context.Context, cfg *config.Config) (*Daemon, error) {
	clock := clockwork.NewRealClock()

	set, converters, err := NewAdapters(cfg, clock)
	if err != nil {
		return nil, err
	}

	sealer, err := NewSealer(cfg.Coordinator)
	if err != nil {
		return nil, err
	}

	reg, err := registry.Open(ctx, cfg.Store, cfg.Database, clock)
	if err != nil {
		return nil, fmt.Errorf("failed to open swap registry: %w", err)
	}

	m := metrics.New()
	coord, err := coordinator.New(coordinator.Options{
		Registry:   reg,
		Adapters:   set,
		Converters: converters,
		Sealer:     sealer,
		Clock:      clock,
		Config:     cfg.Coordinator,
		Metrics:    m,
	})
	if err != nil {
		reg.Close()
		return nil, fmt.Errorf("failed to create coordinator: %w", err)
	}

	sched := scheduler.NewScheduler(coord, cfg.Coordinator.SweepInterval)
	coord.SetScheduler(sched)

	d := &Daemon{
		config:      cfg,
		registry:    reg,
		adapters:    set,
		converters:  converters,
		metrics:     m,
		coordinator: coord,
		scheduler:   sched,
	}
	if cfg.API.Enabled {
		d.apiServer = api.NewServer(cfg.API, coord, m.Handler(), cfg.Conversion.DefaultSlippage)
	}
	return d, nil
}

// NewAdapters builds one adapter per configured key and the order converter
// when a limit order protocol is configured.
func NewAdapters(cfg *config.Config, clock clockwork.Clock) (*adapters.Set, *adapters.Converters, error) {
	set := adapters.NewSet()
	var list []adapters.AssetConverter

	if cfg.Ethereum.Enabled() {
		for i, key := range append([]string{cfg.Ethereum.PrivateKey}, cfg.Ethereum.AccountKeys...) {
			ethCfg := cfg.Ethereum
			ethCfg.PrivateKey = key
			if i > 0 {
				ethCfg.Address = ""
			}
			a, err := adapters.NewEVMAdapter(ethCfg, clock)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to create Ethereum adapter %d: %w", i, err)
			}
			set.Add(a)

			// orders are signed by the primary account
			if i == 0 && cfg.Ethereum.LimitOrderProtocolAddress != "" {
				conv, err := adapters.NewEVMOrderConverter(a, cfg.Ethereum.LimitOrderProtocolAddress)
				if err != nil {
					return nil, nil, fmt.Errorf("failed to create order converter: %w", err)
				}
				list = append(list, conv)
			}
		}
	}

	if cfg.Sui.Enabled() {
		for i, key := range append([]string{cfg.Sui.PrivateKey}, cfg.Sui.AccountKeys...) {
			suiCfg := cfg.Sui
			suiCfg.PrivateKey = key
			if i > 0 {
				suiCfg.Address = ""
			}
			a, err := adapters.NewSuiAdapter(suiCfg, clock)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to create Sui adapter %d: %w", i, err)
			}
			set.Add(a)
		}
	}

	return set, adapters.NewConverters(list...), nil
}

// NewSealer builds the secret sealer from a raw key or a passphrase
func NewSealer(cfg config.Coordinator) (*secret.Sealer, error) {
	if cfg.SecretKey != "" {
		return secret.NewSealerFromHex(cfg.SecretKey)
	}
	return secret.NewSealerFromPassphrase(cfg.SecretPassphrase, cfg.SecretSalt)
}

// Coordinator exposes the swap coordinator for one-shot callers
func (d *Daemon) Coordinator() *coordinator.Coordinator {
	return d.coordinator
}

// Start starts all components and blocks until ctx is done
func (d *Daemon) Start(ctx context.Context) error {
	log.Info("Starting swap coordinator")

	ctx, cancel := context.WithCancel(ctx)
	d.stopFunc = cancel

	if err := d.Boot(ctx); err != nil {
		cancel()
		return fmt.Errorf("boot sequence failed: %w", err)
	}

	d.logStartupInfo()

	// Resume swaps left behind by a previous run before taking new work
	report, err := d.coordinator.Recover(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("recovery sweep failed: %w", err)
	}
	for _, swapID := range report.Attention {
		log.WithField("swap_id", swapID).Warn("Swap needs operator attention")
	}

	if err := d.scheduler.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	log.WithField("pending", len(d.scheduler.Pending())).Info("Timelock checks armed")

	if d.apiServer != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.apiServer.Start(ctx); err != nil {
				log.WithError(err).Error("API server error")
				cancel()
			}
		}()
	}

	log.Info("All coordinator components started successfully")

	<-ctx.Done()

	log.Info("Coordinator shutdown initiated")
	return nil
}

// Boot connects and validates every adapter
func (d *Daemon) Boot(ctx context.Context) error {
	log.Info("Performing boot sequence...")

	all := d.adapters.All()
	if len(all) == 0 {
		return fmt.Errorf("no chain adapters configured")
	}

	log.Info("1. Connecting to blockchain adapters...")
	for _, a := range all {
		if err := a.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect to %s as %s: %w", a.ChainID(), a.Address(), err)
		}
	}

	log.Info("2. Validating chain configurations...")
	for _, a := range all {
		if err := a.Validate(ctx); err != nil {
			return fmt.Errorf("%s validation failed: %w", a.ChainID(), err)
		}
	}

	log.Info("Boot sequence completed successfully")
	return nil
}

// Stop gracefully stops all components
func (d *Daemon) Stop() {
	log.Info("Stopping coordinator components")

	if d.stopFunc != nil {
		d.stopFunc()
	}

	d.scheduler.Stop()
	d.wg.Wait()

	d.Close()
	log.Info("Coordinator stopped successfully")
}

// Close releases adapters and the registry
func (d *Daemon) Close() {
	for _, a := range d.adapters.All() {
		if err := a.Close(); err != nil {
			log.WithError(err).WithField("chain", a.ChainID()).Warn("Failed to close adapter")
		}
	}
	if err := d.registry.Close(); err != nil {
		log.WithError(err).Warn("Failed to close swap registry")
	}
}

// logStartupInfo logs the effective configuration
func (d *Daemon) logStartupInfo() {
	cfg := d.config

	log.Info("=== Swap Coordinator Configuration ===")
	log.Infof("Instance: %s", d.coordinator.Owner())
	for _, a := range d.adapters.All() {
		log.Infof("Adapter: chain=%s account=%s", a.ChainID(), a.Address())
	}
	log.Infof("Store: %s", cfg.Store.Backend)
	log.Infof("Claim Safety Margin: %v", cfg.Coordinator.ClaimSafetyMargin)
	log.Infof("Min Lock Window: %v", cfg.Coordinator.MinLockWindow)
	log.Infof("Min Timelock Gap: %v", cfg.Coordinator.MinTimelockGap)
	log.Infof("Sweep Interval: %v", cfg.Coordinator.SweepInterval)
	log.Infof("Max Concurrent Swaps: %d", cfg.Coordinator.MaxConcurrentSwaps)
	if d.apiServer != nil {
		log.Infof("API Server: %s:%d", cfg.API.Host, cfg.API.Port)
	}
	log.Info("======================================")
}
