package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/1inch/swap-coordinator/internal/adapters"
	"github.com/1inch/swap-coordinator/internal/adapters/memchain"
	"github.com/1inch/swap-coordinator/internal/config"
	"github.com/1inch/swap-coordinator/internal/coordinator"
	"github.com/1inch/swap-coordinator/internal/metrics"
	"github.com/1inch/swap-coordinator/internal/registry"
	"github.com/1inch/swap-coordinator/internal/secret"
	"github.com/1inch/swap-coordinator/internal/types"
)

const (
	simChainA    = "ethereum"
	simChainB    = "sui"
	simAssetA    = "ETH"
	simAssetB    = "SUI"
	simDecimalsA = 18
	simDecimalsB = 9
	simAlice     = "alice"
	simBob       = "bob"
)

type simOptions struct {
	amountA     string
	amountB     string
	refund      bool
	claimFaults int
}

func simulateCmd() *cobra.Command {
	var opts simOptions

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a swap against in-memory chains",
		Long: `Run a swap between alice on ethereum and bob on sui using in-memory ledgers
and a simulated clock. With --refund both legs are locked, the swap is cancelled
and the clock is moved past both timelocks.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := simulate(cmd.Context(), opts, cmd.OutOrStdout())
			if err != nil {
				return &swapFailure{rec: rec, err: err}
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.amountA, "amount-a", "1", "ETH alice locks on ethereum")
	flags.StringVar(&opts.amountB, "amount-b", "2000", "SUI bob locks on sui")
	flags.BoolVar(&opts.refund, "refund", false, "Cancel after both legs are locked and refund at the timelocks")
	flags.IntVar(&opts.claimFaults, "claim-faults", 0, "Transport failures injected into the claims on each chain")
	return cmd
}

func simulate(ctx context.Context, opts simOptions, out io.Writer) (*types.SwapRecord, error) {
	amountA, err := parseAmount(opts.amountA, simDecimalsA)
	if err != nil {
		return nil, fmt.Errorf("amount A: %w", err)
	}
	amountB, err := parseAmount(opts.amountB, simDecimalsB)
	if err != nil {
		return nil, fmt.Errorf("amount B: %w", err)
	}

	cfg, err := config.LoadFile("")
	if err != nil {
		return nil, err
	}
	cfg.Coordinator.RetryInitialInterval = 10 * time.Millisecond
	cfg.Coordinator.RetryMaxInterval = 50 * time.Millisecond

	clock := clockwork.NewFakeClockAt(time.Now().UTC().Truncate(time.Second))
	ledgerA := memchain.NewLedger(simChainA, clock)
	ledgerB := memchain.NewLedger(simChainB, clock)
	ledgerA.Mint(simAlice, simAssetA, amountA)
	ledgerB.Mint(simBob, simAssetB, amountB)
	if opts.claimFaults > 0 {
		ledgerA.FailNext(memchain.OpClaim, types.Transport(memchain.OpClaim, fmt.Errorf("connection reset")), opts.claimFaults)
		ledgerB.FailNext(memchain.OpClaim, types.Transport(memchain.OpClaim, fmt.Errorf("connection reset")), opts.claimFaults)
	}

	reg, err := registry.NewBadgerRegistry("", log.WithField("component", "badger"), clock)
	if err != nil {
		return nil, err
	}
	defer reg.Close()

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate sealing key: %w", err)
	}
	sealer, err := secret.NewSealer(key)
	if err != nil {
		return nil, err
	}

	coord, err := coordinator.New(coordinator.Options{
		Registry: reg,
		Adapters: adapters.NewSet(
			ledgerA.Account(simAlice), ledgerA.Account(simBob),
			ledgerB.Account(simAlice), ledgerB.Account(simBob),
		),
		Converters: adapters.NewConverters(ledgerA.Converter()),
		Sealer:     sealer,
		Clock:      clock,
		Config:     cfg.Coordinator,
		Metrics:    metrics.New(),
	})
	if err != nil {
		return nil, err
	}

	now := clock.Now()
	rec, err := coord.Initiate(ctx, coordinator.InitiateParams{
		LegA: types.LegTerms{
			Chain: simChainA, Asset: simAssetA, Amount: amountA,
			Sender: simAlice, Receiver: simBob, Timelock: now.Add(2 * time.Hour),
		},
		LegB: types.LegTerms{
			Chain: simChainB, Asset: simAssetB, Amount: amountB,
			Sender: simBob, Receiver: simAlice, Timelock: now.Add(time.Hour),
		},
	})
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(out, "initiated swap %s (hashlock %s)\n", rec.SwapID, rec.Hashlock.Hex())

	if opts.refund {
		rec, err = simulateRefund(ctx, coord, clock, rec.SwapID)
	} else {
		rec, err = coord.Run(ctx, rec.SwapID)
	}
	if rec != nil {
		printHistory(out, rec)
	}
	fmt.Fprintln(out, "balances:")
	for _, acct := range []string{simAlice, simBob} {
		fmt.Fprintf(out, "  %-6s %s %s, %s %s\n", acct,
			formatAmount(ledgerA.Balance(acct, simAssetA), simDecimalsA), simAssetA,
			formatAmount(ledgerB.Balance(acct, simAssetB), simDecimalsB), simAssetB)
	}
	return rec, err
}

func simulateRefund(ctx context.Context, coord *coordinator.Coordinator, clock clockwork.FakeClock, swapID string) (*types.SwapRecord, error) {
	for i := 0; i < 2; i++ {
		if _, err := coord.Advance(ctx, swapID); err != nil {
			return nil, err
		}
	}
	rec, err := coord.Cancel(ctx, swapID)
	if err != nil {
		return rec, err
	}

	clock.Advance(rec.LegB.Timelock.Sub(clock.Now()) + time.Second)
	if rec, err = coord.Run(ctx, swapID); err != nil {
		return rec, err
	}
	clock.Advance(rec.LegA.Timelock.Sub(clock.Now()) + time.Second)
	return coord.Run(ctx, swapID)
}

func printHistory(w io.Writer, rec *types.SwapRecord) {
	fmt.Fprintf(w, "phase: %s\n", rec.Phase)
	start := rec.CreatedAt
	for _, tr := range rec.History {
		fmt.Fprintf(w, "  +%-8s %-15s %s\n", tr.At.Sub(start).Round(time.Second), tr.To, tr.Note)
	}
}
