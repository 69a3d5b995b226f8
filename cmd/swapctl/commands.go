package main

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/1inch/swap-coordinator/internal/api"
	"github.com/1inch/swap-coordinator/internal/coordinator"
	"github.com/1inch/swap-coordinator/internal/types"
)

// legFlags are the flags describing one leg
type legFlags struct {
	chain    string
	asset    string
	amount   string
	decimals int32
	sender   string
	receiver string
	timelock time.Duration
}

func (f *legFlags) bind(cmd *cobra.Command, leg string, timelock time.Duration) {
	flags := cmd.Flags()
	flags.StringVar(&f.chain, "chain-"+leg, "", "Chain of leg "+leg)
	flags.StringVar(&f.asset, "asset-"+leg, "", "Asset of leg "+leg+" (empty for the native asset)")
	flags.StringVar(&f.amount, "amount-"+leg, "", "Decimal amount of leg "+leg)
	flags.Int32Var(&f.decimals, "decimals-"+leg, 18, "Decimals of the leg "+leg+" asset")
	flags.StringVar(&f.sender, "sender-"+leg, "", "Sender of leg "+leg)
	flags.StringVar(&f.receiver, "receiver-"+leg, "", "Receiver of leg "+leg)
	flags.DurationVar(&f.timelock, "timelock-"+leg, timelock, "Timelock of leg "+leg+", relative to now")
	_ = cmd.MarkFlagRequired("chain-" + leg)
	_ = cmd.MarkFlagRequired("amount-" + leg)
	_ = cmd.MarkFlagRequired("sender-" + leg)
	_ = cmd.MarkFlagRequired("receiver-" + leg)
}

func (f *legFlags) terms(now time.Time) (types.LegTerms, error) {
	amount, err := parseAmount(f.amount, f.decimals)
	if err != nil {
		return types.LegTerms{}, err
	}
	return types.LegTerms{
		Chain:    f.chain,
		Asset:    f.asset,
		Amount:   amount,
		Sender:   f.sender,
		Receiver: f.receiver,
		Timelock: now.Add(f.timelock),
	}, nil
}

// conversionFlags settle leg A through an order fill
type conversionFlags struct {
	takerAsset string
	expected   string
	decimals   int32
	slippage   string
}

func (f *conversionFlags) bind(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&f.takerAsset, "convert-to", "", "Settle leg A through an order paying this asset")
	flags.StringVar(&f.expected, "expected-output", "", "Decimal amount the order is expected to pay")
	flags.Int32Var(&f.decimals, "output-decimals", 6, "Decimals of the output asset")
	flags.StringVar(&f.slippage, "slippage", "", "Slippage tolerance as a fraction, 0.01 = 1% (default from config)")
}

func (f *conversionFlags) terms(defaultSlippage decimal.Decimal) (*types.ConversionTerms, error) {
	if f.takerAsset == "" {
		return nil, nil
	}
	expected, err := parseAmount(f.expected, f.decimals)
	if err != nil {
		return nil, fmt.Errorf("expected output: %w", err)
	}
	slippage := defaultSlippage
	if f.slippage != "" {
		if slippage, err = decimal.NewFromString(f.slippage); err != nil {
			return nil, fmt.Errorf("invalid slippage %q: %w", f.slippage, err)
		}
	}
	return &types.ConversionTerms{
		TakerAsset:        f.takerAsset,
		ExpectedOutput:    expected,
		SlippageTolerance: slippage,
	}, nil
}

func initiateCmd() *cobra.Command {
	var (
		swapID     string
		legA, legB legFlags
		conversion conversionFlags
	)

	cmd := &cobra.Command{
		Use:   "initiate",
		Short: "Create a swap between two chains",
		Long: `Create a swap. Leg B is locked first and carries the shorter timelock; leg A
is claimed last with the secret revealed on leg B.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, s *session) error {
				now := time.Now().UTC()
				a, err := legA.terms(now)
				if err != nil {
					return fmt.Errorf("leg A: %w", err)
				}
				b, err := legB.terms(now)
				if err != nil {
					return fmt.Errorf("leg B: %w", err)
				}
				if a.Conversion, err = conversion.terms(s.cfg.Conversion.DefaultSlippage); err != nil {
					return err
				}

				rec, err := s.coord.Initiate(ctx, coordinator.InitiateParams{SwapID: swapID, LegA: a, LegB: b})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), api.NewSwapView(rec))
			})
		},
	}

	cmd.Flags().StringVar(&swapID, "id", "", "Swap id (generated when empty)")
	legA.bind(cmd, "a", 2*time.Hour)
	legB.bind(cmd, "b", time.Hour)
	conversion.bind(cmd)
	return cmd
}

// swapCmd wraps a coordinator operation taking a swap id
func swapCmd(use, short string, op func(*coordinator.Coordinator, context.Context, string) (*types.SwapRecord, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [swap-id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, s *session) error {
				rec, err := op(s.coord, ctx, args[0])
				if err != nil {
					return &swapFailure{rec: rec, err: err}
				}
				return printJSON(cmd.OutOrStdout(), api.NewSwapView(rec))
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [swap-id]",
		Short: "Show the stored state of a swap",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, s *session) error {
				rec, err := s.coord.Status(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), api.NewSwapView(rec))
			})
		},
	}
}

func listCmd() *cobra.Command {
	var activeOnly bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List swaps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, s *session) error {
				records, err := s.coord.List(ctx, activeOnly)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, rec := range records {
					fmt.Fprintf(out, "%s\t%s\t%s -> %s\t%s\n",
						rec.SwapID, rec.Phase, rec.LegB.Chain, rec.LegA.Chain, rec.UpdatedAt.UTC().Format(time.RFC3339))
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&activeOnly, "active", false, "Only swaps a recovery sweep would visit")
	return cmd
}

func recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Run every active swap once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, s *session) error {
				report, err := s.coord.Recover(ctx)
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
				if len(report.Attention) > 0 {
					return fmt.Errorf("%d swaps need operator attention", len(report.Attention))
				}
				return nil
			})
		},
	}
}

func purgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge [swap-id]",
		Short: "Delete a settled swap whose legs are no longer open",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, s *session) error {
				if err := s.coord.Purge(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %s\n", args[0])
				return nil
			})
		},
	}
}
