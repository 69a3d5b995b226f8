package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/1inch/swap-coordinator/internal/config"
	"github.com/1inch/swap-coordinator/internal/coordinator"
	"github.com/1inch/swap-coordinator/internal/daemon"
	"github.com/1inch/swap-coordinator/internal/types"
)

var envFile string

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		reportError(os.Stderr, err)
		cancel()
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "swapctl",
	Short: "Operate cross-chain HTLC swaps",
	Long: `swapctl drives swaps through the coordinator state machine.

Commands open the configured registry directly. With the default badger store
the coordinator daemon must not be running against the same data directory.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	log.SetOutput(os.Stderr)
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "Path to the dotenv file")

	rootCmd.AddCommand(
		initiateCmd(),
		swapCmd("advance", "Perform exactly one phase step", (*coordinator.Coordinator).Advance),
		swapCmd("run", "Step the swap until it is terminal or waiting on time", (*coordinator.Coordinator).Run),
		swapCmd("cancel", "Cancel a swap before the secret is revealed", (*coordinator.Coordinator).Cancel),
		swapCmd("force-refund", "Move the swap to the refund path and refund elapsed legs", (*coordinator.Coordinator).ForceRefund),
		statusCmd(),
		listCmd(),
		recoverCmd(),
		purgeCmd(),
		simulateCmd(),
	)
}

// swapFailure carries the swap state of a failed command
type swapFailure struct {
	rec *types.SwapRecord
	err error
}

func (e *swapFailure) Error() string { return e.err.Error() }
func (e *swapFailure) Unwrap() error { return e.err }

// reportError prints the error with the swap phase and error kind
func reportError(w io.Writer, err error) {
	fmt.Fprintf(w, "Error: %v\n", err)

	var failure *swapFailure
	if errors.As(err, &failure) && failure.rec != nil {
		fmt.Fprintf(w, "phase: %s\n", failure.rec.Phase)
	}
	if kind := types.KindOf(err); kind != types.KindUnknown {
		fmt.Fprintf(w, "kind: %s\n", kind)
	}
}

type session struct {
	cfg   *config.Config
	coord *coordinator.Coordinator
	close func()
}

// openSession builds a coordinator on the configured chains and registry
func openSession(ctx context.Context) (*session, error) {
	cfg, err := config.LoadFile(envFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Log.Setup(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	cfg.API.Enabled = false

	d, err := daemon.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := d.Boot(ctx); err != nil {
		d.Close()
		return nil, err
	}
	return &session{cfg: cfg, coord: d.Coordinator(), close: d.Close}, nil
}

func withSession(cmd *cobra.Command, fn func(ctx context.Context, s *session) error) error {
	ctx := cmd.Context()
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.close()
	return fn(ctx, s)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
