package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/1inch/swap-coordinator/internal/config"
	"github.com/1inch/swap-coordinator/internal/coordinator"
	"github.com/1inch/swap-coordinator/internal/registry"
	"github.com/1inch/swap-coordinator/internal/types"
)

type fakeSwaps struct {
	records   map[string]*types.SwapRecord
	initiated *coordinator.InitiateParams
	actions   []string
	actionErr error
}

func newFakeSwaps() *fakeSwaps {
	return &fakeSwaps{records: make(map[string]*types.SwapRecord)}
}

func (f *fakeSwaps) add(rec *types.SwapRecord) { f.records[rec.SwapID] = rec }

func (f *fakeSwaps) get(swapID string) (*types.SwapRecord, error) {
	rec, ok := f.records[swapID]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", swapID, registry.ErrSwapNotFound)
	}
	return rec, nil
}

func (f *fakeSwaps) Initiate(ctx context.Context, p coordinator.InitiateParams) (*types.SwapRecord, error) {
	f.initiated = &p
	intent, err := types.NewSwapIntent("swap-new", p.LegA, p.LegB, types.Hash{1})
	if err != nil {
		return nil, err
	}
	rec := types.NewSwapRecord(intent, []byte("sealed"), time.Unix(0, 0))
	f.add(rec)
	return rec, nil
}

func (f *fakeSwaps) act(action, swapID string) (*types.SwapRecord, error) {
	f.actions = append(f.actions, action+":"+swapID)
	rec, err := f.get(swapID)
	if err != nil {
		return nil, err
	}
	return rec, f.actionErr
}

func (f *fakeSwaps) Advance(ctx context.Context, swapID string) (*types.SwapRecord, error) {
	return f.act("advance", swapID)
}

func (f *fakeSwaps) Run(ctx context.Context, swapID string) (*types.SwapRecord, error) {
	return f.act("run", swapID)
}

func (f *fakeSwaps) Status(ctx context.Context, swapID string) (*types.SwapRecord, error) {
	return f.get(swapID)
}

func (f *fakeSwaps) List(ctx context.Context, activeOnly bool) ([]*types.SwapRecord, error) {
	var out []*types.SwapRecord
	for _, rec := range f.records {
		if activeOnly && rec.Phase.IsTerminal() {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (f *fakeSwaps) Cancel(ctx context.Context, swapID string) (*types.SwapRecord, error) {
	return f.act("cancel", swapID)
}

func (f *fakeSwaps) ForceRefund(ctx context.Context, swapID string) (*types.SwapRecord, error) {
	return f.act("refund", swapID)
}

func (f *fakeSwaps) Purge(ctx context.Context, swapID string) error {
	rec, err := f.get(swapID)
	if err != nil {
		return err
	}
	if !rec.Phase.IsSettled() {
		return types.Validation("purge", "swap %s is %s", swapID, rec.Phase)
	}
	delete(f.records, swapID)
	return nil
}

func (f *fakeSwaps) Recover(ctx context.Context) (*coordinator.SweepReport, error) {
	return &coordinator.SweepReport{Swept: []string{"swap-1"}}, nil
}

func testRecord(t *testing.T, swapID string, phase types.Phase) *types.SwapRecord {
	t.Helper()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	intent, err := types.NewSwapIntent(swapID,
		types.LegTerms{Chain: "ethereum", Asset: "ETH", Amount: big.NewInt(100), Sender: "alice", Receiver: "bob", Timelock: now.Add(2 * time.Hour)},
		types.LegTerms{Chain: "sui", Asset: "SUI", Amount: big.NewInt(500), Sender: "bob", Receiver: "alice", Timelock: now.Add(time.Hour)},
		types.Hash{9},
	)
	require.NoError(t, err)
	rec := types.NewSwapRecord(intent, []byte("sealed-secret"), now)
	rec.Phase = phase
	return rec
}

func newTestServer(swaps SwapService) http.Handler {
	cfg := config.API{Host: "localhost", Port: 0, ShutdownTimeout: time.Second}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "swap_coordinator_retries_total 0")
	})
	return NewServer(cfg, swaps, metrics, decimal.RequireFromString("0.005")).Handler()
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthAndMetrics(t *testing.T) {
	h := newTestServer(newFakeSwaps())

	rr := do(t, h, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "healthy")
	require.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))

	rr = do(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "swap_coordinator_retries_total")

	rr = do(t, h, http.MethodOptions, "/swaps", nil)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestInitiate(t *testing.T) {
	swaps := newFakeSwaps()
	h := newTestServer(swaps)
	now := time.Now().UTC()

	rr := do(t, h, http.MethodPost, "/swaps", InitiateRequest{
		LegA: LegRequest{
			Chain: "ethereum", Asset: "ETH", Amount: "1000000000000000000000",
			Sender: "alice", Receiver: "bob", Timelock: now.Add(2 * time.Hour),
			Conversion: &ConversionRequest{TakerAsset: "USDC", ExpectedOutput: "3000"},
		},
		LegB: LegRequest{
			Chain: "sui", Asset: "SUI", Amount: "500",
			Sender: "bob", Receiver: "alice", Timelock: now.Add(time.Hour),
		},
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	p := swaps.initiated
	require.NotNil(t, p)
	want, _ := new(big.Int).SetString("1000000000000000000000", 10)
	require.Zero(t, want.Cmp(p.LegA.Amount))
	require.True(t, decimal.RequireFromString("0.005").Equal(p.LegA.Conversion.SlippageTolerance))
	require.Zero(t, big.NewInt(3000).Cmp(p.LegA.Conversion.ExpectedOutput))

	var view SwapView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
	require.Equal(t, "swap-new", view.SwapID)
	require.Equal(t, types.PhaseInitiated, view.Phase)
	require.Equal(t, "1000000000000000000000", view.LegA.Amount)
	require.NotContains(t, rr.Body.String(), "secret")
}

func TestInitiate_BadRequests(t *testing.T) {
	h := newTestServer(newFakeSwaps())
	now := time.Now().UTC()

	rr := do(t, h, http.MethodPost, "/swaps", "not an object")
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPost, "/swaps", InitiateRequest{
		LegA: LegRequest{Chain: "ethereum", Amount: "12abc"},
	})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, rr.Body.String(), "Invalid leg_a")

	// rejected by intent validation: B must expire before A
	rr = do(t, h, http.MethodPost, "/swaps", InitiateRequest{
		LegA: LegRequest{Chain: "ethereum", Amount: "1", Sender: "a", Receiver: "b", Timelock: now.Add(time.Hour)},
		LegB: LegRequest{Chain: "sui", Amount: "1", Sender: "b", Receiver: "a", Timelock: now.Add(2 * time.Hour)},
	})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, rr.Body.String(), string(types.KindValidation))
}

func TestStatusAndList(t *testing.T) {
	swaps := newFakeSwaps()
	swaps.add(testRecord(t, "swap-1", types.PhaseLegBLocked))
	swaps.add(testRecord(t, "swap-2", types.PhaseRefunded))
	h := newTestServer(swaps)

	rr := do(t, h, http.MethodGet, "/swaps/swap-1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var view SwapView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
	require.Equal(t, types.PhaseLegBLocked, view.Phase)
	require.Equal(t, "500", view.LegB.Amount)
	require.NotContains(t, rr.Body.String(), "sealed-secret")

	rr = do(t, h, http.MethodGet, "/swaps/missing", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, h, http.MethodGet, "/swaps", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var list SwapsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Equal(t, 2, list.Count)

	rr = do(t, h, http.MethodGet, "/swaps?active=true", nil)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Equal(t, 1, list.Count)
	require.Equal(t, "swap-1", list.Swaps[0].SwapID)
}

func TestActions(t *testing.T) {
	swaps := newFakeSwaps()
	swaps.add(testRecord(t, "swap-1", types.PhaseInitiated))
	h := newTestServer(swaps)

	for _, action := range []string{"advance", "run", "cancel", "refund"} {
		rr := do(t, h, http.MethodPost, "/swaps/swap-1/"+action, nil)
		require.Equal(t, http.StatusOK, rr.Code, action)
	}
	require.Equal(t, []string{"advance:swap-1", "run:swap-1", "cancel:swap-1", "refund:swap-1"}, swaps.actions)

	rr := do(t, h, http.MethodPost, "/swaps/swap-1/explode", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, h, http.MethodGet, "/swaps/swap-1/run", nil)
	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestActions_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"lease held", fmt.Errorf("acquire: %w", registry.ErrLeaseHeld), http.StatusConflict},
		{"validation", types.Validation("cancel", "secret already revealed"), http.StatusBadRequest},
		{"transport", types.Transport("claim", fmt.Errorf("connection reset")), http.StatusBadGateway},
		{"stuck", types.CriticalStuckFunds("claim", fmt.Errorf("reverted")), http.StatusUnprocessableEntity},
		{"unknown", fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			swaps := newFakeSwaps()
			swaps.add(testRecord(t, "swap-1", types.PhaseStuck))
			swaps.actionErr = tc.err
			h := newTestServer(swaps)

			rr := do(t, h, http.MethodPost, "/swaps/swap-1/run", nil)
			require.Equal(t, tc.code, rr.Code)

			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
			require.Equal(t, string(types.KindOf(tc.err)), body["kind"])
			swap, ok := body["swap"].(map[string]interface{})
			require.True(t, ok)
			require.Equal(t, string(types.PhaseStuck), swap["phase"])
		})
	}
}

func TestPurgeAndRecover(t *testing.T) {
	swaps := newFakeSwaps()
	swaps.add(testRecord(t, "swap-1", types.PhaseLegALocked))
	swaps.add(testRecord(t, "swap-2", types.PhaseRefunded))
	h := newTestServer(swaps)

	rr := do(t, h, http.MethodDelete, "/swaps/swap-1", nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodDelete, "/swaps/swap-2", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NotContains(t, swaps.records, "swap-2")

	rr = do(t, h, http.MethodPost, "/recover", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var report coordinator.SweepReport
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &report))
	require.Equal(t, []string{"swap-1"}, report.Swept)
}
