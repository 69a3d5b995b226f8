package adapters

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"

	"github.com/1inch/swap-coordinator/internal/config"
	"github.com/1inch/swap-coordinator/internal/types"
)

const (
	suiModule      = "htlc"
	suiNativeAsset = "0x2::sui::SUI"

	suiSignatureFlagEd25519 = 0x00
)

// Abort codes of the htlc Move module.
var suiAbortReasons = map[uint64]error{
	1:  types.ErrLockExists,
	2:  types.ErrLockNotFound,
	3:  types.ErrSecretMismatch,
	4:  types.ErrTimelockExpired,
	5:  types.ErrTimelockNotYetExpired,
	6:  types.ErrUnauthorized,
	7:  types.ErrUnauthorized,
	8:  types.ErrAlreadyClaimed,
	9:  types.ErrAlreadyRefunded,
	10: types.ErrInvalidTimelock,
	11: types.ErrInsufficientFunds,
}

var moveAbortPattern = regexp.MustCompile(`MoveAbort\(.*,\s*(\d+)\)`)

// SuiAdapter implements ChainAdapter for Sui using the htlc Move package.
// Locks live as dynamic fields of a shared LockRegistry object keyed by lock id.
type SuiAdapter struct {
	config     config.Sui
	client     *rpc.Client
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	address    string
	clock      clockwork.Clock
	logger     *log.Entry
}

var _ ChainAdapter = (*SuiAdapter)(nil)

// NewSuiAdapter creates a new Sui adapter
func NewSuiAdapter(cfg config.Sui, clock clockwork.Clock) (*SuiAdapter, error) {
	privateKey, err := parseSuiPrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}
	publicKey := privateKey.Public().(ed25519.PublicKey)
	address := SuiAddress(publicKey)
	if cfg.Address != "" && !strings.EqualFold(cfg.Address, address) {
		return nil, fmt.Errorf("configured address %s does not match private key (%s)", cfg.Address, address)
	}

	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.FinalityDepth == 0 {
		cfg.FinalityDepth = 1
	}
	if cfg.FinalityTimeout <= 0 {
		cfg.FinalityTimeout = defaultFinalityTimeout
	}
	if cfg.ClockObjectID == "" {
		cfg.ClockObjectID = "0x6"
	}

	return &SuiAdapter{
		config:     cfg,
		privateKey: privateKey,
		publicKey:  publicKey,
		address:    address,
		clock:      clock,
		logger:     log.WithFields(log.Fields{"chain": cfg.ChainName, "account": address}),
	}, nil
}

// SuiAddress derives the account address of an ed25519 public key
func SuiAddress(pub ed25519.PublicKey) string {
	sum := blake2b.Sum256(append([]byte{suiSignatureFlagEd25519}, pub...))
	return "0x" + hex.EncodeToString(sum[:])
}

// parseSuiPrivateKey accepts a hex seed, a hex 64 byte key, or the base64
// keystore form (flag byte followed by the seed).
func parseSuiPrivateKey(raw string) (ed25519.PrivateKey, error) {
	if raw == "" {
		return nil, fmt.Errorf("sui private key is required")
	}
	if b, err := hex.DecodeString(strings.TrimPrefix(raw, "0x")); err == nil {
		switch len(b) {
		case ed25519.SeedSize:
			return ed25519.NewKeyFromSeed(b), nil
		case ed25519.PrivateKeySize:
			return ed25519.PrivateKey(b), nil
		}
	}
	if b, err := base64.StdEncoding.DecodeString(raw); err == nil && len(b) == ed25519.SeedSize+1 {
		if b[0] != suiSignatureFlagEd25519 {
			return nil, fmt.Errorf("unsupported key scheme flag %d", b[0])
		}
		return ed25519.NewKeyFromSeed(b[1:]), nil
	}
	return nil, fmt.Errorf("failed to decode sui private key")
}

// Connect establishes the JSON-RPC connection
func (s *SuiAdapter) Connect(ctx context.Context) error {
	s.logger.Infof("Connecting to Sui node at %s", s.config.RPCUrl)

	client, err := rpc.DialContext(ctx, s.config.RPCUrl)
	if err != nil {
		return fmt.Errorf("failed to connect to Sui node: %w", err)
	}
	s.client = client
	return nil
}

// Validate checks that the package and the lock registry exist
func (s *SuiAdapter) Validate(ctx context.Context) error {
	if s.client == nil {
		return fmt.Errorf("adapter not connected")
	}
	for _, id := range []string{s.config.PackageID, s.config.RegistryObjectID} {
		var obj struct {
			Data  json.RawMessage `json:"data"`
			Error json.RawMessage `json:"error"`
		}
		if err := s.client.CallContext(ctx, &obj, "sui_getObject", id, map[string]bool{"showType": true}); err != nil {
			return fmt.Errorf("failed to get object %s: %w", id, err)
		}
		if len(obj.Data) == 0 || string(obj.Data) == "null" {
			return fmt.Errorf("object %s not found", id)
		}
	}

	s.logger.Info("Sui adapter validated")
	return nil
}

// Close closes the connection
func (s *SuiAdapter) Close() error {
	if s.client != nil {
		s.client.Close()
	}
	return nil
}

func (s *SuiAdapter) ChainID() string { return s.config.ChainName }

func (s *SuiAdapter) Address() string { return s.address }

type suiCoin struct {
	CoinObjectID string `json:"coinObjectId"`
	Balance      string `json:"balance"`
}

type suiTxResponse struct {
	Digest     string `json:"digest"`
	Checkpoint string `json:"checkpoint"`
	Effects    struct {
		Status struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		} `json:"status"`
	} `json:"effects"`
}

type suiLockFields struct {
	Sender     string `json:"sender"`
	Receiver   string `json:"receiver"`
	CoinType   string `json:"coin_type"`
	Amount     string `json:"amount"`
	Hashlock   []int  `json:"hashlock"`
	TimelockMs string `json:"timelock_ms"`
	Status     uint8  `json:"status"`
	Secret     []int  `json:"secret"`
	CreatedTx  string `json:"created_tx"`
}

// CreateLock splits amount from one of the account's coins into a new lock
func (s *SuiAdapter) CreateLock(ctx context.Context, req LockRequest) (*LockHandle, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 || !req.Amount.IsUint64() {
		return nil, types.NewError(types.KindValidation, OpCreateLock, types.ErrInvalidIntent, fmt.Errorf("amount must be a positive u64"))
	}

	existing, err := s.getLock(ctx, OpCreateLock, req.LockID)
	if err != nil {
		return nil, err
	}
	if existing.Status != types.LockAbsent {
		return nil, types.ChainState(OpCreateLock, types.ErrLockExists)
	}
	now, err := s.chainTime(ctx, OpCreateLock)
	if err != nil {
		return nil, err
	}
	if !req.Timelock.After(now) {
		return nil, types.NewError(types.KindValidation, OpCreateLock, types.ErrInvalidTimelock,
			fmt.Errorf("timelock %s is not after chain time %s", req.Timelock, now))
	}

	coinType := suiCoinType(req.Asset)
	coin, err := s.selectCoin(ctx, coinType, req.Amount)
	if err != nil {
		return nil, err
	}

	digest, err := s.moveCall(ctx, OpCreateLock, "create_lock", []string{coinType}, []interface{}{
		s.config.RegistryObjectID,
		suiBytes(req.LockID[:]),
		req.Receiver,
		suiBytes(req.Hashlock[:]),
		strconv.FormatInt(req.Timelock.UnixMilli(), 10),
		coin,
		req.Amount.String(),
		s.config.ClockObjectID,
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(log.Fields{"lock_id": req.LockID.Hex(), "tx": digest}).Info("Lock creation transaction executed")
	return &LockHandle{Chain: s.ChainID(), LockID: req.LockID, TxHash: digest}, nil
}

// ClaimWithSecret releases the lock to this account
func (s *SuiAdapter) ClaimWithSecret(ctx context.Context, lock LockHandle, secret types.Secret) (*ClaimReceipt, error) {
	state, err := s.getLock(ctx, OpClaim, lock.LockID)
	if err != nil {
		return nil, err
	}
	if err := lockStatusError(OpClaim, state.Status); err != nil {
		return nil, err
	}
	if !strings.EqualFold(state.Receiver, s.address) {
		return nil, types.ChainState(OpClaim, types.ErrUnauthorized)
	}
	now, err := s.chainTime(ctx, OpClaim)
	if err != nil {
		return nil, err
	}
	if !now.Before(state.Timelock) {
		return nil, types.ChainState(OpClaim, types.ErrTimelockExpired)
	}
	if secret.Hash() != state.Hashlock {
		return nil, types.ChainState(OpClaim, types.ErrSecretMismatch)
	}

	digest, err := s.moveCall(ctx, OpClaim, "claim", []string{state.Asset}, []interface{}{
		s.config.RegistryObjectID,
		suiBytes(lock.LockID[:]),
		suiBytes(secret[:]),
		s.config.ClockObjectID,
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(log.Fields{"lock_id": lock.LockID.Hex(), "tx": digest}).Info("Claim transaction executed")
	return &ClaimReceipt{TxHash: digest}, nil
}

// Refund returns an expired lock to this account
func (s *SuiAdapter) Refund(ctx context.Context, lock LockHandle) (*RefundReceipt, error) {
	state, err := s.getLock(ctx, OpRefund, lock.LockID)
	if err != nil {
		return nil, err
	}
	if err := lockStatusError(OpRefund, state.Status); err != nil {
		return nil, err
	}
	if !strings.EqualFold(state.Sender, s.address) {
		return nil, types.ChainState(OpRefund, types.ErrUnauthorized)
	}
	now, err := s.chainTime(ctx, OpRefund)
	if err != nil {
		return nil, err
	}
	if now.Before(state.Timelock) {
		return nil, types.ChainState(OpRefund, types.ErrTimelockNotYetExpired)
	}

	digest, err := s.moveCall(ctx, OpRefund, "refund", []string{state.Asset}, []interface{}{
		s.config.RegistryObjectID,
		suiBytes(lock.LockID[:]),
		s.config.ClockObjectID,
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(log.Fields{"lock_id": lock.LockID.Hex(), "tx": digest}).Info("Refund transaction executed")
	return &RefundReceipt{TxHash: digest}, nil
}

// QueryLock reads the lock's dynamic field on the registry
func (s *SuiAdapter) QueryLock(ctx context.Context, lock LockHandle) (*LockState, error) {
	state, err := s.getLock(ctx, OpQueryLock, lock.LockID)
	if err != nil {
		return nil, err
	}
	if state.Status != types.LockAbsent && state.CreatedTx == "" {
		state.CreatedTx = lock.TxHash
	}
	return state, nil
}

// WaitForFinality polls until the transaction's checkpoint is FinalityDepth deep
func (s *SuiAdapter) WaitForFinality(ctx context.Context, digest string) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.FinalityTimeout)
	defer cancel()

	ticker := s.clock.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		var tx suiTxResponse
		err := s.client.CallContext(ctx, &tx, "sui_getTransactionBlock", digest, map[string]bool{"showEffects": true})
		if err != nil && ctx.Err() != nil {
			return finalityTimeout(OpFinality, digest, ctx.Err())
		}
		if err != nil && !isSuiNotFound(err) {
			return types.Transport(OpFinality, fmt.Errorf("failed to get transaction %s: %w", digest, err))
		}
		if err == nil && tx.Effects.Status.Status == "failure" {
			return classifySuiFailure(OpFinality, tx.Effects.Status.Error)
		}
		if err == nil && tx.Checkpoint != "" {
			checkpoint, perr := strconv.ParseUint(tx.Checkpoint, 10, 64)
			if perr != nil {
				return types.Transport(OpFinality, fmt.Errorf("invalid checkpoint %q", tx.Checkpoint))
			}
			latest, err := s.latestCheckpoint(ctx, OpFinality)
			if err != nil {
				return err
			}
			if latest+1 >= checkpoint+s.config.FinalityDepth {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return finalityTimeout(OpFinality, digest, ctx.Err())
		case <-ticker.Chan():
		}
	}
}

// moveCall builds, signs and executes a call into the htlc module. It
// returns the digest once the transaction executed successfully.
func (s *SuiAdapter) moveCall(ctx context.Context, op, function string, typeArgs []string, args []interface{}) (string, error) {
	var built struct {
		TxBytes string `json:"txBytes"`
	}
	err := s.client.CallContext(ctx, &built, "unsafe_moveCall",
		s.address,
		s.config.PackageID,
		suiModule,
		function,
		typeArgs,
		args,
		nil,
		strconv.FormatUint(s.config.GasBudget, 10),
	)
	if err != nil {
		return "", classifySuiRPCError(op, err)
	}

	txBytes, err := base64.StdEncoding.DecodeString(built.TxBytes)
	if err != nil {
		return "", types.Transport(op, fmt.Errorf("failed to decode tx bytes: %w", err))
	}
	signature := SignSuiTransaction(s.privateKey, txBytes)

	var resp suiTxResponse
	err = s.client.CallContext(ctx, &resp, "sui_executeTransactionBlock",
		built.TxBytes,
		[]string{signature},
		map[string]bool{"showEffects": true},
		"WaitForLocalExecution",
	)
	if err != nil {
		return "", classifySuiRPCError(op, err)
	}
	if resp.Effects.Status.Status != "success" {
		return "", classifySuiFailure(op, resp.Effects.Status.Error)
	}
	return resp.Digest, nil
}

// SignSuiTransaction signs blake2b-256(intent || txBytes) and returns the
// serialized signature (flag || sig || pubkey) in base64.
func SignSuiTransaction(key ed25519.PrivateKey, txBytes []byte) string {
	intentMsg := append([]byte{0, 0, 0}, txBytes...)
	digest := blake2b.Sum256(intentMsg)
	sig := ed25519.Sign(key, digest[:])

	serialized := make([]byte, 0, 1+ed25519.SignatureSize+ed25519.PublicKeySize)
	serialized = append(serialized, suiSignatureFlagEd25519)
	serialized = append(serialized, sig...)
	serialized = append(serialized, key.Public().(ed25519.PublicKey)...)
	return base64.StdEncoding.EncodeToString(serialized)
}

func (s *SuiAdapter) getLock(ctx context.Context, op string, lockID types.Hash) (*LockState, error) {
	var resp struct {
		Data *struct {
			Content struct {
				Fields struct {
					Value struct {
						Fields suiLockFields `json:"fields"`
					} `json:"value"`
				} `json:"fields"`
			} `json:"content"`
		} `json:"data"`
		Error *struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	name := map[string]interface{}{"type": "vector<u8>", "value": suiBytes(lockID[:])}
	if err := s.client.CallContext(ctx, &resp, "suix_getDynamicFieldObject", s.config.RegistryObjectID, name); err != nil {
		return nil, types.Transport(op, fmt.Errorf("failed to read lock: %w", err))
	}
	if resp.Data == nil {
		return &LockState{LockID: lockID, Status: types.LockAbsent}, nil
	}

	f := resp.Data.Content.Fields.Value.Fields
	status, ok := lockStatusCodes[f.Status]
	if !ok {
		return nil, types.Transport(op, fmt.Errorf("unknown lock status %d", f.Status))
	}
	amount, ok := new(big.Int).SetString(f.Amount, 10)
	if !ok {
		return nil, types.Transport(op, fmt.Errorf("invalid lock amount %q", f.Amount))
	}
	timelockMs, err := strconv.ParseInt(f.TimelockMs, 10, 64)
	if err != nil {
		return nil, types.Transport(op, fmt.Errorf("invalid lock timelock %q", f.TimelockMs))
	}

	state := &LockState{
		LockID:    lockID,
		Sender:    f.Sender,
		Receiver:  f.Receiver,
		Asset:     f.CoinType,
		Amount:    amount,
		Timelock:  time.UnixMilli(timelockMs).UTC(),
		Status:    status,
		CreatedTx: f.CreatedTx,
	}
	copy(state.Hashlock[:], fromSuiBytes(f.Hashlock))
	if status == types.LockClaimed {
		copy(state.Secret[:], fromSuiBytes(f.Secret))
	}
	return state, nil
}

func (s *SuiAdapter) selectCoin(ctx context.Context, coinType string, amount *big.Int) (string, error) {
	var page struct {
		Data []suiCoin `json:"data"`
	}
	if err := s.client.CallContext(ctx, &page, "suix_getCoins", s.address, coinType, nil, 50); err != nil {
		return "", types.Transport(OpCreateLock, fmt.Errorf("failed to list coins: %w", err))
	}

	var best string
	bestBalance := new(big.Int)
	for _, c := range page.Data {
		balance, ok := new(big.Int).SetString(c.Balance, 10)
		if ok && balance.Cmp(bestBalance) > 0 {
			best, bestBalance = c.CoinObjectID, balance
		}
	}
	if best == "" || bestBalance.Cmp(amount) < 0 {
		return "", types.NewError(types.KindChainState, OpCreateLock, types.ErrInsufficientFunds,
			fmt.Errorf("largest %s coin holds %s, need %s", coinType, bestBalance, amount))
	}
	return best, nil
}

func (s *SuiAdapter) chainTime(ctx context.Context, op string) (time.Time, error) {
	seq, err := s.latestCheckpoint(ctx, op)
	if err != nil {
		return time.Time{}, err
	}
	var cp struct {
		TimestampMs string `json:"timestampMs"`
	}
	if err := s.client.CallContext(ctx, &cp, "sui_getCheckpoint", strconv.FormatUint(seq, 10)); err != nil {
		return time.Time{}, types.Transport(op, fmt.Errorf("failed to get checkpoint: %w", err))
	}
	ms, err := strconv.ParseInt(cp.TimestampMs, 10, 64)
	if err != nil {
		return time.Time{}, types.Transport(op, fmt.Errorf("invalid checkpoint timestamp %q", cp.TimestampMs))
	}
	return time.UnixMilli(ms).UTC(), nil
}

func (s *SuiAdapter) latestCheckpoint(ctx context.Context, op string) (uint64, error) {
	var seq string
	if err := s.client.CallContext(ctx, &seq, "sui_getLatestCheckpointSequenceNumber"); err != nil {
		return 0, types.Transport(op, fmt.Errorf("failed to get latest checkpoint: %w", err))
	}
	n, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return 0, types.Transport(op, fmt.Errorf("invalid checkpoint %q", seq))
	}
	return n, nil
}

// classifySuiFailure maps a failed execution status to a typed error
func classifySuiFailure(op, status string) error {
	if m := moveAbortPattern.FindStringSubmatch(status); m != nil {
		code, _ := strconv.ParseUint(m[1], 10, 64)
		if reason, ok := suiAbortReasons[code]; ok {
			return types.NewError(types.KindChainState, op, reason, fmt.Errorf("%s", status))
		}
	}
	if strings.Contains(strings.ToLower(status), "insufficient") {
		return types.NewError(types.KindChainState, op, types.ErrInsufficientFunds, fmt.Errorf("%s", status))
	}
	return types.NewError(types.KindChainState, op, types.ErrTxReverted, fmt.Errorf("%s", status))
}

// classifySuiRPCError treats dry-run aborts as chain-state errors and
// everything else as transport.
func classifySuiRPCError(op string, err error) error {
	if moveAbortPattern.MatchString(err.Error()) {
		return classifySuiFailure(op, err.Error())
	}
	return types.Transport(op, err)
}

func isSuiNotFound(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "could not find") || strings.Contains(msg, "not found")
}

func suiCoinType(asset string) string {
	if asset == "" || strings.EqualFold(asset, "SUI") {
		return suiNativeAsset
	}
	return asset
}

// suiBytes renders a byte vector as the JSON number array Sui expects for vector<u8>.
func suiBytes(b []byte) []int {
	out := make([]int, len(b))
	for i, v := range b {
		out[i] = int(v)
	}
	return out
}

func fromSuiBytes(v []int) []byte {
	out := make([]byte, len(v))
	for i, b := range v {
		out[i] = byte(b)
	}
	return out
}
