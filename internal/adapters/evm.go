package adapters

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/1inch/swap-coordinator/internal/config"
	"github.com/1inch/swap-coordinator/internal/types"
)

const (
	evmStatusNone uint8 = iota
	evmStatusOpen
	evmStatusClaimed
	evmStatusRefunded
)

var lockStatusCodes = map[uint8]types.LockStatus{
	evmStatusNone:     types.LockAbsent,
	evmStatusOpen:     types.LockOpen,
	evmStatusClaimed:  types.LockClaimed,
	evmStatusRefunded: types.LockRefunded,
}

// EVMAdapter implements ChainAdapter for an EVM chain running the HTLC contract
type EVMAdapter struct {
	config     config.Ethereum
	client     *ethclient.Client
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	htlc       common.Address
	htlcABI    abi.ABI
	erc20ABI   abi.ABI
	clock      clockwork.Clock
	logger     *log.Entry

	// serializes nonce allocation
	txMu sync.Mutex
}

var _ ChainAdapter = (*EVMAdapter)(nil)

// NewEVMAdapter creates a new EVM adapter
func NewEVMAdapter(cfg config.Ethereum, clock clockwork.Clock) (*EVMAdapter, error) {
	htlcABI, err := abi.JSON(strings.NewReader(htlcABIJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTLC ABI: %w", err)
	}
	erc20ABI, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}
	if !common.IsHexAddress(cfg.HTLCAddress) {
		return nil, fmt.Errorf("invalid HTLC address %q", cfg.HTLCAddress)
	}

	// Load private key
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to load private key: %w", err)
	}

	// Derive address from private key or use configured address
	address := crypto.PubkeyToAddress(privateKey.PublicKey)
	if cfg.Address != "" && !strings.EqualFold(cfg.Address, address.Hex()) {
		return nil, fmt.Errorf("configured address %s does not match private key (%s)", cfg.Address, address.Hex())
	}

	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.FinalityDepth == 0 {
		cfg.FinalityDepth = 1
	}
	if cfg.FinalityTimeout <= 0 {
		cfg.FinalityTimeout = defaultFinalityTimeout
	}

	return &EVMAdapter{
		config:     cfg,
		privateKey: privateKey,
		address:    address,
		htlc:       common.HexToAddress(cfg.HTLCAddress),
		htlcABI:    htlcABI,
		erc20ABI:   erc20ABI,
		clock:      clock,
		logger:     log.WithFields(log.Fields{"chain": cfg.ChainName, "account": address.Hex()}),
	}, nil
}

// Connect dials the node and reads the chain id
func (a *EVMAdapter) Connect(ctx context.Context) error {
	a.logger.Infof("Connecting to EVM node at %s", a.config.HTTPUrl)

	client, err := ethclient.DialContext(ctx, a.config.HTTPUrl)
	if err != nil {
		return fmt.Errorf("failed to connect to EVM node: %w", err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return fmt.Errorf("failed to get chain ID: %w", err)
	}

	a.client = client
	a.chainID = chainID
	return nil
}

// Validate performs boot-up validation checks
func (a *EVMAdapter) Validate(ctx context.Context) error {
	if a.client == nil {
		return fmt.Errorf("adapter not connected")
	}
	if a.config.ChainID != 0 && a.chainID.Int64() != a.config.ChainID {
		return fmt.Errorf("chain id mismatch: node reports %s, configured %d", a.chainID, a.config.ChainID)
	}
	code, err := a.client.CodeAt(ctx, a.htlc, nil)
	if err != nil {
		return fmt.Errorf("failed to read HTLC code: %w", err)
	}
	if len(code) == 0 {
		return fmt.Errorf("no contract deployed at HTLC address %s", a.htlc.Hex())
	}

	a.logger.WithField("chain_id", a.chainID).Info("EVM adapter validated")
	return nil
}

// Close closes the RPC connection
func (a *EVMAdapter) Close() error {
	if a.client != nil {
		a.client.Close()
	}
	return nil
}

func (a *EVMAdapter) ChainID() string { return a.config.ChainName }

func (a *EVMAdapter) Address() string { return a.address.Hex() }

// CreateLock escrows amount in the HTLC contract. Token assets are approved first.
func (a *EVMAdapter) CreateLock(ctx context.Context, req LockRequest) (*LockHandle, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, types.NewError(types.KindValidation, OpCreateLock, types.ErrInvalidIntent, fmt.Errorf("amount must be positive"))
	}
	if !common.IsHexAddress(req.Receiver) {
		return nil, types.NewError(types.KindValidation, OpCreateLock, types.ErrInvalidIntent, fmt.Errorf("invalid receiver %q", req.Receiver))
	}

	// Preflight against current contract state
	existing, err := a.getLock(ctx, OpCreateLock, req.LockID)
	if err != nil {
		return nil, err
	}
	if existing.Status != types.LockAbsent {
		return nil, types.ChainState(OpCreateLock, types.ErrLockExists)
	}
	now, err := a.chainTime(ctx, OpCreateLock)
	if err != nil {
		return nil, err
	}
	if !req.Timelock.After(now) {
		return nil, types.NewError(types.KindValidation, OpCreateLock, types.ErrInvalidTimelock,
			fmt.Errorf("timelock %s is not after chain time %s", req.Timelock, now))
	}

	token, native, err := parseEVMAsset(req.Asset)
	if err != nil {
		return nil, types.NewError(types.KindValidation, OpCreateLock, types.ErrInvalidIntent, err)
	}
	balance, err := a.balanceOf(ctx, token, native)
	if err != nil {
		return nil, err
	}
	if balance.Cmp(req.Amount) < 0 {
		return nil, types.NewError(types.KindChainState, OpCreateLock, types.ErrInsufficientFunds,
			fmt.Errorf("balance %s below %s", balance, req.Amount))
	}

	value := big.NewInt(0)
	if native {
		value = req.Amount
	} else {
		approve, err := a.erc20ABI.Pack("approve", a.htlc, req.Amount)
		if err != nil {
			return nil, fmt.Errorf("failed to pack approve: %w", err)
		}
		if _, err := a.transact(ctx, OpCreateLock, token, big.NewInt(0), approve); err != nil {
			return nil, err
		}
	}

	data, err := a.htlcABI.Pack("createLock",
		[32]byte(req.LockID),
		common.HexToAddress(req.Receiver),
		[32]byte(req.Hashlock),
		big.NewInt(req.Timelock.Unix()),
		token,
		req.Amount,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to pack createLock: %w", err)
	}
	txHash, err := a.transact(ctx, OpCreateLock, a.htlc, value, data)
	if err != nil {
		return nil, err
	}

	a.logger.WithFields(log.Fields{"lock_id": req.LockID.Hex(), "tx": txHash.Hex()}).Info("Lock creation transaction sent")
	return &LockHandle{Chain: a.ChainID(), LockID: req.LockID, TxHash: txHash.Hex()}, nil
}

// ClaimWithSecret releases the lock to this account
func (a *EVMAdapter) ClaimWithSecret(ctx context.Context, lock LockHandle, secret types.Secret) (*ClaimReceipt, error) {
	state, err := a.getLock(ctx, OpClaim, lock.LockID)
	if err != nil {
		return nil, err
	}
	if err := lockStatusError(OpClaim, state.Status); err != nil {
		return nil, err
	}
	if !strings.EqualFold(state.Receiver, a.address.Hex()) {
		return nil, types.ChainState(OpClaim, types.ErrUnauthorized)
	}
	now, err := a.chainTime(ctx, OpClaim)
	if err != nil {
		return nil, err
	}
	if !now.Before(state.Timelock) {
		return nil, types.ChainState(OpClaim, types.ErrTimelockExpired)
	}
	if secret.Hash() != state.Hashlock {
		return nil, types.ChainState(OpClaim, types.ErrSecretMismatch)
	}

	data, err := a.htlcABI.Pack("claimWithSecret", [32]byte(lock.LockID), [32]byte(secret))
	if err != nil {
		return nil, fmt.Errorf("failed to pack claimWithSecret: %w", err)
	}
	txHash, err := a.transact(ctx, OpClaim, a.htlc, big.NewInt(0), data)
	if err != nil {
		return nil, err
	}

	a.logger.WithFields(log.Fields{"lock_id": lock.LockID.Hex(), "tx": txHash.Hex()}).Info("Claim transaction sent")
	return &ClaimReceipt{TxHash: txHash.Hex()}, nil
}

// Refund returns an expired lock to this account
func (a *EVMAdapter) Refund(ctx context.Context, lock LockHandle) (*RefundReceipt, error) {
	state, err := a.getLock(ctx, OpRefund, lock.LockID)
	if err != nil {
		return nil, err
	}
	if err := lockStatusError(OpRefund, state.Status); err != nil {
		return nil, err
	}
	if !strings.EqualFold(state.Sender, a.address.Hex()) {
		return nil, types.ChainState(OpRefund, types.ErrUnauthorized)
	}
	now, err := a.chainTime(ctx, OpRefund)
	if err != nil {
		return nil, err
	}
	if now.Before(state.Timelock) {
		return nil, types.ChainState(OpRefund, types.ErrTimelockNotYetExpired)
	}

	data, err := a.htlcABI.Pack("refund", [32]byte(lock.LockID))
	if err != nil {
		return nil, fmt.Errorf("failed to pack refund: %w", err)
	}
	txHash, err := a.transact(ctx, OpRefund, a.htlc, big.NewInt(0), data)
	if err != nil {
		return nil, err
	}

	a.logger.WithFields(log.Fields{"lock_id": lock.LockID.Hex(), "tx": txHash.Hex()}).Info("Refund transaction sent")
	return &RefundReceipt{TxHash: txHash.Hex()}, nil
}

// QueryLock reads the lock record and, once claimed, the revealed secret
func (a *EVMAdapter) QueryLock(ctx context.Context, lock LockHandle) (*LockState, error) {
	state, err := a.getLock(ctx, OpQueryLock, lock.LockID)
	if err != nil {
		return nil, err
	}
	if state.Status == types.LockAbsent {
		return state, nil
	}
	state.CreatedTx = lock.TxHash

	if state.Status == types.LockClaimed {
		data, err := a.htlcABI.Pack("getRevealedSecret", [32]byte(lock.LockID))
		if err != nil {
			return nil, fmt.Errorf("failed to pack getRevealedSecret: %w", err)
		}
		out, err := a.call(ctx, OpQueryLock, a.htlc, data)
		if err != nil {
			return nil, err
		}
		values, err := a.htlcABI.Unpack("getRevealedSecret", out)
		if err != nil || len(values) != 1 {
			return nil, types.Transport(OpQueryLock, fmt.Errorf("failed to unpack revealed secret: %v", err))
		}
		state.Secret = types.Secret(values[0].([32]byte))
	}

	if state.CreatedTx == "" {
		tx, err := a.findCreationTx(ctx, lock.LockID)
		if err != nil {
			return nil, err
		}
		state.CreatedTx = tx
	}
	return state, nil
}

// WaitForFinality polls until the receipt is FinalityDepth blocks deep
func (a *EVMAdapter) WaitForFinality(ctx context.Context, txHash string) error {
	_, err := a.waitReceipt(ctx, OpFinality, common.HexToHash(txHash))
	return err
}

// waitReceipt gives up after FinalityTimeout, so a dropped transaction
// surfaces as a transport error instead of blocking the caller.
func (a *EVMAdapter) waitReceipt(ctx context.Context, op string, hash common.Hash) (*ethtypes.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, a.config.FinalityTimeout)
	defer cancel()

	ticker := a.clock.NewTicker(a.config.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := a.client.TransactionReceipt(ctx, hash)
		switch {
		case errors.Is(err, ethereum.NotFound):
		case err != nil && ctx.Err() != nil:
			return nil, finalityTimeout(op, hash.Hex(), ctx.Err())
		case err != nil:
			return nil, types.Transport(op, fmt.Errorf("failed to get receipt for %s: %w", hash.Hex(), err))
		case receipt.Status != ethtypes.ReceiptStatusSuccessful:
			return nil, types.NewError(types.KindChainState, op, types.ErrTxReverted, fmt.Errorf("tx %s", hash.Hex()))
		default:
			head, err := a.client.BlockNumber(ctx)
			if err != nil {
				return nil, types.Transport(op, fmt.Errorf("failed to get block number: %w", err))
			}
			if head+1 >= receipt.BlockNumber.Uint64()+a.config.FinalityDepth {
				return receipt, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, finalityTimeout(op, hash.Hex(), ctx.Err())
		case <-ticker.Chan():
		}
	}
}

func (a *EVMAdapter) getLock(ctx context.Context, op string, lockID types.Hash) (*LockState, error) {
	data, err := a.htlcABI.Pack("getLock", [32]byte(lockID))
	if err != nil {
		return nil, fmt.Errorf("failed to pack getLock: %w", err)
	}
	out, err := a.call(ctx, op, a.htlc, data)
	if err != nil {
		return nil, err
	}
	values, err := a.htlcABI.Unpack("getLock", out)
	if err != nil || len(values) != 7 {
		return nil, types.Transport(op, fmt.Errorf("failed to unpack lock: %v", err))
	}

	status, ok := lockStatusCodes[values[6].(uint8)]
	if !ok {
		return nil, types.Transport(op, fmt.Errorf("unknown lock status %d", values[6].(uint8)))
	}
	state := &LockState{LockID: lockID, Status: status}
	if status == types.LockAbsent {
		return state, nil
	}

	token := values[2].(common.Address)
	state.Sender = values[0].(common.Address).Hex()
	state.Receiver = values[1].(common.Address).Hex()
	state.Asset = token.Hex()
	if token == (common.Address{}) {
		state.Asset = "ETH"
	}
	state.Amount = values[3].(*big.Int)
	state.Hashlock = types.Hash(values[4].([32]byte))
	state.Timelock = time.Unix(values[5].(*big.Int).Int64(), 0).UTC()
	return state, nil
}

func (a *EVMAdapter) findCreationTx(ctx context.Context, lockID types.Hash) (string, error) {
	logs, err := a.client.FilterLogs(ctx, ethereum.FilterQuery{
		Addresses: []common.Address{a.htlc},
		Topics:    [][]common.Hash{{a.htlcABI.Events["LockCreated"].ID}, {common.Hash(lockID)}},
	})
	if err != nil {
		return "", types.Transport(OpQueryLock, fmt.Errorf("failed to filter logs: %w", err))
	}
	if len(logs) == 0 {
		return "", nil
	}
	return logs[0].TxHash.Hex(), nil
}

func (a *EVMAdapter) balanceOf(ctx context.Context, token common.Address, native bool) (*big.Int, error) {
	if native {
		balance, err := a.client.BalanceAt(ctx, a.address, nil)
		if err != nil {
			return nil, types.Transport(OpCreateLock, fmt.Errorf("failed to get balance: %w", err))
		}
		return balance, nil
	}

	data, err := a.erc20ABI.Pack("balanceOf", a.address)
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf: %w", err)
	}
	out, err := a.call(ctx, OpCreateLock, token, data)
	if err != nil {
		return nil, err
	}
	values, err := a.erc20ABI.Unpack("balanceOf", out)
	if err != nil || len(values) != 1 {
		return nil, types.Transport(OpCreateLock, fmt.Errorf("failed to unpack balance: %v", err))
	}
	return values[0].(*big.Int), nil
}

func (a *EVMAdapter) chainTime(ctx context.Context, op string) (time.Time, error) {
	header, err := a.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return time.Time{}, types.Transport(op, fmt.Errorf("failed to get latest block: %w", err))
	}
	return time.Unix(int64(header.Time), 0).UTC(), nil
}

func (a *EVMAdapter) call(ctx context.Context, op string, to common.Address, data []byte) ([]byte, error) {
	out, err := a.client.CallContract(ctx, ethereum.CallMsg{From: a.address, To: &to, Data: data}, nil)
	if err != nil {
		return nil, types.Transport(op, fmt.Errorf("failed to call contract: %w", err))
	}
	return out, nil
}

// transact signs and broadcasts a transaction. It does not wait for inclusion.
func (a *EVMAdapter) transact(ctx context.Context, op string, to common.Address, value *big.Int, data []byte) (common.Hash, error) {
	a.txMu.Lock()
	defer a.txMu.Unlock()

	nonce, err := a.client.PendingNonceAt(ctx, a.address)
	if err != nil {
		return common.Hash{}, types.Transport(op, fmt.Errorf("failed to get nonce: %w", err))
	}

	gasPrice := new(big.Int).Mul(big.NewInt(a.config.GasPrice), big.NewInt(1_000_000_000))
	if a.config.GasPrice == 0 {
		gasPrice, err = a.client.SuggestGasPrice(ctx)
		if err != nil {
			return common.Hash{}, types.Transport(op, fmt.Errorf("failed to get gas price: %w", err))
		}
	}

	tx := ethtypes.NewTransaction(nonce, to, value, a.config.GasLimit, gasPrice, data)
	signedTx, err := ethtypes.SignTx(tx, ethtypes.NewEIP155Signer(a.chainID), a.privateKey)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := a.client.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, classifyEVMError(op, err)
	}
	return signedTx.Hash(), nil
}

// revertReasons maps contract revert strings to typed reasons. Order matters.
var revertReasons = []struct {
	match  string
	reason error
}{
	{"already claimed", types.ErrAlreadyClaimed},
	{"already filled", types.ErrAlreadyClaimed},
	{"already refunded", types.ErrAlreadyRefunded},
	{"cancelled", types.ErrAlreadyRefunded},
	{"not yet expired", types.ErrTimelockNotYetExpired},
	{"timelock not expired", types.ErrTimelockNotYetExpired},
	{"order expired", types.ErrOrderExpired},
	{"timelock expired", types.ErrTimelockExpired},
	{"slippage", types.ErrSlippageExceeded},
	{"invalid secret", types.ErrSecretMismatch},
	{"secret mismatch", types.ErrSecretMismatch},
	{"lock exists", types.ErrLockExists},
	{"lock not found", types.ErrLockNotFound},
	{"not receiver", types.ErrUnauthorized},
	{"not sender", types.ErrUnauthorized},
	{"unauthorized", types.ErrUnauthorized},
	{"insufficient", types.ErrInsufficientFunds},
}

// classifyEVMError turns a node error into a typed error. Reverts become
// chain-state errors; everything else is treated as transport.
func classifyEVMError(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())

	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if raw, ok := dataErr.ErrorData().(string); ok {
			if b, decodeErr := hexutil.Decode(raw); decodeErr == nil {
				if reason, unpackErr := abi.UnpackRevert(b); unpackErr == nil {
					msg += " " + strings.ToLower(reason)
				}
			}
		}
	}

	for _, r := range revertReasons {
		if strings.Contains(msg, r.match) {
			return types.NewError(types.KindChainState, op, r.reason, err)
		}
	}
	if strings.Contains(msg, "execution reverted") {
		return types.NewError(types.KindChainState, op, types.ErrTxReverted, err)
	}
	return types.Transport(op, err)
}

func lockStatusError(op string, status types.LockStatus) error {
	switch status {
	case types.LockAbsent:
		return types.ChainState(op, types.ErrLockNotFound)
	case types.LockClaimed:
		return types.ChainState(op, types.ErrAlreadyClaimed)
	case types.LockRefunded:
		return types.ChainState(op, types.ErrAlreadyRefunded)
	}
	return nil
}

// parseEVMAsset maps "" and "ETH" to the native asset, anything else must be a token address.
func parseEVMAsset(asset string) (common.Address, bool, error) {
	if asset == "" || strings.EqualFold(asset, "ETH") {
		return common.Address{}, true, nil
	}
	if !common.IsHexAddress(asset) {
		return common.Address{}, false, fmt.Errorf("invalid token address %q", asset)
	}
	token := common.HexToAddress(asset)
	return token, token == (common.Address{}), nil
}
