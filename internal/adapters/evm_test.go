package adapters

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/1inch/swap-coordinator/internal/config"
	"github.com/1inch/swap-coordinator/internal/types"
)

var (
	testHTLCAddress = common.HexToAddress("0x00000000000000000000000000000000000c0de1")
	testBookAddress = common.HexToAddress("0x00000000000000000000000000000000000b00c")
)

type fakeLock struct {
	sender, receiver common.Address
	token            common.Address
	amount           *big.Int
	hashlock         [32]byte
	timelock         uint64
	status           uint8
	secret           [32]byte
}

type fakeOrder struct {
	maker, receiver common.Address
	minOutput       *big.Int
	hashlock        [32]byte
	expiry          uint64
	status          uint8
	output          *big.Int
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

// fakeEVM is a minimal JSON-RPC node running the HTLC and order book contracts.
type fakeEVM struct {
	mu       sync.Mutex
	htlcABI  abi.ABI
	bookABI  abi.ABI
	chainID  *big.Int
	now      uint64
	head     uint64
	nonces   map[common.Address]uint64
	locks    map[[32]byte]*fakeLock
	orders   map[[32]byte]*fakeOrder
	receipts map[common.Hash]*ethtypes.Receipt

	fillOutput *big.Int
	down       bool
}

func newFakeEVM(t *testing.T) (*fakeEVM, *httptest.Server) {
	t.Helper()
	htlcABI, err := abi.JSON(strings.NewReader(htlcABIJSON))
	require.NoError(t, err)
	bookABI, err := abi.JSON(strings.NewReader(orderBookABIJSON))
	require.NoError(t, err)

	f := &fakeEVM{
		htlcABI:    htlcABI,
		bookABI:    bookABI,
		chainID:    big.NewInt(31337),
		now:        uint64(time.Now().Unix()),
		head:       100,
		nonces:     make(map[common.Address]uint64),
		locks:      make(map[[32]byte]*fakeLock),
		orders:     make(map[[32]byte]*fakeOrder),
		receipts:   make(map[common.Hash]*ethtypes.Receipt),
		fillOutput: big.NewInt(1000),
	}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeEVM) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now += uint64(d / time.Second)
}

func (f *fakeEVM) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     json.RawMessage   `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	down := f.down
	var result interface{}
	var rerr *rpcError
	if !down {
		result, rerr = f.handle(req.Method, req.Params)
	}
	f.mu.Unlock()

	if down {
		http.Error(w, "node unavailable", http.StatusServiceUnavailable)
		return
	}

	resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
	if rerr != nil {
		resp["error"] = rerr
	} else {
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (f *fakeEVM) handle(method string, params []json.RawMessage) (interface{}, *rpcError) {
	switch method {
	case "eth_chainId":
		return (*hexutil.Big)(f.chainID), nil
	case "eth_getCode":
		return hexutil.Bytes{0x60, 0x80}, nil
	case "eth_blockNumber":
		return hexutil.Uint64(f.head), nil
	case "eth_gasPrice":
		return (*hexutil.Big)(big.NewInt(1)), nil
	case "eth_getBalance":
		return (*hexutil.Big)(new(big.Int).Exp(big.NewInt(10), big.NewInt(21), nil)), nil
	case "eth_getTransactionCount":
		var addr common.Address
		json.Unmarshal(params[0], &addr)
		return hexutil.Uint64(f.nonces[addr]), nil
	case "eth_getBlockByNumber":
		return &ethtypes.Header{
			Number:     new(big.Int).SetUint64(f.head),
			Time:       f.now,
			Difficulty: big.NewInt(0),
			GasLimit:   30_000_000,
			Extra:      []byte{},
		}, nil
	case "eth_getLogs":
		return []ethtypes.Log{}, nil
	case "eth_getTransactionReceipt":
		var hash common.Hash
		json.Unmarshal(params[0], &hash)
		if receipt, ok := f.receipts[hash]; ok {
			return receipt, nil
		}
		return nil, nil
	case "eth_call":
		var msg struct {
			To    common.Address `json:"to"`
			Data  hexutil.Bytes  `json:"data"`
			Input hexutil.Bytes  `json:"input"`
		}
		json.Unmarshal(params[0], &msg)
		data := msg.Input
		if len(data) == 0 {
			data = msg.Data
		}
		return f.call(msg.To, data)
	case "eth_sendRawTransaction":
		var raw hexutil.Bytes
		json.Unmarshal(params[0], &raw)
		return f.send(raw)
	}
	return nil, &rpcError{Code: -32601, Message: "method not found: " + method}
}

func (f *fakeEVM) call(to common.Address, data []byte) (interface{}, *rpcError) {
	contract := f.htlcABI
	if to == testBookAddress {
		contract = f.bookABI
	}
	method, err := contract.MethodById(data[:4])
	if err != nil {
		return nil, &rpcError{Code: -32000, Message: err.Error()}
	}
	args, _ := method.Inputs.Unpack(data[4:])

	var out []byte
	switch method.Name {
	case "getLock":
		l, ok := f.locks[args[0].([32]byte)]
		if !ok {
			l = &fakeLock{amount: big.NewInt(0)}
		}
		out, err = method.Outputs.Pack(l.sender, l.receiver, l.token, l.amount, l.hashlock, new(big.Int).SetUint64(l.timelock), l.status)
	case "getRevealedSecret":
		var secret [32]byte
		if l, ok := f.locks[args[0].([32]byte)]; ok {
			secret = l.secret
		}
		out, err = method.Outputs.Pack(secret)
	case "getOrder":
		o, ok := f.orders[args[0].([32]byte)]
		if !ok {
			o = &fakeOrder{output: big.NewInt(0)}
		}
		out, err = method.Outputs.Pack(o.maker, o.receiver, o.status, o.output)
	default:
		return nil, &rpcError{Code: -32000, Message: "unsupported call " + method.Name}
	}
	if err != nil {
		return nil, &rpcError{Code: -32000, Message: err.Error()}
	}
	return hexutil.Bytes(out), nil
}

func revert(reason string) *rpcError {
	return &rpcError{Code: 3, Message: "execution reverted: " + reason}
}

func (f *fakeEVM) send(raw []byte) (interface{}, *rpcError) {
	tx := new(ethtypes.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, &rpcError{Code: -32000, Message: err.Error()}
	}
	from, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(f.chainID), tx)
	if err != nil {
		return nil, &rpcError{Code: -32000, Message: err.Error()}
	}
	if tx.Nonce() != f.nonces[from] {
		return nil, &rpcError{Code: -32000, Message: "nonce too low"}
	}

	var logs []*ethtypes.Log
	if to := tx.To(); to != nil && (*to == testHTLCAddress || *to == testBookAddress) {
		var rerr *rpcError
		logs, rerr = f.execute(*to, from, tx)
		if rerr != nil {
			return nil, rerr
		}
	}

	f.nonces[from]++
	f.head++
	receipt := &ethtypes.Receipt{
		Status:            ethtypes.ReceiptStatusSuccessful,
		CumulativeGasUsed: 21000,
		GasUsed:           21000,
		TxHash:            tx.Hash(),
		BlockNumber:       new(big.Int).SetUint64(f.head),
		Logs:              []*ethtypes.Log{},
	}
	for _, l := range logs {
		l.TxHash = tx.Hash()
		l.BlockNumber = f.head
		receipt.Logs = append(receipt.Logs, l)
	}
	f.receipts[tx.Hash()] = receipt
	return tx.Hash(), nil
}

func (f *fakeEVM) execute(to, from common.Address, tx *ethtypes.Transaction) ([]*ethtypes.Log, *rpcError) {
	contract := f.htlcABI
	if to == testBookAddress {
		contract = f.bookABI
	}
	method, err := contract.MethodById(tx.Data()[:4])
	if err != nil {
		return nil, revert("unknown selector")
	}
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	if err != nil {
		return nil, revert(err.Error())
	}

	switch method.Name {
	case "createLock":
		id := args[0].([32]byte)
		if _, ok := f.locks[id]; ok {
			return nil, revert("lock exists")
		}
		timelock := args[3].(*big.Int).Uint64()
		if timelock <= f.now {
			return nil, revert("invalid timelock")
		}
		f.locks[id] = &fakeLock{
			sender: from, receiver: args[1].(common.Address), token: args[4].(common.Address),
			amount: args[5].(*big.Int), hashlock: args[2].([32]byte), timelock: timelock, status: evmStatusOpen,
		}
	case "claimWithSecret":
		l, ok := f.locks[args[0].([32]byte)]
		secret := args[1].([32]byte)
		switch {
		case !ok:
			return nil, revert("lock not found")
		case l.status == evmStatusClaimed:
			return nil, revert("already claimed")
		case l.status == evmStatusRefunded:
			return nil, revert("already refunded")
		case from != l.receiver:
			return nil, revert("not receiver")
		case f.now >= l.timelock:
			return nil, revert("timelock expired")
		case sha256.Sum256(secret[:]) != l.hashlock:
			return nil, revert("invalid secret")
		}
		l.status = evmStatusClaimed
		l.secret = secret
	case "refund":
		l, ok := f.locks[args[0].([32]byte)]
		switch {
		case !ok:
			return nil, revert("lock not found")
		case l.status == evmStatusClaimed:
			return nil, revert("already claimed")
		case l.status == evmStatusRefunded:
			return nil, revert("already refunded")
		case from != l.sender:
			return nil, revert("not sender")
		case f.now < l.timelock:
			return nil, revert("timelock not expired")
		}
		l.status = evmStatusRefunded
	case "placeOrder":
		id := args[0].([32]byte)
		f.orders[id] = &fakeOrder{
			maker: from, receiver: args[1].(common.Address), minOutput: args[5].(*big.Int),
			hashlock: args[6].([32]byte), expiry: args[7].(*big.Int).Uint64(), status: orderStatusOpen, output: big.NewInt(0),
		}
	case "fillOrder":
		id := args[0].([32]byte)
		secret := args[1].([32]byte)
		o, ok := f.orders[id]
		switch {
		case !ok:
			return nil, revert("order not found")
		case o.status == orderStatusFilled:
			return nil, revert("already filled")
		case f.now >= o.expiry:
			return nil, revert("order expired")
		case sha256.Sum256(secret[:]) != o.hashlock:
			return nil, revert("invalid secret")
		case f.fillOutput.Cmp(o.minOutput) < 0:
			return nil, revert("slippage exceeded")
		}
		o.status = orderStatusFilled
		o.output = new(big.Int).Set(f.fillOutput)
		data, _ := f.bookABI.Events["OrderFilled"].Inputs.NonIndexed().Pack(o.output, secret)
		return []*ethtypes.Log{{
			Address: testBookAddress,
			Topics:  []common.Hash{f.bookABI.Events["OrderFilled"].ID, common.Hash(id), common.BytesToHash(o.receiver.Bytes())},
			Data:    data,
		}}, nil
	case "cancelOrder":
		if o, ok := f.orders[args[0].([32]byte)]; ok {
			o.status = orderStatusCancelled
		}
	}
	return nil, nil
}

func newTestEVMAdapter(t *testing.T, url string, key *ecdsa.PrivateKey) *EVMAdapter {
	t.Helper()
	a, err := NewEVMAdapter(config.Ethereum{
		ChainName:     "ethereum",
		HTTPUrl:       url,
		PrivateKey:    fmt.Sprintf("%x", crypto.FromECDSA(key)),
		ChainID:       31337,
		HTLCAddress:   testHTLCAddress.Hex(),
		GasLimit:      300000,
		FinalityDepth: 1,
		PollInterval:  10 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	require.NoError(t, a.Connect(context.Background()))
	require.NoError(t, a.Validate(context.Background()))
	t.Cleanup(func() { a.Close() })
	return a
}

func newKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key
}

func TestEVMAdapter_LockAndClaim(t *testing.T) {
	ctx := context.Background()
	node, srv := newFakeEVM(t)
	sender := newTestEVMAdapter(t, srv.URL, newKey(t))
	receiver := newTestEVMAdapter(t, srv.URL, newKey(t))

	secret := types.Secret{1, 2, 3}
	lockID := types.DeriveLockID("swap-1", types.LegA)
	timelock := time.Unix(int64(node.now), 0).Add(time.Hour)

	handle, err := sender.CreateLock(ctx, LockRequest{
		LockID:   lockID,
		Receiver: receiver.Address(),
		Hashlock: secret.Hash(),
		Timelock: timelock,
		Asset:    "ETH",
		Amount:   big.NewInt(5000),
	})
	require.NoError(t, err)
	require.NoError(t, sender.WaitForFinality(ctx, handle.TxHash))

	state, err := receiver.QueryLock(ctx, *handle)
	require.NoError(t, err)
	require.Equal(t, types.LockOpen, state.Status)
	require.Equal(t, sender.Address(), state.Sender)
	require.Equal(t, receiver.Address(), state.Receiver)
	require.Equal(t, "5000", state.Amount.String())
	require.Equal(t, secret.Hash(), state.Hashlock)
	require.True(t, timelock.Equal(state.Timelock))

	// a second lock under the same id is rejected before broadcast
	_, err = sender.CreateLock(ctx, LockRequest{LockID: lockID, Receiver: receiver.Address(), Hashlock: secret.Hash(), Timelock: timelock, Amount: big.NewInt(1)})
	require.ErrorIs(t, err, types.ErrLockExists)

	_, err = sender.ClaimWithSecret(ctx, *handle, secret)
	require.ErrorIs(t, err, types.ErrUnauthorized)

	_, err = receiver.ClaimWithSecret(ctx, *handle, types.Secret{9})
	require.ErrorIs(t, err, types.ErrSecretMismatch)

	claim, err := receiver.ClaimWithSecret(ctx, *handle, secret)
	require.NoError(t, err)
	require.NoError(t, receiver.WaitForFinality(ctx, claim.TxHash))

	state, err = sender.QueryLock(ctx, *handle)
	require.NoError(t, err)
	require.Equal(t, types.LockClaimed, state.Status)
	require.Equal(t, secret, state.Secret)

	_, err = receiver.ClaimWithSecret(ctx, *handle, secret)
	require.ErrorIs(t, err, types.ErrAlreadyClaimed)
	_, err = sender.Refund(ctx, *handle)
	require.ErrorIs(t, err, types.ErrAlreadyClaimed)
}

func TestEVMAdapter_RefundGatedByTimelock(t *testing.T) {
	ctx := context.Background()
	node, srv := newFakeEVM(t)
	sender := newTestEVMAdapter(t, srv.URL, newKey(t))
	receiver := newTestEVMAdapter(t, srv.URL, newKey(t))

	secret := types.Secret{7}
	handle, err := sender.CreateLock(ctx, LockRequest{
		LockID:   types.DeriveLockID("swap-2", types.LegB),
		Receiver: receiver.Address(),
		Hashlock: secret.Hash(),
		Timelock: time.Unix(int64(node.now), 0).Add(time.Hour),
		Amount:   big.NewInt(10),
	})
	require.NoError(t, err)

	_, err = sender.Refund(ctx, *handle)
	require.ErrorIs(t, err, types.ErrTimelockNotYetExpired)
	require.Equal(t, types.KindChainState, types.KindOf(err))

	node.advance(2 * time.Hour)

	_, err = receiver.ClaimWithSecret(ctx, *handle, secret)
	require.ErrorIs(t, err, types.ErrTimelockExpired)

	_, err = receiver.Refund(ctx, *handle)
	require.ErrorIs(t, err, types.ErrUnauthorized)

	refund, err := sender.Refund(ctx, *handle)
	require.NoError(t, err)
	require.NoError(t, sender.WaitForFinality(ctx, refund.TxHash))

	state, err := sender.QueryLock(ctx, *handle)
	require.NoError(t, err)
	require.Equal(t, types.LockRefunded, state.Status)
}

func TestEVMAdapter_QueryAbsentAndTransport(t *testing.T) {
	ctx := context.Background()
	node, srv := newFakeEVM(t)
	a := newTestEVMAdapter(t, srv.URL, newKey(t))

	state, err := a.QueryLock(ctx, LockHandle{LockID: types.DeriveLockID("none", types.LegA)})
	require.NoError(t, err)
	require.Equal(t, types.LockAbsent, state.Status)

	node.mu.Lock()
	node.down = true
	node.mu.Unlock()

	_, err = a.QueryLock(ctx, LockHandle{LockID: types.DeriveLockID("none", types.LegA)})
	require.Error(t, err)
	require.True(t, types.IsTransport(err))

	wctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err = a.WaitForFinality(wctx, common.Hash{1}.Hex())
	require.True(t, types.IsTransport(err))
}

func TestEVMAdapter_WaitForFinalityGivesUpOnDroppedTx(t *testing.T) {
	_, srv := newFakeEVM(t)
	a := newTestEVMAdapter(t, srv.URL, newKey(t))
	a.config.FinalityTimeout = 100 * time.Millisecond

	done := make(chan error, 1)
	go func() { done <- a.WaitForFinality(context.Background(), common.Hash{0xdd}.Hex()) }()

	select {
	case err := <-done:
		require.ErrorIs(t, err, types.ErrFinalityTimeout)
		require.True(t, types.IsTransport(err))
	case <-time.After(3 * time.Second):
		t.Fatal("WaitForFinality kept waiting on a tx the node does not know")
	}
}

func TestClassifyEVMError(t *testing.T) {
	cases := []struct {
		err    error
		kind   types.ErrorKind
		reason error
	}{
		{errors.New("execution reverted: already claimed"), types.KindChainState, types.ErrAlreadyClaimed},
		{errors.New("execution reverted: timelock not expired"), types.KindChainState, types.ErrTimelockNotYetExpired},
		{errors.New("execution reverted: timelock expired"), types.KindChainState, types.ErrTimelockExpired},
		{errors.New("execution reverted: invalid secret"), types.KindChainState, types.ErrSecretMismatch},
		{errors.New("execution reverted: slippage exceeded"), types.KindChainState, types.ErrSlippageExceeded},
		{errors.New("insufficient funds for gas * price + value"), types.KindChainState, types.ErrInsufficientFunds},
		{errors.New("execution reverted"), types.KindChainState, types.ErrTxReverted},
		{errors.New("dial tcp 127.0.0.1:8545: connection refused"), types.KindTransport, types.ErrTransport},
	}
	for _, tc := range cases {
		err := classifyEVMError(OpClaim, tc.err)
		require.Equal(t, tc.kind, types.KindOf(err), tc.err.Error())
		require.ErrorIs(t, err, tc.reason, tc.err.Error())
	}
	require.NoError(t, classifyEVMError(OpClaim, nil))
}

func TestEVMOrderConverter_PrepareAndFill(t *testing.T) {
	ctx := context.Background()
	node, srv := newFakeEVM(t)
	maker := newTestEVMAdapter(t, srv.URL, newKey(t))
	conv, err := NewEVMOrderConverter(maker, testBookAddress.Hex())
	require.NoError(t, err)

	secret := types.Secret{4, 2}
	req := OrderRequest{
		SwapID:       "swap-3",
		Maker:        maker.Address(),
		Receiver:     common.HexToAddress("0x1234").Hex(),
		MakerAsset:   "ETH",
		TakerAsset:   common.HexToAddress("0xdac17f958d2ee523a2206206994597c13d831ec7").Hex(),
		MakingAmount: big.NewInt(100),
		TakingAmount: big.NewInt(1000),
		MinOutput:    big.NewInt(990),
		Hashlock:     secret.Hash(),
		Expiry:       time.Unix(int64(node.now), 0).Add(time.Hour),
	}
	ref, err := conv.PrepareOrder(ctx, req)
	require.NoError(t, err)
	require.NotEmpty(t, ref.TxHash)
	require.NotEmpty(t, ref.Signature)

	// preparing again finds the placed order
	again, err := conv.PrepareOrder(ctx, req)
	require.NoError(t, err)
	require.Equal(t, ref.OrderHash, again.OrderHash)
	require.Empty(t, again.TxHash)

	_, err = conv.FillOrder(ctx, *ref, types.Secret{5})
	require.ErrorIs(t, err, types.ErrSecretMismatch)

	receipt, err := conv.FillOrder(ctx, *ref, secret)
	require.NoError(t, err)
	require.Equal(t, "1000", receipt.OutputAmount.String())

	_, err = conv.FillOrder(ctx, *ref, secret)
	require.ErrorIs(t, err, types.ErrAlreadyClaimed)
	require.ErrorIs(t, conv.CancelOrder(ctx, *ref), types.ErrAlreadyClaimed)
}

func TestEVMOrderConverter_ExpiryAndSlippage(t *testing.T) {
	ctx := context.Background()
	node, srv := newFakeEVM(t)
	maker := newTestEVMAdapter(t, srv.URL, newKey(t))
	conv, err := NewEVMOrderConverter(maker, testBookAddress.Hex())
	require.NoError(t, err)

	secret := types.Secret{8}
	newReq := func(id string) OrderRequest {
		return OrderRequest{
			SwapID: id, Maker: maker.Address(), Receiver: maker.Address(),
			MakerAsset: "ETH", TakerAsset: "ETH",
			MakingAmount: big.NewInt(100), MinOutput: big.NewInt(990),
			Hashlock: secret.Hash(), Expiry: time.Unix(int64(node.now), 0).Add(time.Hour),
		}
	}

	slipped, err := conv.PrepareOrder(ctx, newReq("swap-slip"))
	require.NoError(t, err)
	node.mu.Lock()
	node.fillOutput = big.NewInt(900)
	node.mu.Unlock()
	_, err = conv.FillOrder(ctx, *slipped, secret)
	require.ErrorIs(t, err, types.ErrSlippageExceeded)

	expiring, err := conv.PrepareOrder(ctx, newReq("swap-expire"))
	require.NoError(t, err)
	node.advance(2 * time.Hour)
	_, err = conv.FillOrder(ctx, *expiring, secret)
	require.ErrorIs(t, err, types.ErrOrderExpired)

	require.NoError(t, conv.CancelOrder(ctx, *expiring))
}
