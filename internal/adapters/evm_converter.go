package adapters

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	log "github.com/sirupsen/logrus"

	"github.com/1inch/swap-coordinator/internal/types"
)

const (
	orderStatusNone uint8 = iota
	orderStatusOpen
	orderStatusFilled
	orderStatusCancelled
)

// EVMOrderConverter settles a conversion leg through the hashlocked order
// book. The maker's funds are escrowed when the order is placed; a fill
// reveals the secret and pays the receiver at least MinOutput.
type EVMOrderConverter struct {
	adapter   *EVMAdapter
	orderBook common.Address
	bookABI   abi.ABI
}

var _ AssetConverter = (*EVMOrderConverter)(nil)

// NewEVMOrderConverter creates a converter sharing the adapter's connection and key
func NewEVMOrderConverter(adapter *EVMAdapter, orderBook string) (*EVMOrderConverter, error) {
	bookABI, err := abi.JSON(strings.NewReader(orderBookABIJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse order book ABI: %w", err)
	}
	if !common.IsHexAddress(orderBook) {
		return nil, fmt.Errorf("invalid order book address %q", orderBook)
	}
	return &EVMOrderConverter{
		adapter:   adapter,
		orderBook: common.HexToAddress(orderBook),
		bookABI:   bookABI,
	}, nil
}

func (c *EVMOrderConverter) ChainID() string { return c.adapter.ChainID() }

// OrderHash is keccak256 over the packed order fields.
func OrderHash(chainID *big.Int, book common.Address, order types.LimitOrder, hashlock types.Hash, minOutput *big.Int, expiry time.Time) types.Hash {
	return types.Hash(crypto.Keccak256Hash(
		common.LeftPadBytes(chainID.Bytes(), 32),
		book.Bytes(),
		common.LeftPadBytes(order.Salt.Bytes(), 32),
		common.HexToAddress(order.Maker).Bytes(),
		common.HexToAddress(order.Receiver).Bytes(),
		common.HexToAddress(order.MakerAsset).Bytes(),
		common.HexToAddress(order.TakerAsset).Bytes(),
		common.LeftPadBytes(order.MakingAmount.Bytes(), 32),
		common.LeftPadBytes(minOutput.Bytes(), 32),
		hashlock[:],
		common.LeftPadBytes(big.NewInt(expiry.Unix()).Bytes(), 32),
	))
}

// PrepareOrder signs and places the order. It is idempotent per swap id.
func (c *EVMOrderConverter) PrepareOrder(ctx context.Context, req OrderRequest) (*types.OrderRef, error) {
	a := c.adapter
	if !strings.EqualFold(req.Maker, a.Address()) {
		return nil, types.ChainState(OpPrepareOrder, types.ErrUnauthorized)
	}
	makerAsset, native, err := parseEVMAsset(req.MakerAsset)
	if err != nil {
		return nil, types.NewError(types.KindValidation, OpPrepareOrder, types.ErrInvalidIntent, err)
	}
	takerAsset, _, err := parseEVMAsset(req.TakerAsset)
	if err != nil {
		return nil, types.NewError(types.KindValidation, OpPrepareOrder, types.ErrInvalidIntent, err)
	}

	salt := new(big.Int).SetBytes(crypto.Keccak256([]byte("order:" + req.SwapID))[:8])
	order := types.LimitOrder{
		Salt:         salt,
		Maker:        a.address.Hex(),
		Receiver:     common.HexToAddress(req.Receiver).Hex(),
		MakerAsset:   makerAsset.Hex(),
		TakerAsset:   takerAsset.Hex(),
		MakingAmount: new(big.Int).Set(req.MakingAmount),
		TakingAmount: orZero(req.TakingAmount),
		MakerTraits:  big.NewInt(0),
	}
	minOutput := orZero(req.MinOutput)
	hash := OrderHash(a.chainID, c.orderBook, order, req.Hashlock, minOutput, req.Expiry)

	sig, err := crypto.Sign(accounts.TextHash(hash[:]), a.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign order: %w", err)
	}

	ref := &types.OrderRef{
		OrderHash: hash,
		Chain:     c.ChainID(),
		Order:     order,
		Signature: hexutil.Encode(sig),
		MinOutput: minOutput,
		Expiry:    req.Expiry,
	}

	status, _, err := c.getOrder(ctx, OpPrepareOrder, hash)
	if err != nil {
		return nil, err
	}
	if status != orderStatusNone {
		// already placed by an earlier attempt
		return ref, nil
	}

	now, err := a.chainTime(ctx, OpPrepareOrder)
	if err != nil {
		return nil, err
	}
	if !req.Expiry.After(now) {
		return nil, types.ChainState(OpPrepareOrder, types.ErrOrderExpired)
	}

	value := big.NewInt(0)
	if native {
		value = order.MakingAmount
	} else {
		approve, err := a.erc20ABI.Pack("approve", c.orderBook, order.MakingAmount)
		if err != nil {
			return nil, fmt.Errorf("failed to pack approve: %w", err)
		}
		if _, err := a.transact(ctx, OpPrepareOrder, makerAsset, big.NewInt(0), approve); err != nil {
			return nil, err
		}
	}

	data, err := c.bookABI.Pack("placeOrder",
		[32]byte(hash),
		common.HexToAddress(order.Receiver),
		makerAsset,
		takerAsset,
		order.MakingAmount,
		minOutput,
		[32]byte(req.Hashlock),
		big.NewInt(req.Expiry.Unix()),
		sig,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to pack placeOrder: %w", err)
	}
	txHash, err := a.transact(ctx, OpPrepareOrder, c.orderBook, value, data)
	if err != nil {
		return nil, err
	}
	ref.TxHash = txHash.Hex()

	a.logger.WithFields(log.Fields{"order": hash.Hex(), "tx": ref.TxHash}).Info("Order placed")
	return ref, nil
}

// FillOrder fills the order with the secret and waits for the receipt to read the output
func (c *EVMOrderConverter) FillOrder(ctx context.Context, ref types.OrderRef, secret types.Secret) (*FillReceipt, error) {
	a := c.adapter

	status, output, err := c.getOrder(ctx, OpFillOrder, ref.OrderHash)
	if err != nil {
		return nil, err
	}
	switch status {
	case orderStatusNone:
		return nil, types.ChainState(OpFillOrder, types.ErrLockNotFound)
	case orderStatusFilled:
		return nil, types.NewError(types.KindChainState, OpFillOrder, types.ErrAlreadyClaimed, fmt.Errorf("output %s", output))
	case orderStatusCancelled:
		return nil, types.ChainState(OpFillOrder, types.ErrAlreadyRefunded)
	}
	now, err := a.chainTime(ctx, OpFillOrder)
	if err != nil {
		return nil, err
	}
	if !now.Before(ref.Expiry) {
		return nil, types.ChainState(OpFillOrder, types.ErrOrderExpired)
	}

	data, err := c.bookABI.Pack("fillOrder", [32]byte(ref.OrderHash), [32]byte(secret))
	if err != nil {
		return nil, fmt.Errorf("failed to pack fillOrder: %w", err)
	}
	txHash, err := a.transact(ctx, OpFillOrder, c.orderBook, big.NewInt(0), data)
	if err != nil {
		return nil, err
	}

	receipt, err := a.waitReceipt(ctx, OpFillOrder, txHash)
	if err != nil {
		return nil, err
	}

	filledID := c.bookABI.Events["OrderFilled"].ID
	for _, l := range receipt.Logs {
		if l.Address != c.orderBook || len(l.Topics) < 2 || l.Topics[0] != filledID || l.Topics[1] != common.Hash(ref.OrderHash) {
			continue
		}
		values, err := c.bookABI.Unpack("OrderFilled", l.Data)
		if err != nil || len(values) != 2 {
			return nil, types.Transport(OpFillOrder, fmt.Errorf("failed to unpack OrderFilled: %v", err))
		}
		out := values[0].(*big.Int)
		if ref.MinOutput != nil && out.Cmp(ref.MinOutput) < 0 {
			return nil, types.NewError(types.KindChainState, OpFillOrder, types.ErrSlippageExceeded,
				fmt.Errorf("output %s below minimum %s", out, ref.MinOutput))
		}
		return &FillReceipt{TxHash: txHash.Hex(), OutputAmount: out}, nil
	}
	return nil, types.NewError(types.KindChainState, OpFillOrder, types.ErrTxReverted,
		fmt.Errorf("no OrderFilled event in %s", txHash.Hex()))
}

// CancelOrder returns the escrowed funds to the maker. Unknown or already
// cancelled orders are a no-op.
func (c *EVMOrderConverter) CancelOrder(ctx context.Context, ref types.OrderRef) error {
	status, _, err := c.getOrder(ctx, OpCancelOrder, ref.OrderHash)
	if err != nil {
		return err
	}
	switch status {
	case orderStatusNone, orderStatusCancelled:
		return nil
	case orderStatusFilled:
		return types.ChainState(OpCancelOrder, types.ErrAlreadyClaimed)
	}

	data, err := c.bookABI.Pack("cancelOrder", [32]byte(ref.OrderHash))
	if err != nil {
		return fmt.Errorf("failed to pack cancelOrder: %w", err)
	}
	txHash, err := c.adapter.transact(ctx, OpCancelOrder, c.orderBook, big.NewInt(0), data)
	if err != nil {
		return err
	}
	_, err = c.adapter.waitReceipt(ctx, OpCancelOrder, txHash)
	return err
}

func (c *EVMOrderConverter) getOrder(ctx context.Context, op string, hash types.Hash) (uint8, *big.Int, error) {
	data, err := c.bookABI.Pack("getOrder", [32]byte(hash))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to pack getOrder: %w", err)
	}
	out, err := c.adapter.call(ctx, op, c.orderBook, data)
	if err != nil {
		return 0, nil, err
	}
	values, err := c.bookABI.Unpack("getOrder", out)
	if err != nil || len(values) != 4 {
		return 0, nil, types.Transport(op, fmt.Errorf("failed to unpack order: %v", err))
	}
	return values[2].(uint8), values[3].(*big.Int), nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
