package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"microgrid-ledger/internal/ledger"
	orderbook "microgrid-ledger/internal/orderbook/domain"
)

const settlementEvent = "SettlementRecorded"

// Config describes the contract binding.
type Config struct {
	RPCURL          string
	ChainID         int64
	ContractAddress string
	PrivateKey      string
	// ValueDecimals is the fixed-point scale of prices, quantities and credited values on chain.
	ValueDecimals int32
}

// Backend is the part of ethclient.Client the gateway needs.
type Backend interface {
	bind.ContractBackend
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Gateway talks to the energy market contract over JSON-RPC.
type Gateway struct {
	backend  Backend
	contract *bind.BoundContract
	abi      abi.ABI
	key      *ecdsa.PrivateKey
	chainID  *big.Int
	decimals int32
	logger   *zap.Logger
}

// Dial connects to the RPC endpoint and binds the contract.
func Dial(ctx context.Context, cfg Config, logger *zap.Logger) (*Gateway, error) {
	if cfg.RPCURL == "" {
		return nil, errors.New("evm gateway: empty rpc url")
	}
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("evm gateway: dial: %w", err)
	}
	return New(client, cfg, logger)
}

// New binds the contract on an existing backend.
func New(backend Backend, cfg Config, logger *zap.Logger) (*Gateway, error) {
	if backend == nil {
		return nil, errors.New("evm gateway: nil backend")
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("evm gateway: invalid contract address %q", cfg.ContractAddress)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("evm gateway: private key: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(energyMarketABI))
	if err != nil {
		return nil, fmt.Errorf("evm gateway: abi: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	address := common.HexToAddress(cfg.ContractAddress)
	return &Gateway{
		backend:  backend,
		contract: bind.NewBoundContract(address, parsed, backend, backend, backend),
		abi:      parsed,
		key:      key,
		chainID:  big.NewInt(cfg.ChainID),
		decimals: cfg.ValueDecimals,
		logger:   logger.With(zap.String("contract", address.Hex())),
	}, nil
}

func (g *Gateway) transactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(g.key, g.chainID)
	if err != nil {
		return nil, err
	}
	opts.Context = ctx
	return opts, nil
}

func (g *Gateway) transact(ctx context.Context, method string, params ...any) (ledger.TxRef, error) {
	opts, err := g.transactOpts(ctx)
	if err != nil {
		return "", fmt.Errorf("evm gateway: %s: %w", method, err)
	}
	tx, err := g.contract.Transact(opts, method, params...)
	if err != nil {
		return "", fmt.Errorf("evm gateway: %s: %w", method, err)
	}
	g.logger.Debug("transaction sent", zap.String("method", method), zap.String("tx", tx.Hash().Hex()))
	return ledger.TxRef(tx.Hash().Hex()), nil
}

func (g *Gateway) call(ctx context.Context, method string, params ...any) ([]any, error) {
	var out []any
	if err := g.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, params...); err != nil {
		return nil, fmt.Errorf("evm gateway: %s: %w", method, err)
	}
	return out, nil
}

// SubmitSettlement records a device's net energy on chain. Energy is rounded to whole Wh.
func (g *Gateway) SubmitSettlement(ctx context.Context, deviceID string, netEnergyWh float64) (ledger.TxRef, error) {
	return g.transact(ctx, "settle", deviceID, big.NewInt(int64(math.Round(netEnergyWh))))
}

// PlaceOrder submits a new order.
func (g *Gateway) PlaceOrder(ctx context.Context, owner string, side orderbook.Side, quantity, unitPrice decimal.Decimal) (ledger.TxRef, error) {
	if !common.IsHexAddress(owner) {
		return "", fmt.Errorf("evm gateway: invalid owner address %q", owner)
	}
	return g.transact(ctx, "placeOrder", common.HexToAddress(owner), side == orderbook.SideBid, g.toChain(quantity), g.toChain(unitPrice))
}

// CancelOrder cancels a live order.
func (g *Gateway) CancelOrder(ctx context.Context, orderID string, side orderbook.Side) (ledger.TxRef, error) {
	id, err := parseOrderID(orderID)
	if err != nil {
		return "", err
	}
	return g.transact(ctx, "cancelOrder", id, side == orderbook.SideBid)
}

// GetOrder reads an order. A missing order is reported as ErrOrderNotFound.
func (g *Gateway) GetOrder(ctx context.Context, orderID string, side orderbook.Side) (ledger.LedgerOrder, error) {
	id, err := parseOrderID(orderID)
	if err != nil {
		return ledger.LedgerOrder{}, err
	}
	out, err := g.call(ctx, "getOrder", id, side == orderbook.SideBid)
	if err != nil {
		return ledger.LedgerOrder{}, err
	}
	if len(out) != 5 {
		return ledger.LedgerOrder{}, fmt.Errorf("evm gateway: getOrder: unexpected %d outputs", len(out))
	}
	exists, _ := out[0].(bool)
	if !exists {
		return ledger.LedgerOrder{OrderID: orderID, Side: side}, ledger.ErrOrderNotFound
	}
	owner, _ := out[1].(common.Address)
	quantity, _ := out[2].(*big.Int)
	price, _ := out[3].(*big.Int)
	createdAt, _ := out[4].(uint64)
	return ledger.LedgerOrder{
		OrderID:   orderID,
		Exists:    true,
		Owner:     owner.Hex(),
		Side:      side,
		Quantity:  g.fromChain(quantity),
		UnitPrice: g.fromChain(price),
		CreatedAt: time.Unix(int64(createdAt), 0).UTC(),
	}, nil
}

// GetMarketAggregates reads book-level aggregates.
func (g *Gateway) GetMarketAggregates(ctx context.Context) (ledger.MarketAggregates, error) {
	out, err := g.call(ctx, "marketAggregates")
	if err != nil {
		return ledger.MarketAggregates{}, err
	}
	if len(out) != 6 {
		return ledger.MarketAggregates{}, fmt.Errorf("evm gateway: marketAggregates: unexpected %d outputs", len(out))
	}
	values := make([]*big.Int, len(out))
	for i, value := range out {
		values[i], _ = value.(*big.Int)
	}
	return ledger.MarketAggregates{
		BidCount:       int(bigOrZero(values[0]).Int64()),
		AskCount:       int(bigOrZero(values[1]).Int64()),
		BestBid:        g.fromChain(values[2]),
		BestAsk:        g.fromChain(values[3]),
		TotalBidVolume: g.fromChain(values[4]),
		TotalAskVolume: g.fromChain(values[5]),
	}, nil
}

// SettlementParams reads the on-chain threshold and conversion ratio.
func (g *Gateway) SettlementParams(ctx context.Context) (ledger.SettlementParams, error) {
	out, err := g.call(ctx, "settlementParams")
	if err != nil {
		return ledger.SettlementParams{}, err
	}
	if len(out) != 2 {
		return ledger.SettlementParams{}, fmt.Errorf("evm gateway: settlementParams: unexpected %d outputs", len(out))
	}
	minWh, _ := out[0].(*big.Int)
	ratio, _ := out[1].(*big.Int)
	return ledger.SettlementParams{
		MinSettlementWh: float64(bigOrZero(minWh).Int64()),
		ConversionRatio: g.fromChain(ratio),
	}, nil
}

// TransactionStatus inspects the receipt. A missing receipt means the transaction is pending.
func (g *Gateway) TransactionStatus(ctx context.Context, txRef ledger.TxRef) (ledger.TxStatus, error) {
	if txRef == "" {
		return ledger.TxStatus{}, ledger.ErrEmptyTxRef
	}
	receipt, err := g.backend.TransactionReceipt(ctx, common.HexToHash(string(txRef)))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return ledger.TxStatus{State: ledger.TxPending}, nil
		}
		return ledger.TxStatus{}, fmt.Errorf("evm gateway: receipt: %w", err)
	}
	status := ledger.TxStatus{State: ledger.TxFailed}
	if receipt.BlockNumber != nil {
		status.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return status, nil
	}
	status.State = ledger.TxSuccess
	status.CreditedValue = g.creditedValue(receipt)
	return status, nil
}

func (g *Gateway) creditedValue(receipt *types.Receipt) *decimal.Decimal {
	event, ok := g.abi.Events[settlementEvent]
	if !ok {
		return nil
	}
	for _, log := range receipt.Logs {
		if log == nil || len(log.Topics) == 0 || log.Topics[0] != event.ID {
			continue
		}
		var recorded struct {
			DeviceId      string
			NetEnergyWh   *big.Int
			CreditedValue *big.Int
		}
		if err := g.contract.UnpackLog(&recorded, settlementEvent, *log); err != nil {
			g.logger.Warn("settlement log unpack failed", zap.String("tx", receipt.TxHash.Hex()), zap.Error(err))
			return nil
		}
		value := g.fromChain(recorded.CreditedValue)
		return &value
	}
	return nil
}

func (g *Gateway) toChain(value decimal.Decimal) *big.Int {
	return value.Shift(g.decimals).BigInt()
}

func (g *Gateway) fromChain(value *big.Int) decimal.Decimal {
	if value == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(value, -g.decimals)
}

func parseOrderID(orderID string) (*big.Int, error) {
	id, ok := new(big.Int).SetString(orderID, 10)
	if !ok || id.Sign() < 0 {
		return nil, fmt.Errorf("evm gateway: invalid order id %q", orderID)
	}
	return id, nil
}

func bigOrZero(value *big.Int) *big.Int {
	if value == nil {
		return new(big.Int)
	}
	return value
}
