package executor

import (
	"context"
	"fmt"
	"strconv"

	"github.com/adshao/go-binance/v2"
	"github.com/google/uuid"

	"github.com/pulsetrade/pulse/internal/config"
)

// OrderRequest is a market order an executor wants filled.
type OrderRequest struct {
	Symbol string
	Side   string // BUY or SELL
	Qty    float64
}

// Fill is the broker's acknowledgement. Simulated marks fills that never
// reached a live venue; orders built from them carry SIMULATED status.
type Fill struct {
	OrderID   string
	Price     float64
	Qty       float64
	Simulated bool
}

// Broker submits market orders. Implementations are exchange clients or the
// in-process simulator.
type Broker interface {
	Name() string
	Submit(ctx context.Context, req OrderRequest) (*Fill, error)
	// Ping reports whether the account is reachable, for readiness checks.
	Ping(ctx context.Context) error
}

// BinanceBroker places live market orders.
type BinanceBroker struct {
	client    *binance.Client
	precision int
}

// NewBinanceBroker wraps an authenticated client. Set binance.UseTestnet
// before constructing the client for paper accounts.
func NewBinanceBroker(client *binance.Client, cfg config.BrokerConfig) *BinanceBroker {
	return &BinanceBroker{client: client, precision: cfg.QtyPrecision}
}

// Name implements Broker.
func (b *BinanceBroker) Name() string { return "binance" }

// Ping implements Broker against the exchange ping endpoint.
func (b *BinanceBroker) Ping(ctx context.Context) error {
	return b.client.NewPingService().Do(ctx)
}

// Submit implements Broker with a market order and returns the average fill.
func (b *BinanceBroker) Submit(ctx context.Context, req OrderRequest) (*Fill, error) {
	qty := strconv.FormatFloat(req.Qty, 'f', b.precision, 64)
	res, err := b.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(binance.SideType(req.Side)).
		Type(binance.OrderTypeMarket).
		Quantity(qty).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance order %s %s: %w", req.Side, req.Symbol, err)
	}

	var filledQty, notional float64
	for _, f := range res.Fills {
		p, perr := strconv.ParseFloat(f.Price, 64)
		q, qerr := strconv.ParseFloat(f.Quantity, 64)
		if perr != nil || qerr != nil {
			continue
		}
		filledQty += q
		notional += p * q
	}
	if filledQty == 0 {
		return nil, fmt.Errorf("binance order %s %s: no fills reported", req.Side, req.Symbol)
	}
	return &Fill{
		OrderID: strconv.FormatInt(res.OrderID, 10),
		Price:   notional / filledQty,
		Qty:     filledQty,
	}, nil
}

// SimulatedBroker fills every order instantly at the caller-provided
// reference price. It backs the simulation fallback and the backtester.
type SimulatedBroker struct {
	prices func(ctx context.Context, symbol string) (float64, error)
}

// NewSimulatedBroker builds a simulator over a price source.
func NewSimulatedBroker(prices func(ctx context.Context, symbol string) (float64, error)) *SimulatedBroker {
	return &SimulatedBroker{prices: prices}
}

// Name implements Broker.
func (s *SimulatedBroker) Name() string { return "simulated" }

// Ping implements Broker. The simulator is always serviceable.
func (s *SimulatedBroker) Ping(ctx context.Context) error { return nil }

// Submit implements Broker. Simulated order ids carry the SIM_ prefix so
// they are unmistakable downstream.
func (s *SimulatedBroker) Submit(ctx context.Context, req OrderRequest) (*Fill, error) {
	price, err := s.prices(ctx, req.Symbol)
	if err != nil {
		return nil, fmt.Errorf("simulated fill for %s: %w", req.Symbol, err)
	}
	return &Fill{
		OrderID:   "SIM_" + uuid.NewString(),
		Price:     price,
		Qty:       req.Qty,
		Simulated: true,
	}, nil
}
