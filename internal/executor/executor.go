// Package executor turns delivered signals into orders on one brokerage
// account. Two kinds share this code path: STANDARD accounts and PROP_FIRM
// accounts differ only in their configured limits and accounting strictness.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/pulsetrade/pulse/internal/config"
	"github.com/pulsetrade/pulse/internal/metrics"
	"github.com/pulsetrade/pulse/internal/risk"
	"github.com/pulsetrade/pulse/internal/signal"
	"github.com/pulsetrade/pulse/internal/store"
)

// ShortPolicy values.
const (
	ShortPolicyNoop      = "noop"
	ShortPolicyOpenShort = "open_short"
)

// Executor consumes one executor's signal subject and manages its account.
type Executor struct {
	id        string
	cfg       config.ExecutorConfig
	brokerCfg config.BrokerConfig
	features  config.FeatureFlags

	broker  Broker
	breaker *gobreaker.CircuitBreaker
	guard   *risk.Guard
	db      *store.Store
	log     zerolog.Logger

	locks symbolLocks
}

// New builds an executor. The circuit breaker guards the live broker; when
// it is open and simulation fallback is enabled, orders fill as SIM_ orders
// at the signal's entry price.
func New(id string, cfg config.ExecutorConfig, brokerCfg config.BrokerConfig, features config.FeatureFlags, broker Broker, guard *risk.Guard, db *store.Store) *Executor {
	e := &Executor{
		id:        id,
		cfg:       cfg,
		brokerCfg: brokerCfg,
		features:  features,
		broker:    broker,
		guard:     guard,
		db:        db,
		log:       config.NewExecutorLogger(id, cfg.Kind),
	}
	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "broker-" + id,
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.log.Warn().Str("from", from.String()).Str("to", to.String()).
				Msg("broker circuit breaker state change")
		},
	})
	return e
}

// ID returns the executor identifier.
func (e *Executor) ID() string { return e.id }

// ErrTamperedSignal is returned when a delivered signal's fingerprint does
// not verify. The signal is discarded, never traded.
var ErrTamperedSignal = errors.New("signal fingerprint does not verify")

// Subscribe attaches the executor to its delivery subject and returns once
// the subscription is registered on the server, so a signal published right
// after is not lost. Call before the distributor starts publishing.
func (e *Executor) Subscribe(ctx context.Context, nc *nats.Conn, subject string) (*nats.Subscription, error) {
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		var sig signal.Signal
		if err := json.Unmarshal(msg.Data, &sig); err != nil {
			e.log.Error().Err(err).Msg("undecodable signal payload")
			return
		}
		if _, err := e.Handle(ctx, &sig); err != nil {
			e.log.Error().Err(err).Str("signal_id", sig.SignalID).Msg("signal handling failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	if err := nc.Flush(); err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription %s: %w", subject, err)
	}
	return sub, nil
}

// Run subscribes to the executor's subject and processes signals until ctx
// ends.
func (e *Executor) Run(ctx context.Context, nc *nats.Conn, subject string) error {
	sub, err := e.Subscribe(ctx, nc, subject)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	<-ctx.Done()
	return ctx.Err()
}

// Handle processes one delivered signal end to end and returns the decision:
// the order placed (or the prior order, on redelivery), a nil order when no
// action applied, or an error. A *risk.PolicyRejection is returned as-is so
// callers can surface the reason. Signals for the same symbol are
// serialized; different symbols proceed concurrently.
func (e *Executor) Handle(ctx context.Context, sig *signal.Signal) (*store.Order, error) {
	if !signal.VerifyFingerprint(sig) {
		e.log.Error().Str("signal_id", sig.SignalID).Msg("fingerprint mismatch on delivery, discarding")
		return nil, ErrTamperedSignal
	}

	unlock := e.locks.lock(sig.Symbol)
	defer unlock()

	// Idempotency: one order per signal per executor, across restarts.
	if prior, err := e.db.OrderForSignal(ctx, e.id, sig.SignalID); err == nil {
		e.log.Debug().Str("signal_id", sig.SignalID).Msg("signal already executed, skipping")
		return prior, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("dedupe lookup for %s: %w", sig.SignalID, err)
	}

	switch sig.Action {
	case signal.ActionBuy:
		return e.openLong(ctx, sig)
	case signal.ActionSell:
		return e.handleSell(ctx, sig)
	}
	return nil, nil
}

func (e *Executor) openLong(ctx context.Context, sig *signal.Signal) (*store.Order, error) {
	open, err := e.db.OpenPositions(ctx, e.id)
	if err != nil {
		return nil, fmt.Errorf("open positions lookup: %w", err)
	}
	for _, p := range open {
		if p.Symbol == sig.Symbol {
			e.log.Debug().Str("symbol", sig.Symbol).Msg("position already open, skipping entry")
			return nil, nil
		}
	}
	return e.enter(ctx, sig, "BUY")
}

// handleSell closes an open long, or applies the short policy when the book
// is flat in that symbol.
func (e *Executor) handleSell(ctx context.Context, sig *signal.Signal) (*store.Order, error) {
	open, err := e.db.OpenPositions(ctx, e.id)
	if err != nil {
		return nil, fmt.Errorf("open positions lookup: %w", err)
	}
	for _, p := range open {
		if p.Symbol == sig.Symbol && p.Side == "BUY" {
			order, err := e.ExitAtMarket(ctx, &p, sig.EntryPrice, sig.SignalID)
			if err != nil {
				return nil, fmt.Errorf("close on sell signal: %w", err)
			}
			return order, nil
		}
	}

	switch e.cfg.ShortPolicy {
	case ShortPolicyOpenShort:
		return e.enter(ctx, sig, "SELL")
	default:
		e.log.Debug().Str("symbol", sig.Symbol).Msg("flat book, short policy is noop")
		return nil, nil
	}
}

// enter sizes and submits an opening order, then records it. The risk gate
// applies here, not on exits: a paused executor may still flatten.
func (e *Executor) enter(ctx context.Context, sig *signal.Signal, side string) (*store.Order, error) {
	if err := e.guard.CheckOrder(ctx, e.id, sig.Symbol); err != nil {
		var rej *risk.PolicyRejection
		if errors.As(err, &rej) {
			e.log.Info().Str("signal_id", sig.SignalID).Str("reason", string(rej.Reason)).
				Msg("entry rejected by risk gate")
			metrics.OrdersSubmitted.WithLabelValues(e.id, "risk_rejected", "false").Inc()
			return nil, rej
		}
		return nil, fmt.Errorf("risk gate: %w", err)
	}

	st, err := e.db.GetExecutorState(ctx, e.id)
	if err != nil {
		return nil, fmt.Errorf("executor state lookup: %w", err)
	}

	qty := e.size(st.Equity, sig.EntryPrice)
	if qty <= 0 {
		e.log.Info().Str("signal_id", sig.SignalID).Float64("equity", st.Equity).
			Msg("sized below minimum notional, skipping")
		return nil, nil
	}

	fill, err := e.submit(ctx, OrderRequest{Symbol: sig.Symbol, Side: side, Qty: qty}, sig.EntryPrice)
	if err != nil {
		metrics.OrdersSubmitted.WithLabelValues(e.id, store.OrderStatusRejected, "false").Inc()
		return nil, fmt.Errorf("order submission: %w", err)
	}

	order := &store.Order{
		OrderID:    fill.OrderID,
		ExecutorID: e.id,
		SignalID:   sig.SignalID,
		Symbol:     sig.Symbol,
		Side:       side,
		Qty:        fill.Qty,
		Price:      fill.Price,
		Status:     orderStatus(fill),
		Simulated:  fill.Simulated,
		IsEntry:    true,
		CreatedAt:  time.Now().UTC(),
	}
	created, err := e.db.RecordOrder(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("persist order %s: %w", order.OrderID, err)
	}
	if !created {
		// A concurrent delivery won the entry index; return its order.
		return e.db.OrderForSignal(ctx, e.id, sig.SignalID)
	}

	if _, err := e.db.OpenPosition(ctx, &store.Position{
		ExecutorID: e.id,
		SignalID:   sig.SignalID,
		Symbol:     sig.Symbol,
		Side:       side,
		Qty:        fill.Qty,
		AvgEntry:   fill.Price,
		OpenedAt:   order.CreatedAt,
	}); err != nil {
		return nil, fmt.Errorf("persist position for %s: %w", order.OrderID, err)
	}

	metrics.OrdersSubmitted.WithLabelValues(e.id, order.Status, strconv.FormatBool(fill.Simulated)).Inc()
	e.log.Info().
		Str("signal_id", sig.SignalID).
		Str("order_id", order.OrderID).
		Str("side", side).
		Float64("qty", fill.Qty).
		Float64("price", fill.Price).
		Bool("simulated", fill.Simulated).
		Msg("position opened")
	return order, nil
}

// ExitAtMarket closes an open position of either side, records the exit
// order, and stamps the originating signal's outcome from the realized
// return. closeSignalID is the signal that triggered the exit (empty for
// reconciler-initiated stop and target exits).
func (e *Executor) ExitAtMarket(ctx context.Context, pos *store.Position, refPrice float64, closeSignalID string) (*store.Order, error) {
	exitSide := "SELL"
	if pos.Side == "SELL" {
		exitSide = "BUY"
	}

	fill, err := e.submit(ctx, OrderRequest{Symbol: pos.Symbol, Side: exitSide, Qty: pos.Qty}, refPrice)
	if err != nil {
		return nil, fmt.Errorf("close order for %s: %w", pos.Symbol, err)
	}

	pnlPct := (fill.Price - pos.AvgEntry) / pos.AvgEntry
	if pos.Side == "SELL" {
		pnlPct = -pnlPct
	}
	realized := pnlPct * pos.AvgEntry * pos.Qty
	if err := e.db.ClosePosition(ctx, pos.ID, fill.Price, realized, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("persist close of position %d: %w", pos.ID, err)
	}

	refID := closeSignalID
	if refID == "" {
		refID = pos.SignalID
	}
	order := &store.Order{
		OrderID:    fill.OrderID,
		ExecutorID: e.id,
		SignalID:   refID,
		Symbol:     pos.Symbol,
		Side:       exitSide,
		Qty:        fill.Qty,
		Price:      fill.Price,
		Status:     orderStatus(fill),
		Simulated:  fill.Simulated,
		IsEntry:    false,
		CreatedAt:  time.Now().UTC(),
	}
	if _, err := e.db.RecordOrder(ctx, order); err != nil {
		e.log.Error().Err(err).Str("order_id", order.OrderID).Msg("close order persist failed")
	}

	if pos.SignalID != "" {
		outcome := signal.OutcomeWin
		if pnlPct < 0 {
			outcome = signal.OutcomeLoss
		}
		if err := e.db.UpdateOutcome(ctx, pos.SignalID, outcome, &pnlPct); err != nil {
			e.log.Error().Err(err).Str("signal_id", pos.SignalID).Msg("outcome stamp failed")
		}
	}

	metrics.OrdersSubmitted.WithLabelValues(e.id, order.Status, strconv.FormatBool(fill.Simulated)).Inc()
	e.log.Info().
		Str("symbol", pos.Symbol).
		Float64("exit", fill.Price).
		Float64("realized", realized).
		Msg("position closed")
	return order, nil
}

// size converts equity into an order quantity under the per-position cap,
// floored to the broker's precision. Zero means the order is not worth
// placing.
func (e *Executor) size(equity, price float64) float64 {
	if equity <= 0 || price <= 0 {
		return 0
	}
	qty := equity * e.cfg.MaxPositionPct / price
	scale := math.Pow10(e.brokerCfg.QtyPrecision)
	qty = math.Floor(qty*scale) / scale
	if qty*price < e.brokerCfg.MinNotional {
		return 0
	}
	return qty
}

// submit routes the order through the circuit breaker, falling back to a
// simulated fill at refPrice when the broker is unavailable and fallback is
// enabled.
func (e *Executor) submit(ctx context.Context, req OrderRequest, refPrice float64) (*Fill, error) {
	res, err := e.breaker.Execute(func() (interface{}, error) {
		return e.broker.Submit(ctx, req)
	})
	if err == nil {
		return res.(*Fill), nil
	}
	if !e.features.SimulationFallback {
		return nil, err
	}

	e.log.Warn().Err(err).Str("symbol", req.Symbol).Msg("broker unavailable, filling simulated")
	return &Fill{
		OrderID:   "SIM_" + uuid.NewString(),
		Price:     refPrice,
		Qty:       req.Qty,
		Simulated: true,
	}, nil
}

// orderStatus maps a fill to its persisted status.
func orderStatus(fill *Fill) string {
	if fill.Simulated {
		return store.OrderStatusSimulated
	}
	return store.OrderStatusFilled
}

// BrokerReachable reports whether this executor's broker account answers,
// for the readiness probe.
func (e *Executor) BrokerReachable(ctx context.Context) bool {
	return e.broker.Ping(ctx) == nil
}

// symbolLocks serializes signal handling per symbol.
type symbolLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (l *symbolLocks) lock(symbol string) func() {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[string]*sync.Mutex)
	}
	sl, ok := l.m[symbol]
	if !ok {
		sl = &sync.Mutex{}
		l.m[symbol] = sl
	}
	l.mu.Unlock()

	sl.Lock()
	return sl.Unlock
}
