// Package arrival implements the arrival detector from spec.md §4.5 (C7):
// snapshot-delta polling with tolerance and timeout, grounded on the
// teacher's pkg/batch/confirmation_tracker.go ticker-poll loop shape.
package arrival

import (
	"context"
	"time"

	"github.com/holiman/uint256"

	"github.com/certen/bridgekit/bridgeerr"
	"github.com/certen/bridgekit/bridgelog"
	"github.com/certen/bridgekit/evmrpc"
	"github.com/certen/bridgekit/types"
)

// balanceReader is the subset of evmrpc.Client needed to read the
// destination-chain USDC balance, isolated as an interface for testability.
type balanceReader interface {
	ERC20BalanceOf(ctx context.Context, token, owner evmrpc.Address) (*uint256.Int, error)
}

// Detector polls the destination chain for an expected balance increase.
type Detector struct {
	client   balanceReader
	interval time.Duration
	timeout  time.Duration
	log      *bridgelog.Logger
}

// Config controls Detector construction.
type Config struct {
	Client   balanceReader
	Interval time.Duration
	Timeout  time.Duration
	Log      *bridgelog.Logger
}

// New constructs a Detector. Defaults: interval=5s, timeout=5min (spec.md §4.5).
func New(cfg Config) *Detector {
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.Log == nil {
		cfg.Log = bridgelog.Discard()
	}
	return &Detector{client: cfg.Client, interval: cfg.Interval, timeout: cfg.Timeout, log: cfg.Log.WithComponent("arrival")}
}

// SnapshotBalance returns the current destination-chain USDC balance.
func (d *Detector) SnapshotBalance(ctx context.Context, wallet evmrpc.Address) (*uint256.Int, error) {
	bal, err := d.client.ERC20BalanceOf(ctx, types.DestinationUSDC, wallet)
	if err != nil {
		return nil, bridgeerr.Wrap(err, bridgeerr.KindBalanceFetchFailed, "failed to snapshot destination balance")
	}
	return bal, nil
}

// Result is the successful outcome of DetectArrivalFromSnapshot (spec.md §4.5).
type Result struct {
	Detected        bool
	Amount          *uint256.Int
	AmountFormatted string
	PreviousBalance *uint256.Int
	CurrentBalance  *uint256.Int
	Timestamp       time.Time
}

// Options tunes a single detection call.
type Options struct {
	ExpectedAmount *uint256.Int // nil means "any positive delta"
	Interval       time.Duration
	Timeout        time.Duration
}

// DetectArrivalFromSnapshot polls at the configured interval up to the
// configured timeout, reporting detection once the balance delta meets
// tolerance, per spec.md §4.5: "delta >= expectedAmount * 99 / 100" when an
// expected amount is given, else any positive delta.
func (d *Detector) DetectArrivalFromSnapshot(ctx context.Context, wallet evmrpc.Address, previousBalance *uint256.Int, opts Options) (Result, error) {
	interval := opts.Interval
	if interval == 0 {
		interval = d.interval
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = d.timeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastBalance := previousBalance
	check := func() (Result, bool, error) {
		current, err := d.client.ERC20BalanceOf(ctx, types.DestinationUSDC, wallet)
		if err != nil {
			d.log.WithError(err).Warn("arrival poll failed, continuing")
			return Result{}, false, nil
		}
		lastBalance = current
		if current.Cmp(previousBalance) <= 0 {
			return Result{}, false, nil
		}
		delta := new(uint256.Int).Sub(current, previousBalance)
		if !meetsTolerance(delta, opts.ExpectedAmount) {
			return Result{}, false, nil
		}
		return Result{
			Detected:        true,
			Amount:          delta,
			AmountFormatted: delta.Dec(),
			PreviousBalance: previousBalance,
			CurrentBalance:  current,
			Timestamp:       time.Now(),
		}, true, nil
	}

	if result, ok, err := check(); err != nil {
		return Result{}, err
	} else if ok {
		return result, nil
	}

	for {
		select {
		case <-ctx.Done():
			return Result{}, bridgeerr.Newf(bridgeerr.KindArrivalTimeout, "arrival not detected within %s, last balance %s", timeout, lastBalance.Dec()).
				WithContext("lastBalance", lastBalance.Dec())
		case <-ticker.C:
			result, ok, err := check()
			if err != nil {
				return Result{}, err
			}
			if ok {
				return result, nil
			}
		}
	}
}

// meetsTolerance implements the 1% fee tolerance from spec.md §4.5:
// "delta >= expectedAmount * 99 / 100".
func meetsTolerance(delta, expected *uint256.Int) bool {
	if expected == nil {
		return delta.Sign() > 0
	}
	threshold := new(uint256.Int).Mul(expected, uint256.NewInt(99))
	threshold.Div(threshold, uint256.NewInt(100))
	return delta.Cmp(threshold) >= 0
}
