// Package l1monitor implements the L1 confirmation monitor from spec.md §4.7
// (C9): a cancellable, extendable poller against the trading-ledger info
// endpoint, combining the SchedulerState-style start/stop/timer fields of
// pkg/batch/scheduler.go with the ticker-poll loop shape established in
// package arrival.
package l1monitor

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"github.com/certen/bridgekit/bridgeerr"
	"github.com/certen/bridgekit/bridgelog"
	"github.com/certen/bridgekit/evmrpc"
	"github.com/certen/bridgekit/internal/wireutil"
	"github.com/certen/bridgekit/metrics"
)

// Defaults per spec.md §4.7.
const (
	DefaultPollInterval = 5 * time.Second
	DefaultSoftTimeout   = 2 * time.Minute
	DefaultHardTimeout   = 30 * time.Minute

	accountValueDecimals = 6
)

// infoClient is the subset of internal/httpfetch.Client the monitor needs,
// isolated as an interface for testability.
type infoClient interface {
	PostJSON(ctx context.Context, path string, body, out any) error
}

// Result is the successful outcome reported on the controller's result channel.
type Result struct {
	Confirmed        bool
	Amount           *uint256.Int
	FinalBalance     *uint256.Int
	HyperEvmTxHash   string
	ConfirmationTime time.Time
	Timestamp        time.Time
}

// Status is a point-in-time snapshot returned by Controller.GetStatus.
type Status struct {
	Cancelled   bool
	Confirmed   bool
	Elapsed     time.Duration
	LastBalance *uint256.Int
}

// Options tunes a single monitoring run.
type Options struct {
	PollInterval     time.Duration
	SoftTimeout      time.Duration
	HardTimeout      time.Duration
	OnTimeoutWarning func()
}

// Monitor polls the trading-ledger info endpoint on behalf of one or more
// concurrent, independently-cancellable confirmation runs.
type Monitor struct {
	http    infoClient
	log     *bridgelog.Logger
	metrics *metrics.Registry
}

// Config controls Monitor construction.
type Config struct {
	HTTP    infoClient
	Log     *bridgelog.Logger
	Metrics *metrics.Registry
}

// New constructs a Monitor.
func New(cfg Config) *Monitor {
	if cfg.Log == nil {
		cfg.Log = bridgelog.Discard()
	}
	return &Monitor{http: cfg.HTTP, log: cfg.Log.WithComponent("l1monitor"), metrics: cfg.Metrics}
}

// Controller is the caller-facing handle returned by MonitorL1Confirmation:
// cancel(), extendTimeout(ms), getStatus() from spec.md §4.7.
type Controller struct {
	mu       sync.Mutex
	status   Status
	cancelCh chan struct{}
	cancelOnce sync.Once
	extendCh chan time.Duration
	resultCh chan Result
	errCh    chan error
}

// Cancel rejects the pending result with L1MonitorCancelled(reason=cancelled).
func (c *Controller) Cancel() {
	c.cancelOnce.Do(func() { close(c.cancelCh) })
}

// ExtendTimeout re-arms the soft timeout warning to fire d from now.
func (c *Controller) ExtendTimeout(d time.Duration) {
	select {
	case c.extendCh <- d:
	default:
	}
}

// GetStatus returns a snapshot of the controller's current state.
func (c *Controller) GetStatus() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Wait blocks until the monitor resolves, the caller's context is cancelled,
// or the monitor itself errors out (cancelled/timed out).
func (c *Controller) Wait(ctx context.Context) (Result, error) {
	select {
	case r := <-c.resultCh:
		return r, nil
	case err := <-c.errCh:
		return Result{}, err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (c *Controller) setStatus(fn func(*Status)) {
	c.mu.Lock()
	fn(&c.status)
	c.mu.Unlock()
}

// MonitorL1Confirmation starts a confirmation run and returns its controller.
// The wallet address is validated synchronously before any polling begins,
// per spec.md §4.7: "Address is validated upfront (throws synchronously)."
func (m *Monitor) MonitorL1Confirmation(ctx context.Context, wallet evmrpc.Address, expectedAmount *uint256.Int, hyperEvmTxHash string, opts Options) (*Controller, error) {
	if _, err := evmrpc.ParseAddress(string(wallet)); err != nil {
		return nil, err
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.SoftTimeout == 0 {
		opts.SoftTimeout = DefaultSoftTimeout
	}
	if opts.HardTimeout == 0 {
		opts.HardTimeout = DefaultHardTimeout
	}

	c := &Controller{
		cancelCh: make(chan struct{}),
		extendCh: make(chan time.Duration, 1),
		resultCh: make(chan Result, 1),
		errCh:    make(chan error, 1),
	}
	go m.run(ctx, c, wallet, expectedAmount, hyperEvmTxHash, opts)
	return c, nil
}

func (m *Monitor) run(ctx context.Context, c *Controller, wallet evmrpc.Address, expectedAmount *uint256.Int, hyperEvmTxHash string, opts Options) {
	start := time.Now()

	baseline, err := m.fetchAccountValue(ctx, wallet)
	if err != nil {
		c.errCh <- bridgeerr.Wrap(err, bridgeerr.KindNetworkError, "failed to snapshot baseline account value")
		return
	}
	last := baseline

	pollTicker := time.NewTicker(opts.PollInterval)
	defer pollTicker.Stop()
	softTimer := time.NewTimer(opts.SoftTimeout)
	defer softTimer.Stop()
	hardTimer := time.NewTimer(opts.HardTimeout)
	defer hardTimer.Stop()

	checkOnce := func() bool {
		current, err := m.fetchAccountValue(ctx, wallet)
		if err != nil {
			m.log.WithError(err).Warn("l1 monitor poll failed, retrying")
			return false
		}
		if current.Cmp(last) < 0 {
			m.log.Warn("observed account value decrease during l1 monitor poll")
		}
		last = current
		c.setStatus(func(s *Status) {
			s.Elapsed = time.Since(start)
			s.LastBalance = current
		})
		if current.Cmp(baseline) <= 0 {
			return false
		}
		delta := new(uint256.Int).Sub(current, baseline)
		if !meetsTolerance(delta, expectedAmount) {
			return false
		}
		c.setStatus(func(s *Status) { s.Confirmed = true })
		c.resultCh <- Result{
			Confirmed:        true,
			Amount:           delta,
			FinalBalance:     current,
			HyperEvmTxHash:   hyperEvmTxHash,
			ConfirmationTime: time.Now(),
			Timestamp:        time.Now(),
		}
		return true
	}

	for {
		select {
		case <-c.cancelCh:
			c.setStatus(func(s *Status) { s.Cancelled = true })
			c.errCh <- bridgeerr.New(bridgeerr.KindL1MonitorCancelled, "l1 confirmation monitor cancelled").WithContext("reason", "cancelled")
			return
		case <-hardTimer.C:
			c.errCh <- bridgeerr.New(bridgeerr.KindL1MonitorCancelled, "l1 confirmation monitor exceeded the maximum timeout").WithContext("reason", "max_timeout")
			return
		case <-softTimer.C:
			m.metrics.RecordSoftTimeoutWarning()
			if opts.OnTimeoutWarning != nil {
				opts.OnTimeoutWarning()
			}
			// Soft timeout only warns, once, per spec.md §4.7; it is re-armed
			// solely by ExtendTimeout, never automatically.
		case d := <-c.extendCh:
			if !softTimer.Stop() {
				select {
				case <-softTimer.C:
				default:
				}
			}
			softTimer.Reset(d)
		case <-pollTicker.C:
			if checkOnce() {
				return
			}
		case <-ctx.Done():
			c.errCh <- bridgeerr.Wrap(ctx.Err(), bridgeerr.KindNetworkError, "l1 confirmation monitor context cancelled")
			return
		}
	}
}

func (m *Monitor) fetchAccountValue(ctx context.Context, wallet evmrpc.Address) (*uint256.Int, error) {
	var raw map[string]any
	body := map[string]any{"type": "clearinghouseState", "user": string(wallet)}
	if err := m.http.PostJSON(ctx, "/info", body, &raw); err != nil {
		return nil, bridgeerr.Normalize(err, bridgeerr.KindNetworkError)
	}
	doc := wireutil.FromMap(raw)
	marginSummary, err := doc.Object("marginSummary")
	if err != nil {
		return nil, err
	}
	accountValue, err := marginSummary.String("accountValue")
	if err != nil {
		return nil, err
	}
	return parseDecimalToUnits(accountValue, accountValueDecimals)
}

// parseDecimalToUnits converts a human-decimal string ("1234.56") into a
// smallest-unit bigint by splitting on ".", padding/truncating the
// fractional part to `decimals` digits, and concatenating, per spec.md §4.7.
func parseDecimalToUnits(s string, decimals int) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "-") {
		// Account value is never expected to be negative; treat as zero
		// rather than wrapping into a huge unsigned value.
		return uint256.NewInt(0), nil
	}
	parts := strings.SplitN(s, ".", 2)
	intPart := parts[0]
	frac := ""
	if len(parts) == 2 {
		frac = parts[1]
	}
	if len(frac) > decimals {
		frac = frac[:decimals]
	} else {
		frac = frac + strings.Repeat("0", decimals-len(frac))
	}
	combined := intPart + frac
	if combined == "" {
		combined = "0"
	}
	v, err := uint256.FromDecimal(combined)
	if err != nil {
		return nil, bridgeerr.Wrapf(err, bridgeerr.KindNetworkError, "invalid account value %q", s)
	}
	return v, nil
}

// meetsTolerance mirrors arrival's 1% fee tolerance: delta >= expected*99/100.
func meetsTolerance(delta, expected *uint256.Int) bool {
	if expected == nil {
		return delta.Sign() > 0
	}
	threshold := new(uint256.Int).Mul(expected, uint256.NewInt(99))
	threshold.Div(threshold, uint256.NewInt(100))
	return delta.Cmp(threshold) >= 0
}
