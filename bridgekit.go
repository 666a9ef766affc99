// Package bridgekit is the public client facade from spec.md §6: it wires
// catalog, balance, quote, arrival, deposit, l1monitor, registry, and the
// execution orchestrator behind one object that owns its own caches, event
// bus, and execution registry, grounded on the teacher's
// accumulate-lite-client-2/liteclient/api/client.go Client{config, core}
// thin-delegating-method shape.
package bridgekit

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/certen/bridgekit/arrival"
	"github.com/certen/bridgekit/balance"
	"github.com/certen/bridgekit/bridgeerr"
	"github.com/certen/bridgekit/bridgelog"
	"github.com/certen/bridgekit/catalog"
	"github.com/certen/bridgekit/config"
	"github.com/certen/bridgekit/deposit"
	"github.com/certen/bridgekit/evmrpc"
	"github.com/certen/bridgekit/events"
	"github.com/certen/bridgekit/internal/httpfetch"
	"github.com/certen/bridgekit/internal/wireutil"
	"github.com/certen/bridgekit/l1monitor"
	"github.com/certen/bridgekit/metrics"
	"github.com/certen/bridgekit/orchestrator"
	"github.com/certen/bridgekit/quote"
	"github.com/certen/bridgekit/registry"
	"github.com/certen/bridgekit/types"
)

// infoClientTimeout is the per-request timeout for the trading-ledger info
// endpoint; config.Config carries no dedicated knob for it (spec.md §6 only
// names the endpoint, not a timeout).
const infoClientTimeout = 15 * time.Second

// defaultDestinationRPCURLs are used when Config.RPCURLs carries no entry for
// the destination chain, per spec.md §6: "Destination-chain endpoint is
// environment-selected (mainnet …/evm, testnet -testnet…/evm) based on chain
// id (999 vs 998)."
var defaultDestinationRPCURLs = map[int]string{
	types.DestinationChainID: "https://rpc.hyperliquid.xyz/evm",
	types.TestnetChainID:     "https://rpc.hyperliquid-testnet.xyz/evm",
}

// Client is a bridgekit instance: one set of private caches, one execution
// registry, one event bus, per spec.md §9 ("the client object MUST own
// private cache instances").
type Client struct {
	cfg     *config.Config
	log     *bridgelog.Logger
	metrics *metrics.Registry
	bus     *events.Bus
	reg     *registry.Registry

	aggregator  *httpfetch.Client
	catalogHTTP *httpfetch.Client
	info        *httpfetch.Client
	status      orchestrator.StatusPoller

	catalog *catalog.Catalog
	balance *balance.Service
	quote   *quote.Engine
	arrival *arrival.Detector
	deposit *deposit.Executor
	l1      *l1monitor.Monitor

	rpcMu      sync.Mutex
	rpcClients map[int]*evmrpc.Client
}

// New constructs a Client from cfg, dialing the destination chain's RPC
// endpoint eagerly (arrival detection and deposit both run against it) and
// every other chain lazily on first use.
func New(cfg *config.Config) (*Client, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := bridgelog.New(cfg.LoggerConfig())

	c := &Client{
		cfg:        cfg,
		log:        log,
		metrics:    metrics.New(prometheus.NewRegistry()),
		bus:        events.New(log),
		reg:        registry.New(),
		rpcClients: make(map[int]*evmrpc.Client),
	}

	c.catalogHTTP = httpfetch.New(cfg.AggregatorURL, cfg.Integrator, cfg.LifiAPIKey, cfg.Timeouts.CatalogFetch).WithMetrics(c.metrics, "catalog")
	c.aggregator = httpfetch.New(cfg.AggregatorURL, cfg.Integrator, cfg.LifiAPIKey, cfg.Timeouts.QuoteFetch).WithMetrics(c.metrics, "quote")
	c.info = httpfetch.New(cfg.InfoEndpointURL, cfg.Integrator, "", infoClientTimeout).WithMetrics(c.metrics, "info")
	c.status = &aggregatorStatusPoller{http: c.aggregator}

	c.catalog = catalog.New(catalog.Config{
		HTTP:      c.catalogHTTP,
		ChainsTTL: cfg.Cache.ChainsTTL,
		TokensTTL: cfg.Cache.TokensTTL,
		Log:       log,
		Metrics:   c.metrics,
	})

	c.balance = balance.New(balance.Config{
		Catalog:  c.catalog,
		Resolver: c.resolveBalanceRPC,
		CacheTTL: cfg.Cache.BalanceTTL,
		Debounce: cfg.Poll.BalanceDebounce,
		Log:      log,
		Metrics:  c.metrics,
	})

	c.quote = quote.New(quote.Config{
		HTTP:            c.aggregator,
		Catalog:         c.catalog,
		DefaultSlippage: cfg.DefaultSlippage,
		Log:             log,
		Metrics:         c.metrics,
	})

	destClient, err := c.chainClient(types.DestinationChainID)
	if err != nil {
		return nil, err
	}

	c.arrival = arrival.New(arrival.Config{
		Client:   destClient,
		Interval: cfg.Poll.ArrivalInterval,
		Timeout:  cfg.Poll.ArrivalTimeout,
		Log:      log,
	})

	c.deposit = deposit.New(deposit.Config{
		Client:          deposit.WrapClient(destClient),
		ChainID:         types.DestinationChainID,
		ReceiptInterval: cfg.Poll.ReceiptInterval,
		ReceiptMaxTries: cfg.Poll.ReceiptMaxAttempts,
		Log:             log,
	})

	c.l1 = l1monitor.New(l1monitor.Config{HTTP: c.info, Log: log, Metrics: c.metrics})

	return c, nil
}

// chainClient dials (or returns the cached dial for) chainID's RPC endpoint.
func (c *Client) chainClient(chainID int) (*evmrpc.Client, error) {
	c.rpcMu.Lock()
	defer c.rpcMu.Unlock()

	if existing, ok := c.rpcClients[chainID]; ok {
		return existing, nil
	}

	url := c.cfg.RPCURLs[chainID]
	if url == "" {
		url = defaultDestinationRPCURLs[chainID]
	}
	if url == "" {
		return nil, bridgeerr.Newf(bridgeerr.KindInvalidQuoteParams, "no RPC URL configured for chain %d", chainID)
	}

	client, err := evmrpc.Dial(url, int64(chainID))
	if err != nil {
		return nil, err
	}
	c.rpcClients[chainID] = client
	return client, nil
}

// resolveBalanceRPC adapts chainClient to balance.RPCResolver. Its return
// type is an unnamed interface literal structurally identical to balance's
// own unexported rpcClient interface, so it is assignable to
// balance.RPCResolver without needing to name that type.
func (c *Client) resolveBalanceRPC(chainID int) (interface {
	NativeBalanceAt(ctx context.Context, addr evmrpc.Address) (*uint256.Int, error)
	ERC20BalanceOf(ctx context.Context, token, owner evmrpc.Address) (*uint256.Int, error)
}, error) {
	return c.chainClient(chainID)
}

// aggregatorStatusPoller implements orchestrator.StatusPoller against the
// aggregator's GET /status endpoint (spec.md §6/§4.9).
type aggregatorStatusPoller struct {
	http *httpfetch.Client
}

func (p *aggregatorStatusPoller) GetBridgeStatus(ctx context.Context, txHash string, fromChain, toChain int) (orchestrator.BridgeStatus, error) {
	path := "/status?txHash=" + strings.ToLower(txHash) + "&fromChain=" + strconv.Itoa(fromChain) + "&toChain=" + strconv.Itoa(toChain)
	var raw map[string]any
	if err := p.http.GetJSON(ctx, path, &raw); err != nil {
		return orchestrator.BridgeStatus{}, err
	}
	doc := wireutil.FromMap(raw)
	out := orchestrator.BridgeStatus{
		Status:    doc.OptString("status"),
		Substatus: doc.OptString("substatus"),
	}
	if receiving, ok := doc.OptObject("receiving"); ok {
		out.ReceivingTxHash = receiving.OptString("txHash")
		if amount, err := receiving.BigIntString("amount", false); err == nil {
			out.ReceivingAmount = amount
		}
	}
	return out, nil
}

// GetChains returns the known EVM mainnet chains plus the hardcoded
// destination chain (spec.md §4.2).
func (c *Client) GetChains(ctx context.Context) (catalog.ChainsResult, error) {
	return c.catalog.GetChains(ctx)
}

// GetTokens returns all known tokens for chainID (spec.md §4.2).
func (c *Client) GetTokens(ctx context.Context, chainID int) ([]types.Token, error) {
	return c.catalog.GetTokens(ctx, chainID)
}

// GetBridgeableTokens returns tokens on fromChainID that can bridge to the
// destination chain (spec.md §4.2).
func (c *Client) GetBridgeableTokens(ctx context.Context, fromChainID int) ([]types.Token, error) {
	return c.catalog.GetBridgeableTokens(ctx, fromChainID)
}

// GetBalance returns one wallet/chain/token balance (spec.md §4.3).
func (c *Client) GetBalance(ctx context.Context, req balance.Request) (balance.Balance, error) {
	return c.balance.GetBalance(ctx, req)
}

// GetBalances fans out balance lookups across chains and tokens (spec.md §4.3).
func (c *Client) GetBalances(ctx context.Context, wallet evmrpc.Address, chainIDs []int, tokenAddresses map[int][]evmrpc.Address) balance.BalancesResponse {
	return c.balance.GetBalances(ctx, wallet, chainIDs, tokenAddresses)
}

// ValidateBalance checks a quote's token and gas requirements against the
// wallet's current balances (spec.md §4.3).
func (c *Client) ValidateBalance(ctx context.Context, q types.Quote, wallet evmrpc.Address) (balance.ValidationResult, error) {
	return c.balance.ValidateBalance(ctx, q, wallet)
}

// GetQuote fetches (or serves from cache) a single recommended route (spec.md §4.4).
func (c *Client) GetQuote(ctx context.Context, params types.QuoteParams) (types.Quote, error) {
	return c.quote.GetQuote(ctx, params, c.cfg.AutoDeposit, true, time.Now().UnixMilli())
}

// GetQuotes fetches every candidate route for params (spec.md §4.4).
func (c *Client) GetQuotes(ctx context.Context, params types.QuoteParams) ([]types.Quote, error) {
	return c.quote.GetQuotes(ctx, params, c.cfg.AutoDeposit, time.Now().UnixMilli())
}

// ExecuteOptions bundles the caller-supplied callbacks and flags for Execute
// (spec.md §4.9's {onStepChange?, onStatusChange?, onApprovalRequest?,
// onTransactionRequest?, infiniteApproval?}).
type ExecuteOptions struct {
	OnStepChange         func(types.StepStatus)
	OnStatusChange       func(status types.ExecutionStatus, substatus string)
	OnApprovalRequest    func(types.Step)
	OnTransactionRequest func(types.Step)
	InfiniteApproval     bool
}

// Execute drives a quote to completion through the orchestrator, resolving
// the quote's origin chain RPC client on demand (spec.md §4.9).
func (c *Client) Execute(ctx context.Context, q types.Quote, signer deposit.Signer, opts ExecuteOptions) types.ExecutionResult {
	originChainID := 0
	if len(q.Steps) > 0 {
		originChainID = q.Steps[0].FromChainID
	}
	originClient, err := c.chainClient(originChainID)
	if err != nil {
		return types.ExecutionResult{Status: types.StatusFailed, Error: err}
	}

	orch := orchestrator.New(orchestrator.Config{
		Registry:     c.reg,
		Bus:          c.bus,
		Chain:        deposit.WrapClient(originClient),
		Status:       c.status,
		ApprovalWait: c.cfg.Timeouts.ApprovalMine,
		BridgePoll:   c.cfg.Poll.BridgeStatusInterval,
		StepTimeout:  c.cfg.Timeouts.StepComplete,
		Log:          c.log,
		Metrics:      c.metrics,
	})

	return orch.Execute(ctx, orchestrator.ExecuteInput{
		Quote:                q,
		Signer:               signer,
		OnStepChange:         opts.OnStepChange,
		OnStatusChange:       opts.OnStatusChange,
		OnApprovalRequest:    opts.OnApprovalRequest,
		OnTransactionRequest: opts.OnTransactionRequest,
		InfiniteApproval:     opts.InfiniteApproval,
	}, time.Now().UnixMilli())
}

// GetExecutionStatus projects the registry's record of executionID (spec.md §4.8).
func (c *Client) GetExecutionStatus(executionID string) types.ExecutionStatusResult {
	return c.reg.GetStatus(executionID)
}

// GetStatus queries the aggregator's bridge status endpoint directly by
// transaction hash, for recovering execution state without an executionId
// (spec.md §6: "GET /status?txHash=&fromChain=&toChain=").
func (c *Client) GetStatus(ctx context.Context, txHash string, fromChainID, toChainID int) (orchestrator.BridgeStatus, error) {
	return c.status.GetBridgeStatus(ctx, txHash, fromChainID, toChainID)
}

// SnapshotUSDCBalance returns the wallet's current destination-chain USDC
// balance, for priming a subsequent DetectArrival call (spec.md §4.5).
func (c *Client) SnapshotUSDCBalance(ctx context.Context, wallet evmrpc.Address) (*uint256.Int, error) {
	return c.arrival.SnapshotBalance(ctx, wallet)
}

// DetectArrival polls the destination chain for a balance increase matching
// expectations (spec.md §4.5).
func (c *Client) DetectArrival(ctx context.Context, wallet evmrpc.Address, previousBalance *uint256.Int, opts arrival.Options) (arrival.Result, error) {
	return c.arrival.DetectArrivalFromSnapshot(ctx, wallet, previousBalance, opts)
}

// ExecuteDepositOptions bundles the deposit parameters from spec.md §4.6.
type ExecuteDepositOptions struct {
	Amount           *uint256.Int
	DestinationDex   uint32
	Recipient        *evmrpc.Address // when set, calls depositFor instead of deposit
	InfiniteApproval bool
}

// ExecuteDeposit runs pre-flight validation, an optional approval, and the
// deposit/depositFor call against the downstream trading ledger (spec.md §4.6).
func (c *Client) ExecuteDeposit(ctx context.Context, signer deposit.Signer, opts ExecuteDepositOptions) (string, error) {
	wallet, err := signer.GetAddress(ctx)
	if err != nil {
		return "", err
	}

	reqs, err := c.deposit.ValidateDepositRequirements(ctx, wallet, opts.Amount)
	if err != nil {
		return "", err
	}
	if reqs.Allowance.Cmp(opts.Amount) < 0 {
		if _, err := c.deposit.Approve(ctx, signer, opts.Amount, opts.InfiniteApproval); err != nil {
			return "", err
		}
	}

	if opts.Recipient != nil {
		return c.deposit.ExecuteDepositFor(ctx, signer, *opts.Recipient, opts.Amount, opts.DestinationDex)
	}
	return c.deposit.ExecuteDeposit(ctx, signer, opts.Amount, opts.DestinationDex)
}

// WaitForL1Confirmation starts (and blocks on) an L1 confirmation run against
// the trading-ledger info endpoint (spec.md §4.7). Callers needing the
// cancel/extendTimeout controls should use l1monitor.Monitor directly; this
// convenience method covers the common fire-and-wait case.
func (c *Client) WaitForL1Confirmation(ctx context.Context, wallet evmrpc.Address, expectedAmount *uint256.Int, hyperEvmTxHash string, opts l1monitor.Options) (l1monitor.Result, error) {
	ctrl, err := c.l1.MonitorL1Confirmation(ctx, wallet, expectedAmount, hyperEvmTxHash, c.withL1Defaults(opts))
	if err != nil {
		return l1monitor.Result{}, err
	}
	return ctrl.Wait(ctx)
}

// MonitorL1Confirmation starts a cancellable/extendable L1 confirmation run
// and returns its controller immediately (spec.md §4.7).
func (c *Client) MonitorL1Confirmation(ctx context.Context, wallet evmrpc.Address, expectedAmount *uint256.Int, hyperEvmTxHash string, opts l1monitor.Options) (*l1monitor.Controller, error) {
	return c.l1.MonitorL1Confirmation(ctx, wallet, expectedAmount, hyperEvmTxHash, c.withL1Defaults(opts))
}

// withL1Defaults fills any zero-valued poll/timeout field on opts from
// cfg.Poll before handing it to l1monitor, so a configured Client's
// poll.l1PollInterval/l1SoftTimeout/l1HardTimeout actually govern a run
// instead of silently falling back to l1monitor's own package constants.
func (c *Client) withL1Defaults(opts l1monitor.Options) l1monitor.Options {
	if opts.PollInterval == 0 {
		opts.PollInterval = c.cfg.Poll.L1PollInterval
	}
	if opts.SoftTimeout == 0 {
		opts.SoftTimeout = c.cfg.Poll.L1SoftTimeout
	}
	if opts.HardTimeout == 0 {
		opts.HardTimeout = c.cfg.Poll.L1HardTimeout
	}
	return opts
}

// On subscribes handler to events of type t (spec.md §6's on/off/once).
func (c *Client) On(t events.Type, handler events.Handler) int { return c.bus.On(t, handler) }

// Once subscribes handler to fire at most once for type t.
func (c *Client) Once(t events.Type, handler events.Handler) int { return c.bus.Once(t, handler) }

// Off removes a subscription previously returned by On or Once.
func (c *Client) Off(t events.Type, id int) { c.bus.Off(t, id) }

// defaultMu guards the process-wide convenience singleton described in
// spec.md §9: "default caches and the execution registry are process-wide
// singletons only as a convenience for standalone function calls."
var (
	defaultMu     sync.Mutex
	defaultClient *Client
)

// Default lazily constructs (or returns) the process-wide singleton Client,
// configured from the environment via config.FromEnv.
func Default() (*Client, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultClient != nil {
		return defaultClient, nil
	}
	c, err := New(config.FromEnv())
	if err != nil {
		return nil, err
	}
	defaultClient = c
	return c, nil
}

// Reset discards the process-wide singleton so the next Default() call (or
// standalone function call) builds a fresh Client with empty caches and an
// empty registry. Intended for tests only, per spec.md §9.
func Reset() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultClient = nil
}

// GetQuote is the standalone convenience form of Client.GetQuote, operating
// against the process-wide Default() client.
func GetQuote(ctx context.Context, params types.QuoteParams) (types.Quote, error) {
	c, err := Default()
	if err != nil {
		return types.Quote{}, err
	}
	return c.GetQuote(ctx, params)
}

// GetBalance is the standalone convenience form of Client.GetBalance.
func GetBalance(ctx context.Context, req balance.Request) (balance.Balance, error) {
	c, err := Default()
	if err != nil {
		return balance.Balance{}, err
	}
	return c.GetBalance(ctx, req)
}

// Execute is the standalone convenience form of Client.Execute.
func Execute(ctx context.Context, q types.Quote, signer deposit.Signer, opts ExecuteOptions) types.ExecutionResult {
	c, err := Default()
	if err != nil {
		return types.ExecutionResult{Status: types.StatusFailed, Error: err}
	}
	return c.Execute(ctx, q, signer, opts)
}
