// Package balance implements the balance service from spec.md §4.3 (C5): a
// per-key cache with in-flight deduplication, a debounce window, and RPC
// fallback, grounded on the teacher's AccountCache's cache-then-fetch shape
// generalized with cache.TTL, and on pkg/ethereum/client.go's balanceOf/
// eth_getBalance pattern for the direct-RPC leg.
package balance

import (
	"context"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"github.com/certen/bridgekit/bridgeerr"
	"github.com/certen/bridgekit/bridgelog"
	"github.com/certen/bridgekit/cache"
	"github.com/certen/bridgekit/catalog"
	"github.com/certen/bridgekit/evmrpc"
	"github.com/certen/bridgekit/metrics"
	"github.com/certen/bridgekit/types"
)

// rpcClient is the subset of *evmrpc.Client the balance service needs. It is
// an interface (rather than depending on the concrete type directly) so
// tests can substitute a fake RPC backend without dialing a real node.
type rpcClient interface {
	NativeBalanceAt(ctx context.Context, addr evmrpc.Address) (*uint256.Int, error)
	ERC20BalanceOf(ctx context.Context, token, owner evmrpc.Address) (*uint256.Int, error)
}

// RPCResolver returns the RPC backend for a given chain id. The caller
// supplies this (typically backed by config.RPCURLs), since bridgekit does
// not own RPC endpoint selection policy.
type RPCResolver func(chainID int) (rpcClient, error)

// Balance is the mapped result of a single getBalance call (spec.md §4.3).
type Balance struct {
	Token      types.Token
	Balance    *uint256.Int
	Formatted  string
	BalanceUSD *float64
	HasBalance bool
	Stale      bool      // true when served from GetStale after a live fetch failed
	FetchedAt  time.Time // when the underlying RPC/cache value was obtained
}

// Request identifies a single balance lookup.
type Request struct {
	Wallet  evmrpc.Address
	ChainID int
	Token   evmrpc.Address
}

func (r Request) key() string {
	return strings.ToLower(string(r.Wallet)) + "|" + strconv.Itoa(r.ChainID) + "|" + strings.ToLower(string(r.Token))
}

// Service serves deduplicated, debounced, cached balance lookups.
type Service struct {
	cache    *cache.TTL[string, Balance]
	catalog  *catalog.Catalog
	resolver RPCResolver
	debounce time.Duration
	log      *bridgelog.Logger
	metrics  *metrics.Registry

	mu       sync.Mutex
	inflight map[string]*inflightCall
}

type inflightCall struct {
	wg     sync.WaitGroup
	result Balance
	err    error
}

// Config controls Service construction.
type Config struct {
	Catalog   *catalog.Catalog
	Resolver  RPCResolver
	CacheTTL  time.Duration
	Debounce  time.Duration
	Log       *bridgelog.Logger
	Metrics   *metrics.Registry
}

// New constructs a balance Service with its own private cache.
func New(cfg Config) *Service {
	if cfg.Log == nil {
		cfg.Log = bridgelog.Discard()
	}
	if cfg.Debounce == 0 {
		cfg.Debounce = 300 * time.Millisecond
	}
	return &Service{
		cache:    cache.New[string, Balance](cfg.CacheTTL, 0),
		catalog:  cfg.Catalog,
		resolver: cfg.Resolver,
		debounce: cfg.Debounce,
		log:      cfg.Log.WithComponent("balance"),
		metrics:  cfg.Metrics,
		inflight: make(map[string]*inflightCall),
	}
}

// GetBalance implements the single-key algorithm from spec.md §4.3: validate
// addresses, check cache, coalesce in-flight duplicates, else debounce-then-fetch.
func (s *Service) GetBalance(ctx context.Context, req Request) (Balance, error) {
	wallet, err := evmrpc.ParseAddress(string(req.Wallet))
	if err != nil {
		return Balance{}, bridgeerr.Wrap(err, bridgeerr.KindInvalidAddress, "invalid wallet address")
	}
	token, err := evmrpc.ParseAddress(string(req.Token))
	if err != nil {
		return Balance{}, bridgeerr.Wrap(err, bridgeerr.KindInvalidAddress, "invalid token address")
	}
	req.Wallet, req.Token = wallet, token
	key := req.key()

	if fresh, ok := s.cache.Get(key); ok {
		s.metrics.RecordCacheHit("balance")
		return fresh, nil
	}
	s.metrics.RecordCacheMiss("balance")

	s.mu.Lock()
	if call, ok := s.inflight[key]; ok {
		s.mu.Unlock()
		s.metrics.RecordDedupCollapse("balance")
		call.wg.Wait()
		return call.result, call.err
	}
	call := &inflightCall{}
	call.wg.Add(1)
	s.inflight[key] = call
	s.mu.Unlock()

	result, err := s.fetchWithDebounce(ctx, req)
	call.result, call.err = result, err
	call.wg.Done()

	s.mu.Lock()
	delete(s.inflight, key)
	s.mu.Unlock()

	return result, err
}

func (s *Service) fetchWithDebounce(ctx context.Context, req Request) (Balance, error) {
	select {
	case <-time.After(s.debounce):
	case <-ctx.Done():
		return Balance{}, bridgeerr.Wrap(ctx.Err(), bridgeerr.KindNetworkError, "balance fetch cancelled during debounce")
	}

	key := req.key()
	result, err := s.fetch(ctx, req)
	if err != nil {
		if stale, ok := s.cache.GetStale(key); ok {
			age, _ := s.cache.Age(key)
			stale.Stale = true
			stale.FetchedAt = time.Now().Add(-age)
			s.log.WithError(err).Warn("balance fetch failed, serving stale cache", "key", key)
			return stale, nil
		}
		return Balance{}, bridgeerr.Wrap(err, bridgeerr.KindBalanceFetchFailed, "failed to fetch balance")
	}

	result.FetchedAt = time.Now()
	s.cache.Set(key, result)
	return result, nil
}

func (s *Service) fetch(ctx context.Context, req Request) (Balance, error) {
	client, err := s.resolver(req.ChainID)
	if err != nil {
		return Balance{}, err
	}

	tokens, err := s.catalog.GetTokens(ctx, req.ChainID)
	if err != nil {
		return Balance{}, err
	}
	token := findToken(tokens, req.Token)

	var raw *uint256.Int
	if req.Token.IsNative() {
		raw, err = client.NativeBalanceAt(ctx, req.Wallet)
	} else {
		raw, err = client.ERC20BalanceOf(ctx, req.Token, req.Wallet)
	}
	if err != nil {
		return Balance{}, err
	}

	return mapBalance(token, raw), nil
}

func findToken(tokens []types.Token, addr evmrpc.Address) types.Token {
	for _, t := range tokens {
		if t.Address.Equal(addr) {
			return t
		}
	}
	return types.Token{Address: addr, Decimals: 18}
}

// mapBalance computes the USD value and formatted string per spec.md §4.3:
// "balanceUsd = (balance/10^decimals)*priceUsd when both known; omit otherwise."
func mapBalance(token types.Token, raw *uint256.Int) Balance {
	formatted := formatUnits(raw, token.Decimals)
	b := Balance{
		Token:      token,
		Balance:    raw,
		Formatted:  formatted,
		HasBalance: !raw.IsZero(),
	}
	if token.PriceUSD != nil {
		amount := unitsToFloat(raw, token.Decimals)
		usd := amount * *token.PriceUSD
		b.BalanceUSD = &usd
	}
	return b
}

func formatUnits(raw *uint256.Int, decimals uint) string {
	s := raw.Dec()
	if decimals == 0 {
		return s
	}
	for uint(len(s)) <= decimals {
		s = "0" + s
	}
	intPart := s[:uint(len(s))-decimals]
	fracPart := strings.TrimRight(s[uint(len(s))-decimals:], "0")
	if fracPart == "" {
		return intPart
	}
	return intPart + "." + fracPart
}

func unitsToFloat(raw *uint256.Int, decimals uint) float64 {
	f := new(big.Float).SetInt(raw.ToBig())
	scale := new(big.Float).SetFloat64(1)
	ten := new(big.Float).SetInt64(10)
	for i := uint(0); i < decimals; i++ {
		scale.Mul(scale, ten)
	}
	f.Quo(f, scale)
	out, _ := f.Float64()
	return out
}

// BalancesResponse is the fanned-out result of GetBalances (spec.md §4.3).
type BalancesResponse struct {
	Balances map[int]map[string]Balance // chainId -> lowercased token address -> Balance
	IsStale  bool
	CachedAt time.Time
}

// GetBalances fans out per-chain and per-token in parallel. Individual token
// failures do not fail the chain; chain failures do not fail the whole
// request, per spec.md §4.3.
func (s *Service) GetBalances(ctx context.Context, wallet evmrpc.Address, chainIDs []int, tokenAddresses map[int][]evmrpc.Address) BalancesResponse {
	var mu sync.Mutex
	response := BalancesResponse{Balances: make(map[int]map[string]Balance)}

	var wg sync.WaitGroup
	for _, chainID := range chainIDs {
		chainID := chainID
		wg.Add(1)
		go func() {
			defer wg.Done()
			addrs := tokenAddresses[chainID]
			if len(addrs) == 0 {
				tokens, err := s.catalog.GetTokens(ctx, chainID)
				if err != nil {
					return
				}
				for _, t := range tokens {
					addrs = append(addrs, t.Address)
				}
			}

			var innerWG sync.WaitGroup
			for _, addr := range addrs {
				addr := addr
				innerWG.Add(1)
				go func() {
					defer innerWG.Done()
					bal, err := s.GetBalance(ctx, Request{Wallet: wallet, ChainID: chainID, Token: addr})
					if err != nil {
						return
					}
					mu.Lock()
					if response.Balances[chainID] == nil {
						response.Balances[chainID] = make(map[string]Balance)
					}
					response.Balances[chainID][strings.ToLower(addr.String())] = bal
					if bal.Stale {
						response.IsStale = true
						if response.CachedAt.IsZero() || bal.FetchedAt.Before(response.CachedAt) {
							response.CachedAt = bal.FetchedAt
						}
					}
					mu.Unlock()
				}()
			}
			innerWG.Wait()
		}()
	}
	wg.Wait()
	return response
}

// ValidationResult is the output of ValidateBalance (spec.md §4.3).
type ValidationResult struct {
	Valid           bool
	TokenSufficient bool
	GasSufficient   bool
	Warnings        []string
}

// ValidateBalance checks the source token balance and native gas balance
// against the quote's requirements, per spec.md §4.3.
func (s *Service) ValidateBalance(ctx context.Context, quote types.Quote, wallet evmrpc.Address) (ValidationResult, error) {
	tokenBal, err := s.GetBalance(ctx, Request{Wallet: wallet, ChainID: quote.FromToken.ChainID, Token: quote.FromToken.Address})
	if err != nil {
		return ValidationResult{}, err
	}
	gasBal, err := s.GetBalance(ctx, Request{Wallet: wallet, ChainID: quote.FromToken.ChainID, Token: evmrpc.NativeToken})
	if err != nil {
		return ValidationResult{}, err
	}

	result := ValidationResult{Valid: true, TokenSufficient: true, GasSufficient: true}

	if tokenBal.Balance.Cmp(quote.FromAmount) < 0 {
		result.Valid = false
		result.TokenSufficient = false
		shortfall := new(uint256.Int).Sub(quote.FromAmount, tokenBal.Balance)
		result.Warnings = append(result.Warnings, "insufficient token balance, short by "+shortfall.Dec())
	}

	gasCost := quote.Fees.GasEstimate.GasCost
	if gasCost != nil && gasBal.Balance.Cmp(gasCost) < 0 {
		result.Valid = false
		result.GasSufficient = false
		shortfall := new(uint256.Int).Sub(gasCost, gasBal.Balance)
		result.Warnings = append(result.Warnings, "insufficient gas balance, short by "+shortfall.Dec())
	}

	return result, nil
}
