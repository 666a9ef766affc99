// Package catalog implements the chain and token discovery caches from
// spec.md §4.2 (C4), grounded on the teacher's AccountCache
// (liteclient/cache/account.go) bounded-TTL-store shape, generalized with
// cache.TTL instead of one hand-rolled map per entity.
package catalog

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/certen/bridgekit/bridgeerr"
	"github.com/certen/bridgekit/bridgelog"
	"github.com/certen/bridgekit/cache"
	"github.com/certen/bridgekit/evmrpc"
	"github.com/certen/bridgekit/internal/httpfetch"
	"github.com/certen/bridgekit/internal/wireutil"
	"github.com/certen/bridgekit/metrics"
	"github.com/certen/bridgekit/types"
)

// destinationChain is the hardcoded chain=999 entry per spec.md §4.2: "the
// destination chain (id=999), which is a hardcoded entry whose native symbol
// is the destination gas token."
var destinationChain = types.Chain{
	ID:      types.DestinationChainID,
	Key:     "hyperevm",
	Name:    "Destination EVM",
	IsEVM:   true,
	NativeToken: types.Token{
		Address:  evmrpc.NativeToken,
		Symbol:   "HYPE",
		Name:     "Destination Native Token",
		Decimals: 18,
		ChainID:  types.DestinationChainID,
	},
}

// destinationTokens are the hardcoded, verified token entries for the
// destination chain (spec.md §4.2: "Destination-chain entries (USDC, native)
// are hardcoded with verified addresses.").
var destinationTokens = []types.Token{
	{
		Address:  types.DestinationUSDC,
		Symbol:   "USDC",
		Name:     "USD Coin",
		Decimals: 6,
		ChainID:  types.DestinationChainID,
	},
	destinationChain.NativeToken,
}

// Catalog serves cached chain/token/bridgeable-token lookups.
type Catalog struct {
	http    *httpfetch.Client
	chains  *cache.TTL[string, []types.Chain]
	tokens  *cache.TTL[int, []types.Token]
	bridge  *cache.TTL[string, []types.Token]
	log     *bridgelog.Logger
	metrics *metrics.Registry
}

const allChainsKey = "all"

// Config controls Catalog construction.
type Config struct {
	HTTP        *httpfetch.Client
	ChainsTTL   time.Duration
	TokensTTL   time.Duration
	Log         *bridgelog.Logger
	Metrics     *metrics.Registry
}

// New constructs a Catalog with its own private caches, per spec.md §9's
// "the client object MUST own private cache instances" rule.
func New(cfg Config) *Catalog {
	if cfg.Log == nil {
		cfg.Log = bridgelog.Discard()
	}
	return &Catalog{
		http:    cfg.HTTP,
		chains:  cache.New[string, []types.Chain](cfg.ChainsTTL, 0),
		tokens:  cache.New[int, []types.Token](cfg.TokensTTL, 0),
		bridge:  cache.New[string, []types.Token](cfg.TokensTTL, 0),
		log:     cfg.Log.WithComponent("catalog"),
		metrics: cfg.Metrics,
	}
}

// ChainsResult wraps a GetChains response with staleness metadata.
type ChainsResult struct {
	Chains   []types.Chain
	IsStale  bool
	CachedAt time.Time
}

// GetChains fetches and caches EVM mainnet chains, always including the
// hardcoded destination chain. On fetch failure it falls back to a stale
// cache entry if present, per spec.md §4.2.
func (c *Catalog) GetChains(ctx context.Context) (ChainsResult, error) {
	if fresh, ok := c.chains.Get(allChainsKey); ok {
		c.metrics.RecordCacheHit("chains")
		return ChainsResult{Chains: fresh}, nil
	}
	c.metrics.RecordCacheMiss("chains")

	chains, err := c.fetchChains(ctx)
	if err != nil {
		if stale, ok := c.chains.GetStale(allChainsKey); ok {
			age, _ := c.chains.Age(allChainsKey)
			c.log.WithError(err).Warn("chains fetch failed, serving stale cache", "age", age.String())
			return ChainsResult{Chains: stale, IsStale: true, CachedAt: time.Now().Add(-age)}, nil
		}
		return ChainsResult{}, bridgeerr.Wrap(err, bridgeerr.KindChainFetchFailed, "failed to fetch chains")
	}

	c.chains.Set(allChainsKey, chains)
	return ChainsResult{Chains: chains}, nil
}

func (c *Catalog) fetchChains(ctx context.Context) ([]types.Chain, error) {
	var raw struct {
		Chains []map[string]any `json:"chains"`
	}
	if err := c.http.GetJSON(ctx, "/chains", &raw); err != nil {
		return nil, err
	}

	chains := make([]types.Chain, 0, len(raw.Chains)+1)
	chains = append(chains, destinationChain)
	for _, entry := range raw.Chains {
		chain, ok := mapChain(entry)
		if !ok {
			continue
		}
		if chain.ID == types.DestinationChainID {
			continue // the hardcoded entry always wins
		}
		chains = append(chains, chain)
	}
	sort.Slice(chains, func(i, j int) bool { return chains[i].ID < chains[j].ID })
	return chains, nil
}

// mapChain validates and maps a single raw chain entry, per spec.md §9's
// field-by-field validation rule. Malformed entries are dropped, not fatal.
func mapChain(raw map[string]any) (types.Chain, bool) {
	doc := wireutil.FromMap(raw)
	if !doc.Has("chainType") || doc.OptString("chainType") != "EVM" {
		return types.Chain{}, false
	}
	id, err := doc.Int("id")
	if err != nil {
		return types.Chain{}, false
	}
	key, err := doc.String("key")
	if err != nil {
		return types.Chain{}, false
	}
	name, err := doc.String("name")
	if err != nil {
		return types.Chain{}, false
	}
	return types.Chain{
		ID:      id,
		Key:     key,
		Name:    name,
		LogoURL: doc.OptString("logoURI"),
		IsEVM:   true,
		NativeToken: types.Token{
			Address:  evmrpc.NativeToken,
			Symbol:   doc.OptString("nativeSymbol"),
			ChainID:  id,
			Decimals: 18,
		},
	}, true
}

// GetTokens returns all tokens for chainId, TTL=15min per spec.md §4.2. For
// the destination chain it always returns the hardcoded verified entries.
func (c *Catalog) GetTokens(ctx context.Context, chainID int) ([]types.Token, error) {
	if chainID == types.DestinationChainID {
		return destinationTokens, nil
	}

	if fresh, ok := c.tokens.Get(chainID); ok {
		c.metrics.RecordCacheHit("tokens")
		return fresh, nil
	}
	c.metrics.RecordCacheMiss("tokens")

	tokens, err := c.fetchTokens(ctx, chainID)
	if err != nil {
		if stale, ok := c.tokens.GetStale(chainID); ok {
			c.log.WithError(err).Warn("tokens fetch failed, serving stale cache", "chain_id", chainID)
			return stale, nil
		}
		return nil, bridgeerr.Wrap(err, bridgeerr.KindTokenFetchFailed, "failed to fetch tokens")
	}

	c.tokens.Set(chainID, tokens)
	return tokens, nil
}

func (c *Catalog) fetchTokens(ctx context.Context, chainID int) ([]types.Token, error) {
	var raw struct {
		Tokens map[string][]map[string]any `json:"tokens"`
	}
	if err := c.http.GetJSON(ctx, "/tokens?chains="+strconv.Itoa(chainID), &raw); err != nil {
		return nil, err
	}
	entries := raw.Tokens[strconv.Itoa(chainID)]
	tokens := make([]types.Token, 0, len(entries))
	for _, entry := range entries {
		tok, ok := mapToken(entry, chainID)
		if !ok {
			continue
		}
		tokens = append(tokens, tok)
	}
	return tokens, nil
}

func mapToken(raw map[string]any, chainID int) (types.Token, bool) {
	doc := wireutil.FromMap(raw)
	addrStr, err := doc.String("address")
	if err != nil {
		return types.Token{}, false
	}
	addr, err := evmrpc.ParseAddress(addrStr)
	if err != nil {
		return types.Token{}, false
	}
	symbol, err := doc.String("symbol")
	if err != nil {
		return types.Token{}, false
	}
	decimals, err := doc.NonNegativeInt("decimals")
	if err != nil {
		return types.Token{}, false
	}
	return types.Token{
		Address:  addr,
		Symbol:   symbol,
		Name:     doc.OptString("name"),
		Decimals: decimals,
		LogoURL:  doc.OptString("logoURI"),
		ChainID:  chainID,
		PriceUSD: doc.OptFloat("priceUSD"),
	}, true
}

// GetBridgeableTokens returns the tokens on fromChainID that can bridge to the
// destination chain, deduplicated by lowercased address (spec.md §4.2).
func (c *Catalog) GetBridgeableTokens(ctx context.Context, fromChainID int) ([]types.Token, error) {
	key := strconv.Itoa(fromChainID)
	if fresh, ok := c.bridge.Get(key); ok {
		c.metrics.RecordCacheHit("bridgeable_tokens")
		return fresh, nil
	}
	c.metrics.RecordCacheMiss("bridgeable_tokens")

	var raw struct {
		Connections []struct {
			FromTokens []map[string]any `json:"fromTokens"`
		} `json:"connections"`
	}
	path := "/connections?fromChain=" + key + "&toChain=" + strconv.Itoa(types.DestinationChainID)
	if err := c.http.GetJSON(ctx, path, &raw); err != nil {
		if stale, ok := c.bridge.GetStale(key); ok {
			c.log.WithError(err).Warn("bridgeable tokens fetch failed, serving stale cache", "chain_id", fromChainID)
			return stale, nil
		}
		return nil, bridgeerr.Wrap(err, bridgeerr.KindTokenFetchFailed, "failed to fetch bridgeable tokens")
	}

	seen := make(map[string]bool)
	var tokens []types.Token
	for _, conn := range raw.Connections {
		for _, entry := range conn.FromTokens {
			tok, ok := mapToken(entry, fromChainID)
			if !ok {
				continue
			}
			lower := strings.ToLower(tok.Address.String())
			if seen[lower] {
				continue
			}
			seen[lower] = true
			tokens = append(tokens, tok)
		}
	}

	c.bridge.Set(key, tokens)
	return tokens, nil
}

// ResolveChain returns true iff chainID is known to the catalog, consulting a
// fresh or stale cache entry. The destination chain (999) always resolves,
// per spec.md §3's QuoteParams invariant.
func (c *Catalog) ResolveChain(ctx context.Context, chainID int) bool {
	if chainID == types.DestinationChainID {
		return true
	}
	result, err := c.GetChains(ctx)
	if err != nil {
		return false
	}
	for _, ch := range result.Chains {
		if ch.ID == chainID {
			return true
		}
	}
	return false
}
