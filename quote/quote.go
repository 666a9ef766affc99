// Package quote implements the quote engine from spec.md §4.4 (C6): fetch,
// normalize, fee decomposition, price-impact classification, and
// staleness/expiration semantics, grounded on the teacher's
// liteclient/api/types.go tagged-record mapping style and the
// wireutil-based field validation convention established for this module.
package quote

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/holiman/uint256"

	"github.com/certen/bridgekit/bridgeerr"
	"github.com/certen/bridgekit/bridgelog"
	"github.com/certen/bridgekit/cache"
	"github.com/certen/bridgekit/catalog"
	"github.com/certen/bridgekit/evmrpc"
	"github.com/certen/bridgekit/internal/httpfetch"
	"github.com/certen/bridgekit/internal/wireutil"
	"github.com/certen/bridgekit/metrics"
	"github.com/certen/bridgekit/types"
)

// Engine fetches, normalizes, and caches quotes.
type Engine struct {
	http            *httpfetch.Client
	catalog         *catalog.Catalog
	cache           *cache.TTL[string, types.Quote]
	defaultSlippage float64
	log             *bridgelog.Logger
	metrics         *metrics.Registry
}

// Config controls Engine construction.
type Config struct {
	HTTP            *httpfetch.Client
	Catalog         *catalog.Catalog
	DefaultSlippage float64
	Log             *bridgelog.Logger
	Metrics         *metrics.Registry
}

// New constructs a quote Engine with its own private cache.
func New(cfg Config) *Engine {
	if cfg.Log == nil {
		cfg.Log = bridgelog.Discard()
	}
	if cfg.DefaultSlippage == 0 {
		cfg.DefaultSlippage = 0.005
	}
	return &Engine{
		http:            cfg.HTTP,
		catalog:         cfg.Catalog,
		cache:           cache.New[string, types.Quote](0, 0), // quote freshness governed by ExpiresAt, not TTL
		defaultSlippage: cfg.DefaultSlippage,
		log:             cfg.Log.WithComponent("quote"),
		metrics:         cfg.Metrics,
	}
}

func cacheKey(p types.QuoteParams) string {
	return strings.Join([]string{
		strconv.Itoa(p.FromChainID), strconv.Itoa(p.ToChainID),
		strings.ToLower(p.FromToken.String()), strings.ToLower(p.ToToken.String()),
		p.FromAmount.Dec(), strings.ToLower(p.FromAddress.String()),
		strconv.FormatFloat(p.Slippage, 'f', 6, 64),
	}, "|")
}

func isExpired(q types.Quote, now int64) bool {
	return q.ExpiresAt <= now
}

// Validate checks QuoteParams invariants from spec.md §3.
func (e *Engine) Validate(ctx context.Context, p *types.QuoteParams) error {
	if p.FromAmount == nil || p.FromAmount.IsZero() {
		return bridgeerr.New(bridgeerr.KindInvalidQuoteParams, "fromAmount must be a positive integer")
	}
	if _, err := evmrpc.ParseAddress(p.FromToken.String()); err != nil {
		return bridgeerr.Wrap(err, bridgeerr.KindInvalidQuoteParams, "invalid fromToken address")
	}
	if _, err := evmrpc.ParseAddress(p.ToToken.String()); err != nil {
		return bridgeerr.Wrap(err, bridgeerr.KindInvalidQuoteParams, "invalid toToken address")
	}
	if p.Slippage < 0.0001 || p.Slippage > 0.05 {
		return bridgeerr.Newf(bridgeerr.KindInvalidSlippage, "slippage %v must be within [0.0001, 0.05]", p.Slippage)
	}
	if p.ToChainID != types.DestinationChainID && !e.catalog.ResolveChain(ctx, p.ToChainID) {
		return bridgeerr.Newf(bridgeerr.KindInvalidQuoteParams, "unknown toChainId %d", p.ToChainID)
	}
	if p.FromChainID != types.DestinationChainID && !e.catalog.ResolveChain(ctx, p.FromChainID) {
		return bridgeerr.Newf(bridgeerr.KindInvalidQuoteParams, "unknown fromChainId %d", p.FromChainID)
	}
	return nil
}

// normalize applies §4.4 step 2's defaults.
func (e *Engine) normalize(p types.QuoteParams) types.QuoteParams {
	if p.ToChainID == 0 {
		p.ToChainID = types.DestinationChainID
	}
	if p.Slippage == 0 {
		p.Slippage = e.defaultSlippage
	}
	if p.RoutePreference == "" {
		p.RoutePreference = types.RouteRecommended
	}
	return p
}

// GetQuote implements the full pipeline from spec.md §4.4.
func (e *Engine) GetQuote(ctx context.Context, params types.QuoteParams, autoDeposit bool, useCache bool, nowMS int64) (types.Quote, error) {
	if err := e.Validate(ctx, &params); err != nil {
		return types.Quote{}, err
	}
	params = e.normalize(params)
	key := cacheKey(params)

	if useCache {
		if fresh, ok := e.cache.GetStaleIf(key, func(q types.Quote) bool { return isExpired(q, nowMS) }); ok {
			e.metrics.RecordCacheHit("quote")
			return fresh, nil
		}
	}
	e.metrics.RecordCacheMiss("quote")

	quote, err := e.fetchAndMap(ctx, params, autoDeposit, nowMS)
	if err != nil {
		if stale, ok := e.cache.GetStaleIf(key, func(q types.Quote) bool { return isExpired(q, nowMS) }); ok {
			e.log.WithError(err).Warn("quote fetch failed, serving stale cache", "key", key)
			return stale, nil
		}
		return types.Quote{}, classifyQuoteError(err)
	}

	e.cache.Set(key, quote)
	return quote, nil
}

func classifyQuoteError(err error) error {
	status := httpfetch.StatusCode(err)
	if status == 404 || strings.Contains(err.Error(), "No available quotes") {
		return bridgeerr.Wrap(err, bridgeerr.KindNoRouteFound, "no route found for this transfer")
	}
	if _, ok := bridgeerr.As(err); ok {
		return err
	}
	switch {
	case status != 0:
		return bridgeerr.Wrap(err, bridgeerr.KindNetworkError, "aggregator returned a non-OK status")
	default:
		return bridgeerr.Wrap(err, bridgeerr.KindQuoteFetchFailed, "failed to fetch quote")
	}
}

func (e *Engine) fetchAndMap(ctx context.Context, params types.QuoteParams, autoDeposit bool, nowMS int64) (types.Quote, error) {
	path := fmt.Sprintf("/quote?fromChain=%d&toChain=%d&fromToken=%s&toToken=%s&fromAmount=%s&fromAddress=%s&slippage=%s",
		params.FromChainID, params.ToChainID, params.FromToken, params.ToToken, params.FromAmount.Dec(), params.FromAddress,
		strconv.FormatFloat(params.Slippage*100, 'f', 2, 64))

	var raw map[string]any
	if err := e.http.GetJSON(ctx, path, &raw); err != nil {
		return types.Quote{}, err
	}

	return mapQuote(wireutil.FromMap(raw), autoDeposit, nowMS)
}

// mapQuote implements steps 5-8 of spec.md §4.4.
func mapQuote(doc wireutil.Doc, autoDeposit bool, nowMS int64) (types.Quote, error) {
	id := doc.OptString("id")
	fromAmount, err := doc.BigIntString("fromAmount", true)
	if err != nil {
		return types.Quote{}, bridgeerr.Wrap(err, bridgeerr.KindInvalidQuote, "quote response missing fromAmount")
	}
	toAmount, err := doc.BigIntString("toAmount", false)
	if err != nil {
		toAmount = uint256.NewInt(0)
	}

	stepDocs := extractSteps(doc)
	if len(stepDocs) == 0 {
		return types.Quote{}, bridgeerr.New(bridgeerr.KindInvalidQuote, "quote response has no steps")
	}

	steps := make([]types.Step, 0, len(stepDocs))
	estimatedTime := 0
	var gasLimit, gasAmount, gasPrice *uint256.Int
	var nativeGasToken types.Token
	var bridgeFeeUSD, protocolFeeUSD float64
	var stepBreakdown []types.GasStepBreakdown

	for _, sd := range stepDocs {
		step, err := mapStep(sd)
		if err != nil {
			return types.Quote{}, err
		}
		steps = append(steps, step)
		estimatedTime += step.EstimatedTime

		gasCosts := sd.OptArray("gasCosts")
		for _, gc := range gasCosts {
			gcMap, ok := gc.(map[string]any)
			if !ok {
				continue
			}
			gdoc := wireutil.FromMap(gcMap)
			limit, _ := gdoc.BigIntString("limit", false)
			amount, _ := gdoc.BigIntString("amount", false)
			price, _ := gdoc.BigIntString("price", false)
			if limit != nil {
				gasLimit = addOrSet(gasLimit, limit)
			}
			if amount != nil {
				gasAmount = addOrSet(gasAmount, amount)
			}
			if price != nil && !price.IsZero() && gasPrice == nil {
				gasPrice = price
			}
			usd := zeroIfNil(gdoc.OptFloat("amountUSD"))
			stepBreakdown = append(stepBreakdown, types.GasStepBreakdown{StepID: step.ID, GasLimit: limit, GasCostUSD: usd})
			if tokObj, ok := gdoc.OptObject("token"); ok && nativeGasToken.Symbol == "" {
				nativeGasToken.Symbol = tokObj.OptString("symbol")
				nativeGasToken.Decimals, _ = tokObj.NonNegativeInt("decimals")
			}
		}

		feeCosts := sd.OptArray("feeCosts")
		for _, fc := range feeCosts {
			fcMap, ok := fc.(map[string]any)
			if !ok {
				continue
			}
			fdoc := wireutil.FromMap(fcMap)
			if fdoc.OptBool("included") {
				continue
			}
			name := strings.ToLower(fdoc.OptString("name"))
			usd := zeroIfNil(fdoc.OptFloat("amountUSD"))
			if strings.Contains(name, "protocol") || strings.Contains(name, "lifi") {
				protocolFeeUSD += usd
			} else {
				bridgeFeeUSD += usd
			}
		}
	}

	fromUSD := zeroIfNil(doc.OptFloat("fromAmountUSD"))
	toUSD := zeroIfNil(doc.OptFloat("toAmountUSD"))
	// spec.md §9: "aggregator's toAmountUSD is occasionally missing; when
	// absent price impact defaults to 0 (severity=low)".
	priceImpact := 0.0
	if doc.Has("toAmountUSD") && fromUSD != 0 {
		priceImpact = math.Round(((fromUSD-toUSD)/fromUSD)*10000) / 10000
	}
	severity, highImpact := classifyImpact(priceImpact)

	gasCostUSD := 0.0
	for _, b := range stepBreakdown {
		gasCostUSD += b.GasCostUSD
	}
	gasCost := gasAmount
	if gasCost == nil {
		gasCost = uint256.NewInt(0)
	}
	if gasLimit == nil {
		gasLimit = uint256.NewInt(0)
	}
	if gasPrice == nil {
		gasPrice = uint256.NewInt(0)
	}

	fees := types.Fees{
		TotalUSD:       gasCostUSD + bridgeFeeUSD + protocolFeeUSD,
		GasUSD:         gasCostUSD,
		BridgeFeeUSD:   bridgeFeeUSD,
		ProtocolFeeUSD: protocolFeeUSD,
		GasEstimate: types.GasEstimate{
			GasLimit:      gasLimit,
			GasPrice:      gasPrice,
			GasCost:       gasCost,
			GasCostUSD:    gasCostUSD,
			NativeToken:   nativeGasToken,
			StepBreakdown: stepBreakdown,
		},
	}

	includesAutoDeposit := autoDeposit && steps[len(steps)-1].ToChainID == types.DestinationChainID
	manualDepositRequired := !autoDeposit && steps[len(steps)-1].ToChainID == types.DestinationChainID

	return types.Quote{
		ID:                    id,
		Steps:                 steps,
		Fees:                  fees,
		EstimatedTime:         estimatedTime,
		FromAmount:            fromAmount,
		ToAmount:              toAmount,
		PriceImpact:           priceImpact,
		ImpactSeverity:        severity,
		HighImpact:            highImpact,
		ExpiresAt:             nowMS + 60_000,
		FromToken:             types.Token{Address: steps[0].FromToken, ChainID: steps[0].FromChainID},
		ToToken:               types.Token{Address: steps[len(steps)-1].ToToken, ChainID: steps[len(steps)-1].ToChainID},
		IncludesAutoDeposit:   includesAutoDeposit,
		ManualDepositRequired: manualDepositRequired,
	}, nil
}

// extractSteps implements step 5's "Steps are extracted from includedSteps
// when present else a singleton from the top-level."
func extractSteps(doc wireutil.Doc) []wireutil.Doc {
	if arr := doc.OptArray("includedSteps"); len(arr) > 0 {
		docs := make([]wireutil.Doc, 0, len(arr))
		for _, raw := range arr {
			if m, ok := raw.(map[string]any); ok {
				docs = append(docs, wireutil.FromMap(m))
			}
		}
		return docs
	}
	if doc.Has("id") {
		return []wireutil.Doc{doc}
	}
	return nil
}

func mapStep(doc wireutil.Doc) (types.Step, error) {
	id, err := doc.String("id")
	if err != nil {
		id = "step-0"
	}
	fromChainID, err := doc.Int("fromChainId")
	if err != nil {
		return types.Step{}, bridgeerr.Wrap(err, bridgeerr.KindInvalidQuote, "step missing fromChainId")
	}
	toChainID, err := doc.Int("toChainId")
	if err != nil {
		return types.Step{}, bridgeerr.Wrap(err, bridgeerr.KindInvalidQuote, "step missing toChainId")
	}
	fromAmount, err := doc.BigIntString("fromAmount", false)
	if err != nil {
		fromAmount = uint256.NewInt(0)
	}
	toAmount, err := doc.BigIntString("toAmount", false)
	if err != nil {
		toAmount = uint256.NewInt(0)
	}
	estimatedTime, _ := doc.Int("executionDuration")

	stepType := types.StepType(doc.OptString("type"))
	if stepType == "" {
		stepType = types.StepBridge
	}

	var approvalAddr *evmrpc.Address
	if s := doc.OptString("approvalAddress"); s != "" {
		if a, err := evmrpc.ParseAddress(s); err == nil {
			approvalAddr = &a
		}
	}

	fromTokenAddr, _ := nestedAddress(doc, "action", "fromToken")
	toTokenAddr, _ := nestedAddress(doc, "action", "toToken")

	step := types.Step{
		ID:              id,
		Type:            stepType,
		Tool:            doc.OptString("tool"),
		FromChainID:     fromChainID,
		ToChainID:       toChainID,
		FromToken:       fromTokenAddr,
		ToToken:         toTokenAddr,
		FromAmount:      fromAmount,
		ToAmount:        toAmount,
		EstimatedTime:   estimatedTime,
		ApprovalAddress: approvalAddr,
	}

	if txReq, ok := doc.OptObject("transactionRequest"); ok {
		if to := txReq.OptString("to"); to != "" {
			if addr, err := evmrpc.ParseAddress(to); err == nil {
				step.To = addr
			}
		}
		if data := txReq.OptString("data"); data != "" {
			if decoded, err := evmrpc.DecodeHex(data); err == nil {
				step.Data = decoded
			}
		}
		if value, err := txReq.BigIntString("value", false); err == nil {
			step.Value = value
		}
	}

	return step, nil
}

func nestedAddress(doc wireutil.Doc, objField, tokenField string) (evmrpc.Address, bool) {
	obj, ok := doc.OptObject(objField)
	if !ok {
		return "", false
	}
	tok, ok := obj.OptObject(tokenField)
	if !ok {
		return "", false
	}
	addrStr := tok.OptString("address")
	if addrStr == "" {
		return "", false
	}
	addr, err := evmrpc.ParseAddress(addrStr)
	if err != nil {
		return "", false
	}
	return addr, true
}

// classifyImpact applies the severity bands from spec.md §4.4 step 7.
func classifyImpact(impact float64) (types.ImpactSeverity, bool) {
	abs := math.Abs(impact)
	switch {
	case abs >= 0.03:
		return types.ImpactVeryHigh, true
	case abs >= 0.01:
		return types.ImpactHigh, true
	case abs >= 0.005:
		return types.ImpactMedium, false
	default:
		return types.ImpactLow, false
	}
}

func addOrSet(acc, v *uint256.Int) *uint256.Int {
	if acc == nil {
		return new(uint256.Int).Set(v)
	}
	return new(uint256.Int).Add(acc, v)
}

func zeroIfNil(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

// GetQuotes posts to /advanced/routes and maps each route, per spec.md §4.4.
// The first element is the aggregator's recommended route.
func (e *Engine) GetQuotes(ctx context.Context, params types.QuoteParams, autoDeposit bool, nowMS int64) ([]types.Quote, error) {
	if err := e.Validate(ctx, &params); err != nil {
		return nil, err
	}
	params = e.normalize(params)

	body := map[string]any{
		"fromChainId": params.FromChainID,
		"toChainId":   params.ToChainID,
		"fromToken":   params.FromToken.String(),
		"toToken":     params.ToToken.String(),
		"fromAmount":  params.FromAmount.Dec(),
		"fromAddress": params.FromAddress.String(),
		"options": map[string]any{
			"slippage": params.Slippage,
			"order":    string(params.RoutePreference),
		},
	}

	var raw struct {
		Routes []map[string]any `json:"routes"`
	}
	if err := e.http.PostJSON(ctx, "/advanced/routes", body, &raw); err != nil {
		return nil, classifyQuoteError(err)
	}

	quotes := make([]types.Quote, 0, len(raw.Routes))
	for _, r := range raw.Routes {
		q, err := mapQuote(wireutil.FromMap(r), autoDeposit, nowMS)
		if err != nil {
			continue
		}
		quotes = append(quotes, q)
	}
	if len(quotes) == 0 {
		return nil, bridgeerr.New(bridgeerr.KindNoRouteFound, "no routes returned for this transfer")
	}
	return quotes, nil
}
