package balance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/holiman/uint256"

	"github.com/certen/bridgekit/catalog"
	"github.com/certen/bridgekit/evmrpc"
	"github.com/certen/bridgekit/internal/httpfetch"
)

type fakeRPC struct {
	native  *uint256.Int
	erc20   *uint256.Int
	calls   int32
	failing bool
}

func (f *fakeRPC) NativeBalanceAt(ctx context.Context, addr evmrpc.Address) (*uint256.Int, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.failing {
		return nil, errFetch
	}
	return f.native, nil
}

func (f *fakeRPC) ERC20BalanceOf(ctx context.Context, token, owner evmrpc.Address) (*uint256.Int, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.failing {
		return nil, errFetch
	}
	return f.erc20, nil
}

type fetchError struct{ msg string }

func (e *fetchError) Error() string { return e.msg }

var errFetch = &fetchError{"rpc unavailable"}

func newTestService(t *testing.T, rpc *fakeRPC) *Service {
	return newTestServiceWithTTL(t, rpc, time.Minute)
}

func newTestServiceWithTTL(t *testing.T, rpc *fakeRPC, ttl time.Duration) *Service {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tokens":{"1":[{"address":"0x00000000000000000000000000000000000000aa","symbol":"USDC","decimals":6}]}}`))
	}))
	t.Cleanup(srv.Close)
	hc := httpfetch.New(srv.URL, "bridgekit-test", "", time.Second)
	cat := catalog.New(catalog.Config{HTTP: hc, ChainsTTL: time.Minute, TokensTTL: time.Minute})
	return New(Config{
		Catalog:  cat,
		Resolver: func(chainID int) (rpcClient, error) { return rpc, nil },
		CacheTTL: ttl,
		Debounce: time.Millisecond,
	})
}

func TestGetBalanceERC20(t *testing.T) {
	rpc := &fakeRPC{erc20: uint256.NewInt(5_000_000)}
	svc := newTestService(t, rpc)
	bal, err := svc.GetBalance(context.Background(), Request{
		Wallet:  evmrpc.MustParseAddress("0x00000000000000000000000000000000000000bb"),
		ChainID: 1,
		Token:   evmrpc.MustParseAddress("0x00000000000000000000000000000000000000AA"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bal.Formatted != "5" {
		t.Fatalf("expected formatted balance 5, got %q", bal.Formatted)
	}
	if !bal.HasBalance {
		t.Fatalf("expected HasBalance=true")
	}
}

func TestGetBalanceDedupesConcurrentCalls(t *testing.T) {
	rpc := &fakeRPC{erc20: uint256.NewInt(1)}
	svc := newTestService(t, rpc)
	req := Request{
		Wallet:  evmrpc.MustParseAddress("0x00000000000000000000000000000000000000bb"),
		ChainID: 1,
		Token:   evmrpc.MustParseAddress("0x00000000000000000000000000000000000000aa"),
	}

	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		go func() {
			svc.GetBalance(context.Background(), req)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 5; i++ {
		<-done
	}

	if rpc.calls > 1 {
		t.Fatalf("expected at most one RPC call across 5 concurrent requests, got %d", rpc.calls)
	}
}

func TestGetBalanceRejectsInvalidAddress(t *testing.T) {
	rpc := &fakeRPC{erc20: uint256.NewInt(1)}
	svc := newTestService(t, rpc)
	_, err := svc.GetBalance(context.Background(), Request{
		Wallet:  "not-an-address",
		ChainID: 1,
		Token:   evmrpc.MustParseAddress("0x00000000000000000000000000000000000000aa"),
	})
	if err == nil {
		t.Fatalf("expected error for invalid wallet address")
	}
}

func TestGetBalanceFallsBackToStaleOnFetchError(t *testing.T) {
	rpc := &fakeRPC{erc20: uint256.NewInt(42)}
	svc := newTestServiceWithTTL(t, rpc, 5*time.Millisecond)
	req := Request{
		Wallet:  evmrpc.MustParseAddress("0x00000000000000000000000000000000000000bb"),
		ChainID: 1,
		Token:   evmrpc.MustParseAddress("0x00000000000000000000000000000000000000aa"),
	}
	if _, err := svc.GetBalance(context.Background(), req); err != nil {
		t.Fatalf("unexpected error priming cache: %v", err)
	}
	time.Sleep(20 * time.Millisecond) // let the fresh entry go stale

	rpc.failing = true
	bal, err := svc.GetBalance(context.Background(), req)
	if err != nil {
		t.Fatalf("expected stale fallback, got error: %v", err)
	}
	if bal.Formatted != "0.000042" {
		t.Fatalf("expected stale formatted balance 0.000042, got %q", bal.Formatted)
	}
	if !bal.Stale {
		t.Fatalf("expected stale fallback result to be marked Stale")
	}
	if bal.FetchedAt.IsZero() {
		t.Fatalf("expected stale fallback result to carry a non-zero FetchedAt")
	}
}

func TestGetBalancesAggregatesStaleness(t *testing.T) {
	rpc := &fakeRPC{erc20: uint256.NewInt(42)}
	svc := newTestServiceWithTTL(t, rpc, 5*time.Millisecond)
	wallet := evmrpc.MustParseAddress("0x00000000000000000000000000000000000000bb")
	token := evmrpc.MustParseAddress("0x00000000000000000000000000000000000000aa")

	if _, err := svc.GetBalance(context.Background(), Request{Wallet: wallet, ChainID: 1, Token: token}); err != nil {
		t.Fatalf("unexpected error priming cache: %v", err)
	}
	time.Sleep(20 * time.Millisecond) // let the fresh entry go stale

	rpc.failing = true
	resp := svc.GetBalances(context.Background(), wallet, []int{1}, map[int][]evmrpc.Address{1: {token}})
	if !resp.IsStale {
		t.Fatalf("expected IsStale=true when the only leaf served stale data")
	}
	if resp.CachedAt.IsZero() {
		t.Fatalf("expected CachedAt to be set to the stale leaf's fetch time")
	}
}
