package bridgekit

import (
	"os"
	"testing"

	"github.com/certen/bridgekit/config"
	"github.com/certen/bridgekit/events"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Integrator = "bridgekit-test"
	return cfg
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Integrator = ""

	if _, err := New(cfg); err == nil {
		t.Fatalf("expected New to reject a config with no integrator")
	}
}

func TestNewUsesDefaultConfigWhenNil(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatalf("expected New(nil) to fail Validate (no integrator set on DefaultConfig)")
	}
}

// TestNewWiresDestinationChainEagerly checks that the destination chain's RPC
// client is dialed during New and reused by later lookups, per the
// environment-selection rule in spec.md §6.
func TestNewWiresDestinationChainEagerly(t *testing.T) {
	c, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := c.rpcClients[999]; !ok {
		t.Fatalf("expected New to dial the destination chain client before any lookup")
	}

	first, err := c.chainClient(999)
	if err != nil {
		t.Fatalf("unexpected error resolving destination chain client: %v", err)
	}
	second, err := c.chainClient(999)
	if err != nil {
		t.Fatalf("unexpected error on second lookup: %v", err)
	}
	if first != second {
		t.Fatalf("expected chainClient to cache and reuse the dialed client")
	}
}

// TestChainClientRequiresConfiguredURL checks that an unconfigured,
// non-destination chain id fails fast instead of dialing nothing.
func TestChainClientRequiresConfiguredURL(t *testing.T) {
	c, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := c.chainClient(42161); err == nil {
		t.Fatalf("expected an error for an unconfigured chain id")
	}
}

// TestChainClientHonorsConfiguredURLOverride checks that a chain with no
// built-in endpoint dials successfully from an explicit Config.RPCURLs entry.
func TestChainClientHonorsConfiguredURLOverride(t *testing.T) {
	cfg := testConfig(t)
	cfg.RPCURLs = map[int]string{137: "https://polygon-rpc.com"}

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := c.chainClient(137); err != nil {
		t.Fatalf("expected configured chain 137 to dial successfully, got %v", err)
	}
}

// TestResolveBalanceRPCReusesChainClient checks that the balance resolver
// adapter is wired to the same lazy-dial cache as chainClient, and that its
// return type satisfies balance.RPCResolver's unexported rpcClient interface
// via structural assignment.
func TestResolveBalanceRPCReusesChainClient(t *testing.T) {
	c, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resolved, err := c.resolveBalanceRPC(999)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	direct, err := c.chainClient(999)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved != direct {
		t.Fatalf("expected resolveBalanceRPC to return the same cached client as chainClient")
	}
}

func TestOnOffDelegatesToBus(t *testing.T) {
	c, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var fired int
	id := c.On(events.StatusChanged, func(e events.Event) { fired++ })
	c.bus.Publish(events.Event{Type: events.StatusChanged})
	if fired != 1 {
		t.Fatalf("expected handler to fire once, fired %d times", fired)
	}

	c.Off(events.StatusChanged, id)
	c.bus.Publish(events.Event{Type: events.StatusChanged})
	if fired != 1 {
		t.Fatalf("expected handler to be unsubscribed, fired %d times", fired)
	}
}

func TestOnceFiresAtMostOnce(t *testing.T) {
	c, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var fired int
	c.Once(events.ExecutionCompleted, func(e events.Event) { fired++ })
	c.bus.Publish(events.Event{Type: events.ExecutionCompleted})
	c.bus.Publish(events.Event{Type: events.ExecutionCompleted})
	if fired != 1 {
		t.Fatalf("expected Once handler to fire exactly once, fired %d times", fired)
	}
}

// TestDefaultSingletonIsSharedUntilReset checks the process-wide convenience
// singleton from spec.md §9.
func TestDefaultSingletonIsSharedUntilReset(t *testing.T) {
	Reset()
	t.Cleanup(Reset)
	os.Setenv("BRIDGEKIT_INTEGRATOR", "bridgekit-default-test")
	t.Cleanup(func() { os.Unsetenv("BRIDGEKIT_INTEGRATOR") })

	first, err := Default()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := Default()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Fatalf("expected Default() to return the same client until Reset")
	}

	Reset()
	third, err := Default()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if third == first {
		t.Fatalf("expected Reset to discard the previous singleton")
	}
}

func TestGetExecutionStatusUnknownExecutionIsNotFound(t *testing.T) {
	c, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	status := c.GetExecutionStatus("does-not-exist")
	if status.Found {
		t.Fatalf("expected an unknown execution id to report Found=false")
	}
}
