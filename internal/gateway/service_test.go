package gateway

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/R3E-Network/aggregation_gateway/internal/app/domain/aggregate"
	"github.com/R3E-Network/aggregation_gateway/internal/cache"
	"github.com/R3E-Network/aggregation_gateway/internal/config"
	"github.com/R3E-Network/aggregation_gateway/internal/middleware"
	"github.com/R3E-Network/aggregation_gateway/internal/orchestrator"
	"github.com/R3E-Network/aggregation_gateway/internal/registry"
	"github.com/R3E-Network/aggregation_gateway/pkg/logger"
)

// countingClient answers every provider with a fixed value and counts calls.
type countingClient struct {
	values map[string]string
	calls  int64
}

func (c *countingClient) Call(ctx context.Context, p aggregate.Provider, method string, params []string) (string, error) {
	atomic.AddInt64(&c.calls, 1)
	v, ok := c.values[p.ID]
	if !ok {
		return "", errors.New("no scripted value")
	}
	return v, nil
}

// denyGate rejects every credential.
type denyGate struct{}

func (denyGate) Allow(ctx context.Context, credential string) middleware.Decision {
	return middleware.Decision{Reason: "denied"}
}

// allowGate admits every credential under a fixed subject.
type allowGate struct{ subject string }

func (g allowGate) Allow(ctx context.Context, credential string) middleware.Decision {
	return middleware.Decision{Allowed: true, Subject: g.subject}
}

func testConfig() *config.Config {
	return &config.Config{
		Providers: []config.ProviderConfig{
			{ID: "alpha", Endpoint: "http://alpha", Weight: 1, Namespaces: []string{"1"}},
			{ID: "beta", Endpoint: "http://beta", Weight: 1, Namespaces: []string{"1"}},
			{ID: "gamma", Endpoint: "http://gamma", Weight: 1, Namespaces: []string{"1"}},
		},
		RequestTypes: map[string]config.RequestTypeConfig{
			"spot_price": {Mode: "numeric", Quorum: 2, Tolerance: "5", CacheTTL: time.Minute},
		},
		Health: config.HealthConfig{
			DegradedAfter:    3,
			DownAfter:        3,
			SuccessRateFloor: 0.1,
			CoolDown:         time.Minute,
			WindowSize:       16,
		},
		Fetch: config.FetchConfig{
			Deadline:       time.Second,
			PerCallTimeout: 500 * time.Millisecond,
			MaxCandidates:  5,
		},
		Cache: config.CacheConfig{Capacity: 64, DefaultTTL: time.Minute},
	}
}

func newTestService(t *testing.T, cfg *config.Config, client *countingClient, gate Gate, limiter *middleware.RateLimiter) *Service {
	t.Helper()
	log := logger.NewDefault("gateway-test")
	log.SetOutput(io.Discard)

	providers := make([]aggregate.Provider, len(cfg.Providers))
	for i, p := range cfg.Providers {
		providers[i] = aggregate.Provider{ID: p.ID, Endpoint: p.Endpoint, Weight: p.Weight, Namespaces: p.Namespaces}
	}
	reg := registry.New(providers, cfg.Health, log)
	orch := orchestrator.New(reg, client, cfg.Fetch, log)
	resultCache := cache.New(cfg.Cache.Capacity, log)

	svc, err := New(cfg, gate, limiter, resultCache, orch, reg, log)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestAggregate_EndToEnd(t *testing.T) {
	// No two values agree within the tight bound, so the orchestrator
	// collects all three answers before reconciling; the mean of the full
	// set is deterministic.
	client := &countingClient{values: map[string]string{"alpha": "100", "beta": "104", "gamma": "96"}}
	svc := newTestService(t, testConfig(), client, nil, nil)

	resp, err := svc.Aggregate(context.Background(), Params{
		Method:    "spot_price",
		Args:      []string{"ETH", "USDC"},
		Namespace: "1",
		ClientKey: "10.0.0.1",
	})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if resp.RequestID == "" {
		t.Fatal("expected a request id")
	}
	if resp.Cached {
		t.Fatal("first request must not be cached")
	}
	if len(resp.Result.Accepted) != 3 {
		t.Fatalf("expected 3 accepted providers, got %v", resp.Result.Accepted)
	}
	if resp.Result.Value != "100" {
		t.Fatalf("expected value 100, got %q", resp.Result.Value)
	}
	if resp.Result.Confidence != aggregate.ConfidenceWeak {
		t.Fatalf("expected weak confidence, got %s", resp.Result.Confidence)
	}
}

func TestAggregate_CacheAvoidsSecondFetch(t *testing.T) {
	client := &countingClient{values: map[string]string{"alpha": "100", "beta": "100", "gamma": "100"}}
	svc := newTestService(t, testConfig(), client, nil, nil)

	params := Params{Method: "spot_price", Args: []string{"ETH", "USDC"}, Namespace: "1", ClientKey: "10.0.0.1"}

	first, err := svc.Aggregate(context.Background(), params)
	if err != nil {
		t.Fatalf("first aggregate: %v", err)
	}
	callsAfterFirst := atomic.LoadInt64(&client.calls)

	second, err := svc.Aggregate(context.Background(), params)
	if err != nil {
		t.Fatalf("second aggregate: %v", err)
	}
	if !second.Cached {
		t.Fatal("second identical request must be served from cache")
	}
	if got := atomic.LoadInt64(&client.calls); got != callsAfterFirst {
		t.Fatalf("cached request reached providers: %d calls before, %d after", callsAfterFirst, got)
	}
	if first.Result.Value != second.Result.Value {
		t.Fatalf("cached value diverged: %q vs %q", first.Result.Value, second.Result.Value)
	}
	if first.RequestID == second.RequestID {
		t.Fatal("request ids must be unique per call")
	}
}

func TestAggregate_DistinctParamsMissCache(t *testing.T) {
	client := &countingClient{values: map[string]string{"alpha": "100", "beta": "100", "gamma": "100"}}
	svc := newTestService(t, testConfig(), client, nil, nil)

	if _, err := svc.Aggregate(context.Background(), Params{Method: "spot_price", Args: []string{"ETH"}, Namespace: "1"}); err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	resp, err := svc.Aggregate(context.Background(), Params{Method: "spot_price", Args: []string{"BTC"}, Namespace: "1"})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if resp.Cached {
		t.Fatal("different params must not share a cache entry")
	}
}

func TestAggregate_Unauthorized(t *testing.T) {
	client := &countingClient{values: map[string]string{"alpha": "100"}}
	svc := newTestService(t, testConfig(), client, denyGate{}, nil)

	_, err := svc.Aggregate(context.Background(), Params{Method: "spot_price", Namespace: "1", Credential: "Bearer junk"})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if atomic.LoadInt64(&client.calls) != 0 {
		t.Fatal("denied request must not reach providers")
	}
}

func TestAggregate_RateLimited(t *testing.T) {
	log := logger.NewDefault("limiter-test")
	log.SetOutput(io.Discard)
	limiter := middleware.NewRateLimiter(1, 1, log)

	client := &countingClient{values: map[string]string{"alpha": "100", "beta": "100", "gamma": "100"}}
	svc := newTestService(t, testConfig(), client, allowGate{subject: "user-1"}, limiter)

	params := Params{Method: "spot_price", Namespace: "1", Credential: "Bearer ok"}
	if _, err := svc.Aggregate(context.Background(), params); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if _, err := svc.Aggregate(context.Background(), params); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestAggregate_UnknownMethod(t *testing.T) {
	client := &countingClient{values: map[string]string{"alpha": "100"}}
	svc := newTestService(t, testConfig(), client, nil, nil)

	_, err := svc.Aggregate(context.Background(), Params{Method: "order_book", Namespace: "1"})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestAggregate_MissingNamespace(t *testing.T) {
	client := &countingClient{values: map[string]string{"alpha": "100"}}
	svc := newTestService(t, testConfig(), client, nil, nil)

	_, err := svc.Aggregate(context.Background(), Params{Method: "spot_price"})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestAggregate_ProviderPinning(t *testing.T) {
	client := &countingClient{values: map[string]string{"alpha": "100", "beta": "100", "gamma": "100"}}
	svc := newTestService(t, testConfig(), client, nil, nil)

	resp, err := svc.Aggregate(context.Background(), Params{
		Method:    "spot_price",
		Namespace: "1",
		Providers: []string{"alpha", "beta"},
	})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	for _, id := range resp.Result.Accepted {
		if id == "gamma" {
			t.Fatal("pinned request must not use excluded providers")
		}
	}
	if atomic.LoadInt64(&client.calls) > 2 {
		t.Fatalf("expected at most 2 provider calls, got %d", client.calls)
	}
}

func TestAggregate_UnknownNamespace(t *testing.T) {
	client := &countingClient{values: map[string]string{"alpha": "100", "beta": "100", "gamma": "100"}}
	svc := newTestService(t, testConfig(), client, nil, nil)

	_, err := svc.Aggregate(context.Background(), Params{Method: "spot_price", Namespace: "999"})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for unknown namespace, got %v", err)
	}
	if atomic.LoadInt64(&client.calls) != 0 {
		t.Fatal("invalid request must not reach providers")
	}
}

func TestAggregate_UnknownPinnedProvider(t *testing.T) {
	client := &countingClient{values: map[string]string{"alpha": "100", "beta": "100", "gamma": "100"}}
	svc := newTestService(t, testConfig(), client, nil, nil)

	_, err := svc.Aggregate(context.Background(), Params{
		Method:    "spot_price",
		Namespace: "1",
		Providers: []string{"alpha", "omega"},
	})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for unknown pinned provider, got %v", err)
	}
	if atomic.LoadInt64(&client.calls) != 0 {
		t.Fatal("invalid request must not reach providers")
	}
}

func TestAggregate_PinnedSetsDoNotShareCache(t *testing.T) {
	client := &countingClient{values: map[string]string{"alpha": "100", "beta": "100", "gamma": "100"}}
	svc := newTestService(t, testConfig(), client, nil, nil)

	warm, err := svc.Aggregate(context.Background(), Params{
		Method:    "spot_price",
		Namespace: "1",
		Providers: []string{"alpha", "beta"},
	})
	if err != nil {
		t.Fatalf("warm request: %v", err)
	}
	if warm.Cached {
		t.Fatal("warm request must not be cached")
	}

	resp, err := svc.Aggregate(context.Background(), Params{
		Method:    "spot_price",
		Namespace: "1",
		Providers: []string{"beta", "gamma"},
	})
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if resp.Cached {
		t.Fatal("a different pinned set must not reuse the cached result")
	}
	for _, id := range resp.Result.Accepted {
		if id == "alpha" {
			t.Fatal("result built from a provider the request excluded")
		}
	}

	// The same pinned set in a different order does share the entry.
	again, err := svc.Aggregate(context.Background(), Params{
		Method:    "spot_price",
		Namespace: "1",
		Providers: []string{"gamma", "beta"},
	})
	if err != nil {
		t.Fatalf("repeat request: %v", err)
	}
	if !again.Cached {
		t.Fatal("identical pinned set must be served from cache")
	}
}

func TestAggregate_QuorumFailureNotCached(t *testing.T) {
	client := &countingClient{values: map[string]string{}} // every call fails
	svc := newTestService(t, testConfig(), client, nil, nil)

	params := Params{Method: "spot_price", Namespace: "1"}
	if _, err := svc.Aggregate(context.Background(), params); !errors.Is(err, aggregate.ErrQuorumNotMet) {
		t.Fatalf("expected ErrQuorumNotMet, got %v", err)
	}

	// The failure must not be cached; new calls fetch again.
	before := atomic.LoadInt64(&client.calls)
	if _, err := svc.Aggregate(context.Background(), params); !errors.Is(err, aggregate.ErrQuorumNotMet) {
		t.Fatalf("expected ErrQuorumNotMet on retry, got %v", err)
	}
	if atomic.LoadInt64(&client.calls) == before {
		t.Fatal("retry after failure must reach providers again")
	}
}

func TestProviders_Snapshot(t *testing.T) {
	client := &countingClient{values: map[string]string{"alpha": "100", "beta": "100", "gamma": "100"}}
	svc := newTestService(t, testConfig(), client, nil, nil)

	statuses := svc.Providers()
	if len(statuses) != 3 {
		t.Fatalf("expected 3 providers, got %d", len(statuses))
	}
	for _, st := range statuses {
		if st.State != aggregate.HealthHealthy {
			t.Fatalf("provider %s not healthy at start: %s", st.Provider.ID, st.State)
		}
	}
}
