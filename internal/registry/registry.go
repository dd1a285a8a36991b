// Package registry tracks the configured providers, their health and their
// rolling latency statistics, and selects candidates for each request.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/R3E-Network/aggregation_gateway/internal/app/domain/aggregate"
	"github.com/R3E-Network/aggregation_gateway/internal/config"
	"github.com/R3E-Network/aggregation_gateway/pkg/logger"
)

// outcome is one recorded call result.
type outcome struct {
	success bool
	latency time.Duration
}

// tracked bundles a provider with its mutable statistics. Each tracked
// provider has its own mutex so updates to different providers never
// contend.
type tracked struct {
	mu sync.Mutex

	provider aggregate.Provider
	state    aggregate.HealthState

	window    []outcome // ring buffer of the last len(window) outcomes
	windowPos int
	windowLen int

	consecutiveFailures int
	downSince           time.Time
}

// Registry holds all configured providers. The provider set is fixed at
// startup; only per-provider statistics mutate afterwards.
type Registry struct {
	cfg       config.HealthConfig
	log       *logger.Logger
	providers map[string]*tracked
	order     []string
}

// ProviderStatus is a read-only snapshot used by the API boundary.
type ProviderStatus struct {
	Provider    aggregate.Provider
	State       aggregate.HealthState
	SuccessRate float64
	AvgLatency  time.Duration
	Score       float64
}

// New builds a registry from the configured provider set.
func New(providers []aggregate.Provider, cfg config.HealthConfig, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.NewDefault("registry")
	}
	r := &Registry{
		cfg:       cfg,
		log:       log,
		providers: make(map[string]*tracked, len(providers)),
	}
	for _, p := range providers {
		r.providers[p.ID] = &tracked{
			provider: p,
			state:    aggregate.HealthHealthy,
			window:   make([]outcome, cfg.WindowSize),
		}
		r.order = append(r.order, p.ID)
	}
	return r
}

// Candidates returns providers able to serve the request, ordered by score,
// excluding providers currently down. When the request pins providers, the
// pinned set is intersected with the eligible candidates.
func (r *Registry) Candidates(req aggregate.Request) []aggregate.Provider {
	pinned := make(map[string]bool, len(req.Providers))
	for _, id := range req.Providers {
		pinned[id] = true
	}

	type scored struct {
		provider aggregate.Provider
		score    float64
	}
	var out []scored
	for _, id := range r.order {
		t := r.providers[id]
		if len(pinned) > 0 && !pinned[id] {
			continue
		}
		if !t.provider.ServesNamespace(req.Namespace) || !t.provider.ServesMethod(req.Method) {
			continue
		}
		t.mu.Lock()
		state := t.state
		score := t.scoreLocked()
		t.mu.Unlock()
		if state == aggregate.HealthDown {
			continue
		}
		out = append(out, scored{provider: t.provider, score: score})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })

	providers := make([]aggregate.Provider, len(out))
	for i, s := range out {
		providers[i] = s.provider
	}
	return providers
}

// ReportOutcome records one call result for a provider and applies health
// transitions.
func (r *Registry) ReportOutcome(id string, success bool, latency time.Duration) {
	t, ok := r.providers[id]
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.window[t.windowPos] = outcome{success: success, latency: latency}
	t.windowPos = (t.windowPos + 1) % len(t.window)
	if t.windowLen < len(t.window) {
		t.windowLen++
	}

	if success {
		t.consecutiveFailures = 0
		if t.state == aggregate.HealthDegraded {
			r.transitionLocked(t, aggregate.HealthHealthy, "recovered")
		}
		return
	}

	t.consecutiveFailures++
	switch t.state {
	case aggregate.HealthHealthy:
		if t.consecutiveFailures >= r.cfg.DegradedAfter {
			r.transitionLocked(t, aggregate.HealthDegraded, "consecutive failures")
		}
	case aggregate.HealthDegraded:
		if t.consecutiveFailures >= r.cfg.DegradedAfter+r.cfg.DownAfter {
			r.transitionLocked(t, aggregate.HealthDown, "consecutive failures")
		} else if t.windowLen >= len(t.window)/2 && t.successRateLocked() < r.cfg.SuccessRateFloor {
			r.transitionLocked(t, aggregate.HealthDown, "success rate below floor")
		}
	}
}

// ReportProbe records a recovery probe result for a down provider. A
// successful probe after the cool-down period returns the provider to
// healthy with fresh statistics.
func (r *Registry) ReportProbe(id string, success bool) {
	t, ok := r.providers[id]
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != aggregate.HealthDown || !success {
		return
	}
	if time.Since(t.downSince) < r.cfg.CoolDown {
		return
	}
	t.windowPos = 0
	t.windowLen = 0
	t.consecutiveFailures = 0
	r.transitionLocked(t, aggregate.HealthHealthy, "probe succeeded")
}

// DueForProbe returns the providers that are down and past their cool-down,
// and therefore eligible for a recovery probe.
func (r *Registry) DueForProbe() []aggregate.Provider {
	var due []aggregate.Provider
	for _, id := range r.order {
		t := r.providers[id]
		t.mu.Lock()
		if t.state == aggregate.HealthDown && time.Since(t.downSince) >= r.cfg.CoolDown {
			due = append(due, t.provider)
		}
		t.mu.Unlock()
	}
	return due
}

// Health returns the current health state of a provider.
func (r *Registry) Health(id string) aggregate.HealthState {
	t, ok := r.providers[id]
	if !ok {
		return aggregate.HealthDown
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Reliability returns the provider's success rate over the rolling window.
// Providers without history score 1.
func (r *Registry) Reliability(id string) float64 {
	t, ok := r.providers[id]
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.successRateLocked()
}

// Weights returns the reconciliation weight (static weight x reliability)
// for each given provider id.
func (r *Registry) Weights(ids []string) map[string]float64 {
	weights := make(map[string]float64, len(ids))
	for _, id := range ids {
		t, ok := r.providers[id]
		if !ok {
			continue
		}
		t.mu.Lock()
		weights[id] = t.provider.Weight * t.successRateLocked()
		t.mu.Unlock()
	}
	return weights
}

// Snapshot returns the status of every provider for display.
func (r *Registry) Snapshot() []ProviderStatus {
	out := make([]ProviderStatus, 0, len(r.order))
	for _, id := range r.order {
		t := r.providers[id]
		t.mu.Lock()
		out = append(out, ProviderStatus{
			Provider:    t.provider,
			State:       t.state,
			SuccessRate: t.successRateLocked(),
			AvgLatency:  t.avgLatencyLocked(),
			Score:       t.scoreLocked(),
		})
		t.mu.Unlock()
	}
	return out
}

func (r *Registry) transitionLocked(t *tracked, next aggregate.HealthState, reason string) {
	prev := t.state
	t.state = next
	if next == aggregate.HealthDown {
		t.downSince = time.Now()
	}
	r.log.WithField("provider", t.provider.ID).
		WithField("from", string(prev)).
		WithField("to", string(next)).
		WithField("reason", reason).
		Info("provider health transition")
}

// successRateLocked computes the windowed success rate. Callers must hold
// t.mu.
func (t *tracked) successRateLocked() float64 {
	if t.windowLen == 0 {
		return 1
	}
	successes := 0
	for i := 0; i < t.windowLen; i++ {
		if t.window[i].success {
			successes++
		}
	}
	return float64(successes) / float64(t.windowLen)
}

func (t *tracked) avgLatencyLocked() time.Duration {
	if t.windowLen == 0 {
		return 0
	}
	var total time.Duration
	n := 0
	for i := 0; i < t.windowLen; i++ {
		if t.window[i].success {
			total += t.window[i].latency
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return total / time.Duration(n)
}

// scoreLocked ranks a provider: higher weight and success rate rank higher,
// higher latency ranks lower.
func (t *tracked) scoreLocked() float64 {
	score := t.provider.Weight * t.successRateLocked()
	score /= 1 + t.avgLatencyLocked().Seconds()
	if t.state == aggregate.HealthDegraded {
		score /= 2
	}
	return score
}
