// Package orchestrator fans one aggregation request out to a set of
// providers, bounds every call with a timeout, and collects whatever
// observations arrive before the request deadline.
package orchestrator

import (
	"context"
	"math/big"
	"sort"
	"time"

	"github.com/R3E-Network/aggregation_gateway/internal/app/domain/aggregate"
	"github.com/R3E-Network/aggregation_gateway/internal/config"
	"github.com/R3E-Network/aggregation_gateway/internal/metrics"
	"github.com/R3E-Network/aggregation_gateway/internal/provider"
	"github.com/R3E-Network/aggregation_gateway/internal/reconcile"
	"github.com/R3E-Network/aggregation_gateway/internal/registry"
	"github.com/R3E-Network/aggregation_gateway/pkg/logger"
)

// Orchestrator issues concurrent provider calls for one request.
type Orchestrator struct {
	registry *registry.Registry
	client   provider.Client
	cfg      config.FetchConfig
	log      *logger.Logger
}

// callResult carries one provider's outcome back to the collector.
type callResult struct {
	providerID string
	value      string
	latency    time.Duration
	err        error
}

// New creates an orchestrator.
func New(reg *registry.Registry, client provider.Client, cfg config.FetchConfig, log *logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.NewDefault("orchestrator")
	}
	return &Orchestrator{registry: reg, client: client, cfg: cfg, log: log}
}

// Fetch selects candidates, calls them concurrently and returns the
// observations collected before the deadline plus the per-provider failure
// reasons. It returns aggregate.ErrQuorumNotMet when fewer providers than
// the reconciliation quorum answered in time.
//
// Calls still in flight when Fetch returns are cancelled; their failure
// outcome still reaches the registry before the goroutine exits.
func (o *Orchestrator) Fetch(ctx context.Context, req aggregate.Request, rc reconcile.Config) ([]aggregate.Observation, map[string]error, error) {
	candidates := o.registry.Candidates(req)
	if len(candidates) > o.cfg.MaxCandidates {
		candidates = candidates[:o.cfg.MaxCandidates]
	}
	if len(candidates) < rc.Quorum {
		return nil, nil, aggregate.ErrQuorumNotMet
	}

	deadline := req.Deadline
	if deadline <= 0 || deadline > o.cfg.Deadline {
		deadline = o.cfg.Deadline
	}

	// Calls run under callCtx rather than the caller's context so a
	// straggler's outcome is reported to the registry even when the
	// caller has already given up on the request.
	callCtx, cancelCalls := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelCalls()

	results := make(chan callResult, len(candidates))
	for _, p := range candidates {
		go o.call(callCtx, p, req, results)
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	var observations []aggregate.Observation
	failures := make(map[string]error)
	received := 0

collect:
	for received < len(candidates) {
		select {
		case res := <-results:
			received++
			if res.err != nil {
				failures[res.providerID] = res.err
				continue
			}
			observations = append(observations, aggregate.Observation{
				ProviderID: res.providerID,
				Value:      res.value,
				Latency:    res.latency,
				Timestamp:  time.Now().UTC(),
			})
			if o.canExitEarly(observations, rc) {
				cancelCalls()
				break collect
			}
		case <-timer.C:
			o.log.WithField("method", req.Method).
				WithField("received", received).
				WithField("candidates", len(candidates)).
				Debug("deadline reached with calls outstanding")
			break collect
		case <-ctx.Done():
			break collect
		}
	}

	if len(observations) < rc.Quorum {
		return observations, failures, aggregate.ErrQuorumNotMet
	}
	return observations, failures, nil
}

// call performs one provider call under its own timeout and reports the
// outcome to the registry regardless of whether the collector is still
// listening.
func (o *Orchestrator) call(ctx context.Context, p aggregate.Provider, req aggregate.Request, results chan<- callResult) {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.PerCallTimeout)
	defer cancel()

	start := time.Now()
	value, err := o.client.Call(callCtx, p, req.Method, req.Params)
	latency := time.Since(start)

	o.registry.ReportOutcome(p.ID, err == nil, latency)
	metrics.RecordProviderCall(p.ID, err == nil, latency)

	results <- callResult{providerID: p.ID, value: value, latency: latency, err: err}
}

// canExitEarly reports whether the collected observations already form a
// strong quorum, making further waiting pointless. Cancellation of the
// remaining calls is a latency optimization, not a correctness requirement.
func (o *Orchestrator) canExitEarly(observations []aggregate.Observation, rc reconcile.Config) bool {
	if len(observations) < rc.Quorum {
		return false
	}

	if rc.Mode == aggregate.ModeExact {
		counts := make(map[string]int)
		for _, obs := range observations {
			counts[obs.Value]++
			if counts[obs.Value] >= rc.Quorum {
				return true
			}
		}
		return false
	}

	if rc.Tolerance == nil {
		return false
	}
	tight := rc.TightTolerance
	if tight == nil {
		tight = new(big.Rat).Mul(rc.Tolerance, big.NewRat(1, 2))
	}

	values := make([]*big.Rat, 0, len(observations))
	for _, obs := range observations {
		v, ok := new(big.Rat).SetString(obs.Value)
		if !ok {
			return false
		}
		values = append(values, v)
	}
	sort.Slice(values, func(i, j int) bool { return values[i].Cmp(values[j]) < 0 })

	med := values[len(values)/2]
	for _, v := range values {
		diff := new(big.Rat).Sub(v, med)
		diff.Abs(diff)
		if rc.Relative && med.Sign() != 0 {
			diff.Quo(diff, new(big.Rat).Abs(med))
		}
		if diff.Cmp(tight) > 0 {
			return false
		}
	}
	return true
}
