// Package reconcile turns a set of provider observations into one aggregate
// value with a confidence class. It is purely functional: the same
// observations and configuration always produce the same result.
package reconcile

import (
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/R3E-Network/aggregation_gateway/internal/app/domain/aggregate"
)

// Config tunes one reconciliation run.
type Config struct {
	Mode   aggregate.ReconcileMode
	Quorum int
	// Tolerance is the loose bound: observations deviating from the median
	// by more than this are rejected as outliers.
	Tolerance *big.Rat
	// Relative interprets tolerances as a ratio of the median instead of
	// an absolute difference.
	Relative bool
	// TightTolerance is the agreement bound for strong confidence. When
	// nil, half the loose tolerance is used.
	TightTolerance *big.Rat
}

// ParseTolerance parses a decimal tolerance such as "0.5" or "5".
func ParseTolerance(s string) (*big.Rat, error) {
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, fmt.Errorf("invalid tolerance %q", s)
	}
	if r.Sign() < 0 {
		return nil, fmt.Errorf("tolerance %q must not be negative", s)
	}
	return r, nil
}

// Reconcile aggregates observations under cfg. Weights map provider id to
// (static weight x reliability); missing ids default to weight 1.
func Reconcile(obs []aggregate.Observation, weights map[string]float64, cfg Config) (*aggregate.Result, error) {
	if cfg.Quorum <= 0 {
		return nil, fmt.Errorf("reconcile: quorum must be positive")
	}
	if len(obs) < cfg.Quorum {
		return nil, aggregate.ErrQuorumNotMet
	}

	// Sort a copy by provider id so the outcome never depends on arrival
	// order.
	sorted := make([]aggregate.Observation, len(obs))
	copy(sorted, obs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ProviderID < sorted[j].ProviderID })

	switch cfg.Mode {
	case aggregate.ModeExact:
		return reconcileExact(sorted, weights, cfg)
	default:
		return reconcileNumeric(sorted, weights, cfg)
	}
}

type parsedObs struct {
	obs   aggregate.Observation
	value *big.Rat
}

func reconcileNumeric(obs []aggregate.Observation, weights map[string]float64, cfg Config) (*aggregate.Result, error) {
	if cfg.Tolerance == nil {
		return nil, fmt.Errorf("reconcile: numeric mode requires a tolerance")
	}

	var parsed []parsedObs
	var rejected []aggregate.Rejection
	for _, o := range obs {
		v, ok := new(big.Rat).SetString(o.Value)
		if !ok {
			rejected = append(rejected, aggregate.Rejection{
				ProviderID: o.ProviderID,
				Reason:     "unparseable numeric value",
			})
			continue
		}
		parsed = append(parsed, parsedObs{obs: o, value: v})
	}
	if len(parsed) < cfg.Quorum {
		return nil, aggregate.ErrQuorumNotMet
	}

	med := median(parsed)

	var accepted []parsedObs
	outliers := 0
	for _, p := range parsed {
		dev := deviation(p.value, med, cfg.Relative)
		if dev.Cmp(cfg.Tolerance) > 0 {
			rejected = append(rejected, aggregate.Rejection{
				ProviderID: p.obs.ProviderID,
				Reason:     fmt.Sprintf("deviates from median by %s", dev.FloatString(6)),
			})
			outliers++
			continue
		}
		accepted = append(accepted, p)
	}
	if len(accepted) < cfg.Quorum {
		if outliers > 0 {
			return nil, aggregate.ErrUnreliable
		}
		return nil, aggregate.ErrQuorumNotMet
	}

	value := weightedMean(accepted, weights)

	tight := cfg.TightTolerance
	if tight == nil {
		tight = new(big.Rat).Mul(cfg.Tolerance, big.NewRat(1, 2))
	}
	confidence := aggregate.ConfidenceStrong
	for _, p := range accepted {
		if deviation(p.value, med, cfg.Relative).Cmp(tight) > 0 {
			confidence = aggregate.ConfidenceWeak
			break
		}
	}

	res := &aggregate.Result{
		Value:      formatRat(value),
		Confidence: confidence,
		Rejected:   rejected,
		ObservedAt: latestTimestamp(obs),
	}
	for _, p := range accepted {
		res.Accepted = append(res.Accepted, p.obs.ProviderID)
	}
	return res, nil
}

func reconcileExact(obs []aggregate.Observation, weights map[string]float64, cfg Config) (*aggregate.Result, error) {
	groups := make(map[string][]aggregate.Observation)
	for _, o := range obs {
		groups[o.Value] = append(groups[o.Value], o)
	}

	// Pick the plurality value. Ties break on summed provider weight,
	// then on the lexicographically smallest value so the choice is
	// deterministic.
	var winner string
	var winnerCount int
	var winnerWeight float64
	for value, members := range groups {
		w := 0.0
		for _, m := range members {
			w += providerWeight(weights, m.ProviderID)
		}
		switch {
		case len(members) > winnerCount,
			len(members) == winnerCount && w > winnerWeight,
			len(members) == winnerCount && w == winnerWeight && (winner == "" || value < winner):
			winner = value
			winnerCount = len(members)
			winnerWeight = w
		}
	}

	if winnerCount < cfg.Quorum {
		return nil, aggregate.ErrUnreliable
	}

	res := &aggregate.Result{
		Value:      winner,
		Confidence: aggregate.ConfidenceStrong,
		ObservedAt: latestTimestamp(obs),
	}
	if winnerCount < len(obs) {
		res.Confidence = aggregate.ConfidenceWeak
	}
	for _, o := range obs {
		if o.Value == winner {
			res.Accepted = append(res.Accepted, o.ProviderID)
		} else {
			res.Rejected = append(res.Rejected, aggregate.Rejection{
				ProviderID: o.ProviderID,
				Reason:     "disagrees with plurality value",
			})
		}
	}
	return res, nil
}

// median computes the median of the parsed values. Even-sized sets use the
// mean of the two middle values.
func median(parsed []parsedObs) *big.Rat {
	values := make([]*big.Rat, len(parsed))
	for i, p := range parsed {
		values[i] = p.value
	}
	sort.Slice(values, func(i, j int) bool { return values[i].Cmp(values[j]) < 0 })
	mid := len(values) / 2
	if len(values)%2 == 1 {
		return new(big.Rat).Set(values[mid])
	}
	sum := new(big.Rat).Add(values[mid-1], values[mid])
	return sum.Mul(sum, big.NewRat(1, 2))
}

// deviation returns |v - ref|, divided by |ref| when relative. A zero
// reference with relative tolerance yields the absolute difference so a
// lone bad value can still be rejected.
func deviation(v, ref *big.Rat, relative bool) *big.Rat {
	diff := new(big.Rat).Sub(v, ref)
	diff.Abs(diff)
	if relative && ref.Sign() != 0 {
		diff.Quo(diff, new(big.Rat).Abs(ref))
	}
	return diff
}

func weightedMean(accepted []parsedObs, weights map[string]float64) *big.Rat {
	sum := new(big.Rat)
	weightSum := new(big.Rat)
	for _, p := range accepted {
		w := new(big.Rat).SetFloat64(providerWeight(weights, p.obs.ProviderID))
		if w == nil || w.Sign() <= 0 {
			continue
		}
		sum.Add(sum, new(big.Rat).Mul(w, p.value))
		weightSum.Add(weightSum, w)
	}
	if weightSum.Sign() == 0 {
		// All weights zero: fall back to the unweighted mean.
		for _, p := range accepted {
			sum.Add(sum, p.value)
		}
		return sum.Quo(sum, new(big.Rat).SetInt64(int64(len(accepted))))
	}
	return sum.Quo(sum, weightSum)
}

func providerWeight(weights map[string]float64, id string) float64 {
	if weights == nil {
		return 1
	}
	w, ok := weights[id]
	if !ok {
		return 1
	}
	return w
}

// latestTimestamp returns the newest observation timestamp, or the zero
// time when no observation carries one.
func latestTimestamp(obs []aggregate.Observation) time.Time {
	var latest time.Time
	for _, o := range obs {
		if o.Timestamp.After(latest) {
			latest = o.Timestamp
		}
	}
	return latest
}

// formatRat renders an exact rational as a decimal string, trimming
// trailing zeros. Eighteen fractional digits cover every value domain the
// gateway serves.
func formatRat(r *big.Rat) string {
	if r.IsInt() {
		return r.Num().String()
	}
	s := r.FloatString(18)
	for len(s) > 0 && s[len(s)-1] == '0' {
		s = s[:len(s)-1]
	}
	if len(s) > 0 && s[len(s)-1] == '.' {
		s = s[:len(s)-1]
	}
	return s
}
