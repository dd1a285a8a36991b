// Package aggregate defines the domain types shared by the registry,
// orchestrator, reconciliation engine and result cache.
package aggregate

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"time"
)

// HealthState tracks the operational state of a provider.
type HealthState string

const (
	HealthHealthy  HealthState = "healthy"
	HealthDegraded HealthState = "degraded"
	HealthDown     HealthState = "down"
)

// ReconcileMode selects how observations for a request are reconciled.
type ReconcileMode string

const (
	// ModeNumeric applies median-based outlier rejection with a weighted
	// mean over the accepted set.
	ModeNumeric ReconcileMode = "numeric"
	// ModeExact applies plurality voting on exact value match.
	ModeExact ReconcileMode = "exact"
)

// Confidence classifies how tightly the accepted observations agreed.
type Confidence string

const (
	ConfidenceStrong Confidence = "strong"
	ConfidenceWeak   Confidence = "weak"
)

// Provider describes one upstream data source.
type Provider struct {
	ID         string
	Endpoint   string
	Weight     float64
	Namespaces []string
	Methods    []string
	ResultPath string
}

// ServesNamespace reports whether the provider can answer requests for the
// given namespace. An empty namespace list means all namespaces.
func (p Provider) ServesNamespace(ns string) bool {
	if len(p.Namespaces) == 0 {
		return true
	}
	for _, n := range p.Namespaces {
		if n == ns {
			return true
		}
	}
	return false
}

// ServesMethod reports whether the provider supports the given method.
// An empty method list means all methods.
func (p Provider) ServesMethod(method string) bool {
	if len(p.Methods) == 0 {
		return true
	}
	for _, m := range p.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// Request is one aggregation request. It is immutable once constructed.
type Request struct {
	Method    string
	Params    []string
	Namespace string
	Mode      ReconcileMode
	Deadline  time.Duration
	// Providers optionally pins the request to a subset of provider ids.
	Providers []string
}

// Signature returns the canonical cache key for the request. Parameters are
// length-prefixed so that ("ab","c") and ("a","bc") cannot collide. The
// pinned provider set is part of the key, sorted so the order callers list
// providers in does not matter.
func (r Request) Signature() string {
	h := sha256.New()
	h.Write([]byte(r.Method))
	h.Write([]byte{0})
	h.Write([]byte(r.Namespace))
	h.Write([]byte{0})
	for _, p := range r.Params {
		h.Write([]byte(strconv.Itoa(len(p))))
		h.Write([]byte{':'})
		h.Write([]byte(p))
	}
	if len(r.Providers) > 0 {
		pinned := make([]string, len(r.Providers))
		copy(pinned, r.Providers)
		sort.Strings(pinned)
		h.Write([]byte{0})
		for _, id := range pinned {
			h.Write([]byte(strconv.Itoa(len(id))))
			h.Write([]byte{':'})
			h.Write([]byte(id))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Observation is one provider's answer to one request attempt.
type Observation struct {
	ProviderID string
	Value      string
	Latency    time.Duration
	Timestamp  time.Time
}

// Rejection records why an observation was excluded from the aggregate.
type Rejection struct {
	ProviderID string
	Reason     string
}

// Result is the reconciled outcome of one fetch round.
type Result struct {
	Value      string
	Confidence Confidence
	Accepted   []string
	Rejected   []Rejection
	ObservedAt time.Time
}
