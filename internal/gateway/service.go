// Package gateway implements the aggregation service: it admits a request
// through the credential gate and rate limiter, consults the result cache,
// and on a miss runs one fetch/reconcile cycle per request signature.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/aggregation_gateway/internal/app/domain/aggregate"
	"github.com/R3E-Network/aggregation_gateway/internal/cache"
	"github.com/R3E-Network/aggregation_gateway/internal/config"
	"github.com/R3E-Network/aggregation_gateway/internal/metrics"
	"github.com/R3E-Network/aggregation_gateway/internal/middleware"
	"github.com/R3E-Network/aggregation_gateway/internal/orchestrator"
	"github.com/R3E-Network/aggregation_gateway/internal/reconcile"
	"github.com/R3E-Network/aggregation_gateway/internal/registry"
	"github.com/R3E-Network/aggregation_gateway/pkg/logger"
)

var (
	// ErrUnauthorized signals a rejected credential.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrRateLimited signals that the caller exceeded its request rate.
	ErrRateLimited = errors.New("rate limited")
	// ErrInvalidRequest signals a request rejected before fetching.
	ErrInvalidRequest = errors.New("invalid request")
)

// Gate admits or rejects a credential before a request reaches the core.
type Gate interface {
	Allow(ctx context.Context, credential string) middleware.Decision
}

// requestType is the compiled per-method configuration.
type requestType struct {
	reconcile reconcile.Config
	ttl       time.Duration
}

// Params describe one inbound aggregation call.
type Params struct {
	Method     string
	Args       []string
	Namespace  string
	Deadline   time.Duration
	Credential string
	// ClientKey identifies the caller for rate limiting when the
	// credential carries no subject, typically the remote address.
	ClientKey string
	// Providers optionally pins the request to a subset of provider ids.
	Providers []string
}

// Response is a successful aggregation outcome.
type Response struct {
	RequestID string
	Result    *aggregate.Result
	Cached    bool
}

// Service is the aggregation core behind the API boundary.
type Service struct {
	cfg      *config.Config
	gate     Gate
	limiter  *middleware.RateLimiter
	cache    *cache.Cache
	orch     *orchestrator.Orchestrator
	registry *registry.Registry
	log      *logger.Logger
	types    map[string]requestType

	providerIDs map[string]bool
	namespaces  map[string]bool
	// anyNamespace is true when some provider declares no namespace list
	// and therefore serves every namespace.
	anyNamespace bool
}

// New compiles the per-request-type settings and wires the service.
// Configuration problems surface here, at startup, not at request time.
func New(cfg *config.Config, gate Gate, limiter *middleware.RateLimiter, resultCache *cache.Cache, orch *orchestrator.Orchestrator, reg *registry.Registry, log *logger.Logger) (*Service, error) {
	if log == nil {
		log = logger.NewDefault("gateway")
	}

	types := make(map[string]requestType, len(cfg.RequestTypes))
	for method, rt := range cfg.RequestTypes {
		compiled := requestType{ttl: rt.CacheTTL}
		if compiled.ttl == 0 {
			compiled.ttl = cfg.Cache.DefaultTTL
		}

		rc := reconcile.Config{
			Quorum:   rt.Quorum,
			Relative: rt.Relative,
			Mode:     aggregate.ModeNumeric,
		}
		if rt.Mode == "exact" {
			rc.Mode = aggregate.ModeExact
		}
		if rc.Mode == aggregate.ModeNumeric {
			tol, err := reconcile.ParseTolerance(rt.Tolerance)
			if err != nil {
				return nil, fmt.Errorf("request type %s: %w", method, err)
			}
			rc.Tolerance = tol
			if rt.TightTolerance != "" {
				tight, err := reconcile.ParseTolerance(rt.TightTolerance)
				if err != nil {
					return nil, fmt.Errorf("request type %s: %w", method, err)
				}
				rc.TightTolerance = tight
			}
		}
		compiled.reconcile = rc
		types[method] = compiled
	}

	providerIDs := make(map[string]bool, len(cfg.Providers))
	namespaces := make(map[string]bool)
	anyNamespace := false
	for _, p := range cfg.Providers {
		providerIDs[p.ID] = true
		if len(p.Namespaces) == 0 {
			anyNamespace = true
		}
		for _, ns := range p.Namespaces {
			namespaces[ns] = true
		}
	}

	return &Service{
		cfg:          cfg,
		gate:         gate,
		limiter:      limiter,
		cache:        resultCache,
		orch:         orch,
		registry:     reg,
		log:          log,
		types:        types,
		providerIDs:  providerIDs,
		namespaces:   namespaces,
		anyNamespace: anyNamespace,
	}, nil
}

// Aggregate answers one client request. The outcome is either a Response
// with a confidence class or an explicit error, never a best-effort guess.
func (s *Service) Aggregate(ctx context.Context, params Params) (*Response, error) {
	start := time.Now()

	clientKey := params.ClientKey
	if s.gate != nil {
		decision := s.gate.Allow(ctx, params.Credential)
		if !decision.Allowed {
			return nil, fmt.Errorf("%w: %s", ErrUnauthorized, decision.Reason)
		}
		if decision.Subject != "" {
			clientKey = decision.Subject
		}
	}
	if s.limiter != nil && !s.limiter.Allow(clientKey) {
		return nil, ErrRateLimited
	}

	rt, ok := s.types[params.Method]
	if !ok {
		return nil, fmt.Errorf("%w: unknown method %q", ErrInvalidRequest, params.Method)
	}
	if params.Namespace == "" {
		return nil, fmt.Errorf("%w: namespace is required", ErrInvalidRequest)
	}
	if !s.anyNamespace && !s.namespaces[params.Namespace] {
		return nil, fmt.Errorf("%w: no provider serves namespace %q", ErrInvalidRequest, params.Namespace)
	}
	for _, id := range params.Providers {
		if !s.providerIDs[id] {
			return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidRequest, id)
		}
	}

	req := aggregate.Request{
		Method:    params.Method,
		Params:    params.Args,
		Namespace: params.Namespace,
		Mode:      rt.reconcile.Mode,
		Deadline:  params.Deadline,
		Providers: params.Providers,
	}

	result, cached, err := s.cache.Do(ctx, req.Signature(), rt.ttl, func(ctx context.Context) (*aggregate.Result, error) {
		return s.fetchAndReconcile(ctx, req, rt.reconcile)
	})
	metrics.RecordCacheLookup(cached)
	if err != nil {
		metrics.RecordAggregate(params.Method, outcomeLabel(err), time.Since(start))
		return nil, err
	}

	metrics.RecordAggregate(params.Method, "success", time.Since(start))
	return &Response{
		RequestID: uuid.NewString(),
		Result:    result,
		Cached:    cached,
	}, nil
}

// fetchAndReconcile runs one fetch round and reconciles the observations.
// Run at most once per signature at a time via the cache's single-flight.
func (s *Service) fetchAndReconcile(ctx context.Context, req aggregate.Request, rc reconcile.Config) (*aggregate.Result, error) {
	observations, failures, err := s.orch.Fetch(ctx, req, rc)
	for id, callErr := range failures {
		s.log.WithField("provider", id).WithError(callErr).Debug("provider call failed")
	}
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(observations))
	for i, obs := range observations {
		ids[i] = obs.ProviderID
	}
	weights := s.registry.Weights(ids)

	result, err := reconcile.Reconcile(observations, weights, rc)
	if err != nil {
		return nil, err
	}
	for _, rej := range result.Rejected {
		metrics.RecordRejection(rej.ProviderID)
		s.log.WithField("provider", rej.ProviderID).
			WithField("reason", rej.Reason).
			Info("observation rejected")
	}
	return result, nil
}

// Providers exposes the registry snapshot to the API boundary.
func (s *Service) Providers() []registry.ProviderStatus {
	return s.registry.Snapshot()
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, aggregate.ErrQuorumNotMet):
		return "quorum_not_met"
	case errors.Is(err, aggregate.ErrUnreliable):
		return "unreliable"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid"
	default:
		return "error"
	}
}
