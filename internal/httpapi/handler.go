// Package httpapi exposes the gateway over HTTP. It only translates
// transport requests into aggregation requests and aggregation outcomes
// into responses; all policy lives in the core.
package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/R3E-Network/aggregation_gateway/internal/app/domain/aggregate"
	"github.com/R3E-Network/aggregation_gateway/internal/gateway"
	"github.com/R3E-Network/aggregation_gateway/internal/metrics"
	"github.com/R3E-Network/aggregation_gateway/pkg/logger"
)

// aggregateRequest is the wire form of an aggregation call.
type aggregateRequest struct {
	Method     string   `json:"method" binding:"required"`
	Params     []string `json:"params"`
	Namespace  string   `json:"namespace" binding:"required"`
	DeadlineMS int64    `json:"deadline_ms"`
	Providers  []string `json:"providers"`
}

// rejectionView mirrors aggregate.Rejection with json tags.
type rejectionView struct {
	ProviderID string `json:"provider_id"`
	Reason     string `json:"reason"`
}

// aggregateResponse is the wire form of a successful result.
type aggregateResponse struct {
	RequestID  string          `json:"request_id"`
	Value      string          `json:"value"`
	Confidence string          `json:"confidence"`
	Accepted   []string        `json:"accepted"`
	Rejected   []rejectionView `json:"rejected,omitempty"`
	Cached     bool            `json:"cached"`
	ObservedAt time.Time       `json:"observed_at"`
}

// providerView is the wire form of a registry snapshot row.
type providerView struct {
	ID          string   `json:"id"`
	Namespaces  []string `json:"namespaces,omitempty"`
	Health      string   `json:"health"`
	SuccessRate float64  `json:"success_rate"`
	AvgLatency  int64    `json:"avg_latency_ms"`
	Score       float64  `json:"score"`
}

type handler struct {
	svc *gateway.Service
	log *logger.Logger
}

// NewRouter builds the gin engine with all gateway routes.
func NewRouter(svc *gateway.Service, log *logger.Logger) *gin.Engine {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	h := &handler{svc: svc, log: log}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", h.healthz)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := router.Group("/v1")
	v1.POST("/aggregate", h.aggregate)
	v1.GET("/providers", h.providers)

	return router
}

func (h *handler) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handler) aggregate(c *gin.Context) {
	var req aggregateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	params := gateway.Params{
		Method:     req.Method,
		Args:       req.Params,
		Namespace:  req.Namespace,
		Deadline:   time.Duration(req.DeadlineMS) * time.Millisecond,
		Credential: c.GetHeader("Authorization"),
		ClientKey:  c.ClientIP(),
		Providers:  req.Providers,
	}

	resp, err := h.svc.Aggregate(c.Request.Context(), params)
	if err != nil {
		h.writeError(c, err)
		return
	}

	out := aggregateResponse{
		RequestID:  resp.RequestID,
		Value:      resp.Result.Value,
		Confidence: string(resp.Result.Confidence),
		Accepted:   resp.Result.Accepted,
		Cached:     resp.Cached,
		ObservedAt: resp.Result.ObservedAt,
	}
	for _, r := range resp.Result.Rejected {
		out.Rejected = append(out.Rejected, rejectionView{ProviderID: r.ProviderID, Reason: r.Reason})
	}
	c.JSON(http.StatusOK, out)
}

func (h *handler) providers(c *gin.Context) {
	statuses := h.svc.Providers()
	views := make([]providerView, 0, len(statuses))
	for _, s := range statuses {
		views = append(views, providerView{
			ID:          s.Provider.ID,
			Namespaces:  s.Provider.Namespaces,
			Health:      string(s.State),
			SuccessRate: s.SuccessRate,
			AvgLatency:  s.AvgLatency.Milliseconds(),
			Score:       s.Score,
		})
	}
	c.JSON(http.StatusOK, gin.H{"providers": views})
}

// writeError maps core failures onto transport status codes. Quorum
// failures are retryable unavailability; disagreement is an upstream data
// problem.
func (h *handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, gateway.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.Is(err, gateway.ErrRateLimited):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	case errors.Is(err, gateway.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, aggregate.ErrQuorumNotMet):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "retryable": true})
	case errors.Is(err, aggregate.ErrUnreliable):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "retryable": false})
	default:
		h.log.WithError(err).Error("aggregation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
