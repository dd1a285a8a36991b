package registry

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/aggregation_gateway/internal/app/domain/aggregate"
	"github.com/R3E-Network/aggregation_gateway/internal/config"
	"github.com/R3E-Network/aggregation_gateway/internal/provider"
	"github.com/R3E-Network/aggregation_gateway/pkg/logger"
)

// Prober periodically probes down providers so they can recover without
// operator intervention.
type Prober struct {
	registry *Registry
	client   provider.Client
	cfg      config.HealthConfig
	log      *logger.Logger
	cron     *cron.Cron
}

// NewProber creates a prober driven by the configured cron schedule.
func NewProber(reg *Registry, client provider.Client, cfg config.HealthConfig, log *logger.Logger) *Prober {
	if log == nil {
		log = logger.NewDefault("prober")
	}
	return &Prober{
		registry: reg,
		client:   client,
		cfg:      cfg,
		log:      log,
		cron:     cron.New(),
	}
}

// Start schedules recovery probes. The schedule comes from configuration,
// e.g. "@every 15s".
func (p *Prober) Start() error {
	schedule := p.cfg.ProbeSchedule
	if schedule == "" {
		schedule = "@every 15s"
	}
	if _, err := p.cron.AddFunc(schedule, p.runOnce); err != nil {
		return err
	}
	p.cron.Start()
	return nil
}

// Stop halts the probe schedule and waits for a running probe to finish.
func (p *Prober) Stop() {
	ctx := p.cron.Stop()
	<-ctx.Done()
}

func (p *Prober) runOnce() {
	for _, prov := range p.registry.DueForProbe() {
		p.probe(prov)
	}
}

func (p *Prober) probe(prov aggregate.Provider) {
	method := p.cfg.ProbeMethod
	if method == "" {
		method = "health"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := p.client.Call(ctx, prov, method, nil)
	p.registry.ReportProbe(prov.ID, err == nil)
	if err != nil {
		p.log.WithField("provider", prov.ID).WithError(err).Debug("recovery probe failed")
		return
	}
	p.log.WithField("provider", prov.ID).Info("recovery probe succeeded")
}
