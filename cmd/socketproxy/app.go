package main

import (
	"sync/atomic"
	"time"

	"github.com/matst80/socketproxy/internal/config"
	"github.com/matst80/socketproxy/internal/obs"
	"github.com/matst80/socketproxy/internal/proxy"
	"github.com/matst80/socketproxy/internal/ratelimit"
	"github.com/matst80/socketproxy/internal/reactor"
	"github.com/matst80/socketproxy/internal/report"
	"github.com/matst80/socketproxy/internal/tunnel"
)

// limiterIdle is how long a source stays tracked without accepts.
const limiterIdle = 10 * time.Minute

// service is what every front-end and the intranet tunnel provide.
type service interface {
	report.Collector
	Apply(c *config.Config) error
	Close()
}

// app owns the reactor set and every service, and follows config
// publications from the registry.
type app struct {
	rs        *reactor.Set
	limiter   *ratelimit.Limiter
	registry  *config.Registry
	store     report.Store
	publisher *report.Publisher
	services  []service

	unsubscribe []func()
	cleanup     *reactor.Timer
	ready       atomic.Bool
	closing     atomic.Bool
}

func newApp(cfg *config.Config, store report.Store) *app {
	rs := reactor.NewSet()
	limiter := ratelimit.NewLimiter(cfg.AcceptRate, cfg.AcceptBurst)
	a := &app{
		rs:       rs,
		limiter:  limiter,
		registry: config.NewRegistry(cfg),
		store:    store,
		services: []service{
			tunnel.NewService(rs, limiter),
			proxy.NewTCPService(rs, limiter),
			proxy.NewSocks5Service(rs, limiter),
			proxy.NewHTTPService(rs, limiter),
			proxy.NewPWSService(rs, limiter),
		},
	}
	collectors := make([]report.Collector, 0, len(a.services))
	for _, s := range a.services {
		collectors = append(collectors, s)
	}
	a.publisher = &report.Publisher{
		Instance:   report.NewInstanceID(),
		Store:      store,
		Interval:   cfg.ReportInterval,
		Collectors: collectors,
	}
	return a
}

// start applies the initial config and subscribes every service to later
// reloads. Start failures of single listeners are logged by the services
// and do not stop the others.
func (a *app) start() {
	cfg := a.registry.Current()
	for _, s := range a.services {
		s := s
		_ = s.Apply(cfg)
		a.unsubscribe = append(a.unsubscribe, a.registry.Subscribe(func(c *config.Config) { _ = s.Apply(c) }))
	}
	a.cleanup = a.rs.Delay.Every(time.Minute, func() error {
		if n := a.limiter.Cleanup(limiterIdle); n > 0 {
			obs.Debug("ratelimit.cleanup", obs.Fields{"removed": n})
		}
		return nil
	}, nil)
	a.ready.Store(true)
	obs.Info("socketproxy.ready", obs.Fields{"instance": a.publisher.Instance})
}

// snapshot collects the local state; it never blocks on I/O.
func (a *app) snapshot() report.Snapshot { return a.publisher.Snapshot() }

func (a *app) isReady() bool { return a.ready.Load() && !a.closing.Load() }

// stop unsubscribes from reloads, closes every service and then the
// reactors.
func (a *app) stop() {
	if !a.closing.CompareAndSwap(false, true) {
		return
	}
	for _, un := range a.unsubscribe {
		un()
	}
	a.rs.Delay.Cancel(a.cleanup)
	for _, s := range a.services {
		s.Close()
	}
	a.rs.Close()
	if err := a.store.Close(); err != nil {
		obs.Warn("report.store.close", obs.Fields{"err": err.Error()})
	}
}
