package tunnel

import (
	"errors"
	"sync"
	"time"

	"github.com/matst80/socketproxy/internal/config"
	"github.com/matst80/socketproxy/internal/obs"
	"github.com/matst80/socketproxy/internal/ratelimit"
	"github.com/matst80/socketproxy/internal/reactor"
	"github.com/matst80/socketproxy/internal/report"
)

type instance interface {
	Name() string
	Start(Options) error
	SetMaxIdle(time.Duration)
	Close()
	Info() report.ServerInfo
}

var (
	_ instance = (*Entry)(nil)
	_ instance = (*Relay)(nil)
)

// Service runs every configured entry and relay and keeps them in line with
// the configuration on reload.
type Service struct {
	rs      *reactor.Set
	limiter *ratelimit.Limiter

	mu        sync.Mutex
	instances map[config.IntranetConfig]instance
	closed    bool
}

func NewService(rs *reactor.Set, limiter *ratelimit.Limiter) *Service {
	return &Service{rs: rs, limiter: limiter, instances: make(map[config.IntranetConfig]instance)}
}

func (s *Service) Name() string { return "intranet" }

// Apply starts instances that are newly configured and stops those that are
// gone. Unchanged instances keep running and only pick up the idle limit.
// Start failures are logged and returned together; the remaining instances
// still start.
func (s *Service) Apply(c *config.Config) error {
	opts := Options{MaxIdle: c.MaxIdleTime, SweepInterval: c.SweepInterval}
	want := make(map[config.IntranetConfig]struct{}, len(c.Intranet))
	for _, ic := range c.Intranet {
		want[ic] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	for key, inst := range s.instances {
		if _, ok := want[key]; !ok {
			inst.Close()
			delete(s.instances, key)
		}
	}
	var errs []error
	for _, ic := range c.Intranet {
		if inst, ok := s.instances[ic]; ok {
			inst.SetMaxIdle(opts.MaxIdle)
			continue
		}
		var inst instance
		if ic.Type == config.TypeEntry {
			inst = NewEntry(ic, s.rs, opts, s.limiter)
		} else {
			inst = NewRelay(ic, s.rs, opts)
		}
		if err := inst.Start(opts); err != nil {
			obs.ErrorsTotal.WithLabelValues("tunnel.start").Inc()
			obs.Error("tunnel.start_failed", obs.Fields{"name": inst.Name(), "err": err.Error()})
			errs = append(errs, err)
			continue
		}
		s.instances[ic] = inst
	}
	return errors.Join(errs...)
}

// Close stops every instance.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for key, inst := range s.instances {
		inst.Close()
		delete(s.instances, key)
	}
}

// Info reports every running instance.
func (s *Service) Info() []report.ServerInfo {
	s.mu.Lock()
	insts := make([]instance, 0, len(s.instances))
	for _, inst := range s.instances {
		insts = append(insts, inst)
	}
	s.mu.Unlock()
	out := make([]report.ServerInfo, 0, len(insts))
	for _, inst := range insts {
		out = append(out, inst.Info())
	}
	return out
}

// Entries and Relays expose running instances, mostly for tests.
func (s *Service) Entries() []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Entry
	for _, inst := range s.instances {
		if e, ok := inst.(*Entry); ok {
			out = append(out, e)
		}
	}
	return out
}

func (s *Service) Relays() []*Relay {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Relay
	for _, inst := range s.instances {
		if r, ok := inst.(*Relay); ok {
			out = append(out, r)
		}
	}
	return out
}
