package proxy

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

// listenerSpec describes one wanted Server. Servers are reused across
// reloads while their key stays the same.
type listenerSpec struct {
	key       string
	name      string
	addr      string
	direction string
	handle    handler
	onStart   func(*Server) error
	onClose   func(*Server)
}

// Service runs all listeners of one front-end kind.
type Service struct {
	kind    string
	rs      *reactor.Set
	limiter *ratelimit.Limiter
	specs   func(c *config.Config) []listenerSpec

	mu      sync.Mutex
	servers map[string]*Server
	closed  bool
}

func newService(kind string, rs *reactor.Set, limiter *ratelimit.Limiter, specs func(*config.Config) []listenerSpec) *Service {
	return &Service{kind: kind, rs: rs, limiter: limiter, specs: specs, servers: make(map[string]*Server)}
}

func (s *Service) Name() string { return s.kind }

// Apply starts newly configured listeners, stops removed ones and updates
// the idle limit of the rest. Failed starts are logged and joined into the
// returned error.
func (s *Service) Apply(c *config.Config) error {
	specs := s.specs(c)
	want := make(map[string]struct{}, len(specs))
	for _, sp := range specs {
		want[sp.key] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	for key, srv := range s.servers {
		if _, ok := want[key]; !ok {
			srv.Close()
			delete(s.servers, key)
		}
	}
	var errs []error
	for _, sp := range specs {
		if srv, ok := s.servers[sp.key]; ok {
			srv.SetMaxIdle(c.MaxIdleTime)
			continue
		}
		srv := s.newServer(sp, c.MaxIdleTime)
		if err := srv.start(c.SweepInterval); err != nil {
			obs.ErrorsTotal.WithLabelValues(s.kind + ".start").Inc()
			obs.Error("proxy.start_failed", obs.Fields{"service": s.kind, "name": sp.name, "err": err.Error()})
			errs = append(errs, err)
			continue
		}
		s.servers[sp.key] = srv
	}
	return errors.Join(errs...)
}

func (s *Service) newServer(sp listenerSpec, maxIdle time.Duration) *Server {
	srv := &Server{
		service:   s.kind,
		name:      sp.name,
		addr:      sp.addr,
		direction: sp.direction,
		rs:        s.rs,
		limiter:   s.limiter,
		handle:    sp.handle,
		onStart:   sp.onStart,
		onClose:   sp.onClose,
		sessions:  make(map[uint64]*session),
	}
	srv.SetMaxIdle(maxIdle)
	return srv
}

// Servers returns the running servers.
func (s *Service) Servers() []*Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Server, 0, len(s.servers))
	for _, srv := range s.servers {
		out = append(out, srv)
	}
	return out
}

func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for key, srv := range s.servers {
		srv.Close()
		delete(s.servers, key)
	}
}

func (s *Service) Info() []report.ServerInfo {
	servers := s.Servers()
	out := make([]report.ServerInfo, 0, len(servers))
	for _, srv := range servers {
		out = append(out, srv.Info())
	}
	return out
}
