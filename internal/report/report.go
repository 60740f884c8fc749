// Package report gathers point-in-time views of every running proxy server
// for the info endpoint, the dashboard and the shared Redis registry.
package report

import (
	"sort"
	"time"
)

// ConnInfo describes one live proxied connection.
type ConnInfo struct {
	ID        uint64    `json:"id"`
	Direction string    `json:"direction"`
	Since     time.Time `json:"since"`
	Idle      float64   `json:"idle_seconds"`
}

// ServerInfo describes one listener or tunnel instance.
type ServerInfo struct {
	Name        string     `json:"name"`
	Direction   string     `json:"direction"`
	Connections []ConnInfo `json:"connections"`
}

// Collector is implemented by every service. Info must not block on I/O.
type Collector interface {
	Name() string
	Info() []ServerInfo
}

// Snapshot is everything one process reports at a given time.
type Snapshot struct {
	Instance string                  `json:"instance"`
	Time     time.Time               `json:"time"`
	Services map[string][]ServerInfo `json:"services"`
}

// Collect builds a Snapshot from collectors.
func Collect(instance string, collectors ...Collector) Snapshot {
	s := Snapshot{Instance: instance, Time: time.Now().UTC(), Services: make(map[string][]ServerInfo, len(collectors))}
	for _, c := range collectors {
		infos := c.Info()
		sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
		s.Services[c.Name()] = infos
	}
	return s
}

// Connections counts live connections across all services.
func (s Snapshot) Connections() int {
	n := 0
	for _, infos := range s.Services {
		for _, info := range infos {
			n += len(info.Connections)
		}
	}
	return n
}

// ToTemplateMap returns a map suited for html/template rendering.
func (s Snapshot) ToTemplateMap() map[string]any {
	names := make([]string, 0, len(s.Services))
	for name := range s.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	type service struct {
		Name    string
		Servers []ServerInfo
	}
	services := make([]service, 0, len(names))
	for _, name := range names {
		services = append(services, service{Name: name, Servers: s.Services[name]})
	}
	return map[string]any{
		"Instance":    s.Instance,
		"Connections": s.Connections(),
		"Services":    services,
	}
}
