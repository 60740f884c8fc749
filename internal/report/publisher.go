package report

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/matst80/socketproxy/internal/obs"
)

// NewInstanceID names this process in shared snapshots.
func NewInstanceID() string { return "socketproxy-" + uuid.NewString() }

// Publisher periodically collects and publishes snapshots.
type Publisher struct {
	Instance   string
	Store      Store
	Interval   time.Duration
	Collectors []Collector
}

// Snapshot collects the current state without publishing it.
func (p *Publisher) Snapshot() Snapshot { return Collect(p.Instance, p.Collectors...) }

// PublishOnce collects and stores one snapshot.
func (p *Publisher) PublishOnce(ctx context.Context) error {
	if err := p.Store.Publish(ctx, p.Snapshot()); err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return nil
}

// Run publishes every Interval until ctx is done.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		if err := p.PublishOnce(ctx); err != nil && ctx.Err() == nil {
			obs.Error("report.publish", obs.Fields{"err": err.Error()})
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
