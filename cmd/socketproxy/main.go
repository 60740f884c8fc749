// Command socketproxy runs the configured TCP forwards, SOCKS5/HTTP/PWS
// proxies and intranet tunnel endpoints, and reloads them when the config
// file changes.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/matst80/socketproxy/internal/config"
	"github.com/matst80/socketproxy/internal/obs"
	"github.com/matst80/socketproxy/internal/report"
	"golang.org/x/sync/errgroup"
)

func main() {
	flags, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if flags.Debug {
		obs.EnableDebug(true)
	}
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		obs.Error("config.load", obs.Fields{"err": err.Error(), "path": flags.ConfigPath})
		os.Exit(1)
	}
	if flags.MetricsAddr != "" {
		cfg.Metrics = flags.MetricsAddr
	}
	store, err := report.NewStore(cfg.Redis)
	if err != nil {
		obs.Error("report.store", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := newApp(cfg, store)
	obs.Info("socketproxy.start", obs.Fields{"config": flags.ConfigPath, "metrics": cfg.Metrics, "instance": a.publisher.Instance})
	a.start()

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics != "" {
		g.Go(func() error { return a.serveMetrics(gctx, cfg.Metrics) })
	}
	g.Go(func() error { return config.NewWatcher(flags.ConfigPath, a.registry).Run(gctx) })
	g.Go(func() error { return a.publisher.Run(gctx) })

	err = g.Wait()
	obs.Info("socketproxy.shutdown", obs.Fields{})
	a.stop()
	if err != nil {
		obs.Error("socketproxy.exit", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
	obs.Info("socketproxy.shutdown.complete", obs.Fields{})
}
