// Command pwsdial connects stdin and stdout to a target reached through a
// SOCKS5, HTTP CONNECT or PWS proxy. It fits ssh's ProxyCommand:
//
//	ssh -o ProxyCommand='pwsdial -proxy pws://gw.example.com:8888 -target %h:%p' host
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matst80/socketproxy/internal/obs"
	"github.com/matst80/socketproxy/internal/proxy"
)

func main() {
	var proxyURI, target string
	var timeout time.Duration
	var debug bool
	flag.StringVar(&proxyURI, "proxy", "", "upstream proxy URI (socks5://, http://, pws://, pwss://); empty dials directly")
	flag.StringVar(&target, "target", "", "host:port to reach")
	flag.DurationVar(&timeout, "timeout", 30*time.Second, "connect timeout")
	flag.BoolVar(&debug, "debug", false, "enable debug logs")
	flag.Parse()
	obs.EnableDebug(debug)
	// stdout carries the stream.
	obs.Logger().SetOutput(os.Stderr)

	if target == "" {
		obs.Error("pwsdial.target", obs.Fields{"err": "missing -target"})
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, proxyURI, target, timeout, os.Stdin, os.Stdout); err != nil {
		obs.Error("pwsdial.exit", obs.Fields{"err": err.Error(), "target": target})
		os.Exit(1)
	}
}

func run(ctx context.Context, proxyURI, target string, timeout time.Duration, in io.Reader, out io.Writer) error {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	conn, err := proxy.Dial(dialCtx, proxyURI, target)
	cancel()
	if err != nil {
		return err
	}
	obs.Debug("pwsdial.connected", obs.Fields{"target": target, "proxy": proxyURI})
	return pipe(ctx, conn, in, out)
}

// pipe copies in to conn and conn to out until the remote side ends or ctx
// is done. A finished stdin only half-closes when conn supports it.
func pipe(ctx context.Context, conn net.Conn, in io.Reader, out io.Writer) error {
	defer conn.Close()
	done := make(chan error, 1)
	go func() {
		_, _ = io.Copy(conn, in)
		if cw, ok := conn.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		}
	}()
	go func() {
		_, err := io.Copy(out, conn)
		done <- err
	}()
	select {
	case <-ctx.Done():
		return nil
	case err := <-done:
		if err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
		return nil
	}
}
