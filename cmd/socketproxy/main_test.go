package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/matst80/socketproxy/internal/config"
	"github.com/matst80/socketproxy/internal/report"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T, cfg *config.Config) *app {
	t.Helper()
	store, err := report.NewStore(config.RedisConfig{})
	require.NoError(t, err)
	a := newApp(cfg, store)
	t.Cleanup(a.stop)
	return a
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func TestReadinessFollowsLifecycle(t *testing.T) {
	a := newTestApp(t, &config.Config{ReportInterval: time.Second})
	srv := httptest.NewServer(a.routes())
	defer srv.Close()

	code, _ := get(t, srv.URL+"/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	a.start()
	code, body := get(t, srv.URL+"/readyz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", body)
	a.stop()
	code, _ = get(t, srv.URL+"/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	code, body = get(t, srv.URL+"/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body)
}

func TestInfoListsServices(t *testing.T) {
	a := newTestApp(t, &config.Config{ReportInterval: time.Second, Socks5: []int{0}})
	a.start()
	srv := httptest.NewServer(a.routes())
	defer srv.Close()

	code, body := get(t, srv.URL+"/info")
	require.Equal(t, http.StatusOK, code)
	var snap report.Snapshot
	require.NoError(t, json.Unmarshal([]byte(body), &snap))
	assert.Equal(t, a.publisher.Instance, snap.Instance)
	assert.Len(t, snap.Services, 5)
	assert.Len(t, snap.Services["socks5"], 1)
	assert.Empty(t, snap.Services["intranet"])

	require.NoError(t, a.publisher.PublishOnce(context.Background()))
	code, body = get(t, srv.URL+"/info?all=1")
	require.Equal(t, http.StatusOK, code)
	var peers []report.Snapshot
	require.NoError(t, json.Unmarshal([]byte(body), &peers))
	require.Len(t, peers, 1)
	assert.Equal(t, a.publisher.Instance, peers[0].Instance)

	code, body = get(t, srv.URL+"/dashboard")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, a.publisher.Instance)

	code, body = get(t, srv.URL+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "socketproxy_relay_reconnects_total")
}

func TestReloadReachesServices(t *testing.T) {
	a := newTestApp(t, &config.Config{ReportInterval: time.Second, Socks5: []int{0}, HTTP: []int{0}})
	a.start()
	count := func(name string) int { return len(a.snapshot().Services[name]) }
	assert.Equal(t, 1, count("socks5"))
	assert.Equal(t, 1, count("http"))

	a.registry.Publish(&config.Config{ReportInterval: time.Second, HTTP: []int{0}, PWS: []int{0}})
	assert.Equal(t, 0, count("socks5"))
	assert.Equal(t, 1, count("http"))
	assert.Equal(t, 1, count("pws"))

	a.stop()
	a.registry.Publish(&config.Config{Socks5: []int{0}})
	assert.Equal(t, 0, count("socks5"))
}

func TestParseFlags(t *testing.T) {
	f, err := parseFlags([]string{"-config", "/etc/socketproxy.yaml", "-debug", "-metrics", ":9200"})
	require.NoError(t, err)
	assert.Equal(t, Flags{ConfigPath: "/etc/socketproxy.yaml", Debug: true, MetricsAddr: ":9200"}, f)

	f, err = parseFlags(nil)
	require.NoError(t, err)
	assert.Equal(t, "socketproxy.yaml", f.ConfigPath)
}
