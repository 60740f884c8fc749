package httpx

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// WithDefaultPort appends port to hostport when it carries none.
func WithDefaultPort(hostport, port string) string {
	if _, _, err := net.SplitHostPort(hostport); err == nil {
		return hostport
	}
	host := strings.TrimSuffix(strings.TrimPrefix(hostport, "["), "]")
	return net.JoinHostPort(host, port)
}

// ConnectTarget returns the dial address of a CONNECT request.
func (p *ProxyHeaders) ConnectTarget() (string, error) {
	if p.URI == "" {
		return "", fmt.Errorf("empty CONNECT target")
	}
	return WithDefaultPort(p.URI, "443"), nil
}

// ToOriginForm rewrites an absolute-form request (GET http://host/path) to
// origin-form for the upstream server and returns the address to dial. The
// Host header is set from the URI, and headers addressed to the proxy are
// removed.
func (p *ProxyHeaders) ToOriginForm() (string, error) {
	u, err := url.Parse(p.URI)
	if err != nil {
		return "", fmt.Errorf("bad request uri %q: %w", p.URI, err)
	}
	host := u.Host
	if host == "" {
		host = p.Get("Host")
	}
	if host == "" {
		return "", fmt.Errorf("no host in request %q", p.URI)
	}
	defaultPort := "80"
	if u.Scheme == "https" {
		defaultPort = "443"
	}
	if u.Host != "" {
		origin := u.RequestURI()
		if origin == "" {
			origin = "/"
		}
		p.URI = origin
		p.ReplaceHost(u.Host)
	}
	p.StripProxyHeaders()
	return WithDefaultPort(host, defaultPort), nil
}
