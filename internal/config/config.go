// Package config loads the proxy configuration file.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

const (
	DefaultMaxIdleTime          = 10 * time.Minute
	DefaultSweepInterval        = 10 * time.Second
	DefaultHeartbeatInterval    = 10 * time.Second
	DefaultHeartbeatMissTimeout = time.Minute
	DefaultReconnectDelay       = 5 * time.Second
	DefaultReportInterval       = 30 * time.Second
	DefaultAcceptBurst          = 20
)

// Config is the whole file. Every listener list is diffed independently on
// reload.
type Config struct {
	MaxIdleTime    time.Duration `yaml:"max_idle_time"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	AcceptRate     int           `yaml:"accept_rate"`
	AcceptBurst    int           `yaml:"accept_burst"`
	Metrics        string        `yaml:"metrics"`
	ReportInterval time.Duration `yaml:"report_interval"`
	Redis          RedisConfig   `yaml:"redis"`

	TCP      []TCPConfig      `yaml:"tcp"`
	Socks5   []int            `yaml:"socks5"`
	HTTP     []int            `yaml:"http"`
	PWS      []int            `yaml:"pws"`
	Intranet []IntranetConfig `yaml:"intranet"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// TCPConfig forwards host:port to Target, optionally through an upstream
// proxy URI (socks5://, http://, pws://, pwss://).
type TCPConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Target string `yaml:"target"`
	Proxy  string `yaml:"proxy"`
}

// Addr is the listen address.
func (c TCPConfig) Addr() string { return net.JoinHostPort(c.Host, strconv.Itoa(c.Port)) }

// Direction describes the forward for info output.
func (c TCPConfig) Direction() string {
	d := fmt.Sprintf("%d->%s", c.Port, c.Target)
	if c.Host != "" {
		d = c.Host + ":" + d
	}
	if c.Proxy != "" {
		d += " via " + c.Proxy
	}
	return d
}

type TunnelType string

const (
	TypeEntry TunnelType = "entry"
	TypeRelay TunnelType = "relay"
)

// IntranetConfig describes one side of an entry/relay tunnel. Entry uses
// the host/port/relay fields, Relay uses entry/target.
type IntranetConfig struct {
	Type TunnelType `yaml:"type"`

	Host      string    `yaml:"host"`
	Port      int       `yaml:"port"`
	EntryHost string    `yaml:"entry_host"`
	Relay     int       `yaml:"relay"`
	RelayHost string    `yaml:"relay_host"`
	RelayTLS  ServerTLS `yaml:"relay_tls"`

	Entry    string    `yaml:"entry"`
	Target   string    `yaml:"target"`
	EntryTLS ClientTLS `yaml:"entry_tls"`

	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	HeartbeatMissTimeout time.Duration `yaml:"heartbeat_miss_timeout"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
}

// PublicAddr is the entry's client-facing listen address.
func (c IntranetConfig) PublicAddr() string {
	return net.JoinHostPort(firstNonEmpty(c.EntryHost, c.Host), strconv.Itoa(c.Port))
}

// RelayAddr is the entry's relay-facing listen address.
func (c IntranetConfig) RelayAddr() string {
	return net.JoinHostPort(firstNonEmpty(c.RelayHost, c.Host), strconv.Itoa(c.Relay))
}

// Name identifies the instance in logs, metrics and info output.
func (c IntranetConfig) Name() string {
	if c.Type == TypeEntry {
		return fmt.Sprintf("entry:%d", c.Port)
	}
	return "relay:" + c.Target
}

// ServerTLS enables TLS on the entry's relay listener when Cert is set.
// ClientCA additionally requires relays to present a certificate.
type ServerTLS struct {
	Cert     string `yaml:"cert"`
	Key      string `yaml:"key"`
	ClientCA string `yaml:"client_ca"`
}

func (t ServerTLS) Enabled() bool { return t.Cert != "" }

// ClientTLS enables TLS when the relay dials its entry.
type ClientTLS struct {
	Enabled    bool   `yaml:"enabled"`
	CA         string `yaml:"ca"`
	Cert       string `yaml:"cert"`
	Key        string `yaml:"key"`
	ServerName string `yaml:"server_name"`
}

// Load reads, defaults and validates the file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse decodes YAML, applies defaults and validates.
func Parse(b []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.MaxIdleTime <= 0 {
		c.MaxIdleTime = DefaultMaxIdleTime
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.AcceptBurst <= 0 {
		c.AcceptBurst = DefaultAcceptBurst
	}
	if c.ReportInterval <= 0 {
		c.ReportInterval = DefaultReportInterval
	}
	for i := range c.Intranet {
		ic := &c.Intranet[i]
		if ic.HeartbeatInterval <= 0 {
			ic.HeartbeatInterval = DefaultHeartbeatInterval
		}
		if ic.HeartbeatMissTimeout == 0 {
			ic.HeartbeatMissTimeout = DefaultHeartbeatMissTimeout
		}
		if ic.ReconnectDelay <= 0 {
			ic.ReconnectDelay = DefaultReconnectDelay
		}
	}
}

// Validate checks every listener entry.
func (c *Config) Validate() error {
	for i, t := range c.TCP {
		if err := validPort(t.Port); err != nil {
			return invalid("tcp[%d].port: %v", i, err)
		}
		if err := ValidHostPort(t.Target); err != nil {
			return invalid("tcp[%d].target: %v", i, err)
		}
		if t.Proxy != "" {
			if _, err := ParseProxy(t.Proxy); err != nil {
				return invalid("tcp[%d].proxy: %v", i, err)
			}
		}
	}
	for name, ports := range map[string][]int{"socks5": c.Socks5, "http": c.HTTP, "pws": c.PWS} {
		for i, p := range ports {
			if err := validPort(p); err != nil {
				return invalid("%s[%d]: %v", name, i, err)
			}
		}
	}
	for i, ic := range c.Intranet {
		switch ic.Type {
		case TypeEntry:
			if err := validPort(ic.Port); err != nil {
				return invalid("intranet[%d].port: %v", i, err)
			}
			if err := validPort(ic.Relay); err != nil {
				return invalid("intranet[%d].relay: %v", i, err)
			}
			if ic.RelayTLS.Enabled() && ic.RelayTLS.Key == "" {
				return invalid("intranet[%d].relay_tls: key required with cert", i)
			}
		case TypeRelay:
			if err := ValidHostPort(ic.Entry); err != nil {
				return invalid("intranet[%d].entry: %v", i, err)
			}
			if err := ValidHostPort(ic.Target); err != nil {
				return invalid("intranet[%d].target: %v", i, err)
			}
		default:
			return invalid("intranet[%d].type: %q is neither entry nor relay", i, ic.Type)
		}
	}
	return nil
}

// ValidHostPort requires host:port with a usable port.
func ValidHostPort(s string) error {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return err
	}
	if host == "" {
		return fmt.Errorf("missing host in %q", s)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("bad port in %q", s)
	}
	return validPort(p)
}

// Proxy schemes accepted for upstream proxies.
const (
	SchemeSocks5 = "socks5"
	SchemeHTTP   = "http"
	SchemePWS    = "pws"
	SchemePWSS   = "pwss"
)

// ParseProxy validates an upstream proxy URI. Only pws/pwss may carry a
// path or query.
func ParseProxy(s string) (*url.URL, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case SchemeSocks5, SchemeHTTP:
		if (u.Path != "" && u.Path != "/") || u.RawQuery != "" {
			return nil, fmt.Errorf("unexpected path or query in %q", s)
		}
	case SchemePWS, SchemePWSS:
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	p, err := strconv.Atoi(u.Port())
	if err != nil || p <= 0 {
		return nil, fmt.Errorf("missing port in %q", s)
	}
	return u, nil
}

func validPort(p int) error {
	if p <= 0 || p > 65535 {
		return fmt.Errorf("port %d out of range", p)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
