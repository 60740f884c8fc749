package httpx

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

// Header represents a single HTTP header field (case preserved as seen on wire).
type Header struct {
	Name  string
	Value string
}

// ProxyHeaders is a parsed representation of an HTTP request start-line + headers.
type ProxyHeaders struct {
	Method  string
	URI     string
	Proto   string
	Headers []Header
	// RawBodyStart holds any bytes read that belong to the body (if header terminator encountered early)
	RawBodyStart []byte
}

// Get returns the first value associated with name (case-insensitive) or empty.
func (p *ProxyHeaders) Get(name string) string {
	for _, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// Set sets (replaces) a header (case of Name preserved as provided).
func (p *ProxyHeaders) Set(name, value string) {
	for i, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			p.Headers[i].Value = value
			return
		}
	}
	p.Headers = append(p.Headers, Header{Name: name, Value: value})
}

// Del deletes all headers with given name (case-insensitive).
func (p *ProxyHeaders) Del(name string) {
	out := p.Headers[:0]
	for _, h := range p.Headers {
		if !strings.EqualFold(h.Name, name) {
			out = append(out, h)
		}
	}
	p.Headers = out
}

// HeadComplete reports whether b holds a whole request head.
func HeadComplete(b []byte) bool {
	return bytes.Contains(b, []byte("\r\n\r\n")) || bytes.Contains(b, []byte("\n\n"))
}

// ParseHead parses a request head accumulated by the caller. Bytes after
// the blank line end up in RawBodyStart.
func ParseHead(buf []byte) (*ProxyHeaders, error) {
	var headerPart, bodyStart []byte
	if idx := bytes.Index(buf, []byte("\r\n\r\n")); idx != -1 {
		headerPart = buf[:idx+4]
		bodyStart = buf[idx+4:]
	} else if idx := bytes.Index(buf, []byte("\n\n")); idx != -1 {
		headerPart = buf[:idx+2]
		bodyStart = buf[idx+2:]
	} else {
		headerPart = buf
	}
	reader := bufio.NewReader(bytes.NewReader(headerPart))
	reqLine, err := reader.ReadString('\n')
	if err != nil {
		return nil, err
	}
	reqLine = strings.TrimRight(reqLine, "\r\n")
	parts := strings.Split(reqLine, " ")
	if len(parts) < 3 {
		return nil, fmt.Errorf("bad request line: %q", reqLine)
	}
	ph := &ProxyHeaders{Method: parts[0], URI: parts[1], Proto: parts[2]}
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) || len(line) == 0 {
				break
			}
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" { // end
			break
		}
		colon := strings.Index(line, ":")
		if colon <= 0 {
			continue // skip malformed
		}
		name := line[:colon]
		value := strings.TrimSpace(line[colon+1:])
		ph.Headers = append(ph.Headers, Header{Name: name, Value: value})
	}
	if len(bodyStart) > 0 {
		ph.RawBodyStart = append([]byte{}, bodyStart...)
	}
	return ph, nil
}

// WriteTo streams the head followed by any pre-read body bytes.
func (p *ProxyHeaders) WriteTo(w io.Writer) (int64, error) {
	var total int64
	write := func(b []byte) error {
		n, err := w.Write(b)
		total += int64(n)
		return err
	}
	if err := write([]byte(fmt.Sprintf("%s %s %s\r\n", p.Method, p.URI, p.Proto))); err != nil {
		return total, err
	}
	for _, h := range p.Headers {
		if err := write([]byte(h.Name + ": " + h.Value + "\r\n")); err != nil {
			return total, err
		}
	}
	if err := write([]byte("\r\n")); err != nil {
		return total, err
	}
	if len(p.RawBodyStart) > 0 {
		if err := write(p.RawBodyStart); err != nil {
			return total, err
		}
	}
	return total, nil
}

// Bytes renders the head as WriteTo would.
func (p *ProxyHeaders) Bytes() []byte {
	var b bytes.Buffer
	_, _ = p.WriteTo(&b)
	return b.Bytes()
}

// AugmentXFF appends / sets X-Forwarded-For using clientIP.
func (p *ProxyHeaders) AugmentXFF(clientIP string) {
	if clientIP == "" {
		return
	}
	for i, h := range p.Headers {
		if strings.EqualFold(h.Name, "X-Forwarded-For") {
			p.Headers[i].Value = h.Value + ", " + clientIP
			return
		}
	}
	p.Headers = append(p.Headers, Header{Name: "X-Forwarded-For", Value: clientIP})
}

// ReplaceHost changes Host header (if present) or adds it.
func (p *ProxyHeaders) ReplaceHost(host string) {
	if host == "" {
		return
	}
	p.Set("Host", host)
}

// hopByHop are request headers meant for the proxy itself.
var hopByHop = []string{"Proxy-Connection", "Proxy-Authorization", "Proxy-Authenticate"}

// StripProxyHeaders removes headers addressed to the proxy.
func (p *ProxyHeaders) StripProxyHeaders() {
	for _, name := range hopByHop {
		p.Del(name)
	}
}

// RemoteIPFromConn extracts IP portion from remote address.
func RemoteIPFromConn(c net.Conn) string {
	h, _, err := net.SplitHostPort(c.RemoteAddr().String())
	if err != nil {
		return c.RemoteAddr().String()
	}
	return h
}
