package channels

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Proxy is a parsed proxy descriptor.
type Proxy struct {
	Host     string
	Port     int
	Username string
	Password string
}

// ParseProxy accepts host:port[:user:pass] or a full proxy URL.
func ParseProxy(raw string) (Proxy, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Proxy{}, fmt.Errorf("proxy is empty")
	}
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return Proxy{}, fmt.Errorf("parse proxy url: %w", err)
		}
		port, err := strconv.Atoi(u.Port())
		if err != nil || u.Hostname() == "" {
			return Proxy{}, fmt.Errorf("proxy %q needs host and port", raw)
		}
		p := Proxy{Host: u.Hostname(), Port: port}
		if u.User != nil {
			p.Username = u.User.Username()
			p.Password, _ = u.User.Password()
		}
		return p, nil
	}

	parts := strings.Split(raw, ":")
	if len(parts) != 2 && len(parts) != 4 {
		return Proxy{}, fmt.Errorf("proxy %q must be host:port or host:port:user:pass", raw)
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port <= 0 || port > 65535 {
		return Proxy{}, fmt.Errorf("proxy %q has invalid port", raw)
	}
	if strings.TrimSpace(parts[0]) == "" {
		return Proxy{}, fmt.Errorf("proxy %q has empty host", raw)
	}
	p := Proxy{Host: parts[0], Port: port}
	if len(parts) == 4 {
		p.Username, p.Password = parts[2], parts[3]
	}
	return p, nil
}

// Address returns host:port.
func (p Proxy) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// HasAuth reports whether credentials are attached.
func (p Proxy) HasAuth() bool { return p.Username != "" }

// URL renders the proxy as an http URL including credentials.
func (p Proxy) URL() string {
	u := url.URL{Scheme: "http", Host: p.Address()}
	if p.HasAuth() {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u.String()
}
