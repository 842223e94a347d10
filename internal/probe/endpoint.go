package probe

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Endpoint addresses one path on one instance.
type Endpoint struct {
	Scheme string
	Host   string
	Port   int
	Path   string
}

// ParseEndpoint accepts "host", "host:port", "http://host[:port][/path]" or
// "https://host[:port][/path]". Ports default to 80/443 by scheme.
func ParseEndpoint(raw string) (Endpoint, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Endpoint{}, fmt.Errorf("empty host")
	}

	ep := Endpoint{Scheme: "http", Path: "/"}
	switch {
	case strings.HasPrefix(s, "https://"):
		ep.Scheme = "https"
		s = s[len("https://"):]
	case strings.HasPrefix(s, "http://"):
		s = s[len("http://"):]
	}

	if i := strings.IndexByte(s, '/'); i >= 0 {
		ep.Path = s[i:]
		s = s[:i]
	}

	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		// no port suffix
		host = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
		portStr = ""
	}
	if host == "" {
		return Endpoint{}, fmt.Errorf("missing host in %q", raw)
	}
	ep.Host = host

	if portStr == "" {
		ep.Port = 80
		if ep.Scheme == "https" {
			ep.Port = 443
		}
	} else {
		p, err := strconv.Atoi(portStr)
		if err != nil || p < 1 || p > 65535 {
			return Endpoint{}, fmt.Errorf("invalid port %q in %q", portStr, raw)
		}
		ep.Port = p
	}

	return ep, nil
}

// MustParseEndpoint is ParseEndpoint for values validated at start-up.
func MustParseEndpoint(raw string) Endpoint {
	ep, err := ParseEndpoint(raw)
	if err != nil {
		panic(err)
	}
	return ep
}

// NormalizePath trims path and makes it absolute. Empty becomes "/".
func NormalizePath(path string) string {
	path = strings.TrimSpace(path)
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}

// WithPath returns a copy of e pointing at path.
func (e Endpoint) WithPath(path string) Endpoint {
	e.Path = NormalizePath(path)
	return e
}

// Address is host:port.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// URL renders the full request URL.
func (e Endpoint) URL() string {
	path := e.Path
	if path == "" {
		path = "/"
	}
	return e.Scheme + "://" + e.Address() + path
}

func (e Endpoint) String() string { return e.URL() }
