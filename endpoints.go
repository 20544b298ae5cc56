package gocluster

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ParseEndpoint parses a host:port address.
func ParseEndpoint(address string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: %w", address, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: bad port %q", address, portStr)
	}
	return Endpoint{Host: host, Port: port}, nil
}

// ParseAdditionalEndpoints parses a comma separated list of name=host:port pairs.  An empty string
// yields no endpoints.
func ParseAdditionalEndpoints(s string) (map[string]Endpoint, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	endpoints := map[string]Endpoint{}
	for _, pair := range strings.Split(s, ",") {
		name, address, found := strings.Cut(strings.TrimSpace(pair), "=")
		if !found || name == "" {
			return nil, fmt.Errorf("invalid additional endpoint %q, expected name=host:port", pair)
		}
		if _, dup := endpoints[name]; dup {
			return nil, fmt.Errorf("additional endpoint %q given twice", name)
		}
		ep, err := ParseEndpoint(address)
		if err != nil {
			return nil, err
		}
		endpoints[name] = ep
	}
	return endpoints, nil
}
