package main

import (
	"net"
	"net/url"
	"strings"
)

// endpoints are the URLs printed at startup so players and operators know where to connect.
type endpoints struct {
	HTTP      string
	WebSocket string
}

// advertisedEndpoints derives the operational and game URLs from the listen address. Wildcard and
// empty hosts are shown as localhost.
func advertisedEndpoints(address string, tlsEnabled bool) endpoints {
	httpScheme, wsScheme := "http", "ws"
	if tlsEnabled {
		httpScheme, wsScheme = "https", "wss"
	}
	host := advertisedHost(address)
	return endpoints{
		HTTP:      (&url.URL{Scheme: httpScheme, Host: host}).String(),
		WebSocket: (&url.URL{Scheme: wsScheme, Host: host, Path: "/ws"}).String(),
	}
}

func advertisedHost(address string) string {
	address = strings.TrimSpace(address)
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		if address == "" {
			return "localhost"
		}
		return address
	}
	switch strings.Trim(strings.TrimSpace(host), "[]") {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}
