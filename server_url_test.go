package main

import "testing"

func TestAdvertisedEndpoints(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		address   string
		tls       bool
		http      string
		websocket string
	}{
		{name: "port only", address: ":43127", http: "http://localhost:43127", websocket: "ws://localhost:43127/ws"},
		{name: "ipv4 wildcard", address: "0.0.0.0:9000", http: "http://localhost:9000", websocket: "ws://localhost:9000/ws"},
		{name: "ipv6 wildcard", address: "[::]:43127", http: "http://localhost:43127", websocket: "ws://localhost:43127/ws"},
		{name: "loopback", address: "127.0.0.1:43127", http: "http://127.0.0.1:43127", websocket: "ws://127.0.0.1:43127/ws"},
		{name: "ipv6 host", address: "[2001:db8::1]:8443", tls: true, http: "https://[2001:db8::1]:8443", websocket: "wss://[2001:db8::1]:8443/ws"},
		{name: "tls", address: ":443", tls: true, http: "https://localhost:443", websocket: "wss://localhost:443/ws"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := advertisedEndpoints(tc.address, tc.tls)
			if got.HTTP != tc.http || got.WebSocket != tc.websocket {
				t.Fatalf("advertisedEndpoints(%q, %t) = %+v, want %s and %s", tc.address, tc.tls, got, tc.http, tc.websocket)
			}
		})
	}
}

func TestAdvertisedHostWithoutPort(t *testing.T) {
	t.Parallel()

	if got := advertisedHost(""); got != "localhost" {
		t.Fatalf("empty address advertised as %q", got)
	}
	if got := advertisedHost("pong.internal"); got != "pong.internal" {
		t.Fatalf("bare host advertised as %q", got)
	}
}
