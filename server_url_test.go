package main

import "testing"

func TestAdvertisedEndpoints(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		address string
		tls     bool
		want    endpoints
	}{
		"default_port_only": {address: ":8080", want: endpoints{
			API:           "http://localhost:8080/api",
			Match:         "ws://localhost:8080/ws/match/{matchID}",
			Notifications: "ws://localhost:8080/ws/notifications",
		}},
		"explicit_ipv4_any": {address: "0.0.0.0:9000", want: endpoints{
			API:           "http://localhost:9000/api",
			Match:         "ws://localhost:9000/ws/match/{matchID}",
			Notifications: "ws://localhost:9000/ws/notifications",
		}},
		"explicit_ipv6_custom": {address: "[2001:db8::1]:8080", want: endpoints{
			API:           "http://[2001:db8::1]:8080/api",
			Match:         "ws://[2001:db8::1]:8080/ws/match/{matchID}",
			Notifications: "ws://[2001:db8::1]:8080/ws/notifications",
		}},
		"tls_enabled": {address: "arena.example:443", tls: true, want: endpoints{
			API:           "https://arena.example:443/api",
			Match:         "wss://arena.example:443/ws/match/{matchID}",
			Notifications: "wss://arena.example:443/ws/notifications",
		}},
	}

	for name, tc := range tests {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			got := advertisedEndpoints(tc.address, tc.tls)
			if got != tc.want {
				t.Fatalf("advertisedEndpoints(%q, %t) = %+v, want %+v", tc.address, tc.tls, got, tc.want)
			}
		})
	}
}

func TestNormaliseHostPort(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"":               "localhost",
		"[::]:7000":      "localhost:7000",
		"127.0.0.1:8080": "127.0.0.1:8080",
		"arena.local":    "arena.local",
	}
	for in, want := range cases {
		if got := normaliseHostPort(in); got != want {
			t.Fatalf("normaliseHostPort(%q) = %q, want %q", in, got, want)
		}
	}
}
