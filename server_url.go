package main

import (
	"fmt"
	"net"
	"strings"
)

// endpoints lists the URLs a freshly started server advertises in its startup log.
type endpoints struct {
	API           string
	Match         string
	Notifications string
}

// advertisedEndpoints derives the REST and WebSocket URLs for a listener address.
// 1.- TLS upgrades both schemes so operators copy working URLs from the log.
// 2.- Wildcard hosts are shown as localhost because they cannot be dialled as written.
func advertisedEndpoints(address string, tlsEnabled bool) endpoints {
	httpScheme, wsScheme := "http", "ws"
	if tlsEnabled {
		httpScheme, wsScheme = "https", "wss"
	}
	host := normaliseHostPort(address)
	return endpoints{
		API:           fmt.Sprintf("%s://%s/api", httpScheme, host),
		Match:         fmt.Sprintf("%s://%s/ws/match/{matchID}", wsScheme, host),
		Notifications: fmt.Sprintf("%s://%s/ws/notifications", wsScheme, host),
	}
}

func normaliseHostPort(address string) string {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		return "localhost"
	}
	host, port, err := net.SplitHostPort(trimmed)
	if err != nil {
		if strings.HasPrefix(trimmed, ":") {
			return "localhost" + trimmed
		}
		return trimmed
	}
	host = strings.TrimSpace(host)
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}
