package transport

import (
	"net/url"
	"strings"
)

// SocketURL maps a service base URL onto its websocket endpoint. ws:// and wss://
// pass through; https becomes wss and every other scheme becomes ws. Query and
// fragment are dropped. Input that cannot be parsed is returned unchanged.
func SocketURL(base string) string {
	if strings.HasPrefix(base, "ws://") || strings.HasPrefix(base, "wss://") {
		return base
	}
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return base
	}
	scheme := "ws"
	if u.Scheme == "https" {
		scheme = "wss"
	}
	return scheme + "://" + u.Host + u.EscapedPath()
}
