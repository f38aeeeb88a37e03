package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP extracts the real client IP from a request. X-Forwarded-For and
// X-Real-IP are consulted only when trustProxy is set; otherwise those headers
// are attacker-controlled and RemoteAddr wins.
//
// X-Forwarded-For format is "client, proxy1, proxy2, ...". trustedProxyCount
// says how many rightmost entries are proxies we control, which prevents
// header spoofing in multi-proxy setups.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := ipFromForwardedFor(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := parseIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	return ipFromRemoteAddr(r.RemoteAddr)
}

// ipFromForwardedFor picks the client entry out of an X-Forwarded-For list.
// With N entries and P trusted proxies the client sits at index N-P-1; a
// trustedProxyCount of 0 assumes a single proxy.
func ipFromForwardedFor(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}

	ips := strings.Split(xff, ",")

	proxyCount := trustedProxyCount
	if proxyCount == 0 {
		proxyCount = 1
	}
	clientIndex := len(ips) - proxyCount - 1
	if clientIndex < 0 {
		clientIndex = 0
	}

	return parseIP(strings.TrimSpace(ips[clientIndex]))
}

// parseIP returns the input only if it is a valid IP literal.
func parseIP(s string) string {
	if s == "" || net.ParseIP(s) == nil {
		return ""
	}
	return s
}

// ipFromRemoteAddr strips the port from a RemoteAddr value.
func ipFromRemoteAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
