package security

import (
	"net/http"
	"testing"
)

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name              string
		remoteAddr        string
		xff               string
		xRealIP           string
		trustProxy        bool
		trustedProxyCount int
		want              string
	}{
		{
			name:       "direct connection",
			remoteAddr: "203.0.113.7:54321",
			want:       "203.0.113.7",
		},
		{
			name:       "headers ignored without trust",
			remoteAddr: "203.0.113.7:54321",
			xff:        "198.51.100.1",
			xRealIP:    "198.51.100.2",
			want:       "203.0.113.7",
		},
		{
			name:       "single proxy forwarded-for",
			remoteAddr: "10.0.0.1:1234",
			xff:        "198.51.100.1, 10.0.0.1",
			trustProxy: true,
			want:       "198.51.100.1",
		},
		{
			name:              "two trusted proxies",
			remoteAddr:        "10.0.0.1:1234",
			xff:               "198.51.100.1, 10.0.0.2, 10.0.0.1",
			trustProxy:        true,
			trustedProxyCount: 2,
			want:              "198.51.100.1",
		},
		{
			name:              "spoofed prefix with two trusted proxies",
			remoteAddr:        "10.0.0.1:1234",
			xff:               "1.2.3.4, 198.51.100.1, 10.0.0.2, 10.0.0.1",
			trustProxy:        true,
			trustedProxyCount: 2,
			want:              "198.51.100.1",
		},
		{
			name:       "x-real-ip fallback",
			remoteAddr: "10.0.0.1:1234",
			xRealIP:    "198.51.100.9",
			trustProxy: true,
			want:       "198.51.100.9",
		},
		{
			name:       "garbage forwarded-for falls through to remote addr",
			remoteAddr: "203.0.113.7:54321",
			xff:        "not-an-ip",
			trustProxy: true,
			want:       "203.0.113.7",
		},
		{
			name:       "ipv6 remote addr",
			remoteAddr: "[2001:db8::1]:443",
			want:       "2001:db8::1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := http.NewRequest(http.MethodGet, "http://example.com/", nil)
			if err != nil {
				t.Fatalf("NewRequest() error = %v", err)
			}
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xRealIP != "" {
				r.Header.Set("X-Real-IP", tt.xRealIP)
			}

			if got := GetClientIP(r, tt.trustProxy, tt.trustedProxyCount); got != tt.want {
				t.Errorf("GetClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
