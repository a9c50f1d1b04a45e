package api

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestWriteLimiter_PerKey(t *testing.T) {
	l := newWriteLimiter(0.001, 2)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	if !l.Allow("a") || !l.Allow("a") {
		t.Fatal("Expected burst of 2 to pass")
	}
	if l.Allow("a") {
		t.Error("Expected third write from a to be throttled")
	}
	if !l.Allow("b") {
		t.Error("Expected b to have its own bucket")
	}
}

func TestWriteLimiter_Sweep(t *testing.T) {
	l := newWriteLimiter(1, 1)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	l.Allow("a")
	l.Allow("b")
	if l.size() != 2 {
		t.Fatalf("Expected 2 visitors, got %d", l.size())
	}

	now = now.Add(visitorTTL + time.Minute)
	l.Allow("c")
	if l.size() != 1 {
		t.Errorf("Expected idle visitors swept, got %d", l.size())
	}
}

func TestRemoteOrigin(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		trustProxy bool
		want       string
	}{
		{"peer address", "203.0.113.5:4242", "", false, "203.0.113.5"},
		{"ipv6 peer", "[2001:db8::1]:80", "", false, "2001:db8::1"},
		{"xff ignored when untrusted", "10.0.0.1:80", "198.51.100.1", false, "10.0.0.1"},
		{"first xff hop when trusted", "10.0.0.1:80", " 198.51.100.1 , 10.0.0.2", true, "198.51.100.1"},
		{"empty xff falls back", "10.0.0.1:80", "", true, "10.0.0.1"},
		{"no port", "unix", "", false, "unix"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := remoteOrigin(r, tt.trustProxy); got != tt.want {
				t.Errorf("remoteOrigin() = %q, want %q", got, tt.want)
			}
		})
	}
}
