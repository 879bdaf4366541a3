package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestLimiter_AllowsUpToMax(t *testing.T) {
	l := New(3, time.Minute)
	defer l.Close()

	for i := 0; i < 3; i++ {
		res := l.Allow("1.2.3.4")
		if !res.Allowed {
			t.Fatalf("request %d: expected allowed", i)
		}
	}
	res := l.Allow("1.2.3.4")
	if res.Allowed {
		t.Fatalf("expected 4th request within window to be rejected")
	}
	if res.RetryAfter <= 0 {
		t.Errorf("expected positive retry-after on rejection")
	}
}

func TestLimiter_WindowResets(t *testing.T) {
	l := New(1, 30*time.Millisecond)
	defer l.Close()

	if !l.Allow("5.5.5.5").Allowed {
		t.Fatalf("expected first request allowed")
	}
	if l.Allow("5.5.5.5").Allowed {
		t.Fatalf("expected second request within window rejected")
	}
	time.Sleep(50 * time.Millisecond)
	if !l.Allow("5.5.5.5").Allowed {
		t.Fatalf("expected request allowed after window rolled over")
	}
}

func TestLimiter_PerKeyIsolation(t *testing.T) {
	l := New(1, time.Minute)
	defer l.Close()

	if !l.Allow("a").Allowed {
		t.Fatalf("expected key a first request allowed")
	}
	if !l.Allow("b").Allowed {
		t.Fatalf("expected key b to have its own independent bucket")
	}
}

func TestClientKey_PrefersForwardedFor(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/tool-progress", nil)
	r.RemoteAddr = "10.0.0.9:12345"
	r.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")

	if got := ClientKey(r); got != "203.0.113.5" {
		t.Errorf("expected first X-Forwarded-For hop, got %q", got)
	}
}

func TestClientKey_FallsBackToRemoteAddr(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/tool-progress", nil)
	r.RemoteAddr = "10.0.0.9:12345"

	if got := ClientKey(r); got != "10.0.0.9" {
		t.Errorf("expected RemoteAddr host, got %q", got)
	}
}
