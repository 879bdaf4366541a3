package callbackurl

import "testing"

func TestValidator_ExactHostMatch(t *testing.T) {
	v := New([]string{"relay.example.com"})
	if !v.Allowed("https://relay.example.com/tool-progress") {
		t.Errorf("expected exact allowlisted host to be admissible")
	}
}

func TestValidator_SuffixMatch(t *testing.T) {
	v := New([]string{".example.com"})
	if !v.Allowed("https://relay.example.com/tool-progress") {
		t.Errorf("expected subdomain to match dot-prefixed suffix entry")
	}
	if v.Allowed("https://notexample.com/tool-progress") {
		t.Errorf("expected non-subdomain lookalike host to be rejected")
	}
}

func TestValidator_RejectsUnlistedHost(t *testing.T) {
	v := New([]string{"relay.example.com"})
	if v.Allowed("https://evil.example.org/tool-progress") {
		t.Errorf("expected unlisted host to be rejected")
	}
}

func TestValidator_HTTPOnlyAllowedForLocalhost(t *testing.T) {
	v := New([]string{"localhost", "127.0.0.1"})
	if !v.Allowed("http://localhost:8080/tool-progress") {
		t.Errorf("expected http scheme admissible for localhost")
	}
	if !v.Allowed("http://127.0.0.1:8080/tool-progress") {
		t.Errorf("expected http scheme admissible for 127.0.0.1")
	}
}

func TestValidator_RejectsHTTPForNonLocalhost(t *testing.T) {
	v := New([]string{"relay.example.com"})
	if v.Allowed("http://relay.example.com/tool-progress") {
		t.Errorf("expected plain http rejected for a non-localhost host")
	}
}

func TestValidator_RejectsUnknownScheme(t *testing.T) {
	v := New([]string{"relay.example.com"})
	if v.Allowed("ftp://relay.example.com/tool-progress") {
		t.Errorf("expected non-http(s) scheme rejected")
	}
}

func TestValidator_RejectsMalformedURL(t *testing.T) {
	v := New([]string{"relay.example.com"})
	if v.Allowed("://not a url") {
		t.Errorf("expected malformed URL rejected")
	}
}
