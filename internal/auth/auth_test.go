package auth

import (
	"errors"
	"net/http"
	"testing"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-gateway/internal/config"
)

func newRequest(t *testing.T, target string, headers map[string]string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, target, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req
}

func TestCredentialFromRequest(t *testing.T) {
	cases := []struct {
		name    string
		target  string
		headers map[string]string
		want    string
	}{
		{name: "X-API-Key header", target: "http://example.com", headers: map[string]string{"X-API-Key": "k"}, want: "k"},
		{name: "Authorization ApiKey", target: "http://example.com", headers: map[string]string{"Authorization": "ApiKey k"}, want: "k"},
		{name: "Authorization Bearer", target: "http://example.com", headers: map[string]string{"Authorization": "bearer k"}, want: "k"},
		{name: "query fallback", target: "http://example.com/relay?apiKey=q", want: "q"},
		{name: "header wins over query", target: "http://example.com/?apiKey=q", headers: map[string]string{"X-API-Key": "h"}, want: "h"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cred, err := CredentialFromRequest(config.AuthModeAPIKey, newRequest(t, tc.target, tc.headers))
			if err != nil {
				t.Fatalf("err=%v", err)
			}
			if cred != tc.want {
				t.Fatalf("cred=%q, want %q", cred, tc.want)
			}
		})
	}

	t.Run("missing", func(t *testing.T) {
		_, err := CredentialFromRequest(config.AuthModeAPIKey, newRequest(t, "http://example.com", map[string]string{"Authorization": "Basic abc"}))
		if !errors.Is(err, ErrMissingCredentials) {
			t.Fatalf("err=%v, want %v", err, ErrMissingCredentials)
		}
	})

	t.Run("none", func(t *testing.T) {
		cred, err := CredentialFromRequest(config.AuthModeNone, newRequest(t, "http://example.com/?apiKey=x", nil))
		if err != nil || cred != "" {
			t.Fatalf("cred=%q err=%v, want empty", cred, err)
		}
	})
}

func TestAPIKeyVerifier(t *testing.T) {
	v := APIKeyVerifier{Expected: "secret"}
	if err := v.Verify("secret"); err != nil {
		t.Fatalf("Verify(secret)=%v", err)
	}
	for _, bad := range []string{"", "secre", "secret2"} {
		if err := v.Verify(bad); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("Verify(%q)=%v, want %v", bad, err, ErrInvalidCredentials)
		}
	}
	if err := (APIKeyVerifier{}).Verify("anything"); err == nil {
		t.Fatalf("empty expected key must reject everything")
	}
}

func TestAuthorizer(t *testing.T) {
	a, err := NewAuthorizer(config.Config{AuthMode: config.AuthModeAPIKey, APIKey: "secret"})
	if err != nil {
		t.Fatalf("NewAuthorizer: %v", err)
	}

	if err := a.Authorize(newRequest(t, "http://example.com", map[string]string{"X-API-Key": "secret"})); err != nil {
		t.Fatalf("valid key: %v", err)
	}
	err = a.Authorize(newRequest(t, "http://example.com", nil))
	if !IsUnauthorized(err) || !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("missing key: err=%v", err)
	}
	err = a.Authorize(newRequest(t, "http://example.com/?apiKey=wrong", nil))
	if !IsUnauthorized(err) || !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong key: err=%v", err)
	}

	open, err := NewAuthorizer(config.Config{AuthMode: config.AuthModeNone})
	if err != nil {
		t.Fatalf("NewAuthorizer(none): %v", err)
	}
	if err := open.Authorize(newRequest(t, "http://example.com", nil)); err != nil {
		t.Fatalf("none mode: %v", err)
	}
	var nilAuth *Authorizer
	if err := nilAuth.Authorize(newRequest(t, "http://example.com", nil)); err != nil {
		t.Fatalf("nil authorizer: %v", err)
	}
}

func TestNewVerifierRejectsUnknownMode(t *testing.T) {
	if _, err := NewVerifier(config.Config{AuthMode: "jwt"}); err == nil {
		t.Fatalf("expected error")
	}
	if IsUnauthorized(errors.New("boom")) || IsUnauthorized(nil) {
		t.Fatalf("IsUnauthorized must only match credential errors")
	}
}
