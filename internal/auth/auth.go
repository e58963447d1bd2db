package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-gateway/internal/config"
)

var ErrMissingCredentials = errors.New("missing credentials")

type Verifier interface {
	Verify(credential string) error
}

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// CredentialFromRequest extracts the API key from r. Headers are preferred;
// the apiKey query parameter exists for WebSocket clients and EventSource-like
// callers that cannot set headers.
func CredentialFromRequest(mode config.AuthMode, r *http.Request) (string, error) {
	switch mode {
	case config.AuthModeNone:
		return "", nil
	case config.AuthModeAPIKey:
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}

	if v := strings.TrimSpace(r.Header.Get("X-API-Key")); v != "" {
		return v, nil
	}
	if scheme, value, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " "); ok {
		if strings.EqualFold(scheme, "ApiKey") || strings.EqualFold(scheme, "Bearer") {
			if v := strings.TrimSpace(value); v != "" {
				return v, nil
			}
		}
	}
	if v := strings.TrimSpace(r.URL.Query().Get("apiKey")); v != "" {
		return v, nil
	}
	return "", ErrMissingCredentials
}

// Authorizer enforces AUTH_MODE for HTTP and WebSocket endpoints.
type Authorizer struct {
	mode     config.AuthMode
	verifier Verifier
}

func NewAuthorizer(cfg config.Config) (*Authorizer, error) {
	if cfg.AuthMode == config.AuthModeNone {
		return &Authorizer{mode: cfg.AuthMode}, nil
	}
	v, err := NewVerifier(cfg)
	if err != nil {
		return nil, err
	}
	return &Authorizer{mode: cfg.AuthMode, verifier: v}, nil
}

func (a *Authorizer) Authorize(r *http.Request) error {
	if a == nil || a.mode == config.AuthModeNone {
		return nil
	}
	if a.verifier == nil {
		return errors.New("auth verifier not configured")
	}
	cred, err := CredentialFromRequest(a.mode, r)
	if err != nil {
		return err
	}
	return a.verifier.Verify(cred)
}

// IsUnauthorized reports whether err should be reported to the client as an
// authentication failure rather than a server error.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrMissingCredentials) || errors.Is(err, ErrInvalidCredentials)
}
