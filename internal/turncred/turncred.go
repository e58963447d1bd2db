// Package turncred mints short-lived TURN credentials using the shared-secret
// scheme understood by coturn (use-auth-secret / static-auth-secret):
//
//	username   = <unix expiry>:<prefix>:<subject>
//	credential = base64(hmac_sha1(secret, username))
//
// Expiry is computed from the server clock in UTC.
package turncred

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

type Config struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string
	// URLs are the turn:/turns: endpoints the minted credentials are valid for.
	URLs []string

	Now func() time.Time
	// Subject returns the per-credential discriminator when the caller has
	// none (for example an anonymous /webrtc/ice request).
	Subject func() (string, error)
}

type Generator struct {
	secret  []byte
	ttl     time.Duration
	prefix  string
	urls    []string
	now     func() time.Time
	subject func() (string, error)
}

type Credentials struct {
	Username   string
	Credential string
	Expires    time.Time
}

func New(cfg Config) (*Generator, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("shared secret is required")
	}
	if cfg.TTL < time.Second {
		return nil, errors.New("ttl must be at least 1s")
	}
	if cfg.UsernamePrefix == "" {
		return nil, errors.New("username prefix is required")
	}
	if strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, errors.New("username prefix must not contain ':'")
	}
	if len(cfg.URLs) == 0 {
		return nil, errors.New("at least one turn url is required")
	}
	for _, u := range cfg.URLs {
		if !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
			return nil, fmt.Errorf("unsupported url scheme: %q", u)
		}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Subject == nil {
		cfg.Subject = randomSubject
	}
	return &Generator{
		secret:  []byte(cfg.SharedSecret),
		ttl:     cfg.TTL,
		prefix:  cfg.UsernamePrefix,
		urls:    append([]string(nil), cfg.URLs...),
		now:     cfg.Now,
		subject: cfg.Subject,
	}, nil
}

// Generate mints credentials bound to subject, usually a signaling session ID.
func (g *Generator) Generate(subject string) (Credentials, error) {
	if subject == "" {
		return Credentials{}, errors.New("subject is required")
	}
	if strings.Contains(subject, ":") {
		return Credentials{}, errors.New("subject must not contain ':'")
	}
	expires := g.now().UTC().Add(g.ttl).Truncate(time.Second)
	username := fmt.Sprintf("%d:%s:%s", expires.Unix(), g.prefix, subject)
	return Credentials{
		Username:   username,
		Credential: sign(g.secret, username),
		Expires:    expires,
	}, nil
}

// ICEServer returns a TURN entry carrying freshly minted credentials. An
// empty subject gets a random one.
func (g *Generator) ICEServer(subject string) (webrtc.ICEServer, error) {
	if subject == "" {
		var err error
		if subject, err = g.subject(); err != nil {
			return webrtc.ICEServer{}, err
		}
	}
	creds, err := g.Generate(subject)
	if err != nil {
		return webrtc.ICEServer{}, err
	}
	return webrtc.ICEServer{
		URLs:       append([]string(nil), g.urls...),
		Username:   creds.Username,
		Credential: creds.Credential,
	}, nil
}

func randomSubject() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

func sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
