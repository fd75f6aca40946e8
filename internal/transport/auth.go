package transport

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Authenticator performs the provider-specific handshake on a freshly
// opened connection. One variant exists per auth scheme; the registry's
// declared scheme selects the variant.
type Authenticator interface {
	Scheme() string
	Handshake(ctx context.Context, conn Conn, providerID string, creds Credentials) error
}

// AuthenticatorSet dispatches by scheme tag.
type AuthenticatorSet map[string]Authenticator

// NewAuthenticatorSet registers the built-in scheme variants.
func NewAuthenticatorSet(auths ...Authenticator) AuthenticatorSet {
	set := make(AuthenticatorSet, len(auths))
	for _, a := range auths {
		set[a.Scheme()] = a
	}
	return set
}

// ForScheme resolves the authenticator for a declared scheme.
func (s AuthenticatorSet) ForScheme(scheme string) (Authenticator, error) {
	a, ok := s[scheme]
	if !ok {
		return nil, fmt.Errorf("unsupported auth scheme %q", scheme)
	}
	return a, nil
}

type authAck struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// completeHandshake sends the auth frame and waits for the provider ack.
// A non-ok ack is an auth rejection, not a transport failure.
func completeHandshake(ctx context.Context, conn Conn, frame any) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal auth frame: %w", err)
	}
	if err := conn.Send(ctx, payload); err != nil {
		return fmt.Errorf("%w: send auth frame: %v", ErrTransport, err)
	}

	raw, err := conn.Receive(ctx)
	if err != nil {
		return fmt.Errorf("%w: read auth ack: %v", ErrTransport, err)
	}

	var ack authAck
	if err := json.Unmarshal(raw, &ack); err != nil {
		return fmt.Errorf("%w: malformed auth ack", ErrAuth)
	}
	if ack.Status != "ok" {
		if ack.Reason != "" {
			return fmt.Errorf("%w: %s", ErrAuth, ack.Reason)
		}
		return ErrAuth
	}
	return nil
}

// APIKeyAuthenticator authenticates with a plain API key frame.
type APIKeyAuthenticator struct{}

// Scheme implements Authenticator.
func (APIKeyAuthenticator) Scheme() string { return "api_key" }

// Handshake implements Authenticator.
func (APIKeyAuthenticator) Handshake(ctx context.Context, conn Conn, providerID string, creds Credentials) error {
	if creds.APIKey == "" {
		return fmt.Errorf("%w: api key missing for provider %s", ErrAuth, providerID)
	}
	return completeHandshake(ctx, conn, map[string]string{
		"type":    "auth",
		"scheme":  "api_key",
		"api_key": creds.APIKey,
	})
}

// TokenAuthenticator authenticates with a pre-issued bearer token, the
// oauth-style flow where token acquisition happens out of band.
type TokenAuthenticator struct{}

// Scheme implements Authenticator.
func (TokenAuthenticator) Scheme() string { return "oauth" }

// Handshake implements Authenticator.
func (TokenAuthenticator) Handshake(ctx context.Context, conn Conn, providerID string, creds Credentials) error {
	if creds.Token == "" {
		return fmt.Errorf("%w: bearer token missing for provider %s", ErrAuth, providerID)
	}
	return completeHandshake(ctx, conn, map[string]string{
		"type":   "auth",
		"scheme": "oauth",
		"token":  creds.Token,
	})
}

// HMACAuthenticator signs a timestamped payload with the shared secret.
type HMACAuthenticator struct {
	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

// Scheme implements Authenticator.
func (HMACAuthenticator) Scheme() string { return "hmac" }

// Sign computes the hex HMAC-SHA256 signature over providerID + timestamp.
func (a HMACAuthenticator) Sign(secret, providerID string, ts int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(providerID))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Handshake implements Authenticator.
func (a HMACAuthenticator) Handshake(ctx context.Context, conn Conn, providerID string, creds Credentials) error {
	if creds.APIKey == "" || creds.Secret == "" {
		return fmt.Errorf("%w: hmac credentials missing for provider %s", ErrAuth, providerID)
	}
	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	ts := now().UnixMilli()
	return completeHandshake(ctx, conn, map[string]string{
		"type":      "auth",
		"scheme":    "hmac",
		"api_key":   creds.APIKey,
		"timestamp": strconv.FormatInt(ts, 10),
		"signature": a.Sign(creds.Secret, providerID, ts),
	})
}

var (
	_ Authenticator = (*APIKeyAuthenticator)(nil)
	_ Authenticator = (*TokenAuthenticator)(nil)
	_ Authenticator = (*HMACAuthenticator)(nil)
)
