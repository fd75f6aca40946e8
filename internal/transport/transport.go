package transport

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTransport marks connection open/send/receive failures. The
	// orchestrator retries these against a backup provider.
	ErrTransport = errors.New("transport: connection failure")
	// ErrAuth marks handshake or credential rejection. Never retried
	// against the same provider.
	ErrAuth = errors.New("transport: authentication rejected")
)

// Conn is a provider-agnostic bidirectional connection. The core only
// needs open/send/receive/close; wire protocol details stay behind the
// Factory implementation.
type Conn interface {
	Send(ctx context.Context, payload []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Factory opens provider-specific connections given an endpoint.
type Factory interface {
	Open(ctx context.Context, endpoint string) (Conn, error)
}

// Credentials is opaque auth material supplied by the credential
// collaborator. The core never interprets the fields beyond passing them
// to the scheme's authenticator.
type Credentials struct {
	APIKey string
	Secret string
	Token  string
}

// CredentialProvider supplies credentials per provider id. Storage and
// retrieval of the material is out of scope for this core.
type CredentialProvider interface {
	Credentials(providerID string) (Credentials, error)
}

// StaticCredentials is a config-backed credential provider.
type StaticCredentials map[string]Credentials

// Credentials returns the configured material for the provider.
func (s StaticCredentials) Credentials(providerID string) (Credentials, error) {
	creds, ok := s[providerID]
	if !ok {
		return Credentials{}, fmt.Errorf("no credentials configured for provider %s", providerID)
	}
	return creds, nil
}

var _ CredentialProvider = (StaticCredentials)(nil)
