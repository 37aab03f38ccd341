// Package auth implements the authentication exchange that opens every session.
//
// The client sends credentials as the payload of the first frame; the server validates them and
// answers with the identity it assigned to the session, or refuses the connection.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/dermesser/sessionrpc/proto"

	pb "github.com/gogo/protobuf/proto"
	"github.com/google/uuid"
	sha256 "github.com/minio/sha256-simd"
)

var (
	// ErrAuthentication is returned when credentials are refused. The connection is closed before
	// any application traffic.
	ErrAuthentication = errors.New("authentication failed")
)

// Identity is attached to a session after a successful handshake.
type Identity struct {
	Account   string
	SessionID string
}

func (i Identity) String() string {
	if i.Account == "" {
		return "<anonymous>/" + i.SessionID
	}
	return i.Account + "/" + i.SessionID
}

// ClientAuthenticator produces the handshake payload of the client.
type ClientAuthenticator interface {
	Credentials(ctx context.Context) ([]byte, error)
}

// ServerAuthenticator checks the handshake payload of a client connecting from remote.
// Failures must wrap ErrAuthentication.
type ServerAuthenticator interface {
	Validate(ctx context.Context, credentials []byte, remote string) (Identity, error)
}

// ServerAuthenticatorFunc adapts a function to ServerAuthenticator.
type ServerAuthenticatorFunc func(ctx context.Context, credentials []byte, remote string) (Identity, error)

func (f ServerAuthenticatorFunc) Validate(ctx context.Context, credentials []byte, remote string) (Identity, error) {
	return f(ctx, credentials, remote)
}

// Anonymous sends empty credentials.
type Anonymous struct{}

func (Anonymous) Credentials(ctx context.Context) ([]byte, error) {
	return pb.Marshal(&proto.Credentials{})
}

// AllowAll accepts every client. The account is taken from the credentials if they carry one.
type AllowAll struct{}

func (AllowAll) Validate(ctx context.Context, credentials []byte, remote string) (Identity, error) {
	creds, err := ParseCredentials(credentials)
	if err != nil {
		return Identity{}, err
	}
	return Identity{Account: creds.GetAccount(), SessionID: uuid.NewString()}, nil
}

// Password logs in with account name and password.
type Password struct {
	Account, Password string
}

func (p Password) Credentials(ctx context.Context) ([]byte, error) {
	return pb.Marshal(&proto.Credentials{Account: p.Account, Password: p.Password})
}

// SessionKey reconnects to a session obtained from Directory.Login without sending a password.
type SessionKey struct {
	Account   string
	SessionID string
	Key       []byte
}

func (s SessionKey) Credentials(ctx context.Context) ([]byte, error) {
	return pb.Marshal(&proto.Credentials{
		Account:   s.Account,
		SessionId: s.SessionID,
		Proof:     Proof(s.Key, s.SessionID),
	})
}

// Proof computes SHA256(key || sessionID).
func Proof(key []byte, sessionID string) []byte {
	h := sha256.New()
	h.Write(key)
	h.Write([]byte(sessionID))
	return h.Sum(nil)
}

func ParseCredentials(b []byte) (*proto.Credentials, error) {
	creds := new(proto.Credentials)
	if err := pb.Unmarshal(b, creds); err != nil {
		return nil, fmt.Errorf("%w: bad credentials: %v", ErrAuthentication, err)
	}
	return creds, nil
}
