package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/dermesser/sessionrpc/auth"
	"github.com/dermesser/sessionrpc/log"
	"github.com/dermesser/sessionrpc/proto"
	"github.com/dermesser/sessionrpc/protocol"

	pb "github.com/gogo/protobuf/proto"
)

// The handshake is the first frame in each direction: the client sends its credentials, the
// server answers with the identity it assigned, or with an UNAUTHORIZED error and closes.

func authFailure(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", auth.ErrAuthentication, fmt.Sprintf(format, args...))
}

// HandshakeClient authenticates the session to the server. Every failure wraps
// auth.ErrAuthentication; the session must be closed afterwards.
func (s *Session) HandshakeClient(ctx context.Context, a auth.ClientAuthenticator) (auth.Identity, error) {
	ctx, cancel := s.cfg.Clock.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	creds, err := a.Credentials(ctx)
	if err != nil {
		return auth.Identity{}, authFailure("no credentials: %v", err)
	}
	if err := s.write(ctx, &protocol.Message{Kind: protocol.KindHandshake, Payload: creds}); err != nil {
		return auth.Identity{}, authFailure("could not send credentials: %v", err)
	}

	m, err := s.reader.ReadMessage(ctx)
	if err != nil {
		return auth.Identity{}, authFailure("no handshake result: %v", err)
	}
	if m.Kind != protocol.KindHandshakeResult {
		return auth.Identity{}, fmt.Errorf("%w: %w: got %s frame instead of handshake result",
			auth.ErrAuthentication, ErrProtocolViolation, m.Kind)
	}
	if m.Error != nil {
		return auth.Identity{}, authFailure("refused by server: %s", m.Error.Message)
	}

	result := new(proto.HandshakeResult)
	if err := pb.Unmarshal(m.Payload, result); err != nil {
		return auth.Identity{}, authFailure("bad handshake result: %v", err)
	}
	id := auth.Identity{Account: result.GetAccount(), SessionID: result.GetSessionId()}

	s.mu.Lock()
	s.identity = id
	s.mu.Unlock()
	return id, nil
}

// HandshakeServer validates the client's credentials with a and answers them. Failures wrap
// auth.ErrAuthentication; the session must be closed afterwards.
func (s *Session) HandshakeServer(ctx context.Context, a auth.ServerAuthenticator) (auth.Identity, error) {
	ctx, cancel := s.cfg.Clock.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	m, err := s.reader.ReadMessage(ctx)
	if err != nil {
		return auth.Identity{}, authFailure("no credentials from %s: %v", s.RemoteAddr(), err)
	}
	if m.Kind != protocol.KindHandshake {
		s.refuse(ctx, "expected handshake")
		return auth.Identity{}, authFailure("%s sent %s frame before handshake", s.RemoteAddr(), m.Kind)
	}

	id, err := a.Validate(ctx, m.Payload, s.RemoteAddr())
	if err != nil {
		s.refuse(ctx, err.Error())
		if !errors.Is(err, auth.ErrAuthentication) {
			err = fmt.Errorf("%w: %w", auth.ErrAuthentication, err)
		}
		return auth.Identity{}, err
	}

	payload, err := pb.Marshal(&proto.HandshakeResult{Account: id.Account, SessionId: id.SessionID})
	if err != nil {
		return auth.Identity{}, err
	}
	if err := s.write(ctx, &protocol.Message{Kind: protocol.KindHandshakeResult, Payload: payload}); err != nil {
		return auth.Identity{}, authFailure("could not answer handshake: %v", err)
	}

	s.mu.Lock()
	s.identity = id
	s.mu.Unlock()
	return id, nil
}

func (s *Session) refuse(ctx context.Context, reason string) {
	err := s.write(ctx, &protocol.Message{
		Kind:  protocol.KindHandshakeResult,
		Error: &protocol.RemoteError{Code: protocol.CodeUnauthorized, Message: reason},
	})
	if err != nil {
		log.CRPC_log(log.LOGLEVEL_DEBUG, "Could not send handshake refusal to", s.RemoteAddr(), err)
	}
}
