package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"sync"

	"github.com/dermesser/sessionrpc/log"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const sessionKeySize = 32

// Session is handed out by Directory.Login. Key is a secret shared with the client; only proofs
// derived from it travel on the wire.
type Session struct {
	Account string
	ID      string
	Key     []byte
}

// Authenticator returns the client authenticator that resumes this session.
func (s Session) Authenticator() SessionKey {
	return SessionKey{Account: s.Account, SessionID: s.ID, Key: s.Key}
}

/*
Directory is an in-memory account and session store, usable as ServerAuthenticator.

Accounts have bcrypt password hashes. A client authenticates either with its password or with a
proof SHA256(key || session id) for a session created by Login. A password handshake gets an
identity with a fresh session id that lives only as long as its connection; only Login stores
sessions, and they stay until Logout or RemoveAccount.
*/
type Directory struct {
	cost int

	mu       sync.RWMutex
	accounts map[string][]byte
	sessions map[string]Session
}

// NewDirectory creates an empty directory. cost is the bcrypt cost; values out of bcrypt's range
// select bcrypt.DefaultCost.
func NewDirectory(cost int) *Directory {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Directory{cost: cost, accounts: make(map[string][]byte), sessions: make(map[string]Session)}
}

// AddAccount creates or replaces an account.
func (d *Directory) AddAccount(account, password string) error {
	if account == "" {
		return fmt.Errorf("empty account name")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), d.cost)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.accounts[account] = hash
	return nil
}

// RemoveAccount deletes the account and all its sessions.
func (d *Directory) RemoveAccount(account string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.accounts, account)
	for id, s := range d.sessions {
		if s.Account == account {
			delete(d.sessions, id)
		}
	}
}

func (d *Directory) checkPassword(account, password string) error {
	d.mu.RLock()
	hash, ok := d.accounts[account]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: unknown account %q", ErrAuthentication, account)
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return fmt.Errorf("%w: wrong password for %q", ErrAuthentication, account)
	}
	return nil
}

// Login checks the password and opens a session with a fresh key.
func (d *Directory) Login(account, password string) (Session, error) {
	if err := d.checkPassword(account, password); err != nil {
		return Session{}, err
	}
	key := make([]byte, sessionKeySize)
	if _, err := rand.Read(key); err != nil {
		return Session{}, err
	}
	s := Session{Account: account, ID: uuid.NewString(), Key: key}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions[s.ID] = s
	return s, nil
}

// Len returns the number of stored sessions.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.sessions)
}

func (d *Directory) Logout(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, sessionID)
}

// Lookup returns the account owning sessionID.
func (d *Directory) Lookup(sessionID string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.sessions[sessionID]
	return s.Account, ok
}

func (d *Directory) Validate(ctx context.Context, credentials []byte, remote string) (Identity, error) {
	creds, err := ParseCredentials(credentials)
	if err != nil {
		return Identity{}, err
	}

	switch {
	case len(creds.GetProof()) > 0:
		d.mu.RLock()
		s, ok := d.sessions[creds.GetSessionId()]
		d.mu.RUnlock()
		if !ok || s.Account != creds.GetAccount() {
			log.CRPC_log(log.LOGLEVEL_WARNINGS, "Unknown session", creds.GetSessionId(), "from", remote)
			return Identity{}, fmt.Errorf("%w: unknown session", ErrAuthentication)
		}
		if subtle.ConstantTimeCompare(Proof(s.Key, s.ID), creds.GetProof()) != 1 {
			log.CRPC_log(log.LOGLEVEL_WARNINGS, "Bad session proof for", s.Account, "from", remote)
			return Identity{}, fmt.Errorf("%w: bad session proof", ErrAuthentication)
		}
		return Identity{Account: s.Account, SessionID: s.ID}, nil

	case creds.GetPassword() != "":
		if err := d.checkPassword(creds.GetAccount(), creds.GetPassword()); err != nil {
			log.CRPC_log(log.LOGLEVEL_WARNINGS, "Login of", creds.GetAccount(), "from", remote, "refused")
			return Identity{}, err
		}
		return Identity{Account: creds.GetAccount(), SessionID: uuid.NewString()}, nil

	default:
		return Identity{}, fmt.Errorf("%w: no password or session proof", ErrAuthentication)
	}
}
