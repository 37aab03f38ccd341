package securitymanager

import (
	"errors"
	"net"
	"net/netip"
	"strings"
	"sync"

	"github.com/dermesser/sessionrpc/log"

	"github.com/pebbe/zmq4"
)

const DONOTWRITE = "___donotwrite_key_to_file"
const DONOTREAD = "___donotread_key_from_file"

// ZAP domain used by servers with a ServerSecurityManager.
const ZAP_DOMAIN = "sessionrpc.srv"

// This module manages keys and client address policies for a sessionrpc server. The CURVE part is
// built after the API calls as shown in the Iron House example of ZeroMQs CURVE security
// documentation; it is only used by the zmq transport.

// A ServerSecurityManager can be supplied to a server. It then sets up encryption and
// authentication on zmq sockets, and IP authentication for all transports.
type ServerSecurityManager struct {
	*keyWriteLoader

	mu sync.RWMutex
	// Z85 keys
	allowed_client_keys []string

	// Only set one of both!
	allowed_client_addresses []string
	denied_client_addresses  []string
}

// Set up key manager and generate new key pair.
func NewServerSecurityManager() *ServerSecurityManager {
	mgr := &ServerSecurityManager{keyWriteLoader: new(keyWriteLoader)}

	var err error
	mgr.public, mgr.private, err = zmq4.NewCurveKeypair()
	if err != nil {
		log.CRPC_log(log.LOGLEVEL_ERRORS, "Could not generate CURVE keypair:", err)
		return nil
	}
	return mgr
}

// NewAddressPolicy returns a manager without keys, for servers that only filter client addresses.
func NewAddressPolicy() *ServerSecurityManager {
	return &ServerSecurityManager{keyWriteLoader: new(keyWriteLoader)}
}

// Apply the internal keys to the server.
// This must be called before applying Bind() on the socket!
// Safe to call on a nil manager (nothing happens in that case)
func (mgr *ServerSecurityManager) ApplyToServerSocket(sock *zmq4.Socket) error {
	if mgr == nil {
		return nil
	}

	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	if mgr.private == "" || mgr.public == "" {
		return errors.New("Incomplete initialization: No key(s)")
	}

	t, err := sock.GetType()
	if err != nil {
		return err
	}
	// Only apply to actual server sockets
	if t != zmq4.ROUTER && t != zmq4.REP && t != zmq4.PUB {
		return errors.New("Wrong socket type (not ROUTER, REP, PUB)")
	}
	// start in any case (returns error if already running, ignore that)
	zmq4.AuthStart()

	if mgr.allowed_client_addresses != nil {
		zmq4.AuthAllow(ZAP_DOMAIN, mgr.allowed_client_addresses...)
	} else if mgr.denied_client_addresses != nil {
		zmq4.AuthDeny(ZAP_DOMAIN, mgr.denied_client_addresses...)
	}

	if mgr.allowed_client_keys != nil {
		zmq4.AuthCurveAdd(ZAP_DOMAIN, mgr.allowed_client_keys...)
	} else {
		// Make it open
		zmq4.AuthCurveAdd(ZAP_DOMAIN, zmq4.CURVE_ALLOW_ANY)
	}

	return sock.ServerAuthCurve(ZAP_DOMAIN, mgr.private)
}

/*
AllowsAddress checks a client address ("ip", "ip:port") against the white- or blacklist. List
entries are single addresses or CIDR ranges.

Addresses that are not IP addresses (local channels, zmq peer identities) pass a blacklist but
never a whitelist; the zmq transport enforces the lists itself through ZAP. Safe to call on a nil
manager.
*/
func (mgr *ServerSecurityManager) AllowsAddress(remote string) bool {
	if mgr == nil {
		return true
	}
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	addr, err := netip.ParseAddr(host)
	if err != nil {
		return mgr.allowed_client_addresses == nil
	}
	addr = addr.Unmap()

	if mgr.allowed_client_addresses != nil {
		return matchesAny(addr, mgr.allowed_client_addresses)
	} else if mgr.denied_client_addresses != nil {
		return !matchesAny(addr, mgr.denied_client_addresses)
	}
	return true
}

func matchesAny(addr netip.Addr, entries []string) bool {
	for _, e := range entries {
		if strings.Contains(e, "/") {
			prefix, err := netip.ParsePrefix(e)
			if err != nil {
				log.CRPC_log(log.LOGLEVEL_WARNINGS, "Ignoring bad address range", e)
				continue
			}
			if prefix.Contains(addr) {
				return true
			}
		} else if a, err := netip.ParseAddr(e); err == nil && a.Unmap() == addr {
			return true
		}
	}
	return false
}

// Tear down all resources associated with authentication
func (mgr *ServerSecurityManager) StopManager() {
	zmq4.AuthStop()
}

// Set the public and private keys of the server.
func (mgr *ServerSecurityManager) SetKeys(public, private string) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	mgr.public, mgr.private = public, private
}

// Returns the public key of the server.
func (mgr *ServerSecurityManager) GetPublicKey() string {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	return mgr.public
}

// Add keys of clients that are accepted.
func (mgr *ServerSecurityManager) AddClientKeys(keys ...string) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	mgr.allowed_client_keys = append(mgr.allowed_client_keys, keys...)
}

// Remove all clients from the whitelist, effectively enforcing an OPEN policy
func (mgr *ServerSecurityManager) ResetClientKeys() {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	mgr.allowed_client_keys = nil
}

// Remove all clients from the blacklist, effectively enforcing an OPEN policy
func (mgr *ServerSecurityManager) ResetBlackWhiteLists() {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	mgr.allowed_client_addresses = nil
	mgr.denied_client_addresses = nil
}

// Add clients (IP addresses or ranges) to the whitelist. A whitelist is mutually exclusive with a blacklist, meaning
// that all blacklisted clients are removed when calling this function.
func (mgr *ServerSecurityManager) WhitelistClients(addrs ...string) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	mgr.denied_client_addresses = nil
	mgr.allowed_client_addresses = append(mgr.allowed_client_addresses, addrs...)
}

// Add clients (IP addresses or ranges) to the blacklist. A blacklist is mutually exclusive with a
// whitelist, meaning that all whitelisted clients are removed when calling this function.
func (mgr *ServerSecurityManager) BlacklistClients(addrs ...string) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	mgr.allowed_client_addresses = nil
	mgr.denied_client_addresses = append(mgr.denied_client_addresses, addrs...)
}
