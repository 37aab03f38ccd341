package securitymanager

import (
	"path/filepath"
	"testing"
)

func TestWriteLoadServer(t *testing.T) {
	mgr := NewServerSecurityManager()
	dir := t.TempDir()
	pub, priv := filepath.Join(dir, "pubkey.txt"), filepath.Join(dir, "privkey.txt")

	err := mgr.WriteKeys(pub, priv)

	if err != nil {
		t.Error(err.Error())
		return
	}

	loaded := NewAddressPolicy()
	err = loaded.LoadKeys(pub, priv)

	if err != nil {
		t.Error(err.Error())
		return
	}
	if loaded.GetPublicKey() != mgr.GetPublicKey() || loaded.private != mgr.private {
		t.Error("Loaded keys differ from written keys")
	}
}

func TestWriteOnlyPublic(t *testing.T) {
	mgr := NewAddressPolicy()
	mgr.SetKeys("pub", "priv")
	dir := t.TempDir()
	pub := filepath.Join(dir, "pubkey.txt")

	if err := mgr.WriteKeys(pub, DONOTWRITE); err != nil {
		t.Fatal(err)
	}

	other := NewAddressPolicy()
	other.SetKeys("", "mine")
	if err := other.LoadKeys(pub, DONOTREAD); err != nil {
		t.Fatal(err)
	}
	if other.public != "pub" || other.private != "mine" {
		t.Error("LoadKeys touched the wrong key:", other.public, other.private)
	}
}

func TestLoadMissingFile(t *testing.T) {
	mgr := NewAddressPolicy()

	if err := mgr.LoadKeys(filepath.Join(t.TempDir(), "nope"), DONOTREAD); err == nil {
		t.Error("Expected error for missing key file")
	}
}

func TestKeyMgmt(t *testing.T) {
	mgr := NewAddressPolicy()

	mgr.AddClientKeys("a", "b", "c")

	if mgr.allowed_client_keys == nil || len(mgr.allowed_client_keys) != 3 {
		t.Error("List of client keys is incorrect")
		return
	}

	mgr.ResetClientKeys()

	if mgr.allowed_client_keys != nil {
		t.Error("ResetClientKeys() does not work.")
	}
}

func TestListingExclusive(t *testing.T) {
	mgr := NewAddressPolicy()

	mgr.WhitelistClients("a", "b", "c")

	if mgr.allowed_client_addresses == nil || len(mgr.allowed_client_addresses) != 3 {
		t.Error("Whitelist of clients is not correct.")
		return
	}

	mgr.BlacklistClients("d", "e", "f")

	if mgr.allowed_client_addresses != nil {
		t.Error("Whitelist was not reset")
	}
	if mgr.denied_client_addresses == nil || len(mgr.denied_client_addresses) != 3 {
		t.Error("Blacklist of clients is not correct")
		return
	}
}

func TestExplicitKeys(t *testing.T) {
	mgr := NewAddressPolicy()

	mgr.SetKeys("pub", "priv")

	if mgr.GetPublicKey() != "pub" {
		t.Error("Wrong public key returned")
	}

	if mgr.public != "pub" || mgr.private != "priv" {
		t.Error("Wrong internal keys")
	}
}

func TestAllowsAddress(t *testing.T) {
	var none *ServerSecurityManager
	if !none.AllowsAddress("10.1.1.1:80") {
		t.Error("nil manager must allow everything")
	}

	mgr := NewAddressPolicy()
	if !mgr.AllowsAddress("10.1.1.1:80") {
		t.Error("empty lists must allow everything")
	}

	mgr.WhitelistClients("127.0.0.1", "10.0.0.0/8")
	cases := map[string]bool{
		"127.0.0.1:5000":      true,
		"10.200.3.4:1":        true,
		"10.200.3.4":          true,
		"192.168.1.1:5000":    false,
		"[::ffff:10.0.0.1]:9": true,
		"local://svc":         false,
		"zmq://a-b-c":         false,
		"not-an-ip":           false,
	}
	for addr, want := range cases {
		if got := mgr.AllowsAddress(addr); got != want {
			t.Errorf("whitelist: AllowsAddress(%q) = %v, want %v", addr, got, want)
		}
	}

	mgr.BlacklistClients("192.168.0.0/16", "::1")
	cases = map[string]bool{
		"127.0.0.1:5000":   true,
		"192.168.1.1:5000": false,
		"[::1]:80":         false,
		"not-an-ip":        true,
	}
	for addr, want := range cases {
		if got := mgr.AllowsAddress(addr); got != want {
			t.Errorf("blacklist: AllowsAddress(%q) = %v, want %v", addr, got, want)
		}
	}
}
