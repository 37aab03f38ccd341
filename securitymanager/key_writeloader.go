package securitymanager

import (
	"bytes"
	"errors"
	"fmt"
	"os"
)

// This struct is supposed to be embedded in the *SecurityManager types
// to enable loading and writing keypairs.
type keyWriteLoader struct {
	public, private string
}

// Loads private and public key from the specified files.
// Does not initialize a key when the file name is DONOTREAD (for example
// when you only want to read the private key from disk -- use SetKeys() with an empty
// private key and then LoadKeys() with publicFile as DONOTREAD, leaving the public key untouched)
func (mgr *keyWriteLoader) LoadKeys(publicFile, privateFile string) error {
	if publicFile != DONOTREAD {
		key, err := readKey(publicFile)
		if err != nil {
			return err
		}
		mgr.public = key
	}

	if privateFile != DONOTREAD {
		key, err := readKey(privateFile)
		if err != nil {
			return err
		}
		mgr.private = key
	}
	return nil
}

func readKey(filename string) (string, error) {
	file, err := os.Open(filename)
	if err != nil {
		return "", err
	}
	defer file.Close()

	buf := bytes.NewBuffer(nil)
	n, err := buf.ReadFrom(file)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", fmt.Errorf("no key in %s", filename)
	}
	// keygen output may end with a newline if edited by hand
	return string(bytes.TrimSpace(buf.Bytes())), nil
}

// Writes a keypair to the supplied files.
// If one of the file names is the constant DONOTWRITE, the function will not write to that file.
// e.g. mgr.WriteKeys("pubkey.txt", DONOTWRITE) writes only the public key.
func (mgr *keyWriteLoader) WriteKeys(publicFile, privateFile string) error {
	if publicFile != DONOTWRITE {
		if err := writeKey(publicFile, mgr.public); err != nil {
			return err
		}
	}

	if privateFile != DONOTWRITE {
		if err := writeKey(privateFile, mgr.private); err != nil {
			return err
		}
	}
	return nil
}

func writeKey(filename, key string) error {
	if key == "" {
		return errors.New("Refusing to write empty key")
	}
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer file.Close()

	n, err := file.Write([]byte(key))
	if err != nil {
		return err
	}
	if n != len(key) {
		return fmt.Errorf("Could not write key to %s (%d of %d bytes)", filename, n, len(key))
	}
	return nil
}
