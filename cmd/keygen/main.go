// Writes a new CURVE key pair for the zmq transport to two files.
package main

import (
	"flag"
	"fmt"
	"os"

	smgr "github.com/dermesser/sessionrpc/securitymanager"
)

func main() {
	fmt.Println("Generating key pair...")

	var pubfile, privfile string

	flag.StringVar(&pubfile, "pub", "publickey.txt", "File to write public key to.")
	flag.StringVar(&privfile, "priv", "privatekey.txt", "File to write private key to.")

	flag.Parse()

	mgr := smgr.NewServerSecurityManager()
	if mgr == nil {
		fmt.Println("Could not generate key pair; is libzmq built with CURVE support?")
		os.Exit(1)
	}

	if err := mgr.WriteKeys(pubfile, privfile); err != nil {
		fmt.Println(err.Error())
		os.Exit(1)
	}
	fmt.Println("Public key:", mgr.GetPublicKey())
}
