// keygen mints an admin bearer token and prints the fingerprint to store in
// the identities file. The token itself is never written anywhere.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"github.com/jlugo63/gavel/internal/identity"
)

func main() {
	token := flag.String("token", "", "fingerprint an existing token instead of generating one")
	flag.Parse()

	t := *token
	if t == "" {
		raw := make([]byte, 32)
		if _, err := rand.Read(raw); err != nil {
			fmt.Fprintf(os.Stderr, "entropy: %v\n", err)
			os.Exit(1)
		}
		t = hex.EncodeToString(raw)
		fmt.Printf("token:       %s\n", t)
	}
	fmt.Printf("fingerprint: %s\n", identity.Fingerprint(t))
	fmt.Println()
	fmt.Println("Put the fingerprint in the identities file under key_fingerprint")
	fmt.Println("for an actor with role \"admin\" and status \"active\".")
}
