// Command keygen prints a freshly generated TENANT_SECRET_KEYS entry for
// copy-paste into .env.local. TokenCodec signs per-tenant with an HMAC
// secret sealed at rest by internal/crypto.Sealer, so provisioning a new
// deployment or rotating a key is a matter of minting a new 32-byte AES key.
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/lavente-sso/identity-server/internal/crypto"
)

func main() {
	version := flag.Int("version", 1, "key version to mint this key under")
	flag.Parse()

	key, err := crypto.GenerateKey()
	if err != nil {
		log.Fatalf("keygen: %v", err)
	}

	fmt.Printf("TENANT_SECRET_KEYS=\"%d:%s\"\n", *version, key)
	fmt.Printf("TENANT_SECRET_ACTIVE_VERSION=%d\n", *version)
}
