// Command hashpassword prints a bcrypt hash for the OPERATOR_PASSWORD_HASH
// env var. Run it once per operator credential rotation; the resulting hash
// is never generated in-process, only verified.
package main

import (
	"fmt"
	"os"

	"github.com/aviatra-labs/voicebridge/pkg/auth"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <password>\n", os.Args[0])
		os.Exit(1)
	}

	hash, err := auth.HashPassword(os.Args[1])
	if err != nil {
		fmt.Printf("❌ failed to hash password: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✅ set this as OPERATOR_PASSWORD_HASH:\n%s\n", hash)
}
