package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(kekCmd)
}

// kekCmd generates fresh key encryption key material for the local provider.
// The output goes straight into the kek section of conf.yaml.
var kekCmd = &cobra.Command{
	Use:   "kek",
	Short: "Generate local KEK material",
	Long:  "Generate a random secret and salt for the local argon2 key encryption key provider",
	Run: func(cmd *cobra.Command, args []string) {
		secret := make([]byte, 32)
		_, err := rand.Read(secret)
		check(err)
		salt := make([]byte, 16)
		_, err = rand.Read(salt)
		check(err)

		fmt.Printf("\nkek:\n")
		fmt.Printf("  provider: local\n")
		fmt.Printf("  local:\n")
		fmt.Printf("    secretHex: %s\n", hex.EncodeToString(secret))
		fmt.Printf("    saltHex: %s\n", hex.EncodeToString(salt))
	},
}
