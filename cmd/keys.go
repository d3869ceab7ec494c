package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/parley-chat/go-parley-e2ee/crypto"
	"github.com/spf13/cobra"
)

var outputFile string
var oneTimePreKeyCount int

func init() {
	keysCmd.Flags().StringVarP(&outputFile, "output", "o", "", "output file (default is stdout)")
	keysCmd.Flags().IntVarP(&oneTimePreKeyCount, "prekeys", "n", 10, "number of one time prekeys to generate")
	rootCmd.AddCommand(keysCmd)
}

// keysCmd generates a complete client key bundle offline: the long term
// X25519 identity pair, the Ed25519 signing pair, a signed prekey and a pool
// of one time prekeys. Private halves never leave the output.
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Generate a client key bundle",
	Long:  "Generate an X25519 identity pair, an Ed25519 signing pair, a signed prekey and one time prekeys for a Parley client",
	Run: func(cmd *cobra.Command, args []string) {
		identityPriv, identityPub, err := crypto.GenerateX25519()
		check(err)
		signingPub, signingPriv, err := ed25519.GenerateKey(rand.Reader)
		check(err)

		spkPriv, spkPub, err := crypto.GenerateX25519()
		check(err)
		spkSignature := ed25519.Sign(signingPriv, spkPub)

		prekeys := make([]map[string]interface{}, 0, oneTimePreKeyCount)
		for i := 0; i < oneTimePreKeyCount; i++ {
			opkPriv, opkPub, opkErr := crypto.GenerateX25519()
			check(opkErr)
			prekeys = append(prekeys, map[string]interface{}{
				"keyId":      uuid.NewString(),
				"publicKey":  base64.StdEncoding.EncodeToString(opkPub),
				"privateKey": base64.StdEncoding.EncodeToString(opkPriv),
			})
		}

		keysJson := map[string]interface{}{
			"type": "parley_client_keys_x25519",
			"identity": map[string]interface{}{
				"publicKey":  base64.StdEncoding.EncodeToString(identityPub),
				"privateKey": base64.StdEncoding.EncodeToString(identityPriv),
			},
			"signing": map[string]interface{}{
				"publicKey":  base64.StdEncoding.EncodeToString(signingPub),
				"privateKey": base64.StdEncoding.EncodeToString(signingPriv),
			},
			"signedPreKey": map[string]interface{}{
				"keyId":      uuid.NewString(),
				"publicKey":  base64.StdEncoding.EncodeToString(spkPub),
				"privateKey": base64.StdEncoding.EncodeToString(spkPriv),
				"signature":  base64.StdEncoding.EncodeToString(spkSignature),
			},
			"oneTimePreKeys": prekeys,
			"created":        time.Now().UnixMilli(),
		}
		fileBytes, err := json.MarshalIndent(keysJson, "", "  ")
		if outputFile != "" {
			// save keys to disk in a file
			// fail if file already exists
			if _, err := os.Stat(outputFile); !errors.Is(err, os.ErrNotExist) {
				fmt.Printf("File already exists: %s\n", outputFile)
				os.Exit(1)
			}
			check(err)
			err = os.WriteFile(outputFile, fileBytes, 0600)
			check(err)
			fmt.Printf("Output file: %s\n", outputFile)
		} else {
			fmt.Printf("\n%s\n", string(fileBytes))
		}
	},
}
