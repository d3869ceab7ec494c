package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func check(e error) {
	if e != nil {
		fmt.Printf("%v\n", e.Error())
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "parley-e2ee",
	Short:   "Parley E2EE is the end to end encryption engine behind the Parley chat platform",
	Long:    `Parley E2EE is the end to end encryption engine behind the Parley chat platform. It manages encryption keys, establishes pairwise sessions and encrypts messages and attachments so the server never sees plaintext.`,
	Version: "0.1.0",
	Run: func(cmd *cobra.Command, args []string) {
		// empty
	},
}

func main() {
	Execute()
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		panic(err)
	}
}
