package cmd

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"
)

// cookieKeyNames in the order the server documents them.
var cookieKeyNames = []string{"COOKIE_HASH_KEY", "COOKIE_BLOCK_KEY"}

func randomKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func newKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "Generate operator-session cookie keys",
		Long: `Generates fresh COOKIE_HASH_KEY and COOKIE_BLOCK_KEY values for the
operator session cookies. These protect the web surface only; the per-job
reservation-site credentials live in memory and carry no key material.

The output is eval-able, or each value can be written to a file and the
environment variable pointed at its path.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range cookieKeyNames {
				key, err := randomKey()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "export %s=%s\n", name, key)
			}
			return nil
		},
	}
}
