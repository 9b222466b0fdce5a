package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"keelci/internal/credentials"
	"keelci/internal/security"
)

func main() {
	var (
		dir   string
		force bool
	)
	cmd := &cobra.Command{
		Use:          "genkeys",
		Short:        "Generate the ledger signing keys, the credential identity and a webhook secret",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			pubPath := filepath.Join(dir, "ledger.pub")
			privPath := filepath.Join(dir, "ledger.key")
			agePath := filepath.Join(dir, "age.key")

			for _, p := range []string{pubPath, privPath, agePath} {
				if _, err := os.Stat(p); err == nil && !force {
					return fmt.Errorf("%s exists, use --force to replace it", p)
				} else if err != nil && !errors.Is(err, os.ErrNotExist) {
					return err
				}
			}

			pub, priv, err := security.GenerateKeyPair()
			if err != nil {
				return err
			}
			if err := security.SaveKeyPair(pub, priv, pubPath, privPath); err != nil {
				return err
			}
			identity, err := credentials.GenerateIdentity(agePath)
			if err != nil {
				return err
			}
			secret := make([]byte, 32)
			if _, err := rand.Read(secret); err != nil {
				return err
			}

			fmt.Fprintf(out, "ledger public key   %s (%s)\n", pubPath, hex.EncodeToString(pub))
			fmt.Fprintf(out, "ledger private key  %s\n", privPath)
			fmt.Fprintf(out, "credential identity %s (%s)\n", agePath, identity.Recipient())
			fmt.Fprintln(out)
			fmt.Fprintln(out, "webhook secret, set as webhook.secret / KEELCI_WEBHOOK_SECRET:")
			fmt.Fprintln(out, hex.EncodeToString(secret))
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "keys", "output directory")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing keys")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
