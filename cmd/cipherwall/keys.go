package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/TheusHen/cipherwall/cipherwall/config"
	"github.com/TheusHen/cipherwall/cipherwall/crypto"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a random shared secret",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := make([]byte, crypto.SecretSize)
		defer crypto.ZeroBytes(secret)
		if _, err := io.ReadFull(crypto.SystemRandom(), secret); err != nil {
			return fmt.Errorf("failed to generate secret: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), config.FormatSecret(secret))
		return nil
	},
}

var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint",
	Short: "Print the fingerprint of the keys derived from the configured secret",
	Long: `Fingerprint derives the keys from the configured secret, salt and iteration
count and prints a short identifier. Both ends of a working tunnel print the same value.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, err := cfg.Secret()
		if err != nil {
			return err
		}
		keys, err := crypto.Derive(secret, cfg.Params())
		crypto.ZeroBytes(secret)
		if err != nil {
			return err
		}
		defer keys.Zero()
		fmt.Fprintln(cmd.OutOrStdout(), keys.Fingerprint())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(fingerprintCmd)
}
