package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TheusHen/cipherwall/cipherwall"
	"github.com/TheusHen/cipherwall/cipherwall/config"
)

const defaultTestPayload = "Hello CipherWall VPN Server!"

var sendPeer string

var sendCmd = &cobra.Command{
	Use:   "send [payload]",
	Short: "Send one protected test datagram to a server",
	Long: `Send encrypts and authenticates a single payload exactly like a tunneled packet
and sends it to the server. A server with the same secret logs it as received;
one with a different secret drops it as unauthenticated.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg.Mode = config.ModeClient
		if sendPeer != "" {
			cfg.Peer = sendPeer
		}
		payload := defaultTestPayload
		if len(args) == 1 {
			payload = args[0]
		}

		ep, err := cipherwall.NewEndpoint(cfg)
		if err != nil {
			return err
		}
		if err := ep.Send(cmd.Context(), []byte(payload)); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sent %d byte payload to %s (key %s).\n", len(payload), cfg.Peer, ep.Fingerprint())
		return nil
	},
}

func init() {
	sendCmd.Flags().StringVar(&sendPeer, "peer", "", "server address host:port")
	rootCmd.AddCommand(sendCmd)
}
