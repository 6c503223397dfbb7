package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/TheusHen/cipherwall/cipherwall"
	"github.com/TheusHen/cipherwall/cipherwall/config"
)

var (
	listenAddr string
	peerAddr   string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the server end of the tunnel",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg.Mode = config.ModeServer
		if listenAddr != "" {
			cfg.Listen = listenAddr
		}
		return runEndpoint(cmd)
	},
}

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Run the client end of the tunnel",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg.Mode = config.ModeClient
		if peerAddr != "" {
			cfg.Peer = peerAddr
		}
		return runEndpoint(cmd)
	},
}

func runEndpoint(cmd *cobra.Command) error {
	ep, err := cipherwall.NewEndpoint(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = ep.Run(ctx)
	s := ep.Stats()
	logrus.WithFields(logrus.Fields{
		"packets_sent":     s.PacketsSent,
		"packets_received": s.PacketsReceived,
		"dropped":          s.Malformed + s.Unauthenticated + s.Corrupt,
	}).Info("shutting down")
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("tunnel failed: %w", err)
	}
	return nil
}

func init() {
	serverCmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (default \""+config.DefaultListen+"\")")
	clientCmd.Flags().StringVar(&peerAddr, "peer", "", "server address host:port")
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(clientCmd)
}
