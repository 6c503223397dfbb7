package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/TheusHen/cipherwall/cipherwall/config"
)

var (
	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	// Set during PersistentPreRun
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "cipherwall",
	Short: "CipherWall: a minimal pre-shared-key VPN",
	Long: `CipherWall tunnels IP packets between two endpoints that share a 32-byte secret.
Every packet is encrypted with AES-256-CFB and authenticated with HMAC-SHA256
under keys derived from the secret with PBKDF2.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		if logFormat != "" {
			cfg.Log.Format = logFormat
		}
		return setupLogging(cfg.Log)
	},
}

func setupLogging(l config.Log) error {
	level, err := logrus.ParseLevel(l.Level)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	switch l.Format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("unknown log format %q", l.Format)
	}
	return nil
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (default \"info\")")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: text, json (default \"text\")")
}
