package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"certmimic/internal/config"
	"certmimic/internal/logging"
)

// globals holds what PersistentPreRunE resolves for every subcommand.
type globals struct {
	configPath string
	logLevel   string
	logFormat  string

	cfg *config.Config
	log *logrus.Logger
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "certmimic",
		Short: "Fake X.509 certificates that look like the original",
		Long: `certmimic copies subject, issuer, validity and signature algorithm of a
certificate onto a freshly generated key pair and a new random serial number,
then self-signs the result.

Examples:
  # Fake a certificate file, writing certificate and key as PEM to stdout
  certmimic fake server.crt

  # Fake the certificate currently served by a host
  certmimic fetch example.com:443 --out-cert fake.crt --out-key fake.key

  # Run the intercepting proxy
  certmimic serve --config certmimic.yaml`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(g.configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Logging.Level = g.logLevel
			}
			if cmd.Flags().Changed("log-format") {
				cfg.Logging.Format = g.logFormat
			}
			g.cfg = cfg
			g.log = logging.New(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Format)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "path to YAML config file")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&g.logFormat, "log-format", "text", "log format (text or json)")

	root.AddCommand(newFakeCmd(g))
	root.AddCommand(newFetchCmd(g))
	root.AddCommand(newServeCmd(g))
	return root
}
