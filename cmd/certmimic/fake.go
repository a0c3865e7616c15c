package main

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"certmimic/internal/faker"
)

// outputFlags are shared by fake and fetch.
type outputFlags struct {
	format   string
	outCert  string
	outKey   string
	families []string
	serial   int
	copyExts bool
}

func (o *outputFlags) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&o.format, "format", "pem", "output encoding: pem, der or base64")
	f.StringVar(&o.outCert, "out-cert", "", "write the faked certificate here instead of stdout")
	f.StringVar(&o.outKey, "out-key", "", "write the private key (PKCS#8) here")
	f.StringSliceVar(&o.families, "key-families", nil, "key families to allow (rsa, ecdsa, ed25519, ed448); overrides config")
	f.IntVar(&o.serial, "serial-bits", 0, "serial number size in bits; overrides config")
	f.BoolVar(&o.copyExts, "copy-extensions", false, "copy the source extensions; overrides config")
}

func (o *outputFlags) fakerOptions(cmd *cobra.Command, g *globals) ([]faker.Option, error) {
	fc := g.cfg.Faker
	if cmd.Flags().Changed("key-families") {
		fc.KeyFamilies = o.families
	}
	if cmd.Flags().Changed("serial-bits") {
		fc.SerialBits = o.serial
	}
	if cmd.Flags().Changed("copy-extensions") {
		fc.CopyExtensions = o.copyExts
	}
	for _, s := range fc.KeyFamilies {
		if _, ok := faker.ParseKeyFamily(strings.ToLower(strings.TrimSpace(s))); !ok {
			return nil, fmt.Errorf("unknown key family %q", s)
		}
	}
	return append(fc.Options(), faker.WithLogger(g.log)), nil
}

func (o *outputFlags) encode(faked *faker.FakedCertificate) (cert, key []byte, err error) {
	kp := faked.KeyPair()
	switch o.format {
	case "pem":
		key, err = kp.PrivateKeyPEM()
		return faked.PEM(), key, err
	case "der":
		key, err = kp.PrivateKeyPKCS8()
		return faked.DER(), key, err
	case "base64":
		der, err := kp.PrivateKeyPKCS8()
		if err != nil {
			return nil, nil, err
		}
		key = []byte(base64.StdEncoding.EncodeToString(der) + "\n")
		return []byte(faked.Base64() + "\n"), key, nil
	default:
		return nil, nil, fmt.Errorf("unknown format %q (want pem, der or base64)", o.format)
	}
}

func (o *outputFlags) validate() error {
	switch o.format {
	case "pem", "der", "base64":
		return nil
	}
	return fmt.Errorf("unknown format %q (want pem, der or base64)", o.format)
}

// write sends the certificate to --out-cert or stdout and the key to
// --out-key. Without --out-key, PEM keys follow the certificate on stdout.
func (o *outputFlags) write(cmd *cobra.Command, g *globals, faked *faker.FakedCertificate) error {
	cert, key, err := o.encode(faked)
	if err != nil {
		return err
	}
	if o.outCert != "" {
		if err := os.WriteFile(o.outCert, cert, 0o644); err != nil {
			return fmt.Errorf("write certificate: %w", err)
		}
	} else if _, err := cmd.OutOrStdout().Write(cert); err != nil {
		return err
	}
	switch {
	case o.outKey != "":
		if err := os.WriteFile(o.outKey, key, 0o600); err != nil {
			return fmt.Errorf("write key: %w", err)
		}
	case o.format == "pem" && o.outCert == "":
		if _, err := cmd.OutOrStdout().Write(key); err != nil {
			return err
		}
	default:
		g.log.Warn("private key not written, pass --out-key to keep it")
	}
	g.log.WithField("subject", faked.Source().Subject()).
		WithField("serial", faked.SerialNumber().Text(16)).
		Info("certificate faked")
	return nil
}

func newFakeCmd(g *globals) *cobra.Command {
	out := &outputFlags{}
	cmd := &cobra.Command{
		Use:   "fake [file|-]",
		Short: "Fake a certificate read from a file or stdin",
		Long: `Fake a certificate given as DER, PEM or base64. With no file, or "-",
the certificate is read from stdin.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := out.validate(); err != nil {
				return err
			}
			var (
				data []byte
				err  error
			)
			if len(args) == 0 || args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("read certificate: %w", err)
			}
			opts, err := out.fakerOptions(cmd, g)
			if err != nil {
				return err
			}
			faked, err := faker.Fake(data, opts...)
			if err != nil {
				return err
			}
			return out.write(cmd, g, faked)
		},
	}
	out.register(cmd)
	return cmd
}
