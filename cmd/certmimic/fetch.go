package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"

	"certmimic/internal/egress"
	"certmimic/internal/faker"
)

func newFetchCmd(g *globals) *cobra.Command {
	out := &outputFlags{}
	var insecure bool
	cmd := &cobra.Command{
		Use:   "fetch host[:port]",
		Short: "Fake the certificate a TLS server presents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := out.validate(); err != nil {
				return err
			}
			addr := args[0]
			if _, _, err := net.SplitHostPort(addr); err != nil {
				addr = net.JoinHostPort(addr, "443")
			}
			up := g.cfg.Upstream
			if cmd.Flags().Changed("insecure") {
				up.InsecureSkipVerify = insecure
			}
			if up.DialTimeout <= 0 {
				up.DialTimeout = 10 * time.Second
			}
			dialer := egress.New(up, g.log)
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*up.DialTimeout)
			defer cancel()
			chain, err := dialer.PeerCertificates(ctx, addr)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", addr, err)
			}
			opts, err := out.fakerOptions(cmd, g)
			if err != nil {
				return err
			}
			h, err := faker.NewHandlerFromCertificate(chain[0], opts...)
			if err != nil {
				return err
			}
			faked, err := h.CreateFakedCertificate()
			if err != nil {
				return err
			}
			return out.write(cmd, g, faked)
		},
	}
	out.register(cmd)
	cmd.Flags().BoolVar(&insecure, "insecure", false, "do not verify the server certificate")
	return cmd
}
