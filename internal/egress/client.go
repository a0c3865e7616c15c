package egress

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/fumiama/terasu"
	trsdns "github.com/fumiama/terasu/dns"
	"github.com/sirupsen/logrus"

	"certmimic/internal/config"
)

// Dialer opens TLS connections to origin servers.
type Dialer struct {
	// Handshake is "terasu" or "standard".
	Handshake string
	// DNS is "terasu" or "system".
	DNS                string
	InsecureSkipVerify bool
	Timeout            time.Duration
	// RootCAs overrides the system pool when set.
	RootCAs *x509.CertPool
	Log     logrus.FieldLogger
}

func New(cfg config.Upstream, log logrus.FieldLogger) *Dialer {
	return &Dialer{
		Handshake:          cfg.Handshake,
		DNS:                cfg.DNS,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		Timeout:            cfg.DialTimeout,
		Log:                log,
	}
}

func (d *Dialer) timeout() time.Duration {
	if d.Timeout <= 0 {
		return 10 * time.Second
	}
	return d.Timeout
}

func (d *Dialer) lookup(ctx context.Context, host string) ([]string, error) {
	if net.ParseIP(host) != nil {
		return []string{host}, nil
	}
	if d.DNS == "terasu" {
		return trsdns.LookupHost(ctx, host)
	}
	return net.DefaultResolver.LookupHost(ctx, host)
}

func (d *Dialer) tlsConfig(host string, protos []string) *tls.Config {
	return &tls.Config{
		ServerName:         host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: d.InsecureSkipVerify,
		RootCAs:            d.RootCAs,
		NextProtos:         protos,
	}
}

func (d *Dialer) handshake(ctx context.Context, network, addr, host string, protos []string, useTerasu bool) (*tls.Conn, error) {
	nd := net.Dialer{Timeout: d.timeout()}
	conn, err := nd.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	tlsConn := tls.Client(conn, d.tlsConfig(host, protos))
	hctx, cancel := context.WithTimeout(ctx, d.timeout())
	defer cancel()
	if useTerasu && terasu.DefaultFirstFragmentLen > 0 {
		err = terasu.Use(tlsConn).HandshakeContext(hctx, terasu.DefaultFirstFragmentLen)
	} else {
		err = tlsConn.HandshakeContext(hctx)
	}
	if err != nil {
		_ = tlsConn.Close()
		return nil, err
	}
	return tlsConn, nil
}

func (d *Dialer) dial(ctx context.Context, network, addr string, protos []string) (*tls.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	addrs, err := d.lookup(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("lookup %s: no addresses", host)
	}
	var errs []error
	for _, a := range addrs {
		target := net.JoinHostPort(a, port)
		if d.Handshake == "terasu" {
			tlsConn, err := d.handshake(ctx, network, target, host, protos, true)
			if err == nil {
				return tlsConn, nil
			}
			if d.Log != nil {
				d.Log.WithError(err).WithField("addr", target).Debug("terasu handshake failed, retrying with standard handshake")
			}
		}
		tlsConn, err := d.handshake(ctx, network, target, host, protos, false)
		if err == nil {
			return tlsConn, nil
		}
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}

// DialTLS connects to addr (host:port) and completes a TLS handshake.
func (d *Dialer) DialTLS(ctx context.Context, network, addr string) (*tls.Conn, error) {
	return d.dial(ctx, network, addr, nil)
}

// PeerCertificates returns the chain presented by addr, leaf first.
func (d *Dialer) PeerCertificates(ctx context.Context, addr string) ([]*x509.Certificate, error) {
	conn, err := d.DialTLS(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	certs := conn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return nil, fmt.Errorf("%s presented no certificate", addr)
	}
	return certs, nil
}

// Transport returns a RoundTripper whose TLS dials go through d.
func (d *Dialer) Transport() *http.Transport {
	return &http.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return d.dial(ctx, network, addr, []string{"h2", "http/1.1"})
		},
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   d.timeout(),
		ExpectContinueTimeout: 1 * time.Second,
	}
}
