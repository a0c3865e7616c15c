package mitm

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/FloatTech/ttl"
	"github.com/sirupsen/logrus"

	"certmimic/internal/faker"
	"certmimic/internal/metrics"
)

// Fetcher returns the certificate chain an origin presents, leaf first.
type Fetcher interface {
	PeerCertificates(ctx context.Context, addr string) ([]*x509.Certificate, error)
}

// Store impersonates origin leaf certificates and caches the results by
// the fingerprint of the origin leaf, so a rotated origin cert is faked anew.
type Store struct {
	fetch Fetcher
	opts  []faker.Option
	log   logrus.FieldLogger
	stats *metrics.Aggregator

	cache *ttl.Cache[string, *tls.Certificate]

	mu       sync.Mutex
	inflight map[string]*call
}

type call struct {
	done chan struct{}
	crt  *tls.Certificate
	err  error
}

func NewStore(fetch Fetcher, cacheTTL time.Duration, log logrus.FieldLogger, stats *metrics.Aggregator, opts ...faker.Option) *Store {
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Store{
		fetch:    fetch,
		opts:     append([]faker.Option{faker.WithLogger(log)}, opts...),
		log:      log,
		stats:    stats,
		cache:    ttl.NewCache[string, *tls.Certificate](cacheTTL),
		inflight: make(map[string]*call),
	}
}

// Fingerprint is the hex SHA-256 of a DER certificate.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// Certificate fetches the leaf served at target (host:port) and returns a
// faked counterpart ready for tls.Config.
func (s *Store) Certificate(ctx context.Context, target string) (*tls.Certificate, error) {
	host, _, err := net.SplitHostPort(target)
	if err != nil {
		host = target
	}
	chain, err := s.fetch.PeerCertificates(ctx, target)
	if err != nil {
		err = fmt.Errorf("fetch %s: %w", target, err)
		s.record(host, nil, nil, false, 0, err)
		return nil, err
	}
	return s.Fake(host, chain[0])
}

// Fake returns the cached impersonation of leaf, creating it if needed.
// Concurrent calls for the same leaf share one key generation; the callers
// that waited on it are recorded as cache hits.
func (s *Store) Fake(host string, leaf *x509.Certificate) (*tls.Certificate, error) {
	key := Fingerprint(leaf.Raw)
	if crt := s.cache.Get(key); crt != nil {
		s.record(host, leaf, crt, true, 0, nil)
		return crt, nil
	}

	s.mu.Lock()
	if c, ok := s.inflight[key]; ok {
		s.mu.Unlock()
		<-c.done
		if c.err == nil {
			s.record(host, leaf, c.crt, true, 0, nil)
		}
		return c.crt, c.err
	}
	c := &call{done: make(chan struct{})}
	s.inflight[key] = c
	s.mu.Unlock()

	start := time.Now()
	c.crt, c.err = s.create(leaf)
	if c.err == nil {
		s.cache.Set(key, c.crt)
	}
	s.record(host, leaf, c.crt, false, time.Since(start), c.err)

	s.mu.Lock()
	delete(s.inflight, key)
	s.mu.Unlock()
	close(c.done)
	return c.crt, c.err
}

func (s *Store) create(leaf *x509.Certificate) (*tls.Certificate, error) {
	h, err := faker.NewHandlerFromCertificate(leaf, s.opts...)
	if err != nil {
		return nil, err
	}
	faked, err := h.CreateFakedCertificate()
	if err != nil {
		return nil, err
	}
	crt := faked.TLSCertificate()
	return &crt, nil
}

func (s *Store) record(host string, leaf *x509.Certificate, crt *tls.Certificate, cached bool, took time.Duration, err error) {
	ev := metrics.FakeEvent{
		Ts:     time.Now().UTC(),
		Host:   host,
		Cached: cached,
		Ms:     took.Milliseconds(),
	}
	if leaf != nil {
		ev.Subject = leaf.Subject.String()
		ev.Key = leaf.PublicKeyAlgorithm.String()
	}
	fields := logrus.Fields{"host": host, "subject": ev.Subject, "cached": cached}
	if err != nil {
		ev.Err = err.Error()
		s.log.WithFields(fields).WithError(err).Warn("cannot fake origin certificate")
	} else {
		if crt.Leaf != nil {
			ev.Serial = crt.Leaf.SerialNumber.Text(16)
		}
		s.log.WithFields(fields).Debug("serving faked certificate")
	}
	if s.stats != nil {
		s.stats.AddFake(ev)
	}
}
