package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
	"golang.org/x/net/netutil"

	"certmimic/internal/auth"
	"certmimic/internal/config"
	"certmimic/internal/egress"
	"certmimic/internal/metrics"
	"certmimic/internal/mitm"
	"certmimic/internal/rules"
)

// Server is an HTTP proxy that answers CONNECT for intercepted hosts with
// an impersonation of the origin's own certificate.
type Server struct {
	srv    *http.Server
	cfg    *config.Config
	log    logrus.FieldLogger
	rules  *rules.Engine
	dialer *egress.Dialer
	store  *mitm.Store
	rp     *httputil.ReverseProxy
	auth   auth.Basic
	stats  *metrics.Aggregator
}

// New builds a Server; a nil dialer is derived from cfg.Upstream.
func New(cfg *config.Config, log logrus.FieldLogger, dialer *egress.Dialer) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dialer == nil {
		dialer = egress.New(cfg.Upstream, log)
	}
	agg := metrics.NewAggregator()
	store := mitm.NewStore(dialer, cfg.Faker.CacheTTL, log, agg, cfg.Faker.Options()...)

	rp := &httputil.ReverseProxy{
		Director: func(r *http.Request) {
			if r.URL.Scheme == "" {
				r.URL.Scheme = "https"
			}
			r.Host = r.URL.Host
			r.Header.Del("Proxy-Connection")
			r.Header.Del("Proxy-Authorization")
		},
		Transport:     &metrics.Transport{Base: dialer.Transport(), Agg: agg},
		FlushInterval: 50 * time.Millisecond,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.WithError(err).WithField("host", r.URL.Host).Warn("upstream request failed")
			w.WriteHeader(http.StatusBadGateway)
		},
	}

	s := &Server{
		cfg:    cfg,
		log:    log,
		rules:  rules.New(cfg.Mode, cfg.InterceptList, cfg.BypassList),
		dialer: dialer,
		store:  store,
		rp:     rp,
		auth: auth.Basic{
			Enabled:  cfg.Security.BasicAuth.Enabled,
			Username: cfg.Security.BasicAuth.Username,
			Password: cfg.Security.BasicAuth.Password,
		},
		stats: agg,
	}
	s.srv = &http.Server{
		Addr:           cfg.Listen,
		Handler:        http.HandlerFunc(s.handle),
		ReadTimeout:    cfg.Limits.ReadTimeout,
		WriteTimeout:   cfg.Limits.WriteTimeout,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return s, nil
}

func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts proxy clients on ln, capped at Limits.MaxConns.
func (s *Server) Serve(ln net.Listener) error {
	if s.cfg.Limits.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.cfg.Limits.MaxConns)
	}
	s.log.Infof("listening on %s", ln.Addr())
	return s.srv.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) Stats() *metrics.Aggregator { return s.stats }

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if !s.auth.Check(r) {
		s.auth.Challenge(w)
		return
	}
	if r.Method == http.MethodConnect {
		s.handleConnect(w, r)
		return
	}
	if r.URL.Host == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	s.rp.ServeHTTP(w, r)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	target := r.Host
	if target == "" {
		target = r.URL.Host
	}
	if target == "" {
		http.Error(w, "bad connect", http.StatusBadRequest)
		return
	}
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, "443")
	}
	if !s.rules.ShouldIntercept(target) {
		s.tunnel(w, r, target)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.upstreamTimeout())
	crt, err := s.store.Certificate(ctx, target)
	cancel()
	if err != nil {
		s.log.WithError(err).WithField("target", target).Info("falling back to tunnel")
		s.tunnel(w, r, target)
		return
	}
	s.mitm(w, target, crt)
}

func (s *Server) upstreamTimeout() time.Duration {
	if s.cfg.Upstream.DialTimeout > 0 {
		return 2 * s.cfg.Upstream.DialTimeout
	}
	return 20 * time.Second
}

func (s *Server) tunnel(w http.ResponseWriter, r *http.Request, target string) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "not supported", http.StatusInternalServerError)
		return
	}
	d := net.Dialer{Timeout: s.upstreamTimeout()}
	serverConn, err := d.DialContext(r.Context(), "tcp", target)
	if err != nil {
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
		return
	}
	defer serverConn.Close()
	clientConn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	defer clientConn.Close()
	_ = clientConn.SetDeadline(time.Time{})
	_, _ = io.WriteString(clientConn, "HTTP/1.1 200 Connection Established\r\n\r\n")

	start := time.Now()
	var up, down int64
	done := make(chan struct{}, 2)
	go func() {
		up, _ = io.Copy(serverConn, clientConn)
		done <- struct{}{}
	}()
	go func() {
		down, _ = io.Copy(clientConn, serverConn)
		done <- struct{}{}
	}()
	<-done
	// unblock the other direction
	_ = serverConn.Close()
	_ = clientConn.Close()
	<-done

	host, _, _ := net.SplitHostPort(target)
	s.stats.Add(metrics.RequestEvent{
		Ts:       time.Now().UTC(),
		Host:     host,
		Method:   http.MethodConnect,
		Path:     "/",
		Code:     http.StatusOK,
		Ms:       time.Since(start).Milliseconds(),
		BytesIn:  down,
		BytesOut: up,
	})
}

func (s *Server) mitm(w http.ResponseWriter, target string, crt *tls.Certificate) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "not supported", http.StatusInternalServerError)
		return
	}
	clientConn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	// the proxy server's read/write timeouts must not cut the intercepted session
	_ = clientConn.SetDeadline(time.Time{})
	_, _ = io.WriteString(clientConn, "HTTP/1.1 200 Connection Established\r\n\r\n")

	tlsConn := tls.Server(clientConn, &tls.Config{
		Certificates: []tls.Certificate{*crt},
		NextProtos:   []string{"h2", "http/1.1"},
	})
	go func() {
		httpSrv := &http.Server{
			Handler:     s.mitmHandler(target),
			IdleTimeout: 120 * time.Second,
		}
		_ = http2.ConfigureServer(httpSrv, &http2.Server{})
		_ = httpSrv.Serve(&singleUseListener{Conn: tlsConn})
	}()
}

func (s *Server) mitmHandler(target string) http.Handler {
	host := target
	if h, port, err := net.SplitHostPort(target); err == nil && port == "443" {
		host = h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.URL.Scheme = "https"
		r.URL.Host = host
		s.rp.ServeHTTP(w, r)
	})
}

var errListenerDone = errors.New("listener done")

type singleUseListener struct{ Conn net.Conn }

func (l *singleUseListener) Accept() (net.Conn, error) {
	if l.Conn == nil {
		return nil, errListenerDone
	}
	c := l.Conn
	l.Conn = nil
	return c, nil
}
func (l *singleUseListener) Close() error   { return nil }
func (l *singleUseListener) Addr() net.Addr { return dummyAddr("mitm") }

type dummyAddr string

func (d dummyAddr) Network() string { return string(d) }
func (d dummyAddr) String() string  { return string(d) }
