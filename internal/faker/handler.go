package faker

import (
	"crypto/rand"
	"crypto/x509"
	"errors"
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// State is the lifecycle position of a Handler.
type State int

const (
	StateInitialized State = iota
	StateFaked
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateFaked:
		return "faked"
	}
	return "unknown"
}

type options struct {
	families       []KeyFamily
	random         io.Reader
	serialBits     int
	copyExtensions bool
	log            logrus.FieldLogger
}

// Option configures a Handler.
type Option func(*options)

// WithKeyFamilies enables key families beyond the RSA default.
func WithKeyFamilies(families ...KeyFamily) Option {
	return func(o *options) { o.families = families }
}

// WithRandom replaces crypto/rand.Reader for key, serial and signature
// randomness.
func WithRandom(r io.Reader) Option {
	return func(o *options) { o.random = r }
}

// WithSerialBits sets the serial number size; values outside
// [MinSerialBits, MaxSerialBits] make CreateFakedCertificate fail.
func WithSerialBits(bits int) Option {
	return func(o *options) { o.serialBits = bits }
}

// WithCopyExtensions copies the source extensions into the faked certificate.
func WithCopyExtensions(enabled bool) Option {
	return func(o *options) { o.copyExtensions = enabled }
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(o *options) { o.log = log }
}

func newOptions(opts []Option) *options {
	o := &options{random: rand.Reader, serialBits: MinSerialBits}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		o.log = l
	}
	return o
}

// Handler fakes one source certificate. It is not safe for concurrent use;
// independent handlers share no state.
type Handler struct {
	source *SourceCertificate
	gen    *Generator
	opts   *options
	state  State
	faked  *FakedCertificate
}

// NewHandler loads an encoded certificate (DER, base64 or PEM).
func NewHandler(encoded []byte, opts ...Option) (*Handler, error) {
	src, err := Load(encoded)
	if err != nil {
		return nil, &HandlerError{Op: "load", Err: err}
	}
	return newHandler(src, opts)
}

// NewHandlerFromCertificate wraps a parsed certificate such as a TLS peer leaf.
func NewHandlerFromCertificate(cert *x509.Certificate, opts ...Option) (*Handler, error) {
	src, err := FromX509(cert)
	if err != nil {
		return nil, &HandlerError{Op: "load", Err: err}
	}
	return newHandler(src, opts)
}

func newHandler(src *SourceCertificate, opts []Option) (*Handler, error) {
	o := newOptions(opts)
	gen, err := NewGenerator(o.random, o.families...)
	if err != nil {
		return nil, &HandlerError{Op: "keygen", Err: err}
	}
	return &Handler{source: src, gen: gen, opts: o, state: StateInitialized}, nil
}

func (h *Handler) Source() *SourceCertificate { return h.source }
func (h *Handler) State() State { return h.state }

// FakedCertificate returns the last result, or nil unless in StateFaked.
func (h *Handler) FakedCertificate() *FakedCertificate { return h.faked }

// CreateFakedCertificate generates a new key pair and serial number, builds
// and signs the faked certificate. Every call produces a new result; on
// failure the handler returns to StateInitialized with no result.
func (h *Handler) CreateFakedCertificate() (*FakedCertificate, error) {
	h.state, h.faked = StateInitialized, nil
	start := time.Now()
	src := h.source
	pub := src.PublicKey()
	log := h.opts.log.WithFields(logrus.Fields{
		"subject": src.Subject(),
		"key":     pub.Family,
		"sig_alg": src.SignatureAlgorithm().Name(),
	})
	log.Debug("faking certificate")

	// family and signature checks run before the expensive key generation
	sizer, spec, err := h.gen.Spec(pub)
	if err != nil {
		return nil, h.fail(log, "keygen", err)
	}
	if _, err := checkCompatible(src.SignatureAlgorithm(), spec.Family); err != nil {
		return nil, h.fail(log, "sign", err)
	}
	kp, err := sizer.Generate(spec, h.opts.random)
	if err != nil {
		return nil, h.fail(log, "keygen", err)
	}
	info, err := Build(src, kp, BuildOptions{
		SerialBits:     h.opts.serialBits,
		CopyExtensions: h.opts.copyExtensions,
		Random:         h.opts.random,
	})
	if err != nil {
		return nil, h.fail(log, "build", err)
	}
	faked, err := sign(info, kp, src.SignatureAlgorithm(), h.opts.random)
	if err != nil {
		op := "sign"
		var encErr *EncodeError
		if errors.As(err, &encErr) {
			op = "encode"
		}
		return nil, h.fail(log, op, err)
	}
	faked.source = src

	h.state, h.faked = StateFaked, faked
	log.WithFields(logrus.Fields{
		"bits":   kp.Bits(),
		"serial": faked.SerialNumber().Text(16),
		"took":   time.Since(start),
	}).Debug("certificate faked")
	return faked, nil
}

func (h *Handler) fail(log logrus.FieldLogger, op string, err error) error {
	log.WithError(err).Debugf("faking failed at %s", op)
	return &HandlerError{Op: op, Err: err}
}

// Fake loads encoded and returns its faked counterpart in one step.
func Fake(encoded []byte, opts ...Option) (*FakedCertificate, error) {
	h, err := NewHandler(encoded, opts...)
	if err != nil {
		return nil, err
	}
	return h.CreateFakedCertificate()
}
