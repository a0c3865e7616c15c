package faker

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/cloudflare/circl/sign/ed448"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// PublicKey is a public key together with its family and SubjectPublicKeyInfo.
type PublicKey struct {
	Family KeyFamily
	// Key is *rsa.PublicKey, *ecdsa.PublicKey, ed25519.PublicKey or
	// ed448.PublicKey; nil for families crypto/x509 cannot parse.
	Key crypto.PublicKey
	// Raw is the DER encoded SubjectPublicKeyInfo.
	Raw []byte
}

// Bits returns the key strength in bits, or 0 when unknown.
func (k PublicKey) Bits() int {
	switch pub := k.Key.(type) {
	case *rsa.PublicKey:
		return pub.N.BitLen()
	case *ecdsa.PublicKey:
		return pub.Curve.Params().BitSize
	case ed25519.PublicKey:
		return 256
	case ed448.PublicKey:
		return 448
	}
	return 0
}

// SignatureAlgorithm identifies the algorithm that signed a certificate.
type SignatureAlgorithm struct {
	OID asn1.ObjectIdentifier
	// X509 is the crypto/x509 view of OID; UnknownSignatureAlgorithm for
	// algorithms the standard library does not know (e.g. Ed448).
	X509 x509.SignatureAlgorithm
	// Raw is the DER encoded AlgorithmIdentifier, parameters included.
	Raw []byte
}

// Name returns a readable algorithm name.
func (a SignatureAlgorithm) Name() string {
	if a.X509 != x509.UnknownSignatureAlgorithm {
		return a.X509.String()
	}
	if a.OID.Equal(oidSignatureEd448) {
		return "Ed448"
	}
	return a.OID.String()
}

// SourceCertificate is a read-only view over a decoded input certificate.
type SourceCertificate struct {
	cert        *x509.Certificate
	publicKey   PublicKey
	sigAlg      SignatureAlgorithm
	rawValidity []byte
	extensions  [][]byte
}

// Load decodes a certificate given as DER, base64 text or PEM.
func Load(encoded []byte) (*SourceCertificate, error) {
	der, err := decodeInput(encoded)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	return FromX509(cert)
}

// LoadString decodes a base64 or PEM encoded certificate.
func LoadString(encoded string) (*SourceCertificate, error) {
	return Load([]byte(encoded))
}

// FromX509 wraps an already parsed certificate, e.g. a TLS peer certificate.
func FromX509(cert *x509.Certificate) (*SourceCertificate, error) {
	if cert == nil || len(cert.RawTBSCertificate) == 0 {
		return nil, &DecodeError{Err: errors.New("empty certificate")}
	}
	parts, err := splitTBS(cert.RawTBSCertificate)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	pub, err := parsePublicKey(cert)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	var oid asn1.ObjectIdentifier
	alg := cryptobyte.String(parts.sigAlg)
	var algSeq cryptobyte.String
	if !alg.ReadASN1(&algSeq, cbasn1.SEQUENCE) || !algSeq.ReadASN1ObjectIdentifier(&oid) {
		return nil, &DecodeError{Err: errors.New("malformed signature algorithm identifier")}
	}
	return &SourceCertificate{
		cert:      cert,
		publicKey: pub,
		sigAlg: SignatureAlgorithm{
			OID:  oid,
			X509: cert.SignatureAlgorithm,
			Raw:  parts.sigAlg,
		},
		rawValidity: parts.validity,
		extensions:  parts.extensions,
	}, nil
}

func (s *SourceCertificate) Subject() string { return s.cert.Subject.String() }
func (s *SourceCertificate) Issuer() string { return s.cert.Issuer.String() }
func (s *SourceCertificate) RawSubject() []byte { return bytes.Clone(s.cert.RawSubject) }
func (s *SourceCertificate) RawIssuer() []byte { return bytes.Clone(s.cert.RawIssuer) }
func (s *SourceCertificate) RawValidity() []byte { return bytes.Clone(s.rawValidity) }
func (s *SourceCertificate) NotBefore() time.Time { return s.cert.NotBefore }
func (s *SourceCertificate) NotAfter() time.Time { return s.cert.NotAfter }
func (s *SourceCertificate) Version() int { return s.cert.Version }
func (s *SourceCertificate) PublicKey() PublicKey { return s.publicKey }
func (s *SourceCertificate) Raw() []byte { return bytes.Clone(s.cert.Raw) }

func (s *SourceCertificate) SignatureAlgorithm() SignatureAlgorithm { return s.sigAlg }

// SerialNumber returns a copy of the original serial number.
func (s *SourceCertificate) SerialNumber() *big.Int {
	return new(big.Int).Set(s.cert.SerialNumber)
}

// Certificate returns the parsed certificate. Callers must not modify it.
func (s *SourceCertificate) Certificate() *x509.Certificate { return s.cert }

type tbsParts struct {
	sigAlg     []byte
	validity   []byte
	extensions [][]byte
}

// splitTBS extracts the raw elements the builder copies verbatim.
func splitTBS(raw []byte) (*tbsParts, error) {
	input := cryptobyte.String(raw)
	var tbs cryptobyte.String
	if !input.ReadASN1(&tbs, cbasn1.SEQUENCE) {
		return nil, errors.New("malformed tbs certificate")
	}
	if !tbs.SkipOptionalASN1(cbasn1.Tag(0).Constructed().ContextSpecific()) {
		return nil, errors.New("malformed version")
	}
	if !tbs.SkipASN1(cbasn1.INTEGER) {
		return nil, errors.New("malformed serial number")
	}
	parts := &tbsParts{}
	var sigAlg, validity cryptobyte.String
	if !tbs.ReadASN1Element(&sigAlg, cbasn1.SEQUENCE) {
		return nil, errors.New("malformed signature algorithm identifier")
	}
	if !tbs.SkipASN1(cbasn1.SEQUENCE) {
		return nil, errors.New("malformed issuer")
	}
	if !tbs.ReadASN1Element(&validity, cbasn1.SEQUENCE) {
		return nil, errors.New("malformed validity")
	}
	if !tbs.SkipASN1(cbasn1.SEQUENCE) {
		return nil, errors.New("malformed subject")
	}
	if !tbs.SkipASN1(cbasn1.SEQUENCE) {
		return nil, errors.New("malformed subject public key info")
	}
	if !tbs.SkipOptionalASN1(cbasn1.Tag(1).ContextSpecific()) ||
		!tbs.SkipOptionalASN1(cbasn1.Tag(2).ContextSpecific()) {
		return nil, errors.New("malformed unique id")
	}
	parts.sigAlg = bytes.Clone(sigAlg)
	parts.validity = bytes.Clone(validity)

	var extBlock cryptobyte.String
	var present bool
	if !tbs.ReadOptionalASN1(&extBlock, &present, cbasn1.Tag(3).Constructed().ContextSpecific()) {
		return nil, errors.New("malformed extensions")
	}
	if present {
		var exts cryptobyte.String
		if !extBlock.ReadASN1(&exts, cbasn1.SEQUENCE) {
			return nil, errors.New("malformed extensions")
		}
		for !exts.Empty() {
			var ext cryptobyte.String
			if !exts.ReadASN1Element(&ext, cbasn1.SEQUENCE) {
				return nil, errors.New("malformed extension")
			}
			parts.extensions = append(parts.extensions, bytes.Clone(ext))
		}
	}
	return parts, nil
}

func parsePublicKey(cert *x509.Certificate) (PublicKey, error) {
	spki := cryptobyte.String(cert.RawSubjectPublicKeyInfo)
	var seq, algSeq cryptobyte.String
	var oid asn1.ObjectIdentifier
	if !spki.ReadASN1(&seq, cbasn1.SEQUENCE) ||
		!seq.ReadASN1(&algSeq, cbasn1.SEQUENCE) ||
		!algSeq.ReadASN1ObjectIdentifier(&oid) {
		return PublicKey{}, errors.New("malformed subject public key info")
	}
	pub := PublicKey{
		Family: familyForOID(oid),
		Key:    cert.PublicKey,
		Raw:    bytes.Clone(cert.RawSubjectPublicKeyInfo),
	}
	if pub.Family == FamilyEd448 {
		var bits asn1.BitString
		if !seq.ReadASN1BitString(&bits) || len(bits.Bytes) != ed448.PublicKeySize {
			return PublicKey{}, errors.New("malformed ed448 public key")
		}
		pub.Key = ed448.PublicKey(bytes.Clone(bits.Bytes))
	}
	return pub, nil
}

// decodeInput turns DER, PEM or base64 input into DER.
func decodeInput(in []byte) ([]byte, error) {
	// DER starts with a SEQUENCE using long-form length; base64 text is ASCII.
	if len(in) > 1 && in[0] == 0x30 && in[1] >= 0x80 {
		return in, nil
	}
	trimmed := bytes.TrimSpace(in)
	if len(trimmed) == 0 {
		return nil, errors.New("empty input")
	}
	if bytes.HasPrefix(trimmed, []byte("-----BEGIN")) {
		block, _ := pem.Decode(trimmed)
		if block == nil {
			return nil, errors.New("invalid pem block")
		}
		if block.Type != "CERTIFICATE" {
			return nil, fmt.Errorf("unexpected pem block %q", block.Type)
		}
		return block.Bytes, nil
	}
	clean := string(bytes.Join(bytes.Fields(trimmed), nil))
	var lastErr error
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding,
	} {
		der, err := enc.DecodeString(clean)
		if err == nil {
			return der, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("base64: %w", lastErr)
}
