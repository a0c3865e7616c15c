package faker

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"

	"github.com/cloudflare/circl/sign/ed448"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// KeySpec is the algorithm and strength a replacement key must match.
type KeySpec struct {
	Family KeyFamily
	Bits   int
	// Curve is set for ECDSA only.
	Curve elliptic.Curve
}

func (s KeySpec) String() string {
	if s.Curve != nil {
		return fmt.Sprintf("%s-%s", s.Family, s.Curve.Params().Name)
	}
	return fmt.Sprintf("%s-%d", s.Family, s.Bits)
}

// KeySizer derives the strength of an original key and generates a fresh key
// of the same family and strength.
type KeySizer interface {
	Family() KeyFamily
	Spec(pub PublicKey) (KeySpec, error)
	Generate(spec KeySpec, random io.Reader) (*KeyPair, error)
}

type rsaSizer struct{}

func (rsaSizer) Family() KeyFamily { return FamilyRSA }

func (rsaSizer) Spec(pub PublicKey) (KeySpec, error) {
	k, ok := pub.Key.(*rsa.PublicKey)
	if !ok {
		return KeySpec{}, &UnsupportedAlgorithmError{Algorithm: string(pub.Family), Reason: fmt.Sprintf("unexpected key type %T", pub.Key)}
	}
	return KeySpec{Family: FamilyRSA, Bits: k.N.BitLen()}, nil
}

func (rsaSizer) Generate(spec KeySpec, random io.Reader) (*KeyPair, error) {
	key, err := rsa.GenerateKey(random, spec.Bits)
	if err != nil {
		return nil, &KeyGenerationError{Family: FamilyRSA, Bits: spec.Bits, Err: err}
	}
	if got := key.N.BitLen(); got != spec.Bits {
		return nil, &KeyGenerationError{Family: FamilyRSA, Bits: spec.Bits, Err: fmt.Errorf("modulus has %d bits", got)}
	}
	return &KeyPair{family: FamilyRSA, bits: spec.Bits, signer: key}, nil
}

type ecdsaSizer struct{}

func (ecdsaSizer) Family() KeyFamily { return FamilyECDSA }

func (ecdsaSizer) Spec(pub PublicKey) (KeySpec, error) {
	k, ok := pub.Key.(*ecdsa.PublicKey)
	if !ok {
		return KeySpec{}, &UnsupportedAlgorithmError{Algorithm: string(pub.Family), Reason: fmt.Sprintf("unexpected key type %T", pub.Key)}
	}
	switch k.Curve {
	case elliptic.P224(), elliptic.P256(), elliptic.P384(), elliptic.P521():
	default:
		return KeySpec{}, &UnsupportedAlgorithmError{Algorithm: string(FamilyECDSA), Reason: "unnamed curve"}
	}
	return KeySpec{Family: FamilyECDSA, Bits: k.Curve.Params().BitSize, Curve: k.Curve}, nil
}

func (ecdsaSizer) Generate(spec KeySpec, random io.Reader) (*KeyPair, error) {
	key, err := ecdsa.GenerateKey(spec.Curve, random)
	if err != nil {
		return nil, &KeyGenerationError{Family: FamilyECDSA, Bits: spec.Bits, Err: err}
	}
	return &KeyPair{family: FamilyECDSA, bits: spec.Bits, signer: key}, nil
}

type ed25519Sizer struct{}

func (ed25519Sizer) Family() KeyFamily { return FamilyEd25519 }

func (ed25519Sizer) Spec(PublicKey) (KeySpec, error) {
	return KeySpec{Family: FamilyEd25519, Bits: 256}, nil
}

func (ed25519Sizer) Generate(spec KeySpec, random io.Reader) (*KeyPair, error) {
	_, key, err := ed25519.GenerateKey(random)
	if err != nil {
		return nil, &KeyGenerationError{Family: FamilyEd25519, Bits: spec.Bits, Err: err}
	}
	return &KeyPair{family: FamilyEd25519, bits: spec.Bits, signer: key}, nil
}

type ed448Sizer struct{}

func (ed448Sizer) Family() KeyFamily { return FamilyEd448 }

func (ed448Sizer) Spec(PublicKey) (KeySpec, error) {
	return KeySpec{Family: FamilyEd448, Bits: 448}, nil
}

func (ed448Sizer) Generate(spec KeySpec, random io.Reader) (*KeyPair, error) {
	_, key, err := ed448.GenerateKey(random)
	if err != nil {
		return nil, &KeyGenerationError{Family: FamilyEd448, Bits: spec.Bits, Err: err}
	}
	return &KeyPair{family: FamilyEd448, bits: spec.Bits, signer: key}, nil
}

var sizers = map[KeyFamily]KeySizer{
	FamilyRSA:     rsaSizer{},
	FamilyECDSA:   ecdsaSizer{},
	FamilyEd25519: ed25519Sizer{},
	FamilyEd448:   ed448Sizer{},
}

// DefaultKeyFamilies only sizes RSA keys. Other families must be enabled
// explicitly.
var DefaultKeyFamilies = []KeyFamily{FamilyRSA}

// Generator produces replacement key pairs for the enabled key families.
type Generator struct {
	sizers map[KeyFamily]KeySizer
	random io.Reader
}

// NewGenerator enables the given families; none means DefaultKeyFamilies.
func NewGenerator(random io.Reader, families ...KeyFamily) (*Generator, error) {
	if random == nil {
		random = rand.Reader
	}
	if len(families) == 0 {
		families = DefaultKeyFamilies
	}
	g := &Generator{sizers: make(map[KeyFamily]KeySizer, len(families)), random: random}
	for _, f := range families {
		s, ok := sizers[f]
		if !ok {
			return nil, &UnsupportedAlgorithmError{Algorithm: string(f), Reason: "no key sizer"}
		}
		g.sizers[f] = s
	}
	return g, nil
}

// Spec returns the key spec a replacement for pub must satisfy.
func (g *Generator) Spec(pub PublicKey) (KeySizer, KeySpec, error) {
	s, ok := g.sizers[pub.Family]
	if !ok {
		return nil, KeySpec{}, &UnsupportedAlgorithmError{Algorithm: string(pub.Family), Reason: "key family not enabled"}
	}
	spec, err := s.Spec(pub)
	if err != nil {
		return nil, KeySpec{}, err
	}
	return s, spec, nil
}

// Generate creates a key pair matching the family and strength of pub.
func (g *Generator) Generate(pub PublicKey) (*KeyPair, error) {
	s, spec, err := g.Spec(pub)
	if err != nil {
		return nil, err
	}
	return s.Generate(spec, g.random)
}

// KeyPair is a freshly generated key pair.
type KeyPair struct {
	family KeyFamily
	bits   int
	signer crypto.Signer
}

func (k *KeyPair) Family() KeyFamily { return k.family }
func (k *KeyPair) Bits() int { return k.bits }

// Signer returns the private key.
func (k *KeyPair) Signer() crypto.Signer { return k.signer }

// Public returns the public half of the pair.
func (k *KeyPair) Public() crypto.PublicKey { return k.signer.Public() }

// PublicKeySPKI returns the DER encoded SubjectPublicKeyInfo.
func (k *KeyPair) PublicKeySPKI() ([]byte, error) {
	if pub, ok := k.Public().(ed448.PublicKey); ok {
		b := cryptobyte.NewBuilder(nil)
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddASN1ObjectIdentifier(oidPublicKeyEd448)
			})
			b.AddASN1BitString(pub)
		})
		der, err := b.Bytes()
		if err != nil {
			return nil, &EncodeError{Err: err}
		}
		return der, nil
	}
	der, err := x509.MarshalPKIXPublicKey(k.Public())
	if err != nil {
		return nil, &EncodeError{Err: err}
	}
	return der, nil
}

// PrivateKeyPKCS8 returns the DER encoded PKCS #8 private key.
func (k *KeyPair) PrivateKeyPKCS8() ([]byte, error) {
	if priv, ok := k.signer.(ed448.PrivateKey); ok {
		// RFC 8410 section 7: the key is an OCTET STRING wrapped in the
		// PrivateKeyInfo OCTET STRING.
		b := cryptobyte.NewBuilder(nil)
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1Int64(0)
			b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddASN1ObjectIdentifier(oidPublicKeyEd448)
			})
			b.AddASN1(cbasn1.OCTET_STRING, func(b *cryptobyte.Builder) {
				b.AddASN1OctetString(priv.Seed())
			})
		})
		der, err := b.Bytes()
		if err != nil {
			return nil, &EncodeError{Err: err}
		}
		return der, nil
	}
	der, err := x509.MarshalPKCS8PrivateKey(k.signer)
	if err != nil {
		return nil, &EncodeError{Err: err}
	}
	return der, nil
}

// PublicKeyPEM returns the SubjectPublicKeyInfo as a "PUBLIC KEY" PEM block.
func (k *KeyPair) PublicKeyPEM() ([]byte, error) {
	der, err := k.PublicKeySPKI()
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// PrivateKeyPEM returns the PKCS #8 key as a "PRIVATE KEY" PEM block.
func (k *KeyPair) PrivateKeyPEM() ([]byte, error) {
	der, err := k.PrivateKeyPKCS8()
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// subjectKeyID computes the RFC 5280 section 4.2.1.2 method (1) identifier.
func (k *KeyPair) subjectKeyID() ([]byte, error) {
	spki, err := k.PublicKeySPKI()
	if err != nil {
		return nil, err
	}
	in := cryptobyte.String(spki)
	var seq, bits cryptobyte.String
	if !in.ReadASN1(&seq, cbasn1.SEQUENCE) || !seq.SkipASN1(cbasn1.SEQUENCE) ||
		!seq.ReadASN1(&bits, cbasn1.BIT_STRING) || len(bits) < 1 {
		return nil, &EncodeError{Err: errors.New("malformed subject public key info")}
	}
	// leading octet counts unused bits
	sum := sha1.Sum(bits[1:])
	return sum[:], nil
}
