package faker

import (
	"bytes"
	"crypto/rand"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// Serial number sizes Build accepts. RFC 5280 caps serials at 20 octets.
const (
	MinSerialBits = 64
	MaxSerialBits = 159
)

// BuildOptions tune the to-be-signed structure.
type BuildOptions struct {
	// SerialBits sizes the random serial number; zero means MinSerialBits.
	SerialBits int
	// CopyExtensions carries the source extensions over. The subject key
	// identifier is recomputed for the new key.
	CopyExtensions bool
	// Random defaults to crypto/rand.Reader.
	Random io.Reader
}

// FakedCertificateInfo is the to-be-signed structure of a faked certificate.
// Every field except the serial number and the public key is copied from the
// source certificate.
type FakedCertificateInfo struct {
	version    int
	serial     *big.Int
	sigAlg     SignatureAlgorithm
	issuer     []byte
	validity   []byte
	subject    []byte
	spki       []byte
	extensions [][]byte
	raw        []byte
}

func (i *FakedCertificateInfo) Version() int { return i.version }

// SerialNumber returns a copy of the serial number.
func (i *FakedCertificateInfo) SerialNumber() *big.Int { return new(big.Int).Set(i.serial) }

func (i *FakedCertificateInfo) SignatureAlgorithm() SignatureAlgorithm { return i.sigAlg }

// Raw returns the DER encoded TBSCertificate.
func (i *FakedCertificateInfo) Raw() []byte { return bytes.Clone(i.raw) }

// Build assembles the to-be-signed structure for a faked copy of src bound to
// the public half of key.
func Build(src *SourceCertificate, key *KeyPair, opts BuildOptions) (*FakedCertificateInfo, error) {
	bits := opts.SerialBits
	if bits == 0 {
		bits = MinSerialBits
	}
	if bits < MinSerialBits || bits > MaxSerialBits {
		return nil, &SerialNumberSizeError{Bits: bits}
	}
	random := opts.Random
	if random == nil {
		random = rand.Reader
	}
	serial, err := drawSerial(random, bits, src.cert.SerialNumber)
	if err != nil {
		return nil, err
	}
	spki, err := key.PublicKeySPKI()
	if err != nil {
		return nil, err
	}
	info := &FakedCertificateInfo{
		version:  3,
		serial:   serial,
		sigAlg:   src.sigAlg,
		issuer:   src.RawIssuer(),
		validity: src.RawValidity(),
		subject:  src.RawSubject(),
		spki:     spki,
	}
	if opts.CopyExtensions {
		if info.extensions, err = copyExtensions(src.extensions, key); err != nil {
			return nil, err
		}
	}
	if info.raw, err = info.marshal(); err != nil {
		return nil, &EncodeError{Err: err}
	}
	return info, nil
}

// marshal encodes the TBSCertificate (RFC 5280 section 4.1).
func (i *FakedCertificateInfo) marshal() ([]byte, error) {
	b := cryptobyte.NewBuilder(nil)
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		// v1 is the DEFAULT and must be omitted in DER
		if i.version > 1 {
			b.AddASN1(cbasn1.Tag(0).Constructed().ContextSpecific(), func(b *cryptobyte.Builder) {
				b.AddASN1Int64(int64(i.version - 1))
			})
		}
		b.AddASN1BigInt(i.serial)
		b.AddBytes(i.sigAlg.Raw)
		b.AddBytes(i.issuer)
		b.AddBytes(i.validity)
		b.AddBytes(i.subject)
		b.AddBytes(i.spki)
		if len(i.extensions) > 0 {
			b.AddASN1(cbasn1.Tag(3).Constructed().ContextSpecific(), func(b *cryptobyte.Builder) {
				b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
					for _, ext := range i.extensions {
						b.AddBytes(ext)
					}
				})
			})
		}
	})
	return b.Bytes()
}

// drawSerial returns a positive random serial below 2^bits that differs from avoid.
func drawSerial(random io.Reader, bits int, avoid *big.Int) (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), uint(bits))
	for {
		n, err := rand.Int(random, limit)
		if err != nil {
			return nil, fmt.Errorf("draw serial number: %w", err)
		}
		if n.Sign() > 0 && (avoid == nil || n.Cmp(avoid) != 0) {
			return n, nil
		}
	}
}

func copyExtensions(exts [][]byte, key *KeyPair) ([][]byte, error) {
	out := make([][]byte, 0, len(exts))
	for _, ext := range exts {
		oid, err := extensionOID(ext)
		if err != nil {
			return nil, &DecodeError{Err: err}
		}
		if !oid.Equal(oidExtSubjectKeyID) {
			out = append(out, bytes.Clone(ext))
			continue
		}
		ski, err := subjectKeyIDExtension(key)
		if err != nil {
			return nil, err
		}
		out = append(out, ski)
	}
	return out, nil
}

func extensionOID(ext []byte) (asn1.ObjectIdentifier, error) {
	in := cryptobyte.String(ext)
	var seq cryptobyte.String
	var oid asn1.ObjectIdentifier
	if !in.ReadASN1(&seq, cbasn1.SEQUENCE) || !seq.ReadASN1ObjectIdentifier(&oid) {
		return nil, errors.New("malformed extension")
	}
	return oid, nil
}

func subjectKeyIDExtension(key *KeyPair) ([]byte, error) {
	id, err := key.subjectKeyID()
	if err != nil {
		return nil, err
	}
	b := cryptobyte.NewBuilder(nil)
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1ObjectIdentifier(oidExtSubjectKeyID)
		b.AddASN1(cbasn1.OCTET_STRING, func(b *cryptobyte.Builder) {
			b.AddASN1OctetString(id)
		})
	})
	der, err := b.Bytes()
	if err != nil {
		return nil, &EncodeError{Err: err}
	}
	return der, nil
}
