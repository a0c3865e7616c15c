package faker

import (
	"bytes"
	"crypto"
	_ "crypto/md5"
	"crypto/rand"
	"crypto/rsa"
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

type signatureScheme struct {
	family KeyFamily
	hash   crypto.Hash
	pss    bool
}

var signatureSchemes = map[x509.SignatureAlgorithm]signatureScheme{
	x509.MD5WithRSA:       {family: FamilyRSA, hash: crypto.MD5},
	x509.SHA1WithRSA:      {family: FamilyRSA, hash: crypto.SHA1},
	x509.SHA256WithRSA:    {family: FamilyRSA, hash: crypto.SHA256},
	x509.SHA384WithRSA:    {family: FamilyRSA, hash: crypto.SHA384},
	x509.SHA512WithRSA:    {family: FamilyRSA, hash: crypto.SHA512},
	x509.SHA256WithRSAPSS: {family: FamilyRSA, hash: crypto.SHA256, pss: true},
	x509.SHA384WithRSAPSS: {family: FamilyRSA, hash: crypto.SHA384, pss: true},
	x509.SHA512WithRSAPSS: {family: FamilyRSA, hash: crypto.SHA512, pss: true},
	x509.ECDSAWithSHA1:    {family: FamilyECDSA, hash: crypto.SHA1},
	x509.ECDSAWithSHA256:  {family: FamilyECDSA, hash: crypto.SHA256},
	x509.ECDSAWithSHA384:  {family: FamilyECDSA, hash: crypto.SHA384},
	x509.ECDSAWithSHA512:  {family: FamilyECDSA, hash: crypto.SHA512},
	x509.PureEd25519:      {family: FamilyEd25519},
}

// resolveSignature maps a source signature algorithm to a local primitive.
func resolveSignature(alg SignatureAlgorithm) (signatureScheme, error) {
	if s, ok := signatureSchemes[alg.X509]; ok {
		return s, nil
	}
	if alg.X509 == x509.UnknownSignatureAlgorithm && alg.OID.Equal(oidSignatureEd448) {
		return signatureScheme{family: FamilyEd448}, nil
	}
	return signatureScheme{}, &UnsupportedSignatureAlgorithmError{Algorithm: alg.Name()}
}

// checkCompatible rejects signing with a key of another family than the one
// the signature algorithm implies.
func checkCompatible(alg SignatureAlgorithm, family KeyFamily) (signatureScheme, error) {
	scheme, err := resolveSignature(alg)
	if err != nil {
		return signatureScheme{}, err
	}
	if scheme.family != family {
		return signatureScheme{}, &UnsupportedAlgorithmError{
			Algorithm: string(family),
			Reason:    fmt.Sprintf("signature algorithm %s requires a %s key", alg.Name(), scheme.family),
		}
	}
	return scheme, nil
}

// FakedCertificate is a signed faked certificate together with its key pair.
type FakedCertificate struct {
	der     []byte
	cert    *x509.Certificate
	info    *FakedCertificateInfo
	keyPair *KeyPair
	source  *SourceCertificate
}

// Sign signs info with key.Signer() using alg, which must be the signature
// algorithm info was built with.
func Sign(info *FakedCertificateInfo, key *KeyPair, alg SignatureAlgorithm) (*FakedCertificate, error) {
	return sign(info, key, alg, rand.Reader)
}

func sign(info *FakedCertificateInfo, key *KeyPair, alg SignatureAlgorithm, random io.Reader) (*FakedCertificate, error) {
	if !bytes.Equal(alg.Raw, info.sigAlg.Raw) {
		return nil, &UnsupportedSignatureAlgorithmError{Algorithm: fmt.Sprintf("%s (does not match to-be-signed structure)", alg.Name())}
	}
	scheme, err := checkCompatible(alg, key.Family())
	if err != nil {
		return nil, err
	}
	sig, err := signTBS(key.Signer(), info.raw, scheme, random)
	if err != nil {
		return nil, err
	}

	b := cryptobyte.NewBuilder(nil)
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddBytes(info.raw)
		b.AddBytes(alg.Raw)
		b.AddASN1BitString(sig)
	})
	der, err := b.Bytes()
	if err != nil {
		return nil, &EncodeError{Err: err}
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, &EncodeError{Err: err}
	}
	return &FakedCertificate{der: der, cert: cert, info: info, keyPair: key}, nil
}

func signTBS(signer crypto.Signer, tbs []byte, scheme signatureScheme, random io.Reader) ([]byte, error) {
	if scheme.hash == 0 {
		// EdDSA signs the message itself.
		sig, err := signer.Sign(random, tbs, crypto.Hash(0))
		if err != nil {
			return nil, fmt.Errorf("sign: %w", err)
		}
		return sig, nil
	}
	h := scheme.hash.New()
	h.Write(tbs)
	digest := h.Sum(nil)
	var opts crypto.SignerOpts = scheme.hash
	if scheme.pss {
		opts = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: scheme.hash}
	}
	sig, err := signer.Sign(random, digest, opts)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return sig, nil
}

// DER returns the encoded certificate.
func (f *FakedCertificate) DER() []byte { return bytes.Clone(f.der) }

// Base64 returns the standard base64 text form of DER.
func (f *FakedCertificate) Base64() string { return base64.StdEncoding.EncodeToString(f.der) }

// PEM returns the certificate as a "CERTIFICATE" PEM block.
func (f *FakedCertificate) PEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: f.der})
}

// Certificate returns the parsed faked certificate. Callers must not modify it.
func (f *FakedCertificate) Certificate() *x509.Certificate { return f.cert }

func (f *FakedCertificate) Info() *FakedCertificateInfo { return f.info }
func (f *FakedCertificate) KeyPair() *KeyPair { return f.keyPair }
func (f *FakedCertificate) SerialNumber() *big.Int { return f.info.SerialNumber() }

// Source returns the certificate this one impersonates; nil when built
// through Sign directly.
func (f *FakedCertificate) Source() *SourceCertificate { return f.source }

// OriginalPublicKey returns the public key of the impersonated certificate.
func (f *FakedCertificate) OriginalPublicKey() crypto.PublicKey {
	if f.source == nil {
		return nil
	}
	return f.source.publicKey.Key
}

// TLSCertificate pairs the faked certificate with its private key for a
// tls.Config.
func (f *FakedCertificate) TLSCertificate() tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{bytes.Clone(f.der)},
		PrivateKey:  f.keyPair.Signer(),
		Leaf:        f.cert,
	}
}
