package faker

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/cloudflare/circl/sign/ed448"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

var (
	testT0 = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	testT1 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	testSerial = big.NewInt(0x4242)
)

var rsaKeys = struct {
	once     sync.Once
	ca, leaf *rsa.PrivateKey
	err      error
}{}

// testRSAKeys returns a CA key and a leaf key shared by all tests in the
// package; 2048-bit generation is too slow to repeat per test.
func testRSAKeys(t *testing.T) (ca, leaf *rsa.PrivateKey) {
	t.Helper()
	rsaKeys.once.Do(func() {
		if rsaKeys.ca, rsaKeys.err = rsa.GenerateKey(rand.Reader, 2048); rsaKeys.err != nil {
			return
		}
		rsaKeys.leaf, rsaKeys.err = rsa.GenerateKey(rand.Reader, 2048)
	})
	if rsaKeys.err != nil {
		t.Fatalf("GenerateKey() error = %v", rsaKeys.err)
	}
	return rsaKeys.ca, rsaKeys.leaf
}

func testECKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("ecdsa.GenerateKey() error = %v", err)
	}
	return k
}

// issueSource issues a leaf for CN=example.com from CN=Test CA.
func issueSource(t *testing.T, leafPub crypto.PublicKey, caKey crypto.Signer, alg x509.SignatureAlgorithm) *x509.Certificate {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber:       testSerial,
		Subject:            pkix.Name{CommonName: "example.com"},
		NotBefore:          testT0,
		NotAfter:           testT1,
		DNSNames:           []string{"example.com", "www.example.com"},
		KeyUsage:           x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:        []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		SubjectKeyId:       []byte{1, 2, 3, 4},
		SignatureAlgorithm: alg,
	}
	parent := &x509.Certificate{
		Subject:   pkix.Name{CommonName: "Test CA"},
		PublicKey: caKey.Public(),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, leafPub, caKey)
	if err != nil {
		t.Fatalf("CreateCertificate() error = %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("ParseCertificate() error = %v", err)
	}
	return cert
}

func rsaSource(t *testing.T) *x509.Certificate {
	t.Helper()
	ca, leaf := testRSAKeys(t)
	return issueSource(t, &leaf.PublicKey, ca, x509.SHA256WithRSA)
}

// handBuilt signs a hand assembled TBS; used for certificates crypto/x509
// cannot create (v1, Ed448).
func handBuilt(t *testing.T, version int, sigAlg SignatureAlgorithm, subjectKey, issuerKey *KeyPair) *x509.Certificate {
	t.Helper()
	ref := rsaSource(t)
	src, err := FromX509(ref)
	if err != nil {
		t.Fatalf("FromX509() error = %v", err)
	}
	spki, err := subjectKey.PublicKeySPKI()
	if err != nil {
		t.Fatalf("PublicKeySPKI() error = %v", err)
	}
	info := &FakedCertificateInfo{
		version:  version,
		serial:   testSerial,
		sigAlg:   sigAlg,
		issuer:   src.RawIssuer(),
		validity: src.RawValidity(),
		subject:  src.RawSubject(),
		spki:     spki,
	}
	if info.raw, err = info.marshal(); err != nil {
		t.Fatalf("marshal() error = %v", err)
	}
	faked, err := Sign(info, issuerKey, sigAlg)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	return faked.Certificate()
}

func ed448SignatureAlgorithm(t *testing.T) SignatureAlgorithm {
	t.Helper()
	b := cryptobyte.NewBuilder(nil)
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1ObjectIdentifier(oidSignatureEd448)
	})
	raw, err := b.Bytes()
	if err != nil {
		t.Fatalf("Bytes() error = %v", err)
	}
	return SignatureAlgorithm{OID: oidSignatureEd448, Raw: raw}
}

func ed448KeyPair(t *testing.T) *KeyPair {
	t.Helper()
	_, priv, err := ed448.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("ed448.GenerateKey() error = %v", err)
	}
	return &KeyPair{family: FamilyEd448, bits: 448, signer: priv}
}

// countingReader counts bytes drawn from crypto/rand.
type countingReader struct{ n int }

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := rand.Read(p)
	c.n += n
	return n, err
}
