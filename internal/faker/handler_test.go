package faker

import (
	"bytes"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"testing"
)

func TestFakeRSA2048EndToEnd(t *testing.T) {
	src := rsaSource(t)

	h, err := NewHandler(src.Raw)
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	if h.State() != StateInitialized {
		t.Fatalf("State() = %v, want initialized", h.State())
	}
	faked, err := h.CreateFakedCertificate()
	if err != nil {
		t.Fatalf("CreateFakedCertificate() error = %v", err)
	}
	if h.State() != StateFaked || h.FakedCertificate() != faked {
		t.Fatalf("handler not in faked state after success")
	}

	got := faked.Certificate()
	if s := got.Subject.String(); s != "CN=example.com" {
		t.Errorf("subject = %q", s)
	}
	if s := got.Issuer.String(); s != "CN=Test CA" {
		t.Errorf("issuer = %q", s)
	}
	if !bytes.Equal(got.RawSubject, src.RawSubject) || !bytes.Equal(got.RawIssuer, src.RawIssuer) {
		t.Error("raw subject/issuer not copied verbatim")
	}
	if !got.NotBefore.Equal(testT0) || !got.NotAfter.Equal(testT1) {
		t.Errorf("validity = [%v, %v], want [%v, %v]", got.NotBefore, got.NotAfter, testT0, testT1)
	}
	if got.Version != 3 {
		t.Errorf("version = %d, want 3", got.Version)
	}
	if got.SignatureAlgorithm != src.SignatureAlgorithm {
		t.Errorf("signature algorithm = %v, want %v", got.SignatureAlgorithm, src.SignatureAlgorithm)
	}
	pub, ok := got.PublicKey.(*rsa.PublicKey)
	if !ok {
		t.Fatalf("public key type = %T", got.PublicKey)
	}
	if pub.N.BitLen() != 2048 {
		t.Errorf("modulus bits = %d, want 2048", pub.N.BitLen())
	}
	if pub.Equal(src.PublicKey) {
		t.Error("faked certificate reuses the original key")
	}
	if got.SerialNumber.Cmp(src.SerialNumber) == 0 {
		t.Error("serial number equals the original")
	}
	if err := got.CheckSignature(got.SignatureAlgorithm, got.RawTBSCertificate, got.Signature); err != nil {
		t.Errorf("signature does not verify under the new key: %v", err)
	}
	if !faked.KeyPair().Public().(*rsa.PublicKey).Equal(pub) {
		t.Error("key pair does not match the certificate")
	}
	if !src.PublicKey.(*rsa.PublicKey).Equal(faked.OriginalPublicKey()) {
		t.Error("OriginalPublicKey() does not return the source key")
	}
	if len(got.DNSNames) != 0 {
		t.Errorf("extensions copied without WithCopyExtensions: %v", got.DNSNames)
	}
}

func TestCreateFakedCertificateIsNotIdempotent(t *testing.T) {
	src := rsaSource(t)
	h, err := NewHandlerFromCertificate(src)
	if err != nil {
		t.Fatalf("NewHandlerFromCertificate() error = %v", err)
	}
	first, err := h.CreateFakedCertificate()
	if err != nil {
		t.Fatalf("CreateFakedCertificate() error = %v", err)
	}
	second, err := h.CreateFakedCertificate()
	if err != nil {
		t.Fatalf("CreateFakedCertificate() error = %v", err)
	}
	if first.SerialNumber().Cmp(second.SerialNumber()) == 0 {
		t.Error("serial numbers repeat across invocations")
	}
	if first.KeyPair().Public().(*rsa.PublicKey).Equal(second.KeyPair().Public()) {
		t.Error("key pairs repeat across invocations")
	}
	if h.FakedCertificate() != second {
		t.Error("handler does not expose the latest result")
	}
}

func TestFakeOldVersionSourceBecomesV3(t *testing.T) {
	ca, leaf := testRSAKeys(t)
	ref, err := FromX509(rsaSource(t))
	if err != nil {
		t.Fatalf("FromX509() error = %v", err)
	}
	for _, version := range []int{1, 2} {
		src := handBuilt(t, version, ref.SignatureAlgorithm(),
			&KeyPair{family: FamilyRSA, bits: 2048, signer: leaf},
			&KeyPair{family: FamilyRSA, bits: 2048, signer: ca})
		if src.Version != version {
			t.Fatalf("source version = %d, want %d", src.Version, version)
		}

		faked, err := Fake(src.Raw)
		if err != nil {
			t.Fatalf("Fake() of v%d source error = %v", version, err)
		}
		got := faked.Certificate()
		if got.Version != 3 {
			t.Errorf("v%d source: faked version = %d, want 3", version, got.Version)
		}
		if !bytes.Equal(got.RawSubject, src.RawSubject) {
			t.Errorf("v%d source: subject not copied", version)
		}
	}
}

func TestFakeRejectsGarbageBeforeKeyGeneration(t *testing.T) {
	random := &countingReader{}
	for _, in := range [][]byte{
		[]byte("definitely not a certificate"),
		{0x30, 0x82, 0x01, 0x00, 0xde, 0xad},
		nil,
	} {
		_, err := Fake(in, WithRandom(random))
		var decodeErr *DecodeError
		if !errors.As(err, &decodeErr) {
			t.Errorf("Fake(%q) error = %v, want DecodeError", in, err)
		}
		var herr *HandlerError
		if !errors.As(err, &herr) || herr.Op != "load" {
			t.Errorf("Fake(%q) error = %v, want HandlerError{Op: load}", in, err)
		}
	}
	if random.n != 0 {
		t.Errorf("drew %d random bytes for invalid input", random.n)
	}
}

func TestFakeECDSARequiresOptIn(t *testing.T) {
	caKey := testECKey(t)
	src := issueSource(t, &testECKey(t).PublicKey, caKey, x509.ECDSAWithSHA256)

	random := &countingReader{}
	h, err := NewHandlerFromCertificate(src, WithRandom(random))
	if err != nil {
		t.Fatalf("NewHandlerFromCertificate() error = %v", err)
	}
	faked, err := h.CreateFakedCertificate()
	var unsupported *UnsupportedAlgorithmError
	if !errors.As(err, &unsupported) {
		t.Fatalf("CreateFakedCertificate() error = %v, want UnsupportedAlgorithmError", err)
	}
	if faked != nil || h.FakedCertificate() != nil || h.State() != StateInitialized {
		t.Error("partial faked state exposed after failure")
	}
	if random.n != 0 {
		t.Errorf("drew %d random bytes for an unsupported key", random.n)
	}

	h, err = NewHandlerFromCertificate(src, WithKeyFamilies(FamilyRSA, FamilyECDSA))
	if err != nil {
		t.Fatalf("NewHandlerFromCertificate() error = %v", err)
	}
	faked, err = h.CreateFakedCertificate()
	if err != nil {
		t.Fatalf("CreateFakedCertificate() error = %v", err)
	}
	got := faked.Certificate()
	if got.PublicKeyAlgorithm != x509.ECDSA || faked.KeyPair().Bits() != 256 {
		t.Errorf("faked key = %v/%d, want ECDSA/256", got.PublicKeyAlgorithm, faked.KeyPair().Bits())
	}
	if err := got.CheckSignature(got.SignatureAlgorithm, got.RawTBSCertificate, got.Signature); err != nil {
		t.Errorf("signature does not verify: %v", err)
	}
}

func TestFakeRejectsMismatchedSignatureFamily(t *testing.T) {
	_, leaf := testRSAKeys(t)
	// RSA leaf issued by an ECDSA CA
	src := issueSource(t, &leaf.PublicKey, testECKey(t), x509.ECDSAWithSHA256)

	_, err := Fake(src.Raw)
	var unsupported *UnsupportedAlgorithmError
	if !errors.As(err, &unsupported) {
		t.Fatalf("Fake() error = %v, want UnsupportedAlgorithmError", err)
	}
	var herr *HandlerError
	if !errors.As(err, &herr) || herr.Op != "sign" {
		t.Errorf("Fake() error = %v, want Op sign", err)
	}
}

func TestFakeCopyExtensions(t *testing.T) {
	src := rsaSource(t)
	faked, err := Fake(src.Raw, WithCopyExtensions(true))
	if err != nil {
		t.Fatalf("Fake() error = %v", err)
	}
	got := faked.Certificate()
	if len(got.DNSNames) != 2 || got.DNSNames[0] != "example.com" {
		t.Errorf("DNSNames = %v", got.DNSNames)
	}
	if len(got.ExtKeyUsage) != 1 || got.ExtKeyUsage[0] != x509.ExtKeyUsageServerAuth {
		t.Errorf("ExtKeyUsage = %v", got.ExtKeyUsage)
	}
	want, err := faked.KeyPair().subjectKeyID()
	if err != nil {
		t.Fatalf("subjectKeyID() error = %v", err)
	}
	if !bytes.Equal(got.SubjectKeyId, want) {
		t.Errorf("SubjectKeyId = %x, want %x", got.SubjectKeyId, want)
	}
}

func TestFakeEd448(t *testing.T) {
	issuer := ed448KeyPair(t)
	src := handBuilt(t, 3, ed448SignatureAlgorithm(t), ed448KeyPair(t), issuer)

	if _, err := Fake(src.Raw); err == nil {
		t.Fatal("Fake() accepted Ed448 without opt-in")
	}
	faked, err := Fake(src.Raw, WithKeyFamilies(FamilyEd448))
	if err != nil {
		t.Fatalf("Fake() error = %v", err)
	}
	if faked.KeyPair().Family() != FamilyEd448 {
		t.Errorf("family = %s", faked.KeyPair().Family())
	}
	got, err := Load(faked.DER())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.PublicKey().Family != FamilyEd448 || got.Subject() != "CN=example.com" {
		t.Errorf("reloaded = %s/%s", got.PublicKey().Family, got.Subject())
	}
}

func TestSerialBitsOutOfRangeFails(t *testing.T) {
	src := rsaSource(t)
	for _, bits := range []int{32, MinSerialBits - 1, MaxSerialBits + 1, 1000} {
		h, err := NewHandlerFromCertificate(src, WithSerialBits(bits))
		if err != nil {
			t.Fatalf("NewHandlerFromCertificate() error = %v", err)
		}
		_, err = h.CreateFakedCertificate()
		var sizeErr *SerialNumberSizeError
		if !errors.As(err, &sizeErr) || sizeErr.Bits != bits {
			t.Errorf("CreateFakedCertificate() with %d bits error = %v, want SerialNumberSizeError", bits, err)
		}
		var herr *HandlerError
		if !errors.As(err, &herr) || herr.Op != "build" {
			t.Errorf("CreateFakedCertificate() with %d bits error = %v, want HandlerError{Op: build}", bits, err)
		}
		if h.State() != StateInitialized {
			t.Errorf("State() = %v after failure", h.State())
		}
	}
}

func TestSerialBitsUpperBoundFitsTwentyOctets(t *testing.T) {
	src := rsaSource(t)
	for i := 0; i < 4; i++ {
		faked, err := Fake(src.Raw, WithSerialBits(MaxSerialBits))
		if err != nil {
			t.Fatalf("Fake() error = %v", err)
		}
		serial := faked.Certificate().SerialNumber
		if serial.Sign() <= 0 || serial.BitLen() > MaxSerialBits {
			t.Errorf("serial %x has %d bits", serial, serial.BitLen())
		}
	}
}

func TestNewHandlerRejectsUnknownFamily(t *testing.T) {
	_, err := NewHandlerFromCertificate(rsaSource(t), WithKeyFamilies("dsa"))
	var unsupported *UnsupportedAlgorithmError
	if !errors.As(err, &unsupported) {
		t.Fatalf("error = %v, want UnsupportedAlgorithmError", err)
	}
}
