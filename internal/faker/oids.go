package faker

import (
	"encoding/asn1"
)

// KeyFamily names a public key algorithm family.
type KeyFamily string

const (
	FamilyRSA     KeyFamily = "rsa"
	FamilyECDSA   KeyFamily = "ecdsa"
	FamilyEd25519 KeyFamily = "ed25519"
	FamilyEd448   KeyFamily = "ed448"
)

var (
	oidPublicKeyRSA     = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	oidPublicKeyECDSA   = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
	oidPublicKeyEd25519 = asn1.ObjectIdentifier{1, 3, 101, 112}
	oidPublicKeyEd448   = asn1.ObjectIdentifier{1, 3, 101, 113}

	// Ed448 uses the same identifier for keys and signatures (RFC 8410).
	oidSignatureEd448 = oidPublicKeyEd448

	oidExtSubjectKeyID = asn1.ObjectIdentifier{2, 5, 29, 14}
)

// familyForOID maps an SPKI algorithm identifier to a key family. Unknown
// identifiers map to their dotted form so errors can name them.
func familyForOID(oid asn1.ObjectIdentifier) KeyFamily {
	switch {
	case oid.Equal(oidPublicKeyRSA):
		return FamilyRSA
	case oid.Equal(oidPublicKeyECDSA):
		return FamilyECDSA
	case oid.Equal(oidPublicKeyEd25519):
		return FamilyEd25519
	case oid.Equal(oidPublicKeyEd448):
		return FamilyEd448
	}
	return KeyFamily(oid.String())
}

// ParseKeyFamily validates a family name from configuration.
func ParseKeyFamily(s string) (KeyFamily, bool) {
	switch f := KeyFamily(s); f {
	case FamilyRSA, FamilyECDSA, FamilyEd25519, FamilyEd448:
		return f, true
	}
	return "", false
}
