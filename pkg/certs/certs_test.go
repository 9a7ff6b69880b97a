package certs

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"testing"
	"time"
)

// buildEd25519Cert assembles a version-1 Ed25519 certificate signed by
// signer, certifying certified, expiring at exp.
func buildEd25519Cert(t *testing.T, certType byte, certified ed25519.PublicKey, signer ed25519.PrivateKey, embedSigner bool, exp time.Time) []byte {
	t.Helper()

	body := []byte{0x01, certType}
	expHours := make([]byte, 4)
	binary.BigEndian.PutUint32(expHours, uint32(exp.Unix()/3600))
	body = append(body, expHours...)
	body = append(body, 0x01) // certified key type: ed25519
	body = append(body, certified...)

	if embedSigner {
		body = append(body, 1) // one extension
		extData := signer.Public().(ed25519.PublicKey)
		extLen := make([]byte, 2)
		binary.BigEndian.PutUint16(extLen, uint16(len(extData)))
		body = append(body, extLen...)
		body = append(body, ExtSignedWithEd25519Key, 0)
		body = append(body, extData...)
	} else {
		body = append(body, 0)
	}

	sig := ed25519.Sign(signer, body)
	return append(body, sig...)
}

func wrapCertsCell(certs ...RawCert) []byte {
	payload := []byte{byte(len(certs))}
	for _, c := range certs {
		payload = append(payload, c.Type)
		clen := make([]byte, 2)
		binary.BigEndian.PutUint16(clen, uint16(len(c.Body)))
		payload = append(payload, clen...)
		payload = append(payload, c.Body...)
	}
	return payload
}

func TestParseCertsCell(t *testing.T) {
	payload := wrapCertsCell(
		RawCert{Type: CertTypeTLSLink, Body: []byte{0xDE, 0xAD}},
		RawCert{Type: CertTypeIdentityVSign, Body: []byte{0x01, 0x02, 0x03}},
	)

	certs, err := ParseCertsCell(payload)
	if err != nil {
		t.Fatalf("ParseCertsCell failed: %v", err)
	}
	if len(certs) != 2 {
		t.Fatalf("parsed %d certs, want 2", len(certs))
	}
	if certs[0].Type != CertTypeTLSLink || len(certs[0].Body) != 2 {
		t.Errorf("cert 0 = %+v", certs[0])
	}
	if certs[1].Type != CertTypeIdentityVSign || len(certs[1].Body) != 3 {
		t.Errorf("cert 1 = %+v", certs[1])
	}
}

func TestParseCertsCellTruncated(t *testing.T) {
	tests := [][]byte{
		{},                    // empty
		{2, CertTypeTLSLink},  // missing length
		{1, CertTypeTLSLink, 0x00, 0x10, 0xAA}, // body shorter than length
	}
	for i, payload := range tests {
		if _, err := ParseCertsCell(payload); err == nil {
			t.Errorf("case %d: ParseCertsCell accepted truncated payload", i)
		}
	}
}

func TestVerifyCertsCellValidChain(t *testing.T) {
	identityPub, identityPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signingPub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	certBody := buildEd25519Cert(t, CertTypeIdentityVSign, signingPub, identityPriv, true, now.Add(24*time.Hour))
	payload := wrapCertsCell(RawCert{Type: CertTypeIdentityVSign, Body: certBody})

	certs, err := ParseCertsCell(payload)
	if err != nil {
		t.Fatalf("ParseCertsCell failed: %v", err)
	}
	keys, err := VerifyCertsCell(certs, now)
	if err != nil {
		t.Fatalf("VerifyCertsCell failed: %v", err)
	}
	if string(keys.IdentityKey) != string(identityPub) {
		t.Error("identity key mismatch")
	}
	if string(keys.SigningKey) != string(signingPub) {
		t.Error("signing key mismatch")
	}
}

func TestVerifyCertsCellExpired(t *testing.T) {
	_, identityPriv, _ := ed25519.GenerateKey(rand.Reader)
	signingPub, _, _ := ed25519.GenerateKey(rand.Reader)

	now := time.Now()
	certBody := buildEd25519Cert(t, CertTypeIdentityVSign, signingPub, identityPriv, true, now.Add(-2*time.Hour))
	certs, _ := ParseCertsCell(wrapCertsCell(RawCert{Type: CertTypeIdentityVSign, Body: certBody}))

	if _, err := VerifyCertsCell(certs, now); err == nil {
		t.Error("VerifyCertsCell accepted an expired certificate")
	}
}

func TestVerifyCertsCellBadSignature(t *testing.T) {
	_, identityPriv, _ := ed25519.GenerateKey(rand.Reader)
	signingPub, _, _ := ed25519.GenerateKey(rand.Reader)

	now := time.Now()
	certBody := buildEd25519Cert(t, CertTypeIdentityVSign, signingPub, identityPriv, true, now.Add(time.Hour))
	certBody[10] ^= 0xFF // corrupt the signed region

	certs, _ := ParseCertsCell(wrapCertsCell(RawCert{Type: CertTypeIdentityVSign, Body: certBody}))
	if _, err := VerifyCertsCell(certs, now); err == nil {
		t.Error("VerifyCertsCell accepted a corrupted certificate")
	}
}

func TestVerifyCertsCellMissingIdentityCert(t *testing.T) {
	certs := []RawCert{{Type: CertTypeTLSLink, Body: []byte{0x01}}}
	if _, err := VerifyCertsCell(certs, time.Now()); err == nil {
		t.Error("VerifyCertsCell accepted a CERTS cell without a type-4 certificate")
	}
}

func TestVerifyCertsCellUnsignedIdentity(t *testing.T) {
	_, identityPriv, _ := ed25519.GenerateKey(rand.Reader)
	signingPub, _, _ := ed25519.GenerateKey(rand.Reader)

	now := time.Now()
	// No embedded signer: the verifier has nothing to check the chain with.
	certBody := buildEd25519Cert(t, CertTypeIdentityVSign, signingPub, identityPriv, false, now.Add(time.Hour))
	certs, _ := ParseCertsCell(wrapCertsCell(RawCert{Type: CertTypeIdentityVSign, Body: certBody}))

	if _, err := VerifyCertsCell(certs, now); err == nil {
		t.Error("VerifyCertsCell accepted a type-4 certificate without an embedded signer")
	}
}
