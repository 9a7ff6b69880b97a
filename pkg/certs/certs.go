// Package certs parses and verifies the certificates a relay presents in
// its CERTS cell during the link handshake. The chain of interest to a
// client is the Ed25519 identity key certifying the Ed25519 signing key
// (cert type 4); legacy RSA certificates are carried as opaque DER and only
// structurally checked.
package certs

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"time"
)

// Certificate types carried in a CERTS cell, per tor-spec.txt section 4.2.
const (
	CertTypeTLSLink        byte = 1 // RSA, DER
	CertTypeRSAIdentity    byte = 2 // RSA, DER
	CertTypeRSAAuth        byte = 3 // RSA, DER
	CertTypeIdentityVSign  byte = 4 // Ed25519 identity certifying signing key
	CertTypeSignVTLS       byte = 5 // signing key certifying TLS link cert digest
	CertTypeSignVAuth      byte = 6 // signing key certifying authentication key
	CertTypeRSAEdCrossCert byte = 7 // RSA identity cross-certifying Ed25519 identity
)

// Ed25519 certificate extension types.
const (
	// ExtSignedWithEd25519Key embeds the public key that signed the cert,
	// so the verifier needs no out-of-band copy of it.
	ExtSignedWithEd25519Key byte = 4
)

const (
	ed25519CertMinLen = 1 + 1 + 4 + 1 + 32 + 1 + 64
	ed25519CertV1     = 0x01
)

// RawCert is one entry of a CERTS cell: a type byte and the unparsed body.
type RawCert struct {
	Type byte
	Body []byte
}

// ParseCertsCell splits a CERTS cell payload into its raw certificates.
// Payload layout: N(1), then per cert Type(1) || CLen(2) || Certificate.
func ParseCertsCell(payload []byte) ([]RawCert, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("CERTS payload empty")
	}
	n := int(payload[0])
	certs := make([]RawCert, 0, n)
	off := 1
	for i := 0; i < n; i++ {
		if len(payload) < off+3 {
			return nil, fmt.Errorf("CERTS payload truncated at certificate %d header", i)
		}
		ctype := payload[off]
		clen := int(binary.BigEndian.Uint16(payload[off+1 : off+3]))
		off += 3
		if len(payload) < off+clen {
			return nil, fmt.Errorf("CERTS payload truncated at certificate %d body", i)
		}
		body := make([]byte, clen)
		copy(body, payload[off:off+clen])
		certs = append(certs, RawCert{Type: ctype, Body: body})
		off += clen
	}
	return certs, nil
}

// Extension is one extension block inside an Ed25519 certificate.
type Extension struct {
	Type  byte
	Flags byte
	Data  []byte
}

// Ed25519Cert is a parsed Ed25519 certificate (cert-spec.txt section 2.1).
type Ed25519Cert struct {
	CertType         byte
	Expiration       time.Time // encoded as hours since the epoch
	CertifiedKeyType byte
	CertifiedKey     [32]byte
	Extensions       []Extension
	Signature        [64]byte

	// signed is the byte range the trailing signature covers.
	signed []byte
}

// ParseEd25519Cert parses an Ed25519 certificate body. Only version 0x01 is
// defined; anything else is rejected.
func ParseEd25519Cert(body []byte) (*Ed25519Cert, error) {
	if len(body) < ed25519CertMinLen {
		return nil, fmt.Errorf("ed25519 certificate too short: %d bytes", len(body))
	}
	if body[0] != ed25519CertV1 {
		return nil, fmt.Errorf("unsupported ed25519 certificate version %d", body[0])
	}

	c := &Ed25519Cert{
		CertType:         body[1],
		Expiration:       time.Unix(int64(binary.BigEndian.Uint32(body[2:6]))*3600, 0),
		CertifiedKeyType: body[6],
	}
	copy(c.CertifiedKey[:], body[7:39])

	nExt := int(body[39])
	off := 40
	for i := 0; i < nExt; i++ {
		if len(body) < off+4 {
			return nil, fmt.Errorf("ed25519 certificate truncated at extension %d", i)
		}
		extLen := int(binary.BigEndian.Uint16(body[off : off+2]))
		ext := Extension{Type: body[off+2], Flags: body[off+3]}
		off += 4
		if len(body) < off+extLen {
			return nil, fmt.Errorf("ed25519 certificate extension %d overruns body", i)
		}
		ext.Data = make([]byte, extLen)
		copy(ext.Data, body[off:off+extLen])
		c.Extensions = append(c.Extensions, ext)
		off += extLen
	}

	if len(body) < off+64 {
		return nil, fmt.Errorf("ed25519 certificate missing signature")
	}
	c.signed = make([]byte, off)
	copy(c.signed, body[:off])
	copy(c.Signature[:], body[off:off+64])
	return c, nil
}

// SigningKey returns the embedded signed-with-ed25519-key extension, or nil
// if the certificate carries none.
func (c *Ed25519Cert) SigningKey() []byte {
	for _, ext := range c.Extensions {
		if ext.Type == ExtSignedWithEd25519Key && len(ext.Data) == ed25519.PublicKeySize {
			return ext.Data
		}
	}
	return nil
}

// Verify checks the certificate's signature against signer and rejects
// expired certificates. Pass now = time.Now() outside tests.
func (c *Ed25519Cert) Verify(signer []byte, now time.Time) error {
	if len(signer) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid signer key length: %d", len(signer))
	}
	if now.After(c.Expiration) {
		return fmt.Errorf("certificate expired at %s", c.Expiration.UTC().Format(time.RFC3339))
	}
	if !ed25519.Verify(ed25519.PublicKey(signer), c.signed, c.Signature[:]) {
		return fmt.Errorf("ed25519 certificate signature invalid")
	}
	return nil
}

// LinkKeys is the outcome of verifying a relay's CERTS cell: the relay's
// Ed25519 identity key and the signing key the identity certified.
type LinkKeys struct {
	IdentityKey []byte
	SigningKey  []byte
}

// VerifyCertsCell verifies the Ed25519 chain inside a parsed CERTS cell:
// the type-4 certificate must embed its own signer (the identity key),
// verify under it, and be unexpired; the certified key becomes the signing
// key. Relays that present no type-4 certificate are rejected.
func VerifyCertsCell(certs []RawCert, now time.Time) (*LinkKeys, error) {
	var identityCert *Ed25519Cert
	for _, raw := range certs {
		if raw.Type != CertTypeIdentityVSign {
			continue
		}
		parsed, err := ParseEd25519Cert(raw.Body)
		if err != nil {
			return nil, fmt.Errorf("invalid type-4 certificate: %w", err)
		}
		identityCert = parsed
		break
	}
	if identityCert == nil {
		return nil, fmt.Errorf("CERTS cell carries no ed25519 identity certificate")
	}

	identityKey := identityCert.SigningKey()
	if identityKey == nil {
		return nil, fmt.Errorf("type-4 certificate does not embed its signing identity key")
	}
	if err := identityCert.Verify(identityKey, now); err != nil {
		return nil, fmt.Errorf("identity certificate rejected: %w", err)
	}

	keys := &LinkKeys{
		IdentityKey: identityKey,
		SigningKey:  identityCert.CertifiedKey[:],
	}
	return keys, nil
}
