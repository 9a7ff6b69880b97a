// Consensus signature verification. The signed portion of a consensus runs
// from the first byte through the end of the first "directory-signature "
// line; each signature block names its authority by v3 identity fingerprint
// and carries a PEM-wrapped RSA signature over the digest of that portion.
package directory

import (
	"crypto/rsa"
	"crypto/sha1" // #nosec G505 - legacy consensus signatures are SHA-1 (dir-spec.txt)
	"crypto/sha256"
	"encoding/pem"
	"strings"

	"github.com/cmyocyte/tor-wasm/pkg/errors"
)

// MinAuthoritySignatures is the acceptance threshold: a consensus carrying
// fewer recognised, well-formed authority signatures is rejected outright.
const MinAuthoritySignatures = 5

// authorityFingerprints is the hard-coded set of v3 identity fingerprints
// of the nine directory authorities. Signatures from any other signer do
// not count toward the acceptance threshold.
var authorityFingerprints = map[string]string{
	"D586D18309DED4CD6D57C18FDB97EFA96D330566": "moria1",
	"14C131DFC5C6F93646BE72FA1401C02A8DF2E8B4": "tor26",
	"E8A9C45EDE6D711294FADF8E7951F4DE6CA56B58": "dizum",
	"ED03BB616EB2F60BEC80151114BB25CEF515B226": "gabelmoo",
	"0232AF901C31A04EE9848595AF9BB7620D4C5B2E": "dannenberg",
	"49015F787433103580E3B66A1707A00E60F2D15B": "maatuska",
	"23D15D965BC35114467363C165C4F724B64B4F66": "longclaw",
	"27102BC123E7AF1D4741AE047E160C91ADC76B21": "bastet",
	"CF6D0AAFB385BE71B8E111FC5CFF4B47923733BC": "faravahar",
}

// IsKnownAuthority reports whether fp is one of the hard-coded directory
// authority v3 identity fingerprints.
func IsKnownAuthority(fp string) bool {
	_, ok := authorityFingerprints[strings.ToUpper(strings.TrimPrefix(fp, "$"))]
	return ok
}

// Signature is one parsed directory-signature block.
type Signature struct {
	Algorithm          string // "sha1" or "sha256"
	IdentityFingerprint string
	SigningKeyDigest   string
	Signature          []byte
}

// rsaSignatureLengths are the plausible modulus sizes for an authority
// signing key; anything else is structurally invalid.
var rsaSignatureLengths = map[int]bool{128: true, 256: true, 384: true, 512: true}

// structurallyValid rejects signatures that cannot possibly be real RSA
// output: wrong length, all-zero, or too few distinct byte values.
func (s *Signature) structurallyValid() bool {
	if !rsaSignatureLengths[len(s.Signature)] {
		return false
	}
	distinct := make(map[byte]struct{}, 16)
	allZero := true
	for _, b := range s.Signature {
		if b != 0 {
			allZero = false
		}
		distinct[b] = struct{}{}
		if !allZero && len(distinct) >= 8 {
			return true
		}
	}
	return false
}

// SignedPortion returns the byte range the authority signatures cover:
// everything up to and including the first "directory-signature " line
// (terminator included).
func SignedPortion(raw []byte) []byte {
	const marker = "directory-signature "
	text := string(raw)
	idx := strings.Index(text, "\n"+marker)
	if idx < 0 {
		if strings.HasPrefix(text, marker) {
			idx = -1
		} else {
			return nil
		}
	}
	// advance past the newline to the start of the marker line
	lineStart := idx + 1
	lineEnd := strings.IndexByte(text[lineStart:], '\n')
	if lineEnd < 0 {
		return raw
	}
	return raw[:lineStart+lineEnd+1]
}

// ParseSignatures extracts every directory-signature block from the raw
// consensus text. Blocks whose PEM body fails to decode are dropped.
func ParseSignatures(raw []byte) []Signature {
	var sigs []Signature
	lines := strings.Split(string(raw), "\n")
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if !strings.HasPrefix(line, "directory-signature ") {
			continue
		}
		fields := strings.Fields(line)

		sig := Signature{Algorithm: "sha1"}
		// Either "directory-signature FP KEYDIGEST" or
		// "directory-signature sha256 FP KEYDIGEST".
		switch len(fields) {
		case 3:
			sig.IdentityFingerprint = strings.ToUpper(fields[1])
			sig.SigningKeyDigest = strings.ToUpper(fields[2])
		case 4:
			sig.Algorithm = strings.ToLower(fields[1])
			sig.IdentityFingerprint = strings.ToUpper(fields[2])
			sig.SigningKeyDigest = strings.ToUpper(fields[3])
		default:
			continue
		}

		// The PEM block starts on the next line.
		var pemLines []string
		for j := i + 1; j < len(lines); j++ {
			pemLines = append(pemLines, lines[j])
			if strings.HasPrefix(lines[j], "-----END") {
				i = j
				break
			}
		}
		block, _ := pem.Decode([]byte(strings.Join(pemLines, "\n") + "\n"))
		if block == nil {
			continue
		}
		sig.Signature = block.Bytes
		sigs = append(sigs, sig)
	}
	return sigs
}

// VerifyConsensusSignatures enforces the acceptance rule: at least
// MinAuthoritySignatures of the parsed signatures must name a hard-coded
// authority and pass structural validation. When keys supplies an
// authority's RSA signing key, a full PKCS#1 v1.5 verification over the
// signed portion's digest is additionally required to pass. Failure is a
// fatal ConsensusError.
func VerifyConsensusSignatures(raw []byte, keys map[string]*rsa.PublicKey) error {
	signed := SignedPortion(raw)
	if signed == nil {
		return errors.ConsensusError("consensus carries no directory-signature line", nil)
	}

	sha1Digest := sha1.Sum(signed) // #nosec G401
	sha256Digest := sha256.Sum256(signed)

	accepted := 0
	seen := make(map[string]bool)
	for _, sig := range ParseSignatures(raw) {
		if !IsKnownAuthority(sig.IdentityFingerprint) {
			continue
		}
		if seen[sig.IdentityFingerprint] {
			continue
		}
		if !sig.structurallyValid() {
			continue
		}

		if key, ok := keys[sig.IdentityFingerprint]; ok && key != nil {
			var err error
			switch sig.Algorithm {
			case "sha256":
				err = rsa.VerifyPKCS1v15(key, 0, sha256Digest[:], sig.Signature)
			default:
				err = rsa.VerifyPKCS1v15(key, 0, sha1Digest[:], sig.Signature)
			}
			if err != nil {
				return errors.ConsensusError("authority signature failed RSA verification: "+authorityFingerprints[sig.IdentityFingerprint], err)
			}
		}

		seen[sig.IdentityFingerprint] = true
		accepted++
	}

	if accepted < MinAuthoritySignatures {
		return errors.ConsensusError("consensus under-signed: recognised authority signatures below threshold", nil)
	}
	return nil
}
