// Package crypto provides cryptographic primitives for the Tor protocol.
// This package wraps Go's standard crypto libraries for Tor-specific operations.
//
// Security considerations:
// - All random number generation uses crypto/rand (CSPRNG)
// - Sensitive data is zeroed after use (see security.Zeroize)
// - Key comparisons use constant-time operations (crypto/subtle)
// - Memory containing keys should be zeroed before being freed
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" // #nosec G505 - SHA1 required by Tor protocol specification (tor-spec.txt)
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/cmyocyte/tor-wasm/pkg/errors"
	"github.com/cmyocyte/tor-wasm/pkg/security"
)

// Key sizes
const (
	// AES128KeySize is the size of AES-128 keys
	AES128KeySize = 16
	// SHA1Size is the size of SHA-1 digests
	SHA1Size = 20
	// SHA256Size is the size of SHA-256 digests
	SHA256Size = 32
)

// ntorProtoID is the PROTOID label from tor-spec.txt section 5.1.4.
const ntorProtoID = "ntor-curve25519-sha256-1"

// GenerateRandomBytes generates n random bytes using crypto/rand
func GenerateRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	if err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return b, nil
}

// SHA1Hash computes the SHA-1 hash of the input
// #nosec G401 - SHA1 required by Tor specification (tor-spec.txt section 0.3)
func SHA1Hash(data []byte) []byte {
	h := sha1.Sum(data) // #nosec G401
	return h[:]
}

// SHA256Hash computes the SHA-256 hash of the input
func SHA256Hash(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

// AESCTRCipher represents an AES-CTR cipher for encryption/decryption
type AESCTRCipher struct {
	stream cipher.Stream
}

// NewAESCTRCipher creates a new AES-CTR cipher with the given key and IV
func NewAESCTRCipher(key, iv []byte) (*AESCTRCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	stream := cipher.NewCTR(block, iv)
	return &AESCTRCipher{stream: stream}, nil
}

// Encrypt encrypts the plaintext in-place using AES-CTR
func (c *AESCTRCipher) Encrypt(plaintext []byte) {
	c.stream.XORKeyStream(plaintext, plaintext)
}

// Decrypt decrypts the ciphertext in-place using AES-CTR
func (c *AESCTRCipher) Decrypt(ciphertext []byte) {
	// In CTR mode, encryption and decryption are the same operation
	c.stream.XORKeyStream(ciphertext, ciphertext)
}

// RSAPublicKey wraps an RSA public key
type RSAPublicKey struct {
	key *rsa.PublicKey
}

// RSAPrivateKey wraps an RSA private key
type RSAPrivateKey struct {
	key *rsa.PrivateKey
}

// NewRSAPublicKeyFromStdlib wraps a stdlib *rsa.PublicKey, used when parsing
// a directory authority's identity key out of a PEM/X.509 certificate.
func NewRSAPublicKeyFromStdlib(key *rsa.PublicKey) *RSAPublicKey {
	return &RSAPublicKey{key: key}
}

// GenerateRSAKey generates a new RSA key pair with the given bit size
func GenerateRSAKey(bits int) (*RSAPrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	return &RSAPrivateKey{key: key}, nil
}

// PublicKey returns the public key corresponding to the private key
func (k *RSAPrivateKey) PublicKey() *RSAPublicKey {
	return &RSAPublicKey{key: &k.key.PublicKey}
}

// VerifyPKCS1v15SHA1 verifies an RSA PKCS#1 v1.5 signature over a SHA-1 digest,
// the scheme directory authorities use to sign consensus documents.
func (k *RSAPublicKey) VerifyPKCS1v15SHA1(digest, signature []byte) error {
	return rsa.VerifyPKCS1v15(k.key, 0, digest, signature)
}

// Ed25519Verify verifies an Ed25519 signature
func Ed25519Verify(publicKey, message, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	if len(signature) != ed25519.SignatureSize {
		return false
	}

	return ed25519.Verify(ed25519.PublicKey(publicKey), message, signature)
}

// Ed25519Sign signs a message with an Ed25519 private key
func Ed25519Sign(privateKey, message []byte) ([]byte, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key length: %d", len(privateKey))
	}

	signature := ed25519.Sign(ed25519.PrivateKey(privateKey), message)
	return signature, nil
}

// GenerateEd25519KeyPair generates a new Ed25519 key pair
func GenerateEd25519KeyPair() (publicKey, privateKey []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate Ed25519 key: %w", err)
	}
	return pub, priv, nil
}

// NtorKeyPair represents a Curve25519 key pair used in the ntor handshake.
type NtorKeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// hasSufficientEntropy rejects ephemeral keys too degenerate to have come
// from a working CSPRNG: all-zero, all-0xFF, or fewer than 8 distinct byte
// values. A key failing this check indicates a broken RNG, not bad luck, and
// must not be used to build a circuit (tor-wasm entropy guard).
func hasSufficientEntropy(key [32]byte) bool {
	allZero, allFF := true, true
	seen := make(map[byte]struct{}, 32)
	for _, b := range key {
		if b != 0x00 {
			allZero = false
		}
		if b != 0xFF {
			allFF = false
		}
		seen[b] = struct{}{}
	}
	if allZero || allFF {
		return false
	}
	return len(seen) >= 8
}

// GenerateNtorKeyPair generates a new Curve25519 key pair for the ntor
// handshake and rejects it if it fails the entropy guard.
func GenerateNtorKeyPair() (*NtorKeyPair, error) {
	kp := &NtorKeyPair{}

	if _, err := rand.Read(kp.Private[:]); err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	curve25519.ScalarBaseMult(&kp.Public, &kp.Private)

	if !hasSufficientEntropy(kp.Public) {
		return nil, errors.EntropyError("ephemeral key failed entropy guard")
	}

	return kp, nil
}

// Zeroize erases the ephemeral secret. Call once the handshake that used
// the keypair has completed or failed.
func (kp *NtorKeyPair) Zeroize() {
	security.Zeroize(kp.Private[:])
	security.Zeroize(kp.Public[:])
}

// NtorClientHandshake drives the client side of an ntor handshake across its
// two phases: building the CREATE2/EXTEND2 payload, and completing the
// handshake once the relay's CREATED2/EXTENDED2 response arrives.
// Implements tor-spec.txt section 5.1.4.
type NtorClientHandshake struct {
	ephemeral *NtorKeyPair
}

// NewNtorClientHandshake generates the client's ephemeral keypair and
// prepares a handshake ready to build its outgoing payload.
func NewNtorClientHandshake() (*NtorClientHandshake, error) {
	ephemeral, err := GenerateNtorKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	return &NtorClientHandshake{ephemeral: ephemeral}, nil
}

// CreateHandshakeData builds the 84-byte CREATE2/EXTEND2 payload:
// NODEID (20 bytes) || KEYID (32 bytes) || CLIENT_PK (32 bytes).
func (h *NtorClientHandshake) CreateHandshakeData(identityFingerprint [20]byte, ntorOnionKey [32]byte) []byte {
	data := make([]byte, 20+32+32)
	copy(data[0:20], identityFingerprint[:])
	copy(data[20:52], ntorOnionKey[:])
	copy(data[52:84], h.ephemeral.Public[:])
	return data
}

// Complete processes the relay's CREATED2/EXTENDED2 response (Y || AUTH, 64
// bytes) and returns the 32-byte KEY_SEED used to derive circuit keys. It
// fails closed (and, per the entropy guard above, may already have failed
// before this point) if the server's AUTH value does not match.
func (h *NtorClientHandshake) Complete(response []byte, identityFingerprint [20]byte, ntorOnionKey [32]byte) ([]byte, error) {
	if len(response) != 64 {
		return nil, fmt.Errorf("invalid response length: %d, expected 64", len(response))
	}

	var serverY, serverAuth [32]byte
	copy(serverY[:], response[0:32])
	copy(serverAuth[:], response[32:64])

	// secret_input = EXP(Y,x) || EXP(B,x) || ID || B || X || Y || PROTOID
	var sharedXY, sharedXB [32]byte
	curve25519.ScalarMult(&sharedXY, &h.ephemeral.Private, &serverY)
	curve25519.ScalarMult(&sharedXB, &h.ephemeral.Private, &ntorOnionKey)

	protoid := []byte(ntorProtoID)
	secretInput := make([]byte, 0, 32+32+20+32+32+32+len(protoid))
	secretInput = append(secretInput, sharedXY[:]...)
	secretInput = append(secretInput, sharedXB[:]...)
	secretInput = append(secretInput, identityFingerprint[:]...)
	secretInput = append(secretInput, ntorOnionKey[:]...)
	secretInput = append(secretInput, h.ephemeral.Public[:]...)
	secretInput = append(secretInput, serverY[:]...)
	secretInput = append(secretInput, protoid...)

	keySeed := hmacSHA256(secretInput, []byte(ntorProtoID+":key_extract"))
	verify := hmacSHA256(secretInput, []byte(ntorProtoID+":verify"))

	// auth_input = verify || ID || B || Y || X || PROTOID || "Server"
	authInput := make([]byte, 0, 32+20+32+32+32+len(protoid)+len("Server"))
	authInput = append(authInput, verify...)
	authInput = append(authInput, identityFingerprint[:]...)
	authInput = append(authInput, ntorOnionKey[:]...)
	authInput = append(authInput, serverY[:]...)
	authInput = append(authInput, h.ephemeral.Public[:]...)
	authInput = append(authInput, protoid...)
	authInput = append(authInput, []byte("Server")...)

	computedAuth := hmacSHA256(authInput, []byte(ntorProtoID+":mac"))

	if subtle.ConstantTimeCompare(computedAuth, serverAuth[:]) != 1 {
		return nil, errors.AuthVerificationFailedError("ntor AUTH verification failed")
	}

	return keySeed, nil
}

// Zeroize erases the ephemeral secret held by the handshake.
func (h *NtorClientHandshake) Zeroize() {
	if h.ephemeral != nil {
		h.ephemeral.Zeroize()
	}
}

// hmacSHA256 computes HMAC-SHA256(key=label, message=data), matching
// tor-spec.txt's H(x,t) = HMAC_SHA256 with t used as the HMAC key.
func hmacSHA256(data, label []byte) []byte {
	mac := hmac.New(sha256.New, label)
	mac.Write(data)
	return mac.Sum(nil)
}

// CircuitKeys holds the per-direction forward/backward digest seeds and AES
// keys derived from a completed ntor handshake (tor-spec.txt section 5.2.2).
type CircuitKeys struct {
	Df []byte // forward digest seed, 20 bytes
	Db []byte // backward digest seed, 20 bytes
	Kf []byte // forward AES-128 key, 16 bytes
	Kb []byte // backward AES-128 key, 16 bytes
}

// DeriveCircuitKeys expands a 32-byte KEY_SEED into the four key-derivation
// outputs using HKDF-SHA256 in expand-only mode (the Extract step is skipped
// because KEY_SEED is already the pseudorandom key, per RFC 5869 section 3.3
// and tor-spec.txt section 5.2.2).
func DeriveCircuitKeys(keySeed []byte) (*CircuitKeys, error) {
	if len(keySeed) != 32 {
		return nil, fmt.Errorf("invalid key seed length: %d, expected 32", len(keySeed))
	}

	info := []byte(ntorProtoID + ":key_expand")
	expander := hkdf.Expand(sha256.New, keySeed, info)

	material := make([]byte, 72)
	if _, err := io.ReadFull(expander, material); err != nil {
		return nil, fmt.Errorf("HKDF expansion failed: %w", err)
	}

	keys := &CircuitKeys{
		Df: append([]byte(nil), material[0:20]...),
		Db: append([]byte(nil), material[20:40]...),
		Kf: append([]byte(nil), material[40:56]...),
		Kb: append([]byte(nil), material[56:72]...),
	}
	for i := range material {
		material[i] = 0
	}
	return keys, nil
}

// ForwardDigestSeed returns Df, the forward running-digest seed.
func (k *CircuitKeys) ForwardDigestSeed() []byte { return k.Df }

// BackwardDigestSeed returns Db, the backward running-digest seed.
func (k *CircuitKeys) BackwardDigestSeed() []byte { return k.Db }

// ForwardCipherKey returns Kf, the forward AES-128 key.
func (k *CircuitKeys) ForwardCipherKey() []byte { return k.Kf }

// BackwardCipherKey returns Kb, the backward AES-128 key.
func (k *CircuitKeys) BackwardCipherKey() []byte { return k.Kb }

// Zeroize erases the derived key material. The per-hop cipher and digest
// state copy what they need at construction, so the derivation buffers can
// be destroyed as soon as the hop is installed.
func (k *CircuitKeys) Zeroize() {
	for _, buf := range [][]byte{k.Df, k.Db, k.Kf, k.Kb} {
		security.Zeroize(buf)
	}
}
