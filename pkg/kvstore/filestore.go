// File-backed Store with at-rest encryption. Each value is sealed with
// ChaCha20-Poly1305 under a key derived from a caller-supplied master
// secret, so guard identities and consensus state never touch disk in the
// clear.
package kvstore

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// FileStore persists namespaced values as individual encrypted files under
// a base directory. File names are "namespace/key"; the namespaceKey check
// guarantees neither part contains a path separator.
type FileStore struct {
	dir string
	mu  sync.Mutex
	key []byte
}

// NewFileStore creates a file-backed store rooted at dir. The master secret
// is hashed with SHA-256 into the 32-byte ChaCha20-Poly1305 key; the secret
// itself is not retained.
func NewFileStore(dir string, masterSecret []byte) (*FileStore, error) {
	if len(masterSecret) == 0 {
		return nil, fmt.Errorf("master secret is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	key := sha256.Sum256(masterSecret)
	return &FileStore{dir: dir, key: key[:]}, nil
}

func (f *FileStore) pathFor(namespace, key string) (string, error) {
	joined, err := namespaceKey(namespace, key)
	if err != nil {
		return "", err
	}
	parts := strings.SplitN(joined, "/", 2)
	return filepath.Join(f.dir, parts[0], parts[1]), nil
}

// seal encrypts value with a fresh nonce; the nonce is prepended to the
// ciphertext so open can recover it.
func (f *FileStore) seal(value []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(f.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return append(nonce, aead.Seal(nil, nonce, value, nil)...), nil
}

func (f *FileStore) open(blob []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(f.key)
	if err != nil {
		return nil, err
	}
	if len(blob) < aead.NonceSize() {
		return nil, fmt.Errorf("stored blob too short: %d bytes", len(blob))
	}
	nonce, ciphertext := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt stored value: %w", err)
	}
	return plaintext, nil
}

// Get returns the decrypted value for key, or nil if absent.
func (f *FileStore) Get(namespace, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path, err := f.pathFor(namespace, key)
	if err != nil {
		return nil, err
	}
	blob, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read stored value: %w", err)
	}
	return f.open(blob)
}

// Set encrypts and stores value under key, writing through a temporary file
// so a crash never leaves a half-written value.
func (f *FileStore) Set(namespace, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	path, err := f.pathFor(namespace, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create namespace directory: %w", err)
	}
	sealed, err := f.seal(value)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return fmt.Errorf("failed to write stored value: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to commit stored value: %w", err)
	}
	return nil
}

// Delete removes key from namespace. Deleting an absent key is not an error.
func (f *FileStore) Delete(namespace, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	path, err := f.pathFor(namespace, key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete stored value: %w", err)
	}
	return nil
}

// List returns the keys present in namespace, sorted.
func (f *FileStore) List(namespace string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(f.dir, namespace))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list namespace: %w", err)
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		keys = append(keys, e.Name())
	}
	sort.Strings(keys)
	return keys, nil
}

// Clear removes every key in namespace.
func (f *FileStore) Clear(namespace string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.RemoveAll(filepath.Join(f.dir, namespace)); err != nil {
		return fmt.Errorf("failed to clear namespace: %w", err)
	}
	return nil
}
