package keyring

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fernet/fernet-go"

	"github.com/imgflow/credentials/storage"
)

var (
	// ErrEmptyKeyFile means the key file exists but holds no usable keys.
	// The ring must never be empty, so this is fatal at startup.
	ErrEmptyKeyFile = errors.New("key file contains no keys")

	// ErrDecryptFailure means no key in the ring opens the ciphertext.
	ErrDecryptFailure = errors.New("no key can decrypt ciphertext")
)

// Secrets are re-encrypted under the newest key on every rotation, so their
// embedded timestamps stay far inside this window. It only exists to reject
// tokens with absurd timestamps.
const maxSecretAge = 10 * 365 * 24 * time.Hour

// KeyRing is the ordered rotation-key list. Index 0 is the newest key and is
// the sole encryption key; decryption tries keys in order until one succeeds.
type KeyRing struct {
	mu   sync.RWMutex
	db   storage.Storage
	key  string
	keys []*fernet.Key
}

// Load reads the key file (newline-separated base64 keys, newest first) from
// the given storage key and returns a ring over it.
func Load(db storage.Storage, key string) (*KeyRing, error) {
	r := &KeyRing{db: db, key: key}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the key file from disk and swaps the in-memory list.
func (r *KeyRing) Reload() error {
	raw, err := r.db.GetKey(r.key)
	if err != nil {
		return fmt.Errorf("cannot read key file: %w", err)
	}

	keys, err := parseKeys(raw)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.keys = keys
	r.mu.Unlock()

	return nil
}

func parseKeys(raw []byte) ([]*fernet.Key, error) {
	var keys []*fernet.Key
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		k, err := fernet.DecodeKey(line)
		if err != nil {
			return nil, fmt.Errorf("malformed key in key file: %w", err)
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return nil, ErrEmptyKeyFile
	}
	return keys, nil
}

// Generate returns a fresh random key.
func Generate() (*fernet.Key, error) {
	var k fernet.Key
	if err := k.Generate(); err != nil {
		return nil, err
	}
	return &k, nil
}

// Len reports how many keys the ring currently holds.
func (r *KeyRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}

// Encrypt seals plaintext under the newest key.
func (r *KeyRing) Encrypt(plaintext []byte) ([]byte, error) {
	r.mu.RLock()
	newest := r.keys[0]
	r.mu.RUnlock()

	return fernet.EncryptAndSign(plaintext, newest)
}

// Decrypt opens ciphertext with the first key that verifies it, newest first.
func (r *KeyRing) Decrypt(ciphertext []byte) ([]byte, error) {
	r.mu.RLock()
	keys := r.keys
	r.mu.RUnlock()

	msg := fernet.VerifyAndDecrypt(ciphertext, maxSecretAge, keys)
	if msg == nil {
		return nil, ErrDecryptFailure
	}

	return msg, nil
}

// Prepend atomically rewrites the key file with key first, then reloads the
// ring so the new key becomes the encryption key.
func (r *KeyRing) Prepend(key *fernet.Key) error {
	raw, err := r.db.GetKey(r.key)
	if err != nil {
		return fmt.Errorf("cannot read key file: %w", err)
	}

	content := key.Encode() + "\n" + strings.TrimSpace(string(raw)) + "\n"
	if err := r.db.Set(r.key, []byte(content)); err != nil {
		return fmt.Errorf("cannot write key file: %w", err)
	}

	return r.Reload()
}

// Truncate rewrites the key file to contain only the newest key. Call only
// after every secret re-encrypted cleanly under it.
func (r *KeyRing) Truncate() error {
	r.mu.RLock()
	newest := r.keys[0]
	r.mu.RUnlock()

	if err := r.db.Set(r.key, []byte(newest.Encode()+"\n")); err != nil {
		return fmt.Errorf("cannot truncate key file: %w", err)
	}

	return r.Reload()
}

// Bootstrap writes a key file with one fresh key if none exists yet.
func Bootstrap(db storage.Storage, key string) error {
	found, err := db.Exist(key)
	if err != nil {
		return err
	}
	if found {
		return nil
	}

	k, err := Generate()
	if err != nil {
		return err
	}

	return db.Set(key, []byte(k.Encode()+"\n"))
}
