package secretstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/imgflow/credentials/core/keyring"
	"github.com/imgflow/credentials/storage"
)

var ErrNotFound = errors.New("secret not found")

// Ref identifies one stored secret.
type Ref struct {
	User    string
	Cloud   string
	Account string
}

func (r Ref) String() string {
	return r.User + "/" + r.Cloud + "/" + r.Account
}

// Store is the encrypted-at-rest secret repository, one file per
// (user, cloud, account) under the credentials root. Plaintext only exists
// in memory for the duration of a single call.
type Store struct {
	db   storage.Storage
	ring *keyring.KeyRing
}

func New(db storage.Storage, ring *keyring.KeyRing) *Store {
	return &Store{db: db, ring: ring}
}

func secretKey(user, cloud, account string) (string, error) {
	for _, part := range []string{user, cloud, account} {
		if part == "" || strings.ContainsAny(part, "/\\") || part == "." || part == ".." {
			return "", fmt.Errorf("invalid secret identifier %q", part)
		}
	}
	return user + "/" + cloud + "/" + account, nil
}

// Put seals plaintext under the newest key and atomically writes it.
// Overwrite is permitted; account update reuses the same path.
func (s *Store) Put(user, cloud, account string, plaintext []byte) error {
	key, err := secretKey(user, cloud, account)
	if err != nil {
		return err
	}

	ciphertext, err := s.ring.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("cannot encrypt secret for %s: %w", key, err)
	}

	return s.db.Set(key, ciphertext)
}

// Get decrypts a stored secret, trying ring keys newest to oldest.
func (s *Store) Get(user, cloud, account string) ([]byte, error) {
	ciphertext, err := s.GetCiphertext(user, cloud, account)
	if err != nil {
		return nil, err
	}

	plaintext, err := s.ring.Decrypt(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("secret %s/%s/%s: %w", user, cloud, account, err)
	}

	return plaintext, nil
}

// GetCiphertext returns the stored ciphertext unchanged. Responses carry
// ciphertext; the requester decrypts with its own shared key.
func (s *Store) GetCiphertext(user, cloud, account string) ([]byte, error) {
	key, err := secretKey(user, cloud, account)
	if err != nil {
		return nil, err
	}

	ciphertext, err := s.db.GetKey(key)
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return ciphertext, nil
}

// Delete removes a secret. Absence is success.
func (s *Store) Delete(user, cloud, account string) error {
	key, err := secretKey(user, cloud, account)
	if err != nil {
		return err
	}
	return s.db.Delete(key)
}

// Exists is a cheap probe independent of decryption.
func (s *Store) Exists(user, cloud, account string) (bool, error) {
	key, err := secretKey(user, cloud, account)
	if err != nil {
		return false, err
	}
	return s.db.Exist(key)
}

// List enumerates every stored secret. Used by rotation to sweep the corpus.
func (s *Store) List() ([]Ref, error) {
	keys, err := s.db.ListKeys("*")
	if err != nil {
		return nil, err
	}

	var refs []Ref
	for _, key := range keys {
		parts := strings.Split(key, "/")
		if len(parts) != 3 {
			// not a secret path, leave it alone
			continue
		}
		refs = append(refs, Ref{User: parts[0], Cloud: parts[1], Account: parts[2]})
	}

	return refs, nil
}
