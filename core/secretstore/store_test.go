package secretstore

import (
	"bytes"
	"errors"
	"testing"

	"github.com/imgflow/credentials/core/keyring"
	"github.com/imgflow/credentials/storage"
)

func testStore(t *testing.T) *Store {
	t.Helper()

	keyDB, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := keyring.Bootstrap(keyDB, "credentials.key"); err != nil {
		t.Fatal(err)
	}
	ring, err := keyring.Load(keyDB, "credentials.key")
	if err != nil {
		t.Fatal(err)
	}

	db, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	return New(db, ring)
}

func TestPutGetRoundTrip(t *testing.T) {
	s := testStore(t)

	cases := [][]byte{
		[]byte(`{"access_key_id":"AKIA...","secret_access_key":"..."}`),
		[]byte(""),
		bytes.Repeat([]byte("service-account-json "), 500),
	}

	for _, plaintext := range cases {
		if err := s.Put("alice", "ec2", "acct-a", plaintext); err != nil {
			t.Fatalf("put failed: %v", err)
		}

		got, err := s.Get("alice", "ec2", "acct-a")
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Errorf("round trip mismatch for %d byte plaintext", len(plaintext))
		}
	}
}

func TestGetMissingSecret(t *testing.T) {
	s := testStore(t)

	if _, err := s.Get("alice", "ec2", "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCiphertextIsNotPlaintext(t *testing.T) {
	s := testStore(t)

	plaintext := []byte("super secret signing key")
	if err := s.Put("alice", "gce", "acct-g", plaintext); err != nil {
		t.Fatal(err)
	}

	ciphertext, err := s.GetCiphertext("alice", "gce", "acct-g")
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(ciphertext, plaintext) {
		t.Error("ciphertext contains the plaintext")
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := testStore(t)

	if err := s.Put("bob", "azure", "acct-z", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("bob", "azure", "acct-z"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("bob", "azure", "acct-z"); err != nil {
		t.Errorf("second delete should succeed, got %v", err)
	}

	found, err := s.Exists("bob", "azure", "acct-z")
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Error("secret still present after delete")
	}
}

func TestCorruptCiphertextFailsDecryption(t *testing.T) {
	db, _ := storage.New(t.TempDir())
	keyDB, _ := storage.New(t.TempDir())
	if err := keyring.Bootstrap(keyDB, "credentials.key"); err != nil {
		t.Fatal(err)
	}
	ring, _ := keyring.Load(keyDB, "credentials.key")
	s := New(db, ring)

	if err := db.Set("alice/ec2/acct-a", []byte("not a fernet token")); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Get("alice", "ec2", "acct-a"); !errors.Is(err, keyring.ErrDecryptFailure) {
		t.Errorf("expected ErrDecryptFailure, got %v", err)
	}
}

func TestListIgnoresNonSecretPaths(t *testing.T) {
	s := testStore(t)

	if err := s.Put("alice", "ec2", "acct-a", []byte("1")); err != nil {
		t.Fatal(err)
	}
	if err := s.Put("bob", "oci", "acct-o", []byte("2")); err != nil {
		t.Fatal(err)
	}
	if err := s.db.Set("stray-file", []byte("not a secret")); err != nil {
		t.Fatal(err)
	}

	refs, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 2 {
		t.Errorf("got %d refs, want 2: %v", len(refs), refs)
	}
}

func TestInvalidIdentifiersRejected(t *testing.T) {
	s := testStore(t)

	if err := s.Put("../alice", "ec2", "a", []byte("x")); err == nil {
		t.Error("path traversal in user accepted")
	}
	if err := s.Put("alice", "ec2", "a/b", []byte("x")); err == nil {
		t.Error("slash in account name accepted")
	}
}
