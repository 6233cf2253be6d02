package rotation

import (
	"fmt"
	"sync"

	"github.com/imgflow/credentials/core/keyring"
	"github.com/imgflow/credentials/core/secretstore"
	"github.com/imgflow/credentials/pkg/logger"
)

// FileFailure records one secret that could not be re-encrypted. The file is
// left untouched and stays decryptable with whichever old key still opens it.
type FileFailure struct {
	Ref secretstore.Ref
	Err error
}

// Report is the outcome of one rotation sweep.
type Report struct {
	Rotated  int
	Failures []FileFailure
}

// Success means every secret re-encrypted cleanly under the new key.
func (r *Report) Success() bool {
	return len(r.Failures) == 0
}

// Rotator re-encrypts the entire secret corpus under a fresh key. The mutex
// serializes Rotate and Prune against each other and against the scheduler,
// so invocations never overlap.
type Rotator struct {
	mu      sync.Mutex
	ring    *keyring.KeyRing
	secrets *secretstore.Store
	logger  logger.Logger
}

func NewRotator(ring *keyring.KeyRing, secrets *secretstore.Store, l logger.Logger) *Rotator {
	return &Rotator{
		ring:    ring,
		secrets: secrets,
		logger:  logger.EnsureLogger(l),
	}
}

// Rotate generates a fresh key, prepends it to the key file, then walks every
// secret: decrypt with the full ring, re-encrypt with the new key. A per-file
// failure is recorded and the sweep continues; old keys are never discarded
// here and a file that cannot be decrypted is never destroyed.
func (rt *Rotator) Rotate() (*Report, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	key, err := keyring.Generate()
	if err != nil {
		return nil, fmt.Errorf("cannot generate rotation key: %w", err)
	}
	if err := rt.ring.Prepend(key); err != nil {
		return nil, fmt.Errorf("cannot prepend rotation key: %w", err)
	}

	refs, err := rt.secrets.List()
	if err != nil {
		return nil, fmt.Errorf("cannot enumerate secrets: %w", err)
	}

	report := &Report{}
	for _, ref := range refs {
		if err := rt.reencrypt(ref); err != nil {
			rt.logger.Error("secret re-encryption failed, leaving file untouched",
				"secret", ref.String(), "error", err)
			report.Failures = append(report.Failures, FileFailure{Ref: ref, Err: err})
			continue
		}
		report.Rotated++
	}

	if report.Success() {
		rt.logger.Info("key rotation complete", "rotated", report.Rotated, "keys", rt.ring.Len())
	} else {
		rt.logger.Error("key rotation finished with failures, old keys retained",
			"rotated", report.Rotated, "failed", len(report.Failures))
	}

	return report, nil
}

func (rt *Rotator) reencrypt(ref secretstore.Ref) error {
	plaintext, err := rt.secrets.Get(ref.User, ref.Cloud, ref.Account)
	if err != nil {
		return err
	}
	return rt.secrets.Put(ref.User, ref.Cloud, ref.Account, plaintext)
}

// Prune truncates the key file to the newest key. Only call after a fully
// successful rotation.
func (rt *Rotator) Prune() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if err := rt.ring.Truncate(); err != nil {
		return err
	}

	rt.logger.Info("old rotation keys pruned")
	return nil
}

// RotateAndPrune runs one rotation and prunes old keys only when every file
// re-encrypted cleanly. This is what the scheduler and the CLI invoke.
func (rt *Rotator) RotateAndPrune() (*Report, error) {
	report, err := rt.Rotate()
	if err != nil {
		return nil, err
	}

	if report.Success() {
		if err := rt.Prune(); err != nil {
			return report, err
		}
	}

	return report, nil
}
