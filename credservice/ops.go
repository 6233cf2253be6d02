package credservice

import (
	"fmt"

	"github.com/imgflow/credentials/core/config"
	"github.com/imgflow/credentials/core/keyring"
	"github.com/imgflow/credentials/core/rotation"
	"github.com/imgflow/credentials/core/secretstore"
	"github.com/imgflow/credentials/storage"
)

// RotateKeysWithConfig runs one rotation sweep and prunes retired keys,
// without touching the bus. Meant for operators forcing a rotation outside
// the schedule.
func RotateKeysWithConfig(configPath string) error {
	c, err := config.NewConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}
	l := c.Logger

	rootDB, err := storage.New(c.DataDir)
	if err != nil {
		return err
	}
	secretsDB, err := storage.New(c.CredentialsDir)
	if err != nil {
		return err
	}

	ring, err := keyring.Load(rootDB, c.KeyFile)
	if err != nil {
		return fmt.Errorf("key ring is unusable: %w", err)
	}

	rotator := rotation.NewRotator(ring, secretstore.New(secretsDB, ring), l)
	report, err := rotator.RotateAndPrune()
	if err != nil {
		return err
	}
	if !report.Success() {
		for _, failure := range report.Failures {
			l.Error("secret not rotated", "secret", failure.Ref.String(), "error", failure.Err)
		}
		return fmt.Errorf("rotation incomplete: %d of %d secrets not re-encrypted, old keys kept",
			len(report.Failures), report.Rotated+len(report.Failures))
	}

	l.Info("rotation complete", "secrets", report.Rotated, "keys", ring.Len())
	return nil
}

// GenerateKey prints a fresh encryption key to stdout. The output is a
// single key file line; prepend it to an existing key file by hand only if
// you re-encrypt every secret afterwards.
func GenerateKey() error {
	key, err := keyring.Generate()
	if err != nil {
		return err
	}
	fmt.Println(key.Encode())
	return nil
}
