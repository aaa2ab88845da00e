package commands

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"

	"passage/internal/vault"
)

const jwtSecretBytes = 48

// KeygenCmd prints freshly generated secrets in env file form.
type KeygenCmd struct{}

func (c *KeygenCmd) Run() error {
	return writeKeys(os.Stdout)
}

func writeKeys(w io.Writer) error {
	key, err := vault.GenerateKey()
	if err != nil {
		return fmt.Errorf("generate encryption key: %w", err)
	}

	secret := make([]byte, jwtSecretBytes)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generate jwt secret: %w", err)
	}

	_, err = fmt.Fprintf(w, "ENCRYPTION_KEY=%s\nJWT_SECRET=%s\n", key, base64.RawURLEncoding.EncodeToString(secret))
	return err
}
