package ssh

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Quote single-quotes s for a POSIX shell.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// ReadPublicKey reads and validates an authorized_keys style public key file.
// It returns the key line with surrounding whitespace removed.
func ReadPublicKey(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read public key: %w", err)
	}
	line := strings.TrimSpace(string(data))
	if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line)); err != nil {
		return "", fmt.Errorf("invalid SSH public key %s: %w", path, err)
	}
	return line, nil
}

// CheckPrivateKey verifies that path holds a parseable, unencrypted private key.
func CheckPrivateKey(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read private key: %w", err)
	}
	if _, err := ssh.ParsePrivateKey(data); err != nil {
		return fmt.Errorf("invalid SSH private key %s: %w", path, err)
	}
	return nil
}
