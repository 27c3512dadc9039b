package store

import (
	"fmt"
	"os"

	"golang.org/x/crypto/blake2b"
)

// VerifyCredentialsIntegrity checks a daemon's credentials file (e.g.
// config.Config.Credentials) against a sibling ".b2sum" digest,
// writing the digest on first use. This is a corruption/truncation
// guard, not secret persistence or encryption — spec.md's Non-goals
// forbid storing secrets in the database itself, so the file's
// contents are never read into Store.
func VerifyCredentialsIntegrity(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read credentials file: %w", err)
	}
	sum := blake2b.Sum256(data)
	digestPath := path + ".b2sum"

	existing, err := os.ReadFile(digestPath)
	if os.IsNotExist(err) {
		return os.WriteFile(digestPath, []byte(fmt.Sprintf("%x\n", sum)), 0o600)
	}
	if err != nil {
		return fmt.Errorf("read credentials digest: %w", err)
	}

	want := fmt.Sprintf("%x\n", sum)
	if string(existing) != want {
		return fmt.Errorf("credentials file %s failed integrity check against %s", path, digestPath)
	}
	return nil
}
