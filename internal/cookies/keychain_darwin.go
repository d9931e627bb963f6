//go:build darwin

package cookies

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// keychainTimeout bounds the security(1) call; a locked keychain can
// otherwise hang on a user prompt forever.
const keychainTimeout = 5 * time.Second

// decryptPlatform decrypts a v10/v11 payload using the key derived from
// the "Claude Safe Storage" keychain entry.
func decryptPlatform(payload []byte) ([]byte, error) {
	password, err := safeStoragePassword()
	if err != nil {
		return nil, err
	}
	return aesCBCDecrypt(deriveKey(password), payload)
}

func safeStoragePassword() (string, error) {
	// CI has no keychain; fail fast instead of hanging on a prompt.
	if os.Getenv("CI") == "true" {
		return "", fmt.Errorf("keychain unavailable in CI")
	}

	ctx, cancel := context.WithTimeout(context.Background(), keychainTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "security",
		"find-generic-password", "-w", "-s", "Claude Safe Storage").Output()
	if err != nil {
		return "", fmt.Errorf("keychain lookup: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}
