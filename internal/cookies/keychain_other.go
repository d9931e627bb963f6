//go:build !darwin && !windows

package cookies

import "fmt"

// Claude Desktop ships for macOS and Windows only; elsewhere encrypted
// cookies cannot be recovered and callers degrade to AUTH_MISSING.
func decryptPlatform([]byte) ([]byte, error) {
	return nil, fmt.Errorf("cookie decryption unsupported on this platform")
}
