// Package cookies extracts claude.ai session cookies from the Claude
// Desktop browser-profile cookie store.
package cookies

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
	_ "modernc.org/sqlite"

	"github.com/jasonberkes/ses-local/internal/errors"
)

// cookieNames are the cookies the claude.ai client needs, in the order
// they appear in the Cookie header.
var cookieNames = []string{"sessionKey", "activitySessionId"}

// Read extracts the claude.ai cookies from the Chromium-format cookie
// database at dbPath. The database is copied to a temp file first; the
// owning process keeps it locked. A missing database is an AUTH_MISSING
// condition, not a failure.
func Read(dbPath string, logger *slog.Logger) (map[string]string, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, errors.NewAuthMissing("cookie database not found")
	}

	tmpPath, err := copyToTemp(dbPath)
	if err != nil {
		return nil, fmt.Errorf("copy cookie database: %w", err)
	}
	defer os.Remove(tmpPath)

	db, err := sql.Open("sqlite", "file:"+tmpPath+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open cookie database: %w", err)
	}
	defer db.Close()

	query := `
		SELECT name, value, encrypted_value
		FROM cookies
		WHERE host_key LIKE '%claude.ai' AND name IN (?, ?)`
	rows, err := db.Query(query, cookieNames[0], cookieNames[1])
	if err != nil {
		return nil, fmt.Errorf("query cookies: %w", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var (
			name      string
			value     string
			encrypted []byte
		)
		if err := rows.Scan(&name, &value, &encrypted); err != nil {
			return nil, fmt.Errorf("scan cookie row: %w", err)
		}
		if value != "" {
			out[name] = value
			continue
		}
		plain, err := decryptValue(encrypted)
		if err != nil {
			logger.Debug("could not decrypt cookie", "name", name, "error", err)
			continue
		}
		out[name] = plain
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cookies: %w", err)
	}

	if len(out) == 0 {
		return nil, errors.NewAuthMissing("no claude.ai cookies present")
	}
	return out, nil
}

// headerNames maps stored cookie names to the names claude.ai expects
// on the wire.
var headerNames = map[string]string{
	"sessionKey":        "sessionKey",
	"activitySessionId": "ssid",
}

// Header renders the cookies as a Cookie header value in canonical
// order, translating stored names to their wire names.
func Header(cookies map[string]string) string {
	var parts []string
	for _, name := range cookieNames {
		if v, ok := cookies[name]; ok && v != "" {
			parts = append(parts, headerNames[name]+"="+v)
		}
	}
	return strings.Join(parts, "; ")
}

// decryptValue handles a Chromium encrypted_value blob. v10/v11 values
// go through the platform key; anything else is accepted only if it is
// already printable and longer than ten bytes (pre-encryption profiles).
func decryptValue(encrypted []byte) (string, error) {
	if len(encrypted) == 0 {
		return "", fmt.Errorf("empty encrypted value")
	}
	if len(encrypted) > 3 {
		prefix := string(encrypted[:3])
		if prefix == "v10" || prefix == "v11" {
			plain, err := decryptPlatform(encrypted[3:])
			if err != nil {
				return "", err
			}
			return string(plain), nil
		}
	}
	if len(encrypted) > 10 && isPrintable(encrypted) {
		return string(encrypted), nil
	}
	return "", fmt.Errorf("unrecognized cookie encryption format")
}

// deriveKey is the Chromium cookie KDF: PBKDF2-SHA1 over the safe-storage
// password with the fixed "saltysalt" salt, 1003 rounds, 16-byte key.
func deriveKey(password string) []byte {
	return pbkdf2.Key([]byte(password), []byte("saltysalt"), 1003, 16, sha1.New)
}

// aesCBCDecrypt decrypts a Chromium cookie payload: AES-128-CBC with a
// constant all-spaces IV and PKCS#7 padding.
func aesCBCDecrypt(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d not a block multiple", len(data))
	}
	iv := []byte("                ")
	plain := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, data)
	return pkcs7Unpad(plain)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty plaintext")
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(data) {
		return nil, fmt.Errorf("bad padding byte %d", pad)
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, fmt.Errorf("inconsistent padding")
		}
	}
	return data[:len(data)-pad], nil
}

func isPrintable(data []byte) bool {
	for _, b := range data {
		if b < 0x20 || b > 0x7e {
			return false
		}
	}
	return len(data) > 0
}

func copyToTemp(path string) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer src.Close()

	tmp, err := os.CreateTemp("", "cookies-*")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}
