//go:build windows

package cookies

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// decryptPlatform decrypts a cookie payload with DPAPI under the current
// user's credentials.
func decryptPlatform(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty payload")
	}

	in := windows.DataBlob{
		Size: uint32(len(payload)),
		Data: &payload[0],
	}
	var out windows.DataBlob
	if err := windows.CryptUnprotectData(&in, nil, nil, 0, nil, 0, &out); err != nil {
		return nil, fmt.Errorf("dpapi decrypt: %w", err)
	}
	defer windows.LocalFree(windows.Handle(unsafe.Pointer(out.Data)))

	plain := make([]byte, out.Size)
	copy(plain, unsafe.Slice(out.Data, out.Size))
	return plain, nil
}
