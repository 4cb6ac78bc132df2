package crypto

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// LoadKeyFromEnv reads a 32-byte AES-256-GCM key from the named environment
// variable, which must hold a 64-character hex string. Generate one with:
//
//	openssl rand -hex 32
func LoadKeyFromEnv(envVar string) ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(envVar))
	if raw == "" {
		return nil, fmt.Errorf("environment variable %s is not set", envVar)
	}

	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid hex in %s: %w", envVar, err)
	}

	if len(key) != KeySize {
		return nil, fmt.Errorf("%s must be %d bytes (%d hex chars), got %d bytes",
			envVar, KeySize, KeySize*2, len(key))
	}

	return key, nil
}
