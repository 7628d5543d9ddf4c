// Package checksum hashes code snapshots so a replay can prove it submits
// the code the original task ran.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

const prefix = "sha256:"

// SHA256Bytes computes the SHA256 hash of a byte slice and returns it as "sha256:hexstring"
func SHA256Bytes(data []byte) string {
	hash := sha256.Sum256(data)
	return prefix + hex.EncodeToString(hash[:])
}

// SHA256String hashes a code snapshot.
func SHA256String(s string) string {
	return SHA256Bytes([]byte(s))
}

// Verify checks that code hashes to expectedSum.
// Expected format: "sha256:hexstring"
func Verify(code string, expectedSum string) error {
	if !strings.HasPrefix(expectedSum, prefix) {
		return fmt.Errorf("invalid checksum format: must start with %q", prefix)
	}
	if len(expectedSum) != len(prefix)+64 {
		return fmt.Errorf("invalid checksum format: expected %d characters, got %d", len(prefix)+64, len(expectedSum))
	}

	actualSum := SHA256String(code)
	if actualSum != expectedSum {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", expectedSum, actualSum)
	}

	return nil
}
