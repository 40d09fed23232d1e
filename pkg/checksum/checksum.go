// Package checksum provides the SHA-256 helpers used to stamp archived
// segments and to verify them on restore.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// EmptySHA256 is the digest of zero bytes.
const EmptySHA256 = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// Sum returns the hex SHA-256 of data.
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Reader hashes r to EOF and returns the hex digest and byte count.
func Reader(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, fmt.Errorf("checksum: read: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// File hashes the file at path.
func File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("checksum: open: %w", err)
	}
	defer f.Close()
	sum, _, err := Reader(f)
	return sum, err
}

// Verify confirms that the SHA-256 of data matches expectedHex.
func Verify(data []byte, expectedHex string) error {
	return Match(Sum(data), expectedHex)
}

// VerifyReader confirms that the SHA-256 of r's content matches expectedHex.
func VerifyReader(r io.Reader, expectedHex string) error {
	got, _, err := Reader(r)
	if err != nil {
		return err
	}
	return Match(got, expectedHex)
}

// Match compares a computed digest with an expected one, ignoring hex case.
func Match(got, expectedHex string) error {
	if !strings.EqualFold(got, strings.TrimSpace(expectedHex)) {
		return fmt.Errorf("checksum: sha256 mismatch: got %s, expected %s", got, expectedHex)
	}
	return nil
}
