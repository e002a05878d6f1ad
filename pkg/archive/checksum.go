package archive

import (
	"crypto/sha1"
	"encoding/hex"
	"io"
	"os"
)

// SHA1 returns the hex digest of the file at path.
func SHA1(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// WriteChecksum stores the SHA1 digest of target in hashPath and returns it.
func WriteChecksum(target, hashPath string) (string, error) {
	sum, err := SHA1(target)
	if err != nil {
		return "", err
	}
	return sum, os.WriteFile(hashPath, []byte(sum), 0600)
}
