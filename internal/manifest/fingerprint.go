package manifest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// Fingerprint hashes manifest content after normalizing line endings and trailing
// whitespace, so a re-saved file with CRLF endings or an extra newline is not a change.
func Fingerprint(body []byte) (string, error) {
	normalized := bytes.TrimRight(bytes.ReplaceAll(body, []byte("\r\n"), []byte("\n")), " \t\n")
	if len(normalized) == 0 {
		return "", errors.New("manifest body is empty")
	}
	sum := sha256.Sum256(normalized)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
