package serialization

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
)

// Digest is a SHA-256 checksum.
type Digest [ChecksumSize]byte

// String returns the lowercase hex encoding.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// ComputeChecksum computes SHA-256 checksum of data.
func ComputeChecksum(data []byte) Digest {
	return sha256.Sum256(data)
}

// ComputeChecksumReader computes SHA-256 checksum from an io.Reader
// without loading it into memory.
func ComputeChecksumReader(r io.Reader) (Digest, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return Digest{}, err
	}
	var sum Digest
	copy(sum[:], h.Sum(nil))
	return sum, nil
}

// ValidateChecksum compares computed checksum against stored checksum.
// Returns ErrChecksumMismatch if they don't match.
func ValidateChecksum(computed, stored Digest) error {
	if computed != stored {
		return ErrChecksumMismatch
	}
	return nil
}
