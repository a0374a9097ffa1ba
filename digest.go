// Package offlineshell holds the types shared by every layer of the offline shell:
// cache generations and content digests of captured response bodies.
package offlineshell

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// DigestSize is the size of a BLAKE3 digest in bytes (256 bits).
const DigestSize = 32

// Digest is the BLAKE3 256-bit digest of a captured response body.
type Digest [DigestSize]byte

// String returns the hex-encoded digest.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// ShortString returns a shortened hex representation for logs.
func (d Digest) ShortString() string {
	return hex.EncodeToString(d[:8])
}

// ETag returns a strong entity tag derived from the digest.
func (d Digest) ETag() string {
	return `"b3-` + hex.EncodeToString(d[:16]) + `"`
}

// IsZero returns true if the digest is all zeros (uninitialized).
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	if len(text) != DigestSize*2 {
		return fmt.Errorf("invalid digest length: expected %d hex chars, got %d", DigestSize*2, len(text))
	}
	_, err := hex.Decode(d[:], text)
	return err
}

// ParseDigest parses a hex-encoded digest string.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	if err := d.UnmarshalText([]byte(s)); err != nil {
		return Digest{}, err
	}
	return d, nil
}

// DigestBytes computes the BLAKE3 digest of the given bytes.
func DigestBytes(data []byte) Digest {
	return Digest(blake3.Sum256(data))
}

// DigestReader computes the digest of everything read from r.
// It returns the digest and the number of bytes read.
func DigestReader(r io.Reader) (Digest, int64, error) {
	h := blake3.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Digest{}, n, fmt.Errorf("hashing content: %w", err)
	}
	var d Digest
	h.Sum(d[:0])
	return d, n, nil
}
