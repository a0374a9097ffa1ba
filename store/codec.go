package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	offlineshell "github.com/wolfeidau/offline-shell"
)

const (
	// CompressionThreshold is the minimum body size before compression is considered.
	CompressionThreshold = 2048

	// MaxBodySize is the maximum body size stored for one entry.
	MaxBodySize = 10 * 1024 * 1024 // 10MB

	// MaxHeaderSize is the maximum allowed size for the JSON frame header (64 KiB).
	MaxHeaderSize = 64 * 1024

	encodingIdentity = "identity"
	encodingZstd     = "zstd"
)

var (
	// magicBytes prefixes every encoded entry.
	magicBytes = []byte("OSE1")

	// ErrInvalidMagic is returned when an entry doesn't start with the expected magic bytes.
	ErrInvalidMagic = errors.New("invalid magic bytes: expected OSE1")

	// ErrHeaderTooLarge is returned when the header exceeds MaxHeaderSize.
	ErrHeaderTooLarge = errors.New("header exceeds maximum size")

	// ErrCorrupted is returned when body digest verification fails.
	ErrCorrupted = errors.New("store: body digest mismatch")
)

// Entry is one captured response.
type Entry struct {
	Key      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
	Digest   offlineshell.Digest
}

// Response builds a fresh response for req from the entry.
// A strong ETag derived from the body digest is added when the origin sent none.
func (e *Entry) Response(req *http.Request) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	if header.Get("ETag") == "" && !e.Digest.IsZero() {
		header.Set("ETag", e.Digest.ETag())
	}
	header.Del("Content-Length")

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          nopCloser(e.Body),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

// entryHeader is the JSON frame header stored in front of the body.
type entryHeader struct {
	Key      string              `json:"key"`
	Status   int                 `json:"status"`
	Header   http.Header         `json:"header,omitempty"`
	StoredAt time.Time           `json:"stored_at"`
	Encoding string              `json:"encoding"`
	Size     int64               `json:"size"`
	Digest   offlineshell.Digest `json:"digest"`
}

// Codec encodes entries into framed values with optional zstd compression.
// Encoder and decoder are goroutine-safe and can be reused.
type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

// NewCodec creates a new codec with pooled zstd encoder/decoder.
func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxBodySize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Codec{encoder: enc, decoder: dec}, nil
}

// Close releases encoder/decoder resources.
func (c *Codec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// Encode frames an entry.
// Format: MAGIC (4 bytes) | HDRLEN (uint32 big-endian) | HDRBYTES (JSON) | BODYBYTES
func (c *Codec) Encode(e *Entry) ([]byte, error) {
	if len(e.Body) > MaxBodySize {
		return nil, ErrBodyTooLarge
	}

	hdr := entryHeader{
		Key:      e.Key,
		Status:   e.Status,
		Header:   e.Header,
		StoredAt: e.StoredAt,
		Encoding: encodingIdentity,
		Size:     int64(len(e.Body)),
		Digest:   offlineshell.DigestBytes(e.Body),
	}
	e.Digest = hdr.Digest

	body := e.Body
	if len(body) >= CompressionThreshold {
		c.mu.RLock()
		enc := c.encoder
		c.mu.RUnlock()
		if enc != nil {
			compressed := enc.EncodeAll(body, nil)
			if len(compressed) < len(body) {
				body = compressed
				hdr.Encoding = encodingZstd
			}
		}
	}

	headerBytes, err := json.Marshal(&hdr)
	if err != nil {
		return nil, fmt.Errorf("marshaling header: %w", err)
	}
	if len(headerBytes) > MaxHeaderSize {
		return nil, ErrHeaderTooLarge
	}

	buf := bytes.NewBuffer(make([]byte, 0, len(magicBytes)+4+len(headerBytes)+len(body)))
	buf.Write(magicBytes)
	_ = binary.Write(buf, binary.BigEndian, uint32(len(headerBytes))) //nolint:gosec // bounds-checked above
	buf.Write(headerBytes)
	buf.Write(body)

	return buf.Bytes(), nil
}

// Decode parses a framed entry, decompressing and verifying the body digest.
func (c *Codec) Decode(data []byte) (*Entry, error) {
	if len(data) < len(magicBytes)+4 {
		return nil, fmt.Errorf("reading frame: %w", ErrCorrupted)
	}
	if !bytes.Equal(data[:len(magicBytes)], magicBytes) {
		return nil, ErrInvalidMagic
	}
	data = data[len(magicBytes):]

	headerLen := binary.BigEndian.Uint32(data[:4])
	if headerLen > MaxHeaderSize {
		return nil, ErrHeaderTooLarge
	}
	data = data[4:]
	if uint32(len(data)) < headerLen { //nolint:gosec // len is never negative
		return nil, fmt.Errorf("reading header: %w", ErrCorrupted)
	}

	var hdr entryHeader
	if err := json.Unmarshal(data[:headerLen], &hdr); err != nil {
		return nil, fmt.Errorf("parsing header: %w", err)
	}
	payload := data[headerLen:]

	var body []byte
	switch hdr.Encoding {
	case encodingIdentity, "":
		body = bytes.Clone(payload)
	case encodingZstd:
		if hdr.Size > MaxBodySize {
			return nil, ErrBodyTooLarge
		}
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return nil, errors.New("decoder not initialized")
		}
		decompressed, err := dec.DecodeAll(payload, make([]byte, 0, hdr.Size))
		if err != nil {
			return nil, fmt.Errorf("decompressing body: %w", err)
		}
		body = decompressed
	default:
		return nil, fmt.Errorf("unsupported encoding: %q", hdr.Encoding)
	}

	if int64(len(body)) != hdr.Size || offlineshell.DigestBytes(body) != hdr.Digest {
		return nil, ErrCorrupted
	}

	return &Entry{
		Key:      hdr.Key,
		Status:   hdr.Status,
		Header:   hdr.Header,
		Body:     body,
		StoredAt: hdr.StoredAt,
		Digest:   hdr.Digest,
	}, nil
}
