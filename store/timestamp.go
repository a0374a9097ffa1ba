package store

import (
	"encoding/binary"
	"time"
)

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte slice.
// Uses an offset to handle negative nanosecond values (pre-1970 dates).
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(t.UnixNano()-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// decodeTimestamp converts a big-endian byte slice back to time.Time.
func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	ns := int64(binary.BigEndian.Uint64(b[:8])) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}
