package store

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// ErrCorrupt is returned when entry bytes fail to decode. Callers treat a
// corrupt entry as a miss rather than surfacing partial data.
var ErrCorrupt = errors.New("cache entry is corrupted")

// entryMagic identifies the on-disk entry format.
var entryMagic = [4]byte{'F', 'C', 'E', '1'}

const entryVersion = 1

// Fixed header size: magic(4) + version(1) + created(8) + expires(8) +
// accessed(8) + keyLen(2) + tagCount(2).
const fixedHeaderSize = 4 + 1 + 8 + 8 + 8 + 2 + 2

// Entry is the unit of storage: an opaque payload plus the metadata needed
// for expiry, tag invalidation, and LRU ordering. The metadata lives in a
// self-describing header so expiry and tag checks never touch the payload.
type Entry struct {
	// Key is the logical key as supplied by the caller. It is embedded in the
	// header because filenames are hashed and otherwise irreversible.
	Key string
	// Payload is the caller-supplied byte sequence. The cache never inspects it.
	Payload []byte
	// CreatedAt is when the entry was written.
	CreatedAt time.Time
	// ExpiresAt is when the entry expires. The zero value means never.
	ExpiresAt time.Time
	// AccessedAt is when the entry was last read, used for LRU eviction.
	AccessedAt time.Time
	// Tags are the labels attached by the most recent write.
	Tags []string
}

// Expired reports whether the entry's TTL has elapsed at the given instant.
func (e *Entry) Expired(now time.Time) bool {
	if e.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(e.ExpiresAt)
}

// Stale reports whether the entry is expired but still within the grace
// window during which it may be served while another caller refreshes it.
func (e *Entry) Stale(now time.Time, grace time.Duration) bool {
	if !e.Expired(now) {
		return false
	}
	return now.Before(e.ExpiresAt.Add(grace))
}

// EncodeEntry serializes an entry into the on-disk format:
// fixed header, key, tag block, payload checksum, payload length, payload.
func EncodeEntry(e *Entry) ([]byte, error) {
	if err := ValidateKey(e.Key); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Write(entryMagic[:])
	buf.WriteByte(entryVersion)
	writeInt64(&buf, timeToNanos(e.CreatedAt))
	writeInt64(&buf, timeToNanos(e.ExpiresAt))
	writeInt64(&buf, timeToNanos(e.AccessedAt))

	writeUint16(&buf, uint16(len(e.Key)))
	if len(e.Tags) > int(^uint16(0)) {
		return nil, fmt.Errorf("too many tags: %d", len(e.Tags))
	}
	writeUint16(&buf, uint16(len(e.Tags)))
	buf.WriteString(e.Key)
	for _, tag := range e.Tags {
		if len(tag) > int(^uint16(0)) {
			return nil, fmt.Errorf("tag too long: %d bytes", len(tag))
		}
		writeUint16(&buf, uint16(len(tag)))
		buf.WriteString(tag)
	}

	sum := sha256.Sum256(e.Payload)
	buf.Write(sum[:])
	writeUint64(&buf, uint64(len(e.Payload)))
	buf.Write(e.Payload)

	return buf.Bytes(), nil
}

// DecodeEntry deserializes entry bytes, verifying structure and the payload
// checksum. Returns ErrCorrupt on any truncation or mismatch.
func DecodeEntry(data []byte) (*Entry, error) {
	entry, rest, err := decodeHeader(data)
	if err != nil {
		return nil, err
	}

	if len(rest) < sha256.Size+8 {
		return nil, ErrCorrupt
	}
	var want [sha256.Size]byte
	copy(want[:], rest[:sha256.Size])
	rest = rest[sha256.Size:]

	payloadLen := binary.BigEndian.Uint64(rest[:8])
	rest = rest[8:]
	if uint64(len(rest)) != payloadLen {
		return nil, ErrCorrupt
	}
	payload := make([]byte, payloadLen)
	copy(payload, rest)

	if sha256.Sum256(payload) != want {
		return nil, ErrCorrupt
	}

	entry.Payload = payload
	return entry, nil
}

// DecodeHeader decodes only the metadata header of entry bytes, leaving
// Payload nil. It skips the payload checksum, making existence and eviction
// scans cheap. Returns ErrCorrupt if the header is malformed.
func DecodeHeader(data []byte) (*Entry, error) {
	entry, _, err := decodeHeader(data)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func decodeHeader(data []byte) (*Entry, []byte, error) {
	if len(data) < fixedHeaderSize {
		return nil, nil, ErrCorrupt
	}
	if !bytes.Equal(data[:4], entryMagic[:]) {
		return nil, nil, ErrCorrupt
	}
	if data[4] != entryVersion {
		return nil, nil, ErrCorrupt
	}

	created := nanosToTime(int64(binary.BigEndian.Uint64(data[5:13])))
	expires := nanosToTime(int64(binary.BigEndian.Uint64(data[13:21])))
	accessed := nanosToTime(int64(binary.BigEndian.Uint64(data[21:29])))
	keyLen := int(binary.BigEndian.Uint16(data[29:31]))
	tagCount := int(binary.BigEndian.Uint16(data[31:33]))

	rest := data[fixedHeaderSize:]
	if len(rest) < keyLen {
		return nil, nil, ErrCorrupt
	}
	key := string(rest[:keyLen])
	rest = rest[keyLen:]

	var tags []string
	for i := 0; i < tagCount; i++ {
		if len(rest) < 2 {
			return nil, nil, ErrCorrupt
		}
		tagLen := int(binary.BigEndian.Uint16(rest[:2]))
		rest = rest[2:]
		if len(rest) < tagLen {
			return nil, nil, ErrCorrupt
		}
		tags = append(tags, string(rest[:tagLen]))
		rest = rest[tagLen:]
	}

	if key == "" {
		return nil, nil, ErrCorrupt
	}
	if !expires.IsZero() && expires.Before(created) {
		return nil, nil, ErrCorrupt
	}

	return &Entry{
		Key:        key,
		CreatedAt:  created,
		ExpiresAt:  expires,
		AccessedAt: accessed,
		Tags:       tags,
	}, rest, nil
}

func timeToNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func nanosToTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func writeInt64(buf *bytes.Buffer, v int64) {
	writeUint64(buf, uint64(v))
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}
