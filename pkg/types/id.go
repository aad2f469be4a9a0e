package types

import (
	"crypto/rand"
	"sync"
	"time"
)

// EventID is a 128-bit time-ordered identifier: a 48-bit millisecond
// timestamp followed by 80 random bits. IDs sort lexicographically in
// generation order, so they double as the insertion-order tie breaker
// for events sharing a timestamp.
type EventID [16]byte

// Crockford's Base32 alphabet (excludes I, L, O, U to avoid confusion)
const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

var base32Decode [256]byte

func init() {
	for i := range base32Decode {
		base32Decode[i] = 0xFF
	}
	for i := 0; i < len(crockfordBase32); i++ {
		c := crockfordBase32[i]
		base32Decode[c] = byte(i)
		if c >= 'A' && c <= 'Z' {
			base32Decode[c+'a'-'A'] = byte(i)
		}
	}
}

// IDGenerator generates time-ordered event IDs. IDs produced within the
// same millisecond are monotonically increasing.
type IDGenerator struct {
	mu       sync.Mutex
	lastMs   uint64
	lastRand [10]byte
}

// NewIDGenerator creates a new event ID generator.
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{}
}

// Generate creates a new EventID for the current time.
func (g *IDGenerator) Generate() (EventID, error) {
	return g.GenerateWithTime(time.Now())
}

// GenerateWithTime creates a new EventID for the specified time. Used by
// tests that need deterministic timestamps.
func (g *IDGenerator) GenerateWithTime(t time.Time) (EventID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := uint64(t.UnixMilli())

	var id EventID
	for i := 0; i < 6; i++ {
		id[i] = byte(ms >> (uint(5-i) * 8))
	}

	if ms == g.lastMs {
		// Same millisecond: increment the random component so IDs
		// stay ordered within the tick.
		for i := 9; i >= 0; i-- {
			g.lastRand[i]++
			if g.lastRand[i] != 0 {
				break
			}
		}
	} else {
		if _, err := rand.Read(g.lastRand[:]); err != nil {
			return EventID{}, err
		}
		g.lastMs = ms
	}
	copy(id[6:], g.lastRand[:])

	return id, nil
}

// Timestamp returns the timestamp component as Unix milliseconds.
func (id EventID) Timestamp() uint64 {
	var ms uint64
	for i := 0; i < 6; i++ {
		ms = ms<<8 | uint64(id[i])
	}
	return ms
}

// Time returns the timestamp component as a time.Time.
func (id EventID) Time() time.Time {
	return time.UnixMilli(int64(id.Timestamp()))
}

// String encodes the ID as a 26-character Crockford Base32 string.
func (id EventID) String() string {
	var buf [26]byte

	// Timestamp: 48 bits -> 10 characters (top two bits of the first
	// character are always zero).
	ts := id.Timestamp()
	for i := 0; i < 10; i++ {
		buf[i] = crockfordBase32[(ts>>uint(45-5*i))&0x1F]
	}

	// Random: 80 bits -> 16 characters, 5 bits at a time.
	var acc uint32
	bits, n := 0, 10
	for _, b := range id[6:] {
		acc = acc<<8 | uint32(b)
		bits += 8
		for bits >= 5 {
			bits -= 5
			buf[n] = crockfordBase32[(acc>>uint(bits))&0x1F]
			n++
		}
	}

	return string(buf[:])
}

// Compare compares two IDs lexicographically.
// Returns -1 if id < other, 0 if equal, 1 if id > other.
func (id EventID) Compare(other EventID) int {
	for i := 0; i < 16; i++ {
		if id[i] < other[i] {
			return -1
		}
		if id[i] > other[i] {
			return 1
		}
	}
	return 0
}

// IsZero reports whether the ID is the zero value.
func (id EventID) IsZero() bool {
	return id == EventID{}
}

// MarshalText implements encoding.TextMarshaler.
func (id EventID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *EventID) UnmarshalText(text []byte) error {
	parsed, err := ParseEventID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseEventID parses a 26-character Crockford Base32 string into an EventID.
func ParseEventID(s string) (EventID, error) {
	if len(s) != 26 {
		return EventID{}, ErrInvalidIDLength
	}

	var id EventID

	// Timestamp: 10 characters -> 48 bits.
	var ts uint64
	for i := 0; i < 10; i++ {
		v := base32Decode[s[i]]
		if v == 0xFF {
			return EventID{}, ErrInvalidIDCharacter
		}
		ts = ts<<5 | uint64(v)
	}
	if ts > 0xFFFFFFFFFFFF {
		return EventID{}, ErrInvalidIDCharacter
	}
	for i := 0; i < 6; i++ {
		id[i] = byte(ts >> (uint(5-i) * 8))
	}

	// Random: 16 characters -> 80 bits.
	var acc uint32
	bits, n := 0, 6
	for i := 10; i < 26; i++ {
		v := base32Decode[s[i]]
		if v == 0xFF {
			return EventID{}, ErrInvalidIDCharacter
		}
		acc = acc<<5 | uint32(v)
		bits += 5
		if bits >= 8 {
			bits -= 8
			id[n] = byte(acc >> uint(bits))
			n++
		}
	}

	return id, nil
}
