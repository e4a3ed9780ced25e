package vo

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
)

// ByteSize is a non-negative storage size value object.
type ByteSize struct {
	bytes int64
}

const (
	KB int64 = 1024
	MB int64 = 1024 * KB
	GB int64 = 1024 * MB
)

var (
	ErrNegativeSize = errors.New("size cannot be negative")
)

// NewByteSize creates a new ByteSize value object.
func NewByteSize(bytes int64) (ByteSize, error) {
	if bytes < 0 {
		return ByteSize{}, ErrNegativeSize
	}
	return ByteSize{bytes: bytes}, nil
}

// MustByteSize creates a new ByteSize, panicking if invalid.
func MustByteSize(bytes int64) ByteSize {
	bs, err := NewByteSize(bytes)
	if err != nil {
		panic(err)
	}
	return bs
}

// ParseByteSize parses a humanized size such as "100MB" or "2GiB".
// A bare number is taken as bytes.
func ParseByteSize(s string) (ByteSize, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return ByteSize{}, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n > uint64(1<<63-1) {
		return ByteSize{}, fmt.Errorf("size %q overflows", s)
	}
	return ByteSize{bytes: int64(n)}, nil
}

// Bytes returns the size in bytes.
func (bs ByteSize) Bytes() int64 {
	return bs.bytes
}

// Fraction returns floor(bs * f), clamped to zero.
func (bs ByteSize) Fraction(f float64) ByteSize {
	if f <= 0 {
		return ByteSize{}
	}
	return ByteSize{bytes: int64(float64(bs.bytes) * f)}
}

// ExceedsLimit checks if this size exceeds the given limit.
func (bs ByteSize) ExceedsLimit(limit ByteSize) bool {
	return bs.bytes > limit.bytes
}

// Add returns a new ByteSize with the given size added.
func (bs ByteSize) Add(other ByteSize) ByteSize {
	return ByteSize{bytes: bs.bytes + other.bytes}
}

// Subtract returns a new ByteSize with the given size subtracted.
// Returns zero if result would be negative.
func (bs ByteSize) Subtract(other ByteSize) ByteSize {
	result := bs.bytes - other.bytes
	if result < 0 {
		return ByteSize{}
	}
	return ByteSize{bytes: result}
}

// String returns a human-readable string representation.
func (bs ByteSize) String() string {
	return humanize.IBytes(uint64(bs.bytes))
}
