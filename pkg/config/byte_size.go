package config

import (
	"encoding/json/v2"
	"fmt"
	"strconv"
	"strings"
)

// ByteSize is a byte count that unmarshals from either a bare JSON number
// or a human-readable string such as "512kb", "10MiB", or "1g". It sizes
// in-memory buffers like the flight recorder's trace window.
type ByteSize int64

const (
	Byte ByteSize = 1
	KB   ByteSize = 1000
	MB   ByteSize = 1000 * KB
	GB   ByteSize = 1000 * MB
	KiB  ByteSize = 1024
	MiB  ByteSize = 1024 * KiB
	GiB  ByteSize = 1024 * MiB
)

// Int64 returns the size in bytes.
func (b ByteSize) Int64() int64 {
	return int64(b)
}

// byteUnits maps the accepted (lowercased) suffixes to their multipliers.
// IEC suffixes are powers of 1024, SI suffixes powers of 1000, and the
// single-letter shorthands follow SI.
var byteUnits = map[string]ByteSize{
	"":    Byte,
	"b":   Byte,
	"k":   KB,
	"kb":  KB,
	"kib": KiB,
	"m":   MB,
	"mb":  MB,
	"mib": MiB,
	"g":   GB,
	"gb":  GB,
	"gib": GiB,
}

// String renders the size with the largest suffix that divides it evenly,
// preferring IEC units, and falls back to a plain byte count.
func (b ByteSize) String() string {
	for _, u := range []struct {
		suffix string
		unit   ByteSize
	}{
		{"GiB", GiB}, {"MiB", MiB}, {"KiB", KiB},
		{"GB", GB}, {"MB", MB}, {"KB", KB},
	} {
		if b >= u.unit && b%u.unit == 0 {
			return strconv.FormatInt(int64(b/u.unit), 10) + u.suffix
		}
	}
	return strconv.FormatInt(int64(b), 10)
}

func (b ByteSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

func (b *ByteSize) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// A bare number means raw bytes.
		var n int64
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("expected byte size string or number, got %s", string(data))
		}
		*b = ByteSize(n)
		return nil
	}

	parsed, err := ParseByteSize(s)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// ParseByteSize parses strings like "1024", "256kb", "10MiB", or "1.5g".
// Suffixes are case-insensitive.
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty byte size string")
	}

	// Split the trailing unit suffix off the number.
	i := len(s)
	for i > 0 {
		if c := s[i-1]; c >= '0' && c <= '9' || c == '.' {
			break
		}
		i--
	}

	unit, ok := byteUnits[strings.ToLower(strings.TrimSpace(s[i:]))]
	if !ok {
		return 0, fmt.Errorf("invalid byte size unit in %q", s)
	}
	num, err := strconv.ParseFloat(strings.TrimSpace(s[:i]), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: expected something like \"256kb\", \"10MiB\", or \"1024\"", s)
	}

	return ByteSize(num * float64(unit)), nil
}
