package hashing

import (
	"encoding/base32"
	"fmt"
)

// Size is the length in bytes of a content hash.
const Size = 32

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Value identifies file content independent of its name. It is the root of
// the file's hash tree.
type Value [Size]byte

func (v Value) String() string {
	return encoding.EncodeToString(v[:])
}

func (v Value) IsZero() bool {
	return v == Value{}
}

func (v Value) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *Value) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Parse decodes the base32 form produced by String.
func Parse(s string) (Value, error) {
	var v Value
	raw, err := encoding.DecodeString(s)
	if err != nil {
		return v, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	if len(raw) != Size {
		return v, fmt.Errorf("invalid hash %q: got %d bytes, want %d", s, len(raw), Size)
	}
	copy(v[:], raw)
	return v, nil
}
