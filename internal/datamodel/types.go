package datamodel

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidDataType       = errors.New("datamodel: invalid data type")
	ErrInvalidRepresentation = errors.New("datamodel: invalid representation")
	ErrInvalidResource       = errors.New("datamodel: invalid resource")
	ErrInvalidCatalog        = errors.New("datamodel: invalid catalog")
	ErrInvalidPath           = errors.New("datamodel: invalid path")
	ErrInvalidWindow         = errors.New("datamodel: invalid time window")
)

// NumericType is the fixed-width encoding of one sample.
// The low byte carries the width in bits.
type NumericType uint16

const (
	Uint8   NumericType = 0x108
	Int8    NumericType = 0x208
	Uint16  NumericType = 0x110
	Int16   NumericType = 0x210
	Uint32  NumericType = 0x120
	Int32   NumericType = 0x220
	Uint64  NumericType = 0x140
	Int64   NumericType = 0x240
	Float32 NumericType = 0x320
	Float64 NumericType = 0x340
)

var numericTypeNames = map[NumericType]string{
	Uint8:   "UINT8",
	Int8:    "INT8",
	Uint16:  "UINT16",
	Int16:   "INT16",
	Uint32:  "UINT32",
	Int32:   "INT32",
	Uint64:  "UINT64",
	Int64:   "INT64",
	Float32: "FLOAT32",
	Float64: "FLOAT64",
}

// Size returns the element width in bytes.
func (t NumericType) Size() int {
	return int(t&0xFF) >> 3
}

func (t NumericType) Valid() bool {
	_, ok := numericTypeNames[t]
	return ok
}

func (t NumericType) String() string {
	if name, ok := numericTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("NumericType(0x%x)", uint16(t))
}

func (t NumericType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: 0x%x", ErrInvalidDataType, uint16(t))
	}
	return []byte(t.String()), nil
}

func (t *NumericType) UnmarshalText(b []byte) error {
	parsed, err := ParseNumericType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseNumericType accepts the upper- or lower-case type name.
func ParseNumericType(raw string) (NumericType, error) {
	name := strings.ToUpper(strings.TrimSpace(raw))
	for t, n := range numericTypeNames {
		if n == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidDataType, raw)
}
