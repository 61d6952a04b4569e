package extensibility

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/danmuck/remotesource/internal/datamodel"
)

// Status bytes written next to every sample.
const (
	StatusInvalid byte = 0
	StatusValid   byte = 1
)

// Sample is any Go type that matches exactly one NumericType.
type Sample interface {
	uint8 | int8 | uint16 | int16 | uint32 | int32 | uint64 | int64 | float32 | float64
}

// SampleBuffer is a caller-owned little-endian view over raw sample bytes.
// The element width is fixed by its NumericType; typed access refuses any
// Go type that does not match it.
type SampleBuffer struct {
	dataType datamodel.NumericType
	raw      []byte
}

func NewSampleBuffer(dataType datamodel.NumericType, length int) SampleBuffer {
	return SampleBuffer{dataType: dataType, raw: make([]byte, length*dataType.Size())}
}

// WrapSampleBuffer views raw without copying.
func WrapSampleBuffer(dataType datamodel.NumericType, raw []byte) (SampleBuffer, error) {
	if !dataType.Valid() {
		return SampleBuffer{}, fmt.Errorf("%w: data type %s", ErrProtocol, dataType)
	}
	if len(raw)%dataType.Size() != 0 {
		return SampleBuffer{}, fmt.Errorf("%w: %d bytes is not a whole number of %s samples", ErrProtocol, len(raw), dataType)
	}
	return SampleBuffer{dataType: dataType, raw: raw}, nil
}

func (b SampleBuffer) DataType() datamodel.NumericType {
	return b.dataType
}

// Len is the number of samples, not bytes.
func (b SampleBuffer) Len() int {
	size := b.dataType.Size()
	if size == 0 {
		return 0
	}
	return len(b.raw) / size
}

// Bytes exposes the underlying storage.
func (b SampleBuffer) Bytes() []byte {
	return b.raw
}

func (b SampleBuffer) slot(i int) ([]byte, error) {
	if i < 0 || i >= b.Len() {
		return nil, fmt.Errorf("%w: sample index %d outside buffer of %d", ErrProtocol, i, b.Len())
	}
	size := b.dataType.Size()
	return b.raw[i*size : (i+1)*size], nil
}

// Put stores v at index i. T must be the buffer's exact sample type.
func Put[T Sample](b SampleBuffer, i int, v T) error {
	if err := checkType[T](b); err != nil {
		return err
	}
	dst, err := b.slot(i)
	if err != nil {
		return err
	}
	encode(dst, v)
	return nil
}

// At loads the sample at index i as T, the buffer's exact sample type.
func At[T Sample](b SampleBuffer, i int) (T, error) {
	var zero T
	if err := checkType[T](b); err != nil {
		return zero, err
	}
	src, err := b.slot(i)
	if err != nil {
		return zero, err
	}
	return decode[T](src), nil
}

// Fill writes fn(i) into every slot.
func Fill[T Sample](b SampleBuffer, fn func(i int) T) error {
	if err := checkType[T](b); err != nil {
		return err
	}
	size := b.dataType.Size()
	for i := 0; i < b.Len(); i++ {
		encode(b.raw[i*size:(i+1)*size], fn(i))
	}
	return nil
}

// Float64 is the explicit converting read used when handing samples upstream.
func (b SampleBuffer) Float64(i int) (float64, error) {
	src, err := b.slot(i)
	if err != nil {
		return 0, err
	}
	switch b.dataType {
	case datamodel.Uint8:
		return float64(decode[uint8](src)), nil
	case datamodel.Int8:
		return float64(decode[int8](src)), nil
	case datamodel.Uint16:
		return float64(decode[uint16](src)), nil
	case datamodel.Int16:
		return float64(decode[int16](src)), nil
	case datamodel.Uint32:
		return float64(decode[uint32](src)), nil
	case datamodel.Int32:
		return float64(decode[int32](src)), nil
	case datamodel.Uint64:
		return float64(decode[uint64](src)), nil
	case datamodel.Int64:
		return float64(decode[int64](src)), nil
	case datamodel.Float32:
		return float64(decode[float32](src)), nil
	case datamodel.Float64:
		return decode[float64](src), nil
	default:
		return 0, fmt.Errorf("%w: data type %s", ErrProtocol, b.dataType)
	}
}

// PutConverted is the explicit converting write for sources whose storage
// format differs from the declared representation type.
func (b SampleBuffer) PutConverted(i int, v float64) error {
	dst, err := b.slot(i)
	if err != nil {
		return err
	}
	switch b.dataType {
	case datamodel.Uint8:
		encode(dst, uint8(v))
	case datamodel.Int8:
		encode(dst, int8(v))
	case datamodel.Uint16:
		encode(dst, uint16(v))
	case datamodel.Int16:
		encode(dst, int16(v))
	case datamodel.Uint32:
		encode(dst, uint32(v))
	case datamodel.Int32:
		encode(dst, int32(v))
	case datamodel.Uint64:
		encode(dst, uint64(v))
	case datamodel.Int64:
		encode(dst, int64(v))
	case datamodel.Float32:
		encode(dst, float32(v))
	case datamodel.Float64:
		encode(dst, v)
	default:
		return fmt.Errorf("%w: data type %s", ErrProtocol, b.dataType)
	}
	return nil
}

// TypeOf maps a Go sample type to its NumericType.
func TypeOf[T Sample]() datamodel.NumericType {
	var zero T
	switch any(zero).(type) {
	case uint8:
		return datamodel.Uint8
	case int8:
		return datamodel.Int8
	case uint16:
		return datamodel.Uint16
	case int16:
		return datamodel.Int16
	case uint32:
		return datamodel.Uint32
	case int32:
		return datamodel.Int32
	case uint64:
		return datamodel.Uint64
	case int64:
		return datamodel.Int64
	case float32:
		return datamodel.Float32
	default:
		return datamodel.Float64
	}
}

func checkType[T Sample](b SampleBuffer) error {
	if want := TypeOf[T](); want != b.dataType {
		return fmt.Errorf("%w: %s buffer cannot take %s samples", ErrProtocol, b.dataType, want)
	}
	return nil
}

func encode[T Sample](dst []byte, v T) {
	switch x := any(v).(type) {
	case uint8:
		dst[0] = x
	case int8:
		dst[0] = byte(x)
	case uint16:
		binary.LittleEndian.PutUint16(dst, x)
	case int16:
		binary.LittleEndian.PutUint16(dst, uint16(x))
	case uint32:
		binary.LittleEndian.PutUint32(dst, x)
	case int32:
		binary.LittleEndian.PutUint32(dst, uint32(x))
	case uint64:
		binary.LittleEndian.PutUint64(dst, x)
	case int64:
		binary.LittleEndian.PutUint64(dst, uint64(x))
	case float32:
		binary.LittleEndian.PutUint32(dst, math.Float32bits(x))
	case float64:
		binary.LittleEndian.PutUint64(dst, math.Float64bits(x))
	}
}

func decode[T Sample](src []byte) T {
	var out T
	switch p := any(&out).(type) {
	case *uint8:
		*p = src[0]
	case *int8:
		*p = int8(src[0])
	case *uint16:
		*p = binary.LittleEndian.Uint16(src)
	case *int16:
		*p = int16(binary.LittleEndian.Uint16(src))
	case *uint32:
		*p = binary.LittleEndian.Uint32(src)
	case *int32:
		*p = int32(binary.LittleEndian.Uint32(src))
	case *uint64:
		*p = binary.LittleEndian.Uint64(src)
	case *int64:
		*p = int64(binary.LittleEndian.Uint64(src))
	case *float32:
		*p = math.Float32frombits(binary.LittleEndian.Uint32(src))
	case *float64:
		*p = math.Float64frombits(binary.LittleEndian.Uint64(src))
	}
	return out
}
