package datamodel

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Representation is one regularly sampled stream of a resource.
type Representation struct {
	dataType     NumericType
	samplePeriod time.Duration
}

// NewRepresentation validates the data type and requires a positive period.
func NewRepresentation(dataType NumericType, samplePeriod time.Duration) (Representation, error) {
	if !dataType.Valid() {
		return Representation{}, fmt.Errorf("%w: data type %s", ErrInvalidRepresentation, dataType)
	}
	if samplePeriod <= 0 {
		return Representation{}, fmt.Errorf("%w: sample period must be positive, got %s", ErrInvalidRepresentation, samplePeriod)
	}
	return Representation{dataType: dataType, samplePeriod: samplePeriod}, nil
}

// MustRepresentation is NewRepresentation for static catalogs.
func MustRepresentation(dataType NumericType, samplePeriod time.Duration) Representation {
	r, err := NewRepresentation(dataType, samplePeriod)
	if err != nil {
		panic(err)
	}
	return r
}

func (r Representation) DataType() NumericType {
	return r.dataType
}

func (r Representation) SamplePeriod() time.Duration {
	return r.samplePeriod
}

// ID renders the sample period with the largest unit that divides it,
// for example "1_s" or "100_ms".
func (r Representation) ID() string {
	return FormatPeriod(r.samplePeriod)
}

type periodUnit struct {
	suffix string
	unit   time.Duration
}

var periodUnits = []periodUnit{
	{"min", time.Minute},
	{"s", time.Second},
	{"ms", time.Millisecond},
	{"us", time.Microsecond},
	{"ns", time.Nanosecond},
}

func FormatPeriod(d time.Duration) string {
	for _, u := range periodUnits {
		if d%u.unit == 0 {
			return fmt.Sprintf("%d_%s", d/u.unit, u.suffix)
		}
	}
	return fmt.Sprintf("%d_ns", d)
}

// ParseRepresentationID is the inverse of Representation.ID.
func ParseRepresentationID(id string) (time.Duration, error) {
	count, suffix, ok := strings.Cut(id, "_")
	if !ok {
		return 0, fmt.Errorf("%w: representation id %q", ErrInvalidPath, id)
	}
	n, err := strconv.ParseInt(count, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: representation id %q", ErrInvalidPath, id)
	}
	for _, u := range periodUnits {
		if u.suffix == suffix {
			if n > math.MaxInt64/int64(u.unit) {
				return 0, fmt.Errorf("%w: representation id %q overflows", ErrInvalidPath, id)
			}
			return time.Duration(n) * u.unit, nil
		}
	}
	return 0, fmt.Errorf("%w: representation unit %q", ErrInvalidPath, suffix)
}

type representationWire struct {
	DataType     NumericType   `json:"dataType"`
	SamplePeriod time.Duration `json:"samplePeriod"`
}

func (r Representation) MarshalJSON() ([]byte, error) {
	return json.Marshal(representationWire{DataType: r.dataType, SamplePeriod: r.samplePeriod})
}

func (r *Representation) UnmarshalJSON(b []byte) error {
	var wire representationWire
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}
	parsed, err := NewRepresentation(wire.DataType, wire.SamplePeriod)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
