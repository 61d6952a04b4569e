package datamodel

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
)

// RootPath is where a host starts walking catalog registrations.
const RootPath = "/"

var (
	catalogIDPattern    = regexp.MustCompile(`^(?:/[a-zA-Z_][a-zA-Z_0-9]*)+$`)
	resourceNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z_0-9]*$`)
)

func ValidCatalogID(id string) bool {
	return catalogIDPattern.MatchString(id)
}

func ValidResourceName(name string) bool {
	return resourceNamePattern.MatchString(name)
}

// IsAncestor reports whether id lies strictly below path.
// RootPath is an ancestor of every catalog id.
func IsAncestor(path, id string) bool {
	if path == RootPath {
		return id != RootPath && ValidCatalogID(id)
	}
	return strings.HasPrefix(id, path+"/")
}

// AncestorPaths returns RootPath followed by every proper prefix of id,
// shortest first: "/A/B/C" yields "/", "/A", "/A/B".
func AncestorPaths(id string) []string {
	out := []string{RootPath}
	for i := 1; i < len(id); i++ {
		if id[i] == '/' {
			out = append(out, id[:i])
		}
	}
	return out
}

// ResourcePath addresses one representation: <catalog>/<resource>/<representation>.
type ResourcePath struct {
	CatalogID        string
	ResourceName     string
	RepresentationID string
}

func (p ResourcePath) String() string {
	return p.CatalogID + "/" + p.ResourceName + "/" + p.RepresentationID
}

// SamplePeriod decodes the period encoded in the representation id.
func (p ResourcePath) SamplePeriod() (time.Duration, error) {
	return ParseRepresentationID(p.RepresentationID)
}

func ParseResourcePath(raw string) (ResourcePath, error) {
	repIdx := strings.LastIndexByte(raw, '/')
	if repIdx <= 0 {
		return ResourcePath{}, fmt.Errorf("%w: resource path %q", ErrInvalidPath, raw)
	}
	resIdx := strings.LastIndexByte(raw[:repIdx], '/')
	if resIdx <= 0 {
		return ResourcePath{}, fmt.Errorf("%w: resource path %q", ErrInvalidPath, raw)
	}
	p := ResourcePath{
		CatalogID:        raw[:resIdx],
		ResourceName:     raw[resIdx+1 : repIdx],
		RepresentationID: raw[repIdx+1:],
	}
	if !ValidCatalogID(p.CatalogID) || !ValidResourceName(p.ResourceName) {
		return ResourcePath{}, fmt.Errorf("%w: resource path %q", ErrInvalidPath, raw)
	}
	if _, err := ParseRepresentationID(p.RepresentationID); err != nil {
		return ResourcePath{}, err
	}
	return p, nil
}

var (
	MinTime = time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC)
	MaxTime = time.Date(9999, 12, 31, 23, 59, 59, 999999900, time.UTC)
)

// TimeRange is the half-open interval [Begin, End).
type TimeRange struct {
	Begin time.Time `json:"begin"`
	End   time.Time `json:"end"`
}

// Unbounded is the sentinel for sources without intrinsic limits.
func Unbounded() TimeRange {
	return TimeRange{Begin: MinTime, End: MaxTime}
}

func (r TimeRange) IsUnbounded() bool {
	return r.Begin.Equal(MinTime) && r.End.Equal(MaxTime)
}

// SampleCount returns ceil((end-begin)/period), the buffer length for one
// request over [begin, end).
func SampleCount(begin, end time.Time, period time.Duration) (int, error) {
	if period <= 0 {
		return 0, fmt.Errorf("%w: sample period %s", ErrInvalidWindow, period)
	}
	if end.Before(begin) {
		return 0, fmt.Errorf("%w: end %s before begin %s", ErrInvalidWindow, end.Format(time.RFC3339Nano), begin.Format(time.RFC3339Nano))
	}
	span := end.Sub(begin)
	if span == math.MaxInt64 && !begin.Add(span).Equal(end) {
		return 0, fmt.Errorf("%w: window too large", ErrInvalidWindow)
	}
	n := span / period
	if span%period != 0 {
		n++
	}
	if int64(n) > int64(math.MaxInt32) {
		return 0, fmt.Errorf("%w: %d samples exceed the buffer limit", ErrInvalidWindow, n)
	}
	return int(n), nil
}
