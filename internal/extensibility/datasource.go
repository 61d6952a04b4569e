package extensibility

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/remotesource/internal/datamodel"
	"github.com/rs/zerolog"
)

// ReadRequest binds caller-owned buffers to one catalog item. The callee
// writes into Data and Status during a single Read and must not retain them.
type ReadRequest struct {
	Item   datamodel.CatalogItem
	Data   SampleBuffer
	Status []byte
}

// Validate checks type and length against the window [begin, end).
func (r ReadRequest) Validate(begin, end time.Time) error {
	rep := r.Item.Representation
	if r.Data.DataType() != rep.DataType() {
		return fmt.Errorf("%w: %s expects %s samples, buffer holds %s",
			ErrProtocol, r.Item.Path(), rep.DataType(), r.Data.DataType())
	}
	want, err := datamodel.SampleCount(begin, end, rep.SamplePeriod())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if r.Data.Len() != want || len(r.Status) != want {
		return fmt.Errorf("%w: %s expects %d samples, got data=%d status=%d",
			ErrProtocol, r.Item.Path(), want, r.Data.Len(), len(r.Status))
	}
	return nil
}

// ReadDataHandler reads another resource path into caller-allocated buffers.
// Values arrive converted to float64; status follows the usual 0/1 rule.
type ReadDataHandler func(ctx context.Context, resourcePath string, begin, end time.Time, data []float64, status []byte) error

// ProgressFunc receives a non-decreasing fraction in [0, 1].
type ProgressFunc func(progress float64)

// DataSource is the full-control plugin contract.
type DataSource interface {
	SetContext(ctx context.Context, dsc DataSourceContext, logger zerolog.Logger) error
	GetCatalogRegistrations(ctx context.Context, path string) ([]datamodel.CatalogRegistration, error)
	GetCatalog(ctx context.Context, catalogID string) (datamodel.ResourceCatalog, error)
	GetTimeRange(ctx context.Context, catalogID string) (datamodel.TimeRange, error)
	GetAvailability(ctx context.Context, catalogID string, begin, end time.Time) (float64, error)
	Read(ctx context.Context, begin, end time.Time, requests []ReadRequest, readData ReadDataHandler, progress ProgressFunc) error
}
