package extensibility

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/remotesource/internal/datamodel"
	"github.com/rs/zerolog"
)

// Samples is the result of a delegated read of another resource path.
type Samples struct {
	Path   datamodel.ResourcePath
	Period time.Duration
	Values []float64
	Status []byte
}

func (s Samples) Len() int {
	return len(s.Values)
}

func (s Samples) Valid(i int) bool {
	return s.Status[i] == StatusValid
}

// Upstream reads another registered resource over the outer read window.
type Upstream interface {
	ReadData(ctx context.Context, resourcePath string, begin, end time.Time) (Samples, error)
}

// SimpleDataSource is the reduced contract: no context handling, unbounded
// time range, full availability, and delegated reads through Upstream.
type SimpleDataSource interface {
	GetCatalogRegistrations(ctx context.Context, path string) ([]datamodel.CatalogRegistration, error)
	GetCatalog(ctx context.Context, catalogID string) (datamodel.ResourceCatalog, error)
	Read(ctx context.Context, begin, end time.Time, requests []ReadRequest, upstream Upstream, progress ProgressFunc) error
}

// Simple adapts a SimpleDataSource into a full DataSource.
func Simple(s SimpleDataSource) DataSource {
	return &simpleSource{inner: s, logger: zerolog.Nop()}
}

type simpleSource struct {
	inner  SimpleDataSource
	logger zerolog.Logger
}

var _ DataSource = (*simpleSource)(nil)

func (s *simpleSource) SetContext(_ context.Context, _ DataSourceContext, logger zerolog.Logger) error {
	s.logger = logger
	return nil
}

func (s *simpleSource) GetCatalogRegistrations(ctx context.Context, path string) ([]datamodel.CatalogRegistration, error) {
	return s.inner.GetCatalogRegistrations(ctx, path)
}

func (s *simpleSource) GetCatalog(ctx context.Context, catalogID string) (datamodel.ResourceCatalog, error) {
	return s.inner.GetCatalog(ctx, catalogID)
}

func (s *simpleSource) GetTimeRange(context.Context, string) (datamodel.TimeRange, error) {
	return datamodel.Unbounded(), nil
}

func (s *simpleSource) GetAvailability(context.Context, string, time.Time, time.Time) (float64, error) {
	return 1, nil
}

func (s *simpleSource) Read(
	ctx context.Context,
	begin, end time.Time,
	requests []ReadRequest,
	readData ReadDataHandler,
	progress ProgressFunc,
) error {
	d := &delegator{
		handler: readData,
		begin:   begin,
		end:     end,
		periods: make(map[time.Duration]struct{}, len(requests)),
		logger:  s.logger,
	}
	for _, req := range requests {
		d.periods[req.Item.Representation.SamplePeriod()] = struct{}{}
	}
	if progress == nil {
		progress = func(float64) {}
	}
	return s.inner.Read(ctx, begin, end, requests, d, progress)
}

// delegator is bound to one outer read: delegated reads must use the same
// window and a sample period that some request of the batch uses.
type delegator struct {
	handler ReadDataHandler
	begin   time.Time
	end     time.Time
	periods map[time.Duration]struct{}
	logger  zerolog.Logger
}

func (d *delegator) ReadData(ctx context.Context, resourcePath string, begin, end time.Time) (Samples, error) {
	if !begin.Equal(d.begin) || !end.Equal(d.end) {
		return Samples{}, fmt.Errorf("%w: delegated read of %s uses window [%s, %s), outer window is [%s, %s)",
			ErrConfiguration, resourcePath,
			begin.Format(time.RFC3339Nano), end.Format(time.RFC3339Nano),
			d.begin.Format(time.RFC3339Nano), d.end.Format(time.RFC3339Nano))
	}
	path, err := datamodel.ParseResourcePath(resourcePath)
	if err != nil {
		return Samples{}, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	period, err := path.SamplePeriod()
	if err != nil {
		return Samples{}, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if _, ok := d.periods[period]; !ok {
		return Samples{}, fmt.Errorf("%w: delegated read of %s has sample period %s, which no request of this read uses",
			ErrConfiguration, resourcePath, period)
	}
	if d.handler == nil {
		return Samples{}, fmt.Errorf("%w: no upstream reader for %s", ErrConfiguration, resourcePath)
	}
	n, err := datamodel.SampleCount(begin, end, period)
	if err != nil {
		return Samples{}, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	out := Samples{
		Path:   path,
		Period: period,
		Values: make([]float64, n),
		Status: make([]byte, n),
	}
	d.logger.Debug().Str("path", resourcePath).Int("samples", n).Msg("delegated read")
	if err := d.handler(ctx, resourcePath, begin, end, out.Values, out.Status); err != nil {
		return Samples{}, err
	}
	return out, nil
}
