// Package derived serves /D/E/F/doubled: twice the samples of
// /A/B/C/resource2/1_s, read through the host's delegated read path.
package derived

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/danmuck/remotesource/internal/datamodel"
	"github.com/danmuck/remotesource/internal/extensibility"
	"github.com/rs/zerolog"
)

const (
	CatalogID    = "/D/E/F"
	Description  = "Doubled pressure of /A/B/C."
	UpstreamPath = "/A/B/C/resource2/1_s"

	// SettingEnabled is the source configuration key that turns OptIn on.
	SettingEnabled = "derived_enabled"
)

// Source is a SimpleDataSource. Wrap it with extensibility.Simple.
type Source struct {
	upstream string
}

var _ extensibility.SimpleDataSource = (*Source)(nil)

func New() *Source {
	return &Source{upstream: UpstreamPath}
}

// NewFrom doubles a different upstream resource path.
func NewFrom(upstream string) *Source {
	return &Source{upstream: upstream}
}

// OptIn adapts s into a DataSource that rejects its context with
// ErrConfiguration unless SettingEnabled is true, which keeps it out of a
// pipeline.Registry by default.
func OptIn(s *Source) extensibility.DataSource {
	return &optIn{DataSource: extensibility.Simple(s)}
}

type optIn struct {
	extensibility.DataSource
}

func (o *optIn) SetContext(ctx context.Context, dsc extensibility.DataSourceContext, logger zerolog.Logger) error {
	raw, ok := dsc.SourceSetting(SettingEnabled)
	if !ok {
		return fmt.Errorf("%w: %s is not set", extensibility.ErrConfiguration, SettingEnabled)
	}
	enabled, err := strconv.ParseBool(raw)
	if err != nil {
		return fmt.Errorf("%w: %s=%q: %v", extensibility.ErrConfiguration, SettingEnabled, raw, err)
	}
	if !enabled {
		return fmt.Errorf("%w: %s is false", extensibility.ErrConfiguration, SettingEnabled)
	}
	return o.DataSource.SetContext(ctx, dsc, logger)
}

func (s *Source) GetCatalogRegistrations(_ context.Context, path string) ([]datamodel.CatalogRegistration, error) {
	if path != datamodel.RootPath {
		return []datamodel.CatalogRegistration{}, nil
	}
	return []datamodel.CatalogRegistration{{Path: CatalogID, Description: Description}}, nil
}

func (s *Source) GetCatalog(_ context.Context, catalogID string) (datamodel.ResourceCatalog, error) {
	if catalogID != CatalogID {
		return datamodel.ResourceCatalog{}, extensibility.UnknownCatalog(catalogID)
	}
	doubled, err := datamodel.NewResourceBuilder("doubled").
		WithUnit("bar").
		AddRepresentation(datamodel.MustRepresentation(datamodel.Float64, time.Second)).
		Build()
	if err != nil {
		return datamodel.ResourceCatalog{}, err
	}
	return datamodel.NewCatalogBuilder(CatalogID).
		WithProperty("upstream", s.upstream).
		AddResource(doubled).
		Build()
}

func (s *Source) Read(
	ctx context.Context,
	begin, end time.Time,
	requests []extensibility.ReadRequest,
	upstream extensibility.Upstream,
	progress extensibility.ProgressFunc,
) error {
	if len(requests) == 0 {
		progress(1)
		return nil
	}
	for _, req := range requests {
		if req.Item.CatalogID != CatalogID {
			return extensibility.UnknownCatalog(req.Item.CatalogID)
		}
	}

	samples, err := upstream.ReadData(ctx, s.upstream, begin, end)
	if err != nil {
		return err
	}
	progress(0.5)

	for _, req := range requests {
		// Invalid upstream slots stay invalid; their values are left as is.
		for i := 0; i < samples.Len() && i < len(req.Status); i++ {
			req.Status[i] = samples.Status[i]
			if !samples.Valid(i) {
				continue
			}
			if err := extensibility.Put(req.Data, i, 2*samples.Values[i]); err != nil {
				return err
			}
		}
		for i := samples.Len(); i < len(req.Status); i++ {
			req.Status[i] = extensibility.StatusInvalid
		}
	}
	progress(1)
	return nil
}
