// Package sample is a generator source serving the fixed catalog /A/B/C.
package sample

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/danmuck/remotesource/internal/datamodel"
	"github.com/danmuck/remotesource/internal/extensibility"
	"github.com/danmuck/remotesource/internal/pipeline"
	"github.com/rs/zerolog"
)

const (
	CatalogID   = "/A/B/C"
	Description = "Test catalog /A/B/C."
)

// Source writes value[i] = i with status 1 for every request.
type Source struct {
	logger zerolog.Logger
}

var _ extensibility.DataSource = (*Source)(nil)

func New() *Source {
	return &Source{logger: zerolog.Nop()}
}

func (s *Source) SetContext(_ context.Context, dsc extensibility.DataSourceContext, logger zerolog.Logger) error {
	if err := dsc.RequireScheme("file"); err != nil {
		return err
	}
	root, err := dsc.LocalPath()
	if err != nil {
		return err
	}
	s.logger = logger
	s.logger.Debug().Str("root", root).Msg("sample source ready")
	return nil
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
	return Catalog()
}

func (s *Source) GetTimeRange(_ context.Context, catalogID string) (datamodel.TimeRange, error) {
	if catalogID != CatalogID {
		return datamodel.TimeRange{}, extensibility.UnknownCatalog(catalogID)
	}
	return datamodel.Unbounded(), nil
}

func (s *Source) GetAvailability(_ context.Context, catalogID string, _, _ time.Time) (float64, error) {
	if catalogID != CatalogID {
		return 0, extensibility.UnknownCatalog(catalogID)
	}
	return 1, nil
}

func (s *Source) Read(
	ctx context.Context,
	_, _ time.Time,
	requests []extensibility.ReadRequest,
	_ extensibility.ReadDataHandler,
	progress extensibility.ProgressFunc,
) error {
	for _, req := range requests {
		if req.Item.CatalogID != CatalogID {
			return extensibility.UnknownCatalog(req.Item.CatalogID)
		}
	}

	if progress == nil {
		progress = func(float64) {}
	}
	var done atomic.Int32
	total := float64(len(requests))
	return pipeline.ForEachRequest(ctx, requests, runtime.GOMAXPROCS(0), func(_ context.Context, _ int, req extensibility.ReadRequest) error {
		if err := fill(req); err != nil {
			return fmt.Errorf("%s: %w", req.Item.Path(), err)
		}
		progress(float64(done.Add(1)) / total)
		return nil
	})
}

func fill(req extensibility.ReadRequest) error {
	switch req.Data.DataType() {
	case datamodel.Int64:
		if err := extensibility.Fill(req.Data, func(i int) int64 { return int64(i) }); err != nil {
			return err
		}
	case datamodel.Float64:
		if err := extensibility.Fill(req.Data, func(i int) float64 { return float64(i) }); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: sample source cannot produce %s", extensibility.ErrProtocol, req.Data.DataType())
	}
	for i := range req.Status {
		req.Status[i] = extensibility.StatusValid
	}
	return nil
}

// Catalog builds /A/B/C: resource1 (INT64, °C) and resource2 (FLOAT64, bar),
// both sampled at 1 s.
func Catalog() (datamodel.ResourceCatalog, error) {
	resource1, err := datamodel.NewResourceBuilder("resource1").
		WithUnit("°C").
		WithGroups("group1").
		AddRepresentation(datamodel.MustRepresentation(datamodel.Int64, time.Second)).
		Build()
	if err != nil {
		return datamodel.ResourceCatalog{}, err
	}
	resource2, err := datamodel.NewResourceBuilder("resource2").
		WithUnit("bar").
		WithGroups("group2").
		AddRepresentation(datamodel.MustRepresentation(datamodel.Float64, time.Second)).
		Build()
	if err != nil {
		return datamodel.ResourceCatalog{}, err
	}
	return datamodel.NewCatalogBuilder(CatalogID).
		WithProperty("a", "b").
		AddResources(resource1, resource2).
		Build()
}
