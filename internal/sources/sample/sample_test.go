package sample

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/danmuck/remotesource/internal/datamodel"
	"github.com/danmuck/remotesource/internal/extensibility"
	"github.com/danmuck/remotesource/internal/pipeline"
	"github.com/danmuck/remotesource/internal/testutil/testlog"
	"github.com/rs/zerolog"
)

func locator(t *testing.T, raw string) extensibility.DataSourceContext {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %s: %v", raw, err)
	}
	return extensibility.DataSourceContext{ResourceLocator: u}
}

func TestSetContextRequiresFileScheme(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	if err := New().SetContext(ctx, locator(t, "s3://bucket/data"), zerolog.Nop()); !errors.Is(err, extensibility.ErrConfiguration) {
		t.Fatalf("expected configuration error for s3 locator, got %v", err)
	}
	if err := New().SetContext(ctx, extensibility.DataSourceContext{}, zerolog.Nop()); !errors.Is(err, extensibility.ErrConfiguration) {
		t.Fatalf("expected configuration error for missing locator, got %v", err)
	}
	if err := New().SetContext(ctx, locator(t, "file:///tmp/data"), zerolog.Nop()); err != nil {
		t.Fatalf("file locator rejected: %v", err)
	}
}

func TestRegistrationsOnlyAtRoot(t *testing.T) {
	testlog.Start(t)
	s := New()
	regs, err := s.GetCatalogRegistrations(context.Background(), "/")
	if err != nil || len(regs) != 1 || regs[0].Path != CatalogID || regs[0].Description != Description {
		t.Fatalf("root registrations=%+v err=%v", regs, err)
	}
	regs, err = s.GetCatalogRegistrations(context.Background(), "/A")
	if err != nil || regs == nil || len(regs) != 0 {
		t.Fatalf("expected empty non-nil registrations below root, got %+v err=%v", regs, err)
	}
}

func TestCatalogShape(t *testing.T) {
	testlog.Start(t)
	c, err := New().GetCatalog(context.Background(), CatalogID)
	if err != nil {
		t.Fatalf("getCatalog: %v", err)
	}
	if v, ok := c.Property("a"); !ok || v != "b" {
		t.Fatalf("property a=%q ok=%v", v, ok)
	}
	want := map[string]struct {
		unit  string
		group string
		typ   datamodel.NumericType
	}{
		"resource1": {"°C", "group1", datamodel.Int64},
		"resource2": {"bar", "group2", datamodel.Float64},
	}
	if len(c.Resources()) != len(want) {
		t.Fatalf("resources=%d", len(c.Resources()))
	}
	for name, w := range want {
		r, ok := c.Resource(name)
		if !ok {
			t.Fatalf("missing %s", name)
		}
		reps := r.Representations()
		if r.Unit() != w.unit || len(r.Groups()) != 1 || r.Groups()[0] != w.group || len(reps) != 1 {
			t.Fatalf("%s: unit=%q groups=%v reps=%d", name, r.Unit(), r.Groups(), len(reps))
		}
		if reps[0].DataType() != w.typ || reps[0].SamplePeriod() != time.Second {
			t.Fatalf("%s: representation %s", name, reps[0].ID())
		}
	}

	if _, err := New().GetCatalog(context.Background(), "/X/Y"); !errors.Is(err, extensibility.ErrNotFound) {
		t.Fatalf("expected unknown catalog, got %v", err)
	}
}

func TestTimeRangeAndAvailability(t *testing.T) {
	testlog.Start(t)
	s := New()
	tr, err := s.GetTimeRange(context.Background(), CatalogID)
	if err != nil || !tr.IsUnbounded() {
		t.Fatalf("time range=%+v err=%v", tr, err)
	}
	now := time.Now()
	a, err := s.GetAvailability(context.Background(), CatalogID, now, now.Add(time.Hour))
	if err != nil || a != 1 {
		t.Fatalf("availability=%v err=%v", a, err)
	}
	if _, err := s.GetTimeRange(context.Background(), "/nope"); !errors.Is(err, extensibility.ErrNotFound) {
		t.Fatalf("expected unknown catalog, got %v", err)
	}
}

func TestReadWritesIndexAndValidStatus(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	c := pipeline.NewController(New())
	if err := c.SetContext(ctx, locator(t, "file:///tmp/data"), zerolog.Nop()); err != nil {
		t.Fatalf("setContext: %v", err)
	}
	catalog, err := c.GetCatalog(ctx, CatalogID)
	if err != nil {
		t.Fatalf("getCatalog: %v", err)
	}
	var items []datamodel.CatalogItem
	for _, r := range catalog.Resources() {
		items = append(items, datamodel.CatalogItem{CatalogID: CatalogID, Resource: r, Representation: r.Representations()[0]})
	}

	begin := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	end := begin.Add(time.Minute)
	requests, err := pipeline.Allocate(begin, end, items...)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	var last float64
	if err := c.Read(ctx, begin, end, requests, nil, func(p float64) { last = p }); err != nil {
		t.Fatalf("read: %v", err)
	}
	if last != 1 {
		t.Fatalf("final progress=%v", last)
	}
	for _, req := range requests {
		if req.Data.Len() != 60 {
			t.Fatalf("%s: %d samples", req.Item.Path(), req.Data.Len())
		}
		for i := 0; i < req.Data.Len(); i++ {
			v, err := req.Data.Float64(i)
			if err != nil || v != float64(i) || req.Status[i] != extensibility.StatusValid {
				t.Fatalf("%s[%d]=%v status=%d err=%v", req.Item.Path(), i, v, req.Status[i], err)
			}
		}
	}
}

func TestReadRejectsForeignCatalog(t *testing.T) {
	testlog.Start(t)
	catalog, err := Catalog()
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	r := catalog.Resources()[0]
	item := datamodel.CatalogItem{CatalogID: "/Z", Resource: r, Representation: r.Representations()[0]}
	begin := time.Unix(0, 0).UTC()
	requests, err := pipeline.Allocate(begin, begin.Add(3*time.Second), item)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	err = New().Read(context.Background(), begin, begin.Add(3*time.Second), requests, nil, nil)
	if !errors.Is(err, extensibility.ErrNotFound) {
		t.Fatalf("expected unknown catalog, got %v", err)
	}
}
