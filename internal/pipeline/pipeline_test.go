package pipeline

import (
	"context"
	"errors"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/remotesource/internal/datamodel"
	"github.com/danmuck/remotesource/internal/extensibility"
	"github.com/danmuck/remotesource/internal/observability"
	"github.com/danmuck/remotesource/internal/testutil/testlog"
	"github.com/rs/zerolog"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

const fixtureID = "/A/B/C"

// fixtureSource serves /A/B/C with resource1 (int64) and resource2 (float64)
// at 1s, writing value[i]=i with status 1.
type fixtureSource struct {
	schemes      []string
	catalogCalls atomic.Int32
	readCalls    atomic.Int32
	transient    bool
	readErr      error
	progress     []float64
	invalidOdd   bool
}

func (f *fixtureSource) SetContext(_ context.Context, dsc extensibility.DataSourceContext, _ zerolog.Logger) error {
	if len(f.schemes) == 0 {
		return nil
	}
	return dsc.RequireScheme(f.schemes...)
}

func (f *fixtureSource) GetCatalogRegistrations(_ context.Context, path string) ([]datamodel.CatalogRegistration, error) {
	if path != datamodel.RootPath {
		return nil, nil
	}
	return []datamodel.CatalogRegistration{{Path: fixtureID, Description: "Test catalog /A/B/C.", Transient: f.transient}}, nil
}

func (f *fixtureSource) GetCatalog(_ context.Context, id string) (datamodel.ResourceCatalog, error) {
	f.catalogCalls.Add(1)
	if id != fixtureID {
		return datamodel.ResourceCatalog{}, extensibility.UnknownCatalog(id)
	}
	return fixtureCatalog(), nil
}

func (f *fixtureSource) GetTimeRange(context.Context, string) (datamodel.TimeRange, error) {
	return datamodel.Unbounded(), nil
}

func (f *fixtureSource) GetAvailability(context.Context, string, time.Time, time.Time) (float64, error) {
	return 1, nil
}

func (f *fixtureSource) Read(
	ctx context.Context,
	_, _ time.Time,
	requests []extensibility.ReadRequest,
	_ extensibility.ReadDataHandler,
	progress extensibility.ProgressFunc,
) error {
	f.readCalls.Add(1)
	if f.readErr != nil {
		return f.readErr
	}
	for _, p := range f.progress {
		progress(p)
	}
	return ForEachRequest(ctx, requests, 2, func(_ context.Context, _ int, req extensibility.ReadRequest) error {
		for i := 0; i < req.Data.Len(); i++ {
			if f.invalidOdd && i%2 == 1 {
				req.Status[i] = extensibility.StatusInvalid
				continue
			}
			if err := req.Data.PutConverted(i, float64(i)); err != nil {
				return err
			}
			req.Status[i] = extensibility.StatusValid
		}
		return nil
	})
}

func fixtureCatalog() datamodel.ResourceCatalog {
	r1, err := datamodel.NewResourceBuilder("resource1").
		WithUnit("°C").
		WithGroups("group1").
		AddRepresentation(datamodel.MustRepresentation(datamodel.Int64, time.Second)).
		Build()
	if err != nil {
		panic(err)
	}
	r2, err := datamodel.NewResourceBuilder("resource2").
		WithUnit("bar").
		WithGroups("group2").
		AddRepresentation(datamodel.MustRepresentation(datamodel.Float64, time.Second)).
		Build()
	if err != nil {
		panic(err)
	}
	c, err := datamodel.NewCatalogBuilder(fixtureID).WithProperty("a", "b").AddResources(r1, r2).Build()
	if err != nil {
		panic(err)
	}
	return c
}

func fileContext(t *testing.T) extensibility.DataSourceContext {
	t.Helper()
	u, err := url.Parse("file:///tmp/data")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return extensibility.DataSourceContext{ResourceLocator: u}
}

func readyController(t *testing.T, src extensibility.DataSource, opts ...Option) *Controller {
	t.Helper()
	c := NewController(src, opts...)
	if err := c.SetContext(context.Background(), fileContext(t), zerolog.Nop()); err != nil {
		t.Fatalf("setContext: %v", err)
	}
	return c
}

func fixtureItems(t *testing.T, c extensibility.DataSource) []datamodel.CatalogItem {
	t.Helper()
	catalog, err := c.GetCatalog(context.Background(), fixtureID)
	if err != nil {
		t.Fatalf("getCatalog: %v", err)
	}
	var items []datamodel.CatalogItem
	for _, name := range []string{"resource1", "resource2"} {
		item, err := catalog.Item(datamodel.ResourcePath{CatalogID: fixtureID, ResourceName: name, RepresentationID: "1_s"})
		if err != nil {
			t.Fatalf("item %s: %v", name, err)
		}
		items = append(items, item)
	}
	return items
}

func TestControllerLifecycle(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	src := &fixtureSource{schemes: []string{"file"}}
	c := NewController(src)

	if _, err := c.GetCatalog(ctx, fixtureID); !errors.Is(err, extensibility.ErrLifecycle) {
		t.Fatalf("expected ErrLifecycle before setContext, got %v", err)
	}
	if err := c.Read(ctx, t0, t0, nil, nil, nil); !errors.Is(err, extensibility.ErrLifecycle) {
		t.Fatalf("expected read before setContext to fail, got %v", err)
	}

	s3, _ := url.Parse("s3://bucket/prefix")
	err := c.SetContext(ctx, extensibility.DataSourceContext{ResourceLocator: s3}, zerolog.Nop())
	if !errors.Is(err, extensibility.ErrConfiguration) {
		t.Fatalf("expected unsupported scheme to be ErrConfiguration, got %v", err)
	}
	if c.State() != StateUninitialized {
		t.Fatalf("failed setContext left state %s", c.State())
	}

	if err := c.SetContext(ctx, fileContext(t), zerolog.Nop()); err != nil {
		t.Fatalf("setContext retry: %v", err)
	}
	if c.State() != StateReady {
		t.Fatalf("state=%s want ready", c.State())
	}
	if err := c.SetContext(ctx, fileContext(t), zerolog.Nop()); !errors.Is(err, extensibility.ErrLifecycle) {
		t.Fatalf("expected second setContext rejected, got %v", err)
	}
}

func TestScenarioARead(t *testing.T) {
	testlog.Start(t)
	c := readyController(t, &fixtureSource{})
	end := t0.Add(5 * time.Second)
	requests, err := Allocate(t0, end, fixtureItems(t, c)...)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := c.Read(context.Background(), t0, end, requests, nil, nil); err != nil {
		t.Fatalf("read: %v", err)
	}

	for i := 0; i < 5; i++ {
		v1, err := extensibility.At[int64](requests[0].Data, i)
		if err != nil || v1 != int64(i) {
			t.Fatalf("resource1[%d]=%d err=%v", i, v1, err)
		}
		v2, err := extensibility.At[float64](requests[1].Data, i)
		if err != nil || v2 != float64(i) {
			t.Fatalf("resource2[%d]=%v err=%v", i, v2, err)
		}
		if requests[0].Status[i] != 1 || requests[1].Status[i] != 1 {
			t.Fatalf("status at %d not valid", i)
		}
	}
}

func TestScenarioBUnknownCatalogKeepsCache(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	src := &fixtureSource{}
	c := readyController(t, src)

	first, err := c.GetCatalog(ctx, fixtureID)
	if err != nil {
		t.Fatalf("getCatalog: %v", err)
	}
	if _, err := c.GetCatalog(ctx, "/unknown"); !errors.Is(err, extensibility.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := c.GetCatalog(ctx, "/unknown"); !errors.Is(err, extensibility.ErrNotFound) {
		t.Fatalf("expected repeated ErrNotFound, got %v", err)
	}
	second, err := c.GetCatalog(ctx, fixtureID)
	if err != nil {
		t.Fatalf("getCatalog after miss: %v", err)
	}
	if !first.Equal(second) {
		t.Fatalf("cached catalog changed after failed lookup")
	}
	if got := src.catalogCalls.Load(); got != 3 {
		t.Fatalf("source getCatalog calls=%d want 3 (one hit cached, two misses)", got)
	}
	c.mu.RLock()
	_, polluted := c.catalogs["/unknown"]
	size := len(c.catalogs)
	c.mu.RUnlock()
	if polluted || size != 1 {
		t.Fatalf("cache mutated by failed lookup: size=%d", size)
	}
}

func TestScenarioCRegistrations(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	c := readyController(t, &fixtureSource{})

	regs, err := c.GetCatalogRegistrations(ctx, "/")
	if err != nil {
		t.Fatalf("registrations: %v", err)
	}
	want := datamodel.CatalogRegistration{Path: "/A/B/C", Description: "Test catalog /A/B/C."}
	if len(regs) != 1 || regs[0] != want {
		t.Fatalf("registrations=%+v", regs)
	}

	leaf, err := c.GetCatalogRegistrations(ctx, fixtureID)
	if err != nil {
		t.Fatalf("leaf registrations: %v", err)
	}
	if leaf == nil || len(leaf) != 0 {
		t.Fatalf("leaf registrations=%#v want empty non-nil", leaf)
	}
	if _, err := c.GetCatalogRegistrations(ctx, "A//B"); !errors.Is(err, extensibility.ErrProtocol) {
		t.Fatalf("expected malformed path rejected, got %v", err)
	}
}

type strayRegistrations struct{ fixtureSource }

func (s *strayRegistrations) GetCatalogRegistrations(context.Context, string) ([]datamodel.CatalogRegistration, error) {
	return []datamodel.CatalogRegistration{{Path: "/X/Y"}}, nil
}

func TestRegistrationsMustLieBelowPath(t *testing.T) {
	testlog.Start(t)
	c := readyController(t, &strayRegistrations{})
	if _, err := c.GetCatalogRegistrations(context.Background(), "/A"); !errors.Is(err, extensibility.ErrProtocol) {
		t.Fatalf("expected stray registration rejected, got %v", err)
	}
}

func TestGetCatalogIdempotentAndCached(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	src := &fixtureSource{}
	c := readyController(t, src)

	a, err := c.GetCatalog(ctx, fixtureID)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	b, err := c.GetCatalog(ctx, fixtureID)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !a.Equal(b) {
		t.Fatalf("repeated getCatalog returned different catalogs")
	}
	if got := src.catalogCalls.Load(); got != 1 {
		t.Fatalf("source calls=%d want 1", got)
	}
}

func TestTransientCatalogBypassesCache(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	src := &fixtureSource{transient: true}
	c := readyController(t, src)
	if _, err := c.GetCatalogRegistrations(ctx, "/"); err != nil {
		t.Fatalf("registrations: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := c.GetCatalog(ctx, fixtureID); err != nil {
			t.Fatalf("getCatalog: %v", err)
		}
	}
	if got := src.catalogCalls.Load(); got != 3 {
		t.Fatalf("transient catalog cached: source calls=%d", got)
	}
}

func TestBufferLengthInvariant(t *testing.T) {
	testlog.Start(t)
	src := &fixtureSource{}
	c := readyController(t, src)
	items := fixtureItems(t, c)
	end := t0.Add(5 * time.Second)

	cases := map[string]extensibility.ReadRequest{
		"short data":   {Item: items[0], Data: extensibility.NewSampleBuffer(datamodel.Int64, 4), Status: make([]byte, 5)},
		"long status":  {Item: items[0], Data: extensibility.NewSampleBuffer(datamodel.Int64, 5), Status: make([]byte, 6)},
		"wrong width":  {Item: items[1], Data: extensibility.NewSampleBuffer(datamodel.Float32, 5), Status: make([]byte, 5)},
		"partial tail": {Item: items[1], Data: extensibility.NewSampleBuffer(datamodel.Float64, 5), Status: make([]byte, 4)},
	}
	for name, req := range cases {
		err := c.Read(context.Background(), t0, end, []extensibility.ReadRequest{req}, nil, nil)
		if !errors.Is(err, extensibility.ErrProtocol) {
			t.Fatalf("%s: expected ErrProtocol, got %v", name, err)
		}
	}

	// ceil(5.5s / 1s) = 6
	odd := end.Add(500 * time.Millisecond)
	reqs, err := Allocate(t0, odd, items[0])
	if err != nil || reqs[0].Data.Len() != 6 || len(reqs[0].Status) != 6 {
		t.Fatalf("allocate ceil: %+v err=%v", reqs, err)
	}
	if err := c.Read(context.Background(), t0, odd, reqs, nil, nil); err != nil {
		t.Fatalf("read with partial trailing period: %v", err)
	}
	if got := src.readCalls.Load(); got != 1 {
		t.Fatalf("source reached by invalid requests: calls=%d", got)
	}
}

func TestReadOfUnadvertisedItemsRejected(t *testing.T) {
	testlog.Start(t)
	src := &fixtureSource{}
	c := readyController(t, src)
	items := fixtureItems(t, c)
	end := t0.Add(5 * time.Second)

	bogusRes, err := datamodel.NewResourceBuilder("bogus").
		AddRepresentation(datamodel.MustRepresentation(datamodel.Int64, time.Millisecond)).
		Build()
	if err != nil {
		t.Fatalf("resource: %v", err)
	}
	bogus := datamodel.CatalogItem{CatalogID: fixtureID, Resource: bogusRes, Representation: bogusRes.Representations()[0]}
	coarse := items[0]
	coarse.Representation = datamodel.MustRepresentation(datamodel.Int64, time.Minute)
	retyped := items[1]
	retyped.Representation = datamodel.MustRepresentation(datamodel.Float32, time.Second)

	cases := []struct {
		name string
		item datamodel.CatalogItem
		want error
	}{
		{"unknown resource", bogus, extensibility.ErrNotFound},
		{"unknown representation", coarse, extensibility.ErrNotFound},
		{"data type mismatch", retyped, extensibility.ErrProtocol},
	}
	for _, tc := range cases {
		reqs, err := Allocate(t0, end, tc.item)
		if err != nil {
			t.Fatalf("%s: allocate: %v", tc.name, err)
		}
		err = c.Read(context.Background(), t0, end, reqs, nil, nil)
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
		for i, s := range reqs[0].Status {
			if s != extensibility.StatusInvalid {
				t.Fatalf("%s: status[%d]=%d was written", tc.name, i, s)
			}
		}
	}
	if got := src.readCalls.Load(); got != 0 {
		t.Fatalf("source reached by unadvertised items: calls=%d", got)
	}
}

func TestAliasedBuffersRejected(t *testing.T) {
	testlog.Start(t)
	c := readyController(t, &fixtureSource{})
	items := fixtureItems(t, c)
	end := t0.Add(5 * time.Second)
	reqs, err := Allocate(t0, end, items...)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	reqs[1].Status = reqs[0].Status
	if err := c.Read(context.Background(), t0, end, reqs, nil, nil); !errors.Is(err, extensibility.ErrProtocol) {
		t.Fatalf("expected shared status buffer rejected, got %v", err)
	}

	shared := make([]byte, 5*8+5)
	data, _ := extensibility.WrapSampleBuffer(datamodel.Int64, shared[:40])
	overlap := []extensibility.ReadRequest{{Item: items[0], Data: data, Status: shared[36:41]}}
	if err := c.Read(context.Background(), t0, end, overlap, nil, nil); !errors.Is(err, extensibility.ErrProtocol) {
		t.Fatalf("expected overlap within one request rejected, got %v", err)
	}
}

func TestStatusIndependentOfValues(t *testing.T) {
	testlog.Start(t)
	c := readyController(t, &fixtureSource{invalidOdd: true})
	items := fixtureItems(t, c)
	end := t0.Add(6 * time.Second)
	reqs, err := Allocate(t0, end, items[0])
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	const garbage = int64(-0x5A5A5A5A)
	for i := range reqs[0].Status {
		reqs[0].Status[i] = 0xEE
		if err := extensibility.Put(reqs[0].Data, i, garbage); err != nil {
			t.Fatalf("prefill: %v", err)
		}
	}
	if err := c.Read(context.Background(), t0, end, reqs, nil, nil); err != nil {
		t.Fatalf("read: %v", err)
	}
	for i := 0; i < 6; i++ {
		v, _ := extensibility.At[int64](reqs[0].Data, i)
		if i%2 == 1 {
			if reqs[0].Status[i] != extensibility.StatusInvalid {
				t.Fatalf("index %d: status=%d want 0", i, reqs[0].Status[i])
			}
			if v != garbage {
				t.Fatalf("index %d: invalid slot value was rewritten to %d", i, v)
			}
			continue
		}
		if reqs[0].Status[i] != extensibility.StatusValid || v != int64(i) {
			t.Fatalf("index %d: value=%d status=%d", i, v, reqs[0].Status[i])
		}
	}
}

func TestReadErrorCarriesCause(t *testing.T) {
	testlog.Start(t)
	cause := errors.New("disk on fire")
	c := readyController(t, &fixtureSource{readErr: cause})
	reqs, _ := Allocate(t0, t0.Add(time.Second), fixtureItems(t, c)[0])
	err := c.Read(context.Background(), t0, t0.Add(time.Second), reqs, nil, nil)
	var re *extensibility.ReadError
	if !errors.As(err, &re) || !errors.Is(err, cause) {
		t.Fatalf("expected ReadError wrapping cause, got %v", err)
	}
}

func TestProgressIsClampedAndMonotonic(t *testing.T) {
	testlog.Start(t)
	metrics := observability.NewMetrics()
	src := &fixtureSource{progress: []float64{-1, 0.25, 0.1, 0.5, 2, 0.75}}
	c := readyController(t, src, WithMetrics(metrics))
	reqs, _ := Allocate(t0, t0.Add(time.Second), fixtureItems(t, c)[0])

	var seen []float64
	if err := c.Read(context.Background(), t0, t0.Add(time.Second), reqs, nil, func(p float64) {
		seen = append(seen, p)
	}); err != nil {
		t.Fatalf("read: %v", err)
	}
	want := []float64{0, 0.25, 0.5, 1}
	if len(seen) != len(want) {
		t.Fatalf("progress=%v want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("progress=%v want %v", seen, want)
		}
	}
	summary := metrics.Summary()
	if summary["remotesource_rpc_invocations_total{method=read,outcome=ok}"] != 1 {
		t.Fatalf("read invocation not recorded: %v", summary)
	}
	if summary["remotesource_read_samples_total{data_type=INT64,status=valid}"] != 1 {
		t.Fatalf("samples not recorded: %v", summary)
	}
}

func TestAvailabilityOutOfRange(t *testing.T) {
	testlog.Start(t)
	c := readyController(t, &badAvailability{})
	if _, err := c.GetAvailability(context.Background(), fixtureID, t0, t0.Add(time.Hour)); !errors.Is(err, extensibility.ErrProtocol) {
		t.Fatalf("expected availability > 1 rejected, got %v", err)
	}
	if _, err := c.GetAvailability(context.Background(), fixtureID, t0.Add(time.Hour), t0); !errors.Is(err, extensibility.ErrProtocol) {
		t.Fatalf("expected reversed window rejected, got %v", err)
	}
}

type badAvailability struct{ fixtureSource }

func (b *badAvailability) GetAvailability(context.Context, string, time.Time, time.Time) (float64, error) {
	return 1.5, nil
}

func TestForEachRequestReturnsFirstError(t *testing.T) {
	testlog.Start(t)
	reqs, err := Allocate(t0, t0.Add(3*time.Second), fixtureCatalogItems(t)...)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	boom := errors.New("boom")
	var calls atomic.Int32
	err = ForEachRequest(context.Background(), reqs, 1, func(_ context.Context, i int, _ extensibility.ReadRequest) error {
		calls.Add(1)
		if i == 0 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("limit 1 should stop after the failing call, calls=%d", calls.Load())
	}
}

func fixtureCatalogItems(t *testing.T) []datamodel.CatalogItem {
	t.Helper()
	var items []datamodel.CatalogItem
	for _, r := range fixtureCatalog().Resources() {
		items = append(items, datamodel.CatalogItem{CatalogID: fixtureID, Resource: r, Representation: r.Representations()[0]})
	}
	return items
}
