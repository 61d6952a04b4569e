package pipeline

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"
	"unsafe"

	"github.com/danmuck/remotesource/internal/datamodel"
	"github.com/danmuck/remotesource/internal/extensibility"
	"github.com/danmuck/remotesource/internal/observability"
	"github.com/rs/zerolog"
)

type State int

const (
	StateUninitialized State = iota
	StateContextSet
	StateReady
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateContextSet:
		return "context_set"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Option func(*Controller)

func WithMetrics(m *observability.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// Controller wraps a DataSource with lifecycle enforcement, buffer
// validation, a catalog cache and progress clamping. It is itself a
// DataSource.
type Controller struct {
	source  extensibility.DataSource
	metrics *observability.Metrics
	logger  zerolog.Logger

	mu        sync.RWMutex
	state     State
	catalogs  map[string]datamodel.ResourceCatalog
	transient map[string]struct{}
}

var _ extensibility.DataSource = (*Controller)(nil)

func NewController(source extensibility.DataSource, opts ...Option) *Controller {
	c := &Controller{
		source:    source,
		logger:    zerolog.Nop(),
		catalogs:  make(map[string]datamodel.ResourceCatalog),
		transient: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Controller) SetContext(ctx context.Context, dsc extensibility.DataSourceContext, logger zerolog.Logger) (err error) {
	defer c.observe("setContext", time.Now(), &err)

	c.mu.Lock()
	if c.state != StateUninitialized {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: setContext called in state %s", extensibility.ErrLifecycle, state)
	}
	c.state = StateContextSet
	c.mu.Unlock()

	err = c.source.SetContext(ctx, dsc, logger)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.state = StateUninitialized
		c.logger.Warn().Err(err).Msg("setContext rejected")
		return err
	}
	c.state = StateReady
	locator := ""
	if dsc.ResourceLocator != nil {
		locator = dsc.ResourceLocator.Redacted()
	}
	c.logger.Info().Str("locator", locator).Msg("context set")
	return nil
}

func (c *Controller) GetCatalogRegistrations(ctx context.Context, path string) (regs []datamodel.CatalogRegistration, err error) {
	defer c.observe("getCatalogRegistrations", time.Now(), &err)
	if err = c.requireReady("getCatalogRegistrations"); err != nil {
		return nil, err
	}
	if path != datamodel.RootPath && !datamodel.ValidCatalogID(path) {
		return nil, fmt.Errorf("%w: malformed path %q", extensibility.ErrProtocol, path)
	}

	regs, err = c.source.GetCatalogRegistrations(ctx, path)
	if err != nil {
		return nil, err
	}
	if regs == nil {
		regs = []datamodel.CatalogRegistration{}
	}
	for _, reg := range regs {
		if !datamodel.IsAncestor(path, reg.Path) {
			return nil, fmt.Errorf("%w: registration %q is not below %q", extensibility.ErrProtocol, reg.Path, path)
		}
	}

	c.mu.Lock()
	for _, reg := range regs {
		if reg.Transient {
			c.transient[reg.Path] = struct{}{}
			delete(c.catalogs, reg.Path)
		}
	}
	c.mu.Unlock()
	return regs, nil
}

func (c *Controller) GetCatalog(ctx context.Context, catalogID string) (catalog datamodel.ResourceCatalog, err error) {
	defer c.observe("getCatalog", time.Now(), &err)
	if err = c.requireReady("getCatalog"); err != nil {
		return datamodel.ResourceCatalog{}, err
	}
	return c.catalog(ctx, catalogID)
}

func (c *Controller) catalog(ctx context.Context, catalogID string) (datamodel.ResourceCatalog, error) {
	c.mu.RLock()
	cached, ok := c.catalogs[catalogID]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	catalog, err := c.source.GetCatalog(ctx, catalogID)
	if err != nil {
		return datamodel.ResourceCatalog{}, err
	}
	if catalog.ID() != catalogID {
		return datamodel.ResourceCatalog{}, fmt.Errorf("%w: requested catalog %q, source returned %q",
			extensibility.ErrProtocol, catalogID, catalog.ID())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, skip := c.transient[catalogID]; skip {
		return catalog, nil
	}
	if existing, ok := c.catalogs[catalogID]; ok {
		return existing, nil
	}
	c.catalogs[catalogID] = catalog
	return catalog, nil
}

func (c *Controller) GetTimeRange(ctx context.Context, catalogID string) (tr datamodel.TimeRange, err error) {
	defer c.observe("getTimeRange", time.Now(), &err)
	if err = c.requireReady("getTimeRange"); err != nil {
		return datamodel.TimeRange{}, err
	}
	tr, err = c.source.GetTimeRange(ctx, catalogID)
	if err != nil {
		return datamodel.TimeRange{}, err
	}
	if tr.End.Before(tr.Begin) {
		return datamodel.TimeRange{}, fmt.Errorf("%w: time range of %q ends before it begins", extensibility.ErrProtocol, catalogID)
	}
	return tr, nil
}

func (c *Controller) GetAvailability(ctx context.Context, catalogID string, begin, end time.Time) (a float64, err error) {
	defer c.observe("getAvailability", time.Now(), &err)
	if err = c.requireReady("getAvailability"); err != nil {
		return 0, err
	}
	if end.Before(begin) {
		return 0, fmt.Errorf("%w: availability window ends before it begins", extensibility.ErrProtocol)
	}
	a, err = c.source.GetAvailability(ctx, catalogID, begin, end)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(a) || a < 0 || a > 1 {
		return 0, fmt.Errorf("%w: availability %v of %q is outside [0, 1]", extensibility.ErrProtocol, a, catalogID)
	}
	return a, nil
}

func (c *Controller) Read(
	ctx context.Context,
	begin, end time.Time,
	requests []extensibility.ReadRequest,
	readData extensibility.ReadDataHandler,
	progress extensibility.ProgressFunc,
) (err error) {
	defer c.observe("read", time.Now(), &err)
	if err = c.requireReady("read"); err != nil {
		return err
	}
	if end.Before(begin) {
		return fmt.Errorf("%w: read window ends before it begins", extensibility.ErrProtocol)
	}
	for _, req := range requests {
		if err = req.Validate(begin, end); err != nil {
			return err
		}
	}
	if err = checkAliasing(requests); err != nil {
		return err
	}
	if err = c.resolve(ctx, requests); err != nil {
		return extensibility.AsReadError(err)
	}

	clamp := &progressClamp{sink: progress, metrics: c.metrics}
	c.logger.Debug().
		Time("begin", begin).
		Time("end", end).
		Int("requests", len(requests)).
		Msg("read")
	if err = c.source.Read(ctx, begin, end, requests, readData, clamp.report); err != nil {
		return extensibility.AsReadError(err)
	}
	for _, req := range requests {
		valid := 0
		for _, s := range req.Status {
			if s == extensibility.StatusValid {
				valid++
			}
		}
		c.metrics.RecordSamples(req.Data.DataType().String(), valid, len(req.Status)-valid)
	}
	return nil
}

// resolve checks every request against the catalog that owns it, so a
// source is never asked for a resource or representation it does not serve.
func (c *Controller) resolve(ctx context.Context, requests []extensibility.ReadRequest) error {
	for _, req := range requests {
		catalog, err := c.catalog(ctx, req.Item.CatalogID)
		if err != nil {
			return err
		}
		item, err := catalog.Item(req.Item.Path())
		if err != nil {
			return fmt.Errorf("%w: %v", extensibility.ErrNotFound, err)
		}
		if want, got := item.Representation.DataType(), req.Item.Representation.DataType(); want != got {
			return fmt.Errorf("%w: %s is %s in the catalog, request carries %s",
				extensibility.ErrProtocol, req.Item.Path(), want, got)
		}
	}
	return nil
}

func (c *Controller) requireReady(method string) error {
	c.mu.RLock()
	state := c.state
	c.mu.RUnlock()
	if state != StateReady {
		return fmt.Errorf("%w: %s called in state %s", extensibility.ErrLifecycle, method, state)
	}
	return nil
}

func (c *Controller) observe(method string, start time.Time, err *error) {
	c.metrics.RecordInvocation(method, time.Since(start), *err)
}

type span struct {
	start, end uintptr
	what       string
}

// checkAliasing rejects requests whose data or status storage overlaps any
// other buffer of the same batch.
func checkAliasing(requests []extensibility.ReadRequest) error {
	spans := make([]span, 0, 2*len(requests))
	add := func(b []byte, what string) {
		if len(b) == 0 {
			return
		}
		start := uintptr(unsafe.Pointer(unsafe.SliceData(b)))
		spans = append(spans, span{start: start, end: start + uintptr(len(b)), what: what})
	}
	for _, req := range requests {
		path := req.Item.Path().String()
		add(req.Data.Bytes(), path+" data")
		add(req.Status, path+" status")
	}
	slices.SortFunc(spans, func(a, b span) int {
		return cmp.Compare(a.start, b.start)
	})
	for i := 1; i < len(spans); i++ {
		if spans[i].start < spans[i-1].end {
			return fmt.Errorf("%w: %s overlaps %s", extensibility.ErrProtocol, spans[i].what, spans[i-1].what)
		}
	}
	return nil
}

// progressClamp forwards a non-decreasing fraction in [0, 1]. NaN is dropped.
type progressClamp struct {
	mu      sync.Mutex
	last    float64
	sink    extensibility.ProgressFunc
	metrics *observability.Metrics
}

func (p *progressClamp) report(v float64) {
	if math.IsNaN(v) {
		return
	}
	v = math.Max(0, math.Min(1, v))
	p.mu.Lock()
	defer p.mu.Unlock()
	if v < p.last {
		return
	}
	p.last = v
	p.metrics.SetProgress(v)
	if p.sink != nil {
		p.sink(v)
	}
}
