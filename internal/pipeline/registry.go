package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/remotesource/internal/datamodel"
	"github.com/danmuck/remotesource/internal/extensibility"
	"github.com/danmuck/remotesource/internal/observability"
	"github.com/rs/zerolog"
)

// DefaultMaxDelegationDepth bounds chains of delegated reads resolved locally.
const DefaultMaxDelegationDepth = 8

var (
	ErrSourceExists = errors.New("data source already registered")
	ErrSourceNil    = errors.New("data source is nil")
	ErrInvalidName  = errors.New("invalid data source name")
)

type member struct {
	name    string
	source  extensibility.DataSource
	enabled bool
}

// Registry serves several data sources as one. Catalog ids are owned by the
// first member that advertises them.
type Registry struct {
	metrics  *observability.Metrics
	maxDepth int

	mu         sync.RWMutex
	members    []*member
	byName     map[string]*member
	owners     map[string]*member
	contextSet bool
	logger     zerolog.Logger
}

var _ extensibility.DataSource = (*Registry)(nil)

func NewRegistry(metrics *observability.Metrics) *Registry {
	return &Registry{
		metrics:  metrics,
		maxDepth: DefaultMaxDelegationDepth,
		byName:   make(map[string]*member),
		owners:   make(map[string]*member),
		logger:   zerolog.Nop(),
	}
}

// Register adds a source under name. Registration closes once the context
// has been set.
func (r *Registry) Register(name string, source extensibility.DataSource) error {
	if source == nil {
		return ErrSourceNil
	}
	if !isValidName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.contextSet {
		return fmt.Errorf("%w: register %q after setContext", extensibility.ErrLifecycle, name)
	}
	if _, ok := r.byName[name]; ok {
		return fmt.Errorf("%w: %q", ErrSourceExists, name)
	}
	m := &member{name: name, source: source}
	r.members = append(r.members, m)
	r.byName[name] = m
	return nil
}

// Names lists registered sources in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m.name)
	}
	return out
}

// Enabled reports whether name accepted the session context.
func (r *Registry) Enabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byName[name]
	return ok && m.enabled
}

// SetContext hands the context to every member. Members that reject it with
// ErrConfiguration are disabled for the session; any other error aborts.
func (r *Registry) SetContext(ctx context.Context, dsc extensibility.DataSourceContext, logger zerolog.Logger) error {
	r.mu.Lock()
	r.contextSet = true
	r.logger = logger
	members := append([]*member(nil), r.members...)
	r.mu.Unlock()

	enabled := 0
	for _, m := range members {
		err := m.source.SetContext(ctx, dsc, logger.With().Str("source", m.name).Logger())
		switch {
		case err == nil:
			r.mu.Lock()
			m.enabled = true
			r.mu.Unlock()
			enabled++
		case errors.Is(err, extensibility.ErrConfiguration):
			logger.Info().Str("source", m.name).Err(err).Msg("source disabled for session")
		default:
			return fmt.Errorf("source %s: %w", m.name, err)
		}
	}
	if enabled == 0 {
		locator := ""
		if dsc.ResourceLocator != nil {
			locator = dsc.ResourceLocator.Redacted()
		}
		return fmt.Errorf("%w: no registered source accepts locator %q", extensibility.ErrConfiguration, locator)
	}
	return nil
}

func (r *Registry) GetCatalogRegistrations(ctx context.Context, path string) ([]datamodel.CatalogRegistration, error) {
	seen := make(map[string]struct{})
	out := []datamodel.CatalogRegistration{}
	for _, m := range r.enabled() {
		regs, err := m.source.GetCatalogRegistrations(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", m.name, err)
		}
		for _, reg := range regs {
			r.claim(reg.Path, m)
			if _, dup := seen[reg.Path]; dup {
				continue
			}
			seen[reg.Path] = struct{}{}
			out = append(out, reg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Path < out[j].Path
	})
	return out, nil
}

func (r *Registry) GetCatalog(ctx context.Context, catalogID string) (datamodel.ResourceCatalog, error) {
	m, err := r.owner(ctx, catalogID)
	if err != nil {
		return datamodel.ResourceCatalog{}, err
	}
	return m.source.GetCatalog(ctx, catalogID)
}

func (r *Registry) GetTimeRange(ctx context.Context, catalogID string) (datamodel.TimeRange, error) {
	m, err := r.owner(ctx, catalogID)
	if err != nil {
		return datamodel.TimeRange{}, err
	}
	return m.source.GetTimeRange(ctx, catalogID)
}

func (r *Registry) GetAvailability(ctx context.Context, catalogID string, begin, end time.Time) (float64, error) {
	m, err := r.owner(ctx, catalogID)
	if err != nil {
		return 0, err
	}
	return m.source.GetAvailability(ctx, catalogID, begin, end)
}

// Read partitions the batch by owning source and reads each partition in
// turn. Progress of partition i of n maps onto [i/n, (i+1)/n].
func (r *Registry) Read(
	ctx context.Context,
	begin, end time.Time,
	requests []extensibility.ReadRequest,
	readData extensibility.ReadDataHandler,
	progress extensibility.ProgressFunc,
) error {
	if progress == nil {
		progress = func(float64) {}
	}

	type group struct {
		owner    *member
		requests []extensibility.ReadRequest
	}
	var groups []*group
	byOwner := make(map[*member]*group)
	for _, req := range requests {
		m, err := r.owner(ctx, req.Item.CatalogID)
		if err != nil {
			return err
		}
		g, ok := byOwner[m]
		if !ok {
			g = &group{owner: m}
			byOwner[m] = g
			groups = append(groups, g)
		}
		g.requests = append(g.requests, req)
	}

	handler := r.readDataHandler(readData, 0)
	n := float64(len(groups))
	for i, g := range groups {
		base := float64(i)
		scaled := func(p float64) { progress((base + p) / n) }
		if err := g.owner.source.Read(ctx, begin, end, g.requests, handler, scaled); err != nil {
			return fmt.Errorf("source %s: %w", g.owner.name, err)
		}
	}
	progress(1)
	return nil
}

// readDataHandler resolves delegated reads against the registered sources
// and falls back to outer for paths no member owns.
func (r *Registry) readDataHandler(outer extensibility.ReadDataHandler, depth int) extensibility.ReadDataHandler {
	return func(ctx context.Context, resourcePath string, begin, end time.Time, data []float64, status []byte) (err error) {
		path, err := datamodel.ParseResourcePath(resourcePath)
		if err != nil {
			return fmt.Errorf("%w: %v", extensibility.ErrConfiguration, err)
		}
		m, err := r.owner(ctx, path.CatalogID)
		if errors.Is(err, extensibility.ErrNotFound) {
			if outer == nil {
				return fmt.Errorf("%w: no source owns %s", extensibility.ErrConfiguration, resourcePath)
			}
			err = outer(ctx, resourcePath, begin, end, data, status)
			r.metrics.RecordDelegated("upstream", err)
			return err
		}
		if err != nil {
			return err
		}
		defer func() { r.metrics.RecordDelegated("local", err) }()

		if depth >= r.maxDepth {
			return fmt.Errorf("%w: delegated read of %s exceeds depth %d", extensibility.ErrConfiguration, resourcePath, r.maxDepth)
		}
		catalog, err := m.source.GetCatalog(ctx, path.CatalogID)
		if err != nil {
			return err
		}
		item, err := catalog.Item(path)
		if err != nil {
			return fmt.Errorf("%w: %v", extensibility.ErrNotFound, err)
		}
		reqs, err := Allocate(begin, end, item)
		if err != nil {
			return err
		}
		req := reqs[0]
		if len(data) != req.Data.Len() || len(status) != len(req.Status) {
			return fmt.Errorf("%w: delegated read of %s expects %d samples, got data=%d status=%d",
				extensibility.ErrProtocol, resourcePath, req.Data.Len(), len(data), len(status))
		}

		r.logger.Debug().Str("path", resourcePath).Str("source", m.name).Int("depth", depth).Msg("local delegated read")
		noop := func(float64) {}
		if err = m.source.Read(ctx, begin, end, reqs, r.readDataHandler(outer, depth+1), noop); err != nil {
			return err
		}
		for i := range data {
			if data[i], err = req.Data.Float64(i); err != nil {
				return err
			}
			status[i] = req.Status[i]
		}
		return nil
	}
}

// owner returns the member owning catalogID, walking registrations from the
// root down when the id has not been seen yet.
func (r *Registry) owner(ctx context.Context, catalogID string) (*member, error) {
	r.mu.RLock()
	m, ok := r.owners[catalogID]
	r.mu.RUnlock()
	if ok {
		return m, nil
	}
	if !datamodel.ValidCatalogID(catalogID) {
		return nil, extensibility.UnknownCatalog(catalogID)
	}

	members := r.enabled()
	for _, path := range datamodel.AncestorPaths(catalogID) {
		for _, m := range members {
			regs, err := m.source.GetCatalogRegistrations(ctx, path)
			if err != nil {
				return nil, fmt.Errorf("source %s: %w", m.name, err)
			}
			for _, reg := range regs {
				r.claim(reg.Path, m)
			}
		}
		r.mu.RLock()
		m, ok := r.owners[catalogID]
		r.mu.RUnlock()
		if ok {
			return m, nil
		}
	}
	return nil, extensibility.UnknownCatalog(catalogID)
}

func (r *Registry) claim(catalogID string, m *member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.owners[catalogID]; !taken {
		r.owners[catalogID] = m
	}
}

func (r *Registry) enabled() []*member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*member, 0, len(r.members))
	for _, m := range r.members {
		if m.enabled {
			out = append(out, m)
		}
	}
	return out
}

func isValidName(name string) bool {
	if name == "" {
		return false
	}
	lastSep := false
	for i := 0; i < len(name); i++ {
		c := name[i]
		isLower := c >= 'a' && c <= 'z'
		isDigit := c >= '0' && c <= '9'
		isSep := c == '.' || c == '-' || c == '_'
		if !(isLower || isDigit || isSep) {
			return false
		}
		if (i == 0 || i == len(name)-1) && isSep {
			return false
		}
		if isSep && lastSep {
			return false
		}
		lastSep = isSep
	}
	return true
}
