package parquetfs

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/remotesource/internal/config"
	"github.com/danmuck/remotesource/internal/datamodel"
	"github.com/danmuck/remotesource/internal/extensibility"
	"github.com/danmuck/remotesource/internal/pipeline"
	"github.com/danmuck/remotesource/internal/storage"
	"github.com/rs/zerolog"
)

// Source configuration keys for s3:// locators.
const (
	SettingRegion          = "s3_region"
	SettingEndpoint        = "s3_endpoint"
	SettingPathStyle       = "s3_path_style"
	SettingAccessKeyID     = "s3_access_key_id"
	SettingSecretAccessKey = "s3_secret_access_key"
)

// DefaultReadConcurrency bounds parallel file loads within one read.
const DefaultReadConcurrency = 4

type StoreOpener func(ctx context.Context, locator *url.URL, settings storage.Settings) (storage.Store, error)

type Option func(*Source)

// WithStoreOpener replaces storage.Open, mainly for tests.
func WithStoreOpener(open StoreOpener) Option {
	return func(s *Source) { s.open = open }
}

func WithReadConcurrency(n int) Option {
	return func(s *Source) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

type Source struct {
	open        StoreOpener
	concurrency int
	logger      zerolog.Logger

	store    storage.Store
	catalogs map[string]config.CatalogConfig
	ordered  []config.CatalogConfig

	mu     sync.Mutex
	series map[string]*series
}

var _ extensibility.DataSource = (*Source)(nil)

func New(opts ...Option) *Source {
	s := &Source{
		open:        storage.Open,
		concurrency: DefaultReadConcurrency,
		logger:      zerolog.Nop(),
		series:      make(map[string]*series),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetContext opens the store and loads source.toml from its root. A locator
// without a source.toml is a configuration error.
func (s *Source) SetContext(ctx context.Context, dsc extensibility.DataSourceContext, logger zerolog.Logger) error {
	if err := dsc.RequireScheme("file", "s3"); err != nil {
		return err
	}
	settings, err := settingsFrom(dsc)
	if err != nil {
		return err
	}
	store, err := s.open(ctx, dsc.ResourceLocator, settings)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", extensibility.ErrConfiguration, dsc.ResourceLocator.Redacted(), err)
	}
	data, err := storage.ReadAll(ctx, store, config.SourceFileName)
	if err != nil {
		return fmt.Errorf("%w: %s at %s: %v", extensibility.ErrConfiguration, config.SourceFileName, store.Root(), err)
	}
	cfg, err := config.ParseSource(data)
	if err != nil {
		return fmt.Errorf("%w: %v", extensibility.ErrConfiguration, err)
	}
	if err := checkFiles(ctx, store, cfg.Catalogs, logger); err != nil {
		return fmt.Errorf("%w: %v", extensibility.ErrConfiguration, err)
	}

	s.store = store
	s.logger = logger
	s.ordered = cfg.Catalogs
	s.catalogs = make(map[string]config.CatalogConfig, len(cfg.Catalogs))
	for _, c := range cfg.Catalogs {
		s.catalogs[c.ID] = c
	}
	s.logger.Info().Str("root", store.Root()).Int("catalogs", len(cfg.Catalogs)).Msg("parquet source ready")
	return nil
}

// checkFiles lists the store once and requires every file of a
// non-transient catalog to exist. Transient catalogs may gain their files later.
func checkFiles(ctx context.Context, store storage.Store, catalogs []config.CatalogConfig, logger zerolog.Logger) error {
	keys, err := store.List(ctx, "")
	if err != nil {
		return fmt.Errorf("list %s: %v", store.Root(), err)
	}
	present := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		present[k] = struct{}{}
	}
	var missing []string
	for _, c := range catalogs {
		for _, r := range c.Resources {
			key := path.Clean(strings.TrimPrefix(r.File, "/"))
			if _, ok := present[key]; ok {
				continue
			}
			if c.Transient {
				logger.Warn().Str("catalog", c.ID).Str("file", r.File).Msg("transient file not present yet")
				continue
			}
			missing = append(missing, c.ID+"/"+r.Name+" ("+r.File+")")
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing files under %s: %s", store.Root(), strings.Join(missing, ", "))
	}
	return nil
}

func settingsFrom(dsc extensibility.DataSourceContext) (storage.Settings, error) {
	var st storage.Settings
	st.Region, _ = dsc.SourceSetting(SettingRegion)
	st.Endpoint, _ = dsc.SourceSetting(SettingEndpoint)
	st.AccessKeyID, _ = dsc.SourceSetting(SettingAccessKeyID)
	st.SecretAccessKey, _ = dsc.SourceSetting(SettingSecretAccessKey)
	if raw, ok := dsc.SourceSetting(SettingPathStyle); ok {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return storage.Settings{}, fmt.Errorf("%w: %s=%q", extensibility.ErrConfiguration, SettingPathStyle, raw)
		}
		st.UsePathStyle = v
	}
	return st, nil
}

// GetCatalogRegistrations lists the configured catalogs whose nearest
// configured ancestor at or above path is path itself.
func (s *Source) GetCatalogRegistrations(_ context.Context, path string) ([]datamodel.CatalogRegistration, error) {
	out := []datamodel.CatalogRegistration{}
	for _, c := range s.ordered {
		if !datamodel.IsAncestor(path, c.ID) {
			continue
		}
		if s.hasConfiguredBetween(path, c.ID) {
			continue
		}
		out = append(out, c.Registration())
	}
	return out, nil
}

func (s *Source) hasConfiguredBetween(path, id string) bool {
	for _, ancestor := range datamodel.AncestorPaths(id) {
		if ancestor == path || !datamodel.IsAncestor(path, ancestor) {
			continue
		}
		if _, ok := s.catalogs[ancestor]; ok {
			return true
		}
	}
	return false
}

func (s *Source) GetCatalog(_ context.Context, catalogID string) (datamodel.ResourceCatalog, error) {
	c, ok := s.catalogs[catalogID]
	if !ok {
		return datamodel.ResourceCatalog{}, extensibility.UnknownCatalog(catalogID)
	}
	return c.Catalog()
}

// GetTimeRange spans every row of every file of the catalog. A catalog
// without rows reports an empty range at the Unix epoch.
func (s *Source) GetTimeRange(ctx context.Context, catalogID string) (datamodel.TimeRange, error) {
	c, ok := s.catalogs[catalogID]
	if !ok {
		return datamodel.TimeRange{}, extensibility.UnknownCatalog(catalogID)
	}
	var (
		tr    datamodel.TimeRange
		found bool
	)
	for _, r := range c.Resources {
		rep, err := r.Representation()
		if err != nil {
			return datamodel.TimeRange{}, err
		}
		sr, err := s.load(ctx, c, r)
		if err != nil {
			return datamodel.TimeRange{}, err
		}
		first, end, ok := sr.bounds(rep.SamplePeriod())
		if !ok {
			continue
		}
		if !found || first.Before(tr.Begin) {
			tr.Begin = first
		}
		if !found || end.After(tr.End) {
			tr.End = end
		}
		found = true
	}
	if !found {
		epoch := time.Unix(0, 0).UTC()
		return datamodel.TimeRange{Begin: epoch, End: epoch}, nil
	}
	return tr, nil
}

// GetAvailability is valid aligned samples over expected samples, summed
// across the catalog's resources. An empty window has availability 0.
func (s *Source) GetAvailability(ctx context.Context, catalogID string, begin, end time.Time) (float64, error) {
	c, ok := s.catalogs[catalogID]
	if !ok {
		return 0, extensibility.UnknownCatalog(catalogID)
	}
	var expected, valid int
	for _, r := range c.Resources {
		rep, err := r.Representation()
		if err != nil {
			return 0, err
		}
		n, err := datamodel.SampleCount(begin, end, rep.SamplePeriod())
		if err != nil {
			return 0, fmt.Errorf("%w: %v", extensibility.ErrProtocol, err)
		}
		sr, err := s.load(ctx, c, r)
		if err != nil {
			return 0, err
		}
		seen := make(map[int]struct{})
		err = sr.window(begin, end, rep.SamplePeriod(), func(slot int, _ float64) error {
			seen[slot] = struct{}{}
			return nil
		})
		if err != nil {
			return 0, err
		}
		expected += n
		valid += len(seen)
	}
	if expected == 0 {
		return 0, nil
	}
	return float64(valid) / float64(expected), nil
}

func (s *Source) Read(
	ctx context.Context,
	begin, end time.Time,
	requests []extensibility.ReadRequest,
	_ extensibility.ReadDataHandler,
	progress extensibility.ProgressFunc,
) error {
	if progress == nil {
		progress = func(float64) {}
	}
	var (
		mu   sync.Mutex
		done int
	)
	return pipeline.ForEachRequest(ctx, requests, s.concurrency, func(ctx context.Context, _ int, req extensibility.ReadRequest) error {
		if err := s.readOne(ctx, begin, end, req); err != nil {
			return err
		}
		mu.Lock()
		done++
		p := float64(done) / float64(len(requests))
		mu.Unlock()
		progress(p)
		return nil
	})
}

func (s *Source) readOne(ctx context.Context, begin, end time.Time, req extensibility.ReadRequest) error {
	c, ok := s.catalogs[req.Item.CatalogID]
	if !ok {
		return extensibility.UnknownCatalog(req.Item.CatalogID)
	}
	rc, ok := resourceConfig(c, req.Item.Resource.Name())
	if !ok {
		return fmt.Errorf("%w: resource %s", extensibility.ErrNotFound, req.Item.Path())
	}
	sr, err := s.load(ctx, c, rc)
	if err != nil {
		return err
	}

	for i := range req.Status {
		req.Status[i] = extensibility.StatusInvalid
	}
	return sr.window(begin, end, req.Item.Representation.SamplePeriod(), func(slot int, v float64) error {
		if err := req.Data.PutConverted(slot, v); err != nil {
			return err
		}
		req.Status[slot] = extensibility.StatusValid
		return nil
	})
}

func resourceConfig(c config.CatalogConfig, name string) (config.ResourceConfig, bool) {
	for _, r := range c.Resources {
		if r.Name == name {
			return r, true
		}
	}
	return config.ResourceConfig{}, false
}

// load returns the parsed file of r. Files of transient catalogs are read
// on every call; the rest are cached for the session.
func (s *Source) load(ctx context.Context, c config.CatalogConfig, r config.ResourceConfig) (*series, error) {
	if s.store == nil {
		return nil, fmt.Errorf("%w: parquet source has no context", extensibility.ErrLifecycle)
	}
	if !c.Transient {
		s.mu.Lock()
		sr, ok := s.series[r.File]
		s.mu.Unlock()
		if ok {
			return sr, nil
		}
	}
	sr, err := loadSeries(ctx, s.store, r.File)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s/%s: %v", extensibility.ErrNotFound, c.ID, r.Name, err)
		}
		return nil, err
	}
	s.logger.Debug().Str("file", r.File).Int("rows", len(sr.rows)).Msg("loaded series")
	if !c.Transient {
		s.mu.Lock()
		s.series[r.File] = sr
		s.mu.Unlock()
	}
	return sr, nil
}
