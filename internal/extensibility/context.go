package extensibility

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// DataSourceContext is handed to a source once, before any other call.
type DataSourceContext struct {
	ResourceLocator      *url.URL
	SystemConfiguration  map[string]string
	SourceConfiguration  map[string]string
	RequestConfiguration map[string]string
}

// RequireScheme rejects a missing locator or one whose scheme is not listed.
func (c DataSourceContext) RequireScheme(schemes ...string) error {
	if c.ResourceLocator == nil {
		return fmt.Errorf("%w: resource locator is required", ErrConfiguration)
	}
	scheme := strings.ToLower(c.ResourceLocator.Scheme)
	if !slices.Contains(schemes, scheme) {
		return fmt.Errorf("%w: expected %s URI scheme, but got %q",
			ErrConfiguration, strings.Join(schemes, " or "), c.ResourceLocator.Scheme)
	}
	return nil
}

// SourceSetting returns a trimmed source configuration value.
func (c DataSourceContext) SourceSetting(key string) (string, bool) {
	v, ok := c.SourceConfiguration[key]
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

// LocalPath returns the filesystem path of a file:// locator.
func (c DataSourceContext) LocalPath() (string, error) {
	if err := c.RequireScheme("file"); err != nil {
		return "", err
	}
	p := c.ResourceLocator.Path
	if p == "" {
		p = c.ResourceLocator.Opaque
	}
	if p == "" {
		return "", fmt.Errorf("%w: file locator has no path", ErrConfiguration)
	}
	return p, nil
}

// ParseLocator parses a resource locator, requiring a scheme.
func ParseLocator(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: resource locator %q: %v", ErrConfiguration, raw, err)
	}
	if u.Scheme == "" {
		return nil, fmt.Errorf("%w: resource locator %q has no scheme", ErrConfiguration, raw)
	}
	return u, nil
}
