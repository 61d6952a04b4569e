package datamodel

import (
	"fmt"
	"maps"
	"slices"
)

// ResourceCatalog is a named collection of resources plus free-form properties.
type ResourceCatalog struct {
	id         string
	properties map[string]string
	resources  []Resource
}

func (c ResourceCatalog) ID() string {
	return c.id
}

func (c ResourceCatalog) Properties() map[string]string {
	return maps.Clone(c.properties)
}

func (c ResourceCatalog) Property(key string) (string, bool) {
	v, ok := c.properties[key]
	return v, ok
}

func (c ResourceCatalog) Resources() []Resource {
	return slices.Clone(c.resources)
}

func (c ResourceCatalog) Resource(name string) (Resource, bool) {
	for _, r := range c.resources {
		if r.name == name {
			return r, true
		}
	}
	return Resource{}, false
}

// Item resolves a resource path that points into this catalog.
func (c ResourceCatalog) Item(path ResourcePath) (CatalogItem, error) {
	if path.CatalogID != c.id {
		return CatalogItem{}, fmt.Errorf("%w: %s is not part of catalog %s", ErrInvalidPath, path, c.id)
	}
	res, ok := c.Resource(path.ResourceName)
	if !ok {
		return CatalogItem{}, fmt.Errorf("%w: unknown resource %s", ErrInvalidPath, path)
	}
	rep, ok := res.Representation(path.RepresentationID)
	if !ok {
		return CatalogItem{}, fmt.Errorf("%w: unknown representation %s", ErrInvalidPath, path)
	}
	return CatalogItem{CatalogID: c.id, Resource: res, Representation: rep}, nil
}

func (c ResourceCatalog) Equal(other ResourceCatalog) bool {
	if c.id != other.id || !maps.Equal(c.properties, other.properties) {
		return false
	}
	return slices.EqualFunc(c.resources, other.resources, Resource.Equal)
}

// CatalogBuilder accumulates catalog fields; Build freezes them.
type CatalogBuilder struct {
	id         string
	properties map[string]string
	resources  []Resource
}

func NewCatalogBuilder(id string) *CatalogBuilder {
	return &CatalogBuilder{id: id, properties: map[string]string{}}
}

func (b *CatalogBuilder) WithProperty(key, value string) *CatalogBuilder {
	b.properties[key] = value
	return b
}

func (b *CatalogBuilder) WithProperties(props map[string]string) *CatalogBuilder {
	maps.Copy(b.properties, props)
	return b
}

func (b *CatalogBuilder) AddResource(r Resource) *CatalogBuilder {
	b.resources = append(b.resources, r)
	return b
}

func (b *CatalogBuilder) AddResources(rs ...Resource) *CatalogBuilder {
	b.resources = append(b.resources, rs...)
	return b
}

func (b *CatalogBuilder) Build() (ResourceCatalog, error) {
	if !ValidCatalogID(b.id) {
		return ResourceCatalog{}, fmt.Errorf("%w: id %q", ErrInvalidCatalog, b.id)
	}
	seen := make(map[string]struct{}, len(b.resources))
	for _, r := range b.resources {
		if r.name == "" {
			return ResourceCatalog{}, fmt.Errorf("%w: %s contains an unbuilt resource", ErrInvalidCatalog, b.id)
		}
		if _, ok := seen[r.name]; ok {
			return ResourceCatalog{}, fmt.Errorf("%w: %s has duplicate resource %s", ErrInvalidCatalog, b.id, r.name)
		}
		seen[r.name] = struct{}{}
	}
	return ResourceCatalog{
		id:         b.id,
		properties: maps.Clone(b.properties),
		resources:  slices.Clone(b.resources),
	}, nil
}

// CatalogRegistration advertises a catalog below a queried path.
// Transient catalogs must not be cached by the caller.
type CatalogRegistration struct {
	Path        string `json:"path"`
	Description string `json:"description"`
	Transient   bool   `json:"transient,omitempty"`
}

// CatalogItem binds one representation of one resource of one catalog.
type CatalogItem struct {
	CatalogID      string         `json:"catalogId"`
	Resource       Resource       `json:"resource"`
	Representation Representation `json:"representation"`
}

func (i CatalogItem) Path() ResourcePath {
	return ResourcePath{
		CatalogID:        i.CatalogID,
		ResourceName:     i.Resource.Name(),
		RepresentationID: i.Representation.ID(),
	}
}

type catalogWire struct {
	ID         string            `json:"id"`
	Properties map[string]string `json:"properties,omitempty"`
	Resources  []Resource        `json:"resources"`
}

func (c ResourceCatalog) MarshalJSON() ([]byte, error) {
	resources := c.resources
	if resources == nil {
		resources = []Resource{}
	}
	return json.Marshal(catalogWire{ID: c.id, Properties: c.properties, Resources: resources})
}

func (c *ResourceCatalog) UnmarshalJSON(b []byte) error {
	var wire catalogWire
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}
	built, err := NewCatalogBuilder(wire.ID).
		WithProperties(wire.Properties).
		AddResources(wire.Resources...).
		Build()
	if err != nil {
		return err
	}
	*c = built
	return nil
}
