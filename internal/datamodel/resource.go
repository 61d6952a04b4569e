package datamodel

import (
	"fmt"
	"slices"
	"strings"
)

// Resource is a named, unit-tagged signal with one or more representations.
type Resource struct {
	name            string
	unit            string
	groups          []string
	representations []Representation
}

func (r Resource) Name() string {
	return r.name
}

// Unit returns "" when the resource carries no unit.
func (r Resource) Unit() string {
	return r.unit
}

func (r Resource) Groups() []string {
	return slices.Clone(r.groups)
}

func (r Resource) Representations() []Representation {
	return slices.Clone(r.representations)
}

// Representation looks up a representation by id.
func (r Resource) Representation(id string) (Representation, bool) {
	for _, rep := range r.representations {
		if rep.ID() == id {
			return rep, true
		}
	}
	return Representation{}, false
}

func (r Resource) Equal(other Resource) bool {
	return r.name == other.name &&
		r.unit == other.unit &&
		slices.Equal(r.groups, other.groups) &&
		slices.Equal(r.representations, other.representations)
}

// ResourceBuilder accumulates resource fields; Build freezes them.
type ResourceBuilder struct {
	name            string
	unit            string
	groups          []string
	representations []Representation
}

func NewResourceBuilder(name string) *ResourceBuilder {
	return &ResourceBuilder{name: name}
}

func (b *ResourceBuilder) WithUnit(unit string) *ResourceBuilder {
	b.unit = unit
	return b
}

// WithGroups adds group tags; duplicates and blanks are dropped at Build.
func (b *ResourceBuilder) WithGroups(groups ...string) *ResourceBuilder {
	b.groups = append(b.groups, groups...)
	return b
}

func (b *ResourceBuilder) AddRepresentation(rep Representation) *ResourceBuilder {
	b.representations = append(b.representations, rep)
	return b
}

func (b *ResourceBuilder) AddRepresentations(reps ...Representation) *ResourceBuilder {
	b.representations = append(b.representations, reps...)
	return b
}

func (b *ResourceBuilder) Build() (Resource, error) {
	if !ValidResourceName(b.name) {
		return Resource{}, fmt.Errorf("%w: name %q", ErrInvalidResource, b.name)
	}
	if len(b.representations) == 0 {
		return Resource{}, fmt.Errorf("%w: %s has no representations", ErrInvalidResource, b.name)
	}
	seen := make(map[string]struct{}, len(b.representations))
	for _, rep := range b.representations {
		if !rep.dataType.Valid() || rep.samplePeriod <= 0 {
			return Resource{}, fmt.Errorf("%w: %s has a zero representation", ErrInvalidResource, b.name)
		}
		if _, ok := seen[rep.ID()]; ok {
			return Resource{}, fmt.Errorf("%w: %s has duplicate representation %s", ErrInvalidResource, b.name, rep.ID())
		}
		seen[rep.ID()] = struct{}{}
	}
	return Resource{
		name:            b.name,
		unit:            strings.TrimSpace(b.unit),
		groups:          normalizeGroups(b.groups),
		representations: slices.Clone(b.representations),
	}, nil
}

func normalizeGroups(in []string) []string {
	out := make([]string, 0, len(in))
	for _, g := range in {
		v := strings.TrimSpace(g)
		if v == "" || slices.Contains(out, v) {
			continue
		}
		out = append(out, v)
	}
	return out
}

type resourceWire struct {
	Name            string           `json:"name"`
	Unit            string           `json:"unit,omitempty"`
	Groups          []string         `json:"groups,omitempty"`
	Representations []Representation `json:"representations"`
}

func (r Resource) MarshalJSON() ([]byte, error) {
	return json.Marshal(resourceWire{
		Name:            r.name,
		Unit:            r.unit,
		Groups:          r.groups,
		Representations: r.representations,
	})
}

func (r *Resource) UnmarshalJSON(b []byte) error {
	var wire resourceWire
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}
	built, err := NewResourceBuilder(wire.Name).
		WithUnit(wire.Unit).
		WithGroups(wire.Groups...).
		AddRepresentations(wire.Representations...).
		Build()
	if err != nil {
		return err
	}
	*r = built
	return nil
}
