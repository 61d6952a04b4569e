package config

import (
	"fmt"

	"github.com/danmuck/remotesource/internal/datamodel"
)

// Catalog converts the configured catalog into its data model form.
func (c CatalogConfig) Catalog() (datamodel.ResourceCatalog, error) {
	b := datamodel.NewCatalogBuilder(c.ID).WithProperties(c.Properties)
	for _, rc := range c.Resources {
		r, err := rc.Resource()
		if err != nil {
			return datamodel.ResourceCatalog{}, fmt.Errorf("catalog %s: %w", c.ID, err)
		}
		b.AddResource(r)
	}
	return b.Build()
}

// Registration is the catalog's entry in a registrations listing.
func (c CatalogConfig) Registration() datamodel.CatalogRegistration {
	return datamodel.CatalogRegistration{Path: c.ID, Description: c.Description, Transient: c.Transient}
}

func (r ResourceConfig) Representation() (datamodel.Representation, error) {
	t, err := datamodel.ParseNumericType(r.Type)
	if err != nil {
		return datamodel.Representation{}, err
	}
	period, err := parsePeriod(r.SamplePeriod)
	if err != nil {
		return datamodel.Representation{}, err
	}
	return datamodel.NewRepresentation(t, period)
}

func (r ResourceConfig) Resource() (datamodel.Resource, error) {
	rep, err := r.Representation()
	if err != nil {
		return datamodel.Resource{}, fmt.Errorf("resource %s: %w", r.Name, err)
	}
	return datamodel.NewResourceBuilder(r.Name).
		WithUnit(r.Unit).
		WithGroups(r.Groups...).
		AddRepresentation(rep).
		Build()
}
