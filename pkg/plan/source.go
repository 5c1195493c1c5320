package plan

import (
	"context"
	"errors"
	"maps"
	"os"

	"gopkg.in/yaml.v3"
)

// Source loads the plan catalog.
type Source interface {
	Load(ctx context.Context) (Catalog, error)
}

type inMemSource struct {
	catalog Catalog
}

// NewInMemSource returns a Source serving a copy of the given catalog.
// Panics when the catalog is empty so the service never starts planless.
func NewInMemSource(catalog Catalog) Source {
	if len(catalog) == 0 {
		panic("plan: at least one plan is required")
	}
	return &inMemSource{catalog: maps.Clone(catalog)}
}

func (s *inMemSource) Load(ctx context.Context) (Catalog, error) {
	return maps.Clone(s.catalog), nil
}

type yamlSource struct {
	path string
}

// NewYAMLSource returns a Source reading the catalog from a YAML file.
// File format:
//
//	plans:
//	  - tier: pro
//	    name: Pro
//	    monthly_limit: 100
//	    price: {amount: 900, currency: INR}
//	    gateway_plan_id: plan_pro_monthly
func NewYAMLSource(path string) Source {
	return &yamlSource{path: path}
}

func (s *yamlSource) Load(ctx context.Context) (Catalog, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, errors.Join(ErrFailedToLoadPlans, err)
	}

	var doc struct {
		Plans []Plan `yaml:"plans"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Join(ErrFailedToLoadPlans, err)
	}

	catalog := make(Catalog, len(doc.Plans))
	for _, p := range doc.Plans {
		catalog[p.Tier] = p
	}
	if err := catalog.Validate(); err != nil {
		return nil, err
	}
	return catalog, nil
}

// MustLoad loads and validates a catalog from src, panicking on failure.
// Catalog problems are configuration errors that should stop startup.
func MustLoad(ctx context.Context, src Source) Catalog {
	catalog, err := src.Load(ctx)
	if err != nil {
		panic(err)
	}
	if err := catalog.Validate(); err != nil {
		panic(err)
	}
	return catalog
}
