package epubpipe

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// FilterSpec names a filter and its options as they appear in
// configuration.
type FilterSpec struct {
	Name    string
	Options map[string]string
}

// Filter is one step of a chain. Apply mutates the package through its
// store and document cache; a non-nil error aborts the chain.
type Filter interface {
	// Name reports the registry name the filter was built under.
	Name() string

	// Apply runs the filter against pkg. Implementations check ctx at
	// natural points and return its error when cancelled.
	Apply(ctx context.Context, pkg *Package) error
}

// filterFactory builds a filter instance from its spec and the chain
// config. Factories validate options at build time.
type filterFactory func(cfg *Config, spec FilterSpec) (Filter, error)

// Canonical filter names.
const (
	FilterStructuralRepair  = "structural-repair"
	FilterVersionUpgrade    = "version-upgrade"
	FilterPrivacyScrub      = "privacy-scrub"
	FilterMetadataNormalize = "metadata-normalize"
	FilterStyleOptimize     = "style-optimize"
	FilterMarkupOptimize    = "markup-optimize"
	FilterLayout            = "layout"
)

var filterRegistry = map[string]filterFactory{
	FilterStructuralRepair:  newStructuralRepair,
	FilterVersionUpgrade:    newVersionUpgrade,
	FilterPrivacyScrub:      newPrivacyScrub,
	FilterMetadataNormalize: newMetadataNormalize,
	FilterStyleOptimize:     newStyleOptimize,
	FilterMarkupOptimize:    newMarkupOptimize,
	FilterLayout:            newLayoutTransform,
}

// FilterNames returns the registered filter names, sorted.
func FilterNames() []string {
	names := make([]string, 0, len(filterRegistry))
	for name := range filterRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultFilterSpecs returns the standard cleaning pipeline in its
// canonical order.
func DefaultFilterSpecs() []FilterSpec {
	return []FilterSpec{
		{Name: FilterStructuralRepair},
		{Name: FilterVersionUpgrade},
		{Name: FilterPrivacyScrub},
		{Name: FilterMetadataNormalize},
		{Name: FilterStyleOptimize},
		{Name: FilterMarkupOptimize},
		{Name: FilterLayout},
	}
}

// Chain is an ordered, validated filter pipeline. Build one with
// NewChain; a Chain is immutable and safe to share across jobs.
type Chain struct {
	filters []Filter
}

// NewChain builds the chain for specs. Unknown and duplicate filter
// names are rejected here, before any package is touched.
func NewChain(cfg *Config, specs []FilterSpec) (*Chain, error) {
	if cfg == nil {
		def := DefaultConfig()
		cfg = &def
	}
	seen := make(map[string]bool, len(specs))
	filters := make([]Filter, 0, len(specs))
	for _, spec := range specs {
		factory, ok := filterRegistry[spec.Name]
		if !ok {
			return nil, fmt.Errorf("epubpipe: unknown filter %q", spec.Name)
		}
		if seen[spec.Name] {
			return nil, fmt.Errorf("epubpipe: duplicate filter %q", spec.Name)
		}
		seen[spec.Name] = true
		f, err := factory(cfg, spec)
		if err != nil {
			return nil, fmt.Errorf("epubpipe: build filter %q: %w", spec.Name, err)
		}
		filters = append(filters, f)
	}
	return &Chain{filters: filters}, nil
}

// Len reports the number of filters in the chain.
func (c *Chain) Len() int { return len(c.filters) }

// Run applies the chain's filters to pkg in order. The first failure
// stops the chain; writes made by earlier filters stay in the store.
// The returned error wraps the failing filter's name in a *FilterError,
// with context cancellation mapped to ErrCancelled or ErrTimeout.
func (c *Chain) Run(ctx context.Context, pkg *Package) error {
	for _, f := range c.filters {
		if err := ctx.Err(); err != nil {
			return &FilterError{Name: f.Name(), Err: contextErr(err)}
		}
		if err := f.Apply(ctx, pkg); err != nil {
			return &FilterError{Name: f.Name(), Err: contextErr(err)}
		}
	}
	return nil
}

// contextErr maps context errors to the package's sentinel errors and
// leaves everything else untouched.
func contextErr(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%v: %w", err, ErrTimeout)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%v: %w", err, ErrCancelled)
	default:
		return err
	}
}

// optionBool reads a boolean filter option, defaulting when absent.
func optionBool(opts map[string]string, key string, def bool) (bool, error) {
	v, ok := opts[key]
	if !ok {
		return def, nil
	}
	switch v {
	case "true", "yes", "on", "1":
		return true, nil
	case "false", "no", "off", "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean option %s=%q", key, v)
}
