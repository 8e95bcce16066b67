package epubpipe

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
)

// fakeFilter is a minimal Filter for chain behavior tests.
type fakeFilter struct {
	name  string
	apply func(ctx context.Context, pkg *Package) error
}

func (f *fakeFilter) Name() string { return f.name }

func (f *fakeFilter) Apply(ctx context.Context, pkg *Package) error {
	if f.apply == nil {
		return nil
	}
	return f.apply(ctx, pkg)
}

func TestNewChainRejectsUnknownFilter(t *testing.T) {
	cfg := DefaultConfig()
	if _, err := NewChain(&cfg, []FilterSpec{{Name: "no-such-filter"}}); err == nil {
		t.Error("unknown filter name accepted")
	}
}

func TestNewChainRejectsDuplicateFilter(t *testing.T) {
	cfg := DefaultConfig()
	specs := []FilterSpec{{Name: FilterPrivacyScrub}, {Name: FilterPrivacyScrub}}
	if _, err := NewChain(&cfg, specs); err == nil {
		t.Error("duplicate filter name accepted")
	}
}

func TestNewChainDefaultPipeline(t *testing.T) {
	cfg := DefaultConfig()
	chain, err := NewChain(&cfg, DefaultFilterSpecs())
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}
	if chain.Len() != len(DefaultFilterSpecs()) {
		t.Errorf("Len() = %d, want %d", chain.Len(), len(DefaultFilterSpecs()))
	}
}

func TestNewChainRejectsBadOption(t *testing.T) {
	cfg := DefaultConfig()
	specs := []FilterSpec{{
		Name:    FilterStyleOptimize,
		Options: map[string]string{"prune-unused": "maybe"},
	}}
	if _, err := NewChain(&cfg, specs); err == nil {
		t.Error("invalid option value accepted at build time")
	}
}

func TestFilterNamesSorted(t *testing.T) {
	names := FilterNames()
	if len(names) != 7 {
		t.Fatalf("len(FilterNames()) = %d, want 7", len(names))
	}
	if !sort.StringsAreSorted(names) {
		t.Errorf("FilterNames() not sorted: %v", names)
	}
}

func TestChainRunFailFast(t *testing.T) {
	pkg := openTestPackage(t, minimalV2Files())

	boom := errors.New("boom")
	ran := []string{}
	chain := &Chain{filters: []Filter{
		&fakeFilter{name: "first", apply: func(ctx context.Context, pkg *Package) error {
			ran = append(ran, "first")
			return pkg.Store().Put("OEBPS/marker.txt", []byte("written"))
		}},
		&fakeFilter{name: "second", apply: func(ctx context.Context, pkg *Package) error {
			ran = append(ran, "second")
			return boom
		}},
		&fakeFilter{name: "third", apply: func(ctx context.Context, pkg *Package) error {
			ran = append(ran, "third")
			return nil
		}},
	}}

	err := chain.Run(context.Background(), pkg)
	if err == nil {
		t.Fatal("Run returned nil for a failing chain")
	}
	var fe *FilterError
	if !errors.As(err, &fe) {
		t.Fatalf("error is %T, want *FilterError", err)
	}
	if fe.Name != "second" {
		t.Errorf("FilterError.Name = %q, want %q", fe.Name, "second")
	}
	if !errors.Is(err, boom) {
		t.Error("FilterError does not unwrap to the filter's error")
	}
	if fmt.Sprintf("%v", ran) != "[first second]" {
		t.Errorf("filters run = %v, want fail-fast after second", ran)
	}
	// Writes made before the failure stay visible.
	if !pkg.Store().Exists("OEBPS/marker.txt") {
		t.Error("earlier filter's write was lost")
	}
}

func TestChainRunCancelledContext(t *testing.T) {
	pkg := openTestPackage(t, minimalV2Files())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	chain := &Chain{filters: []Filter{&fakeFilter{name: "never-runs", apply: func(ctx context.Context, pkg *Package) error {
		t.Error("filter ran despite cancelled context")
		return nil
	}}}}

	err := chain.Run(ctx, pkg)
	if !errors.Is(err, ErrCancelled) {
		t.Errorf("expected ErrCancelled, got %v", err)
	}
	var fe *FilterError
	if !errors.As(err, &fe) || fe.Name != "never-runs" {
		t.Errorf("cancellation not attributed to the pending filter: %v", err)
	}
}

func TestChainRunDeadlineMapsToTimeout(t *testing.T) {
	pkg := openTestPackage(t, minimalV2Files())

	chain := &Chain{filters: []Filter{&fakeFilter{name: "slow", apply: func(ctx context.Context, pkg *Package) error {
		<-ctx.Done()
		return ctx.Err()
	}}}}

	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()

	if err := chain.Run(ctx, pkg); !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestEmptyChainIsNoop(t *testing.T) {
	pkg := openTestPackage(t, minimalV2Files())
	chain := &Chain{}
	if err := chain.Run(context.Background(), pkg); err != nil {
		t.Errorf("empty chain: %v", err)
	}
}
