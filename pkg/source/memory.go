package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/polisai/policy-resolver/pkg/domain"
)

// TenantFixture is the in-memory content of one tenant's policy pages.
type TenantFixture struct {
	Index   []domain.IndexRow                 `yaml:"index"`
	Details map[string]*domain.CategoryDetail `yaml:"details"`
}

// MemorySource serves policy pages from memory. Failures can be injected per
// operation to simulate an unreliable store.
type MemorySource struct {
	mu      sync.RWMutex
	tenants map[string]TenantFixture
	failFn  func(op, tenantID, category string) error

	indexCalls  atomic.Int64
	detailCalls atomic.Int64
}

var _ domain.PolicySource = (*MemorySource)(nil)

// NewMemorySource creates a source with the given tenants.
func NewMemorySource(tenants map[string]TenantFixture) *MemorySource {
	if tenants == nil {
		tenants = make(map[string]TenantFixture)
	}
	return &MemorySource{tenants: tenants}
}

// LoadMemorySource reads tenant fixtures from a YAML file keyed by tenant ID.
func LoadMemorySource(path string) (*MemorySource, error) {
	// #nosec G304 -- fixture path is configured by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture file %s: %w", path, err)
	}
	var tenants map[string]TenantFixture
	if err := yaml.Unmarshal(data, &tenants); err != nil {
		return nil, fmt.Errorf("failed to parse fixture file %s: %w", path, err)
	}
	return NewMemorySource(tenants), nil
}

// SetTenant replaces a tenant's fixture.
func (s *MemorySource) SetTenant(tenantID string, fixture TenantFixture) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[tenantID] = fixture
}

// FailWith installs a hook consulted before every call. A non-nil result is
// returned instead of the fixture data. Pass nil to clear it.
func (s *MemorySource) FailWith(fn func(op, tenantID, category string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failFn = fn
}

// Calls returns how many index and detail calls reached the source.
func (s *MemorySource) Calls() (index, detail int) {
	return int(s.indexCalls.Load()), int(s.detailCalls.Load())
}

// ListCategoryIndex returns the tenant's index rows.
func (s *MemorySource) ListCategoryIndex(ctx context.Context, tenantID string) ([]domain.IndexRow, error) {
	s.indexCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, classifyTransportError(opListIndex, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failFn != nil {
		if err := s.failFn(opListIndex, tenantID, ""); err != nil {
			return nil, err
		}
	}
	fixture, ok := s.tenants[tenantID]
	if !ok {
		return nil, domain.NewNotFoundError(opListIndex, fmt.Errorf("tenant %q has no policy pages", tenantID))
	}
	return append([]domain.IndexRow(nil), fixture.Index...), nil
}

// GetCategoryDetail returns the detail page for one category. Lookups ignore case.
func (s *MemorySource) GetCategoryDetail(ctx context.Context, tenantID, categoryName string) (*domain.CategoryDetail, error) {
	s.detailCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, classifyTransportError(opGetDetail, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failFn != nil {
		if err := s.failFn(opGetDetail, tenantID, categoryName); err != nil {
			return nil, err
		}
	}
	fixture, ok := s.tenants[tenantID]
	if !ok {
		return nil, domain.NewNotFoundError(opGetDetail, fmt.Errorf("tenant %q has no policy pages", tenantID))
	}
	for name, detail := range fixture.Details {
		if strings.EqualFold(name, categoryName) {
			if detail == nil {
				return &domain.CategoryDetail{}, nil
			}
			return detail, nil
		}
	}
	return nil, domain.NewNotFoundError(opGetDetail, errors.New("no detail page for category "+categoryName))
}
