package policy

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/polisai/policy-resolver/pkg/domain"
)

// SafeModeArtifactVersion is the only artifact schema version understood.
const SafeModeArtifactVersion = 1

// BundledArtifactName identifies the artifact compiled into the binary.
const BundledArtifactName = "bundled:safemode_default.json"

//go:embed safemode_default.json
var bundledArtifact []byte

// SafeModeArtifact is the on-disk schema of the static fallback policy.
// JSON and YAML encodings are both accepted.
type SafeModeArtifact struct {
	Version         int                         `yaml:"version"`
	EffectiveDate   string                      `yaml:"effective_date"`
	DefaultCategory string                      `yaml:"default_category"`
	Categories      []domain.CategoryDefinition `yaml:"categories"`
}

// SafeModeLoader builds PolicyData from the static artifact shipped with the
// deployment. It is the last line of defense, so every failure is returned
// as an error wrapping domain.ErrSafeModeLoad and never papered over.
type SafeModeLoader struct {
	path            string
	defaultCurrency string
	logger          *slog.Logger
}

// NewSafeModeLoader creates a loader for the artifact at path. An empty path
// selects the artifact bundled into the binary.
func NewSafeModeLoader(path, defaultCurrency string, logger *slog.Logger) *SafeModeLoader {
	if defaultCurrency == "" {
		defaultCurrency = "CHF"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SafeModeLoader{path: path, defaultCurrency: defaultCurrency, logger: logger}
}

// Source describes where the artifact is read from.
func (l *SafeModeLoader) Source() string {
	if l.path == "" {
		return BundledArtifactName
	}
	return l.path
}

// Load reads and validates the artifact for tenantID. The artifact is read on
// every call so a replaced file takes effect without a restart. The result
// has a zero CacheTTL and must never be cached.
func (l *SafeModeLoader) Load(tenantID string) (*domain.PolicyData, error) {
	data, err := l.read()
	if err != nil {
		return nil, err
	}

	artifact, err := ParseSafeModeArtifact(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrSafeModeLoad, l.Source(), err)
	}

	policy := &domain.PolicyData{
		TenantID:        tenantID,
		EffectiveDate:   artifact.EffectiveDate,
		Categories:      artifact.Categories,
		DefaultCategory: artifact.DefaultCategory,
		CacheTTL:        0,
	}
	for i := range policy.Categories {
		if policy.Categories[i].ValidationRules.Currency == "" {
			policy.Categories[i].ValidationRules.Currency = l.defaultCurrency
		}
	}
	EnsureDefaultCategory(policy, l.defaultCurrency)

	l.logger.Warn("Safe mode policy loaded",
		"tenant_id", tenantID,
		"artifact", l.Source(),
		"effective_date", policy.EffectiveDate,
		"categories", len(policy.Categories))
	return policy, nil
}

func (l *SafeModeLoader) read() ([]byte, error) {
	if l.path == "" {
		return bundledArtifact, nil
	}
	// #nosec G304 -- artifact path is configured by the operator
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", domain.ErrSafeModeLoad, l.path, err)
	}
	return data, nil
}

// ParseSafeModeArtifact decodes and validates an artifact.
func ParseSafeModeArtifact(data []byte) (*SafeModeArtifact, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, fmt.Errorf("artifact is empty")
	}

	var artifact SafeModeArtifact
	if err := yaml.Unmarshal(data, &artifact); err != nil {
		return nil, fmt.Errorf("failed to parse artifact: %w", err)
	}

	if artifact.Version != 0 && artifact.Version != SafeModeArtifactVersion {
		return nil, fmt.Errorf("unsupported artifact version %d (want %d)", artifact.Version, SafeModeArtifactVersion)
	}
	if strings.TrimSpace(artifact.DefaultCategory) == "" {
		return nil, fmt.Errorf("default_category is required")
	}
	for i, c := range artifact.Categories {
		if strings.TrimSpace(c.Name) == "" {
			return nil, fmt.Errorf("category %d has no name", i)
		}
	}
	if _, err := Validate(artifact.Categories); err != nil {
		return nil, err
	}
	return &artifact, nil
}
