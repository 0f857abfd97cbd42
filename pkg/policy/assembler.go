package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/polisai/policy-resolver/pkg/domain"
)

const (
	// ConservativeMaxAmount is the limit given to a synthesized default category.
	ConservativeMaxAmount = 25.0
	// DefaultMaxAgeDays applies when the index leaves max_age_days empty.
	DefaultMaxAgeDays = 90

	synthesizedMaxAgeDays = 30
)

// DetailFetcher loads the detail page for one category.
type DetailFetcher func(ctx context.Context, categoryName string) (*domain.CategoryDetail, error)

// AssemblerConfig controls how raw source data is turned into PolicyData.
type AssemblerConfig struct {
	DefaultCategory string
	DefaultCurrency string
	// CacheTTL is stamped onto assembled policies.
	CacheTTL time.Duration
	// Concurrency bounds parallel detail fetches. Zero fetches sequentially.
	Concurrency int
	// OnSkip, when set, is called for every category dropped because its
	// detail fetch failed.
	OnSkip func(category string, err error)
	Now    func() time.Time
}

// Assembler validates index rows and detail pages into a PolicyData aggregate.
// A failed detail fetch only drops that category; the rest still assemble.
type Assembler struct {
	config AssemblerConfig
	logger *slog.Logger
}

// NewAssembler creates an assembler.
func NewAssembler(config AssemblerConfig, logger *slog.Logger) *Assembler {
	if config.DefaultCategory == "" {
		config.DefaultCategory = "Other"
	}
	if config.DefaultCurrency == "" {
		config.DefaultCurrency = "CHF"
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{config: config, logger: logger}
}

// Assemble fetches details for every indexed category and merges them into a
// validated policy. It fails only when no real category survives, or when the
// source became unavailable mid-assembly (the breaker opened).
func (a *Assembler) Assemble(ctx context.Context, tenantID string, rows []domain.IndexRow, fetch DetailFetcher) (*domain.PolicyData, error) {
	logger := a.logger.With("tenant_id", tenantID)

	bases := make([]domain.CategoryDefinition, 0, len(rows))
	seen := make(map[string]struct{}, len(rows))
	for i, row := range rows {
		name := strings.TrimSpace(row.CategoryName)
		if name == "" {
			logger.Warn("Skipping index row without category name", "row", i)
			continue
		}
		if _, dup := seen[strings.ToLower(name)]; dup {
			logger.Warn("Skipping duplicate index row", "category", name, "row", i)
			continue
		}
		seen[strings.ToLower(name)] = struct{}{}
		bases = append(bases, a.fromIndexRow(logger, name, row))
	}

	details := make([]*domain.CategoryDetail, len(bases))
	failures := make([]error, len(bases))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.config.Concurrency)
	for i := range bases {
		g.Go(func() error {
			detail, err := fetch(gctx, bases[i].Name)
			if err != nil {
				if domain.KindOf(err) == domain.KindUnavailable {
					return fmt.Errorf("fetch detail for %q: %w", bases[i].Name, err)
				}
				failures[i] = err
				return nil
			}
			details[i] = detail
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	categories := make([]domain.CategoryDefinition, 0, len(bases))
	for i, base := range bases {
		if failures[i] != nil || details[i] == nil {
			err := failures[i]
			if err == nil {
				err = errors.New("empty detail response")
			}
			logger.Warn("Skipping category, detail fetch failed", "category", base.Name, "error", err)
			if a.config.OnSkip != nil {
				a.config.OnSkip(base.Name, err)
			}
			continue
		}
		categories = append(categories, a.merge(logger, base, details[i]))
	}

	warnings, err := Validate(categories)
	for _, w := range warnings {
		if w == NoVendorKeywordsWarning {
			logger.Error(w, "categories", len(categories))
			continue
		}
		logger.Warn(w)
	}
	if err != nil {
		return nil, err
	}

	policy := &domain.PolicyData{
		TenantID:        tenantID,
		EffectiveDate:   a.config.Now().UTC().Format(time.DateOnly),
		Categories:      categories,
		DefaultCategory: a.config.DefaultCategory,
		CacheTTL:        a.config.CacheTTL,
	}
	EnsureDefaultCategory(policy, a.config.DefaultCurrency)

	logger.Info("Policy assembled",
		"categories", len(policy.Categories),
		"skipped", len(bases)-len(categories),
		"warnings", len(warnings))
	return policy, nil
}

// EnsureDefaultCategory appends a conservative category named after the
// policy's default category when none of its categories resolves to it.
func EnsureDefaultCategory(p *domain.PolicyData, currency string) {
	if _, ok := p.FindCategory(p.DefaultCategory); ok {
		return
	}
	p.Categories = append(p.Categories, domain.CategoryDefinition{
		Name: p.DefaultCategory,
		ValidationRules: domain.ValidationRules{
			MaxAmount:       ConservativeMaxAmount,
			Currency:        currency,
			RequiresReceipt: true,
			MaxAgeDays:      synthesizedMaxAgeDays,
		},
	})
}

func (a *Assembler) fromIndexRow(logger *slog.Logger, name string, row domain.IndexRow) domain.CategoryDefinition {
	rules := domain.ValidationRules{
		Currency:   strings.TrimSpace(row.Currency),
		MaxAgeDays: DefaultMaxAgeDays,
	}
	if rules.Currency == "" {
		rules.Currency = a.config.DefaultCurrency
	}

	if amount, ok := parseAmount(row.MaxAmount); ok {
		rules.MaxAmount = amount
	} else {
		logger.Warn("Unparseable max amount in index", "category", name, "value", row.MaxAmount)
	}

	if v, ok := parseYesNo(row.ReceiptRequired); ok {
		rules.RequiresReceipt = v
	} else {
		logger.Warn("Unparseable receipt flag, requiring receipt", "category", name, "value", row.ReceiptRequired)
		rules.RequiresReceipt = true
	}

	if v, ok := parseYesNo(row.AttendeesRequired); ok {
		rules.RequiresAttendees = v
	} else {
		logger.Warn("Unparseable attendees flag, requiring attendees", "category", name, "value", row.AttendeesRequired)
		rules.RequiresAttendees = true
	}

	if s := strings.TrimSpace(row.MaxAgeDays); s != "" {
		if days, err := strconv.Atoi(s); err == nil {
			rules.MaxAgeDays = days
		} else {
			logger.Warn("Unparseable max age, using default", "category", name, "value", s, "default", DefaultMaxAgeDays)
		}
	}

	return domain.CategoryDefinition{
		Name:            name,
		Aliases:         splitAliases(row.Aliases),
		ValidationRules: rules,
	}
}

func (a *Assembler) merge(logger *slog.Logger, base domain.CategoryDefinition, detail *domain.CategoryDetail) domain.CategoryDefinition {
	out := base
	out.Aliases = dedupe(append(append([]string(nil), base.Aliases...), detail.Aliases...))
	out.ValidationRules = applyOverride(logger, base.Name, base.ValidationRules, detail.ValidationRulesOverride)
	out.EnrichmentRules = domain.EnrichmentRules{
		VendorKeywords: dedupe(detail.EnrichmentRules.VendorKeywords),
		TimeBased:      parseTimeRules(logger, base.Name, detail.EnrichmentRules.TimeBased),
	}
	return out
}

func applyOverride(logger *slog.Logger, category string, rules domain.ValidationRules, override map[string]any) domain.ValidationRules {
	for key, raw := range override {
		var ok bool
		switch key {
		case "max_amount":
			var v float64
			if v, ok = toFloat(raw); ok {
				rules.MaxAmount = v
			}
		case "currency":
			var v string
			if v, ok = raw.(string); ok && v != "" {
				rules.Currency = v
			}
		case "requires_receipt":
			var v bool
			if v, ok = toBool(raw); ok {
				rules.RequiresReceipt = v
			}
		case "requires_attendees":
			var v bool
			if v, ok = toBool(raw); ok {
				rules.RequiresAttendees = v
			}
		case "max_age_days":
			var v float64
			if v, ok = toFloat(raw); ok {
				rules.MaxAgeDays = int(v)
			}
		case "approved_vendors":
			var v []string
			if v, ok = toStrings(raw); ok {
				rules.ApprovedVendors = dedupe(v)
			}
		default:
			logger.Debug("Ignoring unknown validation override", "category", category, "key", key)
			continue
		}
		if !ok {
			logger.Warn("Ignoring malformed validation override", "category", category, "key", key, "value", raw)
		}
	}
	return rules
}

func parseTimeRules(logger *slog.Logger, category string, raw []map[string]any) []domain.TimeRule {
	if len(raw) == 0 {
		return nil
	}
	rules := make([]domain.TimeRule, 0, len(raw))
	for i, entry := range raw {
		start, okStart := toFloat(entry["start_hour"])
		end, okEnd := toFloat(entry["end_hour"])
		if !okStart || !okEnd {
			logger.Warn("Skipping malformed time rule, start_hour/end_hour missing",
				"category", category, "rule", i)
			continue
		}
		sub, _ := entry["subcategory"].(string)
		rules = append(rules, domain.TimeRule{StartHour: int(start), EndHour: int(end), Subcategory: sub})
	}
	return rules
}

func splitAliases(s string) []string {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' || r == '\n' })
	return dedupe(parts)
}

// dedupe trims entries and removes empties and case-insensitive duplicates,
// keeping the first spelling.
func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		key := strings.ToLower(s)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	return out
}

var amountReplacer = strings.NewReplacer("CHF", "", "EUR", "", "USD", "", "$", "", "€", "", "'", "", ",", "")

func parseAmount(s string) (float64, bool) {
	cleaned := strings.TrimSpace(amountReplacer.Replace(s))
	if cleaned == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func parseYesNo(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "y", "true", "1", "required":
		return true, true
	case "no", "n", "false", "0", "":
		return false, true
	default:
		return false, false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		return parseAmount(n)
	default:
		return 0, false
	}
}

func toBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		if strings.TrimSpace(b) == "" {
			return false, false
		}
		return parseYesNo(b)
	default:
		return false, false
	}
}

func toStrings(v any) ([]string, bool) {
	switch list := v.(type) {
	case []string:
		return list, true
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	case string:
		return splitAliases(list), true
	default:
		return nil, false
	}
}
