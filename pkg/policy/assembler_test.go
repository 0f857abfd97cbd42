package policy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/policy-resolver/pkg/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func fixedNow() time.Time {
	return time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
}

func newTestAssembler(onSkip func(string, error)) *Assembler {
	return NewAssembler(AssemblerConfig{
		DefaultCategory: "Other",
		DefaultCurrency: "CHF",
		CacheTTL:        24 * time.Hour,
		Concurrency:     4,
		OnSkip:          onSkip,
		Now:             fixedNow,
	}, testLogger())
}

func indexRows() []domain.IndexRow {
	return []domain.IndexRow{
		{CategoryName: "Meals", Aliases: "Food, Dining", MaxAmount: "CHF 40.00", Currency: "CHF", ReceiptRequired: "Yes", AttendeesRequired: "No", MaxAgeDays: "60"},
		{CategoryName: "Travel", Aliases: "Transport", MaxAmount: "100", ReceiptRequired: "Yes", AttendeesRequired: "No"},
		{CategoryName: "Accommodation", Aliases: "Hotel; Lodging", MaxAmount: "150", ReceiptRequired: "yes", AttendeesRequired: "no", MaxAgeDays: "60"},
		{CategoryName: "Client Entertainment", MaxAmount: "1'200.00", ReceiptRequired: "Yes", AttendeesRequired: "Yes"},
		{CategoryName: "Training", MaxAmount: "500", ReceiptRequired: "Yes", AttendeesRequired: "No"},
	}
}

func detailPages() map[string]*domain.CategoryDetail {
	return map[string]*domain.CategoryDetail{
		"Meals": {
			Aliases: []string{"Restaurant", "food"},
			EnrichmentRules: domain.RawEnrichment{
				VendorKeywords: []string{"restaurant", "cafe", "Cafe"},
				TimeBased: []map[string]any{
					{"start_hour": 12, "end_hour": 15, "subcategory": "Lunch"},
					{"start_hour": 18.0, "end_hour": 22.0, "subcategory": "Dinner"},
					{"subcategory": "Broken"},
				},
			},
		},
		"Travel": {
			EnrichmentRules: domain.RawEnrichment{VendorKeywords: []string{"uber", "sbb"}},
		},
		"Accommodation": {
			ValidationRulesOverride: map[string]any{"max_amount": 180.0, "approved_vendors": []any{"Marriott", "Hilton"}},
			EnrichmentRules:         domain.RawEnrichment{VendorKeywords: []string{"hotel"}},
		},
		"Client Entertainment": {
			EnrichmentRules: domain.RawEnrichment{VendorKeywords: []string{"bar"}},
		},
		"Training": {},
	}
}

func mapFetcher(pages map[string]*domain.CategoryDetail, failures map[string]error) DetailFetcher {
	return func(_ context.Context, name string) (*domain.CategoryDetail, error) {
		if err, ok := failures[name]; ok {
			return nil, err
		}
		if d, ok := pages[name]; ok {
			return d, nil
		}
		return nil, domain.NewNotFoundError("get_category_detail", errors.New(name))
	}
}

func TestAssembler_PartialAssembly(t *testing.T) {
	var mu sync.Mutex
	var skipped []string
	a := newTestAssembler(func(category string, _ error) {
		mu.Lock()
		defer mu.Unlock()
		skipped = append(skipped, category)
	})

	fetch := mapFetcher(detailPages(), map[string]error{
		"Training": domain.NewTransientError("get_category_detail", errors.New("connection reset")),
	})

	p, err := a.Assemble(context.Background(), "acme", indexRows(), fetch)
	require.NoError(t, err)

	assert.Equal(t, "acme", p.TenantID)
	assert.Equal(t, "2025-03-14", p.EffectiveDate)
	assert.Equal(t, 24*time.Hour, p.CacheTTL)
	assert.Equal(t, []string{"Meals", "Travel", "Accommodation", "Client Entertainment", "Other"}, p.CategoryNames())
	assert.Equal(t, []string{"Training"}, skipped)

	_, ok := p.FindCategory("Training")
	assert.False(t, ok)
}

func TestAssembler_MergesIndexAndDetail(t *testing.T) {
	a := newTestAssembler(nil)
	p, err := a.Assemble(context.Background(), "acme", indexRows(), mapFetcher(detailPages(), nil))
	require.NoError(t, err)

	meals, ok := p.FindCategory("dining")
	require.True(t, ok)
	assert.Equal(t, "Meals", meals.Name)
	assert.Equal(t, []string{"Food", "Dining", "Restaurant"}, meals.Aliases)
	assert.Equal(t, []string{"restaurant", "cafe"}, meals.EnrichmentRules.VendorKeywords)
	assert.Equal(t, []domain.TimeRule{
		{StartHour: 12, EndHour: 15, Subcategory: "Lunch"},
		{StartHour: 18, EndHour: 22, Subcategory: "Dinner"},
	}, meals.EnrichmentRules.TimeBased)
	assert.Equal(t, domain.ValidationRules{
		MaxAmount:       40,
		Currency:        "CHF",
		RequiresReceipt: true,
		MaxAgeDays:      60,
	}, meals.ValidationRules)

	hotel, ok := p.FindCategory("Hotel")
	require.True(t, ok)
	assert.Equal(t, 180.0, hotel.ValidationRules.MaxAmount)
	assert.Equal(t, []string{"Marriott", "Hilton"}, hotel.ValidationRules.ApprovedVendors)

	ent, ok := p.FindCategory("client entertainment")
	require.True(t, ok)
	assert.Equal(t, 1200.0, ent.ValidationRules.MaxAmount)
	assert.True(t, ent.ValidationRules.RequiresAttendees)
	assert.Equal(t, DefaultMaxAgeDays, ent.ValidationRules.MaxAgeDays)
	assert.Equal(t, "CHF", ent.ValidationRules.Currency)
}

func TestAssembler_SynthesizesDefaultCategory(t *testing.T) {
	a := newTestAssembler(nil)
	p, err := a.Assemble(context.Background(), "acme", indexRows()[:1], mapFetcher(detailPages(), nil))
	require.NoError(t, err)

	other, ok := p.FindCategory("Other")
	require.True(t, ok)
	assert.Equal(t, ConservativeMaxAmount, other.ValidationRules.MaxAmount)
	assert.True(t, other.ValidationRules.RequiresReceipt)
	assert.Equal(t, "CHF", other.ValidationRules.Currency)
}

func TestAssembler_KeepsExistingDefaultCategory(t *testing.T) {
	rows := append(indexRows(), domain.IndexRow{CategoryName: "Other", MaxAmount: "75", ReceiptRequired: "No", AttendeesRequired: "No"})
	pages := detailPages()
	pages["Other"] = &domain.CategoryDetail{}

	p, err := newTestAssembler(nil).Assemble(context.Background(), "acme", rows, mapFetcher(pages, nil))
	require.NoError(t, err)

	other, ok := p.FindCategory("Other")
	require.True(t, ok)
	assert.Equal(t, 75.0, other.ValidationRules.MaxAmount)
	assert.Len(t, p.Categories, len(rows))
}

func TestAssembler_NoSurvivingCategoriesFails(t *testing.T) {
	tests := []struct {
		name  string
		rows  []domain.IndexRow
		fails map[string]error
	}{
		{name: "empty index", rows: nil},
		{name: "only unnamed rows", rows: []domain.IndexRow{{MaxAmount: "10"}}},
		{
			name: "every detail fails",
			rows: indexRows()[:2],
			fails: map[string]error{
				"Meals":  domain.NewParseError("get_category_detail", errors.New("bad json")),
				"Travel": domain.NewTransientError("get_category_detail", errors.New("timeout")),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := newTestAssembler(nil).Assemble(context.Background(), "acme", tt.rows, mapFetcher(detailPages(), tt.fails))
			assert.Nil(t, p)
			assert.ErrorIs(t, err, domain.ErrAssemblyValidation)
		})
	}
}

func TestAssembler_UnavailableSourceAbortsAssembly(t *testing.T) {
	fetch := mapFetcher(detailPages(), map[string]error{
		"Travel": domain.NewUnavailableError("get_category_detail", errors.New("circuit breaker is open")),
	})

	p, err := newTestAssembler(nil).Assemble(context.Background(), "acme", indexRows(), fetch)
	assert.Nil(t, p)
	require.Error(t, err)
	assert.Equal(t, domain.KindUnavailable, domain.KindOf(err))
	assert.NotErrorIs(t, err, domain.ErrAssemblyValidation)
}

func TestAssembler_DuplicateRowsKeepFirst(t *testing.T) {
	rows := []domain.IndexRow{
		{CategoryName: "Meals", MaxAmount: "40", ReceiptRequired: "Yes", AttendeesRequired: "No"},
		{CategoryName: "meals", MaxAmount: "999", ReceiptRequired: "No", AttendeesRequired: "No"},
	}
	p, err := newTestAssembler(nil).Assemble(context.Background(), "acme", rows, mapFetcher(detailPages(), nil))
	require.NoError(t, err)

	meals, ok := p.FindCategory("Meals")
	require.True(t, ok)
	assert.Equal(t, 40.0, meals.ValidationRules.MaxAmount)
	assert.Len(t, p.Categories, 2)
}

func TestAssembler_UnparseableFlagsAreConservative(t *testing.T) {
	rows := []domain.IndexRow{{CategoryName: "Gifts", MaxAmount: "n/a", ReceiptRequired: "maybe", AttendeesRequired: "sometimes", MaxAgeDays: "soon"}}
	pages := map[string]*domain.CategoryDetail{"Gifts": {}}

	p, err := newTestAssembler(nil).Assemble(context.Background(), "acme", rows, mapFetcher(pages, nil))
	require.NoError(t, err)

	gifts, ok := p.FindCategory("Gifts")
	require.True(t, ok)
	assert.Zero(t, gifts.ValidationRules.MaxAmount)
	assert.True(t, gifts.ValidationRules.RequiresReceipt)
	assert.True(t, gifts.ValidationRules.RequiresAttendees)
	assert.Equal(t, DefaultMaxAgeDays, gifts.ValidationRules.MaxAgeDays)
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{in: "40", want: 40, ok: true},
		{in: "CHF 40.50", want: 40.5, ok: true},
		{in: "$1,250.00", want: 1250, ok: true},
		{in: "1'200", want: 1200, ok: true},
		{in: "", ok: false},
		{in: "unlimited", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := parseAmount(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.InDelta(t, tt.want, got, 0.0001)
		})
	}
}
