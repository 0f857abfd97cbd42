package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/policy-resolver/pkg/domain"
)

func TestValidate_EmptyFails(t *testing.T) {
	warnings, err := Validate(nil)
	assert.Nil(t, warnings)
	assert.ErrorIs(t, err, domain.ErrAssemblyValidation)
}

func TestValidate_Warnings(t *testing.T) {
	categories := []domain.CategoryDefinition{
		{
			Name: "Meals",
			EnrichmentRules: domain.EnrichmentRules{
				TimeBased: []domain.TimeRule{{StartHour: 22, EndHour: 7, Subcategory: "Late"}},
			},
			ValidationRules: domain.ValidationRules{MaxAmount: 40},
		},
		{Name: "Gifts", ValidationRules: domain.ValidationRules{MaxAmount: 0}},
	}

	warnings, err := Validate(categories)
	require.NoError(t, err)
	assert.Contains(t, warnings, NoVendorKeywordsWarning)
	assert.Contains(t, warnings, `category "Gifts" has non-positive max_amount 0.00`)
	assert.Contains(t, warnings, `category "Meals" time rule 0 has invalid hour range 22-7`)
}

func TestValidate_KeywordsSuppressAggregateWarning(t *testing.T) {
	categories := []domain.CategoryDefinition{
		{Name: "Meals", EnrichmentRules: domain.EnrichmentRules{VendorKeywords: []string{"cafe"}}, ValidationRules: domain.ValidationRules{MaxAmount: 40}},
		{Name: "Travel", ValidationRules: domain.ValidationRules{MaxAmount: 100}},
	}

	warnings, err := Validate(categories)
	require.NoError(t, err)
	assert.NotContains(t, warnings, NoVendorKeywordsWarning)
	assert.Equal(t, []string{`category "Travel" has no vendor keywords`}, warnings)
}
