package policy

import (
	"fmt"

	"github.com/polisai/policy-resolver/pkg/domain"
)

// NoVendorKeywordsWarning is reported once when no category defines any
// vendor keywords.
const NoVendorKeywordsWarning = "no category defines vendor keywords: keyword-based enrichment will always fail"

// Validate checks an assembled category set. It fails only when the set is
// empty; every other problem is reported as a warning so a single bad
// category never blocks the rest of the policy.
func Validate(categories []domain.CategoryDefinition) ([]string, error) {
	if len(categories) == 0 {
		return nil, fmt.Errorf("%w: no categories survived assembly", domain.ErrAssemblyValidation)
	}

	var warnings []string
	anyKeywords := false
	for _, c := range categories {
		if c.ValidationRules.MaxAmount <= 0 {
			warnings = append(warnings, fmt.Sprintf("category %q has non-positive max_amount %.2f", c.Name, c.ValidationRules.MaxAmount))
		}
		if len(c.EnrichmentRules.VendorKeywords) == 0 {
			warnings = append(warnings, fmt.Sprintf("category %q has no vendor keywords", c.Name))
		} else {
			anyKeywords = true
		}
		for i, r := range c.EnrichmentRules.TimeBased {
			if r.StartHour < 0 || r.EndHour > 23 || r.StartHour > r.EndHour {
				warnings = append(warnings, fmt.Sprintf("category %q time rule %d has invalid hour range %d-%d", c.Name, i, r.StartHour, r.EndHour))
			}
		}
	}

	if !anyKeywords {
		warnings = append(warnings, NoVendorKeywordsWarning)
	}
	return warnings, nil
}
