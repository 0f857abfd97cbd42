package domain

import "context"

// IndexRow is one row of the remote category index, exactly as the source
// reports it. Values are loosely typed strings; the assembler converts them.
type IndexRow struct {
	CategoryName      string `json:"category_name" yaml:"category_name"`
	Aliases           string `json:"aliases" yaml:"aliases"`
	MaxAmount         string `json:"max_amount" yaml:"max_amount"`
	Currency          string `json:"currency" yaml:"currency"`
	ReceiptRequired   string `json:"receipt_required" yaml:"receipt_required"`
	AttendeesRequired string `json:"attendees_required" yaml:"attendees_required"`
	MaxAgeDays        string `json:"max_age_days" yaml:"max_age_days"`
}

// CategoryDetail is the raw per-category detail page.
type CategoryDetail struct {
	Aliases                 []string       `json:"aliases" yaml:"aliases"`
	ValidationRulesOverride map[string]any `json:"validation_rules_override" yaml:"validation_rules_override"`
	EnrichmentRules         RawEnrichment  `json:"enrichment_rules" yaml:"enrichment_rules"`
}

// RawEnrichment carries enrichment rules before validation. Time rule entries
// may be missing fields and are checked during assembly.
type RawEnrichment struct {
	VendorKeywords []string         `json:"vendor_keywords" yaml:"vendor_keywords"`
	TimeBased      []map[string]any `json:"time_based" yaml:"time_based"`
}

// PolicySource is the remote policy document store. Implementations classify
// their failures with SourceError.
type PolicySource interface {
	ListCategoryIndex(ctx context.Context, tenantID string) ([]IndexRow, error)
	GetCategoryDetail(ctx context.Context, tenantID, categoryName string) (*CategoryDetail, error)
}
