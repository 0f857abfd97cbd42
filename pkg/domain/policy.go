package domain

import (
	"strconv"
	"strings"
	"time"
)

// PolicyData is the validated set of expense-category rules for one tenant.
//
// Values handed out by the resolver are shared between callers and must be
// treated as read-only. Use Clone before mutating.
type PolicyData struct {
	TenantID        string               `json:"tenant_id" yaml:"tenant_id"`
	EffectiveDate   string               `json:"effective_date" yaml:"effective_date"`
	Categories      []CategoryDefinition `json:"categories" yaml:"categories"`
	DefaultCategory string               `json:"default_category" yaml:"default_category"`
	CacheTTL        time.Duration        `json:"cache_ttl" yaml:"cache_ttl"`
}

// CategoryDefinition describes one expense category with its enrichment and
// validation rules.
type CategoryDefinition struct {
	Name            string          `json:"name" yaml:"name"`
	Aliases         []string        `json:"aliases" yaml:"aliases"`
	EnrichmentRules EnrichmentRules `json:"enrichment_rules" yaml:"enrichment_rules"`
	ValidationRules ValidationRules `json:"validation_rules" yaml:"validation_rules"`
}

// EnrichmentRules drive automatic category enrichment. Either list may be empty.
type EnrichmentRules struct {
	TimeBased      []TimeRule `json:"time_based" yaml:"time_based"`
	VendorKeywords []string   `json:"vendor_keywords" yaml:"vendor_keywords"`
}

// TimeRule maps an inclusive hour range to a subcategory (e.g. 18-22 -> Dinner).
type TimeRule struct {
	StartHour   int    `json:"start_hour" yaml:"start_hour"`
	EndHour     int    `json:"end_hour" yaml:"end_hour"`
	Subcategory string `json:"subcategory" yaml:"subcategory"`
}

// ValidationRules hold the compliance limits for a category.
type ValidationRules struct {
	MaxAmount         float64  `json:"max_amount" yaml:"max_amount"`
	Currency          string   `json:"currency" yaml:"currency"`
	RequiresReceipt   bool     `json:"requires_receipt" yaml:"requires_receipt"`
	RequiresAttendees bool     `json:"requires_attendees" yaml:"requires_attendees"`
	MaxAgeDays        int      `json:"max_age_days" yaml:"max_age_days"`
	ApprovedVendors   []string `json:"approved_vendors,omitempty" yaml:"approved_vendors,omitempty"`
}

// CacheEntry is one tier's slot for a tenant.
type CacheEntry struct {
	Policy    *PolicyData
	FetchedAt time.Time
	// Invalidated marks a fresh-tier entry as expired without removing it.
	Invalidated bool
}

// Age returns how old the entry is relative to now.
func (e CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.FetchedAt)
}

// FindCategory returns the category whose name or alias matches name,
// ignoring case and surrounding whitespace.
func (p *PolicyData) FindCategory(name string) (*CategoryDefinition, bool) {
	if p == nil {
		return nil, false
	}
	needle := strings.ToLower(strings.TrimSpace(name))
	if needle == "" {
		return nil, false
	}
	for i := range p.Categories {
		if p.Categories[i].matches(needle) {
			return &p.Categories[i], true
		}
	}
	return nil, false
}

func (c *CategoryDefinition) matches(lowered string) bool {
	if strings.ToLower(c.Name) == lowered {
		return true
	}
	for _, alias := range c.Aliases {
		if strings.ToLower(strings.TrimSpace(alias)) == lowered {
			return true
		}
	}
	return false
}

// CategoryNames returns category names in policy order.
func (p *PolicyData) CategoryNames() []string {
	if p == nil {
		return nil
	}
	names := make([]string, 0, len(p.Categories))
	for _, c := range p.Categories {
		names = append(names, c.Name)
	}
	return names
}

// MaxAmount returns the configured limit for the named category.
func (p *PolicyData) MaxAmount(category string) (float64, bool) {
	c, ok := p.FindCategory(category)
	if !ok {
		return 0, false
	}
	return c.ValidationRules.MaxAmount, true
}

// Filter returns a copy restricted to categories matching any of names by
// name or alias. With no names it returns a full copy.
func (p *PolicyData) Filter(names ...string) *PolicyData {
	out := p.Clone()
	if out == nil || len(names) == 0 {
		return out
	}

	wanted := make([]string, 0, len(names))
	for _, n := range names {
		if n = strings.ToLower(strings.TrimSpace(n)); n != "" {
			wanted = append(wanted, n)
		}
	}

	kept := out.Categories[:0]
	for _, c := range out.Categories {
		for _, w := range wanted {
			if c.matches(w) {
				kept = append(kept, c)
				break
			}
		}
	}
	out.Categories = kept
	return out
}

// Clone returns a deep copy of the policy data to avoid shared mutable state.
func (p *PolicyData) Clone() *PolicyData {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Categories = make([]CategoryDefinition, len(p.Categories))
	for i, c := range p.Categories {
		clone.Categories[i] = CategoryDefinition{
			Name:    c.Name,
			Aliases: cloneStrings(c.Aliases),
			EnrichmentRules: EnrichmentRules{
				TimeBased:      append([]TimeRule(nil), c.EnrichmentRules.TimeBased...),
				VendorKeywords: cloneStrings(c.EnrichmentRules.VendorKeywords),
			},
			ValidationRules: c.ValidationRules,
		}
		clone.Categories[i].ValidationRules.ApprovedVendors = cloneStrings(c.ValidationRules.ApprovedVendors)
	}
	return &clone
}

// Matches reports whether an invoice time falls inside the rule's inclusive
// hour range. Accepted forms are 24-hour ("19:30", "19:30:00", "19") and
// 12-hour with an am/pm suffix ("7:30 PM", "7:30pm", "12 AM"). Only the hour
// is considered; malformed or out-of-range input never matches.
func (r TimeRule) Matches(timeStr string) bool {
	hour, ok := parseHour(timeStr)
	if !ok {
		return false
	}
	return r.StartHour <= hour && hour <= r.EndHour
}

// parseHour returns the hour of day (0-23) of an invoice time.
func parseHour(timeStr string) (int, bool) {
	fields := strings.Fields(strings.ToLower(timeStr))
	if len(fields) == 0 {
		return 0, false
	}
	clock, meridiem := fields[0], ""
	switch {
	case len(fields) > 1 && (fields[1] == "am" || fields[1] == "pm"):
		meridiem = fields[1]
	case strings.HasSuffix(clock, "am") || strings.HasSuffix(clock, "pm"):
		clock, meridiem = clock[:len(clock)-2], clock[len(clock)-2:]
	}

	hourPart, _, _ := strings.Cut(clock, ":")
	hour, err := strconv.Atoi(hourPart)
	if err != nil {
		return 0, false
	}
	if meridiem == "" {
		return hour, 0 <= hour && hour <= 23
	}
	if hour < 1 || hour > 12 {
		return 0, false
	}
	hour %= 12
	if meridiem == "pm" {
		hour += 12
	}
	return hour, true
}

// MatchesVendor reports whether the vendor name contains any vendor keyword.
func (e EnrichmentRules) MatchesVendor(vendor string) bool {
	if vendor == "" || len(e.VendorKeywords) == 0 {
		return false
	}
	lowered := strings.ToLower(vendor)
	for _, kw := range e.VendorKeywords {
		if kw != "" && strings.Contains(lowered, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// Subcategory returns the first time rule subcategory matching timeStr.
func (e EnrichmentRules) Subcategory(timeStr string) (string, bool) {
	for _, r := range e.TimeBased {
		if r.Matches(timeStr) {
			return r.Subcategory, true
		}
	}
	return "", false
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
