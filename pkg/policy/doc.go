// Package policy turns raw policy-source data into validated PolicyData.
//
// The Assembler merges the tenant's category index with per-category detail
// pages, tolerating individual detail failures so one broken page never
// blocks the rest of the policy. The SafeModeLoader produces the static
// fallback policy used when no fetched policy is available at all. Both run
// the same Validate checks and guarantee that the policy's default category
// resolves, synthesizing a conservative one when necessary.
package policy
