package reconcile

import "time"

// IssueType classifies one detected drift between local state and
// LemonSqueezy.
type IssueType string

const (
	IssueStatusMismatch      IssueType = "status_mismatch"
	IssueMissingInProvider   IssueType = "missing_in_lemonsqueezy"
	IssueTierMismatch        IssueType = "tier_mismatch"
	IssueRenewalDateMismatch IssueType = "renewal_date_mismatch"
	IssueUsageMismatch       IssueType = "usage_mismatch"
	IssueOrphanSubscription  IssueType = "orphan_subscription"
)

// Issue carries both sides of a mismatch so an operator can remediate
// without re-querying either system.
type Issue struct {
	Type              IssueType `json:"type"`
	SubscriptionID    string    `json:"subscription_id,omitempty"`
	AccountID         string    `json:"account_id,omitempty"`
	DBValue           string    `json:"db_value,omitempty"`
	LemonSqueezyValue string    `json:"lemon_squeezy_value,omitempty"`
	// Difference is the signed relative usage difference in percent;
	// positive means local counted more than the provider (under-reported,
	// revenue risk), negative the reverse (trust risk).
	Difference float64 `json:"difference,omitempty"`
}

// Report aggregates one reconciliation run.
type Report struct {
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Issues     []Issue           `json:"issues"`
	Counts     map[IssueType]int `json:"counts"`
	CheckErrs  []string          `json:"check_errors,omitempty"`
}

// HasIssues reports whether any category is non-empty.
func (r Report) HasIssues() bool {
	return len(r.Issues) > 0
}
