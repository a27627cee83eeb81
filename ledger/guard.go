/*
guard.go - Idempotency Guard for payment references

PURPOSE:
  Prevents the same real-world payment from being recorded twice as two
  contributions. A payment reference (UTR) may appear at most once per
  campaign; the same reference on a different campaign is allowed.

TWO LAYERS:
  1. CheckDuplicate: read-only lookup used before recording, and exposed to
     clients so a form can warn early.
  2. Unique key "utr:{campaign}:{reference}" on the contribution document:
     enforced by the store, closes the race where two requests both pass
     the lookup.

FORMAT VALIDATION:
  Separate and pluggable (ReferenceValidator). The guard itself matches any
  string exactly and case-sensitively.

SEE ALSO:
  - service.go: RecordContribution runs the guard inside its transaction
  - repayment.go: Repayment submissions reuse the same contract
*/
package ledger

import (
	"context"
	"fmt"
	"strings"
)

// DuplicateResult reports prior contributions carrying the same reference.
type DuplicateResult struct {
	IsDuplicate bool `json:"isDuplicate"`
	MatchCount  int  `json:"matchCount"`
}

// Guard checks (campaign, reference) pairs against recorded contributions.
type Guard struct {
	store Store
}

// NewGuard creates a guard reading from store.
func NewGuard(store Store) *Guard {
	return &Guard{store: store}
}

// CheckDuplicate fails with ErrNotFound if the campaign does not exist and
// with ErrStorageUnavailable if the store cannot answer. A storage failure is
// never reported as "no duplicate".
func (g *Guard) CheckDuplicate(ctx context.Context, campaignID CampaignID, reference string) (DuplicateResult, error) {
	return checkDuplicate(ctx, g.store, CollectionContributions, campaignID, reference)
}

func checkDuplicate(ctx context.Context, s Store, collection string, campaignID CampaignID, reference string) (DuplicateResult, error) {
	if _, err := loadCampaign(ctx, s, campaignID); err != nil {
		return DuplicateResult{}, err
	}
	docs, err := s.Query(ctx, NewQuery(collection).
		Where("campaignId", string(campaignID)).
		Where("utr", reference))
	if err != nil {
		return DuplicateResult{}, storageErr("duplicate check", err)
	}
	return DuplicateResult{IsDuplicate: len(docs) > 0, MatchCount: len(docs)}, nil
}

// =============================================================================
// REFERENCE FORMAT
// =============================================================================

// ReferenceValidator checks the format of a caller-supplied payment reference.
type ReferenceValidator interface {
	ValidateReference(reference string) error
}

// ReferenceValidatorFunc adapts a function to ReferenceValidator.
type ReferenceValidatorFunc func(string) error

func (f ReferenceValidatorFunc) ValidateReference(reference string) error {
	return f(reference)
}

// UTRValidator accepts references made of exactly Length ASCII digits.
type UTRValidator struct {
	Length int
}

// DefaultUTRLength is the observed bank UTR convention.
const DefaultUTRLength = 12

// DefaultReferenceValidator accepts 12-digit UTRs.
var DefaultReferenceValidator ReferenceValidator = UTRValidator{Length: DefaultUTRLength}

func (v UTRValidator) ValidateReference(reference string) error {
	if len(reference) != v.Length {
		return invalid("utr", "must be exactly %d digits", v.Length)
	}
	for _, r := range reference {
		if r < '0' || r > '9' {
			return invalid("utr", "must be exactly %d digits", v.Length)
		}
	}
	return nil
}

// NormalizeReference trims surrounding whitespace only. Matching stays exact.
func NormalizeReference(reference string) string {
	return strings.TrimSpace(reference)
}

func validateReference(v ReferenceValidator, reference string) error {
	if reference == "" {
		return invalid("utr", "is required")
	}
	if v == nil {
		return nil
	}
	if err := v.ValidateReference(reference); err != nil {
		return fmt.Errorf("reference %q: %w", reference, err)
	}
	return nil
}
