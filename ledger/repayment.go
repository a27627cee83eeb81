package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
)

// =============================================================================
// REPAYMENT SUBMISSIONS - submit with reference, host verifies or rejects
// =============================================================================
//
// The contributor of a loan submits a repayment carrying a payment reference
// and optional evidence. The reference is guarded per campaign exactly like a
// contribution reference. The host then verifies (the loan flips to repaid
// in the same transaction) or rejects the submission.

// RepaymentRequest is a contributor's repayment claim.
type RepaymentRequest struct {
	ContributionID ContributionID
	SubmittedBy    UserID
	Amount         Money
	Reference      string
	EvidenceURL    string
}

// SubmitRepayment records a pending repayment submission for a loan.
func (s *Service) SubmitRepayment(ctx context.Context, req RepaymentRequest) (Repayment, error) {
	if req.SubmittedBy == "" {
		return Repayment{}, fmt.Errorf("submit repayment: %w", ErrUnauthenticated)
	}
	req.Amount = RoundMoney(req.Amount)
	if !req.Amount.IsPositive() {
		return Repayment{}, invalid("amount", "must be positive")
	}
	req.Reference = NormalizeReference(req.Reference)
	if err := validateReference(s.cfg.References, req.Reference); err != nil {
		return Repayment{}, err
	}

	var out Repayment
	err := s.store.WithTx(ctx, func(tx Store) error {
		c, err := loadContribution(ctx, tx, req.ContributionID)
		if err != nil {
			return err
		}
		if c.Kind != KindLoan {
			return fmt.Errorf("contribution %s is a %s: %w", c.ID, c.Kind, ErrInvalidOperation)
		}
		if !c.OutstandingLoan() {
			return fmt.Errorf("loan %s payment is %s: %w", c.ID, c.VerificationStatus, ErrInvalidOperation)
		}
		if c.RepaymentStatus == RepaymentRepaid {
			return fmt.Errorf("contribution %s: %w", c.ID, ErrAlreadyRepaid)
		}
		if c.ContributorID != "" && c.ContributorID != req.SubmittedBy {
			return fmt.Errorf("only the lender can submit a repayment for this loan: %w", ErrUnauthorized)
		}

		dup, err := checkDuplicate(ctx, tx, CollectionRepayments, c.CampaignID, req.Reference)
		if err != nil {
			return err
		}
		if dup.IsDuplicate {
			return &DuplicatePaymentError{CampaignID: c.CampaignID, Reference: req.Reference, MatchCount: dup.MatchCount}
		}

		r := Repayment{
			ID:             RepaymentID(s.newID()),
			ContributionID: c.ID,
			CampaignID:     c.CampaignID,
			SubmittedBy:    req.SubmittedBy,
			Amount:         req.Amount,
			Reference:      req.Reference,
			EvidenceURL:    strings.TrimSpace(req.EvidenceURL),
			Status:         SubmissionPending,
		}
		doc, err := tx.Insert(ctx, Document{
			ID:         string(r.ID),
			Collection: CollectionRepayments,
			Fields:     repaymentFields(r),
			UniqueKeys: []string{RepaymentReferenceKey(r.CampaignID, r.Reference)},
		})
		if err != nil {
			if errors.Is(err, ErrDuplicateKey) {
				return &DuplicatePaymentError{CampaignID: c.CampaignID, Reference: req.Reference, MatchCount: 1}
			}
			return storageErr("insert repayment", err)
		}
		out, err = repaymentFromDoc(doc)
		return err
	})
	if err != nil {
		if KindOf(err) == KindInternal {
			return Repayment{}, storageErr("submit repayment", err)
		}
		return Repayment{}, err
	}

	s.emit(ctx, Event{
		Type:           EventRepaymentSubmitted,
		CampaignID:     out.CampaignID,
		ContributionID: out.ContributionID,
		RepaymentID:    out.ID,
		ActorID:        out.SubmittedBy,
		Amount:         out.Amount.StringFixed(MoneyPlaces),
	})
	return out, nil
}

// VerifyRepayment accepts a pending submission and marks the loan repaid.
func (s *Service) VerifyRepayment(ctx context.Context, id RepaymentID, host UserID) (Repayment, Contribution, error) {
	var (
		rep     Repayment
		contrib Contribution
	)
	err := s.withCAS(ctx, "verify repayment", func(tx Store) error {
		r, err := s.pendingRepayment(ctx, tx, id, host)
		if err != nil {
			return err
		}
		if contrib, err = s.markRepaidTx(ctx, tx, r.ContributionID, host); err != nil {
			return err
		}
		rep, err = s.closeRepayment(ctx, tx, r, SubmissionVerified, host, "")
		return err
	})
	if err != nil {
		return Repayment{}, Contribution{}, err
	}

	log.Printf("level=info component=ledger msg=\"repayment verified\" repayment_id=%s contribution_id=%s", rep.ID, contrib.ID)
	s.emit(ctx, Event{
		Type:           EventLoanRepaid,
		CampaignID:     contrib.CampaignID,
		ContributionID: contrib.ID,
		RepaymentID:    rep.ID,
		ActorID:        host,
		Amount:         rep.Amount.StringFixed(MoneyPlaces),
	})
	return rep, contrib, nil
}

// RejectRepayment declines a pending submission. The loan stays pending.
func (s *Service) RejectRepayment(ctx context.Context, id RepaymentID, host UserID, reason string) (Repayment, error) {
	var rep Repayment
	err := s.withCAS(ctx, "reject repayment", func(tx Store) error {
		r, err := s.pendingRepayment(ctx, tx, id, host)
		if err != nil {
			return err
		}
		rep, err = s.closeRepayment(ctx, tx, r, SubmissionRejected, host, strings.TrimSpace(reason))
		return err
	})
	if err != nil {
		return Repayment{}, err
	}
	s.emit(ctx, Event{
		Type:           EventRepaymentRejected,
		CampaignID:     rep.CampaignID,
		ContributionID: rep.ContributionID,
		RepaymentID:    rep.ID,
		ActorID:        host,
	})
	return rep, nil
}

// ListRepayments returns the submissions for one loan, newest first.
func (s *Service) ListRepayments(ctx context.Context, contributionID ContributionID) ([]Repayment, error) {
	if _, err := loadContribution(ctx, s.store, contributionID); err != nil {
		return nil, err
	}
	docs, err := s.store.Query(ctx, NewQuery(CollectionRepayments).Where("contributionId", string(contributionID)))
	if err != nil {
		return nil, storageErr("list repayments", err)
	}
	out := make([]Repayment, 0, len(docs))
	for _, d := range docs {
		r, err := repaymentFromDoc(d)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Service) pendingRepayment(ctx context.Context, tx Store, id RepaymentID, host UserID) (Repayment, error) {
	r, err := loadRepayment(ctx, tx, id)
	if err != nil {
		return Repayment{}, err
	}
	campaign, err := loadCampaign(ctx, tx, r.CampaignID)
	if err != nil {
		return Repayment{}, err
	}
	if !campaign.IsHost(host) {
		return Repayment{}, fmt.Errorf("only the campaign host can decide repayments: %w", ErrUnauthorized)
	}
	if r.Status != SubmissionPending {
		return Repayment{}, fmt.Errorf("repayment %s is already %s: %w", r.ID, r.Status, ErrInvalidOperation)
	}
	return r, nil
}

func (s *Service) closeRepayment(ctx context.Context, tx Store, r Repayment, status RepaymentSubmissionStatus, host UserID, reason string) (Repayment, error) {
	now := s.now()
	doc, err := tx.UpdateIf(ctx, CollectionRepayments, string(r.ID), r.Version, map[string]any{
		"status":    string(status),
		"decidedBy": string(host),
		"decidedAt": timePtrString(&now),
		"reason":    reason,
	})
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return Repayment{}, fmt.Errorf("repayment %s: %w", r.ID, ErrVersionConflict)
		}
		return Repayment{}, storageErr("update repayment", err)
	}
	return repaymentFromDoc(doc)
}
