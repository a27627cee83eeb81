/*
verification.go - Deferred counting: payment verification workflow

PURPOSE:
  Under CountOnVerification a contribution is recorded uncounted with
  verificationStatus=pending. It reaches the campaign total only when one of
  these succeeds:

    1. Gateway signature  - HMAC over order|payment id (authoritative)
    2. Screenshot OCR     - best-effort pre-filter; anything short of a
                            confident match goes to pending_review
    3. Host review        - the campaign host approves or rejects

GATEWAY BINDING:
  A signature only proves the gateway saw order|payment. The contribution
  must have been recorded with that order id, and each payment id is
  consumed once through a marker document keyed gateway:{paymentId}, so a
  valid callback cannot be replayed against another contribution.

STATE MACHINE:
  pending --gateway ok--------> verified (counted)
  pending --ocr confident-----> verified (counted)
  pending --ocr unsure/down---> pending_review
  pending|pending_review --host approve--> verified (counted)
  pending|pending_review --host reject---> rejected (never counted)

  verified and rejected are terminal.

COUNTING:
  Uses the same compare-and-set unit of work as RecordContribution. The
  campaign may have been completed or closed since submission; the paid
  amount is still counted, completion is only evaluated for active campaigns.

SEE ALSO:
  - payment/: Signature verifier and screenshot analyzer implementations
  - service.go: withCAS, applyCount, casCampaign
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
)

// SignatureVerifier checks a payment gateway callback signature.
type SignatureVerifier interface {
	VerifySignature(orderID, paymentID, signature string) error
}

// ScreenshotVerdict is the outcome of analyzing a payment screenshot.
type ScreenshotVerdict struct {
	AutoVerify      bool   `json:"autoVerify"`
	Confidence      int    `json:"confidence"`
	ExtractedAmount string `json:"extractedAmount,omitempty"`
	ReferenceFound  bool   `json:"referenceFound"`
	KeywordFound    bool   `json:"keywordFound"`
	Reason          string `json:"reason,omitempty"`
}

// ScreenshotAnalyzer extracts and scores a payment screenshot.
type ScreenshotAnalyzer interface {
	Analyze(ctx context.Context, image []byte, expected Money, reference string) (ScreenshotVerdict, error)
}

// EvidenceStore keeps uploaded payment evidence.
type EvidenceStore interface {
	Put(ctx context.Context, folder, name string, data []byte) (string, error)
}

// WithSignatureVerifier enables gateway verification.
func WithSignatureVerifier(v SignatureVerifier) Option {
	return func(s *Service) { s.signatures = v }
}

// WithScreenshotAnalyzer enables screenshot verification.
func WithScreenshotAnalyzer(a ScreenshotAnalyzer) Option {
	return func(s *Service) { s.screenshots = a }
}

// WithEvidenceStore keeps uploaded screenshots.
func WithEvidenceStore(e EvidenceStore) Option {
	return func(s *Service) { s.evidence = e }
}

// Verification methods recorded on the contribution.
const (
	MethodGateway    = "gateway"
	MethodScreenshot = "screenshot"
	MethodHostReview = "host_review"
)

// =============================================================================
// GATEWAY
// =============================================================================

// VerifyGatewayPayment counts a contribution whose gateway signature checks out.
// The order must be the one bound to the contribution and the payment id must
// not have verified anything before. Any failure leaves the contribution
// unchanged.
func (s *Service) VerifyGatewayPayment(ctx context.Context, id ContributionID, orderID, paymentID, signature string) (Contribution, error) {
	if s.signatures == nil {
		return Contribution{}, fmt.Errorf("gateway verification is not configured: %w", ErrInvalidOperation)
	}
	if orderID == "" || paymentID == "" || signature == "" {
		return Contribution{}, invalid("signature", "orderId, paymentId and signature are required")
	}
	if err := s.signatures.VerifySignature(orderID, paymentID, signature); err != nil {
		return Contribution{}, fmt.Errorf("gateway signature: %w", err)
	}
	return s.decide(ctx, id, decision{
		status:         VerificationVerified,
		method:         MethodGateway,
		gatewayOrder:   strings.TrimSpace(orderID),
		gatewayPayment: strings.TrimSpace(paymentID),
	})
}

// =============================================================================
// SCREENSHOT
// =============================================================================

// VerifyScreenshot analyzes a payment screenshot. A confident match verifies
// and counts the contribution; anything else, including an OCR outage, moves
// it to pending_review for the host.
func (s *Service) VerifyScreenshot(ctx context.Context, id ContributionID, actingUser UserID, image []byte) (Contribution, ScreenshotVerdict, error) {
	if len(image) == 0 {
		return Contribution{}, ScreenshotVerdict{}, invalid("screenshot", "is required")
	}
	c, err := loadContribution(ctx, s.store, id)
	if err != nil {
		return Contribution{}, ScreenshotVerdict{}, err
	}
	if err := s.requireOpen(c); err != nil {
		return Contribution{}, ScreenshotVerdict{}, err
	}
	if c.ContributorID != "" && c.ContributorID != actingUser {
		campaign, err := loadCampaign(ctx, s.store, c.CampaignID)
		if err != nil {
			return Contribution{}, ScreenshotVerdict{}, err
		}
		if !campaign.IsHost(actingUser) {
			return Contribution{}, ScreenshotVerdict{}, fmt.Errorf("screenshot must come from the contributor: %w", ErrUnauthorized)
		}
	}

	var evidenceURL string
	if s.evidence != nil {
		evidenceURL, err = s.evidence.Put(ctx, "screenshots", string(c.ID), image)
		if err != nil {
			log.Printf("level=warn component=ledger msg=\"evidence upload failed\" contribution_id=%s err=%v", c.ID, err)
		}
	}

	verdict := ScreenshotVerdict{Reason: "screenshot analysis unavailable"}
	if s.screenshots != nil {
		verdict, err = s.screenshots.Analyze(ctx, image, c.Amount, c.Reference)
		if err != nil {
			log.Printf("level=warn component=ledger msg=\"screenshot analysis degraded\" contribution_id=%s err=%v",
				c.ID, fmt.Errorf("%w: %v", ErrUpstreamDegraded, err))
			verdict = ScreenshotVerdict{Reason: "screenshot analysis unavailable"}
		}
	}

	next := VerificationPendingReview
	if verdict.AutoVerify {
		next = VerificationVerified
	}
	out, err := s.decide(ctx, id, decision{status: next, method: MethodScreenshot, evidenceURL: evidenceURL, note: verdict.Reason})
	if err != nil {
		return Contribution{}, verdict, err
	}
	return out, verdict, nil
}

// =============================================================================
// HOST REVIEW
// =============================================================================

// ReviewContribution lets the campaign host approve or reject an unverified
// contribution.
func (s *Service) ReviewContribution(ctx context.Context, id ContributionID, host UserID, approve bool, note string) (Contribution, error) {
	next := VerificationRejected
	if approve {
		next = VerificationVerified
	}
	return s.decide(ctx, id, decision{status: next, method: MethodHostReview, note: strings.TrimSpace(note), host: host})
}

// =============================================================================
// DECISION
// =============================================================================

type decision struct {
	status      VerificationStatus
	method      string
	evidenceURL string
	note        string
	// host, when set, must be the campaign host.
	host UserID

	gatewayOrder   string
	gatewayPayment string
}

func (s *Service) requireOpen(c Contribution) error {
	if c.VerificationStatus == VerificationNotRequired {
		return fmt.Errorf("contribution %s does not need verification: %w", c.ID, ErrInvalidOperation)
	}
	if !c.VerificationStatus.Open() {
		return fmt.Errorf("contribution %s is already %s: %w", c.ID, c.VerificationStatus, ErrInvalidOperation)
	}
	return nil
}

// consumeGatewayPayment checks the order binding and reserves the payment id.
// The marker insert rolls back with the rest of the unit of work.
func (s *Service) consumeGatewayPayment(ctx context.Context, tx Store, c Contribution, orderID, paymentID string) error {
	if c.GatewayOrderID == "" {
		return fmt.Errorf("contribution %s has no gateway order: %w", c.ID, ErrInvalidOperation)
	}
	if c.GatewayOrderID != orderID {
		return &ValidationError{Field: "orderId", Message: "does not belong to this contribution"}
	}
	_, err := tx.Insert(ctx, Document{
		ID:         s.newID(),
		Collection: CollectionGatewayPayments,
		Fields: map[string]any{
			"paymentId":      paymentID,
			"orderId":        orderID,
			"contributionId": string(c.ID),
			"campaignId":     string(c.CampaignID),
		},
		UniqueKeys: []string{GatewayPaymentKey(paymentID)},
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			return &DuplicatePaymentError{CampaignID: c.CampaignID, Reference: paymentID, MatchCount: 1}
		}
		return storageErr("reserve gateway payment", err)
	}
	return nil
}

func (s *Service) decide(ctx context.Context, id ContributionID, d decision) (Contribution, error) {
	var (
		out       Contribution
		completed bool
	)
	err := s.withCAS(ctx, "verify contribution", func(tx Store) error {
		c, err := loadContribution(ctx, tx, id)
		if err != nil {
			return err
		}
		campaign, err := loadCampaign(ctx, tx, c.CampaignID)
		if err != nil {
			return err
		}
		if d.host != "" || d.method == MethodHostReview {
			if !campaign.IsHost(d.host) {
				return fmt.Errorf("only the campaign host can review contributions: %w", ErrUnauthorized)
			}
		}
		if err := s.requireOpen(c); err != nil {
			return err
		}

		partial := map[string]any{
			"verificationStatus": string(d.status),
			"verificationMethod": d.method,
		}
		if d.method == MethodGateway {
			if err := s.consumeGatewayPayment(ctx, tx, c, d.gatewayOrder, d.gatewayPayment); err != nil {
				return err
			}
			partial["gatewayPaymentId"] = d.gatewayPayment
		}
		if d.evidenceURL != "" {
			partial["evidenceUrl"] = d.evidenceURL
		}
		if d.note != "" {
			partial["reviewNote"] = d.note
		}
		if d.status == VerificationVerified {
			partial["counted"] = true
		}

		doc, err := tx.UpdateIf(ctx, CollectionContributions, string(c.ID), c.Version, partial)
		if err != nil {
			if errors.Is(err, ErrVersionConflict) {
				return fmt.Errorf("contribution %s: %w", c.ID, ErrVersionConflict)
			}
			return storageErr("update contribution", err)
		}
		if out, err = contributionFromDoc(doc); err != nil {
			return err
		}

		completed = false
		if d.status != VerificationVerified {
			return nil
		}
		completed = applyCount(&campaign, c.Amount)
		return casCampaign(ctx, tx, campaign)
	})
	if err != nil {
		return Contribution{}, err
	}

	log.Printf("level=info component=ledger msg=\"contribution verification\" contribution_id=%s status=%s method=%s",
		out.ID, out.VerificationStatus, d.method)

	var events []Event
	switch out.VerificationStatus {
	case VerificationVerified:
		events = append(events, Event{
			Type:           EventContributionVerified,
			CampaignID:     out.CampaignID,
			ContributionID: out.ID,
			ActorID:        d.host,
			Amount:         out.Amount.StringFixed(MoneyPlaces),
		})
	case VerificationRejected:
		events = append(events, Event{Type: EventContributionRejected, CampaignID: out.CampaignID, ContributionID: out.ID, ActorID: d.host})
	}
	if completed {
		events = append(events, Event{Type: EventCampaignCompleted, CampaignID: out.CampaignID})
	}
	s.emit(ctx, events...)
	return out, nil
}
