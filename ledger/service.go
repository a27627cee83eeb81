/*
service.go - Ledger Service: contribution acceptance and loan repayment

PURPOSE:
  The authoritative state machine for turning a validated contribution
  request into a durable contribution record plus an updated campaign total,
  and for the one-way loan repayment transition.

CONTRIBUTION ACCEPTANCE:
  Submitted -> Validated -> Recorded -> (CounterApplied | CounterDeferred)

  1. Validate amount, kind, reference format
  2. Load campaign (NotFound), require status active (CampaignClosed)
  3. Idempotency Guard (DuplicatePayment)
  4. Decide counted-state from the CountingPolicy
  5. Insert contribution + compare-and-set the campaign in ONE transaction
  6. Publish events after commit

ATOMIC COUNTER:
  The campaign document is updated with UpdateIf(version read in step 2).
  If another writer got there first the store reports ErrVersionConflict,
  the transaction rolls back (the contribution insert with it) and the whole
  unit is attempted again against fresh state. Nothing is retried once a
  unique-key or business-rule error occurs.

LOAN REPAYMENT:
  pending -> repaid, once, only by the campaign host.

SEE ALSO:
  - guard.go: Duplicate reference detection
  - verification.go: Deferred counting
  - repayment.go: Two-step repayment submissions
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// CountingPolicy decides when a contribution moves the campaign total.
type CountingPolicy string

const (
	// CountImmediately counts a contribution when it is recorded.
	CountImmediately CountingPolicy = "immediate"
	// CountOnVerification counts a contribution only once its payment is
	// verified by gateway signature, screenshot OCR or host review.
	CountOnVerification CountingPolicy = "on_verification"
)

func (p CountingPolicy) Valid() bool {
	return p == CountImmediately || p == CountOnVerification
}

// Config is passed explicitly to NewService. No package-level state.
type Config struct {
	CountingPolicy CountingPolicy
	CASMaxAttempts int
	// ShareBaseURL prefixes campaign share links, e.g. https://friendfund.app
	ShareBaseURL string
	References   ReferenceValidator
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		CountingPolicy: CountImmediately,
		CASMaxAttempts: 10,
		ShareBaseURL:   "https://friendfund.app",
		References:     DefaultReferenceValidator,
	}
}

// Option customizes a Service.
type Option func(*Service)

// WithNotifier sets the event sink.
func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides uuid generation.
func WithIDGenerator(gen func() string) Option {
	return func(s *Service) { s.newID = gen }
}

// =============================================================================
// SERVICE
// =============================================================================

// Service owns every mutation of campaigns and contributions.
type Service struct {
	store    TxStore
	guard    *Guard
	cfg      Config
	notifier Notifier
	now      func() time.Time
	newID    func() string

	signatures  SignatureVerifier
	screenshots ScreenshotAnalyzer
	evidence    EvidenceStore
}

// NewService creates a ledger over store.
func NewService(store TxStore, cfg Config, opts ...Option) *Service {
	def := DefaultConfig()
	if !cfg.CountingPolicy.Valid() {
		cfg.CountingPolicy = def.CountingPolicy
	}
	if cfg.CASMaxAttempts <= 0 {
		cfg.CASMaxAttempts = def.CASMaxAttempts
	}
	if cfg.ShareBaseURL == "" {
		cfg.ShareBaseURL = def.ShareBaseURL
	}
	cfg.ShareBaseURL = strings.TrimSuffix(cfg.ShareBaseURL, "/")

	s := &Service{
		store:    store,
		guard:    NewGuard(store),
		cfg:      cfg,
		notifier: nopNotifier{},
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Guard exposes the read-only duplicate check.
func (s *Service) Guard() *Guard { return s.guard }

// Policy returns the active counting policy.
func (s *Service) Policy() CountingPolicy { return s.cfg.CountingPolicy }

// withCAS runs fn in a transaction, re-running it while the store reports a
// version conflict. A conflicting attempt has been rolled back in full.
func (s *Service) withCAS(ctx context.Context, op string, fn func(tx Store) error) error {
	for attempt := 1; ; attempt++ {
		err := s.store.WithTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			if KindOf(err) == KindInternal {
				return storageErr(op, err)
			}
			return err
		}
		if attempt >= s.cfg.CASMaxAttempts {
			return fmt.Errorf("%s: %w: still contended after %d attempts", op, ErrStorageUnavailable, attempt)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s: %w: %v", op, ErrStorageUnavailable, ctxErr)
		}
		time.Sleep(time.Duration(attempt) * time.Millisecond)
	}
}

// =============================================================================
// RECORD CONTRIBUTION
// =============================================================================

// ContributionRequest is a validated-on-entry contribution submission.
type ContributionRequest struct {
	CampaignID       CampaignID
	Amount           Money
	Reference        string
	Kind             ContributionKind
	ContributorID    UserID
	ContributorName  string
	IsAnonymous      bool
	RepaymentDueDate *time.Time
	// GatewayOrderID binds a checkout order for later gateway verification.
	GatewayOrderID string
}

func (s *Service) validateContribution(req *ContributionRequest) error {
	if req.CampaignID == "" {
		return invalid("campaignId", "is required")
	}
	req.Amount = RoundMoney(req.Amount)
	if !req.Amount.IsPositive() {
		return invalid("amount", "must be positive")
	}
	if req.Kind != KindDonation && req.Kind != KindLoan {
		return invalid("kind", "must be donation or loan")
	}
	req.Reference = NormalizeReference(req.Reference)
	if err := validateReference(s.cfg.References, req.Reference); err != nil {
		return err
	}
	req.ContributorName = strings.TrimSpace(req.ContributorName)
	req.GatewayOrderID = strings.TrimSpace(req.GatewayOrderID)
	if req.Kind != KindLoan {
		req.RepaymentDueDate = nil
	}
	return nil
}

// RecordContribution validates, deduplicates and records a contribution,
// applying it to the campaign total per the counting policy.
func (s *Service) RecordContribution(ctx context.Context, req ContributionRequest) (Contribution, error) {
	if err := s.validateContribution(&req); err != nil {
		return Contribution{}, err
	}

	var (
		out       Contribution
		completed bool
	)
	err := s.withCAS(ctx, "record contribution", func(tx Store) error {
		campaign, err := loadCampaign(ctx, tx, req.CampaignID)
		if err != nil {
			return err
		}
		if campaign.Status != CampaignActive {
			return &CampaignClosedError{CampaignID: campaign.ID, Status: campaign.Status}
		}

		due := req.RepaymentDueDate
		if req.Kind == KindLoan && due == nil {
			due = campaign.RepaymentDueDate
		}
		if req.Kind == KindLoan && due == nil {
			return invalid("repaymentDueDate", "is required for loans")
		}

		dup, err := checkDuplicate(ctx, tx, CollectionContributions, req.CampaignID, req.Reference)
		if err != nil {
			return err
		}
		if dup.IsDuplicate {
			return &DuplicatePaymentError{CampaignID: req.CampaignID, Reference: req.Reference, MatchCount: dup.MatchCount}
		}
		if req.GatewayOrderID != "" {
			bound, err := tx.Query(ctx, NewQuery(CollectionContributions).Where("gatewayOrderId", req.GatewayOrderID).Page(1, 0))
			if err != nil {
				return storageErr("check gateway order", err)
			}
			if len(bound) > 0 {
				return &DuplicatePaymentError{CampaignID: req.CampaignID, Reference: req.GatewayOrderID, MatchCount: len(bound)}
			}
		}

		c := Contribution{
			ID:                 ContributionID(s.newID()),
			CampaignID:         req.CampaignID,
			ContributorID:      req.ContributorID,
			ContributorName:    req.ContributorName,
			IsAnonymous:        req.IsAnonymous,
			Amount:             req.Amount,
			Reference:          req.Reference,
			Kind:               req.Kind,
			GatewayOrderID:     req.GatewayOrderID,
			RepaymentStatus:    RepaymentNotApplicable,
			VerificationStatus: VerificationNotRequired,
			Counted:            true,
		}
		if req.Kind == KindLoan {
			c.RepaymentStatus = RepaymentPending
			c.RepaymentDueDate = due
		}
		if s.cfg.CountingPolicy == CountOnVerification {
			c.Counted = false
			c.VerificationStatus = VerificationPending
		}

		keys := []string{ReferenceKey(c.CampaignID, c.Reference)}
		if c.GatewayOrderID != "" {
			keys = append(keys, GatewayOrderKey(c.GatewayOrderID))
		}
		doc, err := tx.Insert(ctx, Document{
			ID:         string(c.ID),
			Collection: CollectionContributions,
			Fields:     contributionFields(c),
			UniqueKeys: keys,
		})
		if err != nil {
			if errors.Is(err, ErrDuplicateKey) {
				return &DuplicatePaymentError{CampaignID: req.CampaignID, Reference: req.Reference, MatchCount: 1}
			}
			return storageErr("insert contribution", err)
		}
		if out, err = contributionFromDoc(doc); err != nil {
			return err
		}

		campaign.ContributionCount++
		completed = false
		if c.Counted {
			completed = applyCount(&campaign, c.Amount)
		}
		return casCampaign(ctx, tx, campaign)
	})
	if err != nil {
		return Contribution{}, err
	}

	log.Printf("level=info component=ledger msg=\"contribution recorded\" campaign_id=%s contribution_id=%s amount=%s counted=%t",
		out.CampaignID, out.ID, out.Amount.StringFixed(MoneyPlaces), out.Counted)

	events := []Event{{
		Type:           EventContributionRecorded,
		CampaignID:     out.CampaignID,
		ContributionID: out.ID,
		ActorID:        out.ContributorID,
		Amount:         out.Amount.StringFixed(MoneyPlaces),
	}}
	if completed {
		events = append(events, Event{Type: EventCampaignCompleted, CampaignID: out.CampaignID})
	}
	s.emit(ctx, events...)
	return out, nil
}

// applyCount adds amount to the campaign total and reports whether this
// addition completed an active campaign.
func applyCount(c *Campaign, amount Money) bool {
	c.CollectedAmount = c.CollectedAmount.Add(amount)
	if c.Status == CampaignActive && c.CollectedAmount.GreaterThanOrEqual(c.TargetAmount) {
		c.Status = CampaignCompleted
		return true
	}
	return false
}

// casCampaign writes the mutable counter fields conditional on the version
// the campaign was read at.
func casCampaign(ctx context.Context, tx Store, c Campaign) error {
	_, err := tx.UpdateIf(ctx, CollectionCampaigns, string(c.ID), c.Version, map[string]any{
		"collectedAmount":   c.CollectedAmount.StringFixed(MoneyPlaces),
		"contributionCount": c.ContributionCount,
		"status":            string(c.Status),
	})
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return fmt.Errorf("campaign %s: %w", c.ID, ErrVersionConflict)
		}
		if errors.Is(err, ErrDocumentNotFound) {
			return fmt.Errorf("campaign %s: %w", c.ID, ErrNotFound)
		}
		return storageErr("update campaign", err)
	}
	return nil
}

// =============================================================================
// LOAN REPAYMENT
// =============================================================================

// MarkRepaid moves a loan from pending to repaid. Only the campaign host may
// do so, and only once.
func (s *Service) MarkRepaid(ctx context.Context, contributionID ContributionID, actingUser UserID) (Contribution, error) {
	var out Contribution
	err := s.withCAS(ctx, "mark repaid", func(tx Store) error {
		var err error
		out, err = s.markRepaidTx(ctx, tx, contributionID, actingUser)
		return err
	})
	if err != nil {
		return Contribution{}, err
	}

	log.Printf("level=info component=ledger msg=\"loan repaid\" campaign_id=%s contribution_id=%s host_id=%s",
		out.CampaignID, out.ID, actingUser)
	s.emit(ctx, Event{
		Type:           EventLoanRepaid,
		CampaignID:     out.CampaignID,
		ContributionID: out.ID,
		ActorID:        actingUser,
		Amount:         out.Amount.StringFixed(MoneyPlaces),
	})
	return out, nil
}

func (s *Service) markRepaidTx(ctx context.Context, tx Store, contributionID ContributionID, actingUser UserID) (Contribution, error) {
	c, err := loadContribution(ctx, tx, contributionID)
	if err != nil {
		return Contribution{}, err
	}
	campaign, err := loadCampaign(ctx, tx, c.CampaignID)
	if err != nil {
		return Contribution{}, err
	}
	if !campaign.IsHost(actingUser) {
		return Contribution{}, fmt.Errorf("only the campaign host can mark loans repaid: %w", ErrUnauthorized)
	}
	if c.Kind != KindLoan {
		return Contribution{}, fmt.Errorf("contribution %s is a %s: %w", c.ID, c.Kind, ErrInvalidOperation)
	}
	if !c.OutstandingLoan() {
		return Contribution{}, fmt.Errorf("loan %s payment is %s: %w", c.ID, c.VerificationStatus, ErrInvalidOperation)
	}
	if c.RepaymentStatus == RepaymentRepaid {
		return Contribution{}, fmt.Errorf("contribution %s: %w", c.ID, ErrAlreadyRepaid)
	}
	if c.RepaymentStatus != RepaymentPending {
		return Contribution{}, fmt.Errorf("contribution %s repayment is %s: %w", c.ID, c.RepaymentStatus, ErrInvalidOperation)
	}

	now := s.now()
	doc, err := tx.UpdateIf(ctx, CollectionContributions, string(c.ID), c.Version, map[string]any{
		"repaymentStatus": string(RepaymentRepaid),
		"repaidAt":        timePtrString(&now),
	})
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return Contribution{}, fmt.Errorf("contribution %s: %w", c.ID, ErrVersionConflict)
		}
		return Contribution{}, storageErr("update contribution", err)
	}
	return contributionFromDoc(doc)
}
