/*
types.go - Core domain types for campaigns and contributions

PURPOSE:
  Defines the vocabulary of the ledger: campaigns, contributions, loan
  repayments and the money type they share.

KEY TYPES:
  Campaign:     A fundraising effort owned by a host
  Contribution: A single payment against a campaign (donation or loan)
  Repayment:    A contributor-submitted repayment awaiting host decision
  Money:        Exact decimal amount, 2 fractional digits

CONSERVATION INVARIANT:
  Campaign.CollectedAmount == sum(Contribution.Amount where Counted)
  Campaign.ContributionCount == number of recorded contributions

SEE ALSO:
  - service.go: The only code that mutates CollectedAmount
  - audit.go: Verifies the invariant
*/
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type CampaignID string
type ContributionID string
type RepaymentID string
type UserID string

// =============================================================================
// MONEY
// =============================================================================

// Money is a currency amount. Always rounded to 2 places at input.
type Money = decimal.Decimal

// MoneyPlaces is the number of fractional digits kept for currency.
const MoneyPlaces = 2

// ParseMoney sanitizes a caller-supplied amount.
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return d.Round(MoneyPlaces), nil
}

// RoundMoney rounds an already parsed amount to currency precision.
func RoundMoney(d decimal.Decimal) Money {
	return d.Round(MoneyPlaces)
}

// =============================================================================
// CAMPAIGN
// =============================================================================

type CampaignStatus string

const (
	CampaignActive    CampaignStatus = "active"
	CampaignCompleted CampaignStatus = "completed"
	CampaignClosed    CampaignStatus = "closed"
)

func (s CampaignStatus) Valid() bool {
	switch s {
	case CampaignActive, CampaignCompleted, CampaignClosed:
		return true
	}
	return false
}

type Purpose string

const (
	PurposeMedical   Purpose = "medical"
	PurposeEducation Purpose = "education"
	PurposeEmergency Purpose = "emergency"
	PurposeBusiness  Purpose = "business"
	PurposeTravel    Purpose = "travel"
	PurposeEvent     Purpose = "event"
	PurposeOther     Purpose = "other"
)

func (p Purpose) Valid() bool {
	switch p {
	case PurposeMedical, PurposeEducation, PurposeEmergency, PurposeBusiness,
		PurposeTravel, PurposeEvent, PurposeOther:
		return true
	}
	return false
}

// Campaign is a fundraising effort with a target amount and an owning host.
type Campaign struct {
	ID                CampaignID
	HostID            UserID
	Title             string
	Description       string
	Purpose           Purpose
	TargetAmount      Money
	CollectedAmount   Money
	ContributionCount int
	Status            CampaignStatus
	RepaymentDueDate  *time.Time
	ShareLink         string
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Progress returns collected/target as a percentage, capped at 100.
func (c Campaign) Progress() decimal.Decimal {
	if !c.TargetAmount.IsPositive() {
		return decimal.Zero
	}
	pct := c.CollectedAmount.Mul(decimal.NewFromInt(100)).Div(c.TargetAmount).Round(2)
	if pct.GreaterThan(decimal.NewFromInt(100)) {
		return decimal.NewFromInt(100)
	}
	return pct
}

// IsHost reports whether user owns the campaign.
func (c Campaign) IsHost(user UserID) bool {
	return user != "" && c.HostID == user
}

// =============================================================================
// CONTRIBUTION
// =============================================================================

type ContributionKind string

const (
	KindDonation ContributionKind = "donation"
	KindLoan     ContributionKind = "loan"
)

// ParseContributionKind accepts "gift" as an alias of donation.
func ParseContributionKind(s string) (ContributionKind, bool) {
	switch s {
	case "donation", "gift":
		return KindDonation, true
	case "loan":
		return KindLoan, true
	}
	return "", false
}

type RepaymentStatus string

const (
	RepaymentNotApplicable RepaymentStatus = "not_applicable"
	RepaymentPending       RepaymentStatus = "pending"
	RepaymentRepaid        RepaymentStatus = "repaid"
)

// VerificationStatus tracks the external payment check of a contribution.
type VerificationStatus string

const (
	VerificationNotRequired   VerificationStatus = "not_required"
	VerificationPending       VerificationStatus = "pending"
	VerificationPendingReview VerificationStatus = "pending_review"
	VerificationVerified      VerificationStatus = "verified"
	VerificationRejected      VerificationStatus = "rejected"
)

// Open reports whether a verification decision can still be made.
func (s VerificationStatus) Open() bool {
	return s == VerificationPending || s == VerificationPendingReview
}

// AnonymousName is shown in place of an anonymous contributor's name.
const AnonymousName = "Anonymous"

// Contribution is a single payment record against a campaign.
// GatewayOrderID is the checkout order opened for the payment; gateway
// verification only accepts callbacks for that order.
type Contribution struct {
	ID                 ContributionID
	CampaignID         CampaignID
	ContributorID      UserID // empty for guests
	ContributorName    string
	IsAnonymous        bool
	Amount             Money
	Reference          string
	Kind               ContributionKind
	Counted            bool
	VerificationStatus VerificationStatus
	VerificationMethod string
	EvidenceURL        string
	GatewayOrderID     string
	GatewayPaymentID   string
	RepaymentStatus    RepaymentStatus
	RepaymentDueDate   *time.Time
	RepaidAt           *time.Time
	OverdueNotifiedAt  *time.Time
	ReviewNote         string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	Version            int64
}

// OutstandingLoan reports whether c is a loan whose principal reached the
// campaign. Unverified or rejected loans never did, so nothing is owed.
func (c Contribution) OutstandingLoan() bool {
	return c.Kind == KindLoan && c.Counted
}

// DisplayName hides the contributor name when anonymous.
func (c Contribution) DisplayName() string {
	if c.IsAnonymous || c.ContributorName == "" {
		return AnonymousName
	}
	return c.ContributorName
}

// =============================================================================
// REPAYMENT SUBMISSION
// =============================================================================

type RepaymentSubmissionStatus string

const (
	SubmissionPending  RepaymentSubmissionStatus = "pending"
	SubmissionVerified RepaymentSubmissionStatus = "verified"
	SubmissionRejected RepaymentSubmissionStatus = "rejected"
)

// Repayment is a contributor's claim that a loan was paid back.
type Repayment struct {
	ID             RepaymentID
	ContributionID ContributionID
	CampaignID     CampaignID
	SubmittedBy    UserID
	Amount         Money
	Reference      string
	EvidenceURL    string
	Status         RepaymentSubmissionStatus
	DecidedBy      UserID
	DecidedAt      *time.Time
	Reason         string
	CreatedAt      time.Time
	Version        int64
}
