/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the wire contract: money is always a 2-decimal
  string, anonymous contributors never leak their id or name.

NAMING CONVENTION:
  - *DTO:     Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Shape checks (dates, kinds) happen while converting requests; business
  rules stay in the ledger.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/friendfund/backend/identity"
	"github.com/friendfund/backend/ledger"
)

func money(m ledger.Money) string {
	return m.StringFixed(ledger.MoneyPlaces)
}

// parseDate accepts RFC 3339 timestamps and plain YYYY-MM-DD dates.
func parseDate(field string, s *string) (*time.Time, error) {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil, nil
	}
	v := strings.TrimSpace(*s)
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return nil, &ledger.ValidationError{Field: field, Message: "must be a date (YYYY-MM-DD) or RFC 3339 timestamp"}
	}
	return &t, nil
}

// =============================================================================
// CAMPAIGNS
// =============================================================================

// CampaignDTO represents a campaign in API responses.
type CampaignDTO struct {
	ID                string     `json:"id"`
	HostID            string     `json:"hostId"`
	Title             string     `json:"title"`
	Description       string     `json:"description"`
	Purpose           string     `json:"purpose"`
	TargetAmount      string     `json:"targetAmount"`
	CollectedAmount   string     `json:"collectedAmount"`
	ContributionCount int        `json:"contributionCount"`
	Progress          string     `json:"progress"`
	Status            string     `json:"status"`
	RepaymentDueDate  *time.Time `json:"repaymentDueDate,omitempty"`
	ShareLink         string     `json:"shareLink"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

func toCampaignDTO(c ledger.Campaign) CampaignDTO {
	return CampaignDTO{
		ID:                string(c.ID),
		HostID:            string(c.HostID),
		Title:             c.Title,
		Description:       c.Description,
		Purpose:           string(c.Purpose),
		TargetAmount:      money(c.TargetAmount),
		CollectedAmount:   money(c.CollectedAmount),
		ContributionCount: c.ContributionCount,
		Progress:          c.Progress().String(),
		Status:            string(c.Status),
		RepaymentDueDate:  c.RepaymentDueDate,
		ShareLink:         c.ShareLink,
		CreatedAt:         c.CreatedAt,
		UpdatedAt:         c.UpdatedAt,
	}
}

func toCampaignDTOs(cs []ledger.Campaign) []CampaignDTO {
	out := make([]CampaignDTO, len(cs))
	for i, c := range cs {
		out[i] = toCampaignDTO(c)
	}
	return out
}

// CampaignDetailDTO adds the host name and contributions.
type CampaignDetailDTO struct {
	CampaignDTO
	HostName      string            `json:"hostName"`
	Contributions []ContributionDTO `json:"contributions"`
}

// CreateCampaignRequest is the body of POST /api/campaigns.
type CreateCampaignRequest struct {
	Title            string          `json:"title"`
	Description      string          `json:"description"`
	Purpose          string          `json:"purpose"`
	TargetAmount     decimal.Decimal `json:"targetAmount"`
	RepaymentDueDate *string         `json:"repaymentDueDate"`
	GatewayOrderID   string          `json:"gatewayOrderId"`
}

func (req CreateCampaignRequest) toInput() (ledger.CampaignInput, error) {
	due, err := parseDate("repaymentDueDate", req.RepaymentDueDate)
	if err != nil {
		return ledger.CampaignInput{}, err
	}
	return ledger.CampaignInput{
		Title:            req.Title,
		Description:      req.Description,
		Purpose:          ledger.Purpose(req.Purpose),
		TargetAmount:     req.TargetAmount,
		RepaymentDueDate: due,
		GatewayOrderID:   req.GatewayOrderID,
	}, nil
}

// UpdateCampaignRequest is the body of PUT /api/campaigns/{id}. Absent
// fields are left unchanged.
type UpdateCampaignRequest struct {
	Title            *string          `json:"title"`
	Description      *string          `json:"description"`
	Purpose          *string          `json:"purpose"`
	TargetAmount     *decimal.Decimal `json:"targetAmount"`
	Status           *string          `json:"status"`
	RepaymentDueDate *string          `json:"repaymentDueDate"`
}

func (req UpdateCampaignRequest) toPatch() (ledger.CampaignPatch, error) {
	due, err := parseDate("repaymentDueDate", req.RepaymentDueDate)
	if err != nil {
		return ledger.CampaignPatch{}, err
	}
	p := ledger.CampaignPatch{
		Title:            req.Title,
		Description:      req.Description,
		TargetAmount:     req.TargetAmount,
		RepaymentDueDate: due,
	}
	if req.Purpose != nil {
		purpose := ledger.Purpose(*req.Purpose)
		p.Purpose = &purpose
	}
	if req.Status != nil {
		status := ledger.CampaignStatus(*req.Status)
		p.Status = &status
	}
	return p, nil
}

// QRDTO carries a rendered share-link QR code.
type QRDTO struct {
	CampaignID string `json:"campaignId"`
	ShareLink  string `json:"shareLink"`
	QRCode     string `json:"qrCode"`
}

// =============================================================================
// CONTRIBUTIONS
// =============================================================================

// ContributionDTO represents a contribution in API responses.
type ContributionDTO struct {
	ID                 string     `json:"id"`
	CampaignID         string     `json:"campaignId"`
	ContributorID      string     `json:"contributorId,omitempty"`
	ContributorName    string     `json:"contributorName"`
	IsAnonymous        bool       `json:"isAnonymous"`
	Amount             string     `json:"amount"`
	UTR                string     `json:"utr"`
	Type               string     `json:"type"`
	Counted            bool       `json:"counted"`
	VerificationStatus string     `json:"verificationStatus"`
	VerificationMethod string     `json:"verificationMethod,omitempty"`
	EvidenceURL        string     `json:"evidenceUrl,omitempty"`
	GatewayOrderID     string     `json:"gatewayOrderId,omitempty"`
	GatewayPaymentID   string     `json:"gatewayPaymentId,omitempty"`
	ReviewNote         string     `json:"reviewNote,omitempty"`
	RepaymentStatus    string     `json:"repaymentStatus"`
	RepaymentDueDate   *time.Time `json:"repaymentDueDate,omitempty"`
	RepaidAt           *time.Time `json:"repaidAt,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
}

func toContributionDTO(c ledger.Contribution) ContributionDTO {
	dto := ContributionDTO{
		ID:                 string(c.ID),
		CampaignID:         string(c.CampaignID),
		ContributorName:    c.DisplayName(),
		IsAnonymous:        c.IsAnonymous,
		Amount:             money(c.Amount),
		UTR:                c.Reference,
		Type:               string(c.Kind),
		Counted:            c.Counted,
		VerificationStatus: string(c.VerificationStatus),
		VerificationMethod: c.VerificationMethod,
		EvidenceURL:        c.EvidenceURL,
		GatewayOrderID:     c.GatewayOrderID,
		GatewayPaymentID:   c.GatewayPaymentID,
		ReviewNote:         c.ReviewNote,
		RepaymentStatus:    string(c.RepaymentStatus),
		RepaymentDueDate:   c.RepaymentDueDate,
		RepaidAt:           c.RepaidAt,
		CreatedAt:          c.CreatedAt,
	}
	if !c.IsAnonymous {
		dto.ContributorID = string(c.ContributorID)
	}
	return dto
}

func toContributionDTOs(cs []ledger.Contribution) []ContributionDTO {
	out := make([]ContributionDTO, len(cs))
	for i, c := range cs {
		out[i] = toContributionDTO(c)
	}
	return out
}

// CreateContributionRequest is the body of POST /api/contributions.
type CreateContributionRequest struct {
	CampaignID       string          `json:"campaignId"`
	Amount           decimal.Decimal `json:"amount"`
	UTR              string          `json:"utr"`
	Type             string          `json:"type"`
	ContributorName  string          `json:"contributorName"`
	IsAnonymous      bool            `json:"isAnonymous"`
	RepaymentDueDate *string         `json:"repaymentDueDate"`
}

func (req CreateContributionRequest) toLedger(user ledger.UserID) (ledger.ContributionRequest, error) {
	kind := ledger.KindDonation
	if req.Type != "" {
		k, ok := ledger.ParseContributionKind(req.Type)
		if !ok {
			return ledger.ContributionRequest{}, &ledger.ValidationError{Field: "type", Message: "must be donation, gift or loan"}
		}
		kind = k
	}
	due, err := parseDate("repaymentDueDate", req.RepaymentDueDate)
	if err != nil {
		return ledger.ContributionRequest{}, err
	}
	return ledger.ContributionRequest{
		CampaignID:       ledger.CampaignID(req.CampaignID),
		Amount:           req.Amount,
		Reference:        req.UTR,
		Kind:             kind,
		ContributorID:    user,
		ContributorName:  req.ContributorName,
		IsAnonymous:      req.IsAnonymous,
		RepaymentDueDate: due,
	}, nil
}

// DuplicateCheckDTO answers GET /api/campaigns/{id}/duplicate-check.
type DuplicateCheckDTO struct {
	UTR         string `json:"utr"`
	IsDuplicate bool   `json:"isDuplicate"`
	MatchCount  int    `json:"matchCount"`
}

// GatewayVerifyRequest is the checkout callback payload.
type GatewayVerifyRequest struct {
	OrderID   string `json:"orderId"`
	PaymentID string `json:"paymentId"`
	Signature string `json:"signature"`
}

// ScreenshotVerifyDTO is the result of a screenshot upload.
type ScreenshotVerifyDTO struct {
	Contribution ContributionDTO          `json:"contribution"`
	Verdict      ledger.ScreenshotVerdict `json:"verdict"`
}

// ReviewRequest is a host decision on an unverified contribution.
type ReviewRequest struct {
	Approve *bool  `json:"approve"`
	Note    string `json:"note"`
}

// =============================================================================
// REPAYMENTS
// =============================================================================

// RepaymentDTO represents a repayment submission in API responses.
type RepaymentDTO struct {
	ID             string     `json:"id"`
	ContributionID string     `json:"contributionId"`
	CampaignID     string     `json:"campaignId"`
	SubmittedBy    string     `json:"submittedBy"`
	Amount         string     `json:"amount"`
	UTR            string     `json:"utr"`
	EvidenceURL    string     `json:"evidenceUrl,omitempty"`
	Status         string     `json:"status"`
	DecidedBy      string     `json:"decidedBy,omitempty"`
	DecidedAt      *time.Time `json:"decidedAt,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

func toRepaymentDTO(r ledger.Repayment) RepaymentDTO {
	return RepaymentDTO{
		ID:             string(r.ID),
		ContributionID: string(r.ContributionID),
		CampaignID:     string(r.CampaignID),
		SubmittedBy:    string(r.SubmittedBy),
		Amount:         money(r.Amount),
		UTR:            r.Reference,
		EvidenceURL:    r.EvidenceURL,
		Status:         string(r.Status),
		DecidedBy:      string(r.DecidedBy),
		DecidedAt:      r.DecidedAt,
		Reason:         r.Reason,
		CreatedAt:      r.CreatedAt,
	}
}

// RepaymentVerifiedDTO is returned when a host confirms a repayment.
type RepaymentVerifiedDTO struct {
	Repayment    RepaymentDTO    `json:"repayment"`
	Contribution ContributionDTO `json:"contribution"`
}

// SubmitRepaymentRequest is the body of POST /api/contributions/{id}/repayments.
type SubmitRepaymentRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	UTR         string          `json:"utr"`
	EvidenceURL string          `json:"evidenceUrl"`
}

// RejectRequest carries a host's reason.
type RejectRequest struct {
	Reason string `json:"reason"`
}

// =============================================================================
// USERS
// =============================================================================

// UserDTO is the caller's own profile.
type UserDTO struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Email       string               `json:"email"`
	Phone       string               `json:"phone,omitempty"`
	UPIID       string               `json:"upiId,omitempty"`
	Preferences identity.Preferences `json:"preferences"`
	CreatedAt   time.Time            `json:"createdAt"`
}

func toUserDTO(u identity.User) UserDTO {
	return UserDTO{
		ID:          string(u.ID),
		Name:        u.Name,
		Email:       u.Email,
		Phone:       u.Phone,
		UPIID:       u.UPIID,
		Preferences: u.Preferences,
		CreatedAt:   u.CreatedAt,
	}
}

// PublicUserDTO is what other users may see.
type PublicUserDTO struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	UPIID string `json:"upiId,omitempty"`
}

// SessionDTO is returned by register and login.
type SessionDTO struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	User      UserDTO   `json:"user"`
}

// RegisterRequest is the sign-up body.
type RegisterRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	UPIID    string `json:"upiId"`
	Password string `json:"password"`
}

// LoginRequest is the sign-in body.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
