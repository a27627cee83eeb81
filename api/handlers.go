/*
handlers.go - HTTP API handlers for FriendFund

PURPOSE:
  Exposes the ledger and identity provider via REST. Handles HTTP
  request/response and JSON serialization; every business rule lives in
  the ledger.

ENDPOINTS:
  Auth:
    POST   /api/auth/register                      Create account (201)
    POST   /api/auth/login                         Issue session token
    GET    /api/auth/me                            Own profile
    PUT    /api/auth/preferences                   Merge preferences

  Campaigns:
    GET    /api/campaigns                          List (host, status, purpose, search, limit, offset)
    POST   /api/campaigns                          Create (201)
    GET    /api/campaigns/{id}                     Detail with contributions
    PUT    /api/campaigns/{id}                     Host edit
    DELETE /api/campaigns/{id}                     Host delete
    GET    /api/campaigns/{id}/contributions       Page of contributions
    GET    /api/campaigns/{id}/qr                  Share link QR code
    GET    /api/campaigns/{id}/duplicate-check     UTR lookup
    GET    /api/me/campaigns                       Caller's campaigns

  Contributions:
    POST   /api/contributions                      Record (201, guests allowed)
    GET    /api/contributions/{id}
    PUT    /api/contributions/{id}/repay           Host marks loan repaid
    POST   /api/contributions/{id}/verify          Gateway callback
    POST   /api/contributions/{id}/verify-screenshot
    POST   /api/contributions/{id}/review          Host decision
    POST   /api/contributions/{id}/repayments      Contributor claims repayment (201)
    GET    /api/contributions/{id}/repayments

  Repayments:
    POST   /api/repayments/{id}/verify             Host confirms
    POST   /api/repayments/{id}/reject             Host rejects

  Users:
    GET    /api/users/{id}
    GET    /api/users/{id}/contributions

ERROR HANDLING:
  See envelope.go for the kind to status mapping.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/friendfund/backend/identity"
	"github.com/friendfund/backend/ledger"
	"github.com/friendfund/backend/qr"
)

// maxScreenshotBytes bounds screenshot uploads.
const maxScreenshotBytes = 10 << 20

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger   *ledger.Service
	Identity identity.Provider
	QR       *qr.Renderer
	// Health is optional; nil reports ok without a storage check.
	Health Pinger
}

// NewHandler creates a handler. A nil renderer gets the default options.
func NewHandler(l *ledger.Service, idp identity.Provider, renderer *qr.Renderer) *Handler {
	if renderer == nil {
		renderer = qr.NewRenderer(qr.DefaultOptions())
	}
	return &Handler{Ledger: l, Identity: idp, QR: renderer}
}

func paging(r *http.Request) (int, int, error) {
	parse := func(name string) (int, error) {
		raw := r.URL.Query().Get(name)
		if raw == "" {
			return 0, nil
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return 0, &ledger.ValidationError{Field: name, Message: "must be a non-negative integer"}
		}
		return n, nil
	}
	limit, err := parse("limit")
	if err != nil {
		return 0, 0, err
	}
	offset, err := parse("offset")
	if err != nil {
		return 0, 0, err
	}
	return limit, offset, nil
}

// =============================================================================
// HEALTH
// =============================================================================

// HealthCheck reports liveness and storage reachability.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		if err := h.Health.Ping(r.Context()); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", ledger.ErrStorageUnavailable, err))
			return
		}
	}
	writeData(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// AUTH HANDLERS
// =============================================================================

// Register creates an account and signs it in.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := h.Identity.Register(r.Context(), identity.Registration{
		Name:     req.Name,
		Email:    req.Email,
		Phone:    req.Phone,
		UPIID:    req.UPIID,
		Password: req.Password,
	}); err != nil {
		writeError(w, r, err)
		return
	}
	session, err := h.Identity.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, toSessionDTO(session))
}

func toSessionDTO(s identity.Session) SessionDTO {
	return SessionDTO{Token: s.Token, ExpiresAt: s.ExpiresAt, User: toUserDTO(s.User)}
}

// Login issues a session token.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	session, err := h.Identity.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, toSessionDTO(session))
}

// Me returns the caller's profile.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	u, err := h.Identity.GetUser(r.Context(), userFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, toUserDTO(u))
}

// UpdatePreferences merges the body into the caller's preferences.
func (h *Handler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	var prefs identity.Preferences
	if err := decodeJSON(r, &prefs); err != nil {
		writeError(w, r, err)
		return
	}
	u, err := h.Identity.UpdatePreferences(r.Context(), userFrom(r), prefs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, toUserDTO(u))
}

// =============================================================================
// CAMPAIGN HANDLERS
// =============================================================================

// ListCampaigns returns campaigns newest first.
func (h *Handler) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := paging(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	campaigns, err := h.Ledger.ListCampaigns(r.Context(), ledger.CampaignFilter{
		HostID:  ledger.UserID(q.Get("host")),
		Status:  ledger.CampaignStatus(q.Get("status")),
		Purpose: ledger.Purpose(q.Get("purpose")),
		Search:  q.Get("search"),
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, toCampaignDTOs(campaigns))
}

// MyCampaigns returns the caller's campaigns.
func (h *Handler) MyCampaigns(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := paging(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	campaigns, err := h.Ledger.ListCampaigns(r.Context(), ledger.CampaignFilter{
		HostID: userFrom(r),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, toCampaignDTOs(campaigns))
}

// CreateCampaign opens a campaign hosted by the caller.
func (h *Handler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req CreateCampaignRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	in, err := req.toInput()
	if err != nil {
		writeError(w, r, err)
		return
	}
	c, err := h.Ledger.CreateCampaign(r.Context(), userFrom(r), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, toCampaignDTO(c))
}

// GetCampaign returns a campaign with its contributions and host name.
func (h *Handler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	detail, err := h.Ledger.GetCampaignDetail(r.Context(), ledger.CampaignID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	dto := CampaignDetailDTO{
		CampaignDTO:   toCampaignDTO(detail.Campaign),
		Contributions: toContributionDTOs(detail.Contributions),
	}
	dto.Progress = detail.Progress.String()
	// The host name is decoration; a missing account does not fail the read.
	if host, err := h.Identity.GetUser(r.Context(), detail.Campaign.HostID); err == nil {
		dto.HostName = host.Name
	}
	writeData(w, http.StatusOK, dto)
}

// UpdateCampaign applies a host edit.
func (h *Handler) UpdateCampaign(w http.ResponseWriter, r *http.Request) {
	var req UpdateCampaignRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	patch, err := req.toPatch()
	if err != nil {
		writeError(w, r, err)
		return
	}
	c, err := h.Ledger.UpdateCampaign(r.Context(), ledger.CampaignID(chi.URLParam(r, "id")), userFrom(r), patch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, toCampaignDTO(c))
}

// DeleteCampaign removes a campaign without contributions.
func (h *Handler) DeleteCampaign(w http.ResponseWriter, r *http.Request) {
	id := ledger.CampaignID(chi.URLParam(r, "id"))
	if err := h.Ledger.DeleteCampaign(r.Context(), id, userFrom(r)); err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"id": string(id), "status": "deleted"})
}

// ListCampaignContributions returns a page of a campaign's contributions.
func (h *Handler) ListCampaignContributions(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := paging(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	contribs, err := h.Ledger.ListContributions(r.Context(), ledger.CampaignID(chi.URLParam(r, "id")), limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, toContributionDTOs(contribs))
}

// CampaignQR renders the share link. ?format=png returns the raw image.
func (h *Handler) CampaignQR(w http.ResponseWriter, r *http.Request) {
	c, err := h.Ledger.GetCampaign(r.Context(), ledger.CampaignID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if r.URL.Query().Get("format") == "png" {
		png, err := h.QR.PNG(c.ShareLink)
		if err != nil {
			writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.WriteHeader(http.StatusOK)
		w.Write(png)
		return
	}
	uri, err := h.QR.DataURI(c.ShareLink)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, QRDTO{CampaignID: string(c.ID), ShareLink: c.ShareLink, QRCode: uri})
}

// DuplicateCheck reports whether a UTR was already recorded on the campaign.
func (h *Handler) DuplicateCheck(w http.ResponseWriter, r *http.Request) {
	utr := ledger.NormalizeReference(r.URL.Query().Get("utr"))
	if utr == "" {
		writeError(w, r, &ledger.ValidationError{Field: "utr", Message: "is required"})
		return
	}
	res, err := h.Ledger.Guard().CheckDuplicate(r.Context(), ledger.CampaignID(chi.URLParam(r, "id")), utr)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, DuplicateCheckDTO{UTR: utr, IsDuplicate: res.IsDuplicate, MatchCount: res.MatchCount})
}

// =============================================================================
// CONTRIBUTION HANDLERS
// =============================================================================

// CreateContribution records a contribution. Guests may contribute; a
// signed-in caller is recorded as the contributor.
func (h *Handler) CreateContribution(w http.ResponseWriter, r *http.Request) {
	var req CreateContributionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	user := userFrom(r)
	in, err := req.toLedger(user)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if in.ContributorName == "" && user != "" {
		if u, err := h.Identity.GetUser(r.Context(), user); err == nil {
			in.ContributorName = u.Name
		}
	}
	c, err := h.Ledger.RecordContribution(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, toContributionDTO(c))
}

// GetContribution returns one contribution.
func (h *Handler) GetContribution(w http.ResponseWriter, r *http.Request) {
	c, err := h.Ledger.GetContribution(r.Context(), ledger.ContributionID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, toContributionDTO(c))
}

// MarkRepaid lets the host record a loan as repaid directly.
func (h *Handler) MarkRepaid(w http.ResponseWriter, r *http.Request) {
	c, err := h.Ledger.MarkRepaid(r.Context(), ledger.ContributionID(chi.URLParam(r, "id")), userFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, toContributionDTO(c))
}

// VerifyGateway handles the checkout signature callback.
func (h *Handler) VerifyGateway(w http.ResponseWriter, r *http.Request) {
	var req GatewayVerifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	c, err := h.Ledger.VerifyGatewayPayment(r.Context(), ledger.ContributionID(chi.URLParam(r, "id")),
		req.OrderID, req.PaymentID, req.Signature)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, toContributionDTO(c))
}

// VerifyScreenshot accepts a multipart "screenshot" upload.
func (h *Handler) VerifyScreenshot(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxScreenshotBytes+1<<20)
	file, _, err := r.FormFile("screenshot")
	if err != nil {
		writeError(w, r, &ledger.ValidationError{Field: "screenshot", Message: "multipart file is required"})
		return
	}
	defer file.Close()

	image, err := io.ReadAll(io.LimitReader(file, maxScreenshotBytes+1))
	if err != nil {
		writeError(w, r, &ledger.ValidationError{Field: "screenshot", Message: "could not be read"})
		return
	}
	if len(image) > maxScreenshotBytes {
		writeError(w, r, &ledger.ValidationError{Field: "screenshot", Message: "exceeds 10 MB"})
		return
	}

	c, verdict, err := h.Ledger.VerifyScreenshot(r.Context(), ledger.ContributionID(chi.URLParam(r, "id")), userFrom(r), image)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, ScreenshotVerifyDTO{Contribution: toContributionDTO(c), Verdict: verdict})
}

// ReviewContribution records the host's decision.
func (h *Handler) ReviewContribution(w http.ResponseWriter, r *http.Request) {
	var req ReviewRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Approve == nil {
		writeError(w, r, &ledger.ValidationError{Field: "approve", Message: "is required"})
		return
	}
	c, err := h.Ledger.ReviewContribution(r.Context(), ledger.ContributionID(chi.URLParam(r, "id")), userFrom(r), *req.Approve, req.Note)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, toContributionDTO(c))
}

// =============================================================================
// REPAYMENT HANDLERS
// =============================================================================

// SubmitRepayment records a contributor's repayment claim.
func (h *Handler) SubmitRepayment(w http.ResponseWriter, r *http.Request) {
	var req SubmitRepaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	rep, err := h.Ledger.SubmitRepayment(r.Context(), ledger.RepaymentRequest{
		ContributionID: ledger.ContributionID(chi.URLParam(r, "id")),
		SubmittedBy:    userFrom(r),
		Amount:         req.Amount,
		Reference:      req.UTR,
		EvidenceURL:    req.EvidenceURL,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, toRepaymentDTO(rep))
}

// ListRepayments returns submissions for a loan, newest first.
func (h *Handler) ListRepayments(w http.ResponseWriter, r *http.Request) {
	reps, err := h.Ledger.ListRepayments(r.Context(), ledger.ContributionID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]RepaymentDTO, len(reps))
	for i, rep := range reps {
		out[i] = toRepaymentDTO(rep)
	}
	writeData(w, http.StatusOK, out)
}

// VerifyRepayment confirms a submission and marks the loan repaid.
func (h *Handler) VerifyRepayment(w http.ResponseWriter, r *http.Request) {
	rep, c, err := h.Ledger.VerifyRepayment(r.Context(), ledger.RepaymentID(chi.URLParam(r, "id")), userFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, RepaymentVerifiedDTO{Repayment: toRepaymentDTO(rep), Contribution: toContributionDTO(c)})
}

// RejectRepayment declines a submission.
func (h *Handler) RejectRepayment(w http.ResponseWriter, r *http.Request) {
	var req RejectRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}
	rep, err := h.Ledger.RejectRepayment(r.Context(), ledger.RepaymentID(chi.URLParam(r, "id")), userFrom(r), req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, toRepaymentDTO(rep))
}

// =============================================================================
// USER HANDLERS
// =============================================================================

// GetUser returns a public profile.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.Identity.GetUser(r.Context(), ledger.UserID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, PublicUserDTO{ID: string(u.ID), Name: u.Name, UPIID: u.UPIID})
}

// ListUserContributions returns a user's contributions newest first.
// Anonymous contributions are only listed for the user themself.
func (h *Handler) ListUserContributions(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := paging(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	user := ledger.UserID(chi.URLParam(r, "id"))
	contribs, err := h.Ledger.ListUserContributions(r.Context(), user, limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	self := userFrom(r) == user
	out := make([]ContributionDTO, 0, len(contribs))
	for _, c := range contribs {
		if c.IsAnonymous && !self {
			continue
		}
		out = append(out, toContributionDTO(c))
	}
	writeData(w, http.StatusOK, out)
}
