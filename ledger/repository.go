package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// DOCUMENT MAPPING
// =============================================================================
//
// Money is stored as a decimal string and times as RFC3339Nano strings so
// every backend round-trips them exactly. Counters may come back as int,
// int32, int64, float64 or json.Number depending on the driver.

func campaignFields(c Campaign) map[string]any {
	return map[string]any{
		"hostId":            string(c.HostID),
		"title":             c.Title,
		"description":       c.Description,
		"purpose":           string(c.Purpose),
		"targetAmount":      c.TargetAmount.StringFixed(MoneyPlaces),
		"collectedAmount":   c.CollectedAmount.StringFixed(MoneyPlaces),
		"contributionCount": c.ContributionCount,
		"status":            string(c.Status),
		"repaymentDueDate":  timePtrString(c.RepaymentDueDate),
		"shareLink":         c.ShareLink,
	}
}

func campaignFromDoc(doc Document) (Campaign, error) {
	f := doc.Fields
	target, err := fieldMoney(f, "targetAmount")
	if err != nil {
		return Campaign{}, err
	}
	collected, err := fieldMoney(f, "collectedAmount")
	if err != nil {
		return Campaign{}, err
	}
	return Campaign{
		ID:                CampaignID(doc.ID),
		HostID:            UserID(fieldString(f, "hostId")),
		Title:             fieldString(f, "title"),
		Description:       fieldString(f, "description"),
		Purpose:           Purpose(fieldString(f, "purpose")),
		TargetAmount:      target,
		CollectedAmount:   collected,
		ContributionCount: fieldInt(f, "contributionCount"),
		Status:            CampaignStatus(fieldString(f, "status")),
		RepaymentDueDate:  fieldTimePtr(f, "repaymentDueDate"),
		ShareLink:         fieldString(f, "shareLink"),
		Version:           doc.Version,
		CreatedAt:         doc.CreatedAt,
		UpdatedAt:         doc.UpdatedAt,
	}, nil
}

func contributionFields(c Contribution) map[string]any {
	return map[string]any{
		"campaignId":         string(c.CampaignID),
		"contributorId":      string(c.ContributorID),
		"contributorName":    c.ContributorName,
		"isAnonymous":        c.IsAnonymous,
		"amount":             c.Amount.StringFixed(MoneyPlaces),
		"utr":                c.Reference,
		"kind":               string(c.Kind),
		"counted":            c.Counted,
		"verificationStatus": string(c.VerificationStatus),
		"verificationMethod": c.VerificationMethod,
		"evidenceUrl":        c.EvidenceURL,
		"gatewayOrderId":     c.GatewayOrderID,
		"gatewayPaymentId":   c.GatewayPaymentID,
		"repaymentStatus":    string(c.RepaymentStatus),
		"repaymentDueDate":   timePtrString(c.RepaymentDueDate),
		"repaidAt":           timePtrString(c.RepaidAt),
		"overdueNotifiedAt":  timePtrString(c.OverdueNotifiedAt),
		"reviewNote":         c.ReviewNote,
	}
}

func contributionFromDoc(doc Document) (Contribution, error) {
	f := doc.Fields
	amount, err := fieldMoney(f, "amount")
	if err != nil {
		return Contribution{}, err
	}
	return Contribution{
		ID:                 ContributionID(doc.ID),
		CampaignID:         CampaignID(fieldString(f, "campaignId")),
		ContributorID:      UserID(fieldString(f, "contributorId")),
		ContributorName:    fieldString(f, "contributorName"),
		IsAnonymous:        fieldBool(f, "isAnonymous"),
		Amount:             amount,
		Reference:          fieldString(f, "utr"),
		Kind:               ContributionKind(fieldString(f, "kind")),
		Counted:            fieldBool(f, "counted"),
		VerificationStatus: VerificationStatus(fieldString(f, "verificationStatus")),
		VerificationMethod: fieldString(f, "verificationMethod"),
		EvidenceURL:        fieldString(f, "evidenceUrl"),
		GatewayOrderID:     fieldString(f, "gatewayOrderId"),
		GatewayPaymentID:   fieldString(f, "gatewayPaymentId"),
		RepaymentStatus:    RepaymentStatus(fieldString(f, "repaymentStatus")),
		RepaymentDueDate:   fieldTimePtr(f, "repaymentDueDate"),
		RepaidAt:           fieldTimePtr(f, "repaidAt"),
		OverdueNotifiedAt:  fieldTimePtr(f, "overdueNotifiedAt"),
		ReviewNote:         fieldString(f, "reviewNote"),
		CreatedAt:          doc.CreatedAt,
		UpdatedAt:          doc.UpdatedAt,
		Version:            doc.Version,
	}, nil
}

func repaymentFields(r Repayment) map[string]any {
	return map[string]any{
		"contributionId": string(r.ContributionID),
		"campaignId":     string(r.CampaignID),
		"submittedBy":    string(r.SubmittedBy),
		"amount":         r.Amount.StringFixed(MoneyPlaces),
		"utr":            r.Reference,
		"evidenceUrl":    r.EvidenceURL,
		"status":         string(r.Status),
		"decidedBy":      string(r.DecidedBy),
		"decidedAt":      timePtrString(r.DecidedAt),
		"reason":         r.Reason,
	}
}

func repaymentFromDoc(doc Document) (Repayment, error) {
	f := doc.Fields
	amount, err := fieldMoney(f, "amount")
	if err != nil {
		return Repayment{}, err
	}
	return Repayment{
		ID:             RepaymentID(doc.ID),
		ContributionID: ContributionID(fieldString(f, "contributionId")),
		CampaignID:     CampaignID(fieldString(f, "campaignId")),
		SubmittedBy:    UserID(fieldString(f, "submittedBy")),
		Amount:         amount,
		Reference:      fieldString(f, "utr"),
		EvidenceURL:    fieldString(f, "evidenceUrl"),
		Status:         RepaymentSubmissionStatus(fieldString(f, "status")),
		DecidedBy:      UserID(fieldString(f, "decidedBy")),
		DecidedAt:      fieldTimePtr(f, "decidedAt"),
		Reason:         fieldString(f, "reason"),
		CreatedAt:      doc.CreatedAt,
		Version:        doc.Version,
	}, nil
}

// ReferenceKey is the unique key that guards (campaign, reference).
func ReferenceKey(campaignID CampaignID, reference string) string {
	return "utr:" + string(campaignID) + ":" + reference
}

// RepaymentReferenceKey guards repayment submissions the same way.
func RepaymentReferenceKey(campaignID CampaignID, reference string) string {
	return "repayment:" + string(campaignID) + ":" + reference
}

// GatewayOrderKey binds a checkout order to one contribution.
func GatewayOrderKey(orderID string) string {
	return "gateway-order:" + orderID
}

// GatewayPaymentKey consumes a gateway payment id.
func GatewayPaymentKey(paymentID string) string {
	return "gateway:" + paymentID
}

// =============================================================================
// TYPED LOADERS
// =============================================================================

func loadCampaign(ctx context.Context, s Store, id CampaignID) (Campaign, error) {
	doc, err := s.GetByID(ctx, CollectionCampaigns, string(id))
	if err != nil {
		if errors.Is(err, ErrDocumentNotFound) {
			return Campaign{}, fmt.Errorf("campaign %s: %w", id, ErrNotFound)
		}
		return Campaign{}, storageErr("load campaign", err)
	}
	return campaignFromDoc(doc)
}

func loadContribution(ctx context.Context, s Store, id ContributionID) (Contribution, error) {
	doc, err := s.GetByID(ctx, CollectionContributions, string(id))
	if err != nil {
		if errors.Is(err, ErrDocumentNotFound) {
			return Contribution{}, fmt.Errorf("contribution %s: %w", id, ErrNotFound)
		}
		return Contribution{}, storageErr("load contribution", err)
	}
	return contributionFromDoc(doc)
}

func loadRepayment(ctx context.Context, s Store, id RepaymentID) (Repayment, error) {
	doc, err := s.GetByID(ctx, CollectionRepayments, string(id))
	if err != nil {
		if errors.Is(err, ErrDocumentNotFound) {
			return Repayment{}, fmt.Errorf("repayment %s: %w", id, ErrNotFound)
		}
		return Repayment{}, storageErr("load repayment", err)
	}
	return repaymentFromDoc(doc)
}

func queryContributions(ctx context.Context, s Store, q Query) ([]Contribution, error) {
	docs, err := s.Query(ctx, q)
	if err != nil {
		return nil, storageErr("query contributions", err)
	}
	out := make([]Contribution, 0, len(docs))
	for _, d := range docs {
		c, err := contributionFromDoc(d)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// =============================================================================
// FIELD HELPERS
// =============================================================================

func fieldString(f map[string]any, k string) string {
	if v, ok := f[k].(string); ok {
		return v
	}
	return ""
}

func fieldBool(f map[string]any, k string) bool {
	switch v := f[k].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	case int64:
		return v != 0
	case float64:
		return v != 0
	}
	return false
}

func fieldInt(f map[string]any, k string) int {
	switch v := f[k].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}

func fieldMoney(f map[string]any, k string) (Money, error) {
	raw := fieldString(f, k)
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("corrupt %s %q: %w", k, raw, err)
	}
	return d, nil
}

func fieldTimePtr(f map[string]any, k string) *time.Time {
	raw := fieldString(f, k)
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil
	}
	return &t
}

func timePtrString(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
