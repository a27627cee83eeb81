package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CAMPAIGN MANAGEMENT
// =============================================================================

// CampaignInput carries the host-editable fields of a new campaign.
type CampaignInput struct {
	Title            string
	Description      string
	Purpose          Purpose
	TargetAmount     Money
	RepaymentDueDate *time.Time
}

// CreateCampaign opens a new active campaign owned by host.
func (s *Service) CreateCampaign(ctx context.Context, host UserID, in CampaignInput) (Campaign, error) {
	if host == "" {
		return Campaign{}, fmt.Errorf("create campaign: %w", ErrUnauthenticated)
	}
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return Campaign{}, invalid("title", "is required")
	}
	if in.Purpose == "" {
		in.Purpose = PurposeOther
	}
	if !in.Purpose.Valid() {
		return Campaign{}, invalid("purpose", "unknown purpose %q", in.Purpose)
	}
	in.TargetAmount = RoundMoney(in.TargetAmount)
	if !in.TargetAmount.IsPositive() {
		return Campaign{}, invalid("targetAmount", "must be positive")
	}

	id := CampaignID(s.newID())
	c := Campaign{
		ID:               id,
		HostID:           host,
		Title:            in.Title,
		Description:      strings.TrimSpace(in.Description),
		Purpose:          in.Purpose,
		TargetAmount:     in.TargetAmount,
		CollectedAmount:  decimal.Zero,
		Status:           CampaignActive,
		RepaymentDueDate: in.RepaymentDueDate,
		ShareLink:        s.ShareLink(id),
	}
	doc, err := s.store.Insert(ctx, Document{
		ID:         string(id),
		Collection: CollectionCampaigns,
		Fields:     campaignFields(c),
	})
	if err != nil {
		return Campaign{}, storageErr("insert campaign", err)
	}

	log.Printf("level=info component=ledger msg=\"campaign created\" campaign_id=%s host_id=%s target=%s",
		id, host, c.TargetAmount.StringFixed(MoneyPlaces))
	return campaignFromDoc(doc)
}

// ShareLink is the public URL of a campaign.
func (s *Service) ShareLink(id CampaignID) string {
	return s.cfg.ShareBaseURL + "/campaign/" + string(id)
}

// GetCampaign returns a campaign by id.
func (s *Service) GetCampaign(ctx context.Context, id CampaignID) (Campaign, error) {
	return loadCampaign(ctx, s.store, id)
}

// CampaignDetail is a campaign together with its contributions.
type CampaignDetail struct {
	Campaign      Campaign
	Contributions []Contribution
	Progress      decimal.Decimal
}

// GetCampaignDetail loads a campaign with every contribution, newest first.
func (s *Service) GetCampaignDetail(ctx context.Context, id CampaignID) (CampaignDetail, error) {
	c, err := loadCampaign(ctx, s.store, id)
	if err != nil {
		return CampaignDetail{}, err
	}
	contribs, err := queryContributions(ctx, s.store, NewQuery(CollectionContributions).Where("campaignId", string(id)))
	if err != nil {
		return CampaignDetail{}, err
	}
	return CampaignDetail{Campaign: c, Contributions: contribs, Progress: c.Progress()}, nil
}

// CampaignFilter narrows ListCampaigns. Zero values mean "any".
type CampaignFilter struct {
	HostID  UserID
	Status  CampaignStatus
	Purpose Purpose
	Search  string
	Limit   int
	Offset  int
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

func pageBounds(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// ListCampaigns returns campaigns newest first.
func (s *Service) ListCampaigns(ctx context.Context, f CampaignFilter) ([]Campaign, error) {
	q := NewQuery(CollectionCampaigns)
	if f.HostID != "" {
		q = q.Where("hostId", string(f.HostID))
	}
	if f.Status != "" {
		if !f.Status.Valid() {
			return nil, invalid("status", "unknown status %q", f.Status)
		}
		q = q.Where("status", string(f.Status))
	}
	if f.Purpose != "" {
		if !f.Purpose.Valid() {
			return nil, invalid("purpose", "unknown purpose %q", f.Purpose)
		}
		q = q.Where("purpose", string(f.Purpose))
	}
	if search := strings.TrimSpace(f.Search); search != "" {
		q = q.Contains("title", search)
	}
	q = q.Page(pageBounds(f.Limit, f.Offset))

	docs, err := s.store.Query(ctx, q)
	if err != nil {
		return nil, storageErr("list campaigns", err)
	}
	out := make([]Campaign, 0, len(docs))
	for _, d := range docs {
		c, err := campaignFromDoc(d)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// CampaignPatch lists host-editable fields. Nil means unchanged.
type CampaignPatch struct {
	Title            *string
	Description      *string
	Purpose          *Purpose
	TargetAmount     *Money
	Status           *CampaignStatus
	RepaymentDueDate *time.Time
}

// UpdateCampaign applies a host edit. Status may only be set to active or
// closed, and a completed campaign cannot be reopened. Lowering the target to
// the collected amount or below completes an active campaign.
func (s *Service) UpdateCampaign(ctx context.Context, id CampaignID, actingUser UserID, patch CampaignPatch) (Campaign, error) {
	var out Campaign
	var completed bool
	err := s.withCAS(ctx, "update campaign", func(tx Store) error {
		c, err := loadCampaign(ctx, tx, id)
		if err != nil {
			return err
		}
		if !c.IsHost(actingUser) {
			return fmt.Errorf("only the campaign host can edit it: %w", ErrUnauthorized)
		}

		if patch.Title != nil {
			t := strings.TrimSpace(*patch.Title)
			if t == "" {
				return invalid("title", "cannot be empty")
			}
			c.Title = t
		}
		if patch.Description != nil {
			c.Description = strings.TrimSpace(*patch.Description)
		}
		if patch.Purpose != nil {
			if !patch.Purpose.Valid() {
				return invalid("purpose", "unknown purpose %q", *patch.Purpose)
			}
			c.Purpose = *patch.Purpose
		}
		if patch.RepaymentDueDate != nil {
			d := *patch.RepaymentDueDate
			c.RepaymentDueDate = &d
		}
		if patch.Status != nil {
			next := *patch.Status
			switch {
			case next == c.Status:
			case next != CampaignActive && next != CampaignClosed:
				return invalid("status", "may only be set to active or closed")
			case c.Status == CampaignCompleted && next == CampaignActive:
				return fmt.Errorf("campaign %s is completed: %w", c.ID, ErrInvalidOperation)
			default:
				c.Status = next
			}
		}
		completed = false
		if patch.TargetAmount != nil {
			t := RoundMoney(*patch.TargetAmount)
			if !t.IsPositive() {
				return invalid("targetAmount", "must be positive")
			}
			c.TargetAmount = t
			if c.Status == CampaignActive && c.CollectedAmount.GreaterThanOrEqual(t) {
				c.Status = CampaignCompleted
				completed = true
			}
		}

		doc, err := tx.UpdateIf(ctx, CollectionCampaigns, string(c.ID), c.Version, map[string]any{
			"title":            c.Title,
			"description":      c.Description,
			"purpose":          string(c.Purpose),
			"targetAmount":     c.TargetAmount.StringFixed(MoneyPlaces),
			"status":           string(c.Status),
			"repaymentDueDate": timePtrString(c.RepaymentDueDate),
		})
		if err != nil {
			if errors.Is(err, ErrVersionConflict) {
				return fmt.Errorf("campaign %s: %w", c.ID, ErrVersionConflict)
			}
			return storageErr("update campaign", err)
		}
		out, err = campaignFromDoc(doc)
		return err
	})
	if err != nil {
		return Campaign{}, err
	}
	if completed {
		s.emit(ctx, Event{Type: EventCampaignCompleted, CampaignID: out.ID, ActorID: actingUser})
	}
	return out, nil
}

// DeleteCampaign removes a campaign that has never received a contribution.
func (s *Service) DeleteCampaign(ctx context.Context, id CampaignID, actingUser UserID) error {
	err := s.withCAS(ctx, "delete campaign", func(tx Store) error {
		c, err := loadCampaign(ctx, tx, id)
		if err != nil {
			return err
		}
		if !c.IsHost(actingUser) {
			return fmt.Errorf("only the campaign host can delete it: %w", ErrUnauthorized)
		}
		if c.ContributionCount > 0 {
			return fmt.Errorf("campaign %s has %d contributions: %w", c.ID, c.ContributionCount, ErrInvalidOperation)
		}
		existing, err := tx.Query(ctx, NewQuery(CollectionContributions).Where("campaignId", string(id)).Page(1, 0))
		if err != nil {
			return storageErr("count contributions", err)
		}
		if len(existing) > 0 {
			return fmt.Errorf("campaign %s has contributions: %w", c.ID, ErrInvalidOperation)
		}
		if err := tx.DeleteIf(ctx, CollectionCampaigns, string(id), c.Version); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				return fmt.Errorf("campaign %s: %w", c.ID, ErrVersionConflict)
			}
			return storageErr("delete campaign", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Printf("level=info component=ledger msg=\"campaign deleted\" campaign_id=%s host_id=%s", id, actingUser)
	return nil
}

// =============================================================================
// CONTRIBUTION READS
// =============================================================================

// GetContribution returns a contribution by id.
func (s *Service) GetContribution(ctx context.Context, id ContributionID) (Contribution, error) {
	return loadContribution(ctx, s.store, id)
}

// ListContributions returns a campaign's contributions, newest first.
func (s *Service) ListContributions(ctx context.Context, campaignID CampaignID, limit, offset int) ([]Contribution, error) {
	if _, err := loadCampaign(ctx, s.store, campaignID); err != nil {
		return nil, err
	}
	limit, offset = pageBounds(limit, offset)
	return queryContributions(ctx, s.store, NewQuery(CollectionContributions).
		Where("campaignId", string(campaignID)).
		Page(limit, offset))
}

// ListUserContributions returns contributions made by a registered user.
func (s *Service) ListUserContributions(ctx context.Context, user UserID, limit, offset int) ([]Contribution, error) {
	if user == "" {
		return nil, invalid("userId", "is required")
	}
	limit, offset = pageBounds(limit, offset)
	return queryContributions(ctx, s.store, NewQuery(CollectionContributions).
		Where("contributorId", string(user)).
		Page(limit, offset))
}
