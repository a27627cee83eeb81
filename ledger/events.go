package ledger

import (
	"context"
	"log"
	"time"
)

// EventType names a domain event. Used as the routing key when published.
type EventType string

const (
	EventContributionRecorded EventType = "contribution.recorded"
	EventContributionVerified EventType = "contribution.verified"
	EventContributionRejected EventType = "contribution.rejected"
	EventCampaignCompleted    EventType = "campaign.completed"
	EventLoanRepaid           EventType = "loan.repaid"
	EventLoanOverdue          EventType = "loan.overdue"
	EventRepaymentSubmitted   EventType = "repayment.submitted"
	EventRepaymentRejected    EventType = "repayment.rejected"
)

// Event is emitted after the unit of work that produced it has committed.
type Event struct {
	Type           EventType      `json:"type"`
	CampaignID     CampaignID     `json:"campaign_id"`
	ContributionID ContributionID `json:"contribution_id,omitempty"`
	RepaymentID    RepaymentID    `json:"repayment_id,omitempty"`
	ActorID        UserID         `json:"actor_id,omitempty"`
	Amount         string         `json:"amount,omitempty"`
	OccurredAt     time.Time      `json:"occurred_at"`
}

// Notifier receives domain events. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Event) error { return nil }

func (s *Service) emit(ctx context.Context, events ...Event) {
	for _, e := range events {
		if e.OccurredAt.IsZero() {
			e.OccurredAt = s.now()
		}
		if err := s.notifier.Notify(ctx, e); err != nil {
			log.Printf("level=warn component=ledger msg=\"event publish failed\" type=%s campaign_id=%s err=%v", e.Type, e.CampaignID, err)
		}
	}
}
