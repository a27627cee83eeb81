package events_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/friendfund/backend/events"
	"github.com/friendfund/backend/ledger"
)

func TestConnect_WithoutURL_FallsBack(t *testing.T) {
	p := events.Connect("", "")
	defer p.Close()

	_, ok := p.(events.Fallback)
	assert.True(t, ok)
	assert.NoError(t, p.Notify(context.Background(), ledger.Event{Type: ledger.EventContributionRecorded}))
}

func TestConnect_BadScheme_FallsBack(t *testing.T) {
	p := events.Connect("http://localhost", "")
	_, ok := p.(events.Fallback)
	assert.True(t, ok)
}

func TestEncode(t *testing.T) {
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	body, err := events.Encode(ledger.Event{
		Type:           ledger.EventLoanRepaid,
		CampaignID:     "camp-1",
		ContributionID: "contrib-1",
		Amount:         "200.00",
		OccurredAt:     at,
	})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "loan.repaid", decoded["type"])
	assert.Equal(t, "camp-1", decoded["campaign_id"])
	assert.Equal(t, "contrib-1", decoded["contribution_id"])
}
