package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/friendfund/backend/ledger"
)

func TestAudit_DetectsDrift(t *testing.T) {
	ctx := context.Background()
	svc, mem := newTestLedger(t)
	c := createCampaign(t, svc, "1000.00")
	_, err := svc.RecordContribution(ctx, donation(c.ID, "10.00", "100000000001"))
	require.NoError(t, err)

	report, err := svc.Audit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.CampaignsChecked)
	assert.True(t, report.Clean())

	// Corrupt the counter behind the ledger's back.
	_, err = mem.Update(ctx, ledger.CollectionCampaigns, string(c.ID), map[string]any{"collectedAmount": "99.00"})
	require.NoError(t, err)

	report, err = svc.Audit(ctx)
	require.NoError(t, err)
	require.Len(t, report.Discrepancies, 1)
	d := report.Discrepancies[0]
	assert.Equal(t, c.ID, d.CampaignID)
	assert.True(t, d.StoredCollected.Equal(money("99.00")))
	assert.True(t, d.ComputedCollected.Equal(money("10.00")))
	assert.Equal(t, 1, d.StoredCount)
	assert.Equal(t, 1, d.ComputedCount)
}

func TestSweepOverdueLoans(t *testing.T) {
	ctx := context.Background()
	n := &recordingNotifier{}
	svc, _ := newTestLedger(t, ledger.WithNotifier(n))
	c := createCampaign(t, svc, "1000.00")

	overdue := recordLoan(t, svc, c, "100000000001")
	repaid := recordLoan(t, svc, c, "100000000002")
	_, err := svc.MarkRepaid(ctx, repaid.ID, hostID)
	require.NoError(t, err)
	_, err = svc.RecordContribution(ctx, donation(c.ID, "10.00", "100000000003"))
	require.NoError(t, err)

	// Before the due date nothing is announced.
	early, err := svc.SweepOverdueLoans(ctx, c.RepaymentDueDate.Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, early)

	after := c.RepaymentDueDate.Add(24 * time.Hour)
	swept, err := svc.SweepOverdueLoans(ctx, after)
	require.NoError(t, err)
	require.Len(t, swept, 1)
	assert.Equal(t, overdue.ID, swept[0].ID)
	require.NotNil(t, swept[0].OverdueNotifiedAt)
	assert.Contains(t, n.types(), ledger.EventLoanOverdue)

	// Each loan is announced once.
	again, err := svc.SweepOverdueLoans(ctx, after.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, again)
}
