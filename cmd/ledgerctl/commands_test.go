package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/friendfund/backend/ledger"
	"github.com/friendfund/backend/ledger/store"
)

func newTestCLI(t *testing.T) (*ledger.Service, *store.TxMemory, opener) {
	t.Helper()
	mem := store.NewTxMemory()
	svc := ledger.NewService(mem, ledger.DefaultConfig())
	return svc, mem, func(context.Context) (*ledger.Service, func(), error) {
		return svc, func() {}, nil
	}
}

func run(t *testing.T, open opener, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(open)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func seed(t *testing.T, svc *ledger.Service) ledger.Campaign {
	t.Helper()
	ctx := context.Background()
	due := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)
	c, err := svc.CreateCampaign(ctx, "host-1", ledger.CampaignInput{
		Title: "Rent", TargetAmount: decimal.RequireFromString("1000"), RepaymentDueDate: &due,
	})
	require.NoError(t, err)
	_, err = svc.RecordContribution(ctx, ledger.ContributionRequest{
		CampaignID: c.ID, Amount: decimal.RequireFromString("250"), Reference: "100000000001",
		Kind: ledger.KindLoan, ContributorID: "user-2",
	})
	require.NoError(t, err)
	return c
}

func TestAuditCmd_Clean(t *testing.T) {
	svc, _, open := newTestCLI(t)
	seed(t, svc)

	out, err := run(t, open, "audit")
	require.NoError(t, err)
	assert.Contains(t, out, "Campaigns checked: 1")
	assert.Contains(t, out, "CLEAN")
}

func TestAuditCmd_Discrepancy(t *testing.T) {
	svc, mem, open := newTestCLI(t)
	c := seed(t, svc)

	// Corrupt the stored counter behind the service's back.
	_, err := mem.Update(context.Background(), ledger.CollectionCampaigns, string(c.ID), map[string]any{"collectedAmount": "999.00"})
	require.NoError(t, err)

	out, err := run(t, open, "audit")
	assert.ErrorIs(t, err, errDiscrepancies)
	assert.Contains(t, out, string(c.ID))
	assert.Contains(t, out, "stored=999.00 computed=250.00")
}

func TestSweepOverdueCmd(t *testing.T) {
	svc, _, open := newTestCLI(t)
	seed(t, svc)

	out, err := run(t, open, "sweep-overdue", "--as-of", "2026-01-15")
	require.NoError(t, err)
	assert.Contains(t, out, "Overdue loans notified: 0")

	out, err = run(t, open, "sweep-overdue", "--as-of", "2026-02-15")
	require.NoError(t, err)
	assert.Contains(t, out, "Overdue loans notified: 1")

	// Each loan is announced once.
	out, err = run(t, open, "sweep-overdue", "--as-of", "2026-03-15")
	require.NoError(t, err)
	assert.Contains(t, out, "Overdue loans notified: 0")

	_, err = run(t, open, "sweep-overdue", "--as-of", "tomorrow")
	assert.Error(t, err)
}

func TestCampaignInspectCmd(t *testing.T) {
	svc, _, open := newTestCLI(t)
	c := seed(t, svc)

	out, err := run(t, open, "campaign", "inspect", string(c.ID))
	require.NoError(t, err)
	assert.Contains(t, out, "Collected: 250.00 (25%)")
	assert.Contains(t, out, "utr=100000000001")
	assert.Contains(t, out, "Audit: CLEAN")

	_, err = run(t, open, "campaign", "inspect", "missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}
