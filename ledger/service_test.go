package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/friendfund/backend/ledger"
	"github.com/friendfund/backend/ledger/store"
	"github.com/friendfund/backend/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const (
	hostID  ledger.UserID = "host-1"
	otherID ledger.UserID = "user-2"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []ledger.Event
}

func (n *recordingNotifier) Notify(_ context.Context, e ledger.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return nil
}

func (n *recordingNotifier) types() []ledger.EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]ledger.EventType, len(n.events))
	for i, e := range n.events {
		out[i] = e.Type
	}
	return out
}

func newTestLedger(t *testing.T, opts ...ledger.Option) (*ledger.Service, *store.TxMemory) {
	t.Helper()
	mem := store.NewTxMemory()
	return ledger.NewService(mem, ledger.DefaultConfig(), opts...), mem
}

func newSQLiteLedger(t *testing.T) *ledger.Service {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return ledger.NewService(s, ledger.DefaultConfig())
}

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func dueDate() *time.Time {
	d := time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)
	return &d
}

func createCampaign(t *testing.T, svc *ledger.Service, target string) ledger.Campaign {
	t.Helper()
	c, err := svc.CreateCampaign(context.Background(), hostID, ledger.CampaignInput{
		Title:            "Surgery for Asha",
		Description:      "Hospital bills",
		Purpose:          ledger.PurposeMedical,
		TargetAmount:     money(target),
		RepaymentDueDate: dueDate(),
	})
	require.NoError(t, err)
	return c
}

func donation(campaignID ledger.CampaignID, amount, utr string) ledger.ContributionRequest {
	return ledger.ContributionRequest{
		CampaignID:      campaignID,
		Amount:          money(amount),
		Reference:       utr,
		Kind:            ledger.KindDonation,
		ContributorName: "Ravi",
	}
}

// =============================================================================
// CONCRETE SCENARIOS
// =============================================================================

func TestLedger_TargetReached_CompletesAndRejectsFurtherContributions(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestLedger(t)

	// GIVEN: A campaign with target 1000.00
	c := createCampaign(t, svc, "1000.00")
	assert.True(t, c.CollectedAmount.IsZero())
	assert.Equal(t, ledger.CampaignActive, c.Status)

	// WHEN: 600.00 is contributed
	_, err := svc.RecordContribution(ctx, donation(c.ID, "600.00", "111111111111"))
	require.NoError(t, err)

	// THEN: Counter is 600.00 and campaign stays active
	got, err := svc.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, got.CollectedAmount.Equal(money("600.00")))
	assert.Equal(t, ledger.CampaignActive, got.Status)

	// WHEN: 400.00 more is contributed
	_, err = svc.RecordContribution(ctx, donation(c.ID, "400.00", "222222222222"))
	require.NoError(t, err)

	// THEN: Counter reaches target and campaign completes
	got, err = svc.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, got.CollectedAmount.Equal(money("1000.00")))
	assert.Equal(t, ledger.CampaignCompleted, got.Status)

	// WHEN: A third contribution arrives
	_, err = svc.RecordContribution(ctx, donation(c.ID, "50.00", "333333333333"))

	// THEN: Rejected as closed, counter unchanged, no record
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrCampaignClosed))
	assert.Equal(t, ledger.KindCampaignClosed, ledger.KindOf(err))

	got, err = svc.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, got.CollectedAmount.Equal(money("1000.00")))
	assert.Equal(t, 2, got.ContributionCount)

	contribs, err := svc.ListContributions(ctx, c.ID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, contribs, 2)
}

func TestLedger_LoanRepayment_HostOnlyAndOnce(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestLedger(t)
	c := createCampaign(t, svc, "1000.00")

	// GIVEN: A loan contribution with the campaign's due date
	loan, err := svc.RecordContribution(ctx, ledger.ContributionRequest{
		CampaignID:       c.ID,
		Amount:           money("100.00"),
		Reference:        "444444444444",
		Kind:             ledger.KindLoan,
		ContributorID:    otherID,
		ContributorName:  "Meera",
		RepaymentDueDate: c.RepaymentDueDate,
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.RepaymentPending, loan.RepaymentStatus)

	// WHEN: A non-host marks it repaid
	_, err = svc.MarkRepaid(ctx, loan.ID, otherID)

	// THEN: Unauthorized and unchanged
	assert.True(t, errors.Is(err, ledger.ErrUnauthorized))
	got, err := svc.GetContribution(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.RepaymentPending, got.RepaymentStatus)
	assert.Nil(t, got.RepaidAt)

	// WHEN: The host marks it repaid
	repaid, err := svc.MarkRepaid(ctx, loan.ID, hostID)

	// THEN: Repaid with timestamp
	require.NoError(t, err)
	assert.Equal(t, ledger.RepaymentRepaid, repaid.RepaymentStatus)
	require.NotNil(t, repaid.RepaidAt)

	// WHEN: The host marks it repaid again
	_, err = svc.MarkRepaid(ctx, loan.ID, hostID)

	// THEN: AlreadyRepaid, nothing changes
	assert.True(t, errors.Is(err, ledger.ErrAlreadyRepaid))
	again, err := svc.GetContribution(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, repaid.Version, again.Version)
	assert.True(t, repaid.RepaidAt.Equal(*again.RepaidAt))

	// Repayment never touches the campaign total.
	campaign, err := svc.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, campaign.CollectedAmount.Equal(money("100.00")))
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestLedger_RecordContribution_Validation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestLedger(t)
	c := createCampaign(t, svc, "500.00")

	tests := []struct {
		name  string
		mut   func(r *ledger.ContributionRequest)
		field string
	}{
		{"zero amount", func(r *ledger.ContributionRequest) { r.Amount = decimal.Zero }, "amount"},
		{"negative amount", func(r *ledger.ContributionRequest) { r.Amount = money("-5") }, "amount"},
		{"rounds to zero", func(r *ledger.ContributionRequest) { r.Amount = money("0.001") }, "amount"},
		{"unknown kind", func(r *ledger.ContributionRequest) { r.Kind = "grant" }, "kind"},
		{"missing utr", func(r *ledger.ContributionRequest) { r.Reference = "" }, "utr"},
		{"short utr", func(r *ledger.ContributionRequest) { r.Reference = "12345" }, "utr"},
		{"non-digit utr", func(r *ledger.ContributionRequest) { r.Reference = "12345678901A" }, "utr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := donation(c.ID, "10.00", "555555555555")
			tt.mut(&req)
			_, err := svc.RecordContribution(ctx, req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ledger.ErrInvalidArgument))

			var ve *ledger.ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tt.field, ve.Field)
		})
	}

	got, err := svc.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, got.CollectedAmount.IsZero())
	assert.Zero(t, got.ContributionCount)
}

func TestLedger_RecordContribution_RoundsAtInput(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestLedger(t)
	c := createCampaign(t, svc, "500.00")

	contrib, err := svc.RecordContribution(ctx, donation(c.ID, "10.005", "555555555555"))
	require.NoError(t, err)
	assert.Equal(t, "10.01", contrib.Amount.StringFixed(2))
}

func TestLedger_RecordContribution_UnknownCampaign_NotFound(t *testing.T) {
	svc, _ := newTestLedger(t)
	_, err := svc.RecordContribution(context.Background(), donation("missing", "10.00", "555555555555"))
	assert.True(t, errors.Is(err, ledger.ErrNotFound))
}

func TestLedger_Loan_InheritsCampaignDueDate(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestLedger(t)
	c := createCampaign(t, svc, "500.00")

	req := donation(c.ID, "50.00", "666666666666")
	req.Kind = ledger.KindLoan
	loan, err := svc.RecordContribution(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, loan.RepaymentDueDate)
	assert.True(t, c.RepaymentDueDate.Equal(*loan.RepaymentDueDate))
}

func TestLedger_Loan_WithoutAnyDueDate_Rejected(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestLedger(t)
	c, err := svc.CreateCampaign(ctx, hostID, ledger.CampaignInput{Title: "No due date", TargetAmount: money("100")})
	require.NoError(t, err)

	req := donation(c.ID, "50.00", "666666666666")
	req.Kind = ledger.KindLoan
	_, err = svc.RecordContribution(ctx, req)
	assert.True(t, errors.Is(err, ledger.ErrInvalidArgument))
}

func TestLedger_Donation_RepaymentNotApplicable(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestLedger(t)
	c := createCampaign(t, svc, "500.00")

	req := donation(c.ID, "50.00", "777777777777")
	req.RepaymentDueDate = dueDate()
	d, err := svc.RecordContribution(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, ledger.RepaymentNotApplicable, d.RepaymentStatus)
	assert.Nil(t, d.RepaymentDueDate)

	_, err = svc.MarkRepaid(ctx, d.ID, hostID)
	assert.True(t, errors.Is(err, ledger.ErrInvalidOperation))
}

func TestLedger_MarkRepaid_UnknownContribution_NotFound(t *testing.T) {
	svc, _ := newTestLedger(t)
	_, err := svc.MarkRepaid(context.Background(), "nope", hostID)
	assert.True(t, errors.Is(err, ledger.ErrNotFound))
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func TestLedger_DuplicateReference_Sequential_Rejected(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestLedger(t)
	c := createCampaign(t, svc, "1000.00")

	_, err := svc.RecordContribution(ctx, donation(c.ID, "100.00", "123456789012"))
	require.NoError(t, err)

	_, err = svc.RecordContribution(ctx, donation(c.ID, "100.00", "123456789012"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrDuplicatePayment))

	var dup *ledger.DuplicatePaymentError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "123456789012", dup.Reference)
	assert.Equal(t, 1, dup.MatchCount)

	got, err := svc.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, got.CollectedAmount.Equal(money("100.00")))
	assert.Equal(t, 1, got.ContributionCount)
}

func TestLedger_SameReference_DifferentCampaign_Allowed(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestLedger(t)
	a := createCampaign(t, svc, "1000.00")
	b := createCampaign(t, svc, "1000.00")

	_, err := svc.RecordContribution(ctx, donation(a.ID, "100.00", "123456789012"))
	require.NoError(t, err)
	_, err = svc.RecordContribution(ctx, donation(b.ID, "100.00", "123456789012"))
	require.NoError(t, err)
}

func TestLedger_DuplicateReference_Concurrent_ExactlyOnce(t *testing.T) {
	for name, svc := range map[string]*ledger.Service{
		"memory": func() *ledger.Service { s, _ := newTestLedger(t); return s }(),
		"sqlite": newSQLiteLedger(t),
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := createCampaign(t, svc, "100000.00")

			const n = 20
			var wg sync.WaitGroup
			errs := make([]error, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, errs[i] = svc.RecordContribution(ctx, donation(c.ID, "25.00", "999999999999"))
				}(i)
			}
			wg.Wait()

			succeeded := 0
			for _, err := range errs {
				if err == nil {
					succeeded++
					continue
				}
				assert.True(t, errors.Is(err, ledger.ErrDuplicatePayment), "unexpected error: %v", err)
			}
			assert.Equal(t, 1, succeeded)

			got, err := svc.GetCampaign(ctx, c.ID)
			require.NoError(t, err)
			assert.True(t, got.CollectedAmount.Equal(money("25.00")))
			assert.Equal(t, 1, got.ContributionCount)
		})
	}
}

func TestGuard_CheckDuplicate(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestLedger(t)
	c := createCampaign(t, svc, "1000.00")

	res, err := svc.Guard().CheckDuplicate(ctx, c.ID, "123456789012")
	require.NoError(t, err)
	assert.False(t, res.IsDuplicate)
	assert.Zero(t, res.MatchCount)

	_, err = svc.RecordContribution(ctx, donation(c.ID, "10.00", "123456789012"))
	require.NoError(t, err)

	res, err = svc.Guard().CheckDuplicate(ctx, c.ID, "123456789012")
	require.NoError(t, err)
	assert.True(t, res.IsDuplicate)
	assert.Equal(t, 1, res.MatchCount)

	// Exact, case-sensitive match only.
	res, err = svc.Guard().CheckDuplicate(ctx, c.ID, "123456789013")
	require.NoError(t, err)
	assert.False(t, res.IsDuplicate)

	_, err = svc.Guard().CheckDuplicate(ctx, "missing", "123456789012")
	assert.True(t, errors.Is(err, ledger.ErrNotFound))
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestLedger_ConcurrentContributions_NoLostIncrements(t *testing.T) {
	for _, n := range []int{2, 10, 100} {
		for backend, mk := range map[string]func(t *testing.T) *ledger.Service{
			"memory": func(t *testing.T) *ledger.Service { s, _ := newTestLedger(t); return s },
			"sqlite": newSQLiteLedger,
		} {
			t.Run(fmt.Sprintf("%s/N=%d", backend, n), func(t *testing.T) {
				ctx := context.Background()
				svc := mk(t)
				c := createCampaign(t, svc, "1000000.00")

				var wg sync.WaitGroup
				errs := make(chan error, n)
				for i := 0; i < n; i++ {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						_, err := svc.RecordContribution(ctx, donation(c.ID, "12.34", fmt.Sprintf("%012d", i+1)))
						errs <- err
					}(i)
				}
				wg.Wait()
				close(errs)
				for err := range errs {
					require.NoError(t, err)
				}

				got, err := svc.GetCampaign(ctx, c.ID)
				require.NoError(t, err)
				want := money("12.34").Mul(decimal.NewFromInt(int64(n)))
				assert.True(t, got.CollectedAmount.Equal(want), "collected %s, want %s", got.CollectedAmount, want)
				assert.Equal(t, n, got.ContributionCount)

				report, err := svc.Audit(ctx)
				require.NoError(t, err)
				assert.True(t, report.Clean())
			})
		}
	}
}

// conflictingStore forces the first N UpdateIf calls on campaigns to conflict,
// simulating a concurrent writer on a backend with optimistic concurrency.
type conflictingStore struct {
	*store.TxMemory
	mu        sync.Mutex
	conflicts int
}

func (cs *conflictingStore) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	return cs.TxMemory.WithTx(ctx, func(tx ledger.Store) error {
		return fn(&conflictingView{Store: tx, parent: cs})
	})
}

type conflictingView struct {
	ledger.Store
	parent *conflictingStore
}

func (v *conflictingView) UpdateIf(ctx context.Context, collection, id string, version int64, partial map[string]any) (ledger.Document, error) {
	v.parent.mu.Lock()
	if collection == ledger.CollectionCampaigns && v.parent.conflicts > 0 {
		v.parent.conflicts--
		v.parent.mu.Unlock()
		return ledger.Document{}, ledger.ErrVersionConflict
	}
	v.parent.mu.Unlock()
	return v.Store.UpdateIf(ctx, collection, id, version, partial)
}

func TestLedger_VersionConflict_RetriedAsWholeUnit(t *testing.T) {
	ctx := context.Background()
	cs := &conflictingStore{TxMemory: store.NewTxMemory()}
	svc := ledger.NewService(cs, ledger.DefaultConfig())
	c := createCampaign(t, svc, "1000.00")

	// GIVEN: The next two campaign writes lose the race
	cs.conflicts = 2

	// WHEN: A contribution is recorded
	contrib, err := svc.RecordContribution(ctx, donation(c.ID, "10.00", "100000000001"))

	// THEN: It lands exactly once
	require.NoError(t, err)
	contribs, err := svc.ListContributions(ctx, c.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, contribs, 1)
	assert.Equal(t, contrib.ID, contribs[0].ID)

	got, err := svc.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, got.CollectedAmount.Equal(money("10.00")))
}

func TestLedger_VersionConflict_GivesUpAsStorageUnavailable(t *testing.T) {
	ctx := context.Background()
	cs := &conflictingStore{TxMemory: store.NewTxMemory()}
	cfg := ledger.DefaultConfig()
	cfg.CASMaxAttempts = 3
	svc := ledger.NewService(cs, cfg)
	c := createCampaign(t, svc, "1000.00")

	cs.conflicts = 100
	_, err := svc.RecordContribution(ctx, donation(c.ID, "10.00", "100000000001"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrStorageUnavailable))
	assert.True(t, ledger.IsRetryable(err))

	// Nothing half-written.
	contribs, err := svc.ListContributions(ctx, c.ID, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, contribs)
}

// =============================================================================
// EVENTS
// =============================================================================

func TestLedger_EventsPublishedAfterCommit(t *testing.T) {
	ctx := context.Background()
	n := &recordingNotifier{}
	svc, _ := newTestLedger(t, ledger.WithNotifier(n))
	c := createCampaign(t, svc, "100.00")

	_, err := svc.RecordContribution(ctx, donation(c.ID, "100.00", "100000000001"))
	require.NoError(t, err)
	_, err = svc.RecordContribution(ctx, donation(c.ID, "1.00", "100000000002"))
	require.Error(t, err)

	assert.Equal(t, []ledger.EventType{ledger.EventContributionRecorded, ledger.EventCampaignCompleted}, n.types())
}
