package payment_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/friendfund/backend/ledger"
	"github.com/friendfund/backend/payment"
)

func TestGatewayVerifier(t *testing.T) {
	g, err := payment.NewGatewayVerifier("whsec")
	require.NoError(t, err)

	sig := g.Sign("order_1", "pay_1")
	assert.Len(t, sig, 64)
	assert.NoError(t, g.VerifySignature("order_1", "pay_1", sig))

	err = g.VerifySignature("order_1", "pay_2", sig)
	assert.True(t, errors.Is(err, ledger.ErrInvalidArgument))

	err = g.VerifySignature("order_1", "pay_1", "zz")
	assert.True(t, errors.Is(err, ledger.ErrInvalidArgument))

	_, err = payment.NewGatewayVerifier("")
	assert.Error(t, err)
}

func TestScore(t *testing.T) {
	expected := decimal.RequireFromString("500.00")
	const utr = "412345678901"

	tests := []struct {
		name       string
		text       string
		confidence int
		auto       bool
		extracted  string
	}{
		{
			name:       "full match",
			text:       "Payment Successful\n₹500.00\nUPI Ref No: 4123 4567 8901",
			confidence: 100,
			auto:       true,
			extracted:  "500.00",
		},
		{
			name:       "within one rupee",
			text:       "Paid Rs. 499.50 to Asha",
			confidence: 70,
			auto:       true,
			extracted:  "499.50",
		},
		{
			name:       "amount off",
			text:       "Transaction successful ₹450 UTR 412345678901",
			confidence: 100,
			auto:       false,
			extracted:  "450.00",
		},
		{
			name:       "no keyword",
			text:       "INR 500 ref 412345678901",
			confidence: 70,
			auto:       false,
			extracted:  "500.00",
		},
		{
			name:       "nothing useful",
			text:       "a blurry cat",
			confidence: 0,
			auto:       false,
		},
		{
			name:       "unsuccessful is not a success",
			text:       "Payment Unsuccessful\n₹500.00\nUTR 412345678901",
			confidence: 70,
			auto:       false,
			extracted:  "500.00",
		},
		{
			name:       "not debited vetoes debited",
			text:       "Transaction failed. Money not debited. ₹500.00 UTR 412345678901",
			confidence: 70,
			auto:       false,
			extracted:  "500.00",
		},
		{
			name:       "pending payment",
			text:       "Payment pending ₹500.00 UTR 412345678901",
			confidence: 70,
			auto:       false,
			extracted:  "500.00",
		},
		{
			name:       "refunded after success",
			text:       "Paid successfully ₹500.00 UTR 412345678901\nAmount refunded",
			confidence: 70,
			auto:       false,
			extracted:  "500.00",
		},
		{
			name:       "declined",
			text:       "Declined by bank ₹500.00",
			confidence: 40,
			auto:       false,
			extracted:  "500.00",
		},
		{
			name:       "picks closest of several amounts",
			text:       "Balance ₹12,000.00\nDebited ₹500.00",
			confidence: 70,
			auto:       true,
			extracted:  "500.00",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := payment.Score(tt.text, expected, utr)
			assert.Equal(t, tt.confidence, v.Confidence)
			assert.Equal(t, tt.auto, v.AutoVerify)
			assert.Equal(t, tt.extracted, v.ExtractedAmount)
			assert.NotEmpty(t, v.Reason)
		})
	}
}

func TestScore_FailureKeywordReason(t *testing.T) {
	v := payment.Score("Payment Unsuccessful ₹500.00 UTR 412345678901", decimal.RequireFromString("500"), "412345678901")
	assert.False(t, v.KeywordFound)
	assert.True(t, v.ReferenceFound)
	assert.Equal(t, "failure keyword in screenshot", v.Reason)
}

type stubEngine struct {
	text string
	err  error
}

func (s stubEngine) ExtractText(context.Context, []byte) (string, error) { return s.text, s.err }

func TestAnalyzer(t *testing.T) {
	ctx := context.Background()
	amount := decimal.RequireFromString("100")

	v, err := payment.NewAnalyzer(stubEngine{text: "Payment successful ₹100.00 UTR 100000000001"}).
		Analyze(ctx, []byte("img"), amount, "100000000001")
	require.NoError(t, err)
	assert.True(t, v.AutoVerify)
	assert.True(t, v.ReferenceFound)

	_, err = payment.NewAnalyzer(stubEngine{err: errors.New("no tesseract")}).Analyze(ctx, []byte("img"), amount, "x")
	assert.Error(t, err)
}
