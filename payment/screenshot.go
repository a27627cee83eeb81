package payment

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/friendfund/backend/ledger"
)

// Engine extracts text from an image.
type Engine interface {
	ExtractText(ctx context.Context, image []byte) (string, error)
}

// Scoring weights and thresholds.
const (
	WeightAmount    = 40
	WeightReference = 30
	WeightKeyword   = 30

	AutoVerifyThreshold = 70
)

// AmountTolerance is the largest accepted gap between the extracted and the
// expected amount.
var AmountTolerance = decimal.NewFromInt(1)

var (
	// Currency-marked amounts: ₹1,234.50 / Rs. 500 / INR 75.
	currencyAmount = regexp.MustCompile(`(?i)(?:₹|\brs\.?|\binr)\s*([0-9][0-9,]*(?:\.[0-9]{1,2})?)`)
	// Bare amounts with thousands separators or paise.
	bareAmount = regexp.MustCompile(`\b([0-9]{1,3}(?:,[0-9]{2,3})+(?:\.[0-9]{1,2})?|[0-9]+\.[0-9]{2})\b`)

	// Whole words only, so "unsuccessful" is not a success.
	successKeyword = regexp.MustCompile(`(?i)\b(?:success(?:ful(?:ly)?)?|completed|credited|debited|paid)\b`)
	// Any of these vetoes the success keyword.
	failureKeyword = regexp.MustCompile(`(?i)\b(?:fail(?:ed|ure)?|unsuccessful|declined|pending|not\s+debited|reversed|refunded|cancell?ed)\b`)
)

// Analyzer scores payment screenshots. It implements ledger.ScreenshotAnalyzer.
type Analyzer struct {
	engine Engine
}

// NewAnalyzer wraps an OCR engine.
func NewAnalyzer(engine Engine) *Analyzer {
	return &Analyzer{engine: engine}
}

// Analyze extracts text from image and scores it against the expected payment.
func (a *Analyzer) Analyze(ctx context.Context, image []byte, expected ledger.Money, reference string) (ledger.ScreenshotVerdict, error) {
	text, err := a.engine.ExtractText(ctx, image)
	if err != nil {
		return ledger.ScreenshotVerdict{}, fmt.Errorf("extract text: %w", err)
	}
	return Score(text, expected, reference), nil
}

// Score applies the weighted heuristic to OCR text. Auto-verification needs
// the threshold, an amount within tolerance and a success keyword. A failure
// word anywhere in the text (failed, declined, not debited, ...) means no
// success keyword was found.
func Score(text string, expected ledger.Money, reference string) ledger.ScreenshotVerdict {
	var v ledger.ScreenshotVerdict

	amount, found := closestAmount(text, expected)
	amountMatches := false
	if found {
		v.Confidence += WeightAmount
		v.ExtractedAmount = amount.StringFixed(ledger.MoneyPlaces)
		amountMatches = amount.Sub(expected).Abs().LessThanOrEqual(AmountTolerance)
	}

	if reference != "" && strings.Contains(digitsAndLetters(text), digitsAndLetters(reference)) {
		v.Confidence += WeightReference
		v.ReferenceFound = true
	}

	failed := failureKeyword.MatchString(text)
	if !failed && successKeyword.MatchString(text) {
		v.Confidence += WeightKeyword
		v.KeywordFound = true
	}

	v.AutoVerify = v.Confidence >= AutoVerifyThreshold && amountMatches && v.KeywordFound
	switch {
	case v.AutoVerify:
		v.Reason = "screenshot matches payment"
	case failed:
		v.Reason = "failure keyword in screenshot"
	case !found:
		v.Reason = "no amount found in screenshot"
	case !amountMatches:
		v.Reason = fmt.Sprintf("screenshot amount %s does not match %s", v.ExtractedAmount, expected.StringFixed(ledger.MoneyPlaces))
	case !v.KeywordFound:
		v.Reason = "no success keyword in screenshot"
	default:
		v.Reason = "low confidence"
	}
	return v
}

// closestAmount returns the extracted amount nearest to expected. Currency
// marked amounts are preferred over bare numbers.
func closestAmount(text string, expected ledger.Money) (decimal.Decimal, bool) {
	for _, re := range []*regexp.Regexp{currencyAmount, bareAmount} {
		var (
			best  decimal.Decimal
			found bool
		)
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			d, err := decimal.NewFromString(strings.ReplaceAll(m[1], ",", ""))
			if err != nil || !d.IsPositive() {
				continue
			}
			if !found || d.Sub(expected).Abs().LessThan(best.Sub(expected).Abs()) {
				best, found = d, true
			}
		}
		if found {
			return best, true
		}
	}
	return decimal.Zero, false
}

func digitsAndLetters(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if (r >= '0' && r <= '9') || (r >= 'A' && r <= 'Z') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
