// Package payment verifies externally reported payments: gateway callback
// signatures and OCR'd payment screenshots.
package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/friendfund/backend/ledger"
)

// GatewayVerifier checks checkout callback signatures: hex(HMAC-SHA256(secret,
// orderId|paymentId)).
type GatewayVerifier struct {
	secret []byte
}

// NewGatewayVerifier returns a verifier for secret.
func NewGatewayVerifier(secret string) (*GatewayVerifier, error) {
	if secret == "" {
		return nil, errors.New("payment: gateway secret is required")
	}
	return &GatewayVerifier{secret: []byte(secret)}, nil
}

// Sign computes the expected signature.
func (g *GatewayVerifier) Sign(orderID, paymentID string) string {
	mac := hmac.New(sha256.New, g.secret)
	mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature implements ledger.SignatureVerifier.
func (g *GatewayVerifier) VerifySignature(orderID, paymentID, signature string) error {
	got, err := hex.DecodeString(strings.TrimSpace(strings.ToLower(signature)))
	if err != nil {
		return fmt.Errorf("%w: signature is not hex", ledger.ErrInvalidArgument)
	}
	want, _ := hex.DecodeString(g.Sign(orderID, paymentID))
	if !hmac.Equal(got, want) {
		return fmt.Errorf("%w: signature mismatch", ledger.ErrInvalidArgument)
	}
	return nil
}
