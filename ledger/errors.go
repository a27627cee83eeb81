/*
errors.go - Centralized error taxonomy for the FriendFund ledger

PURPOSE:
  All error types in one place for consistency and discoverability.
  Every failure that crosses the service boundary maps to exactly one Kind,
  which the API layer turns into an HTTP status and a stable error code.

ERROR CATEGORIES:
  1. Client errors    - InvalidArgument, CampaignClosed, DuplicatePayment,
                        AlreadyRepaid, InvalidOperation (never retried)
  2. Access errors    - Unauthenticated, Unauthorized
  3. Lookup errors    - NotFound
  4. Collaborator     - StorageUnavailable, UpstreamDegraded (retry with backoff)

STORE ERRORS:
  Document Store implementations return ErrDocumentNotFound, ErrDuplicateKey
  and ErrVersionConflict. The service translates them into the taxonomy above;
  they never reach a caller untranslated.

USAGE:
  if errors.Is(err, ledger.ErrDuplicatePayment) {
      var dup *ledger.DuplicatePaymentError
      errors.As(err, &dup)
  }

SEE ALSO:
  - store.go: Document Store contract that raises the store errors
  - api/envelope.go: Kind -> HTTP status mapping
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidArgument is returned for malformed or missing input.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound is returned when a referenced campaign, contribution,
	// repayment or user does not exist.
	ErrNotFound = errors.New("not found")

	// ErrCampaignClosed is returned when a contribution targets a campaign
	// whose status is not active.
	ErrCampaignClosed = errors.New("campaign is not accepting contributions")

	// ErrDuplicatePayment is returned when a payment reference was already
	// recorded for the same campaign.
	ErrDuplicatePayment = errors.New("duplicate payment reference")

	// ErrUnauthorized is returned when the caller is authenticated but is not
	// allowed to perform the action (e.g. not the campaign host).
	ErrUnauthorized = errors.New("not authorized")

	// ErrUnauthenticated is returned when credentials are missing or invalid.
	ErrUnauthenticated = errors.New("not authenticated")

	// ErrAlreadyRepaid is returned by a second repayment transition.
	ErrAlreadyRepaid = errors.New("loan already repaid")

	// ErrInvalidOperation is returned when the operation does not apply to the
	// target's current kind or state.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrStorageUnavailable wraps persistence failures. Retryable by the caller.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrUpstreamDegraded wraps OCR, QR, evidence storage and other
	// non-authoritative collaborator failures.
	ErrUpstreamDegraded = errors.New("upstream degraded")
)

// Store-level errors. Returned by Document Store implementations only.
var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrDuplicateKey     = errors.New("unique key already exists")
	ErrVersionConflict  = errors.New("document version conflict")
)

// =============================================================================
// KIND - Stable category carried in the wire envelope
// =============================================================================

// Kind is the stable error category string.
type Kind string

const (
	KindInvalidArgument    Kind = "InvalidArgument"
	KindNotFound           Kind = "NotFound"
	KindCampaignClosed     Kind = "CampaignClosed"
	KindDuplicatePayment   Kind = "DuplicatePayment"
	KindUnauthorized       Kind = "Unauthorized"
	KindUnauthenticated    Kind = "Unauthenticated"
	KindAlreadyRepaid      Kind = "AlreadyRepaid"
	KindInvalidOperation   Kind = "InvalidOperation"
	KindStorageUnavailable Kind = "StorageUnavailable"
	KindUpstreamDegraded   Kind = "UpstreamDegraded"
	KindInternal           Kind = "Internal"
)

var kindSentinels = []struct {
	kind Kind
	err  error
}{
	{KindInvalidArgument, ErrInvalidArgument},
	{KindNotFound, ErrNotFound},
	{KindCampaignClosed, ErrCampaignClosed},
	{KindDuplicatePayment, ErrDuplicatePayment},
	{KindUnauthorized, ErrUnauthorized},
	{KindUnauthenticated, ErrUnauthenticated},
	{KindAlreadyRepaid, ErrAlreadyRepaid},
	{KindInvalidOperation, ErrInvalidOperation},
	{KindStorageUnavailable, ErrStorageUnavailable},
	{KindUpstreamDegraded, ErrUpstreamDegraded},
}

// KindOf classifies err. Unclassified errors are KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, ks := range kindSentinels {
		if errors.Is(err, ks.err) {
			return ks.kind
		}
	}
	return KindInternal
}

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidArgument
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// DuplicatePaymentError provides details about an idempotency violation.
type DuplicatePaymentError struct {
	CampaignID CampaignID
	Reference  string
	MatchCount int
}

func (e *DuplicatePaymentError) Error() string {
	return fmt.Sprintf("payment reference %s already recorded for campaign %s", e.Reference, e.CampaignID)
}

func (e *DuplicatePaymentError) Unwrap() error {
	return ErrDuplicatePayment
}

// CampaignClosedError reports the status that blocked the contribution.
type CampaignClosedError struct {
	CampaignID CampaignID
	Status     CampaignStatus
}

func (e *CampaignClosedError) Error() string {
	return fmt.Sprintf("campaign %s is %s", e.CampaignID, e.Status)
}

func (e *CampaignClosedError) Unwrap() error {
	return ErrCampaignClosed
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable) ||
		errors.Is(err, ErrUpstreamDegraded) ||
		errors.Is(err, ErrVersionConflict)
}

// IsClientError returns true if the error is due to invalid client input or
// a business-rule rejection.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrCampaignClosed) ||
		errors.Is(err, ErrDuplicatePayment) ||
		errors.Is(err, ErrAlreadyRepaid) ||
		errors.Is(err, ErrInvalidOperation)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrDocumentNotFound)
}

// storageErr wraps an untranslated store failure as StorageUnavailable.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorageUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrStorageUnavailable, err)
}
