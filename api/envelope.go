/*
envelope.go - Uniform response envelope

PURPOSE:
  Every endpoint answers with the same shape:

    {"success": true,  "data": {...}}
    {"success": false, "error": "campaign c1 is completed", "code": "CampaignClosed"}

  The code is the ledger error Kind, so clients can branch on it without
  parsing messages.

STATUS MAPPING:
  400  InvalidArgument, CampaignClosed, DuplicatePayment, AlreadyRepaid,
       InvalidOperation
  401  Unauthenticated
  403  Unauthorized
  404  NotFound
  500  StorageUnavailable, UpstreamDegraded, Internal
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/friendfund/backend/ledger"
)

// Envelope is the body of every API response.
type Envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
	// Field names the offending input on validation errors.
	Field string `json:"field,omitempty"`
}

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("level=warn component=api msg=\"encode response failed\" err=%v", err)
	}
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, Envelope{Success: true, Data: data})
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind ledger.Kind) int {
	switch kind {
	case ledger.KindInvalidArgument, ledger.KindCampaignClosed, ledger.KindDuplicatePayment,
		ledger.KindAlreadyRepaid, ledger.KindInvalidOperation:
		return http.StatusBadRequest
	case ledger.KindUnauthenticated:
		return http.StatusUnauthorized
	case ledger.KindUnauthorized:
		return http.StatusForbidden
	case ledger.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := ledger.KindOf(err)
	status := StatusFor(kind)
	env := Envelope{Error: err.Error(), Code: string(kind)}

	var verr *ledger.ValidationError
	if errors.As(err, &verr) {
		env.Field = verr.Field
	}
	if status >= http.StatusInternalServerError {
		log.Printf("level=error component=api msg=\"request failed\" method=%s path=%s code=%s err=%v",
			r.Method, r.URL.Path, kind, err)
		// Internal details stay in the log.
		if kind == ledger.KindInternal {
			env.Error = "internal error"
		}
	}
	writeJSON(w, status, env)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return &ledger.ValidationError{Field: "body", Message: fmt.Sprintf("malformed JSON: %v", err)}
	}
	return nil
}
