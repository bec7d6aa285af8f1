// Package peer implements the node-to-node sync protocol: clock reads, delta export and
// batch apply over JSON HTTP.
package peer

import (
	"encoding/json"

	"github.com/MarcoPoloResearchLab/contentnode/internal/ledger"
)

// Error codes returned in {"error": code} bodies.
const (
	ErrorCodeNonContiguousBatch = "non_contiguous_batch"
	ErrorCodeOutOfOrderBatch    = "out_of_order_batch"
	ErrorCodeWalletMismatch     = "wallet_mismatch"
	ErrorCodeUserNotFound       = "user_not_found"
	ErrorCodeInvalidRequest     = "invalid_request"
	ErrorCodeUnauthorized       = "unauthorized"
	ErrorCodeForceWipeDisabled  = "force_wipe_disabled"
	ErrorCodePrimaryWipe        = "primary_wipe_refused"
	ErrorCodeInternal           = "internal_error"
)

// Operation is the wire form of a clock record.
type Operation struct {
	Clock         int64           `json:"clock"`
	OperationType string          `json:"operation_type"`
	UserID        string          `json:"user_id,omitempty"`
	TrackID       string          `json:"track_id,omitempty"`
	CID           string          `json:"cid,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Redacted      bool            `json:"redacted,omitempty"`
}

// ClockResponse answers GET /sync/users/:uuid/clock.
type ClockResponse struct {
	Clock int64 `json:"clock"`
}

// DeltaResponse answers GET /sync/users/:uuid/delta.
type DeltaResponse struct {
	Wallet     string      `json:"wallet"`
	Clock      int64       `json:"clock"`
	Operations []Operation `json:"operations"`
}

// ApplyRequest is the body of POST /sync/users/:uuid/apply.
type ApplyRequest struct {
	Wallet     string      `json:"wallet"`
	Operations []Operation `json:"operations"`
	// ForceResync asks the secondary to drop its copy of the user before applying.
	ForceResync bool `json:"force_resync,omitempty"`
}

// ApplyResponse acknowledges an applied batch.
type ApplyResponse struct {
	AppliedThroughClock int64 `json:"applied_through_clock"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// FromRecords converts ledger records to their wire form.
func FromRecords(records []ledger.ClockRecord) []Operation {
	operations := make([]Operation, 0, len(records))
	for _, record := range records {
		operation := Operation{
			Clock:         record.Clock,
			OperationType: string(record.OperationType),
			UserID:        record.UserID,
			TrackID:       record.TrackID,
			CID:           record.CID,
			Redacted:      record.Redacted,
		}
		if record.PayloadJSON != "" && json.Valid([]byte(record.PayloadJSON)) {
			operation.Payload = json.RawMessage(record.PayloadJSON)
		}
		operations = append(operations, operation)
	}
	return operations
}

// ToRecords converts wire operations to ledger records owned by the user.
func ToRecords(userUUID ledger.CNodeUserUUID, operations []Operation) []ledger.ClockRecord {
	records := make([]ledger.ClockRecord, 0, len(operations))
	for _, operation := range operations {
		records = append(records, ledger.ClockRecord{
			CNodeUserUUID: userUUID.String(),
			Clock:         operation.Clock,
			OperationType: ledger.OperationType(operation.OperationType),
			UserID:        operation.UserID,
			TrackID:       operation.TrackID,
			CID:           operation.CID,
			PayloadJSON:   string(operation.Payload),
			Redacted:      operation.Redacted,
		})
	}
	return records
}
