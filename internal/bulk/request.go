// Package bulk applies one administrative operation to many drivers at once.
//
// Requests pass a gate first (non-empty selection, admin credential for privileged
// operations, notes for verify/reject) which either rejects the whole batch with no effects
// or admits it. Admitted batches run every item independently; one driver failing never
// stops the rest.
package bulk

import (
	"sort"

	"github.com/google/uuid"

	"github.com/driverdesk/server/internal/filter"
	"github.com/driverdesk/server/internal/model"
	"github.com/driverdesk/server/internal/ocr"
)

// Operation is a bulk lifecycle action
type Operation string

const (
	Activate   Operation = "activate"
	Deactivate Operation = "deactivate"
	Suspend    Operation = "suspend"
	Verify     Operation = "verify"
	Reject     Operation = "reject"
	OcrVerify  Operation = "ocr_verify"
	Export     Operation = "export"
)

// Operations lists every supported operation
var Operations = []Operation{Activate, Deactivate, Suspend, Verify, Reject, OcrVerify, Export}

func (o Operation) Valid() bool {
	for _, op := range Operations {
		if o == op {
			return true
		}
	}
	return false
}

// Privileged operations require the acting admin to re-enter their password
func (o Operation) Privileged() bool {
	return o == Verify || o == Reject || o == OcrVerify
}

// RequiresNotes reports whether the audit record must carry a reviewer note
func (o Operation) RequiresNotes() bool {
	return o == Verify || o == Reject
}

// Reason explains a per-driver failure
type Reason string

const (
	ReasonNotFound                Reason = "not_found"
	ReasonAlreadyInState          Reason = "already_in_state"
	ReasonConflict                Reason = "conflict"
	ReasonCollaboratorUnavailable Reason = "collaborator_unavailable"
	ReasonOcrFailed               Reason = "ocr_failed"
	ReasonInvalidState            Reason = "invalid_state"
	ReasonInvalidID               Reason = "invalid_id"
	ReasonInternal                Reason = "internal_error"
)

// ItemStatus is the outcome of one driver in a batch
type ItemStatus string

const (
	ItemSucceeded ItemStatus = "succeeded"
	ItemFailed    ItemStatus = "failed"
)

// ItemResult is what happened to one driver
type ItemResult struct {
	Status ItemStatus  `json:"status"`
	Reason Reason      `json:"reason,omitempty"`
	Detail string      `json:"detail,omitempty"`
	Ocr    *ocr.Result `json:"ocr,omitempty"`
}

func succeeded() ItemResult {
	return ItemResult{Status: ItemSucceeded}
}

func failed(reason Reason, detail string) ItemResult {
	return ItemResult{Status: ItemFailed, Reason: reason, Detail: detail}
}

// Request is a bulk operation submitted by an admin. Targets come from DriverIDs or,
// when no ids are given, from Filter resolved at execution time.
type Request struct {
	Operation     Operation
	DriverIDs     []string
	Filter        *filter.Spec
	Notes         string
	AdminID       uuid.UUID
	AdminPassword string
}

// Result is the itemised outcome of an admitted batch
type Result struct {
	Operation Operation             `json:"operation"`
	Items     map[string]ItemResult `json:"items"`
	Succeeded int                   `json:"succeeded"`
	Failed    int                   `json:"failed"`
	// Export holds the snapshot for the export operation, in target order
	Export []model.Driver `json:"-"`
}

// FailedIDs returns the ids that failed, sorted, so the caller can retry just those
func (r Result) FailedIDs() []string {
	var ids []string
	for id, item := range r.Items {
		if item.Status == ItemFailed {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
