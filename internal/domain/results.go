/**
 * @description
 * This file defines the result payloads returned by the credit and invite
 * operations. Business-rule outcomes that are not faults (already processed,
 * already granted) are expressed as fields on these results rather than as
 * errors, so controllers can map them without error inspection.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Admin adjust operations.
const (
	AdjustOpIncrease = "increase"
	AdjustOpDecrease = "decrease"
	AdjustOpSet      = "set"
)

// DecreaseResult is returned after a successful consumption decrement.
type DecreaseResult struct {
	Balance       int64     `json:"balance"`
	TotalConsumed int64     `json:"total_consumed"`
	AuditEntryID  uuid.UUID `json:"audit_entry_id"`
}

// IncreaseResult is returned after a successful credit grant.
type IncreaseResult struct {
	IncreasedBy  int64     `json:"increased_by"`
	Balance      int64     `json:"balance"`
	AuditEntryID uuid.UUID `json:"audit_entry_id"`
}

// AdjustResult is returned by admin adjustments. AppliedDelta may be smaller
// in magnitude than requested when the zero floor clamps the operation.
type AdjustResult struct {
	AccountID       uuid.UUID `json:"account_id"`
	AppliedDelta    int64     `json:"applied_delta"`
	PreviousBalance int64     `json:"previous_balance"`
	NewBalance      int64     `json:"new_balance"`
	RequestedAmount int64     `json:"requested_amount"`
}

// BatchItemResult is the per-account outcome of a batch adjustment. One
// member's failure never aborts the rest of the batch.
type BatchItemResult struct {
	AccountID uuid.UUID     `json:"account_id"`
	Result    *AdjustResult `json:"result,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// BatchAdjustResult summarizes a batch adjustment.
type BatchAdjustResult struct {
	TotalProcessed int               `json:"total_processed"`
	SuccessCount   int               `json:"success_count"`
	ErrorCount     int               `json:"error_count"`
	Results        []BatchItemResult `json:"results"`
}

// CodeValidation is the outcome of validating an invite code. It never
// carries an error: an unusable code is a valid negative result.
type CodeValidation struct {
	Valid     bool       `json:"valid"`
	InviterID *uuid.UUID `json:"inviter_id,omitempty"`
	Message   string     `json:"message,omitempty"`
}

// InviteResult is returned by invite processing. AlreadyProcessed is true when
// the (inviter, invitee) pair had been rewarded before this call; in that case
// no writes happened and the bonus fields reflect the original reward.
type InviteResult struct {
	AlreadyProcessed bool      `json:"already_processed"`
	RelationshipID   uuid.UUID `json:"relationship_id"`
	InviterID        uuid.UUID `json:"inviter_id"`
	InviteeID        uuid.UUID `json:"invitee_id"`
	InviterBonus     int64     `json:"inviter_bonus"`
	InviteeBonus     int64     `json:"invitee_bonus"`
	InviterBalance   int64     `json:"inviter_balance"`
	InviteeBalance   int64     `json:"invitee_balance"`
	CompletedAt      time.Time `json:"completed_at"`
}

// RegistrationBonusResult is returned by the registration bonus grant.
type RegistrationBonusResult struct {
	AlreadyGranted bool  `json:"already_granted"`
	BonusAmount    int64 `json:"bonus_amount"`
	Balance        int64 `json:"balance"`
}
