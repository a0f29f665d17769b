/**
 * @description
 * This file defines the append-only audit ledger model. Every balance-changing
 * event produces exactly one AuditEntry carrying the applied delta and the
 * resulting balance, written in the same database transaction as the balance
 * mutation itself. The ledger is the source of truth for balance history:
 * for any account, the sum of deltas must equal the current balance.
 *
 * @notes
 * - Entries are created once and never mutated or deleted. Retention is an
 *   operational concern outside this service.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Audit entry kinds. Each kind corresponds to one mutation path in the app layer.
const (
	AuditKindDecrease          = "decrease"
	AuditKindIncrease          = "increase"
	AuditKindAdminAdjust       = "admin_adjust"
	AuditKindInviteBonus       = "invite_bonus"
	AuditKindRegistrationBonus = "registration_bonus"
)

// Operator kinds record on whose behalf a mutation ran.
const (
	OperatorSelf   = "self"
	OperatorAdmin  = "admin"
	OperatorSystem = "system"
)

// Related entity kinds for cross-referencing audit entries with other records.
const (
	RelatedKindInviteRelationship = "invite_relationship"
)

// AuditEntry is a single row in the append-only credit ledger. Maps to the
// `audit_entries` table.
type AuditEntry struct {
	ID                uuid.UUID      `json:"id"`
	AccountID         uuid.UUID      `json:"account_id"`
	Kind              string         `json:"kind"`
	Delta             int64          `json:"delta"`
	BalanceAfter      int64          `json:"balance_after"`
	Reason            string         `json:"reason"`
	OperatorID        *string        `json:"operator_id,omitempty"`
	OperatorKind      string         `json:"operator_kind"`
	RelatedEntityID   *string        `json:"related_entity_id,omitempty"`
	RelatedEntityKind *string        `json:"related_entity_kind,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// AuditTrailOptions controls pagination and filtering of the audit trail.
type AuditTrailOptions struct {
	Page     int
	PageSize int
	Kind     string // empty selects all kinds
}

// AuditPage is one page of an account's audit trail, newest first.
type AuditPage struct {
	Entries    []AuditEntry `json:"entries"`
	Page       int          `json:"page"`
	PageSize   int          `json:"page_size"`
	TotalCount int64        `json:"total_count"`
}

// LedgerDrift reports an account whose balance no longer matches the sum of
// its audit deltas, or whose invited_count disagrees with the relationship
// records. Produced by the reconciler; this service never auto-corrects drift.
type LedgerDrift struct {
	AccountID     uuid.UUID `json:"account_id"`
	Balance       int64     `json:"balance"`
	LedgerSum     int64     `json:"ledger_sum"`
	InvitedCount  int       `json:"invited_count"`
	Relationships int       `json:"relationships"`
}
