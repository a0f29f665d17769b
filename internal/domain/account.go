/**
 * @description
 * This file defines the account-facing domain models for the credit-service.
 * The core only owns the ledger-relevant slice of the user entity: the credit
 * balance, consumption counters and invite metadata. Account creation and
 * lifecycle transitions belong to the account subsystem; this service reads
 * the status and refuses to mutate inactive accounts.
 *
 * @notes
 * - Balances are `int64` credit counts, never fractional. Every mutation path
 *   goes through the app layer so the non-negativity invariant holds.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Account statuses. Decrease and invite operations require an active account.
const (
	AccountStatusActive    = "active"
	AccountStatusSuspended = "suspended"
	AccountStatusDeleted   = "deleted"
)

// Account is the ledger-relevant projection of a user. Maps to the `accounts` table.
type Account struct {
	ID             uuid.UUID  `json:"id"`
	Balance        int64      `json:"balance"`
	TotalConsumed  int64      `json:"total_consumed"`
	InvitedCount   int        `json:"invited_count"`
	Status         string     `json:"status"`
	InviteCode     string     `json:"invite_code"`
	InvitedByCode  *string    `json:"invited_by_code,omitempty"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// IsActive reports whether the account may consume credits or join invite flows.
func (a *Account) IsActive() bool {
	return a.Status == AccountStatusActive
}

// BalanceSummary is the read-only view served to the chat controller. It folds
// the current balance together with today's quota usage.
type BalanceSummary struct {
	AccountID      uuid.UUID `json:"account_id"`
	Balance        int64     `json:"balance"`
	TotalConsumed  int64     `json:"total_consumed"`
	UsedToday      int64     `json:"used_today"`
	DailyLimit     int64     `json:"daily_limit"`
	RemainingToday int64     `json:"remaining_today"`
}
