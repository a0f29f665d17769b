/**
 * @description
 * This file defines the invite relationship record. One row exists per unique
 * (inviter, invitee) pair, created inside the same transaction that credits
 * both sides of the referral bonus. The unique index on the pair is the
 * idempotency guarantee: retries and concurrent attempts can never reward the
 * same relationship twice.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Relationship status. Only completed records are ever persisted; there is no
// pending state mid-transaction.
const (
	RelationshipStatusCompleted = "completed"
)

// InviteRelationship maps to the `invite_relationships` table.
type InviteRelationship struct {
	ID             uuid.UUID `json:"id"`
	InviterID      uuid.UUID `json:"inviter_id"`
	InviteeID      uuid.UUID `json:"invitee_id"`
	InviteCodeUsed string    `json:"invite_code_used"`
	Status         string    `json:"status"`
	InviterBonus   int64     `json:"inviter_bonus"`
	InviteeBonus   int64     `json:"invitee_bonus"`
	CompletedAt    time.Time `json:"completed_at"`
}
