/**
 * @description
 * This file defines the `Repository` interface, the contract for all data
 * access the credit-service needs. The interface decouples the app layer from
 * PostgreSQL and lets the property tests run against an in-memory fake.
 *
 * `WithTx` is the transactional boundary: it hands the closure a Repository
 * scoped to one database transaction, commits when the closure returns nil and
 * rolls back otherwise. Every multi-row mutation (balance + audit entry, or
 * the two-sided invite reward) must run inside a single WithTx call.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For identifiers.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/advisoryhq/credit-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// WithTx runs fn against a transaction-scoped Repository. A nil return
	// commits; any error rolls back the whole transaction.
	WithTx(ctx context.Context, fn func(Repository) error) error

	// Account methods
	FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error)
	FindActiveAccountByInviteCode(ctx context.Context, code string) (*domain.Account, error)
	// LockAccountByID performs a locking read (SELECT ... FOR UPDATE) and is
	// only meaningful inside WithTx.
	LockAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error)
	SaveAccountBalance(ctx context.Context, accountID uuid.UUID, balance int64) error
	// RecordConsumption sets the new balance, bumps total_consumed and stamps
	// last_activity_at in one statement.
	RecordConsumption(ctx context.Context, accountID uuid.UUID, balance int64, at time.Time) error
	IncrementInvitedCount(ctx context.Context, accountID uuid.UUID) error

	// Audit ledger methods
	InsertAuditEntry(ctx context.Context, entry *domain.AuditEntry) error
	CountAuditEntriesInWindow(ctx context.Context, accountID uuid.UUID, kind string, from, to time.Time) (int64, error)
	HasAuditEntryOfKind(ctx context.Context, accountID uuid.UUID, kind string) (bool, error)
	ListAuditEntries(ctx context.Context, accountID uuid.UUID, opts domain.AuditTrailOptions) (*domain.AuditPage, error)
	SumAuditDeltas(ctx context.Context, accountID uuid.UUID) (int64, error)

	// Invite relationship methods
	FindRelationship(ctx context.Context, inviterID, inviteeID uuid.UUID) (*domain.InviteRelationship, error)
	// InsertRelationship returns ErrRelationshipExists when the unique
	// (inviter_id, invitee_id) index rejects the row.
	InsertRelationship(ctx context.Context, rel *domain.InviteRelationship) error

	// Settings methods
	GetSetting(ctx context.Context, key string) (*domain.Setting, error)
	UpsertSetting(ctx context.Context, key, value, kind, updatedBy string) (int, error)

	// Reconciliation
	FindLedgerDrift(ctx context.Context, limit int) ([]domain.LedgerDrift, error)
}
