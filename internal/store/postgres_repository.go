/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. It contains all SQL touching the accounts, audit_entries,
 * invite_relationships and settings tables.
 *
 * The repository runs against a `DBTX`, which both *pgxpool.Pool and pgx.Tx
 * satisfy. `WithTx` begins a transaction and hands the closure a repository
 * bound to it, so the same query methods work inside and outside a
 * transaction. Locking reads use SELECT ... FOR UPDATE so concurrent balance
 * mutations on the same account serialize at the row.
 *
 * @dependencies
 * - context, encoding/json, errors, fmt, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver.
 * - internal/domain: Domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/advisoryhq/credit-service/internal/domain"
)

var (
	ErrAccountNotFound      = errors.New("account not found")
	ErrRelationshipNotFound = errors.New("invite relationship not found")
	ErrRelationshipExists   = errors.New("invite relationship already exists")
	ErrSettingNotFound      = errors.New("setting not found")
)

// DBTX is the subset of pgx query methods shared by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db DBTX
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// WithTx runs fn inside one database transaction. pgx nests via savepoints, so
// calling WithTx from a transaction-scoped repository is safe.
func (r *PostgresRepository) WithTx(ctx context.Context, fn func(Repository) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&PostgresRepository{db: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const accountColumns = `id, balance, total_consumed, invited_count, status, invite_code, invited_by_code, last_activity_at, created_at, updated_at`

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var account domain.Account
	err := row.Scan(
		&account.ID,
		&account.Balance,
		&account.TotalConsumed,
		&account.InvitedCount,
		&account.Status,
		&account.InviteCode,
		&account.InvitedByCode,
		&account.LastActivityAt,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// FindAccountByID retrieves an account by its ID.
func (r *PostgresRepository) FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return scanAccount(r.db.QueryRow(ctx, query, accountID))
}

// FindActiveAccountByInviteCode retrieves the active account owning an invite code.
// Codes are stored normalized (upper-case), so the lookup is an exact match.
func (r *PostgresRepository) FindActiveAccountByInviteCode(ctx context.Context, code string) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE invite_code = $1 AND status = $2`
	return scanAccount(r.db.QueryRow(ctx, query, code, domain.AccountStatusActive))
}

// LockAccountByID reads an account with FOR UPDATE, blocking concurrent
// transactions touching the same row until this one commits or rolls back.
func (r *PostgresRepository) LockAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1 FOR UPDATE`
	return scanAccount(r.db.QueryRow(ctx, query, accountID))
}

// SaveAccountBalance writes a new balance for an account.
func (r *PostgresRepository) SaveAccountBalance(ctx context.Context, accountID uuid.UUID, balance int64) error {
	query := `UPDATE accounts SET balance = $1, updated_at = NOW() WHERE id = $2`
	tag, err := r.db.Exec(ctx, query, balance, accountID)
	if err != nil {
		return fmt.Errorf("failed to save account balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// RecordConsumption applies one consumption decrement's account-side writes.
func (r *PostgresRepository) RecordConsumption(ctx context.Context, accountID uuid.UUID, balance int64, at time.Time) error {
	query := `
		UPDATE accounts
		SET balance = $1, total_consumed = total_consumed + 1, last_activity_at = $2, updated_at = NOW()
		WHERE id = $3
	`
	tag, err := r.db.Exec(ctx, query, balance, at, accountID)
	if err != nil {
		return fmt.Errorf("failed to record consumption: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// IncrementInvitedCount bumps the inviter's referral counter.
func (r *PostgresRepository) IncrementInvitedCount(ctx context.Context, accountID uuid.UUID) error {
	query := `UPDATE accounts SET invited_count = invited_count + 1, updated_at = NOW() WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, accountID)
	if err != nil {
		return fmt.Errorf("failed to increment invited count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// InsertAuditEntry appends one row to the credit ledger.
func (r *PostgresRepository) InsertAuditEntry(ctx context.Context, entry *domain.AuditEntry) error {
	var metadata []byte
	if entry.Metadata != nil {
		encoded, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal audit metadata: %w", err)
		}
		metadata = encoded
	}

	query := `
		INSERT INTO audit_entries (
			id, account_id, kind, delta, balance_after, reason,
			operator_id, operator_kind, related_entity_id, related_entity_kind,
			metadata, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := r.db.Exec(ctx, query,
		entry.ID,
		entry.AccountID,
		entry.Kind,
		entry.Delta,
		entry.BalanceAfter,
		entry.Reason,
		entry.OperatorID,
		entry.OperatorKind,
		entry.RelatedEntityID,
		entry.RelatedEntityKind,
		metadata,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// CountAuditEntriesInWindow counts entries of one kind in [from, to).
func (r *PostgresRepository) CountAuditEntriesInWindow(ctx context.Context, accountID uuid.UUID, kind string, from, to time.Time) (int64, error) {
	var count int64
	query := `
		SELECT COUNT(*)
		FROM audit_entries
		WHERE account_id = $1 AND kind = $2 AND created_at >= $3 AND created_at < $4
	`
	if err := r.db.QueryRow(ctx, query, accountID, kind, from, to).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count audit entries: %w", err)
	}
	return count, nil
}

// HasAuditEntryOfKind reports whether at least one entry of the kind exists.
func (r *PostgresRepository) HasAuditEntryOfKind(ctx context.Context, accountID uuid.UUID, kind string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM audit_entries WHERE account_id = $1 AND kind = $2)`
	if err := r.db.QueryRow(ctx, query, accountID, kind).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check audit entry existence: %w", err)
	}
	return exists, nil
}

// ListAuditEntries returns one page of an account's audit trail, newest first.
func (r *PostgresRepository) ListAuditEntries(ctx context.Context, accountID uuid.UUID, opts domain.AuditTrailOptions) (*domain.AuditPage, error) {
	opts = ClampAuditTrailOptions(opts)

	countQuery := `SELECT COUNT(*) FROM audit_entries WHERE account_id = $1`
	countArgs := []any{accountID}
	if opts.Kind != "" {
		countQuery += ` AND kind = $2`
		countArgs = append(countArgs, opts.Kind)
	}

	var total int64
	if err := r.db.QueryRow(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count audit trail: %w", err)
	}

	query := `
		SELECT id, account_id, kind, delta, balance_after, reason,
		       operator_id, operator_kind, related_entity_id, related_entity_kind,
		       metadata, created_at
		FROM audit_entries
		WHERE account_id = $1
	`
	args := []any{accountID}
	if opts.Kind != "" {
		query += ` AND kind = $2`
		args = append(args, opts.Kind)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, opts.PageSize, (opts.Page-1)*opts.PageSize)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []domain.AuditEntry{}
	for rows.Next() {
		var entry domain.AuditEntry
		var metadata []byte
		err := rows.Scan(
			&entry.ID,
			&entry.AccountID,
			&entry.Kind,
			&entry.Delta,
			&entry.BalanceAfter,
			&entry.Reason,
			&entry.OperatorID,
			&entry.OperatorKind,
			&entry.RelatedEntityID,
			&entry.RelatedEntityKind,
			&metadata,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &entry.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal audit metadata: %w", err)
			}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit entries: %w", err)
	}

	return &domain.AuditPage{
		Entries:    entries,
		Page:       opts.Page,
		PageSize:   opts.PageSize,
		TotalCount: total,
	}, nil
}

// SumAuditDeltas returns the signed sum of all ledger deltas for an account.
func (r *PostgresRepository) SumAuditDeltas(ctx context.Context, accountID uuid.UUID) (int64, error) {
	var sum int64
	query := `SELECT COALESCE(SUM(delta), 0) FROM audit_entries WHERE account_id = $1`
	if err := r.db.QueryRow(ctx, query, accountID).Scan(&sum); err != nil {
		return 0, fmt.Errorf("failed to sum audit deltas: %w", err)
	}
	return sum, nil
}

// FindRelationship retrieves the invite record for one (inviter, invitee) pair.
func (r *PostgresRepository) FindRelationship(ctx context.Context, inviterID, inviteeID uuid.UUID) (*domain.InviteRelationship, error) {
	var rel domain.InviteRelationship
	query := `
		SELECT id, inviter_id, invitee_id, invite_code_used, status, inviter_bonus, invitee_bonus, completed_at
		FROM invite_relationships
		WHERE inviter_id = $1 AND invitee_id = $2
	`
	err := r.db.QueryRow(ctx, query, inviterID, inviteeID).Scan(
		&rel.ID,
		&rel.InviterID,
		&rel.InviteeID,
		&rel.InviteCodeUsed,
		&rel.Status,
		&rel.InviterBonus,
		&rel.InviteeBonus,
		&rel.CompletedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrRelationshipNotFound
		}
		return nil, err
	}
	return &rel, nil
}

// InsertRelationship creates the completed invite record. The unique index on
// (inviter_id, invitee_id) is the idempotency guarantee; a duplicate insert is
// reported as ErrRelationshipExists so the app layer can translate it.
func (r *PostgresRepository) InsertRelationship(ctx context.Context, rel *domain.InviteRelationship) error {
	query := `
		INSERT INTO invite_relationships (
			id, inviter_id, invitee_id, invite_code_used, status, inviter_bonus, invitee_bonus, completed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.Exec(ctx, query,
		rel.ID,
		rel.InviterID,
		rel.InviteeID,
		rel.InviteCodeUsed,
		rel.Status,
		rel.InviterBonus,
		rel.InviteeBonus,
		rel.CompletedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrRelationshipExists
		}
		return fmt.Errorf("failed to insert invite relationship: %w", err)
	}
	return nil
}

// GetSetting retrieves one settings row by key.
func (r *PostgresRepository) GetSetting(ctx context.Context, key string) (*domain.Setting, error) {
	var setting domain.Setting
	query := `SELECT key, value, kind, version, updated_by, updated_at FROM settings WHERE key = $1`
	err := r.db.QueryRow(ctx, query, key).Scan(
		&setting.Key,
		&setting.Value,
		&setting.Kind,
		&setting.Version,
		&setting.UpdatedBy,
		&setting.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrSettingNotFound
		}
		return nil, err
	}
	return &setting, nil
}

// UpsertSetting writes a setting value, bumping the version on every write,
// and returns the new version.
func (r *PostgresRepository) UpsertSetting(ctx context.Context, key, value, kind, updatedBy string) (int, error) {
	var version int
	query := `
		INSERT INTO settings (key, value, kind, version, updated_by, updated_at)
		VALUES ($1, $2, $3, 1, $4, NOW())
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value,
		    kind = EXCLUDED.kind,
		    version = settings.version + 1,
		    updated_by = EXCLUDED.updated_by,
		    updated_at = NOW()
		RETURNING version
	`
	if err := r.db.QueryRow(ctx, query, key, value, kind, updatedBy).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to upsert setting: %w", err)
	}
	return version, nil
}

// FindLedgerDrift surfaces accounts whose balance disagrees with the summed
// ledger deltas, or whose invited_count disagrees with the relationship rows.
// Read-only: the reconciler reports drift, it never repairs it.
func (r *PostgresRepository) FindLedgerDrift(ctx context.Context, limit int) ([]domain.LedgerDrift, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT a.id, a.balance, COALESCE(l.sum_delta, 0), a.invited_count, COALESCE(rel.cnt, 0)
		FROM accounts a
		LEFT JOIN (
			SELECT account_id, SUM(delta) AS sum_delta FROM audit_entries GROUP BY account_id
		) l ON l.account_id = a.id
		LEFT JOIN (
			SELECT inviter_id, COUNT(*) AS cnt FROM invite_relationships GROUP BY inviter_id
		) rel ON rel.inviter_id = a.id
		WHERE a.balance <> COALESCE(l.sum_delta, 0)
		   OR a.invited_count <> COALESCE(rel.cnt, 0)
		LIMIT $1
	`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger drift: %w", err)
	}
	defer rows.Close()

	var drift []domain.LedgerDrift
	for rows.Next() {
		var d domain.LedgerDrift
		if err := rows.Scan(&d.AccountID, &d.Balance, &d.LedgerSum, &d.InvitedCount, &d.Relationships); err != nil {
			return nil, fmt.Errorf("failed to scan ledger drift row: %w", err)
		}
		drift = append(drift, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ledger drift rows: %w", err)
	}
	return drift, nil
}

// ClampAuditTrailOptions normalizes pagination inputs to sane bounds.
func ClampAuditTrailOptions(opts domain.AuditTrailOptions) domain.AuditTrailOptions {
	if opts.Page < 1 {
		opts.Page = 1
	}
	if opts.PageSize < 1 {
		opts.PageSize = 20
	}
	if opts.PageSize > 100 {
		opts.PageSize = 100
	}
	return opts
}
