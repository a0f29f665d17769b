/**
 * @description
 * This file contains the core credit service: the only code path allowed to
 * mutate an account's credit balance. Every mutation follows the same shape —
 * validate, check limits, then one database transaction holding a locking read
 * of the account, the invariant guard, the account write and the audit entry
 * append. Nothing commits partially; the audit ledger and the balance can
 * never disagree.
 *
 * Domain events are published after commit and are non-fatal: a broker outage
 * never rolls back a committed balance change.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For audit entry identifiers.
 * - internal/domain, internal/store: Domain models and data access.
 * - pkg/rabbitmq: Event publishing for downstream collaborators.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/advisoryhq/credit-service/internal/domain"
	"github.com/advisoryhq/credit-service/internal/store"
	"github.com/advisoryhq/credit-service/pkg/rabbitmq"
)

// Increase bounds for non-admin credit grants.
const (
	MinIncreaseAmount = 1
	MaxIncreaseAmount = 1000
)

// Service provides the balance-mutation API of the credit core.
type Service struct {
	repo              store.Repository
	settings          *SettingsRegistry
	events            rabbitmq.Publisher
	throttle          RequestThrottle
	loc               *time.Location
	decreasePerMinute int
	now               func() time.Time
}

// NewService creates the credit service. loc is the ledger timezone used for
// all daily-quota windows; events may be nil when no broker is configured.
func NewService(repo store.Repository, settings *SettingsRegistry, events rabbitmq.Publisher, loc *time.Location) *Service {
	return &Service{
		repo:     repo,
		settings: settings,
		events:   events,
		loc:      loc,
		now:      time.Now,
	}
}

// SetRequestThrottle installs the distributed per-minute throttle.
func (s *Service) SetRequestThrottle(t RequestThrottle) {
	s.throttle = t
}

// ConfigureDecreaseThrottle sets the per-minute decrease cap; 0 disables it.
func (s *Service) ConfigureDecreaseThrottle(perMinute int) {
	s.decreasePerMinute = perMinute
}

// Settings exposes the registry for the admin settings handlers.
func (s *Service) Settings() *SettingsRegistry {
	return s.settings
}

// Decrease consumes one credit for a consultation. This is the only path that
// reduces balance for consumption; the invariant guard runs on the locked row
// inside the transaction, so two concurrent calls on a one-credit account can
// never both succeed.
func (s *Service) Decrease(ctx context.Context, accountID uuid.UUID, reason string, relatedEntityID, relatedEntityKind *string) (*domain.DecreaseResult, error) {
	if err := s.consumeDecreaseThrottle(ctx, accountID); err != nil {
		var throttled *ThrottledError
		if errors.As(err, &throttled) {
			return nil, err
		}
		// Throttle infrastructure failure must not block consumption.
		log.Printf("level=warn component=credit_service msg=\"decrease throttle unavailable\" account_id=%s err=%v", accountID, err)
	}

	account, err := s.repo.FindAccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !account.IsActive() {
		return nil, ErrAccountInactive
	}

	limit, err := s.settings.DailyDecreaseLimit(ctx)
	if err != nil {
		return nil, err
	}
	// Fast-fail outside the transaction; the binding check runs on the locked row.
	usedToday, err := s.CountDecreasesToday(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if usedToday >= limit {
		return nil, &DailyLimitError{Limit: limit, UsedToday: usedToday, NextResetAt: s.nextDailyReset()}
	}

	var result *domain.DecreaseResult
	var entry *domain.AuditEntry
	err = s.repo.WithTx(ctx, func(tx store.Repository) error {
		locked, err := tx.LockAccountByID(ctx, accountID)
		if err != nil {
			return err
		}
		// Re-validate on the locked row; the pre-transaction read may be stale.
		if !locked.IsActive() {
			return ErrAccountInactive
		}
		// Recount under the row lock. Concurrent decreases serialize on the
		// locked account, so a racing request that passed the fast-fail gate
		// sees the committed entry here and cannot slip past the quota.
		start, end := dayWindow(s.now(), s.loc)
		usedToday, err := tx.CountAuditEntriesInWindow(ctx, accountID, domain.AuditKindDecrease, start, end)
		if err != nil {
			return fmt.Errorf("failed to count today's decreases: %w", err)
		}
		if usedToday >= limit {
			return &DailyLimitError{Limit: limit, UsedToday: usedToday, NextResetAt: s.nextDailyReset()}
		}
		if locked.Balance < 1 {
			return ErrInsufficientBalance
		}

		now := s.now().UTC()
		newBalance := locked.Balance - 1
		if err := tx.RecordConsumption(ctx, accountID, newBalance, now); err != nil {
			return err
		}

		entry = &domain.AuditEntry{
			ID:                uuid.New(),
			AccountID:         accountID,
			Kind:              domain.AuditKindDecrease,
			Delta:             -1,
			BalanceAfter:      newBalance,
			Reason:            reason,
			OperatorKind:      domain.OperatorSelf,
			RelatedEntityID:   relatedEntityID,
			RelatedEntityKind: relatedEntityKind,
			CreatedAt:         now,
		}
		if err := tx.InsertAuditEntry(ctx, entry); err != nil {
			return err
		}

		result = &domain.DecreaseResult{
			Balance:       newBalance,
			TotalConsumed: locked.TotalConsumed + 1,
			AuditEntryID:  entry.ID,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publishCreditEvent(ctx, rabbitmq.RoutingKeyCreditDecreased, entry)
	return result, nil
}

// Increase grants credits to an account (purchases, support grants). Amount is
// bounded to keep a single call's blast radius small; admins use AdminAdjust
// for anything larger.
func (s *Service) Increase(ctx context.Context, accountID uuid.UUID, amount int64, reason string, operatorID *string, operatorKind string) (*domain.IncreaseResult, error) {
	if amount < MinIncreaseAmount || amount > MaxIncreaseAmount {
		return nil, ErrInvalidAmount
	}
	if operatorKind == "" {
		operatorKind = domain.OperatorSystem
	}

	var result *domain.IncreaseResult
	var entry *domain.AuditEntry
	err := s.repo.WithTx(ctx, func(tx store.Repository) error {
		locked, err := tx.LockAccountByID(ctx, accountID)
		if err != nil {
			return err
		}

		newBalance := locked.Balance + amount
		if err := tx.SaveAccountBalance(ctx, accountID, newBalance); err != nil {
			return err
		}

		entry = &domain.AuditEntry{
			ID:           uuid.New(),
			AccountID:    accountID,
			Kind:         domain.AuditKindIncrease,
			Delta:        amount,
			BalanceAfter: newBalance,
			Reason:       reason,
			OperatorID:   operatorID,
			OperatorKind: operatorKind,
			CreatedAt:    s.now().UTC(),
		}
		if err := tx.InsertAuditEntry(ctx, entry); err != nil {
			return err
		}

		result = &domain.IncreaseResult{
			IncreasedBy:  amount,
			Balance:      newBalance,
			AuditEntryID: entry.ID,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publishCreditEvent(ctx, rabbitmq.RoutingKeyCreditIncreased, entry)
	return result, nil
}

// GetBalanceSummary folds the current balance with today's quota usage.
func (s *Service) GetBalanceSummary(ctx context.Context, accountID uuid.UUID) (*domain.BalanceSummary, error) {
	account, err := s.repo.FindAccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	limit, err := s.settings.DailyDecreaseLimit(ctx)
	if err != nil {
		return nil, err
	}
	usedToday, err := s.CountDecreasesToday(ctx, accountID)
	if err != nil {
		return nil, err
	}
	remaining := limit - usedToday
	if remaining < 0 {
		remaining = 0
	}
	return &domain.BalanceSummary{
		AccountID:      account.ID,
		Balance:        account.Balance,
		TotalConsumed:  account.TotalConsumed,
		UsedToday:      usedToday,
		DailyLimit:     limit,
		RemainingToday: remaining,
	}, nil
}

// GetAuditTrail returns one page of an account's balance history.
func (s *Service) GetAuditTrail(ctx context.Context, accountID uuid.UUID, opts domain.AuditTrailOptions) (*domain.AuditPage, error) {
	if _, err := s.repo.FindAccountByID(ctx, accountID); err != nil {
		return nil, err
	}
	page, err := s.repo.ListAuditEntries(ctx, accountID, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to load audit trail: %w", err)
	}
	return page, nil
}

// publishCreditEvent emits a post-commit balance-change event. Failures are
// logged and swallowed; the ledger is already committed.
func (s *Service) publishCreditEvent(ctx context.Context, routingKey string, entry *domain.AuditEntry) {
	if s.events == nil || entry == nil {
		return
	}
	event := rabbitmq.CreditChangedEvent{
		AccountID:    entry.AccountID,
		Kind:         entry.Kind,
		Delta:        entry.Delta,
		BalanceAfter: entry.BalanceAfter,
		Reason:       entry.Reason,
		Timestamp:    entry.CreatedAt,
	}
	if err := s.events.Publish(ctx, rabbitmq.EventsExchange, routingKey, event); err != nil {
		log.Printf("level=warn component=credit_service msg=\"event publish failed\" routing_key=%s account_id=%s err=%v", routingKey, entry.AccountID, err)
	}
}
