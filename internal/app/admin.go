/**
 * @description
 * This file contains the admin-facing balance operations: single-account
 * adjustments (increase, decrease with a zero floor, set) and bounded-
 * concurrency batch adjustments. The audit entry always records the *applied*
 * delta — which the floor may shrink below the requested amount — and keeps
 * the requested amount in metadata so a clamped adjustment stays explainable.
 *
 * @dependencies
 * - context, fmt, sync: Standard Go libraries.
 * - github.com/google/uuid: For audit entry identifiers.
 * - internal/domain, internal/store: Domain models and data access.
 * - pkg/rabbitmq: Post-commit adjustment events.
 */

package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/advisoryhq/credit-service/internal/domain"
	"github.com/advisoryhq/credit-service/internal/store"
	"github.com/advisoryhq/credit-service/pkg/rabbitmq"
)

// batchGroupSize bounds how many accounts a batch adjustment touches at once.
// Each member runs in its own transaction; a group is a concurrency unit, not
// an atomicity unit.
const batchGroupSize = 10

// AdminAdjust applies one administrative balance change. `set` moves the
// balance to exactly amount; `decrease` clamps at zero rather than erroring;
// `increase` adds unclamped. The recorded delta is what actually happened.
func (s *Service) AdminAdjust(ctx context.Context, accountID uuid.UUID, operation string, amount int64, reason, adminID string) (*domain.AdjustResult, error) {
	switch operation {
	case domain.AdjustOpIncrease, domain.AdjustOpDecrease, domain.AdjustOpSet:
	default:
		return nil, ErrInvalidOperation
	}
	if amount < 0 || (operation != domain.AdjustOpSet && amount == 0) {
		return nil, ErrInvalidAmount
	}

	var result *domain.AdjustResult
	var entry *domain.AuditEntry
	err := s.repo.WithTx(ctx, func(tx store.Repository) error {
		locked, err := tx.LockAccountByID(ctx, accountID)
		if err != nil {
			return err
		}

		previous := locked.Balance
		var newBalance int64
		switch operation {
		case domain.AdjustOpIncrease:
			newBalance = previous + amount
		case domain.AdjustOpDecrease:
			newBalance = previous - amount
			if newBalance < 0 {
				newBalance = 0
			}
		case domain.AdjustOpSet:
			newBalance = amount
		}
		delta := newBalance - previous

		result = &domain.AdjustResult{
			AccountID:       accountID,
			AppliedDelta:    delta,
			PreviousBalance: previous,
			NewBalance:      newBalance,
			RequestedAmount: amount,
		}
		if delta == 0 {
			// Nothing changed; the ledger records mutations only.
			return nil
		}

		if err := tx.SaveAccountBalance(ctx, accountID, newBalance); err != nil {
			return err
		}

		operator := adminID
		entry = &domain.AuditEntry{
			ID:           uuid.New(),
			AccountID:    accountID,
			Kind:         domain.AuditKindAdminAdjust,
			Delta:        delta,
			BalanceAfter: newBalance,
			Reason:       reason,
			OperatorID:   &operator,
			OperatorKind: domain.OperatorAdmin,
			Metadata: map[string]any{
				"operation":        operation,
				"requested_amount": amount,
			},
			CreatedAt: s.now().UTC(),
		}
		return tx.InsertAuditEntry(ctx, entry)
	})
	if err != nil {
		return nil, err
	}

	s.publishCreditEvent(ctx, rabbitmq.RoutingKeyCreditAdjusted, entry)
	return result, nil
}

// BatchAdjust applies the same adjustment to many accounts in fixed-size
// concurrent groups. Isolation is per member: one account's failure is
// reported in its slot and never aborts the others.
func (s *Service) BatchAdjust(ctx context.Context, accountIDs []uuid.UUID, operation string, amount int64, reason, adminID string) (*domain.BatchAdjustResult, error) {
	maxAccounts, err := s.settings.BatchAdjustMaxAccounts(ctx)
	if err != nil {
		return nil, err
	}
	if len(accountIDs) > maxAccounts {
		return nil, fmt.Errorf("%w: %d accounts, cap is %d", ErrBatchTooLarge, len(accountIDs), maxAccounts)
	}

	results := make([]domain.BatchItemResult, len(accountIDs))
	for groupStart := 0; groupStart < len(accountIDs); groupStart += batchGroupSize {
		groupEnd := groupStart + batchGroupSize
		if groupEnd > len(accountIDs) {
			groupEnd = len(accountIDs)
		}

		var wg sync.WaitGroup
		for i := groupStart; i < groupEnd; i++ {
			wg.Add(1)
			go func(idx int, accountID uuid.UUID) {
				defer wg.Done()
				adjusted, err := s.AdminAdjust(ctx, accountID, operation, amount, reason, adminID)
				if err != nil {
					results[idx] = domain.BatchItemResult{AccountID: accountID, Error: err.Error()}
					return
				}
				results[idx] = domain.BatchItemResult{AccountID: accountID, Result: adjusted}
			}(i, accountIDs[i])
		}
		wg.Wait()
	}

	summary := &domain.BatchAdjustResult{
		TotalProcessed: len(results),
		Results:        results,
	}
	for _, r := range results {
		if r.Error == "" {
			summary.SuccessCount++
		} else {
			summary.ErrorCount++
		}
	}
	return summary, nil
}
