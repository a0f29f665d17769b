/**
 * @description
 * This file contains the invite reward engine: invite code validation and the
 * atomic two-sided referral bonus, plus the one-time registration bonus.
 *
 * Idempotency is layered. A relationship pre-check answers retries cheaply,
 * but the real guarantee is the unique (inviter_id, invitee_id) index: a
 * concurrent duplicate aborts its transaction — rolling back both balance
 * updates — and is translated into the same "already processed" result the
 * pre-check produces. A raw conflict never escapes this package.
 *
 * The two-sided reward is the one place a transaction touches two account
 * rows; both are locked in deterministic id order so overlapping invite
 * transactions cannot deadlock.
 *
 * @dependencies
 * - context, errors, fmt, log, strings: Standard Go libraries.
 * - github.com/google/uuid: For identifiers.
 * - internal/domain, internal/store: Domain models and data access.
 * - pkg/rabbitmq: Post-commit invite events.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/advisoryhq/credit-service/internal/domain"
	"github.com/advisoryhq/credit-service/internal/store"
	"github.com/advisoryhq/credit-service/pkg/rabbitmq"
)

// InviteEngine validates invite codes and applies referral rewards. It
// composes the credit service's primitives rather than owning its own
// mutation paths.
type InviteEngine struct {
	service  *Service
	repo     store.Repository
	settings *SettingsRegistry
	events   rabbitmq.Publisher
}

// NewInviteEngine creates the invite engine on top of the credit service.
func NewInviteEngine(service *Service) *InviteEngine {
	return &InviteEngine{
		service:  service,
		repo:     service.repo,
		settings: service.settings,
		events:   service.events,
	}
}

// NormalizeInviteCode trims and upper-cases a user-supplied code. Codes are
// stored normalized, so this is the only casing rule in the system.
func NormalizeInviteCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidateCode checks whether a code can be used for registration. It never
// returns a business error — an unusable code is a negative result with a
// message — only infrastructure failures surface as errors.
func (e *InviteEngine) ValidateCode(ctx context.Context, code string) (*domain.CodeValidation, error) {
	enabled, err := e.settings.InviteEnabled(ctx)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return &domain.CodeValidation{Valid: false, Message: "invite feature is disabled"}, nil
	}

	normalized := NormalizeInviteCode(code)
	minLength, maxLength, err := e.settings.InviteCodeLengthBounds(ctx)
	if err != nil {
		return nil, err
	}
	if len(normalized) < minLength || len(normalized) > maxLength {
		return &domain.CodeValidation{Valid: false, Message: "invite code has invalid length"}, nil
	}

	inviter, err := e.repo.FindActiveAccountByInviteCode(ctx, normalized)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return &domain.CodeValidation{Valid: false, Message: "invite code not found or owner inactive"}, nil
		}
		return nil, fmt.Errorf("failed to look up invite code: %w", err)
	}

	inviterID := inviter.ID
	return &domain.CodeValidation{Valid: true, InviterID: &inviterID}, nil
}

// ProcessInviteRegistration applies the two-sided referral bonus for a newly
// registered account. The code is revalidated here regardless of any earlier
// ValidateCode call — validation results can be arbitrarily stale by the time
// registration completes.
func (e *InviteEngine) ProcessInviteRegistration(ctx context.Context, inviteeID uuid.UUID, code string) (*domain.InviteResult, error) {
	validation, err := e.ValidateCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if !validation.Valid {
		if validation.Message == "invite feature is disabled" {
			return nil, ErrInviteDisabled
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidInviteCode, validation.Message)
	}

	normalized := NormalizeInviteCode(code)
	inviter, err := e.repo.FindActiveAccountByInviteCode(ctx, normalized)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return nil, ErrInviterNotFound
		}
		return nil, err
	}
	// The caller must reject self-invites before registration; re-checking
	// here costs one comparison.
	if inviter.ID == inviteeID {
		return nil, fmt.Errorf("%w: code belongs to the registering account", ErrInvalidInviteCode)
	}

	invitee, err := e.repo.FindAccountByID(ctx, inviteeID)
	if err != nil {
		return nil, err
	}
	if !invitee.IsActive() {
		return nil, ErrAccountInactive
	}

	// Fast path for retries; the unique index remains the actual guarantee.
	if existing, err := e.repo.FindRelationship(ctx, inviter.ID, inviteeID); err == nil {
		return e.alreadyProcessedResult(ctx, existing)
	} else if !errors.Is(err, store.ErrRelationshipNotFound) {
		return nil, err
	}

	inviterBonus, inviteeBonus, err := e.settings.InviteBonuses(ctx)
	if err != nil {
		return nil, err
	}

	var result *domain.InviteResult
	err = e.repo.WithTx(ctx, func(tx store.Repository) error {
		first, second := lockOrder(inviter.ID, inviteeID)
		lockedFirst, err := tx.LockAccountByID(ctx, first)
		if err != nil {
			return err
		}
		lockedSecond, err := tx.LockAccountByID(ctx, second)
		if err != nil {
			return err
		}

		lockedInviter, lockedInvitee := lockedFirst, lockedSecond
		if lockedFirst.ID != inviter.ID {
			lockedInviter, lockedInvitee = lockedSecond, lockedFirst
		}
		// Re-validate on the locked row; the invitee may have been suspended
		// since the pre-transaction read.
		if !lockedInvitee.IsActive() {
			return ErrAccountInactive
		}

		now := e.service.now().UTC()
		inviteeBalance := lockedInvitee.Balance + inviteeBonus
		if err := tx.SaveAccountBalance(ctx, lockedInvitee.ID, inviteeBalance); err != nil {
			return err
		}

		inviterBalance := lockedInviter.Balance + inviterBonus
		if err := tx.SaveAccountBalance(ctx, lockedInviter.ID, inviterBalance); err != nil {
			return err
		}
		if err := tx.IncrementInvitedCount(ctx, lockedInviter.ID); err != nil {
			return err
		}

		rel := &domain.InviteRelationship{
			ID:             uuid.New(),
			InviterID:      lockedInviter.ID,
			InviteeID:      lockedInvitee.ID,
			InviteCodeUsed: normalized,
			Status:         domain.RelationshipStatusCompleted,
			InviterBonus:   inviterBonus,
			InviteeBonus:   inviteeBonus,
			CompletedAt:    now,
		}
		// A concurrent duplicate fails here and rolls back both balances.
		if err := tx.InsertRelationship(ctx, rel); err != nil {
			return err
		}

		relatedID := rel.ID.String()
		relatedKind := domain.RelatedKindInviteRelationship
		inviteeEntry := &domain.AuditEntry{
			ID:                uuid.New(),
			AccountID:         lockedInvitee.ID,
			Kind:              domain.AuditKindInviteBonus,
			Delta:             inviteeBonus,
			BalanceAfter:      inviteeBalance,
			Reason:            "invite bonus (invitee)",
			OperatorKind:      domain.OperatorSystem,
			RelatedEntityID:   &relatedID,
			RelatedEntityKind: &relatedKind,
			CreatedAt:         now,
		}
		if err := tx.InsertAuditEntry(ctx, inviteeEntry); err != nil {
			return err
		}
		inviterEntry := &domain.AuditEntry{
			ID:                uuid.New(),
			AccountID:         lockedInviter.ID,
			Kind:              domain.AuditKindInviteBonus,
			Delta:             inviterBonus,
			BalanceAfter:      inviterBalance,
			Reason:            "invite bonus (inviter)",
			OperatorKind:      domain.OperatorSystem,
			RelatedEntityID:   &relatedID,
			RelatedEntityKind: &relatedKind,
			CreatedAt:         now,
		}
		if err := tx.InsertAuditEntry(ctx, inviterEntry); err != nil {
			return err
		}

		result = &domain.InviteResult{
			RelationshipID: rel.ID,
			InviterID:      lockedInviter.ID,
			InviteeID:      lockedInvitee.ID,
			InviterBonus:   inviterBonus,
			InviteeBonus:   inviteeBonus,
			InviterBalance: inviterBalance,
			InviteeBalance: inviteeBalance,
			CompletedAt:    now,
		}
		return nil
	})
	if err != nil {
		// Losing a race to another attempt is the idempotent success path.
		if errors.Is(err, store.ErrRelationshipExists) {
			existing, findErr := e.repo.FindRelationship(ctx, inviter.ID, inviteeID)
			if findErr != nil {
				return nil, fmt.Errorf("failed to load existing invite relationship: %w", findErr)
			}
			return e.alreadyProcessedResult(ctx, existing)
		}
		return nil, err
	}

	e.publishInviteEvent(ctx, result)
	return result, nil
}

// GrantRegistrationBonus credits the one-time signup bonus. The gate is the
// existing registration_bonus ledger entry; it is re-checked on the locked
// row so concurrent grants serialize to exactly one.
func (e *InviteEngine) GrantRegistrationBonus(ctx context.Context, accountID uuid.UUID) (*domain.RegistrationBonusResult, error) {
	account, err := e.repo.FindAccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}

	granted, err := e.repo.HasAuditEntryOfKind(ctx, accountID, domain.AuditKindRegistrationBonus)
	if err != nil {
		return nil, err
	}
	if granted {
		return &domain.RegistrationBonusResult{AlreadyGranted: true, Balance: account.Balance}, nil
	}

	bonus, err := e.settings.RegistrationBonus(ctx)
	if err != nil {
		return nil, err
	}

	var result *domain.RegistrationBonusResult
	var entry *domain.AuditEntry
	err = e.repo.WithTx(ctx, func(tx store.Repository) error {
		locked, err := tx.LockAccountByID(ctx, accountID)
		if err != nil {
			return err
		}
		granted, err := tx.HasAuditEntryOfKind(ctx, accountID, domain.AuditKindRegistrationBonus)
		if err != nil {
			return err
		}
		if granted {
			result = &domain.RegistrationBonusResult{AlreadyGranted: true, Balance: locked.Balance}
			return nil
		}

		newBalance := locked.Balance + bonus
		if err := tx.SaveAccountBalance(ctx, accountID, newBalance); err != nil {
			return err
		}

		entry = &domain.AuditEntry{
			ID:           uuid.New(),
			AccountID:    accountID,
			Kind:         domain.AuditKindRegistrationBonus,
			Delta:        bonus,
			BalanceAfter: newBalance,
			Reason:       "registration bonus",
			OperatorKind: domain.OperatorSystem,
			CreatedAt:    e.service.now().UTC(),
		}
		if err := tx.InsertAuditEntry(ctx, entry); err != nil {
			return err
		}

		result = &domain.RegistrationBonusResult{BonusAmount: bonus, Balance: newBalance}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !result.AlreadyGranted {
		e.service.publishCreditEvent(ctx, rabbitmq.RoutingKeyRegistrationBonus, entry)
	}
	return result, nil
}

// alreadyProcessedResult builds the idempotent response for a pair that was
// rewarded earlier, reporting the original bonus amounts and current balances.
func (e *InviteEngine) alreadyProcessedResult(ctx context.Context, rel *domain.InviteRelationship) (*domain.InviteResult, error) {
	inviter, err := e.repo.FindAccountByID(ctx, rel.InviterID)
	if err != nil {
		return nil, err
	}
	invitee, err := e.repo.FindAccountByID(ctx, rel.InviteeID)
	if err != nil {
		return nil, err
	}
	return &domain.InviteResult{
		AlreadyProcessed: true,
		RelationshipID:   rel.ID,
		InviterID:        rel.InviterID,
		InviteeID:        rel.InviteeID,
		InviterBonus:     rel.InviterBonus,
		InviteeBonus:     rel.InviteeBonus,
		InviterBalance:   inviter.Balance,
		InviteeBalance:   invitee.Balance,
		CompletedAt:      rel.CompletedAt,
	}, nil
}

// lockOrder returns the two ids in the deterministic order transactions must
// lock them in.
func lockOrder(a, b uuid.UUID) (uuid.UUID, uuid.UUID) {
	if strings.Compare(a.String(), b.String()) <= 0 {
		return a, b
	}
	return b, a
}

func (e *InviteEngine) publishInviteEvent(ctx context.Context, result *domain.InviteResult) {
	if e.events == nil || result == nil {
		return
	}
	event := rabbitmq.InviteCompletedEvent{
		RelationshipID: result.RelationshipID,
		InviterID:      result.InviterID,
		InviteeID:      result.InviteeID,
		InviterBonus:   result.InviterBonus,
		InviteeBonus:   result.InviteeBonus,
		Timestamp:      result.CompletedAt,
	}
	if err := e.events.Publish(ctx, rabbitmq.EventsExchange, rabbitmq.RoutingKeyInviteCompleted, event); err != nil {
		log.Printf("level=warn component=invite_engine msg=\"event publish failed\" inviter_id=%s invitee_id=%s err=%v", result.InviterID, result.InviteeID, err)
	}
}
